package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// HTMLParser extracts page fields and links with goquery.
type HTMLParser struct{}

// NewHTMLParser returns the production parser.
func NewHTMLParser() *HTMLParser {
	return &HTMLParser{}
}

// Parse extracts structured fields from an HTML document. Relative links are
// resolved against the document's <base href> when present, otherwise against
// pageURL.
func (p *HTMLParser) Parse(body []byte, pageURL string) (*ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", pageURL, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL %s: %w", pageURL, err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if baseHref, err := base.Parse(href); err == nil {
			base = baseHref
		}
	}

	result := &ParseResult{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}

	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		content, _ := s.Attr("content")
		switch strings.ToLower(name) {
		case "description":
			result.Description = strings.TrimSpace(content)
		case "keywords":
			result.Keywords = strings.TrimSpace(content)
		}
	})

	if canonical, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		if resolved, err := base.Parse(canonical); err == nil {
			result.Canonical = resolved.String()
		}
	}

	doc.Find("h1, h2, h3").Each(func(_ int, s *goquery.Selection) {
		if text := strings.TrimSpace(s.Text()); text != "" {
			result.Headings = append(result.Headings, text)
		}
	})

	bodySel := doc.Find("body").First()
	bodySel.Find("script, style, noscript").Remove()
	result.Text = strings.Join(strings.Fields(bodySel.Text()), " ")

	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		link, ok := resolveLink(base, href)
		if !ok {
			return
		}
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		result.Links = append(result.Links, link)
	})

	return result, nil
}

// ExtractLinks is the degraded-mode parser: a tolerant x/net/html token walk
// that pulls out anchors only. Used when full parsing fails, so a page with
// broken markup still contributes its links to the crawl.
func ExtractLinks(body []byte, pageURL string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}

	var links []string
	seen := make(map[string]struct{})

	tokenizer := html.NewTokenizer(bytes.NewReader(body))
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return links
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := tokenizer.TagName()
		if string(name) != "a" || !hasAttr {
			continue
		}
		for {
			key, val, more := tokenizer.TagAttr()
			if string(key) == "href" {
				if link, ok := resolveLink(base, string(val)); ok {
					if _, dup := seen[link]; !dup {
						seen[link] = struct{}{}
						links = append(links, link)
					}
				}
				break
			}
			if !more {
				break
			}
		}
	}
}

// resolveLink turns an href into an absolute http(s) URL with the fragment
// stripped. Non-navigable schemes are rejected.
func resolveLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}

	lower := strings.ToLower(href)
	for _, prefix := range []string{"javascript:", "mailto:", "tel:", "data:", "ftp:"} {
		if strings.HasPrefix(lower, prefix) {
			return "", false
		}
	}

	resolved, err := base.Parse(href)
	if err != nil {
		return "", false
	}
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	resolved.Fragment = ""
	return resolved.String(), true
}
