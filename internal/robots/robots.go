package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/temoto/robotstxt"
)

// maxRobotsSize bounds how much of a robots.txt file is read.
const maxRobotsSize = 1 << 20 // 1MB

// Cache holds one robots.txt policy per domain. Policies are fetched lazily on
// first query and are immutable for the process lifetime. Fetch or parse
// failures fail open: the cached policy allows everything.
type Cache struct {
	client    *http.Client
	userAgent string

	mu       sync.Mutex
	policies map[string]*policy
}

type policy struct {
	ready      chan struct{}
	group      *robotstxt.Group // nil means allow everything
	crawlDelay time.Duration
}

// NewCache creates a robots policy cache. The timeout applies to each
// robots.txt fetch.
func NewCache(timeout time.Duration, userAgent string) *Cache {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Cache{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		userAgent: userAgent,
		policies:  make(map[string]*policy),
	}
}

// Allowed reports whether the crawler may fetch rawURL. Unknown domains
// trigger a single robots.txt fetch; concurrent first queries for the same
// domain block on the one in-flight fetch rather than duplicating it.
func (c *Cache) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}

	p := c.policyFor(ctx, parsed)
	if p.group == nil {
		return true
	}

	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}
	return p.group.Test(path)
}

// CrawlDelay returns the Crawl-delay directive cached for a domain, or zero
// when the domain has no cached policy or no directive.
func (c *Cache) CrawlDelay(domain string) time.Duration {
	c.mu.Lock()
	p, ok := c.policies[domain]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	<-p.ready
	return p.crawlDelay
}

// policyFor returns the populated policy for the URL's domain, fetching it if
// this is the first query (double-checked under the cache lock).
func (c *Cache) policyFor(ctx context.Context, u *url.URL) *policy {
	domain := u.Hostname()

	c.mu.Lock()
	p, ok := c.policies[domain]
	if !ok {
		p = &policy{ready: make(chan struct{})}
		c.policies[domain] = p
		c.mu.Unlock()

		c.populate(ctx, u, p)
		close(p.ready)
		return p
	}
	c.mu.Unlock()

	select {
	case <-p.ready:
	case <-ctx.Done():
		// Caller is cancelled; fail open rather than block forever.
		return &policy{}
	}
	return p
}

// populate fetches and parses robots.txt for the policy. Any failure leaves
// the policy in its fail-open state.
func (c *Cache) populate(ctx context.Context, u *url.URL, p *policy) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Debug().Err(err).Str("robots_url", robotsURL).Msg("robots.txt unreachable, failing open")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Debug().Int("status", resp.StatusCode).Str("robots_url", robotsURL).Msg("No usable robots.txt, failing open")
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		log.Debug().Err(err).Str("robots_url", robotsURL).Msg("robots.txt read failed, failing open")
		return
	}

	data, err := robotstxt.FromBytes(body)
	if err != nil {
		log.Debug().Err(err).Str("robots_url", robotsURL).Msg("robots.txt parse failed, failing open")
		return
	}

	group := data.FindGroup(c.userAgent)
	p.group = group
	if group != nil {
		p.crawlDelay = group.CrawlDelay
	}

	log.Debug().
		Str("domain", u.Hostname()).
		Int("status", resp.StatusCode).
		Dur("crawl_delay", p.crawlDelay).
		Msg("Cached robots.txt policy")
}
