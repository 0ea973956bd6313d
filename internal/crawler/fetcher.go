package crawler

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// maxBodySize bounds how much of a response body is read.
const maxBodySize = 10 << 20 // 10MB

// HTTPFetcher fetches pages over net/http. Transports are built per proxy and
// reused, so connection pools persist across requests through the same proxy.
type HTTPFetcher struct {
	timeout   time.Duration
	userAgent string

	mu         sync.Mutex
	transports map[string]*http.Transport // keyed by proxy URL, "" = direct
	cookies    map[string][]*http.Cookie  // per-domain cookie jar
}

// NewHTTPFetcher creates a fetcher with the given default timeout and
// User-Agent.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPFetcher{
		timeout:    timeout,
		userAgent:  userAgent,
		transports: make(map[string]*http.Transport),
		cookies:    make(map[string][]*http.Cookie),
	}
}

// Fetch performs one GET. Redirects are followed (up to 10); the response body
// is read fully so the connection can be reused.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	transport, err := f.transportFor(req.Proxy)
	if err != nil {
		return nil, &FetchError{Kind: KindProxy, URL: req.URL, Err: err}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.timeout
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindConnection, URL: req.URL, Err: err}
	}

	ua := req.UserAgent
	if ua == "" {
		ua = f.userAgent
	}
	httpReq.Header.Set("User-Agent", ua)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	for key, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	for _, c := range req.Cookies {
		httpReq.AddCookie(c)
	}
	for _, c := range f.domainCookies(httpReq.URL.Hostname()) {
		httpReq.AddCookie(c)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classifyFetchError(req.URL, err, req.Proxy != "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, classifyFetchError(req.URL, err, req.Proxy != "")
	}
	elapsed := time.Since(start)

	cookies := resp.Cookies()
	if len(cookies) > 0 {
		f.storeCookies(httpReq.URL.Hostname(), cookies)
	}

	out := &FetchResponse{
		StatusCode:   resp.StatusCode,
		Headers:      resp.Header,
		Body:         body,
		FinalURL:     resp.Request.URL.String(),
		Cookies:      cookies,
		ResponseTime: elapsed,
	}

	if resp.StatusCode >= 400 {
		return out, &FetchError{Kind: KindHTTP, URL: req.URL, StatusCode: resp.StatusCode}
	}
	return out, nil
}

// transportFor returns the shared transport for a proxy (or the direct one).
func (f *HTTPFetcher) transportFor(proxy string) (*http.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if t, ok := f.transports[proxy]; ok {
		return t, nil
	}

	t := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	f.transports[proxy] = t
	return t, nil
}

// domainCookies returns a copy of the cookies accumulated for a domain.
func (f *HTTPFetcher) domainCookies(domain string) []*http.Cookie {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*http.Cookie(nil), f.cookies[domain]...)
}

// storeCookies merges Set-Cookie values into the domain's jar, replacing
// cookies by name.
func (f *HTTPFetcher) storeCookies(domain string, incoming []*http.Cookie) {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing := f.cookies[domain]
	for _, c := range incoming {
		replaced := false
		for i, old := range existing {
			if old.Name == c.Name {
				existing[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, c)
		}
	}
	f.cookies[domain] = existing
}

// Close shuts down idle connections on every transport.
func (f *HTTPFetcher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transports {
		t.CloseIdleConnections()
	}
}
