package crawler

import (
	"context"
	"net/http"
	"time"
)

// FetchRequest describes one page retrieval.
type FetchRequest struct {
	URL       string
	Proxy     string // proxy URL, empty for a direct connection
	Headers   http.Header
	Cookies   []*http.Cookie
	Timeout   time.Duration
	UserAgent string
}

// FetchResponse is the raw outcome of a fetch.
type FetchResponse struct {
	StatusCode   int
	Headers      http.Header
	Body         []byte
	FinalURL     string // after redirects
	Cookies      []*http.Cookie
	ResponseTime time.Duration
}

// Fetcher retrieves pages. The production implementation is HTTPFetcher;
// tests substitute stubs.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// ParseResult holds the structured fields extracted from one page.
type ParseResult struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Keywords    string   `json:"keywords"`
	Canonical   string   `json:"canonical"`
	Headings    []string `json:"headings"`
	Text        string   `json:"text"`
	Links       []string `json:"links"` // absolute, fragment-stripped
}

// Parser extracts fields and links from an HTML body. pageURL is the base for
// resolving relative links.
type Parser interface {
	Parse(body []byte, pageURL string) (*ParseResult, error)
}

// Result is the record produced for one crawled URL.
type Result struct {
	URL          string        `json:"url"`
	FinalURL     string        `json:"final_url,omitempty"`
	Depth        int           `json:"depth"`
	StatusCode   int           `json:"status_code"`
	Error        string        `json:"error,omitempty"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	CacheHit     bool          `json:"cache_hit"`
	RetryCount   int           `json:"retry_count"`
	ResponseTime time.Duration `json:"response_time"`
	FetchedAt    time.Time     `json:"fetched_at"`
	Page         *ParseResult  `json:"page,omitempty"`
}

// Stats aggregates a finished crawl.
type Stats struct {
	RunID        string         `json:"run_id"`
	PagesCrawled int            `json:"pages_crawled"`
	PagesFailed  int            `json:"pages_failed"`
	CacheHits    int            `json:"cache_hits"`
	Retries      int            `json:"retries"`
	MaxDepthSeen int            `json:"max_depth_seen"`
	Duration     time.Duration  `json:"duration"`
	ByStatus     map[int]int    `json:"by_status"`
	ByErrorKind  map[string]int `json:"by_error_kind"`
	BySite       map[string]int `json:"by_site"` // keyed by registrable domain
}
