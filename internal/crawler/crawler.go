package crawler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/forager-dev/forager/internal/cache"
	"github.com/forager-dev/forager/internal/frontier"
	"github.com/forager-dev/forager/internal/proxy"
	"github.com/forager-dev/forager/internal/ratelimit"
	"github.com/forager-dev/forager/internal/robots"
	"github.com/forager-dev/forager/internal/urlutil"
)

// Coordinator drives one BFS crawl: it owns the frontier, the worker pool and
// every collaborator, so concurrent runs never share state.
type Coordinator struct {
	cfg     Config
	fetcher Fetcher
	parser  Parser

	limiter  *ratelimit.Limiter
	robots   *robots.Cache
	proxies  *proxy.Pool
	cache    *cache.Cache
	frontier *frontier.Frontier
	global   *rate.Limiter

	include []*regexp.Regexp
	exclude []*regexp.Regexp

	mu      sync.Mutex
	claimed int
	results []Result
	delayed map[string]struct{} // domains whose robots crawl-delay was applied

	runID     string
	startedAt time.Time
}

// New builds a coordinator with production collaborators. The configuration is
// validated here so a bad config fails before any worker starts.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      cfg,
		fetcher:  NewHTTPFetcher(cfg.RequestTimeout, cfg.UserAgent),
		parser:   NewHTMLParser(),
		limiter:  ratelimit.New(cfg.RateLimit),
		robots:   robots.NewCache(cfg.RequestTimeout, cfg.UserAgent),
		frontier: frontier.New(),
		delayed:  make(map[string]struct{}),
		runID:    uuid.NewString(),
	}

	if len(cfg.Proxy.Proxies) > 0 {
		c.proxies = proxy.NewPool(cfg.Proxy)
	}
	if cfg.CacheEnabled {
		c.cache = cache.New(cfg.Cache)
	}
	if cfg.GlobalRate > 0 {
		c.global = rate.NewLimiter(rate.Limit(cfg.GlobalRate), 1)
	}

	for _, p := range cfg.IncludePatterns {
		c.include = append(c.include, regexp.MustCompile(p))
	}
	for _, p := range cfg.ExcludePatterns {
		c.exclude = append(c.exclude, regexp.MustCompile(p))
	}
	return c, nil
}

// SetFetcher replaces the fetcher. Used by tests to stub out the network.
func (c *Coordinator) SetFetcher(f Fetcher) { c.fetcher = f }

// SetParser replaces the parser.
func (c *Coordinator) SetParser(p Parser) { c.parser = p }

// RunID returns this run's identifier.
func (c *Coordinator) RunID() string { return c.runID }

// Crawl runs the crawl to completion and returns every page result. It
// returns when the frontier drains, the page budget is exhausted, or ctx is
// cancelled; in-flight fetches always finish.
func (c *Coordinator) Crawl(ctx context.Context) ([]Result, error) {
	c.startedAt = time.Now()

	if c.proxies != nil {
		c.proxies.Start(ctx)
		defer c.proxies.Stop()
	}

	admitted := 0
	for _, seed := range c.cfg.Seeds {
		normalized, err := urlutil.Normalize(seed)
		if err != nil {
			log.Warn().Str("seed", seed).Err(err).Msg("Skipping invalid seed")
			continue
		}
		if c.cfg.RespectRobots {
			if !c.robots.Allowed(ctx, normalized) {
				log.Info().Str("seed", normalized).Msg("Seed disallowed by robots.txt")
				continue
			}
			c.applyCrawlDelay(normalized)
		}
		if c.frontier.Admit(frontier.Task{URL: normalized, Depth: 0}) {
			admitted++
		}
	}
	if admitted == 0 {
		return nil, fmt.Errorf("no crawlable seeds after normalization and robots checks")
	}

	log.Info().
		Str("run_id", c.runID).
		Int("seeds", admitted).
		Int("workers", c.cfg.Workers).
		Int("max_depth", c.cfg.MaxDepth).
		Int("max_pages", c.cfg.MaxPages).
		Msg("Starting crawl")

	// Cancellation closes the frontier so blocked workers drain out; tasks
	// already dequeued run to completion.
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.frontier.Close()
		case <-stopWatch:
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	close(stopWatch)

	c.mu.Lock()
	results := append([]Result(nil), c.results...)
	c.mu.Unlock()

	log.Info().
		Str("run_id", c.runID).
		Int("pages", len(results)).
		Dur("duration", time.Since(c.startedAt)).
		Msg("Crawl finished")

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (c *Coordinator) worker(ctx context.Context, id int) {
	for {
		task, ok := c.frontier.Next()
		if !ok {
			return
		}
		c.process(ctx, task)
		c.frontier.TaskDone()
	}
}

// claimBudget reserves one page against the budget. On exhaustion it closes
// the frontier so queued tasks are dropped rather than processed.
func (c *Coordinator) claimBudget() bool {
	if c.cfg.MaxPages <= 0 {
		return true
	}
	c.mu.Lock()
	if c.claimed >= c.cfg.MaxPages {
		c.mu.Unlock()
		c.frontier.Close()
		return false
	}
	c.claimed++
	exhausted := c.claimed == c.cfg.MaxPages
	c.mu.Unlock()
	if exhausted {
		log.Info().Int("max_pages", c.cfg.MaxPages).Msg("Page budget reached")
	}
	return true
}

func (c *Coordinator) process(ctx context.Context, task frontier.Task) {
	if ctx.Err() != nil {
		return
	}
	if !c.claimBudget() {
		return
	}

	result := Result{
		URL:       task.URL,
		Depth:     task.Depth,
		FetchedAt: time.Now(),
	}

	var body []byte
	var finalURL string

	if entry, hit := c.lookupCache(task.URL); hit {
		result.CacheHit = true
		result.StatusCode = entry.StatusCode
		result.FinalURL = entry.FinalURL
		body = entry.Body
		finalURL = entry.FinalURL
		log.Debug().Str("url", task.URL).Msg("Cache hit")
	} else {
		resp, retries, ferr := c.fetchWithRetry(ctx, task.URL)
		result.RetryCount = retries
		if ferr != nil {
			result.Error = ferr.Error()
			result.ErrorKind = string(ferr.Kind)
			result.StatusCode = ferr.StatusCode
			if resp != nil {
				result.ResponseTime = resp.ResponseTime
			}
			c.record(result)
			log.Debug().
				Str("url", task.URL).
				Str("kind", string(ferr.Kind)).
				Int("status", ferr.StatusCode).
				Msg("Page failed")
			return
		}

		result.StatusCode = resp.StatusCode
		result.FinalURL = resp.FinalURL
		result.ResponseTime = resp.ResponseTime
		body = resp.Body
		finalURL = resp.FinalURL

		if c.cache != nil {
			c.cache.Put(&cache.Entry{
				URL:        task.URL,
				FinalURL:   resp.FinalURL,
				StatusCode: resp.StatusCode,
				Headers:    resp.Headers,
				Body:       resp.Body,
			})
		}
	}

	if finalURL == "" {
		finalURL = task.URL
	}

	page, perr := c.parser.Parse(body, finalURL)
	if perr != nil {
		// Degraded mode: salvage the links so the crawl can continue past
		// a page goquery cannot handle.
		page = &ParseResult{Links: ExtractLinks(body, finalURL)}
		result.ErrorKind = string(KindParse)
		result.Error = perr.Error()
		log.Debug().Str("url", task.URL).Err(perr).Msg("Parse failed, extracted links only")
	}
	result.Page = page
	c.record(result)

	if task.Depth < c.cfg.MaxDepth {
		c.admitChildren(ctx, page.Links, task.Depth+1)
	}
}

// lookupCache returns a cached entry for the URL when caching is on.
func (c *Coordinator) lookupCache(url string) (*cache.Entry, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(url)
}

// fetchWithRetry runs the fetch attempt loop: rate-limiter slot, proxy
// acquisition, fetch, failure reporting, backoff. It returns the number of
// retries consumed and, on exhaustion, the terminal error alongside the last
// HTTP response (if any attempt got one).
func (c *Coordinator) fetchWithRetry(ctx context.Context, url string) (*FetchResponse, int, *FetchError) {
	domain := urlutil.Domain(url)
	var lastResp *FetchResponse
	var lastErr *FetchError
	retries := 0

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			retries++
			backoff := time.Duration(attempt) * c.cfg.RetryDelay
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, retries, &FetchError{Kind: KindTimeout, URL: url, Err: ctx.Err()}
			}
		}

		if c.global != nil {
			if err := c.global.Wait(ctx); err != nil {
				return nil, retries, &FetchError{Kind: KindTimeout, URL: url, Err: err}
			}
		}
		if err := c.limiter.WaitForSlot(ctx, domain); err != nil {
			return nil, retries, &FetchError{Kind: KindTimeout, URL: url, Err: err}
		}

		proxyAddr := ""
		if c.proxies != nil {
			proxyAddr, _ = c.proxies.Acquire(c.cfg.ProxyStrategy)
		}

		resp, err := c.fetcher.Fetch(ctx, FetchRequest{
			URL:     url,
			Proxy:   proxyAddr,
			Timeout: c.cfg.RequestTimeout,
		})
		if err == nil {
			c.limiter.ReportSuccess(domain)
			if c.proxies != nil && proxyAddr != "" {
				c.proxies.ReportSuccess(proxyAddr)
			}
			return resp, retries, nil
		}

		ferr, ok := err.(*FetchError)
		if !ok {
			ferr = &FetchError{Kind: KindConnection, URL: url, Err: err}
		}
		if resp != nil {
			lastResp = resp
		}
		lastErr = ferr

		c.limiter.ReportFailure(domain, ferr.StatusCode)
		if c.proxies != nil && proxyAddr != "" && (ferr.Kind == KindProxy || ferr.Kind == KindConnection || ferr.Kind == KindTimeout) {
			c.proxies.ReportFailure(proxyAddr)
		}

		if !ferr.Retryable() {
			return lastResp, retries, ferr
		}

		log.Debug().
			Str("url", url).
			Int("attempt", attempt+1).
			Str("kind", string(ferr.Kind)).
			Msg("Retrying fetch")
	}
	return lastResp, retries, lastErr
}

// admitChildren filters discovered links and admits survivors at the given
// depth. Admission happens before the parent's TaskDone, so the frontier's
// work count never transiently hits zero mid-crawl.
func (c *Coordinator) admitChildren(ctx context.Context, links []string, depth int) {
	for _, link := range links {
		normalized, err := urlutil.Normalize(link)
		if err != nil {
			continue
		}
		if c.frontier.Visited(normalized) {
			continue
		}
		if !c.domainAllowed(normalized) {
			continue
		}
		if !c.matchesPatterns(normalized) {
			continue
		}
		if c.cfg.RespectRobots {
			if !c.robots.Allowed(ctx, normalized) {
				continue
			}
			c.applyCrawlDelay(normalized)
		}
		c.frontier.Admit(frontier.Task{URL: normalized, Depth: depth})
	}
}

// applyCrawlDelay installs a robots Crawl-delay directive as the domain's
// rate-limiter override. The policy is already cached by the preceding
// Allowed call, so this never fetches. Applied once per domain.
func (c *Coordinator) applyCrawlDelay(url string) {
	domain := urlutil.Domain(url)
	if domain == "" {
		return
	}

	c.mu.Lock()
	if _, done := c.delayed[domain]; done {
		c.mu.Unlock()
		return
	}
	c.delayed[domain] = struct{}{}
	c.mu.Unlock()

	if d := c.robots.CrawlDelay(domain); d > 0 {
		c.limiter.SetDomainDelay(domain, d)
		log.Debug().Str("domain", domain).Dur("crawl_delay", d).Msg("Applying robots crawl-delay")
	}
}

// domainAllowed applies the allowed-domain restriction: exact host match or
// same registrable domain.
func (c *Coordinator) domainAllowed(url string) bool {
	if len(c.cfg.AllowedDomains) == 0 {
		return true
	}
	host := urlutil.Domain(url)
	for _, allowed := range c.cfg.AllowedDomains {
		allowed = strings.ToLower(allowed)
		if host == allowed || urlutil.IsSubdomain(host, allowed) {
			return true
		}
	}
	return false
}

// matchesPatterns applies the include/exclude regex filters.
func (c *Coordinator) matchesPatterns(url string) bool {
	for _, re := range c.exclude {
		if re.MatchString(url) {
			return false
		}
	}
	if len(c.include) == 0 {
		return true
	}
	for _, re := range c.include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (c *Coordinator) record(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

// Stats aggregates the recorded results.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		RunID:       c.runID,
		ByStatus:    make(map[int]int),
		ByErrorKind: make(map[string]int),
		BySite:      make(map[string]int),
		Duration:    time.Since(c.startedAt),
	}
	for _, r := range c.results {
		if host := urlutil.Domain(r.URL); host != "" {
			site, err := urlutil.RegistrableDomain(host)
			if err != nil {
				site = host
			}
			s.BySite[site]++
		}
		if r.Error != "" && r.ErrorKind != string(KindParse) {
			s.PagesFailed++
		} else {
			s.PagesCrawled++
		}
		if r.CacheHit {
			s.CacheHits++
		}
		s.Retries += r.RetryCount
		if r.Depth > s.MaxDepthSeen {
			s.MaxDepthSeen = r.Depth
		}
		if r.StatusCode != 0 {
			s.ByStatus[r.StatusCode]++
		}
		if r.ErrorKind != "" {
			s.ByErrorKind[r.ErrorKind]++
		}
	}
	return s
}

// CacheStats exposes the response cache counters, or a zero value when caching
// is disabled.
func (c *Coordinator) CacheStats() cache.Stats {
	if c.cache == nil {
		return cache.Stats{}
	}
	return c.cache.Stats()
}

// ProxyRecords exposes proxy pool health, or nil when no proxies are
// configured.
func (c *Coordinator) ProxyRecords() []proxy.Record {
	if c.proxies == nil {
		return nil
	}
	return c.proxies.Records()
}
