package ratelimit

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls per-domain request pacing.
type Config struct {
	BaseDelay       time.Duration            // default spacing between requests to one domain
	MinDelay        time.Duration            // floor applied after all adjustments
	MaxDelay        time.Duration            // ceiling applied after all adjustments
	RandomRange     float64                  // jitter fraction added on top of the delay, in [0,1]
	RetryFactor     float64                  // exponential backoff base for consecutive failures
	TempDelayExpiry time.Duration            // how long a 429-induced temporary delay stays active
	DomainOverrides map[string]time.Duration // fixed per-domain delays from configuration
}

// DefaultConfig mirrors the conventional politeness defaults: one second base
// delay, half-second floor, one minute ceiling.
func DefaultConfig() Config {
	return Config{
		BaseDelay:       time.Second,
		MinDelay:        500 * time.Millisecond,
		MaxDelay:        60 * time.Second,
		RandomRange:     0.5,
		RetryFactor:     2,
		TempDelayExpiry: 5 * time.Minute,
	}
}

// Limiter spaces out requests per domain. WaitForSlot blocks the calling
// worker until its reserved slot arrives; the reservation happens under the
// lock so a second concurrent caller computes its wait relative to the slot
// just handed out, keeping per-domain pacing monotonic.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]*domainState

	now  func() time.Time
	rand func() float64
}

type domainState struct {
	nextSlotAt          time.Time
	consecutiveFailures int
	override            time.Duration
	tempDelay           time.Duration
	tempExpiresAt       time.Time
	seen                bool
}

// New creates a limiter. Zero or negative config fields fall back to defaults.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = def.RetryFactor
	}
	if cfg.RandomRange < 0 {
		cfg.RandomRange = 0
	}
	if cfg.TempDelayExpiry <= 0 {
		cfg.TempDelayExpiry = def.TempDelayExpiry
	}
	if cfg.BaseDelay < cfg.MinDelay {
		cfg.BaseDelay = cfg.MinDelay
	}

	l := &Limiter{
		cfg:     cfg,
		domains: make(map[string]*domainState),
		now:     time.Now,
		rand:    rand.Float64,
	}
	for domain, delay := range cfg.DomainOverrides {
		l.SetDomainDelay(domain, delay)
	}
	return l
}

// WaitForSlot blocks until a request to domain is permissible, reserving the
// next slot before returning. The wait honours context cancellation.
func (l *Limiter) WaitForSlot(ctx context.Context, domain string) error {
	l.mu.Lock()
	state := l.state(domain)
	now := l.now()

	delay := l.delayFor(state, now)
	jittered := delay
	if l.cfg.RandomRange > 0 {
		jittered = time.Duration(float64(delay) * (1 + l.rand()*l.cfg.RandomRange))
	}

	var wait time.Duration
	if !state.seen {
		// First contact with a new domain: a reduced initial wait avoids
		// front-loading latency across many fresh domains.
		wait = time.Duration(float64(jittered) * (0.2 + 0.3*l.rand()))
		state.seen = true
	} else {
		// Wait is measured from the previously reserved slot, so it stays
		// monotonic even when several workers target the same domain.
		wait = max(0, jittered-now.Sub(state.nextSlotAt))
	}

	state.nextSlotAt = now.Add(wait)
	l.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	log.Debug().
		Str("domain", domain).
		Dur("wait", wait).
		Msg("Rate limiter holding request")

	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delayFor computes the effective delay for a domain. Caller holds l.mu.
func (l *Limiter) delayFor(state *domainState, now time.Time) time.Duration {
	delay := l.cfg.BaseDelay
	if state.override > 0 {
		delay = state.override
	}

	if state.tempDelay > 0 {
		if now.Before(state.tempExpiresAt) {
			if state.tempDelay > delay {
				delay = state.tempDelay
			}
		} else {
			state.tempDelay = 0
		}
	}

	if f := state.consecutiveFailures; f > 0 {
		scaled := time.Duration(float64(delay) * math.Pow(l.cfg.RetryFactor, float64(min(f, 4))))
		if scaled < delay {
			scaled = l.cfg.MaxDelay
		}
		delay = scaled
	}

	if delay < l.cfg.MinDelay {
		delay = l.cfg.MinDelay
	}
	if delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	return delay
}

// ReportSuccess resets the failure streak for a domain and clears any
// temporary delay installed by a throttling response.
func (l *Limiter) ReportSuccess(domain string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.state(domain)
	state.consecutiveFailures = 0
	state.tempDelay = 0
}

// ReportFailure increments the failure streak. A 429 status additionally
// installs a temporary delay of 2 x retryFactor x the current effective delay,
// which expires after the configured duration.
func (l *Limiter) ReportFailure(domain string, statusCode int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state := l.state(domain)
	state.consecutiveFailures++

	if statusCode == 429 {
		now := l.now()
		temp := time.Duration(float64(l.delayFor(state, now)) * l.cfg.RetryFactor * 2)
		if temp > l.cfg.MaxDelay {
			temp = l.cfg.MaxDelay
		}
		state.tempDelay = temp
		state.tempExpiresAt = now.Add(l.cfg.TempDelayExpiry)
		log.Warn().
			Str("domain", domain).
			Dur("temporary_delay", temp).
			Msg("Throttled by server, escalating per-domain delay")
		return
	}

	log.Debug().
		Str("domain", domain).
		Int("consecutive_failures", state.consecutiveFailures).
		Msg("Recorded request failure")
}

// SetDomainDelay installs a fixed per-domain delay override, clamped to the
// configured bounds.
func (l *Limiter) SetDomainDelay(domain string, delay time.Duration) {
	if delay < l.cfg.MinDelay {
		delay = l.cfg.MinDelay
	}
	if delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(domain).override = delay
}

// Reset clears all per-domain state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.domains = make(map[string]*domainState)
}

// state returns the tracked state for a domain. Caller holds l.mu.
func (l *Limiter) state(domain string) *domainState {
	s, ok := l.domains[domain]
	if !ok {
		s = &domainState{}
		l.domains[domain] = s
	}
	return s
}
