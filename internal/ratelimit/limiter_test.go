package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLimiter returns a limiter with deterministic time and jitter. Advancing
// the clock is the test's job; WaitForSlot still sleeps real time, so configs
// keep delays tiny.
func testLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.rand = func() float64 { return 0 }
	return l, &now
}

func fastConfig() Config {
	return Config{
		BaseDelay:   10 * time.Millisecond,
		MinDelay:    time.Millisecond,
		MaxDelay:    time.Second,
		RandomRange: 0,
		RetryFactor: 2,
	}
}

func TestFirstRequestShortWait(t *testing.T) {
	l, _ := testLimiter(fastConfig())

	start := time.Now()
	require.NoError(t, l.WaitForSlot(context.Background(), "a.test"))
	elapsed := time.Since(start)

	// rand() == 0 makes the first-contact wait 0.2 x base delay.
	assert.Less(t, elapsed, 10*time.Millisecond, "first request must not wait the full base delay")
}

func TestSlotReservationSpacesRequests(t *testing.T) {
	l, _ := testLimiter(fastConfig())
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.WaitForSlot(ctx, "a.test"))
	require.NoError(t, l.WaitForSlot(ctx, "a.test"))
	require.NoError(t, l.WaitForSlot(ctx, "a.test"))
	elapsed := time.Since(start)

	// Second and third slots each sit a full base delay after the reserved
	// slot before them (the injected clock never advances).
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestDomainsIndependent(t *testing.T) {
	l, _ := testLimiter(fastConfig())
	ctx := context.Background()

	require.NoError(t, l.WaitForSlot(ctx, "a.test"))
	start := time.Now()
	require.NoError(t, l.WaitForSlot(ctx, "b.test"))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 10*time.Millisecond, "a.test's reservation must not delay b.test")
}

func TestFailureScalesDelay(t *testing.T) {
	l, now := testLimiter(fastConfig())

	state := l.state("a.test")
	base := l.delayFor(state, *now)
	assert.Equal(t, 10*time.Millisecond, base)

	l.ReportFailure("a.test", 500)
	assert.Equal(t, 20*time.Millisecond, l.delayFor(state, *now))

	l.ReportFailure("a.test", 500)
	assert.Equal(t, 40*time.Millisecond, l.delayFor(state, *now))

	// Scaling caps at four consecutive failures.
	for i := 0; i < 10; i++ {
		l.ReportFailure("a.test", 500)
	}
	assert.Equal(t, 160*time.Millisecond, l.delayFor(state, *now))
}

func TestSuccessResetsFailures(t *testing.T) {
	l, now := testLimiter(fastConfig())
	state := l.state("a.test")

	l.ReportFailure("a.test", 500)
	l.ReportFailure("a.test", 500)
	l.ReportSuccess("a.test")

	assert.Equal(t, 10*time.Millisecond, l.delayFor(state, *now))
}

func TestThrottleInstallsTemporaryDelay(t *testing.T) {
	cfg := fastConfig()
	cfg.TempDelayExpiry = time.Minute
	l, now := testLimiter(cfg)
	state := l.state("a.test")

	l.ReportFailure("a.test", 429)

	// The 429 leaves one failure on the books and installs a temporary delay
	// of 2 x retryFactor x the effective delay at report time (10ms base
	// scaled by one failure = 20ms, so temp = 80ms). The failure streak then
	// scales the temporary delay again.
	got := l.delayFor(state, *now)
	assert.Equal(t, 160*time.Millisecond, got)

	// Expired temporary delays fall away lazily.
	*now = now.Add(2 * time.Minute)
	l.ReportSuccess("a.test")
	assert.Equal(t, 10*time.Millisecond, l.delayFor(state, *now))
}

func TestTemporaryDelayClampedToMax(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxDelay = 50 * time.Millisecond
	l, now := testLimiter(cfg)
	state := l.state("a.test")

	for i := 0; i < 5; i++ {
		l.ReportFailure("a.test", 429)
	}
	assert.LessOrEqual(t, l.delayFor(state, *now), 50*time.Millisecond)
}

func TestDomainOverride(t *testing.T) {
	cfg := fastConfig()
	cfg.DomainOverrides = map[string]time.Duration{"slow.test": 100 * time.Millisecond}
	l, now := testLimiter(cfg)

	assert.Equal(t, 100*time.Millisecond, l.delayFor(l.state("slow.test"), *now))
	assert.Equal(t, 10*time.Millisecond, l.delayFor(l.state("other.test"), *now))
}

func TestSetDomainDelayClamped(t *testing.T) {
	l, now := testLimiter(fastConfig())

	l.SetDomainDelay("a.test", time.Hour)
	assert.Equal(t, time.Second, l.delayFor(l.state("a.test"), *now))

	l.SetDomainDelay("b.test", time.Nanosecond)
	assert.Equal(t, time.Millisecond, l.delayFor(l.state("b.test"), *now))
}

func TestWaitForSlotHonoursContext(t *testing.T) {
	cfg := fastConfig()
	cfg.BaseDelay = 10 * time.Second
	cfg.MaxDelay = time.Minute
	l, _ := testLimiter(cfg)

	// Mark the domain as already contacted so the next slot is a full delay.
	l.mu.Lock()
	s := l.state("a.test")
	s.seen = true
	s.nextSlotAt = l.now()
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.WaitForSlot(ctx, "a.test")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReset(t *testing.T) {
	l, now := testLimiter(fastConfig())
	l.ReportFailure("a.test", 500)
	l.Reset()
	assert.Equal(t, 10*time.Millisecond, l.delayFor(l.state("a.test"), *now))
}
