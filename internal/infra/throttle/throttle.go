// Package throttle implements a token-bucket rate limiter combined with
// exponential-backoff retry, used by every chat bridge's outbound sender
// (spec §7 point 8: platform quota errors back off with exponential sleep).
// Server-specified wait durations (HTTP Retry-After, platform-specific
// "retry after N seconds" fields) are pluggable via WaitExtractor so a
// bridge can teach the throttler its platform's error shape without the
// throttler depending on any bridge package.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WaitExtractor inspects an error and, if it recognizes a server-specified
// retry delay, returns it with ok=true.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer marks an error as permanent: no retry should be attempted.
type StopRetryer interface {
	StopRetry() bool
}

// ErrNotStarted is returned by Do on a Throttler that was not built with New.
var ErrNotStarted = errors.New("throttle: Throttler must be created with New")

// Option configures a Throttler at construction time.
type Option func(*Throttler)

// WithMaxRetries caps the number of retries; <=0 means unlimited.
func WithMaxRetries(n int) Option {
	return func(t *Throttler) { t.maxRetries = n }
}

// WithBurst overrides the token bucket burst size.
func WithBurst(burst int) Option {
	return func(t *Throttler) { t.burst = burst }
}

// WithWaitExtractors registers extractors consulted in order on every error.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) { t.waitExtractors = append(t.waitExtractors, extractors...) }
}

// WithRandom overrides the jitter source (used in tests for determinism).
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

const burstMultiplier = 2

// Throttler rate-limits and retries calls to fn, combining a
// golang.org/x/time/rate limiter with exponential backoff and jitter.
type Throttler struct {
	limiter *rate.Limiter

	waitExtractors []WaitExtractor
	maxRetries     int
	burst          int
	rps            int

	mu       sync.Mutex
	randomFn func() float64
}

// New creates a Throttler allowing rps operations per second.
func New(rps int, opts ...Option) *Throttler {
	if rps <= 0 {
		rps = 1
	}
	t := &Throttler{
		rps:        rps,
		maxRetries: -1,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.burst <= 0 {
		t.burst = rps * burstMultiplier
	}
	if t.burst < 1 {
		t.burst = 1
	}
	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}
	t.limiter = rate.NewLimiter(rate.Limit(rps), t.burst)
	return t
}

// Do waits for a token, calls fn, and retries on transient failure following
// the configured backoff and wait-extractor policy.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if t.limiter == nil {
		return ErrNotStarted
	}
	attempt := 0
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		if errors.As(callErr, &stopper) && stopper.StopRetry() {
			return callErr
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return callErr
		}

		if wait, ok := t.extractWait(callErr); ok {
			if err := t.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if t.maxRetries > 0 && attempt >= t.maxRetries {
			return fmt.Errorf("throttle: max retries (%d) reached: %w", t.maxRetries, callErr)
		}
		if err := t.sleep(ctx, t.backoff(attempt)); err != nil {
			return err
		}
		attempt++
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

func (t *Throttler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *Throttler) backoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxSeconds  = 60.0
	)
	base := math.Pow(2, float64(attempt))
	if base > maxSeconds {
		base = maxSeconds
	}
	t.mu.Lock()
	jitter := t.randomFn()*jitterRange + jitterMin
	t.mu.Unlock()
	return time.Duration(base * jitter * float64(time.Second))
}
