package safety

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultMaxBackoff     = 16.0
	defaultRecoveryWindow = 5 * time.Minute
)

type exchangeLimiter struct {
	limiter    *rate.Limiter
	baseRate   rate.Limit
	multiplier float64
	last429    time.Time
}

// AdaptiveRateLimiter is a per-exchange token bucket whose effective rate
// shrinks under HTTP 429 pressure. Each 429 doubles the backoff multiplier
// up to the cap; after each recovery window without one, the multiplier
// halves back toward 1.
type AdaptiveRateLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*exchangeLimiter
	perSec     float64
	burst      int
	maxBackoff float64
	recovery   time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// LimiterOption tunes the adaptive rate limiter.
type LimiterOption func(*AdaptiveRateLimiter)

// WithMaxBackoff caps the 429 backoff multiplier.
func WithMaxBackoff(factor float64) LimiterOption {
	return func(a *AdaptiveRateLimiter) {
		if factor >= 1 {
			a.maxBackoff = factor
		}
	}
}

// WithRecoveryWindow sets how long without a 429 each halving step takes.
func WithRecoveryWindow(d time.Duration) LimiterOption {
	return func(a *AdaptiveRateLimiter) {
		if d > 0 {
			a.recovery = d
		}
	}
}

// NewAdaptiveRateLimiter creates a limiter with the configured requests/sec
// budget applied per exchange.
func NewAdaptiveRateLimiter(perSec float64, burst int, opts ...LimiterOption) *AdaptiveRateLimiter {
	if burst < 1 {
		burst = 1
	}
	a := &AdaptiveRateLimiter{
		limiters:   make(map[string]*exchangeLimiter),
		perSec:     perSec,
		burst:      burst,
		maxBackoff: defaultMaxBackoff,
		recovery:   defaultRecoveryWindow,
		now:        time.Now,
		log:        log.With().Str("component", "rate_limiter").Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Throttle blocks until weight tokens are available for exchange, or the
// context is done.
func (a *AdaptiveRateLimiter) Throttle(ctx context.Context, exchange string, weight int) error {
	if weight < 1 {
		weight = 1
	}
	a.mu.Lock()
	el := a.limiterLocked(exchange)
	a.maybeRecoverLocked(el)
	limiter := el.limiter
	a.mu.Unlock()

	return limiter.WaitN(ctx, weight)
}

// On429 records a rate-limit response from the exchange and doubles the
// backoff multiplier.
func (a *AdaptiveRateLimiter) On429(exchange string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	el := a.limiterLocked(exchange)
	el.last429 = a.now()
	if el.multiplier < a.maxBackoff {
		el.multiplier *= 2
		if el.multiplier > a.maxBackoff {
			el.multiplier = a.maxBackoff
		}
		el.limiter.SetLimit(el.baseRate / rate.Limit(el.multiplier))
	}

	a.log.Warn().
		Str("exchange", exchange).
		Float64("multiplier", el.multiplier).
		Msg("Rate limited by exchange, backing off")
}

// Multiplier returns the current backoff multiplier for exchange.
func (a *AdaptiveRateLimiter) Multiplier(exchange string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	el := a.limiterLocked(exchange)
	a.maybeRecoverLocked(el)
	return el.multiplier
}

// limiterLocked returns the limiter for exchange, creating it on first use.
func (a *AdaptiveRateLimiter) limiterLocked(exchange string) *exchangeLimiter {
	el, ok := a.limiters[exchange]
	if !ok {
		base := rate.Limit(a.perSec)
		el = &exchangeLimiter{
			limiter:    rate.NewLimiter(base, a.burst),
			baseRate:   base,
			multiplier: 1,
		}
		a.limiters[exchange] = el
	}
	return el
}

// maybeRecoverLocked halves the multiplier for every full recovery window
// elapsed since the last 429.
func (a *AdaptiveRateLimiter) maybeRecoverLocked(el *exchangeLimiter) {
	if el.multiplier <= 1 || el.last429.IsZero() {
		return
	}
	for el.multiplier > 1 && a.now().Sub(el.last429) >= a.recovery {
		el.multiplier /= 2
		if el.multiplier < 1 {
			el.multiplier = 1
		}
		el.last429 = el.last429.Add(a.recovery)
	}
	el.limiter.SetLimit(el.baseRate / rate.Limit(el.multiplier))
}
