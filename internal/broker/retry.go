package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
)

// RetryConfig configures per-order retry behavior.
type RetryConfig struct {
	MaxRetries  int           // attempts beyond the first
	Delay       time.Duration // linear backoff step: delay * attempt
	CallTimeout time.Duration // per-attempt deadline
}

// DefaultRetryConfig returns the standard order retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:  3,
		Delay:       500 * time.Millisecond,
		CallTimeout: 5 * time.Second,
	}
}

// BrokerError carries a venue error with an explicit retryability flag and
// code, so adapters can classify precisely instead of relying on message
// sniffing.
type BrokerError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *BrokerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Retryable error codes.
var retryableCodes = map[string]bool{
	"ETIMEDOUT":    true,
	"ECONNRESET":   true,
	"ECONNREFUSED": true,
	"RATE_LIMIT":   true,
	"TIMEOUT":      true,
}

var retryablePattern = regexp.MustCompile(`(?i)timeout|rate.?limit|ECONNRESET`)

// IsRetryable classifies an error as transient. A *BrokerError answers from
// its flag and code; anything else falls back to message matching.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var be *BrokerError
	if errors.As(err, &be) {
		if be.Retryable {
			return true
		}
		if retryableCodes[be.Code] {
			return true
		}
	}
	return retryablePattern.MatchString(err.Error())
}

// withRetry runs op with the per-attempt timeout and linear backoff
// (delay * attempt between attempts). Non-retryable errors abort immediately.
func withRetry(ctx context.Context, cfg RetryConfig, name string, op func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", name, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
		err := op(callCtx)
		cancel()
		if err == nil {
			if attempt > 1 {
				log.Info().Str("op", name).Int("attempt", attempt).Msg("Broker call succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries+1 {
			break
		}

		backoff := cfg.Delay * time.Duration(attempt)
		log.Warn().
			Str("op", name).
			Err(err).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Broker call failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during backoff: %w", name, ctx.Err())
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, cfg.MaxRetries+1, lastErr)
}
