// Package retry wraps transient-failure-prone calls in bounded
// exponential backoff with jitter. The tool adapters run every broker
// and data call through it.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

// Config controls the retry budget and timing for one operation.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the budget the tool adapters use.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// sanitize fills nonsensical fields from DefaultConfig.
func (c Config) sanitize() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultConfig.Timeout
	}
	return c
}

// Do runs fn under the default budget.
func Do[T any](ctx context.Context, logger *log.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	return DoWithConfig(ctx, DefaultConfig, logger, op, fn)
}

// DoWithConfig runs fn until it succeeds, fails permanently, or the
// budget is spent. The context handed to fn carries the overall timeout,
// so a single slow attempt cannot outlive the operation.
func DoWithConfig[T any](ctx context.Context, cfg Config, logger *log.Logger, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	cfg = cfg.sanitize()
	if logger == nil {
		logger = log.Default()
	}

	opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := cfg.InitialBackoff
	attempts := 0

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}
		select {
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out after %v: %w", op, cfg.Timeout, opCtx.Err())
		default:
		}

		attempts++
		result, err := fn(opCtx)
		if err == nil {
			if attempt > 0 {
				logger.Printf("%s succeeded on attempt %d/%d", op, attempt+1, cfg.MaxRetries+1)
			}
			return result, nil
		}

		lastErr = err
		logger.Printf("%s attempt %d/%d failed: %v", op, attempt+1, cfg.MaxRetries+1, err)

		if !IsTransient(err) || attempt >= cfg.MaxRetries {
			break
		}

		logger.Printf("Transient error detected, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		case <-opCtx.Done():
			return zero, fmt.Errorf("%s timed out during backoff: %w", op, opCtx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempt(s): %w", op, attempts, lastErr)
}

// nextBackoff grows the delay by 1.5x, caps it, and adds jitter in
// [0, backoff/4).
func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > ceiling {
		next = ceiling
	}

	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			next += time.Duration(jitterVal.Int64())
		}
	}

	return next
}

// IsTransient reports whether an error is worth retrying. Permanent
// broker rejections and cancellations are not; network weather is.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if broker.IsPermanentAPIError(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"500", // HTTP 500 Internal Server Error
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
