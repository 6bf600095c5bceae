package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

func testLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return log.New(&buf, "", 0), &buf
}

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}
}

func TestConfigSanitize(t *testing.T) {
	got := Config{
		MaxRetries:     -1,
		InitialBackoff: 0,
		MaxBackoff:     0,
		Timeout:        0,
	}.sanitize()

	if got.MaxRetries != DefaultConfig.MaxRetries {
		t.Errorf("MaxRetries sanitized: got %d want %d", got.MaxRetries, DefaultConfig.MaxRetries)
	}
	if got.InitialBackoff != DefaultConfig.InitialBackoff {
		t.Errorf("InitialBackoff sanitized: got %v want %v", got.InitialBackoff, DefaultConfig.InitialBackoff)
	}
	if got.MaxBackoff != DefaultConfig.MaxBackoff {
		t.Errorf("MaxBackoff sanitized: got %v want %v", got.MaxBackoff, DefaultConfig.MaxBackoff)
	}
	if got.Timeout != DefaultConfig.Timeout {
		t.Errorf("Timeout sanitized: got %v want %v", got.Timeout, DefaultConfig.Timeout)
	}

	// Zero retries is a legitimate no-retry budget.
	if got := (Config{MaxRetries: 0, InitialBackoff: time.Second, MaxBackoff: time.Second, Timeout: time.Second}).sanitize(); got.MaxRetries != 0 {
		t.Errorf("MaxRetries 0 should survive sanitize, got %d", got.MaxRetries)
	}
}

func TestIsTransient_Patterns(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", errors.New("request TIMEOUT while processing"), true},
		{"conn refused", errors.New("connection refused by target"), true},
		{"conn reset", errors.New("read: connection reset by peer"), true},
		{"temporary failure", errors.New("temporary failure in name resolution"), true},
		{"server error", errors.New("internal server error"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"429", errors.New("HTTP 429 Too Many Requests"), true},
		{"502", errors.New("502 bad gateway"), true},
		{"503", errors.New("Service Unavailable (503)"), true},
		{"504", errors.New("504 Gateway Timeout"), true},
		{"network", errors.New("network unreachable"), true},
		{"dns", errors.New("dns lookup failed"), true},
		{"tcp", errors.New("tcp handshake failed"), true},
		{"non-transient", errors.New("validation failed: qty must be > 0"), false},
		{"empty string", errors.New(""), false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("tool call: %w", context.Canceled), false},
		{"permanent API error", &broker.APIError{Status: 422, Body: "unprocessable"}, false},
		{"permanent API error mentioning timeout", &broker.APIError{Status: 400, Body: "timeout field invalid"}, false},
		{"retryable API error", &broker.APIError{Status: 429, Body: "too many requests"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNextBackoff_GeneralBehavior(t *testing.T) {
	// Multiply by 1.5 within the cap, jitter in [0, backoff/4).
	next := nextBackoff(4*time.Millisecond, 10*time.Millisecond)
	if next < 6*time.Millisecond || next >= 7*time.Millisecond {
		t.Errorf("next backoff = %v, expected [6ms,7ms)", next)
	}

	// Cap to ceiling before jitter, jitter up to ceiling/4.
	next2 := nextBackoff(8*time.Millisecond, 10*time.Millisecond)
	if next2 < 10*time.Millisecond || next2 >= 12*time.Millisecond {
		t.Errorf("capped next backoff = %v, expected [10ms,12ms)", next2)
	}

	// Zero input stays zero.
	if got := nextBackoff(0, 10*time.Millisecond); got != 0 {
		t.Errorf("zero backoff expected to remain zero, got %v", got)
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	logger, _ := testLogger()
	calls := 0

	got, err := DoWithConfig(context.Background(), fastConfig(), logger, "fetch quote", func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	logger, buf := testLogger()
	calls := 0

	start := time.Now()
	got, err := DoWithConfig(context.Background(), fastConfig(), logger, "fetch bars", func(_ context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("timeout while fetching")
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("expected success after retries, got: %v", err)
	}
	if got != 7 {
		t.Errorf("result = %d, want 7", got)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if elapsed := time.Since(start); elapsed < 2*time.Millisecond {
		t.Errorf("expected some backoff elapsed, got %v", elapsed)
	}
	if !strings.Contains(buf.String(), "retrying in") {
		t.Errorf("expected retry log, got: %s", buf.String())
	}
}

func TestDo_FailFastOnPermanent(t *testing.T) {
	logger, _ := testLogger()
	calls := 0

	_, err := DoWithConfig(context.Background(), fastConfig(), logger, "place order", func(_ context.Context) (string, error) {
		calls++
		return "", errors.New("validation failed: qty must be > 0")
	})
	if err == nil {
		t.Fatal("expected error on permanent failure")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 on permanent error", calls)
	}
	if !strings.Contains(err.Error(), "failed after 1 attempt") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDo_FailFastOnPermanentAPIError(t *testing.T) {
	logger, _ := testLogger()
	calls := 0

	_, err := DoWithConfig(context.Background(), fastConfig(), logger, "place order", func(_ context.Context) (string, error) {
		calls++
		return "", fmt.Errorf("place order: %w", &broker.APIError{Status: 403, Body: "account blocked"})
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 for a 403", calls)
	}
}

func TestDo_ExhaustsBudget(t *testing.T) {
	logger, _ := testLogger()
	cfg := fastConfig()
	cfg.MaxRetries = 2
	calls := 0

	_, err := DoWithConfig(context.Background(), cfg, logger, "fetch clock", func(_ context.Context) (string, error) {
		calls++
		return "", errors.New("connection reset by peer")
	})
	if err == nil {
		t.Fatal("expected error after budget exhausted")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (initial + 2 retries)", calls)
	}
	if !strings.Contains(err.Error(), "failed after 3 attempt") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDo_ContextCanceled(t *testing.T) {
	logger, _ := testLogger()
	calls := 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := DoWithConfig(ctx, fastConfig(), logger, "fetch account", func(_ context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Errorf("expected 'canceled' in error, got: %v", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 when canceled before the first attempt", calls)
	}
}

func TestDo_TimeoutDuringBackoff(t *testing.T) {
	logger, _ := testLogger()
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		Timeout:        5 * time.Millisecond,
	}
	start := time.Now()

	_, err := DoWithConfig(context.Background(), cfg, logger, "fetch positions", func(_ context.Context) (string, error) {
		return "", errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("expected timeout-related error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestDo_NilLoggerDefaults(t *testing.T) {
	got, err := DoWithConfig(context.Background(), fastConfig(), nil, "probe", func(_ context.Context) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got {
		t.Error("result = false, want true")
	}
}
