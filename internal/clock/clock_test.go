package clock

import (
	"context"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

func mustLoadNY(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load America/New_York: %v", err)
	}
	return loc
}

func newTestClassifier(t *testing.T, policy Policy, source Source) *Classifier {
	t.Helper()
	if policy.Location == nil {
		policy.Location = mustLoadNY(t)
	}
	c, err := NewClassifier(policy, source)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	return c
}

func allSessionsPolicy(loc *time.Location) Policy {
	return Policy{
		Location:        loc,
		EODFlatTime:     "15:45",
		TradePreMarket:  true,
		TradeRegular:    true,
		TradePostMarket: true,
	}
}

func regularOnlyPolicy(loc *time.Location) Policy {
	return Policy{
		Location:     loc,
		EODFlatTime:  "15:45",
		TradeRegular: true,
	}
}

func TestNewClassifier_Validation(t *testing.T) {
	ny := mustLoadNY(t)

	if _, err := NewClassifier(Policy{}, nil); err == nil {
		t.Error("expected error for missing location")
	}
	if _, err := NewClassifier(Policy{Location: ny, EODFlatTime: "25:99"}, nil); err == nil {
		t.Error("expected error for malformed flat time")
	}
	c, err := NewClassifier(Policy{Location: ny}, nil)
	if err != nil {
		t.Fatalf("empty flat time should default: %v", err)
	}
	if c.flatMin != 15*60+45 {
		t.Errorf("default flat minute = %d, want %d", c.flatMin, 15*60+45)
	}
}

func TestClassify_SessionBoundaries(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	// Tuesday 2025-06-03 is a plain weekday.
	tests := []struct {
		name     string
		instant  time.Time
		expected Session
	}{
		{"before pre-market", time.Date(2025, 6, 3, 3, 59, 0, 0, ny), SessionClosed},
		{"pre-market start", time.Date(2025, 6, 3, 4, 0, 0, 0, ny), SessionPreMarket},
		{"last pre-market minute", time.Date(2025, 6, 3, 9, 29, 0, 0, ny), SessionPreMarket},
		{"regular open", time.Date(2025, 6, 3, 9, 30, 0, 0, ny), SessionRegular},
		{"last regular minute", time.Date(2025, 6, 3, 15, 59, 0, 0, ny), SessionRegular},
		{"regular close", time.Date(2025, 6, 3, 16, 0, 0, 0, ny), SessionPostMarket},
		{"last post-market minute", time.Date(2025, 6, 3, 19, 59, 0, 0, ny), SessionPostMarket},
		{"post-market end", time.Date(2025, 6, 3, 20, 0, 0, 0, ny), SessionClosed},
		{"midnight", time.Date(2025, 6, 3, 0, 0, 0, 0, ny), SessionClosed},
		{"saturday noon", time.Date(2025, 6, 7, 12, 0, 0, 0, ny), SessionClosed},
		{"sunday noon", time.Date(2025, 6, 8, 12, 0, 0, 0, ny), SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.instant)
			if got.Session != tt.expected {
				t.Errorf("Classify(%v) = %s, want %s", tt.instant, got.Session, tt.expected)
			}
		})
	}
}

func TestClassify_UTCInputNormalized(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	// 2025-06-03 14:00 UTC is 10:00 EDT.
	got := c.Classify(time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC))
	if got.Session != SessionRegular {
		t.Errorf("Classify(14:00 UTC) = %s, want %s", got.Session, SessionRegular)
	}
}

func TestClassify_PolicyMask(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, regularOnlyPolicy(ny), nil)

	tests := []struct {
		name     string
		instant  time.Time
		expected Session
	}{
		{"pre-market masked", time.Date(2025, 6, 3, 4, 30, 0, 0, ny), SessionClosed},
		{"regular passes", time.Date(2025, 6, 3, 10, 0, 0, 0, ny), SessionRegular},
		{"post-market masked", time.Date(2025, 6, 3, 17, 0, 0, 0, ny), SessionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.instant)
			if got.Session != tt.expected {
				t.Errorf("Classify(%v) = %s, want %s", tt.instant, got.Session, tt.expected)
			}
		})
	}
}

// Sweep a full week minute by minute: REGULAR exactly on weekdays inside
// [09:30, 16:00) local, never anywhere else.
func TestClassify_RegularWindowSweep(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	start := time.Date(2025, 6, 2, 0, 0, 0, 0, ny) // Monday
	for i := 0; i < 7*24*60; i++ {
		instant := start.Add(time.Duration(i) * time.Minute)
		local := instant.In(ny)
		minute := local.Hour()*60 + local.Minute()
		weekday := local.Weekday() != time.Saturday && local.Weekday() != time.Sunday
		wantRegular := weekday && minute >= 570 && minute < 960

		got := c.Classify(instant).Session == SessionRegular
		if got != wantRegular {
			t.Fatalf("Classify(%v): regular = %v, want %v", local, got, wantRegular)
		}
	}
}

func TestNextOpen(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	tests := []struct {
		name     string
		instant  time.Time
		expected time.Time
	}{
		{
			name:     "saturday midnight resolves to monday regular open",
			instant:  time.Date(2025, 6, 7, 0, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 9, 9, 30, 0, 0, ny),
		},
		{
			name:     "sunday evening resolves to monday regular open",
			instant:  time.Date(2025, 6, 8, 18, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 9, 9, 30, 0, 0, ny),
		},
		{
			name:     "weekday night resolves to same-day pre-market",
			instant:  time.Date(2025, 6, 3, 2, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 3, 4, 0, 0, 0, ny),
		},
		{
			name:     "pre-market morning resolves to regular open",
			instant:  time.Date(2025, 6, 3, 5, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 3, 9, 30, 0, 0, ny),
		},
		{
			name:     "mid-session resolves to next day pre-market",
			instant:  time.Date(2025, 6, 3, 10, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 4, 4, 0, 0, 0, ny),
		},
		{
			name:     "after hours resolves to next day pre-market",
			instant:  time.Date(2025, 6, 3, 20, 30, 0, 0, ny),
			expected: time.Date(2025, 6, 4, 4, 0, 0, 0, ny),
		},
		{
			name:     "friday noon skips the weekend",
			instant:  time.Date(2025, 6, 6, 12, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 9, 9, 30, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.instant).NextOpen
			if !got.Equal(tt.expected) {
				t.Errorf("NextOpen(%v) = %v, want %v", tt.instant, got, tt.expected)
			}
		})
	}
}

func TestNextOpen_SpringForward(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	// DST starts Sunday 2025-03-09 at 02:00 local.
	instant := time.Date(2025, 3, 8, 23, 0, 0, 0, ny) // Saturday, still EST
	expected := time.Date(2025, 3, 10, 9, 30, 0, 0, ny)

	got := c.Classify(instant).NextOpen
	if !got.Equal(expected) {
		t.Fatalf("NextOpen across spring forward = %v, want %v", got, expected)
	}
	// Monday 09:30 EDT is 33.5 wall hours later, not 34.5.
	if d := got.Sub(instant); d != 33*time.Hour+30*time.Minute {
		t.Errorf("gap across spring forward = %v, want 33h30m", d)
	}
	if got.Hour() != 9 || got.Minute() != 30 {
		t.Errorf("open landed at %02d:%02d local, want 09:30", got.Hour(), got.Minute())
	}
}

func TestNextOpen_FallBack(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	// DST ends Sunday 2025-11-02 at 02:00 local.
	instant := time.Date(2025, 11, 1, 12, 0, 0, 0, ny) // Saturday, EDT
	expected := time.Date(2025, 11, 3, 9, 30, 0, 0, ny)

	got := c.Classify(instant).NextOpen
	if !got.Equal(expected) {
		t.Fatalf("NextOpen across fall back = %v, want %v", got, expected)
	}
	// The extra hour makes the gap 46.5 wall hours.
	if d := got.Sub(instant); d != 46*time.Hour+30*time.Minute {
		t.Errorf("gap across fall back = %v, want 46h30m", d)
	}
}

func TestNextClose(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	tests := []struct {
		name     string
		instant  time.Time
		expected time.Time
	}{
		{
			name:     "pre-market closes at regular end",
			instant:  time.Date(2025, 6, 3, 5, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 3, 16, 0, 0, 0, ny),
		},
		{
			name:     "regular closes at regular end",
			instant:  time.Date(2025, 6, 3, 10, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 3, 16, 0, 0, 0, ny),
		},
		{
			name:     "post-market closes at post end",
			instant:  time.Date(2025, 6, 3, 17, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 3, 20, 0, 0, 0, ny),
		},
		{
			name:     "weekend pairs with monday close",
			instant:  time.Date(2025, 6, 7, 12, 0, 0, 0, ny),
			expected: time.Date(2025, 6, 9, 16, 0, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.instant).NextClose
			if !got.Equal(tt.expected) {
				t.Errorf("NextClose(%v) = %v, want %v", tt.instant, got, tt.expected)
			}
		})
	}
}

func TestForceRegular(t *testing.T) {
	ny := mustLoadNY(t)
	// Mask-independent: even a policy with regular trading disabled
	// reports the raw window.
	c := newTestClassifier(t, Policy{Location: ny, TradePreMarket: true}, nil)

	tests := []struct {
		name     string
		instant  time.Time
		expected bool
	}{
		{"regular open", time.Date(2025, 6, 3, 9, 30, 0, 0, ny), true},
		{"mid session", time.Date(2025, 6, 3, 12, 0, 0, 0, ny), true},
		{"one minute before open", time.Date(2025, 6, 3, 9, 29, 0, 0, ny), false},
		{"at close", time.Date(2025, 6, 3, 16, 0, 0, 0, ny), false},
		{"saturday mid-window", time.Date(2025, 6, 7, 12, 0, 0, 0, ny), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ForceRegular(tt.instant); got != tt.expected {
				t.Errorf("ForceRegular(%v) = %v, want %v", tt.instant, got, tt.expected)
			}
		})
	}
}

func TestIsEODFlatTrigger(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	tests := []struct {
		name     string
		instant  time.Time
		expected bool
	}{
		{"one minute early", time.Date(2025, 6, 3, 15, 44, 0, 0, ny), false},
		{"exactly at flat time", time.Date(2025, 6, 3, 15, 45, 0, 0, ny), true},
		{"late in the window", time.Date(2025, 6, 3, 15, 59, 0, 0, ny), true},
		{"after the close", time.Date(2025, 6, 3, 16, 0, 0, 0, ny), false},
		{"weekend", time.Date(2025, 6, 7, 15, 45, 0, 0, ny), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.IsEODFlatTrigger(tt.instant); got != tt.expected {
				t.Errorf("IsEODFlatTrigger(%v) = %v, want %v", tt.instant, got, tt.expected)
			}
		})
	}

	custom := newTestClassifier(t, Policy{Location: ny, EODFlatTime: "15:30", TradeRegular: true}, nil)
	if !custom.IsEODFlatTrigger(time.Date(2025, 6, 3, 15, 30, 0, 0, ny)) {
		t.Error("custom flat time 15:30 should trigger at 15:30")
	}
	if custom.IsEODFlatTrigger(time.Date(2025, 6, 3, 15, 29, 0, 0, ny)) {
		t.Error("custom flat time 15:30 should not trigger at 15:29")
	}
}

func TestSleepPlan(t *testing.T) {
	ny := mustLoadNY(t)

	t.Run("weekend sleeps to five minutes before open", func(t *testing.T) {
		c := newTestClassifier(t, allSessionsPolicy(ny), nil)
		now := time.Date(2025, 6, 7, 12, 0, 0, 0, ny) // Saturday
		wake, reason := c.SleepPlan(now)
		expected := time.Date(2025, 6, 9, 9, 25, 0, 0, ny)
		if !wake.Equal(expected) {
			t.Errorf("wake = %v, want %v", wake, expected)
		}
		if reason == "" {
			t.Error("expected a non-empty reason")
		}
	})

	t.Run("inside lead window sleeps remainder to open", func(t *testing.T) {
		// Regular-only mask: 09:27 Monday classifies CLOSED with the
		// open three minutes out, inside the five-minute lead.
		c := newTestClassifier(t, regularOnlyPolicy(ny), nil)
		now := time.Date(2025, 6, 9, 9, 27, 0, 0, ny)
		wake, _ := c.SleepPlan(now)
		expected := time.Date(2025, 6, 9, 9, 30, 0, 0, ny)
		if !wake.Equal(expected) {
			t.Errorf("wake = %v, want %v", wake, expected)
		}
	})

	t.Run("open session does not sleep", func(t *testing.T) {
		c := newTestClassifier(t, allSessionsPolicy(ny), nil)
		now := time.Date(2025, 6, 3, 10, 0, 0, 0, ny)
		wake, reason := c.SleepPlan(now)
		if !wake.Equal(now) {
			t.Errorf("wake = %v, want %v", wake, now)
		}
		if reason != "session open" {
			t.Errorf("reason = %q, want %q", reason, "session open")
		}
	})
}

func TestExchangeDate(t *testing.T) {
	ny := mustLoadNY(t)
	c := newTestClassifier(t, allSessionsPolicy(ny), nil)

	// 01:30 UTC is the previous evening in New York.
	got := c.ExchangeDate(time.Date(2025, 6, 3, 1, 30, 0, 0, time.UTC))
	if got != "2025-06-02" {
		t.Errorf("ExchangeDate = %q, want 2025-06-02", got)
	}
}

// fakeClockSource scripts the broker clock for override tests.
type fakeClockSource struct {
	mc    *broker.MarketClock
	err   error
	calls int
}

func (f *fakeClockSource) GetMarketClock(_ context.Context) (*broker.MarketClock, error) {
	f.calls++
	return f.mc, f.err
}

func TestClassifyLive_HolidayOverride(t *testing.T) {
	ny := mustLoadNY(t)
	// Friday 2025-07-04: the table sees a weekday, the broker knows the
	// exchange is shut.
	nextOpen := time.Date(2025, 7, 7, 9, 30, 0, 0, ny)
	source := &fakeClockSource{mc: &broker.MarketClock{
		IsOpen:   false,
		NextOpen: nextOpen,
	}}
	c := newTestClassifier(t, allSessionsPolicy(ny), source)

	got := c.ClassifyLive(context.Background(), time.Date(2025, 7, 4, 10, 0, 0, 0, ny))
	if got.Session != SessionClosed {
		t.Errorf("holiday session = %s, want %s", got.Session, SessionClosed)
	}
	if !got.NextOpen.Equal(nextOpen) {
		t.Errorf("holiday NextOpen = %v, want broker's %v", got.NextOpen, nextOpen)
	}
}

func TestClassifyLive_BrokerOpenWhileTableClosed(t *testing.T) {
	ny := mustLoadNY(t)
	nextClose := time.Date(2025, 6, 3, 16, 0, 0, 0, ny)
	source := &fakeClockSource{mc: &broker.MarketClock{
		IsOpen:    true,
		NextClose: nextClose,
	}}
	c := newTestClassifier(t, allSessionsPolicy(ny), source)

	got := c.ClassifyLive(context.Background(), time.Date(2025, 6, 3, 3, 0, 0, 0, ny))
	if got.Session != SessionRegular {
		t.Errorf("session = %s, want %s when broker says open", got.Session, SessionRegular)
	}
	if !got.NextClose.Equal(nextClose) {
		t.Errorf("NextClose = %v, want broker's %v", got.NextClose, nextClose)
	}
}

func TestClassifyLive_SourceFailureFallsBack(t *testing.T) {
	ny := mustLoadNY(t)
	source := &fakeClockSource{err: errors.New("broker unreachable")}
	c := newTestClassifier(t, allSessionsPolicy(ny), source)

	got := c.ClassifyLive(context.Background(), time.Date(2025, 6, 3, 10, 0, 0, 0, ny))
	if got.Session != SessionRegular {
		t.Errorf("session = %s, want table fallback %s", got.Session, SessionRegular)
	}
}

func TestClassifyLive_CachesBrokerClock(t *testing.T) {
	ny := mustLoadNY(t)
	source := &fakeClockSource{mc: &broker.MarketClock{IsOpen: true}}
	c := newTestClassifier(t, allSessionsPolicy(ny), source)

	ctx := context.Background()
	instant := time.Date(2025, 6, 3, 10, 0, 0, 0, ny)
	c.ClassifyLive(ctx, instant)
	c.ClassifyLive(ctx, instant)
	c.ClassifyLive(ctx, instant)

	if source.calls != 1 {
		t.Errorf("broker clock calls = %d, want 1 within the cache window", source.calls)
	}
}
