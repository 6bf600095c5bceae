// Package clock classifies instants into exchange sessions and plans the
// daemon's sleep around them. All decisions are made in exchange-local
// time; classification is a pure function of the instant and the policy,
// with an optional broker-clock override for holidays and early closes.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/stamford_momentum/internal/broker"
)

// Session labels one slice of the exchange day.
type Session string

const (
	// SessionPreMarket covers 04:00-09:30 exchange-local.
	SessionPreMarket Session = "PRE_MARKET"
	// SessionRegular covers 09:30-16:00 exchange-local.
	SessionRegular Session = "REGULAR"
	// SessionPostMarket covers 16:00-20:00 exchange-local.
	SessionPostMarket Session = "POST_MARKET"
	// SessionClosed is everything else, weekends and holidays included.
	SessionClosed Session = "CLOSED"
)

// Session boundary table, minutes from midnight exchange-local.
const (
	preMarketStartMin = 4 * 60
	regularStartMin   = 9*60 + 30
	regularEndMin     = 16 * 60
	postMarketEndMin  = 20 * 60
)

// wakeLeadTime is how far before the next open a long sleep ends.
const wakeLeadTime = 5 * time.Minute

// brokerClockTTL bounds how long a broker clock reading is trusted.
const brokerClockTTL = time.Minute

// Policy carries the session mask and the forced-flat time. Sessions with
// a false mask bit are reported as CLOSED even inside their window.
type Policy struct {
	Location        *time.Location
	EODFlatTime     string // "HH:MM" exchange-local
	TradePreMarket  bool
	TradeRegular    bool
	TradePostMarket bool
}

// Classification is the classifier's answer for one instant.
type Classification struct {
	Session   Session
	NextOpen  time.Time
	NextClose time.Time
}

// Source is the narrow broker surface the classifier consults for the
// is-open override.
type Source interface {
	GetMarketClock(ctx context.Context) (*broker.MarketClock, error)
}

// Classifier turns instants into sessions. Safe for concurrent use.
type Classifier struct {
	policy  Policy
	flatMin int // minute-of-day of the forced flat

	source Source // nil = table only

	mu       sync.RWMutex
	cached   *broker.MarketClock
	cachedAt time.Time
}

// NewClassifier builds a Classifier for the given policy. source may be
// nil, in which case only the static table is consulted.
func NewClassifier(policy Policy, source Source) (*Classifier, error) {
	if policy.Location == nil {
		return nil, fmt.Errorf("clock: policy location is required")
	}
	if policy.EODFlatTime == "" {
		policy.EODFlatTime = "15:45"
	}
	flat, err := time.ParseInLocation("15:04", policy.EODFlatTime, policy.Location)
	if err != nil {
		return nil, fmt.Errorf("clock: eod flat time: %w", err)
	}
	return &Classifier{
		policy:  policy,
		flatMin: flat.Hour()*60 + flat.Minute(),
		source:  source,
	}, nil
}

// minuteOfDay renders t in the policy location and returns minutes since
// local midnight plus the local day.
func (c *Classifier) minuteOfDay(t time.Time) (time.Time, int) {
	local := t.In(c.policy.Location)
	return local, local.Hour()*60 + local.Minute()
}

// tableSession is the raw boundary-table session, before the policy mask.
func (c *Classifier) tableSession(t time.Time) Session {
	local, minute := c.minuteOfDay(t)
	if isWeekend(local) {
		return SessionClosed
	}
	switch {
	case minute >= preMarketStartMin && minute < regularStartMin:
		return SessionPreMarket
	case minute >= regularStartMin && minute < regularEndMin:
		return SessionRegular
	case minute >= regularEndMin && minute < postMarketEndMin:
		return SessionPostMarket
	default:
		return SessionClosed
	}
}

// maskSession degrades sessions disabled by policy to CLOSED.
func (c *Classifier) maskSession(s Session) Session {
	switch s {
	case SessionPreMarket:
		if !c.policy.TradePreMarket {
			return SessionClosed
		}
	case SessionRegular:
		if !c.policy.TradeRegular {
			return SessionClosed
		}
	case SessionPostMarket:
		if !c.policy.TradePostMarket {
			return SessionClosed
		}
	}
	return s
}

// Classify yields the session and open/close horizon for an instant using
// the static table and policy mask only. Identical inputs yield identical
// outputs.
func (c *Classifier) Classify(t time.Time) Classification {
	raw := c.tableSession(t)
	session := c.maskSession(raw)
	return Classification{
		Session:   session,
		NextOpen:  c.nextOpen(t),
		NextClose: c.nextClose(t, raw),
	}
}

// ClassifyLive is Classify with the broker clock override applied when a
// reading is available: the broker owns the is-open bit, which catches
// holidays and early closes the table cannot see. An unreachable broker
// clock falls back to the table.
func (c *Classifier) ClassifyLive(ctx context.Context, t time.Time) Classification {
	cls := c.Classify(t)
	mc := c.marketClock(ctx)
	if mc == nil {
		return cls
	}
	if !mc.IsOpen && cls.Session != SessionClosed {
		// Holiday or early close: the table thinks the session is open
		cls.Session = SessionClosed
		if !mc.NextOpen.IsZero() {
			cls.NextOpen = mc.NextOpen.In(c.policy.Location)
		}
		return cls
	}
	if mc.IsOpen && cls.Session == SessionClosed && c.tableSession(t) == SessionClosed {
		// Broker reports open while the table says the exchange is shut.
		// Trust the broker for the bit and treat it as a regular session.
		cls.Session = SessionRegular
		if !mc.NextClose.IsZero() {
			cls.NextClose = mc.NextClose.In(c.policy.Location)
		}
	}
	return cls
}

// ForceRegular is the wake failsafe: true when the instant is a weekday
// inside [09:30, 16:00) exchange-local, regardless of any cached or
// upstream classification. Callers use it after a sleep to avoid the
// re-sleep race just before the open.
func (c *Classifier) ForceRegular(t time.Time) bool {
	local, minute := c.minuteOfDay(t)
	if isWeekend(local) {
		return false
	}
	return minute >= regularStartMin && minute < regularEndMin
}

// IsEODFlatTrigger reports whether the forced end-of-day flat should run:
// regular session and at or past the configured flat time.
func (c *Classifier) IsEODFlatTrigger(t time.Time) bool {
	if c.tableSession(t) != SessionRegular {
		return false
	}
	_, minute := c.minuteOfDay(t)
	return minute >= c.flatMin
}

// SleepPlan decides when a CLOSED daemon should wake: five minutes before
// the next open, or the open itself when the lead time has already passed.
func (c *Classifier) SleepPlan(t time.Time) (time.Time, string) {
	cls := c.Classify(t)
	if cls.Session != SessionClosed {
		return t, "session open"
	}
	wake := cls.NextOpen.Add(-wakeLeadTime)
	if !wake.After(t) {
		// Inside the lead window: sleep the remainder to the open itself
		wake = cls.NextOpen
	}
	return wake, fmt.Sprintf("market closed until %s", cls.NextOpen.Format("2006-01-02 15:04 MST"))
}

// ExchangeDate renders the instant's exchange-local calendar date.
func (c *Classifier) ExchangeDate(t time.Time) string {
	return t.In(c.policy.Location).Format("2006-01-02")
}

// Location exposes the policy location for callers that render timestamps.
func (c *Classifier) Location() *time.Location {
	return c.policy.Location
}

// nextOpen computes the next market open after t. Weekends resolve to the
// following Monday's regular open; weekday nights resolve to the same
// day's pre-market start so the daemon is awake for the scan window; an
// in-progress morning resolves to the regular open. Day arithmetic adds
// calendar days in the exchange location and re-renders, which keeps DST
// transitions exact.
func (c *Classifier) nextOpen(t time.Time) time.Time {
	local, minute := c.minuteOfDay(t)

	if isWeekend(local) {
		return atMinute(nextMonday(local), regularStartMin)
	}
	switch {
	case minute < preMarketStartMin:
		return atMinute(local, preMarketStartMin)
	case minute < regularStartMin:
		return atMinute(local, regularStartMin)
	default:
		// Regular hours or later: the next open is the next trading day
		next := addDays(local, 1)
		if isWeekend(next) {
			return atMinute(nextMonday(next), regularStartMin)
		}
		return atMinute(next, preMarketStartMin)
	}
}

// nextClose pairs the classification with its closing horizon.
func (c *Classifier) nextClose(t time.Time, raw Session) time.Time {
	local, _ := c.minuteOfDay(t)
	switch raw {
	case SessionPreMarket, SessionRegular:
		return atMinute(local, regularEndMin)
	case SessionPostMarket:
		return atMinute(local, postMarketEndMin)
	default:
		open := c.nextOpen(t)
		return atMinute(open.In(c.policy.Location), regularEndMin)
	}
}

// marketClock returns a broker clock reading, serving a cached value for
// up to brokerClockTTL. Failures are swallowed; the caller falls back to
// the table.
func (c *Classifier) marketClock(ctx context.Context) *broker.MarketClock {
	if c.source == nil {
		return nil
	}

	c.mu.RLock()
	if c.cached != nil && time.Since(c.cachedAt) < brokerClockTTL {
		mc := c.cached
		c.mu.RUnlock()
		return mc
	}
	c.mu.RUnlock()

	mc, err := c.source.GetMarketClock(ctx)
	if err != nil || mc == nil {
		return nil
	}

	c.mu.Lock()
	c.cached = mc
	c.cachedAt = time.Now()
	c.mu.Unlock()
	return mc
}

func isWeekend(local time.Time) bool {
	wd := local.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// addDays moves by whole calendar days in the local zone.
func addDays(local time.Time, days int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day()+days, 0, 0, 0, 0, local.Location())
}

// atMinute pins a local day to a minute-of-day boundary.
func atMinute(local time.Time, minute int) time.Time {
	return time.Date(local.Year(), local.Month(), local.Day(), minute/60, minute%60, 0, 0, local.Location())
}

// nextMonday walks forward to the next Monday, skipping the rest of the
// current weekend (or week) day by day.
func nextMonday(local time.Time) time.Time {
	d := local
	for d.Weekday() != time.Monday {
		d = addDays(d, 1)
	}
	return d
}
