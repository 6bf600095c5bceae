package risk

import "errors"

// ErrInvalidStop rejects position sizing when the stop does not make
// sense against the entry.
var ErrInvalidStop = errors.New("invalid stop: stop must be positive and differ from entry")

// ErrSuspended rejects sizing while the monthly drawdown halt is active.
var ErrSuspended = errors.New("trading suspended for the month")

// ErrNoEquity rejects sizing before any equity reading has been seen.
var ErrNoEquity = errors.New("no equity reading available")
