package momentum

import "errors"

// ErrNoScan is returned when the requested scan date has no rows in the
// hot cache. Callers fall back to the most recent cached date.
var ErrNoScan = errors.New("no scan cached for date")
