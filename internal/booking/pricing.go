package booking

import "time"

// LateFeeRule is the admin configured surcharge for booking close to the
// slot start.
type LateFeeRule struct {
	Enabled    bool
	WindowDays int
	Amount     int64
}

// FeeFor returns the late fee owed when booking a slot starting at start.
func (r LateFeeRule) FeeFor(start, now time.Time) int64 {
	if !r.Enabled || r.Amount <= 0 || r.WindowDays <= 0 {
		return 0
	}
	window := time.Duration(r.WindowDays) * 24 * time.Hour
	if start.Sub(now) < window {
		return r.Amount
	}
	return 0
}
