package cnam

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// BondPolicy holds the business bounds applied when preparing bonds.
type BondPolicy struct {
	MinCoveredMonths           int
	MaxCoveredMonths           int
	DefaultCoveredMonths       int
	DefaultRenewalReminderDays int
}

// DefaultBondPolicy mirrors the current CNAM practice: 1 to 12 covered
// months, reminder 15 days before a bond expires.
func DefaultBondPolicy() BondPolicy {
	return BondPolicy{
		MinCoveredMonths:           1,
		MaxCoveredMonths:           12,
		DefaultCoveredMonths:       1,
		DefaultRenewalReminderDays: 15,
	}
}

// ClampMonths bounds m to [MinCoveredMonths, MaxCoveredMonths] and reports
// whether it changed.
func (p BondPolicy) ClampMonths(m int) (int, bool) {
	lo, hi := p.MinCoveredMonths, p.MaxCoveredMonths
	if lo < 1 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	switch {
	case m < lo:
		return lo, true
	case m > hi:
		return hi, true
	default:
		return m, false
	}
}

// BillingPolicy controls rental period sequencing.
type BillingPolicy struct {
	// LapseThresholdDays flags gaps strictly greater than this as coverage lapses.
	LapseThresholdDays int

	// AllowOverlap accepts overlapping periods without operator acknowledgement.
	AllowOverlap bool
}

func DefaultBillingPolicy() BillingPolicy {
	return BillingPolicy{LapseThresholdDays: 30}
}
