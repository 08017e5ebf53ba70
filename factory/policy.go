package factory

import (
	"encoding/json"
	"fmt"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// POLICY JSON
// =============================================================================

// PolicyJSON is the JSON representation of the bond and billing policies.
type PolicyJSON struct {
	Bond    *BondPolicyJSON    `json:"bond,omitempty"`
	Billing *BillingPolicyJSON `json:"billing,omitempty"`
}

// BondPolicyJSON represents cnam.BondPolicy. Zero fields keep the default.
type BondPolicyJSON struct {
	MinCoveredMonths     int  `json:"min_covered_months,omitempty"`
	MaxCoveredMonths     int  `json:"max_covered_months,omitempty"`
	DefaultCoveredMonths int  `json:"default_covered_months,omitempty"`
	RenewalReminderDays  *int `json:"renewal_reminder_days,omitempty"`
}

// BillingPolicyJSON represents cnam.BillingPolicy.
type BillingPolicyJSON struct {
	LapseThresholdDays *int `json:"lapse_threshold_days,omitempty"`
	AllowOverlap       bool `json:"allow_overlap,omitempty"`
}

// =============================================================================
// POLICY FACTORY
// =============================================================================

// ParsePolicy parses a JSON string into bond and billing policies, starting
// from the defaults.
func ParsePolicy(jsonStr string) (cnam.BondPolicy, cnam.BillingPolicy, error) {
	var pj PolicyJSON
	if err := json.Unmarshal([]byte(jsonStr), &pj); err != nil {
		return cnam.BondPolicy{}, cnam.BillingPolicy{}, fmt.Errorf("failed to parse policy JSON: %w", err)
	}
	return PolicyFromJSON(pj)
}

// PolicyFromJSON converts PolicyJSON, validating the bounds.
func PolicyFromJSON(pj PolicyJSON) (cnam.BondPolicy, cnam.BillingPolicy, error) {
	bond := cnam.DefaultBondPolicy()
	billing := cnam.DefaultBillingPolicy()

	if bj := pj.Bond; bj != nil {
		if bj.MinCoveredMonths != 0 {
			bond.MinCoveredMonths = bj.MinCoveredMonths
		}
		if bj.MaxCoveredMonths != 0 {
			bond.MaxCoveredMonths = bj.MaxCoveredMonths
		}
		if bj.DefaultCoveredMonths != 0 {
			bond.DefaultCoveredMonths = bj.DefaultCoveredMonths
		}
		if bj.RenewalReminderDays != nil {
			bond.DefaultRenewalReminderDays = *bj.RenewalReminderDays
		}
	}
	if err := ValidateBondPolicy(bond); err != nil {
		return cnam.BondPolicy{}, cnam.BillingPolicy{}, err
	}

	if bj := pj.Billing; bj != nil {
		if bj.LapseThresholdDays != nil {
			billing.LapseThresholdDays = *bj.LapseThresholdDays
		}
		billing.AllowOverlap = bj.AllowOverlap
	}
	if billing.LapseThresholdDays < 0 {
		return cnam.BondPolicy{}, cnam.BillingPolicy{}, generic.Invalid("billing.lapse_threshold_days", "must not be negative")
	}

	return bond, billing, nil
}

// ValidateBondPolicy checks 1 <= min <= default <= max and a non-negative reminder.
func ValidateBondPolicy(p cnam.BondPolicy) error {
	switch {
	case p.MinCoveredMonths < 1:
		return generic.Invalid("bond.min_covered_months", "must be at least 1")
	case p.MaxCoveredMonths < p.MinCoveredMonths:
		return generic.Invalid("bond.max_covered_months", "must not be below min_covered_months")
	case p.DefaultCoveredMonths < p.MinCoveredMonths || p.DefaultCoveredMonths > p.MaxCoveredMonths:
		return generic.Invalid("bond.default_covered_months", "must lie within [min, max]")
	case p.DefaultRenewalReminderDays < 0:
		return generic.Invalid("bond.renewal_reminder_days", "must not be negative")
	}
	return nil
}

// PolicyToJSON converts policies back to their JSON form.
func PolicyToJSON(bond cnam.BondPolicy, billing cnam.BillingPolicy) PolicyJSON {
	reminder := bond.DefaultRenewalReminderDays
	lapse := billing.LapseThresholdDays
	return PolicyJSON{
		Bond: &BondPolicyJSON{
			MinCoveredMonths:     bond.MinCoveredMonths,
			MaxCoveredMonths:     bond.MaxCoveredMonths,
			DefaultCoveredMonths: bond.DefaultCoveredMonths,
			RenewalReminderDays:  &reminder,
		},
		Billing: &BillingPolicyJSON{
			LapseThresholdDays: &lapse,
			AllowOverlap:       billing.AllowOverlap,
		},
	}
}
