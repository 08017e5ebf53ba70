/*
Package factory provides JSON to Go conversion for CNAM reference data.

PURPOSE:
  The CNAM nomenclature (monthly rate per bond type) and the bond/billing
  policies are maintained outside the code: the nomenclature is published by
  the insurer and versioned independently, the policies are set by back-office
  managers. The factory turns their JSON form into cnam types and back.

JSON SCHEMA (nomenclature):
  {
    "version": 3,
    "effective_from": "2024-01-01",
    "entries": [
      {"bon_type": "CONCENTRATEUR_OXYGENE", "monthly_rate": 190, "is_active": true},
      {"bon_type": "CPAP", "monthly_rate": "145.500", "is_active": true}
    ]
  }

JSON SCHEMA (policy):
  {
    "bond":    {"min_covered_months": 1, "max_covered_months": 12,
                "default_covered_months": 1, "renewal_reminder_days": 15},
    "billing": {"lapse_threshold_days": 30, "allow_overlap": false}
  }

USAGE:
  entries, err := factory.ParseNomenclature(data)
  table := cnam.NewRateTable(entries, time.Now())

SEE ALSO:
  - cnam/nomenclature.go: RateTable
  - cnam/policy.go: BondPolicy, BillingPolicy
*/
package factory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// NomenclatureJSON is one published version of the CNAM rate list.
type NomenclatureJSON struct {
	Version       int                     `json:"version"`
	EffectiveFrom string                  `json:"effective_from,omitempty"` // YYYY-MM-DD
	Currency      string                  `json:"currency,omitempty"`
	Entries       []NomenclatureEntryJSON `json:"entries"`
}

// NomenclatureEntryJSON is one bond type's rate.
type NomenclatureEntryJSON struct {
	BonType     string          `json:"bon_type"`
	MonthlyRate decimal.Decimal `json:"monthly_rate"`
	IsActive    *bool           `json:"is_active,omitempty"` // default true
}

// =============================================================================
// NOMENCLATURE FACTORY
// =============================================================================

// ParseNomenclature parses a JSON nomenclature document.
func ParseNomenclature(data []byte) ([]cnam.NomenclatureEntry, error) {
	var nj NomenclatureJSON
	if err := json.Unmarshal(data, &nj); err != nil {
		return nil, fmt.Errorf("failed to parse nomenclature JSON: %w", err)
	}
	return NomenclatureFromJSON(nj)
}

// NomenclatureFromJSON validates and converts a nomenclature document.
func NomenclatureFromJSON(nj NomenclatureJSON) ([]cnam.NomenclatureEntry, error) {
	if nj.Version < 1 {
		return nil, generic.Invalid("version", "must be at least 1")
	}

	effectiveFrom := time.Now().UTC()
	if nj.EffectiveFrom != "" {
		tp, err := generic.ParseDate(nj.EffectiveFrom)
		if err != nil {
			return nil, generic.Invalid("effective_from", err.Error())
		}
		effectiveFrom = tp.Time
	}

	currency := generic.CurrencyTND
	if nj.Currency != "" {
		currency = generic.Currency(nj.Currency)
	}

	seen := make(map[cnam.BondType]bool)
	entries := make([]cnam.NomenclatureEntry, 0, len(nj.Entries))
	for i, ej := range nj.Entries {
		bondType := cnam.BondType(ej.BonType)
		if !bondType.Valid() {
			return nil, generic.Invalid(fmt.Sprintf("entries[%d].bon_type", i), fmt.Sprintf("unknown bond type %q", ej.BonType))
		}
		if ej.MonthlyRate.IsNegative() {
			return nil, generic.Invalid(fmt.Sprintf("entries[%d].monthly_rate", i), "must not be negative")
		}
		if seen[bondType] {
			return nil, generic.Invalid(fmt.Sprintf("entries[%d].bon_type", i), fmt.Sprintf("%s listed twice", bondType))
		}
		seen[bondType] = true

		active := true
		if ej.IsActive != nil {
			active = *ej.IsActive
		}
		entries = append(entries, cnam.NomenclatureEntry{
			ID:            generic.NewID(),
			BonType:       bondType,
			MonthlyRate:   generic.NewAmountFromDecimal(ej.MonthlyRate, currency),
			IsActive:      active,
			Version:       nj.Version,
			EffectiveFrom: effectiveFrom,
		})
	}
	return entries, nil
}

// NomenclatureToJSON converts the winning entries of a rate table.
func NomenclatureToJSON(entries []cnam.NomenclatureEntry) []NomenclatureEntryJSON {
	out := make([]NomenclatureEntryJSON, len(entries))
	for i, e := range entries {
		active := e.IsActive
		out[i] = NomenclatureEntryJSON{
			BonType:     string(e.BonType),
			MonthlyRate: e.MonthlyRate.Value,
			IsActive:    &active,
		}
	}
	return out
}
