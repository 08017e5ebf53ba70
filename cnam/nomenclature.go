package cnam

import (
	"fmt"
	"time"

	"github.com/warp/cnam-engine/generic"
)

// NomenclatureEntry is one row of the CNAM rate list. The list is maintained
// outside this system and versioned independently.
type NomenclatureEntry struct {
	ID            string
	BonType       BondType
	MonthlyRate   generic.Amount
	IsActive      bool
	Version       int
	EffectiveFrom time.Time
}

// RateTable is a read-only lookup of the monthly insurance rate per bond type.
// For each type the entry in force wins: entries effective after asOf are
// ignored, then the highest version wins, then the latest EffectiveFrom. A
// type whose winning entry is inactive has no rate.
type RateTable struct {
	rates map[BondType]NomenclatureEntry
}

// NewRateTable builds the table in force on asOf from a nomenclature list.
func NewRateTable(entries []NomenclatureEntry, asOf time.Time) *RateTable {
	winners := make(map[BondType]NomenclatureEntry)
	for _, e := range entries {
		if e.EffectiveFrom.After(asOf) {
			continue
		}
		current, ok := winners[e.BonType]
		if !ok || supersedes(e, current) {
			winners[e.BonType] = e
		}
	}

	rt := &RateTable{rates: make(map[BondType]NomenclatureEntry, len(winners))}
	for t, e := range winners {
		if e.IsActive {
			rt.rates[t] = e
		}
	}
	return rt
}

func supersedes(candidate, current NomenclatureEntry) bool {
	if candidate.Version != current.Version {
		return candidate.Version > current.Version
	}
	return candidate.EffectiveFrom.After(current.EffectiveFrom)
}

// Lookup returns the monthly rate for bondType, or false when the
// nomenclature has no active entry for it.
func (rt *RateTable) Lookup(bondType BondType) (generic.Amount, bool) {
	if rt == nil {
		return generic.Amount{}, false
	}
	e, ok := rt.rates[bondType]
	if !ok {
		return generic.Amount{}, false
	}
	return e.MonthlyRate, true
}

// RateOrZero returns the rate, or zero with a warning on a miss. Bonds may be
// created before their nomenclature entry exists.
func (rt *RateTable) RateOrZero(bondType BondType) (generic.Amount, *Warning) {
	if rate, ok := rt.Lookup(bondType); ok {
		return rate, nil
	}
	return generic.Dinars(0), &Warning{
		Code:    WarnNomenclatureMissing,
		Message: fmt.Sprintf("no active nomenclature rate for %s, using 0", bondType),
	}
}

// Len returns the number of bond types with an active rate.
func (rt *RateTable) Len() int {
	if rt == nil {
		return 0
	}
	return len(rt.rates)
}

// Entries returns the winning entry of every bond type, in BondTypes order.
func (rt *RateTable) Entries() []NomenclatureEntry {
	if rt == nil {
		return nil
	}
	var out []NomenclatureEntry
	for _, t := range BondTypes {
		if e, ok := rt.rates[t]; ok {
			out = append(out, e)
		}
	}
	return out
}
