/*
sequence.go - Billing period numbering and gap days

PURPOSE:
  A rental is invoiced in consecutive billing periods P1, P2, ... . For each
  period we record its number and the gap, in days, since the previous
  period ended (or, for P1, since the equipment was installed). Large gaps
  are unbilled lapses in coverage; negative gaps are overlapping periods.

TWO MODES:
  NextPlacement: append mode. The candidate gets number len(existing)+1 and
                 is measured against the chronologically last period. Later
                 periods are never renumbered.
  Resequence:    full mode. All periods are sorted by start date and numbered
                 1..N from scratch, so inserting an out-of-order period shifts
                 the numbers of the periods after it.

GAP RULE:
  RawGapDays = floor(days from reference date to period start)
  GapDays    = max(RawGapDays, 0)
  Overlap    = RawGapDays < 0

  Both functions are pure. Callers decide whether an overlap is accepted.

EXAMPLE:
  Installed 2024-01-01, no prior periods, candidate starts 2024-01-15
    -> P1, gap 14 days
  Prior period ends 2024-02-01, candidate starts 2024-02-10
    -> P2, gap 9 days

SEE ALSO:
  - cnam/billing.go: Persists placements under a per-rental lock
*/
package generic

import "sort"

// =============================================================================
// TYPES
// =============================================================================

// SequenceEntry is one period to be numbered, identified by Key.
type SequenceEntry struct {
	Key    string
	Period Period
}

// Placement is the computed position of a period in the rental's history.
type Placement struct {
	Key          string
	Period       Period
	PeriodNumber int
	RawGapDays   int
	GapDays      int
	Overlap      bool
}

// OverlapDays is how many days the period overlaps its predecessor.
func (p Placement) OverlapDays() int {
	if p.RawGapDays >= 0 {
		return 0
	}
	return -p.RawGapDays
}

// =============================================================================
// APPEND MODE
// =============================================================================

// NextPlacement numbers a candidate period that starts on start, given the
// rental's existing periods and its installation date (anchor).
func NextPlacement(existing []Period, anchor TimePoint, start TimePoint) Placement {
	number := len(existing) + 1

	reference := anchor
	if len(existing) > 0 {
		sorted := sortedByStart(existing)
		reference = sorted[len(sorted)-1].End
	}

	return place("", Period{Start: start}, number, reference)
}

// =============================================================================
// FULL MODE
// =============================================================================

// Resequence sorts entries by start date (ties broken by key) and assigns
// numbers 1..N, measuring each gap against the previous entry's end.
func Resequence(entries []SequenceEntry, anchor TimePoint) []Placement {
	sorted := make([]SequenceEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].Period.Start, sorted[j].Period.Start
		if a.Equal(b) {
			return sorted[i].Key < sorted[j].Key
		}
		return a.Before(b)
	})

	placements := make([]Placement, len(sorted))
	reference := anchor
	for i, e := range sorted {
		placements[i] = place(e.Key, e.Period, i+1, reference)
		reference = e.Period.End
	}
	return placements
}

// FirstOverlap returns an *OverlapError for the first overlapping placement,
// or nil.
func FirstOverlap(placements []Placement) error {
	for _, p := range placements {
		if p.Overlap {
			return &OverlapError{Key: p.Key, PeriodNumber: p.PeriodNumber, OverlapDays: p.OverlapDays()}
		}
	}
	return nil
}

func place(key string, period Period, number int, reference TimePoint) Placement {
	raw := DaysBetween(reference, period.Start)
	gap := raw
	if gap < 0 {
		gap = 0
	}
	return Placement{
		Key:          key,
		Period:       period,
		PeriodNumber: number,
		RawGapDays:   raw,
		GapDays:      gap,
		Overlap:      raw < 0,
	}
}

func sortedByStart(periods []Period) []Period {
	sorted := make([]Period, len(periods))
	copy(sorted, periods)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Start.Before(sorted[j].Start)
	})
	return sorted
}
