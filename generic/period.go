package generic

// =============================================================================
// PERIOD - A billed interval of a rental
// =============================================================================

// Period is an inclusive [Start, End] range of calendar days.
//
// Examples:
//   - Monthly rental cycle: Jan 15 - Feb 14
//   - Bond coverage: start date + covered months - 1 day
type Period struct {
	Start TimePoint
	End   TimePoint
}

// Validate rejects periods that end before they start.
func (p Period) Validate() error {
	if p.End.Before(p.Start) {
		return ErrInvalidPeriod
	}
	return nil
}

// Contains returns true if the time point is within the period [Start, End]
func (p Period) Contains(t TimePoint) bool {
	return t.AfterOrEqual(p.Start) && t.BeforeOrEqual(p.End)
}

// Overlaps reports whether the two periods share at least one day.
func (p Period) Overlaps(other Period) bool {
	return p.Start.BeforeOrEqual(other.End) && other.Start.BeforeOrEqual(p.End)
}

// Days returns the number of days in the period, both ends included.
func (p Period) Days() int {
	return DaysBetween(p.Start, p.End) + 1
}

// String returns a string representation of the period.
func (p Period) String() string {
	return "[" + p.Start.String() + ", " + p.End.String() + "]"
}

// CoveragePeriod returns the period covered by `months` monthly cycles
// starting on start.
func CoveragePeriod(start TimePoint, months int) Period {
	return Period{Start: start, End: start.AddMonths(months).AddDays(-1)}
}
