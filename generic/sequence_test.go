package generic_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func date(year int, month time.Month, day int) generic.TimePoint {
	return generic.NewTimePoint(year, month, day)
}

func period(start, end generic.TimePoint) generic.Period {
	return generic.Period{Start: start, End: end}
}

// =============================================================================
// APPEND MODE
// =============================================================================

func TestNextPlacement_FirstPeriodMeasuredFromInstallation(t *testing.T) {
	// GIVEN: Equipment installed 2024-01-01, no periods yet
	// WHEN: A period starts 2024-01-15
	// THEN: P1 with a 14-day gap

	pl := generic.NextPlacement(nil, date(2024, time.January, 1), date(2024, time.January, 15))

	assert.Equal(t, 1, pl.PeriodNumber)
	assert.Equal(t, 14, pl.GapDays)
	assert.False(t, pl.Overlap)
}

func TestNextPlacement_MeasuredFromLastPeriodEnd(t *testing.T) {
	// GIVEN: A prior period ending 2024-02-01
	// WHEN: The next starts 2024-02-10
	// THEN: P2 with a 9-day gap

	existing := []generic.Period{period(date(2024, time.January, 2), date(2024, time.February, 1))}

	pl := generic.NextPlacement(existing, date(2024, time.January, 1), date(2024, time.February, 10))

	assert.Equal(t, 2, pl.PeriodNumber)
	assert.Equal(t, 9, pl.GapDays)
}

func TestNextPlacement_OverlapClampsGap(t *testing.T) {
	existing := []generic.Period{period(date(2024, time.January, 1), date(2024, time.January, 31))}

	pl := generic.NextPlacement(existing, date(2024, time.January, 1), date(2024, time.January, 25))

	assert.Equal(t, 0, pl.GapDays)
	assert.Equal(t, -6, pl.RawGapDays)
	assert.Equal(t, 6, pl.OverlapDays())
	assert.True(t, pl.Overlap)
}

func TestNextPlacement_UsesChronologicallyLastPeriod(t *testing.T) {
	// Existing periods are given out of order.
	existing := []generic.Period{
		period(date(2024, time.March, 1), date(2024, time.March, 31)),
		period(date(2024, time.January, 1), date(2024, time.January, 31)),
	}

	pl := generic.NextPlacement(existing, date(2024, time.January, 1), date(2024, time.April, 5))

	assert.Equal(t, 3, pl.PeriodNumber)
	assert.Equal(t, 5, pl.GapDays)
}

// =============================================================================
// FULL MODE
// =============================================================================

func TestResequence_InsertShiftsLaterNumbers(t *testing.T) {
	// GIVEN: P1 = January, P2 = March
	// WHEN: A February period is added
	// THEN: February becomes P2 and March shifts to P3

	anchor := date(2024, time.January, 1)
	entries := []generic.SequenceEntry{
		{Key: "jan", Period: period(date(2024, time.January, 1), date(2024, time.January, 31))},
		{Key: "mar", Period: period(date(2024, time.March, 1), date(2024, time.March, 31))},
		{Key: "feb", Period: period(date(2024, time.February, 1), date(2024, time.February, 29))},
	}

	placements := generic.Resequence(entries, anchor)
	require.Len(t, placements, 3)

	byKey := map[string]generic.Placement{}
	for _, pl := range placements {
		byKey[pl.Key] = pl
	}
	assert.Equal(t, 1, byKey["jan"].PeriodNumber)
	assert.Equal(t, 0, byKey["jan"].GapDays)
	assert.Equal(t, 2, byKey["feb"].PeriodNumber)
	assert.Equal(t, 1, byKey["feb"].GapDays)
	assert.Equal(t, 3, byKey["mar"].PeriodNumber)
	assert.Equal(t, 1, byKey["mar"].GapDays)
}

func TestResequence_TiesBrokenByKey(t *testing.T) {
	start := date(2024, time.January, 1)
	entries := []generic.SequenceEntry{
		{Key: "b", Period: period(start, date(2024, time.January, 31))},
		{Key: "a", Period: period(start, date(2024, time.January, 31))},
	}

	placements := generic.Resequence(entries, start)

	assert.Equal(t, "a", placements[0].Key)
	assert.Equal(t, "b", placements[1].Key)
	assert.True(t, placements[1].Overlap)
}

func TestResequence_DoesNotMutateInput(t *testing.T) {
	entries := []generic.SequenceEntry{
		{Key: "later", Period: period(date(2024, time.March, 1), date(2024, time.March, 31))},
		{Key: "earlier", Period: period(date(2024, time.January, 1), date(2024, time.January, 31))},
	}

	generic.Resequence(entries, date(2024, time.January, 1))

	assert.Equal(t, "later", entries[0].Key)
}

func TestResequence_Empty(t *testing.T) {
	assert.Empty(t, generic.Resequence(nil, date(2024, time.January, 1)))
}

func TestFirstOverlap(t *testing.T) {
	anchor := date(2024, time.January, 1)
	placements := generic.Resequence([]generic.SequenceEntry{
		{Key: "p1", Period: period(date(2024, time.January, 1), date(2024, time.January, 31))},
		{Key: "p2", Period: period(date(2024, time.January, 29), date(2024, time.February, 28))},
	}, anchor)

	err := generic.FirstOverlap(placements)
	require.Error(t, err)
	assert.ErrorIs(t, err, generic.ErrOverlappingPeriod)
	assert.True(t, generic.IsConflict(err))

	var overlap *generic.OverlapError
	require.True(t, errors.As(err, &overlap))
	assert.Equal(t, "p2", overlap.Key)
	assert.Equal(t, 2, overlap.PeriodNumber)
	assert.Equal(t, 2, overlap.OverlapDays)

	assert.NoError(t, generic.FirstOverlap(placements[:1]))
}
