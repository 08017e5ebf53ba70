package generic_test

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// TIME AND PERIODS
// =============================================================================

func TestDaysBetween(t *testing.T) {
	tests := []struct {
		name     string
		from, to generic.TimePoint
		want     int
	}{
		{"same day", date(2024, time.January, 1), date(2024, time.January, 1), 0},
		{"two weeks", date(2024, time.January, 1), date(2024, time.January, 15), 14},
		{"leap february", date(2024, time.February, 1), date(2024, time.March, 1), 29},
		{"backwards", date(2024, time.January, 31), date(2024, time.January, 25), -6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generic.DaysBetween(tt.from, tt.to))
		})
	}
}

func TestFromTime_IgnoresClock(t *testing.T) {
	evening := time.Date(2024, time.May, 3, 23, 59, 0, 0, time.UTC)

	tp := generic.FromTime(evening)

	assert.True(t, tp.Equal(date(2024, time.May, 3)))
	assert.Equal(t, "2024-05-03", tp.String())
}

func TestParseDate(t *testing.T) {
	tp, err := generic.ParseDate("2024-02-29")
	require.NoError(t, err)
	assert.True(t, tp.Equal(date(2024, time.February, 29)))

	_, err = generic.ParseDate("29/02/2024")
	assert.Error(t, err)
}

func TestCoveragePeriod(t *testing.T) {
	p := generic.CoveragePeriod(date(2024, time.January, 1), 3)

	assert.Equal(t, "2024-03-31", p.End.String())
	assert.Equal(t, 91, p.Days())
	assert.True(t, p.Contains(date(2024, time.February, 15)))
	assert.False(t, p.Contains(date(2024, time.April, 1)))
}

func TestPeriod_Validate(t *testing.T) {
	ok := period(date(2024, time.January, 1), date(2024, time.January, 1))
	assert.NoError(t, ok.Validate())

	bad := period(date(2024, time.February, 1), date(2024, time.January, 1))
	err := bad.Validate()
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
	assert.True(t, generic.IsClientError(err))
}

func TestPeriod_Overlaps(t *testing.T) {
	jan := period(date(2024, time.January, 1), date(2024, time.January, 31))

	assert.True(t, jan.Overlaps(period(date(2024, time.January, 31), date(2024, time.February, 29))))
	assert.False(t, jan.Overlaps(period(date(2024, time.February, 1), date(2024, time.February, 29))))
}

// =============================================================================
// AMOUNTS
// =============================================================================

func TestSum(t *testing.T) {
	total := generic.Sum(generic.Dinars(1800), generic.Dinars(120.5))

	assert.True(t, total.Value.Equal(decimal.RequireFromString("1920.5")))
	assert.Equal(t, generic.CurrencyTND, total.Currency)

	empty := generic.Sum()
	assert.True(t, empty.IsZero())
	assert.Equal(t, generic.CurrencyTND, empty.Currency)
}

func TestAmount_String(t *testing.T) {
	assert.Equal(t, "145.500 TND", generic.Dinars(145.5).String())
}

// =============================================================================
// WORKFLOW
// =============================================================================

var sevenSteps = []string{"one", "two", "three", "four", "five", "six", "seven"}

func TestWorkflow_PercentComplete(t *testing.T) {
	tests := []struct {
		step int
		want int
	}{
		{1, 14},
		{2, 29},
		{4, 57},
		{7, 100},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("step %d", tt.step), func(t *testing.T) {
			w, err := generic.NewWorkflow(sevenSteps, tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.want, w.PercentComplete())
		})
	}
}

func TestWorkflow_AnyStepReachable(t *testing.T) {
	// GIVEN: A workflow at the last step
	// WHEN: Moving back to step 2
	// THEN: Accepted; steps after 2 are no longer done

	w, err := generic.NewWorkflow(sevenSteps, 7)
	require.NoError(t, err)
	assert.True(t, w.IsTerminal())

	w, err = w.SetStep(2)
	require.NoError(t, err)
	assert.Equal(t, "two", w.Label())

	steps := w.Steps()
	require.Len(t, steps, 7)
	assert.True(t, steps[1].Done)
	assert.False(t, steps[2].Done)
}

func TestWorkflow_OutOfRange(t *testing.T) {
	w, err := generic.NewWorkflow(sevenSteps, 3)
	require.NoError(t, err)

	for _, n := range []int{0, 8, -1} {
		next, err := w.SetStep(n)
		require.Error(t, err)
		assert.ErrorIs(t, err, generic.ErrInvalidStep)
		assert.Equal(t, 3, next.Current())
	}

	_, err = generic.NewWorkflow(sevenSteps, 9)
	var stepErr *generic.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 7, stepErr.Total)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestErrorClassification(t *testing.T) {
	notFound := fmt.Errorf("%w: b-1", generic.ErrBondNotFound)
	assert.True(t, generic.IsNotFound(notFound))
	assert.False(t, generic.IsClientError(notFound))

	invalid := generic.Invalid("patient_id", "patient required")
	assert.True(t, generic.IsClientError(invalid))
	assert.Equal(t, "patient_id: patient required", invalid.Error())

	assert.True(t, generic.IsConflict(fmt.Errorf("save: %w", generic.ErrDuplicateBondNumber)))
	assert.False(t, generic.IsConflict(invalid))
}

// =============================================================================
// AUDIT FILTER AND KEYED MUTEX
// =============================================================================

func TestAuditFilter_Matches(t *testing.T) {
	at := time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	entry := generic.AuditEntry{
		ActorID:   "agent-1",
		Action:    generic.AuditBondCreated,
		Subject:   "bond:b-1",
		Timestamp: at,
	}
	subject := "bond:b-1"
	other := "bond:b-2"
	later := at.Add(time.Hour)

	assert.True(t, generic.AuditFilter{}.Matches(entry))
	assert.True(t, generic.AuditFilter{Subject: &subject, Actions: []generic.AuditAction{generic.AuditBondCreated}}.Matches(entry))
	assert.False(t, generic.AuditFilter{Subject: &other}.Matches(entry))
	assert.False(t, generic.AuditFilter{Actions: []generic.AuditAction{generic.AuditBondRenewed}}.Matches(entry))
	assert.False(t, generic.AuditFilter{From: &later}.Matches(entry))
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var km generic.KeyedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("rental-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}

func TestKeyedMutex_DifferentKeysIndependent(t *testing.T) {
	var km generic.KeyedMutex
	unlockA := km.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := km.Lock("b")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked by key a")
	}
}
