package cnam_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func dinars(v float64) generic.Amount { return generic.Dinars(v) }

func date(year int, month time.Month, day int) generic.TimePoint {
	return generic.NewTimePoint(year, month, day)
}

func ptr[T any](v T) *T { return &v }

func assertAmount(t *testing.T, want float64, got generic.Amount) {
	t.Helper()
	assert.True(t, dinars(want).Equal(got), "want %v, got %s", want, got)
}

func rateTable(entries ...cnam.NomenclatureEntry) *cnam.RateTable {
	return cnam.NewRateTable(entries, time.Now())
}

func rate(bondType cnam.BondType, monthly float64, version int) cnam.NomenclatureEntry {
	return cnam.NomenclatureEntry{
		ID:            string(bondType) + "-v" + string(rune('0'+version)),
		BonType:       bondType,
		MonthlyRate:   dinars(monthly),
		IsActive:      true,
		Version:       version,
		EffectiveFrom: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

func oxygenRental() *cnam.Rental {
	return &cnam.Rental{
		ID:        "rental-1",
		PatientID: "patient-1",
		StartDate: date(2024, time.January, 1),
		Device:    cnam.Device{Name: "Concentrateur O2 V2", MonthlyRate: dinars(250)},
	}
}

func cpapSale() *cnam.Sale {
	return &cnam.Sale{
		ID:        "sale-1",
		PatientID: "patient-2",
		Items: []cnam.SaleItem{
			{Label: "CPAP ResMed AirSense 10", ItemTotal: dinars(1800)},
			{Label: "Masque nasal", ItemTotal: dinars(120)},
		},
	}
}

func rentalInputs() cnam.BondInputs {
	return cnam.BondInputs{
		Rates:  rateTable(rate(cnam.BondTypeOxygenConcentrator, 190, 1), rate(cnam.BondTypeCPAP, 145.5, 1)),
		Policy: cnam.DefaultBondPolicy(),
		Rental: oxygenRental(),
	}
}

func rentalChanges() cnam.BondChanges {
	return cnam.BondChanges{
		Subject:       cnam.RentalSubject{RentalID: "rental-1"},
		PatientID:     ptr(generic.PatientID("patient-1")),
		CoveredMonths: ptr(3),
		StartDate:     ptr(date(2024, time.January, 1)),
	}
}

// =============================================================================
// RESOLVER
// =============================================================================

func TestResolveBondType(t *testing.T) {
	tests := []struct {
		device string
		want   cnam.BondType
	}{
		{"Concentrateur O2 V2", cnam.BondTypeOxygenConcentrator},
		{"concentrateur oxygene 5L", cnam.BondTypeOxygenConcentrator},
		{"CPAP OXYGENE 5", cnam.BondTypeOxygenConcentrator},
		{"VNI PRO", cnam.BondTypeVNI},
		{"cpap resmed", cnam.BondTypeCPAP},
		{"MASQUE NASAL", cnam.BondTypeMask},
		{"XYZ-9000", cnam.BondTypeOther},
		{"", cnam.BondTypeOther},
	}
	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			assert.Equal(t, tt.want, cnam.ResolveBondType(tt.device))
		})
	}
}

// =============================================================================
// CALCULATOR
// =============================================================================

func TestRecompute(t *testing.T) {
	f := cnam.Recompute(dinars(190), dinars(250), 3)

	assertAmount(t, 570, f.BonAmount)
	assertAmount(t, 750, f.DevicePrice)
	assertAmount(t, 180, f.ComplementAmount)
	assert.True(t, f.PatientOwes())
	assert.Equal(t, 76.0, f.CoverageRatio())
}

func TestRecompute_NegativeComplement(t *testing.T) {
	f := cnam.Recompute(dinars(300), dinars(250), 2)

	assertAmount(t, -100, f.ComplementAmount)
	assert.False(t, f.PatientOwes())
}

func TestRecompute_ZeroPrice(t *testing.T) {
	f := cnam.Recompute(dinars(0), dinars(0), 1)

	assert.Equal(t, 0.0, f.CoverageRatio())
}

// =============================================================================
// NOMENCLATURE
// =============================================================================

func TestRateTable_HighestVersionWins(t *testing.T) {
	rt := rateTable(
		rate(cnam.BondTypeCPAP, 140, 1),
		rate(cnam.BondTypeCPAP, 145.5, 2),
	)

	got, ok := rt.Lookup(cnam.BondTypeCPAP)
	require.True(t, ok)
	assertAmount(t, 145.5, got)
	assert.Equal(t, 1, rt.Len())
}

func TestRateTable_DeactivatedInNewerVersion(t *testing.T) {
	// GIVEN: CPAP active in version 1, deactivated in version 2
	// WHEN: Looking up CPAP
	// THEN: No rate; the older active entry does not come back

	deactivated := rate(cnam.BondTypeCPAP, 145.5, 2)
	deactivated.IsActive = false
	rt := rateTable(rate(cnam.BondTypeCPAP, 145.5, 1), deactivated)

	_, ok := rt.Lookup(cnam.BondTypeCPAP)
	assert.False(t, ok)
	assert.Equal(t, 0, rt.Len())

	got, warn := rt.RateOrZero(cnam.BondTypeCPAP)
	assert.True(t, got.IsZero())
	require.NotNil(t, warn)
	assert.Equal(t, cnam.WarnNomenclatureMissing, warn.Code)
}

func TestRateTable_FutureVersionNotYetInForce(t *testing.T) {
	current := rate(cnam.BondTypeVNI, 350, 1)
	next := rate(cnam.BondTypeVNI, 380, 2)
	next.EffectiveFrom = time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)
	entries := []cnam.NomenclatureEntry{current, next}

	before, _ := cnam.NewRateTable(entries, time.Date(2024, time.June, 30, 12, 0, 0, 0, time.UTC)).Lookup(cnam.BondTypeVNI)
	assertAmount(t, 350, before)

	after, _ := cnam.NewRateTable(entries, time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC)).Lookup(cnam.BondTypeVNI)
	assertAmount(t, 380, after)
}

func TestRateTable_SameVersionLatestEffectiveFromWins(t *testing.T) {
	older := rate(cnam.BondTypeVNI, 300, 1)
	newer := rate(cnam.BondTypeVNI, 350, 1)
	newer.ID = "vni-b"
	newer.EffectiveFrom = older.EffectiveFrom.AddDate(0, 6, 0)

	rt := rateTable(newer, older)

	got, _ := rt.Lookup(cnam.BondTypeVNI)
	assertAmount(t, 350, got)
}

func TestRateTable_MissReturnsZeroWithWarning(t *testing.T) {
	rt := rateTable(rate(cnam.BondTypeCPAP, 145.5, 1))

	got, warn := rt.RateOrZero(cnam.BondTypeOther)

	assert.True(t, got.IsZero())
	require.NotNil(t, warn)
	assert.Equal(t, cnam.WarnNomenclatureMissing, warn.Code)
}

func TestRateTable_EntriesInBondTypeOrder(t *testing.T) {
	rt := rateTable(rate(cnam.BondTypeMask, 25, 1), rate(cnam.BondTypeOxygenConcentrator, 190, 1))

	entries := rt.Entries()

	require.Len(t, entries, 2)
	assert.Equal(t, cnam.BondTypeOxygenConcentrator, entries[0].BonType)
	assert.Equal(t, cnam.BondTypeMask, entries[1].BonType)
}

// =============================================================================
// SUBJECT
// =============================================================================

func TestNewSubject(t *testing.T) {
	s, err := cnam.NewSubject(cnam.CategoryRental, "rental-1", "")
	require.NoError(t, err)
	assert.Equal(t, cnam.CategoryRental, s.Category())
	assert.Equal(t, "rental-1", s.SubjectID())

	s, err = cnam.NewSubject(cnam.CategorySale, "", "sale-1")
	require.NoError(t, err)
	assert.Equal(t, cnam.CategorySale, s.Category())

	_, err = cnam.NewSubject(cnam.CategoryRental, "rental-1", "sale-1")
	assert.ErrorIs(t, err, generic.ErrCategoryMismatch)

	_, err = cnam.NewSubject(cnam.CategorySale, "", "")
	assert.ErrorIs(t, err, generic.ErrValidation)

	_, err = cnam.NewSubject("LEASE", "rental-1", "")
	assert.ErrorIs(t, err, generic.ErrValidation)
}

// =============================================================================
// PREPARE BOND
// =============================================================================

func TestPrepareBond_RentalBond(t *testing.T) {
	// GIVEN: "Concentrateur O2 V2" at 250/month, CNAM oxygen rate 190
	// WHEN: Preparing a 3-month bond from 2024-01-01
	// THEN: Type resolved from the device, 570 / 750 / 180, ends 2024-03-31

	b, warnings, err := cnam.PrepareBond(nil, rentalChanges(), rentalInputs())
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, cnam.BondTypeOxygenConcentrator, b.BonType)
	assert.Equal(t, cnam.StatusCreation, b.Status)
	assert.Equal(t, cnam.StepPendingApproval, b.CurrentStep)
	assert.Equal(t, 15, b.RenewalReminderDays)
	assertAmount(t, 190, b.CNAMMonthlyRate)
	assertAmount(t, 250, b.DeviceMonthlyRate)
	assertAmount(t, 570, b.BonAmount)
	assertAmount(t, 750, b.DevicePrice)
	assertAmount(t, 180, b.ComplementAmount)
	require.NotNil(t, b.EndDate)
	assert.Equal(t, "2024-03-31", b.EndDate.String())
	assert.Equal(t, 14, b.PercentComplete())

	due, ok := b.RenewalDueOn()
	require.True(t, ok)
	assert.Equal(t, "2024-03-16", due.String())
}

func TestPrepareBond_SaleBondForcesOneMonth(t *testing.T) {
	// GIVEN: A CPAP sale totalling 1920
	// WHEN: Preparing an ACHAT bond asking for 6 months
	// THEN: One month, device rate = sale total, complement 1774.5

	changes := cnam.BondChanges{
		Subject:       cnam.SaleSubject{SaleID: "sale-1"},
		PatientID:     ptr(generic.PatientID("patient-2")),
		CoveredMonths: ptr(6),
	}
	in := rentalInputs()
	in.Rental = nil
	in.Sale = cpapSale()

	b, _, err := cnam.PrepareBond(nil, changes, in)
	require.NoError(t, err)

	assert.Equal(t, cnam.CategorySale, b.Category())
	assert.Equal(t, cnam.BondTypeCPAP, b.BonType)
	assert.Equal(t, 1, b.CoveredMonths)
	assertAmount(t, 1920, b.DeviceMonthlyRate)
	assertAmount(t, 145.5, b.BonAmount)
	assertAmount(t, 1774.5, b.ComplementAmount)
	assert.Nil(t, b.EndDate)
}

func TestPrepareBond_Warnings(t *testing.T) {
	t.Run("nomenclature missing", func(t *testing.T) {
		changes := rentalChanges()
		changes.BonType = ptr(cnam.BondTypeVNI)

		b, warnings, err := cnam.PrepareBond(nil, changes, rentalInputs())
		require.NoError(t, err)
		assert.True(t, b.BonAmount.IsZero())
		require.Len(t, warnings, 1)
		assert.Equal(t, cnam.WarnNomenclatureMissing, warnings[0].Code)
	})

	t.Run("negative complement", func(t *testing.T) {
		changes := rentalChanges()
		changes.CNAMMonthlyRate = ptr(dinars(300))

		b, warnings, err := cnam.PrepareBond(nil, changes, rentalInputs())
		require.NoError(t, err)
		assertAmount(t, -150, b.ComplementAmount)
		require.Len(t, warnings, 1)
		assert.Equal(t, cnam.WarnComplementNegative, warnings[0].Code)
	})

	t.Run("months clamped", func(t *testing.T) {
		changes := rentalChanges()
		changes.CoveredMonths = ptr(0)

		b, warnings, err := cnam.PrepareBond(nil, changes, rentalInputs())
		require.NoError(t, err)
		assert.Equal(t, 1, b.CoveredMonths)
		require.Len(t, warnings, 1)
		assert.Equal(t, cnam.WarnMonthsClamped, warnings[0].Code)
	})
}

func TestPrepareBond_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*cnam.BondChanges, *cnam.BondInputs)
		target error
	}{
		{
			name:   "no subject",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.Subject = nil },
			target: generic.ErrValidation,
		},
		{
			name:   "rental not loaded",
			mutate: func(_ *cnam.BondChanges, in *cnam.BondInputs) { in.Rental = nil },
			target: generic.ErrNotFound,
		},
		{
			name:   "patient mismatch",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.PatientID = ptr(generic.PatientID("someone-else")) },
			target: generic.ErrValidation,
		},
		{
			name:   "unknown bond type",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.BonType = ptr(cnam.BondType("HOVERBOARD")) },
			target: generic.ErrValidation,
		},
		{
			name:   "zero device rate",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.DeviceMonthlyRate = ptr(dinars(0)) },
			target: generic.ErrValidation,
		},
		{
			name:   "step out of range",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.CurrentStep = ptr(8) },
			target: generic.ErrInvalidStep,
		},
		{
			name:   "negative CNAM rate",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.CNAMMonthlyRate = ptr(dinars(-1)) },
			target: generic.ErrValidation,
		},
		{
			name:   "negative reminder",
			mutate: func(c *cnam.BondChanges, _ *cnam.BondInputs) { c.RenewalReminderDays = ptr(-1) },
			target: generic.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			changes, in := rentalChanges(), rentalInputs()
			tt.mutate(&changes, &in)

			_, _, err := cnam.PrepareBond(nil, changes, in)
			assert.ErrorIs(t, err, tt.target)
		})
	}
}

func TestPrepareBond_EditKeepsRateUnlessTypeChanges(t *testing.T) {
	// GIVEN: A bond whose CNAM rate was overridden to 180
	// WHEN: Editing the covered months, then the bond type
	// THEN: The override survives the first edit, the nomenclature rate returns on the second

	changes := rentalChanges()
	changes.CNAMMonthlyRate = ptr(dinars(180))
	prior, _, err := cnam.PrepareBond(nil, changes, rentalInputs())
	require.NoError(t, err)

	edited, _, err := cnam.PrepareBond(&prior, cnam.BondChanges{CoveredMonths: ptr(2)}, rentalInputs())
	require.NoError(t, err)
	assertAmount(t, 180, edited.CNAMMonthlyRate)
	assertAmount(t, 360, edited.BonAmount)
	assert.Equal(t, "2024-02-29", edited.EndDate.String())

	retyped, _, err := cnam.PrepareBond(&edited, cnam.BondChanges{BonType: ptr(cnam.BondTypeCPAP)}, rentalInputs())
	require.NoError(t, err)
	assertAmount(t, 145.5, retyped.CNAMMonthlyRate)
	assertAmount(t, 291, retyped.BonAmount)
}

func TestPrepareBond_SaleSwitchedToRental(t *testing.T) {
	// GIVEN: An ACHAT bond on a 1920 sale, with a policy defaulting to 3 months
	// WHEN: Moving the bond onto a CPAP rental billed 300 per month
	// THEN: The rental's monthly rate and the default duration replace the sale values

	in := rentalInputs()
	in.Policy.DefaultCoveredMonths = 3
	in.Rental = nil
	in.Sale = cpapSale()
	prior, _, err := cnam.PrepareBond(nil, cnam.BondChanges{
		Subject:   cnam.SaleSubject{SaleID: "sale-1"},
		PatientID: ptr(generic.PatientID("patient-2")),
		StartDate: ptr(date(2024, time.January, 1)),
	}, in)
	require.NoError(t, err)
	require.Equal(t, 1, prior.CoveredMonths)
	assertAmount(t, 1920, prior.DeviceMonthlyRate)

	in.Sale = nil
	in.Rental = &cnam.Rental{
		ID:        "rental-2",
		PatientID: "patient-2",
		StartDate: date(2024, time.January, 1),
		Device:    cnam.Device{Name: "CPAP Philips DreamStation", MonthlyRate: dinars(300)},
	}
	switched, _, err := cnam.PrepareBond(&prior, cnam.BondChanges{Subject: cnam.RentalSubject{RentalID: "rental-2"}}, in)
	require.NoError(t, err)

	assert.Equal(t, cnam.CategoryRental, switched.Category())
	assertAmount(t, 300, switched.DeviceMonthlyRate)
	assert.Equal(t, 3, switched.CoveredMonths)
	assertAmount(t, 436.5, switched.BonAmount)
	assertAmount(t, 463.5, switched.ComplementAmount)
	require.NotNil(t, switched.EndDate)
	assert.Equal(t, "2024-03-31", switched.EndDate.String())

	// An explicit device rate still wins over the rental's.
	overridden, _, err := cnam.PrepareBond(&prior, cnam.BondChanges{
		Subject:           cnam.RentalSubject{RentalID: "rental-2"},
		DeviceMonthlyRate: ptr(dinars(280)),
	}, in)
	require.NoError(t, err)
	assertAmount(t, 280, overridden.DeviceMonthlyRate)
}

func TestPrepareRenewal(t *testing.T) {
	prior, _, err := cnam.PrepareBond(nil, rentalChanges(), rentalInputs())
	require.NoError(t, err)
	prior.ID = "bond-1"
	prior.BonNumber = "BON-20240101-AAAAAAAA"
	prior.CurrentStep = cnam.StepDeliveryCompleted

	in := rentalInputs()
	in.Rates = rateTable(rate(cnam.BondTypeOxygenConcentrator, 200, 2))

	renewal, _, err := cnam.PrepareRenewal(prior, cnam.BondChanges{}, in)
	require.NoError(t, err)

	assert.Equal(t, cnam.StatusRenewal, renewal.Status)
	assert.Equal(t, cnam.StepPendingApproval, renewal.CurrentStep)
	assert.Empty(t, renewal.BonNumber)
	require.NotNil(t, renewal.PreviousBondID)
	assert.Equal(t, generic.BondID("bond-1"), *renewal.PreviousBondID)
	assert.Equal(t, "2024-04-01", renewal.StartDate.String())
	assert.Equal(t, "2024-06-30", renewal.EndDate.String())
	assertAmount(t, 600, renewal.BonAmount)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPlanPayment(t *testing.T) {
	rentalID := generic.RentalID("rental-1")

	p, err := cnam.PlanPayment(nil, cnam.PaymentChanges{
		RentalID:    &rentalID,
		Amount:      ptr(dinars(250)),
		PaymentDate: ptr(date(2024, time.January, 1)),
		PeriodStart: ptr(date(2024, time.January, 1)),
		PeriodEnd:   ptr(date(2024, time.January, 31)),
	})
	require.NoError(t, err)
	assert.True(t, p.IsSequenced())
	assert.Equal(t, cnam.PaymentPaid, p.Status)
	assert.Equal(t, cnam.PaymentRent, p.Type)
	assert.Empty(t, p.Label())

	cleared, err := cnam.PlanPayment(&p, cnam.PaymentChanges{ClearPeriod: true})
	require.NoError(t, err)
	assert.False(t, cleared.IsSequenced())
}

func TestPlanPayment_Errors(t *testing.T) {
	rentalID := generic.RentalID("rental-1")
	base := func() cnam.PaymentChanges {
		return cnam.PaymentChanges{
			RentalID:    &rentalID,
			Amount:      ptr(dinars(250)),
			PaymentDate: ptr(date(2024, time.January, 1)),
		}
	}

	c := base()
	c.RentalID = nil
	_, err := cnam.PlanPayment(nil, c)
	assert.ErrorIs(t, err, generic.ErrValidation)

	c = base()
	c.Amount = ptr(dinars(-1))
	_, err = cnam.PlanPayment(nil, c)
	assert.ErrorIs(t, err, generic.ErrValidation)

	c = base()
	c.PeriodStart = ptr(date(2024, time.January, 1))
	_, err = cnam.PlanPayment(nil, c)
	assert.ErrorIs(t, err, generic.ErrValidation)

	c = base()
	c.PeriodEnd = ptr(date(2024, time.January, 31))
	_, err = cnam.PlanPayment(nil, c)
	assert.ErrorIs(t, err, generic.ErrValidation)

	c = base()
	c.PeriodStart = ptr(date(2024, time.February, 1))
	c.PeriodEnd = ptr(date(2024, time.January, 1))
	_, err = cnam.PlanPayment(nil, c)
	assert.ErrorIs(t, err, generic.ErrInvalidPeriod)
}
