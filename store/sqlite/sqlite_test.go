package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
	"github.com/warp/cnam-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(y int, m time.Month, d int) generic.TimePoint {
	return generic.NewTimePoint(y, m, d)
}

func seedRental(t *testing.T, store *sqlite.Store) cnam.Rental {
	r := cnam.Rental{
		ID:        "rental-1",
		PatientID: "patient-1",
		StartDate: date(2024, time.January, 1),
		Device:    cnam.Device{Name: "Concentrateur O2 V2", MonthlyRate: generic.Dinars(250)},
		CreatedAt: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveRental(context.Background(), r))
	return r
}

func period(start, end generic.TimePoint) *generic.Period {
	return &generic.Period{Start: start, End: end}
}

func intPtr(n int) *int { return &n }

// =============================================================================
// BOND TESTS
// =============================================================================

func TestStore_Bond_RoundTrip(t *testing.T) {
	// GIVEN: A rental bond with a coverage period
	// WHEN: Saved then loaded
	// THEN: Subject, amounts and dates survive

	store := newTestStore(t)
	ctx := context.Background()
	seedRental(t, store)

	start := date(2024, time.February, 1)
	end := date(2024, time.April, 30)
	b := cnam.Bond{
		ID:                "bond-1",
		BonNumber:         "BON-20240201-AAAA0001",
		BonType:           cnam.BondTypeOxygenConcentrator,
		Status:            cnam.StatusCreation,
		Subject:           cnam.RentalSubject{RentalID: "rental-1"},
		PatientID:         "patient-1",
		CNAMMonthlyRate:   generic.Dinars(190),
		DeviceMonthlyRate: generic.Dinars(250),
		CoveredMonths:     3,
		Financials:        cnam.Recompute(generic.Dinars(190), generic.Dinars(250), 3),
		CurrentStep:       cnam.StepPendingApproval,
		StartDate:         &start,
		EndDate:           &end,
		CreatedAt:         time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
		UpdatedAt:         time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.SaveBond(ctx, b))

	got, err := store.GetBond(ctx, "bond-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	rentalID, ok := got.RentalID()
	assert.True(t, ok)
	assert.Equal(t, generic.RentalID("rental-1"), rentalID)
	assert.Equal(t, cnam.CategoryRental, got.Category())
	assert.True(t, got.BonAmount.Equal(generic.Dinars(570)))
	assert.True(t, got.DevicePrice.Equal(generic.Dinars(750)))
	assert.True(t, got.ComplementAmount.Equal(generic.Dinars(180)))
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.Equal(end))
	assert.Nil(t, got.PreviousBondID)
}

func TestStore_GetBond_Missing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetBond(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_SaveBond_DuplicateNumber(t *testing.T) {
	// GIVEN: A bond numbered BON-1
	// WHEN: Another bond is saved with the same number
	// THEN: ErrDuplicateBondNumber

	store := newTestStore(t)
	ctx := context.Background()

	base := cnam.Bond{
		BonNumber:         "BON-1",
		BonType:           cnam.BondTypeCPAP,
		Status:            cnam.StatusCreation,
		Subject:           cnam.SaleSubject{SaleID: "sale-1"},
		PatientID:         "patient-1",
		DeviceMonthlyRate: generic.Dinars(900),
		CoveredMonths:     1,
		CurrentStep:       1,
	}
	first := base
	first.ID = "bond-1"
	require.NoError(t, store.SaveBond(ctx, first))

	second := base
	second.ID = "bond-2"
	err := store.SaveBond(ctx, second)
	assert.ErrorIs(t, err, generic.ErrDuplicateBondNumber)
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestStore_ApplyPayments_UpsertAndDelete(t *testing.T) {
	// GIVEN: Two sequenced payments and a deposit
	// WHEN: One is deleted and the other renumbered in one call
	// THEN: The history reflects both changes

	store := newTestStore(t)
	ctx := context.Background()
	seedRental(t, store)

	p1 := cnam.Payment{
		ID:           "pay-1",
		RentalID:     "rental-1",
		Amount:       generic.Dinars(250),
		PaymentDate:  date(2024, time.January, 15),
		Period:       period(date(2024, time.January, 15), date(2024, time.February, 14)),
		PeriodNumber: intPtr(1),
		GapDays:      intPtr(14),
		Method:       cnam.MethodCash,
		Status:       cnam.PaymentPaid,
		Type:         cnam.PaymentRent,
		CreatedAt:    time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
	}
	p2 := cnam.Payment{
		ID:           "pay-2",
		RentalID:     "rental-1",
		Amount:       generic.Dinars(250),
		PaymentDate:  date(2024, time.February, 24),
		Period:       period(date(2024, time.February, 24), date(2024, time.March, 23)),
		PeriodNumber: intPtr(2),
		GapDays:      intPtr(10),
		Method:       cnam.MethodCheque,
		Status:       cnam.PaymentPaid,
		Type:         cnam.PaymentRent,
		CreatedAt:    time.Date(2024, 2, 24, 0, 0, 0, 0, time.UTC),
	}
	deposit := cnam.Payment{
		ID:          "pay-dep",
		RentalID:    "rental-1",
		Amount:      generic.Dinars(500),
		PaymentDate: date(2024, time.January, 1),
		Method:      cnam.MethodCash,
		Status:      cnam.PaymentPaid,
		Type:        cnam.PaymentDeposit,
		CreatedAt:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.ApplyPayments(ctx, []cnam.Payment{p1, p2, deposit}, nil))

	p2.PeriodNumber = intPtr(1)
	p2.GapDays = intPtr(54)
	require.NoError(t, store.ApplyPayments(ctx, []cnam.Payment{p2}, []generic.PaymentID{"pay-1"}))

	history, err := store.ListPaymentsByRental(ctx, "rental-1")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, generic.PaymentID("pay-dep"), history[0].ID)
	assert.Nil(t, history[0].Period)
	assert.Nil(t, history[0].PeriodNumber)

	assert.Equal(t, generic.PaymentID("pay-2"), history[1].ID)
	require.NotNil(t, history[1].PeriodNumber)
	assert.Equal(t, 1, *history[1].PeriodNumber)
	assert.Equal(t, 54, *history[1].GapDays)
	assert.Equal(t, cnam.MethodCheque, history[1].Method)
}

// =============================================================================
// REFERENCE DATA TESTS
// =============================================================================

func TestStore_Sale_ItemsInOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sale := cnam.Sale{
		ID:        "sale-1",
		PatientID: "patient-1",
		Items: []cnam.SaleItem{
			{Label: "CPAP ResMed", ItemTotal: generic.Dinars(1200)},
			{Label: "Masque nasal", ItemTotal: generic.Dinars(150.5)},
		},
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveSale(ctx, sale))

	got, err := store.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "CPAP ResMed", got.Items[0].Label)
	assert.True(t, got.Total().Equal(generic.Dinars(1350.5)))
}

func TestStore_Nomenclature_KeepsVersions(t *testing.T) {
	// GIVEN: Two versions of the CPAP rate
	// WHEN: The rate table is built from the stored list
	// THEN: The newer version wins

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SaveNomenclature(ctx, []cnam.NomenclatureEntry{
		{ID: "n-1", BonType: cnam.BondTypeCPAP, MonthlyRate: generic.Dinars(120), IsActive: true, Version: 1},
		{ID: "n-2", BonType: cnam.BondTypeCPAP, MonthlyRate: generic.Dinars(145), IsActive: true, Version: 2},
	}))

	entries, err := store.ListNomenclature(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	rate, ok := cnam.NewRateTable(entries, time.Now()).Lookup(cnam.BondTypeCPAP)
	assert.True(t, ok)
	assert.True(t, rate.Equal(generic.Dinars(145)))
}

func TestStore_QueryAudit_BySubjectAndAction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.AppendAudit(ctx, generic.AuditEntry{
		ID:        "a-1",
		Timestamp: at,
		ActorID:   "agent",
		Action:    generic.AuditBondCreated,
		Subject:   "bond:b-1",
		Payload:   map[string]any{"bon_number": "BON-1"},
	}))
	require.NoError(t, store.AppendAudit(ctx, generic.AuditEntry{
		ID:        "a-2",
		Timestamp: at.Add(time.Hour),
		ActorID:   "agent",
		Action:    generic.AuditBondStepChanged,
		Subject:   "bond:b-1",
	}))

	subject := "bond:b-1"
	entries, err := store.QueryAudit(ctx, generic.AuditFilter{
		Subject: &subject,
		Actions: []generic.AuditAction{generic.AuditBondStepChanged},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a-2", entries[0].ID)

	from := at.Add(30 * time.Minute)
	entries, err = store.QueryAudit(ctx, generic.AuditFilter{From: &from})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStore_MarkReminder_Once(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	due := date(2024, time.April, 15)

	first, err := store.MarkReminder(ctx, "bond-1", due)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := store.MarkReminder(ctx, "bond-1", due)
	require.NoError(t, err)
	assert.False(t, again)
}
