/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with realistic data
	for demos and end-to-end tests. Each scenario imports the nomenclature,
	registers a rental or a sale, creates its bond and records payments
	through the same services the HTTP handlers use.

AVAILABLE SCENARIOS:

	oxygen-rental:  Oxygen concentrator rental, 3-month bond, P1..P3 with a short gap
	cpap-sale:      CPAP sale with mask, ACHAT bond for the sale total
	renewal-due:    Bond whose coverage ends soon, listed in /bonds/renewals
	lapsed-rental:  CPAP rental with a coverage lapse above the threshold

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Import the demo nomenclature via factory
 3. Register rentals or sales
 4. Create bonds
 5. Record payments

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "oxygen-rental"}

NOTE:

	Scenarios reset the store. Only use in development/demo environments.
	Dates are relative to the current day.

SEE ALSO:
  - handlers.go: Handlers used by the same services
  - factory/nomenclature.go: Nomenclature JSON definition
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/factory"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "oxygen-rental",
		Name:        "Oxygen Rental",
		Description: "Concentrator rental with a 3-month bond and three billing periods",
		Category:    "LOCATION",
	},
	{
		ID:          "cpap-sale",
		Name:        "CPAP Sale",
		Description: "CPAP and mask sale with a one-month ACHAT bond",
		Category:    "ACHAT",
	},
	{
		ID:          "renewal-due",
		Name:        "Renewal Due",
		Description: "Delivered VNI bond whose coverage ends within the reminder window",
		Category:    "LOCATION",
	},
	{
		ID:          "lapsed-rental",
		Name:        "Lapsed Rental",
		Description: "CPAP rental with a 45-day unbilled gap",
		Category:    "LOCATION",
	},
}

const demoNomenclatureJSON = `{
  "version": 1,
  "effective_from": "2024-01-01",
  "entries": [
    {"bon_type": "CONCENTRATEUR_OXYGENE", "monthly_rate": "190.000"},
    {"bon_type": "VNI", "monthly_rate": "350.000"},
    {"bon_type": "CPAP", "monthly_rate": "145.500"},
    {"bon_type": "MASQUE", "monthly_rate": "25.000"}
  ]
}`

// resetter is implemented by stores that can be wiped for demos.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id" validate:"required"`
	}
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.writeServiceError(w, r, "Failed to load scenario", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "oxygen-rental":
		load = h.loadOxygenRentalScenario
	case "cpap-sale":
		load = h.loadCPAPSaleScenario
	case "renewal-due":
		load = h.loadRenewalDueScenario
	case "lapsed-rental":
		load = h.loadLapsedRentalScenario
	default:
		return generic.Invalid("scenario_id", fmt.Sprintf("unknown scenario %q", id))
	}

	rs, ok := h.Store.(resetter)
	if !ok {
		return fmt.Errorf("reset: %w", generic.ErrStoreRequired)
	}
	if _, ok := h.Store.(cnam.RegistrationStore); !ok {
		return fmt.Errorf("register: %w", generic.ErrStoreRequired)
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	if err := rs.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""

	if err := h.importDemoNomenclature(ctx); err != nil {
		return err
	}
	if err := load(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", id, err)
	}

	h.currentScenario = id
	h.logger.WithField("scenario", id).Info("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadOxygenRentalScenario(ctx context.Context) error {
	today := generic.FromTime(h.now())
	installed := today.AddDays(-100)

	rental := cnam.Rental{
		ID:        "rental-o2-001",
		PatientID: "patient-001",
		StartDate: installed,
		Device: cnam.Device{
			Name:        "Concentrateur O2 V2",
			MonthlyRate: generic.Dinars(250),
		},
		CreatedAt: h.now().UTC(),
	}
	if err := h.registration().SaveRental(ctx, rental); err != nil {
		return err
	}

	// 190 x 3 = 570 covered, 250 x 3 = 750 device, complement 180
	if _, err := h.Bonds.Create(ctx, "demo", cnam.BondChanges{
		Subject:       cnam.RentalSubject{RentalID: rental.ID},
		PatientID:     &rental.PatientID,
		CoveredMonths: intPtr(3),
		StartDate:     &installed,
	}); err != nil {
		return err
	}

	// Two contiguous months, then an 11-day gap, plus a deposit.
	p1 := generic.CoveragePeriod(installed, 1)
	p2 := generic.CoveragePeriod(p1.End.AddDays(1), 1)
	p3 := generic.CoveragePeriod(p2.End.AddDays(11), 1)
	for _, p := range []generic.Period{p1, p2, p3} {
		if _, err := h.recordDemoPayment(ctx, rental.ID, generic.Dinars(250), &p, cnam.PaymentRent); err != nil {
			return err
		}
	}
	_, err := h.recordDemoPayment(ctx, rental.ID, generic.Dinars(500), nil, cnam.PaymentDeposit)
	return err
}

func (h *Handler) loadCPAPSaleScenario(ctx context.Context) error {
	sale := cnam.Sale{
		ID:        "sale-cpap-001",
		PatientID: "patient-002",
		Items: []cnam.SaleItem{
			{Label: "CPAP ResMed AirSense 10", ItemTotal: generic.Dinars(1800)},
			{Label: "Masque nasal", ItemTotal: generic.Dinars(120)},
		},
		CreatedAt: h.now().UTC(),
	}
	if err := h.registration().SaveSale(ctx, sale); err != nil {
		return err
	}

	start := generic.FromTime(h.now())
	_, err := h.Bonds.Create(ctx, "demo", cnam.BondChanges{
		Subject:   cnam.SaleSubject{SaleID: sale.ID},
		PatientID: &sale.PatientID,
		StartDate: &start,
	})
	return err
}

func (h *Handler) loadRenewalDueScenario(ctx context.Context) error {
	today := generic.FromTime(h.now())
	// Coverage of 3 months ending in 10 days, inside the 15-day reminder window.
	start := today.AddDays(10).AddMonths(-3).AddDays(1)

	rental := cnam.Rental{
		ID:        "rental-vni-001",
		PatientID: "patient-003",
		StartDate: start,
		Device: cnam.Device{
			Name:        "VNI Lumis 150",
			MonthlyRate: generic.Dinars(420),
		},
		CreatedAt: h.now().UTC(),
	}
	if err := h.registration().SaveRental(ctx, rental); err != nil {
		return err
	}

	res, err := h.Bonds.Create(ctx, "demo", cnam.BondChanges{
		Subject:             cnam.RentalSubject{RentalID: rental.ID},
		PatientID:           &rental.PatientID,
		CoveredMonths:       intPtr(3),
		StartDate:           &start,
		RenewalReminderDays: intPtr(15),
	})
	if err != nil {
		return err
	}
	_, err = h.Bonds.SetStep(ctx, "demo", res.Bond.ID, cnam.StepDeliveryCompleted)
	return err
}

func (h *Handler) loadLapsedRentalScenario(ctx context.Context) error {
	today := generic.FromTime(h.now())
	installed := today.AddDays(-150)

	rental := cnam.Rental{
		ID:        "rental-cpap-001",
		PatientID: "patient-004",
		StartDate: installed,
		Device: cnam.Device{
			Name:        "CPAP Philips DreamStation",
			MonthlyRate: generic.Dinars(160),
		},
		CreatedAt: h.now().UTC(),
	}
	if err := h.registration().SaveRental(ctx, rental); err != nil {
		return err
	}

	if _, err := h.Bonds.Create(ctx, "demo", cnam.BondChanges{
		Subject:   cnam.RentalSubject{RentalID: rental.ID},
		PatientID: &rental.PatientID,
		StartDate: &installed,
	}); err != nil {
		return err
	}

	p1 := generic.CoveragePeriod(installed, 1)
	p2 := generic.CoveragePeriod(p1.End.AddDays(46), 1)
	for _, p := range []generic.Period{p1, p2} {
		if _, err := h.recordDemoPayment(ctx, rental.ID, generic.Dinars(160), &p, cnam.PaymentRent); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) importDemoNomenclature(ctx context.Context) error {
	entries, err := factory.ParseNomenclature(json.RawMessage(demoNomenclatureJSON))
	if err != nil {
		return err
	}
	return h.registration().SaveNomenclature(ctx, entries)
}

func (h *Handler) recordDemoPayment(ctx context.Context, rentalID generic.RentalID, amount generic.Amount, period *generic.Period, kind cnam.PaymentType) (cnam.BillingResult, error) {
	paidOn := generic.FromTime(h.now())
	changes := cnam.PaymentChanges{
		RentalID:    &rentalID,
		Amount:      &amount,
		PaymentDate: &paidOn,
		Type:        &kind,
	}
	if period != nil {
		changes.PaymentDate = &period.Start
		changes.PeriodStart = &period.Start
		changes.PeriodEnd = &period.End
	}
	return h.Billing.Record(ctx, changes, cnam.RecordOptions{Actor: "demo"})
}

func (h *Handler) registration() cnam.RegistrationStore {
	return h.Store.(cnam.RegistrationStore)
}

func intPtr(n int) *int { return &n }
