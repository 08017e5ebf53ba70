/*
handlers.go - HTTP API handlers for the CNAM bond engine

PURPOSE:
  Exposes bond management and rental billing via REST API. Handles HTTP
  request/response, JSON serialization and validation, and delegates to the
  cnam services.

ENDPOINTS:
  Reference data:
    GET    /api/health                         Liveness + database ping
    GET    /api/policy                         Bond and billing policy in force
    GET    /api/nomenclature                   Winning rate per bond type
    POST   /api/nomenclature                   Import a versioned rate list
    GET    /api/resolve?device=...             Bond type + rate for a device name

  Bonds:
    POST   /api/bonds                          Create bond
    GET    /api/bonds/renewals?as_of=...       Bonds due for renewal
    GET    /api/bonds/{id}                     Get bond
    PUT    /api/bonds/{id}                     Edit bond (financials recomputed)
    POST   /api/bonds/{id}/step                Move to any step 1..7
    POST   /api/bonds/{id}/renew               Create the RENOUVELLEMENT bond
    GET    /api/bonds/{id}/history             Audit trail
    GET    /api/patients/{id}/bonds            Patient's bonds, newest first

  Rentals and payments:
    POST   /api/rentals                        Register rental
    GET    /api/rentals/{id}                   Get rental
    GET    /api/rentals/{id}/payments          Payment history (P1..PN first)
    POST   /api/rentals/{id}/payments          Record payment
    GET    /api/rentals/{id}/payments/preview  Number and gap of a new period
    GET    /api/rentals/{id}/lapses            Gaps above the lapse threshold
    PUT    /api/payments/{id}                  Edit payment
    DELETE /api/payments/{id}                  Delete payment

  Sales:
    POST   /api/sales                          Register sale
    GET    /api/sales/{id}                     Get sale

  Demo (scenarios.go):
    GET    /api/scenarios                      Available scenarios
    GET    /api/scenarios/current              Loaded scenario
    POST   /api/scenarios/load                 Reset and load a scenario

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid step, malformed period
  - 404: Bond, rental, sale or payment not found
  - 409: Overlapping billing period, duplicate bond number
  - 501: Store cannot register reference data
  - 500: Internal errors

ACTOR:
  The X-Actor-ID header names the operator in audit entries ("api" when absent).

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/factory"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   cnam.Store
	Bonds   *cnam.BondRegistry
	Billing *cnam.RentalBilling

	validate *validator.Validate
	logger   log.FieldLogger
	now      func() time.Time

	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. A nil logger uses the logrus standard logger.
func NewHandler(store cnam.Store, bonds *cnam.BondRegistry, billing *cnam.RentalBilling, logger log.FieldLogger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		Store:    store,
		Bonds:    bonds,
		Billing:  billing,
		validate: newValidator(),
		logger:   logger.WithField("component", "api"),
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// =============================================================================
// REFERENCE DATA HANDLERS
// =============================================================================

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Database unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetPolicy returns the bond and billing policies.
// GET /api/policy
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, factory.PolicyToJSON(h.Bonds.Policy(), h.Billing.Policy()))
}

// ListNomenclature returns the winning rate of every bond type.
// GET /api/nomenclature
func (h *Handler) ListNomenclature(w http.ResponseWriter, r *http.Request) {
	rates, err := h.Bonds.Rates(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "Failed to load nomenclature", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": factory.NomenclatureToJSON(rates.Entries()),
	})
}

// ImportNomenclature stores a versioned rate list.
// POST /api/nomenclature
func (h *Handler) ImportNomenclature(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Store.(cnam.RegistrationStore)
	if !ok {
		h.writeServiceError(w, r, "Nomenclature import unavailable", generic.ErrStoreRequired)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	entries, err := factory.ParseNomenclature(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid nomenclature", err)
		return
	}
	if err := reg.SaveNomenclature(r.Context(), entries); err != nil {
		h.writeServiceError(w, r, "Failed to save nomenclature", err)
		return
	}

	version := 0
	types := make([]string, len(entries))
	for i, e := range entries {
		version = e.Version
		types[i] = string(e.BonType)
	}
	h.audit(r, generic.AuditNomenclatureImported, fmt.Sprintf("nomenclature:v%d", version), map[string]any{
		"version":   version,
		"bon_types": types,
	})
	h.logger.WithFields(log.Fields{"version": version, "entries": len(entries)}).Info("nomenclature imported")

	writeJSON(w, http.StatusCreated, map[string]any{
		"version": version,
		"entries": factory.NomenclatureToJSON(entries),
	})
}

// Resolve classifies a device name and returns its CNAM rate.
// GET /api/resolve?device=Concentrateur+O2
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	device := r.URL.Query().Get("device")
	if strings.TrimSpace(device) == "" {
		writeError(w, http.StatusBadRequest, "device query parameter required", nil)
		return
	}

	bondType, rate, warn, err := h.Bonds.Resolve(r.Context(), device)
	if err != nil {
		h.writeServiceError(w, r, "Failed to resolve device", err)
		return
	}
	dto := ResolveDTO{DeviceName: device, BonType: string(bondType), MonthlyRate: rate.Value}
	if warn != nil {
		dto.Warning = &WarningDTO{Code: string(warn.Code), Message: warn.Message}
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// BOND HANDLERS
// =============================================================================

// CreateBond creates a bond.
// POST /api/bonds
func (h *Handler) CreateBond(w http.ResponseWriter, r *http.Request) {
	var req CreateBondRequest
	if !h.decode(w, r, &req) {
		return
	}

	changes, err := req.BondFields.changes()
	if err != nil {
		h.writeServiceError(w, r, "Invalid bond", err)
		return
	}
	subject, err := cnam.NewSubject(cnam.Category(req.Category), generic.RentalID(req.RentalID), generic.SaleID(req.SaleID))
	if err != nil {
		h.writeServiceError(w, r, "Invalid bond", err)
		return
	}
	patientID := generic.PatientID(req.PatientID)
	changes.Subject = subject
	changes.PatientID = &patientID

	res, err := h.Bonds.Create(r.Context(), actor(r), changes)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create bond", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBondResponse(res))
}

// GetBond returns a bond.
// GET /api/bonds/{id}
func (h *Handler) GetBond(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bonds.Get(r.Context(), generic.BondID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get bond", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondDTO(*b))
}

// UpdateBond edits a bond.
// PUT /api/bonds/{id}
func (h *Handler) UpdateBond(w http.ResponseWriter, r *http.Request) {
	var req UpdateBondRequest
	if !h.decode(w, r, &req) {
		return
	}

	changes, err := req.BondFields.changes()
	if err != nil {
		h.writeServiceError(w, r, "Invalid bond", err)
		return
	}
	if req.Category != nil || req.RentalID != nil || req.SaleID != nil {
		if req.Category == nil {
			h.writeServiceError(w, r, "Invalid bond", generic.Invalid("category", "required when changing the rental or sale"))
			return
		}
		subject, err := cnam.NewSubject(cnam.Category(*req.Category),
			generic.RentalID(deref(req.RentalID)), generic.SaleID(deref(req.SaleID)))
		if err != nil {
			h.writeServiceError(w, r, "Invalid bond", err)
			return
		}
		changes.Subject = subject
	}
	if req.PatientID != nil {
		patientID := generic.PatientID(*req.PatientID)
		changes.PatientID = &patientID
	}

	res, err := h.Bonds.Update(r.Context(), actor(r), generic.BondID(chi.URLParam(r, "id")), changes)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update bond", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondResponse(res))
}

// SetBondStep moves a bond to a workflow step.
// POST /api/bonds/{id}/step
func (h *Handler) SetBondStep(w http.ResponseWriter, r *http.Request) {
	var req SetStepRequest
	if !h.decode(w, r, &req) {
		return
	}

	b, err := h.Bonds.SetStep(r.Context(), actor(r), generic.BondID(chi.URLParam(r, "id")), req.Step)
	if err != nil {
		h.writeServiceError(w, r, "Failed to change step", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondDTO(b))
}

// RenewBond creates the renewal of a bond.
// POST /api/bonds/{id}/renew
func (h *Handler) RenewBond(w http.ResponseWriter, r *http.Request) {
	var req RenewBondRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	changes, err := req.BondFields.changes()
	if err != nil {
		h.writeServiceError(w, r, "Invalid renewal", err)
		return
	}
	res, err := h.Bonds.Renew(r.Context(), actor(r), generic.BondID(chi.URLParam(r, "id")), changes)
	if err != nil {
		h.writeServiceError(w, r, "Failed to renew bond", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBondResponse(res))
}

// BondHistory returns the audit trail of a bond.
// GET /api/bonds/{id}/history
func (h *Handler) BondHistory(w http.ResponseWriter, r *http.Request) {
	b, err := h.Bonds.Get(r.Context(), generic.BondID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get bond", err)
		return
	}

	subject := "bond:" + string(b.ID)
	entries, err := h.Store.QueryAudit(r.Context(), generic.AuditFilter{Subject: &subject})
	if err != nil {
		h.writeServiceError(w, r, "Failed to load history", err)
		return
	}
	dtos := make([]AuditEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListRenewals returns the bonds due for renewal.
// GET /api/bonds/renewals?as_of=2024-06-01
func (h *Handler) ListRenewals(w http.ResponseWriter, r *http.Request) {
	asOf := generic.FromTime(h.now())
	if s := r.URL.Query().Get("as_of"); s != "" {
		tp, err := parseDateField("as_of", s)
		if err != nil {
			h.writeServiceError(w, r, "Invalid as_of", err)
			return
		}
		asOf = tp
	}

	bonds, err := h.Bonds.DueForRenewal(r.Context(), asOf)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list renewals", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondDTOs(bonds))
}

// ListPatientBonds returns a patient's bonds.
// GET /api/patients/{id}/bonds
func (h *Handler) ListPatientBonds(w http.ResponseWriter, r *http.Request) {
	bonds, err := h.Bonds.ListByPatient(r.Context(), generic.PatientID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list bonds", err)
		return
	}
	writeJSON(w, http.StatusOK, toBondDTOs(bonds))
}

// =============================================================================
// RENTAL AND PAYMENT HANDLERS
// =============================================================================

// CreateRental registers a rental.
// POST /api/rentals
func (h *Handler) CreateRental(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Store.(cnam.RegistrationStore)
	if !ok {
		h.writeServiceError(w, r, "Rental registration unavailable", generic.ErrStoreRequired)
		return
	}
	var req CreateRentalRequest
	if !h.decode(w, r, &req) {
		return
	}

	start, err := parseDateField("start_date", req.StartDate)
	if err != nil {
		h.writeServiceError(w, r, "Invalid rental", err)
		return
	}
	if !req.DeviceMonthlyRate.IsPositive() {
		h.writeServiceError(w, r, "Invalid rental", generic.Invalid("device_monthly_rate", "must be positive"))
		return
	}
	id := req.ID
	if id == "" {
		id = generic.NewID()
	}

	rental := cnam.Rental{
		ID:        generic.RentalID(id),
		PatientID: generic.PatientID(req.PatientID),
		StartDate: start,
		Device: cnam.Device{
			Name:        req.DeviceName,
			MonthlyRate: generic.NewAmountFromDecimal(*req.DeviceMonthlyRate, generic.CurrencyTND),
		},
		CreatedAt: h.now().UTC(),
	}
	if err := reg.SaveRental(r.Context(), rental); err != nil {
		h.writeServiceError(w, r, "Failed to save rental", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRentalDTO(rental))
}

// GetRental returns a rental.
// GET /api/rentals/{id}
func (h *Handler) GetRental(w http.ResponseWriter, r *http.Request) {
	id := generic.RentalID(chi.URLParam(r, "id"))
	rental, err := h.Store.GetRental(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get rental", err)
		return
	}
	if rental == nil {
		h.writeServiceError(w, r, "Rental not found", fmt.Errorf("%w: %s", generic.ErrRentalNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, toRentalDTO(*rental))
}

// ListPayments returns a rental's payment history.
// GET /api/rentals/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	payments, err := h.Billing.History(r.Context(), generic.RentalID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list payments", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTOs(payments))
}

// RecordPayment records a rental payment.
// POST /api/rentals/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req RecordPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	changes, err := req.changes(generic.RentalID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Invalid payment", err)
		return
	}
	res, err := h.Billing.Record(r.Context(), changes, cnam.RecordOptions{
		Actor:              actor(r),
		AcknowledgeOverlap: req.AcknowledgeOverlap,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(res))
}

// PreviewPayment returns the number and gap a period starting on ?start would get.
// GET /api/rentals/{id}/payments/preview?start=2024-03-01
func (h *Handler) PreviewPayment(w http.ResponseWriter, r *http.Request) {
	start, err := parseDateField("start", r.URL.Query().Get("start"))
	if err != nil {
		h.writeServiceError(w, r, "Invalid start", err)
		return
	}
	pl, err := h.Billing.Preview(r.Context(), generic.RentalID(chi.URLParam(r, "id")), start)
	if err != nil {
		h.writeServiceError(w, r, "Failed to preview payment", err)
		return
	}
	writeJSON(w, http.StatusOK, PlacementDTO{
		PeriodNumber: pl.PeriodNumber,
		GapDays:      pl.GapDays,
		RawGapDays:   pl.RawGapDays,
		Overlap:      pl.Overlap,
	})
}

// UpdatePayment edits a payment.
// PUT /api/payments/{id}
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req UpdatePaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	changes, err := req.changes()
	if err != nil {
		h.writeServiceError(w, r, "Invalid payment", err)
		return
	}
	res, err := h.Billing.Edit(r.Context(), generic.PaymentID(chi.URLParam(r, "id")), changes, cnam.RecordOptions{
		Actor:              actor(r),
		AcknowledgeOverlap: req.AcknowledgeOverlap,
	})
	if err != nil {
		h.writeServiceError(w, r, "Failed to update payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(res))
}

// DeletePayment deletes a payment and renumbers the rest of its rental.
// DELETE /api/payments/{id}
func (h *Handler) DeletePayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	renumbered, err := h.Billing.Delete(r.Context(), generic.PaymentID(id), actor(r))
	if err != nil {
		h.writeServiceError(w, r, "Failed to delete payment", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":    id,
		"renumbered": toPaymentDTOs(renumbered),
	})
}

// ListLapses returns the coverage lapses of a rental.
// GET /api/rentals/{id}/lapses
func (h *Handler) ListLapses(w http.ResponseWriter, r *http.Request) {
	lapses, err := h.Billing.Lapses(r.Context(), generic.RentalID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to list lapses", err)
		return
	}
	dtos := make([]LapseDTO, len(lapses))
	for i, l := range lapses {
		dtos[i] = LapseDTO{
			PaymentID:    string(l.PaymentID),
			PeriodNumber: l.PeriodNumber,
			From:         l.From.String(),
			To:           l.To.String(),
			GapDays:      l.GapDays,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// SALE HANDLERS
// =============================================================================

// CreateSale registers a sale.
// POST /api/sales
func (h *Handler) CreateSale(w http.ResponseWriter, r *http.Request) {
	reg, ok := h.Store.(cnam.RegistrationStore)
	if !ok {
		h.writeServiceError(w, r, "Sale registration unavailable", generic.ErrStoreRequired)
		return
	}
	var req CreateSaleRequest
	if !h.decode(w, r, &req) {
		return
	}

	id := req.ID
	if id == "" {
		id = generic.NewID()
	}
	sale := cnam.Sale{
		ID:        generic.SaleID(id),
		PatientID: generic.PatientID(req.PatientID),
		CreatedAt: h.now().UTC(),
	}
	for i, item := range req.Items {
		if item.ItemTotal.IsNegative() {
			h.writeServiceError(w, r, "Invalid sale", generic.Invalid(fmt.Sprintf("items[%d].item_total", i), "must not be negative"))
			return
		}
		sale.Items = append(sale.Items, cnam.SaleItem{
			Label:     item.Label,
			ItemTotal: generic.NewAmountFromDecimal(*item.ItemTotal, generic.CurrencyTND),
		})
	}

	if err := reg.SaveSale(r.Context(), sale); err != nil {
		h.writeServiceError(w, r, "Failed to save sale", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSaleDTO(sale))
}

// GetSale returns a sale.
// GET /api/sales/{id}
func (h *Handler) GetSale(w http.ResponseWriter, r *http.Request) {
	id := generic.SaleID(chi.URLParam(r, "id"))
	sale, err := h.Store.GetSale(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, "Failed to get sale", err)
		return
	}
	if sale == nil {
		h.writeServiceError(w, r, "Sale not found", fmt.Errorf("%w: %s", generic.ErrSaleNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, toSaleDTO(*sale))
}

// =============================================================================
// REQUEST MAPPING
// =============================================================================

func (f BondFields) changes() (cnam.BondChanges, error) {
	c := cnam.BondChanges{
		BonNumber:           f.BonNumber,
		DossierNumber:       f.DossierNumber,
		DeviceName:          f.DeviceName,
		CoveredMonths:       f.CoveredMonths,
		CurrentStep:         f.CurrentStep,
		RenewalReminderDays: f.RenewalReminderDays,
		Notes:               f.Notes,
	}
	if f.BonType != nil {
		t := cnam.BondType(*f.BonType)
		c.BonType = &t
	}
	if f.Status != nil {
		s := cnam.Status(*f.Status)
		c.Status = &s
	}
	c.CNAMMonthlyRate = amountPtr(f.CNAMMonthlyRate)
	c.DeviceMonthlyRate = amountPtr(f.DeviceMonthlyRate)
	if f.StartDate != nil {
		tp, err := parseDateField("start_date", *f.StartDate)
		if err != nil {
			return cnam.BondChanges{}, err
		}
		c.StartDate = &tp
	}
	return c, nil
}

func (req RecordPaymentRequest) changes(rentalID generic.RentalID) (cnam.PaymentChanges, error) {
	c := cnam.PaymentChanges{
		RentalID: &rentalID,
		Amount:   amountPtr(req.Amount),
		Notes:    &req.Notes,
	}
	date, err := parseDateField("payment_date", req.PaymentDate)
	if err != nil {
		return cnam.PaymentChanges{}, err
	}
	c.PaymentDate = &date

	if req.PeriodStartDate != "" {
		tp, err := parseDateField("period_start_date", req.PeriodStartDate)
		if err != nil {
			return cnam.PaymentChanges{}, err
		}
		c.PeriodStart = &tp
	}
	if req.PeriodEndDate != "" {
		tp, err := parseDateField("period_end_date", req.PeriodEndDate)
		if err != nil {
			return cnam.PaymentChanges{}, err
		}
		c.PeriodEnd = &tp
	}
	if req.Method != "" {
		m := cnam.PaymentMethod(req.Method)
		c.Method = &m
	}
	if req.Status != "" {
		s := cnam.PaymentStatus(req.Status)
		c.Status = &s
	}
	if req.Type != "" {
		t := cnam.PaymentType(req.Type)
		c.Type = &t
	}
	return c, nil
}

func (req UpdatePaymentRequest) changes() (cnam.PaymentChanges, error) {
	c := cnam.PaymentChanges{
		Amount:      amountPtr(req.Amount),
		ClearPeriod: req.ClearPeriod,
		Notes:       req.Notes,
	}
	dates := []struct {
		field string
		in    *string
		out   **generic.TimePoint
	}{
		{"payment_date", req.PaymentDate, &c.PaymentDate},
		{"period_start_date", req.PeriodStartDate, &c.PeriodStart},
		{"period_end_date", req.PeriodEndDate, &c.PeriodEnd},
	}
	for _, d := range dates {
		if d.in == nil {
			continue
		}
		tp, err := parseDateField(d.field, *d.in)
		if err != nil {
			return cnam.PaymentChanges{}, err
		}
		*d.out = &tp
	}
	if req.Method != nil {
		m := cnam.PaymentMethod(*req.Method)
		c.Method = &m
	}
	if req.Status != nil {
		s := cnam.PaymentStatus(*req.Status)
		c.Status = &s
	}
	if req.Type != nil {
		t := cnam.PaymentType(*req.Type)
		c.Type = &t
	}
	return c, nil
}

func toPaymentResponse(res cnam.BillingResult) PaymentResponse {
	return PaymentResponse{
		Payment:    toPaymentDTO(res.Payment),
		Renumbered: toPaymentDTOs(res.Renumbered),
		Lapse:      res.Lapse,
	}
}

func toBondDTOs(bonds []cnam.Bond) []BondDTO {
	dtos := make([]BondDTO, len(bonds))
	for i, b := range bonds {
		dtos[i] = toBondDTO(b)
	}
	return dtos
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", validationDetails(err))
		return false
	}
	return true
}

func validationDetails(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		if fe.Param() != "" {
			msgs[i] = fmt.Sprintf("%s: %s=%s", fe.Field(), fe.Tag(), fe.Param())
		} else {
			msgs[i] = fmt.Sprintf("%s: %s", fe.Field(), fe.Tag())
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// writeServiceError maps a service error to its HTTP status.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.WithError(err).WithFields(log.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"path":       r.URL.Path,
		}).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case generic.IsNotFound(err):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	case generic.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrStoreRequired):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) audit(r *http.Request, action generic.AuditAction, subject string, payload map[string]any) {
	entry := generic.AuditEntry{
		ID:        generic.NewID(),
		Timestamp: h.now().UTC(),
		ActorID:   actor(r),
		Action:    action,
		Subject:   subject,
		Payload:   payload,
	}
	if err := h.Store.AppendAudit(r.Context(), entry); err != nil {
		h.logger.WithError(err).WithField("subject", subject).Error("failed to append audit entry")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor-ID"); a != "" {
		return a
	}
	return "api"
}

func parseDateField(field, s string) (generic.TimePoint, error) {
	if s == "" {
		return generic.TimePoint{}, generic.Invalid(field, "required")
	}
	tp, err := generic.ParseDate(s)
	if err != nil {
		return generic.TimePoint{}, generic.Invalid(field, "use YYYY-MM-DD")
	}
	return tp, nil
}

func amountPtr(d *decimal.Decimal) *generic.Amount {
	if d == nil {
		return nil
	}
	a := generic.NewAmountFromDecimal(*d, generic.CurrencyTND)
	return &a
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
