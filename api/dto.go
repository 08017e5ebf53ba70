/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the cnam domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

AMOUNTS:
  Monetary values are decimal.Decimal. Requests accept JSON numbers or
  strings ("190.500"); responses always emit strings.

VALIDATION:
  Shape rules (required fields, enums, date layout) are struct tags checked
  by validator/v10 before the handler runs. Business rules (device rate > 0,
  patient matches the rental, step bounds) stay in the cnam package.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/nomenclature.go: NomenclatureJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/cnam-engine/cnam"
	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// BONDS
// =============================================================================

// BondFields are the editable fields shared by create, update and renew.
type BondFields struct {
	BonNumber           *string          `json:"bon_number,omitempty" validate:"omitempty,max=64"`
	DossierNumber       *string          `json:"dossier_number,omitempty" validate:"omitempty,max=64"`
	BonType             *string          `json:"bon_type,omitempty" validate:"omitempty,oneof=CONCENTRATEUR_OXYGENE VNI CPAP MASQUE AUTRE"`
	DeviceName          *string          `json:"device_name,omitempty" validate:"omitempty,max=200"`
	Status              *string          `json:"status,omitempty" validate:"omitempty,oneof=CREATION RENOUVELLEMENT"`
	CNAMMonthlyRate     *decimal.Decimal `json:"cnam_monthly_rate,omitempty"`
	DeviceMonthlyRate   *decimal.Decimal `json:"device_monthly_rate,omitempty"`
	CoveredMonths       *int             `json:"covered_months,omitempty"`
	CurrentStep         *int             `json:"current_step,omitempty"`
	RenewalReminderDays *int             `json:"renewal_reminder_days,omitempty" validate:"omitempty,min=0"`
	StartDate           *string          `json:"start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Notes               *string          `json:"notes,omitempty"`
}

// CreateBondRequest creates a bond for a rental (LOCATION) or a sale (ACHAT).
type CreateBondRequest struct {
	BondFields
	Category  string `json:"category" validate:"required,oneof=LOCATION ACHAT"`
	RentalID  string `json:"rental_id,omitempty"`
	SaleID    string `json:"sale_id,omitempty"`
	PatientID string `json:"patient_id" validate:"required"`
}

// UpdateBondRequest edits a bond. Changing the subject requires the category.
type UpdateBondRequest struct {
	BondFields
	Category  *string `json:"category,omitempty" validate:"omitempty,oneof=LOCATION ACHAT"`
	RentalID  *string `json:"rental_id,omitempty"`
	SaleID    *string `json:"sale_id,omitempty"`
	PatientID *string `json:"patient_id,omitempty" validate:"omitempty,min=1"`
}

// RenewBondRequest overrides fields of the renewal bond.
type RenewBondRequest struct {
	BondFields
}

// SetStepRequest moves a bond to a workflow step.
type SetStepRequest struct {
	Step int `json:"step" validate:"required"`
}

// BondDTO represents a bond in API responses.
type BondDTO struct {
	ID                  string          `json:"id"`
	BonNumber           string          `json:"bon_number"`
	DossierNumber       string          `json:"dossier_number,omitempty"`
	BonType             string          `json:"bon_type"`
	Status              string          `json:"status"`
	Category            string          `json:"category"`
	RentalID            string          `json:"rental_id,omitempty"`
	SaleID              string          `json:"sale_id,omitempty"`
	PatientID           string          `json:"patient_id"`
	CNAMMonthlyRate     decimal.Decimal `json:"cnam_monthly_rate"`
	DeviceMonthlyRate   decimal.Decimal `json:"device_monthly_rate"`
	CoveredMonths       int             `json:"covered_months"`
	BonAmount           decimal.Decimal `json:"bon_amount"`
	DevicePrice         decimal.Decimal `json:"device_price"`
	ComplementAmount    decimal.Decimal `json:"complement_amount"`
	Currency            string          `json:"currency"`
	CurrentStep         int             `json:"current_step"`
	TotalSteps          int             `json:"total_steps"`
	PercentComplete     int             `json:"percent_complete"`
	StepLabel           string          `json:"step_label"`
	Steps               []StepDTO       `json:"steps"`
	RenewalReminderDays int             `json:"renewal_reminder_days"`
	StartDate           string          `json:"start_date,omitempty"`
	EndDate             string          `json:"end_date,omitempty"`
	RenewalDueOn        string          `json:"renewal_due_on,omitempty"`
	PreviousBondID      string          `json:"previous_bond_id,omitempty"`
	Notes               string          `json:"notes,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// StepDTO is one step of the bond workflow.
type StepDTO struct {
	Number int    `json:"number"`
	Label  string `json:"label"`
	Done   bool   `json:"done"`
}

// WarningDTO is a non-blocking condition attached to a result.
type WarningDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BondResponse wraps a saved bond with its warnings.
type BondResponse struct {
	Bond     BondDTO      `json:"bond"`
	Warnings []WarningDTO `json:"warnings,omitempty"`
}

// ResolveDTO is the answer of the bond type resolver.
type ResolveDTO struct {
	DeviceName  string          `json:"device_name"`
	BonType     string          `json:"bon_type"`
	MonthlyRate decimal.Decimal `json:"monthly_rate"`
	Warning     *WarningDTO     `json:"warning,omitempty"`
}

// AuditEntryDTO represents one audit log entry.
type AuditEntryDTO struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// RecordPaymentRequest records a rental payment. Omitting the period makes
// an unsequenced payment (e.g. a deposit).
type RecordPaymentRequest struct {
	Amount             *decimal.Decimal `json:"amount" validate:"required"`
	PaymentDate        string           `json:"payment_date" validate:"required,datetime=2006-01-02"`
	PeriodStartDate    string           `json:"period_start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PeriodEndDate      string           `json:"period_end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Method             string           `json:"method,omitempty" validate:"omitempty,oneof=ESPECES CHEQUE VIREMENT TRAITE CNAM"`
	Status             string           `json:"status,omitempty" validate:"omitempty,oneof=PENDING PAID PARTIAL CANCELLED"`
	Type               string           `json:"type,omitempty" validate:"omitempty,oneof=RENT DEPOSIT CNAM_BOND COMPLEMENT ADJUSTMENT"`
	Notes              string           `json:"notes,omitempty"`
	AcknowledgeOverlap bool             `json:"acknowledge_overlap,omitempty"`
}

// UpdatePaymentRequest edits a payment. ClearPeriod removes its period.
type UpdatePaymentRequest struct {
	Amount             *decimal.Decimal `json:"amount,omitempty"`
	PaymentDate        *string          `json:"payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PeriodStartDate    *string          `json:"period_start_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	PeriodEndDate      *string          `json:"period_end_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ClearPeriod        bool             `json:"clear_period,omitempty"`
	Method             *string          `json:"method,omitempty" validate:"omitempty,oneof=ESPECES CHEQUE VIREMENT TRAITE CNAM"`
	Status             *string          `json:"status,omitempty" validate:"omitempty,oneof=PENDING PAID PARTIAL CANCELLED"`
	Type               *string          `json:"type,omitempty" validate:"omitempty,oneof=RENT DEPOSIT CNAM_BOND COMPLEMENT ADJUSTMENT"`
	Notes              *string          `json:"notes,omitempty"`
	AcknowledgeOverlap bool             `json:"acknowledge_overlap,omitempty"`
}

// PaymentDTO represents a payment in API responses.
type PaymentDTO struct {
	ID              string          `json:"id"`
	RentalID        string          `json:"rental_id"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	PaymentDate     string          `json:"payment_date"`
	PeriodStartDate string          `json:"period_start_date,omitempty"`
	PeriodEndDate   string          `json:"period_end_date,omitempty"`
	PeriodNumber    *int            `json:"period_number,omitempty"`
	PeriodLabel     string          `json:"period_label,omitempty"`
	GapDays         *int            `json:"gap_days,omitempty"`
	Overlap         bool            `json:"overlap,omitempty"`
	Method          string          `json:"method"`
	Status          string          `json:"status"`
	Type            string          `json:"type"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// PaymentResponse is a saved payment and the payments it renumbered.
type PaymentResponse struct {
	Payment    PaymentDTO   `json:"payment"`
	Renumbered []PaymentDTO `json:"renumbered"`
	Lapse      bool         `json:"lapse"`
}

// PlacementDTO previews the number and gap of a new period.
type PlacementDTO struct {
	PeriodNumber int  `json:"period_number"`
	GapDays      int  `json:"gap_days"`
	RawGapDays   int  `json:"raw_gap_days"`
	Overlap      bool `json:"overlap"`
}

// LapseDTO is a gap longer than the lapse threshold.
type LapseDTO struct {
	PaymentID    string `json:"payment_id"`
	PeriodNumber int    `json:"period_number"`
	From         string `json:"from"`
	To           string `json:"to"`
	GapDays      int    `json:"gap_days"`
}

// =============================================================================
// RENTALS AND SALES
// =============================================================================

// CreateRentalRequest registers a rental.
type CreateRentalRequest struct {
	ID                string           `json:"id,omitempty"`
	PatientID         string           `json:"patient_id" validate:"required"`
	StartDate         string           `json:"start_date" validate:"required,datetime=2006-01-02"`
	DeviceName        string           `json:"device_name" validate:"required,max=200"`
	DeviceMonthlyRate *decimal.Decimal `json:"device_monthly_rate" validate:"required"`
}

// RentalDTO represents a rental.
type RentalDTO struct {
	ID                string          `json:"id"`
	PatientID         string          `json:"patient_id"`
	StartDate         string          `json:"start_date"`
	DeviceName        string          `json:"device_name"`
	DeviceMonthlyRate decimal.Decimal `json:"device_monthly_rate"`
	ResolvedBonType   string          `json:"resolved_bon_type"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CreateSaleRequest registers a sale.
type CreateSaleRequest struct {
	ID        string            `json:"id,omitempty"`
	PatientID string            `json:"patient_id" validate:"required"`
	Items     []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
}

type SaleItemRequest struct {
	Label     string           `json:"label" validate:"required"`
	ItemTotal *decimal.Decimal `json:"item_total" validate:"required"`
}

// SaleDTO represents a sale.
type SaleDTO struct {
	ID        string        `json:"id"`
	PatientID string        `json:"patient_id"`
	Items     []SaleItemDTO `json:"items"`
	Total     string        `json:"total"`
	CreatedAt time.Time     `json:"created_at"`
}

type SaleItemDTO struct {
	Label     string          `json:"label"`
	ItemTotal decimal.Decimal `json:"item_total"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// =============================================================================
// COMMON
// =============================================================================

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBondDTO(b cnam.Bond) BondDTO {
	w := b.Workflow()
	dto := BondDTO{
		ID:                  string(b.ID),
		BonNumber:           b.BonNumber,
		DossierNumber:       b.DossierNumber,
		BonType:             string(b.BonType),
		Status:              string(b.Status),
		Category:            string(b.Category()),
		PatientID:           string(b.PatientID),
		CNAMMonthlyRate:     b.CNAMMonthlyRate.Value,
		DeviceMonthlyRate:   b.DeviceMonthlyRate.Value,
		CoveredMonths:       b.CoveredMonths,
		BonAmount:           b.BonAmount.Value,
		DevicePrice:         b.DevicePrice.Value,
		ComplementAmount:    b.ComplementAmount.Value,
		Currency:            string(currencyOf(b.DevicePrice)),
		CurrentStep:         w.Current(),
		TotalSteps:          w.Total(),
		PercentComplete:     w.PercentComplete(),
		StepLabel:           w.Label(),
		RenewalReminderDays: b.RenewalReminderDays,
		Notes:               b.Notes,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
	if id, ok := b.RentalID(); ok {
		dto.RentalID = string(id)
	}
	if id, ok := b.SaleID(); ok {
		dto.SaleID = string(id)
	}
	for _, s := range w.Steps() {
		dto.Steps = append(dto.Steps, StepDTO{Number: s.Number, Label: s.Label, Done: s.Done})
	}
	if b.StartDate != nil {
		dto.StartDate = b.StartDate.String()
	}
	if b.EndDate != nil {
		dto.EndDate = b.EndDate.String()
	}
	if due, ok := b.RenewalDueOn(); ok {
		dto.RenewalDueOn = due.String()
	}
	if b.PreviousBondID != nil {
		dto.PreviousBondID = string(*b.PreviousBondID)
	}
	return dto
}

func toBondResponse(res cnam.BondResult) BondResponse {
	return BondResponse{Bond: toBondDTO(res.Bond), Warnings: toWarningDTOs(res.Warnings)}
}

func toWarningDTOs(warnings []cnam.Warning) []WarningDTO {
	if len(warnings) == 0 {
		return nil
	}
	dtos := make([]WarningDTO, len(warnings))
	for i, w := range warnings {
		dtos[i] = WarningDTO{Code: string(w.Code), Message: w.Message}
	}
	return dtos
}

func toPaymentDTO(p cnam.Payment) PaymentDTO {
	dto := PaymentDTO{
		ID:           string(p.ID),
		RentalID:     string(p.RentalID),
		Amount:       p.Amount.Value,
		Currency:     string(currencyOf(p.Amount)),
		PaymentDate:  p.PaymentDate.String(),
		PeriodNumber: p.PeriodNumber,
		PeriodLabel:  p.Label(),
		GapDays:      p.GapDays,
		Overlap:      p.Overlap,
		Method:       string(p.Method),
		Status:       string(p.Status),
		Type:         string(p.Type),
		Notes:        p.Notes,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if p.Period != nil {
		dto.PeriodStartDate = p.Period.Start.String()
		dto.PeriodEndDate = p.Period.End.String()
	}
	return dto
}

func toPaymentDTOs(payments []cnam.Payment) []PaymentDTO {
	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	return dtos
}

func toRentalDTO(r cnam.Rental) RentalDTO {
	return RentalDTO{
		ID:                string(r.ID),
		PatientID:         string(r.PatientID),
		StartDate:         r.StartDate.String(),
		DeviceName:        r.Device.Name,
		DeviceMonthlyRate: r.Device.MonthlyRate.Value,
		ResolvedBonType:   string(cnam.ResolveBondType(r.Device.Name)),
		CreatedAt:         r.CreatedAt,
	}
}

func toSaleDTO(s cnam.Sale) SaleDTO {
	dto := SaleDTO{
		ID:        string(s.ID),
		PatientID: string(s.PatientID),
		Items:     make([]SaleItemDTO, len(s.Items)),
		Total:     s.Total().Value.String(),
		CreatedAt: s.CreatedAt,
	}
	for i, item := range s.Items {
		dto.Items[i] = SaleItemDTO{Label: item.Label, ItemTotal: item.ItemTotal.Value}
	}
	return dto
}

func toAuditDTO(e generic.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:        e.ID,
		Timestamp: e.Timestamp,
		ActorID:   e.ActorID,
		Action:    string(e.Action),
		Subject:   e.Subject,
		Payload:   e.Payload,
	}
}

func currencyOf(a generic.Amount) generic.Currency {
	if a.Currency == "" {
		return generic.CurrencyTND
	}
	return a.Currency
}
