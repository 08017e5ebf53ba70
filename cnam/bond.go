/*
bond.go - CNAM reimbursement bond

PURPOSE:
  A bond records the CNAM subsidy approved for one rental (LOCATION) or one
  sale (ACHAT): the insurer-covered amount, the device price, the patient's
  complement, and the progress of the 7-step approval/delivery workflow.

INVARIANTS:
  bonAmount        = cnamMonthlyRate   × coveredMonths
  devicePrice      = deviceMonthlyRate × coveredMonths
  complementAmount = devicePrice − bonAmount
  currentStep in [1, 7]
  The subject is a RentalSubject for LOCATION and a SaleSubject for ACHAT;
  the type system makes any other combination unrepresentable.
  ACHAT bonds cover exactly one month and their device price is the sum of
  the sale's line-item totals.

PREPARATION:
  PrepareBond is a pure function of (prior record, proposed changes, inputs).
  It validates, resolves the bond type, looks up the CNAM rate, clamps the
  covered months and recomputes the financials. It never performs I/O; the
  caller (BondRegistry) loads the rental/sale and the nomenclature first.

RENEWAL:
  A new coverage cycle is a new bond with status RENOUVELLEMENT starting at
  step 1. The expired bond is never reopened.

SEE ALSO:
  - calculator.go: Recompute
  - resolver.go: ResolveBondType
  - registry.go: Persistence and audit around PrepareBond
*/
package cnam

import (
	"fmt"
	"time"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// SUBJECT - What a bond subsidizes (sum type)
// =============================================================================

// Subject is either a RentalSubject or a SaleSubject.
type Subject interface {
	Category() Category
	SubjectID() string
	isSubject()
}

type RentalSubject struct {
	RentalID generic.RentalID
}

func (RentalSubject) Category() Category  { return CategoryRental }
func (s RentalSubject) SubjectID() string { return string(s.RentalID) }
func (RentalSubject) isSubject()          {}

type SaleSubject struct {
	SaleID generic.SaleID
}

func (SaleSubject) Category() Category  { return CategorySale }
func (s SaleSubject) SubjectID() string { return string(s.SaleID) }
func (SaleSubject) isSubject()          {}

// NewSubject builds the subject of a bond from loosely typed input: exactly
// one of rentalID/saleID must be set and it must match the category.
func NewSubject(category Category, rentalID generic.RentalID, saleID generic.SaleID) (Subject, error) {
	switch category {
	case CategoryRental:
		if saleID != "" {
			return nil, fmt.Errorf("%w: LOCATION bond cannot reference sale %s", generic.ErrCategoryMismatch, saleID)
		}
		if rentalID == "" {
			return nil, generic.Invalid("rental_id", "required for LOCATION bonds")
		}
		return RentalSubject{RentalID: rentalID}, nil
	case CategorySale:
		if rentalID != "" {
			return nil, fmt.Errorf("%w: ACHAT bond cannot reference rental %s", generic.ErrCategoryMismatch, rentalID)
		}
		if saleID == "" {
			return nil, generic.Invalid("sale_id", "required for ACHAT bonds")
		}
		return SaleSubject{SaleID: saleID}, nil
	default:
		return nil, generic.Invalid("category", fmt.Sprintf("must be %s or %s", CategoryRental, CategorySale))
	}
}

// =============================================================================
// BOND
// =============================================================================

type Bond struct {
	ID            generic.BondID
	BonNumber     string
	DossierNumber string
	BonType       BondType
	Status        Status
	Subject       Subject
	PatientID     generic.PatientID

	CNAMMonthlyRate   generic.Amount
	DeviceMonthlyRate generic.Amount
	CoveredMonths     int
	Financials

	CurrentStep         int
	RenewalReminderDays int
	StartDate           *generic.TimePoint
	EndDate             *generic.TimePoint

	PreviousBondID *generic.BondID // set on renewals
	Notes          string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (b Bond) Category() Category {
	if b.Subject == nil {
		return ""
	}
	return b.Subject.Category()
}

// RentalID returns the rental of a LOCATION bond.
func (b Bond) RentalID() (generic.RentalID, bool) {
	s, ok := b.Subject.(RentalSubject)
	return s.RentalID, ok
}

// SaleID returns the sale of an ACHAT bond.
func (b Bond) SaleID() (generic.SaleID, bool) {
	s, ok := b.Subject.(SaleSubject)
	return s.SaleID, ok
}

func (b Bond) TotalSteps() int { return TotalSteps }

// Workflow returns the bond's position in the 7-step workflow.
func (b Bond) Workflow() generic.Workflow {
	w, err := NewBondWorkflow(b.CurrentStep)
	if err != nil {
		w, _ = NewBondWorkflow(StepPendingApproval)
	}
	return w
}

func (b Bond) PercentComplete() int { return b.Workflow().PercentComplete() }
func (b Bond) StepLabel() string    { return StepLabel(b.CurrentStep) }

// RenewalDueOn is the date staff should start the renewal file.
func (b Bond) RenewalDueOn() (generic.TimePoint, bool) {
	if b.EndDate == nil {
		return generic.TimePoint{}, false
	}
	return b.EndDate.AddDays(-b.RenewalReminderDays), true
}

// IsRenewalDue reports whether asOf is on or after RenewalDueOn.
func (b Bond) IsRenewalDue(asOf generic.TimePoint) bool {
	due, ok := b.RenewalDueOn()
	return ok && asOf.AfterOrEqual(due)
}

// =============================================================================
// PREPARATION
// =============================================================================

// BondChanges are the proposed edits. Nil fields keep the prior value.
type BondChanges struct {
	BonNumber           *string
	DossierNumber       *string
	BonType             *BondType
	DeviceName          *string // resolves BonType when BonType is nil
	Status              *Status
	Subject             Subject
	PatientID           *generic.PatientID
	CNAMMonthlyRate     *generic.Amount // overrides the nomenclature rate
	DeviceMonthlyRate   *generic.Amount
	CoveredMonths       *int
	CurrentStep         *int
	RenewalReminderDays *int
	StartDate           *generic.TimePoint
	Notes               *string
}

// BondInputs are the already-loaded collaborators PrepareBond reads from.
type BondInputs struct {
	Rates  *RateTable
	Policy BondPolicy
	Rental *Rental // the bond's rental, for LOCATION bonds
	Sale   *Sale   // the bond's sale, for ACHAT bonds
}

// PrepareBond validates (prior, changes) and returns the new bond with its
// financials recomputed. prior is nil on creation.
func PrepareBond(prior *Bond, changes BondChanges, in BondInputs) (Bond, []Warning, error) {
	var b Bond
	if prior != nil {
		b = *prior
	} else {
		b = Bond{
			Status:              StatusCreation,
			CurrentStep:         StepPendingApproval,
			CoveredMonths:       in.Policy.DefaultCoveredMonths,
			RenewalReminderDays: in.Policy.DefaultRenewalReminderDays,
		}
	}
	var warnings []Warning

	applyScalars(&b, changes)
	if changes.Subject != nil {
		b.Subject = changes.Subject
	}
	if b.Subject == nil {
		return Bond{}, nil, generic.Invalid("subject", "a rental or a sale is required")
	}
	subjectChanged := prior != nil && !sameSubject(prior.Subject, b.Subject)
	fromSale := prior != nil && prior.Subject != nil && prior.Subject.Category() == CategorySale

	// The subject must resolve to a loaded rental or sale.
	var deviceName string
	switch s := b.Subject.(type) {
	case RentalSubject:
		if in.Rental == nil || in.Rental.ID != s.RentalID {
			return Bond{}, nil, fmt.Errorf("%w: %s", generic.ErrRentalNotFound, s.RentalID)
		}
		deviceName = in.Rental.Device.Name
	case SaleSubject:
		if in.Sale == nil || in.Sale.ID != s.SaleID {
			return Bond{}, nil, fmt.Errorf("%w: %s", generic.ErrSaleNotFound, s.SaleID)
		}
		if len(in.Sale.Items) > 0 {
			deviceName = in.Sale.Items[0].Label
		}
	}

	// Blocking validation, before any computation.
	if b.PatientID == "" {
		return Bond{}, nil, generic.Invalid("patient_id", "patient required")
	}
	if owner := subjectPatient(in, b.Subject); owner != "" && owner != b.PatientID {
		return Bond{}, nil, generic.Invalid("patient_id", fmt.Sprintf("does not match the %s patient", b.Category()))
	}

	typeChanged := false
	switch {
	case changes.BonType != nil:
		typeChanged = prior == nil || prior.BonType != *changes.BonType
		b.BonType = *changes.BonType
	case changes.DeviceName != nil && *changes.DeviceName != "":
		resolved := ResolveBondType(*changes.DeviceName)
		typeChanged = prior == nil || prior.BonType != resolved
		b.BonType = resolved
	case b.BonType == "" && deviceName != "":
		b.BonType = ResolveBondType(deviceName)
		typeChanged = true
	}
	if b.BonType == "" {
		return Bond{}, nil, generic.Invalid("bon_type", "bond type required")
	}
	if !b.BonType.Valid() {
		return Bond{}, nil, generic.Invalid("bon_type", fmt.Sprintf("unknown bond type %q", b.BonType))
	}

	switch b.Subject.(type) {
	case SaleSubject:
		b.DeviceMonthlyRate = in.Sale.Total()
		b.CoveredMonths = 1
	case RentalSubject:
		if changes.DeviceMonthlyRate != nil {
			b.DeviceMonthlyRate = *changes.DeviceMonthlyRate
		} else if prior == nil || subjectChanged {
			b.DeviceMonthlyRate = in.Rental.Device.MonthlyRate
		}
		if changes.CoveredMonths == nil && subjectChanged && fromSale {
			b.CoveredMonths = in.Policy.DefaultCoveredMonths
		}
		if changes.CoveredMonths != nil {
			months, clamped := in.Policy.ClampMonths(*changes.CoveredMonths)
			if clamped {
				warnings = append(warnings, Warning{
					Code:    WarnMonthsClamped,
					Message: fmt.Sprintf("covered months %d clamped to %d", *changes.CoveredMonths, months),
				})
			}
			b.CoveredMonths = months
		} else if b.CoveredMonths < 1 {
			b.CoveredMonths, _ = in.Policy.ClampMonths(b.CoveredMonths)
		}
	}
	if !b.DeviceMonthlyRate.IsPositive() {
		return Bond{}, nil, generic.Invalid("device_monthly_rate", "device monthly rate required")
	}

	if !b.Status.Valid() {
		return Bond{}, nil, generic.Invalid("status", fmt.Sprintf("unknown status %q", b.Status))
	}
	if _, err := NewBondWorkflow(b.CurrentStep); err != nil {
		return Bond{}, nil, err
	}
	if b.RenewalReminderDays < 0 {
		return Bond{}, nil, generic.Invalid("renewal_reminder_days", "must not be negative")
	}

	switch {
	case changes.CNAMMonthlyRate != nil:
		if changes.CNAMMonthlyRate.IsNegative() {
			return Bond{}, nil, generic.Invalid("cnam_monthly_rate", "must not be negative")
		}
		b.CNAMMonthlyRate = *changes.CNAMMonthlyRate
	case prior == nil || typeChanged || b.CNAMMonthlyRate.IsZero():
		rate, warn := in.Rates.RateOrZero(b.BonType)
		if warn != nil {
			warnings = append(warnings, *warn)
		}
		b.CNAMMonthlyRate = rate
	}

	b.Financials = Recompute(b.CNAMMonthlyRate, b.DeviceMonthlyRate, b.CoveredMonths)
	if b.ComplementAmount.IsNegative() {
		warnings = append(warnings, Warning{
			Code:    WarnComplementNegative,
			Message: fmt.Sprintf("device price %s is below the CNAM coverage %s", b.DevicePrice, b.BonAmount),
		})
	}

	if b.StartDate != nil {
		end := generic.CoveragePeriod(*b.StartDate, b.CoveredMonths).End
		b.EndDate = &end
	} else {
		b.EndDate = nil
	}

	return b, warnings, nil
}

// PrepareRenewal builds the next coverage cycle of prior as a new bond:
// status RENOUVELLEMENT, step 1, starting the day after prior ends, with the
// CNAM rate looked up again from the current nomenclature.
func PrepareRenewal(prior Bond, changes BondChanges, in BondInputs) (Bond, []Warning, error) {
	seed := prior
	seed.ID = ""
	seed.BonNumber = ""
	seed.Status = StatusRenewal
	seed.CurrentStep = StepPendingApproval
	seed.CNAMMonthlyRate = generic.Dinars(0)
	seed.Notes = ""
	seed.CreatedAt = time.Time{}
	seed.UpdatedAt = time.Time{}
	prevID := prior.ID
	seed.PreviousBondID = &prevID
	seed.StartDate = nil
	if prior.EndDate != nil {
		next := prior.EndDate.AddDays(1)
		seed.StartDate = &next
	}

	b, warnings, err := PrepareBond(&seed, changes, in)
	if err != nil {
		return Bond{}, nil, err
	}
	b.Status = StatusRenewal
	return b, warnings, nil
}

func applyScalars(b *Bond, c BondChanges) {
	if c.BonNumber != nil {
		b.BonNumber = *c.BonNumber
	}
	if c.DossierNumber != nil {
		b.DossierNumber = *c.DossierNumber
	}
	if c.Status != nil {
		b.Status = *c.Status
	}
	if c.PatientID != nil {
		b.PatientID = *c.PatientID
	}
	if c.CurrentStep != nil {
		b.CurrentStep = *c.CurrentStep
	}
	if c.RenewalReminderDays != nil {
		b.RenewalReminderDays = *c.RenewalReminderDays
	}
	if c.StartDate != nil {
		start := *c.StartDate
		b.StartDate = &start
	}
	if c.Notes != nil {
		b.Notes = *c.Notes
	}
}

func subjectPatient(in BondInputs, s Subject) generic.PatientID {
	switch s.(type) {
	case RentalSubject:
		return in.Rental.PatientID
	case SaleSubject:
		return in.Sale.PatientID
	}
	return ""
}

func sameSubject(a, b Subject) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Category() == b.Category() && a.SubjectID() == b.SubjectID()
}
