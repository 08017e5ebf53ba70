package cnam

import (
	"fmt"
	"time"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// PAYMENT - One invoiced payment of a rental
// =============================================================================

type PaymentMethod string

const (
	MethodCash     PaymentMethod = "ESPECES"
	MethodCheque   PaymentMethod = "CHEQUE"
	MethodTransfer PaymentMethod = "VIREMENT"
	MethodDraft    PaymentMethod = "TRAITE"
	MethodCNAM     PaymentMethod = "CNAM"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentPaid      PaymentStatus = "PAID"
	PaymentPartial   PaymentStatus = "PARTIAL"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

type PaymentType string

const (
	PaymentRent       PaymentType = "RENT"
	PaymentDeposit    PaymentType = "DEPOSIT"
	PaymentCNAMBond   PaymentType = "CNAM_BOND"
	PaymentComplement PaymentType = "COMPLEMENT"
	PaymentAdjustment PaymentType = "ADJUSTMENT"
)

// Payment is a rental payment. Period, PeriodNumber and GapDays are nil for
// payments without billing-period semantics, such as a deposit.
type Payment struct {
	ID           generic.PaymentID
	RentalID     generic.RentalID
	Amount       generic.Amount
	PaymentDate  generic.TimePoint
	Period       *generic.Period
	PeriodNumber *int
	GapDays      *int
	Overlap      bool // acknowledged overlap with the previous period
	Method       PaymentMethod
	Status       PaymentStatus
	Type         PaymentType
	Notes        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsSequenced reports whether the payment takes part in period numbering.
func (p Payment) IsSequenced() bool { return p.Period != nil }

// Label renders the period number as P1, P2, ... or "" when unsequenced.
func (p Payment) Label() string {
	if p.PeriodNumber == nil {
		return ""
	}
	return fmt.Sprintf("P%d", *p.PeriodNumber)
}

// PaymentChanges are proposed edits. Nil fields keep the prior value.
// ClearPeriod removes the billing period.
type PaymentChanges struct {
	RentalID    *generic.RentalID
	Amount      *generic.Amount
	PaymentDate *generic.TimePoint
	PeriodStart *generic.TimePoint
	PeriodEnd   *generic.TimePoint
	ClearPeriod bool
	Method      *PaymentMethod
	Status      *PaymentStatus
	Type        *PaymentType
	Notes       *string
}

// PlanPayment validates (prior, changes) and returns the merged payment.
// Period numbers and gap days are left to the sequencer.
func PlanPayment(prior *Payment, changes PaymentChanges) (Payment, error) {
	var p Payment
	if prior != nil {
		p = *prior
	} else {
		p = Payment{Status: PaymentPaid, Type: PaymentRent, Method: MethodCash}
	}

	if changes.RentalID != nil {
		p.RentalID = *changes.RentalID
	}
	if changes.Amount != nil {
		p.Amount = *changes.Amount
	}
	if changes.PaymentDate != nil {
		p.PaymentDate = *changes.PaymentDate
	}
	if changes.Method != nil {
		p.Method = *changes.Method
	}
	if changes.Status != nil {
		p.Status = *changes.Status
	}
	if changes.Type != nil {
		p.Type = *changes.Type
	}
	if changes.Notes != nil {
		p.Notes = *changes.Notes
	}

	if changes.ClearPeriod {
		p.Period = nil
	} else if changes.PeriodStart != nil || changes.PeriodEnd != nil {
		var period generic.Period
		if p.Period != nil {
			period = *p.Period
		}
		if changes.PeriodStart != nil {
			period.Start = *changes.PeriodStart
		}
		if changes.PeriodEnd != nil {
			period.End = *changes.PeriodEnd
		}
		p.Period = &period
	}

	if p.RentalID == "" {
		return Payment{}, generic.Invalid("rental_id", "rental required")
	}
	if p.Amount.IsNegative() {
		return Payment{}, generic.Invalid("amount", "must not be negative")
	}
	if p.PaymentDate.IsZero() {
		return Payment{}, generic.Invalid("payment_date", "payment date required")
	}
	if p.Period != nil {
		if p.Period.Start.IsZero() {
			return Payment{}, generic.Invalid("period_start_date", "required when a period end is given")
		}
		if p.Period.End.IsZero() {
			return Payment{}, generic.Invalid("period_end_date", "required when a period start is given")
		}
		if err := p.Period.Validate(); err != nil {
			return Payment{}, fmt.Errorf("period %s: %w", p.Period, err)
		}
	}

	// Sequencing output is recomputed from the rental's history.
	p.PeriodNumber = nil
	p.GapDays = nil
	p.Overlap = false
	return p, nil
}

// ApplyPlacement copies a sequencer placement onto the payment.
func (p *Payment) ApplyPlacement(pl generic.Placement) {
	number, gap := pl.PeriodNumber, pl.GapDays
	p.PeriodNumber = &number
	p.GapDays = &gap
	p.Overlap = pl.Overlap
}
