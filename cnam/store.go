package cnam

import (
	"context"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// STORES - Persistence seen from the CNAM domain
// =============================================================================
// Get* methods return (nil, nil) when the record does not exist.

// BondStore persists bonds.
type BondStore interface {
	SaveBond(ctx context.Context, b Bond) error
	GetBond(ctx context.Context, id generic.BondID) (*Bond, error)
	ListBonds(ctx context.Context) ([]Bond, error)
	ListBondsByPatient(ctx context.Context, patientID generic.PatientID) ([]Bond, error)
}

// PaymentStore persists rental payments.
type PaymentStore interface {
	GetPayment(ctx context.Context, id generic.PaymentID) (*Payment, error)
	ListPaymentsByRental(ctx context.Context, rentalID generic.RentalID) ([]Payment, error)

	// ApplyPayments upserts and deletes atomically: either every change is
	// written or none is.
	ApplyPayments(ctx context.Context, upserts []Payment, deletes []generic.PaymentID) error
}

// RentalSource reads rentals owned by the rental module.
type RentalSource interface {
	GetRental(ctx context.Context, id generic.RentalID) (*Rental, error)
}

// SaleSource reads sales owned by the sales module.
type SaleSource interface {
	GetSale(ctx context.Context, id generic.SaleID) (*Sale, error)
}

// NomenclatureSource reads the CNAM rate list.
type NomenclatureSource interface {
	ListNomenclature(ctx context.Context) ([]NomenclatureEntry, error)
}

// Store is everything the CNAM services need.
type Store interface {
	BondStore
	PaymentStore
	RentalSource
	SaleSource
	NomenclatureSource
	generic.AuditLog
}

// =============================================================================
// OPTIONAL EXTENSIONS - Detected with type assertions
// =============================================================================

// RegistrationStore lets a standalone deployment register the rentals, sales
// and nomenclature normally owned by other modules.
type RegistrationStore interface {
	SaveRental(ctx context.Context, r Rental) error
	SaveSale(ctx context.Context, s Sale) error
	SaveNomenclature(ctx context.Context, entries []NomenclatureEntry) error
}

// ReminderStore remembers which renewal reminders were already sent.
type ReminderStore interface {
	// MarkReminder records a reminder for (bond, due date). It returns false
	// when one was already recorded.
	MarkReminder(ctx context.Context, bondID generic.BondID, dueOn generic.TimePoint) (bool, error)
}
