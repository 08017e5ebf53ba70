// Package cnam implements CNAM reimbursement bonds for durable medical
// equipment rentals and sales, and the billing-period history of rentals.
// It uses the generic engine for money, dates, workflow and sequencing.
package cnam

import (
	"time"

	"github.com/warp/cnam-engine/generic"
)

// =============================================================================
// BOND CLASSIFICATION
// =============================================================================

// BondType is the canonical insurance classification of a device.
type BondType string

const (
	BondTypeOxygenConcentrator BondType = "CONCENTRATEUR_OXYGENE"
	BondTypeVNI                BondType = "VNI"
	BondTypeCPAP               BondType = "CPAP"
	BondTypeMask               BondType = "MASQUE"
	BondTypeOther              BondType = "AUTRE"
)

// BondTypes lists every bond type in resolution order.
var BondTypes = []BondType{
	BondTypeOxygenConcentrator,
	BondTypeVNI,
	BondTypeCPAP,
	BondTypeMask,
	BondTypeOther,
}

func (t BondType) Valid() bool {
	for _, known := range BondTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Category distinguishes rental bonds from sale bonds.
type Category string

const (
	CategoryRental Category = "LOCATION"
	CategorySale   Category = "ACHAT"
)

// Status distinguishes a first bond from a renewal.
type Status string

const (
	StatusCreation Status = "CREATION"
	StatusRenewal  Status = "RENOUVELLEMENT"
)

func (s Status) Valid() bool { return s == StatusCreation || s == StatusRenewal }

// =============================================================================
// EXTERNAL RECORDS - Rentals and sales are owned by other modules
// =============================================================================

// Device is the medical device attached to a rental.
type Device struct {
	Name        string
	MonthlyRate generic.Amount
}

// Rental is the read model of an equipment rental. StartDate is the
// equipment installation date.
type Rental struct {
	ID        generic.RentalID
	PatientID generic.PatientID
	StartDate generic.TimePoint
	Device    Device
	CreatedAt time.Time
}

// SaleItem is one line of a sale.
type SaleItem struct {
	Label     string
	ItemTotal generic.Amount
}

// Sale is the read model of an equipment sale.
type Sale struct {
	ID        generic.SaleID
	PatientID generic.PatientID
	Items     []SaleItem
	CreatedAt time.Time
}

// Total sums the line-item totals.
func (s Sale) Total() generic.Amount {
	totals := make([]generic.Amount, len(s.Items))
	for i, item := range s.Items {
		totals[i] = item.ItemTotal
	}
	return generic.Sum(totals...)
}

// =============================================================================
// WARNINGS - Non-blocking conditions returned alongside results
// =============================================================================

type WarningCode string

const (
	WarnNomenclatureMissing WarningCode = "nomenclature_missing"
	WarnComplementNegative  WarningCode = "complement_negative"
	WarnMonthsClamped       WarningCode = "covered_months_clamped"
)

type Warning struct {
	Code    WarningCode
	Message string
}
