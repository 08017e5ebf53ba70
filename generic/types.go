/*
Package generic provides the domain-agnostic billing engine.

PURPOSE:
  This package contains the types and algorithms shared by every insurance
  reimbursement domain: money amounts, calendar days, billing periods, the
  step-based approval workflow and the billing-period sequencer. The CNAM
  domain package (cnam/) builds bonds and rental payments on top of them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Amount: A monetary quantity with a currency (e.g., 190 TND)
  - Identifiers: Type-safe IDs for patients, rentals, sales, bonds, payments

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal to avoid floating-point errors
  2. Purity: Algorithms take explicit inputs and never perform I/O
  3. Type Safety: Strong typing for IDs prevents mixing rental/sale IDs

USAGE:
  rate := generic.NewAmount(190, generic.CurrencyTND)
  total := rate.MulInt(3) // 570 TND

SEE ALSO:
  - time.go: Day-granularity time points
  - sequence.go: Billing period numbering and gap days
  - workflow.go: Fixed-step workflow tracker
  - store.go: Persistence interfaces
*/
package generic

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AMOUNT - Monetary quantity with currency
// =============================================================================

type Amount struct {
	Value    decimal.Decimal
	Currency Currency
}

type Currency string

const (
	CurrencyTND Currency = "TND"
)

func NewAmount(value float64, currency Currency) Amount {
	return Amount{Value: decimal.NewFromFloat(value), Currency: currency}
}

func NewAmountFromDecimal(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// Dinars is shorthand for an amount in the default currency.
func Dinars(value float64) Amount { return NewAmount(value, CurrencyTND) }

func (a Amount) Add(b Amount) Amount          { return Amount{Value: a.Value.Add(b.Value), Currency: a.Currency} }
func (a Amount) Sub(b Amount) Amount          { return Amount{Value: a.Value.Sub(b.Value), Currency: a.Currency} }
func (a Amount) Mul(s decimal.Decimal) Amount { return Amount{Value: a.Value.Mul(s), Currency: a.Currency} }
func (a Amount) MulInt(n int) Amount          { return a.Mul(decimal.NewFromInt(int64(n))) }
func (a Amount) IsNegative() bool             { return a.Value.IsNegative() }
func (a Amount) IsZero() bool                 { return a.Value.IsZero() }
func (a Amount) IsPositive() bool             { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool          { return a.Value.Equal(b.Value) }
func (a Amount) String() string               { return a.Value.StringFixed(3) + " " + string(a.Currency) }

// Sum adds amounts in the currency of the first one. An empty slice sums to
// zero in the default currency.
func Sum(amounts ...Amount) Amount {
	total := Amount{Value: decimal.Zero, Currency: CurrencyTND}
	for i, a := range amounts {
		if i == 0 {
			total.Currency = a.Currency
		}
		total.Value = total.Value.Add(a.Value)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PatientID string
type RentalID string
type SaleID string
type BondID string
type PaymentID string

// NewID returns a random identifier for new records.
func NewID() string { return uuid.NewString() }
