package cnam

import "github.com/warp/cnam-engine/generic"

// Financials are the derived amounts of a bond. They are always recomputed
// from the rates and the covered months, never edited on their own.
type Financials struct {
	BonAmount        generic.Amount // covered by CNAM
	DevicePrice      generic.Amount // full price over the covered months
	ComplementAmount generic.Amount // payable by the patient, may be negative
}

// Recompute derives the bond financials:
//
//	bonAmount        = cnamMonthlyRate   × coveredMonths
//	devicePrice      = deviceMonthlyRate × coveredMonths
//	complementAmount = devicePrice − bonAmount
func Recompute(cnamMonthlyRate, deviceMonthlyRate generic.Amount, coveredMonths int) Financials {
	bon := cnamMonthlyRate.MulInt(coveredMonths)
	price := deviceMonthlyRate.MulInt(coveredMonths)
	return Financials{
		BonAmount:        bon,
		DevicePrice:      price,
		ComplementAmount: price.Sub(bon),
	}
}

// PatientOwes reports whether the patient has a complement to pay.
func (f Financials) PatientOwes() bool { return f.ComplementAmount.IsPositive() }

// CoverageRatio returns bonAmount / devicePrice as a percentage rounded to
// two decimals, or zero when the price is zero.
func (f Financials) CoverageRatio() float64 {
	if f.DevicePrice.IsZero() {
		return 0
	}
	r, _ := f.BonAmount.Value.Div(f.DevicePrice.Value).Mul(hundred).Round(2).Float64()
	return r
}
