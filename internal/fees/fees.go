// Package fees computes platform and banking fees on top of a base amount.
// All arithmetic is done in decimal dollars and rounded half-up to cents at
// every stage, so persisted values can be recomputed bit-for-bit on retry.
package fees

import "github.com/shopspring/decimal"

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// Rates holds the platform and banking fee rates as fractions of the base
// amount (e.g. 0.03 for 3%).
type Rates struct {
	Platform decimal.Decimal
	Banking  decimal.Decimal
}

// Breakdown is the result of a fee computation.
type Breakdown struct {
	Platform    decimal.Decimal
	Banking     decimal.Decimal
	Total       decimal.Decimal
	TotalCharge decimal.Decimal
}

// Compute returns the fee breakdown for a base amount. Callers must ensure
// base >= 0.
func Compute(base decimal.Decimal, r Rates) Breakdown {
	platform := base.Mul(r.Platform).Round(2)
	banking := base.Mul(r.Banking).Round(2)
	total := platform.Add(banking).Round(2)
	return Breakdown{
		Platform:    platform,
		Banking:     banking,
		Total:       total,
		TotalCharge: base.Add(total).Round(2),
	}
}

// ComputeForBorrower applies the super-user waiver: a super-user borrower
// pays no platform fee. The banking fee is never waived.
func ComputeForBorrower(base decimal.Decimal, r Rates, borrowerSuperUser bool) Breakdown {
	b := Compute(base, r)
	if !borrowerSuperUser {
		return b
	}
	b.Platform = decimal.Zero
	b.Total = b.Banking.Round(2)
	b.TotalCharge = base.Add(b.Total).Round(2)
	return b
}

// DisbursementFee is the platform fee charged against the principal when a
// loan is funded. A super-user borrower waives it entirely; a super-user
// lender (when the borrower is not one) halves it.
func DisbursementFee(principal decimal.Decimal, r Rates, borrowerSuperUser, lenderSuperUser bool) decimal.Decimal {
	if borrowerSuperUser {
		return decimal.Zero
	}
	fee := principal.Mul(r.Platform).Round(2)
	if lenderSuperUser {
		fee = fee.Div(two).Round(2)
	}
	return fee
}

// Cents converts a 2-decimal dollar amount to integer cents.
func Cents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// FromCents converts integer cents to a dollar amount.
func FromCents(c int64) decimal.Decimal {
	return decimal.NewFromInt(c).Shift(-2)
}

// RateFromBps converts basis points to a percent value (850 -> 8.5).
func RateFromBps(bps int64) decimal.Decimal {
	return decimal.NewFromInt(bps).Div(hundred)
}
