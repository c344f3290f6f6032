// Package schedule generates repayment schedules for a loan. Two interest
// models coexist: the term-add model used when an offer is accepted, and the
// standard annuity model used by the standalone recalculation tool.
package schedule

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"peerfund.app/internal/fees"
)

// TermSpreadPct is the fixed spread, in percentage points, added to the offer
// rate under the term-add model.
const TermSpreadPct = 2

var ErrInvalidTerm = errors.New("term must be at least one month")

var hundred = decimal.NewFromInt(100)

// Installment is one row of a generated schedule. Amounts are 2-decimal
// dollar values.
type Installment struct {
	Sequence    int
	DueDate     time.Time
	Base        decimal.Decimal
	BankingFee  decimal.Decimal
	PlatformFee decimal.Decimal
	Total       decimal.Decimal
}

// TermAdd computes the schedule used at offer acceptance: total repayment is
// principal grown by (rate + spread) percent, split evenly across the term.
// Due dates are spaced one calendar month apart starting one month from start.
func TermAdd(principal, ratePct decimal.Decimal, termMonths int, start time.Time, r fees.Rates, borrowerSuperUser bool) ([]Installment, error) {
	if termMonths < 1 {
		return nil, ErrInvalidTerm
	}
	effective := ratePct.Add(decimal.NewFromInt(TermSpreadPct))
	growth := decimal.NewFromInt(1).Add(effective.Div(hundred))
	totalBase := principal.Mul(growth).Round(2)
	baseMonthly := totalBase.Div(decimal.NewFromInt(int64(termMonths))).Round(2)

	return fanOut(baseMonthly, termMonths, start, r, borrowerSuperUser), nil
}

// Annuity computes a standard declining-balance schedule with a constant
// payment: payment = P*r / (1 - (1+r)^-n) where r is the monthly rate. A zero
// rate degenerates to equal-principal payments.
func Annuity(principal, aprPct decimal.Decimal, termMonths int, start time.Time, r fees.Rates, borrowerSuperUser bool) ([]Installment, error) {
	if termMonths < 1 {
		return nil, ErrInvalidTerm
	}

	monthlyRate := aprPct.InexactFloat64() / 100 / 12
	var payment decimal.Decimal
	if monthlyRate == 0 {
		payment = principal.Div(decimal.NewFromInt(int64(termMonths))).Round(2)
	} else {
		p := principal.InexactFloat64()
		n := float64(termMonths)
		raw := p * monthlyRate / (1 - math.Pow(1+monthlyRate, -n))
		payment = decimal.NewFromFloat(raw).Round(2)
	}

	return fanOut(payment, termMonths, start, r, borrowerSuperUser), nil
}

func fanOut(base decimal.Decimal, termMonths int, start time.Time, r fees.Rates, borrowerSuperUser bool) []Installment {
	out := make([]Installment, 0, termMonths)
	for i := 1; i <= termMonths; i++ {
		b := fees.ComputeForBorrower(base, r, borrowerSuperUser)
		out = append(out, Installment{
			Sequence:    i,
			DueDate:     start.AddDate(0, i, 0),
			Base:        base,
			BankingFee:  b.Banking,
			PlatformFee: b.Platform,
			Total:       b.TotalCharge,
		})
	}
	return out
}
