package fees

import (
	"testing"

	"github.com/shopspring/decimal"
)

var testRates = Rates{
	Platform: decimal.RequireFromString("0.03"),
	Banking:  decimal.RequireFromString("0.01"),
}

func TestComputeIdentity(t *testing.T) {
	bases := []string{"0", "0.01", "91.67", "100", "1234.56", "99999.99"}

	for _, raw := range bases {
		base := decimal.RequireFromString(raw)
		b := Compute(base, testRates)

		want := base.Add(b.Platform).Add(b.Banking)
		if !b.TotalCharge.Equal(want) {
			t.Errorf("base %s: total charge %s, want base+platform+banking = %s", raw, b.TotalCharge, want)
		}
		if !b.Total.Equal(b.Platform.Add(b.Banking)) {
			t.Errorf("base %s: total fees %s != %s + %s", raw, b.Total, b.Platform, b.Banking)
		}
	}
}

func TestComputeDeterministic(t *testing.T) {
	base := decimal.RequireFromString("91.67")
	first := Compute(base, testRates)
	second := Compute(base, testRates)

	if !first.Platform.Equal(second.Platform) || !first.Banking.Equal(second.Banking) ||
		!first.TotalCharge.Equal(second.TotalCharge) {
		t.Fatalf("recomputation diverged: %+v vs %+v", first, second)
	}
}

func TestComputeRoundsEachStage(t *testing.T) {
	// 91.67 * 0.03 = 2.7501, must round to 2.75 before summing.
	b := Compute(decimal.RequireFromString("91.67"), testRates)

	if got := b.Platform.String(); got != "2.75" {
		t.Errorf("platform fee = %s, want 2.75", got)
	}
	if got := b.Banking.String(); got != "0.92" {
		t.Errorf("banking fee = %s, want 0.92", got)
	}
	if got := b.TotalCharge.String(); got != "95.34" {
		t.Errorf("total charge = %s, want 95.34", got)
	}
}

func TestSuperUserWaivesPlatformOnly(t *testing.T) {
	base := decimal.NewFromInt(100)
	b := ComputeForBorrower(base, testRates, true)

	if !b.Platform.IsZero() {
		t.Errorf("platform fee = %s, want 0 for super-user borrower", b.Platform)
	}
	if b.Banking.IsZero() {
		t.Error("banking fee must never be waived")
	}
	if want := base.Add(b.Banking); !b.TotalCharge.Equal(want) {
		t.Errorf("total charge = %s, want %s", b.TotalCharge, want)
	}

	regular := ComputeForBorrower(base, testRates, false)
	if !regular.Platform.Equal(base.Mul(testRates.Platform).Round(2)) {
		t.Errorf("non-super borrower platform fee = %s", regular.Platform)
	}
}

func TestDisbursementFeeDiscounts(t *testing.T) {
	principal := decimal.NewFromInt(1000)
	full := principal.Mul(testRates.Platform).Round(2)

	cases := []struct {
		name          string
		borrowerSuper bool
		lenderSuper   bool
		want          decimal.Decimal
	}{
		{"neither", false, false, full},
		{"borrower super waives", true, false, decimal.Zero},
		{"borrower super trumps lender", true, true, decimal.Zero},
		{"lender super halves", false, true, full.Div(decimal.NewFromInt(2)).Round(2)},
	}

	for _, tc := range cases {
		got := DisbursementFee(principal, testRates, tc.borrowerSuper, tc.lenderSuper)
		if !got.Equal(tc.want) {
			t.Errorf("%s: fee = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCentsRoundTrip(t *testing.T) {
	cases := map[string]int64{
		"0":       0,
		"0.01":    1,
		"91.67":   9167,
		"1344.00": 134400,
	}
	for raw, want := range cases {
		if got := Cents(decimal.RequireFromString(raw)); got != want {
			t.Errorf("Cents(%s) = %d, want %d", raw, got, want)
		}
	}
	if got := FromCents(9167).String(); got != "91.67" {
		t.Errorf("FromCents(9167) = %s", got)
	}
}
