// Package money holds the decimal helpers shared by the billing engines.
package money

import "github.com/shopspring/decimal"

var (
	// DistributionEpsilon bounds the accepted gap between a payment and the sum of its split.
	DistributionEpsilon = decimal.RequireFromString("0.01")
	// AllocationTolerance bounds the accepted gap for cost allocation splits.
	AllocationTolerance = decimal.RequireFromString("0.1")

	// Hundred is used for percentage conversions.
	Hundred = decimal.NewFromInt(100)
)

// Round2 rounds to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Round1 rounds to one decimal place, used for percentages.
func Round1(d decimal.Decimal) decimal.Decimal {
	return d.Round(1)
}

// Within reports whether |a-b| < tol.
func Within(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(tol)
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Max0 clamps negative values to zero.
func Max0(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Percent returns part/whole*100 rounded to one place. A zero whole yields zero.
func Percent(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return Round1(part.Div(whole).Mul(Hundred))
}

// OfPercent returns pct% of total rounded to cents.
func OfPercent(pct, total decimal.Decimal) decimal.Decimal {
	return Round2(pct.Div(Hundred).Mul(total))
}
