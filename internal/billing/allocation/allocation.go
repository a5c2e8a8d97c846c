// Package allocation splits composite-task service costs among the customer,
// the company and the printer, and rolls the services up into task totals.
package allocation

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

var parties = []model.Party{model.PartyCustomer, model.PartyCompany, model.PartyPrinter}

// PercentToAmounts converts each percentage to an amount of total, rounded to cents.
func PercentToAmounts(pct model.Shares, total decimal.Decimal) model.Shares {
	var out model.Shares
	for _, p := range parties {
		out = out.With(p, money.OfPercent(pct.Get(p), total))
	}
	return out
}

// AmountsToPercent converts each amount to a percentage of total, rounded to
// one place. A zero total yields zero percentages.
func AmountsToPercent(amt model.Shares, total decimal.Decimal) model.Shares {
	var out model.Shares
	for _, p := range parties {
		out = out.With(p, money.Percent(amt.Get(p), total))
	}
	return out
}

// Balance is the outcome of checking a split.
type Balance struct {
	Balanced bool            `json:"balanced"`
	Sum      decimal.Decimal `json:"sum"`
	Target   decimal.Decimal `json:"target"`
	Delta    decimal.Decimal `json:"delta"`
}

// Check compares the shares against 100 in percentage mode or against total
// in amount mode, with a tolerance of 0.1.
func Check(mode model.AllocationMode, shares model.Shares, total decimal.Decimal) Balance {
	target := total
	if mode == model.ModePercentage {
		target = money.Hundred
	}
	sum := shares.Sum()
	return Balance{
		Balanced: money.Within(sum, target, money.AllocationTolerance),
		Sum:      sum,
		Target:   target,
		Delta:    target.Sub(sum),
	}
}

// CheckService checks one service allocation. Disabled services are balanced.
func CheckService(alloc model.ServiceAllocation, total decimal.Decimal) Balance {
	if !alloc.Enabled {
		return Balance{Balanced: true}
	}
	return Check(alloc.Mode, alloc.Shares, total)
}

// Amounts returns the allocation expressed as amounts of total.
func Amounts(alloc model.ServiceAllocation, total decimal.Decimal) model.Shares {
	if alloc.Mode == model.ModePercentage {
		return PercentToAmounts(alloc.Shares, total)
	}
	return alloc.Shares
}

// ValidateAllocation checks every enabled service against its customer-facing
// cost and joins one *model.UnbalancedAllocationError per unbalanced service.
func ValidateAllocation(alloc model.CostAllocation, costs map[model.Service]model.ServiceCost) error {
	var errs []error
	for _, svc := range model.Services {
		sa, ok := alloc[svc]
		if !ok || !sa.Enabled {
			continue
		}
		if sa.Mode != model.ModePercentage && sa.Mode != model.ModeAmount {
			errs = append(errs, &model.UnbalancedAllocationError{Service: svc, Mode: sa.Mode})
			continue
		}
		b := CheckService(sa, costs[svc].Customer)
		if !b.Balanced {
			errs = append(errs, &model.UnbalancedAllocationError{
				Service: svc,
				Mode:    sa.Mode,
				Sum:     b.Sum,
				Target:  b.Target,
				Delta:   b.Delta,
			})
		}
	}
	return errors.Join(errs...)
}

// PartyTotals sums, across enabled services, what each party bears.
func PartyTotals(alloc model.CostAllocation, costs map[model.Service]model.ServiceCost) model.Shares {
	var out model.Shares
	for _, svc := range model.Services {
		sa, ok := alloc[svc]
		if !ok || !sa.Enabled {
			continue
		}
		amounts := Amounts(sa, costs[svc].Customer)
		out.Customer = out.Customer.Add(amounts.Customer)
		out.Company = out.Company.Add(amounts.Company)
		out.Printer = out.Printer.Add(amounts.Printer)
	}
	return out
}

// ServiceDiscounts sums the per-service discounts of enabled services.
func ServiceDiscounts(alloc model.CostAllocation) decimal.Decimal {
	total := decimal.Zero
	for _, svc := range model.Services {
		if sa, ok := alloc[svc]; ok && sa.Enabled {
			total = total.Add(sa.Discount)
		}
	}
	return total
}
