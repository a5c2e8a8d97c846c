package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

// RollupInput is what the roll-up needs from a composite task.
type RollupInput struct {
	Type            model.TaskType
	Costs           map[model.Service]model.ServiceCost
	ServiceDiscount decimal.Decimal
	GeneralDiscount decimal.Decimal
}

// Financials are the task totals.
//
// NetProfit is always CustomerTotal - CompanyTotal. For new installations the
// installation company cost is already inside the contract price, so the
// Adjusted* fields drop it; ProfitFigures picks the right pair.
type Financials struct {
	CustomerTotal            decimal.Decimal `json:"customer_total"`
	CompanyTotal             decimal.Decimal `json:"company_total"`
	DiscountAmount           decimal.Decimal `json:"discount_amount"`
	NetProfit                decimal.Decimal `json:"net_profit"`
	ProfitPercentage         decimal.Decimal `json:"profit_percentage"`
	AdjustedCompanyTotal     decimal.Decimal `json:"adjusted_company_total"`
	AdjustedNetProfit        decimal.Decimal `json:"adjusted_net_profit"`
	AdjustedProfitPercentage decimal.Decimal `json:"adjusted_profit_percentage"`
}

// ProfitFigures returns the profit and percentage to report for taskType.
func (f Financials) ProfitFigures(taskType model.TaskType) (profit, pct decimal.Decimal) {
	if taskType == model.TaskNewInstallation {
		return f.AdjustedNetProfit, f.AdjustedProfitPercentage
	}
	return f.NetProfit, f.ProfitPercentage
}

func profitPct(profit, customerTotal decimal.Decimal) decimal.Decimal {
	if !customerTotal.IsPositive() {
		return decimal.Zero
	}
	return money.Round2(profit.Div(customerTotal).Mul(money.Hundred))
}

// Rollup sums the services into task totals.
func Rollup(in RollupInput) Financials {
	var customer, company decimal.Decimal
	for _, svc := range model.Services {
		c := in.Costs[svc]
		customer = customer.Add(c.Customer)
		company = company.Add(c.Company)
	}
	discount := in.ServiceDiscount.Add(in.GeneralDiscount)
	f := Financials{
		CustomerTotal:  customer.Sub(discount),
		CompanyTotal:   company,
		DiscountAmount: discount,
	}
	f.NetProfit = f.CustomerTotal.Sub(f.CompanyTotal)
	f.ProfitPercentage = profitPct(f.NetProfit, f.CustomerTotal)

	f.AdjustedCompanyTotal = f.CompanyTotal
	if in.Type == model.TaskNewInstallation {
		f.AdjustedCompanyTotal = f.CompanyTotal.Sub(in.Costs[model.ServiceInstallation].Company)
	}
	f.AdjustedNetProfit = f.CustomerTotal.Sub(f.AdjustedCompanyTotal)
	f.AdjustedProfitPercentage = profitPct(f.AdjustedNetProfit, f.CustomerTotal)
	return f
}

// ApplyToTask validates alloc against the task's service costs, then returns
// the task with the allocation attached and its totals rolled up. The
// aggregate discount is the task's general discount plus every enabled
// service discount. The task keeps the figures ProfitFigures reports, so a
// new installation stores the adjusted company total and profit and the row
// still satisfies NetProfit = CustomerTotal - CompanyTotal.
func ApplyToTask(task model.CompositeTask, alloc model.CostAllocation, generalDiscount decimal.Decimal) (model.CompositeTask, Financials, error) {
	if task.Type != model.TaskNewInstallation && task.Type != model.TaskReinstallation {
		return task, Financials{}, fmt.Errorf("allocation: unknown task type %q", task.Type)
	}
	if err := ValidateAllocation(alloc, task.Costs); err != nil {
		return task, Financials{}, err
	}
	f := Rollup(RollupInput{
		Type:            task.Type,
		Costs:           task.Costs,
		ServiceDiscount: ServiceDiscounts(alloc),
		GeneralDiscount: generalDiscount,
	})
	task.Allocation = alloc
	task.DiscountAmount = f.DiscountAmount
	task.CustomerTotal = f.CustomerTotal
	task.CompanyTotal = f.AdjustedCompanyTotal
	task.NetProfit, task.ProfitPercentage = f.ProfitFigures(task.Type)
	return task, f, nil
}
