package allocation

import (
	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

// Editor keeps the percentage and amount views of one service split in step
// while a user edits it. Editing one party only recomputes that party's other
// view; the remaining parties are left alone so an unbalanced split stays
// visible until the user corrects it.
type Editor struct {
	Mode    model.AllocationMode
	Total   decimal.Decimal
	Percent model.Shares
	Amount  model.Shares
}

// NewEditor seeds an editor from a stored allocation.
func NewEditor(alloc model.ServiceAllocation, total decimal.Decimal) *Editor {
	e := &Editor{Mode: alloc.Mode, Total: total}
	if alloc.Mode == model.ModeAmount {
		e.Amount = alloc.Shares
		e.Percent = AmountsToPercent(alloc.Shares, total)
	} else {
		e.Mode = model.ModePercentage
		e.Percent = alloc.Shares
		e.Amount = PercentToAmounts(alloc.Shares, total)
	}
	return e
}

// SetPercent updates p's percentage and its amount.
func (e *Editor) SetPercent(p model.Party, pct decimal.Decimal) {
	e.Percent = e.Percent.With(p, pct)
	e.Amount = e.Amount.With(p, money.OfPercent(pct, e.Total))
}

// SetAmount updates p's amount and its percentage.
func (e *Editor) SetAmount(p model.Party, amount decimal.Decimal) {
	e.Amount = e.Amount.With(p, amount)
	e.Percent = e.Percent.With(p, money.Percent(amount, e.Total))
}

// SetTotal changes the service cost and re-derives the secondary view from
// the view the current mode owns.
func (e *Editor) SetTotal(total decimal.Decimal) {
	e.Total = total
	if e.Mode == model.ModeAmount {
		e.Percent = AmountsToPercent(e.Amount, total)
		return
	}
	e.Amount = PercentToAmounts(e.Percent, total)
}

// SetMode switches which view is authoritative.
func (e *Editor) SetMode(mode model.AllocationMode) {
	e.Mode = mode
}

// Check reports whether the authoritative view is balanced.
func (e *Editor) Check() Balance {
	if e.Mode == model.ModeAmount {
		return Check(model.ModeAmount, e.Amount, e.Total)
	}
	return Check(model.ModePercentage, e.Percent, e.Total)
}

// Shares returns the authoritative view.
func (e *Editor) Shares() model.Shares {
	if e.Mode == model.ModeAmount {
		return e.Amount
	}
	return e.Percent
}

// Apply writes the editor's state back into alloc.
func (e *Editor) Apply(alloc model.ServiceAllocation) model.ServiceAllocation {
	alloc.Mode = e.Mode
	alloc.Shares = e.Shares()
	return alloc
}
