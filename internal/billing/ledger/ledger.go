// Package ledger folds contracts, invoices, composite tasks and ledger
// entries into debit, credit and remaining-balance totals.
package ledger

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

// ErrContractNotFound occurs when the requested contract is not in the snapshot.
var ErrContractNotFound = errors.New("ledger: contract not found")

// Snapshot is every record that contributes to a customer's balance.
type Snapshot struct {
	Contracts        []model.Contract
	Entries          []model.LedgerEntry
	SalesInvoices    []model.Invoice
	PrintedInvoices  []model.Invoice
	PurchaseInvoices []model.Invoice
	Tasks            []model.CompositeTask
	Discounts        decimal.Decimal
	ExtraPurchases   decimal.Decimal
}

// Options tune the remaining-debt computation.
type Options struct {
	// ExcludeFriendRentals subtracts each contract's pass-through rental amount
	// from the contract totals.
	ExcludeFriendRentals bool
}

// Summary exposes every intermediate total of the computation.
type Summary struct {
	TotalContracts       decimal.Decimal `json:"total_contracts"`
	FriendRentals        decimal.Decimal `json:"friend_rentals"`
	TotalSalesInvoices   decimal.Decimal `json:"total_sales_invoices"`
	TotalPrintedInvoices decimal.Decimal `json:"total_printed_invoices"`
	TotalCompositeTasks  decimal.Decimal `json:"total_composite_tasks"`
	TotalOtherDebts      decimal.Decimal `json:"total_other_debts"`
	TotalDebits          decimal.Decimal `json:"total_debits"`
	TotalCredits         decimal.Decimal `json:"total_credits"`
	TotalPurchases       decimal.Decimal `json:"total_purchases"`
	Discounts            decimal.Decimal `json:"discounts"`
	Remaining            decimal.Decimal `json:"remaining"`
	HasSurplus           bool            `json:"has_surplus"`
}

// ComputeRemainingDebt aggregates the snapshot. The remaining balance is not
// floored: a negative value means the customer holds a credit surplus.
func ComputeRemainingDebt(snap Snapshot, opts Options) Summary {
	var s Summary

	for _, c := range snap.Contracts {
		s.TotalContracts = s.TotalContracts.Add(c.TotalAmount)
		if opts.ExcludeFriendRentals {
			s.FriendRentals = s.FriendRentals.Add(c.FriendRentalAmount)
		}
	}
	s.TotalContracts = s.TotalContracts.Sub(s.FriendRentals)

	for _, inv := range snap.SalesInvoices {
		s.TotalSalesInvoices = s.TotalSalesInvoices.Add(inv.TotalAmount)
	}

	combined := combinedInvoiceIDs(snap.Tasks)
	for _, inv := range snap.PrintedInvoices {
		if inv.IncludedInContract || combined[inv.ID] {
			continue
		}
		s.TotalPrintedInvoices = s.TotalPrintedInvoices.Add(inv.TotalAmount)
	}

	for _, task := range snap.Tasks {
		if task.Invoiced() {
			continue
		}
		s.TotalCompositeTasks = s.TotalCompositeTasks.Add(task.CustomerTotal)
	}

	for _, e := range snap.Entries {
		switch {
		case e.Type.IsStandaloneDebt() && !e.Linked():
			s.TotalOtherDebts = s.TotalOtherDebts.Add(e.Amount)
		case e.Type.IsCredit():
			s.TotalCredits = s.TotalCredits.Add(e.Amount)
		}
	}

	s.TotalDebits = money.Sum(s.TotalContracts, s.TotalSalesInvoices, s.TotalPrintedInvoices, s.TotalOtherDebts, s.TotalCompositeTasks)

	for _, inv := range snap.PurchaseInvoices {
		s.TotalPurchases = s.TotalPurchases.Add(money.Max0(inv.TotalAmount.Sub(inv.UsedAsPayment)))
	}
	s.TotalPurchases = s.TotalPurchases.Add(snap.ExtraPurchases)

	s.Discounts = snap.Discounts
	s.Remaining = s.TotalDebits.Sub(s.TotalCredits).Sub(s.Discounts).Sub(s.TotalPurchases)
	s.HasSurplus = s.Remaining.IsNegative()
	return s
}

func combinedInvoiceIDs(tasks []model.CompositeTask) map[string]bool {
	ids := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		if task.Invoiced() {
			ids[*task.CombinedInvoiceID] = true
		}
	}
	return ids
}

// Details is the per-contract balance view.
type Details struct {
	ContractID int64           `json:"contract_id"`
	Total      decimal.Decimal `json:"total"`
	Paid       decimal.Decimal `json:"paid"`
	Remaining  decimal.Decimal `json:"remaining"`
}

// ContractDetails computes total, paid and remaining for one contract. Only
// receipts posted to the contract count as paid; account-level credits do not.
func ContractDetails(contractID int64, contracts []model.Contract, entries []model.LedgerEntry) (Details, error) {
	var (
		contract model.Contract
		found    bool
	)
	for _, c := range contracts {
		if c.ID == contractID {
			contract, found = c, true
			break
		}
	}
	if !found {
		return Details{}, ErrContractNotFound
	}
	paid := decimal.Zero
	for _, e := range entries {
		if e.Type == model.EntryReceipt && e.ForContract(contractID) {
			paid = paid.Add(e.Amount)
		}
	}
	return Details{
		ContractID: contractID,
		Total:      contract.TotalAmount,
		Paid:       paid,
		Remaining:  money.Max0(contract.TotalAmount.Sub(paid)),
	}, nil
}

// StatementLine is one row of a customer statement. Summary rows carry no date.
type StatementLine struct {
	Date        time.Time       `json:"date,omitzero"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

// Statement lists contracts, standalone debts and credits in date order with a
// running balance. Invoices, uninvoiced tasks, discounts and purchases carry
// no date in the snapshot and follow as summary rows, so the last balance
// equals the Remaining of ComputeRemainingDebt.
func Statement(snap Snapshot, opts Options) []StatementLine {
	var lines []StatementLine
	for _, c := range snap.Contracts {
		amount := c.TotalAmount
		if opts.ExcludeFriendRentals {
			amount = amount.Sub(c.FriendRentalAmount)
		}
		lines = append(lines, StatementLine{Date: c.StartDate, Description: "contract " + c.Number, Debit: amount})
	}
	for _, e := range snap.Entries {
		switch {
		case e.Type.IsStandaloneDebt() && !e.Linked():
			lines = append(lines, StatementLine{Date: e.EffectiveTime(), Description: string(e.Type), Debit: e.Amount})
		case e.Type.IsCredit():
			lines = append(lines, StatementLine{Date: e.EffectiveTime(), Description: string(e.Type), Credit: e.Amount})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Date.Before(lines[j].Date) })

	sum := ComputeRemainingDebt(snap, opts)
	for _, row := range []StatementLine{
		{Description: "sales invoices", Debit: sum.TotalSalesInvoices},
		{Description: "printed invoices", Debit: sum.TotalPrintedInvoices},
		{Description: "uninvoiced tasks", Debit: sum.TotalCompositeTasks},
		{Description: "discounts", Credit: sum.Discounts},
		{Description: "purchases", Credit: sum.TotalPurchases},
	} {
		if !row.Debit.IsZero() || !row.Credit.IsZero() {
			lines = append(lines, row)
		}
	}

	balance := decimal.Zero
	for i := range lines {
		balance = balance.Add(lines[i].Debit).Sub(lines[i].Credit)
		lines[i].Balance = balance
	}
	return lines
}
