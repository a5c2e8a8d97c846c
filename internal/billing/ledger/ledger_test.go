package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adboard/ledger/internal/billing/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr[T any](v T) *T { return &v }

func entry(id int64, typ model.EntryType, amount string, contractID *int64) model.LedgerEntry {
	return model.LedgerEntry{ID: id, Type: typ, Amount: d(amount), ContractID: contractID, CreatedAt: time.Date(2024, 1, int(id), 0, 0, 0, 0, time.UTC)}
}

func TestContractDetailsTwoReceipts(t *testing.T) {
	contracts := []model.Contract{{ID: 1, Number: "1001", TotalAmount: d("10000")}}
	entries := []model.LedgerEntry{
		entry(1, model.EntryReceipt, "4000", ptr(int64(1))),
		entry(2, model.EntryReceipt, "3000", ptr(int64(1))),
	}
	got, err := ContractDetails(1, contracts, entries)
	require.NoError(t, err)
	assert.True(t, got.Paid.Equal(d("7000")))
	assert.True(t, got.Remaining.Equal(d("3000")))
}

func TestContractDetailsOnlyCountsReceiptsForContract(t *testing.T) {
	contracts := []model.Contract{{ID: 1, TotalAmount: d("1000")}, {ID: 2, TotalAmount: d("500")}}
	entries := []model.LedgerEntry{
		entry(1, model.EntryReceipt, "300", ptr(int64(1))),
		entry(2, model.EntryReceipt, "200", ptr(int64(2))),
		entry(3, model.EntryAccountPayment, "400", ptr(int64(1))),
		entry(4, model.EntryGeneralCredit, "100", nil),
	}
	got, err := ContractDetails(1, contracts, entries)
	require.NoError(t, err)
	assert.True(t, got.Paid.Equal(d("300")))
	assert.True(t, got.Remaining.Equal(d("700")))
}

func TestContractDetailsNeverNegative(t *testing.T) {
	contracts := []model.Contract{{ID: 1, TotalAmount: d("100")}}
	entries := []model.LedgerEntry{entry(1, model.EntryReceipt, "250", ptr(int64(1)))}
	got, err := ContractDetails(1, contracts, entries)
	require.NoError(t, err)
	assert.True(t, got.Remaining.IsZero())
	assert.True(t, got.Paid.Equal(d("250")))
}

func TestContractDetailsMissing(t *testing.T) {
	_, err := ContractDetails(42, nil, nil)
	assert.True(t, errors.Is(err, ErrContractNotFound))
}

func TestPrintedInvoiceIncludedInContractIsExcluded(t *testing.T) {
	snap := Snapshot{
		PrintedInvoices: []model.Invoice{
			{ID: "p1", Kind: model.InvoicePrinted, TotalAmount: d("1500"), IncludedInContract: true},
			{ID: "p2", Kind: model.InvoicePrinted, TotalAmount: d("400")},
		},
	}
	got := ComputeRemainingDebt(snap, Options{})
	assert.True(t, got.TotalPrintedInvoices.Equal(d("400")), got.TotalPrintedInvoices.String())
	assert.True(t, got.Remaining.Equal(d("400")))
}

func TestCompositeTaskCountedOnce(t *testing.T) {
	snap := Snapshot{
		PrintedInvoices: []model.Invoice{
			{ID: "inv-7", TotalAmount: d("900")},
		},
		Tasks: []model.CompositeTask{
			{ID: 1, CustomerTotal: d("900"), CombinedInvoiceID: ptr("inv-7")},
			{ID: 2, CustomerTotal: d("250")},
		},
	}
	got := ComputeRemainingDebt(snap, Options{})
	// inv-7 is referenced by task 1 so it drops out of printed invoices, and
	// task 1 itself is invoiced so it drops out of task totals.
	assert.True(t, got.TotalPrintedInvoices.IsZero())
	assert.True(t, got.TotalCompositeTasks.Equal(d("250")))
	assert.True(t, got.TotalDebits.Equal(d("250")))
}

func TestRemainingDebtFullScenario(t *testing.T) {
	snap := Snapshot{
		Contracts: []model.Contract{
			{ID: 1, TotalAmount: d("10000"), FriendRentalAmount: d("1000")},
			{ID: 2, TotalAmount: d("5000.10")},
		},
		SalesInvoices: []model.Invoice{{ID: "s1", TotalAmount: d("300.20")}},
		PurchaseInvoices: []model.Invoice{
			{ID: "b1", TotalAmount: d("800"), UsedAsPayment: d("300")},
			{ID: "b2", TotalAmount: d("100"), UsedAsPayment: d("150")},
		},
		Entries: []model.LedgerEntry{
			entry(1, model.EntryReceipt, "4000", ptr(int64(1))),
			entry(2, model.EntryAccountPayment, "1000.05", nil),
			entry(3, model.EntryGeneralCredit, "100", nil),
			entry(4, model.EntryDebt, "250", nil),
			{ID: 5, Type: model.EntryInvoice, Amount: d("300.20"), Link: &model.InvoiceLink{Kind: model.InvoiceSales, ID: "s1"}},
			entry(6, model.EntryGeneralDebit, "50", nil),
			entry(7, model.EntryPurchaseInvoice, "800", nil),
		},
		Discounts:      d("200"),
		ExtraPurchases: d("25"),
	}

	got := ComputeRemainingDebt(snap, Options{})
	assert.True(t, got.TotalContracts.Equal(d("15000.10")))
	assert.True(t, got.TotalOtherDebts.Equal(d("300")))
	assert.True(t, got.TotalDebits.Equal(d("15600.30")), got.TotalDebits.String())
	assert.True(t, got.TotalCredits.Equal(d("5100.05")))
	assert.True(t, got.TotalPurchases.Equal(d("525")))
	// 15600.30 - 5100.05 - 200 - 525
	assert.True(t, got.Remaining.Equal(d("9775.25")), got.Remaining.String())
	assert.False(t, got.HasSurplus)

	excl := ComputeRemainingDebt(snap, Options{ExcludeFriendRentals: true})
	assert.True(t, excl.FriendRentals.Equal(d("1000")))
	assert.True(t, excl.Remaining.Equal(d("8775.25")))
}

func TestRemainingDebtSurplus(t *testing.T) {
	snap := Snapshot{
		Contracts: []model.Contract{{ID: 1, TotalAmount: d("100")}},
		Entries:   []model.LedgerEntry{entry(1, model.EntryReceipt, "150", ptr(int64(1)))},
	}
	got := ComputeRemainingDebt(snap, Options{})
	assert.True(t, got.Remaining.Equal(d("-50")))
	assert.True(t, got.HasSurplus)
}

func TestRemainingDebtNoCentDrift(t *testing.T) {
	var entries []model.LedgerEntry
	for i := 1; i <= 10; i++ {
		entries = append(entries, entry(int64(i), model.EntryReceipt, "0.1", nil))
	}
	snap := Snapshot{Contracts: []model.Contract{{ID: 1, TotalAmount: d("1")}}, Entries: entries}
	got := ComputeRemainingDebt(snap, Options{})
	assert.True(t, got.Remaining.IsZero(), got.Remaining.String())
}

func TestStatementRunningBalance(t *testing.T) {
	snap := Snapshot{
		Contracts: []model.Contract{{ID: 1, Number: "C-1", TotalAmount: d("1000"), StartDate: time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)}},
		Entries: []model.LedgerEntry{
			entry(2, model.EntryReceipt, "300", nil),
			entry(1, model.EntryDebt, "50", nil),
		},
	}
	lines := Statement(snap, Options{})
	require.Len(t, lines, 3)
	assert.Equal(t, "contract C-1", lines[0].Description)
	assert.True(t, lines[1].Balance.Equal(d("1050")))
	assert.True(t, lines[2].Balance.Equal(d("750")))
}

func TestStatementEndsAtRemaining(t *testing.T) {
	snap := Snapshot{
		Contracts:     []model.Contract{{ID: 1, Number: "C-1", TotalAmount: d("1000"), StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}},
		SalesInvoices: []model.Invoice{{ID: "S-1", TotalAmount: d("400")}},
		Discounts:     d("50"),
	}
	lines := Statement(snap, Options{})
	require.Len(t, lines, 3)
	assert.Equal(t, "sales invoices", lines[1].Description)
	assert.True(t, lines[1].Date.IsZero())
	assert.True(t, lines[2].Credit.Equal(d("50")))

	want := ComputeRemainingDebt(snap, Options{}).Remaining
	assert.True(t, want.Equal(d("1350")))
	assert.True(t, lines[len(lines)-1].Balance.Equal(want), lines[len(lines)-1].Balance.String())
}

func TestStatementSummaryRowsMatchEveryTotal(t *testing.T) {
	combined := "INV-9"
	snap := Snapshot{
		Contracts: []model.Contract{{ID: 1, Number: "C-1", TotalAmount: d("2000"), FriendRentalAmount: d("300")}},
		Entries: []model.LedgerEntry{
			entry(1, model.EntryReceipt, "500", nil),
			entry(2, model.EntryDebt, "75", nil),
		},
		SalesInvoices:    []model.Invoice{{ID: "S-1", TotalAmount: d("120")}},
		PrintedInvoices:  []model.Invoice{{ID: "P-1", TotalAmount: d("80")}, {ID: combined, TotalAmount: d("999")}},
		PurchaseInvoices: []model.Invoice{{ID: "B-1", TotalAmount: d("200"), UsedAsPayment: d("50")}},
		Tasks: []model.CompositeTask{
			{ID: 1, CustomerTotal: d("600")},
			{ID: 2, CustomerTotal: d("999"), CombinedInvoiceID: &combined},
		},
		Discounts:      d("25"),
		ExtraPurchases: d("10"),
	}
	for _, opts := range []Options{{}, {ExcludeFriendRentals: true}} {
		lines := Statement(snap, opts)
		want := ComputeRemainingDebt(snap, opts).Remaining
		assert.True(t, lines[len(lines)-1].Balance.Equal(want), "%+v: %s != %s", opts, lines[len(lines)-1].Balance, want)
	}
}
