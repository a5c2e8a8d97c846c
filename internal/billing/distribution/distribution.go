// Package distribution splits one payment across several contracts and
// replays the ledger to find the balance standing after a given receipt.
package distribution

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

var (
	// ErrNoTargets occurs when a distribution has no selected contracts.
	ErrNoTargets = errors.New("distribution: no contracts selected")
	// ErrNonPositiveAllocation occurs when a selected contract receives nothing.
	ErrNonPositiveAllocation = errors.New("distribution: allocation must be greater than zero")
	// ErrNonPositiveTotal occurs when the payment amount is not positive.
	ErrNonPositiveTotal = errors.New("distribution: payment amount must be greater than zero")
	// ErrPaymentNotFound occurs when the target payment is missing from the ledger.
	ErrPaymentNotFound = errors.New("distribution: payment not found")
)

// Target is a contract selected to receive part of a payment.
type Target struct {
	ContractID     int64           `json:"contract_id"`
	ContractNumber string          `json:"contract_number"`
	Remaining      decimal.Decimal `json:"remaining"`
}

// SortTargets orders targets by contract number ascending. Numeric numbers
// compare as numbers; anything else falls back to string order.
func SortTargets(targets []Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		a, b := targets[i].ContractNumber, targets[j].ContractNumber
		ai, errA := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		bi, errB := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
		switch {
		case errA == nil && errB == nil:
			if ai == bi {
				return targets[i].ContractID < targets[j].ContractID
			}
			return ai < bi
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return a < b
	})
}

// Line is the share of a payment posted to one contract.
type Line struct {
	ContractID     int64           `json:"contract_id"`
	Amount         decimal.Decimal `json:"amount"`
	RemainingAfter decimal.Decimal `json:"remaining_after"`
}

// Plan is a proposed split of one payment.
type Plan struct {
	Total       decimal.Decimal `json:"total"`
	Lines       []Line          `json:"lines"`
	Unallocated decimal.Decimal `json:"unallocated"`
}

// Allocated sums the lines.
func (p Plan) Allocated() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range p.Lines {
		sum = sum.Add(l.Amount)
	}
	return sum
}

// Amounts returns the plan as a contract → amount map.
func (p Plan) Amounts() map[int64]decimal.Decimal {
	out := make(map[int64]decimal.Decimal, len(p.Lines))
	for _, l := range p.Lines {
		out[l.ContractID] = out[l.ContractID].Add(l.Amount)
	}
	return out
}

// AutoFill walks targets in the given order and gives each the lesser of the
// unspent payment and its remaining balance. Targets reached after the pool is
// empty are not included.
func AutoFill(total decimal.Decimal, targets []Target) Plan {
	plan := Plan{Total: total}
	pool := total
	for _, t := range targets {
		if !pool.IsPositive() {
			break
		}
		remaining := money.Max0(t.Remaining)
		if remaining.IsZero() {
			continue
		}
		amount := decimal.Min(pool, remaining)
		pool = pool.Sub(amount)
		plan.Lines = append(plan.Lines, Line{
			ContractID:     t.ContractID,
			Amount:         amount,
			RemainingAfter: remaining.Sub(amount),
		})
	}
	plan.Unallocated = pool
	return plan
}

// Manual builds a plan from user-entered amounts. Every target gets a line,
// including those left at zero, so Validate can reject them.
func Manual(total decimal.Decimal, targets []Target, amounts map[int64]decimal.Decimal) Plan {
	plan := Plan{Total: total}
	for _, t := range targets {
		amount := amounts[t.ContractID]
		plan.Lines = append(plan.Lines, Line{
			ContractID:     t.ContractID,
			Amount:         amount,
			RemainingAfter: t.Remaining.Sub(amount),
		})
	}
	plan.Unallocated = total.Sub(plan.Allocated())
	return plan
}

// Validate checks a plan can be committed: positive total, at least one line,
// every line positive and the lines summing to the total within one cent.
func Validate(plan Plan) error {
	if !plan.Total.IsPositive() {
		return ErrNonPositiveTotal
	}
	if len(plan.Lines) == 0 {
		return ErrNoTargets
	}
	for _, l := range plan.Lines {
		if !l.Amount.IsPositive() {
			return fmt.Errorf("contract %d: %w", l.ContractID, ErrNonPositiveAllocation)
		}
	}
	allocated := plan.Allocated()
	if !money.Within(allocated, plan.Total, money.DistributionEpsilon) {
		return &model.IncompleteDistributionError{
			Expected:  plan.Total,
			Allocated: allocated,
			Delta:     plan.Total.Sub(allocated),
		}
	}
	return nil
}

// Receipt describes the real-world payment being distributed.
type Receipt struct {
	CustomerID int64
	PaidAt     time.Time
	Method     string
	Notes      string
}

// Commit validates the plan and turns each line into a receipt entry sharing
// one fresh distributed group id. A nil newGroupID uses random UUIDs.
func Commit(plan Plan, receipt Receipt, newGroupID func() string) ([]model.LedgerEntry, error) {
	if err := Validate(plan); err != nil {
		return nil, err
	}
	if newGroupID == nil {
		newGroupID = uuid.NewString
	}
	group := newGroupID()
	paidAt := receipt.PaidAt
	entries := make([]model.LedgerEntry, 0, len(plan.Lines))
	for _, l := range plan.Lines {
		contractID := l.ContractID
		entries = append(entries, model.LedgerEntry{
			CustomerID:         receipt.CustomerID,
			ContractID:         &contractID,
			Amount:             l.Amount,
			Type:               model.EntryReceipt,
			DistributedGroupID: &group,
			Method:             receipt.Method,
			Notes:              receipt.Notes,
			CreatedAt:          paidAt,
			PaidAt:             &paidAt,
		})
	}
	return entries, nil
}

// sortChronological orders entries by effective time with creation time and
// id as tie breakers.
func sortChronological(entries []model.LedgerEntry) []model.LedgerEntry {
	sorted := make([]model.LedgerEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ta, tb := a.EffectiveTime(), b.EffectiveTime(); !ta.Equal(tb) {
			return ta.Before(tb)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted
}

// BalanceAsOf returns max(0, totalDebits - payments) counting every payment
// up to and including paymentID. When the payment belongs to a distributed
// group the cursor moves to the group's last member, so every member of the
// group reports the same balance.
func BalanceAsOf(paymentID int64, entries []model.LedgerEntry, totalDebits decimal.Decimal) (decimal.Decimal, error) {
	sorted := sortChronological(entries)
	cursor := -1
	for i, e := range sorted {
		if e.ID == paymentID {
			cursor = i
			break
		}
	}
	if cursor < 0 {
		return decimal.Zero, ErrPaymentNotFound
	}
	if group := sorted[cursor].GroupID(); group != "" {
		for i := len(sorted) - 1; i > cursor; i-- {
			if sorted[i].GroupID() == group {
				cursor = i
				break
			}
		}
	}
	credits := decimal.Zero
	for _, e := range sorted[:cursor+1] {
		if e.Type.IsPaymentCredit() {
			credits = credits.Add(e.Amount)
		}
	}
	return money.Max0(totalDebits.Sub(credits)), nil
}

// HistoryPoint is the balance after one payment event.
type HistoryPoint struct {
	PaymentIDs []int64         `json:"payment_ids"`
	GroupID    string          `json:"group_id,omitempty"`
	PaidAt     time.Time       `json:"paid_at"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
}

// BalanceHistory replays every payment event in order, collapsing distributed
// groups into one point placed at the group's last member.
func BalanceHistory(entries []model.LedgerEntry, totalDebits decimal.Decimal) []HistoryPoint {
	sorted := sortChronological(entries)
	last := make(map[string]int)
	for i, e := range sorted {
		if g := e.GroupID(); g != "" && e.Type.IsPaymentCredit() {
			last[g] = i
		}
	}
	var (
		points  []HistoryPoint
		credits = decimal.Zero
		pending = make(map[string]*HistoryPoint)
	)
	for i, e := range sorted {
		if !e.Type.IsPaymentCredit() {
			continue
		}
		credits = credits.Add(e.Amount)
		g := e.GroupID()
		if g == "" {
			points = append(points, HistoryPoint{
				PaymentIDs: []int64{e.ID},
				PaidAt:     e.EffectiveTime(),
				Amount:     e.Amount,
				Balance:    money.Max0(totalDebits.Sub(credits)),
			})
			continue
		}
		p := pending[g]
		if p == nil {
			p = &HistoryPoint{GroupID: g}
			pending[g] = p
		}
		p.PaymentIDs = append(p.PaymentIDs, e.ID)
		p.Amount = p.Amount.Add(e.Amount)
		if last[g] == i {
			p.PaidAt = e.EffectiveTime()
			p.Balance = money.Max0(totalDebits.Sub(credits))
			points = append(points, *p)
			delete(pending, g)
		}
	}
	return points
}
