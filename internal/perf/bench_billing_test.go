package perf

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/distribution"
	"github.com/adboard/ledger/internal/billing/ledger"
	"github.com/adboard/ledger/internal/billing/model"
)

// largeSnapshot builds a customer with many contracts and a long payment history.
func largeSnapshot(contracts, entriesPerContract int) ledger.Snapshot {
	snap := ledger.Snapshot{Discounts: decimal.NewFromInt(250)}
	var id int64
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for c := 1; c <= contracts; c++ {
		contractID := int64(c)
		snap.Contracts = append(snap.Contracts, model.Contract{
			ID:                 contractID,
			Number:             fmt.Sprint(1000 + c),
			CustomerID:         1,
			TotalAmount:        decimal.NewFromInt(int64(50000 + c*10)),
			FriendRentalAmount: decimal.NewFromInt(int64(c % 7 * 100)),
		})
		for e := 0; e < entriesPerContract; e++ {
			id++
			typ := model.EntryReceipt
			if e%5 == 4 {
				typ = model.EntryDebt
			}
			snap.Entries = append(snap.Entries, model.LedgerEntry{
				ID:         id,
				CustomerID: 1,
				ContractID: &contractID,
				Type:       typ,
				Amount:     decimal.NewFromInt(int64(100 + e)),
				CreatedAt:  start.Add(time.Duration(id) * time.Hour),
			})
		}
	}
	return snap
}

func targets(n int) []distribution.Target {
	out := make([]distribution.Target, n)
	for i := range out {
		out[i] = distribution.Target{
			ContractID:     int64(i + 1),
			ContractNumber: fmt.Sprint(n - i),
			Remaining:      decimal.NewFromInt(int64(1000 + i)),
		}
	}
	return out
}

func TestBalanceLatencyTargets(t *testing.T) {
	if testing.Short() {
		t.Skip("latency check skipped in short mode")
	}
	snap := largeSnapshot(200, 25)
	scenarios := []struct {
		name      string
		run       func()
		threshold time.Duration
	}{
		{
			name:      "remaining_debt",
			run:       func() { ledger.ComputeRemainingDebt(snap, ledger.Options{ExcludeFriendRentals: true}) },
			threshold: 250 * time.Millisecond,
		},
		{
			name:      "statement",
			run:       func() { ledger.Statement(snap, ledger.Options{}) },
			threshold: 500 * time.Millisecond,
		},
		{
			name:      "payment_history",
			run:       func() { distribution.BalanceHistory(snap.Entries, decimal.NewFromInt(10_000_000)) },
			threshold: 250 * time.Millisecond,
		},
	}

	for _, scenario := range scenarios {
		samples := make([]time.Duration, 0, 10)
		for i := 0; i < 10; i++ {
			started := time.Now()
			scenario.run()
			samples = append(samples, time.Since(started))
		}
		p95 := percentile95(samples)
		if p95 > scenario.threshold {
			t.Fatalf("%s latency regression: p95=%s threshold=%s", scenario.name, p95, scenario.threshold)
		}
	}
}

func BenchmarkComputeRemainingDebt(b *testing.B) {
	snap := largeSnapshot(200, 25)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ledger.ComputeRemainingDebt(snap, ledger.Options{})
	}
}

func BenchmarkAutoFill(b *testing.B) {
	open := targets(500)
	total := decimal.NewFromInt(250_000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		work := append([]distribution.Target(nil), open...)
		distribution.AutoFill(total, work)
	}
}

func percentile95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	index := int(float64(len(sorted)-1) * 0.95)
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}
