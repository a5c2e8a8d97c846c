package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adboard/ledger/internal/billing/distribution"
	"github.com/adboard/ledger/internal/billing/ledger"
	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/billing/pricing"
	"github.com/adboard/ledger/internal/observability"
	"github.com/adboard/ledger/internal/shared"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func ptr[T any](v T) *T { return &v }

type memRepo struct {
	mu          sync.Mutex
	contracts   []model.Contract
	entries     []model.LedgerEntry
	invoices    map[model.InvoiceKind][]model.Invoice
	tasks       map[int64]model.CompositeTask
	items       map[int64][]model.TaskLineItem
	sizes       pricing.SizeTable
	adjustments Adjustments
	keys        map[string]bool
	failFor     map[int64]error
	nextID      int64

	contractLoads int
}

func newMemRepo() *memRepo {
	return &memRepo{
		invoices: make(map[model.InvoiceKind][]model.Invoice),
		tasks:    make(map[int64]model.CompositeTask),
		items:    make(map[int64][]model.TaskLineItem),
		keys:     make(map[string]bool),
		failFor:  make(map[int64]error),
		nextID:   100,
	}
}

func (m *memRepo) ListContracts(_ context.Context, customerID int64) ([]model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contractLoads++
	if err := m.failFor[customerID]; err != nil {
		return nil, err
	}
	var out []model.Contract
	for _, c := range m.contracts {
		if c.CustomerID == customerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memRepo) ListEntries(_ context.Context, customerID int64) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range m.entries {
		if e.CustomerID == customerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) ListInvoices(_ context.Context, customerID int64, kind model.InvoiceKind) ([]model.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Invoice
	for _, inv := range m.invoices[kind] {
		if inv.CustomerID == customerID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memRepo) ListTasks(_ context.Context, customerID int64) ([]model.CompositeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.CompositeTask
	for _, t := range m.tasks {
		if t.CustomerID == customerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memRepo) CustomerAdjustments(context.Context, int64) (Adjustments, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjustments, nil
}

func (m *memRepo) ListCustomerIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	var ids []int64
	for _, c := range m.contracts {
		if !seen[c.CustomerID] {
			seen[c.CustomerID] = true
			ids = append(ids, c.CustomerID)
		}
	}
	return ids, nil
}

func (m *memRepo) GetContract(_ context.Context, id int64) (model.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contracts {
		if c.ID == id {
			return c, nil
		}
	}
	return model.Contract{}, shared.ErrNotFound
}

func (m *memRepo) GetEntry(_ context.Context, id int64) (model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return model.LedgerEntry{}, shared.ErrNotFound
}

func (m *memRepo) GetTask(_ context.Context, id int64) (model.CompositeTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.CompositeTask{}, shared.ErrNotFound
	}
	return t, nil
}

func (m *memRepo) ListTaskItems(_ context.Context, taskID int64) ([]model.TaskLineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.items[taskID], nil
}

func (m *memRepo) SizeTable(context.Context) (pricing.SizeTable, error) {
	return m.sizes, nil
}

func (m *memRepo) InsertReceipts(_ context.Context, key string, entries []model.LedgerEntry) ([]model.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key != "" {
		if m.keys[key] {
			return nil, shared.ErrIdempotencyConflict
		}
		m.keys[key] = true
	}
	stored := make([]model.LedgerEntry, len(entries))
	for i, e := range entries {
		m.nextID++
		e.ID = m.nextID
		stored[i] = e
		m.entries = append(m.entries, e)
	}
	return stored, nil
}

func (m *memRepo) SaveTaskAllocation(_ context.Context, task model.CompositeTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return shared.ErrNotFound
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *memRepo) loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.contractLoads
}

var (
	jan10 = time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	mar01 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

// seedCustomer gives customer 1 three contracts: "2" owes 1000, "10" owes 500
// and "1" is fully paid by receipt 1.
func seedCustomer(repo *memRepo) {
	repo.contracts = []model.Contract{
		{ID: 11, Number: "2", CustomerID: 1, TotalAmount: d("1000"), StartDate: jan10},
		{ID: 12, Number: "10", CustomerID: 1, TotalAmount: d("500"), FriendRentalAmount: d("100"), StartDate: jan10},
		{ID: 13, Number: "1", CustomerID: 1, TotalAmount: d("200"), StartDate: jan10},
	}
	repo.entries = []model.LedgerEntry{
		{ID: 1, CustomerID: 1, ContractID: ptr(int64(13)), Amount: d("200"), Type: model.EntryReceipt, CreatedAt: jan10, PaidAt: ptr(jan10)},
		{ID: 2, CustomerID: 1, Amount: d("50"), Type: model.EntryInvoice, Link: &model.InvoiceLink{Kind: model.InvoiceSales, ID: "S-1"}, CreatedAt: jan10},
	}
}

type fixture struct {
	repo    *memRepo
	svc     *Service
	mr      *miniredis.Miniredis
	metrics *observability.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemRepo()
	seedCustomer(repo)
	metrics := observability.NewMetrics()
	svc := NewService(repo, NewCache(client, time.Minute), ServiceConfig{
		Metrics: metrics,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	svc.now = func() time.Time { return mar01 }
	var seq int
	svc.newGroupID = func() string {
		seq++
		return fmt.Sprintf("grp-%d", seq)
	}
	return fixture{repo: repo, svc: svc, mr: mr, metrics: metrics}
}

func scrape(t *testing.T, m *observability.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestCustomerBalanceCachedUntilBump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, first.TotalContracts.Equal(d("1700")))
	assert.True(t, first.Remaining.Equal(d("1500")), first.Remaining.String())
	assert.Equal(t, 1, f.repo.loads())

	again, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, again.Remaining.Equal(first.Remaining))
	assert.Equal(t, 1, f.repo.loads())

	net, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{ExcludeFriendRentals: true})
	require.NoError(t, err)
	assert.True(t, net.Remaining.Equal(d("1400")), net.Remaining.String())
	assert.Equal(t, 2, f.repo.loads())

	f.repo.mu.Lock()
	f.repo.entries = append(f.repo.entries, model.LedgerEntry{ID: 3, CustomerID: 1, Amount: d("100"), Type: model.EntryAccountPayment, CreatedAt: jan10})
	f.repo.mu.Unlock()

	stale, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, stale.Remaining.Equal(d("1500")))

	require.NoError(t, f.svc.cache.Bump(ctx, 1))
	fresh, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, fresh.Remaining.Equal(d("1400")), fresh.Remaining.String())

	body := scrape(t, f.metrics)
	assert.Contains(t, body, `adboard_billing_balance_cache_total{outcome="hit"} 2`)
	assert.Contains(t, body, `adboard_billing_balance_cache_total{outcome="miss"} 3`)
}

func TestCustomerBalanceWithoutRedis(t *testing.T) {
	repo := newMemRepo()
	seedCustomer(repo)
	svc := NewService(repo, nil, ServiceConfig{})

	summary, err := svc.CustomerBalance(context.Background(), 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, summary.Remaining.Equal(d("1500")))
	_, err = svc.CustomerBalance(context.Background(), 1, ledger.Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loads())
}

func TestRefreshAllStoresBothVariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.contracts = append(f.repo.contracts, model.Contract{ID: 21, Number: "7", CustomerID: 2, TotalAmount: d("10")})
	f.repo.failFor[2] = errors.New("boom")

	done, err := f.svc.RefreshAll(ctx)
	assert.Equal(t, 1, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	loads := f.repo.loads()
	gross, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	net, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{ExcludeFriendRentals: true})
	require.NoError(t, err)
	assert.Equal(t, loads, f.repo.loads())
	assert.True(t, gross.Remaining.Equal(d("1500")))
	assert.True(t, net.Remaining.Equal(d("1400")))
}

// bumpingRepo runs onContracts before each contract load, standing in for a
// write that commits while a snapshot is in flight.
type bumpingRepo struct {
	*memRepo
	onContracts func(context.Context) error
}

func (r *bumpingRepo) ListContracts(ctx context.Context, customerID int64) ([]model.Contract, error) {
	if r.onContracts != nil {
		if err := r.onContracts(ctx); err != nil {
			return nil, err
		}
	}
	return r.memRepo.ListContracts(ctx, customerID)
}

func TestRefreshBalanceDoesNotStoreUnderNewerVersion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewCache(client, time.Minute)
	ctx := context.Background()

	mem := newMemRepo()
	seedCustomer(mem)
	repo := &bumpingRepo{memRepo: mem}
	var once sync.Once
	repo.onContracts = func(ctx context.Context) (err error) {
		once.Do(func() { err = cache.Bump(ctx, 1) })
		return err
	}
	svc := NewService(repo, cache, ServiceConfig{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	require.NoError(t, svc.RefreshBalance(ctx, 1))

	current, err := cache.Version(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), current)
	assert.True(t, mr.Exists("billing:balance:1:summary:gross:v1"))
	assert.True(t, mr.Exists("billing:balance:1:summary:net:v1"))
	assert.False(t, mr.Exists("billing:balance:1:summary:gross:v2"))
	assert.False(t, mr.Exists("billing:balance:1:summary:net:v2"))

	loads := mem.loads()
	_, err = svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.Equal(t, loads+1, mem.loads())
}

func TestCustomerStatementPaginates(t *testing.T) {
	f := newFixture(t)
	page, err := f.svc.CustomerStatement(context.Background(), 1, ledger.Options{}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Pagination.Total)
	assert.Equal(t, 2, page.Pagination.TotalPages)
	require.Len(t, page.Lines, 2)
	assert.True(t, page.Lines[1].Balance.Equal(d("1500")), page.Lines[1].Balance.String())

	past, err := f.svc.CustomerStatement(context.Background(), 1, ledger.Options{}, 9, 2)
	require.NoError(t, err)
	assert.Empty(t, past.Lines)
}

func TestContractDetailsAndOpenContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	det, err := f.svc.ContractDetails(ctx, 13)
	require.NoError(t, err)
	assert.True(t, det.Paid.Equal(d("200")))
	assert.True(t, det.Remaining.IsZero())

	_, err = f.svc.ContractDetails(ctx, 99)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	open, err := f.svc.OpenContracts(ctx, 1)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, int64(11), open[0].ContractID)
	assert.Equal(t, int64(12), open[1].ContractID)
}

func TestDistributePaymentAutoFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	require.True(t, before.Remaining.Equal(d("1500")))

	res, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("1200"), Method: "transfer"})
	require.NoError(t, err)
	assert.Equal(t, "grp-1", res.GroupID)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(11), *res.Entries[0].ContractID)
	assert.True(t, res.Entries[0].Amount.Equal(d("1000")))
	assert.Equal(t, int64(12), *res.Entries[1].ContractID)
	assert.True(t, res.Entries[1].Amount.Equal(d("200")))
	assert.True(t, res.Entries[0].EffectiveTime().Equal(mar01))

	after, err := f.svc.CustomerBalance(ctx, 1, ledger.Options{})
	require.NoError(t, err)
	assert.True(t, after.Remaining.Equal(d("300")), after.Remaining.String())

	assert.False(t, f.mr.Exists(shared.CustomerLockKey(1)))
	assert.Contains(t, scrape(t, f.metrics), "adboard_billing_distributions_total 1")
}

func TestDistributePaymentAutoFillSelectedContracts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("300"), ContractIDs: []int64{12}, DryRun: true})
	require.NoError(t, err)
	require.Len(t, res.Plan.Lines, 1)
	assert.Equal(t, int64(12), res.Plan.Lines[0].ContractID)
	assert.True(t, res.Plan.Lines[0].Amount.Equal(d("300")))

	// More than the selection owes is rejected even though contract 11 is open.
	_, err = f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("600"), ContractIDs: []int64{12}})
	var incomplete *model.IncompleteDistributionError
	require.ErrorAs(t, err, &incomplete)
	assert.True(t, incomplete.Delta.Equal(d("100")))

	res, err = f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("1200"), ContractIDs: []int64{12, 11, 12}})
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, int64(11), *res.Entries[0].ContractID)
	assert.True(t, res.Entries[0].Amount.Equal(d("1000")))

	_, err = f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("10"), ContractIDs: []int64{13}})
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestDistributePaymentRejectsOverpayment(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DistributePayment(context.Background(), DistributeInput{CustomerID: 1, Total: d("2000")})
	var incomplete *model.IncompleteDistributionError
	require.ErrorAs(t, err, &incomplete)
	assert.True(t, incomplete.Delta.Equal(d("500")))
	assert.Len(t, f.repo.entries, 2)
	assert.Contains(t, scrape(t, f.metrics), `adboard_billing_validation_failures_total{kind="incomplete_distribution"} 1`)
}

func TestDistributePaymentManual(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DistributePayment(ctx, DistributeInput{
		CustomerID: 1,
		Total:      d("600"),
		Mode:       DistributeManual,
		Amounts:    map[int64]decimal.Decimal{12: d("500"), 11: d("100")},
	})
	require.NoError(t, err)
	require.Len(t, res.Plan.Lines, 2)
	assert.Equal(t, int64(11), res.Plan.Lines[0].ContractID)
	assert.True(t, res.Plan.Lines[1].RemainingAfter.IsZero())

	_, err = f.svc.DistributePayment(ctx, DistributeInput{
		CustomerID: 1, Total: d("100"), Mode: DistributeManual,
		Amounts: map[int64]decimal.Decimal{13: d("100")},
	})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = f.svc.DistributePayment(ctx, DistributeInput{
		CustomerID: 1, Total: d("100"), Mode: DistributeManual,
		Amounts: map[int64]decimal.Decimal{11: d("0")},
	})
	assert.ErrorIs(t, err, distribution.ErrNonPositiveAllocation)

	_, err = f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("1"), Mode: "split"})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestDistributePaymentLockAndDryRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mr.Set(shared.CustomerLockKey(1), "someone-else"))

	_, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("100")})
	assert.ErrorIs(t, err, shared.ErrLocked)

	res, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("100"), DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, res.Entries)
	require.Len(t, res.Plan.Lines, 1)
	assert.Len(t, f.repo.entries, 2)

	got, err := f.mr.Get(shared.CustomerLockKey(1))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestDistributePaymentIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := DistributeInput{CustomerID: 1, Total: d("100"), IdempotencyKey: "pay-1"}

	_, err := f.svc.DistributePayment(ctx, in)
	require.NoError(t, err)
	_, err = f.svc.DistributePayment(ctx, in)
	assert.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	assert.Len(t, f.repo.entries, 3)
}

func TestBalanceAfterPaymentForOneContract(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("1200")})
	require.NoError(t, err)
	byContract := make(map[int64]int64)
	for _, e := range res.Entries {
		byContract[*e.ContractID] = e.ID
	}
	require.Len(t, byContract, 2)

	bal, err := f.svc.BalanceAfterPayment(ctx, byContract[12], ptr(int64(12)))
	require.NoError(t, err)
	assert.Equal(t, int64(12), *bal.ContractID)
	assert.True(t, bal.Balance.Equal(d("300")), bal.Balance.String())

	bal, err = f.svc.BalanceAfterPayment(ctx, byContract[11], ptr(int64(11)))
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero(), bal.Balance.String())

	bal, err = f.svc.BalanceAfterPayment(ctx, 1, ptr(int64(13)))
	require.NoError(t, err)
	assert.True(t, bal.Balance.IsZero())

	_, err = f.svc.BalanceAfterPayment(ctx, byContract[11], ptr(int64(12)))
	assert.ErrorIs(t, err, distribution.ErrPaymentNotFound)
	_, err = f.svc.BalanceAfterPayment(ctx, 1, ptr(int64(99)))
	assert.ErrorIs(t, err, ledger.ErrContractNotFound)
}

func TestBalanceAfterPaymentAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.DistributePayment(ctx, DistributeInput{CustomerID: 1, Total: d("1200")})
	require.NoError(t, err)

	for _, e := range res.Entries {
		bal, err := f.svc.BalanceAfterPayment(ctx, e.ID, nil)
		require.NoError(t, err)
		assert.Equal(t, "grp-1", bal.GroupID)
		assert.True(t, bal.Balance.Equal(d("300")), bal.Balance.String())
	}

	early, err := f.svc.BalanceAfterPayment(ctx, 1, nil)
	require.NoError(t, err)
	assert.True(t, early.Balance.Equal(d("1500")))

	_, err = f.svc.BalanceAfterPayment(ctx, 2, nil)
	assert.ErrorIs(t, err, distribution.ErrPaymentNotFound)
	_, err = f.svc.BalanceAfterPayment(ctx, 999, nil)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	history, err := f.svc.PaymentHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Balance.Equal(d("1500")))
	assert.Equal(t, "grp-1", history[1].GroupID)
	assert.True(t, history[1].Amount.Equal(d("1200")))
	assert.True(t, history[1].Balance.Equal(d("300")))
}

func sampleTask() model.CompositeTask {
	return model.CompositeTask{
		ID:         5,
		CustomerID: 1,
		Type:       model.TaskReinstallation,
		Costs: map[model.Service]model.ServiceCost{
			model.ServiceInstallation: {Customer: d("1500"), Company: d("900")},
			model.ServicePrint:        {Customer: d("2000"), Company: d("1200")},
		},
	}
}

func TestSaveTaskAllocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.tasks[5] = sampleTask()

	alloc := model.CostAllocation{
		model.ServicePrint: {
			Enabled: true,
			Mode:    model.ModePercentage,
			Shares:  model.Shares{Customer: d("50"), Company: d("30"), Printer: d("20")},
		},
	}
	res, err := f.svc.SaveTaskAllocation(ctx, 5, alloc, d("100"))
	require.NoError(t, err)
	assert.True(t, res.Task.DiscountAmount.Equal(d("100")))
	assert.True(t, res.Task.NetProfit.Equal(res.Task.CustomerTotal.Sub(res.Task.CompanyTotal)))
	assert.True(t, res.PartyTotal.Customer.Equal(d("1000")), res.PartyTotal.Customer.String())
	assert.NotNil(t, f.repo.tasks[5].Allocation)

	bad := model.CostAllocation{
		model.ServicePrint: {Enabled: true, Mode: model.ModePercentage, Shares: model.Shares{Customer: d("50")}},
	}
	_, err = f.svc.SaveTaskAllocation(ctx, 5, bad, d("0"))
	var unbalanced *model.UnbalancedAllocationError
	require.ErrorAs(t, err, &unbalanced)
	assert.Equal(t, model.ServicePrint, unbalanced.Service)

	_, err = f.svc.SaveTaskAllocation(ctx, 5, alloc, d("-1"))
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = f.svc.SaveTaskAllocation(ctx, 77, alloc, d("0"))
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSaveTaskAllocationNewInstallationPersistsAdjustedProfit(t *testing.T) {
	f := newFixture(t)
	task := sampleTask()
	task.Type = model.TaskNewInstallation
	f.repo.tasks[5] = task

	res, err := f.svc.SaveTaskAllocation(context.Background(), 5, nil, d("0"))
	require.NoError(t, err)

	saved := f.repo.tasks[5]
	// 3500 billed against print 1200 only: the installation crew is paid from the contract.
	assert.True(t, saved.NetProfit.Equal(d("2300")), saved.NetProfit.String())
	assert.True(t, saved.ProfitPercentage.Equal(d("65.71")), saved.ProfitPercentage.String())
	assert.True(t, saved.CompanyTotal.Equal(d("1200")))
	assert.True(t, res.Financials.NetProfit.Equal(d("1400")))
	assert.True(t, res.Financials.AdjustedNetProfit.Equal(saved.NetProfit))
}

func TestQuoteTaskReportsMissingPrices(t *testing.T) {
	f := newFixture(t)
	f.repo.sizes = pricing.NewSizeTable([]pricing.SizeSpec{
		{Name: "4x12", Width: d("4"), Height: d("12"), InstallPrice: d("800"), TeamInstallPrice: d("500")},
	})
	f.repo.items[5] = []model.TaskLineItem{
		{BillboardID: 2, Size: "mystery"},
		{BillboardID: 1, Size: "4x12"},
	}

	quote, err := f.svc.QuoteTask(context.Background(), 5, nil, pricing.Extras{})
	require.NoError(t, err)
	require.Len(t, quote.Lines, 2)
	assert.Equal(t, int64(1), quote.Lines[0].BillboardID)
	assert.True(t, quote.Lines[0].CustomerCost.Equal(d("800")))
	assert.True(t, quote.Lines[1].Missing)
	assert.Len(t, quote.Warnings, 1)
	assert.True(t, quote.CompanyTotal.Equal(d("500")))
	assert.Contains(t, scrape(t, f.metrics), `adboard_billing_validation_failures_total{kind="missing_price"} 1`)

	explicit, err := f.svc.QuoteTask(context.Background(), 5, []model.TaskLineItem{
		{BillboardID: 3, Size: "4x12", FaceCount: ptr(1)},
	}, pricing.Extras{})
	require.NoError(t, err)
	assert.True(t, explicit.CustomerTotal.Equal(d("400")))
}

func TestQuoteTaskSharesCutoutAcrossStoredItems(t *testing.T) {
	f := newFixture(t)
	f.repo.sizes = pricing.NewSizeTable([]pricing.SizeSpec{
		{Name: "4x12", Width: d("4"), Height: d("12"), InstallPrice: d("800")},
	})
	f.repo.items[5] = []model.TaskLineItem{
		{BillboardID: 2, Size: "4x12"},
		{BillboardID: 1, Size: "4x12", HasCutout: true},
	}

	quote, err := f.svc.QuoteTask(context.Background(), 5, nil, pricing.Extras{
		PrintPricePerMeter: d("5"),
		CutoutTotal:        d("300"),
		CutoutItems:        []int64{2},
	})
	require.NoError(t, err)
	require.Len(t, quote.Lines, 2)
	assert.True(t, quote.Lines[0].CutoutCost.Equal(d("150")))
	assert.True(t, quote.Lines[1].CutoutCost.Equal(d("150")))
	// 5 * 48 * 2
	assert.True(t, quote.PrintTotal.Equal(d("960")))
	assert.True(t, quote.Lines[0].FaceCosts[0].Equal(d("715")))
	assert.NotContains(t, scrape(t, f.metrics), `kind="missing_price"`)
}

func TestSplitCustody(t *testing.T) {
	f := newFixture(t)
	err := f.svc.SplitCustody(d("100"), []distribution.BeneficiaryShare{
		{Beneficiary: "ali", Amount: d("60")},
		{Beneficiary: "ali", Amount: d("40")},
	})
	var dup *model.DuplicateBeneficiaryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "ali", dup.Beneficiary)

	require.NoError(t, f.svc.SplitCustody(d("100"), []distribution.BeneficiaryShare{
		{Beneficiary: "ali", Amount: d("60")},
		{Beneficiary: "sara", Amount: d("40")},
	}))
}
