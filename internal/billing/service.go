// Package billing hosts the reconciliation engines behind a Postgres
// repository, a Redis balance cache and a JSON API.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/adboard/ledger/internal/billing/allocation"
	"github.com/adboard/ledger/internal/billing/distribution"
	"github.com/adboard/ledger/internal/billing/ledger"
	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/billing/pricing"
	"github.com/adboard/ledger/internal/observability"
	"github.com/adboard/ledger/internal/shared"
)

// Adjustments are the customer-level amounts that are not individual records.
type Adjustments struct {
	Discounts      decimal.Decimal
	ExtraPurchases decimal.Decimal
}

// RepositoryPort defines data access methods for billing.
type RepositoryPort interface {
	ListContracts(ctx context.Context, customerID int64) ([]model.Contract, error)
	ListEntries(ctx context.Context, customerID int64) ([]model.LedgerEntry, error)
	ListInvoices(ctx context.Context, customerID int64, kind model.InvoiceKind) ([]model.Invoice, error)
	ListTasks(ctx context.Context, customerID int64) ([]model.CompositeTask, error)
	CustomerAdjustments(ctx context.Context, customerID int64) (Adjustments, error)
	ListCustomerIDs(ctx context.Context) ([]int64, error)

	GetContract(ctx context.Context, id int64) (model.Contract, error)
	GetEntry(ctx context.Context, id int64) (model.LedgerEntry, error)
	GetTask(ctx context.Context, id int64) (model.CompositeTask, error)
	ListTaskItems(ctx context.Context, taskID int64) ([]model.TaskLineItem, error)
	SizeTable(ctx context.Context) (pricing.SizeTable, error)

	// InsertReceipts stores the entries atomically. A non-empty key is
	// recorded in the same transaction and fails with
	// shared.ErrIdempotencyConflict when already used.
	InsertReceipts(ctx context.Context, key string, entries []model.LedgerEntry) ([]model.LedgerEntry, error)
	SaveTaskAllocation(ctx context.Context, task model.CompositeTask) error
}

// ServiceConfig carries the optional collaborators of Service.
type ServiceConfig struct {
	Policy  pricing.Policy
	Metrics *observability.Metrics
	Logger  *slog.Logger
	LockTTL time.Duration
}

// Service handles billing business logic.
type Service struct {
	repo       RepositoryPort
	cache      *Cache
	policy     pricing.Policy
	metrics    *observability.Metrics
	logger     *slog.Logger
	lockTTL    time.Duration
	now        func() time.Time
	newGroupID func() string
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, cache *Cache, cfg ServiceConfig) *Service {
	if cfg.Policy.DefaultFaces <= 0 {
		cfg.Policy = pricing.DefaultPolicy()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	return &Service{
		repo:       repo,
		cache:      cache,
		policy:     cfg.Policy,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		lockTTL:    cfg.LockTTL,
		now:        time.Now,
		newGroupID: uuid.NewString,
	}
}

// Snapshot loads every record contributing to the customer's balance. The
// independent reads run concurrently.
func (s *Service) Snapshot(ctx context.Context, customerID int64) (ledger.Snapshot, error) {
	var snap ledger.Snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.Contracts, err = s.repo.ListContracts(gctx, customerID)
		return wrap("list contracts", err)
	})
	g.Go(func() (err error) {
		snap.Entries, err = s.repo.ListEntries(gctx, customerID)
		return wrap("list entries", err)
	})
	g.Go(func() (err error) {
		snap.SalesInvoices, err = s.repo.ListInvoices(gctx, customerID, model.InvoiceSales)
		return wrap("list sales invoices", err)
	})
	g.Go(func() (err error) {
		snap.PrintedInvoices, err = s.repo.ListInvoices(gctx, customerID, model.InvoicePrinted)
		return wrap("list printed invoices", err)
	})
	g.Go(func() (err error) {
		snap.PurchaseInvoices, err = s.repo.ListInvoices(gctx, customerID, model.InvoicePurchase)
		return wrap("list purchase invoices", err)
	})
	g.Go(func() (err error) {
		snap.Tasks, err = s.repo.ListTasks(gctx, customerID)
		return wrap("list tasks", err)
	})
	g.Go(func() error {
		adj, err := s.repo.CustomerAdjustments(gctx, customerID)
		snap.Discounts, snap.ExtraPurchases = adj.Discounts, adj.ExtraPurchases
		return wrap("load adjustments", err)
	})
	if err := g.Wait(); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("billing: customer %d: %w", customerID, err)
	}
	return snap, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func balanceVariant(opts ledger.Options) string {
	if opts.ExcludeFriendRentals {
		return "summary:net"
	}
	return "summary:gross"
}

// CustomerBalance returns the customer's remaining-debt summary, served from
// the cache when the customer's ledger has not changed since it was computed.
func (s *Service) CustomerBalance(ctx context.Context, customerID int64, opts ledger.Options) (ledger.Summary, error) {
	key, err := s.cache.BuildKey(ctx, customerID, balanceVariant(opts))
	if err != nil {
		s.logger.Warn("balance cache key", slog.Int64("customer_id", customerID), slog.Any("error", err))
		return s.computeBalance(ctx, customerID, opts)
	}
	var summary ledger.Summary
	hit, err := s.cache.FetchJSON(ctx, key, &summary, func(ctx context.Context) (any, error) {
		return s.computeBalance(ctx, customerID, opts)
	})
	if err != nil {
		return ledger.Summary{}, err
	}
	s.metrics.BalanceLookup(hit)
	return summary, nil
}

func (s *Service) computeBalance(ctx context.Context, customerID int64, opts ledger.Options) (ledger.Summary, error) {
	snap, err := s.Snapshot(ctx, customerID)
	if err != nil {
		return ledger.Summary{}, err
	}
	return ledger.ComputeRemainingDebt(snap, opts), nil
}

// RefreshBalance recomputes both balance variants and overwrites the cache.
// Keys are taken before the snapshot: a write that lands while the snapshot
// loads bumps past them, so a stale summary is never stored as current.
func (s *Service) RefreshBalance(ctx context.Context, customerID int64) error {
	variants := []ledger.Options{{}, {ExcludeFriendRentals: true}}
	keys := make([]string, len(variants))
	for i, opts := range variants {
		key, err := s.cache.BuildKey(ctx, customerID, balanceVariant(opts))
		if err != nil {
			return err
		}
		keys[i] = key
	}
	snap, err := s.Snapshot(ctx, customerID)
	if err != nil {
		return err
	}
	for i, opts := range variants {
		if err := s.cache.Store(ctx, keys[i], ledger.ComputeRemainingDebt(snap, opts)); err != nil {
			return err
		}
	}
	return nil
}

// RefreshAll refreshes every customer and returns how many succeeded. It
// keeps going past individual failures and returns them joined.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	ids, err := s.repo.ListCustomerIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("billing: list customers: %w", err)
	}
	var (
		done int
		errs []error
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		if err := s.RefreshBalance(ctx, id); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// StatementPage is one page of a customer statement.
type StatementPage struct {
	Lines      []ledger.StatementLine `json:"lines"`
	Pagination shared.Pagination      `json:"pagination"`
}

// CustomerStatement returns one page of the running-balance statement.
func (s *Service) CustomerStatement(ctx context.Context, customerID int64, opts ledger.Options, page, perPage int) (StatementPage, error) {
	snap, err := s.Snapshot(ctx, customerID)
	if err != nil {
		return StatementPage{}, err
	}
	lines := ledger.Statement(snap, opts)
	p := shared.NewPagination(page, perPage, len(lines))
	start, end := p.Bounds()
	return StatementPage{Lines: lines[start:end], Pagination: p}, nil
}

// ContractDetails returns total, paid and remaining for one contract.
func (s *Service) ContractDetails(ctx context.Context, contractID int64) (ledger.Details, error) {
	contract, err := s.repo.GetContract(ctx, contractID)
	if err != nil {
		return ledger.Details{}, fmt.Errorf("billing: contract %d: %w", contractID, err)
	}
	entries, err := s.repo.ListEntries(ctx, contract.CustomerID)
	if err != nil {
		return ledger.Details{}, fmt.Errorf("billing: contract %d entries: %w", contractID, err)
	}
	return ledger.ContractDetails(contractID, []model.Contract{contract}, entries)
}

// OpenContracts lists the customer's contracts that still owe money, ordered
// by contract number.
func (s *Service) OpenContracts(ctx context.Context, customerID int64) ([]distribution.Target, error) {
	contracts, err := s.repo.ListContracts(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("billing: customer %d contracts: %w", customerID, err)
	}
	entries, err := s.repo.ListEntries(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("billing: customer %d entries: %w", customerID, err)
	}
	targets := make([]distribution.Target, 0, len(contracts))
	for _, c := range contracts {
		d, err := ledger.ContractDetails(c.ID, contracts, entries)
		if err != nil {
			return nil, err
		}
		if !d.Remaining.IsPositive() {
			continue
		}
		targets = append(targets, distribution.Target{ContractID: c.ID, ContractNumber: c.Number, Remaining: d.Remaining})
	}
	distribution.SortTargets(targets)
	return targets, nil
}

// DistributionMode selects how a payment is spread over contracts.
type DistributionMode string

const (
	DistributeAuto   DistributionMode = "auto"
	DistributeManual DistributionMode = "manual"
)

// DistributeInput is a request to split one payment across contracts.
type DistributeInput struct {
	CustomerID int64
	Total      decimal.Decimal
	Mode       DistributionMode
	// ContractIDs restricts auto mode to the contracts the user selected,
	// filled in contract-number order. Empty selects every open contract.
	ContractIDs    []int64
	Amounts        map[int64]decimal.Decimal
	PaidAt         time.Time
	Method         string
	Notes          string
	IdempotencyKey string
	// DryRun returns the plan without writing anything.
	DryRun bool
}

// DistributeResult is the committed (or previewed) distribution.
type DistributeResult struct {
	Plan    distribution.Plan   `json:"plan"`
	GroupID string              `json:"group_id,omitempty"`
	Entries []model.LedgerEntry `json:"entries,omitempty"`
}

// ErrUnknownTarget occurs when a manual amount names a contract that is not
// open for the customer.
var ErrUnknownTarget = errors.New("billing: contract is not open for this customer")

// DistributePayment plans, validates and commits a payment distribution. The
// customer lock serialises concurrent distributions so two requests cannot
// both fill the same remaining balance.
func (s *Service) DistributePayment(ctx context.Context, in DistributeInput) (DistributeResult, error) {
	if !in.DryRun {
		release, err := s.cache.Lock(ctx, in.CustomerID, uuid.NewString(), s.lockTTL)
		if err != nil {
			return DistributeResult{}, err
		}
		defer release(context.WithoutCancel(ctx))
	}

	targets, err := s.OpenContracts(ctx, in.CustomerID)
	if err != nil {
		return DistributeResult{}, err
	}

	var plan distribution.Plan
	switch in.Mode {
	case DistributeAuto, "":
		selected := targets
		if len(in.ContractIDs) > 0 {
			if selected, err = selectTargets(targets, in.ContractIDs); err != nil {
				s.metrics.ValidationFailed("unknown_target")
				return DistributeResult{}, err
			}
		}
		plan = distribution.AutoFill(in.Total, selected)
	case DistributeManual:
		selected, err := selectTargets(targets, slices.Collect(maps.Keys(in.Amounts)))
		if err != nil {
			s.metrics.ValidationFailed("unknown_target")
			return DistributeResult{}, err
		}
		plan = distribution.Manual(in.Total, selected, in.Amounts)
	default:
		return DistributeResult{}, fmt.Errorf("%w: unknown distribution mode %q", model.ErrValidation, in.Mode)
	}

	if err := distribution.Validate(plan); err != nil {
		s.metrics.ValidationFailed(failureKind(err))
		return DistributeResult{Plan: plan}, err
	}
	if in.DryRun {
		return DistributeResult{Plan: plan}, nil
	}

	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now()
	}
	entries, err := distribution.Commit(plan, distribution.Receipt{
		CustomerID: in.CustomerID,
		PaidAt:     paidAt,
		Method:     in.Method,
		Notes:      in.Notes,
	}, s.newGroupID)
	if err != nil {
		return DistributeResult{Plan: plan}, err
	}
	stored, err := s.repo.InsertReceipts(ctx, in.IdempotencyKey, entries)
	if err != nil {
		return DistributeResult{Plan: plan}, fmt.Errorf("billing: store receipts: %w", err)
	}

	if err := s.cache.Bump(ctx, in.CustomerID); err != nil {
		s.logger.Warn("bump balance cache", slog.Int64("customer_id", in.CustomerID), slog.Any("error", err))
	}
	s.metrics.DistributionCommitted(plan.Total.InexactFloat64())
	group := stored[0].GroupID()
	s.logger.Info("payment distributed",
		slog.Int64("customer_id", in.CustomerID),
		slog.String("group_id", group),
		slog.Int("contracts", len(stored)),
		slog.String("total", plan.Total.StringFixed(2)))
	return DistributeResult{Plan: plan, GroupID: group, Entries: stored}, nil
}

// selectTargets keeps the open targets named by ids. Repeated ids are
// selected once.
func selectTargets(open []distribution.Target, ids []int64) ([]distribution.Target, error) {
	byID := make(map[int64]distribution.Target, len(open))
	for _, t := range open {
		byID[t.ContractID] = t
	}
	seen := make(map[int64]bool, len(ids))
	selected := make([]distribution.Target, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("contract %d: %w", id, ErrUnknownTarget)
		}
		seen[id] = true
		selected = append(selected, t)
	}
	distribution.SortTargets(selected)
	return selected, nil
}

func failureKind(err error) string {
	var (
		unbalanced *model.UnbalancedAllocationError
		incomplete *model.IncompleteDistributionError
		missing    *model.MissingPriceError
		duplicate  *model.DuplicateBeneficiaryError
	)
	switch {
	case errors.As(err, &unbalanced):
		return "unbalanced_allocation"
	case errors.As(err, &incomplete):
		return "incomplete_distribution"
	case errors.As(err, &missing):
		return "missing_price"
	case errors.As(err, &duplicate):
		return "duplicate_beneficiary"
	case errors.Is(err, distribution.ErrNoTargets):
		return "no_targets"
	case errors.Is(err, distribution.ErrNonPositiveAllocation), errors.Is(err, distribution.ErrNonPositiveTotal):
		return "non_positive_amount"
	default:
		return "other"
	}
}

// ReceiptBalance is the customer's balance right after a payment, or the
// balance of one contract when ContractID is set.
type ReceiptBalance struct {
	PaymentID  int64           `json:"payment_id"`
	CustomerID int64           `json:"customer_id"`
	ContractID *int64          `json:"contract_id,omitempty"`
	GroupID    string          `json:"group_id,omitempty"`
	Balance    decimal.Decimal `json:"balance"`
}

// BalanceAfterPayment returns the balance as of paymentID, as printed on its
// receipt. With a contractID the balance is that contract's total less the
// payments posted to it, and the payment must be one of them.
func (s *Service) BalanceAfterPayment(ctx context.Context, paymentID int64, contractID *int64) (ReceiptBalance, error) {
	entry, err := s.repo.GetEntry(ctx, paymentID)
	if err != nil {
		return ReceiptBalance{}, fmt.Errorf("billing: payment %d: %w", paymentID, err)
	}
	if !entry.Type.IsPaymentCredit() {
		return ReceiptBalance{}, fmt.Errorf("billing: entry %d is a %s: %w", paymentID, entry.Type, distribution.ErrPaymentNotFound)
	}
	snap, err := s.Snapshot(ctx, entry.CustomerID)
	if err != nil {
		return ReceiptBalance{}, err
	}
	totalDebits := ledger.ComputeRemainingDebt(snap, ledger.Options{}).TotalDebits
	entries := snap.Entries
	if contractID != nil {
		details, err := ledger.ContractDetails(*contractID, snap.Contracts, nil)
		if err != nil {
			return ReceiptBalance{}, fmt.Errorf("billing: contract %d: %w", *contractID, err)
		}
		totalDebits = details.Total
		entries = nil
		for _, e := range snap.Entries {
			if e.ForContract(*contractID) {
				entries = append(entries, e)
			}
		}
	}
	balance, err := distribution.BalanceAsOf(paymentID, entries, totalDebits)
	if err != nil {
		return ReceiptBalance{}, err
	}
	return ReceiptBalance{
		PaymentID:  paymentID,
		CustomerID: entry.CustomerID,
		ContractID: contractID,
		GroupID:    entry.GroupID(),
		Balance:    balance,
	}, nil
}

// PaymentHistory replays the customer's payments with the balance after each.
func (s *Service) PaymentHistory(ctx context.Context, customerID int64) ([]distribution.HistoryPoint, error) {
	snap, err := s.Snapshot(ctx, customerID)
	if err != nil {
		return nil, err
	}
	totalDebits := ledger.ComputeRemainingDebt(snap, ledger.Options{}).TotalDebits
	return distribution.BalanceHistory(snap.Entries, totalDebits), nil
}

// TaskAllocationResult is a task after its allocation was saved.
type TaskAllocationResult struct {
	Task       model.CompositeTask   `json:"task"`
	Financials allocation.Financials `json:"financials"`
	PartyTotal model.Shares          `json:"party_totals"`
}

// SaveTaskAllocation validates alloc against the task's service costs,
// recomputes the task totals and persists them.
func (s *Service) SaveTaskAllocation(ctx context.Context, taskID int64, alloc model.CostAllocation, generalDiscount decimal.Decimal) (TaskAllocationResult, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return TaskAllocationResult{}, fmt.Errorf("billing: task %d: %w", taskID, err)
	}
	if generalDiscount.IsNegative() {
		return TaskAllocationResult{}, fmt.Errorf("%w: general discount must not be negative", model.ErrValidation)
	}
	updated, fin, err := allocation.ApplyToTask(task, alloc, generalDiscount)
	if err != nil {
		s.metrics.ValidationFailed(failureKind(err))
		return TaskAllocationResult{}, err
	}
	if err := s.repo.SaveTaskAllocation(ctx, updated); err != nil {
		return TaskAllocationResult{}, fmt.Errorf("billing: save task %d: %w", taskID, err)
	}
	if err := s.cache.Bump(ctx, updated.CustomerID); err != nil {
		s.logger.Warn("bump balance cache", slog.Int64("customer_id", updated.CustomerID), slog.Any("error", err))
	}
	return TaskAllocationResult{
		Task:       updated,
		Financials: fin,
		PartyTotal: allocation.PartyTotals(alloc, updated.Costs),
	}, nil
}

// QuoteTask prices install, print and cutout costs for the given items, or for
// the task's stored items when none are given. Missing prices are reported as
// warnings on the quote rather than failing it.
func (s *Service) QuoteTask(ctx context.Context, taskID int64, items []model.TaskLineItem, extras pricing.Extras) (pricing.TaskQuote, error) {
	if len(items) == 0 {
		stored, err := s.repo.ListTaskItems(ctx, taskID)
		if err != nil {
			return pricing.TaskQuote{}, fmt.Errorf("billing: task %d items: %w", taskID, err)
		}
		items = stored
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].BillboardID < items[j].BillboardID })
	table, err := s.repo.SizeTable(ctx)
	if err != nil {
		return pricing.TaskQuote{}, fmt.Errorf("billing: size table: %w", err)
	}
	quote, err := pricing.QuoteTask(items, table, s.policy, extras)
	if err != nil {
		var missing *model.MissingPriceError
		if !errors.As(err, &missing) {
			return pricing.TaskQuote{}, err
		}
		for _, line := range quote.Lines {
			if line.Missing {
				s.metrics.ValidationFailed("missing_price")
			}
		}
	}
	return quote, nil
}

// SplitCustody checks that a custody amount is fully and uniquely split.
func (s *Service) SplitCustody(total decimal.Decimal, shares []distribution.BeneficiaryShare) error {
	if err := distribution.SplitCustody(total, shares); err != nil {
		s.metrics.ValidationFailed(failureKind(err))
		return err
	}
	return nil
}
