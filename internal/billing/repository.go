package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/billing/pricing"
	"github.com/adboard/ledger/internal/platform/db"
	"github.com/adboard/ledger/internal/shared"
)

const idempotencyModule = "billing.distribution"

// Repository provides PostgreSQL backed persistence for billing.
type Repository struct {
	pool        *pgxpool.Pool
	idempotency *shared.IdempotencyStore
	audit       *shared.AuditLogger
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:        pool,
		idempotency: shared.NewIdempotencyStore(pool),
		audit:       shared.NewAuditLogger(pool),
	}
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %v: %w", what, id, shared.ErrNotFound)
	}
	return err
}

const contractColumns = `id, number, customer_id, total_amount, friend_rental_amount,
	ad_type, customer_category, billboard_count, start_date, end_date`

func scanContract(row pgx.Row) (model.Contract, error) {
	var c model.Contract
	var start, end pgtype.Date
	err := row.Scan(&c.ID, &c.Number, &c.CustomerID, &c.TotalAmount, &c.FriendRentalAmount,
		&c.AdType, &c.CustomerCategory, &c.BillboardCount, &start, &end)
	if err != nil {
		return model.Contract{}, err
	}
	c.StartDate = start.Time
	c.EndDate = end.Time
	return c, nil
}

// ListContracts returns the customer's contracts ordered by number.
func (r *Repository) ListContracts(ctx context.Context, customerID int64) ([]model.Contract, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+contractColumns+` FROM contracts WHERE customer_id = $1 ORDER BY number`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetContract loads one contract.
func (r *Repository) GetContract(ctx context.Context, id int64) (model.Contract, error) {
	c, err := scanContract(r.pool.QueryRow(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id = $1`, id))
	if err != nil {
		return model.Contract{}, notFound(err, "contract", id)
	}
	return c, nil
}

const entryColumns = `id, customer_id, contract_id, amount, entry_type, distributed_group_id,
	invoice_kind, invoice_id, method, notes, created_at, paid_at`

func scanEntry(row pgx.Row) (model.LedgerEntry, error) {
	var (
		e           model.LedgerEntry
		contractID  pgtype.Int8
		group       pgtype.Text
		invoiceKind pgtype.Text
		invoiceID   pgtype.Text
		entryType   string
		paidAt      pgtype.Timestamptz
	)
	err := row.Scan(&e.ID, &e.CustomerID, &contractID, &e.Amount, &entryType, &group,
		&invoiceKind, &invoiceID, &e.Method, &e.Notes, &e.CreatedAt, &paidAt)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	e.Type = model.EntryType(entryType)
	if !e.Type.Valid() {
		return model.LedgerEntry{}, fmt.Errorf("entry %d: unknown entry type %q", e.ID, entryType)
	}
	if contractID.Valid {
		id := contractID.Int64
		e.ContractID = &id
	}
	if group.Valid && group.String != "" {
		g := group.String
		e.DistributedGroupID = &g
	}
	if invoiceKind.Valid && invoiceID.Valid {
		e.Link = &model.InvoiceLink{Kind: model.InvoiceKind(invoiceKind.String), ID: invoiceID.String}
	}
	if paidAt.Valid {
		t := paidAt.Time
		e.PaidAt = &t
	}
	return e, nil
}

// ListEntries returns the customer's ledger entries in insertion order.
func (r *Repository) ListEntries(ctx context.Context, customerID int64) ([]model.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetEntry loads one ledger entry.
func (r *Repository) GetEntry(ctx context.Context, id int64) (model.LedgerEntry, error) {
	e, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1`, id))
	if err != nil {
		return model.LedgerEntry{}, notFound(err, "entry", id)
	}
	return e, nil
}

// ListInvoices returns the customer's invoices of one kind.
func (r *Repository) ListInvoices(ctx context.Context, customerID int64, kind model.InvoiceKind) ([]model.Invoice, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, kind, customer_id, total_amount, used_as_payment, included_in_contract, combined_task_invoice_id
		FROM invoices
		WHERE customer_id = $1 AND kind = $2
		ORDER BY id`, customerID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Invoice
	for rows.Next() {
		var (
			inv      model.Invoice
			kindText string
			combined pgtype.Text
		)
		if err := rows.Scan(&inv.ID, &kindText, &inv.CustomerID, &inv.TotalAmount, &inv.UsedAsPayment, &inv.IncludedInContract, &combined); err != nil {
			return nil, err
		}
		inv.Kind = model.InvoiceKind(kindText)
		if combined.Valid {
			id := combined.String
			inv.CombinedTaskInvoiceID = &id
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const taskColumns = `id, contract_id, customer_id, task_type, costs, discount_amount, discount_reason,
	cost_allocation, customer_total, company_total, net_profit, profit_percentage, combined_invoice_id`

func scanTask(row pgx.Row) (model.CompositeTask, error) {
	var (
		t          model.CompositeTask
		taskType   string
		costs      []byte
		allocation []byte
		combined   pgtype.Text
	)
	err := row.Scan(&t.ID, &t.ContractID, &t.CustomerID, &taskType, &costs, &t.DiscountAmount, &t.DiscountReason,
		&allocation, &t.CustomerTotal, &t.CompanyTotal, &t.NetProfit, &t.ProfitPercentage, &combined)
	if err != nil {
		return model.CompositeTask{}, err
	}
	t.Type = model.TaskType(taskType)
	if len(costs) > 0 {
		if err := json.Unmarshal(costs, &t.Costs); err != nil {
			return model.CompositeTask{}, fmt.Errorf("task %d costs: %w", t.ID, err)
		}
	}
	if len(allocation) > 0 {
		if err := json.Unmarshal(allocation, &t.Allocation); err != nil {
			return model.CompositeTask{}, fmt.Errorf("task %d allocation: %w", t.ID, err)
		}
	}
	if combined.Valid {
		id := combined.String
		t.CombinedInvoiceID = &id
	}
	return t, nil
}

// ListTasks returns the customer's composite tasks.
func (r *Repository) ListTasks(ctx context.Context, customerID int64) ([]model.CompositeTask, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+taskColumns+` FROM composite_tasks WHERE customer_id = $1 ORDER BY id`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.CompositeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask loads one composite task.
func (r *Repository) GetTask(ctx context.Context, id int64) (model.CompositeTask, error) {
	t, err := scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM composite_tasks WHERE id = $1`, id))
	if err != nil {
		return model.CompositeTask{}, notFound(err, "task", id)
	}
	return t, nil
}

// ListTaskItems returns the billboards of a task.
func (r *Repository) ListTaskItems(ctx context.Context, taskID int64) ([]model.TaskLineItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT billboard_id, size, face_count, native_face_count, area_per_face, has_cutout,
			pricing_type, price_per_meter, customer_install_cost, company_install_cost,
			additional_customer_cost, additional_company_cost
		FROM task_items
		WHERE task_id = $1
		ORDER BY billboard_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskLineItem
	for rows.Next() {
		var (
			it          model.TaskLineItem
			faces       pgtype.Int4
			pricingType string
		)
		if err := rows.Scan(&it.BillboardID, &it.Size, &faces, &it.NativeFaceCount, &it.AreaPerFace, &it.HasCutout,
			&pricingType, &it.PricePerMeter, &it.CustomerInstallCost, &it.CompanyInstallCost,
			&it.AdditionalCustomerCost, &it.AdditionalCompanyCost); err != nil {
			return nil, err
		}
		it.PricingType = model.PricingType(pricingType)
		if faces.Valid {
			n := int(faces.Int32)
			it.FaceCount = &n
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SizeTable loads the billboard size catalogue.
func (r *Repository) SizeTable(ctx context.Context) (pricing.SizeTable, error) {
	rows, err := r.pool.Query(ctx, `SELECT name, width, height, install_price, team_install_price FROM billboard_sizes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var specs []pricing.SizeSpec
	for rows.Next() {
		var s pricing.SizeSpec
		if err := rows.Scan(&s.Name, &s.Width, &s.Height, &s.InstallPrice, &s.TeamInstallPrice); err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pricing.NewSizeTable(specs), nil
}

// CustomerAdjustments loads discounts and extra purchases; a customer without
// a row has none.
func (r *Repository) CustomerAdjustments(ctx context.Context, customerID int64) (Adjustments, error) {
	var adj Adjustments
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(discount), 0), COALESCE(SUM(extra_purchase), 0)
		FROM customer_adjustments
		WHERE customer_id = $1`, customerID).Scan(&adj.Discounts, &adj.ExtraPurchases)
	if err != nil {
		return Adjustments{}, err
	}
	return adj, nil
}

// ListCustomerIDs returns every customer holding a contract or ledger entry.
func (r *Repository) ListCustomerIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT customer_id FROM contracts
		UNION
		SELECT customer_id FROM ledger_entries
		ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertReceipts writes the distribution's receipts, its idempotency key and
// an audit record in one transaction.
func (r *Repository) InsertReceipts(ctx context.Context, key string, entries []model.LedgerEntry) ([]model.LedgerEntry, error) {
	if len(entries) == 0 {
		return nil, errors.New("billing: no receipts to insert")
	}
	stored := make([]model.LedgerEntry, len(entries))
	copy(stored, entries)
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if key != "" {
			if err := r.idempotency.With(tx).CheckAndInsert(ctx, key, idempotencyModule); err != nil {
				return err
			}
		}
		total := decimal.Zero
		for i := range stored {
			e := &stored[i]
			if err := tx.QueryRow(ctx, `
				INSERT INTO ledger_entries (
					customer_id, contract_id, amount, entry_type, distributed_group_id,
					method, notes, created_at, paid_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id`,
				e.CustomerID, e.ContractID, e.Amount, string(e.Type), e.DistributedGroupID,
				e.Method, e.Notes, e.CreatedAt, e.PaidAt,
			).Scan(&e.ID); err != nil {
				return fmt.Errorf("insert receipt for contract %v: %w", e.ContractID, err)
			}
			total = total.Add(e.Amount)
		}
		return r.audit.With(tx).Record(ctx, shared.AuditLog{
			Action:   "payment.distribute",
			Entity:   "distributed_group",
			EntityID: stored[0].GroupID(),
			Meta: map[string]any{
				"customer_id": stored[0].CustomerID,
				"receipts":    len(stored),
				"total":       total.StringFixed(2),
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// SaveTaskAllocation persists the allocation and the rolled-up totals.
func (r *Repository) SaveTaskAllocation(ctx context.Context, task model.CompositeTask) error {
	alloc, err := json.Marshal(task.Allocation)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE composite_tasks
			SET cost_allocation = $2, discount_amount = $3, customer_total = $4,
				company_total = $5, net_profit = $6, profit_percentage = $7, updated_at = NOW()
			WHERE id = $1`,
			task.ID, alloc, task.DiscountAmount, task.CustomerTotal,
			task.CompanyTotal, task.NetProfit, task.ProfitPercentage)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %d: %w", task.ID, shared.ErrNotFound)
		}
		return r.audit.With(tx).Record(ctx, shared.AuditLog{
			Action:   "task.allocation.save",
			Entity:   "composite_task",
			EntityID: fmt.Sprint(task.ID),
			Meta: map[string]any{
				"customer_total": task.CustomerTotal.StringFixed(2),
				"net_profit":     task.NetProfit.StringFixed(2),
			},
		})
	})
}
