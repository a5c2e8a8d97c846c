package billing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/adboard/ledger/internal/billing/allocation"
	"github.com/adboard/ledger/internal/billing/distribution"
	"github.com/adboard/ledger/internal/billing/ledger"
	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/billing/pricing"
	"github.com/adboard/ledger/internal/platform/httpx"
	"github.com/adboard/ledger/internal/shared"
)

// BillingService is the part of Service the HTTP layer needs.
type BillingService interface {
	CustomerBalance(ctx context.Context, customerID int64, opts ledger.Options) (ledger.Summary, error)
	CustomerStatement(ctx context.Context, customerID int64, opts ledger.Options, page, perPage int) (StatementPage, error)
	OpenContracts(ctx context.Context, customerID int64) ([]distribution.Target, error)
	PaymentHistory(ctx context.Context, customerID int64) ([]distribution.HistoryPoint, error)
	ContractDetails(ctx context.Context, contractID int64) (ledger.Details, error)
	DistributePayment(ctx context.Context, in DistributeInput) (DistributeResult, error)
	BalanceAfterPayment(ctx context.Context, paymentID int64, contractID *int64) (ReceiptBalance, error)
	SaveTaskAllocation(ctx context.Context, taskID int64, alloc model.CostAllocation, generalDiscount decimal.Decimal) (TaskAllocationResult, error)
	QuoteTask(ctx context.Context, taskID int64, items []model.TaskLineItem, extras pricing.Extras) (pricing.TaskQuote, error)
	SplitCustody(total decimal.Decimal, shares []distribution.BeneficiaryShare) error
}

// Handler exposes the billing JSON API.
type Handler struct {
	logger    *slog.Logger
	service   BillingService
	validator *validator.Validate
	languages language.Matcher
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service BillingService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		languages: language.NewMatcher([]language.Tag{language.Indonesian, language.English}),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/customers/{id}", func(r chi.Router) {
		r.Get("/balance", h.customerBalance)
		r.Get("/statement", h.customerStatement)
		r.Get("/open-contracts", h.openContracts)
		r.Get("/payments", h.paymentHistory)
	})
	r.Get("/contracts/{id}", h.contractDetails)
	r.Post("/payments/distribute", h.distributePayment)
	r.Get("/payments/{id}/balance", h.paymentBalance)
	r.Post("/tasks/{id}/allocation", h.saveAllocation)
	r.Post("/tasks/{id}/quote", h.quoteTask)
	r.Post("/allocation/preview", h.previewAllocation)
	r.Post("/custody/split", h.splitCustody)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, httpx.ErrBadRequest
	}
	return id, nil
}

func ledgerOptions(r *http.Request) ledger.Options {
	v := r.URL.Query().Get("exclude_friend_rentals")
	exclude, _ := strconv.ParseBool(v)
	return ledger.Options{ExcludeFriendRentals: exclude}
}

func (h *Handler) customerBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	summary, err := h.service.CustomerBalance(r.Context(), id, ledgerOptions(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) customerStatement(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	out, err := h.service.CustomerStatement(r.Context(), id, ledgerOptions(r), page, perPage)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) openContracts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	targets, err := h.service.OpenContracts(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"contracts": targets})
}

func (h *Handler) paymentHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	points, err := h.service.PaymentHistory(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": points})
}

func (h *Handler) contractDetails(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	details, err := h.service.ContractDetails(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, details)
}

type distributeLine struct {
	ContractID int64           `json:"contract_id" validate:"gt=0"`
	Amount     decimal.Decimal `json:"amount"`
}

type distributeRequest struct {
	CustomerID int64            `json:"customer_id" validate:"required,gt=0"`
	Total      decimal.Decimal  `json:"total"`
	Mode       string           `json:"mode" validate:"omitempty,oneof=auto manual"`
	Lines      []distributeLine `json:"lines" validate:"required_if=Mode manual,dive"`
	// ContractIDs selects the contracts an auto distribution may fill. Lines
	// given in auto mode select their contracts too; their amounts are ignored.
	ContractIDs []int64    `json:"contract_ids" validate:"dive,gt=0"`
	PaidAt      *time.Time `json:"paid_at"`
	Method      string     `json:"method" validate:"max=32"`
	Notes       string     `json:"notes" validate:"max=500"`
	DryRun      bool       `json:"dry_run"`
}

func (h *Handler) distributePayment(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := DistributeInput{
		CustomerID:     req.CustomerID,
		Total:          req.Total,
		Mode:           DistributionMode(req.Mode),
		Method:         req.Method,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		DryRun:         req.DryRun,
	}
	if req.PaidAt != nil {
		in.PaidAt = *req.PaidAt
	}
	if in.Mode == DistributeManual {
		in.Amounts = make(map[int64]decimal.Decimal, len(req.Lines))
		for _, l := range req.Lines {
			if _, dup := in.Amounts[l.ContractID]; dup {
				duplicateContract(w, "lines", l.ContractID)
				return
			}
			in.Amounts[l.ContractID] = l.Amount
		}
	} else {
		seen := make(map[int64]bool, len(req.ContractIDs)+len(req.Lines))
		ids := append([]int64(nil), req.ContractIDs...)
		for _, l := range req.Lines {
			ids = append(ids, l.ContractID)
		}
		for _, id := range ids {
			if seen[id] {
				duplicateContract(w, "contract_ids", id)
				return
			}
			seen[id] = true
		}
		in.ContractIDs = ids
	}
	res, err := h.service.DistributePayment(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if req.DryRun {
		status = http.StatusOK
	}
	httpx.JSON(w, status, res)
}

func duplicateContract(w http.ResponseWriter, field string, id int64) {
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusUnprocessableEntity,
		Errors: map[string]string{field: "contract " + strconv.FormatInt(id, 10) + " listed twice"},
	})
}

type receiptBalanceResponse struct {
	ReceiptBalance
	Display string `json:"display"`
}

func (h *Handler) paymentBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var contractID *int64
	if v := r.URL.Query().Get("contract"); v != "" {
		cid, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cid <= 0 {
			h.fail(w, r, httpx.ErrBadRequest)
			return
		}
		contractID = &cid
	}
	bal, err := h.service.BalanceAfterPayment(r.Context(), id, contractID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receiptBalanceResponse{
		ReceiptBalance: bal,
		Display:        h.formatAmount(r, bal.Balance),
	})
}

// formatAmount renders an amount with the separators of the caller's preferred
// language, as printed on receipts. The digits come from the fixed-point string
// so large balances keep their cents.
func (h *Handler) formatAmount(r *http.Request, amount decimal.Decimal) string {
	tags, _, _ := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	tag, _, _ := h.languages.Match(tags...)
	group, point := separators(message.NewPrinter(tag))

	fixed := amount.StringFixed(2)
	var b strings.Builder
	if rest, ok := strings.CutPrefix(fixed, "-"); ok {
		b.WriteByte('-')
		fixed = rest
	}
	whole, frac, _ := strings.Cut(fixed, ".")
	for i, c := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteString(group)
		}
		b.WriteRune(c)
	}
	b.WriteString(point)
	b.WriteString(frac)
	return b.String()
}

// separators reads the grouping and decimal marks of the printer's locale off
// a rendered sample.
func separators(p *message.Printer) (group, point string) {
	sample := []rune(p.Sprintf("%.1f", 1000.5))
	if len(sample) < 6 {
		return ",", "."
	}
	return string(sample[1 : len(sample)-5]), string(sample[len(sample)-2])
}

type allocationRequest struct {
	Allocation      model.CostAllocation `json:"cost_allocation" validate:"required"`
	GeneralDiscount decimal.Decimal      `json:"general_discount"`
}

func (h *Handler) saveAllocation(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req allocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.service.SaveTaskAllocation(r.Context(), id, req.Allocation, req.GeneralDiscount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type quoteRequest struct {
	Items              []model.TaskLineItem `json:"items" validate:"dive"`
	PrintPricePerMeter decimal.Decimal      `json:"print_price_per_meter"`
	CutoutTotal        decimal.Decimal      `json:"cutout_total"`
	CutoutItems        []int64              `json:"cutout_items" validate:"dive,gt=0"`
}

func (h *Handler) quoteTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req quoteRequest
	if !h.decode(w, r, &req) {
		return
	}
	extras := pricing.Extras{
		PrintPricePerMeter: req.PrintPricePerMeter,
		CutoutTotal:        req.CutoutTotal,
		CutoutItems:        req.CutoutItems,
	}
	quote, err := h.service.QuoteTask(r.Context(), id, req.Items, extras)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, quote)
}

type previewRequest struct {
	Mode   model.AllocationMode `json:"mode" validate:"required,oneof=percentage amount"`
	Total  decimal.Decimal      `json:"total"`
	Shares model.Shares         `json:"shares"`
}

type previewResponse struct {
	Percent model.Shares       `json:"percent"`
	Amount  model.Shares       `json:"amount"`
	Balance allocation.Balance `json:"balance"`
}

func (h *Handler) previewAllocation(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !h.decode(w, r, &req) {
		return
	}
	e := allocation.NewEditor(model.ServiceAllocation{Enabled: true, Mode: req.Mode, Shares: req.Shares}, req.Total)
	httpx.JSON(w, http.StatusOK, previewResponse{Percent: e.Percent, Amount: e.Amount, Balance: e.Check()})
}

type custodyRequest struct {
	Total  decimal.Decimal                 `json:"total"`
	Shares []distribution.BeneficiaryShare `json:"shares" validate:"required,min=1"`
}

func (h *Handler) splitCustody(w http.ResponseWriter, r *http.Request) {
	var req custodyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.SplitCustody(req.Total, req.Shares); err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balanced": true, "shares": req.Shares})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		fields := make(map[string]string)
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Namespace()] = fieldErr.Tag()
			}
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: "request body failed validation",
			Errors: fields,
		})
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := classify(err)
	switch {
	case errors.Is(kind, httpx.ErrValidation):
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: err.Error(),
			Errors: validationDetails(err),
		})
		return
	case kind == nil && !errors.Is(err, httpx.ErrBadRequest):
		h.logger.Error("billing request failed",
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("error", err))
	}
	httpx.RespondError(w, err, classify)
}

func classify(err error) error {
	switch {
	case errors.Is(err, model.ErrValidation),
		errors.Is(err, ErrUnknownTarget),
		errors.Is(err, distribution.ErrNoTargets),
		errors.Is(err, distribution.ErrNonPositiveAllocation),
		errors.Is(err, distribution.ErrNonPositiveTotal):
		return httpx.ErrValidation
	case errors.Is(err, shared.ErrNotFound),
		errors.Is(err, ledger.ErrContractNotFound),
		errors.Is(err, distribution.ErrPaymentNotFound):
		return httpx.ErrNotFound
	case errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, shared.ErrLocked):
		return httpx.ErrConflict
	}
	return nil
}

// validationDetails flattens structured validation errors, including joined
// ones, into problem detail fields.
func validationDetails(err error) map[string]string {
	out := make(map[string]string)
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		switch e := err.(type) {
		case *model.UnbalancedAllocationError:
			out["allocation."+string(e.Service)] = e.Error()
			return
		case *model.IncompleteDistributionError:
			out["delta"] = e.Delta.StringFixed(2)
			return
		case *model.MissingPriceError:
			out["billboard."+strconv.FormatInt(e.BillboardID, 10)] = e.Error()
			return
		case *model.DuplicateBeneficiaryError:
			out["beneficiary"] = e.Beneficiary
			return
		case interface{ Unwrap() []error }:
			for _, inner := range e.Unwrap() {
				walk(inner)
			}
			return
		}
		walk(errors.Unwrap(err))
	}
	walk(err)
	if len(out) == 0 {
		return nil
	}
	return out
}
