// Package pricing computes installation, print and cutout costs for
// billboard faces from a size price table.
package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

// SizeSpec is one row of the size price table.
type SizeSpec struct {
	Name             string          `json:"name"`
	Width            decimal.Decimal `json:"width"`
	Height           decimal.Decimal `json:"height"`
	InstallPrice     decimal.Decimal `json:"install_price"`
	TeamInstallPrice decimal.Decimal `json:"team_install_price"`
}

// Area returns width*height for one face.
func (s SizeSpec) Area() decimal.Decimal {
	return s.Width.Mul(s.Height)
}

// SizeTable indexes size specs by normalised name.
type SizeTable map[string]SizeSpec

// NewSizeTable builds a table from rows.
func NewSizeTable(rows []SizeSpec) SizeTable {
	table := make(SizeTable, len(rows))
	for _, row := range rows {
		table[NormalizeSize(row.Name)] = row
	}
	return table
}

// Lookup finds a spec by raw size name.
func (t SizeTable) Lookup(size string) (SizeSpec, bool) {
	spec, ok := t[NormalizeSize(size)]
	return spec, ok
}

// Policy carries the pricing defaults callers may override.
type Policy struct {
	// DefaultFaces is used when neither the item nor the billboard states a face count.
	DefaultFaces int
	// FallbackInstallPerMeter prices piece-mode items whose size is missing from the
	// table but whose literal dimensions parse. Zero disables the fallback.
	FallbackInstallPerMeter decimal.Decimal
}

// DefaultPolicy returns two faces and no price fallback.
func DefaultPolicy() Policy {
	return Policy{DefaultFaces: 2}
}

var sizeReplacer = strings.NewReplacer("×", "x", "*", "x", "X", "x", " ", "")

// NormalizeSize lowercases separators so "3 X 4", "3×4" and "3*4" match "3x4".
func NormalizeSize(size string) string {
	return sizeReplacer.Replace(strings.TrimSpace(size))
}

// ParseSize reads literal "WxH" dimensions.
func ParseSize(size string) (width, height decimal.Decimal, ok bool) {
	parts := strings.Split(NormalizeSize(size), "x")
	if len(parts) != 2 {
		return decimal.Zero, decimal.Zero, false
	}
	w, err := decimal.NewFromString(parts[0])
	if err != nil || !w.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	h, err := decimal.NewFromString(parts[1])
	if err != nil || !h.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return w, h, true
}

// Faces resolves the effective face count of an item.
func (p Policy) Faces(item model.TaskLineItem) int {
	if item.FaceCount != nil && *item.FaceCount > 0 {
		return *item.FaceCount
	}
	if item.NativeFaceCount > 0 {
		return item.NativeFaceCount
	}
	if p.DefaultFaces > 0 {
		return p.DefaultFaces
	}
	return 2
}

// Quote is the priced result of one line item.
type Quote struct {
	BillboardID  int64           `json:"billboard_id"`
	Size         string          `json:"size"`
	AreaPerFace  decimal.Decimal `json:"area_per_face"`
	Faces        int             `json:"faces"`
	Base         decimal.Decimal `json:"base"`
	CustomerCost decimal.Decimal `json:"customer_cost"`
	CompanyCost  decimal.Decimal `json:"company_cost"`
	PrintCost    decimal.Decimal `json:"print_cost"`
	CutoutCost   decimal.Decimal `json:"cutout_cost"`
	// FaceCosts splits the customer, print and cutout cost across the faces.
	FaceCosts []decimal.Decimal `json:"face_costs"`
	Missing   bool              `json:"missing"`
}

// resolved is the outcome of looking a size up in the table or parsing it.
type resolved struct {
	area    decimal.Decimal
	spec    SizeSpec
	inTable bool
	parsed  bool
}

func resolve(item model.TaskLineItem, table SizeTable) resolved {
	if spec, ok := table.Lookup(item.Size); ok {
		area := spec.Area()
		if item.AreaPerFace.IsPositive() {
			area = item.AreaPerFace
		}
		return resolved{area: area, spec: spec, inTable: true}
	}
	if w, h, ok := ParseSize(item.Size); ok {
		area := w.Mul(h)
		if item.AreaPerFace.IsPositive() {
			area = item.AreaPerFace
		}
		return resolved{area: area, parsed: true}
	}
	if item.AreaPerFace.IsPositive() {
		return resolved{area: item.AreaPerFace, parsed: true}
	}
	return resolved{}
}

// ComputeInstallCost prices the installation of one line item. A size that has
// neither a table row nor parseable dimensions yields a zero quote flagged as
// missing together with a *model.MissingPriceError.
func ComputeInstallCost(item model.TaskLineItem, table SizeTable, policy Policy) (Quote, error) {
	faces := policy.Faces(item)
	r := resolve(item, table)
	q := Quote{
		BillboardID: item.BillboardID,
		Size:        item.Size,
		AreaPerFace: r.area,
		Faces:       faces,
	}

	var base, teamBase decimal.Decimal
	switch item.PricingType {
	case model.PricingMeter:
		if !r.inTable && !r.parsed {
			return missing(q, item)
		}
		base = money.Round2(item.PricePerMeter.Mul(r.area).Mul(decimal.NewFromInt(int64(faces))))
		teamBase = base
	default:
		switch {
		case r.inTable:
			base = r.spec.InstallPrice
			teamBase = r.spec.TeamInstallPrice
			if teamBase.IsZero() {
				teamBase = base
			}
		case r.parsed && policy.FallbackInstallPerMeter.IsPositive():
			// Fallback rate is per square meter of a two-face board.
			base = money.Round2(policy.FallbackInstallPerMeter.Mul(r.area).Mul(decimal.NewFromInt(2)))
			teamBase = base
		default:
			return missing(q, item)
		}
		if faces == 1 {
			base = money.Round2(base.Div(decimal.NewFromInt(2)))
			teamBase = money.Round2(teamBase.Div(decimal.NewFromInt(2)))
		}
	}

	q.Base = base
	customer := base
	if item.CustomerInstallCost.IsPositive() {
		customer = item.CustomerInstallCost
	}
	company := teamBase
	if item.CompanyInstallCost.IsPositive() {
		company = item.CompanyInstallCost
	}
	q.CustomerCost = customer.Add(item.AdditionalCustomerCost)
	q.CompanyCost = company.Add(item.AdditionalCompanyCost)
	return q, nil
}

func missing(q Quote, item model.TaskLineItem) (Quote, error) {
	q.Missing = true
	q.Base = decimal.Zero
	q.CustomerCost = decimal.Zero
	q.CompanyCost = decimal.Zero
	return q, &model.MissingPriceError{BillboardID: item.BillboardID, Size: item.Size}
}

// ComputePrintCost prices printing of every face at pricePerMeter.
func ComputePrintCost(item model.TaskLineItem, table SizeTable, policy Policy, pricePerMeter decimal.Decimal) (decimal.Decimal, error) {
	r := resolve(item, table)
	if !r.inTable && !r.parsed {
		return decimal.Zero, &model.MissingPriceError{BillboardID: item.BillboardID, Size: item.Size}
	}
	faces := decimal.NewFromInt(int64(policy.Faces(item)))
	return money.Round2(pricePerMeter.Mul(r.area).Mul(faces)), nil
}

// CutoutTargets returns the billboards that carry cutout cost: items flagged
// HasCutout plus items listed in the cutout task.
func CutoutTargets(items []model.TaskLineItem, cutoutTaskItems []int64) map[int64]bool {
	targets := make(map[int64]bool)
	for _, item := range items {
		if item.HasCutout {
			targets[item.BillboardID] = true
		}
	}
	for _, id := range cutoutTaskItems {
		targets[id] = true
	}
	return targets
}

// AllocateCutout spreads a cutout total evenly over the target billboards in
// billboard order. Billboards outside the targets get nothing.
func AllocateCutout(total decimal.Decimal, targets map[int64]bool) map[int64]decimal.Decimal {
	ids := make([]int64, 0, len(targets))
	for id, ok := range targets {
		if ok {
			ids = append(ids, id)
		}
	}
	out := make(map[int64]decimal.Decimal, len(ids))
	if len(ids) == 0 {
		return out
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	parts := evenSplit(total, len(ids))
	for i, id := range ids {
		out[id] = parts[i]
	}
	return out
}

// SplitAcrossFaces divides a billboard total across its faces in cents; the
// last face absorbs the rounding remainder so the parts sum to total exactly.
func SplitAcrossFaces(total decimal.Decimal, faces int) []decimal.Decimal {
	if faces < 1 {
		faces = 1
	}
	return evenSplit(total, faces)
}

func evenSplit(total decimal.Decimal, n int) []decimal.Decimal {
	parts := make([]decimal.Decimal, n)
	share := total.Div(decimal.NewFromInt(int64(n))).RoundDown(2)
	assigned := decimal.Zero
	for i := 0; i < n-1; i++ {
		parts[i] = share
		assigned = assigned.Add(share)
	}
	parts[n-1] = total.Sub(assigned)
	return parts
}

// Extras prices the parts of a task beyond installation. Zero amounts leave
// the matching cost out of the quote.
type Extras struct {
	PrintPricePerMeter decimal.Decimal `json:"print_price_per_meter"`
	CutoutTotal        decimal.Decimal `json:"cutout_total"`
	// CutoutItems adds billboards of the cutout task to the items flagged HasCutout.
	CutoutItems []int64 `json:"cutout_items"`
}

// TaskQuote totals the quotes of a task.
type TaskQuote struct {
	Lines         []Quote         `json:"lines"`
	CustomerTotal decimal.Decimal `json:"customer_total"`
	CompanyTotal  decimal.Decimal `json:"company_total"`
	PrintTotal    decimal.Decimal `json:"print_total"`
	CutoutTotal   decimal.Decimal `json:"cutout_total"`
	Warnings      []string        `json:"warnings,omitempty"`
}

// QuoteTask prices every item. Missing prices do not stop the quote; they are
// listed as warnings and also returned joined as the error. The cutout total
// is shared only by billboards of items, and each line's costs are split
// across its faces.
func QuoteTask(items []model.TaskLineItem, table SizeTable, policy Policy, extras Extras) (TaskQuote, error) {
	out := TaskQuote{Lines: make([]Quote, 0, len(items))}
	cutout := quotedCutout(items, extras)
	if extras.CutoutTotal.IsPositive() && len(cutout) == 0 {
		out.Warnings = append(out.Warnings, "cutout total has no billboard to carry it")
	}
	var errs []error
	for _, item := range items {
		q, err := ComputeInstallCost(item, table, policy)
		if err != nil {
			var mp *model.MissingPriceError
			if !errors.As(err, &mp) {
				return TaskQuote{}, fmt.Errorf("pricing: billboard %d: %w", item.BillboardID, err)
			}
			errs = append(errs, err)
			out.Warnings = append(out.Warnings, err.Error())
		}
		if extras.PrintPricePerMeter.IsPositive() {
			// An unresolvable size already failed the install price above.
			if cost, perr := ComputePrintCost(item, table, policy, extras.PrintPricePerMeter); perr == nil {
				q.PrintCost = cost
			}
		}
		q.CutoutCost = cutout[item.BillboardID]
		q.FaceCosts = SplitAcrossFaces(q.CustomerCost.Add(q.PrintCost).Add(q.CutoutCost), q.Faces)

		out.Lines = append(out.Lines, q)
		out.CustomerTotal = out.CustomerTotal.Add(q.CustomerCost)
		out.CompanyTotal = out.CompanyTotal.Add(q.CompanyCost)
		out.PrintTotal = out.PrintTotal.Add(q.PrintCost)
		out.CutoutTotal = out.CutoutTotal.Add(q.CutoutCost)
	}
	return out, errors.Join(errs...)
}

func quotedCutout(items []model.TaskLineItem, extras Extras) map[int64]decimal.Decimal {
	if !extras.CutoutTotal.IsPositive() {
		return nil
	}
	present := make(map[int64]bool, len(items))
	for _, item := range items {
		present[item.BillboardID] = true
	}
	targets := CutoutTargets(items, extras.CutoutItems)
	for id := range targets {
		if !present[id] {
			delete(targets, id)
		}
	}
	return AllocateCutout(extras.CutoutTotal, targets)
}
