// Package model defines the billing records shared by the pricing, ledger,
// distribution and allocation engines. Records are snapshots read from the
// store; the engines never persist them.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Contract is a billboard rental contract.
type Contract struct {
	ID                 int64           `json:"id"`
	Number             string          `json:"number"`
	CustomerID         int64           `json:"customer_id"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	FriendRentalAmount decimal.Decimal `json:"friend_rental_amount"`
	AdType             string          `json:"ad_type"`
	CustomerCategory   string          `json:"customer_category"`
	BillboardCount     int             `json:"billboard_count"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
}

// Side is the accounting side an entry lands on.
type Side int

const (
	SideNeutral Side = iota
	SideDebit
	SideCredit
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryReceipt         EntryType = "receipt"
	EntryInvoice         EntryType = "invoice"
	EntryDebt            EntryType = "debt"
	EntryAccountPayment  EntryType = "account_payment"
	EntryPayment         EntryType = "payment"
	EntrySalesInvoice    EntryType = "sales_invoice"
	EntryPurchaseInvoice EntryType = "purchase_invoice"
	EntryPrintedInvoice  EntryType = "printed_invoice"
	EntryGeneralDebit    EntryType = "general_debit"
	EntryGeneralCredit   EntryType = "general_credit"
)

// EntryTypes lists every known entry type.
var EntryTypes = []EntryType{
	EntryReceipt, EntryInvoice, EntryDebt, EntryAccountPayment, EntryPayment,
	EntrySalesInvoice, EntryPurchaseInvoice, EntryPrintedInvoice,
	EntryGeneralDebit, EntryGeneralCredit,
}

// Side reports the accounting side. Purchase invoice rows are neutral here:
// purchases reduce the balance through the purchase invoice table instead.
func (t EntryType) Side() Side {
	switch t {
	case EntryInvoice, EntryDebt, EntryGeneralDebit, EntrySalesInvoice, EntryPrintedInvoice:
		return SideDebit
	case EntryReceipt, EntryAccountPayment, EntryPayment, EntryGeneralCredit:
		return SideCredit
	case EntryPurchaseInvoice:
		return SideNeutral
	default:
		return SideNeutral
	}
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	for _, known := range EntryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsStandaloneDebt reports whether the type is a debt record that is only
// counted when not linked to an invoice table.
func (t EntryType) IsStandaloneDebt() bool {
	return t == EntryInvoice || t == EntryDebt || t == EntryGeneralDebit
}

// IsCredit reports whether the entry reduces the customer's debt.
func (t EntryType) IsCredit() bool {
	return t.Side() == SideCredit
}

// IsPaymentCredit reports whether the entry is a payment that counts when
// replaying balances for historical receipts. General credits are adjustments,
// not payments.
func (t EntryType) IsPaymentCredit() bool {
	return t == EntryReceipt || t == EntryAccountPayment || t == EntryPayment
}

// InvoiceKind names the invoice table an entry links to.
type InvoiceKind string

const (
	InvoiceSales    InvoiceKind = "sales"
	InvoicePrinted  InvoiceKind = "printed"
	InvoicePurchase InvoiceKind = "purchase"
)

// InvoiceLink references one row in an invoice table.
type InvoiceLink struct {
	Kind InvoiceKind `json:"kind"`
	ID   string      `json:"id"`
}

// LedgerEntry is a single payment row.
type LedgerEntry struct {
	ID                 int64           `json:"id"`
	CustomerID         int64           `json:"customer_id"`
	ContractID         *int64          `json:"contract_id,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	Type               EntryType       `json:"type"`
	DistributedGroupID *string         `json:"distributed_group_id,omitempty"`
	Link               *InvoiceLink    `json:"link,omitempty"`
	Method             string          `json:"method,omitempty"`
	Notes              string          `json:"notes,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
}

// EffectiveTime returns the paid date, falling back to creation time.
func (e LedgerEntry) EffectiveTime() time.Time {
	if e.PaidAt != nil && !e.PaidAt.IsZero() {
		return *e.PaidAt
	}
	return e.CreatedAt
}

// GroupID returns the distributed group id or "".
func (e LedgerEntry) GroupID() string {
	if e.DistributedGroupID == nil {
		return ""
	}
	return *e.DistributedGroupID
}

// Linked reports whether the entry belongs to an invoice table.
func (e LedgerEntry) Linked() bool {
	return e.Link != nil && e.Link.ID != ""
}

// ForContract reports whether the entry was posted against contractID.
func (e LedgerEntry) ForContract(contractID int64) bool {
	return e.ContractID != nil && *e.ContractID == contractID
}

// Invoice is a sales, printed or purchase invoice.
type Invoice struct {
	ID                    string          `json:"id"`
	Kind                  InvoiceKind     `json:"kind"`
	CustomerID            int64           `json:"customer_id"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	UsedAsPayment         decimal.Decimal `json:"used_as_payment"`
	IncludedInContract    bool            `json:"included_in_contract"`
	CombinedTaskInvoiceID *string         `json:"combined_task_invoice_id,omitempty"`
}

// TaskType distinguishes first installations from reinstallation jobs.
type TaskType string

const (
	TaskNewInstallation TaskType = "new_installation"
	TaskReinstallation  TaskType = "reinstallation"
)

// Service is one sub-service of a composite task.
type Service string

const (
	ServiceInstallation Service = "installation"
	ServicePrint        Service = "print"
	ServiceCutout       Service = "cutout"
)

// Services lists sub-services in their display order.
var Services = []Service{ServicePrint, ServiceCutout, ServiceInstallation}

// ServiceCost holds the customer-facing and company cost of a sub-service.
type ServiceCost struct {
	Customer decimal.Decimal `json:"customer"`
	Company  decimal.Decimal `json:"company"`
}

// AllocationMode selects how a service split is expressed.
type AllocationMode string

const (
	ModePercentage AllocationMode = "percentage"
	ModeAmount     AllocationMode = "amount"
)

// Party is one side of a cost split.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyCompany  Party = "company"
	PartyPrinter  Party = "printer"
)

// Shares holds one value per party, either amounts or percentages.
type Shares struct {
	Customer decimal.Decimal `json:"customer"`
	Company  decimal.Decimal `json:"company"`
	Printer  decimal.Decimal `json:"printer"`
}

// Sum adds the three shares.
func (s Shares) Sum() decimal.Decimal {
	return s.Customer.Add(s.Company).Add(s.Printer)
}

// Get returns the share of p.
func (s Shares) Get(p Party) decimal.Decimal {
	switch p {
	case PartyCustomer:
		return s.Customer
	case PartyCompany:
		return s.Company
	case PartyPrinter:
		return s.Printer
	}
	return decimal.Zero
}

// With returns a copy with p set to v.
func (s Shares) With(p Party, v decimal.Decimal) Shares {
	switch p {
	case PartyCustomer:
		s.Customer = v
	case PartyCompany:
		s.Company = v
	case PartyPrinter:
		s.Printer = v
	}
	return s
}

// ServiceAllocation splits one service's cost among customer, company and printer.
type ServiceAllocation struct {
	Enabled        bool            `json:"enabled"`
	Mode           AllocationMode  `json:"mode"`
	Shares         Shares          `json:"shares"`
	Reason         string          `json:"reason,omitempty"`
	Discount       decimal.Decimal `json:"discount"`
	DiscountReason string          `json:"discount_reason,omitempty"`
}

// CostAllocation holds the allocation of each service of a task.
type CostAllocation map[Service]ServiceAllocation

// CompositeTask bundles installation, print and cutout for one customer job.
type CompositeTask struct {
	ID                int64                   `json:"id"`
	ContractID        int64                   `json:"contract_id"`
	CustomerID        int64                   `json:"customer_id"`
	Type              TaskType                `json:"task_type"`
	Costs             map[Service]ServiceCost `json:"costs"`
	DiscountAmount    decimal.Decimal         `json:"discount_amount"`
	DiscountReason    string                  `json:"discount_reason,omitempty"`
	Allocation        CostAllocation          `json:"cost_allocation,omitempty"`
	CustomerTotal     decimal.Decimal         `json:"customer_total"`
	CompanyTotal      decimal.Decimal         `json:"company_total"`
	NetProfit         decimal.Decimal         `json:"net_profit"`
	ProfitPercentage  decimal.Decimal         `json:"profit_percentage"`
	CombinedInvoiceID *string                 `json:"combined_invoice_id,omitempty"`
}

// Invoiced reports whether the task already produced a combined invoice.
func (t CompositeTask) Invoiced() bool {
	return t.CombinedInvoiceID != nil && *t.CombinedInvoiceID != ""
}

// PricingType selects piece or per-square-meter pricing.
type PricingType string

const (
	PricingPiece PricingType = "piece"
	PricingMeter PricingType = "meter"
)

// TaskLineItem is one billboard inside a task.
type TaskLineItem struct {
	BillboardID            int64           `json:"billboard_id"`
	Size                   string          `json:"size"`
	FaceCount              *int            `json:"face_count,omitempty"`
	NativeFaceCount        int             `json:"native_face_count,omitempty"`
	AreaPerFace            decimal.Decimal `json:"area_per_face"`
	HasCutout              bool            `json:"has_cutout"`
	PricingType            PricingType     `json:"pricing_type"`
	PricePerMeter          decimal.Decimal `json:"price_per_meter"`
	CustomerInstallCost    decimal.Decimal `json:"customer_install_cost"`
	CompanyInstallCost     decimal.Decimal `json:"company_install_cost"`
	AdditionalCustomerCost decimal.Decimal `json:"additional_customer_cost"`
	AdditionalCompanyCost  decimal.Decimal `json:"additional_company_cost"`
}
