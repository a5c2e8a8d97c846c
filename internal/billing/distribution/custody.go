package distribution

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/adboard/ledger/internal/billing/model"
	"github.com/adboard/ledger/internal/money"
)

// BeneficiaryShare is the part of a custody amount handed to one employee.
type BeneficiaryShare struct {
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
}

// SplitCustody checks a custody split before it is committed: each
// beneficiary appears once, every share is positive and the shares add up to
// total within one cent.
func SplitCustody(total decimal.Decimal, shares []BeneficiaryShare) error {
	if !total.IsPositive() {
		return ErrNonPositiveTotal
	}
	if len(shares) == 0 {
		return ErrNoTargets
	}
	seen := make(map[string]bool, len(shares))
	sum := decimal.Zero
	for _, s := range shares {
		key := strings.ToLower(strings.TrimSpace(s.Beneficiary))
		if seen[key] {
			return &model.DuplicateBeneficiaryError{Beneficiary: s.Beneficiary}
		}
		seen[key] = true
		if !s.Amount.IsPositive() {
			return fmt.Errorf("beneficiary %s: %w", s.Beneficiary, ErrNonPositiveAllocation)
		}
		sum = sum.Add(s.Amount)
	}
	if !money.Within(sum, total, money.DistributionEpsilon) {
		return &model.IncompleteDistributionError{Expected: total, Allocated: sum, Delta: total.Sub(sum)}
	}
	return nil
}
