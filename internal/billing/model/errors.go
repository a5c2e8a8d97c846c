package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrValidation is the root of every user-correctable billing failure.
var ErrValidation = errors.New("billing: validation failed")

// UnbalancedAllocationError reports a service split that does not add up.
type UnbalancedAllocationError struct {
	Service Service
	Mode    AllocationMode
	Sum     decimal.Decimal
	Target  decimal.Decimal
	Delta   decimal.Decimal
}

func (e *UnbalancedAllocationError) Error() string {
	unit := ""
	if e.Mode == ModePercentage {
		unit = "%"
	}
	return fmt.Sprintf("billing: %s allocation unbalanced: sum %s%s, expected %s%s (delta %s)",
		e.Service, e.Sum.String(), unit, e.Target.String(), unit, e.Delta.String())
}

func (e *UnbalancedAllocationError) Unwrap() error { return ErrValidation }

// IncompleteDistributionError reports a payment split whose lines do not sum to the payment.
type IncompleteDistributionError struct {
	Expected  decimal.Decimal
	Allocated decimal.Decimal
	Delta     decimal.Decimal
}

func (e *IncompleteDistributionError) Error() string {
	return fmt.Sprintf("billing: distribution incomplete: allocated %s of %s (delta %s)",
		e.Allocated.StringFixed(2), e.Expected.StringFixed(2), e.Delta.StringFixed(2))
}

func (e *IncompleteDistributionError) Unwrap() error { return ErrValidation }

// MissingPriceError reports a billboard size that cannot be priced.
type MissingPriceError struct {
	BillboardID int64
	Size        string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("billing: no price for size %q (billboard %d)", e.Size, e.BillboardID)
}

func (e *MissingPriceError) Unwrap() error { return ErrValidation }

// DuplicateBeneficiaryError reports a beneficiary listed twice in one split.
type DuplicateBeneficiaryError struct {
	Beneficiary string
}

func (e *DuplicateBeneficiaryError) Error() string {
	return fmt.Sprintf("billing: beneficiary %q listed more than once", e.Beneficiary)
}

func (e *DuplicateBeneficiaryError) Unwrap() error { return ErrValidation }
