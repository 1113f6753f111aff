package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateAccountSign enforces the sign convention of each account class:
// holdings never go negative, liabilities never go positive, external
// boundary accounts are unconstrained.
func (v *InvariantValidator) ValidateAccountSign(key AccountKey) error {
	switch {
	case key.Scope == AccountScopeExternal:
		return nil
	case key.SubType == SubTypeVaultDebt, key.SubType == SubTypeSystemBadDebt:
		return v.tracker.ValidateNonPositive(key)
	default:
		return v.tracker.ValidateNonNegative(key)
	}
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for asset, total := range v.tracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total)
		}
	}
	return nil
}
