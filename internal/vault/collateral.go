package vault

import (
	"fmt"

	"github.com/google/uuid"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
)

// CollateralKind holds the risk parameters of one collateral asset. Only
// Enabled may change after registration.
type CollateralKind struct {
	ID                      string `json:"id" toml:"id"`
	LTVBps                  int64  `json:"ltv_bps" toml:"ltv_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps" toml:"liquidation_threshold_bps"`
	LiquidationPenaltyBps   int64  `json:"liquidation_penalty_bps" toml:"liquidation_penalty_bps"`
	Enabled                 bool   `json:"enabled" toml:"enabled"`
}

// ValidateCollateralKind checks parameter ranges: 0 < ltv < threshold <= 10000,
// 0 <= penalty <= 10000, and threshold * (1 + penalty) < 1 so that seizing
// collateral at the penalty rate can never lower a position's health factor.
func ValidateCollateralKind(k CollateralKind) error {
	bps := fpmath.BpsDenominator
	if k.ID == "" {
		return fmt.Errorf("%w: id must not be empty", protocol.ErrInvalidCollateralParams)
	}
	if k.LTVBps <= 0 {
		return fmt.Errorf("%w: ltv_bps must be > 0, got %d", protocol.ErrInvalidCollateralParams, k.LTVBps)
	}
	if k.LiquidationThresholdBps <= k.LTVBps {
		return fmt.Errorf("%w: liquidation_threshold_bps (%d) must be > ltv_bps (%d)",
			protocol.ErrInvalidCollateralParams, k.LiquidationThresholdBps, k.LTVBps)
	}
	if k.LiquidationThresholdBps > bps {
		return fmt.Errorf("%w: liquidation_threshold_bps must be <= %d, got %d",
			protocol.ErrInvalidCollateralParams, bps, k.LiquidationThresholdBps)
	}
	if k.LiquidationPenaltyBps < 0 || k.LiquidationPenaltyBps > bps {
		return fmt.Errorf("%w: liquidation_penalty_bps must be in [0, %d], got %d",
			protocol.ErrInvalidCollateralParams, bps, k.LiquidationPenaltyBps)
	}
	if k.LiquidationThresholdBps*(bps+k.LiquidationPenaltyBps) >= bps*bps {
		return fmt.Errorf("%w: threshold %d with penalty %d leaves no liquidation margin",
			protocol.ErrInvalidCollateralParams, k.LiquidationThresholdBps, k.LiquidationPenaltyBps)
	}
	return nil
}

// RegisterCollateralKind adds a new kind. Admin only.
func (v *Vault) RegisterCollateralKind(caller uuid.UUID, k CollateralKind) error {
	if err := v.guard.Enter(); err != nil {
		return err
	}
	defer v.guard.Exit()

	if caller != v.admin {
		return fmt.Errorf("register collateral %s: %w", k.ID, protocol.ErrUnauthorized)
	}
	if err := ValidateCollateralKind(k); err != nil {
		return err
	}
	if _, exists := v.kinds[k.ID]; exists {
		return fmt.Errorf("register collateral %s: %w", k.ID, protocol.ErrCollateralExists)
	}
	cp := k
	v.kinds[k.ID] = &cp
	return nil
}

// SetCollateralEnabled toggles whether new deposits of a kind are accepted. Admin only.
func (v *Vault) SetCollateralEnabled(caller uuid.UUID, kindID string, enabled bool) (CollateralKind, error) {
	if err := v.guard.Enter(); err != nil {
		return CollateralKind{}, err
	}
	defer v.guard.Exit()

	if caller != v.admin {
		return CollateralKind{}, fmt.Errorf("set collateral %s enabled: %w", kindID, protocol.ErrUnauthorized)
	}
	k, ok := v.kinds[kindID]
	if !ok {
		return CollateralKind{}, fmt.Errorf("set collateral %s enabled: %w", kindID, protocol.ErrUnknownCollateral)
	}
	k.Enabled = enabled
	return *k, nil
}

func (v *Vault) CollateralKind(id string) (CollateralKind, bool) {
	k, ok := v.kinds[id]
	if !ok {
		return CollateralKind{}, false
	}
	return *k, true
}

// CollateralKinds returns all registered kinds ordered by id.
func (v *Vault) CollateralKinds() []CollateralKind {
	out := make([]CollateralKind, 0, len(v.kinds))
	for _, id := range sortedKeys(v.kinds) {
		out = append(out, *v.kinds[id])
	}
	return out
}

// RestoreCollateralKind loads a persisted kind without validation or auth.
func (v *Vault) RestoreCollateralKind(k CollateralKind) {
	cp := k
	v.kinds[k.ID] = &cp
}
