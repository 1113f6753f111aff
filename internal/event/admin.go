package event

import "github.com/shopspring/decimal"

// RegisterCollateralKind adds a collateral kind to the registry. Admin only.
type RegisterCollateralKind struct {
	Meta
	KindID                  string `json:"kind_id"`
	LTVBps                  int64  `json:"ltv_bps"`
	LiquidationThresholdBps int64  `json:"liquidation_threshold_bps"`
	LiquidationPenaltyBps   int64  `json:"liquidation_penalty_bps"`
	Enabled                 bool   `json:"enabled"`
}

func (r *RegisterCollateralKind) EventType() EventType { return EventTypeCollateralKindRegistered }

// SetCollateralEnabled toggles whether new deposits of a kind are accepted.
type SetCollateralEnabled struct {
	Meta
	KindID  string `json:"kind_id"`
	Enabled bool   `json:"enabled"`
}

func (s *SetCollateralEnabled) EventType() EventType { return EventTypeCollateralEnabledSet }

// RewardWeightUpdate records the stability pool incentive weight.
type RewardWeightUpdate struct {
	Meta
	Weight decimal.Decimal `json:"weight"`
}

func (r *RewardWeightUpdate) EventType() EventType { return EventTypeRewardWeightSet }
