package event

import "github.com/shopspring/decimal"

// PoolDeposit moves debt tokens from the caller's wallet into the stability pool.
type PoolDeposit struct {
	Meta
	Amount decimal.Decimal `json:"amount"`
}

func (d *PoolDeposit) EventType() EventType { return EventTypePoolDeposited }

type PoolWithdrawal struct {
	Meta
	Amount decimal.Decimal `json:"amount"`
}

func (w *PoolWithdrawal) EventType() EventType { return EventTypePoolWithdrawn }

// GainClaim pays out the caller's accrued collateral gain of one kind.
type GainClaim struct {
	Meta
	Kind string `json:"kind"`
}

func (c *GainClaim) EventType() EventType { return EventTypeCollateralGainClaimed }
