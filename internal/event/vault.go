// internal/event/vault.go
package event

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CollateralDeposit locks collateral into the caller's position.
type CollateralDeposit struct {
	Meta
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

func (d *CollateralDeposit) EventType() EventType { return EventTypeCollateralDeposited }

// CollateralWithdrawal releases collateral from the caller's position.
type CollateralWithdrawal struct {
	Meta
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
}

func (w *CollateralWithdrawal) EventType() EventType { return EventTypeCollateralWithdrawn }

// Borrow mints debt tokens against the caller's collateral.
type Borrow struct {
	Meta
	Amount decimal.Decimal `json:"amount"`
}

func (b *Borrow) EventType() EventType { return EventTypeDebtBorrowed }

// Repayment burns debt tokens from the caller's wallet. Amounts above the
// outstanding debt are capped.
type Repayment struct {
	Meta
	Amount decimal.Decimal `json:"amount"`
}

func (r *Repayment) EventType() EventType { return EventTypeDebtRepaid }

// Liquidation repays part of an unhealthy borrower's debt out of the
// stability pool and seizes collateral of one kind.
type Liquidation struct {
	Meta
	Borrower    uuid.UUID       `json:"borrower"`
	Kind        string          `json:"kind"`
	DebtToRepay decimal.Decimal `json:"debt_to_repay"`
}

func (l *Liquidation) EventType() EventType { return EventTypePositionLiquidated }
