package vault

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
)

// LiquidationEvent describes a completed liquidation. It is returned to the
// caller and published, never stored.
type LiquidationEvent struct {
	Borrower         uuid.UUID       `json:"borrower"`
	Liquidator       uuid.UUID       `json:"liquidator"`
	DebtRepaid       decimal.Decimal `json:"debt_repaid"`
	CollateralKind   string          `json:"collateral_kind"`
	Price            decimal.Decimal `json:"price"`
	CollateralSeized decimal.Decimal `json:"collateral_seized"` // including penalty
	Penalty          decimal.Decimal `json:"penalty"`
	DebtWrittenOff   decimal.Decimal `json:"debt_written_off"` // left behind when all collateral is gone
	HealthBefore     HealthFactor    `json:"health_before"`
	HealthAfter      HealthFactor    `json:"health_after"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Liquidate repays up to half of an unhealthy position's debt out of the
// stability pool and moves the seized collateral of one designated kind,
// plus penalty, into the pool. Either every effect lands or none does.
func (v *Vault) Liquidate(liquidator, account uuid.UUID, kindID string, debtToRepay decimal.Decimal) (LiquidationEvent, error) {
	if err := v.guard.Enter(); err != nil {
		return LiquidationEvent{}, err
	}
	defer v.guard.Exit()

	if err := validAmount(debtToRepay); err != nil {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: %w", account, err)
	}
	kind, ok := v.kinds[kindID]
	if !ok {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: %w", kindID, protocol.ErrUnknownCollateral)
	}
	pos, ok := v.positions[account]
	if !ok || pos.Debt.IsZero() {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: HF inf: %w", account, protocol.ErrPositionHealthy)
	}

	// Step 1: eligibility against fresh prices
	val, err := v.value(pos)
	if err != nil {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: %w", account, err)
	}
	before := val.healthFactor(pos.Debt)
	if val.healthy(pos.Debt) {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: HF %s: %w", account, before, protocol.ErrPositionHealthy)
	}

	// Step 2: at most half the outstanding debt per call
	if debtToRepay.Mul(decimal.NewFromInt(2)).Cmp(pos.Debt) > 0 {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: repay %s > debt %s / 2: %w",
			account, debtToRepay, pos.Debt, protocol.ErrExceedsMaxLiquidation)
	}

	balance := pos.Balance(kindID)
	if balance.Sign() <= 0 {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: no %s collateral: %w", account, kindID, protocol.ErrInsufficientBalance)
	}

	// Step 3-4: seize debt-equivalent collateral plus penalty, capped at balance
	price := val.prices[kindID]
	seize := fpmath.Div(debtToRepay, price, fpmath.AmountConfig, fpmath.RoundDown)
	penalty := fpmath.ApplyBps(seize, kind.LiquidationPenaltyBps, fpmath.AmountConfig, fpmath.RoundDown)
	total := seize.Add(penalty)
	if total.Cmp(balance) > 0 {
		total = balance
		penalty = decimal.Max(total.Sub(seize), decimal.Zero)
	}

	next := pos.clone()
	transition(next, PositionStateLiquidatable)
	next.Debt = next.Debt.Sub(debtToRepay)
	next.setBalance(kindID, balance.Sub(total))

	writtenOff := decimal.Zero
	if !next.HasCollateral() && next.Debt.Sign() > 0 {
		writtenOff = next.Debt
		next.Debt = decimal.Zero
	}

	// Step 5: the pool either absorbs everything or the liquidation fails
	if err := v.pool.AbsorbDebt(v.id, debtToRepay, kindID, total); err != nil {
		return LiquidationEvent{}, fmt.Errorf("liquidate %s: absorb %s: %w", account, debtToRepay, err)
	}

	// Step 6: commit
	if next.IsEmpty() {
		transition(next, PositionStateClosed)
	} else {
		transition(next, PositionStatePartiallyLiquidated)
	}
	after := InfiniteHealthFactor
	if next.Debt.Sign() > 0 {
		if afterVal, err := v.valueWith(next, val.prices); err == nil {
			after = afterVal.healthFactor(next.Debt)
		}
	}
	v.commit(next)

	return LiquidationEvent{
		Borrower:         account,
		Liquidator:       liquidator,
		DebtRepaid:       debtToRepay,
		CollateralKind:   kindID,
		Price:            price,
		CollateralSeized: total,
		Penalty:          penalty,
		DebtWrittenOff:   writtenOff,
		HealthBefore:     before,
		HealthAfter:      after,
		Timestamp:        v.clock.Now(),
	}, nil
}

// valueWith reprices p using already fetched prices.
func (v *Vault) valueWith(p *Position, prices map[string]decimal.Decimal) (*valuation, error) {
	val := &valuation{prices: prices, weighted: decimal.Zero, capacity: decimal.Zero}
	for _, kindID := range p.HeldKinds() {
		kind, ok := v.kinds[kindID]
		if !ok {
			return nil, fmt.Errorf("position %s holds unregistered kind %s", p.Account, kindID)
		}
		price, ok := prices[kindID]
		if !ok {
			return nil, fmt.Errorf("%s: %w", kindID, protocol.ErrPriceUnavailable)
		}
		worth := p.Balance(kindID).Mul(price)
		val.weighted = val.weighted.Add(worth.Mul(fpmath.BpsRatio(kind.LiquidationThresholdBps)))
		val.capacity = val.capacity.Add(worth.Mul(fpmath.BpsRatio(kind.LTVBps)))
	}
	return val, nil
}
