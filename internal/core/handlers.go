package core

import (
	"fmt"
	"strings"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"
)

// dispatchEvent routes a command to its owning component and returns the
// result for the submitter and the journal batch of the movement, if any.
func (c *DeterministicCore) dispatchEvent(evt event.Event, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	switch e := evt.(type) {
	case *event.RegisterCollateralKind:
		return c.handleRegisterCollateralKind(e, cs)
	case *event.SetCollateralEnabled:
		return c.handleSetCollateralEnabled(e, cs)
	case *event.CollateralDeposit:
		return c.handleCollateralDeposit(e, meta, cs)
	case *event.CollateralWithdrawal:
		return c.handleCollateralWithdrawal(e, meta, cs)
	case *event.Borrow:
		return c.handleBorrow(e, meta, cs)
	case *event.Repayment:
		return c.handleRepayment(e, meta, cs)
	case *event.Liquidation:
		return c.handleLiquidation(e, meta, cs)
	case *event.PoolDeposit:
		return c.handlePoolDeposit(e, meta, cs)
	case *event.PoolWithdrawal:
		return c.handlePoolWithdrawal(e, meta, cs)
	case *event.GainClaim:
		return c.handleGainClaim(e, meta, cs)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e, cs)
	case *event.RewardWeightUpdate:
		return c.handleRewardWeightUpdate(e, cs)
	default:
		return nil, nil, fmt.Errorf("unhandled event type %T: %w", evt, protocol.ErrInvalidRequest)
	}
}

// --- Admin ---

func (c *DeterministicCore) handleRegisterCollateralKind(e *event.RegisterCollateralKind, cs *changeSet) (any, *ledger.Batch, error) {
	// kind ids become ledger asset names and account path segments
	if e.KindID == ledger.DebtAsset || strings.ContainsAny(e.KindID, ": \t\n") {
		return nil, nil, fmt.Errorf("register collateral %q: reserved or malformed id: %w", e.KindID, protocol.ErrInvalidCollateralParams)
	}
	kind := vault.CollateralKind{
		ID:                      e.KindID,
		LTVBps:                  e.LTVBps,
		LiquidationThresholdBps: e.LiquidationThresholdBps,
		LiquidationPenaltyBps:   e.LiquidationPenaltyBps,
		Enabled:                 e.Enabled,
	}
	if err := c.vault.RegisterCollateralKind(e.Caller, kind); err != nil {
		return nil, nil, err
	}
	cs.touchKind(kind.ID)
	return kind, nil, nil
}

func (c *DeterministicCore) handleSetCollateralEnabled(e *event.SetCollateralEnabled, cs *changeSet) (any, *ledger.Batch, error) {
	kind, err := c.vault.SetCollateralEnabled(e.Caller, e.KindID, e.Enabled)
	if err != nil {
		return nil, nil, err
	}
	cs.touchKind(kind.ID)
	return kind, nil, nil
}

func (c *DeterministicCore) handleRewardWeightUpdate(e *event.RewardWeightUpdate, cs *changeSet) (any, *ledger.Batch, error) {
	if err := c.pool.SetRewardWeight(e.Caller, e.Weight); err != nil {
		return nil, nil, err
	}
	cs.touchPool()
	return RewardWeightResult{Weight: c.pool.RewardWeight()}, nil, nil
}

// --- Vault ---

func (c *DeterministicCore) handleCollateralDeposit(e *event.CollateralDeposit, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	pos, err := c.vault.Deposit(e.Caller, e.Kind, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchPosition(e.Caller)
	return pos, c.journalGen.GenerateCollateralDeposit(meta, e.Caller, e.Kind, e.Amount), nil
}

func (c *DeterministicCore) handleCollateralWithdrawal(e *event.CollateralWithdrawal, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	pos, err := c.vault.Withdraw(e.Caller, e.Kind, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchPosition(e.Caller)
	return pos, c.journalGen.GenerateCollateralWithdrawal(meta, e.Caller, e.Kind, e.Amount), nil
}

func (c *DeterministicCore) handleBorrow(e *event.Borrow, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	pos, err := c.vault.Borrow(e.Caller, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchPosition(e.Caller)
	return pos, c.journalGen.GenerateBorrow(meta, e.Caller, e.Amount), nil
}

// handleRepayment burns debt tokens from the caller's wallet. The wallet is
// checked for the capped amount before the vault is touched.
func (c *DeterministicCore) handleRepayment(e *event.Repayment, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	if pos, ok := c.vault.Position(e.Caller); ok && pos.Debt.Sign() > 0 && e.Amount.Sign() > 0 {
		need := fpmath.Min(e.Amount, pos.Debt)
		if err := c.journalGen.PrecheckWallet(e.Caller, ledger.DebtAsset, need); err != nil {
			return nil, nil, fmt.Errorf("repay %s: %w", need, err)
		}
	}
	repaid, pos, err := c.vault.Repay(e.Caller, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchPosition(e.Caller)
	return RepayResult{Repaid: repaid, Position: pos}, c.journalGen.GenerateRepay(meta, e.Caller, repaid), nil
}

func (c *DeterministicCore) handleLiquidation(e *event.Liquidation, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	le, err := c.vault.Liquidate(e.Caller, e.Borrower, e.Kind, e.DebtToRepay)
	if err != nil {
		return nil, nil, err
	}
	cs.touchPosition(e.Borrower)
	cs.touchPool()

	batch := c.journalGen.GenerateLiquidation(meta, ledger.LiquidationLegs{
		Borrower:       le.Borrower,
		Kind:           le.CollateralKind,
		DebtRepaid:     le.DebtRepaid,
		Seized:         le.CollateralSeized,
		DebtWrittenOff: le.DebtWrittenOff,
	})

	c.logger.Info().
		Str("borrower", le.Borrower.String()).
		Str("kind", le.CollateralKind).
		Str("debt_repaid", le.DebtRepaid.String()).
		Str("seized", le.CollateralSeized.String()).
		Str("written_off", le.DebtWrittenOff.String()).
		Str("hf_before", le.HealthBefore.String()).
		Str("hf_after", le.HealthAfter.String()).
		Msg("position liquidated")
	if c.metrics != nil {
		c.metrics.Liquidations.WithLabelValues(le.CollateralKind).Inc()
		c.metrics.LiquidatedDebt.WithLabelValues(le.CollateralKind).Add(le.DebtRepaid.InexactFloat64())
		c.metrics.CollateralSeized.WithLabelValues(le.CollateralKind).Add(le.CollateralSeized.InexactFloat64())
		c.metrics.DebtWrittenOff.Add(le.DebtWrittenOff.InexactFloat64())
	}
	return le, batch, nil
}

// --- Stability pool ---

func (c *DeterministicCore) handlePoolDeposit(e *event.PoolDeposit, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	if e.Amount.Sign() > 0 {
		if err := c.journalGen.PrecheckWallet(e.Caller, ledger.DebtAsset, e.Amount); err != nil {
			return nil, nil, fmt.Errorf("pool deposit %s: %w", e.Amount, err)
		}
	}
	acc, err := c.pool.Deposit(e.Caller, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchAccount(e.Caller)
	cs.touchPool()
	return acc, c.journalGen.GeneratePoolDeposit(meta, e.Caller, e.Amount), nil
}

func (c *DeterministicCore) handlePoolWithdrawal(e *event.PoolWithdrawal, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	acc, err := c.pool.Withdraw(e.Caller, e.Amount)
	if err != nil {
		return nil, nil, err
	}
	cs.touchAccount(e.Caller)
	cs.touchPool()
	return acc, c.journalGen.GeneratePoolWithdrawal(meta, e.Caller, e.Amount), nil
}

func (c *DeterministicCore) handleGainClaim(e *event.GainClaim, meta ledger.BatchMeta, cs *changeSet) (any, *ledger.Batch, error) {
	amount, acc, err := c.pool.ClaimCollateralGain(e.Caller, e.Kind)
	if err != nil {
		return nil, nil, err
	}
	cs.touchAccount(e.Caller)
	cs.touchPool()
	if c.metrics != nil {
		c.metrics.CollateralClaimed.WithLabelValues(e.Kind).Add(amount.InexactFloat64())
	}
	return ClaimResult{Kind: e.Kind, Amount: amount, Account: acc}, c.journalGen.GenerateGainClaim(meta, e.Caller, e.Kind, amount), nil
}

// --- Oracle ---

// handlePriceUpdate records the quote and re-derives the state of every
// position holding the asset.
func (c *DeterministicCore) handlePriceUpdate(e *event.PriceUpdate, cs *changeSet) (any, *ledger.Batch, error) {
	q, err := c.oracle.UpdatePrice(e.Caller, e.Asset, e.Price, e.SequencerUp)
	if err != nil {
		return nil, nil, err
	}
	cs.touchQuote(e.Asset)
	cs.touchPositions(c.vault.Reprice(e.Asset))
	return q, nil, nil
}

