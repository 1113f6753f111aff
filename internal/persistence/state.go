package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/stabilitypool"
	"CDPLedger/internal/vault"
)

// Every state table carries updated_seq: the sequence of the event whose
// changes produced the row. Upserts never move a row backwards.

func upsertCollateralKind(ctx context.Context, ex execer, seq int64, k vault.CollateralKind) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.collateral_kinds
			(id, ltv_bps, liquidation_threshold_bps, liquidation_penalty_bps, enabled, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			ltv_bps = EXCLUDED.ltv_bps,
			liquidation_threshold_bps = EXCLUDED.liquidation_threshold_bps,
			liquidation_penalty_bps = EXCLUDED.liquidation_penalty_bps,
			enabled = EXCLUDED.enabled,
			updated_seq = EXCLUDED.updated_seq
		WHERE state.collateral_kinds.updated_seq <= EXCLUDED.updated_seq`,
		k.ID, k.LTVBps, k.LiquidationThresholdBps, k.LiquidationPenaltyBps, k.Enabled, seq,
	)
	return err
}

func upsertPosition(ctx context.Context, ex execer, seq int64, p vault.Position) error {
	collateral, err := json.Marshal(p.Collateral)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO state.positions (account, collateral, debt, state, version, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account) DO UPDATE SET
			collateral = EXCLUDED.collateral,
			debt = EXCLUDED.debt,
			state = EXCLUDED.state,
			version = EXCLUDED.version,
			updated_seq = EXCLUDED.updated_seq
		WHERE state.positions.updated_seq <= EXCLUDED.updated_seq`,
		p.Account, collateral, p.Debt, p.State.String(), p.Version, seq,
	)
	return err
}

func upsertPoolAccount(ctx context.Context, ex execer, seq int64, a stabilitypool.Account) error {
	accrued, err := json.Marshal(a.Accrued)
	if err != nil {
		return err
	}
	snapshot, err := json.Marshal(a.Snapshot)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO state.stability_pool_accounts (depositor, deposit, accrued, snapshot, updated_seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (depositor) DO UPDATE SET
			deposit = EXCLUDED.deposit,
			accrued = EXCLUDED.accrued,
			snapshot = EXCLUDED.snapshot,
			updated_seq = EXCLUDED.updated_seq
		WHERE state.stability_pool_accounts.updated_seq <= EXCLUDED.updated_seq`,
		a.Depositor, a.Deposit, accrued, snapshot, seq,
	)
	return err
}

func upsertPool(ctx context.Context, ex execer, seq int64, s *stabilitypool.State) error {
	sums, err := json.Marshal(s.Sums)
	if err != nil {
		return err
	}
	errs, err := json.Marshal(s.CollateralErrors)
	if err != nil {
		return err
	}
	collateral, err := json.Marshal(s.Collateral)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO state.stability_pool
			(id, total_deposits, p, current_scale, current_epoch, sums,
			 collateral_errors, debt_loss_error, collateral, reward_weight, updated_seq)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			total_deposits = EXCLUDED.total_deposits,
			p = EXCLUDED.p,
			current_scale = EXCLUDED.current_scale,
			current_epoch = EXCLUDED.current_epoch,
			sums = EXCLUDED.sums,
			collateral_errors = EXCLUDED.collateral_errors,
			debt_loss_error = EXCLUDED.debt_loss_error,
			collateral = EXCLUDED.collateral,
			reward_weight = EXCLUDED.reward_weight,
			updated_seq = EXCLUDED.updated_seq
		WHERE state.stability_pool.updated_seq <= EXCLUDED.updated_seq`,
		s.TotalDeposits, s.P, int64(s.CurrentScale), int64(s.CurrentEpoch), sums,
		errs, s.DebtLossError, collateral, s.RewardWeight, seq,
	)
	return err
}

func upsertQuote(ctx context.Context, ex execer, seq int64, q oracle.Quote) error {
	var reclosed any
	if !q.ReclosedAt.IsZero() {
		reclosed = q.ReclosedAt.UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO state.price_quotes
			(asset_id, price, updated_at, circuit_open, reclosed_at, sequence, updated_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (asset_id) DO UPDATE SET
			price = EXCLUDED.price,
			updated_at = EXCLUDED.updated_at,
			circuit_open = EXCLUDED.circuit_open,
			reclosed_at = EXCLUDED.reclosed_at,
			sequence = EXCLUDED.sequence,
			updated_seq = EXCLUDED.updated_seq
		WHERE state.price_quotes.updated_seq <= EXCLUDED.updated_seq`,
		q.AssetID, q.Price, q.UpdatedAt.UTC(), q.CircuitOpen, reclosed, q.Sequence, seq,
	)
	return err
}

// decodeAmounts parses a JSONB amount map, treating NULL as empty.
func decodeAmounts(raw []byte) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func nullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
