package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"CDPLedger/internal/core"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/stabilitypool"
	"CDPLedger/internal/vault"
)

// StateLoader rebuilds the core's in-memory state from the state tables and
// the journal. Balances are never stored; they are the sum of the journal.
type StateLoader struct {
	db *sql.DB
}

func NewStateLoader(db *sql.DB) *StateLoader {
	return &StateLoader{db: db}
}

// Load reads everything a fresh core needs. keyLimit bounds how many recent
// idempotency keys are returned for LRU warming. An empty log yields a state
// with Sequence 0.
func (l *StateLoader) Load(ctx context.Context, keyLimit int) (*core.RestoredState, error) {
	rs := &core.RestoredState{}

	var (
		stateHash []byte
		ts        time.Time
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, timestamp
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT 1`,
	).Scan(&rs.Sequence, &stateHash, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last event: %w", err)
	}
	if len(stateHash) != 32 {
		return nil, fmt.Errorf("load last event: state hash has %d bytes", len(stateHash))
	}
	copy(rs.StateHash[:], stateHash)
	rs.Timestamp = ts.UTC()

	steps := []struct {
		name string
		fn   func(context.Context, *core.RestoredState) error
	}{
		{"collateral kinds", l.loadCollateralKinds},
		{"positions", l.loadPositions},
		{"stability pool", l.loadPool},
		{"pool accounts", l.loadPoolAccounts},
		{"price quotes", l.loadQuotes},
		{"balances", l.loadBalances},
		{"partitions", l.loadPartitions},
	}
	for _, s := range steps {
		if err := s.fn(ctx, rs); err != nil {
			return nil, fmt.Errorf("load %s: %w", s.name, err)
		}
	}

	keys, err := l.RecentIdempotencyKeys(ctx, keyLimit)
	if err != nil {
		return nil, fmt.Errorf("load idempotency keys: %w", err)
	}
	rs.IdempotencyKeys = keys
	return rs, nil
}

func (l *StateLoader) loadCollateralKinds(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, ltv_bps, liquidation_threshold_bps, liquidation_penalty_bps, enabled
		FROM state.collateral_kinds ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var k vault.CollateralKind
		if err := rows.Scan(&k.ID, &k.LTVBps, &k.LiquidationThresholdBps, &k.LiquidationPenaltyBps, &k.Enabled); err != nil {
			return err
		}
		rs.CollateralKinds = append(rs.CollateralKinds, k)
	}
	return rows.Err()
}

func (l *StateLoader) loadPositions(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT account, collateral, debt, state, version
		FROM state.positions ORDER BY account`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p          vault.Position
			collateral []byte
			state      string
		)
		if err := rows.Scan(&p.Account, &collateral, &p.Debt, &state, &p.Version); err != nil {
			return err
		}
		if p.Collateral, err = decodeAmounts(collateral); err != nil {
			return fmt.Errorf("position %s collateral: %w", p.Account, err)
		}
		st, ok := vault.ParsePositionState(state)
		if !ok {
			return fmt.Errorf("position %s: unknown state %q", p.Account, state)
		}
		p.State = st
		rs.Positions = append(rs.Positions, p)
	}
	return rows.Err()
}

func (l *StateLoader) loadPool(ctx context.Context, rs *core.RestoredState) error {
	var (
		s                      stabilitypool.State
		scale, epoch           int64
		sums, errs, collateral []byte
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT total_deposits, p, current_scale, current_epoch, sums,
		       collateral_errors, debt_loss_error, collateral, reward_weight
		FROM state.stability_pool WHERE id = 1`,
	).Scan(&s.TotalDeposits, &s.P, &scale, &epoch, &sums, &errs, &s.DebtLossError, &collateral, &s.RewardWeight)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}
	s.CurrentScale, s.CurrentEpoch = uint64(scale), uint64(epoch)

	s.Sums = make(map[uint64]map[uint64]map[string]decimal.Decimal)
	if len(sums) > 0 {
		if err := json.Unmarshal(sums, &s.Sums); err != nil {
			return fmt.Errorf("sums: %w", err)
		}
	}
	if s.CollateralErrors, err = decodeAmounts(errs); err != nil {
		return fmt.Errorf("collateral errors: %w", err)
	}
	if s.Collateral, err = decodeAmounts(collateral); err != nil {
		return fmt.Errorf("collateral: %w", err)
	}
	rs.Pool = &s
	return nil
}

func (l *StateLoader) loadPoolAccounts(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT depositor, deposit, accrued, snapshot
		FROM state.stability_pool_accounts ORDER BY depositor`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a                 stabilitypool.Account
			accrued, snapshot []byte
		)
		if err := rows.Scan(&a.Depositor, &a.Deposit, &accrued, &snapshot); err != nil {
			return err
		}
		if a.Accrued, err = decodeAmounts(accrued); err != nil {
			return fmt.Errorf("account %s accrued: %w", a.Depositor, err)
		}
		if err := json.Unmarshal(snapshot, &a.Snapshot); err != nil {
			return fmt.Errorf("account %s snapshot: %w", a.Depositor, err)
		}
		if a.Snapshot.S == nil {
			a.Snapshot.S = make(map[string]decimal.Decimal)
		}
		rs.PoolAccounts = append(rs.PoolAccounts, a)
	}
	return rows.Err()
}

func (l *StateLoader) loadQuotes(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT asset_id, price, updated_at, circuit_open, reclosed_at, sequence
		FROM state.price_quotes ORDER BY asset_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			q        oracle.Quote
			reclosed *time.Time
		)
		if err := rows.Scan(&q.AssetID, &q.Price, &q.UpdatedAt, &q.CircuitOpen, &reclosed, &q.Sequence); err != nil {
			return err
		}
		q.UpdatedAt = q.UpdatedAt.UTC()
		q.ReclosedAt = nullTime(reclosed)
		rs.Quotes = append(rs.Quotes, q)
	}
	return rows.Err()
}

// loadBalances sums the journal per account: debits add, credits subtract.
func (l *StateLoader) loadBalances(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT account, SUM(amount) FROM (
			SELECT debit_account AS account, amount FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account, -amount FROM event_log.journal
		) legs
		GROUP BY account`)
	if err != nil {
		return err
	}
	defer rows.Close()

	rs.Balances = make(map[ledger.AccountKey]decimal.Decimal)
	for rows.Next() {
		var (
			path    string
			balance decimal.Decimal
		)
		if err := rows.Scan(&path, &balance); err != nil {
			return err
		}
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return err
		}
		rs.Balances[key] = balance
	}
	return rows.Err()
}

func (l *StateLoader) loadPartitions(ctx context.Context, rs *core.RestoredState) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT partition, MAX(source_sequence)
		FROM event_log.events
		WHERE source_sequence > 0
		GROUP BY partition`)
	if err != nil {
		return err
	}
	defer rows.Close()

	rs.Partitions = make(map[string]int64)
	for rows.Next() {
		var (
			partition string
			seq       int64
		)
		if err := rows.Scan(&partition, &seq); err != nil {
			return err
		}
		rs.Partitions[partition] = seq
	}
	return rows.Err()
}

// RecentIdempotencyKeys returns the newest limit composite keys, oldest first.
func (l *StateLoader) RecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM event_log.events
		ORDER BY sequence DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, core.CompositeKey(eventType, key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, len(newestFirst))
	for i, k := range newestFirst {
		keys[len(newestFirst)-1-i] = k
	}
	return keys, nil
}

// ChainBreak describes the first link in the stored event log whose
// prev_hash does not match its predecessor's state_hash.
type ChainBreak struct {
	Sequence int64  `json:"sequence"`
	Want     string `json:"want_prev_hash"`
	Got      string `json:"got_prev_hash"`
}

// VerifyChain walks event_log.events in sequence order and checks that each
// event links to its predecessor and that sequences are contiguous from 1.
// It returns the number of events checked and the first break, if any.
func VerifyChain(ctx context.Context, db *sql.DB) (int64, *ChainBreak, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT sequence, state_hash, prev_hash
		FROM event_log.events
		ORDER BY sequence`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	genesis := core.GenesisHash()
	want := genesis[:]
	var checked int64
	for rows.Next() {
		var (
			seq             int64
			stateHash, prev []byte
		)
		if err := rows.Scan(&seq, &stateHash, &prev); err != nil {
			return checked, nil, err
		}
		if seq != checked+1 {
			return checked, &ChainBreak{Sequence: seq, Want: fmt.Sprintf("sequence %d", checked+1), Got: fmt.Sprintf("sequence %d", seq)}, nil
		}
		if string(prev) != string(want) {
			return checked, &ChainBreak{Sequence: seq, Want: HashHex(want), Got: HashHex(prev)}, nil
		}
		want = stateHash
		checked++
	}
	return checked, nil, rows.Err()
}
