package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// QueryService provides read-only access to the state and projection tables.
// It serves the persisted view; the core answers for the live one. Responses
// that read projections carry as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, metrics: metrics}
}

// GetBalances returns every projected ledger account of a user.
func (qs *QueryService) GetBalances(ctx context.Context, userID uuid.UUID) (resp *BalancesResponse, err error) {
	defer qs.observe("balances", time.Now(), &err)

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance, last_sequence
		FROM projections.balances
		WHERE account_path LIKE $1
		ORDER BY account_path
	`, fmt.Sprintf("user:%s:%%", userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp = &BalancesResponse{UserID: userID, AsOfSequence: asOfSeq, Accounts: []BalanceResponse{}}
	for rows.Next() {
		var b BalanceResponse
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		resp.Accounts = append(resp.Accounts, b)
	}
	return resp, rows.Err()
}

// GetPosition returns the persisted position of account.
func (qs *QueryService) GetPosition(ctx context.Context, account uuid.UUID) (p *PositionResponse, err error) {
	defer qs.observe("position", time.Now(), &err)

	p = &PositionResponse{}
	var collateral []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT account, collateral, debt, state, version, updated_seq
		FROM state.positions WHERE account = $1
	`, account).Scan(&p.Account, &collateral, &p.Debt, &p.State, &p.Version, &p.UpdatedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", account, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(collateral, &p.Collateral); err != nil {
		return nil, fmt.Errorf("position %s collateral: %w", account, err)
	}
	return p, nil
}

// ListPositions pages through persisted positions ordered by account,
// optionally filtered by state. after is the last account of the previous page.
func (qs *QueryService) ListPositions(ctx context.Context, state string, after *uuid.UUID, limit int) (out []PositionResponse, err error) {
	defer qs.observe("positions", time.Now(), &err)

	query := `
		SELECT account, collateral, debt, state, version, updated_seq
		FROM state.positions
		WHERE TRUE
	`
	args := []any{}
	argIdx := 1

	if state != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, state)
		argIdx++
	}

	if after != nil {
		query += fmt.Sprintf(" AND account > $%d", argIdx)
		args = append(args, *after)
		argIdx++
	}

	query += " ORDER BY account"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out = []PositionResponse{}
	for rows.Next() {
		var (
			p          PositionResponse
			collateral []byte
		)
		if err := rows.Scan(&p.Account, &collateral, &p.Debt, &p.State, &p.Version, &p.UpdatedSeq); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(collateral, &p.Collateral); err != nil {
			return nil, fmt.Errorf("position %s collateral: %w", p.Account, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPoolAccount returns a depositor's persisted pool account.
func (qs *QueryService) GetPoolAccount(ctx context.Context, depositor uuid.UUID) (a *PoolAccountResponse, err error) {
	defer qs.observe("pool_account", time.Now(), &err)

	a = &PoolAccountResponse{}
	var accrued []byte
	err = qs.db.QueryRowContext(ctx, `
		SELECT depositor, deposit, accrued, updated_seq
		FROM state.stability_pool_accounts WHERE depositor = $1
	`, depositor).Scan(&a.Depositor, &a.Deposit, &accrued, &a.UpdatedSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pool account %s: %w", depositor, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(accrued, &a.Accrued); err != nil {
		return nil, fmt.Errorf("pool account %s accrued: %w", depositor, err)
	}
	return a, nil
}

// GetQuotes returns every persisted quote ordered by asset.
func (qs *QueryService) GetQuotes(ctx context.Context) (out []QuoteResponse, err error) {
	defer qs.observe("quotes", time.Now(), &err)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, price, updated_at, circuit_open, reclosed_at, sequence
		FROM state.price_quotes ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out = []QuoteResponse{}
	for rows.Next() {
		var q QuoteResponse
		if err := rows.Scan(&q.AssetID, &q.Price, &q.UpdatedAt, &q.CircuitOpen, &q.ReclosedAt, &q.Sequence); err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// GetPriceHistory returns accepted updates for asset, newest first.
func (qs *QueryService) GetPriceHistory(ctx context.Context, asset string, before int64, limit int) (out []projection.PricePoint, err error) {
	defer qs.observe("price_history", time.Now(), &err)
	return projection.PriceHistory(ctx, qs.db, asset, before, limit)
}

// GetJournalHistory returns journal entries touching a user, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) (entries []JournalHistoryEntry, err error) {
	defer qs.observe("journal", time.Now(), &err)

	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries = []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the stored hash chain and that projected balances
// sum to zero per asset, and reports how far the projections trail the log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer qs.observe("integrity", time.Now(), &err)

	report = &IntegrityReport{}

	checked, brk, err := persistence.VerifyChain(ctx, qs.db)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	report.EventsChecked = checked
	report.ChainBreak = brk

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var u UnbalancedAsset
		if err := rows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = checked - watermark

	report.IsHealthy = report.ChainBreak == nil && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time, errp *error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	switch {
	case *errp == nil:
	case errors.Is(*errp, ErrNotFound):
		status = "not_found"
	default:
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
