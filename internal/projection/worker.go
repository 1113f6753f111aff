package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
)

const workerID = "main"

// ProjectionWorker updates projection tables from processed events.
// The projection channel is non-blocking with drop, so projections may fall
// behind or miss events; they can always be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// LastSequence is the highest sequence applied to the projections.
func (pw *ProjectionWorker) LastSequence() int64 { return pw.lastSeq }

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	seq, err := loadWatermark(ctx, pw.db)
	if err != nil {
		return fmt.Errorf("load projection watermark: %w", err)
	}
	pw.lastSeq = seq
	pw.logger.Info().Int64("watermark", seq).Msg("projection worker started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.handle(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) handle(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	if seq <= pw.lastSeq {
		return
	}

	start := time.Now()
	if err := pw.processOutput(ctx, output); err != nil {
		// projections are eventually consistent; a rebuild repairs the gap
		pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionErrors.Inc()
		}
		return
	}

	pw.lastSeq = seq
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.EventType.String()).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.Set(float64(seq))
		pw.metrics.SetChannelMetrics("projection", len(pw.inputChan), cap(pw.inputChan))
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	seq := output.Envelope.Sequence
	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := updateBalanceProjection(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}

	if output.Envelope.EventType == event.EventTypePriceUpdated {
		for _, q := range output.Changes.Quotes {
			if err := appendPriceHistory(ctx, tx, seq, q); err != nil {
				return fmt.Errorf("price history: %w", err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateBalanceProjection applies one entry: the debit account's balance
// increases and the credit account's decreases.
func updateBalanceProjection(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	legs := []struct {
		account string
		amount  string
	}{
		{j.DebitAccount.AccountPath(), j.Amount.String()},
		{j.CreditAccount.AccountPath(), j.Amount.Neg().String()},
	}
	for _, leg := range legs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path)
			DO UPDATE SET balance = projections.balances.balance + EXCLUDED.balance,
			              last_sequence = EXCLUDED.last_sequence
		`, leg.account, j.Asset, leg.amount, seq); err != nil {
			return err
		}
	}
	return nil
}

func loadWatermark(ctx context.Context, db *sql.DB) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, workerID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections rebuilds all projection tables from the event log.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []struct {
		name, sql string
		args      []any
	}{
		{"truncate balances", `TRUNCATE projections.balances`, nil},
		{"truncate price history", `TRUNCATE projections.price_history`, nil},
		{"rebuild balances", `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			SELECT account, asset, SUM(amount), MAX(sequence) FROM (
				SELECT debit_account AS account, asset, amount, sequence FROM event_log.journal
				UNION ALL
				SELECT credit_account AS account, asset, -amount, sequence FROM event_log.journal
			) legs
			GROUP BY account, asset`, nil},
		{"rebuild price history", `
			INSERT INTO projections.price_history (asset_id, sequence, price, updated_at, circuit_open)
			SELECT result->>'asset_id', sequence, (result->>'price')::numeric,
			       (result->>'updated_at')::timestamptz, (result->>'circuit_open')::boolean
			FROM event_log.events
			WHERE event_type = 'PriceUpdated' AND result IS NOT NULL`, nil},
		{"reset watermark", `
			INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
			SELECT $1, COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
			ON CONFLICT (worker_id) DO UPDATE SET last_sequence = EXCLUDED.last_sequence, updated_at = NOW()`,
			[]any{workerID}},
	}

	for _, st := range statements {
		if _, err := tx.ExecContext(ctx, st.sql, st.args...); err != nil {
			return fmt.Errorf("%s: %w", st.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
