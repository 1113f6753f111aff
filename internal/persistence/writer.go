package persistence

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events, journals and state rows to Postgres.
// Events and journals use multi-row INSERT; state tables are upserted row by
// row, guarded by the sequence that last touched them so replays of an
// already-committed batch are no-ops.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Caller         string
	Partition      string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	Result         []byte // JSON-encoded receipt result, may be nil
	StateHash      []byte
	PrevHash       []byte
	Timestamp      any // time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string // exact decimal text
	JournalType   string
	Timestamp     int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// EventRowFrom flattens an envelope for storage.
func EventRowFrom(env *event.EventEnvelope) EventRow {
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.String(),
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp.UTC(),
	}
	if len(env.Result) > 0 {
		row.Result = env.Result
	}
	return row
}

// JournalRowsFrom flattens a batch. A nil batch yields no rows.
func JournalRowsFrom(batch *ledger.Batch) []JournalRow {
	if batch == nil {
		return nil
	}
	rows := make([]JournalRow, 0, len(batch.Journals))
	for _, j := range batch.Journals {
		rows = append(rows, JournalRow{
			JournalID:     j.JournalID.String(),
			BatchID:       j.BatchID.String(),
			EventRef:      j.EventRef,
			Sequence:      j.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         j.Asset,
			Amount:        j.Amount.String(),
			JournalType:   j.JournalType.String(),
			Timestamp:     j.Timestamp,
		})
	}
	return rows
}

// WriteEventBatch writes a batch of events to event_log.events using multi-row INSERT.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 11
	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, caller, partition, source_sequence,
		 payload, result, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Caller, e.Partition, e.SourceSequence,
			e.Payload, nullableJSON(e.Result), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($n+1, ..., $n+cols)".
func placeholders(offset, cols int) string {
	var b strings.Builder
	b.WriteByte('(')
	for c := 1; c <= cols; c++ {
		if c > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", offset+c)
	}
	b.WriteByte(')')
	return b.String()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// HashHex renders a stored hash column for logs and query responses.
func HashHex(b []byte) string {
	return hex.EncodeToString(b)
}

// rowCounts tallies state table writes for metrics.
type rowCounts map[[2]string]int

func (rc rowCounts) add(table, op string) { rc[[2]string{table, op}]++ }

// WriteStateChanges applies each event's resolved state rows in sequence order.
func (w *EventLogWriter) WriteStateChanges(ctx context.Context, ex execer, seq int64, ch core.StateChanges, counts rowCounts) error {
	for _, k := range ch.CollateralKinds {
		if err := upsertCollateralKind(ctx, ex, seq, k); err != nil {
			return fmt.Errorf("upsert collateral kind %s: %w", k.ID, err)
		}
		counts.add("collateral_kinds", "upsert")
	}
	for _, p := range ch.Positions {
		if err := upsertPosition(ctx, ex, seq, p); err != nil {
			return fmt.Errorf("upsert position %s: %w", p.Account, err)
		}
		counts.add("positions", "upsert")
	}
	for _, id := range ch.ClosedPositions {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM state.positions WHERE account = $1 AND updated_seq <= $2`, id, seq); err != nil {
			return fmt.Errorf("delete position %s: %w", id, err)
		}
		counts.add("positions", "delete")
	}
	for _, a := range ch.PoolAccounts {
		if err := upsertPoolAccount(ctx, ex, seq, a); err != nil {
			return fmt.Errorf("upsert pool account %s: %w", a.Depositor, err)
		}
		counts.add("stability_pool_accounts", "upsert")
	}
	for _, id := range ch.ClosedPoolAccounts {
		if _, err := ex.ExecContext(ctx,
			`DELETE FROM state.stability_pool_accounts WHERE depositor = $1 AND updated_seq <= $2`, id, seq); err != nil {
			return fmt.Errorf("delete pool account %s: %w", id, err)
		}
		counts.add("stability_pool_accounts", "delete")
	}
	if ch.Pool != nil {
		if err := upsertPool(ctx, ex, seq, ch.Pool); err != nil {
			return fmt.Errorf("upsert stability pool: %w", err)
		}
		counts.add("stability_pool", "upsert")
	}
	for _, q := range ch.Quotes {
		if err := upsertQuote(ctx, ex, seq, q); err != nil {
			return fmt.Errorf("upsert quote %s: %w", q.AssetID, err)
		}
		counts.add("price_quotes", "upsert")
	}
	return nil
}
