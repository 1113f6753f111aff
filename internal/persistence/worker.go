package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The persist channel uses
// blocking sends from the core, so if this worker falls behind the core
// stalls and no event is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	committed    chan<- core.CoreOutput // optional; fed after each commit
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnCommit forwards every durably written output to ch, in sequence order.
// Sends are non-blocking; a full channel drops the output and counts it.
func (pw *PersistenceWorker) OnCommit(ch chan<- core.CoreOutput) {
	pw.committed = ch
}

// Run starts the persistence worker loop. It batches incoming outputs
// and flushes either when the batch is full or the flush timeout expires.
// Blocks until ctx is cancelled or the input channel is closed.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	batch := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// drain what the core already handed over, then flush once more
		drain:
			for {
				select {
				case output, ok := <-pw.inputChan:
					if !ok {
						break drain
					}
					batch = append(batch, output)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				if err := pw.flush(context.Background(), batch); err != nil {
					pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := pw.flushWithRetry(context.Background(), batch); err != nil {
						pw.logger.Error().Err(err).Int("events", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, output)
			if pw.metrics != nil {
				pw.metrics.SetChannelMetrics("persist", len(pw.inputChan), cap(pw.inputChan))
			}

			if len(batch) >= pw.batchSize {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := pw.flushWithRetry(ctx, batch); err != nil {
					pw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled. On cancellation one last attempt runs without a deadline.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []core.CoreOutput) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(batch)).
				Msg("persistence retry")
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}

		pw.logger.Error().Err(err).Int64("first_sequence", batch[0].Envelope.Sequence).Msg("persistence flush failed")
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

// flush writes events, journals and state rows in one transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, batch []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(batch))
	journals := make([]JournalRow, 0, len(batch)*4)
	for _, out := range batch {
		events = append(events, EventRowFrom(out.Envelope))
		journals = append(journals, JournalRowsFrom(out.Batch)...)
	}

	tx, err := pw.writer.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return fmt.Errorf("write events: %w", err)
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return fmt.Errorf("write journals: %w", err)
	}

	counts := make(rowCounts)
	for _, out := range batch {
		if err := pw.writer.WriteStateChanges(ctx, tx, out.Envelope.Sequence, out.Changes, counts); err != nil {
			pw.countError("write_state")
			return fmt.Errorf("write state at sequence %d: %w", out.Envelope.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := events[len(events)-1].Sequence
	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
		for k, n := range counts {
			pw.metrics.PersistStateRows.WithLabelValues(k[0], k[1]).Add(float64(n))
		}
	}
	pw.logger.Debug().
		Int("events", len(events)).
		Int("journals", len(journals)).
		Int64("last_sequence", last).
		Dur("duration", time.Since(start)).
		Msg("batch persisted")

	pw.forward(batch)
	return nil
}

func (pw *PersistenceWorker) forward(batch []core.CoreOutput) {
	if pw.committed == nil {
		return
	}
	for _, out := range batch {
		select {
		case pw.committed <- out:
		default:
			if pw.metrics != nil {
				pw.metrics.PublishDrops.Inc()
			}
			pw.logger.Warn().Int64("sequence", out.Envelope.Sequence).Msg("publish channel full, event not forwarded")
		}
	}
}

func (pw *PersistenceWorker) countError(kind string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}
