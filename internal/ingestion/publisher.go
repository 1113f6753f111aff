package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
)

// EventSubjectPrefix is followed by the event type name.
const EventSubjectPrefix = "cdp.ledger.events."

// publishFunc is the subset of jetstream.JetStream the publisher needs.
type publishFunc func(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)

// OutboundPublisher publishes committed events to NATS for downstream
// consumers. It reads from the persistence worker's commit channel, so an
// event is only published once it is durable.
type OutboundPublisher struct {
	publish   publishFunc
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishedEvent is the outbound wire format.
type PublishedEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Caller         string          `json:"caller"`
	Partition      string          `json:"partition"`
	SourceSequence int64           `json:"source_sequence,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		publish:   js.Publish,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.send(ctx, out.Envelope); err != nil {
				// downstream consumers can read the event log directly
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.NATSPublishErrors.Inc()
				}
				continue
			}
			if op.metrics != nil {
				op.metrics.NATSPublished.WithLabelValues(out.Envelope.EventType.String()).Inc()
			}
		}
	}
}

func (op *OutboundPublisher) send(ctx context.Context, env *event.EventEnvelope) error {
	data, err := json.Marshal(ToPublished(env))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// the sequence doubles as the JetStream dedup id
	_, err = op.publish(ctx, EventSubject(env.EventType), data,
		jetstream.WithMsgID(fmt.Sprintf("cdp-%d", env.Sequence)))
	return err
}

// EventSubject is the outbound subject for t.
func EventSubject(t event.EventType) string {
	return EventSubjectPrefix + t.String()
}

// ToPublished renders an envelope in the outbound wire format.
func ToPublished(env *event.EventEnvelope) PublishedEvent {
	return PublishedEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Caller:         env.Caller.String(),
		Partition:      env.Partition,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		Result:         env.Result,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp.UTC(),
	}
}
