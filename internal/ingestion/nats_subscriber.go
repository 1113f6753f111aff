package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/protocol"
)

// Submitter applies one command and returns its receipt. *core.Actor
// implements it.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) (core.Receipt, error)
}

// NATSSubscriber consumes JetStream commands and hands them to the core.
// Each consumer delivers in order and waits for the core's verdict before
// acknowledging, so a caller's sequence is applied in publish order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	submitter Submitter
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
	clock     func() time.Time
}

// SubjectConfig binds a durable consumer to a stream subject filter.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

const (
	OracleStream   = "CDP_ORACLE"
	CommandsStream = "CDP_COMMANDS"
	OutboundStream = "CDP_LEDGER_EVENTS"

	outOfOrderDelay = time.Second
)

// DefaultSubjects returns the standard consumers: one for prices and one
// per command family.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "cdp.oracle.prices.>", ConsumerName: "ledger-prices", StreamName: OracleStream},
		{Subject: "cdp.vault.*", ConsumerName: "ledger-vault", StreamName: CommandsStream},
		{Subject: "cdp.pool.*", ConsumerName: "ledger-pool", StreamName: CommandsStream},
		{Subject: "cdp.admin.*", ConsumerName: "ledger-admin", StreamName: CommandsStream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
		clock:     time.Now,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		stream := cfg.StreamName
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, stream, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// Outcome is what the subscriber did with one message.
type Outcome string

const (
	OutcomeApplied    Outcome = "applied"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeRejected   Outcome = "rejected"  // business error, acked
	OutcomeMalformed  Outcome = "malformed" // terminated
	OutcomeRetry      Outcome = "retry"     // nak, redelivered
	OutcomeOutOfOrder Outcome = "out_of_order"
)

// Classify maps a submit result to the ack decision.
func Classify(receipt core.Receipt, err error) Outcome {
	switch {
	case err == nil && receipt.Duplicate:
		return OutcomeDuplicate
	case err == nil && receipt.Ignored:
		return OutcomeIgnored
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, protocol.ErrOutOfOrder):
		return OutcomeOutOfOrder
	case errors.Is(err, protocol.ErrInvalidRequest):
		return OutcomeMalformed
	case protocol.IsBusinessError(err):
		return OutcomeRejected
	default:
		return OutcomeRetry
	}
}

func (ns *NATSSubscriber) handle(ctx context.Context, stream string, msg jetstream.Msg) {
	log := ns.logger.With().Str("subject", msg.Subject()).Logger()

	evt, err := ParseMessage(msg.Subject(), msg.Data(), ns.clock())
	if err != nil {
		log.Warn().Err(err).Msg("terminating malformed message")
		ns.settle(stream, OutcomeMalformed, msg)
		return
	}

	receipt, err := ns.submitter.Submit(ctx, evt)
	outcome := Classify(receipt, err)
	switch outcome {
	case OutcomeApplied:
		log.Debug().Int64("sequence", receipt.Sequence).Str("request_id", evt.IdempotencyKey()).Msg("command applied")
	case OutcomeRejected, OutcomeMalformed:
		log.Info().Err(err).Str("code", string(protocol.CodeOf(err))).Str("request_id", evt.IdempotencyKey()).Msg("command rejected")
	case OutcomeOutOfOrder, OutcomeRetry:
		log.Warn().Err(err).Str("request_id", evt.IdempotencyKey()).Msg("command will be redelivered")
	}
	ns.settle(stream, outcome, msg)
}

func (ns *NATSSubscriber) settle(stream string, outcome Outcome, msg jetstream.Msg) {
	var err error
	switch outcome {
	case OutcomeMalformed:
		err = msg.Term()
	case OutcomeRetry:
		err = msg.Nak()
	case OutcomeOutOfOrder:
		// an earlier message from the same caller may still be redelivered
		err = msg.NakWithDelay(outOfOrderDelay)
	default:
		err = msg.Ack()
	}
	if err != nil {
		ns.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("settle message failed")
	}
	if ns.metrics != nil {
		ns.metrics.NATSMessages.WithLabelValues(stream, string(outcome)).Inc()
	}
}

// EnsureStreams creates the inbound and outbound JetStream streams if they
// don't exist: FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:     OracleStream,
			Subjects: []string{"cdp.oracle.prices.>"},
		},
		{
			Name:     CommandsStream,
			Subjects: []string{"cdp.vault.*", "cdp.pool.*", "cdp.admin.*"},
		},
		{
			Name:     OutboundStream,
			Subjects: []string{EventSubjectPrefix + ">"},
		},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("cdpledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
