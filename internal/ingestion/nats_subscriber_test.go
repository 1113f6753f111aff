package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/protocol"
)

// fakeMsg records how a message was settled. Unused Msg methods panic via
// the nil embedded interface.
type fakeMsg struct {
	jetstream.Msg
	subject string
	data    []byte
	settled string
	delay   time.Duration
}

func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Ack() error      { m.settled = "ack"; return nil }
func (m *fakeMsg) Nak() error      { m.settled = "nak"; return nil }
func (m *fakeMsg) Term() error     { m.settled = "term"; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.settled = "nak_delay"
	m.delay = d
	return nil
}

type fakeSubmitter struct {
	receipt core.Receipt
	err     error
	got     []event.Event
}

func (f *fakeSubmitter) Submit(_ context.Context, evt event.Event) (core.Receipt, error) {
	f.got = append(f.got, evt)
	return f.receipt, f.err
}

// ============================================================================
// Test: every outcome settles the message the right way
// ============================================================================

func TestHandle_Settlement(t *testing.T) {
	const body = `{"request_id":"r-1","caller":"660e8400-e29b-41d4-a716-446655440001","amount":"5"}`

	tests := []struct {
		name        string
		subject     string
		data        string
		receipt     core.Receipt
		err         error
		wantSettled string
		wantSubmits int
		wantOutcome Outcome
	}{
		{"applied", "cdp.pool.deposit", body, core.Receipt{Sequence: 9}, nil, "ack", 1, OutcomeApplied},
		{"duplicate", "cdp.pool.deposit", body, core.Receipt{Duplicate: true}, nil, "ack", 1, OutcomeDuplicate},
		{"business rejection", "cdp.pool.withdraw", body, core.Receipt{}, protocol.ErrInsufficientBalance, "ack", 1, OutcomeRejected},
		{"malformed", "cdp.pool.deposit", `{"amount":`, core.Receipt{}, nil, "term", 0, OutcomeMalformed},
		{"unknown subject", "cdp.pool.teleport", body, core.Receipt{}, nil, "term", 0, OutcomeMalformed},
		{"out of order", "cdp.pool.deposit", body, core.Receipt{}, protocol.ErrOutOfOrder, "nak_delay", 1, OutcomeOutOfOrder},
		{"core stopped", "cdp.pool.deposit", body, core.Receipt{}, core.ErrStopped, "nak", 1, OutcomeRetry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			metrics := observability.NewMetrics(prometheus.NewRegistry())
			sub := &fakeSubmitter{receipt: tt.receipt, err: tt.err}
			ns := NewNATSSubscriber(nil, sub, metrics, zerolog.Nop())

			msg := &fakeMsg{subject: tt.subject, data: []byte(tt.data)}
			ns.handle(context.Background(), CommandsStream, msg)

			if msg.settled != tt.wantSettled {
				t.Errorf("settled: got %q, want %q", msg.settled, tt.wantSettled)
			}
			if len(sub.got) != tt.wantSubmits {
				t.Errorf("submits: got %d, want %d", len(sub.got), tt.wantSubmits)
			}
			if tt.wantSettled == "nak_delay" && msg.delay != outOfOrderDelay {
				t.Errorf("delay: got %v, want %v", msg.delay, outOfOrderDelay)
			}
			counter := metrics.NATSMessages.WithLabelValues(CommandsStream, string(tt.wantOutcome))
			if got := testutil.ToFloat64(counter); got != 1 {
				t.Errorf("outcome %s counter: got %v, want 1", tt.wantOutcome, got)
			}
		})
	}
}

func TestHandle_StampsReceiveTime(t *testing.T) {
	sub := &fakeSubmitter{receipt: core.Receipt{Sequence: 1}}
	ns := NewNATSSubscriber(nil, sub, nil, zerolog.Nop())
	received := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	ns.clock = func() time.Time { return received }

	msg := &fakeMsg{subject: "cdp.oracle.prices.ETH", data: []byte(`{"sequence":4,"price":"1999.5","sequencer_up":true}`)}
	ns.handle(context.Background(), OracleStream, msg)

	if len(sub.got) != 1 {
		t.Fatalf("submits: got %d, want 1", len(sub.got))
	}
	pu := sub.got[0].(*event.PriceUpdate)
	if !pu.OccurredAt().Equal(received) {
		t.Errorf("timestamp: got %v, want %v", pu.OccurredAt(), received)
	}
	if pu.Asset != "ETH" {
		t.Errorf("asset: got %q, want ETH", pu.Asset)
	}
}
