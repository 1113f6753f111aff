package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCollateralKindRegistered
	EventTypeCollateralEnabledSet
	EventTypeCollateralDeposited
	EventTypeCollateralWithdrawn
	EventTypeDebtBorrowed
	EventTypeDebtRepaid
	EventTypePositionLiquidated
	EventTypePoolDeposited
	EventTypePoolWithdrawn
	EventTypeCollateralGainClaimed
	EventTypePriceUpdated
	EventTypeRewardWeightSet
)

var eventTypeNames = map[EventType]string{
	EventTypeCollateralKindRegistered: "CollateralKindRegistered",
	EventTypeCollateralEnabledSet:     "CollateralEnabledSet",
	EventTypeCollateralDeposited:      "CollateralDeposited",
	EventTypeCollateralWithdrawn:      "CollateralWithdrawn",
	EventTypeDebtBorrowed:             "DebtBorrowed",
	EventTypeDebtRepaid:               "DebtRepaid",
	EventTypePositionLiquidated:       "PositionLiquidated",
	EventTypePoolDeposited:            "PoolDeposited",
	EventTypePoolWithdrawn:            "PoolWithdrawn",
	EventTypeCollateralGainClaimed:    "CollateralGainClaimed",
	EventTypePriceUpdated:             "PriceUpdated",
	EventTypeRewardWeightSet:          "RewardWeightSet",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of String.
func ParseEventType(s string) (EventType, bool) {
	for et, name := range eventTypeNames {
		if name == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Principal that submitted the command
	Caller uuid.UUID

	// Ordering partition the source sequence belongs to
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation (0 when unsequenced)
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded outcome returned to the submitter
	Result []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Principal is the caller the command acts as
	Principal() uuid.UUID

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// OccurredAt is the versioned input time the core advances its clock to
	OccurredAt() time.Time

	// Header exposes the shared fields so transports can fill them in
	Header() *Meta
}

// Meta carries the fields every command shares. Commands embed it.
type Meta struct {
	RequestID string    `json:"request_id"`
	Caller    uuid.UUID `json:"caller"`
	Sequence  int64     `json:"sequence,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (m *Meta) IdempotencyKey() string { return m.RequestID }

func (m *Meta) Principal() uuid.UUID { return m.Caller }

func (m *Meta) SourceSequence() int64 { return m.Sequence }

func (m *Meta) OccurredAt() time.Time { return m.Timestamp }

func (m *Meta) Header() *Meta { return m }

// New returns an empty command for t, ready to be decoded into.
func New(t EventType) (Event, bool) {
	switch t {
	case EventTypeCollateralKindRegistered:
		return &RegisterCollateralKind{}, true
	case EventTypeCollateralEnabledSet:
		return &SetCollateralEnabled{}, true
	case EventTypeCollateralDeposited:
		return &CollateralDeposit{}, true
	case EventTypeCollateralWithdrawn:
		return &CollateralWithdrawal{}, true
	case EventTypeDebtBorrowed:
		return &Borrow{}, true
	case EventTypeDebtRepaid:
		return &Repayment{}, true
	case EventTypePositionLiquidated:
		return &Liquidation{}, true
	case EventTypePoolDeposited:
		return &PoolDeposit{}, true
	case EventTypePoolWithdrawn:
		return &PoolWithdrawal{}, true
	case EventTypeCollateralGainClaimed:
		return &GainClaim{}, true
	case EventTypePriceUpdated:
		return &PriceUpdate{}, true
	case EventTypeRewardWeightSet:
		return &RewardWeightUpdate{}, true
	default:
		return nil, false
	}
}
