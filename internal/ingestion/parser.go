package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/protocol"
)

// PriceSubjectPrefix is followed by the asset id.
const PriceSubjectPrefix = "cdp.oracle.prices."

// commandSubjects maps each inbound command subject to its event type.
var commandSubjects = map[string]event.EventType{
	"cdp.vault.deposit":   event.EventTypeCollateralDeposited,
	"cdp.vault.withdraw":  event.EventTypeCollateralWithdrawn,
	"cdp.vault.borrow":    event.EventTypeDebtBorrowed,
	"cdp.vault.repay":     event.EventTypeDebtRepaid,
	"cdp.vault.liquidate": event.EventTypePositionLiquidated,
	"cdp.pool.deposit":    event.EventTypePoolDeposited,
	"cdp.pool.withdraw":   event.EventTypePoolWithdrawn,
	"cdp.pool.claim":      event.EventTypeCollateralGainClaimed,
	"cdp.admin.register":  event.EventTypeCollateralKindRegistered,
	"cdp.admin.enable":    event.EventTypeCollateralEnabledSet,
	"cdp.admin.reward":    event.EventTypeRewardWeightSet,
}

// SubjectEventType resolves the event type carried on subject.
func SubjectEventType(subject string) (event.EventType, bool) {
	if strings.HasPrefix(subject, PriceSubjectPrefix) && len(subject) > len(PriceSubjectPrefix) {
		return event.EventTypePriceUpdated, true
	}
	t, ok := commandSubjects[subject]
	return t, ok
}

// ParseCommand decodes a JSON command of type t. Unknown fields are rejected
// so a misspelled amount never decodes as zero. The command is stamped with
// received: the core's clock drives oracle staleness and must not be steered
// by callers. A client stamp more than core.MaxClockSkew ahead is refused.
func ParseCommand(t event.EventType, data []byte, received time.Time) (event.Event, error) {
	evt, ok := event.New(t)
	if !ok {
		return nil, fmt.Errorf("unknown event type %d: %w", t, protocol.ErrInvalidRequest)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(evt); err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", t, err, protocol.ErrInvalidRequest)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse %s: trailing data: %w", t, protocol.ErrInvalidRequest)
	}

	h := evt.Header()
	if h.Timestamp.After(received.Add(core.MaxClockSkew)) {
		return nil, fmt.Errorf("parse %s: timestamp %s ahead of receive time %s: %w",
			t, h.Timestamp.UTC().Format(time.RFC3339Nano), received.UTC().Format(time.RFC3339Nano), protocol.ErrInvalidRequest)
	}
	h.Timestamp = received.UTC()
	if h.Sequence < 0 {
		return nil, fmt.Errorf("parse %s: negative sequence: %w", t, protocol.ErrInvalidRequest)
	}
	return evt, nil
}

// ParseMessage resolves the subject and decodes the payload. For price
// subjects the asset in the subject must agree with the payload and fills
// it when absent.
func ParseMessage(subject string, data []byte, received time.Time) (event.Event, error) {
	t, ok := SubjectEventType(subject)
	if !ok {
		return nil, fmt.Errorf("no command on subject %q: %w", subject, protocol.ErrInvalidRequest)
	}
	evt, err := ParseCommand(t, data, received)
	if err != nil {
		return nil, err
	}

	if pu, ok := evt.(*event.PriceUpdate); ok {
		asset := strings.TrimPrefix(subject, PriceSubjectPrefix)
		switch pu.Asset {
		case "":
			pu.Asset = asset
		case asset:
		default:
			return nil, fmt.Errorf("price for %q published on %q: %w", pu.Asset, subject, protocol.ErrInvalidRequest)
		}
	}
	return evt, nil
}
