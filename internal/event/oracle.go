package event

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// PriceUpdate is pushed by the trusted updater. Sequence is the per-asset
// price sequence; gaps are tolerated and stale sequences ignored.
type PriceUpdate struct {
	Meta
	Asset       string          `json:"asset"`
	Price       decimal.Decimal `json:"price"`
	SequencerUp bool            `json:"sequencer_up"`
}

// IdempotencyKey falls back to asset and price sequence when the updater
// sends no request id. An unsequenced update without a request id has no key.
func (p *PriceUpdate) IdempotencyKey() string {
	if p.RequestID != "" || p.Sequence == 0 {
		return p.RequestID
	}
	return fmt.Sprintf("%s:price:%d", p.Asset, p.Sequence)
}

func (p *PriceUpdate) EventType() EventType { return EventTypePriceUpdated }
