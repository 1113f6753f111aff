// Package oracle implements the price oracle adapter: a trusted updater posts
// quotes, and readers only ever see prices that are fresh and not inside an
// outage window.
package oracle

import (
	"fmt"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
)

const (
	DefaultMaxStaleness = time.Hour
	DefaultGracePeriod  = time.Hour
)

// Config holds the oracle trust and freshness parameters.
type Config struct {
	TrustedUpdater uuid.UUID
	MaxStaleness   time.Duration
	GracePeriod    time.Duration
}

func DefaultConfig(updater uuid.UUID) Config {
	return Config{
		TrustedUpdater: updater,
		MaxStaleness:   DefaultMaxStaleness,
		GracePeriod:    DefaultGracePeriod,
	}
}

// Quote is the current price record for one asset.
type Quote struct {
	AssetID     string          `json:"asset_id"`
	Price       decimal.Decimal `json:"price"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CircuitOpen bool            `json:"circuit_open"`
	// ReclosedAt is when the circuit last went from open to closed. Zero if it never did.
	ReclosedAt time.Time `json:"reclosed_at"`
	Sequence   int64     `json:"sequence"`
}

// Adapter owns all PriceQuote state.
type Adapter struct {
	cfg    Config
	clock  clock.Clock
	quotes map[string]*Quote
	guard  protocol.Guard
}

func NewAdapter(cfg Config, clk clock.Clock) *Adapter {
	if cfg.MaxStaleness <= 0 {
		cfg.MaxStaleness = DefaultMaxStaleness
	}
	if cfg.GracePeriod < 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	return &Adapter{
		cfg:    cfg,
		clock:  clk,
		quotes: make(map[string]*Quote),
	}
}

func (a *Adapter) Config() Config { return a.cfg }

// UpdatePrice records price at the current time. sequencerUp=false marks an
// upstream outage; the next update with sequencerUp=true re-closes the circuit
// and starts the grace period.
func (a *Adapter) UpdatePrice(caller uuid.UUID, assetID string, price decimal.Decimal, sequencerUp bool) (Quote, error) {
	if err := a.guard.Enter(); err != nil {
		return Quote{}, err
	}
	defer a.guard.Exit()

	if caller != a.cfg.TrustedUpdater {
		return Quote{}, fmt.Errorf("update price %s by %s: %w", assetID, caller, protocol.ErrUnauthorized)
	}
	if assetID == "" {
		return Quote{}, fmt.Errorf("update price: empty asset id: %w", protocol.ErrInvalidPrice)
	}
	if price.Sign() <= 0 || !fpmath.PriceConfig.Fits(price) {
		return Quote{}, fmt.Errorf("update price %s to %s: %w", assetID, price, protocol.ErrInvalidPrice)
	}

	now := a.clock.Now()
	q, ok := a.quotes[assetID]
	if !ok {
		q = &Quote{AssetID: assetID}
		a.quotes[assetID] = q
	}

	switch {
	case !sequencerUp:
		q.CircuitOpen = true
	case q.CircuitOpen:
		q.CircuitOpen = false
		q.ReclosedAt = now
	}
	q.Price = price
	q.UpdatedAt = now
	q.Sequence++

	return *q, nil
}

// GetValidPrice returns the latest price only if the circuit is closed, the
// post-recovery grace period has fully elapsed and the quote is fresh.
func (a *Adapter) GetValidPrice(assetID string) (decimal.Decimal, error) {
	q, ok := a.quotes[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: no quote: %w", assetID, protocol.ErrPriceUnavailable)
	}
	now := a.clock.Now()

	if q.CircuitOpen {
		return decimal.Zero, fmt.Errorf("%s: circuit open: %w", assetID, protocol.ErrPriceUnavailable)
	}
	if !q.ReclosedAt.IsZero() && now.Sub(q.ReclosedAt) < a.cfg.GracePeriod {
		return decimal.Zero, fmt.Errorf("%s: within grace period since %s: %w",
			assetID, q.ReclosedAt.Format(time.RFC3339), protocol.ErrPriceUnavailable)
	}
	if age := now.Sub(q.UpdatedAt); age >= a.cfg.MaxStaleness {
		return decimal.Zero, fmt.Errorf("%s: quote age %s exceeds %s: %w",
			assetID, age, a.cfg.MaxStaleness, protocol.ErrPriceUnavailable)
	}
	return q.Price, nil
}

// Quote returns the raw stored quote without validity checks.
func (a *Adapter) Quote(assetID string) (Quote, bool) {
	q, ok := a.quotes[assetID]
	if !ok {
		return Quote{}, false
	}
	return *q, true
}

// Quotes returns every stored quote ordered by asset id.
func (a *Adapter) Quotes() []Quote {
	out := make([]Quote, 0, len(a.quotes))
	for _, q := range a.quotes {
		out = append(out, *q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

// Restore loads a persisted quote. Used on startup only.
func (a *Adapter) Restore(q Quote) {
	cp := q
	a.quotes[q.AssetID] = &cp
}
