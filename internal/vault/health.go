package vault

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	fpmath "CDPLedger/internal/math"
)

// HealthFactor is risk-adjusted collateral value over debt. Zero-debt
// positions carry the infinite sentinel.
type HealthFactor struct {
	ratio    decimal.Decimal
	infinite bool
}

var (
	InfiniteHealthFactor = HealthFactor{infinite: true}
	one                  = decimal.NewFromInt(1)
)

// NewHealthFactor computes weighted / debt rounded down to 18 places.
func NewHealthFactor(weighted, debt decimal.Decimal) HealthFactor {
	if debt.Sign() <= 0 {
		return InfiniteHealthFactor
	}
	return HealthFactor{ratio: fpmath.Div(weighted, debt, fpmath.RatioConfig, fpmath.RoundDown)}
}

func (h HealthFactor) IsInfinite() bool { return h.infinite }

// Ratio returns the finite value. Meaningless when IsInfinite.
func (h HealthFactor) Ratio() decimal.Decimal { return h.ratio }

// Healthy reports HF >= 1.0.
func (h HealthFactor) Healthy() bool {
	return h.infinite || h.ratio.Cmp(one) >= 0
}

func (h HealthFactor) Cmp(o HealthFactor) int {
	switch {
	case h.infinite && o.infinite:
		return 0
	case h.infinite:
		return 1
	case o.infinite:
		return -1
	default:
		return h.ratio.Cmp(o.ratio)
	}
}

func (h HealthFactor) String() string {
	if h.infinite {
		return "inf"
	}
	return h.ratio.String()
}

func (h HealthFactor) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *HealthFactor) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("health factor: %w", err)
	}
	if s == "inf" {
		*h = InfiniteHealthFactor
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("health factor: %w", err)
	}
	*h = HealthFactor{ratio: d}
	return nil
}

// valuation is a position priced at one instant.
type valuation struct {
	prices map[string]decimal.Decimal
	// weighted is Σ collateral × price × threshold, exact.
	weighted decimal.Decimal
	// capacity is Σ collateral × price × ltv, exact.
	capacity decimal.Decimal
}

// value prices every held kind of p. Any unavailable price fails the whole valuation.
func (v *Vault) value(p *Position) (*valuation, error) {
	prices := make(map[string]decimal.Decimal)
	for _, kindID := range p.HeldKinds() {
		price, err := v.prices.GetValidPrice(kindID)
		if err != nil {
			return nil, err
		}
		prices[kindID] = price
	}
	return v.valueWith(p, prices)
}

// healthy compares exactly, without rounding the ratio.
func (val *valuation) healthy(debt decimal.Decimal) bool {
	return debt.Sign() <= 0 || val.weighted.Cmp(debt) >= 0
}

func (val *valuation) withinCapacity(debt decimal.Decimal) bool {
	return debt.Sign() <= 0 || val.capacity.Cmp(debt) >= 0
}

func (val *valuation) healthFactor(debt decimal.Decimal) HealthFactor {
	return NewHealthFactor(val.weighted, debt)
}
