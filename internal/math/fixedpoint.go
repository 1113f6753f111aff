// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int32 // Number of fractional decimal places
}

var (
	// Standard configs
	PriceConfig       = DecimalConfig{DecimalPrecision: 8}  // oracle quotes
	AmountConfig      = DecimalConfig{DecimalPrecision: 18} // debt token and collateral units
	RatioConfig       = DecimalConfig{DecimalPrecision: 18} // health factor
	AccumulatorConfig = DecimalConfig{DecimalPrecision: 36} // stability pool P and S
)

// BpsDenominator is 100% expressed in basis points.
const BpsDenominator int64 = 10_000

var ErrPrecision = errors.New("value exceeds configured precision")

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward zero
	RoundUp                           // away from zero
)

// Unit returns the smallest representable step, 10^-precision.
func (c DecimalConfig) Unit() decimal.Decimal {
	return decimal.New(1, -c.DecimalPrecision)
}

// Quantize rounds v to the configured number of places.
func (c DecimalConfig) Quantize(v decimal.Decimal, mode RoundingMode) decimal.Decimal {
	switch mode {
	case RoundDown:
		return v.Truncate(c.DecimalPrecision)
	case RoundUp:
		return v.RoundUp(c.DecimalPrecision)
	default:
		return v.RoundBank(c.DecimalPrecision)
	}
}

// Fits reports whether v is exactly representable at this precision.
func (c DecimalConfig) Fits(v decimal.Decimal) bool {
	return v.Equal(v.Truncate(c.DecimalPrecision))
}

// Parse parses s and rejects values with more fractional digits than the config allows.
func (c DecimalConfig) Parse(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	if !c.Fits(v) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d places", ErrPrecision, s, c.DecimalPrecision)
	}
	return v, nil
}

// MulDiv computes a * b / denominator at the configured precision.
// The product is exact; only the final division rounds.
func MulDiv(a, b, denominator decimal.Decimal, cfg DecimalConfig, mode RoundingMode) decimal.Decimal {
	if denominator.IsZero() {
		panic("math: MulDiv by zero")
	}
	numerator := a.Mul(b)

	// quotient is truncated toward zero, remainder carries the sign of numerator
	quotient, remainder := numerator.QuoRem(denominator, cfg.DecimalPrecision)
	if remainder.IsZero() {
		return quotient
	}

	step := cfg.Unit()
	if numerator.Sign() != denominator.Sign() {
		step = step.Neg()
	}

	switch mode {
	case RoundUp:
		return quotient.Add(step)
	case RoundHalfEven:
		// compare |remainder| * 2 with |denominator| measured in units of the last place
		twice := remainder.Abs().Mul(decimal.NewFromInt(2))
		cmp := twice.Cmp(denominator.Abs().Mul(step.Abs()))
		if cmp > 0 {
			return quotient.Add(step)
		}
		if cmp == 0 {
			lastDigit := quotient.Shift(cfg.DecimalPrecision).Mod(decimal.NewFromInt(2))
			if !lastDigit.IsZero() {
				return quotient.Add(step)
			}
		}
		return quotient
	default:
		return quotient
	}
}

// Div computes a / b at the configured precision.
func Div(a, b decimal.Decimal, cfg DecimalConfig, mode RoundingMode) decimal.Decimal {
	return MulDiv(a, decimal.NewFromInt(1), b, cfg, mode)
}

// Mul computes a * b rounded to the configured precision.
func Mul(a, b decimal.Decimal, cfg DecimalConfig, mode RoundingMode) decimal.Decimal {
	return cfg.Quantize(a.Mul(b), mode)
}

// ApplyBps returns amount * bps / 10000 at the configured precision.
func ApplyBps(amount decimal.Decimal, bps int64, cfg DecimalConfig, mode RoundingMode) decimal.Decimal {
	return MulDiv(amount, decimal.NewFromInt(bps), decimal.NewFromInt(BpsDenominator), cfg, mode)
}

// BpsRatio converts basis points to a decimal fraction.
func BpsRatio(bps int64) decimal.Decimal {
	return decimal.New(bps, -4)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}
