package vault

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PositionState tracks a position through the liquidation lifecycle.
type PositionState int32

const (
	PositionStateHealthy PositionState = iota
	PositionStateLiquidatable
	PositionStatePartiallyLiquidated
	PositionStateClosed
)

func (s PositionState) String() string {
	switch s {
	case PositionStateHealthy:
		return "Healthy"
	case PositionStateLiquidatable:
		return "Liquidatable"
	case PositionStatePartiallyLiquidated:
		return "PartiallyLiquidated"
	case PositionStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// ParsePositionState is the inverse of String.
func ParsePositionState(s string) (PositionState, bool) {
	for st := PositionStateHealthy; st <= PositionStateClosed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}

func (s PositionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PositionState) UnmarshalText(b []byte) error {
	st, ok := ParsePositionState(string(b))
	if !ok {
		return fmt.Errorf("unknown position state %q", b)
	}
	*s = st
	return nil
}

var validTransitions = map[PositionState][]PositionState{
	PositionStateHealthy: {
		PositionStateLiquidatable,
		PositionStateClosed,
	},
	PositionStateLiquidatable: {
		PositionStateHealthy, // repaid or topped up
		PositionStatePartiallyLiquidated,
		PositionStateClosed,
	},
	PositionStatePartiallyLiquidated: {
		PositionStatePartiallyLiquidated, // successive liquidations
		PositionStateLiquidatable,
		PositionStateHealthy,
		PositionStateClosed,
	},
}

// CanTransitionTo validates state transitions. Closed is terminal.
func (s PositionState) CanTransitionTo(next PositionState) bool {
	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Position is one account's collateral and debt.
type Position struct {
	Account    uuid.UUID                  `json:"account"`
	Collateral map[string]decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal            `json:"debt"`
	State      PositionState              `json:"state"`
	Version    int64                      `json:"version"` // bumped on every mutation
}

func newPosition(account uuid.UUID) *Position {
	return &Position{
		Account:    account,
		Collateral: make(map[string]decimal.Decimal),
		Debt:       decimal.Zero,
		State:      PositionStateHealthy,
	}
}

func (p *Position) clone() *Position {
	cp := *p
	cp.Collateral = make(map[string]decimal.Decimal, len(p.Collateral))
	for k, v := range p.Collateral {
		cp.Collateral[k] = v
	}
	return &cp
}

// Balance returns the deposited amount of kind.
func (p *Position) Balance(kind string) decimal.Decimal {
	if v, ok := p.Collateral[kind]; ok {
		return v
	}
	return decimal.Zero
}

func (p *Position) setBalance(kind string, amount decimal.Decimal) {
	if amount.IsZero() {
		delete(p.Collateral, kind)
		return
	}
	p.Collateral[kind] = amount
}

// HasCollateral reports whether any collateral balance is nonzero.
func (p *Position) HasCollateral() bool {
	for _, v := range p.Collateral {
		if v.Sign() > 0 {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the position holds neither debt nor collateral.
func (p *Position) IsEmpty() bool {
	return p.Debt.IsZero() && !p.HasCollateral()
}

// HeldKinds returns kinds with a nonzero balance, sorted.
func (p *Position) HeldKinds() []string {
	kinds := make([]string, 0, len(p.Collateral))
	for _, k := range sortedKeys(p.Collateral) {
		if p.Collateral[k].Sign() > 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
