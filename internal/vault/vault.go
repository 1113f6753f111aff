// Package vault implements the collateral vault: per-account collateral and
// debt, health factor evaluation and bounded partial liquidation into the
// stability pool.
package vault

import (
	"fmt"
	"sort"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
)

// PriceSource yields trusted prices. Any error means "cannot evaluate risk".
type PriceSource interface {
	GetValidPrice(assetID string) (decimal.Decimal, error)
}

// DebtAbsorber offsets liquidated debt against pooled liquidity.
type DebtAbsorber interface {
	AbsorbDebt(caller uuid.UUID, debt decimal.Decimal, kind string, collateral decimal.Decimal) error
}

// Vault owns all Position and CollateralKind state. It is not safe for
// concurrent use; callers serialize access.
type Vault struct {
	id    uuid.UUID // principal presented to the pool
	admin uuid.UUID

	prices PriceSource
	pool   DebtAbsorber
	clock  clock.Clock

	kinds     map[string]*CollateralKind
	positions map[uuid.UUID]*Position

	guard protocol.Guard
}

func New(id, admin uuid.UUID, prices PriceSource, pool DebtAbsorber, clk clock.Clock) *Vault {
	return &Vault{
		id:        id,
		admin:     admin,
		prices:    prices,
		pool:      pool,
		clock:     clk,
		kinds:     make(map[string]*CollateralKind),
		positions: make(map[uuid.UUID]*Position),
	}
}

// ID is the principal the vault presents when calling the pool.
func (v *Vault) ID() uuid.UUID { return v.id }

func validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: got %s", protocol.ErrInvalidAmount, amount)
	}
	if !fpmath.AmountConfig.Fits(amount) {
		return fmt.Errorf("%w: %s exceeds %d places", protocol.ErrInvalidAmount, amount, fpmath.AmountConfig.DecimalPrecision)
	}
	return nil
}

// Deposit adds collateral of an enabled kind. Deposits never need a price.
func (v *Vault) Deposit(account uuid.UUID, kindID string, amount decimal.Decimal) (Position, error) {
	if err := v.guard.Enter(); err != nil {
		return Position{}, err
	}
	defer v.guard.Exit()

	if err := validAmount(amount); err != nil {
		return Position{}, fmt.Errorf("deposit %s: %w", kindID, err)
	}
	kind, ok := v.kinds[kindID]
	if !ok {
		return Position{}, fmt.Errorf("deposit %s: %w", kindID, protocol.ErrUnknownCollateral)
	}
	if !kind.Enabled {
		return Position{}, fmt.Errorf("deposit %s: %w", kindID, protocol.ErrCollateralDisabled)
	}

	pos, ok := v.positions[account]
	if !ok {
		pos = newPosition(account)
	}
	next := pos.clone()
	next.setBalance(kindID, next.Balance(kindID).Add(amount))
	v.refreshState(next, nil)
	return v.commit(next), nil
}

// Withdraw removes collateral. A position with debt must stay within both its
// borrow capacity and HF >= 1.0 afterwards.
func (v *Vault) Withdraw(account uuid.UUID, kindID string, amount decimal.Decimal) (Position, error) {
	if err := v.guard.Enter(); err != nil {
		return Position{}, err
	}
	defer v.guard.Exit()

	if err := validAmount(amount); err != nil {
		return Position{}, fmt.Errorf("withdraw %s: %w", kindID, err)
	}
	if _, ok := v.kinds[kindID]; !ok {
		return Position{}, fmt.Errorf("withdraw %s: %w", kindID, protocol.ErrUnknownCollateral)
	}
	pos, ok := v.positions[account]
	if !ok || pos.Balance(kindID).Cmp(amount) < 0 {
		return Position{}, fmt.Errorf("withdraw %s %s: %w", amount, kindID, protocol.ErrInsufficientBalance)
	}

	next := pos.clone()
	next.setBalance(kindID, next.Balance(kindID).Sub(amount))

	var val *valuation
	if next.Debt.Sign() > 0 {
		var err error
		if val, err = v.value(next); err != nil {
			return Position{}, fmt.Errorf("withdraw %s: %w", kindID, err)
		}
		if !val.withinCapacity(next.Debt) || !val.healthy(next.Debt) {
			return Position{}, fmt.Errorf("withdraw %s %s leaves HF %s: %w",
				amount, kindID, val.healthFactor(next.Debt), protocol.ErrInsufficientCollateral)
		}
	}
	v.refreshState(next, val)
	return v.commit(next), nil
}

// Borrow increases debt when the post-borrow position stays within its LTV
// capacity and at or above HF 1.0.
func (v *Vault) Borrow(account uuid.UUID, amount decimal.Decimal) (Position, error) {
	if err := v.guard.Enter(); err != nil {
		return Position{}, err
	}
	defer v.guard.Exit()

	if err := validAmount(amount); err != nil {
		return Position{}, fmt.Errorf("borrow: %w", err)
	}
	pos, ok := v.positions[account]
	if !ok || !pos.HasCollateral() {
		return Position{}, fmt.Errorf("borrow %s without collateral: %w", amount, protocol.ErrInsufficientCollateral)
	}

	next := pos.clone()
	next.Debt = next.Debt.Add(amount)
	val, err := v.value(next)
	if err != nil {
		return Position{}, fmt.Errorf("borrow: %w", err)
	}
	if !val.withinCapacity(next.Debt) || !val.healthy(next.Debt) {
		return Position{}, fmt.Errorf("borrow %s leaves HF %s: %w",
			amount, val.healthFactor(next.Debt), protocol.ErrInsufficientCollateral)
	}
	v.refreshState(next, val)
	return v.commit(next), nil
}

// Repay reduces debt by min(amount, debt) and returns the amount applied.
func (v *Vault) Repay(account uuid.UUID, amount decimal.Decimal) (decimal.Decimal, Position, error) {
	if err := v.guard.Enter(); err != nil {
		return decimal.Zero, Position{}, err
	}
	defer v.guard.Exit()

	if err := validAmount(amount); err != nil {
		return decimal.Zero, Position{}, fmt.Errorf("repay: %w", err)
	}
	pos, ok := v.positions[account]
	if !ok || pos.Debt.IsZero() {
		return decimal.Zero, Position{}, fmt.Errorf("repay %s: %w", account, protocol.ErrNoDebt)
	}

	repaid := fpmath.Min(amount, pos.Debt)
	next := pos.clone()
	next.Debt = next.Debt.Sub(repaid)
	v.refreshState(next, nil)
	return repaid, v.commit(next), nil
}

// HealthFactor is a pure read. Zero-debt and unknown accounts are infinitely healthy.
func (v *Vault) HealthFactor(account uuid.UUID) (HealthFactor, error) {
	pos, ok := v.positions[account]
	if !ok || pos.Debt.IsZero() {
		return InfiniteHealthFactor, nil
	}
	val, err := v.value(pos)
	if err != nil {
		return HealthFactor{}, err
	}
	return val.healthFactor(pos.Debt), nil
}

// Reprice re-derives the state of every indebted position holding kindID
// after its price moved and returns the positions whose state changed.
func (v *Vault) Reprice(kindID string) []Position {
	if err := v.guard.Enter(); err != nil {
		return nil
	}
	defer v.guard.Exit()

	var changed []Position
	for _, pos := range v.Positions() {
		if pos.Debt.IsZero() || pos.Balance(kindID).Sign() <= 0 {
			continue
		}
		next := pos.clone()
		v.refreshState(next, nil)
		if next.State != pos.State {
			changed = append(changed, v.commit(next))
		}
	}
	return changed
}

// Position returns a copy of the account's position.
func (v *Vault) Position(account uuid.UUID) (Position, bool) {
	pos, ok := v.positions[account]
	if !ok {
		return Position{}, false
	}
	return *pos.clone(), true
}

// Positions returns copies of all open positions ordered by account.
func (v *Vault) Positions() []Position {
	accounts := make([]uuid.UUID, 0, len(v.positions))
	for a := range v.positions {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})
	out := make([]Position, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, *v.positions[a].clone())
	}
	return out
}

// OpenPositions counts stored positions.
func (v *Vault) OpenPositions() int { return len(v.positions) }

// TotalDebt sums outstanding debt over all positions.
func (v *Vault) TotalDebt() decimal.Decimal {
	total := decimal.Zero
	for _, p := range v.positions {
		total = total.Add(p.Debt)
	}
	return total
}

// TotalCollateral sums deposited collateral of one kind.
func (v *Vault) TotalCollateral(kindID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range v.positions {
		total = total.Add(p.Balance(kindID))
	}
	return total
}

// RestorePosition loads a persisted position. Used on startup only.
func (v *Vault) RestorePosition(p Position) {
	cp := p.clone()
	if cp.Debt.IsZero() {
		cp.Debt = decimal.Zero
	}
	v.positions[p.Account] = cp
}

// refreshState re-derives Healthy/Liquidatable from a valuation. Without a
// usable price the previous state is kept.
func (v *Vault) refreshState(p *Position, val *valuation) {
	if p.IsEmpty() {
		transition(p, PositionStateClosed)
		return
	}
	if p.Debt.IsZero() {
		transition(p, PositionStateHealthy)
		return
	}
	if val == nil {
		var err error
		if val, err = v.value(p); err != nil {
			return
		}
	}
	if val.healthy(p.Debt) {
		transition(p, PositionStateHealthy)
	} else {
		transition(p, PositionStateLiquidatable)
	}
}

func transition(p *Position, next PositionState) {
	if p.State == next {
		return
	}
	if !p.State.CanTransitionTo(next) {
		panic(fmt.Sprintf("vault: invalid position transition %s -> %s for %s", p.State, next, p.Account))
	}
	p.State = next
}

// commit stores next and drops closed positions.
func (v *Vault) commit(next *Position) Position {
	next.Version++
	if next.State == PositionStateClosed {
		delete(v.positions, next.Account)
	} else {
		v.positions[next.Account] = next
	}
	return *next.clone()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
