// Package stabilitypool implements the pooled debt-token reserve that offsets
// liquidated debt and distributes seized collateral pro rata.
//
// Balances are never rewritten per absorption. A running product P tracks how
// much of every deposit survives, and per-kind sums S track collateral earned
// per unit staked. A depositor's live values derive from the snapshot of P and
// S taken at their last settlement:
//
//	balance = deposit × P / P_snapshot
//	gain    = deposit × (S − S_snapshot) / P_snapshot
//
// P is rescaled by 1e9 whenever it would drop below 1e-9, and an absorption
// that consumes the entire pool starts a new epoch in which all earlier
// deposits are worth zero.
package stabilitypool

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/protocol"
)

const scaleDigits = 9

var (
	scaleFactor = decimal.New(1, scaleDigits)
	minP        = decimal.New(1, -9)
	one         = decimal.NewFromInt(1)
)

// Pool owns all StabilityPoolAccount state. Not safe for concurrent use.
type Pool struct {
	vaultID uuid.UUID // the only principal allowed to absorb debt
	admin   uuid.UUID

	state    State
	accounts map[uuid.UUID]*Account

	guard protocol.Guard
}

func New(vaultID, admin uuid.UUID) *Pool {
	return &Pool{
		vaultID:  vaultID,
		admin:    admin,
		state:    newState(),
		accounts: make(map[uuid.UUID]*Account),
	}
}

func validAmount(amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: got %s", protocol.ErrInvalidAmount, amount)
	}
	if !fpmath.AmountConfig.Fits(amount) {
		return fmt.Errorf("%w: %s exceeds %d places", protocol.ErrInvalidAmount, amount, fpmath.AmountConfig.DecimalPrecision)
	}
	return nil
}

// Deposit adds debt tokens to the depositor's balance and the pool total.
func (p *Pool) Deposit(depositor uuid.UUID, amount decimal.Decimal) (Account, error) {
	if err := p.guard.Enter(); err != nil {
		return Account{}, err
	}
	defer p.guard.Exit()

	if err := validAmount(amount); err != nil {
		return Account{}, fmt.Errorf("pool deposit: %w", err)
	}
	acc := p.settled(depositor)
	acc.Deposit = acc.Deposit.Add(amount)
	p.state.TotalDeposits = p.state.TotalDeposits.Add(amount)
	return p.commit(acc), nil
}

// Withdraw returns debt tokens out of the depositor's live balance.
func (p *Pool) Withdraw(depositor uuid.UUID, amount decimal.Decimal) (Account, error) {
	if err := p.guard.Enter(); err != nil {
		return Account{}, err
	}
	defer p.guard.Exit()

	if err := validAmount(amount); err != nil {
		return Account{}, fmt.Errorf("pool withdraw: %w", err)
	}
	acc := p.settled(depositor)
	if acc.Deposit.Cmp(amount) < 0 {
		return Account{}, fmt.Errorf("pool withdraw %s > balance %s: %w", amount, acc.Deposit, protocol.ErrInsufficientBalance)
	}
	acc.Deposit = acc.Deposit.Sub(amount)
	p.state.TotalDeposits = p.state.TotalDeposits.Sub(amount)
	return p.commit(acc), nil
}

// AbsorbDebt burns debt from the pool total and credits collateral to every
// current depositor pro rata. Callable only by the vault.
func (p *Pool) AbsorbDebt(caller uuid.UUID, debt decimal.Decimal, kind string, collateral decimal.Decimal) error {
	if err := p.guard.Enter(); err != nil {
		return err
	}
	defer p.guard.Exit()

	if caller != p.vaultID {
		return fmt.Errorf("absorb debt by %s: %w", caller, protocol.ErrUnauthorized)
	}
	if err := validAmount(debt); err != nil {
		return fmt.Errorf("absorb debt: %w", err)
	}
	if collateral.Sign() < 0 {
		return fmt.Errorf("absorb collateral %s: %w", collateral, protocol.ErrInvalidAmount)
	}
	total := p.state.TotalDeposits
	if total.Cmp(debt) < 0 {
		return fmt.Errorf("absorb %s with %s deposited: %w", debt, total, protocol.ErrInsufficientLiquidity)
	}

	next := p.state.clone()
	gainPerUnit, lossPerUnit := next.rewardsPerUnitStaked(kind, debt, collateral)
	next.updateSumAndProduct(kind, gainPerUnit, lossPerUnit)
	next.TotalDeposits = total.Sub(debt)
	next.Collateral[kind] = amountOf(next.Collateral, kind).Add(collateral)
	p.state = next
	return nil
}

// PendingCollateralGain is the depositor's unclaimed entitlement for kind.
func (p *Pool) PendingCollateralGain(depositor uuid.UUID, kind string) decimal.Decimal {
	acc, ok := p.accounts[depositor]
	if !ok {
		return decimal.Zero
	}
	return amountOf(acc.Accrued, kind).Add(p.gain(acc, kind))
}

// ClaimCollateralGain pays out and zeroes the depositor's entitlement for kind.
func (p *Pool) ClaimCollateralGain(depositor uuid.UUID, kind string) (decimal.Decimal, Account, error) {
	if err := p.guard.Enter(); err != nil {
		return decimal.Zero, Account{}, err
	}
	defer p.guard.Exit()

	if _, ok := p.accounts[depositor]; !ok {
		return decimal.Zero, Account{}, fmt.Errorf("claim %s: %w", kind, protocol.ErrNothingToClaim)
	}
	acc := p.settled(depositor)
	amount := amountOf(acc.Accrued, kind)
	if amount.Sign() <= 0 {
		return decimal.Zero, Account{}, fmt.Errorf("claim %s: %w", kind, protocol.ErrNothingToClaim)
	}
	held := amountOf(p.state.Collateral, kind)
	if held.Cmp(amount) < 0 {
		panic(fmt.Sprintf("stabilitypool: %s entitlement %s exceeds holdings %s", kind, amount, held))
	}
	delete(acc.Accrued, kind)
	p.state.Collateral[kind] = held.Sub(amount)
	return amount, p.commit(acc), nil
}

// SetRewardWeight records the incentive weight. It never feeds the
// offset or gain accounting. Admin only.
func (p *Pool) SetRewardWeight(caller uuid.UUID, weight decimal.Decimal) error {
	if err := p.guard.Enter(); err != nil {
		return err
	}
	defer p.guard.Exit()

	if caller != p.admin {
		return fmt.Errorf("set reward weight: %w", protocol.ErrUnauthorized)
	}
	if weight.Sign() < 0 {
		return fmt.Errorf("reward weight %s: %w", weight, protocol.ErrInvalidAmount)
	}
	p.state.RewardWeight = weight
	return nil
}

// Balance is the depositor's live, compounded debt-token balance.
func (p *Pool) Balance(depositor uuid.UUID) decimal.Decimal {
	acc, ok := p.accounts[depositor]
	if !ok {
		return decimal.Zero
	}
	return p.compoundedDeposit(acc)
}

func (p *Pool) TotalDeposits() decimal.Decimal { return p.state.TotalDeposits }

func (p *Pool) RewardWeight() decimal.Decimal { return p.state.RewardWeight }

// CollateralHeld is absorbed collateral of kind not yet claimed.
func (p *Pool) CollateralHeld(kind string) decimal.Decimal {
	return amountOf(p.state.Collateral, kind)
}

// State returns a copy of the pool-global row.
func (p *Pool) State() State { return p.state.clone() }

// Account returns a copy of the depositor's stored account.
func (p *Pool) Account(depositor uuid.UUID) (Account, bool) {
	acc, ok := p.accounts[depositor]
	if !ok {
		return Account{}, false
	}
	return *acc.clone(), true
}

// Accounts returns copies of all stored accounts ordered by depositor.
func (p *Pool) Accounts() []Account {
	ids := make([]uuid.UUID, 0, len(p.accounts))
	for id := range p.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		out = append(out, *p.accounts[id].clone())
	}
	return out
}

// Restore loads persisted state. Used on startup only.
func (p *Pool) Restore(s State, accounts []Account) {
	p.state = s.clone()
	if p.state.P.IsZero() {
		p.state.P = one
	}
	p.accounts = make(map[uuid.UUID]*Account, len(accounts))
	for _, a := range accounts {
		p.accounts[a.Depositor] = a.clone()
	}
}

// settled returns a detached copy of the depositor's account with the live
// balance and all pending gains crystallized and the snapshot refreshed.
func (p *Pool) settled(depositor uuid.UUID) *Account {
	acc, ok := p.accounts[depositor]
	if !ok {
		return &Account{
			Depositor: depositor,
			Deposit:   decimal.Zero,
			Accrued:   make(map[string]decimal.Decimal),
			Snapshot:  p.currentSnapshot(),
		}
	}
	next := acc.clone()
	for _, kind := range p.gainKinds(acc) {
		if g := p.gain(acc, kind); g.Sign() > 0 {
			next.Accrued[kind] = amountOf(next.Accrued, kind).Add(g)
		}
	}
	next.Deposit = p.compoundedDeposit(acc)
	next.Snapshot = p.currentSnapshot()
	return next
}

func (p *Pool) commit(acc *Account) Account {
	if acc.isEmpty() {
		delete(p.accounts, acc.Depositor)
	} else {
		p.accounts[acc.Depositor] = acc
	}
	return *acc.clone()
}

func (p *Pool) currentSnapshot() Snapshot {
	return Snapshot{
		P:     p.state.P,
		S:     copyAmounts(p.state.Sums[p.state.CurrentEpoch][p.state.CurrentScale]),
		Scale: p.state.CurrentScale,
		Epoch: p.state.CurrentEpoch,
	}
}

// gainKinds lists kinds that may have accrued since acc's snapshot.
func (p *Pool) gainKinds(acc *Account) []string {
	seen := make(map[string]struct{})
	snap := acc.Snapshot
	for kind := range p.state.Sums[snap.Epoch][snap.Scale] {
		seen[kind] = struct{}{}
	}
	for kind := range p.state.Sums[snap.Epoch][snap.Scale+1] {
		seen[kind] = struct{}{}
	}
	kinds := make([]string, 0, len(seen))
	for k := range seen {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// compoundedDeposit is deposit × P / P_snapshot, adjusted for scale changes.
// Deposits from an earlier epoch, or more than one scale behind, are zero.
func (p *Pool) compoundedDeposit(acc *Account) decimal.Decimal {
	snap := acc.Snapshot
	if acc.Deposit.IsZero() || snap.Epoch < p.state.CurrentEpoch {
		return decimal.Zero
	}
	var compounded decimal.Decimal
	switch p.state.CurrentScale - snap.Scale {
	case 0:
		compounded = fpmath.MulDiv(acc.Deposit, p.state.P, snap.P, fpmath.AmountConfig, fpmath.RoundDown)
	case 1:
		compounded = fpmath.MulDiv(acc.Deposit, p.state.P, snap.P.Mul(scaleFactor), fpmath.AmountConfig, fpmath.RoundDown)
	default:
		return decimal.Zero
	}
	// below a billionth of the original the remainder is rounding noise
	if compounded.Mul(scaleFactor).Cmp(acc.Deposit) < 0 {
		return decimal.Zero
	}
	return compounded
}

// gain is the collateral of kind earned since acc's snapshot. Gains earned in
// the scale after the snapshot are counted at 1e-9, and nothing later.
func (p *Pool) gain(acc *Account, kind string) decimal.Decimal {
	snap := acc.Snapshot
	if acc.Deposit.IsZero() {
		return decimal.Zero
	}
	first := p.state.sum(snap.Epoch, snap.Scale, kind).Sub(amountOf(snap.S, kind))
	// exact: decimal.Div would round half-up at 16 places and overpay
	second := p.state.sum(snap.Epoch, snap.Scale+1, kind).Shift(-scaleDigits)
	g := fpmath.MulDiv(acc.Deposit, first.Add(second), snap.P, fpmath.AmountConfig, fpmath.RoundDown)
	if g.Sign() < 0 {
		return decimal.Zero
	}
	return g
}

// rewardsPerUnitStaked splits an absorption into collateral gained and debt
// lost per unit deposited, feeding back the previous rounding errors. Gain
// rounds down and loss rounds up so the pool never pays out more than it holds.
func (s *State) rewardsPerUnitStaked(kind string, debt, collateral decimal.Decimal) (gain, loss decimal.Decimal) {
	cfg := fpmath.AccumulatorConfig
	total := s.TotalDeposits

	collNumerator := collateral.Add(amountOf(s.CollateralErrors, kind))
	gain = fpmath.Div(collNumerator, total, cfg, fpmath.RoundDown)
	s.CollateralErrors[kind] = collNumerator.Sub(gain.Mul(total))

	if debt.Equal(total) {
		s.DebtLossError = decimal.Zero
		return gain, one
	}
	lossNumerator := debt.Sub(s.DebtLossError)
	loss = fpmath.Div(lossNumerator, total, cfg, fpmath.RoundUp)
	s.DebtLossError = loss.Mul(total).Sub(lossNumerator)
	return gain, loss
}

func (s *State) updateSumAndProduct(kind string, gainPerUnit, lossPerUnit decimal.Decimal) {
	cfg := fpmath.AccumulatorConfig
	epoch, scale := s.CurrentEpoch, s.CurrentScale

	marginal := cfg.Quantize(gainPerUnit.Mul(s.P), fpmath.RoundDown)
	s.setSum(epoch, scale, kind, s.sum(epoch, scale, kind).Add(marginal))

	factor := one.Sub(lossPerUnit)
	switch {
	case factor.Sign() <= 0:
		// pool emptied
		s.CurrentEpoch++
		s.CurrentScale = 0
		s.P = one
	case s.P.Mul(factor).Cmp(minP) < 0:
		// deposits two or more scales behind compound to zero anyway
		next := s.P.Mul(factor)
		for next.Cmp(minP) < 0 {
			next = next.Mul(scaleFactor)
			s.CurrentScale++
		}
		s.P = cfg.Quantize(next, fpmath.RoundDown)
	default:
		s.P = cfg.Quantize(s.P.Mul(factor), fpmath.RoundDown)
	}
	if s.P.IsZero() {
		panic("stabilitypool: P reached zero")
	}
}
