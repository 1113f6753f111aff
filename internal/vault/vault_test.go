package vault_test

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"
)

var (
	admin    = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	vaultID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	borrower = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	keeper   = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fakePrices struct {
	prices map[string]decimal.Decimal
	hook   func()
}

func (f *fakePrices) GetValidPrice(assetID string) (decimal.Decimal, error) {
	if f.hook != nil {
		f.hook()
	}
	p, ok := f.prices[assetID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%s: %w", assetID, protocol.ErrPriceUnavailable)
	}
	return p, nil
}

type absorbCall struct {
	caller     uuid.UUID
	debt       decimal.Decimal
	kind       string
	collateral decimal.Decimal
}

type fakePool struct {
	calls []absorbCall
	err   error
	hook  func()
}

func (f *fakePool) AbsorbDebt(caller uuid.UUID, debt decimal.Decimal, kind string, collateral decimal.Decimal) error {
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, absorbCall{caller, debt, kind, collateral})
	return nil
}

var kindK = vault.CollateralKind{
	ID:                      "K",
	LTVBps:                  8000,
	LiquidationThresholdBps: 8500,
	LiquidationPenaltyBps:   500,
	Enabled:                 true,
}

type fixture struct {
	v      *vault.Vault
	prices *fakePrices
	pool   *fakePool
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		prices: &fakePrices{prices: map[string]decimal.Decimal{"K": dec("100")}},
		pool:   &fakePool{},
		clock:  clock.NewMock(),
	}
	f.v = vault.New(vaultID, admin, f.prices, f.pool, f.clock)
	require.NoError(t, f.v.RegisterCollateralKind(admin, kindK))
	return f
}

// scenario: 1000 K at $100, 60000 borrowed
func (f *fixture) openScenarioPosition(t *testing.T) {
	t.Helper()
	_, err := f.v.Deposit(borrower, "K", dec("1000"))
	require.NoError(t, err)
	_, err = f.v.Borrow(borrower, dec("60000"))
	require.NoError(t, err)
}

// ============================================================================
// Test: collateral registry
// ============================================================================

func TestRegisterCollateralKind_AdminOnly(t *testing.T) {
	f := newFixture(t)
	k := kindK
	k.ID = "ETH"
	err := f.v.RegisterCollateralKind(borrower, k)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	err = f.v.RegisterCollateralKind(admin, kindK)
	assert.ErrorIs(t, err, protocol.ErrCollateralExists)
}

func TestValidateCollateralKind(t *testing.T) {
	tests := []struct {
		name string
		edit func(k *vault.CollateralKind)
	}{
		{"empty id", func(k *vault.CollateralKind) { k.ID = "" }},
		{"zero ltv", func(k *vault.CollateralKind) { k.LTVBps = 0 }},
		{"threshold not above ltv", func(k *vault.CollateralKind) { k.LiquidationThresholdBps = k.LTVBps }},
		{"threshold above 100%", func(k *vault.CollateralKind) { k.LiquidationThresholdBps = 10001 }},
		{"negative penalty", func(k *vault.CollateralKind) { k.LiquidationPenaltyBps = -1 }},
		{"no liquidation margin", func(k *vault.CollateralKind) { k.LiquidationThresholdBps = 9600 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := kindK
			tt.edit(&k)
			assert.ErrorIs(t, vault.ValidateCollateralKind(k), protocol.ErrInvalidCollateralParams)
		})
	}
	assert.NoError(t, vault.ValidateCollateralKind(kindK))
}

func TestSetCollateralEnabled_BlocksDepositsOnly(t *testing.T) {
	f := newFixture(t)
	_, err := f.v.Deposit(borrower, "K", dec("10"))
	require.NoError(t, err)

	_, err = f.v.SetCollateralEnabled(borrower, "K", false)
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
	k, err := f.v.SetCollateralEnabled(admin, "K", false)
	require.NoError(t, err)
	assert.False(t, k.Enabled)

	_, err = f.v.Deposit(borrower, "K", dec("1"))
	assert.ErrorIs(t, err, protocol.ErrCollateralDisabled)

	_, err = f.v.Withdraw(borrower, "K", dec("10"))
	assert.NoError(t, err)

	_, err = f.v.SetCollateralEnabled(admin, "X", true)
	assert.ErrorIs(t, err, protocol.ErrUnknownCollateral)
}

// ============================================================================
// Test: deposit / withdraw / borrow / repay
// ============================================================================

func TestDeposit_Validation(t *testing.T) {
	f := newFixture(t)
	for _, amt := range []string{"0", "-5", "0.0000000000000000001"} {
		_, err := f.v.Deposit(borrower, "K", dec(amt))
		assert.ErrorIs(t, err, protocol.ErrInvalidAmount, amt)
	}
	_, err := f.v.Deposit(borrower, "X", dec("1"))
	assert.ErrorIs(t, err, protocol.ErrUnknownCollateral)

	_, ok := f.v.Position(borrower)
	assert.False(t, ok)
}

func TestDeposit_DoesNotNeedPrice(t *testing.T) {
	f := newFixture(t)
	delete(f.prices.prices, "K")
	pos, err := f.v.Deposit(borrower, "K", dec("5"))
	require.NoError(t, err)
	assert.True(t, pos.Balance("K").Equal(dec("5")))
	assert.Equal(t, vault.PositionStateHealthy, pos.State)
}

func TestBorrow_HealthFactorScenario(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)

	hf, err := f.v.HealthFactor(borrower)
	require.NoError(t, err)
	assert.Equal(t, "1.416666666666666666", hf.String())
	assert.True(t, hf.Healthy())

	f.prices.prices["K"] = dec("65")
	hf, err = f.v.HealthFactor(borrower)
	require.NoError(t, err)
	assert.Equal(t, "0.920833333333333333", hf.String())
	assert.False(t, hf.Healthy())
}

func TestBorrow_RejectsUndercollateralized(t *testing.T) {
	f := newFixture(t)
	_, err := f.v.Borrow(borrower, dec("1"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientCollateral, "no position")

	_, err = f.v.Deposit(borrower, "K", dec("1000"))
	require.NoError(t, err)

	// LTV capacity is 80000
	_, err = f.v.Borrow(borrower, dec("80000.000000000000000001"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
	pos, err := f.v.Borrow(borrower, dec("80000"))
	require.NoError(t, err)
	assert.True(t, pos.Debt.Equal(dec("80000")))
}

func TestBorrow_PriceUnavailableBlocks(t *testing.T) {
	clk := clock.NewMock()
	updater := uuid.New()
	o := oracle.NewAdapter(oracle.DefaultConfig(updater), clk)
	v := vault.New(vaultID, admin, o, &fakePool{}, clk)
	require.NoError(t, v.RegisterCollateralKind(admin, kindK))
	_, err := o.UpdatePrice(updater, "K", dec("100"), true)
	require.NoError(t, err)

	_, err = v.Deposit(borrower, "K", dec("1000"))
	require.NoError(t, err)

	clk.Add(2 * time.Hour)
	_, err = v.Borrow(borrower, dec("100"))
	require.ErrorIs(t, err, protocol.ErrPriceUnavailable)
	_, err = v.HealthFactor(borrower)
	require.NoError(t, err, "zero debt needs no price")

	pos, _ := v.Position(borrower)
	assert.True(t, pos.Debt.IsZero())
}

func TestWithdraw_KeepsPositionHealthy(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)

	// capacity after withdrawing w: (1000-w)*100*0.8 >= 60000 → w <= 250
	_, err := f.v.Withdraw(borrower, "K", dec("250.000000000000000001"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientCollateral)
	pos, err := f.v.Withdraw(borrower, "K", dec("250"))
	require.NoError(t, err)
	assert.True(t, pos.Balance("K").Equal(dec("750")))

	_, err = f.v.Withdraw(borrower, "K", dec("751"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)
}

func TestRepay_CapsAtDebtAndCloses(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.v.Repay(borrower, dec("1"))
	assert.ErrorIs(t, err, protocol.ErrNoDebt)

	f.openScenarioPosition(t)
	repaid, pos, err := f.v.Repay(borrower, dec("100000"))
	require.NoError(t, err)
	assert.True(t, repaid.Equal(dec("60000")))
	assert.True(t, pos.Debt.IsZero())

	_, _, err = f.v.Repay(borrower, dec("1"))
	assert.ErrorIs(t, err, protocol.ErrNoDebt)

	pos, err = f.v.Withdraw(borrower, "K", dec("1000"))
	require.NoError(t, err)
	assert.Equal(t, vault.PositionStateClosed, pos.State)
	_, ok := f.v.Position(borrower)
	assert.False(t, ok, "closed position is destroyed")
}

func TestHealthFactor_InfiniteWithoutDebt(t *testing.T) {
	f := newFixture(t)
	hf, err := f.v.HealthFactor(borrower)
	require.NoError(t, err)
	assert.True(t, hf.IsInfinite())

	b, err := hf.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"inf"`, string(b))
}

func TestHealthFactor_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)
	first, err := f.v.HealthFactor(borrower)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := f.v.HealthFactor(borrower)
		require.NoError(t, err)
		assert.Equal(t, 0, first.Cmp(again))
	}
}

// ============================================================================
// Test: liquidation
// ============================================================================

func TestLiquidate_Scenario(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)

	_, err := f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	require.ErrorIs(t, err, protocol.ErrPositionHealthy)

	f.prices.prices["K"] = dec("65")
	ev, err := f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	require.NoError(t, err)

	assert.Equal(t, "484.615384615384615384", ev.CollateralSeized.String())
	assert.Equal(t, "23.076923076923076923", ev.Penalty.String())
	assert.True(t, ev.DebtWrittenOff.IsZero())
	assert.Equal(t, 1, ev.HealthAfter.Cmp(ev.HealthBefore))

	require.Len(t, f.pool.calls, 1)
	call := f.pool.calls[0]
	assert.Equal(t, vaultID, call.caller)
	assert.True(t, call.debt.Equal(dec("30000")))
	assert.Equal(t, "K", call.kind)
	assert.True(t, call.collateral.Equal(ev.CollateralSeized))

	pos, ok := f.v.Position(borrower)
	require.True(t, ok)
	assert.True(t, pos.Debt.Equal(dec("30000")))
	assert.Equal(t, "515.384615384615384616", pos.Balance("K").String())
	assert.Equal(t, vault.PositionStatePartiallyLiquidated, pos.State)
}

func TestLiquidate_BoundaryHealthFactorOneIsHealthy(t *testing.T) {
	f := newFixture(t)
	_, err := f.v.Deposit(borrower, "K", dec("1000"))
	require.NoError(t, err)
	_, err = f.v.Borrow(borrower, dec("68000"))
	require.NoError(t, err)

	// 1000 * 80 * 0.85 == 68000
	f.prices.prices["K"] = dec("80")
	hf, err := f.v.HealthFactor(borrower)
	require.NoError(t, err)
	assert.Equal(t, "1", hf.String())
	_, err = f.v.Liquidate(keeper, borrower, "K", dec("1"))
	assert.ErrorIs(t, err, protocol.ErrPositionHealthy)

	f.prices.prices["K"] = dec("79.99999999")
	_, err = f.v.Liquidate(keeper, borrower, "K", dec("1"))
	assert.NoError(t, err)
}

func TestLiquidate_MaxHalfDebt(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)
	f.prices.prices["K"] = dec("65")

	_, err := f.v.Liquidate(keeper, borrower, "K", dec("30000.000000000000000001"))
	require.ErrorIs(t, err, protocol.ErrExceedsMaxLiquidation)
	assert.Empty(t, f.pool.calls)

	_, err = f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	assert.NoError(t, err)
}

func TestLiquidate_PoolFailureRevertsEverything(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)
	f.prices.prices["K"] = dec("65")
	before, _ := f.v.Position(borrower)

	f.pool.err = fmt.Errorf("pool: %w", protocol.ErrInsufficientLiquidity)
	_, err := f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	require.ErrorIs(t, err, protocol.ErrInsufficientLiquidity)

	after, _ := f.v.Position(borrower)
	assert.Equal(t, before, after)
}

func TestLiquidate_RequiresHeldKindAndPrice(t *testing.T) {
	f := newFixture(t)
	eth := kindK
	eth.ID = "ETH"
	require.NoError(t, f.v.RegisterCollateralKind(admin, eth))
	f.openScenarioPosition(t)
	f.prices.prices["K"] = dec("65")

	_, err := f.v.Liquidate(keeper, borrower, "ETH", dec("100"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)
	_, err = f.v.Liquidate(keeper, borrower, "DOGE", dec("100"))
	assert.ErrorIs(t, err, protocol.ErrUnknownCollateral)

	delete(f.prices.prices, "K")
	_, err = f.v.Liquidate(keeper, borrower, "K", dec("100"))
	assert.ErrorIs(t, err, protocol.ErrPriceUnavailable)
}

func TestLiquidate_ExhaustedCollateralWritesOffDebt(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)
	// collateral worth 20000 against 60000 debt
	f.prices.prices["K"] = dec("20")

	ev, err := f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	require.NoError(t, err)
	assert.True(t, ev.CollateralSeized.Equal(dec("1000")))
	assert.True(t, ev.Penalty.IsZero())
	assert.True(t, ev.DebtWrittenOff.Equal(dec("30000")))
	assert.True(t, ev.HealthAfter.IsInfinite())

	_, ok := f.v.Position(borrower)
	assert.False(t, ok, "fully liquidated position is closed")
}

// Randomized combinations: liquidation is refused exactly when
// Σ coll × price × threshold >= debt.
func TestLiquidate_EligibilityProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		f := newFixture(t)
		coll := decimal.NewFromInt(rng.Int63n(10_000) + 1)
		price := decimal.New(rng.Int63n(100_000_000_00)+1, -8)
		debt := decimal.NewFromInt(rng.Int63n(1_000_000) + 2)
		f.prices.prices["K"] = price
		f.v.RestorePosition(vault.Position{
			Account:    borrower,
			Collateral: map[string]decimal.Decimal{"K": coll},
			Debt:       debt,
		})

		weighted := coll.Mul(price).Mul(dec("0.85"))
		_, err := f.v.Liquidate(keeper, borrower, "K", dec("1"))
		if weighted.Cmp(debt) >= 0 {
			assert.ErrorIs(t, err, protocol.ErrPositionHealthy, "coll=%s price=%s debt=%s", coll, price, debt)
		} else {
			assert.NoError(t, err, "coll=%s price=%s debt=%s", coll, price, debt)
		}
	}
}

// ============================================================================
// Test: reentrancy
// ============================================================================

func TestLiquidate_ReentryFromPoolIsRejected(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)
	f.prices.prices["K"] = dec("65")

	var inner error
	f.pool.hook = func() {
		_, inner = f.v.Liquidate(keeper, borrower, "K", dec("1"))
	}
	_, err := f.v.Liquidate(keeper, borrower, "K", dec("30000"))
	require.NoError(t, err)
	assert.ErrorIs(t, inner, protocol.ErrReentrantCall)
	assert.Len(t, f.pool.calls, 1, "absorbDebt runs once per liquidation")
}

func TestBorrow_ReentryFromPriceSourceIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.v.Deposit(borrower, "K", dec("1000"))
	require.NoError(t, err)

	var inner error
	f.prices.hook = func() {
		_, inner = f.v.Withdraw(borrower, "K", dec("1000"))
	}
	_, err = f.v.Borrow(borrower, dec("100"))
	require.NoError(t, err)
	assert.ErrorIs(t, inner, protocol.ErrReentrantCall)

	pos, _ := f.v.Position(borrower)
	assert.True(t, pos.Balance("K").Equal(dec("1000")))
}

func TestReprice_FlagsAndRecoversPositions(t *testing.T) {
	f := newFixture(t)
	f.openScenarioPosition(t)

	assert.Empty(t, f.v.Reprice("K"))

	f.prices.prices["K"] = dec("65")
	changed := f.v.Reprice("K")
	require.Len(t, changed, 1)
	assert.Equal(t, vault.PositionStateLiquidatable, changed[0].State)

	delete(f.prices.prices, "K")
	assert.Empty(t, f.v.Reprice("K"), "no price keeps the previous state")

	f.prices.prices["K"] = dec("100")
	changed = f.v.Reprice("K")
	require.Len(t, changed, 1)
	assert.Equal(t, vault.PositionStateHealthy, changed[0].State)
	assert.Empty(t, f.v.Reprice("ETH"))
}
