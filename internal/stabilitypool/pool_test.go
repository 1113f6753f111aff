package stabilitypool_test

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CDPLedger/internal/protocol"
	"CDPLedger/internal/stabilitypool"
)

var (
	vaultID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	admin   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	alice   = uuid.MustParse("00000000-0000-0000-0000-00000000a11c")
	bob     = uuid.MustParse("00000000-0000-0000-0000-000000000b0b")
	carol   = uuid.MustParse("00000000-0000-0000-0000-0000000ca401")
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newPool(t *testing.T, deposits map[uuid.UUID]string) *stabilitypool.Pool {
	t.Helper()
	p := stabilitypool.New(vaultID, admin)
	for who, amt := range deposits {
		_, err := p.Deposit(who, dec(amt))
		require.NoError(t, err)
	}
	return p
}

// ============================================================================
// Test: proportional absorption
// ============================================================================

func TestAbsorbDebt_TwoToOneScenario(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "50000", bob: "25000"})

	seized := dec("484.615384615384615384")
	require.NoError(t, p.AbsorbDebt(vaultID, dec("30000"), "K", seized))

	ga := p.PendingCollateralGain(alice, "K")
	gb := p.PendingCollateralGain(bob, "K")
	assert.Equal(t, "323.076923076923076922", ga.String())
	assert.Equal(t, "161.538461538461538461", gb.String())

	ratio := ga.DivRound(gb, 30)
	assert.True(t, ratio.Sub(dec("2")).Abs().LessThan(dec("2e-10")), "ratio %s", ratio)

	assert.True(t, p.Balance(alice).Equal(dec("30000")))
	assert.True(t, p.Balance(bob).Equal(dec("15000")))
	assert.True(t, p.TotalDeposits().Equal(dec("45000")))
	assert.True(t, ga.Add(gb).LessThanOrEqual(seized))
	assert.True(t, p.CollateralHeld("K").Equal(seized))
}

func TestAbsorbDebt_OnlyVault(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "100"})
	err := p.AbsorbDebt(alice, dec("10"), "K", dec("1"))
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	assert.True(t, p.TotalDeposits().Equal(dec("100")))
}

func TestAbsorbDebt_InsufficientLiquidity(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "100"})
	before := p.State()

	err := p.AbsorbDebt(vaultID, dec("100.000000000000000001"), "K", dec("1"))
	require.ErrorIs(t, err, protocol.ErrInsufficientLiquidity)
	assert.Equal(t, before, p.State())
	assert.True(t, p.PendingCollateralGain(alice, "K").IsZero())

	empty := stabilitypool.New(vaultID, admin)
	assert.ErrorIs(t, empty.AbsorbDebt(vaultID, dec("1"), "K", dec("1")), protocol.ErrInsufficientLiquidity)
}

func TestAbsorbDebt_LateDepositorEarnsNothingFromEarlierOffsets(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "1000"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("500"), "K", dec("10")))

	_, err := p.Deposit(bob, dec("500"))
	require.NoError(t, err)
	assert.True(t, p.PendingCollateralGain(bob, "K").IsZero())

	// both hold 500 now
	require.NoError(t, p.AbsorbDebt(vaultID, dec("100"), "K", dec("4")))
	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("12")))
	assert.True(t, p.PendingCollateralGain(bob, "K").Equal(dec("2")))
	assert.True(t, p.Balance(alice).Equal(dec("450")))
	assert.True(t, p.Balance(bob).Equal(dec("450")))
}

func TestAbsorbDebt_EmptyingPoolStartsNewEpoch(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "300", bob: "100"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("400"), "K", dec("8")))

	assert.True(t, p.Balance(alice).IsZero())
	assert.True(t, p.Balance(bob).IsZero())
	assert.True(t, p.TotalDeposits().IsZero())
	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("6")))
	assert.True(t, p.PendingCollateralGain(bob, "K").Equal(dec("2")))
	assert.Equal(t, uint64(1), p.State().CurrentEpoch)

	_, err := p.Deposit(carol, dec("50"))
	require.NoError(t, err)
	require.NoError(t, p.AbsorbDebt(vaultID, dec("10"), "K", dec("1")))
	assert.True(t, p.PendingCollateralGain(carol, "K").Equal(dec("1")))
	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("6")), "old epoch depositor earns nothing new")
	assert.True(t, p.Balance(carol).Equal(dec("40")))
}

func TestAbsorbDebt_ScaleChangeKeepsAccounting(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "1000"})
	// P would fall to 1e-10
	require.NoError(t, p.AbsorbDebt(vaultID, dec("999.9999999"), "K", dec("5")))
	assert.Equal(t, uint64(1), p.State().CurrentScale)
	assert.Equal(t, uint64(0), p.State().CurrentEpoch)
	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("5")))

	_, err := p.Deposit(bob, dec("100"))
	require.NoError(t, err)
	require.NoError(t, p.AbsorbDebt(vaultID, dec("50"), "K", dec("2")))

	gb := p.PendingCollateralGain(bob, "K")
	assert.True(t, gb.Sub(dec("2")).Abs().LessThan(dec("0.00001")), "bob gain %s", gb)
	assert.True(t, p.Balance(bob).Sub(dec("50")).Abs().LessThan(dec("0.00001")), "bob balance %s", p.Balance(bob))

	total := p.PendingCollateralGain(alice, "K").Add(gb)
	assert.True(t, total.LessThanOrEqual(dec("7")))
}

func TestClaimCollateralGain_AcrossScaleChangeStaysWithinHoldings(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "1000"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("999.9999999"), "K", dec("5")))
	_, err := p.Deposit(bob, dec("100"))
	require.NoError(t, err)
	require.NoError(t, p.AbsorbDebt(vaultID, dec("50"), "K", dec("2")))

	// alice keeps a sliver of the second offset
	ga := p.PendingCollateralGain(alice, "K")
	gb := p.PendingCollateralGain(bob, "K")
	assert.True(t, ga.GreaterThan(dec("5")), "alice gain %s", ga)
	assert.True(t, ga.Add(gb).LessThanOrEqual(p.CollateralHeld("K")), "%s + %s > %s", ga, gb, p.CollateralHeld("K"))

	var paid decimal.Decimal
	require.NotPanics(t, func() {
		for _, who := range []uuid.UUID{bob, alice} {
			amount, _, err := p.ClaimCollateralGain(who, "K")
			require.NoError(t, err)
			paid = paid.Add(amount)
		}
	})
	assert.True(t, paid.Equal(ga.Add(gb)))
	assert.True(t, p.CollateralHeld("K").Equal(dec("7").Sub(paid)))
	assert.False(t, p.CollateralHeld("K").IsNegative())
}

func TestAbsorbDebt_TinyFactorRescalesUntilRepresentable(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "1000"})
	// P falls to 1e-20, two scales down
	require.NoError(t, p.AbsorbDebt(vaultID, dec("999.99999999999999999"), "K", dec("3")))
	st := p.State()
	assert.Equal(t, uint64(2), st.CurrentScale)
	assert.True(t, st.P.GreaterThanOrEqual(dec("1e-9")), "P %s", st.P)
	assert.True(t, p.Balance(alice).IsZero())
	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("3")))

	_, err := p.Deposit(bob, dec("10"))
	require.NoError(t, err)
	require.NoError(t, p.AbsorbDebt(vaultID, dec("5"), "K", dec("1")))
	assert.True(t, p.Balance(bob).Sub(dec("5")).Abs().LessThan(dec("0.00001")), "bob balance %s", p.Balance(bob))
	assert.True(t, p.PendingCollateralGain(alice, "K").Add(p.PendingCollateralGain(bob, "K")).LessThanOrEqual(dec("4")))
}

// ============================================================================
// Test: deposit / withdraw / claim
// ============================================================================

func TestWithdraw_InsufficientBalance(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "100"})
	_, err := p.Withdraw(alice, dec("100.1"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)
	_, err = p.Withdraw(bob, dec("1"))
	assert.ErrorIs(t, err, protocol.ErrInsufficientBalance)

	acc, err := p.Withdraw(alice, dec("40"))
	require.NoError(t, err)
	assert.True(t, acc.Deposit.Equal(dec("60")))
	assert.True(t, p.TotalDeposits().Equal(dec("60")))

	_, err = p.Withdraw(alice, dec("60"))
	require.NoError(t, err)
	_, ok := p.Account(alice)
	assert.False(t, ok, "empty account is removed")
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	p := newPool(t, nil)
	_, err := p.Deposit(alice, dec("0"))
	assert.ErrorIs(t, err, protocol.ErrInvalidAmount)
	_, err = p.Withdraw(alice, dec("-1"))
	assert.ErrorIs(t, err, protocol.ErrInvalidAmount)
}

func TestClaimCollateralGain(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "50000", bob: "25000"})
	_, _, err := p.ClaimCollateralGain(alice, "K")
	require.ErrorIs(t, err, protocol.ErrNothingToClaim)

	require.NoError(t, p.AbsorbDebt(vaultID, dec("30000"), "K", dec("484.615384615384615384")))
	require.NoError(t, p.AbsorbDebt(vaultID, dec("4500"), "ETH", dec("4.5")))

	amount, _, err := p.ClaimCollateralGain(alice, "K")
	require.NoError(t, err)
	assert.Equal(t, "323.076923076923076922", amount.String())
	assert.True(t, p.PendingCollateralGain(alice, "K").IsZero())

	// other kinds and balances are untouched by the claim
	assert.Equal(t, "3", p.PendingCollateralGain(alice, "ETH").String())
	assert.True(t, p.Balance(alice).Equal(dec("27000")))
	assert.Equal(t, "161.538461538461538461", p.PendingCollateralGain(bob, "K").String())

	_, _, err = p.ClaimCollateralGain(alice, "K")
	assert.ErrorIs(t, err, protocol.ErrNothingToClaim)
	_, _, err = p.ClaimCollateralGain(carol, "K")
	assert.ErrorIs(t, err, protocol.ErrNothingToClaim)
}

func TestGainsSurviveFullWithdrawal(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "100"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("50"), "K", dec("1")))
	_, err := p.Withdraw(alice, dec("50"))
	require.NoError(t, err)

	assert.True(t, p.PendingCollateralGain(alice, "K").Equal(dec("1")))
	amount, _, err := p.ClaimCollateralGain(alice, "K")
	require.NoError(t, err)
	assert.True(t, amount.Equal(dec("1")))
	_, ok := p.Account(alice)
	assert.False(t, ok)
}

func TestSetRewardWeight_DoesNotPerturbAccounting(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "50000", bob: "25000"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("30000"), "K", dec("484.615384615384615384")))
	before := p.PendingCollateralGain(alice, "K")
	balance := p.Balance(alice)

	assert.ErrorIs(t, p.SetRewardWeight(alice, dec("5")), protocol.ErrUnauthorized)
	assert.ErrorIs(t, p.SetRewardWeight(admin, dec("-1")), protocol.ErrInvalidAmount)
	require.NoError(t, p.SetRewardWeight(admin, dec("5")))

	assert.True(t, p.RewardWeight().Equal(dec("5")))
	assert.True(t, before.Equal(p.PendingCollateralGain(alice, "K")))
	assert.True(t, balance.Equal(p.Balance(alice)))
}

func TestPendingCollateralGain_IsIdempotent(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "3", bob: "7"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("1"), "K", dec("1")))
	first := p.PendingCollateralGain(alice, "K")
	for i := 0; i < 5; i++ {
		assert.True(t, first.Equal(p.PendingCollateralGain(alice, "K")))
	}
}

func TestRestore_PreservesLiveValues(t *testing.T) {
	p := newPool(t, map[uuid.UUID]string{alice: "50000", bob: "25000"})
	require.NoError(t, p.AbsorbDebt(vaultID, dec("30000"), "K", dec("484.615384615384615384")))

	restored := stabilitypool.New(vaultID, admin)
	restored.Restore(p.State(), p.Accounts())
	for _, who := range []uuid.UUID{alice, bob} {
		assert.True(t, p.Balance(who).Equal(restored.Balance(who)))
		assert.True(t, p.PendingCollateralGain(who, "K").Equal(restored.PendingCollateralGain(who, "K")))
	}
}

// ============================================================================
// Test: fairness and conservation against a naive per-depositor model
// ============================================================================

type reference struct {
	balances map[uuid.UUID]decimal.Decimal
	gains    map[uuid.UUID]decimal.Decimal
}

func (r *reference) total() decimal.Decimal {
	t := decimal.Zero
	for _, b := range r.balances {
		t = t.Add(b)
	}
	return t
}

func (r *reference) absorb(debt, coll decimal.Decimal) {
	total := r.total()
	for who, b := range r.balances {
		r.gains[who] = r.gains[who].Add(b.Mul(coll).DivRound(total, 40))
		r.balances[who] = b.Mul(total.Sub(debt)).DivRound(total, 40)
	}
}

func TestPool_MatchesNaiveModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	who := []uuid.UUID{alice, bob, carol}
	p := stabilitypool.New(vaultID, admin)
	ref := &reference{balances: map[uuid.UUID]decimal.Decimal{}, gains: map[uuid.UUID]decimal.Decimal{}}
	for _, w := range who {
		ref.balances[w] = decimal.Zero
		ref.gains[w] = decimal.Zero
	}
	claimed := decimal.Zero
	absorbed := decimal.Zero
	deposited := decimal.Zero
	tolerance := dec("1e-12")

	for step := 0; step < 60; step++ {
		w := who[rng.Intn(len(who))]
		switch rng.Intn(4) {
		case 0:
			amt := decimal.New(rng.Int63n(1_000_000)+1, -2)
			_, err := p.Deposit(w, amt)
			require.NoError(t, err)
			ref.balances[w] = ref.balances[w].Add(amt)
			deposited = deposited.Add(amt)
		case 1:
			bal := p.Balance(w)
			if bal.IsZero() {
				continue
			}
			amt := bal.Div(decimal.NewFromInt(3)).Truncate(18)
			if amt.IsZero() {
				continue
			}
			_, err := p.Withdraw(w, amt)
			require.NoError(t, err)
			ref.balances[w] = ref.balances[w].Sub(amt)
		case 2:
			total := p.TotalDeposits()
			if total.LessThan(dec("1")) {
				continue
			}
			debt := total.Mul(decimal.New(rng.Int63n(20)+1, -2)).Truncate(18)
			coll := decimal.New(rng.Int63n(100_000)+1, -3)
			require.NoError(t, p.AbsorbDebt(vaultID, debt, "K", coll))
			ref.absorb(debt, coll)
			absorbed = absorbed.Add(coll)
		case 3:
			amt, _, err := p.ClaimCollateralGain(w, "K")
			if err != nil {
				require.ErrorIs(t, err, protocol.ErrNothingToClaim)
				continue
			}
			claimed = claimed.Add(amt)
			require.True(t, amt.Sub(ref.gains[w]).Abs().LessThan(tolerance), "claim %s vs %s", amt, ref.gains[w])
			ref.gains[w] = decimal.Zero
		}

		sumBalances := decimal.Zero
		pending := decimal.Zero
		for _, x := range who {
			b := p.Balance(x)
			g := p.PendingCollateralGain(x, "K")
			require.True(t, b.Sub(ref.balances[x]).Abs().LessThan(tolerance), "step %d balance %s vs %s", step, b, ref.balances[x])
			require.True(t, g.Sub(ref.gains[x]).Abs().LessThan(tolerance), "step %d gain %s vs %s", step, g, ref.gains[x])
			sumBalances = sumBalances.Add(b)
			pending = pending.Add(g)
		}
		require.True(t, sumBalances.LessThanOrEqual(p.TotalDeposits()))
		require.True(t, p.TotalDeposits().Sub(sumBalances).LessThan(tolerance))
		require.True(t, claimed.Add(pending).LessThanOrEqual(absorbed))
		require.True(t, pending.LessThanOrEqual(p.CollateralHeld("K")))
		require.True(t, p.TotalDeposits().LessThanOrEqual(deposited))
	}
}

// ============================================================================
// Test: scale changes and epoch rollovers never pay out more than is held
// ============================================================================

func TestPool_ScaleAndEpochChurnNeverOverpays(t *testing.T) {
	who := []uuid.UUID{alice, bob, carol}
	kinds := []string{"K", "ETH"}

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))
		p := stabilitypool.New(vaultID, admin)
		absorbed := map[string]decimal.Decimal{}
		claimed := map[string]decimal.Decimal{}
		var scaleChanges, epochChanges uint64

		for step := 0; step < 80; step++ {
			w := who[rng.Intn(len(who))]
			kind := kinds[rng.Intn(len(kinds))]
			switch rng.Intn(6) {
			case 0, 1:
				amt := decimal.New(rng.Int63n(1_000_000)+1, -int32(rng.Intn(4)))
				_, err := p.Deposit(w, amt)
				require.NoError(t, err)
			case 2, 3:
				total := p.TotalDeposits()
				if total.IsZero() {
					continue
				}
				// leave 1e-8 to 1e-12 of the pool, or empty it outright
				debt := total
				if rng.Intn(4) > 0 {
					debt = total.Sub(total.Shift(-int32(rng.Intn(5)+8))).Truncate(18)
				}
				if debt.Sign() <= 0 {
					continue
				}
				coll := decimal.New(rng.Int63n(100_000)+1, -int32(rng.Intn(7)))
				before := p.State()
				require.NoError(t, p.AbsorbDebt(vaultID, debt, kind, coll))
				after := p.State()
				if after.CurrentEpoch > before.CurrentEpoch {
					epochChanges++
				} else if after.CurrentScale > before.CurrentScale {
					scaleChanges++
				}
				require.True(t, after.P.GreaterThanOrEqual(dec("1e-9")), "seed %d step %d P %s", seed, step, after.P)
				absorbed[kind] = absorbed[kind].Add(coll)
			case 4:
				amount, _, err := p.ClaimCollateralGain(w, kind)
				if err != nil {
					require.ErrorIs(t, err, protocol.ErrNothingToClaim)
					continue
				}
				claimed[kind] = claimed[kind].Add(amount)
			case 5:
				bal := p.Balance(w)
				if bal.IsZero() {
					continue
				}
				_, err := p.Withdraw(w, bal)
				require.NoError(t, err)
			}

			for _, kind := range kinds {
				pending := decimal.Zero
				for _, x := range who {
					pending = pending.Add(p.PendingCollateralGain(x, kind))
				}
				held := p.CollateralHeld(kind)
				require.True(t, pending.LessThanOrEqual(held), "seed %d step %d %s: pending %s > held %s", seed, step, kind, pending, held)
				require.True(t, claimed[kind].Add(held).Equal(absorbed[kind]), "seed %d step %d %s: held drifted", seed, step, kind)
			}
		}

		// drain every entitlement
		require.NotPanics(t, func() {
			for _, x := range who {
				for _, kind := range kinds {
					if _, _, err := p.ClaimCollateralGain(x, kind); err != nil {
						require.ErrorIs(t, err, protocol.ErrNothingToClaim)
					}
				}
			}
		}, "seed %d", seed)
		for _, kind := range kinds {
			assert.False(t, p.CollateralHeld(kind).IsNegative(), "seed %d %s", seed, kind)
		}
		t.Logf("seed %d: %d scale changes, %d epoch changes", seed, scaleChanges, epochChanges)
	}
}
