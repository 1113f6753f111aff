package stabilitypool

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Snapshot freezes the accumulators at a depositor's last settlement.
type Snapshot struct {
	P     decimal.Decimal            `json:"p"`
	S     map[string]decimal.Decimal `json:"s"` // per collateral kind
	Scale uint64                     `json:"scale"`
	Epoch uint64                     `json:"epoch"`
}

// Account is one depositor's settled position in the pool. Its live balance
// is derived lazily from Deposit and Snapshot.
type Account struct {
	Depositor uuid.UUID                  `json:"depositor"`
	Deposit   decimal.Decimal            `json:"deposit"` // value at last settlement
	Accrued   map[string]decimal.Decimal `json:"accrued"` // settled, unclaimed gains
	Snapshot  Snapshot                   `json:"snapshot"`
}

func (a *Account) clone() *Account {
	cp := *a
	cp.Accrued = copyAmounts(a.Accrued)
	cp.Snapshot.S = copyAmounts(a.Snapshot.S)
	return &cp
}

func (a *Account) isEmpty() bool {
	if a.Deposit.Sign() > 0 {
		return false
	}
	for _, v := range a.Accrued {
		if v.Sign() > 0 {
			return false
		}
	}
	return true
}

// State is the pool-global accounting row.
type State struct {
	TotalDeposits decimal.Decimal `json:"total_deposits"`
	// P is the running product of (1 - loss per unit staked) within the
	// current epoch and scale.
	P            decimal.Decimal `json:"p"`
	CurrentScale uint64          `json:"current_scale"`
	CurrentEpoch uint64          `json:"current_epoch"`
	// Sums holds S[epoch][scale][kind], the collateral gain per unit staked
	// weighted by P.
	Sums map[uint64]map[uint64]map[string]decimal.Decimal `json:"sums"`
	// Rounding carries fed back into the next absorption.
	CollateralErrors map[string]decimal.Decimal `json:"collateral_errors"`
	DebtLossError    decimal.Decimal            `json:"debt_loss_error"`
	// Collateral held per kind: absorbed minus claimed.
	Collateral   map[string]decimal.Decimal `json:"collateral"`
	RewardWeight decimal.Decimal            `json:"reward_weight"`
}

func newState() State {
	return State{
		TotalDeposits:    decimal.Zero,
		P:                decimal.NewFromInt(1),
		Sums:             make(map[uint64]map[uint64]map[string]decimal.Decimal),
		CollateralErrors: make(map[string]decimal.Decimal),
		DebtLossError:    decimal.Zero,
		Collateral:       make(map[string]decimal.Decimal),
		RewardWeight:     decimal.Zero,
	}
}

func (s State) clone() State {
	cp := s
	cp.Sums = make(map[uint64]map[uint64]map[string]decimal.Decimal, len(s.Sums))
	for epoch, scales := range s.Sums {
		cp.Sums[epoch] = make(map[uint64]map[string]decimal.Decimal, len(scales))
		for scale, sums := range scales {
			cp.Sums[epoch][scale] = copyAmounts(sums)
		}
	}
	cp.CollateralErrors = copyAmounts(s.CollateralErrors)
	cp.Collateral = copyAmounts(s.Collateral)
	return cp
}

func (s *State) sum(epoch, scale uint64, kind string) decimal.Decimal {
	if v, ok := s.Sums[epoch][scale][kind]; ok {
		return v
	}
	return decimal.Zero
}

func (s *State) setSum(epoch, scale uint64, kind string, v decimal.Decimal) {
	scales, ok := s.Sums[epoch]
	if !ok {
		scales = make(map[uint64]map[string]decimal.Decimal)
		s.Sums[epoch] = scales
	}
	sums, ok := scales[scale]
	if !ok {
		sums = make(map[string]decimal.Decimal)
		scales[scale] = sums
	}
	sums[kind] = v
}

func copyAmounts(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func amountOf(m map[string]decimal.Decimal, kind string) decimal.Decimal {
	if v, ok := m[kind]; ok {
		return v
	}
	return decimal.Zero
}
