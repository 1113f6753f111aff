package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/protocol"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]decimal.Decimal
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]decimal.Decimal),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] = bt.GetBalance(j.DebitAccount).Add(j.Amount)
	bt.balances[j.CreditAccount] = bt.GetBalance(j.CreditAccount).Sub(j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) decimal.Decimal {
	if v, ok := bt.balances[key]; ok {
		return v
	}
	return decimal.Zero
}

// GetWalletBalance returns the user's freely held balance of asset.
func (bt *BalanceTracker) GetWalletBalance(userID uuid.UUID, asset string) decimal.Decimal {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeWallet, asset))
}

// ValidateSufficient checks that key holds at least required.
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required decimal.Decimal) error {
	have := bt.GetBalance(key)
	if have.Cmp(required) < 0 {
		return fmt.Errorf("%s: have=%s, need=%s: %w", key.AccountPath(), have, required, protocol.ErrInsufficientBalance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]decimal.Decimal {
	totals := make(map[string]decimal.Decimal)
	for key, balance := range bt.balances {
		totals[key.Asset] = totals[key.Asset].Add(balance)
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if balance := bt.GetBalance(key); balance.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// ValidateNonPositive checks liability accounts.
func (bt *BalanceTracker) ValidateNonPositive(key AccountKey) error {
	if balance := bt.GetBalance(key); balance.Sign() > 0 {
		return fmt.Errorf("account %s has positive balance: %s", key.AccountPath(), balance)
	}
	return nil
}

// Restore sets a balance directly. Used on startup only.
func (bt *BalanceTracker) Restore(key AccountKey, balance decimal.Decimal) {
	bt.balances[key] = balance
}

// Keys returns all tracked accounts sorted by path.
func (bt *BalanceTracker) Keys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	return keys
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]decimal.Decimal {
	snapshot := make(map[AccountKey]decimal.Decimal, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
