package core

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/stabilitypool"
	"CDPLedger/internal/vault"
)

// RestoredState is everything recovered from storage on startup.
type RestoredState struct {
	// Last persisted event; zero values mean an empty log.
	Sequence  int64
	StateHash [32]byte
	Timestamp time.Time

	CollateralKinds []vault.CollateralKind
	Positions       []vault.Position
	Pool            *stabilitypool.State
	PoolAccounts    []stabilitypool.Account
	Quotes          []oracle.Quote

	// Ledger balances summed from the journal.
	Balances map[ledger.AccountKey]decimal.Decimal

	// Partition -> last applied source sequence.
	Partitions map[string]int64

	// Composite idempotency keys, oldest first.
	IdempotencyKeys []string
}

// Restore loads persisted state into a fresh core and cross-checks the
// ledger against the domain state. Must be called before the first event.
func (c *DeterministicCore) Restore(rs *RestoredState) error {
	if c.sequence != 0 {
		return fmt.Errorf("restore: core already at sequence %d", c.sequence)
	}
	if rs == nil || rs.Sequence == 0 {
		return nil
	}

	c.sequence = rs.Sequence
	c.hasher.SetPrevHash(rs.StateHash)
	c.AdvanceClock(rs.Timestamp)

	for _, k := range rs.CollateralKinds {
		c.vault.RestoreCollateralKind(k)
	}
	for _, p := range rs.Positions {
		c.vault.RestorePosition(p)
	}
	if rs.Pool != nil {
		c.pool.Restore(*rs.Pool, rs.PoolAccounts)
	}
	for _, q := range rs.Quotes {
		c.oracle.Restore(q)
	}
	for key, balance := range rs.Balances {
		c.balanceTracker.Restore(key, balance)
	}
	for partition, seq := range rs.Partitions {
		c.sequenceValidator.SetLastApplied(partition, seq)
	}
	c.WarmLRU(rs.IdempotencyKeys)

	if report := c.Integrity(); !report.OK {
		return fmt.Errorf("restore at sequence %d: ledger and state disagree: %v %v",
			rs.Sequence, report.Imbalances, report.Mismatches)
	}

	c.logger.Info().
		Int64("sequence", rs.Sequence).
		Str("state_hash", hex.EncodeToString(rs.StateHash[:])).
		Int("positions", len(rs.Positions)).
		Int("pool_accounts", len(rs.PoolAccounts)).
		Int("ledger_accounts", len(rs.Balances)).
		Msg("core state restored")
	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
		cs := newChangeSet()
		cs.touchPositions(rs.Positions)
		cs.touchPool()
		for _, q := range rs.Quotes {
			cs.touchQuote(q.AssetID)
		}
		c.updateDomainGauges(cs)
	}
	return nil
}

// WarmLRU loads recent idempotency keys.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.lru.WarmFromKeys(keys)
}

// IntegrityReport is the result of a full ledger and state cross-check.
type IntegrityReport struct {
	Sequence   int64             `json:"sequence"`
	StateHash  string            `json:"state_hash"`
	OK         bool              `json:"ok"`
	Imbalances map[string]string `json:"imbalances,omitempty"` // asset -> nonzero global sum
	Mismatches []string          `json:"mismatches,omitempty"`
}

// Integrity runs every invariant check over the whole state.
func (c *DeterministicCore) Integrity() IntegrityReport {
	hash := c.hasher.GetPrevHash()
	report := IntegrityReport{
		Sequence:  c.sequence,
		StateHash: hex.EncodeToString(hash[:]),
	}

	for asset, total := range c.balanceTracker.ComputeGlobalBalance() {
		if !total.IsZero() {
			if report.Imbalances == nil {
				report.Imbalances = make(map[string]string)
			}
			report.Imbalances[asset] = total.String()
		}
	}

	borrowers := make(map[uuid.UUID]struct{})
	for _, p := range c.vault.Positions() {
		borrowers[p.Account] = struct{}{}
	}
	for _, key := range c.balanceTracker.Keys() {
		if err := c.validator.ValidateAccountSign(key); err != nil {
			report.Mismatches = append(report.Mismatches, err.Error())
		}
		if key.SubType != ledger.SubTypeVaultCollateral && key.SubType != ledger.SubTypeVaultDebt {
			continue
		}
		if user, ok := key.UserID(); ok {
			borrowers[user] = struct{}{}
		}
	}
	for _, account := range sortedUUIDs(borrowers) {
		if err := c.checkPositionLedger(account); err != nil {
			report.Mismatches = append(report.Mismatches, err.Error())
		}
	}
	if err := c.checkPoolLedger(); err != nil {
		report.Mismatches = append(report.Mismatches, err.Error())
	}

	report.OK = len(report.Imbalances) == 0 && len(report.Mismatches) == 0
	return report
}
