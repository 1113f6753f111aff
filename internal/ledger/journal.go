package ledger

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeCollateralDeposit JournalType = iota
	JournalTypeCollateralWithdrawal
	JournalTypeBorrow
	JournalTypeRepay
	JournalTypePoolDeposit
	JournalTypePoolWithdrawal
	JournalTypeLiquidationOffset
	JournalTypeLiquidationSeizure
	JournalTypeBadDebtWriteOff
	JournalTypeGainClaim
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeCollateralDeposit:
		return "CollateralDeposit"
	case JournalTypeCollateralWithdrawal:
		return "CollateralWithdrawal"
	case JournalTypeBorrow:
		return "Borrow"
	case JournalTypeRepay:
		return "Repay"
	case JournalTypePoolDeposit:
		return "PoolDeposit"
	case JournalTypePoolWithdrawal:
		return "PoolWithdrawal"
	case JournalTypeLiquidationOffset:
		return "LiquidationOffset"
	case JournalTypeLiquidationSeizure:
		return "LiquidationSeizure"
	case JournalTypeBadDebtWriteOff:
		return "BadDebtWriteOff"
	case JournalTypeGainClaim:
		return "GainClaim"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID       // Unique identifier
	BatchID       uuid.UUID       // Groups balanced entries
	EventRef      string          // Idempotency key of source event
	Sequence      int64           // Global event sequence
	DebitAccount  AccountKey      // Account receiving debit (balance increases)
	CreditAccount AccountKey      // Account receiving credit (balance decreases)
	Asset         string          // Asset being transferred
	Amount        decimal.Decimal // ALWAYS positive
	JournalType   JournalType     // Entry type
	Timestamp     int64           // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each entry moves one positive
// amount from its credit account to its debit account, so every entry is
// balanced on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %s", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between accounts of another asset", j.JournalID, j.Asset)
		}
	}

	return nil
}

// Accounts lists every account the batch touches, in entry order without duplicates.
func (b *Batch) Accounts() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(b.Journals)*2)
	out := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range []AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
