package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BatchMeta identifies the event a batch is generated for.
type BatchMeta struct {
	EventRef  string // idempotency key of the source event
	Sequence  int64  // global sequence the event will be assigned
	Timestamp int64  // epoch microseconds
}

// JournalGenerator creates balanced journal batches from committed operations.
// Pre-checks against the tracker run before the owning component mutates, so a
// failed check leaves every component untouched.
type JournalGenerator struct {
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

type leg struct {
	debit, credit AccountKey
	amount        decimal.Decimal
	journalType   JournalType
}

func (jg *JournalGenerator) build(meta BatchMeta, legs ...leg) *Batch {
	batchID := uuid.New()
	batch := &Batch{
		BatchID:   batchID,
		EventRef:  meta.EventRef,
		Sequence:  meta.Sequence,
		Timestamp: meta.Timestamp,
		Journals:  make([]Journal, 0, len(legs)),
	}
	for _, l := range legs {
		// zero legs come from capped or rounded amounts; nothing moves
		if l.amount.Sign() <= 0 {
			continue
		}
		batch.Journals = append(batch.Journals, Journal{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			EventRef:      meta.EventRef,
			Sequence:      meta.Sequence,
			DebitAccount:  l.debit,
			CreditAccount: l.credit,
			Asset:         l.debit.Asset,
			Amount:        l.amount,
			JournalType:   l.journalType,
			Timestamp:     meta.Timestamp,
		})
	}
	return batch
}

// GenerateCollateralDeposit moves funds: external:deposits → user:vault_collateral
func (jg *JournalGenerator) GenerateCollateralDeposit(meta BatchMeta, userID uuid.UUID, kind string, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewUserAccountKey(userID, SubTypeVaultCollateral, kind),
		credit:      NewExternalAccountKey(SubTypeExternalDeposits, kind),
		amount:      amount,
		journalType: JournalTypeCollateralDeposit,
	})
}

// GenerateCollateralWithdrawal moves funds: user:vault_collateral → external:withdrawals
func (jg *JournalGenerator) GenerateCollateralWithdrawal(meta BatchMeta, userID uuid.UUID, kind string, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewExternalAccountKey(SubTypeExternalWithdrawals, kind),
		credit:      NewUserAccountKey(userID, SubTypeVaultCollateral, kind),
		amount:      amount,
		journalType: JournalTypeCollateralWithdrawal,
	})
}

// GenerateBorrow mints debt tokens into the wallet against the vault liability.
func (jg *JournalGenerator) GenerateBorrow(meta BatchMeta, userID uuid.UUID, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewUserAccountKey(userID, SubTypeWallet, DebtAsset),
		credit:      NewUserAccountKey(userID, SubTypeVaultDebt, DebtAsset),
		amount:      amount,
		journalType: JournalTypeBorrow,
	})
}

// PrecheckWallet verifies the user holds at least amount of asset.
func (jg *JournalGenerator) PrecheckWallet(userID uuid.UUID, asset string, amount decimal.Decimal) error {
	return jg.balanceTracker.ValidateSufficient(NewUserAccountKey(userID, SubTypeWallet, asset), amount)
}

// GenerateRepay burns wallet debt tokens against the vault liability.
func (jg *JournalGenerator) GenerateRepay(meta BatchMeta, userID uuid.UUID, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewUserAccountKey(userID, SubTypeVaultDebt, DebtAsset),
		credit:      NewUserAccountKey(userID, SubTypeWallet, DebtAsset),
		amount:      amount,
		journalType: JournalTypeRepay,
	})
}

// GeneratePoolDeposit moves funds: user:wallet → system:pool_deposits
func (jg *JournalGenerator) GeneratePoolDeposit(meta BatchMeta, userID uuid.UUID, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewSystemAccountKey(SubTypeSystemPoolDeposits, DebtAsset),
		credit:      NewUserAccountKey(userID, SubTypeWallet, DebtAsset),
		amount:      amount,
		journalType: JournalTypePoolDeposit,
	})
}

// GeneratePoolWithdrawal moves funds: system:pool_deposits → user:wallet
func (jg *JournalGenerator) GeneratePoolWithdrawal(meta BatchMeta, userID uuid.UUID, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewUserAccountKey(userID, SubTypeWallet, DebtAsset),
		credit:      NewSystemAccountKey(SubTypeSystemPoolDeposits, DebtAsset),
		amount:      amount,
		journalType: JournalTypePoolWithdrawal,
	})
}

// LiquidationLegs are the amounts settled by one liquidation.
type LiquidationLegs struct {
	Borrower       uuid.UUID
	Kind           string
	DebtRepaid     decimal.Decimal
	Seized         decimal.Decimal
	DebtWrittenOff decimal.Decimal
}

// GenerateLiquidation burns pool deposits against the borrower's liability,
// moves seized collateral into the pool and writes off any debt left without
// collateral.
func (jg *JournalGenerator) GenerateLiquidation(meta BatchMeta, l LiquidationLegs) *Batch {
	return jg.build(meta,
		leg{
			debit:       NewUserAccountKey(l.Borrower, SubTypeVaultDebt, DebtAsset),
			credit:      NewSystemAccountKey(SubTypeSystemPoolDeposits, DebtAsset),
			amount:      l.DebtRepaid,
			journalType: JournalTypeLiquidationOffset,
		},
		leg{
			debit:       NewSystemAccountKey(SubTypeSystemPoolCollateral, l.Kind),
			credit:      NewUserAccountKey(l.Borrower, SubTypeVaultCollateral, l.Kind),
			amount:      l.Seized,
			journalType: JournalTypeLiquidationSeizure,
		},
		leg{
			debit:       NewUserAccountKey(l.Borrower, SubTypeVaultDebt, DebtAsset),
			credit:      NewSystemAccountKey(SubTypeSystemBadDebt, DebtAsset),
			amount:      l.DebtWrittenOff,
			journalType: JournalTypeBadDebtWriteOff,
		},
	)
}

// GenerateGainClaim moves funds: system:pool_collateral → user:wallet
func (jg *JournalGenerator) GenerateGainClaim(meta BatchMeta, userID uuid.UUID, kind string, amount decimal.Decimal) *Batch {
	return jg.build(meta, leg{
		debit:       NewUserAccountKey(userID, SubTypeWallet, kind),
		credit:      NewSystemAccountKey(SubTypeSystemPoolCollateral, kind),
		amount:      amount,
		journalType: JournalTypeGainClaim,
	})
}
