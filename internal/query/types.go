package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/persistence"
)

// BalanceResponse is one projected ledger account of a user.
type BalanceResponse struct {
	AccountPath  string          `json:"account_path"`
	Asset        string          `json:"asset"`
	Balance      decimal.Decimal `json:"balance"`
	LastSequence int64           `json:"last_sequence"`
}

// BalancesResponse lists every projected account of a user.
type BalancesResponse struct {
	UserID       uuid.UUID         `json:"user_id"`
	Accounts     []BalanceResponse `json:"accounts"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// PositionResponse is a persisted vault position.
type PositionResponse struct {
	Account    uuid.UUID                  `json:"account"`
	Collateral map[string]decimal.Decimal `json:"collateral"`
	Debt       decimal.Decimal            `json:"debt"`
	State      string                     `json:"state"`
	Version    int64                      `json:"version"`
	UpdatedSeq int64                      `json:"updated_seq"`
}

// PoolAccountResponse is a depositor's persisted pool account. Deposit is the
// value at the last settlement, not the compounded balance.
type PoolAccountResponse struct {
	Depositor  uuid.UUID                  `json:"depositor"`
	Deposit    decimal.Decimal            `json:"deposit"`
	Accrued    map[string]decimal.Decimal `json:"accrued"`
	UpdatedSeq int64                      `json:"updated_seq"`
}

// QuoteResponse is a persisted oracle quote.
type QuoteResponse struct {
	AssetID     string          `json:"asset_id"`
	Price       decimal.Decimal `json:"price"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CircuitOpen bool            `json:"circuit_open"`
	ReclosedAt  *time.Time      `json:"reclosed_at,omitempty"`
	Sequence    int64           `json:"sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string          `json:"journal_id"`
	BatchID       string          `json:"batch_id"`
	EventRef      string          `json:"event_ref"`
	Sequence      int64           `json:"sequence"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Asset         string          `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	JournalType   string          `json:"journal_type"`
	Timestamp     int64           `json:"timestamp"`
}

// IntegrityReport is the result of verifying the stored log.
type IntegrityReport struct {
	IsHealthy        bool                    `json:"is_healthy"`
	EventsChecked    int64                   `json:"events_checked"`
	ChainBreak       *persistence.ChainBreak `json:"chain_break,omitempty"`
	UnbalancedAssets []UnbalancedAsset       `json:"unbalanced_assets,omitempty"`
	ProjectionLag    int64                   `json:"projection_lag"`
}

// UnbalancedAsset represents an asset whose journal does not sum to zero.
type UnbalancedAsset struct {
	Asset     string          `json:"asset"`
	Imbalance decimal.Decimal `json:"imbalance"`
}
