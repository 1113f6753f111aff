package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet          AccountSubType = iota // freely held debt tokens and claimed collateral
	SubTypeVaultCollateral                       // collateral locked in the vault
	SubTypeVaultDebt                             // liability, carried as a negative balance

	// System sub-types
	SubTypeSystemPoolDeposits
	SubTypeSystemPoolCollateral
	SubTypeSystemBadDebt

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

// DebtAsset is the ledger asset of the protocol's debt token. Collateral
// assets use their collateral kind id.
const DebtAsset = "DEBT"

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:               "wallet",
	SubTypeVaultCollateral:      "vault_collateral",
	SubTypeVaultDebt:            "vault_debt",
	SubTypeSystemPoolDeposits:   "pool_deposits",
	SubTypeSystemPoolCollateral: "pool_collateral",
	SubTypeSystemBadDebt:        "bad_debt",
	SubTypeExternalDeposits:     "deposits",
	SubTypeExternalWithdrawals:  "withdrawals",
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user UUID; zero for system and external accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	var (
		key     AccountKey
		subName string
	)
	switch {
	case len(parts) == 4 && parts[0] == "user":
		id, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("parse account path %q: %w", path, err)
		}
		key = AccountKey{Scope: AccountScopeUser, EntityID: id, Asset: parts[3]}
		subName = parts[2]
	case len(parts) == 3 && parts[0] == "system":
		key = AccountKey{Scope: AccountScopeSystem, Asset: parts[2]}
		subName = parts[1]
	case len(parts) == 3 && parts[0] == "external":
		key = AccountKey{Scope: AccountScopeExternal, Asset: parts[2]}
		subName = parts[1]
	default:
		return AccountKey{}, fmt.Errorf("parse account path %q: malformed", path)
	}
	for st, name := range subTypeNames {
		if name == subName {
			key.SubType = st
			return key, nil
		}
	}
	return AccountKey{}, fmt.Errorf("parse account path %q: unknown sub-type %q", path, subName)
}

// UserID returns the owning user for user-scoped keys.
func (k AccountKey) UserID() (uuid.UUID, bool) {
	if k.Scope != AccountScopeUser {
		return uuid.Nil, false
	}
	return uuid.UUID(k.EntityID), true
}
