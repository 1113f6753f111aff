package core

import (
	"sort"

	"github.com/google/uuid"

	"CDPLedger/internal/oracle"
	"CDPLedger/internal/stabilitypool"
	"CDPLedger/internal/vault"
)

// StateChanges lists the domain rows an event touched, as they stand after
// it. A touched row that no longer exists is listed as closed.
type StateChanges struct {
	CollateralKinds    []vault.CollateralKind  `json:"collateral_kinds,omitempty"`
	Positions          []vault.Position        `json:"positions,omitempty"`
	ClosedPositions    []uuid.UUID             `json:"closed_positions,omitempty"`
	PoolAccounts       []stabilitypool.Account `json:"pool_accounts,omitempty"`
	ClosedPoolAccounts []uuid.UUID             `json:"closed_pool_accounts,omitempty"`
	Pool               *stabilitypool.State    `json:"pool,omitempty"`
	Quotes             []oracle.Quote          `json:"quotes,omitempty"`
}

// IsEmpty reports whether no row changed.
func (sc StateChanges) IsEmpty() bool {
	return len(sc.CollateralKinds) == 0 && len(sc.Positions) == 0 && len(sc.ClosedPositions) == 0 &&
		len(sc.PoolAccounts) == 0 && len(sc.ClosedPoolAccounts) == 0 && sc.Pool == nil && len(sc.Quotes) == 0
}

// changeSet collects the keys a handler touched while it runs.
type changeSet struct {
	kinds     map[string]struct{}
	positions map[uuid.UUID]struct{}
	accounts  map[uuid.UUID]struct{}
	quotes    map[string]struct{}
	pool      bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		kinds:     make(map[string]struct{}),
		positions: make(map[uuid.UUID]struct{}),
		accounts:  make(map[uuid.UUID]struct{}),
		quotes:    make(map[string]struct{}),
	}
}

func (cs *changeSet) touchKind(id string) { cs.kinds[id] = struct{}{} }
func (cs *changeSet) touchPosition(acct uuid.UUID) { cs.positions[acct] = struct{}{} }
func (cs *changeSet) touchAccount(dep uuid.UUID) { cs.accounts[dep] = struct{}{} }
func (cs *changeSet) touchQuote(asset string) { cs.quotes[asset] = struct{}{} }
func (cs *changeSet) touchPool() { cs.pool = true }

func (cs *changeSet) touchPositions(ps []vault.Position) {
	for _, p := range ps {
		cs.touchPosition(p.Account)
	}
}

// resolve reads the current value of every touched row in a stable order.
func (c *DeterministicCore) resolve(cs *changeSet) StateChanges {
	var sc StateChanges

	for _, id := range sortedStrings(cs.kinds) {
		if k, ok := c.vault.CollateralKind(id); ok {
			sc.CollateralKinds = append(sc.CollateralKinds, k)
		}
	}
	for _, acct := range sortedUUIDs(cs.positions) {
		if p, ok := c.vault.Position(acct); ok {
			sc.Positions = append(sc.Positions, p)
		} else {
			sc.ClosedPositions = append(sc.ClosedPositions, acct)
		}
	}
	for _, dep := range sortedUUIDs(cs.accounts) {
		if a, ok := c.pool.Account(dep); ok {
			sc.PoolAccounts = append(sc.PoolAccounts, a)
		} else {
			sc.ClosedPoolAccounts = append(sc.ClosedPoolAccounts, dep)
		}
	}
	if cs.pool {
		st := c.pool.State()
		sc.Pool = &st
	}
	for _, asset := range sortedStrings(cs.quotes) {
		if q, ok := c.oracle.Quote(asset); ok {
			sc.Quotes = append(sc.Quotes, q)
		}
	}
	return sc
}

func sortedStrings(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedUUIDs(m map[uuid.UUID]struct{}) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
