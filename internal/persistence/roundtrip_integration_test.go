package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/testutil"
)

var (
	admin   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	vaultID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	updater = uuid.MustParse("00000000-0000-0000-0000-000000000003")
	alice   = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	bob     = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")

	t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func testConfig() core.Config {
	return core.Config{
		Admin:               admin,
		VaultID:             vaultID,
		Oracle:              oracle.DefaultConfig(updater),
		IdempotencyCapacity: 1024,
		GlobalCheckInterval: 1,
	}
}

func meta(caller uuid.UUID, seq int64, at int) event.Meta {
	return event.Meta{
		RequestID: uuid.NewString(),
		Caller:    caller,
		Sequence:  seq,
		Timestamp: t0.Add(time.Duration(at) * time.Second),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scenario registers a kind, prices it, opens a position and funds the pool.
func scenario() []event.Event {
	return []event.Event{
		&event.RegisterCollateralKind{
			Meta: meta(admin, 0, 0), KindID: "K",
			LTVBps: 8000, LiquidationThresholdBps: 8500, LiquidationPenaltyBps: 500, Enabled: true,
		},
		&event.PriceUpdate{Meta: meta(updater, 1, 1), Asset: "K", Price: dec("2000"), SequencerUp: true},
		&event.CollateralDeposit{Meta: meta(alice, 1, 2), Kind: "K", Amount: dec("10")},
		&event.Borrow{Meta: meta(alice, 2, 3), Amount: dec("5000")},
		&event.PoolDeposit{Meta: meta(alice, 3, 4), Amount: dec("1000")},
		&event.PriceUpdate{Meta: meta(updater, 2, 5), Asset: "K", Price: dec("1900"), SequencerUp: true},
	}
}

// persistAll applies events to a fresh core and writes every output through
// the persistence and projection workers.
func persistAll(t *testing.T, ctx context.Context, db *sql.DB, events []event.Event) *core.DeterministicCore {
	t.Helper()

	persistChan := make(chan core.CoreOutput, 64)
	projChan := make(chan core.CoreOutput, 64)
	c := core.NewDeterministicCore(testConfig(), persistChan, projChan, nil, nil, zerolog.Nop())
	for _, evt := range events {
		if _, err := c.ProcessEvent(evt); err != nil {
			t.Fatalf("ProcessEvent(%s): %v", evt.EventType(), err)
		}
	}
	close(persistChan)
	close(projChan)

	if err := persistence.NewPersistenceWorker(db, persistChan, 4, time.Millisecond, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("persistence worker: %v", err)
	}
	if err := projection.NewProjectionWorker(db, projChan, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("projection worker: %v", err)
	}
	return c
}

// ============================================================================
// Test: Persist, reload and restore reproduce the same state
// ============================================================================

func TestRoundTrip_RestoreMatchesLiveCore(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	live := persistAll(t, ctx, db, scenario())

	rs, err := persistence.NewStateLoader(db).Load(ctx, 100)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rs.Sequence != live.GetSequence() {
		t.Fatalf("restored sequence: got %d, want %d", rs.Sequence, live.GetSequence())
	}
	if len(rs.IdempotencyKeys) != len(scenario()) {
		t.Errorf("warm keys: got %d, want %d", len(rs.IdempotencyKeys), len(scenario()))
	}
	if got := rs.Partitions[core.CallerPartition(alice)]; got != 3 {
		t.Errorf("alice partition: got %d, want 3", got)
	}

	restored := core.NewDeterministicCore(testConfig(), make(chan core.CoreOutput, 8), make(chan core.CoreOutput, 8), nil, nil, zerolog.Nop())
	if err := restored.Restore(rs); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.GetStateHash() != live.GetStateHash() {
		t.Errorf("state hash: got %x, want %x", restored.GetStateHash(), live.GetStateHash())
	}

	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, ledger.SubTypeVaultDebt, ledger.DebtAsset),
		ledger.NewUserAccountKey(alice, ledger.SubTypeVaultCollateral, "K"),
		ledger.NewUserAccountKey(alice, ledger.SubTypeWallet, ledger.DebtAsset),
		ledger.NewSystemAccountKey(ledger.SubTypeSystemPoolDeposits, ledger.DebtAsset),
	}
	for _, k := range keys {
		if got, want := restored.Balance(k), live.Balance(k); !got.Equal(want) {
			t.Errorf("balance %s: got %s, want %s", k.AccountPath(), got, want)
		}
	}

	// The next command from alice continues her sequence.
	next := &event.Repayment{Meta: meta(alice, 4, 6), Amount: dec("100")}
	if _, err := restored.ProcessEvent(next); err != nil {
		t.Fatalf("repay after restore: %v", err)
	}
}

// ============================================================================
// Test: Stored hash chain links every event
// ============================================================================

func TestRoundTrip_VerifyChain(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	c := persistAll(t, ctx, db, scenario())

	checked, brk, err := persistence.VerifyChain(ctx, db)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if brk != nil {
		t.Fatalf("unexpected chain break at %d: want %s, got %s", brk.Sequence, brk.Want, brk.Got)
	}
	if checked != c.GetSequence() {
		t.Errorf("checked: got %d, want %d", checked, c.GetSequence())
	}

	// Tamper with one link.
	if _, err := db.ExecContext(ctx, `UPDATE event_log.events SET prev_hash = $1 WHERE sequence = 3`, make([]byte, 32)); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	_, brk, err = persistence.VerifyChain(ctx, db)
	if err != nil {
		t.Fatalf("VerifyChain after tamper: %v", err)
	}
	if brk == nil || brk.Sequence != 3 {
		t.Errorf("chain break: got %+v, want sequence 3", brk)
	}
}

// ============================================================================
// Test: Query service reads the persisted view
// ============================================================================

func TestRoundTrip_QueryService(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persistAll(t, ctx, db, scenario())

	qs := query.NewQueryService(db, nil)

	pos, err := qs.GetPosition(ctx, alice)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if !pos.Debt.Equal(dec("5000")) {
		t.Errorf("debt: got %s, want 5000", pos.Debt)
	}
	if !pos.Collateral["K"].Equal(dec("10")) {
		t.Errorf("collateral: got %s, want 10", pos.Collateral["K"])
	}

	if _, err := qs.GetPosition(ctx, bob); err == nil {
		t.Error("expected not found for bob")
	}

	history, err := qs.GetPriceHistory(ctx, "K", 0, 10)
	if err != nil {
		t.Fatalf("GetPriceHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history: got %d points, want 2", len(history))
	}
	if !history[0].Price.Equal(dec("1900")) {
		t.Errorf("newest price: got %s, want 1900", history[0].Price)
	}

	report, err := qs.VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.IsHealthy {
		t.Errorf("integrity: got %+v, want healthy", report)
	}
	if report.ProjectionLag != 0 {
		t.Errorf("projection lag: got %d, want 0", report.ProjectionLag)
	}
}
