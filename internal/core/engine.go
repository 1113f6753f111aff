package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/stabilitypool"
	"CDPLedger/internal/vault"
)

// Config wires the principals and tunables of the core.
type Config struct {
	Admin   uuid.UUID // may register kinds and set the reward weight
	VaultID uuid.UUID // principal the vault presents to the pool
	Oracle  oracle.Config

	IdempotencyCapacity int
	// GlobalCheckInterval runs the ledger zero-sum check every N events; 0 disables it.
	GlobalCheckInterval int64
}

// DeterministicCore is the single-threaded event processor. It owns the
// vault, the stability pool, the oracle and the ledger, and advances a logical
// clock to each command's timestamp so the outcome depends only on its inputs.
type DeterministicCore struct {
	sequence          int64 // last assigned global sequence
	clock             *clock.Mock
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	oracle            *oracle.Adapter
	pool              *stabilitypool.Pool
	vault             *vault.Vault
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	globalCheckInterval int64

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream needs to record one applied event.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch // nil for state-only events
	Changes  StateChanges
}

// Receipt is returned to the submitter of a command.
type Receipt struct {
	Sequence  int64           `json:"sequence,omitempty"`
	EventType string          `json:"event_type"`
	Duplicate bool            `json:"duplicate,omitempty"`
	Ignored   bool            `json:"ignored,omitempty"` // stale price sequence
	Result    json.RawMessage `json:"result,omitempty"`
	StateHash string          `json:"state_hash,omitempty"`
}

// RepayResult is the outcome of a repayment.
type RepayResult struct {
	Repaid   decimal.Decimal `json:"repaid"`
	Position vault.Position  `json:"position"`
}

// ClaimResult is the outcome of a collateral gain claim.
type ClaimResult struct {
	Kind    string                `json:"kind"`
	Amount  decimal.Decimal       `json:"amount"`
	Account stabilitypool.Account `json:"account"`
}

// RewardWeightResult is the outcome of a reward weight update.
type RewardWeightResult struct {
	Weight decimal.Decimal `json:"weight"`
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	clk := clock.NewMock()
	priceOracle := oracle.NewAdapter(cfg.Oracle, clk)
	pool := stabilitypool.New(cfg.VaultID, cfg.Admin)
	balanceTracker := ledger.NewBalanceTracker()

	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &DeterministicCore{
		clock:               clk,
		hasher:              NewStateHasher(),
		balanceTracker:      balanceTracker,
		journalGen:          ledger.NewJournalGenerator(balanceTracker),
		validator:           ledger.NewInvariantValidator(balanceTracker),
		oracle:              priceOracle,
		pool:                pool,
		vault:               vault.New(cfg.VaultID, cfg.Admin, priceOracle, pool, clk),
		idempotency:         NewIdempotencyChecker(capacity, dbChecker, metrics),
		sequenceValidator:   NewSequenceValidator(metrics),
		metrics:             metrics,
		logger:              logger,
		globalCheckInterval: cfg.GlobalCheckInterval,
		persistChan:         persistChan,
		projectionChan:      projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. Rejected commands leave
// every component untouched and produce no output.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (Receipt, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	receipt := Receipt{EventType: eventType}

	if idempotencyKey == "" {
		return receipt, c.reject(eventType, fmt.Errorf("%s: missing request id: %w", eventType, protocol.ErrInvalidRequest))
	}
	if evt.Principal() == uuid.Nil {
		return receipt, c.reject(eventType, fmt.Errorf("%s: missing caller: %w", eventType, protocol.ErrInvalidRequest))
	}

	// Step 1: Idempotency check (two-tier)
	isDuplicate, err := c.idempotency.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		return receipt, c.reject(eventType, fmt.Errorf("idempotency lookup %s: %w", idempotencyKey, err))
	}
	if isDuplicate {
		receipt.Duplicate = true
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return receipt, nil
	}

	// Step 2: Sequence validation. Price updates tolerate gaps and drop stale
	// sequences without touching state.
	partition, sourceSequence := c.getPartition(evt), evt.SourceSequence()
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		if c.sequenceValidator.IsStalePrice(priceEvt.Asset, sourceSequence) {
			receipt.Ignored = true
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "stale").Inc()
			}
			return receipt, nil
		}
	} else if err := c.sequenceValidator.ValidateSequence(partition, sourceSequence); err != nil {
		return receipt, c.reject(eventType, err)
	}

	// Step 3: Advance the logical clock to the command's timestamp. Rewound
	// if dispatch rejects the command.
	prev := c.clock.Now()
	c.AdvanceClock(evt.OccurredAt())
	timestamp := c.clock.Now()

	// Step 4: Dispatch to the owning component
	seq := c.sequence + 1
	meta := ledger.BatchMeta{
		EventRef:  idempotencyKey,
		Sequence:  seq,
		Timestamp: timestamp.UnixMicro(),
	}
	cs := newChangeSet()
	result, batch, err := c.dispatchEvent(evt, meta, cs)
	if err != nil {
		c.rewindClock(prev)
		return receipt, c.reject(eventType, err)
	}

	// Step 5: Apply the batch. Components have already committed, so a
	// failure here means the ledger and the domain state have diverged.
	if batch != nil && len(batch.Journals) == 0 {
		batch = nil
	}
	if batch != nil {
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch for %s: %v", idempotencyKey, err))
		}
		if err := c.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch for %s: %v", idempotencyKey, err))
		}
	}

	// Step 6: Post-checks
	c.sequence = seq
	if err := c.postCheckInvariants(batch, cs); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated at sequence %d: %v", seq, err))
	}

	// Step 7: State digest and hash chain
	changes := c.resolve(cs)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(seq, c.computeStateDigest(batch, changes))

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", eventType, err))
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s result: %v", eventType, err))
	}

	envelope := &event.EventEnvelope{
		Sequence:       seq,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Caller:         evt.Principal(),
		Partition:      partition,
		Timestamp:      timestamp,
		SourceSequence: sourceSequence,
		Payload:        payload,
		Result:         resultJSON,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{Envelope: envelope, Batch: batch, Changes: changes}

	// Step 8: Emit. Persistence is a blocking send so no event is lost;
	// projections drop on full and catch up from the journal.
	if c.persistChan != nil {
		c.persistChan <- output
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}

	// Step 9: Mark processed only after the event is committed
	c.sequenceValidator.Advance(partition, sourceSequence)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordApplied(eventType, start, batch, cs)

	receipt.Sequence = seq
	receipt.Result = resultJSON
	receipt.StateHash = hex.EncodeToString(stateHash[:])
	return receipt, nil
}

// AdvanceClock moves the logical clock forward to t. Earlier or zero times are
// ignored; the clock never runs backwards.
func (c *DeterministicCore) AdvanceClock(t time.Time) {
	if t.IsZero() || !t.After(c.clock.Now()) {
		return
	}
	c.clock.Add(t.Sub(c.clock.Now()))
}

func (c *DeterministicCore) rewindClock(to time.Time) {
	if d := to.Sub(c.clock.Now()); d < 0 {
		c.clock.Add(d)
	}
}

// Now is the core's logical time.
func (c *DeterministicCore) Now() time.Time {
	return c.clock.Now()
}

// getPartition determines partition key for sequence validation
func (c *DeterministicCore) getPartition(evt event.Event) string {
	if priceEvt, ok := evt.(*event.PriceUpdate); ok {
		return PricePartition(priceEvt.Asset)
	}
	return CallerPartition(evt.Principal())
}

func (c *DeterministicCore) reject(eventType string, err error) error {
	code := protocol.CodeOf(err)
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, string(code)).Inc()
	}
	if code == protocol.CodeInternal {
		c.logger.Error().Err(err).Str("event_type", eventType).Msg("command failed")
	} else {
		c.logger.Debug().Err(err).Str("event_type", eventType).Str("code", string(code)).Msg("command rejected")
	}
	return err
}

// computeStateDigest creates canonical bytes for state hash: the changed
// domain rows followed by every touched ledger account and its balance.
func (c *DeterministicCore) computeStateDigest(batch *ledger.Batch, changes StateChanges) []byte {
	rows, err := json.Marshal(changes)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode state changes: %v", err))
	}

	var accounts []ledger.AccountKey
	if batch != nil {
		accounts = batch.Accounts()
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(rows)+len(accounts)*96)
	digest = append(digest, rows...)
	for _, key := range accounts {
		path := key.AccountPath()
		balance := c.balanceTracker.GetBalance(key).String()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = append(digest, byte(len(balance)))
		digest = append(digest, balance...)
	}
	return digest
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(batch *ledger.Batch, cs *changeSet) error {
	poolTouched := cs.pool
	borrowers := make(map[uuid.UUID]struct{}, len(cs.positions))
	for acct := range cs.positions {
		borrowers[acct] = struct{}{}
	}

	if batch != nil {
		for _, key := range batch.Accounts() {
			if err := c.validator.ValidateAccountSign(key); err != nil {
				return err
			}
			switch key.SubType {
			case ledger.SubTypeVaultCollateral, ledger.SubTypeVaultDebt:
				if user, ok := key.UserID(); ok {
					borrowers[user] = struct{}{}
				}
			case ledger.SubTypeSystemPoolDeposits, ledger.SubTypeSystemPoolCollateral:
				poolTouched = true
			}
		}
	}

	for _, account := range sortedUUIDs(borrowers) {
		if err := c.checkPositionLedger(account); err != nil {
			return err
		}
	}
	if poolTouched {
		if err := c.checkPoolLedger(); err != nil {
			return err
		}
	}

	if c.globalCheckInterval > 0 && c.sequence%c.globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return err
		}
	}
	return nil
}

// checkPositionLedger verifies the ledger mirrors a position exactly.
func (c *DeterministicCore) checkPositionLedger(account uuid.UUID) error {
	pos, _ := c.vault.Position(account)

	debt := c.balanceTracker.GetBalance(ledger.NewUserAccountKey(account, ledger.SubTypeVaultDebt, ledger.DebtAsset)).Neg()
	if !debt.Equal(pos.Debt) {
		return fmt.Errorf("position %s: ledger debt %s != vault debt %s", account, debt, pos.Debt)
	}
	for _, kind := range c.vault.CollateralKinds() {
		held := c.balanceTracker.GetBalance(ledger.NewUserAccountKey(account, ledger.SubTypeVaultCollateral, kind.ID))
		if !held.Equal(pos.Balance(kind.ID)) {
			return fmt.Errorf("position %s: ledger %s collateral %s != vault %s", account, kind.ID, held, pos.Balance(kind.ID))
		}
	}
	return nil
}

// checkPoolLedger verifies the pool's totals against its system accounts.
func (c *DeterministicCore) checkPoolLedger() error {
	deposits := c.balanceTracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemPoolDeposits, ledger.DebtAsset))
	if !deposits.Equal(c.pool.TotalDeposits()) {
		return fmt.Errorf("pool: ledger deposits %s != total deposits %s", deposits, c.pool.TotalDeposits())
	}
	for _, kind := range c.vault.CollateralKinds() {
		held := c.balanceTracker.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeSystemPoolCollateral, kind.ID))
		if !held.Equal(c.pool.CollateralHeld(kind.ID)) {
			return fmt.Errorf("pool: ledger %s collateral %s != held %s", kind.ID, held, c.pool.CollateralHeld(kind.ID))
		}
	}
	return nil
}

func (c *DeterministicCore) recordApplied(eventType string, start time.Time, batch *ledger.Batch, cs *changeSet) {
	if c.metrics == nil {
		return
	}
	c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	if batch != nil {
		for _, j := range batch.Journals {
			c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	c.updateDomainGauges(cs)
}

func (c *DeterministicCore) updateDomainGauges(cs *changeSet) {
	if len(cs.positions) > 0 {
		c.metrics.TotalDebt.Set(c.vault.TotalDebt().InexactFloat64())
		c.metrics.OpenPositions.Set(float64(c.vault.OpenPositions()))
		for _, kind := range c.vault.CollateralKinds() {
			c.metrics.VaultCollateral.WithLabelValues(kind.ID).Set(c.vault.TotalCollateral(kind.ID).InexactFloat64())
		}
	}
	if cs.pool {
		c.metrics.PoolDeposits.Set(c.pool.TotalDeposits().InexactFloat64())
		for _, kind := range c.vault.CollateralKinds() {
			c.metrics.PoolCollateral.WithLabelValues(kind.ID).Set(c.pool.CollateralHeld(kind.ID).InexactFloat64())
		}
	}
	for asset := range cs.quotes {
		q, ok := c.oracle.Quote(asset)
		if !ok {
			continue
		}
		c.metrics.OraclePrice.WithLabelValues(asset).Set(q.Price.InexactFloat64())
		open := 0.0
		if q.CircuitOpen {
			open = 1
		}
		c.metrics.OracleCircuitOpen.WithLabelValues(asset).Set(open)
	}
}

// Balance reads one ledger account.
func (c *DeterministicCore) Balance(key ledger.AccountKey) decimal.Decimal {
	return c.balanceTracker.GetBalance(key)
}

// GetSequence returns the last assigned global sequence number.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
