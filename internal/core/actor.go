package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"CDPLedger/internal/event"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/vault"
)

// ErrStopped is returned to callers once the actor loop has exited.
var ErrStopped = errors.New("core stopped")

// MaxClockSkew is how far ahead of wall time a live command may be stamped.
// Replay and restore never pass through the actor and are not bound by it.
const MaxClockSkew = 5 * time.Second

type response struct {
	receipt Receipt
	err     error
}

type request struct {
	evt   event.Event // nil for reads
	read  func(*DeterministicCore)
	reply chan response
}

// Actor serializes every command and read onto one goroutine that owns the
// core. Submitters from NATS and HTTP block until their command is applied.
type Actor struct {
	core   *DeterministicCore
	wall   clock.Clock
	inbox  chan request
	done   chan struct{}
	logger zerolog.Logger
}

func NewActor(core *DeterministicCore, wall clock.Clock, depth int, logger zerolog.Logger) *Actor {
	return &Actor{
		core:   core,
		wall:   wall,
		inbox:  make(chan request, depth),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Run owns the core until ctx is cancelled.
func (a *Actor) Run(ctx context.Context) error {
	defer close(a.done)
	a.logger.Info().Int64("sequence", a.core.GetSequence()).Msg("core actor started")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Int64("sequence", a.core.GetSequence()).Msg("core actor stopped")
			return ctx.Err()
		case req := <-a.inbox:
			a.handle(req)
		}
	}
}

func (a *Actor) handle(req request) {
	if req.read != nil {
		// reads see the oracle at wall time so staleness is reported honestly
		a.core.AdvanceClock(a.wall.Now())
		req.read(a.core)
		req.reply <- response{}
		return
	}
	if at, limit := req.evt.OccurredAt(), a.wall.Now().Add(MaxClockSkew); at.After(limit) {
		err := fmt.Errorf("%s stamped %s, beyond wall clock %s: %w",
			req.evt.EventType(), at.Format(time.RFC3339Nano), limit.Format(time.RFC3339Nano), protocol.ErrInvalidRequest)
		a.logger.Warn().Err(err).Str("request_id", req.evt.IdempotencyKey()).Msg("future-stamped command refused")
		req.reply <- response{err: err}
		return
	}
	receipt, err := a.core.ProcessEvent(req.evt)
	req.reply <- response{receipt: receipt, err: err}
}

func (a *Actor) call(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)
	select {
	case a.inbox <- req:
	case <-a.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp, nil
	case <-a.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

// Submit applies one command and returns its receipt. A context error means
// the outcome is unknown; resubmitting with the same request id is safe.
func (a *Actor) Submit(ctx context.Context, evt event.Event) (Receipt, error) {
	resp, err := a.call(ctx, request{evt: evt})
	if err != nil {
		return Receipt{}, err
	}
	return resp.receipt, resp.err
}

// Read runs fn on the core goroutine.
func (a *Actor) Read(ctx context.Context, fn func(*DeterministicCore)) error {
	_, err := a.call(ctx, request{read: fn})
	return err
}

// Position returns the account's position, if any.
func (a *Actor) Position(ctx context.Context, account uuid.UUID) (pos vault.Position, ok bool, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		pos, ok = c.vault.Position(account)
	})
	return pos, ok, err
}

// HealthFactor evaluates the account against current prices.
func (a *Actor) HealthFactor(ctx context.Context, account uuid.UUID) (hf vault.HealthFactor, err error) {
	if rerr := a.Read(ctx, func(c *DeterministicCore) {
		hf, err = c.vault.HealthFactor(account)
	}); rerr != nil {
		return vault.HealthFactor{}, rerr
	}
	return hf, err
}

// PendingCollateralGain is the depositor's unclaimed entitlement for kind.
func (a *Actor) PendingCollateralGain(ctx context.Context, depositor uuid.UUID, kind string) (gain decimal.Decimal, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		gain = c.pool.PendingCollateralGain(depositor, kind)
	})
	return gain, err
}

// PoolBalance is the depositor's live compounded deposit.
func (a *Actor) PoolBalance(ctx context.Context, depositor uuid.UUID) (balance decimal.Decimal, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		balance = c.pool.Balance(depositor)
	})
	return balance, err
}

// Quote returns the stored quote and whether it is currently usable.
func (a *Actor) Quote(ctx context.Context, asset string) (q oracle.Quote, valid bool, ok bool, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		q, ok = c.oracle.Quote(asset)
		_, perr := c.oracle.GetValidPrice(asset)
		valid = ok && perr == nil
	})
	return q, valid, ok, err
}

// CollateralKinds lists registered kinds.
func (a *Actor) CollateralKinds(ctx context.Context) (kinds []vault.CollateralKind, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		kinds = c.vault.CollateralKinds()
	})
	return kinds, err
}

// Integrity cross-checks the ledger against the domain state.
func (a *Actor) Integrity(ctx context.Context) (report IntegrityReport, err error) {
	err = a.Read(ctx, func(c *DeterministicCore) {
		report = c.Integrity()
	})
	return report, err
}
