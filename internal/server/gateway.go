package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/protocol"
	"CDPLedger/internal/query"
	"CDPLedger/internal/vault"
)

// CallerHeader carries the principal a request acts as. Authenticating it is
// left to the fronting proxy.
const CallerHeader = "X-Caller-ID"

const maxBodyBytes = 1 << 20

// Core is the live state the gateway submits commands to and reads from.
// *core.Actor implements it.
type Core interface {
	Submit(ctx context.Context, evt event.Event) (core.Receipt, error)
	Position(ctx context.Context, account uuid.UUID) (vault.Position, bool, error)
	HealthFactor(ctx context.Context, account uuid.UUID) (vault.HealthFactor, error)
	PendingCollateralGain(ctx context.Context, depositor uuid.UUID, kind string) (decimal.Decimal, error)
	PoolBalance(ctx context.Context, depositor uuid.UUID) (decimal.Decimal, error)
	Quote(ctx context.Context, asset string) (oracle.Quote, bool, bool, error)
	Integrity(ctx context.Context) (core.IntegrityReport, error)
}

// ServerDeps holds everything the listeners need. Query and DB are optional;
// without them only the live routes are served.
type ServerDeps struct {
	Core           Core
	Query          *query.QueryService
	DB             *sql.DB
	HealthChecker  *observability.HealthChecker
	MetricsHandler http.Handler
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	Clock          clock.Clock

	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type gateway struct {
	deps    *ServerDeps
	mux     *runtime.ServeMux
	limiter *clientLimiter
	json    runtime.Marshaler
}

type route struct {
	method  string
	pattern string
	name    string
	handler runtime.HandlerFunc
}

// NewGateway builds the JSON API on a grpc-gateway ServeMux.
func NewGateway(deps *ServerDeps) (http.Handler, error) {
	if deps.Core == nil {
		return nil, errors.New("server: core is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	g := &gateway{
		deps: deps,
		mux:  runtime.NewServeMux(),
		json: &runtime.JSONBuiltin{},
	}
	if deps.RateLimit > 0 {
		g.limiter = newClientLimiter(deps.RateLimit, deps.RateBurst)
	}

	routes := []route{
		{"POST", "/v1/vault/deposit", "vault_deposit", g.command(event.EventTypeCollateralDeposited, nil)},
		{"POST", "/v1/vault/withdraw", "vault_withdraw", g.command(event.EventTypeCollateralWithdrawn, nil)},
		{"POST", "/v1/vault/borrow", "vault_borrow", g.command(event.EventTypeDebtBorrowed, nil)},
		{"POST", "/v1/vault/repay", "vault_repay", g.command(event.EventTypeDebtRepaid, nil)},
		{"POST", "/v1/vault/liquidate", "vault_liquidate", g.command(event.EventTypePositionLiquidated, nil)},
		{"GET", "/v1/vault/positions/{account}", "position", g.getPosition},
		{"GET", "/v1/vault/positions/{account}/health", "health_factor", g.getHealthFactor},
		{"POST", "/v1/pool/deposit", "pool_deposit", g.command(event.EventTypePoolDeposited, nil)},
		{"POST", "/v1/pool/withdraw", "pool_withdraw", g.command(event.EventTypePoolWithdrawn, nil)},
		{"POST", "/v1/pool/claim", "pool_claim", g.command(event.EventTypeCollateralGainClaimed, nil)},
		{"GET", "/v1/pool/accounts/{depositor}/gains/{kind}", "pool_gain", g.getGain},
		{"POST", "/v1/oracle/prices", "price_update", g.command(event.EventTypePriceUpdated, nil)},
		{"GET", "/v1/oracle/prices/{asset}", "quote", g.getQuote},
		{"POST", "/v1/admin/collateral-kinds", "register_kind", g.command(event.EventTypeCollateralKindRegistered, nil)},
		{"POST", "/v1/admin/collateral-kinds/{kind}/enabled", "set_enabled", g.command(event.EventTypeCollateralEnabledSet, kindFromPath)},
		{"POST", "/v1/admin/pool/reward-weight", "reward_weight", g.command(event.EventTypeRewardWeightSet, nil)},
		{"GET", "/v1/admin/integrity", "integrity", g.getIntegrity},
	}
	if deps.Query != nil {
		routes = append(routes,
			route{"GET", "/v1/vault/positions", "positions", g.listPositions},
			route{"GET", "/v1/pool/accounts/{depositor}", "pool_account", g.getPoolAccount},
			route{"GET", "/v1/oracle/prices/{asset}/history", "price_history", g.getPriceHistory},
			route{"GET", "/v1/users/{user}/balances", "balances", g.getBalances},
			route{"GET", "/v1/users/{user}/journal", "journal", g.getJournal},
		)
	}
	if deps.DB != nil {
		routes = append(routes, route{"POST", "/v1/admin/projections/rebuild", "rebuild_projections", g.rebuildProjections})
	}

	for _, rt := range routes {
		if err := g.mux.HandlePath(rt.method, rt.pattern, g.wrap(rt.name, rt.handler)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return g.mux, nil
}

// ============================================================================
// Commands
// ============================================================================

// command decodes the body as a command of type t, binds the header caller
// and submits it. fill copies path parameters into the command.
func (g *gateway) command(t event.EventType, fill func(event.Event, map[string]string) error) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		evt, err := g.decode(w, r, t)
		if err == nil && fill != nil {
			err = fill(evt, params)
		}
		if err != nil {
			g.fail(w, r, err)
			return
		}

		receipt, err := g.deps.Core.Submit(r.Context(), evt)
		if err != nil {
			g.fail(w, r, err)
			return
		}
		g.respond(w, http.StatusOK, receipt)
	}
}

func (g *gateway) decode(w http.ResponseWriter, r *http.Request, t event.EventType) (event.Event, error) {
	caller, err := callerOf(r)
	if err != nil {
		return nil, err
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %v: %w", err, protocol.ErrInvalidRequest)
	}
	evt, err := ingestion.ParseCommand(t, body, g.deps.Clock.Now())
	if err != nil {
		return nil, err
	}

	h := evt.Header()
	if h.Caller != uuid.Nil && h.Caller != caller {
		return nil, fmt.Errorf("body caller %s does not match %s: %w", h.Caller, CallerHeader, protocol.ErrInvalidRequest)
	}
	h.Caller = caller
	return evt, nil
}

func kindFromPath(evt event.Event, params map[string]string) error {
	s, ok := evt.(*event.SetCollateralEnabled)
	if !ok {
		return nil
	}
	kind := params["kind"]
	if s.KindID != "" && s.KindID != kind {
		return fmt.Errorf("body kind %q does not match path %q: %w", s.KindID, kind, protocol.ErrInvalidRequest)
	}
	s.KindID = kind
	return nil
}

func callerOf(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get(CallerHeader)
	if raw == "" {
		return uuid.Nil, errNoCaller
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v: %w", CallerHeader, err, protocol.ErrInvalidRequest)
	}
	return id, nil
}

// ============================================================================
// Live reads
// ============================================================================

type healthResponse struct {
	Account      uuid.UUID          `json:"account"`
	HealthFactor vault.HealthFactor `json:"health_factor"`
	Healthy      bool               `json:"healthy"`
}

type gainResponse struct {
	Depositor   uuid.UUID       `json:"depositor"`
	Kind        string          `json:"kind"`
	PendingGain decimal.Decimal `json:"pending_gain"`
	Deposit     decimal.Decimal `json:"deposit"`
}

type quoteResponse struct {
	Quote oracle.Quote `json:"quote"`
	Valid bool         `json:"valid"`
}

type integrityResponse struct {
	Core      core.IntegrityReport   `json:"core"`
	Persisted *query.IntegrityReport `json:"persisted,omitempty"`
}

func (g *gateway) getPosition(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuidParam(params, "account")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	pos, ok, err := g.deps.Core.Position(r.Context(), account)
	if err == nil && !ok {
		err = fmt.Errorf("position %s: %w", account, query.ErrNotFound)
	}
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, pos)
}

func (g *gateway) getHealthFactor(w http.ResponseWriter, r *http.Request, params map[string]string) {
	account, err := uuidParam(params, "account")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	hf, err := g.deps.Core.HealthFactor(r.Context(), account)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, healthResponse{Account: account, HealthFactor: hf, Healthy: hf.Healthy()})
}

func (g *gateway) getGain(w http.ResponseWriter, r *http.Request, params map[string]string) {
	depositor, err := uuidParam(params, "depositor")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	kind := params["kind"]
	gain, err := g.deps.Core.PendingCollateralGain(r.Context(), depositor, kind)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	deposit, err := g.deps.Core.PoolBalance(r.Context(), depositor)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, gainResponse{Depositor: depositor, Kind: kind, PendingGain: gain, Deposit: deposit})
}

func (g *gateway) getQuote(w http.ResponseWriter, r *http.Request, params map[string]string) {
	asset := params["asset"]
	q, valid, ok, err := g.deps.Core.Quote(r.Context(), asset)
	if err == nil && !ok {
		err = fmt.Errorf("quote %s: %w", asset, query.ErrNotFound)
	}
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, quoteResponse{Quote: q, Valid: valid})
}

func (g *gateway) getIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report, err := g.deps.Core.Integrity(r.Context())
	if err != nil {
		g.fail(w, r, err)
		return
	}
	resp := integrityResponse{Core: report}
	if g.deps.Query != nil {
		persisted, err := g.deps.Query.VerifyIntegrity(r.Context())
		if err != nil {
			g.fail(w, r, err)
			return
		}
		resp.Persisted = persisted
	}
	g.respond(w, http.StatusOK, resp)
}

// ============================================================================
// Persisted reads
// ============================================================================

func (g *gateway) listPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	limit, err := pageLimit(q.Get("limit"), 100, 1000)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	var after *uuid.UUID
	if raw := q.Get("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			g.fail(w, r, fmt.Errorf("after: %v: %w", err, protocol.ErrInvalidRequest))
			return
		}
		after = &id
	}
	out, err := g.deps.Query.ListPositions(r.Context(), q.Get("state"), after, limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, out)
}

func (g *gateway) getPoolAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	depositor, err := uuidParam(params, "depositor")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	acct, err := g.deps.Query.GetPoolAccount(r.Context(), depositor)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, acct)
}

func (g *gateway) getPriceHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	q := r.URL.Query()
	limit, err := pageLimit(q.Get("limit"), 100, 1000)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	before, err := sequenceParam(q.Get("before"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	out, err := g.deps.Query.GetPriceHistory(r.Context(), params["asset"], before, limit)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, out)
}

func (g *gateway) getBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := uuidParam(params, "user")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	out, err := g.deps.Query.GetBalances(r.Context(), user)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, out)
}

func (g *gateway) getJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := uuidParam(params, "user")
	if err != nil {
		g.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, err := pageLimit(q.Get("limit"), 100, 500)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	before, err := sequenceParam(q.Get("before"))
	if err != nil {
		g.fail(w, r, err)
		return
	}
	var beforeSeq *int64
	if before > 0 {
		beforeSeq = &before
	}
	out, err := g.deps.Query.GetJournalHistory(r.Context(), user, limit, beforeSeq)
	if err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, out)
}

func (g *gateway) rebuildProjections(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := projection.RebuildProjections(r.Context(), g.deps.DB, g.deps.Logger); err != nil {
		g.fail(w, r, err)
		return
	}
	g.respond(w, http.StatusOK, map[string]bool{"rebuilt": true})
}

// ============================================================================
// Helpers
// ============================================================================

func uuidParam(params map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s: %v: %w", name, err, protocol.ErrInvalidRequest)
	}
	return id, nil
}

func pageLimit(raw string, def, ceiling int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit %q: %w", raw, protocol.ErrInvalidRequest)
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}

func sequenceParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("before %q: %w", raw, protocol.ErrInvalidRequest)
	}
	return n, nil
}

func (g *gateway) respond(w http.ResponseWriter, code int, v any) {
	body, err := g.json.Marshal(v)
	if err != nil {
		g.deps.Logger.Error().Err(err).Msg("encode response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", g.json.ContentType(v))
	w.WriteHeader(code)
	if _, err := w.Write(body); err != nil {
		g.deps.Logger.Debug().Err(err).Msg("write response")
	}
}

func (g *gateway) fail(w http.ResponseWriter, r *http.Request, err error) {
	if grpcCode(err) == codes.Internal {
		g.deps.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	g.writeStatus(w, r, toStatus(err))
}

func (g *gateway) writeStatus(w http.ResponseWriter, r *http.Request, st error) {
	_, outbound := runtime.MarshalerForRequest(g.mux, r)
	runtime.HTTPError(r.Context(), g.mux, outbound, w, r, st)
}

// wrap applies the per-client limiter and records request metrics.
func (g *gateway) wrap(name string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		if g.limiter != nil && !g.limiter.Allow(clientID(r)) {
			if g.deps.Metrics != nil {
				g.deps.Metrics.HTTPRateLimited.Inc()
			}
			g.writeStatus(rec, r, status.Error(codes.ResourceExhausted, "rate limit exceeded"))
		} else {
			h(rec, r, params)
		}

		if g.deps.Metrics != nil {
			g.deps.Metrics.HTTPRequests.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
			g.deps.Metrics.HTTPDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}
