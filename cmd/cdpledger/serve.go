package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"CDPLedger/internal/config"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"
	"CDPLedger/internal/query"
	"CDPLedger/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ledger",
	Long: `Serve migrates the schema, restores state from Postgres, registers any
collateral kinds from the registry that are not yet known, and then accepts
commands over NATS JetStream and the HTTP API.

Examples:
  # Run with the default registry
  cdpledger serve

  # Run without NATS, HTTP only
  cdpledger serve --nats-url "" --registry configs/registry.toml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL, empty disables NATS")
	f.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API listen address")
	f.StringVar(&cfg.RegistryFile, "registry", cfg.RegistryFile, "collateral registry TOML file")
	f.IntVar(&cfg.PersistBatchSize, "persist-batch", cfg.PersistBatchSize, "events per persistence flush")
	f.DurationVar(&cfg.PersistFlushTimeout, "persist-flush", cfg.PersistFlushTimeout, "max wait before a partial flush")
	f.Float64Var(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "HTTP requests per second per client, 0 disables")
	f.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "HTTP burst per client")
	rootCmd.AddCommand(serveCmd)
}

func runServe(parent context.Context) error {
	logger := observability.NewLogger("cdpledger")
	logger.Info().Msg("CDPLedger starting")

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry, err := config.LoadRegistry(cfg.RegistryFile)
	if err != nil {
		return err
	}

	// --- Postgres ---
	db, err := openDB(ctx, cfg.PostgresURL)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	applied, err := persistence.NewMigrator(db, migrationFiles(), observability.NewLogger("migrate")).Up(ctx)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	logger.Info().Int("applied", applied).Msg("migrations up to date")

	// --- Recovery ---
	restored, err := persistence.NewStateLoader(db).Load(ctx, cfg.IdempotencyCapacity)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// --- Channels ---
	// The persist channel blocks the core when full; projection and publish drop.
	persistChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	publishChan := make(chan core.CoreOutput, cfg.PublishChanSize)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddCheck("postgres", db.PingContext)

	// --- Deterministic core ---
	dbChecker := persistence.NewPostgresIdempotencyChecker(db, cfg.DedupDBTimeout)
	deterministicCore := core.NewDeterministicCore(
		registry.CoreConfig(cfg),
		persistChan,
		projectionChan,
		dbChecker,
		metrics,
		observability.NewLogger("core"),
	)
	if err := deterministicCore.Restore(restored); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	logger.Info().
		Int64("sequence", restored.Sequence).
		Int("positions", len(restored.Positions)).
		Int("warm_keys", len(restored.IdempotencyKeys)).
		Msg("state restored")

	actor := core.NewActor(deterministicCore, clock.New(), cfg.ActorQueueDepth, observability.NewLogger("actor"))

	persistWorker := persistence.NewPersistenceWorker(
		db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"),
	)
	projWorker := projection.NewProjectionWorker(db, projectionChan, metrics, observability.NewLogger("projection"))

	grpcServer, err := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Core:           actor,
		Query:          query.NewQueryService(db, metrics),
		DB:             db,
		HealthChecker:  healthChecker,
		MetricsHandler: promhttp.Handler(),
		Metrics:        metrics,
		Logger:         observability.NewLogger("http"),
		Clock:          clock.New(),
		RateLimit:      cfg.RateLimit,
		RateBurst:      cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	// --- Goroutines ---
	errChan := make(chan error, 8)
	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	run("actor", actor.Run)
	run("projection", projWorker.Run)

	// --- NATS ---
	var subscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.AddCheck("nats", func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})

		if err := ingestion.EnsureStreams(ctx, js, observability.NewLogger("nats")); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		persistWorker.OnCommit(publishChan)
		run("publisher", ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher")).Run)
		subscriber = ingestion.NewNATSSubscriber(js, actor, metrics, observability.NewLogger("subscriber"))
	} else {
		logger.Warn().Msg("NATS disabled, accepting commands over HTTP only")
	}
	persistDone := make(chan struct{})
	run("persistence", func(ctx context.Context) error {
		defer close(persistDone)
		return persistWorker.Run(ctx)
	})

	if err := bootstrapRegistry(ctx, actor, registry, logger); err != nil {
		return err
	}

	if subscriber != nil {
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		defer subscriber.Stop()
	}

	run("grpc", grpcServer.StartGRPC)
	run("http", grpcServer.StartHTTPGateway)
	grpcServer.SetServing(true)

	logger.Info().
		Int64("sequence", deterministicCore.GetSequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Msg("CDPLedger ready")

	// --- Wait for shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown requested")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}
	grpcServer.SetServing(false)
	cancel()

	// the persistence worker drains what the core already emitted
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence worker did not finish flushing")
	}
	logger.Info().Int64("sequence", deterministicCore.GetSequence()).Msg("CDPLedger shutdown complete")
	return runErr
}

// bootstrapRegistry submits the registry's admin commands for kinds the
// restored state does not have. Replays are duplicates by request id.
func bootstrapRegistry(ctx context.Context, actor *core.Actor, registry *config.Registry, logger zerolog.Logger) error {
	existing, err := actor.CollateralKinds(ctx)
	if err != nil {
		return fmt.Errorf("read collateral kinds: %w", err)
	}
	for _, cmd := range registry.BootstrapCommands(existing, time.Now()) {
		receipt, err := actor.Submit(ctx, cmd)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", cmd.IdempotencyKey(), err)
		}
		logger.Info().
			Str("request_id", cmd.IdempotencyKey()).
			Int64("sequence", receipt.Sequence).
			Bool("duplicate", receipt.Duplicate).
			Msg("registry command applied")
	}
	return nil
}
