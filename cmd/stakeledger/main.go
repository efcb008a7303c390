package main

import (
	"StakeLedger/internal/config"
	"StakeLedger/internal/core"
	"StakeLedger/internal/custody"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/projection"
	"StakeLedger/internal/query"
	"StakeLedger/internal/receipt"
	"StakeLedger/internal/server"
	"StakeLedger/internal/state"
	"StakeLedger/internal/storage"
	"StakeLedger/migrations"
	"context"
	"database/sql"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config holds process configuration, loaded from environment variables.
// Pool parameters and dev wallets come from the YAML file at PoolConfigPath.
type Config struct {
	// Badger directory; empty runs fully in memory
	DataDir        string
	PoolConfigPath string

	// Postgres audit log and read models; empty disables
	PostgresURL   string
	MigrationsDir string

	// NATS ingress/egress; empty disables
	NATSURL string

	PersistChanSize    int
	ProjectionChanSize int
	PublishChanSize    int

	PersistBatchSize    int
	PersistFlushTimeout time.Duration

	IdempotencyLRUCapacity int
	HistoryCapacity        int
	RebuildProjections     bool

	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string
}

func DefaultConfig() Config {
	return Config{
		DataDir:                envOrDefault("STAKE_DATA_DIR", "data/stakeledger"),
		PoolConfigPath:         envOrDefault("STAKE_POOL_CONFIG", "config/pool.example.yaml"),
		PostgresURL:            envOrDefault("STAKE_POSTGRES_DSN", ""),
		MigrationsDir:          envOrDefault("STAKE_MIGRATIONS_DIR", ""),
		NATSURL:                envOrDefault("STAKE_NATS_URL", ""),
		PersistChanSize:        envIntOrDefault("STAKE_PERSIST_CHAN_SIZE", 1024),
		ProjectionChanSize:     envIntOrDefault("STAKE_PROJECTION_CHAN_SIZE", 2048),
		PublishChanSize:        envIntOrDefault("STAKE_PUBLISH_CHAN_SIZE", 4096),
		PersistBatchSize:       envIntOrDefault("STAKE_PERSIST_BATCH_SIZE", 50),
		PersistFlushTimeout:    10 * time.Millisecond,
		IdempotencyLRUCapacity: envIntOrDefault("STAKE_IDEMPOTENCY_LRU_CAPACITY", 100_000),
		HistoryCapacity:        envIntOrDefault("STAKE_HISTORY_CAPACITY", 10_000),
		RebuildProjections:     envOrDefault("STAKE_REBUILD_PROJECTIONS", "") == "1",
		GRPCAddr:               envOrDefault("STAKE_GRPC_ADDR", ":9090"),
		HTTPAddr:               envOrDefault("STAKE_HTTP_ADDR", ":8080"),
		MetricsAddr:            envOrDefault("STAKE_METRICS_ADDR", ":9091"),
	}
}

func main() {
	logger := observability.NewLogger("stakeledger")
	logger.Info().Msg("StakeLedger starting")

	cfg := DefaultConfig()
	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("stakeledger exited")
	}
	logger.Info().Msg("StakeLedger shutdown complete")
}

func run(cfg Config, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Genesis ---
	genesis, err := config.Load(cfg.PoolConfigPath)
	if err != nil {
		return errors.Wrap(err, "pool config")
	}
	params, err := genesis.PoolParams()
	if err != nil {
		return errors.Wrap(err, "pool params")
	}
	minter, err := genesis.MinterAddress()
	if err != nil {
		return err
	}
	balances, err := genesis.WalletBalances()
	if err != nil {
		return err
	}

	// --- Observability ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	components := []string{"state"}
	if cfg.PostgresURL != "" {
		components = append(components, "postgres")
	}
	if cfg.NATSURL != "" {
		components = append(components, "nats")
	}
	healthChecker := observability.NewHealthChecker(components...)

	// --- Durable state ---
	kv, err := openKV(cfg.DataDir)
	if err != nil {
		return errors.Wrap(err, "open badger")
	}
	defer kv.Close()

	receipts, err := receipt.NewLedger(storage.NewPrefixDB(kv, []byte("r/")), minter, observability.NewLogger("receipt"))
	if err != nil {
		return errors.Wrap(err, "load receipt ledger")
	}
	if err := receipts.CheckSupply(); err != nil {
		return errors.Wrap(err, "receipt supply")
	}

	wallets := custody.NewWallets()
	for addr, amount := range balances {
		if err := wallets.Credit(addr, amount); err != nil {
			return errors.Wrapf(err, "credit wallet %s", addr.Hex())
		}
	}

	// --- Postgres ---
	var (
		db        *sql.DB
		dbChecker *persistence.PostgresIdempotencyChecker
	)
	if cfg.PostgresURL != "" {
		db, err = openPostgres(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
		healthChecker.SetComponentReady("postgres", true)
	}

	// --- Channels ---
	// persist blocks (backpressure), projection and publish drop
	var persistCoreChan, publishCoreChan chan core.CoreOutput
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)
	if db != nil {
		persistCoreChan = make(chan core.CoreOutput, cfg.PersistChanSize)
	}
	if cfg.NATSURL != "" {
		publishCoreChan = make(chan core.CoreOutput, cfg.PublishChanSize)
	}

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Engine ---
	deps := core.EngineDeps{
		Store:   state.NewStore(kv),
		Receipt: receipts.Client(minter),
		Rail:    wallets,
		Metrics: metrics,
		Logger:  observability.NewLogger("engine"),
	}
	if dbChecker != nil {
		deps.DBChecker = dbChecker
	}
	engine, err := core.NewStakingEngine(
		core.EngineConfig{Genesis: params, IdempotencyCapacity: cfg.IdempotencyLRUCapacity},
		deps,
		persistCoreChan, projectionCoreChan, publishCoreChan,
	)
	if err != nil {
		return errors.Wrap(err, "start engine")
	}

	// the in-memory rail does not survive restarts; realign it with the
	// durable reserve
	wallets.Restore(engine.CustodyReserve())
	healthChecker.SetComponentReady("state", true)

	// --- Read models ---
	memHistory := projection.NewMemoryHistory(cfg.HistoryCapacity)
	sinks := []projection.Sink{memHistory}
	var history query.HistoryReader = query.NewMemoryReader(memHistory, engine.Sequence)

	if db != nil {
		keys, err := dbChecker.RecentKeys(ctx, cfg.IdempotencyLRUCapacity)
		if err != nil {
			logger.Warn().Err(err).Msg("idempotency warm-up skipped")
		} else if len(keys) > 0 {
			engine.WarmIdempotency(keys)
			logger.Info().Int("keys", len(keys)).Msg("idempotency cache warmed")
		}

		if cfg.RebuildProjections {
			if err := projection.RebuildProjections(ctx, db, observability.NewLogger("projection")); err != nil {
				return errors.Wrap(err, "rebuild projections")
			}
		}

		queryService := query.NewQueryService(db)
		if report, err := queryService.VerifyIntegrity(ctx); err != nil {
			logger.Warn().Err(err).Msg("audit log integrity check failed to run")
		} else if !report.IsHealthy {
			logger.Error().
				Ints64("hash_chain_breaks", report.HashChainBreaks).
				Ints64("sequence_gaps", report.SequenceGaps).
				Msg("audit log integrity check found faults")
		}

		sinks = append(sinks, projection.NewPostgresSink(db))
		history = queryService
	}

	// --- Goroutine inventory ---
	errChan := make(chan error, 10)
	var workers sync.WaitGroup
	spawn := func(name string, fn func(context.Context) error) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- errors.Wrap(err, name)
			}
		}()
	}

	// 1. Persistence worker
	if db != nil {
		persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
		spawn("persistence", persistWorker.Run)
	}

	// 2. Projection worker
	projWorker := projection.NewProjectionWorker(projectionWorkerChan, metrics, observability.NewLogger("projection"), sinks...)
	spawn("projection", projWorker.Run)

	// 3. Core output bridge
	spawn("bridge", func(ctx context.Context) error {
		bridgeCoreOutputs(ctx, persistCoreChan, projectionCoreChan, publishCoreChan,
			persistWorkerChan, projectionWorkerChan, publishChan, metrics, logger)
		return nil
	})

	// 4. NATS ingress and egress
	var natsSubscriber *ingestion.NATSSubscriber
	if cfg.NATSURL != "" {
		var nc *nats.Conn
		natsSubscriber, nc, err = startNATS(ctx, cfg, engine, publishChan, metrics, spawn)
		if err != nil {
			return err
		}
		defer nc.Close()
		healthChecker.SetComponentReady("nats", true)
	}

	// 5. gRPC server and HTTP/JSON gateway
	svc := server.NewStakingService(engine, receipts, history, observability.NewLogger("api"))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       svc,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
	})
	spawn("grpc", grpcServer.StartGRPC)
	spawn("http", grpcServer.StartHTTPGateway)

	// 6. Prometheus metrics server
	spawn("metrics", func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.MetricsAddr, registry, healthChecker, logger)
	})

	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Bool("postgres", db != nil).
		Bool("nats", natsSubscriber != nil).
		Msg("StakeLedger ready")

	// --- Wait for shutdown signal ---
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake first, then let workers flush what they hold
	healthChecker.SetReady(false)
	if natsSubscriber != nil {
		natsSubscriber.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not stop within 30s")
	}

	return runErr
}

func openKV(dir string) (*storage.BadgerDB, error) {
	if dir == "" {
		return storage.NewBadgerInMemory()
	}
	return storage.NewBadger(dir)
}

func openPostgres(ctx context.Context, cfg Config, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres open")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}
	logger.Info().Msg("Postgres connected")

	var files fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		files = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, files, observability.NewLogger("migrate")).Up(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}
	return db, nil
}

func startNATS(
	ctx context.Context,
	cfg Config,
	engine *core.StakingEngine,
	publishChan <-chan ingestion.PublishableEvent,
	metrics *observability.Metrics,
	spawn func(string, func(context.Context) error),
) (*ingestion.NATSSubscriber, *nats.Conn, error) {
	natsLogger := observability.NewLogger("nats")

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLogger)
	if err != nil {
		return nil, nil, err
	}
	if err := ensureStreams(ctx, js, natsLogger); err != nil {
		nc.Close()
		return nil, nil, err
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLogger)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		nc.Close()
		return nil, nil, errors.Wrap(err, "nats subscribe")
	}

	dispatcher := ingestion.NewDispatcher(engine, rawEventChan, metrics, natsLogger)
	spawn("dispatcher", dispatcher.Run)

	publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, natsLogger)
	spawn("publisher", publisher.Run)

	return subscriber, nc, nil
}

func ensureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
		return errors.Wrap(err, "ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
		return errors.Wrap(err, "ensure outbound stream")
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, hc *observability.HealthChecker, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", hc.LivenessHandler)
	mux.HandleFunc("/readyz", hc.ReadinessHandler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// bridgeCoreOutputs converts core.CoreOutput into the persistence,
// projection and publish formats. It avoids import cycles between core and
// the downstream packages. The persist send blocks; the others drop.
func bridgeCoreOutputs(
	ctx context.Context,
	persistIn, projectionIn, publishIn <-chan core.CoreOutput,
	persistOut chan<- persistence.CoreOutput,
	projectionOut chan<- projection.ProjectionOutput,
	publishOut chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case output := <-persistIn:
			select {
			case persistOut <- persistence.NewCoreOutput(output.Envelope, output.Batch):
			case <-ctx.Done():
				return
			}
			metrics.SetChannelMetrics("persist", len(persistOut), cap(persistOut))

		case output := <-projectionIn:
			select {
			case projectionOut <- projection.NewProjectionOutput(output.Envelope, output.Outcome):
			default:
				logger.Warn().Int64("sequence", output.Envelope.Sequence).Msg("projection channel full, dropping")
			}
			metrics.SetChannelMetrics("projection", len(projectionOut), cap(projectionOut))

		case output := <-publishIn:
			select {
			case publishOut <- ingestion.NewPublishableEvent(output.Envelope, output.Outcome):
			default:
				logger.Warn().Int64("sequence", output.Envelope.Sequence).Msg("publish channel full, dropping")
			}
			metrics.SetChannelMetrics("publish", len(publishOut), cap(publishOut))
		}
	}
}

func envOrDefault(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
