// Package main is the entry point for the rankstream popularity ranking
// service. It initializes all components and starts the HTTP server, the
// event processor, and the background maintenance loops.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"rankstream/internal/api"
	"rankstream/internal/config"
	"rankstream/internal/counter"
	memorycounter "rankstream/internal/counter/memory"
	rediscounter "rankstream/internal/counter/redis"
	"rankstream/internal/dedup"
	memorydedup "rankstream/internal/dedup/memory"
	redisdedup "rankstream/internal/dedup/redis"
	"rankstream/internal/domain"
	"rankstream/internal/ingest"
	"rankstream/internal/processor"
	"rankstream/internal/query"
	"rankstream/internal/queue"
	kafkaqueue "rankstream/internal/queue/kafka"
	memoryqueue "rankstream/internal/queue/memory"
	"rankstream/internal/reconcile"
	"rankstream/internal/router"
	"rankstream/internal/snapshot"
	memorysnap "rankstream/internal/snapshot/memory"
	postgressnap "rankstream/internal/snapshot/postgres"
	"rankstream/internal/tracker"
	"rankstream/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}

	// Initialize logger
	logger := initLogger(&cfg.Logger)

	logger.Info("configuration loaded",
		"path", *configPath,
		"storage_mode", cfg.Storage.Mode,
	)

	// Initialize dependencies based on storage mode
	deps, cleanup, err := initDependencies(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// Create context that listens for shutdown signals
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start the scope workers first: recovery replays the log tail
	// through the same pipeline, so submitted ops need somewhere to go.
	deps.pool.Start(ctx)

	// Restore counter state and replay events past the snapshot markers
	// before consuming live traffic.
	if err := deps.snapshots.RecoverAll(ctx, deps.processor.Handle); err != nil {
		logger.Error("snapshot recovery failed", "error", err)
		os.Exit(1)
	}

	// Start processor in background
	go func() {
		if err := deps.processor.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("processor error", "error", err)
			cancel()
		}
	}()

	// Start background maintenance loops
	go func() {
		if err := deps.snapshots.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("snapshot loop error", "error", err)
		}
	}()
	go func() {
		if err := deps.janitor.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("archive janitor error", "error", err)
		}
	}()

	// Start HTTP server
	go func() {
		if err := deps.server.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	logger.Info("rankstream started",
		"address", cfg.Server.Address(),
		"storage_mode", cfg.Storage.Mode,
	)

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()

	if err := deps.server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if err := deps.processor.Stop(); err != nil {
		logger.Error("processor shutdown error", "error", err)
	}

	// Drain the worker mailboxes so the final snapshot sees every applied
	// event.
	deps.pool.Wait()

	logger.Info("rankstream stopped")
}

// dependencies holds all initialized service dependencies.
type dependencies struct {
	server    *api.Server
	processor *processor.Service
	pool      *worker.Pool
	snapshots *snapshot.Manager
	janitor   *counter.Janitor
}

// initDependencies creates and wires all service dependencies based on config.
// Returns the dependencies and a cleanup function.
func initDependencies(cfg *config.Config, logger *slog.Logger) (*dependencies, func(), error) {
	var (
		exact        counter.Store
		dedupStore   dedup.Store
		snapStore    snapshot.Store
		producer     queue.Producer
		consumer     queue.Consumer
		replayer     snapshot.LogReplayer
		cleanupFuncs []func()
	)

	if cfg.Storage.UseMemory() {
		// Initialize in-memory implementations
		logger.Info("initializing in-memory storage")

		memCounter := memorycounter.NewStore()
		exact = memCounter
		cleanupFuncs = append(cleanupFuncs, func() { _ = memCounter.Close() })

		memDedup := memorydedup.NewStore(cfg.Ranking.DedupHorizon)
		dedupStore = memDedup
		cleanupFuncs = append(cleanupFuncs, func() { _ = memDedup.Close() })

		snapStore = memorysnap.NewStore()

		memQueue := memoryqueue.NewQueue(10000)
		producer = memQueue
		consumer = memQueue
		replayer = memQueue
		cleanupFuncs = append(cleanupFuncs, func() { _ = memQueue.Close() })
	} else {
		// Initialize real storage implementations
		logger.Info("initializing production storage (Kafka, Redis, PostgreSQL)")

		// Initialize PostgreSQL
		ctx := context.Background()
		db, err := postgressnap.NewDB(ctx, &cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		cleanupFuncs = append(cleanupFuncs, db.Close)

		// Run migrations
		if err := db.RunMigrations(ctx); err != nil {
			return nil, nil, err
		}
		logger.Info("database migrations completed")

		snapStore = postgressnap.NewStore(db)

		// Initialize Redis
		redisCounter, err := rediscounter.NewStore(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		exact = redisCounter
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisCounter.Close() })

		redisDedup, err := redisdedup.NewStore(&cfg.Redis, cfg.Ranking.DedupHorizon)
		if err != nil {
			return nil, nil, err
		}
		dedupStore = redisDedup
		cleanupFuncs = append(cleanupFuncs, func() { _ = redisDedup.Close() })

		// Initialize Kafka
		kafkaProducer := kafkaqueue.NewProducer(&cfg.Kafka)
		producer = kafkaProducer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaProducer.Close() })

		kafkaConsumer := kafkaqueue.NewConsumer(&cfg.Kafka, logger)
		consumer = kafkaConsumer
		replayer = kafkaConsumer
		cleanupFuncs = append(cleanupFuncs, func() { _ = kafkaConsumer.Close() })
	}

	// Candidate tracker shared by the write and read paths
	tr := tracker.New(cfg.Ranking.TrackerCapacity())

	// Per-scope applied-offset markers, advanced by the workers and
	// recorded into snapshots
	markers := processor.NewMarkers()

	// Scope-sharded writer pool
	pool := worker.NewPool(
		cfg.Ranking.WorkerCount,
		cfg.Ranking.MailboxSize,
		cfg.Ranking.CoalesceHighWater,
		exact,
		tr,
		domain.Windows(),
		markers,
		logger,
	)

	// Query server
	queryServer := query.NewServer(exact, tr, query.Options{
		KMax:                cfg.Ranking.KMax,
		CandidateMultiplier: cfg.Ranking.CandidateMultiplier,
		MinCandidates:       cfg.Ranking.MinCandidates,
		MaxScanItems:        cfg.Ranking.MaxExactScanItems,
		BucketWidth:         cfg.Ranking.BucketWidth,
	}, logger)

	// Event router and late-event reconciler
	rt := router.New(
		dedupStore,
		cfg.Ranking.BucketWidth,
		cfg.Ranking.LatenessTolerance,
		cfg.Ranking.ReconcileHorizon,
		logger,
	)
	reconciler := reconcile.New(pool, queryServer, logger)

	// Processor service
	processorService := processor.NewService(consumer, rt, pool, reconciler, markers, logger)

	// Snapshot manager; recovery replays the log tail past the markers
	snapshots := snapshot.NewManager(
		snapStore,
		exact,
		markers,
		replayer,
		cfg.Ranking.SnapshotInterval,
		cfg.Ranking.SnapshotRetain,
		logger,
	)

	// Archive janitor folds buckets beyond the widest bounded window
	janitor := counter.NewJanitor(
		exact,
		cfg.Ranking.BucketWidth,
		domain.Window30d.Duration(),
		cfg.Ranking.ArchiveInterval,
		logger,
	)

	// Candidate table rebuilder for the admin surface
	rebuilder := tracker.NewRebuilder(
		exact,
		tr,
		cfg.Ranking.BucketWidth,
		cfg.Ranking.MaxExactScanItems,
		logger,
	)

	// Initialize ingest service
	ingestService := ingest.NewService(producer, logger)

	// Initialize API handlers
	ingestHandler := api.NewIngestHandler(ingestService, logger)
	queryHandler := api.NewQueryHandler(queryServer, cfg.Ranking.QueryTimeout, logger)
	adminHandler := api.NewAdminHandler(snapshots, rebuilder, exact, dedupStore, logger)

	// Initialize HTTP server
	server := api.NewServer(api.ServerDeps{
		Config:        &cfg.Server,
		Logger:        logger,
		IngestHandler: ingestHandler,
		QueryHandler:  queryHandler,
		AdminHandler:  adminHandler,
	})

	// Build cleanup function
	cleanup := func() {
		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			cleanupFuncs[i]()
		}
	}

	return &dependencies{
		server:    server,
		processor: processorService,
		pool:      pool,
		snapshots: snapshots,
		janitor:   janitor,
	}, cleanup, nil
}

// initLogger creates and configures the application logger.
func initLogger(cfg *config.LoggerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}
