// The parallel-work engine: serves the tool surface over stdio, runs
// coding agents in sandboxes, and streams progress over HTTP. Normally
// launched by parallel-work-supervisor.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/auth"
	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
	"github.com/parallelwork/parallelwork/internal/db"
	"github.com/parallelwork/parallelwork/internal/events/bus"
	"github.com/parallelwork/parallelwork/internal/executor"
	"github.com/parallelwork/parallelwork/internal/patch"
	"github.com/parallelwork/parallelwork/internal/recovery"
	"github.com/parallelwork/parallelwork/internal/sandbox"
	"github.com/parallelwork/parallelwork/internal/store"
	"github.com/parallelwork/parallelwork/internal/streaming"
	"github.com/parallelwork/parallelwork/internal/taskgraph"
	"github.com/parallelwork/parallelwork/internal/tools"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger. Output goes to stderr; stdout belongs to the
	// stdio protocol.
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting parallel-work engine", zap.String("engine_root", cfg.EngineRoot))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the persistence store
	database, err := db.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	st, err := store.New(database)
	if err != nil {
		log.Fatal("Failed to initialize store", zap.Error(err))
	}
	defer st.Close()

	// 4. Connect the event bus; empty URL selects the in-memory bus
	eventBus, err := bus.New(cfg.Events, log)
	if err != nil {
		log.Fatal("Failed to connect event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Agent credential reader
	authReader := auth.NewReader(log)
	if source, _, ok := authReader.Status(ctx); ok {
		log.Info("Agent credential available", zap.String("source", source))
	} else {
		log.Warn("No agent credential found; sandbox runs will fail until one is configured")
	}

	// 6. Container daemon and sandbox pool
	daemon, err := sandbox.NewDockerDaemon(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create container daemon client", zap.Error(err))
	}
	defer daemon.Close()

	pool := sandbox.NewPool(daemon, authReader, cfg.Pool, cfg.Docker.Image,
		cfg.Debug.SecureExecution, eventBus, st, log)
	if err := pool.Initialize(ctx); err != nil {
		// The engine still serves tools; execution requests report the
		// pool as unavailable until the daemon comes back.
		log.Warn("Sandbox pool unavailable", zap.Error(err))
	}
	defer pool.Shutdown(context.Background())

	// 7. Patch engine and host-side applier
	patchEngine := patch.NewEngine(daemon, log)
	applier := patch.NewApplier(st, log)

	// 8. Reconcile state left behind by a previous process before
	// accepting new work
	recovery.NewManager(daemon, st, log).Run(ctx)

	// 9. Agent execution manager
	manager := executor.NewManager(daemon, pool, patchEngine, applier, st, eventBus, cfg, log)
	manager.Start()
	defer manager.Shutdown()

	// 10. Task graph manager and manifest watcher
	tasksMgr := taskgraph.NewManager(log)
	watcher, err := taskgraph.NewWatcher(eventBus, log)
	if err != nil {
		log.Warn("Manifest watcher unavailable", zap.Error(err))
		watcher = nil
	} else {
		defer watcher.Close()
	}

	// 11. Streaming hub
	var hub *streaming.Hub
	var tracker tools.WorkspaceTracker
	if cfg.Streaming.Enabled {
		hub = streaming.NewHub(cfg.Streaming, eventBus, manager, manager, st, tasksMgr, log)
		if err := hub.Start(); err != nil {
			log.Warn("Failed to start streaming hub", zap.Error(err))
			hub = nil
		} else {
			tracker = hub
			log.Info("Streaming hub listening", zap.Int("port", cfg.Streaming.Port))
		}
	}
	if hub != nil {
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := hub.Shutdown(shutdownCtx); err != nil {
				log.Warn("Streaming hub shutdown failed", zap.Error(err))
			}
		}()
	}

	// 12. Serve the tool surface over stdio until the client disconnects
	// or a termination signal arrives
	srv := tools.NewServer(manager, tasksMgr, watcher, authReader, tracker, cfg, log)
	if err := srv.Serve(); err != nil {
		log.Error("Tool server exited with error", zap.Error(err))
	}

	log.Info("Shutting down parallel-work engine")
}
