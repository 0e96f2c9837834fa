package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskweave/taskweave/internal/compression"
	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/contextbuilder"
	"github.com/taskweave/taskweave/internal/embeddings"
	"github.com/taskweave/taskweave/internal/events"
	"github.com/taskweave/taskweave/internal/executor"
	"github.com/taskweave/taskweave/internal/health"
	"github.com/taskweave/taskweave/internal/memory"
	"github.com/taskweave/taskweave/internal/orchestrator"
	"github.com/taskweave/taskweave/internal/router"
	"github.com/taskweave/taskweave/internal/tokens"
	"github.com/taskweave/taskweave/internal/tracing"
	"github.com/taskweave/taskweave/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load("")
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	shutdownTracing, err := tracing.Initialize(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	// Bring up the admin endpoints early so liveness responds while the
	// rest of the stack is still starting.
	hm := health.NewManager(logger)
	adminMux := http.NewServeMux()
	health.NewHandler(hm, logger).RegisterRoutes(adminMux)
	adminMux.Handle("/metrics", promhttp.Handler())
	adminSrv := &http.Server{
		Addr:         cfg.Health.Addr,
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Admin HTTP server listening", zap.String("addr", cfg.Health.Addr))
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()

	store, err := openStore(cfg.Persistence, logger)
	if err != nil {
		logger.Fatal("Failed to open persistent store", zap.Error(err))
	}

	memOpts := []memory.Option{}
	if store != nil {
		memOpts = append(memOpts, memory.WithStore(store))
	}
	if cfg.Embeddings.Enabled {
		client, err := embeddings.NewClient(embeddings.Config{
			BaseURL:   cfg.Embeddings.BaseURL,
			Model:     cfg.Embeddings.Model,
			Timeout:   cfg.Embeddings.Timeout,
			CacheSize: cfg.Embeddings.CacheSize,
		}, logger)
		if err != nil {
			logger.Warn("Embedding client init failed, semantic retrieval disabled", zap.Error(err))
		} else if idx, err := memory.NewChromemIndex(client.Func(), logger); err != nil {
			logger.Warn("Semantic index init failed", zap.Error(err))
		} else {
			memOpts = append(memOpts, memory.WithSemanticIndex(idx))
		}
	}
	mgr := memory.NewManager(memory.Config{
		MaxWorkingMessages:             cfg.Memory.MaxWorkingMessages,
		MaxSummaries:                   cfg.Memory.MaxSummaries,
		MinImportance:                  cfg.Memory.MinImportance,
		RecentKeep:                     cfg.Memory.RecentKeep,
		MaxMessagesBeforeConsolidation: cfg.Memory.MaxMessagesBeforeConsolidation,
		ConsolidateInterval:            cfg.Memory.ConsolidateInterval,
		AutoConsolidate:                cfg.Memory.AutoConsolidate,
		MaxSummaryLength:               cfg.Memory.MaxSummaryLength,
	}, logger, memOpts...)

	bus := events.NewBus(events.Options{
		BufferSize: cfg.Events.BufferSize,
		RingSize:   cfg.Events.RingSize,
	}, logger)

	var relay *events.Relay
	if cfg.Events.Redis.Enabled {
		relay, err = events.NewRelay(events.RelayConfig{
			Addr:   cfg.Events.Redis.Addr,
			Stream: cfg.Events.Redis.Stream,
			MaxLen: cfg.Events.Redis.MaxLen,
		}, logger)
		if err != nil {
			logger.Warn("Event relay init failed, continuing without Redis mirror", zap.Error(err))
			relay = nil
		} else {
			relay.Start(ctx, bus)
		}
	}

	rtrOpts := []router.Option{}
	if cfg.Engine.DispatchRate > 0 {
		burst := int(cfg.Engine.DispatchRate)
		if burst < 1 {
			burst = 1
		}
		rtrOpts = append(rtrOpts, router.WithDispatchLimit(cfg.Engine.DispatchRate, burst))
	}
	rtr := router.New(bus, logger, rtrOpts...)

	reg := executor.NewRegistry(logger)
	execDir := getEnvOrDefault("TASKWEAVE_EXECUTORS_DIR", "executors")
	if err := reg.LoadDirectory(execDir); err != nil {
		logger.Fatal("Failed to load executor descriptors", zap.String("dir", execDir), zap.Error(err))
	}

	engine := workflow.NewEngine(workflow.Config{
		MaxConcurrentAgents: cfg.Engine.MaxConcurrentAgents,
		CheckpointDir:       cfg.Engine.CheckpointDir,
		CheckpointsEnabled:  cfg.Engine.CheckpointsEnabled,
		DefaultStepTimeout:  cfg.Engine.DefaultStepTimeout,
		CancelGrace:         cfg.Engine.CancelGrace,
	}, rtr, reg, bus, logger)

	// Descriptor-loaded executors are already in the registry; announce
	// them to the router so capability routing can see them.
	for _, e := range reg.All() {
		err := rtr.Register(router.AgentInfo{
			Name:         e.Name(),
			Capabilities: e.Capabilities(),
			MaxTasks:     e.MaxConcurrent(),
		})
		if err != nil {
			logger.Warn("Agent registration failed", zap.String("agent", e.Name()), zap.Error(err))
		}
	}
	if len(reg.Names()) == 0 {
		if err := engine.RegisterAgent(executor.NewEcho("echo", nil, 4)); err != nil {
			logger.Fatal("Failed to register fallback executor", zap.Error(err))
		}
		logger.Info("No executor descriptors found, registered built-in echo agent",
			zap.String("dir", execDir))
	}

	strategies := make([]compression.Strategy, 0, len(cfg.Compression.Strategies))
	for _, s := range cfg.Compression.Strategies {
		strategies = append(strategies, compression.Strategy(s))
	}
	estimator := tokens.NewEstimator(cfg.Context.ExactTokens, logger)
	pipeline := compression.NewPipeline(compression.Config{
		MaxTokens:   cfg.Compression.MaxTokens,
		TargetRatio: cfg.Compression.TargetRatio,
		Strategies:  strategies,
	}, estimator, logger)
	builder := contextbuilder.NewBuilder(contextbuilder.Config{
		CodebaseRoot:     cfg.Context.CodebaseRoot,
		DocsRoot:         cfg.Context.DocsRoot,
		MaxContextTokens: cfg.Context.MaxContextTokens,
		MaxFiles:         cfg.Context.MaxFiles,
		MaxDocs:          cfg.Context.MaxDocs,
		ExactTokens:      cfg.Context.ExactTokens,
	}, logger,
		contextbuilder.WithConversationSource(mgr),
		contextbuilder.WithPipeline(pipeline),
	)

	orch := orchestrator.New(orchestrator.Config{}, mgr, builder, engine, logger)

	// Readiness checks once the dependencies they probe exist.
	if store != nil {
		hm.Register(health.PingChecker("memory_store", mgr))
	}
	hm.Register(health.BusChecker(bus))

	cfgMgr := watchConfig(ctx, cfg, logger)

	logger.Info("taskweave started",
		zap.Int("executors", len(reg.Names())),
		zap.Int("agents", rtr.AgentCount()),
		zap.String("persistence", cfg.Persistence.Driver),
		zap.Bool("checkpoints", cfg.Engine.CheckpointsEnabled),
	)

	exitCode := 0
	switch {
	case os.Getenv("TASKWEAVE_GOAL") != "":
		wf, err := orch.SubmitGoal(ctx, os.Getenv("TASKWEAVE_GOAL"))
		exitCode = report(wf, err)
	case os.Getenv("TASKWEAVE_WORKFLOW") != "":
		wf, err := orch.RunDefinition(ctx, os.Getenv("TASKWEAVE_WORKFLOW"))
		exitCode = report(wf, err)
	default:
		<-ctx.Done()
		logger.Info("Shutdown signal received")
	}

	// Tear down in reverse bring-up order.
	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Shutdown(shutCtx); err != nil {
		logger.Warn("Admin HTTP server shutdown failed", zap.Error(err))
	}
	if cfgMgr != nil {
		cfgMgr.Stop()
	}
	if relay != nil {
		relay.Stop()
	}
	bus.Close()
	if err := mgr.Close(); err != nil {
		logger.Warn("Memory close failed", zap.Error(err))
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutCtx); err != nil {
			logger.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}
	logger.Info("taskweave stopped")

	if exitCode != 0 {
		_ = logger.Sync()
		os.Exit(exitCode)
	}
}

// openStore selects the persistent conversation log backend. An empty
// driver runs without persistence.
func openStore(cfg config.PersistenceConfig, logger *zap.Logger) (memory.Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			project := cfg.Project
			if project == "" {
				project = "default"
			}
			dsn = filepath.Join("memory", project, "memory.db")
		}
		return memory.NewSQLiteStore(dsn, logger)
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("persistence.dsn is required for the postgres driver")
		}
		return memory.NewPostgresStore(cfg.DSN, logger)
	default:
		return nil, fmt.Errorf("unknown persistence driver %q", cfg.Driver)
	}
}

// watchConfig hot-reloads the config file when one is in use. Engine and
// memory sizing only apply at restart; the watcher logs what a restart
// would pick up.
func watchConfig(ctx context.Context, current *config.Config, logger *zap.Logger) *config.Manager {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path == "" {
		return nil
	}
	cfgMgr, err := config.NewManager(path, current, logger)
	if err != nil {
		logger.Warn("Config watcher init failed", zap.Error(err))
		return nil
	}
	cfgMgr.OnChange(func(old, new *config.Config) {
		logger.Info("Configuration reloaded",
			zap.String("path", path),
			zap.Bool("engine_changed", old.Engine != new.Engine),
		)
	})
	if err := cfgMgr.Start(ctx); err != nil {
		logger.Warn("Config watcher start failed", zap.Error(err))
		return nil
	}
	return cfgMgr
}

// report prints a one-shot run outcome and maps it to an exit code.
func report(wf *workflow.Workflow, err error) int {
	if wf == nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	completed := 0
	for _, s := range wf.Steps {
		if s.Status == workflow.StatusCompleted {
			completed++
		}
	}
	fmt.Printf("workflow %s (%s): %s, %d/%d steps completed\n",
		wf.Name, wf.ID, wf.Status, completed, len(wf.Steps))
	for _, s := range wf.Steps {
		line := fmt.Sprintf("  %-20s %-10s agent=%s", s.ID, s.Status, s.AssignedAgent)
		if s.Error != "" {
			line += " error=" + s.Error
		}
		fmt.Println(line)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
