package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/ngome/internal/config"
	"github.com/jkaninda/ngome/internal/executor"
	"github.com/jkaninda/ngome/internal/gateway"
	"github.com/jkaninda/ngome/internal/observability"
	"github.com/jkaninda/ngome/internal/runtime"
	"github.com/jkaninda/ngome/internal/session"
	"github.com/jkaninda/ngome/internal/storage"
	"github.com/jkaninda/ngome/internal/workspace"
)

// SharedComponents holds the initialized subsystems both serve and exec
// modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     *storage.Store
	Metrics   *observability.MetricsCollector
	Tracing   *observability.TracerSetup // nil = tracing disabled
	Sessions  *session.Manager
	Connector *gateway.Connector
	Executor  *executor.Executor

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared performs all common initialization. Logs go to stderr:
// serve mode owns stdout for the MCP stdio transport.
func initShared(configPath, catalogPath string) (*SharedComponents, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	sc := &SharedComponents{Config: cfg, Logger: logger}

	// Workspace.
	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	// Observability.
	sc.Metrics = observability.NewMetricsCollector()
	if cfg.Observability != nil && cfg.Observability.Tracing != nil {
		tracing, err := observability.NewTracerSetup(cfg.Observability.Tracing)
		if err != nil {
			return nil, fmt.Errorf("initializing tracing: %w", err)
		}
		sc.Tracing = tracing
		sc.addCleanup(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(shutdownCtx)
		})
	}
	seclog := observability.NewSecurityLogger(ws.SecurityLogPath(), logger, sc.Metrics)

	// Storage.
	store, err := storage.Open(cfg.Storage, ws.DatabasePath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Sessions.
	sessions, err := session.NewManager(ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing session manager: %w", err)
	}
	sc.Sessions = sessions
	sc.addCleanup(sessions.Close)

	// Guest runtimes.
	runtimes := runtime.NewRegistry(
		runtime.NewDeno(cfg.Sandbox.DenoPath, logger),
		runtime.NewPython(cfg.Sandbox.PythonPath, logger),
	)

	// Catalog: upstream MCP servers plus static tools, per catalog file.
	connector := gateway.NewConnector(logger)
	sc.Connector = connector
	sc.addCleanup(connector.Close)

	var deployments executor.DeploymentStore
	if catalogPath != "" {
		file, err := gateway.LoadFile(catalogPath)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		connector.AddStatic(file.Tools)
		connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, up := range file.Upstreams {
			if err := connector.Connect(connectCtx, up); err != nil {
				// A dead upstream degrades the catalog, not the sandbox.
				logger.Error("upstream failed, skipping",
					slog.String("server", up.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		cancel()
		deployments = file.DeploymentStore()
	} else {
		deployments = (&gateway.File{}).DeploymentStore()
	}

	opts := executor.Options{
		Config:      cfg,
		Deployments: deployments,
		ToolCatalog: connector,
		Invoker:     connector.Invoke,
		Sessions:    sessions,
		Runtimes:    runtimes,
		Store:       store,
		Metrics:     sc.Metrics,
		SecurityLog: seclog,
		Logger:      logger,
	}
	if sc.Tracing != nil {
		opts.Tracer = sc.Tracing.Tracer()
	}
	sc.Executor = executor.New(opts)
	return sc, nil
}

func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}
