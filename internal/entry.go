// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/laguz/internal/api"
	"github.com/starford/laguz/internal/convert"
	"github.com/starford/laguz/internal/local"
	"github.com/starford/laguz/internal/mcpserver"
	"github.com/starford/laguz/internal/metrics"
	"github.com/starford/laguz/internal/orchestrator"
	"github.com/starford/laguz/internal/remote"
	"github.com/starford/laguz/internal/source"
	"github.com/starford/laguz/internal/sse"
	"github.com/starford/laguz/internal/state"
	"github.com/starford/laguz/internal/storage"
	"github.com/starford/laguz/internal/syncservice"
)

// engine is everything Run wires together.
type engine struct {
	cfg     *Config
	logger  *slog.Logger
	db      *state.DB
	fs      *storage.FS
	store   *local.Store
	client  *remote.Client
	metrics *metrics.Metrics
	broker  *sse.Broker
	orch    *orchestrator.Orchestrator
}

// Run starts the application with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{version: "dev"}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Stdout carries the MCP protocol when it is enabled.
	var logOut io.Writer = os.Stdout
	if cfg.App.MCP {
		logOut = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("local_path", cfg.Local.Path),
		slog.String("state_path", cfg.State.Path),
		slog.String("remote_url", cfg.Remote.BaseURL),
		slog.String("policy", string(cfg.Sync.Policy)),
		slog.Bool("once", app.once),
		slog.String("log_level", cfg.App.LogLevel.String()))

	e, err := newEngine(cfg, logger, !app.once)
	if err != nil {
		return err
	}
	defer e.close()

	if app.once {
		return e.runOnce(ctx)
	}
	return e.serve(ctx, app.version)
}

func newEngine(cfg *Config, logger *slog.Logger, retry bool) (*engine, error) {
	if err := os.MkdirAll(cfg.Local.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create local dir: %w", err)
	}
	fs, err := storage.NewFS(cfg.Local.Path, storage.WithExclude(cfg.Local.ConflictDir))
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	props, err := convert.NewPropertyTable(cfg.Remote.TitleProperty, cfg.Local.IDKey, cfg.Sync.Properties)
	if err != nil {
		return nil, fmt.Errorf("init property mapping: %w", err)
	}

	db, err := state.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	m := metrics.New()
	client := remote.NewClient(remote.Config{
		BaseURL:        cfg.Remote.BaseURL,
		Token:          cfg.Remote.Token,
		DatabaseID:     cfg.Remote.DatabaseID,
		PageSize:       cfg.Remote.PageSize,
		RequestTimeout: cfg.Remote.RequestTimeout,
		MaxRetries:     cfg.Remote.MaxRetries,
		MaxBackoff:     cfg.Remote.MaxBackoff,
	}, logger, remote.WithObserver(m.ObserveRemote))

	store := local.New(fs, convert.NewLocal(cfg.Local.IDKey, props), logger)
	broker := sse.NewBroker(2 * time.Second)

	orch := orchestrator.New(orchestrator.Config{
		Policy:          cfg.Sync.Policy,
		Workers:         cfg.Sync.Workers,
		ShutdownTimeout: cfg.Sync.ShutdownTimeout,
		ConflictDir:     cfg.Local.ConflictDir,
		Retry:           retry,
		MaxBackoff:      cfg.Remote.MaxBackoff,
	}, client, store, db, convert.NewRemote(props), logger,
		orchestrator.WithMetrics(m),
		orchestrator.WithPublisher(broker))

	return &engine{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		fs:      fs,
		store:   store,
		client:  client,
		metrics: m,
		broker:  broker,
		orch:    orch,
	}, nil
}

func (e *engine) close() {
	e.broker.Close()
	if err := e.db.Close(); err != nil {
		e.logger.Error("state store close failed", slog.String("error", err.Error()))
	}
}

// runOnce reconciles both sides, waits for every resulting apply and exits.
func (e *engine) runOnce(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		err := e.orch.Run(runCtx)
		cancel()
		done <- err
	}()

	n, err := source.Reconcile(runCtx, e.client, e.store, e.db, e.orch, e.logger)
	if err == nil {
		err = e.orch.WaitIdle(runCtx)
	}
	cancel()
	if runErr := <-done; runErr != nil {
		return runErr
	}
	if ctx.Err() != nil {
		e.logger.Warn("Reconciliation interrupted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	st, err := syncservice.NewService(e.db, e.orch).Status(context.Background())
	if err != nil {
		return err
	}
	e.logger.Info("Reconciliation finished",
		slog.Int("events", n),
		slog.Int("synced", st.Records["synced"]),
		slog.Int("pending_conflict", st.Records["pending_conflict"]),
		slog.Int("halted", len(st.Halted)))
	return nil
}

// serve runs the engine, its change sources and the status surfaces until
// a signal arrives or the orchestrator fails.
func (e *engine) serve(ctx context.Context, version string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	svc := syncservice.NewService(e.db, e.orch)
	poller := source.NewRemotePoller(e.client, e.db, e.orch, e.cfg.Remote.PollInterval, e.cfg.Remote.MaxBackoff, e.logger, e.metrics)
	watcher := source.NewLocalWatcher(e.fs, e.store, e.cfg.Local.ConflictDir, e.cfg.Local.Debounce, e.orch, e.logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.orch.Run(gCtx)
	})

	// Watch first, then reconcile, so nothing changed during the scan is lost.
	g.Go(func() error {
		if err := watcher.Run(gCtx); err != nil {
			return fmt.Errorf("local watcher: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		n, err := source.Reconcile(gCtx, e.client, e.store, e.db, e.orch, e.logger)
		if err != nil {
			e.logger.Error("Initial reconciliation failed", slog.String("error", err.Error()))
		} else {
			e.logger.Info("Initial reconciliation queued", slog.Int("events", n))
		}
		return poller.Run(gCtx)
	})

	var httpServer *http.Server
	if e.cfg.App.HTTP.Enabled() {
		httpServer = &http.Server{
			Addr:              e.cfg.App.HTTP.Address(),
			Handler:           e.router(svc),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			e.logger.Info("Starting HTTP server", slog.String("address", e.cfg.App.HTTP.Address()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	if e.cfg.App.MCP {
		srv := mcpserver.New(svc, version)
		g.Go(func() error {
			e.logger.Info("Starting MCP server on stdio")
			return srv.Serve(gCtx, os.Stdin, os.Stdout)
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			e.logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			e.logger.Info("Context cancelled, initiating shutdown")
		}
		cancel()

		if httpServer != nil {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				e.logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		e.logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	e.logger.Info("Sync engine stopped successfully")
	return nil
}

// router builds the HTTP surface: health checks, metrics and the API.
func (e *engine) router(svc *syncservice.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := e.db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", e.metrics.Handler())

	r.Mount("/api", api.NewRouter(svc, e.cfg.Auth.AuthEnabled(), e.cfg.Auth.Token, e.broker))
	return r
}
