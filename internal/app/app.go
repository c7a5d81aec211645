// Package app wires the alembic services into one process and manages their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alembic/alembic/internal/aggregate"
	httpapi "github.com/alembic/alembic/internal/api/http"
	"github.com/alembic/alembic/internal/config"
	alerrors "github.com/alembic/alembic/internal/errors"
	"github.com/alembic/alembic/internal/ingest"
	"github.com/alembic/alembic/internal/logging"
	"github.com/alembic/alembic/internal/publish"
	"github.com/alembic/alembic/internal/query"
	"github.com/alembic/alembic/internal/server"
	"github.com/alembic/alembic/internal/storage"
	"github.com/alembic/alembic/internal/store"
	"github.com/alembic/alembic/internal/tracing"
)

// Version is reported in traces. The CLI overrides it at link time.
var Version = "dev"

// App owns the store, the services built on it, the recompute daemon and
// the HTTP server.
type App struct {
	cfg *config.Config

	store     *store.Store
	ingest    *ingest.Service
	query     *query.Service
	engine    *aggregate.Engine
	publisher *publish.Publisher
	daemon    *aggregate.Daemon

	httpServer *http.Server
	listener   net.Listener
	shutdown   *server.ShutdownManager

	traceShutdown func(context.Context) error

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New validates cfg and prepares its directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, alerrors.NewStartupError(alerrors.CodeInvalidConfig, "invalid configuration", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to create directories", err)
	}

	return &App{cfg: cfg}, nil
}

// Open initializes logging, tracing, the store and the services. It does not
// start the daemon or the HTTP server.
func (a *App) Open(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	level, err := logging.ParseLevel(a.cfg.Log.Level)
	if err != nil {
		return alerrors.NewStartupError(alerrors.CodeInvalidConfig, "invalid log level", err)
	}
	logging.Init(level, a.cfg.Log.JSON)

	if a.cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, tracing.Config{
			ServiceName:    a.cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			UseStdout:      a.cfg.Tracing.Stdout,
		})
		if err != nil {
			return alerrors.NewStartupError(alerrors.CodeInvalidConfig, "failed to initialize tracing", err)
		}
		a.traceShutdown = shutdown
	}

	st, err := store.Open(ctx, a.cfg.Database.Path, store.Options{
		ReadPoolSize: a.cfg.Database.ReadPoolSize,
		BusyTimeout:  a.cfg.Database.BusyTimeout,
		Now:          time.Now,
	})
	if err != nil {
		a.shutdownTracing(ctx)
		return err
	}
	a.store = st

	a.ingest = ingest.NewService(st)
	a.query = query.NewService(st)
	a.engine = aggregate.NewEngine(st)

	var publisher aggregate.Publisher
	if a.cfg.Publish.Enabled {
		objects, err := storage.New(ctx, a.cfg.Publish.Storage)
		if err != nil {
			st.Close()
			a.shutdownTracing(ctx)
			return alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to initialize snapshot storage", err)
		}
		a.publisher = publish.NewPublisher(a.query, objects, a.cfg.Publish.Key)
		publisher = a.publisher

		if ok, err := a.publisher.Exists(ctx); err != nil {
			logging.Component("app").Warn("snapshot storage unreachable", "error", err)
		} else {
			logging.Component("app").Info("snapshot storage ready", "key", a.publisher.Key(), "existing_snapshot", ok)
		}
	}

	a.daemon = aggregate.NewDaemon(aggregate.DaemonConfig{
		Interval:   a.cfg.Aggregation.Interval,
		RunTimeout: a.cfg.Aggregation.RunTimeout,
	}, a.engine, publisher)

	logging.Component("app").Info("store opened",
		"path", st.Path(),
		"read_pool", a.cfg.Database.ReadPoolSize,
		"publish", a.cfg.Publish.Enabled,
	)
	return nil
}

// Start opens everything, starts the recompute daemon and begins serving
// HTTP. A bind or store failure is returned and nothing is left running.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is already running")
	}

	if err := a.Open(ctx); err != nil {
		return err
	}
	log := logging.Component("app")

	ln, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		a.closeResources(ctx)
		return alerrors.NewStartupError(alerrors.CodeOpenFailed, "failed to bind "+a.cfg.Addr(), err)
	}
	a.listener = ln

	a.shutdown = server.NewShutdownManager(server.ShutdownConfig{
		ShutdownTimeout: a.cfg.HTTP.WriteTimeout + 5*time.Second,
		DrainTimeout:    a.cfg.HTTP.WriteTimeout,
	})

	router := httpapi.NewRouter(httpapi.RouterConfig{
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
		RatePeriod:   a.cfg.RateLimit.RatePeriod(),
		RateBurst:    a.cfg.RateLimit.Burst,
	}, httpapi.Handlers{
		Ingest:   httpapi.NewIngestHandler(a.ingest),
		Insights: httpapi.NewInsightsHandler(a.query),
		Trigger:  httpapi.NewTriggerHandler(a.daemon),
		Status:   httpapi.NewStatusHandler(a.daemon),
	})

	var handler http.Handler = server.ShutdownMiddleware(a.shutdown)(router)
	if a.cfg.Tracing.Enabled {
		handler = otelhttp.NewHandler(handler, "alembic")
	}

	a.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	if err := a.daemon.Start(context.Background()); err != nil {
		ln.Close()
		a.closeResources(ctx)
		return err
	}

	// Closers run in reverse: HTTP drains first, then the daemon stops,
	// then the store closes.
	a.shutdown.RegisterCloser(server.CloserFunc(func() error {
		a.closeResources(context.Background())
		return nil
	}))
	a.shutdown.RegisterCloser(server.CloserFunc(a.daemon.Stop))
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.httpServer, a.cfg.HTTP.WriteTimeout))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Info("http server listening", "addr", ln.Addr().String())
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
		}
	}()

	a.running = true
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the HTTP server, daemon and store down in that order.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return err
}

// WaitForShutdown blocks until SIGINT, SIGTERM or ctx cancellation, then
// stops the app.
func (a *App) WaitForShutdown(ctx context.Context) error {
	if err := a.shutdown.ListenForSignals(ctx); err != nil {
		return err
	}
	return a.Stop(context.Background())
}

// RecomputeOnce runs a single recompute through the daemon's single-flight
// path, publishing a snapshot when enabled. Used by the CLI.
func (a *App) RecomputeOnce(ctx context.Context) (aggregate.Result, error) {
	if err := a.Open(ctx); err != nil {
		return aggregate.Result{}, err
	}
	return a.daemon.RunNow(ctx)
}

// LatestSnapshot reads the last published insights snapshot. It fails when
// publishing is disabled and returns publish.ErrNoSnapshot before the first
// publish.
func (a *App) LatestSnapshot(ctx context.Context) (*query.Insights, error) {
	if err := a.Open(ctx); err != nil {
		return nil, err
	}
	if a.publisher == nil {
		return nil, fmt.Errorf("snapshot publishing is disabled")
	}
	return a.publisher.Latest(ctx)
}

// Close releases resources opened by Open without a running server.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app is running; use Stop")
	}
	a.closeResources(context.Background())
	return nil
}

func (a *App) closeResources(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logging.Component("app").Warn("store close failed", "error", err)
		}
		a.store = nil
	}
	a.shutdownTracing(ctx)
}

func (a *App) shutdownTracing(ctx context.Context) {
	if a.traceShutdown == nil {
		return
	}
	if err := a.traceShutdown(ctx); err != nil {
		logging.Component("app").Warn("tracer shutdown failed", "error", err)
	}
	a.traceShutdown = nil
}
