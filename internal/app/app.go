// Package app wires the partman service together and manages its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	grpcapi "github.com/arkilian/partman/internal/api/grpc"
	httpapi "github.com/arkilian/partman/internal/api/http"
	"github.com/arkilian/partman/internal/catalog"
	"github.com/arkilian/partman/internal/config"
	"github.com/arkilian/partman/internal/ddl"
	"github.com/arkilian/partman/internal/inval"
	"github.com/arkilian/partman/internal/logging"
	"github.com/arkilian/partman/internal/server"
	"github.com/arkilian/partman/internal/session"
	"github.com/arkilian/partman/internal/snapshot"
	"github.com/arkilian/partman/internal/storage"
	"github.com/arkilian/partman/internal/worker"
)

// databaseID identifies this catalog in creation requests.
const databaseID = 1

// App holds the service components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	Catalog     *catalog.Catalog
	DDL         *ddl.Manager
	Supervisor  *worker.Supervisor
	Coordinator *worker.Coordinator
	Sessions    *session.Pool
	Snapshots   *snapshot.Store

	shutdown *server.ShutdownManager
}

// New validates cfg and opens the catalog, the worker supervisor, the session
// pool and the snapshot store. Close releases them when Run is not used.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	if logger == nil {
		logger = logging.Get()
	}

	a := &App{cfg: cfg, logger: logger}
	shutdownCfg := server.DefaultShutdownConfig()
	shutdownCfg.Logger = logger.With("component", "shutdown")
	a.shutdown = server.NewShutdownManager(shutdownCfg)

	cat, err := catalog.Open(cfg.Catalog.Path, catalog.Options{BusyTimeout: cfg.Catalog.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	a.Catalog = cat
	a.shutdown.RegisterCloser("catalog", cat)
	logger.Info("catalog opened", "path", cfg.Catalog.Path)

	st, err := openStorage(ctx, cfg.Snapshot)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize snapshot storage: %w", err)
	}
	a.Snapshots = snapshot.NewStore(st, logger.With("component", "snapshot"))
	logger.Info("snapshot storage initialized", "type", cfg.Snapshot.Type)

	a.DDL = ddl.NewManager(cat, ddl.NewLocks(), logger.With("component", "ddl"))
	a.Supervisor = worker.NewSupervisor(worker.SupervisorConfig{
		MaxWorkers: cfg.Workers.MaxWorkers,
		Logger:     logger.With("component", "worker-supervisor"),
	})
	a.shutdown.RegisterCloser("workers", server.CloserFunc(func() error {
		return a.Supervisor.Shutdown(context.Background())
	}))
	a.Coordinator = worker.NewCoordinator(a.Supervisor, cat, a.DDL, worker.CoordinatorConfig{
		DatabaseID:   databaseID,
		StartTimeout: cfg.Workers.StartTimeout,
		Logger:       logger.With("component", "worker-coordinator"),
	})
	a.Sessions = session.NewPool(cat, cat.Bus(), a.Coordinator, session.PoolConfig{
		Size:       cfg.HTTP.Sessions,
		AutoCreate: cfg.Workers.AutoCreate,
		Logger:     logger.With("component", "session"),
	})
	a.shutdown.RegisterCloser("sessions", a.Sessions)

	return a, nil
}

func openStorage(ctx context.Context, cfg config.SnapshotConfig) (storage.ObjectStorage, error) {
	switch cfg.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Path)
	case "s3":
		return storage.NewS3Storage(ctx, cfg.S3.Bucket, storage.S3Config{
			Region:       cfg.S3.Region,
			Endpoint:     cfg.S3.Endpoint,
			UsePathStyle: cfg.S3.Endpoint != "",
		})
	default:
		return nil, fmt.Errorf("unsupported snapshot storage type: %s", cfg.Type)
	}
}

// handler returns the HTTP API, the table and snapshot endpoints plus
// /health, and the table handler whose activity counters need expiring.
func (a *App) handler() (http.Handler, *httpapi.TablesHandler) {
	mux := http.NewServeMux()
	mw := httpapi.ChainMiddleware(server.ShutdownMiddleware(a.shutdown), httpapi.DefaultMiddleware(a.logger.With("component", "http")))
	tables := httpapi.NewTablesHandler(a.Catalog, a.DDL, a.Sessions, a.logger.With("component", "http"))
	tables.Register(mux, mw)
	httpapi.NewSnapshotsHandler(a.Catalog, a.Snapshots, a.logger.With("component", "http")).Register(mux, mw)
	mux.HandleFunc("GET /health", a.healthHandler)
	return mux, tables
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := a.Catalog.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"unavailable","service":"partman"}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","service":"partman"}`)
}

// Run serves HTTP and, when enabled, gRPC health until ctx is done or a
// termination signal arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		a.Close()
		return fmt.Errorf("failed to listen on HTTP address: %w", err)
	}
	var grpcLis net.Listener
	if a.cfg.GRPC.Enabled {
		if grpcLis, err = net.Listen("tcp", a.cfg.GRPC.Addr); err != nil {
			httpLis.Close()
			a.Close()
			return fmt.Errorf("failed to listen on gRPC address: %w", err)
		}
	}
	return a.Serve(ctx, httpLis, grpcLis)
}

// Serve is Run on listeners the caller opened. grpcLis may be nil.
func (a *App) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Background loops stop before the closers run.
	a.shutdown.OnShutdownStart(cancel)
	g, gctx := errgroup.WithContext(ctx)

	handler, tables := a.handler()
	httpServer := &http.Server{
		Handler:      handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser("http", server.HTTPServerCloser{Server: httpServer})
	g.Go(func() error {
		a.logger.Info("HTTP server listening", "addr", httpLis.Addr().String())
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcLis != nil {
		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(grpcapi.UnaryInterceptor(a.logger.With("component", "grpc"))))
		health := grpcapi.NewHealthChecker(a.Catalog, grpcapi.HealthConfig{Logger: a.logger.With("component", "grpc-health")})
		health.Register(grpcServer)
		a.shutdown.RegisterCloser("grpc", server.CloserFunc(func() error {
			grpcServer.GracefulStop()
			return nil
		}))
		g.Go(func() error { return health.Run(gctx) })
		g.Go(func() error {
			a.logger.Info("gRPC server listening", "addr", grpcLis.Addr().String())
			return grpcServer.Serve(grpcLis)
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-a.shutdown.ShutdownCh():
				return nil
			case <-ticker.C:
				tables.Activity().Expire()
			}
		}
	})

	sub := a.Catalog.Bus().Subscribe()
	g.Go(func() error {
		watchChanges(gctx, sub, a.logger.With("component", "catalog-changes"))
		return nil
	})

	g.Go(func() error {
		err := a.shutdown.ListenForSignals(gctx)
		a.Catalog.Bus().Unsubscribe(sub.ID)
		return err
	})

	return g.Wait()
}

// watchChanges logs committed catalog changes until ctx is done or sub is
// closed.
func watchChanges(ctx context.Context, sub *inval.Subscriber, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.Ch:
			if !ok {
				return
			}
			if sub.Overflowed() {
				logger.Warn("catalog change notifications were dropped")
			}
			logger.Debug("catalog changed", "kind", n.Kind.String(), "relation", n.Relation)
		}
	}
}

// Close shuts down every component opened by New.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "closed")
}
