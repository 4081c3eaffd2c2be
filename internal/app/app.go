package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/db"
	httpx "github.com/shortbird/pathweaver-2.0-sub015/internal/http"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/dispatch"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/observability"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime/bus"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/temporalx/session"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services
	SSEHub   *realtime.SSEHub
	Metrics  *observability.Metrics

	bus      bus.Bus
	pool     *dispatch.Pool
	runner   *session.Runner
	temporal temporalsdkclient.Client
	closers  []io.Closer

	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

// New loads configuration and wires every component. Nothing runs until Start.
func New(ctx context.Context) (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := NewWithConfig(ctx, log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}
	return a, nil
}

func NewWithConfig(ctx context.Context, log *logger.Logger, cfg Config) (*App, error) {
	a := &App{Log: log, Cfg: cfg, SSEHub: realtime.NewSSEHub(log)}

	a.otelShutdown = observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
	})
	if cfg.MetricsEnabled {
		a.Metrics = observability.Init()
	}

	theDB, err := OpenDB(log, cfg)
	if err != nil {
		return nil, err
	}
	a.DB = theDB
	if cfg.AutoMigrate {
		if err := db.AutoMigrateAll(theDB); err != nil {
			return nil, fmt.Errorf("automigrate: %w", err)
		}
	}

	a.Repos = wireRepos(theDB, log)

	if cfg.Redis.Addr != "" {
		b, err := bus.NewRedisBus(log, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("init redis bus: %w", err)
		}
		a.bus = b
	}

	services, err := a.wireServices(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Services = services

	if err := a.wireDispatch(); err != nil {
		a.Close()
		return nil, err
	}

	a.Router = httpx.NewRouter(a.wireRouterConfig())
	return a, nil
}

// OpenDB connects to the configured database without migrating it.
func OpenDB(log *logger.Logger, cfg Config) (*gorm.DB, error) {
	if cfg.DBDriver == "sqlite" {
		log.Info("Opening sqlite database", "path", cfg.SQLitePath)
		return db.OpenSQLite(cfg.SQLitePath, false)
	}
	pg, err := db.NewPostgresService(log)
	if err != nil {
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	return pg.DB(), nil
}

// wireDispatch picks the pool or Temporal as the orchestrator's dispatcher.
func (a *App) wireDispatch() error {
	orch := a.Services.Orchestrator
	switch a.Cfg.DispatchMode {
	case DispatchTemporal:
		tc, err := newTemporalClient(a.Log, a.Cfg.Temporal)
		if err != nil {
			return fmt.Errorf("init temporal client: %w", err)
		}
		a.temporal = tc
		orch.SetDispatcher(session.NewDispatcher(tc, a.Cfg.Temporal.TaskQueue))
		if a.Cfg.RunWorker {
			a.runner, err = session.NewRunner(a.Log, tc, a.Cfg.Temporal, &session.Activities{
				Log:        a.Log,
				Repo:       a.Repos.UploadSession,
				Advancer:   orch,
				StaleAfter: a.Cfg.Pool.StaleAfter,
			})
			if err != nil {
				return err
			}
		}
	default:
		a.pool = dispatch.NewPool(a.Log, a.Repos.UploadSession, orch, a.Cfg.Pool)
		orch.SetDispatcher(a.pool)
	}
	return nil
}

// Start launches background work: the ingestion worker, the realtime relay and
// metrics collection. It is a no-op on a started app.
func (a *App) Start() error {
	if a == nil || a.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if a.bus != nil {
		if err := a.bus.StartForwarder(ctx, a.SSEHub.Broadcast); err != nil {
			return fmt.Errorf("start realtime forwarder: %w", err)
		}
	}
	if a.Cfg.RunWorker {
		if a.pool != nil {
			a.pool.Start(ctx)
		}
		if a.runner != nil {
			if err := a.runner.Start(ctx); err != nil {
				return err
			}
		}
	}
	if a.Metrics != nil {
		a.Metrics.StartSessionCollector(ctx, a.Log, a.Repos.UploadSession, a.Cfg.SessionMetricsPeriod)
		a.Metrics.StartServer(ctx, a.Log, a.Cfg.MetricsAddr)
	}
	return nil
}

// Run serves HTTP until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.Router == nil {
		return errors.New("app not initialized")
	}
	srv := &httpx.Server{Engine: a.Router}
	return srv.Run(ctx, a.Cfg.HTTPAddr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.pool != nil {
		a.pool.Wait()
	}
	if a.temporal != nil {
		a.temporal.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.Log.Warn("Closing realtime bus failed", "error", err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Log.Warn("Closing client failed", "error", err)
		}
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.otelShutdown(ctx)
		cancel()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Sync()
}
