package app

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	learningrepo "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/learning"
	httpx "github.com/shortbird/pathweaver-2.0-sub015/internal/http"
	httpH "github.com/shortbird/pathweaver-2.0-sub015/internal/http/handlers"
	httpMW "github.com/shortbird/pathweaver-2.0-sub015/internal/http/middleware"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/intake"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/materialize"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/pipeline"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/review"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/align"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/generate"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/parse"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/structure"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/temporalx"
)

type Repos struct {
	UploadSession repos.UploadSessionRepo
	Quest         learningrepo.QuestRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		UploadSession: repos.NewUploadSessionRepo(db, log),
		Quest:         learningrepo.NewQuestRepo(db, log),
	}
}

type Services struct {
	Blobs        blob.Store
	Publisher    progress.Publisher
	Orchestrator *pipeline.Orchestrator
	Intake       *intake.Service
	Review       *review.Service
	Verifier     *authtoken.Verifier
}

var newTemporalClient = temporalx.NewClient

func (a *App) wireServices(ctx context.Context) (Services, error) {
	log, cfg := a.Log, a.Cfg
	log.Info("Wiring services...")

	blobs, closer, err := resolveBlobStore(ctx, log, cfg.Storage)
	if err != nil {
		return Services{}, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	set, err := a.wireStages(ctx)
	if err != nil {
		return Services{}, err
	}

	var relay realtime.Relay
	if a.bus != nil {
		relay = a.bus
	}
	publisher := realtime.NewProgressPublisher(log, a.SSEHub, relay)

	var observer pipeline.StageObserver
	if a.Metrics != nil {
		observer = a.Metrics
	}
	orch, err := pipeline.New(pipeline.Deps{
		Log:            log,
		Repo:           a.Repos.UploadSession,
		Stages:         set,
		Blobs:          blobs,
		Publisher:      publisher,
		Observer:       observer,
		MaxSourceBytes: cfg.MaxUploadBytes,
	})
	if err != nil {
		return Services{}, err
	}

	reviewSvc, err := review.New(review.Deps{
		DB:           a.DB,
		Log:          log,
		Repo:         a.Repos.UploadSession,
		Materializer: materialize.New(a.DB, log, a.Repos.Quest),
		Dispatcher:   orch,
		Publisher:    publisher,
	})
	if err != nil {
		return Services{}, err
	}

	verifier, err := authtoken.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return Services{}, err
	}

	return Services{
		Blobs:        blobs,
		Publisher:    publisher,
		Orchestrator: orch,
		Intake:       intake.New(log, a.Repos.UploadSession, blobs, orch, cfg.MaxUploadBytes),
		Review:       reviewSvc,
		Verifier:     verifier,
	}, nil
}

func (a *App) wireStages(ctx context.Context) (stages.Set, error) {
	log, cfg := a.Log, a.Cfg

	client, err := llm.New(cfg.LLM, log)
	if err != nil {
		return nil, fmt.Errorf("init capability client: %w", err)
	}
	conventions, err := align.LoadConventionsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("load conventions: %w", err)
	}

	var ocr parse.OCR
	if cfg.DocAI.Enabled() {
		docOCR, err := gcp.NewDocumentOCR(ctx, log, cfg.DocAI)
		if err != nil {
			return nil, fmt.Errorf("init document ocr: %w", err)
		}
		a.closers = append(a.closers, docOCR)
		ocr = docOCR
	}

	var observe stages.CallObserver
	if a.Metrics != nil {
		observe = a.Metrics.ObserveCapabilityCall
	}
	aligner, err := align.New(log, align.Config{
		Client:      client,
		Conventions: conventions,
		Retry:       cfg.Retry,
		Concurrency: cfg.AlignConcurrency,
		Observe:     observe,
	})
	if err != nil {
		return nil, err
	}
	generator, err := generate.New(log, generate.Config{
		Client:      client,
		Retry:       cfg.Retry,
		Concurrency: cfg.GenerateConcurrency,
		Observe:     observe,
	})
	if err != nil {
		return nil, err
	}
	return stages.NewSet(
		parse.New(log, ocr, cfg.Parse),
		structure.New(log),
		aligner,
		generator,
	)
}

func (a *App) wireRouterConfig() httpx.RouterConfig {
	a.Log.Info("Wiring handlers...")
	s := a.Services
	return httpx.RouterConfig{
		Log:            a.Log,
		ServiceName:    a.Cfg.ServiceName,
		Metrics:        a.Metrics,
		AuthMiddleware: httpMW.NewAuthMiddleware(a.Log, s.Verifier),
		UploadSessionHandler: httpH.NewUploadSessionHandler(httpH.UploadSessionDeps{
			Log:       a.Log,
			Repo:      a.Repos.UploadSession,
			Intake:    s.Intake,
			Lifecycle: s.Orchestrator,
			Review:    s.Review,
			Hub:       a.SSEHub,
		}),
		HealthHandler: httpH.NewHealthHandler(sqlPinger(a.DB)),
	}
}

func sqlPinger(db *gorm.DB) httpH.Pinger {
	sqlDB, err := db.DB()
	if err != nil {
		return nil
	}
	return sqlDB
}
