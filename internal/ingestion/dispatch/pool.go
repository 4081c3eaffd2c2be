// Package dispatch runs orchestrator invocations on a pool of in-process
// workers that lease sessions through the database.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// Advancer is the orchestrator entry point a worker calls with its lease.
type Advancer interface {
	Advance(ctx context.Context, id uuid.UUID, claim *uuid.UUID) (*ingestion.UploadSession, error)
}

type Config struct {
	Concurrency  int
	PollInterval time.Duration
	// StaleAfter is how long a lease survives without a heartbeat.
	StaleAfter time.Duration
	Heartbeat  time.Duration
}

func ConfigFromEnv() Config {
	stale := envutil.Duration("INGEST_CLAIM_STALE_AFTER", 2*time.Minute)
	return Config{
		Concurrency:  envutil.Int("INGEST_WORKER_CONCURRENCY", 4),
		PollInterval: envutil.Duration("INGEST_POLL_INTERVAL", time.Second),
		StaleAfter:   stale,
		Heartbeat:    envutil.Duration("INGEST_HEARTBEAT_INTERVAL", stale/4),
	}
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.Heartbeat <= 0 || c.Heartbeat >= c.StaleAfter {
		c.Heartbeat = c.StaleAfter / 4
	}
	return c
}

type Pool struct {
	log      *logger.Logger
	repo     repos.UploadSessionRepo
	advancer Advancer
	cfg      Config
	wake     chan uuid.UUID
	wg       sync.WaitGroup
}

func NewPool(log *logger.Logger, repo repos.UploadSessionRepo, advancer Advancer, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		log:      log.With("component", "IngestWorkerPool"),
		repo:     repo,
		advancer: advancer,
		cfg:      cfg,
		wake:     make(chan uuid.UUID, 256),
	}
}

// Dispatch nudges an idle worker toward id. It never blocks; when every worker
// is busy the session waits for the next poll.
func (p *Pool) Dispatch(_ context.Context, id uuid.UUID) error {
	select {
	case p.wake <- id:
	default:
	}
	return nil
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Starting ingestion worker pool", "concurrency", p.cfg.Concurrency, "stale_after", p.cfg.StaleAfter)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.runLoop(ctx, i+1)
	}
}

// Wait blocks until every worker loop has returned after ctx ends.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) runLoop(ctx context.Context, workerID int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	log := p.log.With("worker_id", workerID)

	for {
		select {
		case <-ctx.Done():
			log.Info("Worker loop stopped")
			return
		case id := <-p.wake:
			token := uuid.New()
			ok, err := p.repo.Claim(dbctx.Context{Ctx: ctx}, id, token, p.staleBefore())
			if err != nil {
				log.Warn("Claim failed", "session_id", id, "error", err)
				continue
			}
			if ok {
				p.process(ctx, log, id, token)
			}
		case <-ticker.C:
			// Drain everything runnable before waiting for the next tick.
			for ctx.Err() == nil {
				token := uuid.New()
				s, err := p.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, token, p.staleBefore())
				if err != nil {
					log.Warn("ClaimNextRunnable failed", "error", err)
					break
				}
				if s == nil {
					break
				}
				p.process(ctx, log, s.ID, token)
			}
		}
	}
}

func (p *Pool) staleBefore() time.Time {
	return time.Now().UTC().Add(-p.cfg.StaleAfter)
}

func (p *Pool) process(ctx context.Context, log *logger.Logger, id, token uuid.UUID) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.heartbeat(runCtx, cancel, log, id, token)

	s, err := p.advance(runCtx, id, token)
	switch {
	case err == nil:
		log.Debug("Session advanced", "session_id", id, "phase", s.Phase)
	case errors.Is(err, pkgerrors.ErrConcurrentUpdate):
		log.Info("Session changed under worker; yielding", "session_id", id)
	case ctx.Err() != nil:
		// Shutdown: the lease lapses and another worker resumes the stage.
		return
	case runCtx.Err() != nil:
		log.Info("Run stopped after lease loss", "session_id", id, "error", err)
	default:
		log.Warn("Advance failed", "session_id", id, "error", err)
	}
	if relErr := p.repo.Release(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, id, token); relErr != nil {
		log.Warn("Release failed", "session_id", id, "error", relErr)
	}
}

func (p *Pool) advance(ctx context.Context, id, token uuid.UUID) (s *ingestion.UploadSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Advance panic", "session_id", id, "panic", r)
			err = fmt.Errorf("advance panic: %v", r)
		}
	}()
	return p.advancer.Advance(ctx, id, &token)
}

// heartbeat keeps the lease alive and cancels the run once it is lost.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, log *logger.Logger, id, token uuid.UUID) {
	t := time.NewTicker(p.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := p.repo.Heartbeat(dbctx.Context{Ctx: ctx}, id, token)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Heartbeat failed", "session_id", id, "error", err)
				}
				continue
			}
			if !ok {
				log.Info("Lease lost; stopping session", "session_id", id)
				cancel()
				return
			}
		}
	}
}
