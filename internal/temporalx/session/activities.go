package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/dispatch"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type Activities struct {
	Log        *logger.Logger
	Repo       repos.UploadSessionRepo
	Advancer   dispatch.Advancer
	StaleAfter time.Duration
}

// Advance takes the session lease and runs the orchestrator until it stops.
func (a *Activities) Advance(ctx context.Context, sessionID string) (AdvanceResult, error) {
	res := AdvanceResult{SessionID: sessionID}
	id, err := uuid.Parse(sessionID)
	if err != nil {
		return res, fmt.Errorf("upload_session: invalid session id %q", sessionID)
	}
	stale := a.StaleAfter
	if stale <= 0 {
		stale = 2 * time.Minute
	}
	dbc := dbctx.Context{Ctx: ctx}
	token := uuid.New()
	claimed, err := a.Repo.Claim(dbc, id, token, time.Now().UTC().Add(-stale))
	if err != nil {
		return res, err
	}
	if !claimed {
		s, err := a.Repo.Get(dbc, id)
		if err != nil {
			return res, err
		}
		res.Phase, res.CanResume = string(s.Phase), s.CanResume
		// Paused and finished sessions are never claimable; only a live lease is "busy".
		_, running := s.Phase.RunningStage()
		res.Busy = running || s.Phase == ingestion.PhasePending
		return res, nil
	}

	stop := a.startHeartbeat(ctx, id, token, stale/4)
	s, advErr := a.advance(ctx, id, token)
	stop()
	if relErr := a.Repo.Release(dbctx.Context{Ctx: context.WithoutCancel(ctx)}, id, token); relErr != nil {
		a.Log.Warn("release lease failed", "session_id", id, "error", relErr)
	}
	if advErr != nil && !errors.Is(advErr, pkgerrors.ErrConcurrentUpdate) {
		return res, advErr
	}
	if s == nil {
		if s, err = a.Repo.Get(dbc, id); err != nil {
			return res, err
		}
	}
	res.Phase, res.CanResume = string(s.Phase), s.CanResume
	return res, nil
}

func (a *Activities) advance(ctx context.Context, id, token uuid.UUID) (s *ingestion.UploadSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("advance panic", "session_id", id, "panic", r)
			err = fmt.Errorf("advance panic: %v", r)
		}
	}()
	return a.Advancer.Advance(ctx, id, &token)
}

func (a *Activities) startHeartbeat(ctx context.Context, id, token uuid.UUID, every time.Duration) func() {
	done := make(chan struct{})
	go func() {
		temporalHB := time.NewTicker(10 * time.Second)
		defer temporalHB.Stop()
		dbHB := time.NewTicker(every)
		defer dbHB.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-temporalHB.C:
				activity.RecordHeartbeat(ctx)
			case <-dbHB.C:
				if _, err := a.Repo.Heartbeat(dbctx.Context{Ctx: ctx}, id, token); err != nil {
					a.Log.Warn("lease heartbeat failed", "session_id", id, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
