package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/testutil"
	types "github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
)

func TestUploadSessionRepoCreateAndGet(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	uploader := uuid.New()
	s, err := repo.Create(dbc, CreateParams{SourceType: types.SourcePDF, Filename: "deck.pdf", SizeBytes: 1024, StorageKey: "k", UploaderID: uploader})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == uuid.Nil || s.Status != types.StatusPending || s.Phase != types.PhasePending {
		t.Fatalf("unexpected created session: %+v", s)
	}

	got, err := repo.Get(dbc, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Filename != "deck.pdf" || got.UploaderID != uploader || got.CreatedQuestID != nil {
		t.Fatalf("unexpected session: %+v", got)
	}

	if _, err := repo.Get(dbc, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Create(dbc, CreateParams{SourceType: "pptx", UploaderID: uploader}); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestUploadSessionRepoGuardedUpdate(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	seeded := testutil.SeedSession(t, ctx, db, nil)
	guard := GuardFor(seeded)

	if err := repo.Update(dbc, seeded.ID, guard, map[string]interface{}{
		"status": types.StatusProcessing,
		"phase":  types.PhaseRunningStage1,
	}); err != nil {
		t.Fatalf("first guarded update: %v", err)
	}

	// Same stale guard again: the row moved on.
	err := repo.Update(dbc, seeded.ID, guard, map[string]interface{}{"phase": types.PhaseRejected})
	if !errors.Is(err, pkgerrors.ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	got := testutil.MustGetSession(t, ctx, db, seeded.ID)
	if got.Phase != types.PhaseRunningStage1 {
		t.Fatalf("stale write landed: %s", got.Phase)
	}
}

func TestUploadSessionRepoClaimHonorsLease(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	seeded := testutil.SeedSession(t, ctx, db, nil)
	staleBefore := time.Now().UTC().Add(-time.Minute)

	first, second := uuid.New(), uuid.New()
	ok, err := repo.Claim(dbc, seeded.ID, first, staleBefore)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = repo.Claim(dbc, seeded.ID, second, staleBefore)
	if err != nil || ok {
		t.Fatalf("second claim should lose while lease is live: ok=%v err=%v", ok, err)
	}

	// Once the lease looks stale the second worker may take over.
	ok, err = repo.Claim(dbc, seeded.ID, second, time.Now().UTC().Add(time.Minute))
	if err != nil || !ok {
		t.Fatalf("stale takeover: ok=%v err=%v", ok, err)
	}

	// The first worker's guarded write now fails.
	s := testutil.MustGetSession(t, ctx, db, seeded.ID)
	err = repo.Update(dbc, s.ID, GuardFor(s).WithClaim(first), map[string]interface{}{"phase": types.PhaseRunningStage1})
	if !errors.Is(err, pkgerrors.ErrConcurrentUpdate) {
		t.Fatalf("expected lease loss to fail the write, got %v", err)
	}
}

func TestUploadSessionRepoClaimNextRunnable(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	now := time.Now().UTC()
	testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) {
		s.Phase = types.PhasePausedStructureReview
		s.Status = types.StatusProcessing
		s.CreatedAt = now.Add(-3 * time.Hour)
	})
	oldest := testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) { s.CreatedAt = now.Add(-2 * time.Hour) })
	testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) { s.CreatedAt = now.Add(-time.Hour) })

	token := uuid.New()
	claimed, err := repo.ClaimNextRunnable(dbc, token, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("ClaimNextRunnable: %v", err)
	}
	if claimed == nil || claimed.ID != oldest.ID {
		t.Fatalf("expected oldest runnable session, got %+v", claimed)
	}
	if claimed.ClaimToken == nil || *claimed.ClaimToken != token {
		t.Fatalf("claim token not set")
	}

	next, err := repo.ClaimNextRunnable(dbc, uuid.New(), now.Add(-time.Minute))
	if err != nil || next == nil || next.ID == oldest.ID {
		t.Fatalf("second claim should skip leased session: %+v %v", next, err)
	}
	none, err := repo.ClaimNextRunnable(dbc, uuid.New(), now.Add(-time.Minute))
	if err != nil || none != nil {
		t.Fatalf("paused sessions are not runnable: %+v %v", none, err)
	}
}

func TestUploadSessionRepoUpdateProgressKeepsStage(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	s := testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) {
		s.Phase = types.PhaseRunningStage3
		s.Status = types.StatusProcessing
		s.CurrentStage = 2
	})
	ok, err := repo.UpdateProgress(dbc, s.ID, types.PhaseRunningStage3, nil, map[string]interface{}{"current_item": "module 1 of 2", "progress_percent": 40})
	if err != nil || !ok {
		t.Fatalf("UpdateProgress: ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateProgress(dbc, s.ID, types.PhaseRunningStage4, nil, map[string]interface{}{"current_item": "x"})
	if err != nil || ok {
		t.Fatalf("progress for another phase must not land: ok=%v err=%v", ok, err)
	}
	if _, err := repo.UpdateProgress(dbc, s.ID, types.PhaseRunningStage3, nil, map[string]interface{}{"current_stage": 4}); !errors.Is(err, pkgerrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	got := testutil.MustGetSession(t, ctx, db, s.ID)
	if got.CurrentItem != "module 1 of 2" || got.ProgressPercent != 40 || got.CurrentStage != 2 || got.HeartbeatAt == nil {
		t.Fatalf("unexpected session after progress: %+v", got)
	}
}

func TestUploadSessionRepoListResumable(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	uploader := uuid.New()
	now := time.Now().UTC()
	older := testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) {
		s.UploaderID = uploader
		s.CanResume = true
		s.UpdatedAt = now.Add(-2 * time.Hour)
	})
	newer := testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) {
		s.UploaderID = uploader
		s.CanResume = true
		s.UpdatedAt = now.Add(-time.Hour)
	})
	testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) { s.UploaderID = uploader })
	testutil.SeedSession(t, ctx, db, func(s *types.UploadSession) { s.CanResume = true })

	got, err := repo.ListResumable(dbc, uploader, 0)
	if err != nil {
		t.Fatalf("ListResumable: %v", err)
	}
	if len(got) != 2 || got[0].ID != newer.ID || got[1].ID != older.ID {
		t.Fatalf("unexpected resumable list: %+v", got)
	}

	counts, err := repo.CountByStatus(dbc)
	if err != nil || counts[types.StatusPending] != 4 {
		t.Fatalf("CountByStatus: %v %v", counts, err)
	}
}

func TestUploadSessionRepoReleaseOnlyOwnLease(t *testing.T) {
	db := testutil.DB(t)
	ctx := context.Background()
	repo := NewUploadSessionRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	seeded := testutil.SeedSession(t, ctx, db, nil)
	owner := uuid.New()
	if ok, err := repo.Claim(dbc, seeded.ID, owner, time.Now().UTC().Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := repo.Release(dbc, seeded.ID, uuid.New()); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	if s := testutil.MustGetSession(t, ctx, db, seeded.ID); s.ClaimToken == nil || *s.ClaimToken != owner {
		t.Fatalf("foreign release dropped the lease")
	}
	if err := repo.Release(dbc, seeded.ID, owner); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s := testutil.MustGetSession(t, ctx, db, seeded.ID); s.ClaimToken != nil {
		t.Fatalf("lease still held")
	}
}
