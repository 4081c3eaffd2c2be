package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/testsuite"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/ingesttest"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/temporalx/session"
)

func execute(t *testing.T, acts *session.Activities, id uuid.UUID) session.AdvanceResult {
	t.Helper()
	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestActivityEnvironment()
	env.RegisterActivity(acts.Advance)
	val, err := env.ExecuteActivity(acts.Advance, id.String())
	if err != nil {
		t.Fatalf("activity: %v", err)
	}
	var out session.AdvanceResult
	if err := val.Get(&out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestAdvanceActivityRunsToGateAndReleasesLease(t *testing.T) {
	h := ingesttest.New(t)
	s := h.Upload(t, ingestion.SourceText, "notes.txt", []byte("# Rocks\n\nLayers form slowly."))
	acts := &session.Activities{Log: h.Log, Repo: h.Repo, Advancer: h.Orch, StaleAfter: time.Minute}

	out := execute(t, acts, s.ID)
	if out.Phase != string(ingestion.PhasePausedStructureReview) || !out.CanResume || out.Busy {
		t.Fatalf("result=%+v", out)
	}
	if got := h.Get(t, s.ID); got.ClaimToken != nil {
		t.Fatalf("lease kept after activity")
	}

	// At the gate nothing is claimable and the activity reports without running.
	again := execute(t, acts, s.ID)
	if again.Phase != out.Phase || again.Busy || h.Stages.Runs(ingestion.StageParse) != 1 {
		t.Fatalf("second result=%+v parse runs=%d", again, h.Stages.Runs(ingestion.StageParse))
	}
}

func TestAdvanceActivityReportsBusyLease(t *testing.T) {
	h := ingesttest.New(t)
	s := h.Upload(t, ingestion.SourceText, "notes.txt", []byte("Notes."))
	if ok, err := h.Repo.Claim(dbctx.Context{Ctx: context.Background()}, s.ID, uuid.New(), time.Now().Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	acts := &session.Activities{Log: h.Log, Repo: h.Repo, Advancer: h.Orch, StaleAfter: time.Minute}
	out := execute(t, acts, s.ID)
	if !out.Busy || out.Phase != string(ingestion.PhasePending) {
		t.Fatalf("result=%+v", out)
	}
}
