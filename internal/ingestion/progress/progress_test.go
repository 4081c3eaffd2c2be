package progress

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/testutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
)

func TestProjectAwaitingReview(t *testing.T) {
	cases := map[ingestion.Phase]string{
		ingestion.PhasePausedStructureReview: AwaitingStructure,
		ingestion.PhasePausedFinalReview:     AwaitingFinal,
		ingestion.PhaseRunningStage3:         "",
		ingestion.PhaseError:                 "",
	}
	for phase, want := range cases {
		s := &ingestion.UploadSession{ID: uuid.New(), Phase: phase, Status: phase.Status()}
		snap := Project(s)
		if snap.AwaitingReview != want {
			t.Fatalf("%s: awaiting=%q want %q", phase, snap.AwaitingReview, want)
		}
		if snap.CurrentStageName != PhaseLabel(phase) {
			t.Fatalf("%s: stage name=%q", phase, snap.CurrentStageName)
		}
	}
}

func TestProjectDecodesStageProgress(t *testing.T) {
	s := &ingestion.UploadSession{
		Phase:         ingestion.PhaseRunningStage3,
		StageProgress: datatypes.JSON(`{"stage":"align","completed":1,"total":3,"item":"module 1 of 3"}`),
	}
	snap := Project(s)
	if snap.StageProgress == nil || snap.StageProgress.Total != 3 || snap.StageProgress.Item != "module 1 of 3" {
		t.Fatalf("stage progress=%+v", snap.StageProgress)
	}
}

func TestPercentStaysInBand(t *testing.T) {
	prev := -1
	for _, st := range ingestion.AllStages {
		start, end := Band(st)
		for c := 0; c <= 4; c++ {
			p := Percent(st, c, 4)
			if p < start || p > end || p < prev {
				t.Fatalf("stage %s step %d: %d outside [%d,%d] or below %d", st, c, p, start, end, prev)
			}
			prev = p
		}
	}
	if Percent(ingestion.StageAlign, 9, 3) != 65 || Percent(ingestion.StageAlign, 1, 0) != 35 {
		t.Fatalf("clamping failed")
	}
}

func TestReporterGet(t *testing.T) {
	db := testutil.DB(t)
	repo := repos.NewUploadSessionRepo(db, testutil.Logger(t))
	ctx := context.Background()
	s := testutil.SeedSession(t, ctx, db, func(s *ingestion.UploadSession) {
		s.Phase = ingestion.PhasePausedFinalReview
		s.Status = ingestion.StatusReadyForReview
		s.ProgressPercent = 95
	})
	r := NewReporter(repo)
	snap, err := r.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.AwaitingReview != AwaitingFinal || snap.ProgressPercent != 95 {
		t.Fatalf("snap=%+v", snap)
	}
	if _, err := r.Get(ctx, uuid.New()); !errors.Is(err, pkgerrors.ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
}
