// Package progress projects upload sessions into the progress view clients poll
// or subscribe to.
package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
)

const (
	AwaitingStructure = "structure"
	AwaitingFinal     = "final"
)

type Snapshot struct {
	SessionID        uuid.UUID                `json:"session_id"`
	Status           ingestion.Status         `json:"status"`
	Phase            ingestion.Phase          `json:"phase"`
	CurrentStage     int                      `json:"current_stage"`
	ProgressPercent  int                      `json:"progress_percent"`
	CurrentStageName string                   `json:"current_stage_name"`
	CurrentItem      string                   `json:"current_item"`
	StageProgress    *ingestion.StageProgress `json:"stage_progress,omitempty"`
	AwaitingReview   string                   `json:"awaiting_review"`
	ErrorMessage     string                   `json:"error_message,omitempty"`
	ErrorKind        string                   `json:"error_kind,omitempty"`
	CanResume        bool                     `json:"can_resume"`
	ResumeFromStage  int                      `json:"resume_from_stage"`
	CreatedQuestID   *uuid.UUID               `json:"created_quest_id"`
	UpdatedAt        time.Time                `json:"updated_at"`
}

// Project is a pure view of s.
func Project(s *ingestion.UploadSession) Snapshot {
	snap := Snapshot{
		SessionID:        s.ID,
		Status:           s.Status,
		Phase:            s.Phase,
		CurrentStage:     s.CurrentStage,
		ProgressPercent:  s.ProgressPercent,
		CurrentStageName: s.CurrentStageName,
		CurrentItem:      s.CurrentItem,
		ErrorMessage:     s.ErrorMessage,
		ErrorKind:        s.ErrorKind,
		CanResume:        s.CanResume,
		ResumeFromStage:  s.ResumeFromStage,
		CreatedQuestID:   s.CreatedQuestID,
		UpdatedAt:        s.UpdatedAt,
	}
	switch s.Phase {
	case ingestion.PhasePausedStructureReview:
		snap.AwaitingReview = AwaitingStructure
	case ingestion.PhasePausedFinalReview:
		snap.AwaitingReview = AwaitingFinal
	}
	if snap.CurrentStageName == "" {
		snap.CurrentStageName = PhaseLabel(s.Phase)
	}
	if len(s.StageProgress) > 0 {
		var sp ingestion.StageProgress
		if err := json.Unmarshal(s.StageProgress, &sp); err == nil {
			snap.StageProgress = &sp
		}
	}
	return snap
}

var bands = map[ingestion.Stage][2]int{
	ingestion.StageParse:     {0, 20},
	ingestion.StageStructure: {20, 35},
	ingestion.StageAlign:     {35, 65},
	ingestion.StageGenerate:  {65, 95},
}

// Complete is the percentage an approved session shows.
const Complete = 100

// Band returns the [start, end] percentage range of stage.
func Band(stage ingestion.Stage) (int, int) {
	b := bands[stage]
	return b[0], b[1]
}

// Percent places completed/total inside the band of stage.
func Percent(stage ingestion.Stage, completed, total int) int {
	start, end := Band(stage)
	if total <= 0 {
		return start
	}
	if completed > total {
		completed = total
	}
	if completed < 0 {
		completed = 0
	}
	return start + (end-start)*completed/total
}

func StageLabel(stage ingestion.Stage) string {
	switch stage {
	case ingestion.StageParse:
		return "Parsing document"
	case ingestion.StageStructure:
		return "Detecting structure"
	case ingestion.StageAlign:
		return "Aligning to platform conventions"
	case ingestion.StageGenerate:
		return "Generating course content"
	default:
		return ""
	}
}

func PhaseLabel(p ingestion.Phase) string {
	if st, ok := p.RunningStage(); ok {
		return StageLabel(st)
	}
	switch p {
	case ingestion.PhasePending:
		return "Queued"
	case ingestion.PhasePausedStructureReview:
		return "Awaiting structure review"
	case ingestion.PhasePausedFinalReview:
		return "Ready for review"
	case ingestion.PhaseApproved:
		return "Approved"
	case ingestion.PhaseRejected:
		return "Rejected"
	case ingestion.PhaseError:
		return "Failed"
	default:
		return string(p)
	}
}

// Publisher fans snapshots out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, snap Snapshot)
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Snapshot) {}

// Reporter answers progress queries. It never writes.
type Reporter struct {
	repo repos.UploadSessionRepo
}

func NewReporter(repo repos.UploadSessionRepo) *Reporter {
	return &Reporter{repo: repo}
}

func (r *Reporter) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	s, err := r.repo.Get(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Project(s), nil
}
