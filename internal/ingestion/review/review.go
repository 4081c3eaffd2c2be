// Package review applies human decisions at the structure and final gates.
package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/materialize"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/pipeline"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type Gate string

const (
	GateStructure Gate = "structure"
	GateFinal     Gate = "final"
)

type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionApprove  Decision = "approve"
	DecisionReject   Decision = "reject"
)

type Submission struct {
	SessionID      uuid.UUID
	Gate           Gate
	Decision       Decision
	StructureEdits *ingestion.StructureEdits
	PreviewEdits   *ingestion.PreviewEdits
	ReviewerID     uuid.UUID
}

type Deps struct {
	DB           *gorm.DB
	Log          *logger.Logger
	Repo         repos.UploadSessionRepo
	Materializer materialize.Materializer
	Dispatcher   pipeline.Dispatcher
	Publisher    progress.Publisher
}

type Service struct {
	db           *gorm.DB
	log          *logger.Logger
	repo         repos.UploadSessionRepo
	materializer materialize.Materializer
	dispatcher   pipeline.Dispatcher
	publisher    progress.Publisher
	now          func() time.Time
}

func New(d Deps) (*Service, error) {
	if d.DB == nil || d.Log == nil || d.Repo == nil || d.Materializer == nil {
		return nil, errors.New("review: db, log, repo and materializer are required")
	}
	if d.Publisher == nil {
		d.Publisher = progress.NopPublisher{}
	}
	return &Service{
		db:           d.DB,
		log:          d.Log.Named("review"),
		repo:         d.Repo,
		materializer: d.Materializer,
		dispatcher:   d.Dispatcher,
		publisher:    d.Publisher,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

var allowed = map[Gate]map[Decision]bool{
	GateStructure: {DecisionContinue: true, DecisionReject: true},
	GateFinal:     {DecisionApprove: true, DecisionReject: true},
}

var gatePhase = map[Gate]ingestion.Phase{
	GateStructure: ingestion.PhasePausedStructureReview,
	GateFinal:     ingestion.PhasePausedFinalReview,
}

// Submit records a reviewer decision and returns the session as it now stands.
func (s *Service) Submit(ctx context.Context, sub Submission) (*ingestion.UploadSession, error) {
	decisions, ok := allowed[sub.Gate]
	if !ok || !decisions[sub.Decision] {
		return nil, fmt.Errorf("%w: %q at %s gate", ingestion.ErrInvalidDecision, sub.Decision, sub.Gate)
	}
	dbc := dbctx.Context{Ctx: ctx}
	sess, err := s.repo.Get(dbc, sub.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Phase != gatePhase[sub.Gate] {
		return nil, &ingestion.InvalidStateError{SessionID: sess.ID, Phase: sess.Phase, Action: string(sub.Decision)}
	}

	switch {
	case sub.Decision == DecisionReject:
		err = s.reject(ctx, sess, sub)
	case sub.Gate == GateStructure:
		err = s.continueStructure(ctx, sess, sub)
	default:
		err = s.approve(ctx, sess, sub)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("review submitted", "session_id", sess.ID, "gate", sub.Gate, "decision", sub.Decision, "reviewer_id", sub.ReviewerID)
	updated, err := s.repo.Get(dbc, sess.ID)
	if err != nil {
		return nil, err
	}
	s.publisher.Publish(ctx, progress.Project(updated))
	return updated, nil
}

func (s *Service) continueStructure(ctx context.Context, sess *ingestion.UploadSession, sub Submission) error {
	updates := map[string]interface{}{
		"phase":              ingestion.PhaseRunningStage3,
		"status":             ingestion.StatusProcessing,
		"current_stage_name": progress.StageLabel(ingestion.StageAlign),
		"current_item":       "",
		"can_resume":         true,
		"resume_from_stage":  int(ingestion.StageAlign),
	}
	if sub.StructureEdits != nil {
		raw, err := sess.Raw()
		if err != nil {
			return err
		}
		if err := sub.StructureEdits.Validate(raw); err != nil {
			return err
		}
		enc, err := json.Marshal(sub.StructureEdits)
		if err != nil {
			return fmt.Errorf("encode structure edits: %w", err)
		}
		updates["human_structure_edits"] = datatypes.JSON(enc)
	}
	if err := s.repo.Update(dbctx.Context{Ctx: ctx}, sess.ID, repos.GuardFor(sess), updates); err != nil {
		return err
	}
	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, sess.ID); err != nil {
			s.log.Warn("dispatch after structure review failed", "session_id", sess.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) reject(ctx context.Context, sess *ingestion.UploadSession, sub Submission) error {
	updates := map[string]interface{}{
		"phase":              ingestion.PhaseRejected,
		"status":             ingestion.StatusRejected,
		"reviewed_at":        s.now(),
		"can_resume":         false,
		"claim_token":        nil,
		"current_stage_name": progress.PhaseLabel(ingestion.PhaseRejected),
		"current_item":       "",
	}
	if sub.ReviewerID != uuid.Nil {
		updates["reviewer_id"] = sub.ReviewerID
	}
	return s.repo.Update(dbctx.Context{Ctx: ctx}, sess.ID, repos.GuardFor(sess), updates)
}

// approve commits the approval and the quest together. If materialization
// fails nothing but the reviewer's edits is kept.
func (s *Service) approve(ctx context.Context, sess *ingestion.UploadSession, sub Submission) error {
	generated, err := sess.Generated()
	if err != nil {
		return fmt.Errorf("load generated content: %w", err)
	}
	// A retried approval without edits applies the ones kept from the failed attempt.
	if sub.PreviewEdits.Empty() {
		kept, err := sess.PreviewEdits()
		if err != nil {
			return fmt.Errorf("load preview edits: %w", err)
		}
		sub.PreviewEdits = kept
	}
	if _, err := ingestion.ApplyEdits(generated, sub.PreviewEdits); err != nil {
		return err
	}
	var edits datatypes.JSON
	if !sub.PreviewEdits.Empty() {
		enc, err := json.Marshal(sub.PreviewEdits)
		if err != nil {
			return fmt.Errorf("encode preview edits: %w", err)
		}
		edits = datatypes.JSON(enc)
	}

	guard := repos.GuardFor(sess)
	approvedGuard := repos.Guard{Status: ingestion.StatusApproved, Phase: ingestion.PhaseApproved, CurrentStage: sess.CurrentStage}
	now := s.now()
	txErr := dbctx.Context{Ctx: ctx}.Conn(s.db).Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		updates := map[string]interface{}{
			"phase":              ingestion.PhaseApproved,
			"status":             ingestion.StatusApproved,
			"progress_percent":   progress.Complete,
			"reviewed_at":        now,
			"can_resume":         false,
			"claim_token":        nil,
			"current_stage_name": progress.PhaseLabel(ingestion.PhaseApproved),
			"current_item":       "",
			"human_edits":        edits,
		}
		if sub.ReviewerID != uuid.Nil {
			updates["reviewer_id"] = sub.ReviewerID
		}
		if err := s.repo.Update(dbc, sess.ID, guard, updates); err != nil {
			return err
		}
		questID, err := s.materializer.Materialize(dbc, materialize.Input{
			SessionID: sess.ID,
			Content:   generated,
			Edits:     sub.PreviewEdits,
			OwnerID:   sess.UploaderID,
			TenantID:  sess.TenantID,
		})
		if err != nil {
			return &ingestion.MaterializationError{SessionID: sess.ID, Err: err}
		}
		return s.repo.Update(dbc, sess.ID, approvedGuard, map[string]interface{}{"created_quest_id": questID})
	})
	if txErr == nil {
		return nil
	}
	var me *ingestion.MaterializationError
	if !errors.As(txErr, &me) {
		return txErr
	}
	s.log.Error("materialization failed", "session_id", sess.ID, "error", me.Err)
	if edits != nil {
		if err := s.repo.Update(dbctx.Context{Ctx: ctx}, sess.ID, guard, map[string]interface{}{"human_edits": edits}); err != nil {
			s.log.Warn("keeping preview edits failed", "session_id", sess.ID, "error", err)
		}
	}
	return me
}
