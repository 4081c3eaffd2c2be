// Package pipeline drives upload sessions through the four stages, the two
// review gates and the error state.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// Dispatcher schedules an asynchronous Advance for a session.
type Dispatcher interface {
	Dispatch(ctx context.Context, sessionID uuid.UUID) error
}

// StageObserver records stage timings.
type StageObserver interface {
	ObserveStage(stage ingestion.Stage, outcome string, took time.Duration)
}

type Deps struct {
	Log        *logger.Logger
	Repo       repos.UploadSessionRepo
	Stages     stages.Set
	Blobs      blob.Store
	Publisher  progress.Publisher
	Dispatcher Dispatcher
	Observer   StageObserver
	// MaxSourceBytes bounds how much of an upload stage 1 reads.
	MaxSourceBytes int64
}

type Orchestrator struct {
	log        *logger.Logger
	repo       repos.UploadSessionRepo
	stages     stages.Set
	blobs      blob.Store
	publisher  progress.Publisher
	dispatcher Dispatcher
	observer   StageObserver
	maxSource  int64
	tracer     trace.Tracer
	now        func() time.Time
}

func New(d Deps) (*Orchestrator, error) {
	if d.Log == nil || d.Repo == nil || d.Blobs == nil {
		return nil, errors.New("pipeline: log, repo and blob store are required")
	}
	if _, err := stages.NewSet(valuesOf(d.Stages)...); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if d.Publisher == nil {
		d.Publisher = progress.NopPublisher{}
	}
	if d.MaxSourceBytes <= 0 {
		d.MaxSourceBytes = 100 << 20
	}
	return &Orchestrator{
		log:        d.Log.Named("pipeline"),
		repo:       d.Repo,
		stages:     d.Stages,
		blobs:      d.Blobs,
		publisher:  d.Publisher,
		dispatcher: d.Dispatcher,
		observer:   d.Observer,
		maxSource:  d.MaxSourceBytes,
		tracer:     otel.Tracer("pathweaver/ingestion/pipeline"),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func valuesOf(s stages.Set) []stages.Executor {
	out := make([]stages.Executor, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	return out
}

// SetDispatcher wires the dispatcher after construction; dispatchers call back
// into Advance.
func (o *Orchestrator) SetDispatcher(d Dispatcher) { o.dispatcher = d }

// Dispatch schedules processing for id when a dispatcher is configured.
func (o *Orchestrator) Dispatch(ctx context.Context, id uuid.UUID) error {
	if o.dispatcher == nil {
		return nil
	}
	if err := o.dispatcher.Dispatch(ctx, id); err != nil {
		return fmt.Errorf("dispatch session %s: %w", id, err)
	}
	return nil
}

func guardOf(s *ingestion.UploadSession, claim *uuid.UUID) repos.Guard {
	g := repos.GuardFor(s)
	if claim != nil {
		g = g.WithClaim(*claim)
	}
	return g
}

// Advance runs the session until it pauses, finishes, fails or loses a guarded
// write. claim is the caller's worker lease, or nil for unleased callers.
func (o *Orchestrator) Advance(ctx context.Context, id uuid.UUID, claim *uuid.UUID) (*ingestion.UploadSession, error) {
	dbc := dbctx.Context{Ctx: ctx}
	for {
		s, err := o.repo.Get(dbc, id)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return s, err
		}
		if s.Phase == ingestion.PhasePending {
			if err := o.start(ctx, s, claim); err != nil {
				return s, err
			}
			continue
		}
		stage, running := s.Phase.RunningStage()
		if !running {
			return s, nil
		}
		if err := o.runStage(ctx, s, stage, claim); err != nil {
			return s, err
		}
	}
}

func (o *Orchestrator) start(ctx context.Context, s *ingestion.UploadSession, claim *uuid.UUID) error {
	now := o.now()
	updates := map[string]interface{}{
		"phase":              ingestion.PhaseRunningStage1,
		"status":             ingestion.StatusProcessing,
		"current_stage_name": progress.StageLabel(ingestion.StageParse),
		"current_item":       "",
		"can_resume":         true,
		"resume_from_stage":  int(ingestion.StageParse),
	}
	if s.ProcessingStartedAt == nil {
		updates["processing_started_at"] = now
	}
	if err := o.repo.Update(dbctx.Context{Ctx: ctx}, s.ID, guardOf(s, claim), updates); err != nil {
		return err
	}
	s.Phase, s.Status = ingestion.PhaseRunningStage1, ingestion.StatusProcessing
	s.CanResume, s.ResumeFromStage = true, int(ingestion.StageParse)
	s.CurrentStageName = progress.StageLabel(ingestion.StageParse)
	o.publish(ctx, s)
	return nil
}

// nextPhase is where a session goes after stage completes.
func nextPhase(stage ingestion.Stage) ingestion.Phase {
	switch stage {
	case ingestion.StageStructure:
		return ingestion.PhasePausedStructureReview
	case ingestion.StageGenerate:
		return ingestion.PhasePausedFinalReview
	default:
		return (stage + 1).RunningPhase()
	}
}

func (o *Orchestrator) runStage(ctx context.Context, s *ingestion.UploadSession, stage ingestion.Stage, claim *uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "ingestion.stage."+stage.String(), trace.WithAttributes(
		attribute.String("session.id", s.ID.String()),
		attribute.Int("stage.number", int(stage)),
		attribute.String("source.type", string(s.SourceType)),
	))
	defer span.End()

	log := o.log.With("session_id", s.ID, "stage", stage.String())
	started := o.now()
	usage := &stages.Usage{}
	out, runErr := o.execute(ctx, s, stage, claim, usage)
	took := o.now().Sub(started)

	if runErr == nil && stage == ingestion.StageGenerate {
		if g, ok := out.(*ingestion.GeneratedContent); !ok {
			runErr = &ingestion.GenerationError{Err: fmt.Errorf("stage returned %T", out)}
		} else if err := g.Validate(); err != nil {
			runErr = &ingestion.GenerationError{Err: err}
		}
	}
	span.SetAttributes(attribute.Int("capability.calls", usage.Calls()))

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		if ctx.Err() != nil {
			o.observe(stage, "abandoned", took)
			log.Warn("stage abandoned", "error", runErr)
			return ctx.Err()
		}
		o.observe(stage, ingestion.ErrorKind(runErr), took)
		log.Warn("stage failed", "error", runErr, "kind", ingestion.ErrorKind(runErr), "capability_calls", usage.Calls())
		if err := o.fail(ctx, s, stage, claim, runErr, took, usage.Calls()); err != nil {
			return err
		}
		return nil
	}
	o.observe(stage, "ok", took)
	if err := o.checkpoint(ctx, s, stage, claim, out, took, usage.Calls()); err != nil {
		return err
	}
	log.Info("stage complete", "took_ms", took.Milliseconds(), "capability_calls", usage.Calls(), "next_phase", nextPhase(stage))
	return nil
}

func (o *Orchestrator) observe(stage ingestion.Stage, outcome string, took time.Duration) {
	if o.observer != nil {
		o.observer.ObserveStage(stage, outcome, took)
	}
}

// execute builds the stage input and runs the executor, turning panics into errors.
func (o *Orchestrator) execute(ctx context.Context, s *ingestion.UploadSession, stage ingestion.Stage, claim *uuid.UUID, usage *stages.Usage) (out ingestion.StageOutput, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("stage panic", "session_id", s.ID, "stage", stage.String(), "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("stage %s panic: %v", stage, r)
		}
	}()
	in := stages.Input{
		SessionID:  s.ID,
		SourceType: s.SourceType,
		Filename:   s.Filename,
		Usage:      usage,
	}
	switch stage {
	case ingestion.StageParse:
		src, err := blob.ReadAll(ctx, o.blobs, s.StorageKey, o.maxSource)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, &ingestion.ParseError{SourceType: s.SourceType, Reason: "uploaded file is missing", Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("load upload: %w", err)
		}
		in.Source = src
	default:
		prior, err := s.Output(stage - 1)
		if err != nil {
			return nil, err
		}
		in.Prior = prior
		raw, err := s.Raw()
		if err != nil {
			return nil, err
		}
		in.Raw = raw
		if stage == ingestion.StageAlign {
			edits, err := s.StructureEdits()
			if err != nil {
				return nil, fmt.Errorf("decode structure edits: %w", err)
			}
			in.StructureEdits = edits
		}
	}
	report := o.progressWriter(ctx, s, stage, claim)
	return o.stages[stage].Run(ctx, in, report)
}

// progressWriter persists intra-stage progress. The percentage never drops
// below what is already stored.
func (o *Orchestrator) progressWriter(ctx context.Context, s *ingestion.UploadSession, stage ingestion.Stage, claim *uuid.UUID) stages.ProgressFunc {
	var mu sync.Mutex
	view := *s
	return func(p ingestion.StageProgress) {
		mu.Lock()
		defer mu.Unlock()
		pct := progress.Percent(stage, p.Completed, p.Total)
		if pct < view.ProgressPercent {
			pct = view.ProgressPercent
		}
		sp, err := json.Marshal(p)
		if err != nil {
			return
		}
		updates := map[string]interface{}{
			"progress_percent": pct,
			"current_item":     p.Item,
			"stage_progress":   datatypes.JSON(sp),
		}
		ok, err := o.repo.UpdateProgress(dbctx.Context{Ctx: ctx}, s.ID, s.Phase, claim, updates)
		if err != nil || !ok {
			return
		}
		view.ProgressPercent = pct
		view.CurrentItem = p.Item
		view.StageProgress = datatypes.JSON(sp)
		view.UpdatedAt = o.now()
		o.publish(ctx, &view)
	}
}

func (o *Orchestrator) checkpoint(ctx context.Context, s *ingestion.UploadSession, stage ingestion.Stage, claim *uuid.UUID, out ingestion.StageOutput, took time.Duration, calls int) error {
	if out == nil || out.Stage() != stage {
		return fmt.Errorf("stage %s produced %T", stage, out)
	}
	enc, err := ingestion.EncodeOutput(out)
	if err != nil {
		return err
	}
	// Re-read so progress written during the stage is respected.
	cur, err := o.repo.Get(dbctx.Context{Ctx: ctx}, s.ID)
	if err != nil {
		return err
	}
	_, end := progress.Band(stage)
	pct := max(cur.ProgressPercent, end)
	next := nextPhase(stage)
	now := o.now()
	updates := map[string]interface{}{
		ingestion.OutputColumn(stage):      enc,
		ingestion.CompletedAtColumn(stage): now,
		"current_stage":                    int(stage),
		"phase":                            next,
		"status":                           next.Status(),
		"progress_percent":                 pct,
		"current_stage_name":               progress.PhaseLabel(next),
		"current_item":                     "",
		"stage_progress":                   nil,
		"can_resume":                       true,
		"resume_from_stage":                min(int(stage)+1, int(ingestion.StageGenerate)),
		"processing_duration_ms":           s.ProcessingDurationMS + took.Milliseconds(),
		"capability_calls":                 s.CapabilityCalls + calls,
		"error_message":                    "",
		"error_kind":                       "",
	}
	if next.Paused() {
		updates["claim_token"] = nil
	}
	if err := o.repo.Update(dbctx.Context{Ctx: ctx}, s.ID, guardOf(s, claim), updates); err != nil {
		return err
	}
	o.publishLatest(ctx, s.ID)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, s *ingestion.UploadSession, stage ingestion.Stage, claim *uuid.UUID, cause error, took time.Duration, calls int) error {
	msg := cause.Error()
	if msg == "" {
		msg = "stage failed"
	}
	updates := map[string]interface{}{
		"phase":                  ingestion.PhaseError,
		"status":                 ingestion.StatusError,
		"error_message":          msg,
		"error_kind":             ingestion.ErrorKind(cause),
		"can_resume":             ingestion.Resumable(cause),
		"resume_from_stage":      int(stage),
		"current_stage_name":     progress.PhaseLabel(ingestion.PhaseError),
		"current_item":           "",
		"claim_token":            nil,
		"processing_duration_ms": s.ProcessingDurationMS + took.Milliseconds(),
		"capability_calls":       s.CapabilityCalls + calls,
	}
	if err := o.repo.Update(dbctx.Context{Ctx: ctx}, s.ID, guardOf(s, claim), updates); err != nil {
		return err
	}
	o.publishLatest(ctx, s.ID)
	return nil
}

// Resume restarts a session at fromStage, discarding that stage's output and
// everything after it. The session stays resumable until it reaches a
// terminal phase or fails to parse.
func (o *Orchestrator) Resume(ctx context.Context, id uuid.UUID, fromStage int) (*ingestion.UploadSession, error) {
	dbc := dbctx.Context{Ctx: ctx}
	s, err := o.repo.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	if s.Phase.Terminal() || !s.CanResume {
		return nil, &ingestion.InvalidStateError{SessionID: id, Phase: s.Phase, Action: "resume"}
	}
	if fromStage < 1 || fromStage > int(ingestion.StageGenerate) || fromStage > s.CurrentStage+1 {
		return nil, fmt.Errorf("%w: %d (session is at stage %d)", ingestion.ErrInvalidStage, fromStage, s.CurrentStage)
	}
	k := ingestion.Stage(fromStage)
	phase := k.RunningPhase()
	updates := map[string]interface{}{
		"phase":              phase,
		"status":             phase.Status(),
		"current_stage":      fromStage - 1,
		"can_resume":         true,
		"resume_from_stage":  fromStage,
		"human_edits":        nil,
		"error_message":      "",
		"error_kind":         "",
		"claim_token":        nil,
		"current_stage_name": progress.StageLabel(k),
		"current_item":       "",
		"stage_progress":     nil,
	}
	for st := k; st <= ingestion.StageGenerate; st++ {
		updates[ingestion.OutputColumn(st)] = nil
		updates[ingestion.CompletedAtColumn(st)] = nil
	}
	if k <= ingestion.StageStructure {
		updates["human_structure_edits"] = nil
	}
	if k == ingestion.StageParse {
		updates["progress_percent"] = 0
	}
	if err := o.repo.Update(dbc, id, repos.GuardFor(s), updates); err != nil {
		return nil, err
	}
	o.log.Info("session resumed", "session_id", id, "from_stage", fromStage, "previous_phase", s.Phase)
	o.publishLatest(ctx, id)
	if err := o.Dispatch(ctx, id); err != nil {
		o.log.Warn("resume dispatch failed", "session_id", id, "error", err)
	}
	return o.repo.Get(dbc, id)
}

// Cancel moves any non-terminal session to rejected.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*ingestion.UploadSession, error) {
	dbc := dbctx.Context{Ctx: ctx}
	s, err := o.repo.Get(dbc, id)
	if err != nil {
		return nil, err
	}
	if s.Phase.Terminal() {
		return nil, &ingestion.InvalidStateError{SessionID: id, Phase: s.Phase, Action: "cancel"}
	}
	updates := map[string]interface{}{
		"phase":              ingestion.PhaseRejected,
		"status":             ingestion.StatusRejected,
		"can_resume":         false,
		"claim_token":        nil,
		"current_stage_name": progress.PhaseLabel(ingestion.PhaseRejected),
		"current_item":       "",
	}
	if err := o.repo.Update(dbc, id, repos.GuardFor(s), updates); err != nil {
		return nil, err
	}
	o.log.Info("session cancelled", "session_id", id, "previous_phase", s.Phase)
	o.publishLatest(ctx, id)
	return o.repo.Get(dbc, id)
}

func (o *Orchestrator) publish(ctx context.Context, s *ingestion.UploadSession) {
	o.publisher.Publish(ctx, progress.Project(s))
}

func (o *Orchestrator) publishLatest(ctx context.Context, id uuid.UUID) {
	s, err := o.repo.Get(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		o.log.Debug("publish skipped", "session_id", id, "error", err)
		return
	}
	o.publish(ctx, s)
}
