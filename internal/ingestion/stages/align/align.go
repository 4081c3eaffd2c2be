// Package align rewrites a structured outline to the platform's pedagogical
// conventions with help from the language capability.
package align

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

const schemaName = "aligned_module"

var moduleSchema = map[string]any{
	"type":     "object",
	"required": []string{"title", "lessons"},
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
		"lessons": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []string{"title", "summary", "body", "tasks"},
				"properties": map[string]any{
					"title":   map[string]any{"type": "string"},
					"summary": map[string]any{"type": "string"},
					"body":    map[string]any{"type": "string"},
					"tasks": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type":     "object",
							"required": []string{"type", "title", "evidence_prompt"},
							"properties": map[string]any{
								"type":            map[string]any{"type": "string"},
								"title":           map[string]any{"type": "string"},
								"evidence_prompt": map[string]any{"type": "string"},
							},
						},
					},
				},
			},
		},
	},
}

type Config struct {
	Client      llm.Client
	Conventions *Conventions
	Retry       stages.RetryPolicy
	Concurrency int
	Observe     stages.CallObserver
}

type Executor struct {
	log *logger.Logger
	cfg Config
}

func New(log *logger.Logger, cfg Config) (*Executor, error) {
	if cfg.Client == nil {
		return nil, errors.New("align: capability client required")
	}
	if cfg.Conventions == nil {
		c, err := LoadConventions("")
		if err != nil {
			return nil, err
		}
		cfg.Conventions = c
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Executor{log: log.Named("stage.align"), cfg: cfg}, nil
}

func (e *Executor) Stage() ingestion.Stage { return ingestion.StageAlign }

func (e *Executor) Run(ctx context.Context, in stages.Input, report stages.ProgressFunc) (ingestion.StageOutput, error) {
	sc, err := stages.PriorAs[*ingestion.StructuredContent](in)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = stages.NopProgress
	}
	if in.StructureEdits != nil {
		sc = in.StructureEdits.AsStructure(sc.Title)
	}
	draft := e.cfg.Conventions.Draft(sc, in.Raw)
	n := len(draft.Modules)
	if n == 0 {
		return nil, &ingestion.AlignmentError{Err: errors.New("outline has no modules")}
	}

	out := &ingestion.AlignedContent{
		CourseTitle:       draft.CourseTitle,
		CourseDescription: draft.CourseDescription,
		NavigationMode:    draft.NavigationMode,
		Modules:           make([]ingestion.AlignedModule, n),
	}
	var (
		done     atomic.Int64
		attempts atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i := range draft.Modules {
		g.Go(func() error {
			mod, tries, err := e.alignModule(gctx, in, draft, i)
			attempts.Add(int64(tries))
			if err != nil {
				return err
			}
			out.Modules[i] = mod
			c := done.Add(1)
			report(ingestion.StageProgress{
				Stage:     ingestion.StageAlign.String(),
				Completed: int(c),
				Total:     n,
				Item:      fmt.Sprintf("module %d of %d", c, n),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn("alignment failed", "session_id", in.SessionID, "attempts", attempts.Load(), "error", err)
		return nil, &ingestion.AlignmentError{Attempts: int(attempts.Load()), Err: err}
	}
	return out, nil
}

func (e *Executor) alignModule(ctx context.Context, in stages.Input, draft *ingestion.AlignedContent, i int) (ingestion.AlignedModule, int, error) {
	want := draft.Modules[i]
	prompt, err := llm.WithDraft(fmt.Sprintf(
		"Course: %s\nModule %d of %d: %s\n\nRefine this module draft. Return the module as JSON with the same lessons in the same order.",
		draft.CourseTitle, i+1, len(draft.Modules), want.Title,
	), want)
	if err != nil {
		return ingestion.AlignedModule{}, 0, err
	}
	return stages.Call(ctx, e.cfg.Retry, ingestion.StageAlign, in.Usage, e.cfg.Observe,
		func(ctx context.Context) (ingestion.AlignedModule, error) {
			resp, err := e.cfg.Client.GenerateJSON(ctx, e.cfg.Conventions.SystemPrompt, prompt, schemaName, moduleSchema)
			if err != nil {
				if errors.Is(err, llm.ErrMalformedResponse) {
					return ingestion.AlignedModule{}, &stages.InvalidResponse{Err: err}
				}
				return ingestion.AlignedModule{}, err
			}
			var got ingestion.AlignedModule
			if err := llm.Decode(resp, &got); err != nil {
				return ingestion.AlignedModule{}, &stages.InvalidResponse{Err: err}
			}
			if err := checkModule(want, got); err != nil {
				return ingestion.AlignedModule{}, &stages.InvalidResponse{Err: err}
			}
			return e.normalize(want, got), nil
		})
}

// checkModule rejects replies that lose lessons or leave required fields empty.
func checkModule(want, got ingestion.AlignedModule) error {
	if strings.TrimSpace(got.Title) == "" {
		return errors.New("module title is empty")
	}
	if len(got.Lessons) != len(want.Lessons) {
		return fmt.Errorf("got %d lessons, want %d", len(got.Lessons), len(want.Lessons))
	}
	for li, l := range got.Lessons {
		if strings.TrimSpace(l.Title) == "" {
			return fmt.Errorf("lessons[%d].title is empty", li)
		}
		if strings.TrimSpace(want.Lessons[li].Body) != "" && strings.TrimSpace(l.Body) == "" {
			return fmt.Errorf("lessons[%d].body is empty", li)
		}
		if len(l.Tasks) == 0 {
			return fmt.Errorf("lessons[%d] has no tasks", li)
		}
		for ti, t := range l.Tasks {
			if strings.TrimSpace(t.Title) == "" || strings.TrimSpace(t.EvidencePrompt) == "" {
				return fmt.Errorf("lessons[%d].tasks[%d] needs title and evidence_prompt", li, ti)
			}
		}
	}
	return nil
}

// normalize reapplies title rules and restores media the reply dropped.
func (e *Executor) normalize(want, got ingestion.AlignedModule) ingestion.AlignedModule {
	conv := e.cfg.Conventions
	got.Title = conv.Title(got.Title)
	for li := range got.Lessons {
		l := &got.Lessons[li]
		l.Title = conv.Title(l.Title)
		l.Summary = truncate(strings.TrimSpace(l.Summary), conv.SummaryMaxChars)
		if l.Summary == "" {
			l.Summary = want.Lessons[li].Summary
		}
		have := map[string]bool{}
		for _, ref := range mediaRefs(l.Body) {
			have[ref] = true
		}
		for _, ref := range mediaRefs(want.Lessons[li].Body) {
			if !have[ref] {
				l.Body = strings.TrimSpace(l.Body) + "\n\n![media](" + ref + ")"
			}
		}
		typed := map[string]bool{}
		for ti := range l.Tasks {
			t := &l.Tasks[ti]
			t.Type = strings.ToLower(strings.TrimSpace(t.Type))
			if t.Type == "" {
				t.Type = "practice"
			}
			t.Title = truncate(strings.TrimSpace(t.Title), 200)
			typed[t.Type] = true
		}
		// Every template task type the conventions require survives the reply.
		for _, t := range want.Lessons[li].Tasks {
			if !typed[t.Type] {
				l.Tasks = append(l.Tasks, t)
				typed[t.Type] = true
			}
		}
	}
	return got
}
