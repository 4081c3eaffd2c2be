// Package generate produces the final course preview from the aligned outline.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/align"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

const schemaName = "lesson_content"

const systemPrompt = `You write lesson content for a project-based learning platform.
Turn the draft lesson into clear content blocks for learners. Block types are
text, heading, list and media. Keep every media block exactly as given. Do not
add facts that are not supported by the draft.`

var lessonSchema = map[string]any{
	"type":     "object",
	"required": []string{"title", "content_blocks"},
	"properties": map[string]any{
		"title": map[string]any{"type": "string"},
		"content_blocks": map[string]any{
			"type":     "array",
			"minItems": 1,
			"items": map[string]any{
				"type":     "object",
				"required": []string{"type"},
				"properties": map[string]any{
					"type":      map[string]any{"type": "string", "enum": []string{"text", "heading", "list", "media"}},
					"content":   map[string]any{"type": "string"},
					"media_ref": map[string]any{"type": "string"},
				},
			},
		},
	},
}

type lessonDraft struct {
	Title         string                   `json:"title"`
	Summary       string                   `json:"summary,omitempty"`
	ContentBlocks []ingestion.ContentBlock `json:"content_blocks"`
}

type Config struct {
	Client      llm.Client
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
		return nil, errors.New("generate: capability client required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Executor{log: log.Named("stage.generate"), cfg: cfg}, nil
}

func (e *Executor) Stage() ingestion.Stage { return ingestion.StageGenerate }

func (e *Executor) Run(ctx context.Context, in stages.Input, report stages.ProgressFunc) (ingestion.StageOutput, error) {
	aligned, err := stages.PriorAs[*ingestion.AlignedContent](in)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = stages.NopProgress
	}
	course := ingestion.GeneratedCourse{
		Title:          limit(aligned.CourseTitle, 200),
		Description:    limit(aligned.CourseDescription, 5000),
		NavigationMode: aligned.NavigationMode,
	}
	var flat []ingestion.AlignedLesson
	for _, m := range aligned.Modules {
		flat = append(flat, m.Lessons...)
	}
	n := len(flat)
	if n == 0 {
		return nil, &ingestion.GenerationError{Err: errors.New("aligned outline has no lessons")}
	}

	out := &ingestion.GeneratedContent{Course: course, Lessons: make([]ingestion.GeneratedLesson, n)}
	var (
		done     atomic.Int64
		attempts atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, l := range flat {
		seq := i + 1
		g.Go(func() error {
			lesson, tries, err := e.generateLesson(gctx, in, course, l, seq, n)
			attempts.Add(int64(tries))
			if err != nil {
				return fmt.Errorf("lesson %d: %w", seq, err)
			}
			out.Lessons[i] = lesson
			c := done.Add(1)
			report(ingestion.StageProgress{
				Stage:     ingestion.StageGenerate.String(),
				Completed: int(c),
				Total:     n,
				Item:      fmt.Sprintf("lesson %d of %d", c, n),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn("generation failed", "session_id", in.SessionID, "attempts", attempts.Load(), "error", err)
		return nil, &ingestion.GenerationError{Attempts: int(attempts.Load()), Err: err}
	}

	for i, l := range flat {
		for _, t := range l.Tasks {
			out.Tasks = append(out.Tasks, ingestion.GeneratedTask{
				LessonRef:      i + 1,
				Title:          limit(t.Title, 200),
				EvidencePrompt: strings.TrimSpace(t.EvidencePrompt),
			})
		}
	}
	if err := out.Validate(); err != nil {
		return nil, &ingestion.GenerationError{Err: err}
	}
	return out, nil
}

func (e *Executor) generateLesson(ctx context.Context, in stages.Input, course ingestion.GeneratedCourse, l ingestion.AlignedLesson, seq, total int) (ingestion.GeneratedLesson, int, error) {
	draft := lessonDraft{Title: limit(l.Title, 200), Summary: l.Summary, ContentBlocks: DraftBlocks(l)}
	prompt, err := llm.WithDraft(fmt.Sprintf(
		"Course: %s\nLesson %d of %d: %s\n\nWrite the lesson content. Return JSON with title and content_blocks.",
		course.Title, seq, total, draft.Title,
	), draft)
	if err != nil {
		return ingestion.GeneratedLesson{}, 0, err
	}
	return stages.Call(ctx, e.cfg.Retry, ingestion.StageGenerate, in.Usage, e.cfg.Observe,
		func(ctx context.Context) (ingestion.GeneratedLesson, error) {
			resp, err := e.cfg.Client.GenerateJSON(ctx, systemPrompt, prompt, schemaName, lessonSchema)
			if err != nil {
				if errors.Is(err, llm.ErrMalformedResponse) {
					return ingestion.GeneratedLesson{}, &stages.InvalidResponse{Err: err}
				}
				return ingestion.GeneratedLesson{}, err
			}
			var got lessonDraft
			if err := llm.Decode(resp, &got); err != nil {
				return ingestion.GeneratedLesson{}, &stages.InvalidResponse{Err: err}
			}
			lesson := ingestion.GeneratedLesson{
				Title:         limit(got.Title, 200),
				SequenceOrder: seq,
				ContentBlocks: got.ContentBlocks,
			}
			if lesson.Title == "" {
				lesson.Title = draft.Title
			}
			if err := checkLesson(course, lesson); err != nil {
				return ingestion.GeneratedLesson{}, &stages.InvalidResponse{Err: err}
			}
			return lesson, nil
		})
}

// checkLesson runs the preview schema over a single lesson.
func checkLesson(course ingestion.GeneratedCourse, lesson ingestion.GeneratedLesson) error {
	if len(lesson.ContentBlocks) == 0 {
		return errors.New("no content blocks")
	}
	probe := ingestion.GeneratedContent{Course: course, Lessons: []ingestion.GeneratedLesson{lesson}}
	return probe.Validate()
}

// DraftBlocks converts an aligned lesson body into content blocks.
func DraftBlocks(l ingestion.AlignedLesson) []ingestion.ContentBlock {
	var out []ingestion.ContentBlock
	for _, para := range strings.Split(l.Body, "\n\n") {
		para = strings.TrimSpace(para)
		switch {
		case para == "":
		case align.MediaLine.MatchString(para):
			ref := align.MediaLine.FindStringSubmatch(para)[1]
			out = append(out, ingestion.ContentBlock{Type: "media", MediaRef: ref})
		case strings.HasPrefix(para, "#"):
			out = append(out, ingestion.ContentBlock{Type: "heading", Content: strings.TrimSpace(strings.TrimLeft(para, "#"))})
		case strings.HasPrefix(para, "- "):
			out = append(out, ingestion.ContentBlock{Type: "list", Content: strings.TrimSpace(strings.TrimPrefix(para, "- "))})
		default:
			out = append(out, ingestion.ContentBlock{Type: "text", Content: para})
		}
	}
	if len(out) == 0 {
		text := strings.TrimSpace(l.Summary)
		if text == "" {
			text = l.Title
		}
		out = append(out, ingestion.ContentBlock{Type: "text", Content: text})
	}
	return out
}

func limit(s string, max int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > max {
		return strings.TrimSpace(string(r[:max]))
	}
	return s
}
