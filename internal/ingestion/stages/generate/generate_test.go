package generate

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type flakyClient struct {
	calls    atomic.Int64
	failures int64
	reply    map[string]any
}

func (c *flakyClient) GenerateJSON(ctx context.Context, system, user, name string, schema map[string]any) (map[string]any, error) {
	if c.calls.Add(1) <= c.failures {
		return c.reply, nil
	}
	return llm.Offline{}.GenerateJSON(ctx, system, user, name, schema)
}

func aligned() *ingestion.AlignedContent {
	task := ingestion.AlignedTask{Type: "reflection", Title: "Reflect", EvidencePrompt: "Write about it."}
	return &ingestion.AlignedContent{
		CourseTitle:       "Rocks",
		CourseDescription: "About rocks.",
		NavigationMode:    ingestion.NavigationSequential,
		Modules: []ingestion.AlignedModule{
			{Title: "M1", Lessons: []ingestion.AlignedLesson{
				{Title: "Formation", Summary: "How rocks form.", Body: "## Magma\n\nMagma cools.\n\n- basalt\n\n![media](img/a.png)", Tasks: []ingestion.AlignedTask{task}},
			}},
			{Title: "M2", Lessons: []ingestion.AlignedLesson{
				{Title: "Erosion", Summary: "Wind and water.", Tasks: []ingestion.AlignedTask{task, task}},
			}},
		},
	}
}

func newExec(t *testing.T, c llm.Client) *Executor {
	t.Helper()
	e, err := New(logger.Nop(), Config{Client: c, Retry: stages.RetryPolicy{MaxAttempts: 3, Timeout: time.Second}, Concurrency: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestGenerateAssemblesPreview(t *testing.T) {
	var usage stages.Usage
	out, err := newExec(t, llm.Offline{}).Run(context.Background(), stages.Input{Prior: aligned(), Usage: &usage}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	g := out.(*ingestion.GeneratedContent)
	if err := g.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(g.Lessons) != 2 || g.Lessons[0].SequenceOrder != 1 || g.Lessons[1].SequenceOrder != 2 {
		t.Fatalf("lessons=%+v", g.Lessons)
	}
	blocks := g.Lessons[0].ContentBlocks
	if len(blocks) != 4 || blocks[0].Type != "heading" || blocks[0].Content != "Magma" || blocks[2].Type != "list" || blocks[3].MediaRef != "img/a.png" {
		t.Fatalf("blocks=%+v", blocks)
	}
	if b := g.Lessons[1].ContentBlocks; len(b) != 1 || b[0].Content != "Wind and water." {
		t.Fatalf("empty body blocks=%+v", b)
	}
	if len(g.Tasks) != 3 || g.Tasks[0].LessonRef != 1 || g.Tasks[2].LessonRef != 2 {
		t.Fatalf("tasks=%+v", g.Tasks)
	}
	if usage.Calls() != 2 {
		t.Fatalf("usage=%d", usage.Calls())
	}
}

func TestGenerateRetriesShapeFailures(t *testing.T) {
	c := &flakyClient{failures: 1, reply: map[string]any{"title": "x", "content_blocks": []any{map[string]any{"type": "video"}}}}
	var usage stages.Usage
	in := aligned()
	in.Modules = in.Modules[:1]
	if _, err := newExec(t, c).Run(context.Background(), stages.Input{Prior: in, Usage: &usage}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if usage.Calls() != 2 {
		t.Fatalf("usage=%d want 2", usage.Calls())
	}
}

func TestGenerateExhaustionIsGenerationError(t *testing.T) {
	c := &flakyClient{failures: 100, reply: map[string]any{"title": "x", "content_blocks": []any{}}}
	in := aligned()
	in.Modules = in.Modules[:1]
	_, err := newExec(t, c).Run(context.Background(), stages.Input{Prior: in}, nil)
	var ge *ingestion.GenerationError
	if !errors.As(err, &ge) || ge.Attempts != 3 {
		t.Fatalf("err=%v", err)
	}
	if !ingestion.Resumable(err) || ingestion.ErrorKind(err) != ingestion.ErrorKindGeneration {
		t.Fatalf("kind=%s", ingestion.ErrorKind(err))
	}
}

func TestGenerateRejectsInvalidCourse(t *testing.T) {
	in := aligned()
	in.NavigationMode = "random"
	_, err := newExec(t, llm.Offline{}).Run(context.Background(), stages.Input{Prior: in}, nil)
	var ge *ingestion.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("err=%v, want GenerationError", err)
	}
}
