package align

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// scriptedClient fails the first failures calls, then echoes the draft.
type scriptedClient struct {
	mu       sync.Mutex
	failures int
	calls    int
	fail     func() (map[string]any, error)
}

func (c *scriptedClient) GenerateJSON(ctx context.Context, system, user, name string, schema map[string]any) (map[string]any, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n <= c.failures {
		return c.fail()
	}
	return llm.Offline{}.GenerateJSON(ctx, system, user, name, schema)
}

func fixture() (*ingestion.RawContent, *ingestion.StructuredContent) {
	raw := &ingestion.RawContent{
		Title: "rocks",
		Blocks: []ingestion.Block{
			{Index: 0, Kind: ingestion.BlockParagraph, Text: "Rocks form in three ways. They change over time."},
			{Index: 1, Kind: ingestion.BlockListItem, Text: "igneous"},
			{Index: 2, Kind: ingestion.BlockMedia, MediaRef: "img/cycle.png"},
		},
	}
	sc := &ingestion.StructuredContent{
		Title: "ROCKS AND MINERALS",
		Modules: []ingestion.ModuleOutline{{
			Title:   "the rock cycle",
			Lessons: []ingestion.LessonOutline{{Title: "how rocks form", BlockRefs: []int{0, 1, 2}}},
		}},
	}
	return raw, sc
}

func newExec(t *testing.T, client llm.Client) *Executor {
	t.Helper()
	e, err := New(logger.Nop(), Config{Client: client, Retry: stages.RetryPolicy{MaxAttempts: 3, Timeout: time.Second}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestAlignOfflineKeepsDraft(t *testing.T) {
	raw, sc := fixture()
	var usage stages.Usage
	out, err := newExec(t, llm.Offline{}).Run(context.Background(), stages.Input{Prior: sc, Raw: raw, Usage: &usage}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := out.(*ingestion.AlignedContent)
	if a.CourseTitle != "Rocks and Minerals" || a.NavigationMode != ingestion.NavigationSequential {
		t.Fatalf("course=%q nav=%s", a.CourseTitle, a.NavigationMode)
	}
	l := a.Modules[0].Lessons[0]
	if a.Modules[0].Title != "The Rock Cycle" || l.Title != "How Rocks Form" {
		t.Fatalf("titles %q / %q", a.Modules[0].Title, l.Title)
	}
	if l.Summary != "Rocks form in three ways." {
		t.Fatalf("summary=%q", l.Summary)
	}
	if !strings.Contains(l.Body, "- igneous") || !strings.Contains(l.Body, "![media](img/cycle.png)") {
		t.Fatalf("body=%q", l.Body)
	}
	if len(l.Tasks) != 2 || !strings.Contains(l.Tasks[0].Title, "How Rocks Form") {
		t.Fatalf("tasks=%+v", l.Tasks)
	}
	if usage.Calls() != 1 {
		t.Fatalf("usage=%d", usage.Calls())
	}
}

func TestAlignRetriesInvalidReplies(t *testing.T) {
	raw, sc := fixture()
	client := &scriptedClient{failures: 1, fail: func() (map[string]any, error) {
		return map[string]any{"title": "x", "lessons": []any{}}, nil
	}}
	var usage stages.Usage
	if _, err := newExec(t, client).Run(context.Background(), stages.Input{Prior: sc, Raw: raw, Usage: &usage}, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if usage.Calls() != 2 {
		t.Fatalf("usage=%d want 2", usage.Calls())
	}
}

func TestAlignExhaustionIsAlignmentError(t *testing.T) {
	raw, sc := fixture()
	client := &scriptedClient{failures: 99, fail: func() (map[string]any, error) {
		return nil, errors.New("status code: 503")
	}}
	var usage stages.Usage
	_, err := newExec(t, client).Run(context.Background(), stages.Input{Prior: sc, Raw: raw, Usage: &usage}, nil)
	var ae *ingestion.AlignmentError
	if !errors.As(err, &ae) || ae.Attempts != 3 {
		t.Fatalf("err=%v", err)
	}
	if usage.Calls() != 3 || !ingestion.Resumable(err) {
		t.Fatalf("usage=%d resumable=%v", usage.Calls(), ingestion.Resumable(err))
	}
}

// practiceOnlyClient answers with the draft but swaps every lesson's tasks
// for a single practice task.
type practiceOnlyClient struct{}

func (practiceOnlyClient) GenerateJSON(ctx context.Context, system, user, name string, schema map[string]any) (map[string]any, error) {
	resp, err := llm.Offline{}.GenerateJSON(ctx, system, user, name, schema)
	if err != nil {
		return nil, err
	}
	lessons, _ := resp["lessons"].([]any)
	for _, l := range lessons {
		lesson := l.(map[string]any)
		lesson["tasks"] = []any{map[string]any{"title": "Do it", "type": "practice", "evidence_prompt": "Show it"}}
	}
	return resp, nil
}

func TestAlignRestoresRequiredTaskTypes(t *testing.T) {
	raw, sc := fixture()
	out, err := newExec(t, practiceOnlyClient{}).Run(context.Background(), stages.Input{Prior: sc, Raw: raw}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	tasks := out.(*ingestion.AlignedContent).Modules[0].Lessons[0].Tasks
	types := map[string]string{}
	for _, task := range tasks {
		types[task.Type] = task.Title
	}
	if len(tasks) != 3 || types["practice"] != "Do it" {
		t.Fatalf("tasks=%+v", tasks)
	}
	if !strings.Contains(types["reflection"], "How Rocks Form") || !strings.Contains(types["application"], "How Rocks Form") {
		t.Fatalf("required task types missing: %+v", tasks)
	}
}

func TestAlignUsesStructureEdits(t *testing.T) {
	raw, sc := fixture()
	edits := &ingestion.StructureEdits{Modules: []ingestion.ModuleOutline{{
		Title: "Rocks",
		Lessons: []ingestion.LessonOutline{
			{Title: "Part one", Body: "Magma cools."},
			{Title: "Part two", BlockRefs: []int{1}},
		},
	}}}
	var reports []ingestion.StageProgress
	var mu sync.Mutex
	out, err := newExec(t, llm.Offline{}).Run(context.Background(),
		stages.Input{Prior: sc, Raw: raw, StructureEdits: edits},
		func(p ingestion.StageProgress) { mu.Lock(); reports = append(reports, p); mu.Unlock() })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	a := out.(*ingestion.AlignedContent)
	if a.LessonCount() != 2 || a.Modules[0].Lessons[0].Body != "Magma cools." || a.Modules[0].Lessons[1].Body != "- igneous" {
		t.Fatalf("aligned=%+v", a.Modules)
	}
	if a.CourseTitle != "Rocks and Minerals" {
		t.Fatalf("course title=%q", a.CourseTitle)
	}
	if len(reports) != 1 || reports[0].Item != "module 1 of 1" {
		t.Fatalf("reports=%+v", reports)
	}
}

func TestConventions(t *testing.T) {
	c, err := LoadConventions("")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if got := c.Title("INTRODUCTION TO the water cycle"); got != "Introduction to the Water Cycle" {
		t.Fatalf("title=%q", got)
	}
	if got := c.Title("DNA basics"); got != "DNA Basics" {
		t.Fatalf("acronym title=%q", got)
	}

	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("navigation_mode: random\ntasks: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConventions(bad); err == nil {
		t.Fatalf("expected validation error")
	}
	good := filepath.Join(dir, "good.yaml")
	yml := "navigation_mode: freeform\ntitles:\n  case: sentence\ntasks:\n  - type: quiz\n    title: Check {lesson}\n    evidence_prompt: Answer\n"
	if err := os.WriteFile(good, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConventionsPathEnv, good)
	c, err = LoadConventionsFromEnv()
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if c.NavigationMode != ingestion.NavigationFreeform || c.Title("the rock CYCLE") != "The rock CYCLE" {
		t.Fatalf("conventions=%+v", c)
	}
}
