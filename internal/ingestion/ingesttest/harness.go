// Package ingesttest wires a complete in-process pipeline on sqlite for tests.
package ingesttest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	learningrepo "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/learning"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/testutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/intake"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/materialize"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/pipeline"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/review"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/align"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/generate"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/parse"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/structure"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type Harness struct {
	DB           *gorm.DB
	Log          *logger.Logger
	Repo         repos.UploadSessionRepo
	Quests       learningrepo.QuestRepo
	Blobs        *blob.Local
	Client       *Client
	Materializer *FlakyMaterializer
	Stages       *StageRecorder
	Published    *Recorder
	Dispatched   *Dispatches
	Orch         *pipeline.Orchestrator
	Intake       *intake.Service
	Review       *review.Service
}

// New builds a harness whose dispatcher only records ids; tests drive the
// orchestrator with Run.
func New(tb testing.TB) *Harness {
	tb.Helper()
	db := testutil.DB(tb)
	log := testutil.Logger(tb)
	store, err := blob.NewLocal(tb.TempDir())
	if err != nil {
		tb.Fatalf("blob store: %v", err)
	}
	h := &Harness{
		DB:         db,
		Log:        log,
		Repo:       repos.NewUploadSessionRepo(db, log),
		Quests:     learningrepo.NewQuestRepo(db, log),
		Blobs:      store,
		Client:     &Client{Next: llm.Offline{}},
		Stages:     &StageRecorder{},
		Published:  &Recorder{},
		Dispatched: &Dispatches{},
	}
	h.Materializer = &FlakyMaterializer{Next: materialize.New(db, log, h.Quests)}

	retry := stages.RetryPolicy{MaxAttempts: 2, Timeout: 5 * time.Second}
	aligner, err := align.New(log, align.Config{Client: h.Client, Retry: retry, Concurrency: 2})
	if err != nil {
		tb.Fatalf("align: %v", err)
	}
	generator, err := generate.New(log, generate.Config{Client: h.Client, Retry: retry, Concurrency: 2})
	if err != nil {
		tb.Fatalf("generate: %v", err)
	}
	set, err := stages.NewSet(parse.New(log, nil, parse.Options{}), structure.New(log), aligner, generator)
	if err != nil {
		tb.Fatalf("stages: %v", err)
	}
	h.Orch, err = pipeline.New(pipeline.Deps{
		Log:        log,
		Repo:       h.Repo,
		Stages:     set,
		Blobs:      store,
		Publisher:  h.Published,
		Dispatcher: h.Dispatched,
		Observer:   h.Stages,
	})
	if err != nil {
		tb.Fatalf("pipeline: %v", err)
	}
	h.Intake = intake.New(log, h.Repo, store, h.Dispatched, 1<<20)
	h.Review, err = review.New(review.Deps{
		DB:           db,
		Log:          log,
		Repo:         h.Repo,
		Materializer: h.Materializer,
		Dispatcher:   h.Dispatched,
		Publisher:    h.Published,
	})
	if err != nil {
		tb.Fatalf("review: %v", err)
	}
	return h
}

// Upload stores data and creates a pending session for it.
func (h *Harness) Upload(tb testing.TB, st ingestion.SourceType, filename string, data []byte) *ingestion.UploadSession {
	tb.Helper()
	s, err := h.Intake.Create(context.Background(), intake.Request{
		SourceType: st,
		Filename:   filename,
		Body:       bytes.NewReader(data),
		UploaderID: uuid.New(),
	})
	if err != nil {
		tb.Fatalf("upload: %v", err)
	}
	return s
}

// Run advances id until it pauses, fails or finishes.
func (h *Harness) Run(tb testing.TB, id uuid.UUID) *ingestion.UploadSession {
	tb.Helper()
	s, err := h.Orch.Advance(context.Background(), id, nil)
	if err != nil {
		tb.Fatalf("advance %s: %v", id, err)
	}
	return s
}

func (h *Harness) Get(tb testing.TB, id uuid.UUID) *ingestion.UploadSession {
	tb.Helper()
	s, err := h.Repo.Get(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		tb.Fatalf("get %s: %v", id, err)
	}
	return s
}

// Client wraps a capability client with call counts and injected failures.
type Client struct {
	Next llm.Client

	mu       sync.Mutex
	calls    map[string]int
	failures int
	failErr  error
}

// FailNext makes the next n calls return err.
func (c *Client) FailNext(n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures, c.failErr = n, err
}

func (c *Client) Calls(schemaName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[schemaName]
}

func (c *Client) GenerateJSON(ctx context.Context, system, user, schemaName string, schema map[string]any) (map[string]any, error) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[schemaName]++
	if c.failures > 0 {
		c.failures--
		err := c.failErr
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()
	return c.Next.GenerateJSON(ctx, system, user, schemaName, schema)
}

// FlakyMaterializer fails the first Failures calls, then delegates.
type FlakyMaterializer struct {
	Next     materialize.Materializer
	Failures int

	mu    sync.Mutex
	calls int
}

var ErrInjected = errors.New("injected failure")

func (f *FlakyMaterializer) Materialize(dbc dbctx.Context, in materialize.Input) (uuid.UUID, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.Failures
	f.mu.Unlock()
	if fail {
		return uuid.Nil, ErrInjected
	}
	return f.Next.Materialize(dbc, in)
}

// StageRecorder counts stage executions by outcome.
type StageRecorder struct {
	mu   sync.Mutex
	runs map[ingestion.Stage][]string
}

func (r *StageRecorder) ObserveStage(stage ingestion.Stage, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[ingestion.Stage][]string{}
	}
	r.runs[stage] = append(r.runs[stage], outcome)
}

func (r *StageRecorder) Runs(stage ingestion.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[stage])
}

// Recorder keeps every published snapshot. OnPublish, when set, sees each
// snapshot after it is recorded.
type Recorder struct {
	OnPublish func(progress.Snapshot)

	mu    sync.Mutex
	snaps []progress.Snapshot
}

func (r *Recorder) Publish(_ context.Context, snap progress.Snapshot) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	hook := r.OnPublish
	r.mu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

func (r *Recorder) For(id uuid.UUID) []progress.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Snapshot
	for _, s := range r.snaps {
		if s.SessionID == id {
			out = append(out, s)
		}
	}
	return out
}

type Dispatches struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (d *Dispatches) Dispatch(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return nil
}

func (d *Dispatches) Count(id uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, x := range d.ids {
		if x == id {
			n++
		}
	}
	return n
}
