package stages

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

// ProgressFunc receives intra-stage progress. Executors may call it from
// several goroutines.
type ProgressFunc func(p ingestion.StageProgress)

// NopProgress discards progress.
func NopProgress(ingestion.StageProgress) {}

// Usage counts capability calls made on behalf of one session.
type Usage struct {
	calls atomic.Int64
}

func (u *Usage) Add(n int) {
	if u != nil {
		u.calls.Add(int64(n))
	}
}

func (u *Usage) Calls() int {
	if u == nil {
		return 0
	}
	return int(u.calls.Load())
}

// Input carries everything a stage may read. Prior is the previous stage's
// output; Raw is the parsed document, needed by stages that quote source text.
type Input struct {
	SessionID      uuid.UUID
	SourceType     ingestion.SourceType
	Filename       string
	Source         []byte
	Prior          ingestion.StageOutput
	Raw            *ingestion.RawContent
	StructureEdits *ingestion.StructureEdits
	Usage          *Usage
}

// Executor runs exactly one stage.
type Executor interface {
	Stage() ingestion.Stage
	Run(ctx context.Context, in Input, report ProgressFunc) (ingestion.StageOutput, error)
}

// Set holds one executor per stage.
type Set map[ingestion.Stage]Executor

// NewSet indexes executors by their stage and rejects gaps or duplicates.
func NewSet(execs ...Executor) (Set, error) {
	out := make(Set, len(execs))
	for _, e := range execs {
		if e == nil {
			return nil, fmt.Errorf("nil executor")
		}
		if _, dup := out[e.Stage()]; dup {
			return nil, fmt.Errorf("duplicate executor for stage %s", e.Stage())
		}
		out[e.Stage()] = e
	}
	for _, st := range ingestion.AllStages {
		if _, ok := out[st]; !ok {
			return nil, fmt.Errorf("missing executor for stage %s", st)
		}
	}
	return out, nil
}

// PriorAs asserts the prior output to the variant a stage expects.
func PriorAs[T ingestion.StageOutput](in Input) (T, error) {
	var zero T
	if in.Prior == nil {
		return zero, fmt.Errorf("prior output: %w", ingestion.ErrOutputMissing)
	}
	v, ok := in.Prior.(T)
	if !ok {
		return zero, fmt.Errorf("prior output has stage %s, want %T", in.Prior.Stage(), zero)
	}
	return v, nil
}
