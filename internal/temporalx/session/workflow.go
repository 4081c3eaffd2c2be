package session

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

const (
	busyPoll         = 5 * time.Second
	gatePoll         = 30 * time.Minute
	continueAdvances = 500
	continueHistory  = 10000
)

// Workflow loops Advance until the session is terminal or failed for good.
// Paused sessions wait for SignalResume; a long timer re-checks the database in
// case a signal was lost.
func Workflow(ctx workflow.Context, sessionID string) error {
	if sessionID == "" {
		sessionID = sessionIDFromWorkflowID(workflow.GetInfo(ctx).WorkflowExecution.ID)
	}
	if sessionID == "" {
		return fmt.Errorf("upload_session workflow: missing session id")
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 6 * time.Hour,
		HeartbeatTimeout:    time.Minute,
		// Stage retries happen inside the activity; a failed attempt is recorded
		// on the session instead of being replayed.
		RetryPolicy: &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	log := workflow.GetLogger(ctx)

	for advances := 1; ; advances++ {
		var out AdvanceResult
		if err := workflow.ExecuteActivity(ctx, ActivityAdvance, sessionID).Get(ctx, &out); err != nil {
			log.Warn("advance activity failed; waiting for resume", "session_id", sessionID, "error", err)
			waitForResume(ctx, resumeCh, gatePoll)
			continue
		}

		phase := ingestion.Phase(out.Phase)
		switch {
		case phase.Terminal():
			return nil
		case phase == ingestion.PhaseError && !out.CanResume:
			return nil
		case out.Busy:
			if err := workflow.Sleep(ctx, busyPoll); err != nil {
				return err
			}
		case phase.Paused() || phase == ingestion.PhaseError:
			waitForResume(ctx, resumeCh, gatePoll)
		}

		if shouldContinueAsNew(ctx, advances) {
			return workflow.NewContinueAsNewError(ctx, Workflow, sessionID)
		}
	}
}

func waitForResume(ctx workflow.Context, ch workflow.ReceiveChannel, maxWait time.Duration) {
	timerCtx, cancel := workflow.WithCancel(ctx)
	defer cancel()
	timer := workflow.NewTimer(timerCtx, maxWait)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(ch, func(c workflow.ReceiveChannel, more bool) {
		var v any
		c.Receive(ctx, &v)
		// Collapse signals that piled up while the activity ran.
		for c.ReceiveAsync(&v) {
		}
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)
}

func shouldContinueAsNew(ctx workflow.Context, advances int) bool {
	if advances >= continueAdvances {
		return true
	}
	return workflow.GetInfo(ctx).GetCurrentHistoryLength() >= continueHistory
}
