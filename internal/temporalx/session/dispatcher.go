package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	enumspb "go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
)

// Dispatcher starts the session workflow, or signals it when it already runs.
type Dispatcher struct {
	client    temporalsdkclient.Client
	taskQueue string
}

func NewDispatcher(c temporalsdkclient.Client, taskQueue string) *Dispatcher {
	return &Dispatcher{client: c, taskQueue: taskQueue}
}

func (d *Dispatcher) Dispatch(ctx context.Context, sessionID uuid.UUID) error {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    WorkflowID(sessionID),
		TaskQueue:             d.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	_, err := d.client.SignalWithStartWorkflow(ctx, opts.ID, SignalResume, nil, opts, WorkflowName, sessionID.String())
	if err != nil {
		return fmt.Errorf("signal-with-start %s: %w", opts.ID, err)
	}
	return nil
}
