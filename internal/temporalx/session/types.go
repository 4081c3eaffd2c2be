// Package session runs one Temporal workflow per upload session. The workflow
// advances the pipeline and sleeps on a signal while a human review is pending.
package session

import (
	"strings"

	"github.com/google/uuid"
)

const (
	WorkflowName    = "upload_session"
	ActivityAdvance = "upload_session_advance"
	SignalResume    = "session_resume"
)

func WorkflowID(sessionID uuid.UUID) string { return "upload-session-" + sessionID.String() }

func sessionIDFromWorkflowID(id string) string {
	return strings.TrimPrefix(strings.TrimSpace(id), "upload-session-")
}

// AdvanceResult is where the session stood when the activity returned.
type AdvanceResult struct {
	SessionID string `json:"session_id"`
	Phase     string `json:"phase"`
	CanResume bool   `json:"can_resume"`
	// Busy means another worker held the lease.
	Busy bool `json:"busy,omitempty"`
}
