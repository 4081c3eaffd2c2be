package ingestion

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ParseError means the uploaded bytes cannot be read as the declared source type.
// The session cannot recover; the user has to upload again.
type ParseError struct {
	SourceType SourceType
	Reason     string
	Err        error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse %s: %s", e.SourceType, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// AlignmentError means the capability retry budget ran out during alignment.
type AlignmentError struct {
	Attempts int
	Err      error
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("alignment failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *AlignmentError) Unwrap() error { return e.Err }

// GenerationError covers capability exhaustion and schema failures during generation.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf("generation failed: %v", e.Err)
	}
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// InvalidStateError rejects an action the session's current phase does not allow.
type InvalidStateError struct {
	SessionID uuid.UUID
	Phase     Phase
	Action    string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s session %s in phase %s", e.Action, e.SessionID, e.Phase)
}

// MaterializationError means the quest records could not be written. The session
// stays at the final review gate.
type MaterializationError struct {
	SessionID uuid.UUID
	Err       error
}

func (e *MaterializationError) Error() string {
	return fmt.Sprintf("materialize session %s: %v", e.SessionID, e.Err)
}

func (e *MaterializationError) Unwrap() error { return e.Err }

var (
	ErrInvalidDecision = errors.New("invalid review decision")
	ErrInvalidEdits    = errors.New("invalid edits")
	ErrInvalidStage    = errors.New("invalid resume stage")
)

func invalidEdits(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidEdits, fmt.Sprintf(format, args...))
}

const (
	ErrorKindParse      = "parse"
	ErrorKindAlignment  = "alignment"
	ErrorKindGeneration = "generation"
	ErrorKindInternal   = "internal"
)

// ErrorKind classifies a stage failure for persistence.
func ErrorKind(err error) string {
	var pe *ParseError
	var ae *AlignmentError
	var ge *GenerationError
	switch {
	case errors.As(err, &pe):
		return ErrorKindParse
	case errors.As(err, &ae):
		return ErrorKindAlignment
	case errors.As(err, &ge):
		return ErrorKindGeneration
	default:
		return ErrorKindInternal
	}
}

// Resumable reports whether a session that failed with err may be resumed.
func Resumable(err error) bool {
	return ErrorKind(err) != ErrorKindParse
}
