package handlers

import (
	"errors"
	"net/http"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/intake"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/apierr"
)

// toAPIError maps service errors onto the public error codes.
func toAPIError(err error) *apierr.Error {
	if ae, ok := apierr.From(err); ok {
		return ae
	}
	var invalidState *ingestion.InvalidStateError
	var materialization *ingestion.MaterializationError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, pkgerrors.ErrNotFound):
		return apierr.NotFound("session_not_found", err)
	case errors.Is(err, ingestion.ErrInvalidDecision):
		return apierr.BadRequest("invalid_decision", err)
	case errors.Is(err, ingestion.ErrInvalidEdits):
		return apierr.BadRequest("invalid_edits", err)
	case errors.Is(err, ingestion.ErrInvalidStage):
		return apierr.BadRequest("invalid_stage", err)
	case errors.Is(err, intake.ErrInvalidSourceType):
		return apierr.BadRequest("invalid_source_type", err)
	case errors.Is(err, intake.ErrFileTooLarge), errors.As(err, &tooLarge):
		return apierr.BadRequest("file_too_large", err)
	case errors.Is(err, intake.ErrEmptyFile):
		return apierr.BadRequest("empty_file", err)
	case errors.As(err, &invalidState):
		return apierr.Conflict("invalid_state", err)
	case errors.Is(err, pkgerrors.ErrConcurrentUpdate):
		return apierr.Conflict("concurrent_update", err)
	case errors.As(err, &materialization):
		return apierr.New(http.StatusBadGateway, "materialization_failed", err)
	default:
		return apierr.New(http.StatusInternalServerError, "internal", errInternal)
	}
}

var errInternal = errors.New("internal error")
