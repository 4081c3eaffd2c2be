package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	repos "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/http/response"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/intake"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/review"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/apierr"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/ctxutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
)

// Intake creates sessions from uploads.
type Intake interface {
	Create(ctx context.Context, req intake.Request) (*ingestion.UploadSession, error)
	MaxBytes() int64
}

// Lifecycle is the orchestrator surface the API drives directly.
type Lifecycle interface {
	Resume(ctx context.Context, id uuid.UUID, fromStage int) (*ingestion.UploadSession, error)
	Cancel(ctx context.Context, id uuid.UUID) (*ingestion.UploadSession, error)
}

type Reviewer interface {
	Submit(ctx context.Context, sub review.Submission) (*ingestion.UploadSession, error)
}

type UploadSessionDeps struct {
	Log       *logger.Logger
	Repo      repos.UploadSessionRepo
	Intake    Intake
	Lifecycle Lifecycle
	Review    Reviewer
	Hub       *realtime.SSEHub
}

type UploadSessionHandler struct {
	log       *logger.Logger
	repo      repos.UploadSessionRepo
	intake    Intake
	lifecycle Lifecycle
	review    Reviewer
	hub       *realtime.SSEHub
}

func NewUploadSessionHandler(d UploadSessionDeps) *UploadSessionHandler {
	return &UploadSessionHandler{
		log:       d.Log.With("handler", "UploadSessionHandler"),
		repo:      d.Repo,
		intake:    d.Intake,
		lifecycle: d.Lifecycle,
		review:    d.Review,
		hub:       d.Hub,
	}
}

// multipart framing allowance on top of the file limit
const multipartSlack = 1 << 20

// POST /api/upload-sessions
func (h *UploadSessionHandler) Create(c *gin.Context) {
	rd, ok := requester(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.intake.MaxBytes()+multipartSlack)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			h.fail(c, intake.ErrFileTooLarge)
			return
		}
		response.RespondError(c, http.StatusBadRequest, "missing_file", err)
		return
	}
	if fh.Size > h.intake.MaxBytes() {
		h.fail(c, intake.ErrFileTooLarge)
		return
	}
	f, err := fh.Open()
	if err != nil {
		h.fail(c, err)
		return
	}
	defer f.Close()

	s, err := h.intake.Create(c.Request.Context(), intake.Request{
		SourceType: ingestion.SourceType(c.PostForm("source_type")),
		Filename:   fh.Filename,
		Body:       f,
		UploaderID: rd.UserID,
		TenantID:   rd.TenantID,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondAccepted(c, gin.H{"session": s})
}

// GET /api/upload-sessions/resumable
func (h *UploadSessionHandler) ListResumable(c *gin.Context) {
	rd, ok := requester(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	sessions, err := h.repo.ListResumable(dbctx.Context{Ctx: c.Request.Context()}, rd.UserID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	views := make([]progress.Snapshot, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, progress.Project(s))
	}
	response.RespondOK(c, gin.H{"sessions": views})
}

// GET /api/upload-sessions/:id
func (h *UploadSessionHandler) Get(c *gin.Context) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	response.RespondOK(c, gin.H{"session": s})
}

// GET /api/upload-sessions/:id/progress
func (h *UploadSessionHandler) Progress(c *gin.Context) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	response.RespondOK(c, gin.H{"progress": progress.Project(s)})
}

// GET /api/upload-sessions/:id/events
func (h *UploadSessionHandler) Events(c *gin.Context) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	rd := ctxutil.GetRequestData(c.Request.Context())
	client := h.hub.NewSSEClient(rd.UserID)
	h.hub.AddChannel(client, realtime.SessionChannel(s.ID))
	defer h.hub.CloseClient(client)

	// Subscribe before reading the current state so no update falls between the two.
	current, err := h.repo.Get(dbctx.Context{Ctx: c.Request.Context()}, s.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	select {
	case client.Outbound <- realtime.MessageFor(progress.Project(current)):
	default:
	}
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

type reviewRequest struct {
	Decision string          `json:"decision" binding:"required"`
	Edits    json.RawMessage `json:"edits"`
}

// POST /api/upload-sessions/:id/structure-review
func (h *UploadSessionHandler) StructureReview(c *gin.Context) {
	h.submitReview(c, review.GateStructure)
}

// POST /api/upload-sessions/:id/final-review
func (h *UploadSessionHandler) FinalReview(c *gin.Context) {
	h.submitReview(c, review.GateFinal)
}

func (h *UploadSessionHandler) submitReview(c *gin.Context, gate review.Gate) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	var req reviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", ingestion.ErrInvalidDecision, err))
		return
	}
	sub := review.Submission{
		SessionID:  s.ID,
		Gate:       gate,
		Decision:   review.Decision(req.Decision),
		ReviewerID: ctxutil.GetRequestData(c.Request.Context()).UserID,
	}
	if hasEdits(req.Edits) {
		var err error
		if gate == review.GateStructure {
			sub.StructureEdits = &ingestion.StructureEdits{}
			err = decodeStrict(req.Edits, sub.StructureEdits)
		} else {
			sub.PreviewEdits = &ingestion.PreviewEdits{}
			err = decodeStrict(req.Edits, sub.PreviewEdits)
		}
		if err != nil {
			h.fail(c, fmt.Errorf("%w: %v", ingestion.ErrInvalidEdits, err))
			return
		}
	}
	updated, err := h.review.Submit(c.Request.Context(), sub)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": updated})
}

type resumeRequest struct {
	FromStage int `json:"from_stage" binding:"required"`
}

// POST /api/upload-sessions/:id/resume
func (h *UploadSessionHandler) Resume(c *gin.Context) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: %v", ingestion.ErrInvalidStage, err))
		return
	}
	updated, err := h.lifecycle.Resume(c.Request.Context(), s.ID, req.FromStage)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": updated})
}

// POST /api/upload-sessions/:id/cancel
func (h *UploadSessionHandler) Cancel(c *gin.Context) {
	s, ok := h.authorized(c)
	if !ok {
		return
	}
	updated, err := h.lifecycle.Cancel(c.Request.Context(), s.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.RespondOK(c, gin.H{"session": updated})
}

// requester returns the authenticated caller, or writes a 401.
func requester(c *gin.Context) (*ctxutil.RequestData, bool) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.UserID == uuid.Nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", errors.New("missing credentials"))
		return nil, false
	}
	return rd, true
}

// authorized loads the :id session and checks the caller may act on it.
func (h *UploadSessionHandler) authorized(c *gin.Context) (*ingestion.UploadSession, bool) {
	rd, ok := requester(c)
	if !ok {
		return nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return nil, false
	}
	s, err := h.repo.Get(dbctx.Context{Ctx: c.Request.Context()}, id)
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if !mayAccess(rd, s) {
		response.RespondAPIError(c, apierr.Forbidden("forbidden", errors.New("not allowed to access this session")))
		return nil, false
	}
	return s, true
}

func mayAccess(rd *ctxutil.RequestData, s *ingestion.UploadSession) bool {
	if rd == nil {
		return false
	}
	if s.TenantID != nil && rd.TenantID != nil && *s.TenantID != *rd.TenantID {
		return false
	}
	return rd.UserID == s.UploaderID || rd.HasRole(authtoken.RoleReviewer)
}

func (h *UploadSessionHandler) fail(c *gin.Context, err error) {
	ae := toAPIError(err)
	if ae.Status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.FullPath(), "session_id", c.Param("id"), "error", err)
	}
	response.RespondAPIError(c, ae)
}

func hasEdits(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeStrict(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
