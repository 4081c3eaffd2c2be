package handlers_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	httpapi "github.com/shortbird/pathweaver-2.0-sub015/internal/http"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/http/handlers"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/http/middleware"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/ingesttest"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime"
)

const paragraph = "Rocks form over long periods of time, and each layer records what happened when it was laid down."

type api struct {
	t        *testing.T
	h        *ingesttest.Harness
	router   *gin.Engine
	verifier *authtoken.Verifier
	owner    uuid.UUID
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := ingesttest.New(t)
	v, err := authtoken.NewVerifier("handler-test", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	hub := realtime.NewSSEHub(h.Log)
	hub.SetHeartbeat(time.Hour)
	router := httpapi.NewRouter(httpapi.RouterConfig{
		Log:            h.Log,
		AuthMiddleware: middleware.NewAuthMiddleware(h.Log, v),
		UploadSessionHandler: handlers.NewUploadSessionHandler(handlers.UploadSessionDeps{
			Log:       h.Log,
			Repo:      h.Repo,
			Intake:    h.Intake,
			Lifecycle: h.Orch,
			Review:    h.Review,
			Hub:       hub,
		}),
		HealthHandler: handlers.NewHealthHandler(nil),
	})
	return &api{t: t, h: h, router: router, verifier: v, owner: uuid.New()}
}

func (a *api) token(user uuid.UUID, roles ...string) string {
	a.t.Helper()
	tok, err := a.verifier.Sign(user, nil, roles, time.Minute)
	if err != nil {
		a.t.Fatalf("sign: %v", err)
	}
	return tok
}

func (a *api) do(method, path, token string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			a.t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) upload(filename, sourceType string, data []byte) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if sourceType != "" {
		_ = mw.WriteField("source_type", sourceType)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		a.t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/upload-sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.token(a.owner))
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *api) created() *ingestion.UploadSession {
	a.t.Helper()
	rec := a.upload("rocks.txt", "", []byte(paragraph))
	if rec.Code != http.StatusAccepted {
		a.t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Session ingestion.UploadSession `json:"session"`
	}
	decode(a.t, rec, &out)
	return &out.Session
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, rec, &env)
	return env.Error.Code
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status: got %d want %d (%s)", rec.Code, status, rec.Body.String())
	}
	if got := errorCode(t, rec); got != code {
		t.Fatalf("code: got %q want %q", got, code)
	}
}

func TestUploadCreatesPendingSession(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	if s.Status != ingestion.StatusPending || s.SourceType != ingestion.SourceText || s.UploaderID != a.owner {
		t.Fatalf("unexpected session: %+v", s)
	}
	if n := a.h.Dispatched.Count(s.ID); n != 1 {
		t.Fatalf("dispatch count: got %d", n)
	}

	expectError(t, a.upload("slides.pptx", "", []byte("x")), http.StatusBadRequest, "invalid_source_type")
	expectError(t, a.upload("notes.txt", "spreadsheet", []byte("x")), http.StatusBadRequest, "invalid_source_type")
	expectError(t, a.upload("big.txt", "", bytes.Repeat([]byte("a"), (1<<20)+1)), http.StatusBadRequest, "file_too_large")
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	a := newAPI(t)
	rec := a.do(http.MethodGet, "/api/upload-sessions/resumable", "", nil)
	expectError(t, rec, http.StatusUnauthorized, "unauthorized")

	if rec := a.do(http.MethodGet, "/healthcheck", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthcheck: %d %q", rec.Code, rec.Body.String())
	}
}

func TestRoutesWithoutAuthMiddlewareAnswerUnauthorized(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	bare := httpapi.NewRouter(httpapi.RouterConfig{
		Log: a.h.Log,
		UploadSessionHandler: handlers.NewUploadSessionHandler(handlers.UploadSessionDeps{
			Log:       a.h.Log,
			Repo:      a.h.Repo,
			Intake:    a.h.Intake,
			Lifecycle: a.h.Orch,
			Review:    a.h.Review,
			Hub:       realtime.NewSSEHub(a.h.Log),
		}),
	})
	a.router = bare

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "rocks.txt")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(paragraph))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload-sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	bare.ServeHTTP(rec, req)
	expectError(t, rec, http.StatusUnauthorized, "unauthorized")

	path := "/api/upload-sessions/" + s.ID.String()
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/upload-sessions/resumable"},
		{http.MethodGet, path},
		{http.MethodGet, path + "/progress"},
		{http.MethodPost, path + "/final-review"},
		{http.MethodPost, path + "/cancel"},
	} {
		expectError(t, a.do(tc.method, tc.path, "", map[string]string{"decision": "approve"}), http.StatusUnauthorized, "unauthorized")
	}
	if got := a.h.Get(t, s.ID); got.Phase.Terminal() {
		t.Fatalf("unauthenticated call changed session: %s", got.Phase)
	}
}

func TestSessionLookupAndAccess(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	path := "/api/upload-sessions/" + s.ID.String()

	expectError(t, a.do(http.MethodGet, "/api/upload-sessions/not-a-uuid", a.token(a.owner), nil), http.StatusBadRequest, "invalid_session_id")
	expectError(t, a.do(http.MethodGet, "/api/upload-sessions/"+uuid.NewString(), a.token(a.owner), nil), http.StatusNotFound, "session_not_found")
	expectError(t, a.do(http.MethodGet, path, a.token(uuid.New()), nil), http.StatusForbidden, "forbidden")

	if rec := a.do(http.MethodGet, path, a.token(uuid.New(), authtoken.RoleReviewer), nil); rec.Code != http.StatusOK {
		t.Fatalf("reviewer get: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(http.MethodGet, path, a.token(a.owner), nil); rec.Code != http.StatusOK {
		t.Fatalf("owner get: %d %s", rec.Code, rec.Body.String())
	}
}

func TestReviewFlowOverHTTP(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	a.h.Run(t, s.ID)
	tok := a.token(a.owner)
	base := "/api/upload-sessions/" + s.ID.String()

	rec := a.do(http.MethodGet, base+"/progress", tok, nil)
	var prog struct {
		Progress struct {
			ProgressPercent int    `json:"progress_percent"`
			AwaitingReview  string `json:"awaiting_review"`
		} `json:"progress"`
	}
	decode(t, rec, &prog)
	if prog.Progress.ProgressPercent != 35 || prog.Progress.AwaitingReview != "structure" {
		t.Fatalf("progress at structure gate: %+v", prog.Progress)
	}

	expectError(t, a.do(http.MethodPost, base+"/final-review", tok, map[string]any{"decision": "approve"}), http.StatusConflict, "invalid_state")
	expectError(t, a.do(http.MethodPost, base+"/structure-review", tok, map[string]any{"decision": "approve"}), http.StatusBadRequest, "invalid_decision")
	expectError(t, a.do(http.MethodPost, base+"/structure-review", tok, `{}`), http.StatusBadRequest, "invalid_decision")
	expectError(t, a.do(http.MethodPost, base+"/structure-review", tok, map[string]any{
		"decision": "continue",
		"edits":    map[string]any{"modules": []any{}},
	}), http.StatusBadRequest, "invalid_edits")
	expectError(t, a.do(http.MethodPost, base+"/structure-review", tok, map[string]any{
		"decision": "continue",
		"edits":    map[string]any{"modules": []any{}, "surprise": true},
	}), http.StatusBadRequest, "invalid_edits")

	rec = a.do(http.MethodPost, base+"/structure-review", tok, map[string]any{
		"decision": "continue",
		"edits": map[string]any{
			"title": "Reading Rocks",
			"modules": []any{map[string]any{
				"title": "Layers",
				"lessons": []any{
					map[string]any{"title": "How layers form", "block_refs": []int{0}},
					map[string]any{"title": "What layers record", "body": "Fossils and ash mark events in each layer."},
				},
			}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("structure continue: %d %s", rec.Code, rec.Body.String())
	}
	if got := a.h.Run(t, s.ID); got.Phase != ingestion.PhasePausedFinalReview {
		t.Fatalf("phase after generate: %s (%s)", got.Phase, got.ErrorMessage)
	}

	a.h.Materializer.Failures = 1
	expectError(t, a.do(http.MethodPost, base+"/final-review", tok, map[string]any{"decision": "approve"}), http.StatusBadGateway, "materialization_failed")

	rec = a.do(http.MethodPost, base+"/final-review", tok, map[string]any{
		"decision": "approve",
		"edits":    map[string]any{"course": map[string]any{"title": "Rocks 101"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Session ingestion.UploadSession `json:"session"`
	}
	decode(t, rec, &out)
	if out.Session.Status != ingestion.StatusApproved || out.Session.CreatedQuestID == nil || out.Session.ProgressPercent != 100 {
		t.Fatalf("approved session: %+v", out.Session)
	}

	expectError(t, a.do(http.MethodPost, base+"/final-review", tok, map[string]any{"decision": "approve"}), http.StatusConflict, "invalid_state")
	expectError(t, a.do(http.MethodPost, base+"/cancel", tok, nil), http.StatusConflict, "invalid_state")
}

func TestResumeAndCancelOverHTTP(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	a.h.Run(t, s.ID)
	tok := a.token(a.owner)
	base := "/api/upload-sessions/" + s.ID.String()

	expectError(t, a.do(http.MethodPost, base+"/resume", tok, map[string]any{"from_stage": 5}), http.StatusBadRequest, "invalid_stage")
	expectError(t, a.do(http.MethodPost, base+"/resume", tok, `{"from_stage":"two"}`), http.StatusBadRequest, "invalid_stage")

	rec := a.do(http.MethodPost, base+"/resume", tok, map[string]any{"from_stage": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Session ingestion.UploadSession `json:"session"`
	}
	decode(t, rec, &out)
	if out.Session.Phase != ingestion.PhaseRunningStage2 || out.Session.HasOutput(ingestion.StageStructure) {
		t.Fatalf("resumed session: phase=%s", out.Session.Phase)
	}

	if rec := a.do(http.MethodPost, base+"/cancel", tok, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, a.do(http.MethodPost, base+"/resume", tok, map[string]any{"from_stage": 1}), http.StatusConflict, "invalid_state")
}

func TestResumableListingIsScopedToCaller(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	a.h.Run(t, s.ID)

	rec := a.do(http.MethodGet, "/api/upload-sessions/resumable", a.token(a.owner), nil)
	var out struct {
		Sessions []struct {
			SessionID uuid.UUID `json:"session_id"`
			CanResume bool      `json:"can_resume"`
		} `json:"sessions"`
	}
	decode(t, rec, &out)
	if len(out.Sessions) != 1 || out.Sessions[0].SessionID != s.ID || !out.Sessions[0].CanResume {
		t.Fatalf("owner listing: %+v", out.Sessions)
	}

	rec = a.do(http.MethodGet, "/api/upload-sessions/resumable", a.token(uuid.New()), nil)
	out.Sessions = nil
	decode(t, rec, &out)
	if len(out.Sessions) != 0 {
		t.Fatalf("stranger listing: %+v", out.Sessions)
	}
}

func TestEventsStreamEndsForTerminalSession(t *testing.T) {
	a := newAPI(t)
	s := a.created()
	tok := a.token(a.owner)
	base := "/api/upload-sessions/" + s.ID.String()
	if rec := a.do(http.MethodPost, base+"/cancel", tok, nil); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- a.do(http.MethodGet, base+"/events?token="+tok, "", nil) }()
	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("event stream for a rejected session did not end")
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: session_closed") || !strings.Contains(body, `"phase":"rejected"`) {
		t.Fatalf("unexpected stream body: %s", body)
	}
}
