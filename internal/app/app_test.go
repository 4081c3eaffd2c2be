package app

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/dispatch"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/progress"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	return Config{
		LogMode:        "development",
		DBDriver:       "sqlite",
		SQLitePath:     filepath.Join(dir, "app.db"),
		AutoMigrate:    true,
		JWTSecret:      "app-test",
		MaxUploadBytes: 1 << 20,
		Storage:        gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeLocal, LocalDir: filepath.Join(dir, "uploads")},
		LLM:            llm.Config{Provider: llm.ProviderOffline},
		Retry:          stages.RetryPolicy{MaxAttempts: 1, Timeout: 5 * time.Second},
		DispatchMode:   DispatchPool,
		RunWorker:      true,
		Pool: dispatch.Config{
			Concurrency:  1,
			PollInterval: 20 * time.Millisecond,
			StaleAfter:   time.Minute,
		},
	}
}

func TestAppProcessesUploadToStructureReview(t *testing.T) {
	gin.SetMode(gin.TestMode)
	t.Setenv("INGEST_CONVENTIONS_PATH", "")

	a, err := NewWithConfig(context.Background(), logger.Nop(), testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(a.Close)
	if err := a.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	owner := uuid.New()
	tok, err := a.Services.Verifier.Sign(owner, nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "rocks.txt")
	_, _ = fw.Write([]byte("Rocks form over long periods of time, and each layer records what happened."))
	_ = mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/upload-sessions", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Session ingestion.UploadSession `json:"session"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		req := httptest.NewRequest(http.MethodGet, "/api/upload-sessions/"+created.Session.ID.String()+"/progress", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		a.Router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("progress: %d %s", rec.Code, rec.Body.String())
		}
		var out struct {
			Progress progress.Snapshot `json:"progress"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if out.Progress.Phase == ingestion.PhasePausedStructureReview {
			if out.Progress.AwaitingReview != progress.AwaitingStructure {
				t.Fatalf("awaiting_review: got %q", out.Progress.AwaitingReview)
			}
			return
		}
		if out.Progress.Phase == ingestion.PhaseError {
			t.Fatalf("session failed: %s", out.Progress.ErrorMessage)
		}
		if time.Now().After(deadline) {
			t.Fatalf("session stuck in %s", out.Progress.Phase)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAppHealthcheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := NewWithConfig(context.Background(), logger.Nop(), testConfig(t))
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthcheck: %d %s", rec.Code, rec.Body.String())
	}
}
