package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/authtoken"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/ctxutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

func newAuthRouter(t *testing.T) (*gin.Engine, *authtoken.Verifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	v, err := authtoken.NewVerifier("test-secret", "")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	r := gin.New()
	r.Use(AttachTraceContext())
	r.Use(NewAuthMiddleware(logger.Nop(), v).RequireAuth())
	r.GET("/whoami", func(c *gin.Context) {
		rd := ctxutil.GetRequestData(c.Request.Context())
		c.String(http.StatusOK, rd.UserID.String())
	})
	return r, v
}

func TestRequireAuth(t *testing.T) {
	r, v := newAuthRouter(t)
	user := uuid.New()
	good, err := v.Sign(user, nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name   string
		header string
		query  string
		status int
	}{
		{name: "missing", status: http.StatusUnauthorized},
		{name: "malformed", header: "Bearer nope", status: http.StatusUnauthorized},
		{name: "header", header: "Bearer " + good, status: http.StatusOK},
		{name: "lowercase scheme", header: "bearer " + good, status: http.StatusOK},
		{name: "query token", query: "?token=" + good, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status: got %d want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.status == http.StatusOK && rec.Body.String() != user.String() {
				t.Fatalf("identity: got %q want %q", rec.Body.String(), user)
			}
		})
	}
}

func TestTraceContextEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AttachTraceContext())
	r.GET("/ping", func(c *gin.Context) {
		td := ctxutil.GetTraceData(c.Request.Context())
		c.String(http.StatusOK, td.RequestID)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Body.String() != "req-123" || rec.Header().Get("X-Request-Id") != "req-123" {
		t.Fatalf("request id not propagated: body=%q header=%q", rec.Body.String(), rec.Header().Get("X-Request-Id"))
	}
	if rec.Header().Get("X-Trace-Id") == "" {
		t.Fatalf("trace id header missing")
	}
}
