package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/shortbird/pathweaver-2.0-sub015/internal/http/handlers"
	httpMW "github.com/shortbird/pathweaver-2.0-sub015/internal/http/middleware"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/observability"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type RouterConfig struct {
	Log                  *logger.Logger
	ServiceName          string
	Metrics              *observability.Metrics
	AuthMiddleware       *httpMW.AuthMiddleware
	UploadSessionHandler *httpH.UploadSessionHandler
	HealthHandler        *httpH.HealthHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if cfg.ServiceName != "" {
		r.Use(otelgin.Middleware(cfg.ServiceName))
	}
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.RequestLogger(cfg.Log))
	r.Use(httpMW.Metrics(cfg.Metrics))
	r.Use(httpMW.CORS())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := r.Group("/api")
	if cfg.AuthMiddleware != nil {
		api.Use(cfg.AuthMiddleware.RequireAuth())
	}

	if h := cfg.UploadSessionHandler; h != nil {
		sessions := api.Group("/upload-sessions")
		sessions.POST("", h.Create)
		sessions.GET("/resumable", h.ListResumable)
		sessions.GET("/:id", h.Get)
		sessions.GET("/:id/progress", h.Progress)
		sessions.GET("/:id/events", h.Events)
		sessions.POST("/:id/structure-review", h.StructureReview)
		sessions.POST("/:id/final-review", h.FinalReview)
		sessions.POST("/:id/resume", h.Resume)
		sessions.POST("/:id/cancel", h.Cancel)
	}

	return r
}
