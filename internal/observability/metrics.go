package observability

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type Metrics struct {
	apiRequests       *CounterVec
	apiLatency        *HistogramVec
	apiInflight       *Gauge
	stageRuns         *CounterVec
	stageLatency      *HistogramVec
	capabilityCalls   *CounterVec
	capabilityLatency *HistogramVec
	sessionsByStatus  *GaugeVec
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// Current returns the process metrics, or nil when Init was never called or metrics are off.
func Current() *Metrics {
	return instance
}

// Init creates the process-wide registry when METRICS_ENABLED is set.
func Init() *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() { instance = New() })
	return instance
}

// New returns an unregistered set of metrics.
func New() *Metrics {
	return &Metrics{
		apiRequests: NewCounterVec("pw_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
		apiLatency: NewHistogramVec(
			"pw_api_request_duration_seconds",
			"API request latency in seconds by method/route/status.",
			[]string{"method", "route", "status"},
			[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		),
		apiInflight: NewGauge("pw_api_inflight_requests", "In-flight API requests."),
		stageRuns:   NewCounterVec("pw_ingest_stage_runs_total", "Pipeline stage executions by stage/outcome.", []string{"stage", "outcome"}),
		stageLatency: NewHistogramVec(
			"pw_ingest_stage_duration_seconds",
			"Pipeline stage duration in seconds by stage/outcome.",
			[]string{"stage", "outcome"},
			[]float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		),
		capabilityCalls: NewCounterVec("pw_capability_calls_total", "Language capability attempts by stage/outcome.", []string{"stage", "outcome"}),
		capabilityLatency: NewHistogramVec(
			"pw_capability_call_duration_seconds",
			"Language capability attempt latency in seconds by stage.",
			[]string{"stage"},
			[]float64{0.25, 0.5, 1, 2, 5, 10, 20, 60},
		),
		sessionsByStatus: NewGaugeVec("pw_upload_sessions", "Upload sessions by status.", []string{"status"}),
	}
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
}

func (m *Metrics) ApiInflightInc() {
	if m != nil {
		m.apiInflight.Inc()
	}
}

func (m *Metrics) ApiInflightDec() {
	if m != nil {
		m.apiInflight.Dec()
	}
}

// ObserveStage records one pipeline stage execution.
func (m *Metrics) ObserveStage(stage ingestion.Stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.stageRuns.Inc(stage.String(), outcome)
	m.stageLatency.Observe(took.Seconds(), stage.String(), outcome)
}

// ObserveCapabilityCall records one capability attempt, including retries.
func (m *Metrics) ObserveCapabilityCall(stage ingestion.Stage, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.capabilityCalls.Inc(stage.String(), outcome)
	m.capabilityLatency.Observe(took.Seconds(), stage.String())
}

// StatusCounter is the slice of the session store the collector reads.
type StatusCounter interface {
	CountByStatus(dbc dbctx.Context) (map[ingestion.Status]int64, error)
}

// CollectSessions refreshes the per-status gauge once.
func (m *Metrics) CollectSessions(ctx context.Context, repo StatusCounter) error {
	if m == nil {
		return nil
	}
	counts, err := repo.CountByStatus(dbctx.Context{Ctx: ctx})
	if err != nil {
		return err
	}
	for _, st := range []ingestion.Status{
		ingestion.StatusPending, ingestion.StatusProcessing, ingestion.StatusReadyForReview,
		ingestion.StatusApproved, ingestion.StatusRejected, ingestion.StatusError,
	} {
		m.sessionsByStatus.Set(float64(counts[st]), string(st))
	}
	return nil
}

// StartSessionCollector polls session counts until ctx ends.
func (m *Metrics) StartSessionCollector(ctx context.Context, log *logger.Logger, repo StatusCounter, every time.Duration) {
	if m == nil || repo == nil {
		return
	}
	if every <= 0 {
		every = envutil.Duration("METRICS_SCRAPE_INTERVAL", 30*time.Second)
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			if err := m.CollectSessions(ctx, repo); err != nil && ctx.Err() == nil && log != nil {
				log.Warn("metrics: session count query failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// StartServer serves the exposition on a dedicated address.
func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed && log != nil {
			log.Error("metrics server failed", "error", err, "addr", addr)
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	writers := []interface{ WritePrometheus(io.Writer) error }{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.stageRuns, m.stageLatency,
		m.capabilityCalls, m.capabilityLatency,
		m.sessionsByStatus,
	}
	for _, pw := range writers {
		if err := pw.WritePrometheus(w); err != nil {
			return err
		}
	}
	return nil
}
