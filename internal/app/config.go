package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/dispatch"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/ingestion/stages/parse"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/envutil"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/llm"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/realtime/bus"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/temporalx"
)

type DispatchMode string

const (
	DispatchPool     DispatchMode = "pool"
	DispatchTemporal DispatchMode = "temporal"
)

type Config struct {
	LogMode     string
	HTTPAddr    string
	ServiceName string
	Environment string

	DBDriver    string
	SQLitePath  string
	AutoMigrate bool

	JWTSecret string
	JWTIssuer string

	MaxUploadBytes int64

	Storage gcp.ObjectStorageConfig
	DocAI   gcp.DocAIConfig
	LLM     llm.Config
	Retry   stages.RetryPolicy
	Parse   parse.Options

	AlignConcurrency    int
	GenerateConcurrency int

	DispatchMode DispatchMode
	// RunWorker hosts the pool or Temporal worker in this process.
	RunWorker bool
	Pool      dispatch.Config
	Temporal  temporalx.Config
	Redis     bus.RedisConfig

	MetricsEnabled       bool
	MetricsAddr          string
	SessionMetricsPeriod time.Duration
}

func LoadConfig() (Config, error) {
	storage, err := gcp.ResolveObjectStorageConfigFromEnv()
	if err != nil {
		return Config{}, classifyStorageProviderBootstrapError(storage, err)
	}
	cfg := Config{
		LogMode:     envutil.String("LOG_MODE", "development"),
		HTTPAddr:    envutil.String("HTTP_ADDR", ":8080"),
		ServiceName: envutil.String("OTEL_SERVICE_NAME", "pathweaver-ingest"),
		Environment: envutil.String("APP_ENV", "development"),

		DBDriver:    strings.ToLower(envutil.String("DB_DRIVER", "postgres")),
		SQLitePath:  envutil.String("SQLITE_PATH", "pathweaver.db"),
		AutoMigrate: envutil.Bool("DB_AUTO_MIGRATE", true),

		JWTSecret: envutil.String("JWT_SECRET", ""),
		JWTIssuer: envutil.String("JWT_ISSUER", ""),

		MaxUploadBytes: int64(envutil.Int("INGEST_MAX_UPLOAD_BYTES", 50<<20)),

		Storage: storage,
		DocAI:   gcp.DocAIConfigFromEnv(),
		LLM:     llm.ConfigFromEnv(),
		Retry:   stages.RetryPolicyFromEnv(),
		Parse:   parse.OptionsFromEnv(),

		AlignConcurrency:    envutil.Int("INGEST_ALIGN_CONCURRENCY", 4),
		GenerateConcurrency: envutil.Int("INGEST_GENERATE_CONCURRENCY", 4),

		DispatchMode: DispatchMode(strings.ToLower(envutil.String("INGEST_DISPATCH_MODE", string(DispatchPool)))),
		RunWorker:    envutil.Bool("INGEST_RUN_WORKER", true),
		Pool:         dispatch.ConfigFromEnv(),
		Temporal:     temporalx.LoadConfig(),
		Redis:        bus.RedisConfigFromEnv(),

		MetricsEnabled:       envutil.Bool("METRICS_ENABLED", false),
		MetricsAddr:          envutil.String("METRICS_ADDR", ""),
		SessionMetricsPeriod: envutil.Duration("METRICS_SESSION_POLL_INTERVAL", 30*time.Second),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	switch c.DispatchMode {
	case DispatchPool:
	case DispatchTemporal:
		if !c.Temporal.Enabled() {
			return fmt.Errorf("INGEST_DISPATCH_MODE=temporal requires TEMPORAL_ADDRESS")
		}
	default:
		return fmt.Errorf("INGEST_DISPATCH_MODE must be pool or temporal, got %q", c.DispatchMode)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("INGEST_MAX_UPLOAD_BYTES must be positive")
	}
	return nil
}
