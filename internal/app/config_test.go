package app

import (
	"errors"
	"strings"
	"testing"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("OBJECT_STORAGE_MODE", "local")
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())
	t.Setenv("DB_DRIVER", "")
	t.Setenv("INGEST_DISPATCH_MODE", "")
	t.Setenv("TEMPORAL_ADDRESS", "")
	t.Setenv("INGEST_MAX_UPLOAD_BYTES", "")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DBDriver != "postgres" {
		t.Fatalf("db driver: got %q", cfg.DBDriver)
	}
	if cfg.DispatchMode != DispatchPool {
		t.Fatalf("dispatch mode: got %q", cfg.DispatchMode)
	}
	if !cfg.RunWorker {
		t.Fatalf("worker should run in-process by default")
	}
	if cfg.MaxUploadBytes != 50<<20 {
		t.Fatalf("max upload: got %d", cfg.MaxUploadBytes)
	}
	if cfg.Storage.Mode != gcp.ObjectStorageModeLocal {
		t.Fatalf("storage mode: got %q", cfg.Storage.Mode)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing secret", map[string]string{"JWT_SECRET": ""}, "JWT_SECRET"},
		{"bad driver", map[string]string{"DB_DRIVER": "mysql"}, "DB_DRIVER"},
		{"bad dispatch", map[string]string{"INGEST_DISPATCH_MODE": "kafka"}, "INGEST_DISPATCH_MODE"},
		{"temporal without address", map[string]string{"INGEST_DISPATCH_MODE": "temporal"}, "TEMPORAL_ADDRESS"},
		{"non-positive upload limit", map[string]string{"INGEST_MAX_UPLOAD_BYTES": "-1"}, "INGEST_MAX_UPLOAD_BYTES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigTemporalMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("INGEST_DISPATCH_MODE", "Temporal")
	t.Setenv("TEMPORAL_ADDRESS", "localhost:7233")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.DispatchMode != DispatchTemporal {
		t.Fatalf("dispatch mode: got %q", cfg.DispatchMode)
	}
}

func TestLoadConfigClassifiesStorageErrors(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("OBJECT_STORAGE_MODE", "gcs")
	t.Setenv("UPLOAD_GCS_BUCKET_NAME", "")
	_, err := LoadConfig()
	var got *StorageProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected StorageProviderBootstrapError, got=%T (%v)", err, err)
	}
	if got.Code != StorageProviderBootstrapErrorMissingBucket {
		t.Fatalf("code: got %q", got.Code)
	}
}
