package app

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type testUploadBucket struct {
	closed bool
}

func (b *testUploadBucket) Put(context.Context, string, io.Reader) error { return nil }
func (b *testUploadBucket) Get(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (b *testUploadBucket) Delete(context.Context, string) error { return nil }
func (b *testUploadBucket) DeletePrefix(context.Context, string) (int, error) {
	return 0, nil
}
func (b *testUploadBucket) Close() error {
	b.closed = true
	return nil
}

func stubUploadBucket(t *testing.T, fn func(cfg gcp.ObjectStorageConfig) (closableStore, error)) {
	t.Helper()
	orig := newUploadBucket
	t.Cleanup(func() { newUploadBucket = orig })
	newUploadBucket = func(_ context.Context, _ *logger.Logger, cfg gcp.ObjectStorageConfig) (closableStore, error) {
		return fn(cfg)
	}
}

func TestClassifyStorageProviderBootstrapError(t *testing.T) {
	cases := []struct {
		name string
		cfg  gcp.ObjectStorageConfig
		err  error
		want StorageProviderBootstrapErrorCode
	}{
		{
			name: "invalid mode",
			cfg:  gcp.ObjectStorageConfig{Mode: "bad-mode"},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidMode, Mode: "bad-mode"},
			want: StorageProviderBootstrapErrorInvalidMode,
		},
		{
			name: "missing bucket",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingBucket},
			want: StorageProviderBootstrapErrorMissingBucket,
		},
		{
			name: "missing emulator host",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCSEmulator},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorMissingEmulatorHost},
			want: StorageProviderBootstrapErrorMissingEmulatorHost,
		},
		{
			name: "invalid emulator host",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCSEmulator, EmulatorHost: "fake-gcs:4443"},
			err:  &gcp.ObjectStorageConfigError{Code: gcp.ObjectStorageConfigErrorInvalidEmulatorHost, EmulatorHost: "fake-gcs:4443"},
			want: StorageProviderBootstrapErrorInvalidEmulatorHost,
		},
		{
			name: "connect failed",
			cfg:  gcp.ObjectStorageConfig{Mode: gcp.ObjectStorageModeGCS},
			err:  errors.New("dial tcp: connection refused"),
			want: StorageProviderBootstrapErrorConnectFailed,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyStorageProviderBootstrapError(tc.cfg, tc.err)
			var got *StorageProviderBootstrapError
			if !errors.As(err, &got) {
				t.Fatalf("expected StorageProviderBootstrapError, got=%T", err)
			}
			if got.Code != tc.want {
				t.Fatalf("code: want=%q got=%q", tc.want, got.Code)
			}
			if !errors.Is(err, tc.err) {
				t.Fatalf("cause not preserved: %v", err)
			}
		})
	}
}

func TestResolveBlobStoreLocal(t *testing.T) {
	dir := t.TempDir()
	store, closer, err := resolveBlobStore(context.Background(), logger.Nop(), gcp.ObjectStorageConfig{
		Mode:     gcp.ObjectStorageModeLocal,
		LocalDir: dir,
	})
	if err != nil {
		t.Fatalf("resolveBlobStore: %v", err)
	}
	if closer != nil {
		t.Fatalf("local store should not need closing")
	}
	if _, ok := store.(*blob.Local); !ok {
		t.Fatalf("store: want *blob.Local got %T", store)
	}
}

func TestResolveBlobStoreInvalidMode(t *testing.T) {
	stubUploadBucket(t, func(gcp.ObjectStorageConfig) (closableStore, error) {
		t.Fatalf("bucket constructor must not run for an invalid mode")
		return nil, nil
	})
	_, _, err := resolveBlobStore(context.Background(), logger.Nop(), gcp.ObjectStorageConfig{Mode: "invalid"})
	var got *StorageProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected StorageProviderBootstrapError, got=%T (%v)", err, err)
	}
	if got.Code != StorageProviderBootstrapErrorInvalidMode {
		t.Fatalf("code: want=%q got=%q", StorageProviderBootstrapErrorInvalidMode, got.Code)
	}
}

func TestResolveBlobStoreGCSEmulatorMode(t *testing.T) {
	var captured gcp.ObjectStorageConfig
	expected := &testUploadBucket{}
	stubUploadBucket(t, func(cfg gcp.ObjectStorageConfig) (closableStore, error) {
		captured = cfg
		return expected, nil
	})

	store, closer, err := resolveBlobStore(context.Background(), logger.Nop(), gcp.ObjectStorageConfig{
		Mode:         gcp.ObjectStorageModeGCSEmulator,
		EmulatorHost: "http://fake-gcs:4443",
		Bucket:       "uploads",
	})
	if err != nil {
		t.Fatalf("resolveBlobStore: %v", err)
	}
	if store != expected || closer != expected {
		t.Fatalf("expected stub bucket as store and closer")
	}
	if captured.EmulatorHost != "http://fake-gcs:4443" {
		t.Fatalf("emulator host: got=%q", captured.EmulatorHost)
	}
}

func TestResolveBlobStoreConnectFailed(t *testing.T) {
	stubUploadBucket(t, func(gcp.ObjectStorageConfig) (closableStore, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	_, _, err := resolveBlobStore(context.Background(), logger.Nop(), gcp.ObjectStorageConfig{
		Mode:   gcp.ObjectStorageModeGCS,
		Bucket: "uploads",
	})
	var got *StorageProviderBootstrapError
	if !errors.As(err, &got) {
		t.Fatalf("expected StorageProviderBootstrapError, got=%T", err)
	}
	if got.Code != StorageProviderBootstrapErrorConnectFailed {
		t.Fatalf("code: want=%q got=%q", StorageProviderBootstrapErrorConnectFailed, got.Code)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("error should carry cause: %v", err)
	}
}
