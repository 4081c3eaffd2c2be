package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/blob"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/gcp"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type closableStore interface {
	blob.Store
	io.Closer
}

var newUploadBucket = func(ctx context.Context, log *logger.Logger, cfg gcp.ObjectStorageConfig) (closableStore, error) {
	return gcp.NewUploadBucket(ctx, log, cfg)
}

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidMode         StorageProviderBootstrapErrorCode = "invalid_mode"
	StorageProviderBootstrapErrorMissingBucket       StorageProviderBootstrapErrorCode = "missing_bucket"
	StorageProviderBootstrapErrorMissingEmulatorHost StorageProviderBootstrapErrorCode = "missing_emulator_host"
	StorageProviderBootstrapErrorInvalidEmulatorHost StorageProviderBootstrapErrorCode = "invalid_emulator_host"
	StorageProviderBootstrapErrorConnectFailed       StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveBlobStore returns the upload store for cfg. The closer is nil for local disk.
func resolveBlobStore(ctx context.Context, log *logger.Logger, cfg gcp.ObjectStorageConfig) (blob.Store, io.Closer, error) {
	log.Info(
		"Selecting object storage provider",
		"mode", cfg.Mode,
		"mode_source", cfg.ModeSource(),
		"emulator_host", cfg.EmulatorHost,
	)
	if cfg.Mode == gcp.ObjectStorageModeLocal {
		store, err := blob.NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, nil, classifyStorageProviderBootstrapError(cfg, err)
		}
		return store, nil, nil
	}
	if err := gcp.ValidateObjectStorageConfig(cfg); err != nil {
		classified := classifyStorageProviderBootstrapError(cfg, err)
		log.Error("Object storage provider selection failed", "mode", cfg.Mode, "error", classified)
		return nil, nil, classified
	}
	bucket, err := newUploadBucket(ctx, log, cfg)
	if err != nil {
		classified := classifyStorageProviderBootstrapError(cfg, err)
		log.Error("Object storage provider bootstrap failed", "mode", cfg.Mode, "error", classified)
		return nil, nil, classified
	}
	return bucket, bucket, nil
}

func classifyStorageProviderBootstrapError(cfg gcp.ObjectStorageConfig, err error) error {
	code := StorageProviderBootstrapErrorConnectFailed
	var cfgErr *gcp.ObjectStorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case gcp.ObjectStorageConfigErrorInvalidMode:
			code = StorageProviderBootstrapErrorInvalidMode
		case gcp.ObjectStorageConfigErrorMissingBucket:
			code = StorageProviderBootstrapErrorMissingBucket
		case gcp.ObjectStorageConfigErrorMissingEmulatorHost:
			code = StorageProviderBootstrapErrorMissingEmulatorHost
		case gcp.ObjectStorageConfigErrorInvalidEmulatorHost:
			code = StorageProviderBootstrapErrorInvalidEmulatorHost
		}
	}
	return &StorageProviderBootstrapError{
		Code:         code,
		Mode:         string(cfg.Mode),
		EmulatorHost: cfg.EmulatorHost,
		Cause:        err,
	}
}
