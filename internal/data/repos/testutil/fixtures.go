package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
)

// SeedSession inserts a pending text session, after letting mutate adjust it.
func SeedSession(tb testing.TB, ctx context.Context, db *gorm.DB, mutate func(*types.UploadSession)) *types.UploadSession {
	tb.Helper()
	now := time.Now().UTC()
	s := &types.UploadSession{
		ID:         uuid.New(),
		SourceType: types.SourceText,
		Filename:   "notes.txt",
		SizeBytes:  42,
		StorageKey: "uploads/test/notes.txt",
		Status:     types.StatusPending,
		Phase:      types.PhasePending,
		UploaderID: uuid.New(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if mutate != nil {
		mutate(s)
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed upload session: %v", err)
	}
	return s
}

func MustGetSession(tb testing.TB, ctx context.Context, db *gorm.DB, id uuid.UUID) *types.UploadSession {
	tb.Helper()
	var s types.UploadSession
	if err := db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		tb.Fatalf("load upload session %s: %v", id, err)
	}
	return &s
}

func PtrTime(t time.Time) *time.Time { return &t }
