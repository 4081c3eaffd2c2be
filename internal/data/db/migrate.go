package db

import (
	"gorm.io/gorm"

	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/learning"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// ingestion
		&ingestion.UploadSession{},

		// materialized quests
		&learning.Quest{},
		&learning.Lesson{},
		&learning.Task{},
	)
}
