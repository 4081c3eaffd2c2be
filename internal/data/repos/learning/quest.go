package learning

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/shortbird/pathweaver-2.0-sub015/internal/domain/learning"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type QuestRepo interface {
	CreateQuest(dbc dbctx.Context, q *types.Quest) error
	CreateLessons(dbc dbctx.Context, lessons []*types.Lesson) error
	CreateTasks(dbc dbctx.Context, tasks []*types.Task) error
	GetBySourceSession(dbc dbctx.Context, sessionID uuid.UUID) (*types.Quest, error)
	GetWithChildren(dbc dbctx.Context, id uuid.UUID) (*types.Quest, error)
	CountBySourceSession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error)
}

type questRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQuestRepo(db *gorm.DB, baseLog *logger.Logger) QuestRepo {
	return &questRepo{db: db, log: baseLog.With("repo", "QuestRepo")}
}

func (r *questRepo) CreateQuest(dbc dbctx.Context, q *types.Quest) error {
	return dbc.Conn(r.db).Omit("Lessons", "Tasks").Create(q).Error
}

func (r *questRepo) CreateLessons(dbc dbctx.Context, lessons []*types.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	return dbc.Conn(r.db).Create(&lessons).Error
}

func (r *questRepo) CreateTasks(dbc dbctx.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return dbc.Conn(r.db).Create(&tasks).Error
}

// GetBySourceSession returns nil, nil when no quest was created for the session.
func (r *questRepo) GetBySourceSession(dbc dbctx.Context, sessionID uuid.UUID) (*types.Quest, error) {
	var q types.Quest
	err := dbc.Conn(r.db).
		Where("source_upload_session_id = ?", sessionID).
		Limit(1).
		Find(&q).Error
	if err != nil {
		return nil, err
	}
	if q.ID == uuid.Nil {
		return nil, nil
	}
	return &q, nil
}

func (r *questRepo) GetWithChildren(dbc dbctx.Context, id uuid.UUID) (*types.Quest, error) {
	var q types.Quest
	err := dbc.Conn(r.db).
		Preload("Lessons", func(db *gorm.DB) *gorm.DB { return db.Order("sequence_order ASC") }).
		Preload("Tasks", func(db *gorm.DB) *gorm.DB { return db.Order("sequence_order ASC") }).
		Where("id = ?", id).
		First(&q).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("quest %s: %w", id, pkgerrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (r *questRepo) CountBySourceSession(dbc dbctx.Context, sessionID uuid.UUID) (int64, error) {
	var n int64
	err := dbc.Conn(r.db).Model(&types.Quest{}).Where("source_upload_session_id = ?", sessionID).Count(&n).Error
	return n, err
}
