package learning

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Quest is the course container materialized from an approved upload.
type Quest struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	SourceUploadSessionID uuid.UUID  `gorm:"type:uuid;column:source_upload_session_id;not null;uniqueIndex" json:"source_upload_session_id"`
	OwnerUserID           uuid.UUID  `gorm:"type:uuid;column:owner_user_id;not null;index" json:"owner_user_id"`
	TenantID              *uuid.UUID `gorm:"type:uuid;column:tenant_id;index" json:"tenant_id,omitempty"`
	Title                 string     `gorm:"column:title;not null" json:"title"`
	Description           string     `gorm:"column:description" json:"description"`
	NavigationMode        string     `gorm:"column:navigation_mode;not null" json:"navigation_mode"`
	Status                string     `gorm:"column:status;not null;default:'draft'" json:"status"`
	Lessons               []Lesson   `gorm:"foreignKey:QuestID" json:"lessons,omitempty"`
	Tasks                 []Task     `gorm:"foreignKey:QuestID" json:"tasks,omitempty"`
	CreatedAt             time.Time  `gorm:"not null;index" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"not null" json:"updated_at"`
}

func (Quest) TableName() string { return "quest" }

func (q *Quest) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}

type Lesson struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	QuestID       uuid.UUID      `gorm:"type:uuid;column:quest_id;not null;uniqueIndex:idx_quest_lesson_order" json:"quest_id"`
	SequenceOrder int            `gorm:"column:sequence_order;not null;uniqueIndex:idx_quest_lesson_order" json:"sequence_order"`
	Title         string         `gorm:"column:title;not null" json:"title"`
	ContentBlocks datatypes.JSON `gorm:"column:content_blocks" json:"content_blocks"`
	CreatedAt     time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"not null" json:"updated_at"`
}

func (Lesson) TableName() string { return "quest_lesson" }

func (l *Lesson) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

type Task struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	QuestID        uuid.UUID `gorm:"type:uuid;column:quest_id;not null;index" json:"quest_id"`
	LessonID       uuid.UUID `gorm:"type:uuid;column:lesson_id;not null;index" json:"lesson_id"`
	SequenceOrder  int       `gorm:"column:sequence_order;not null" json:"sequence_order"`
	Title          string    `gorm:"column:title;not null" json:"title"`
	EvidencePrompt string    `gorm:"column:evidence_prompt;not null" json:"evidence_prompt"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "quest_task" }

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}
