// Package materialize turns an approved preview into quest records.
package materialize

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	learningrepo "github.com/shortbird/pathweaver-2.0-sub015/internal/data/repos/learning"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/domain/learning"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

type Input struct {
	SessionID uuid.UUID
	Content   *ingestion.GeneratedContent
	Edits     *ingestion.PreviewEdits
	OwnerID   uuid.UUID
	TenantID  *uuid.UUID
}

// Materializer creates the quest for a session, at most once.
type Materializer interface {
	Materialize(dbc dbctx.Context, in Input) (uuid.UUID, error)
}

type Service struct {
	db     *gorm.DB
	log    *logger.Logger
	quests learningrepo.QuestRepo
}

func New(db *gorm.DB, log *logger.Logger, quests learningrepo.QuestRepo) *Service {
	return &Service{db: db, log: log.Named("materialize"), quests: quests}
}

// Materialize writes the quest, lessons and tasks in dbc's transaction, or in
// its own when dbc has none. A quest already created for the session is
// returned unchanged.
func (m *Service) Materialize(dbc dbctx.Context, in Input) (uuid.UUID, error) {
	if in.SessionID == uuid.Nil || in.OwnerID == uuid.Nil {
		return uuid.Nil, errors.New("materialize: session and owner are required")
	}
	content, err := ingestion.ApplyEdits(in.Content, in.Edits)
	if err != nil {
		return uuid.Nil, err
	}
	if dbc.Tx != nil {
		return m.materialize(dbc, in, content)
	}
	var id uuid.UUID
	err = dbc.Conn(m.db).Transaction(func(tx *gorm.DB) error {
		var txErr error
		id, txErr = m.materialize(dbc.WithTx(tx), in, content)
		return txErr
	})
	return id, err
}

const questSavepoint = "materialize_quest"

func (m *Service) materialize(dbc dbctx.Context, in Input, content *ingestion.GeneratedContent) (uuid.UUID, error) {
	existing, err := m.quests.GetBySourceSession(dbc, in.SessionID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup quest: %w", err)
	}
	if existing != nil {
		m.log.Info("quest already materialized", "session_id", in.SessionID, "quest_id", existing.ID)
		return existing.ID, nil
	}

	q := &learning.Quest{
		SourceUploadSessionID: in.SessionID,
		OwnerUserID:           in.OwnerID,
		TenantID:              in.TenantID,
		Title:                 content.Course.Title,
		Description:           content.Course.Description,
		NavigationMode:        string(content.Course.NavigationMode),
		Status:                "draft",
	}
	// A savepoint keeps the outer transaction usable after a unique violation.
	tx := dbc.Conn(m.db)
	if err := tx.SavePoint(questSavepoint).Error; err != nil {
		return uuid.Nil, fmt.Errorf("savepoint: %w", err)
	}
	if err := m.quests.CreateQuest(dbc, q); err != nil {
		if !isUniqueViolation(err) {
			return uuid.Nil, fmt.Errorf("create quest: %w", err)
		}
		if rbErr := tx.RollbackTo(questSavepoint).Error; rbErr != nil {
			return uuid.Nil, fmt.Errorf("rollback to savepoint: %w", rbErr)
		}
		winner, lookupErr := m.quests.GetBySourceSession(dbc, in.SessionID)
		if lookupErr != nil || winner == nil {
			return uuid.Nil, fmt.Errorf("create quest: %w", err)
		}
		return winner.ID, nil
	}

	lessonIDs := make(map[int]uuid.UUID, len(content.Lessons))
	lessons := make([]*learning.Lesson, 0, len(content.Lessons))
	for _, l := range content.SortedLessons() {
		blocks, err := json.Marshal(l.ContentBlocks)
		if err != nil {
			return uuid.Nil, fmt.Errorf("encode lesson %d: %w", l.SequenceOrder, err)
		}
		row := &learning.Lesson{
			ID:            uuid.New(),
			QuestID:       q.ID,
			SequenceOrder: l.SequenceOrder,
			Title:         l.Title,
			ContentBlocks: datatypes.JSON(blocks),
		}
		lessonIDs[l.SequenceOrder] = row.ID
		lessons = append(lessons, row)
	}
	if err := m.quests.CreateLessons(dbc, lessons); err != nil {
		return uuid.Nil, fmt.Errorf("create lessons: %w", err)
	}

	tasks := make([]*learning.Task, 0, len(content.Tasks))
	for i, t := range content.Tasks {
		tasks = append(tasks, &learning.Task{
			QuestID:        q.ID,
			LessonID:       lessonIDs[t.LessonRef],
			SequenceOrder:  i + 1,
			Title:          t.Title,
			EvidencePrompt: t.EvidencePrompt,
		})
	}
	if err := m.quests.CreateTasks(dbc, tasks); err != nil {
		return uuid.Nil, fmt.Errorf("create tasks: %w", err)
	}
	m.log.Info("quest materialized", "session_id", in.SessionID, "quest_id", q.ID, "lessons", len(lessons), "tasks", len(tasks))
	return q.ID, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
