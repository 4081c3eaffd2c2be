package ingestion

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/shortbird/pathweaver-2.0-sub015/internal/domain/ingestion"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/dbctx"
	pkgerrors "github.com/shortbird/pathweaver-2.0-sub015/internal/pkg/errors"
	"github.com/shortbird/pathweaver-2.0-sub015/internal/platform/logger"
)

// Guard is the state a writer observed. A guarded write only lands if the row
// still matches it.
type Guard struct {
	Status       types.Status
	Phase        types.Phase
	CurrentStage int
	// ClaimToken, when set, also requires the caller to still hold the worker lease.
	ClaimToken *uuid.UUID
}

// GuardFor captures the guard fields of a session snapshot.
func GuardFor(s *types.UploadSession) Guard {
	return Guard{Status: s.Status, Phase: s.Phase, CurrentStage: s.CurrentStage}
}

func (g Guard) WithClaim(token uuid.UUID) Guard {
	g.ClaimToken = &token
	return g
}

type CreateParams struct {
	SourceType types.SourceType
	Filename   string
	SizeBytes  int64
	StorageKey string
	UploaderID uuid.UUID
	TenantID   *uuid.UUID
	// ID lets intake pick the id up front so the blob key can embed it.
	ID uuid.UUID
}

type UploadSessionRepo interface {
	Create(dbc dbctx.Context, p CreateParams) (*types.UploadSession, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.UploadSession, error)
	Update(dbc dbctx.Context, id uuid.UUID, guard Guard, updates map[string]interface{}) error
	UpdateProgress(dbc dbctx.Context, id uuid.UUID, phase types.Phase, claim *uuid.UUID, updates map[string]interface{}) (bool, error)
	ListResumable(dbc dbctx.Context, uploaderID uuid.UUID, limit int) ([]*types.UploadSession, error)
	Claim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, staleBefore time.Time) (bool, error)
	ClaimNextRunnable(dbc dbctx.Context, token uuid.UUID, staleBefore time.Time) (*types.UploadSession, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error)
	Release(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) error
	CountByStatus(dbc dbctx.Context) (map[types.Status]int64, error)
}

type uploadSessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUploadSessionRepo(db *gorm.DB, baseLog *logger.Logger) UploadSessionRepo {
	return &uploadSessionRepo{
		db:  db,
		log: baseLog.With("repo", "UploadSessionRepo"),
	}
}

func (r *uploadSessionRepo) Create(dbc dbctx.Context, p CreateParams) (*types.UploadSession, error) {
	if !p.SourceType.Valid() {
		return nil, fmt.Errorf("%w: source_type %q", pkgerrors.ErrInvalidArgument, p.SourceType)
	}
	if p.UploaderID == uuid.Nil {
		return nil, fmt.Errorf("%w: uploader required", pkgerrors.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	s := &types.UploadSession{
		ID:               p.ID,
		SourceType:       p.SourceType,
		Filename:         p.Filename,
		SizeBytes:        p.SizeBytes,
		StorageKey:       p.StorageKey,
		Status:           types.StatusPending,
		Phase:            types.PhasePending,
		CurrentStageName: "Queued",
		UploaderID:       p.UploaderID,
		TenantID:         p.TenantID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := dbc.Conn(r.db).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *uploadSessionRepo) Get(dbc dbctx.Context, id uuid.UUID) (*types.UploadSession, error) {
	var s types.UploadSession
	err := dbc.Conn(r.db).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("upload session %s: %w", id, pkgerrors.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Update applies updates only if the row still matches guard; otherwise it
// returns ErrConcurrentUpdate and changes nothing.
func (r *uploadSessionRepo) Update(dbc dbctx.Context, id uuid.UUID, guard Guard, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: session id required", pkgerrors.ErrInvalidArgument)
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	q := dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Where("id = ? AND status = ? AND phase = ? AND current_stage = ?", id, guard.Status, guard.Phase, guard.CurrentStage)
	if guard.ClaimToken != nil {
		q = q.Where("claim_token = ?", *guard.ClaimToken)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("upload session %s (%s/%d): %w", id, guard.Phase, guard.CurrentStage, pkgerrors.ErrConcurrentUpdate)
	}
	return nil
}

// UpdateProgress writes progress fields while the session stays in phase. It
// never touches status or stage fields.
func (r *uploadSessionRepo) UpdateProgress(dbc dbctx.Context, id uuid.UUID, phase types.Phase, claim *uuid.UUID, updates map[string]interface{}) (bool, error) {
	for _, k := range []string{"status", "phase", "current_stage"} {
		if _, ok := updates[k]; ok {
			return false, fmt.Errorf("%w: progress update may not set %s", pkgerrors.ErrInvalidArgument, k)
		}
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	now := time.Now().UTC()
	updates["updated_at"] = now
	updates["heartbeat_at"] = now
	q := dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Where("id = ? AND phase = ?", id, phase)
	if claim != nil {
		q = q.Where("claim_token = ?", *claim)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *uploadSessionRepo) ListResumable(dbc dbctx.Context, uploaderID uuid.UUID, limit int) ([]*types.UploadSession, error) {
	var out []*types.UploadSession
	if uploaderID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	err := dbc.Conn(r.db).
		Where("uploader_id = ? AND can_resume = ?", uploaderID, true).
		Order("updated_at DESC").
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func claimableScope(staleBefore time.Time) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("phase IN ?", types.RunnablePhases).
			Where("(claim_token IS NULL OR heartbeat_at IS NULL OR heartbeat_at < ?)", staleBefore)
	}
}

// Claim takes the worker lease on one session. It fails if another live worker holds it.
func (r *uploadSessionRepo) Claim(dbc dbctx.Context, id uuid.UUID, token uuid.UUID, staleBefore time.Time) (bool, error) {
	now := time.Now().UTC()
	res := dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Where("id = ?", id).
		Scopes(claimableScope(staleBefore)).
		Updates(map[string]interface{}{
			"claim_token":  token,
			"heartbeat_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimNextRunnable leases the oldest runnable session that no live worker holds.
func (r *uploadSessionRepo) ClaimNextRunnable(dbc dbctx.Context, token uuid.UUID, staleBefore time.Time) (*types.UploadSession, error) {
	now := time.Now().UTC()
	var claimed *types.UploadSession
	err := dbc.Conn(r.db).Transaction(func(txx *gorm.DB) error {
		var s types.UploadSession
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Scopes(claimableScope(staleBefore)).
			Order("created_at ASC").
			First(&s).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		res := txx.Model(&types.UploadSession{}).
			Where("id = ?", s.ID).
			Scopes(claimableScope(staleBefore)).
			Updates(map[string]interface{}{
				"claim_token":  token,
				"heartbeat_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		s.ClaimToken = &token
		s.HeartbeatAt = &now
		claimed = &s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *uploadSessionRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) (bool, error) {
	res := dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Where("id = ? AND claim_token = ?", id, token).
		Update("heartbeat_at", time.Now().UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release drops the lease if token still holds it.
func (r *uploadSessionRepo) Release(dbc dbctx.Context, id uuid.UUID, token uuid.UUID) error {
	return dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Where("id = ? AND claim_token = ?", id, token).
		Update("claim_token", nil).Error
}

func (r *uploadSessionRepo) CountByStatus(dbc dbctx.Context) (map[types.Status]int64, error) {
	type row struct {
		Status types.Status
		Count  int64
	}
	var rows []row
	err := dbc.Conn(r.db).
		Model(&types.UploadSession{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[types.Status]int64, len(rows))
	for _, rr := range rows {
		out[rr.Status] = rr.Count
	}
	return out, nil
}
