package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/zane33/plexbridge/internal/models"
)

// sessionAuditRepo implements SessionAuditRepository using GORM.
type sessionAuditRepo struct {
	db *gorm.DB
}

// NewSessionAuditRepository creates a new SessionAuditRepository.
func NewSessionAuditRepository(db *gorm.DB) SessionAuditRepository {
	return &sessionAuditRepo{db: db}
}

func (r *sessionAuditRepo) Create(ctx context.Context, audit *models.SessionAudit) error {
	if err := r.db.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("creating session audit: %w", err)
	}
	return nil
}

func (r *sessionAuditRepo) GetBySessionID(ctx context.Context, sessionID string) (*models.SessionAudit, error) {
	var audit models.SessionAudit
	if err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&audit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting session audit: %w", err)
	}
	return &audit, nil
}

func (r *sessionAuditRepo) Finalize(ctx context.Context, audit *models.SessionAudit) error {
	if err := r.db.WithContext(ctx).Save(audit).Error; err != nil {
		return fmt.Errorf("finalizing session audit: %w", err)
	}
	return nil
}

func (r *sessionAuditRepo) GetRecent(ctx context.Context, limit int) ([]*models.SessionAudit, error) {
	if limit <= 0 {
		limit = 50
	}
	var audits []*models.SessionAudit
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&audits).Error
	if err != nil {
		return nil, fmt.Errorf("getting recent session audits: %w", err)
	}
	return audits, nil
}

func (r *sessionAuditRepo) PurgeEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Unscoped().
		Where("ended_at IS NOT NULL AND ended_at < ?", cutoff).
		Delete(&models.SessionAudit{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging session audits: %w", result.Error)
	}
	return result.RowsAffected, nil
}
