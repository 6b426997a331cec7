package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/platformsec/session-lifecycle-service/internal/domain"
	"github.com/platformsec/session-lifecycle-service/internal/observability"
)

var (
	ErrSessionNotFound = errors.New("session not found")

	// ErrRotationConflict is returned when the conditional rotation update
	// matched no row: the prior hash was already rotated, the session was
	// revoked or expired meanwhile, or the id is unknown. Exactly one of
	// two racing refreshes with the same token sees this.
	ErrRotationConflict = errors.New("session rotation conflict")
)

type SessionRepository interface {
	Create(ctx context.Context, s *domain.Session) error
	FindByID(ctx context.Context, id string) (*domain.Session, error)
	ListActiveByUserID(ctx context.Context, userID string) ([]domain.Session, error)
	// Rotate applies the refresh compare-and-swap: the update is keyed on
	// the prior hash and only succeeds against a live row.
	Rotate(ctx context.Context, id, priorHash, newHash string, expiresAt time.Time) (*domain.Session, error)
	// MarkRevoked is idempotent; it reports whether this call changed the row.
	MarkRevoked(ctx context.Context, id, reason string) (bool, error)
	RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error)
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)
}

type GormSessionRepository struct{ db *gorm.DB }

func NewSessionRepository(db *gorm.DB) SessionRepository { return &GormSessionRepository{db: db} }

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	err := r.db.WithContext(ctx).Create(s).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "create", "error")
		return err
	}
	observability.RecordRepositoryOperation(ctx, "session", "create", "success")
	return nil
}

func (r *GormSessionRepository) FindByID(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "not_found")
			return nil, ErrSessionNotFound
		}
		observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "find_by_id", "success")
	return &s, nil
}

func (r *GormSessionRepository) ListActiveByUserID(ctx context.Context, userID string) ([]domain.Session, error) {
	var sessions []domain.Session
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND revoked_at IS NULL AND expires_at > ?", userID, time.Now()).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user_id", "error")
		return sessions, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "list_active_by_user_id", "success")
	return sessions, nil
}

func (r *GormSessionRepository) Rotate(ctx context.Context, id, priorHash, newHash string, expiresAt time.Time) (*domain.Session, error) {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND refresh_token_hash = ? AND revoked_at IS NULL AND expires_at > ?", id, priorHash, time.Now()).
		Updates(map[string]any{
			"refresh_token_hash": newHash,
			"rotation_counter":   gorm.Expr("rotation_counter + ?", 1),
			"expires_at":         expiresAt,
		})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "conflict")
		return nil, ErrRotationConflict
	}
	var s domain.Session
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		observability.RecordRepositoryOperation(ctx, "session", "rotate", "error")
		return nil, err
	}
	observability.RecordRepositoryOperation(ctx, "session", "rotate", "success")
	return &s, nil
}

func (r *GormSessionRepository) MarkRevoked(ctx context.Context, id, reason string) (bool, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "mark_revoked", "error")
		return false, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "mark_revoked", "success")
	return res.RowsAffected > 0, nil
}

func (r *GormSessionRepository) RevokeAllForUser(ctx context.Context, userID, reason string) (int64, error) {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Updates(map[string]any{"revoked_at": now, "revoked_reason": reason})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_user", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "revoke_all_for_user", "success")
	return res.RowsAffected, nil
}

// CleanupExpired deletes sessions whose expiry predates the cutoff.
// Callers keep a retention margin so recently expired rows stay queryable
// while cache entries referencing them age out.
func (r *GormSessionRepository) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at <= ?", before).Delete(&domain.Session{})
	if res.Error != nil {
		observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "error")
		return res.RowsAffected, res.Error
	}
	observability.RecordRepositoryOperation(ctx, "session", "cleanup_expired", "success")
	return res.RowsAffected, nil
}
