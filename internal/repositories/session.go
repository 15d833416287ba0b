package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/floworc/floworc/internal/db"
)

// gormSessionRepository is the GORM implementation of SessionRepository.
type gormSessionRepository struct {
	db *gorm.DB
}

// NewSessionRepository returns a SessionRepository backed by the provided *gorm.DB.
func NewSessionRepository(database *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: database}
}

// Create inserts a new session record at subscribe time.
func (r *gormSessionRepository) Create(ctx context.Context, session *db.Session) error {
	if err := r.db.WithContext(ctx).Create(session).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("sessions: create: %w", err)
	}
	return nil
}

// Close stamps the disconnect time and close reason on an open session.
// Closing an unknown or already-closed session is not an error — eviction
// and client disconnect can race.
func (r *gormSessionRepository) Close(ctx context.Context, subscriberID string, at time.Time, reason string) error {
	err := r.db.WithContext(ctx).
		Model(&db.Session{}).
		Where("subscriber_id = ? AND disconnected_at IS NULL", subscriberID).
		Updates(map[string]interface{}{
			"disconnected_at": at,
			"close_reason":    reason,
		}).Error
	if err != nil {
		return fmt.Errorf("sessions: close: %w", err)
	}
	return nil
}

// DeleteClosedBefore purges closed sessions that disconnected before t.
// Returns the number of rows removed.
func (r *gormSessionRepository) DeleteClosedBefore(ctx context.Context, t time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("disconnected_at IS NOT NULL AND disconnected_at < ?", t).
		Delete(&db.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("sessions: delete closed: %w", result.Error)
	}
	return result.RowsAffected, nil
}
