package repositories

import (
	"context"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
)

type SessionRepository struct {
	db *database.DB
}

func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create stores a new session and fills in its generated ID.
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO user_sessions (user_id, ip_address, user_agent, created_at, last_refreshed_at, expires_at)
		VALUES ($1, $2, $3, $4, $4, $5)
		RETURNING id`,
		s.UserID, s.IPAddress, s.UserAgent, s.CreatedAt, s.ExpiresAt).Scan(&s.ID)
	return database.MapPostgresError(err)
}

// Extend pushes out the expiry of a live session. Ended, expired and foreign
// sessions report ErrNotFound.
func (r *SessionRepository) Extend(ctx context.Context, userID, sessionID string, now, expiresAt time.Time) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE user_sessions SET last_refreshed_at = $3, expires_at = $4
		WHERE id = $1 AND user_id = $2 AND ended_at IS NULL AND expires_at > $3`,
		sessionID, userID, now, expiresAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// End closes one session. Ending an already closed session is a no-op.
func (r *SessionRepository) End(ctx context.Context, userID, sessionID, reason string, now time.Time) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE user_sessions SET ended_at = $3, end_reason = $4
		WHERE id = $1 AND user_id = $2 AND ended_at IS NULL`,
		sessionID, userID, now, reason)
	return database.MapPostgresError(err)
}

// EndAll closes every open session of the user.
func (r *SessionRepository) EndAll(ctx context.Context, userID, reason string, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE user_sessions SET ended_at = $2, end_reason = $3
		WHERE user_id = $1 AND ended_at IS NULL`,
		userID, now, reason)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func (r *SessionRepository) CountActive(ctx context.Context, userID string, now time.Time) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM user_sessions
		WHERE user_id = $1 AND ended_at IS NULL AND expires_at > $2`,
		userID, now).Scan(&n)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return n, nil
}

// DeleteExpired removes sessions that expired or ended before the cutoff.
func (r *SessionRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`DELETE FROM user_sessions WHERE expires_at < $1 OR ended_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
