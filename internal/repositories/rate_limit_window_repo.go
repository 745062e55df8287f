package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
)

// RateLimitWindowRepository keeps fixed windows in Postgres. Hit joins the
// caller's transaction when there is one, so window updates commit together
// with the rest of an evaluation.
type RateLimitWindowRepository struct {
	db *database.DB
}

func NewRateLimitWindowRepository(db *database.DB) *RateLimitWindowRepository {
	return &RateLimitWindowRepository{db: db}
}

func scanWindow(scanner rowScanner) (*models.RateLimitWindow, error) {
	var w models.RateLimitWindow
	err := scanner.Scan(&w.Identifier, &w.LimitType, &w.CurrentAttempts, &w.WindowStart, &w.BlockedUntil)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &w, nil
}

// Hit locks the window row, applies one attempt and writes the result back.
// A placeholder row is inserted first so that concurrent first hits serialize
// on the same row lock instead of racing on insert.
func (r *RateLimitWindowRepository) Hit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitWindow, bool, error) {
	var after models.RateLimitWindow
	var wasBlocked bool

	err := r.db.WithTransaction(ctx, func(ctx context.Context) error {
		conn := r.db.Conn(ctx)

		_, err := conn.Exec(ctx, `
			INSERT INTO rate_limit_windows (identifier, limit_type, current_attempts, window_start)
			VALUES ($1, $2, 0, 'epoch')
			ON CONFLICT (identifier, limit_type) DO NOTHING`,
			key.Identifier, key.LimitType)
		if err != nil {
			return database.MapPostgresError(err)
		}

		prev, err := scanWindow(conn.QueryRow(ctx, `
			SELECT identifier, limit_type, current_attempts, window_start, blocked_until
			FROM rate_limit_windows
			WHERE identifier = $1 AND limit_type = $2
			FOR UPDATE`,
			key.Identifier, key.LimitType))
		if err != nil {
			return err
		}

		wasBlocked = prev.Blocked(now)
		after = prev.Hit(policy, now)

		_, err = conn.Exec(ctx, `
			UPDATE rate_limit_windows
			SET current_attempts = $3, window_start = $4, blocked_until = $5, updated_at = $6
			WHERE identifier = $1 AND limit_type = $2`,
			key.Identifier, key.LimitType, after.CurrentAttempts, after.WindowStart, after.BlockedUntil, now)
		return database.MapPostgresError(err)
	})
	if err != nil {
		return models.RateLimitWindow{}, false, err
	}
	return after, wasBlocked, nil
}

func (r *RateLimitWindowRepository) Peek(ctx context.Context, key models.RateLimitKey) (*models.RateLimitWindow, error) {
	w, err := scanWindow(r.db.Conn(ctx).QueryRow(ctx, `
		SELECT identifier, limit_type, current_attempts, window_start, blocked_until
		FROM rate_limit_windows WHERE identifier = $1 AND limit_type = $2`,
		key.Identifier, key.LimitType))
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return w, err
}

func (r *RateLimitWindowRepository) Reset(ctx context.Context, key models.RateLimitKey) error {
	_, err := r.db.Conn(ctx).Exec(ctx,
		`DELETE FROM rate_limit_windows WHERE identifier = $1 AND limit_type = $2`,
		key.Identifier, key.LimitType)
	return database.MapPostgresError(err)
}

// DeleteStale removes windows untouched since the cutoff that are not blocking.
func (r *RateLimitWindowRepository) DeleteStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		DELETE FROM rate_limit_windows
		WHERE updated_at < $1 AND (blocked_until IS NULL OR blocked_until <= $2)`,
		cutoff, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
