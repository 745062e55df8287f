package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

// LoginAttemptRepository handles database operations for login attempts
type LoginAttemptRepository struct {
	db *database.DB
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db}
}

const attemptColumns = `id, email, user_id, ip_address, user_agent, device_fingerprint, country, city,
	success, failure_reason, risk_score, severity, action, is_blocked, is_suspicious, attempt_time, expires_at`

func scanAttempt(scanner rowScanner) (*models.LoginAttempt, error) {
	var a models.LoginAttempt
	err := scanner.Scan(
		&a.ID, &a.Email, &a.UserID, &a.IPAddress, &a.UserAgent, &a.DeviceFingerprint, &a.Country, &a.City,
		&a.Success, &a.FailureReason, &a.RiskScore, &a.Severity, &a.Action, &a.IsBlocked, &a.IsSuspicious,
		&a.AttemptTime, &a.ExpiresAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &a, nil
}

// Record appends one attempt. Attempts are never updated afterwards.
func (r *LoginAttemptRepository) Record(ctx context.Context, a *models.LoginAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	query := `
		INSERT INTO login_attempts (` + attemptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := r.db.Conn(ctx).Exec(ctx, query,
		a.ID, a.Email, a.UserID, a.IPAddress, a.UserAgent, a.DeviceFingerprint, a.Country, a.City,
		a.Success, a.FailureReason, a.RiskScore, a.Severity, a.Action, a.IsBlocked, a.IsSuspicious,
		a.AttemptTime, a.ExpiresAt,
	)
	return database.MapPostgresError(err)
}

// CountRecentFailures counts credential failures for email since the given time.
// Attempts stopped before the password was checked do not count.
func (r *LoginAttemptRepository) CountRecentFailures(ctx context.Context, email string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE email = $1 AND success = false AND failure_reason = $2 AND attempt_time >= $3
	`

	var count int
	err := r.db.Conn(ctx).QueryRow(ctx, query, email, models.FailureInvalidCredentials, since).Scan(&count)
	return count, database.MapPostgresError(err)
}

// RecentSuccesses returns the newest successful logins of a user, newest first.
func (r *LoginAttemptRepository) RecentSuccesses(ctx context.Context, userID string, since time.Time, limit int) ([]*models.LoginAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM login_attempts
		WHERE user_id = $1 AND success = true AND attempt_time >= $2
		ORDER BY attempt_time DESC
		LIMIT $3`
	return r.list(ctx, query, userID, since, limit)
}

// List returns attempts matching the filter, newest first.
func (r *LoginAttemptRepository) List(ctx context.Context, f models.LoginAttemptFilter) ([]*models.LoginAttempt, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.Email != "" {
		add("email = $%d", strings.ToLower(f.Email))
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.Since != nil {
		add("attempt_time >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("attempt_time < $%d", *f.Until)
	}
	if f.OnlyBlocked {
		where = append(where, "is_blocked")
	}
	if f.Suspicious {
		where = append(where, "is_suspicious")
	}

	query := `SELECT ` + attemptColumns + ` FROM login_attempts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, pageLimit(f.Limit), f.Offset)
	query += fmt.Sprintf(` ORDER BY attempt_time DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	return r.list(ctx, query, args...)
}

func (r *LoginAttemptRepository) list(ctx context.Context, query string, args ...interface{}) ([]*models.LoginAttempt, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	attempts := make([]*models.LoginAttempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan login attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating login attempts: %w", err)
	}
	return attempts, nil
}

// DistinctEmailsByIP counts how many accounts an address tried since the given time.
func (r *LoginAttemptRepository) DistinctEmailsByIP(ctx context.Context, ip string, since time.Time) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT COUNT(DISTINCT email) FROM login_attempts WHERE ip_address = $1 AND attempt_time >= $2`,
		ip, since).Scan(&n)
	return n, database.MapPostgresError(err)
}

func (r *LoginAttemptRepository) StatsSince(ctx context.Context, since time.Time) (models.AttemptStats, error) {
	var s models.AttemptStats
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE NOT success),
		       COUNT(*) FILTER (WHERE is_blocked),
		       COUNT(*) FILTER (WHERE is_suspicious)
		FROM login_attempts WHERE attempt_time >= $1`, since,
	).Scan(&s.Total, &s.Failed, &s.Blocked, &s.Suspicious)
	return s, database.MapPostgresError(err)
}

// DeleteExpired removes attempts past their retention.
func (r *LoginAttemptRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM login_attempts WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

func pageLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
