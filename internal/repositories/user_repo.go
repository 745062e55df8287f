package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/pkg/auth"
	"github.com/google/uuid"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// rowScanner covers pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, email, password_hash, name, email_verified, token_key, role, status, locked_until, password_changed_at, created_at, updated_at`

func scanUserRow(scanner rowScanner) (*models.User, error) {
	var user models.User
	err := scanner.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name,
		&user.EmailVerified, &user.TokenKey, &user.Role, &user.Status,
		&user.LockedUntil, &user.PasswordChangedAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &user, nil
}

const securityStateColumns = `id, email, security_state, failed_login_attempts, locked_until, lock_count, last_locked_at,
	risk_score, suspicious_activity_count, last_login_at, last_login_ip, last_login_country,
	last_login_latitude, last_login_longitude`

func scanSecurityState(scanner rowScanner) (*models.UserSecurityState, error) {
	var s models.UserSecurityState
	var lastLoginAt *time.Time
	var lastIP, lastCountry *string
	var lat, lon *float64

	err := scanner.Scan(
		&s.UserID, &s.Email, &s.State, &s.FailedLoginAttempts, &s.AccountLockedUntil,
		&s.LockCount, &s.LastLockedAt, &s.RiskScore, &s.SuspiciousActivityCount,
		&lastLoginAt, &lastIP, &lastCountry, &lat, &lon,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if lastLoginAt != nil {
		site := &models.LoginSite{At: *lastLoginAt}
		if lastIP != nil {
			site.IPAddress = *lastIP
		}
		if lastCountry != nil {
			site.Country = *lastCountry
		}
		if lat != nil && lon != nil {
			site.Latitude, site.Longitude, site.HasCoords = *lat, *lon, true
		}
		s.LastLogin = site
	}
	return &s, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUserRow(r.db.Conn(ctx).QueryRow(ctx, query, id))
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	return scanUserRow(r.db.Conn(ctx).QueryRow(ctx, query, strings.ToLower(email)))
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = uuid.New().String()
	user.Email = strings.ToLower(user.Email)

	tokenKey, err := auth.GenerateTokenKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate token key: %w", err)
	}
	user.TokenKey = tokenKey

	if user.Role == "" {
		user.Role = "user"
	}
	if user.Status == "" {
		user.Status = "active"
	}

	query := `
		INSERT INTO users (id, email, password_hash, name, email_verified, token_key, role, status, password_changed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING ` + userColumns

	return scanUserRow(r.db.Conn(ctx).QueryRow(ctx, query,
		user.ID, user.Email, user.PasswordHash, user.Name,
		user.EmailVerified, user.TokenKey, user.Role, user.Status, user.PasswordChangedAt,
	))
}

// GetSecurityState loads the lock-controller fields. With forUpdate the row
// stays locked until the surrounding transaction ends.
func (r *UserRepository) GetSecurityState(ctx context.Context, userID string, forUpdate bool) (*models.UserSecurityState, error) {
	query := `SELECT ` + securityStateColumns + ` FROM users WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanSecurityState(r.db.Conn(ctx).QueryRow(ctx, query, userID))
}

// SaveSecurityState writes back every lock-controller field.
func (r *UserRepository) SaveSecurityState(ctx context.Context, s *models.UserSecurityState) error {
	var lastLoginAt *time.Time
	var lastIP, lastCountry *string
	var lat, lon *float64
	if s.LastLogin != nil {
		lastLoginAt = &s.LastLogin.At
		lastIP = &s.LastLogin.IPAddress
		if s.LastLogin.Country != "" {
			lastCountry = &s.LastLogin.Country
		}
		if s.LastLogin.HasCoords {
			lat, lon = &s.LastLogin.Latitude, &s.LastLogin.Longitude
		}
	}

	query := `
		UPDATE users SET
			security_state = $2, failed_login_attempts = $3, locked_until = $4, lock_count = $5,
			last_locked_at = $6, risk_score = $7, suspicious_activity_count = $8,
			last_login_at = $9, last_login_ip = $10, last_login_country = $11,
			last_login_latitude = $12, last_login_longitude = $13, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Conn(ctx).Exec(ctx, query,
		s.UserID, s.State, s.FailedLoginAttempts, s.AccountLockedUntil, s.LockCount,
		s.LastLockedAt, s.RiskScore, s.SuspiciousActivityCount,
		lastLoginAt, lastIP, lastCountry, lat, lon,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RotateTokenKey replaces the user's signing key, invalidating every token
// issued under the old one.
func (r *UserRepository) RotateTokenKey(ctx context.Context, userID string) error {
	tokenKey, err := auth.GenerateTokenKey()
	if err != nil {
		return fmt.Errorf("failed to generate token key: %w", err)
	}

	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE users SET token_key = $2, updated_at = NOW() WHERE id = $1`, userID, tokenKey)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListLocked returns accounts whose lock is in force at now.
func (r *UserRepository) ListLocked(ctx context.Context, now time.Time, limit, offset int) ([]*models.UserSecurityState, error) {
	query := `SELECT ` + securityStateColumns + `
		FROM users WHERE locked_until > $1
		ORDER BY locked_until DESC LIMIT $2 OFFSET $3`

	rows, err := r.db.Conn(ctx).Query(ctx, query, now, limit, offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	states := make([]*models.UserSecurityState, 0)
	for rows.Next() {
		s, err := scanSecurityState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

func (r *UserRepository) CountLocked(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE locked_until > $1`, now).Scan(&n)
	return n, database.MapPostgresError(err)
}
