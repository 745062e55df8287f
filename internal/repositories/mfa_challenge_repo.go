package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

type MFAChallengeRepository struct {
	db *database.DB
}

func NewMFAChallengeRepository(db *database.DB) *MFAChallengeRepository {
	return &MFAChallengeRepository{db: db}
}

const challengeColumns = `id, user_id, email, method, code_hash, status, attempts, ip_address, user_agent,
	device_fingerprint, country, risk_score, expires_at, created_at, resolved_at`

func scanChallenge(scanner rowScanner) (*models.MFAChallenge, error) {
	var c models.MFAChallenge
	err := scanner.Scan(&c.ID, &c.UserID, &c.Email, &c.Method, &c.CodeHash, &c.Status, &c.Attempts,
		&c.IPAddress, &c.UserAgent, &c.DeviceFingerprint, &c.Country, &c.RiskScore,
		&c.ExpiresAt, &c.CreatedAt, &c.ResolvedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &c, nil
}

func (r *MFAChallengeRepository) Create(ctx context.Context, c *models.MFAChallenge) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.Status == "" {
		c.Status = models.ChallengePending
	}

	query := `
		INSERT INTO mfa_challenges (` + challengeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Conn(ctx).Exec(ctx, query,
		c.ID, c.UserID, c.Email, c.Method, c.CodeHash, c.Status, c.Attempts,
		c.IPAddress, c.UserAgent, c.DeviceFingerprint, c.Country, c.RiskScore,
		c.ExpiresAt, c.CreatedAt, c.ResolvedAt)
	return database.MapPostgresError(err)
}

// Get loads a challenge. With forUpdate the row is locked so that concurrent
// answers to one challenge are applied one at a time.
func (r *MFAChallengeRepository) Get(ctx context.Context, id string, forUpdate bool) (*models.MFAChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM mfa_challenges WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	c, err := scanChallenge(r.db.Conn(ctx).QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, err
	}
	return c, nil
}

// Save writes the status, attempt count and resolution time.
func (r *MFAChallengeRepository) Save(ctx context.Context, c *models.MFAChallenge) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE mfa_challenges SET status = $2, attempts = $3, resolved_at = $4
		WHERE id = $1`,
		c.ID, c.Status, c.Attempts, c.ResolvedAt)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrChallengeNotFound
	}
	return nil
}

// SupersedePending expires every open challenge of the user; a new challenge
// replaces them.
func (r *MFAChallengeRepository) SupersedePending(ctx context.Context, userID string, now time.Time) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE mfa_challenges SET status = 'expired', resolved_at = $2
		WHERE user_id = $1 AND status = 'pending'`,
		userID, now)
	return database.MapPostgresError(err)
}

// ExpireDue marks pending challenges past their deadline as expired and returns them.
func (r *MFAChallengeRepository) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*models.MFAChallenge, error) {
	query := `
		UPDATE mfa_challenges SET status = 'expired', resolved_at = $1
		WHERE id IN (
			SELECT id FROM mfa_challenges
			WHERE status = 'pending' AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + challengeColumns

	rows, err := r.db.Conn(ctx).Query(ctx, query, now, limit)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	expired := make([]*models.MFAChallenge, 0)
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		expired = append(expired, c)
	}
	return expired, rows.Err()
}

// DeleteResolvedBefore drops finished challenges older than the cutoff.
func (r *MFAChallengeRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`DELETE FROM mfa_challenges WHERE status <> 'pending' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
