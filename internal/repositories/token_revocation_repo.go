package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
)

type TokenRevocationRepository struct {
	db *database.DB
}

func NewTokenRevocationRepository(db *database.DB) *TokenRevocationRepository {
	return &TokenRevocationRepository{db: db}
}

// RevokeToken adds a single token to the revocation list
func (r *TokenRevocationRepository) RevokeToken(ctx context.Context, jti, userID, tokenType string, expiresAt time.Time, reason string) error {
	query := `
		INSERT INTO revoked_tokens (jti, user_id, token_type, expires_at, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (jti) DO NOTHING
	`
	_, err := r.db.Conn(ctx).Exec(ctx, query, jti, userID, tokenType, expiresAt, reason)
	return database.MapPostgresError(err)
}

func (r *TokenRevocationRepository) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var exists bool
	err := r.db.Conn(ctx).QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE jti = $1)`, jti).Scan(&exists)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return exists, nil
}

// RecordSessionRevocation leaves an audit row for an all-sessions revocation.
// The revocation itself is the token key rotation done by UserRepository.
func (r *TokenRevocationRepository) RecordSessionRevocation(ctx context.Context, userID, reason string, now time.Time, keep time.Duration) error {
	jti := fmt.Sprintf("all-sessions-%s-%d", userID, now.UnixNano())
	_, err := r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO revoked_tokens (jti, user_id, token_type, revoked_at, expires_at, reason)
		VALUES ($1, $2, 'all', $3, $4, $5)`,
		jti, userID, now, now.Add(keep), reason)
	return database.MapPostgresError(err)
}

// CleanupExpiredTokens removes revocations whose tokens have expired anyway
func (r *TokenRevocationRepository) CleanupExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at < $1`, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
