package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
)

// MFADeviceRepository stores enrolled TOTP authenticators.
type MFADeviceRepository struct {
	db *database.DB
}

func NewMFADeviceRepository(db *database.DB) *MFADeviceRepository {
	return &MFADeviceRepository{db: db}
}

const mfaDeviceColumns = `id, user_id, device_name, totp_secret_encrypted, totp_secret_nonce, last_used_at, created_at, verified_at`

func scanMFADevice(scanner rowScanner) (*models.MFADevice, error) {
	var d models.MFADevice
	err := scanner.Scan(&d.ID, &d.UserID, &d.DeviceName, &d.TOTPSecretEncrypted, &d.TOTPSecretNonce,
		&d.LastUsedAt, &d.CreatedAt, &d.VerifiedAt)
	if err != nil {
		if errors.Is(database.MapPostgresError(err), models.ErrNotFound) {
			return nil, models.ErrMFADeviceNotFound
		}
		return nil, database.MapPostgresError(err)
	}
	return &d, nil
}

// Create inserts an unverified device.
func (r *MFADeviceRepository) Create(ctx context.Context, d *models.MFADevice) error {
	query := `
		INSERT INTO mfa_devices (user_id, device_name, totp_secret_encrypted, totp_secret_nonce)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	err := r.db.Conn(ctx).QueryRow(ctx, query, d.UserID, d.DeviceName, d.TOTPSecretEncrypted, d.TOTPSecretNonce).
		Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create MFA device: %w", database.MapPostgresError(err))
	}
	return nil
}

// GetForUser returns the user's device by id; another user's device is not found.
func (r *MFADeviceRepository) GetForUser(ctx context.Context, userID, deviceID string) (*models.MFADevice, error) {
	return scanMFADevice(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+mfaDeviceColumns+` FROM mfa_devices WHERE id = $1 AND user_id = $2`, deviceID, userID))
}

// GetPrimary returns the oldest verified device. With forUpdate the row is
// locked so a TOTP code cannot be accepted twice by racing requests.
func (r *MFADeviceRepository) GetPrimary(ctx context.Context, userID string, forUpdate bool) (*models.MFADevice, error) {
	query := `SELECT ` + mfaDeviceColumns + `
		FROM mfa_devices
		WHERE user_id = $1 AND verified_at IS NOT NULL
		ORDER BY verified_at ASC
		LIMIT 1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanMFADevice(r.db.Conn(ctx).QueryRow(ctx, query, userID))
}

// HasVerified reports whether the user can answer a TOTP challenge.
func (r *MFADeviceRepository) HasVerified(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mfa_devices WHERE user_id = $1 AND verified_at IS NOT NULL)`, userID).Scan(&ok)
	return ok, database.MapPostgresError(err)
}

func (r *MFADeviceRepository) MarkVerified(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE mfa_devices SET verified_at = $2, last_used_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrMFADeviceNotFound
	}
	return nil
}

// UpdateLastUsedAt records the time of the last accepted code, used for replay checks.
func (r *MFADeviceRepository) UpdateLastUsedAt(ctx context.Context, deviceID string, at time.Time) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `UPDATE mfa_devices SET last_used_at = $2 WHERE id = $1`, deviceID, at)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrMFADeviceNotFound
	}
	return nil
}

func (r *MFADeviceRepository) Delete(ctx context.Context, userID, deviceID string) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM mfa_devices WHERE id = $1 AND user_id = $2`, deviceID, userID)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrMFADeviceNotFound
	}
	return nil
}
