package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

type TrustedDeviceRepository struct {
	db *database.DB
}

func NewTrustedDeviceRepository(db *database.DB) *TrustedDeviceRepository {
	return &TrustedDeviceRepository{db: db}
}

const deviceColumns = `id, user_id, fingerprint, device_name, user_agent, ip_address, trusted_until, last_used_at, revoked_at, created_at`

func scanDevice(scanner rowScanner) (*models.TrustedDevice, error) {
	var d models.TrustedDevice
	err := scanner.Scan(&d.ID, &d.UserID, &d.Fingerprint, &d.DeviceName, &d.UserAgent, &d.IPAddress,
		&d.TrustedUntil, &d.LastUsedAt, &d.RevokedAt, &d.CreatedAt)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &d, nil
}

// Status answers, in one round trip, whether fingerprint is known and trusted
// for the user and whether the user has any trusted device at all.
func (r *TrustedDeviceRepository) Status(ctx context.Context, userID, fingerprint string, now time.Time) (models.DeviceStatus, error) {
	query := `
		SELECT d.id,
		       COALESCE(d.revoked_at IS NULL AND d.trusted_until > $3, false),
		       EXISTS (SELECT 1 FROM trusted_devices t
		               WHERE t.user_id = $1 AND t.revoked_at IS NULL AND t.trusted_until > $3)
		FROM (SELECT 1) AS one
		LEFT JOIN trusted_devices d ON d.user_id = $1 AND d.fingerprint = $2
	`

	var st models.DeviceStatus
	var id *string
	err := r.db.Conn(ctx).QueryRow(ctx, query, userID, fingerprint, now).Scan(&id, &st.Trusted, &st.HasTrustedDevices)
	if err != nil {
		return models.DeviceStatus{}, database.MapPostgresError(err)
	}
	if id != nil {
		st.Known = true
		st.DeviceID = *id
	}
	return st, nil
}

// Trust inserts or renews a device, clearing any earlier revocation.
func (r *TrustedDeviceRepository) Trust(ctx context.Context, d *models.TrustedDevice) (*models.TrustedDevice, error) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	query := `
		INSERT INTO trusted_devices (id, user_id, fingerprint, device_name, user_agent, ip_address, trusted_until, last_used_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (user_id, fingerprint) DO UPDATE SET
			user_agent = EXCLUDED.user_agent,
			ip_address = EXCLUDED.ip_address,
			trusted_until = EXCLUDED.trusted_until,
			last_used_at = EXCLUDED.last_used_at,
			revoked_at = NULL
		RETURNING ` + deviceColumns

	return scanDevice(r.db.Conn(ctx).QueryRow(ctx, query,
		d.ID, d.UserID, d.Fingerprint, d.DeviceName, d.UserAgent, d.IPAddress, d.TrustedUntil, d.LastUsedAt))
}

// Touch records use of an already trusted device. Unknown devices are ignored.
func (r *TrustedDeviceRepository) Touch(ctx context.Context, userID, fingerprint, ip string, now time.Time) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE trusted_devices SET last_used_at = $4, ip_address = $3
		WHERE user_id = $1 AND fingerprint = $2 AND revoked_at IS NULL`,
		userID, fingerprint, ip, now)
	return database.MapPostgresError(err)
}

func (r *TrustedDeviceRepository) ListByUser(ctx context.Context, userID string) ([]*models.TrustedDevice, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT `+deviceColumns+` FROM trusted_devices WHERE user_id = $1 ORDER BY last_used_at DESC`, userID)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	devices := make([]*models.TrustedDevice, 0)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trusted device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// Revoke withdraws trust from one of the user's devices.
func (r *TrustedDeviceRepository) Revoke(ctx context.Context, userID, deviceID string, now time.Time) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE trusted_devices SET revoked_at = $3
		WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		deviceID, userID, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// RevokeAll withdraws trust from every device of the user.
func (r *TrustedDeviceRepository) RevokeAll(ctx context.Context, userID string, now time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`UPDATE trusted_devices SET revoked_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`, userID, now)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes devices whose trust ran out before the cutoff.
func (r *TrustedDeviceRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM trusted_devices WHERE trusted_until < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
