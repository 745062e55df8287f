package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
)

type IPAddressRepository struct {
	db *database.DB
}

func NewIPAddressRepository(db *database.DB) *IPAddressRepository {
	return &IPAddressRepository{db: db}
}

const ipColumns = `ip_address, country, city, latitude, longitude, isp, is_vpn, is_proxy, is_tor, geo_updated_at,
	is_blacklisted, blacklist_reason, is_whitelisted, reputation, risk_score, login_attempts, failed_logins,
	recent_outcomes, recent_count, threat_intel_hit, first_seen, last_seen`

func scanIPRecord(scanner rowScanner) (*models.IPAddressRecord, error) {
	var rec models.IPAddressRecord
	var country, city, isp *string
	var lat, lon *float64
	var geo models.GeoLocation

	err := scanner.Scan(
		&rec.IPAddress, &country, &city, &lat, &lon, &isp, &geo.IsVPN, &geo.IsProxy, &geo.IsTor, &rec.GeoUpdatedAt,
		&rec.IsBlacklisted, &rec.BlacklistReason, &rec.IsWhitelisted, &rec.Reputation, &rec.RiskScore,
		&rec.LoginAttempts, &rec.FailedLogins, &rec.RecentOutcomes, &rec.RecentCount,
		&rec.ThreatIntelHit, &rec.FirstSeen, &rec.LastSeen,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	if rec.GeoUpdatedAt != nil {
		if country != nil {
			geo.Country = *country
		}
		if city != nil {
			geo.City = *city
		}
		if isp != nil {
			geo.ISP = *isp
		}
		if lat != nil && lon != nil {
			geo.Latitude, geo.Longitude, geo.HasCoords = *lat, *lon, true
		}
		rec.Geo = &geo
	}
	return &rec, nil
}

func (r *IPAddressRepository) Get(ctx context.Context, ip string) (*models.IPAddressRecord, error) {
	return scanIPRecord(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+ipColumns+` FROM ip_addresses WHERE ip_address = $1`, ip))
}

// GetOrCreate returns the record for ip, inserting the default UNKNOWN record
// first if the address was never seen. With forUpdate the row is locked for
// the rest of the transaction.
func (r *IPAddressRepository) GetOrCreate(ctx context.Context, ip string, now time.Time, forUpdate bool) (*models.IPAddressRecord, error) {
	conn := r.db.Conn(ctx)

	_, err := conn.Exec(ctx, `
		INSERT INTO ip_addresses (ip_address, reputation, first_seen, last_seen)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (ip_address) DO NOTHING`,
		ip, models.ReputationUnknown, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	query := `SELECT ` + ipColumns + ` FROM ip_addresses WHERE ip_address = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	return scanIPRecord(conn.QueryRow(ctx, query, ip))
}

// Save writes back every mutable field of the record.
func (r *IPAddressRepository) Save(ctx context.Context, rec *models.IPAddressRecord) error {
	var country, city, isp *string
	var lat, lon *float64
	var vpn, proxy, tor bool
	if g := rec.Geo; g != nil {
		country, city, isp = nullable(g.Country), nullable(g.City), nullable(g.ISP)
		if g.HasCoords {
			lat, lon = &g.Latitude, &g.Longitude
		}
		vpn, proxy, tor = g.IsVPN, g.IsProxy, g.IsTor
	}

	query := `
		UPDATE ip_addresses SET
			country = $2, city = $3, latitude = $4, longitude = $5, isp = $6,
			is_vpn = $7, is_proxy = $8, is_tor = $9, geo_updated_at = $10,
			is_blacklisted = $11, blacklist_reason = $12, is_whitelisted = $13, reputation = $14,
			risk_score = $15, login_attempts = $16, failed_logins = $17, threat_intel_hit = $18,
			last_seen = $19, recent_outcomes = $20, recent_count = $21
		WHERE ip_address = $1
	`
	tag, err := r.db.Conn(ctx).Exec(ctx, query,
		rec.IPAddress, country, city, lat, lon, isp,
		vpn, proxy, tor, rec.GeoUpdatedAt,
		rec.IsBlacklisted, rec.BlacklistReason, rec.IsWhitelisted, rec.Reputation,
		rec.RiskScore, rec.LoginAttempts, rec.FailedLogins, rec.ThreatIntelHit,
		rec.LastSeen, rec.RecentOutcomes, rec.RecentCount,
	)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ListFlagged returns blacklisted or non-UNKNOWN/TRUSTED addresses, most recently seen first.
func (r *IPAddressRepository) ListFlagged(ctx context.Context, limit, offset int) ([]*models.IPAddressRecord, error) {
	query := `SELECT ` + ipColumns + `
		FROM ip_addresses
		WHERE is_blacklisted OR reputation IN ('SUSPICIOUS', 'MALICIOUS')
		ORDER BY last_seen DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Conn(ctx).Query(ctx, query, pageLimit(limit), offset)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	recs := make([]*models.IPAddressRecord, 0)
	for rows.Next() {
		rec, err := scanIPRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ip record: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
