package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

type SecurityEventRepository struct {
	db *database.DB
}

func NewSecurityEventRepository(db *database.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: db}
}

const eventColumns = `id, event_type, severity, user_id, email, ip_address, description, metadata,
	resolved, resolved_at, resolved_by, created_at`

func scanEvent(scanner rowScanner) (*models.SecurityEvent, error) {
	var e models.SecurityEvent
	err := scanner.Scan(
		&e.ID, &e.EventType, &e.Severity, &e.UserID, &e.Email, &e.IPAddress, &e.Description,
		&e.Metadata, &e.Resolved, &e.ResolvedAt, &e.ResolvedBy, &e.CreatedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &e, nil
}

// Create inserts an event, assigning ID and CreatedAt when unset.
func (r *SecurityEventRepository) Create(ctx context.Context, e *models.SecurityEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Metadata == nil {
		e.Metadata = models.EventMetadata{}
	}

	query := `
		INSERT INTO security_events (id, event_type, severity, user_id, email, ip_address, description, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.Conn(ctx).Exec(ctx, query,
		e.ID, e.EventType, e.Severity, e.UserID, e.Email, e.IPAddress, e.Description, e.Metadata, e.CreatedAt,
	)
	return database.MapPostgresError(err)
}

func (r *SecurityEventRepository) GetByID(ctx context.Context, id string) (*models.SecurityEvent, error) {
	return scanEvent(r.db.Conn(ctx).QueryRow(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = $1`, id))
}

func (r *SecurityEventRepository) List(ctx context.Context, f models.SecurityEventFilter) ([]*models.SecurityEvent, error) {
	var where []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.Severity != "" {
		add("severity = $%d", f.Severity)
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if f.Resolved != nil {
		add("resolved = $%d", *f.Resolved)
	}
	if f.Since != nil {
		add("created_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("created_at < $%d", *f.Until)
	}

	query := `SELECT ` + eventColumns + ` FROM security_events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, pageLimit(f.Limit), f.Offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Resolve marks an event handled. Resolving twice is a conflict.
func (r *SecurityEventRepository) Resolve(ctx context.Context, id, resolvedBy string, at time.Time) (*models.SecurityEvent, error) {
	query := `
		UPDATE security_events SET resolved = true, resolved_at = $2, resolved_by = $3
		WHERE id = $1 AND NOT resolved
		RETURNING ` + eventColumns

	e, err := scanEvent(r.db.Conn(ctx).QueryRow(ctx, query, id, at, resolvedBy))
	if errors.Is(err, models.ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr == nil {
			return nil, models.ErrConflict
		}
	}
	return e, err
}

// CountBySeverity tallies events created since the given time.
func (r *SecurityEventRepository) CountBySeverity(ctx context.Context, since time.Time) (map[models.Severity]int, error) {
	rows, err := r.db.Conn(ctx).Query(ctx,
		`SELECT severity, COUNT(*) FROM security_events WHERE created_at >= $1 GROUP BY severity`, since)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	counts := map[models.Severity]int{}
	for rows.Next() {
		var sev models.Severity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, database.MapPostgresError(err)
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}
