package logger

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent is one security-relevant record written to the audit stream
type AuditEvent struct {
	EventType   string
	Severity    string // LOW, MEDIUM, HIGH, CRITICAL
	UserID      string
	Email       string
	IPAddress   string
	Description string
	Metadata    map[string]any
}

// LoginAudit summarizes the decision taken for one login attempt
type LoginAudit struct {
	AttemptID string
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
	Action    string
	Severity  string
	Score     float64
	Factors   []string
	RuleName  string
	Allowed   bool
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *slog.Logger
}

// NewAuditLogger creates a new audit logger
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	return &AuditLogger{
		logger: logger,
	}
}

// LogSecurityEvent writes an event at a level derived from its severity
func (al *AuditLogger) LogSecurityEvent(ctx context.Context, event AuditEvent) {
	attrs := []slog.Attr{
		slog.String("audit_type", "security_event"),
		slog.String("event_type", event.EventType),
		slog.String("severity", event.Severity),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if event.UserID != "" {
		attrs = append(attrs, slog.String("user_id", event.UserID))
	}
	if event.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(event.Email)))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", event.IPAddress))
	}
	if event.Description != "" {
		attrs = append(attrs, slog.String("description", event.Description))
	}
	if len(event.Metadata) > 0 {
		meta := make([]any, 0, len(event.Metadata))
		for k, v := range event.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	al.logger.LogAttrs(ctx, levelFor(event.Severity), "audit", attrs...)
}

// LogLoginDecision logs the outcome of a login evaluation
func (al *AuditLogger) LogLoginDecision(ctx context.Context, d LoginAudit) {
	attrs := []slog.Attr{
		slog.String("audit_type", "login"),
		slog.String("attempt_id", d.AttemptID),
		slog.String("action", d.Action),
		slog.String("severity", d.Severity),
		slog.Float64("risk_score", d.Score),
		slog.Bool("allowed", d.Allowed),
		slog.String("ip_address", d.IPAddress),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	if d.UserID != "" {
		attrs = append(attrs, slog.String("user_id", d.UserID))
	}
	if d.Email != "" {
		attrs = append(attrs, slog.String("email", SanitizedEmail(d.Email)))
	}
	if d.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", d.UserAgent))
	}
	if len(d.Factors) > 0 {
		attrs = append(attrs, slog.Any("factors", d.Factors))
	}
	if d.RuleName != "" {
		attrs = append(attrs, slog.String("rule", d.RuleName))
	}

	level := slog.LevelInfo
	if !d.Allowed {
		level = slog.LevelWarn
	}
	al.logger.LogAttrs(ctx, level, "audit", attrs...)
}

// LogAccountAction logs administrative actions on accounts and addresses
func (al *AuditLogger) LogAccountAction(ctx context.Context, eventType, actorID, subject string, metadata map[string]string) {
	attrs := []slog.Attr{
		slog.String("audit_type", "admin"),
		slog.String("event_type", eventType),
		slog.String("actor_id", actorID),
		slog.String("subject", subject),
		slog.String("timestamp", time.Now().UTC().Format(time.RFC3339)),
	}

	for key, val := range metadata {
		attrs = append(attrs, slog.String(key, val))
	}

	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

func levelFor(severity string) slog.Level {
	switch severity {
	case "CRITICAL":
		return slog.LevelError
	case "HIGH", "MEDIUM":
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
