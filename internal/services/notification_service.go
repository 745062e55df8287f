package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
)

// deliveryTimeout bounds one sink delivery
const deliveryTimeout = 5 * time.Second

// EventSink is one destination for committed security events
type EventSink interface {
	Name() string
	Deliver(ctx context.Context, e *models.SecurityEvent) error
}

// NotificationService fans committed events out to sinks on a bounded queue.
// Notify never blocks: when the queue is full the event is dropped and
// counted. A failing sink never affects the login pipeline.
type NotificationService struct {
	queue   chan *models.SecurityEvent
	sinks   []EventSink
	workers int
	metrics *metrics.Metrics
	logger  *slog.Logger

	wg        sync.WaitGroup
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// NewNotificationService creates a NotificationService. Call Start to begin delivery.
func NewNotificationService(queueSize, workers int, m *metrics.Metrics, logger *slog.Logger, sinks ...EventSink) *NotificationService {
	return &NotificationService{
		queue:   make(chan *models.SecurityEvent, queueSize),
		sinks:   sinks,
		workers: workers,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the delivery workers.
func (s *NotificationService) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.work()
	}
	s.logger.Info("notification workers started",
		slog.Int("workers", s.workers),
		slog.Int("sinks", len(s.sinks)))
}

// Notify queues e for delivery.
func (s *NotificationService) Notify(e *models.SecurityEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.metrics.NotificationDropped()
		return
	}

	select {
	case s.queue <- e:
	default:
		s.metrics.NotificationDropped()
		s.logger.Warn("notification queue full, event dropped",
			slog.String("event_type", e.EventType),
			slog.String("event_id", e.ID))
	}
}

// Shutdown stops accepting events and waits for queued ones to drain or ctx to end.
func (s *NotificationService) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *NotificationService) work() {
	defer s.wg.Done()
	for e := range s.queue {
		s.deliver(e)
	}
}

func (s *NotificationService) deliver(e *models.SecurityEvent) {
	for _, sink := range s.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := sink.Deliver(ctx, e)
		cancel()
		if err != nil {
			s.metrics.NotificationFailed(sink.Name())
			s.logger.Warn("security event delivery failed",
				slog.String("sink", sink.Name()),
				slog.String("event_type", e.EventType),
				slog.String("event_id", e.ID),
				slog.Any("error", err))
		}
	}
}

// EventPublisher is the message-bus side of event delivery
type EventPublisher interface {
	Publish(ctx context.Context, e *models.SecurityEvent) error
}

// BusSink publishes events to the message bus.
type BusSink struct {
	publisher EventPublisher
}

func NewBusSink(p EventPublisher) *BusSink {
	return &BusSink{publisher: p}
}

func (s *BusSink) Name() string { return "kafka" }

func (s *BusSink) Deliver(ctx context.Context, e *models.SecurityEvent) error {
	return s.publisher.Publish(ctx, e)
}

// AuditSink writes every event to the audit log.
type AuditSink struct {
	audit *pkglogger.AuditLogger
}

func NewAuditSink(audit *pkglogger.AuditLogger) *AuditSink {
	return &AuditSink{audit: audit}
}

func (s *AuditSink) Name() string { return "audit_log" }

func (s *AuditSink) Deliver(ctx context.Context, e *models.SecurityEvent) error {
	entry := pkglogger.AuditEvent{
		EventType:   e.EventType,
		Severity:    string(e.Severity),
		Email:       e.Email,
		IPAddress:   e.IPAddress,
		Description: e.Description,
		Metadata:    map[string]any(e.Metadata),
	}
	if e.UserID != nil {
		entry.UserID = *e.UserID
	}
	s.audit.LogSecurityEvent(ctx, entry)
	return nil
}

// AlertSink emails events at or above a severity to the account owner and,
// when configured, to the administrator address.
type AlertSink struct {
	email       EmailService
	minSeverity models.Severity
	adminTo     string
}

// alwaysAlerted are sent regardless of severity.
var alwaysAlerted = map[string]bool{
	models.EventAccountLocked: true,
	models.EventAdminAlert:    true,
}

func NewAlertSink(email EmailService, minSeverity models.Severity, adminTo string) *AlertSink {
	return &AlertSink{email: email, minSeverity: minSeverity, adminTo: adminTo}
}

func (s *AlertSink) Name() string { return "email_alert" }

func (s *AlertSink) Deliver(ctx context.Context, e *models.SecurityEvent) error {
	if !e.Severity.AtLeast(s.minSeverity) && !alwaysAlerted[e.EventType] {
		return nil
	}

	var errs []error
	// Owners hear only about their own account.
	if e.Email != "" && e.UserID != nil {
		errs = append(errs, s.email.SendSecurityAlert(ctx, e.Email, e))
	}
	if s.adminTo != "" && (e.EventType == models.EventAdminAlert || e.Severity == models.SeverityCritical) {
		errs = append(errs, s.email.SendSecurityAlert(ctx, s.adminTo, e))
	}
	return errors.Join(errs...)
}
