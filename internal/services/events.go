package services

import (
	"context"
	"fmt"
	"time"

	"github.com/fortexa/loginguard/internal/metrics"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/google/uuid"
)

// Transactor runs fn in one database transaction carried by ctx
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// EventStore appends security events
type EventStore interface {
	Create(ctx context.Context, e *models.SecurityEvent) error
}

// EventNotifier hands committed events to the notification sinks. It must not block.
type EventNotifier interface {
	Notify(e *models.SecurityEvent)
}

// EventRecorder appends events inside the caller's transaction and publishes
// them once that transaction committed.
type EventRecorder struct {
	store    EventStore
	notifier EventNotifier
	metrics  *metrics.Metrics
}

// NewEventRecorder creates an EventRecorder. notifier may be nil.
func NewEventRecorder(store EventStore, notifier EventNotifier, m *metrics.Metrics) *EventRecorder {
	return &EventRecorder{store: store, notifier: notifier, metrics: m}
}

// Append stores events using the transaction in ctx, if any.
func (r *EventRecorder) Append(ctx context.Context, events ...*models.SecurityEvent) error {
	for _, e := range events {
		if e == nil {
			continue
		}
		if err := r.store.Create(ctx, e); err != nil {
			return fmt.Errorf("append %s event: %w", e.EventType, err)
		}
	}
	return nil
}

// Publish notifies sinks of events that are already durable.
func (r *EventRecorder) Publish(events ...*models.SecurityEvent) {
	for _, e := range events {
		if e == nil {
			continue
		}
		r.metrics.EventRecorded(e.EventType, string(e.Severity))
		if r.notifier != nil {
			r.notifier.Notify(e)
		}
	}
}

// Record appends and publishes events outside of any pipeline transaction.
func (r *EventRecorder) Record(ctx context.Context, events ...*models.SecurityEvent) error {
	if err := r.Append(ctx, events...); err != nil {
		return err
	}
	r.Publish(events...)
	return nil
}

// newEvent builds an event for an attempt. userID may be empty.
func newEvent(eventType string, severity models.Severity, userID, email, ip, description string, meta models.EventMetadata, now time.Time) *models.SecurityEvent {
	e := &models.SecurityEvent{
		ID:          uuid.New().String(),
		EventType:   eventType,
		Severity:    severity,
		Email:       email,
		IPAddress:   ip,
		Description: description,
		Metadata:    meta,
		CreatedAt:   now,
	}
	if userID != "" {
		id := userID
		e.UserID = &id
	}
	if e.Metadata == nil {
		e.Metadata = models.EventMetadata{}
	}
	return e
}

// attemptEvent builds an event from an attempt context.
func attemptEvent(eventType string, severity models.Severity, ac *models.AttemptContext, description string, meta models.EventMetadata) *models.SecurityEvent {
	if meta == nil {
		meta = models.EventMetadata{}
	}
	if ac.UserAgent != "" {
		meta["user_agent"] = ac.UserAgent
	}
	if ac.DeviceFingerprint != "" {
		meta["device_fingerprint"] = ac.DeviceFingerprint
	}
	if c := ac.Country(); c != "" {
		meta["country"] = c
	}
	return newEvent(eventType, severity, ac.UserID, ac.Email, ac.IPAddress, description, meta, ac.Timestamp)
}
