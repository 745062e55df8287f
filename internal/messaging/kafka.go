// Package messaging publishes security events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortexa/loginguard/internal/models"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventPublisher writes security events to a topic, keyed by user (or source
// address when no user is known) so one account's events stay ordered.
type EventPublisher struct {
	writer  MessageWriter
	logger  *slog.Logger
	enabled bool
}

// NewEventPublisher builds a publisher. When disabled or without brokers it is a no-op.
func NewEventPublisher(brokers []string, topic string, batchTimeout time.Duration, enabled bool, logger *slog.Logger) *EventPublisher {
	if !enabled || len(brokers) == 0 {
		logger.Info("kafka event publisher disabled")
		return &EventPublisher{logger: logger}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           batchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}

	logger.Info("kafka event publisher initialized", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &EventPublisher{writer: w, logger: logger, enabled: true}
}

// NewEventPublisherWithWriter wraps an existing writer.
func NewEventPublisherWithWriter(w MessageWriter, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{writer: w, logger: logger, enabled: w != nil}
}

func (p *EventPublisher) Enabled() bool {
	return p.enabled
}

// Publish sends one event. No-op if disabled.
func (p *EventPublisher) Publish(ctx context.Context, event *models.SecurityEvent) error {
	const op = "messaging.EventPublisher.Publish"

	if !p.enabled {
		return nil
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventKey(event)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "severity", Value: []byte(event.Severity)},
		},
		Time: event.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *EventPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func eventKey(e *models.SecurityEvent) string {
	if e.UserID != nil && *e.UserID != "" {
		return *e.UserID
	}
	if e.Email != "" {
		return e.Email
	}
	return e.IPAddress
}
