package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// SecurityEvent is a typed record of a detected condition or a state transition.
type SecurityEvent struct {
	ID          string        `json:"id"`
	EventType   string        `json:"event_type"`
	Severity    Severity      `json:"severity"`
	UserID      *string       `json:"user_id,omitempty"`
	Email       string        `json:"email,omitempty"`
	IPAddress   string        `json:"ip_address,omitempty"`
	Description string        `json:"description"`
	Metadata    EventMetadata `json:"metadata"`
	Resolved    bool          `json:"resolved"`
	ResolvedAt  *time.Time    `json:"resolved_at,omitempty"`
	ResolvedBy  *string       `json:"resolved_by,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// SecurityEventFilter narrows admin listings of security events.
type SecurityEventFilter struct {
	EventType string
	Severity  Severity
	UserID    string
	IPAddress string
	Resolved  *bool
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// EventMetadata holds additional context for security events
type EventMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (em *EventMetadata) Scan(value interface{}) error {
	if value == nil {
		*em = make(EventMetadata)
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	*em = EventMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (em EventMetadata) Value() (driver.Value, error) {
	if em == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(em))
}

// MarshalJSON implements json.Marshaler
func (em EventMetadata) MarshalJSON() ([]byte, error) {
	if em == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(em))
}

// UnmarshalJSON implements json.Unmarshaler
func (em *EventMetadata) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*em = EventMetadata(m)
	return nil
}
