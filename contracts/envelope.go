package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event for transport
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope with a generated event id and the current
// UTC time, serializing data into the data field.
func NewEnvelope(eventType string, data interface{}) (*Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s data: %w", eventType, err)
	}

	return &Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: FormatTime(time.Now()),
		Data:      raw,
	}, nil
}

// GetID returns the event id
func (e *Envelope) GetID() string {
	return e.EventID
}

// GetType returns the event type
func (e *Envelope) GetType() string {
	return e.EventType
}

// DecodeData unmarshals the data field into v
func (e *Envelope) DecodeData(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.EventID)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", e.EventType, err)
	}
	return nil
}

// Time parses the envelope timestamp
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// FormatTime renders t the way timestamps appear on the wire
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
