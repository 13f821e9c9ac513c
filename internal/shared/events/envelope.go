package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format shared by every message crossing the pipeline
// boundary, outbound and inbound alike. Payload stays opaque here; its shape
// is enforced by the schema registry keyed on (event_type, schema_version).
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	SchemaVersion string          `json:"schema_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Aggregate     string          `json:"aggregate"`
	AggregateID   string          `json:"aggregate_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, version, aggregate, aggregateID string, payload json.RawMessage) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: version,
		OccurredAt:    time.Now().UTC(),
		Aggregate:     aggregate,
		AggregateID:   aggregateID,
		Payload:       payload,
	}
}
