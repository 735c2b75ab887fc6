package webhook

import (
	"encoding/json"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	TenantID      string          `json:"tenant_id"`
	Sequence      int64           `json:"sequence"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an outbox event.
func NewEnvelope(e domain.OutboxEvent) Envelope {
	return Envelope{
		EventID:       e.EventID,
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		TenantID:      e.TenantID,
		Sequence:      e.ID,
		OccurredAt:    e.CreatedAt,
		Payload:       e.Payload,
	}
}
