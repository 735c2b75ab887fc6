package domain

import (
	"strings"
	"time"
)

// WildcardEventType subscribes an endpoint to every event.
const WildcardEventType = "*"

// WebhookEndpoint is a tenant's subscription to outbox events.
type WebhookEndpoint struct {
	ID         string
	TenantID   string
	URL        string
	EventTypes []string
	Secret     string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Matches reports whether the endpoint's filter selects eventType.
// Filters are exact types, "*", or a prefix pattern such as "ticket.*".
func (e WebhookEndpoint) Matches(eventType string) bool {
	for _, filter := range e.EventTypes {
		switch {
		case filter == WildcardEventType, filter == eventType:
			return true
		case strings.HasSuffix(filter, ".*"):
			if strings.HasPrefix(eventType, strings.TrimSuffix(filter, "*")) {
				return true
			}
		}
	}
	return false
}

// DeliveryOutcome is the state of one (event, endpoint) delivery.
type DeliveryOutcome string

const (
	DeliveryPending   DeliveryOutcome = "pending"
	DeliveryDelivered DeliveryOutcome = "delivered"
	DeliveryExhausted DeliveryOutcome = "exhausted"
)

// Terminal reports whether the dispatcher will never attempt the delivery again.
func (o DeliveryOutcome) Terminal() bool {
	return o == DeliveryDelivered || o == DeliveryExhausted
}

// WebhookDelivery tracks attempts of one event against one endpoint.
type WebhookDelivery struct {
	ID             string
	EventID        int64
	EndpointID     string
	AttemptCount   int
	LastAttemptAt  *time.Time
	NextRetryAt    time.Time
	LastHTTPStatus *int
	LastError      string
	Outcome        DeliveryOutcome
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeliveryStats summarises delivery outcomes for an endpoint.
type DeliveryStats struct {
	Delivered int64 `json:"delivered"`
	Exhausted int64 `json:"exhausted"`
	Pending   int64 `json:"pending"`
}
