package dto

import "time"

// RegisterWebhookRequest payload.
type RegisterWebhookRequest struct {
	URL        string   `json:"url"`
	EventTypes []string `json:"event_types"`
	Secret     string   `json:"secret"`
}

// UpdateWebhookRequest toggles an endpoint.
type UpdateWebhookRequest struct {
	Active *bool `json:"active"`
}

// WebhookResponse omits the signing secret.
type WebhookResponse struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types"`
	Active     bool      `json:"active"`
	Signed     bool      `json:"signed"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
