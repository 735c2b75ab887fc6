package dto

import (
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// CreateServiceOrderRequest payload.
type CreateServiceOrderRequest struct {
	TicketID         *int64 `json:"ticket_id"`
	Description      string `json:"description"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// ActivityRequest logs work against an order.
type ActivityRequest struct {
	Type        domain.ActivityType `json:"type"`
	Description string              `json:"description"`
	Minutes     int                 `json:"minutes"`
	Billable    bool                `json:"billable"`
}

// LinkRequest attaches an order to a ticket.
type LinkRequest struct {
	TicketID int64 `json:"ticket_id"`
}

// ServiceOrderResponse provides full order info.
type ServiceOrderResponse struct {
	ID               int64                     `json:"id"`
	Number           string                    `json:"number"`
	TicketID         *int64                    `json:"ticket_id"`
	Description      string                    `json:"description"`
	Status           domain.ServiceOrderStatus `json:"status"`
	Activities       []domain.Activity         `json:"activities"`
	Comments         []CommentResponse         `json:"comments"`
	EstimatedMinutes int                       `json:"estimated_minutes"`
	ActualMinutes    int                       `json:"actual_minutes"`
	BillableMinutes  int                       `json:"billable_minutes"`
	StartedAt        *time.Time                `json:"started_at"`
	CompletedAt      *time.Time                `json:"completed_at"`
	Version          int64                     `json:"version"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
}
