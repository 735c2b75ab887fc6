package dto

import (
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// CreateTicketRequest payload.
type CreateTicketRequest struct {
	Title       string                `json:"title"`
	Description string                `json:"description"`
	Priority    domain.TicketPriority `json:"priority"`
	Category    string                `json:"category"`
	RequesterID string                `json:"requester_id"`
}

// TransitionRequest asks for a state change.
type TransitionRequest struct {
	Status  string `json:"status"`
	Comment string `json:"comment"`
}

// CommentRequest payload.
type CommentRequest struct {
	Body string `json:"body"`
}

// CommentResponse represents a history entry.
type CommentResponse struct {
	AuthorID   string      `json:"author_id"`
	AuthorRole domain.Role `json:"author_role,omitempty"`
	Body       string      `json:"body"`
	System     bool        `json:"system"`
	CreatedAt  time.Time   `json:"created_at"`
}

// TicketResponse provides full ticket info.
type TicketResponse struct {
	ID              int64                 `json:"id"`
	Number          string                `json:"number"`
	Title           string                `json:"title"`
	Description     string                `json:"description"`
	Status          domain.TicketStatus   `json:"status"`
	Priority        domain.TicketPriority `json:"priority"`
	Category        string                `json:"category,omitempty"`
	RequesterID     string                `json:"requester_id"`
	AssigneeID      *string               `json:"assignee_id"`
	Comments        []CommentResponse     `json:"comments"`
	FirstResponseAt *time.Time            `json:"first_response_at"`
	ResolvedAt      *time.Time            `json:"resolved_at"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}
