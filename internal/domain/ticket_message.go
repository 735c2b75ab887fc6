package domain

import "time"

// Comment is an entry in an aggregate's discussion history.
type Comment struct {
	AuthorID   string    `json:"author_id"`
	AuthorRole Role      `json:"author_role"`
	Body       string    `json:"body"`
	System     bool      `json:"system"`
	CreatedAt  time.Time `json:"created_at"`
}
