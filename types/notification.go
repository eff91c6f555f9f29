package types

import "time"

// Notification is the durable record created before any delivery attempt.
// Delivery is at-least-once per channel; the row is never deleted here.
type Notification struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Payload   map[string]string `json:"payload,omitempty"`
	Delivered bool              `json:"delivered"`
	CreatedAt time.Time         `json:"created_at"`
}
