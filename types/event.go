package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// AuditEvent is the record handed to the external event log for anything
// worth keeping beyond the live fan-out: location samples, chat lines,
// booking and delivery decisions, escrow transitions.
type AuditEvent struct {
	ID         string                 `json:"id" hash:"ignore"`
	RoutingKey string                 `json:"routing_key"`
	Room       string                 `json:"room,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Body       map[string]interface{} `json:"body,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// CreateId derives a content hash id so replays of the same event
// deduplicate downstream.
func (e *AuditEvent) CreateId() error {
	hash, err := hashstructure.Hash(e, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	e.ID = fmt.Sprintf("%016x", hash)
	return nil
}
