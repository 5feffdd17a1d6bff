package models

import (
	"time"
)

// Event types recorded by the coordinator. One event is written per state
// transition or recorded action, in the same transaction as the mutation it
// describes.
const (
	EventOrderProposed   = "order.proposed"
	EventOrderPlanned    = "order.planned"
	EventOrderTransition = "order.transition"
	EventOrderApplied    = "order.applied"
	EventOrderRejected   = "order.rejected"
	EventItemTransition  = "item.transition"
	EventItemLeased      = "item.leased"
	EventItemReclaimed   = "item.reclaimed"
	EventItemFailed      = "item.failed"
	EventPartSubmitted   = "part.submitted"
)

// Event is an append-only audit record. Events are immutable once written.
type Event struct {
	ID        string                 `json:"id"`
	OrderID   string                 `json:"order_id"`
	ItemID    string                 `json:"item_id,omitempty"`
	Type      string                 `json:"type"`
	ActorType string                 `json:"actor_type"`
	ActorID   string                 `json:"actor_id,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Diff      *Diff                  `json:"diff,omitempty"`
	Message   string                 `json:"message,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
