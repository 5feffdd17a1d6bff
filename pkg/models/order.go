package models

import (
	"time"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	OrderStateQueued      OrderState = "queued"       // Order is planned and waiting for workers
	OrderStateCheckedOut  OrderState = "checked_out"  // At least one item has been leased
	OrderStateInProgress  OrderState = "in_progress"  // A holder has started working (first heartbeat)
	OrderStateSubmitted   OrderState = "submitted"    // All items have submitted results
	OrderStateApproved    OrderState = "approved"     // Strategic validation passed, apply pending
	OrderStateApplied     OrderState = "applied"      // Domain apply() ran and produced a diff
	OrderStateCompleted   OrderState = "completed"    // Terminal: all items completed or dead-lettered
	OrderStateRejected    OrderState = "rejected"     // Approval was refused
	OrderStateFailed      OrderState = "failed"       // Domain apply() failed
	OrderStateDeadLettered OrderState = "dead_lettered" // Terminal: requires manual intervention
)

// Order is the top-level unit of intent. It owns one or more items and is
// mutated only through validated state transitions. The payload is immutable
// after creation.
type Order struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"` // key into the order type registry
	State          OrderState             `json:"state"`
	Priority       int                    `json:"priority,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	RequestedBy    string                 `json:"requested_by,omitempty"`
	ApplyAttempts  int                    `json:"apply_attempts,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	TransitionedAt *time.Time             `json:"transitioned_at,omitempty"`
	AppliedAt      *time.Time             `json:"applied_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ProposeRequest is the inbound request to create a new order
type ProposeRequest struct {
	Type        string                 `json:"type"`
	Priority    int                    `json:"priority,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RequestedBy string                 `json:"requested_by,omitempty"`
}

// Diff is the before/after/summary triple produced by the domain apply step.
// Two applies of the same unchanged order must yield structurally equal diffs.
type Diff struct {
	Before  map[string]interface{} `json:"before,omitempty"`
	After   map[string]interface{} `json:"after,omitempty"`
	Summary string                 `json:"summary,omitempty"`
}

// Actor identifies who performed a state change
type Actor struct {
	Type string `json:"type"` // "user", "agent", "system"
	ID   string `json:"id,omitempty"`
}

// SystemActor is used for transitions the coordinator performs on its own
// behalf (auto-completion, reclaim sweeps, cascades).
var SystemActor = Actor{Type: "system", ID: "work-manager"}
