package models

import (
	"time"
)

// ItemState represents the lifecycle state of a work item
type ItemState string

const (
	ItemStateQueued      ItemState = "queued"       // Waiting for a holder
	ItemStateLeased      ItemState = "leased"       // Exclusively claimed, work not yet started
	ItemStateInProgress  ItemState = "in_progress"  // Holder sent its first heartbeat
	ItemStateSubmitted   ItemState = "submitted"    // Result stored, pending approval
	ItemStateAccepted    ItemState = "accepted"     // Result accepted during approval
	ItemStateRejected    ItemState = "rejected"     // Result rejected
	ItemStateCompleted   ItemState = "completed"    // Terminal success
	ItemStateFailed      ItemState = "failed"       // Retry budget exhausted
	ItemStateDeadLettered ItemState = "dead_lettered" // Terminal failure, manual intervention
)

// PartStatus is the validation status of a submitted part
type PartStatus string

const (
	PartStatusDraft     PartStatus = "draft"
	PartStatusValidated PartStatus = "validated"
	PartStatusRejected  PartStatus = "rejected"
)

// Item is a leasable, independently processed unit of work belonging to
// exactly one order. Lease fields are non-nil only while the item is leased
// or in progress.
type Item struct {
	ID              string                 `json:"id"`
	OrderID         string                 `json:"order_id"`
	Type            string                 `json:"type"`
	State           ItemState              `json:"state"`
	Attempts        int                    `json:"attempts"`
	MaxAttempts     int                    `json:"max_attempts"`
	HolderID        string                 `json:"holder_id,omitempty"`
	LeaseExpiresAt  *time.Time             `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time             `json:"last_heartbeat_at,omitempty"`
	Input           map[string]interface{} `json:"input,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	AssembledResult map[string]interface{} `json:"assembled_result,omitempty"`
	PartsState      map[string]PartStatus  `json:"parts_state,omitempty"`
	Error           *ItemError             `json:"error,omitempty"`
	AcceptedAt      *time.Time             `json:"accepted_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	TransitionedAt  *time.Time             `json:"transitioned_at,omitempty"`
}

// ItemError carries structured failure detail for a failed item
type ItemError struct {
	Code    string                 `json:"code,omitempty"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ItemSpec describes one item to create during planning
type ItemSpec struct {
	Type        string                 `json:"type"`
	Input       map[string]interface{} `json:"input,omitempty"`
	MaxAttempts int                    `json:"max_attempts,omitempty"` // 0 means use the configured default
}

// LeaseActive reports whether the item currently carries an unexpired lease
func (i *Item) LeaseActive(now time.Time) bool {
	return i.HolderID != "" && i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now)
}

// ClearLease resets all lease fields. Called inside transition mutations so
// the clear commits atomically with the state change.
func (i *Item) ClearLease() {
	i.HolderID = ""
	i.LeaseExpiresAt = nil
	i.LastHeartbeatAt = nil
}

// Part is one incrementally submitted fragment of an item's eventual result.
// Parts are append-only; within an item the latest part for a part key is the
// one with the highest sequence number. Older parts are retained for audit.
type Part struct {
	ID          string                 `json:"id"`
	ItemID      string                 `json:"item_id"`
	PartKey     string                 `json:"part_key"`
	Seq         int                    `json:"seq"`
	Status      PartStatus             `json:"status"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
	Checksum    string                 `json:"checksum,omitempty"`
	SubmittedBy string                 `json:"submitted_by,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
}
