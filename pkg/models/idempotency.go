package models

import (
	"time"
)

// IdempotencyRecord stores the fingerprint and cached response for one use of
// a client idempotency key. (Scope, KeyHash) is unique; records are immutable
// once written and may be garbage collected after a retention window.
type IdempotencyRecord struct {
	Scope       string    `json:"scope"`
	KeyHash     string    `json:"key_hash"`
	Fingerprint string    `json:"fingerprint"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
