package models

import "time"

// CredentialKind separates the two credential classes the server accepts
type CredentialKind string

const (
	// CredentialHolder is an expiring bearer token bound to one holder ID.
	// Agents present it alongside X-Holder-ID on every work call.
	CredentialHolder CredentialKind = "holder"
	// CredentialOperator is a long-lived API key for operator tooling.
	// It is not bound to a holder and never expires on its own.
	CredentialOperator CredentialKind = "operator"
)

// Credential is one stored credential. Only the bcrypt hash of the secret
// is retained; the plaintext leaves the server once, at issue time.
type Credential struct {
	ID        string         `json:"id"` // holder ID or operator key ID
	Kind      CredentialKind `json:"kind"`
	Hash      string         `json:"-"`
	Label     string         `json:"label,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"` // nil for operator keys
}

// Expired reports whether the credential carries a passed expiry
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}
