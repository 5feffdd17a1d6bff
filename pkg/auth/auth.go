// Package auth issues and validates the credentials the server accepts.
// Holder tokens are expiring bearer secrets bound to one holder ID; operator
// keys are long-lived and carry their lookup ID inside the presented key.
// Both persist through the store, so tokens issued out of band (for example
// by the CLI against a shared database) are honored, and only bcrypt hashes
// are ever at rest.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidKey   = errors.New("invalid API key")
)

// DefaultTokenTTL is how long a holder token lives when no duration is given
const DefaultTokenTTL = 24 * time.Hour

// Registry validates credentials against the store
type Registry struct {
	store store.Store
}

// NewRegistry creates a credential registry backed by the given store
func NewRegistry(st store.Store) *Registry {
	return &Registry{store: st}
}

// IssueHolderToken mints a bearer token for a holder, replacing any previous
// one. The plaintext token is returned once and never stored.
func (r *Registry) IssueHolderToken(holderID string, ttl time.Duration) (string, error) {
	if holderID == "" {
		return "", errors.New("holder ID is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	token, hash, err := mintSecret()
	if err != nil {
		return "", err
	}

	now := time.Now()
	expires := now.Add(ttl)
	err = r.store.PutCredential(&models.Credential{
		ID:        holderID,
		Kind:      models.CredentialHolder,
		Hash:      hash,
		CreatedAt: now,
		ExpiresAt: &expires,
	})
	if err != nil {
		return "", fmt.Errorf("store holder token: %w", err)
	}
	return token, nil
}

// ValidateHolderToken checks a holder's bearer token against the stored hash
func (r *Registry) ValidateHolderToken(holderID, token string) error {
	cred, err := r.store.GetCredential(models.CredentialHolder, holderID)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if cred.Expired(time.Now()) {
		return ErrTokenExpired
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(token)) != nil {
		return ErrInvalidToken
	}
	return nil
}

// RevokeHolder deletes a holder's token. Revoking an unknown holder is a no-op.
func (r *Registry) RevokeHolder(holderID string) error {
	err := r.store.DeleteCredential(models.CredentialHolder, holderID)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return nil
	}
	return err
}

// CreateOperatorKey mints a labeled API key for operator tooling. The
// returned key embeds its lookup ID as "<id>.<secret>".
func (r *Registry) CreateOperatorKey(label string) (string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("generate key ID: %w", err)
	}
	keyID := base64.RawURLEncoding.EncodeToString(idBytes)

	secret, hash, err := mintSecret()
	if err != nil {
		return "", err
	}

	err = r.store.PutCredential(&models.Credential{
		ID:        keyID,
		Kind:      models.CredentialOperator,
		Hash:      hash,
		Label:     label,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("store operator key: %w", err)
	}
	return keyID + "." + secret, nil
}

// ValidateOperatorKey checks a presented "<id>.<secret>" operator key
func (r *Registry) ValidateOperatorKey(presented string) error {
	keyID, secret, ok := strings.Cut(presented, ".")
	if !ok || keyID == "" || secret == "" {
		return ErrInvalidKey
	}
	cred, err := r.store.GetCredential(models.CredentialOperator, keyID)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return ErrInvalidKey
	}
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.Hash), []byte(secret)) != nil {
		return ErrInvalidKey
	}
	return nil
}

// RevokeOperatorKey deletes an operator key by its ID (the part before the dot)
func (r *Registry) RevokeOperatorKey(keyID string) error {
	err := r.store.DeleteCredential(models.CredentialOperator, keyID)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return nil
	}
	return err
}

// ListOperatorKeys returns the stored operator key metadata. Hashes are
// stripped; the secrets themselves were never retained.
func (r *Registry) ListOperatorKeys() ([]*models.Credential, error) {
	creds, err := r.store.ListCredentials(models.CredentialOperator)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		cred.Hash = ""
	}
	return creds, nil
}

// SweepExpired deletes holder tokens whose expiry has passed
func (r *Registry) SweepExpired() (int, error) {
	return r.store.DeleteExpiredCredentials(time.Now())
}

func mintSecret() (plaintext, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}
	plaintext = base64.RawURLEncoding.EncodeToString(raw)
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash secret: %w", err)
	}
	return plaintext, string(hashed), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
