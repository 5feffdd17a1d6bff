// Package idempotency makes mutating operations safe to retry. Each use of a
// client key records a fingerprint of the request payload and the serialized
// response; replays with the same payload get the cached response back, and
// replays with a different payload are rejected without executing anything.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// ErrMismatch signals a key reuse with a different payload. The original
// operation is not re-executed and no cached response is returned.
var ErrMismatch = errors.New("idempotency key reused with different payload")

// Guard checks and records idempotency keys against the store
type Guard struct {
	store store.Store
}

// NewGuard creates a guard backed by the given store
func NewGuard(st store.Store) *Guard {
	return &Guard{store: st}
}

// Fingerprint returns a canonical SHA-256 digest of the payload. The payload
// is round-tripped through JSON so that struct field order and map iteration
// order cannot change the digest.
func Fingerprint(payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("fingerprint payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// hashKey keeps raw client keys out of storage
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Do executes fn at most once per (scope, key). A replay with a matching
// payload returns the recorded response without calling fn; a replay with a
// different payload returns ErrMismatch. An empty key disables the guard and
// fn runs unconditionally. Failed executions are not recorded, so callers may
// retry them with the same key.
//
// Two concurrent first uses of the same key can both execute fn; the store's
// uniqueness constraint picks one winner and the loser returns the winner's
// recorded response. Operations behind the guard must therefore also be
// protected by state preconditions, which every transition here is.
func Do[T any](g *Guard, scope, key string, payload interface{}, fn func() (T, error)) (T, bool, error) {
	var zero T
	if key == "" {
		result, err := fn()
		return result, false, err
	}

	fingerprint, err := Fingerprint(payload)
	if err != nil {
		return zero, false, err
	}
	keyHash := hashKey(key)

	if rec, err := g.store.GetIdempotencyRecord(scope, keyHash); err != nil {
		return zero, false, err
	} else if rec != nil {
		return replay[T](rec, scope, fingerprint)
	}

	result, err := fn()
	if err != nil {
		return zero, false, err
	}

	response, err := json.Marshal(result)
	if err != nil {
		return zero, false, fmt.Errorf("serialize response: %w", err)
	}
	insertErr := g.store.InsertIdempotencyRecord(&models.IdempotencyRecord{
		Scope:       scope,
		KeyHash:     keyHash,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   time.Now(),
	})
	if insertErr == nil {
		return result, false, nil
	}
	if !errors.Is(insertErr, store.ErrDuplicateIdempotencyKey) {
		return zero, false, insertErr
	}

	// Lost the race; the winner's record is authoritative
	log.Printf("[Idempotency] Lost insert race for scope %s, returning recorded response", scope)
	rec, err := g.store.GetIdempotencyRecord(scope, keyHash)
	if err != nil {
		return zero, false, err
	}
	if rec == nil {
		return zero, false, fmt.Errorf("idempotency record vanished for scope %s", scope)
	}
	return replay[T](rec, scope, fingerprint)
}

func replay[T any](rec *models.IdempotencyRecord, scope, fingerprint string) (T, bool, error) {
	var zero T
	if rec.Fingerprint != fingerprint {
		return zero, false, fmt.Errorf("%w: scope %s", ErrMismatch, scope)
	}
	var result T
	if len(rec.Response) > 0 {
		if err := json.Unmarshal(rec.Response, &result); err != nil {
			return zero, false, fmt.Errorf("decode recorded response: %w", err)
		}
	}
	return result, true, nil
}
