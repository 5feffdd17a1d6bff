package lease

import (
	"sync"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/store"
)

// Backend arbitrates lease ownership for one key (an item ID). Acquisition
// must be an atomic set-if-absent-or-expired: two concurrent TryAcquire calls
// for the same key resolve to exactly one winner. The manager is
// backend-agnostic; the same contract holds whether arbitration happens via
// row-level compare-and-swap in the store or an external TTL key-value store.
type Backend interface {
	TryAcquire(key, holder string, ttl time.Duration) (bool, error)
	TryExtend(key, holder string, ttl time.Duration) (bool, error)
	Release(key, holder string) error
}

// StoreBackend arbitrates leases through the persistence layer's
// compare-and-swap primitives on the item row.
type StoreBackend struct {
	store store.Store
}

// NewStoreBackend creates a store-backed lease backend
func NewStoreBackend(st store.Store) *StoreBackend {
	return &StoreBackend{store: st}
}

func (b *StoreBackend) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	return b.store.TryAcquireLease(key, holder, time.Now().Add(ttl))
}

func (b *StoreBackend) TryExtend(key, holder string, ttl time.Duration) (bool, error) {
	return b.store.TryExtendLease(key, holder, time.Now().Add(ttl))
}

func (b *StoreBackend) Release(key, holder string) error {
	return b.store.ReleaseLease(key, holder)
}

// TTLBackend arbitrates leases with an in-process TTL key-value map, the
// same shape an external TTL store (SETNX with expiry) provides. Lease
// fields on the item are still persisted by the manager for visibility; the
// backend only decides who wins.
type TTLBackend struct {
	mu      sync.Mutex
	entries map[string]ttlEntry
	now     func() time.Time
}

type ttlEntry struct {
	holder  string
	expires time.Time
}

// NewTTLBackend creates an in-process TTL lease backend
func NewTTLBackend() *TTLBackend {
	return &TTLBackend{
		entries: make(map[string]ttlEntry),
		now:     time.Now,
	}
}

func (b *TTLBackend) TryAcquire(key, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if e, ok := b.entries[key]; ok && e.expires.After(now) && e.holder != holder {
		return false, nil
	}
	b.entries[key] = ttlEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (b *TTLBackend) TryExtend(key, holder string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, ok := b.entries[key]
	if !ok || e.holder != holder || !e.expires.After(now) {
		return false, nil
	}
	b.entries[key] = ttlEntry{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (b *TTLBackend) Release(key, holder string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok && e.holder == holder {
		delete(b.entries, key)
	}
	return nil
}
