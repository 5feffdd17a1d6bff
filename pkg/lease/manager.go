// Package lease implements TTL-based exclusive claims over work items with
// concurrency quotas and an expiry reclaim sweep. A lease is the system's
// only cancellation primitive: a holder who disappears is recovered purely
// by TTL expiry plus Reclaim.
package lease

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

var (
	ErrNoItemsAvailable         = errors.New("no queued items available")
	ErrConcurrencyLimitExceeded = errors.New("concurrency limit exceeded")
	ErrLeaseNotHeld             = errors.New("lease not held by caller")
	ErrLeaseExpired             = errors.New("lease expired")
)

// Config holds lease manager configuration, fixed at construction
type Config struct {
	TTL          time.Duration  // Default lease duration
	MaxPerHolder int            // Max concurrent leases per holder, 0 = unlimited
	MaxPerType   map[string]int // Max concurrent leases per item type, absent = unlimited
}

// DefaultConfig returns stock lease settings
func DefaultConfig() Config {
	return Config{TTL: models.DefaultLeaseDefaults().TTL}
}

// Manager coordinates lease acquisition, extension, release, and reclaim
type Manager struct {
	store   store.Store
	sm      *statemachine.StateMachine
	backend Backend
	cfg     Config
}

// NewManager creates a lease manager. A nil backend defaults to store-backed
// arbitration.
func NewManager(st store.Store, sm *statemachine.StateMachine, backend Backend, cfg Config) *Manager {
	if backend == nil {
		backend = NewStoreBackend(st)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = models.DefaultLeaseDefaults().TTL
	}
	return &Manager{store: st, sm: sm, backend: backend, cfg: cfg}
}

var activeStates = []models.ItemState{models.ItemStateLeased, models.ItemStateInProgress}

// Acquire leases the oldest queued item for the holder. An empty orderID
// selects globally. Quota violations fail the call without side effects.
func (m *Manager) Acquire(orderID, holder string, ttl time.Duration) (*models.Item, error) {
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}

	if m.cfg.MaxPerHolder > 0 {
		held, err := m.store.ListItems(store.ItemFilter{HolderID: holder, States: activeStates})
		if err != nil {
			return nil, err
		}
		if len(held) >= m.cfg.MaxPerHolder {
			return nil, fmt.Errorf("%w: holder %s already holds %d leases", ErrConcurrencyLimitExceeded, holder, len(held))
		}
	}

	candidates, err := m.store.ListItems(store.ItemFilter{
		OrderID: orderID,
		States:  []models.ItemState{models.ItemStateQueued},
	})
	if err != nil {
		return nil, err
	}

	blockedByQuota := false
	for _, candidate := range candidates {
		if limited, err := m.typeQuotaReached(candidate.Type); err != nil {
			return nil, err
		} else if limited {
			blockedByQuota = true
			continue
		}

		ok, err := m.backend.TryAcquire(candidate.ID, holder, ttl)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		expires := time.Now().Add(ttl)
		item, err := m.sm.TransitionItem(candidate.ID, models.ItemStateLeased, statemachine.Change{
			Actor:     models.Actor{Type: "agent", ID: holder},
			EventType: models.EventItemLeased,
			Message:   fmt.Sprintf("leased by %s", holder),
		}, func(i *models.Item) {
			i.HolderID = holder
			i.LeaseExpiresAt = &expires
			i.LastHeartbeatAt = nil
		})
		if err != nil {
			// Raced with another transition; give the claim back and move on
			if relErr := m.backend.Release(candidate.ID, holder); relErr != nil {
				log.Printf("[Lease] Failed to release contested claim on %s: %v", candidate.ID, relErr)
			}
			var illegal *statemachine.IllegalTransitionError
			if errors.As(err, &illegal) || errors.Is(err, store.ErrStateConflict) {
				continue
			}
			return nil, err
		}

		m.markOrderCheckedOut(item.OrderID, holder)
		return item, nil
	}

	if blockedByQuota {
		return nil, ErrConcurrencyLimitExceeded
	}
	return nil, ErrNoItemsAvailable
}

func (m *Manager) typeQuotaReached(itemType string) (bool, error) {
	limit, ok := m.cfg.MaxPerType[itemType]
	if !ok || limit <= 0 {
		return false, nil
	}
	held, err := m.store.ListItems(store.ItemFilter{Type: itemType, States: activeStates})
	if err != nil {
		return false, err
	}
	return len(held) >= limit, nil
}

func (m *Manager) markOrderCheckedOut(orderID, holder string) {
	order, err := m.store.GetOrder(orderID)
	if err != nil || order.State != models.OrderStateQueued {
		return
	}
	_, err = m.sm.TransitionOrder(orderID, models.OrderStateCheckedOut, statemachine.Change{
		Actor:   models.Actor{Type: "agent", ID: holder},
		Message: "first item leased",
	}, nil)
	if err != nil {
		log.Printf("[Lease] Order %s checkout cascade failed: %v", orderID, err)
	}
}

// ReleaseClaim drops the backend claim for an item without touching its
// state. Callers use it when they transition the item themselves.
func (m *Manager) ReleaseClaim(itemID, holder string) error {
	return m.backend.Release(itemID, holder)
}

// Extend verifies ownership and pushes the lease expiry forward. The first
// heartbeat after acquisition also moves the item to in_progress and the
// owning order from checked_out to in_progress.
func (m *Manager) Extend(itemID, holder string, ttl time.Duration) (*models.Item, error) {
	if ttl <= 0 {
		ttl = m.cfg.TTL
	}

	item, err := m.store.GetItem(itemID)
	if err != nil {
		return nil, err
	}
	if item.HolderID != holder || (item.State != models.ItemStateLeased && item.State != models.ItemStateInProgress) {
		return nil, ErrLeaseNotHeld
	}
	if !item.LeaseActive(time.Now()) {
		return nil, ErrLeaseExpired
	}

	ok, err := m.backend.TryExtend(itemID, holder, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLeaseExpired
	}

	now := time.Now()
	expires := now.Add(ttl)
	if item.State == models.ItemStateLeased {
		// First heartbeat: work has started
		_, err = m.sm.TransitionItem(itemID, models.ItemStateInProgress, statemachine.Change{
			Actor:   models.Actor{Type: "agent", ID: holder},
			Message: "first heartbeat",
		}, func(i *models.Item) {
			i.LeaseExpiresAt = &expires
			i.LastHeartbeatAt = &now
		})
		if err != nil {
			return nil, err
		}
		m.markOrderInProgress(item.OrderID, holder)
	} else {
		if err := m.store.RecordHeartbeat(itemID, holder, expires); err != nil {
			return nil, err
		}
	}
	return m.store.GetItem(itemID)
}

func (m *Manager) markOrderInProgress(orderID, holder string) {
	order, err := m.store.GetOrder(orderID)
	if err != nil || order.State != models.OrderStateCheckedOut {
		return
	}
	_, err = m.sm.TransitionOrder(orderID, models.OrderStateInProgress, statemachine.Change{
		Actor:   models.Actor{Type: "agent", ID: holder},
		Message: "first heartbeat received",
	}, nil)
	if err != nil {
		log.Printf("[Lease] Order %s in-progress cascade failed: %v", orderID, err)
	}
}

// Release returns a leased item to the queue regardless of remaining TTL.
// Releasing an item the caller no longer holds is a no-op, not an error.
func (m *Manager) Release(itemID, holder string) (*models.Item, error) {
	item, err := m.store.GetItem(itemID)
	if err != nil {
		return nil, err
	}
	if item.HolderID != holder || (item.State != models.ItemStateLeased && item.State != models.ItemStateInProgress) {
		return item, nil
	}

	if err := m.backend.Release(itemID, holder); err != nil {
		return nil, err
	}
	item, err = m.sm.TransitionItem(itemID, models.ItemStateQueued, statemachine.Change{
		Actor:   models.Actor{Type: "agent", ID: holder},
		Message: "lease released",
	}, func(i *models.Item) {
		i.ClearLease()
	})
	if err != nil {
		return nil, err
	}
	m.maybeRequeueOrder(item.OrderID)
	return item, nil
}

// maybeRequeueOrder moves an order back to queued when every one of its
// items is queued again (all leases released or reclaimed, nothing
// submitted).
func (m *Manager) maybeRequeueOrder(orderID string) {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return
	}
	if order.State != models.OrderStateCheckedOut && order.State != models.OrderStateInProgress {
		return
	}
	items, err := m.store.ListItems(store.ItemFilter{OrderID: orderID})
	if err != nil {
		return
	}
	for _, item := range items {
		if item.State != models.ItemStateQueued {
			return
		}
	}
	_, err = m.sm.TransitionOrder(orderID, models.OrderStateQueued, statemachine.Change{
		Actor:   models.SystemActor,
		Message: "all items returned to queue",
	}, nil)
	if err != nil {
		log.Printf("[Lease] Order %s requeue cascade failed: %v", orderID, err)
	}
}

// Reclaim sweeps items whose lease has expired, requeuing those with
// attempts left and failing the rest. It is safe to run concurrently from
// multiple workers: an item already reclaimed by another runner is a no-op.
func (m *Manager) Reclaim() (int, error) {
	now := time.Now()
	expired, err := m.store.ListItems(store.ItemFilter{
		States:             activeStates,
		LeaseExpiredBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, item := range expired {
		if err := m.backend.Release(item.ID, item.HolderID); err != nil {
			log.Printf("[Lease] Backend release failed for %s: %v", item.ID, err)
		}

		attempts := item.Attempts + 1
		holder := item.HolderID

		// The item may have been reclaimed and re-leased since the
		// listing. Only transition if the lease we saw expire is still
		// on the item (or the backend already cleared it); a fresh
		// lease by any holder stays intact.
		guard := func(i *models.Item) bool {
			if i.LeaseActive(time.Now()) {
				return false
			}
			return i.HolderID == holder || i.HolderID == ""
		}

		var target models.ItemState
		var change statemachine.Change
		mutate := func(i *models.Item) {
			i.ClearLease()
			i.Attempts = attempts
		}
		if attempts < item.MaxAttempts {
			target = models.ItemStateQueued
			change = statemachine.Change{
				Actor:     models.SystemActor,
				EventType: models.EventItemReclaimed,
				Message:   fmt.Sprintf("lease by %s expired, attempt %d/%d, requeued", holder, attempts, item.MaxAttempts),
				Guard:     guard,
			}
		} else {
			target = models.ItemStateFailed
			change = statemachine.Change{
				Actor:     models.SystemActor,
				EventType: models.EventItemFailed,
				Message:   fmt.Sprintf("lease by %s expired, attempts exhausted (%d/%d)", holder, attempts, item.MaxAttempts),
				Guard:     guard,
			}
			mutate = func(i *models.Item) {
				i.ClearLease()
				i.Attempts = attempts
				i.Error = &models.ItemError{
					Code:    "lease_expired",
					Message: fmt.Sprintf("lease expired after %d attempts without submission", attempts),
				}
			}
		}

		_, applied, err := m.sm.TryTransitionItem(item.ID, target, change, mutate)
		if err != nil {
			// Another reclaimer got here first, or the holder submitted
			// in the meantime. Both are fine.
			var illegal *statemachine.IllegalTransitionError
			if errors.As(err, &illegal) || errors.Is(err, store.ErrStateConflict) {
				continue
			}
			return reclaimed, err
		}
		if !applied {
			continue
		}
		reclaimed++
		m.maybeRequeueOrder(item.OrderID)
	}

	if reclaimed > 0 {
		log.Printf("[Lease] Reclaimed %d expired leases", reclaimed)
	}
	return reclaimed, nil
}
