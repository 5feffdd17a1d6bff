package store

import (
	"errors"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrItemNotFound  = errors.New("item not found")

	// ErrStateConflict is returned when a guarded transition observes a
	// different current state than the one it was built against. Callers
	// re-read and re-validate; this is a race, not a bug.
	ErrStateConflict = errors.New("entity state changed concurrently")

	// ErrDuplicateIdempotencyKey signals the uniqueness constraint on
	// (scope, key_hash) fired. The caller lost the insert race and should
	// read the winner's record.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already recorded")

	ErrCredentialNotFound = errors.New("credential not found")
)

// OrderTransition describes one atomic order state change. The store applies
// state, Mutate, and the event in a single transaction, guarded by From.
// Applying a transition whose target state already holds is an idempotent
// no-op, not an error.
type OrderTransition struct {
	OrderID string
	From    models.OrderState
	To      models.OrderState
	Mutate  func(*models.Order)
	Event   *models.Event
}

// ItemTransition describes one atomic item state change
type ItemTransition struct {
	ItemID string
	From   models.ItemState
	To     models.ItemState
	// Guard, when set, runs on the freshly read item inside the
	// transition's critical section. Returning false aborts the
	// transition with ErrStateConflict. The From check alone cannot
	// tell a stale observation from a current one when the item has
	// cycled back through the same state.
	Guard  func(*models.Item) bool
	Mutate func(*models.Item)
	Event  *models.Event
}

// OrderFilter selects orders for listing
type OrderFilter struct {
	States             []models.OrderState
	Type               string
	TransitionedBefore *time.Time
}

// ItemFilter selects items for listing. Results are ordered oldest first.
type ItemFilter struct {
	OrderID            string
	States             []models.ItemState
	Type               string
	HolderID           string
	LeaseExpiredBefore *time.Time
	TransitionedBefore *time.Time
}

// EventFilter selects events for listing, newest first
type EventFilter struct {
	OrderID string
	ItemID  string
	Limit   int
}

// Store is the persistence boundary for the coordination engine. Both the
// in-memory and the SQLite implementation satisfy one shared conformance
// suite; the core never depends on a concrete backend.
type Store interface {
	// Orders
	CreateOrder(order *models.Order) error
	GetOrder(id string) (*models.Order, error)
	ListOrders(filter OrderFilter) ([]*models.Order, error)
	ApplyOrderTransition(t OrderTransition) (bool, error)

	// Items
	CreateItems(items []*models.Item) error
	GetItem(id string) (*models.Item, error)
	ListItems(filter ItemFilter) ([]*models.Item, error)
	ApplyItemTransition(t ItemTransition) (bool, error)

	// Lease arbitration primitives. TryAcquireLease succeeds only for a
	// queued item whose lease is absent or expired; TryExtendLease only for
	// the current holder of an unexpired lease. Both are atomic
	// compare-and-swap operations: two concurrent acquires resolve to
	// exactly one winner.
	TryAcquireLease(itemID, holder string, expires time.Time) (bool, error)
	TryExtendLease(itemID, holder string, expires time.Time) (bool, error)
	ReleaseLease(itemID, holder string) error
	RecordHeartbeat(itemID, holder string, expires time.Time) error

	// Parts. SavePart writes the part row and the item's materialized
	// parts-state summary in one transaction.
	SavePart(part *models.Part, partsState map[string]models.PartStatus) error
	ListParts(itemID string) ([]*models.Part, error)

	// Events
	AppendEvent(event *models.Event) error
	ListEvents(filter EventFilter) ([]*models.Event, error)

	// Idempotency. InsertIdempotencyRecord returns
	// ErrDuplicateIdempotencyKey when (scope, key_hash) exists.
	InsertIdempotencyRecord(rec *models.IdempotencyRecord) error
	GetIdempotencyRecord(scope, keyHash string) (*models.IdempotencyRecord, error)
	DeleteIdempotencyRecordsBefore(cutoff time.Time) (int, error)

	// Credentials. PutCredential replaces any existing credential with the
	// same (kind, id).
	PutCredential(cred *models.Credential) error
	GetCredential(kind models.CredentialKind, id string) (*models.Credential, error)
	DeleteCredential(kind models.CredentialKind, id string) error
	ListCredentials(kind models.CredentialKind) ([]*models.Credential, error)
	DeleteExpiredCredentials(cutoff time.Time) (int, error)

	// Lifecycle
	Close() error
	HealthCheck() error
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite" or "memory"
	Path string // SQLite database path
}

// New creates a store based on configuration
func New(config Config) (Store, error) {
	switch config.Type {
	case "sqlite":
		path := config.Path
		if path == "" {
			path = "workmanager.db"
		}
		return NewSQLiteStore(path)
	case "memory", "":
		return NewMemoryStore(), nil
	default:
		return nil, errors.New("unsupported store type: " + config.Type)
	}
}
