package store

import (
	"sort"
	"sync"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store. A single
// mutex stands in for the transactional guarantees a database provides:
// every method is one critical section, so state + event writes are atomic
// and guarded transitions are race-free.
type MemoryStore struct {
	mu          sync.Mutex
	orders      map[string]*models.Order
	items       map[string]*models.Item
	parts       map[string][]*models.Part // item ID -> parts in insertion order
	events      []*models.Event
	idempotency map[string]*models.IdempotencyRecord // scope + "\x00" + keyHash
	credentials map[string]*models.Credential        // kind + "\x00" + id
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		items:       make(map[string]*models.Item),
		parts:       make(map[string][]*models.Part),
		idempotency: make(map[string]*models.IdempotencyRecord),
		credentials: make(map[string]*models.Credential),
	}
}

// Order operations

func (s *MemoryStore) CreateOrder(order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[order.ID] = cloneOrder(order)
	return nil
}

func (s *MemoryStore) GetOrder(id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (s *MemoryStore) ListOrders(filter OrderFilter) ([]*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Order
	for _, order := range s.orders {
		if !matchOrder(order, filter) {
			continue
		}
		out = append(out, cloneOrder(order))
	}
	sortByCreated(out, func(o *models.Order) (time.Time, string) { return o.CreatedAt, o.ID })
	return out, nil
}

func (s *MemoryStore) ApplyOrderTransition(t OrderTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.orders[t.OrderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if order.State == t.To {
		// Already there: idempotent no-op
		return false, nil
	}
	if order.State != t.From {
		return false, ErrStateConflict
	}

	next := cloneOrder(order)
	now := time.Now()
	next.State = t.To
	next.TransitionedAt = &now
	if t.Mutate != nil {
		t.Mutate(next)
	}
	s.orders[t.OrderID] = next
	if t.Event != nil {
		s.appendEventLocked(t.Event)
	}
	return true, nil
}

// Item operations

func (s *MemoryStore) CreateItems(items []*models.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range items {
		s.items[item.ID] = cloneItem(item)
	}
	return nil
}

func (s *MemoryStore) GetItem(id string) (*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return cloneItem(item), nil
}

func (s *MemoryStore) ListItems(filter ItemFilter) ([]*models.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Item
	for _, item := range s.items {
		if !matchItem(item, filter) {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sortByCreated(out, func(i *models.Item) (time.Time, string) { return i.CreatedAt, i.ID })
	return out, nil
}

func (s *MemoryStore) ApplyItemTransition(t ItemTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[t.ItemID]
	if !ok {
		return false, ErrItemNotFound
	}
	if item.State == t.To {
		return false, nil
	}
	if item.State != t.From {
		return false, ErrStateConflict
	}
	if t.Guard != nil && !t.Guard(cloneItem(item)) {
		return false, ErrStateConflict
	}

	next := cloneItem(item)
	now := time.Now()
	next.State = t.To
	next.TransitionedAt = &now
	if t.Mutate != nil {
		t.Mutate(next)
	}
	s.items[t.ItemID] = next
	if t.Event != nil {
		s.appendEventLocked(t.Event)
	}
	return true, nil
}

// Lease primitives

func (s *MemoryStore) TryAcquireLease(itemID, holder string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return false, ErrItemNotFound
	}
	now := time.Now()
	if item.LeaseActive(now) {
		// Re-acquire by the current holder is a no-op success
		return item.HolderID == holder, nil
	}
	if item.State != models.ItemStateQueued {
		return false, nil
	}
	next := cloneItem(item)
	next.HolderID = holder
	exp := expires
	next.LeaseExpiresAt = &exp
	next.LastHeartbeatAt = nil
	s.items[itemID] = next
	return true, nil
}

func (s *MemoryStore) TryExtendLease(itemID, holder string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return false, ErrItemNotFound
	}
	if item.HolderID != holder || !item.LeaseActive(time.Now()) {
		return false, nil
	}
	next := cloneItem(item)
	now := time.Now()
	exp := expires
	next.LeaseExpiresAt = &exp
	next.LastHeartbeatAt = &now
	s.items[itemID] = next
	return true, nil
}

func (s *MemoryStore) ReleaseLease(itemID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.HolderID != holder {
		// Already released or held by someone else: no-op
		return nil
	}
	next := cloneItem(item)
	next.ClearLease()
	s.items[itemID] = next
	return nil
}

func (s *MemoryStore) RecordHeartbeat(itemID, holder string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	if item.HolderID != holder {
		return nil
	}
	next := cloneItem(item)
	now := time.Now()
	exp := expires
	next.LeaseExpiresAt = &exp
	next.LastHeartbeatAt = &now
	s.items[itemID] = next
	return nil
}

// Part operations

func (s *MemoryStore) SavePart(part *models.Part, partsState map[string]models.PartStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[part.ItemID]
	if !ok {
		return ErrItemNotFound
	}
	s.parts[part.ItemID] = append(s.parts[part.ItemID], clonePart(part))

	next := cloneItem(item)
	next.PartsState = make(map[string]models.PartStatus, len(partsState))
	for k, v := range partsState {
		next.PartsState[k] = v
	}
	s.items[part.ItemID] = next
	return nil
}

func (s *MemoryStore) ListParts(itemID string) ([]*models.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parts := s.parts[itemID]
	out := make([]*models.Part, 0, len(parts))
	for _, p := range parts {
		out = append(out, clonePart(p))
	}
	return out, nil
}

// Event operations

func (s *MemoryStore) AppendEvent(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendEventLocked(event)
	return nil
}

func (s *MemoryStore) appendEventLocked(event *models.Event) {
	s.events = append(s.events, cloneEvent(event))
}

func (s *MemoryStore) ListEvents(filter EventFilter) ([]*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		e := s.events[i]
		if filter.OrderID != "" && e.OrderID != filter.OrderID {
			continue
		}
		if filter.ItemID != "" && e.ItemID != filter.ItemID {
			continue
		}
		out = append(out, cloneEvent(e))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Idempotency operations

func (s *MemoryStore) InsertIdempotencyRecord(rec *models.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rec.Scope + "\x00" + rec.KeyHash
	if _, exists := s.idempotency[key]; exists {
		return ErrDuplicateIdempotencyKey
	}
	clone := *rec
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	s.idempotency[key] = &clone
	return nil
}

func (s *MemoryStore) GetIdempotencyRecord(scope, keyHash string) (*models.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.idempotency[scope+"\x00"+keyHash]
	if !ok {
		return nil, nil
	}
	clone := *rec
	return &clone, nil
}

func (s *MemoryStore) DeleteIdempotencyRecordsBefore(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, rec := range s.idempotency {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.idempotency, key)
			deleted++
		}
	}
	return deleted, nil
}

// Credential operations

func credentialKey(kind models.CredentialKind, id string) string {
	return string(kind) + "\x00" + id
}

func (s *MemoryStore) PutCredential(cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[credentialKey(cred.Kind, cred.ID)] = cloneCredential(cred)
	return nil
}

func (s *MemoryStore) GetCredential(kind models.CredentialKind, id string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.credentials[credentialKey(kind, id)]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	return cloneCredential(cred), nil
}

func (s *MemoryStore) DeleteCredential(kind models.CredentialKind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := credentialKey(kind, id)
	if _, ok := s.credentials[key]; !ok {
		return ErrCredentialNotFound
	}
	delete(s.credentials, key)
	return nil
}

func (s *MemoryStore) ListCredentials(kind models.CredentialKind) ([]*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Credential
	for _, cred := range s.credentials {
		if cred.Kind == kind {
			out = append(out, cloneCredential(cred))
		}
	}
	sortByCreated(out, func(c *models.Credential) (time.Time, string) { return c.CreatedAt, c.ID })
	return out, nil
}

func (s *MemoryStore) DeleteExpiredCredentials(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, cred := range s.credentials {
		if cred.Expired(cutoff) {
			delete(s.credentials, key)
			deleted++
		}
	}
	return deleted, nil
}

func cloneCredential(c *models.Credential) *models.Credential {
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// Lifecycle

func (s *MemoryStore) Close() error       { return nil }
func (s *MemoryStore) HealthCheck() error { return nil }

// Filters

func matchOrder(o *models.Order, f OrderFilter) bool {
	if f.Type != "" && o.Type != f.Type {
		return false
	}
	if len(f.States) > 0 && !containsOrderState(f.States, o.State) {
		return false
	}
	if f.TransitionedBefore != nil {
		if o.TransitionedAt == nil || !o.TransitionedAt.Before(*f.TransitionedBefore) {
			return false
		}
	}
	return true
}

func matchItem(i *models.Item, f ItemFilter) bool {
	if f.OrderID != "" && i.OrderID != f.OrderID {
		return false
	}
	if f.Type != "" && i.Type != f.Type {
		return false
	}
	if f.HolderID != "" && i.HolderID != f.HolderID {
		return false
	}
	if len(f.States) > 0 && !containsItemState(f.States, i.State) {
		return false
	}
	if f.LeaseExpiredBefore != nil {
		if i.LeaseExpiresAt == nil || !i.LeaseExpiresAt.Before(*f.LeaseExpiredBefore) {
			return false
		}
	}
	if f.TransitionedBefore != nil {
		if i.TransitionedAt == nil || !i.TransitionedAt.Before(*f.TransitionedBefore) {
			return false
		}
	}
	return true
}

func containsOrderState(states []models.OrderState, s models.OrderState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func containsItemState(states []models.ItemState, s models.ItemState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

func sortByCreated[T any](items []T, key func(T) (time.Time, string)) {
	sort.Slice(items, func(a, b int) bool {
		ta, ia := key(items[a])
		tb, ib := key(items[b])
		if ta.Equal(tb) {
			return ia < ib
		}
		return ta.Before(tb)
	})
}

// Clone helpers. The store owns its copies; callers never share pointers
// with stored state.

func cloneOrder(o *models.Order) *models.Order {
	clone := *o
	clone.Payload = copyMap(o.Payload)
	clone.Metadata = copyMap(o.Metadata)
	clone.TransitionedAt = copyTime(o.TransitionedAt)
	clone.AppliedAt = copyTime(o.AppliedAt)
	clone.CompletedAt = copyTime(o.CompletedAt)
	return &clone
}

func cloneItem(i *models.Item) *models.Item {
	clone := *i
	clone.Input = copyMap(i.Input)
	clone.Result = copyMap(i.Result)
	clone.AssembledResult = copyMap(i.AssembledResult)
	clone.LeaseExpiresAt = copyTime(i.LeaseExpiresAt)
	clone.LastHeartbeatAt = copyTime(i.LastHeartbeatAt)
	clone.AcceptedAt = copyTime(i.AcceptedAt)
	clone.TransitionedAt = copyTime(i.TransitionedAt)
	if i.PartsState != nil {
		clone.PartsState = make(map[string]models.PartStatus, len(i.PartsState))
		for k, v := range i.PartsState {
			clone.PartsState[k] = v
		}
	}
	if i.Error != nil {
		e := *i.Error
		e.Details = copyMap(i.Error.Details)
		clone.Error = &e
	}
	return &clone
}

func clonePart(p *models.Part) *models.Part {
	clone := *p
	clone.Payload = copyMap(p.Payload)
	clone.Evidence = copyMap(p.Evidence)
	return &clone
}

func cloneEvent(e *models.Event) *models.Event {
	clone := *e
	clone.Payload = copyMap(e.Payload)
	if e.Diff != nil {
		d := *e.Diff
		d.Before = copyMap(e.Diff.Before)
		d.After = copyMap(e.Diff.After)
		clone.Diff = &d
	}
	return &clone
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
