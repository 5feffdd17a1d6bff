package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// runForEachBackend runs one conformance test against both store
// implementations. The core never depends on a concrete backend, so
// behavior must be identical.
func runForEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store_test.db")
		s, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatalf("Failed to create SQLite store: %v", err)
		}
		defer s.Close()
		fn(t, s)
	})
}

func seedOrder(t *testing.T, s Store, id string) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:        id,
		Type:      "test-order",
		State:     models.OrderStateQueued,
		Payload:   map[string]interface{}{"target": "demo"},
		CreatedAt: time.Now(),
	}
	if err := s.CreateOrder(order); err != nil {
		t.Fatalf("Failed to create order: %v", err)
	}
	return order
}

func seedItem(t *testing.T, s Store, id, orderID string, state models.ItemState) *models.Item {
	t.Helper()
	item := &models.Item{
		ID:          id,
		OrderID:     orderID,
		Type:        "test-item",
		State:       state,
		MaxAttempts: 3,
		Input:       map[string]interface{}{"step": 1},
		CreatedAt:   time.Now(),
	}
	if err := s.CreateItems([]*models.Item{item}); err != nil {
		t.Fatalf("Failed to create item: %v", err)
	}
	return item
}

func TestStoreOrderRoundTrip(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")

		got, err := s.GetOrder("order-1")
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if got.Type != "test-order" || got.State != models.OrderStateQueued {
			t.Errorf("unexpected order: %+v", got)
		}
		if got.Payload["target"] != "demo" {
			t.Errorf("payload not preserved: %v", got.Payload)
		}

		if _, err := s.GetOrder("missing"); !errors.Is(err, ErrOrderNotFound) {
			t.Errorf("expected ErrOrderNotFound, got %v", err)
		}
	})
}

func TestStoreOrderTransition(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")

		applied, err := s.ApplyOrderTransition(OrderTransition{
			OrderID: "order-1",
			From:    models.OrderStateQueued,
			To:      models.OrderStateCheckedOut,
			Event: &models.Event{
				ID:        "evt-1",
				OrderID:   "order-1",
				Type:      models.EventOrderTransition,
				ActorType: "system",
				CreatedAt: time.Now(),
			},
		})
		if err != nil {
			t.Fatalf("ApplyOrderTransition: %v", err)
		}
		if !applied {
			t.Fatal("expected transition to apply")
		}

		got, _ := s.GetOrder("order-1")
		if got.State != models.OrderStateCheckedOut {
			t.Errorf("state = %s, want checked_out", got.State)
		}
		if got.TransitionedAt == nil {
			t.Error("TransitionedAt not set")
		}

		// Event written in the same transaction
		events, err := s.ListEvents(EventFilter{OrderID: "order-1"})
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		if len(events) != 1 || events[0].Type != models.EventOrderTransition {
			t.Errorf("expected one transition event, got %v", events)
		}

		// Idempotent no-op when already in target state
		applied, err = s.ApplyOrderTransition(OrderTransition{
			OrderID: "order-1",
			From:    models.OrderStateQueued,
			To:      models.OrderStateCheckedOut,
		})
		if err != nil || applied {
			t.Errorf("expected no-op, got applied=%v err=%v", applied, err)
		}

		// Guarded: wrong From state conflicts
		_, err = s.ApplyOrderTransition(OrderTransition{
			OrderID: "order-1",
			From:    models.OrderStateQueued,
			To:      models.OrderStateSubmitted,
		})
		if !errors.Is(err, ErrStateConflict) {
			t.Errorf("expected ErrStateConflict, got %v", err)
		}
	})
}

func TestStoreItemTransitionMutate(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateQueued)

		expires := time.Now().Add(time.Minute)
		applied, err := s.ApplyItemTransition(ItemTransition{
			ItemID: "item-1",
			From:   models.ItemStateQueued,
			To:     models.ItemStateLeased,
			Mutate: func(i *models.Item) {
				i.HolderID = "worker-1"
				i.LeaseExpiresAt = &expires
			},
		})
		if err != nil || !applied {
			t.Fatalf("transition: applied=%v err=%v", applied, err)
		}

		got, _ := s.GetItem("item-1")
		if got.State != models.ItemStateLeased || got.HolderID != "worker-1" {
			t.Errorf("mutation not applied: %+v", got)
		}
		if got.LeaseExpiresAt == nil {
			t.Error("lease expiry not persisted")
		}
	})
}

func TestStoreLeasePrimitives(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateQueued)

		expires := time.Now().Add(time.Minute)

		ok, err := s.TryAcquireLease("item-1", "worker-1", expires)
		if err != nil || !ok {
			t.Fatalf("first acquire: ok=%v err=%v", ok, err)
		}

		// Second holder loses
		ok, err = s.TryAcquireLease("item-1", "worker-2", expires)
		if err != nil {
			t.Fatalf("second acquire: %v", err)
		}
		if ok {
			t.Error("second holder should not win an active lease")
		}

		// Re-acquire by the same holder succeeds without changes
		ok, _ = s.TryAcquireLease("item-1", "worker-1", expires)
		if !ok {
			t.Error("holder re-acquire should succeed")
		}

		// Extend by holder succeeds, by stranger fails
		later := time.Now().Add(2 * time.Minute)
		ok, _ = s.TryExtendLease("item-1", "worker-1", later)
		if !ok {
			t.Error("holder extend should succeed")
		}
		ok, _ = s.TryExtendLease("item-1", "worker-2", later)
		if ok {
			t.Error("stranger extend should fail")
		}

		// Release is idempotent
		if err := s.ReleaseLease("item-1", "worker-1"); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := s.ReleaseLease("item-1", "worker-1"); err != nil {
			t.Fatalf("double release: %v", err)
		}
		got, _ := s.GetItem("item-1")
		if got.HolderID != "" || got.LeaseExpiresAt != nil {
			t.Errorf("lease fields not cleared: %+v", got)
		}

		if _, err := s.TryAcquireLease("missing", "worker-1", expires); !errors.Is(err, ErrItemNotFound) {
			t.Errorf("expected ErrItemNotFound, got %v", err)
		}
	})
}

func TestStoreExpiredLeaseReacquirable(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateQueued)

		expired := time.Now().Add(-time.Second)
		ok, err := s.TryAcquireLease("item-1", "worker-1", expired)
		if err != nil || !ok {
			t.Fatalf("acquire: ok=%v err=%v", ok, err)
		}

		// Expired lease cannot be extended
		ok, _ = s.TryExtendLease("item-1", "worker-1", time.Now().Add(time.Minute))
		if ok {
			t.Error("extend of expired lease should fail")
		}

		// Another holder can take over an expired lease
		ok, err = s.TryAcquireLease("item-1", "worker-2", time.Now().Add(time.Minute))
		if err != nil || !ok {
			t.Errorf("takeover of expired lease: ok=%v err=%v", ok, err)
		}
	})
}

func TestStoreConcurrentAcquireSingleWinner(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateQueued)

		const holders = 8
		expires := time.Now().Add(time.Minute)

		var wg sync.WaitGroup
		wins := make(chan string, holders)
		for i := 0; i < holders; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				holder := fmt.Sprintf("worker-%d", n)
				ok, err := s.TryAcquireLease("item-1", holder, expires)
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if ok {
					wins <- holder
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}

		got, _ := s.GetItem("item-1")
		if got.HolderID != winners[0] {
			t.Errorf("holder = %q, want %q", got.HolderID, winners[0])
		}
	})
}

func TestStoreListItemsFilters(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedOrder(t, s, "order-2")

		base := time.Now().Add(-time.Hour)
		items := []*models.Item{
			{ID: "a", OrderID: "order-1", Type: "x", State: models.ItemStateQueued, MaxAttempts: 3, CreatedAt: base},
			{ID: "b", OrderID: "order-1", Type: "x", State: models.ItemStateLeased, MaxAttempts: 3, CreatedAt: base.Add(time.Minute)},
			{ID: "c", OrderID: "order-2", Type: "y", State: models.ItemStateQueued, MaxAttempts: 3, CreatedAt: base.Add(2 * time.Minute)},
		}
		if err := s.CreateItems(items); err != nil {
			t.Fatalf("CreateItems: %v", err)
		}

		queued, err := s.ListItems(ItemFilter{States: []models.ItemState{models.ItemStateQueued}})
		if err != nil {
			t.Fatalf("ListItems: %v", err)
		}
		if len(queued) != 2 || queued[0].ID != "a" || queued[1].ID != "c" {
			t.Errorf("queued items wrong or misordered: %v", ids(queued))
		}

		byOrder, _ := s.ListItems(ItemFilter{OrderID: "order-1"})
		if len(byOrder) != 2 {
			t.Errorf("expected 2 items for order-1, got %d", len(byOrder))
		}

		byType, _ := s.ListItems(ItemFilter{Type: "y"})
		if len(byType) != 1 || byType[0].ID != "c" {
			t.Errorf("type filter wrong: %v", ids(byType))
		}
	})
}

func TestStorePartsRoundTrip(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateInProgress)

		part := &models.Part{
			ID:          "part-1",
			ItemID:      "item-1",
			PartKey:     "header",
			Seq:         1,
			Status:      models.PartStatusValidated,
			Payload:     map[string]interface{}{"title": "hello"},
			Checksum:    "abc",
			SubmittedBy: "worker-1",
			CreatedAt:   time.Now(),
		}
		summary := map[string]models.PartStatus{"header": models.PartStatusValidated}
		if err := s.SavePart(part, summary); err != nil {
			t.Fatalf("SavePart: %v", err)
		}

		parts, err := s.ListParts("item-1")
		if err != nil {
			t.Fatalf("ListParts: %v", err)
		}
		if len(parts) != 1 || parts[0].PartKey != "header" || parts[0].Payload["title"] != "hello" {
			t.Errorf("part not preserved: %+v", parts)
		}

		// Materialized summary written atomically with the part
		item, _ := s.GetItem("item-1")
		if item.PartsState["header"] != models.PartStatusValidated {
			t.Errorf("parts state summary not updated: %v", item.PartsState)
		}
	})
}

func TestStoreIdempotencyUniqueness(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		rec := &models.IdempotencyRecord{
			Scope:       "propose:test",
			KeyHash:     "hash-1",
			Fingerprint: "fp-1",
			Response:    []byte(`{"ok":true}`),
			CreatedAt:   time.Now(),
		}
		if err := s.InsertIdempotencyRecord(rec); err != nil {
			t.Fatalf("first insert: %v", err)
		}

		err := s.InsertIdempotencyRecord(rec)
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			t.Errorf("expected ErrDuplicateIdempotencyKey, got %v", err)
		}

		got, err := s.GetIdempotencyRecord("propose:test", "hash-1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got == nil || got.Fingerprint != "fp-1" {
			t.Errorf("record not found or wrong: %+v", got)
		}

		// Missing record is (nil, nil), not an error
		got, err = s.GetIdempotencyRecord("propose:test", "other")
		if err != nil || got != nil {
			t.Errorf("expected (nil, nil), got %v, %v", got, err)
		}
	})
}

func TestStoreIdempotencyGC(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		old := &models.IdempotencyRecord{
			Scope: "s", KeyHash: "old", Fingerprint: "fp",
			CreatedAt: time.Now().Add(-48 * time.Hour),
		}
		fresh := &models.IdempotencyRecord{
			Scope: "s", KeyHash: "fresh", Fingerprint: "fp",
			CreatedAt: time.Now(),
		}
		s.InsertIdempotencyRecord(old)
		s.InsertIdempotencyRecord(fresh)

		deleted, err := s.DeleteIdempotencyRecordsBefore(time.Now().Add(-24 * time.Hour))
		if err != nil {
			t.Fatalf("gc: %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted = %d, want 1", deleted)
		}

		if got, _ := s.GetIdempotencyRecord("s", "fresh"); got == nil {
			t.Error("fresh record should survive GC")
		}
		if got, _ := s.GetIdempotencyRecord("s", "old"); got != nil {
			t.Error("old record should be gone")
		}
	})
}

func ids(items []*models.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestStoreItemTransitionGuard(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		seedOrder(t, s, "order-1")
		seedItem(t, s, "item-1", "order-1", models.ItemStateLeased)

		applied, err := s.ApplyItemTransition(ItemTransition{
			ItemID: "item-1",
			From:   models.ItemStateLeased,
			To:     models.ItemStateQueued,
			Guard:  func(i *models.Item) bool { return false },
		})
		if !errors.Is(err, ErrStateConflict) {
			t.Fatalf("expected ErrStateConflict from failed guard, got (%v, %v)", applied, err)
		}
		item, _ := s.GetItem("item-1")
		if item.State != models.ItemStateLeased {
			t.Errorf("item = %s after vetoed transition, want leased", item.State)
		}

		var seen *models.Item
		applied, err = s.ApplyItemTransition(ItemTransition{
			ItemID: "item-1",
			From:   models.ItemStateLeased,
			To:     models.ItemStateQueued,
			Guard: func(i *models.Item) bool {
				seen = i
				return true
			},
		})
		if err != nil || !applied {
			t.Fatalf("ApplyItemTransition = (%v, %v), want applied", applied, err)
		}
		if seen == nil || seen.State != models.ItemStateLeased {
			t.Errorf("guard should see the current row, got %+v", seen)
		}
		item, _ = s.GetItem("item-1")
		if item.State != models.ItemStateQueued {
			t.Errorf("item = %s, want queued", item.State)
		}
	})
}

func TestStoreCredentialRoundTrip(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		expires := time.Now().Add(time.Hour).UTC()
		cred := &models.Credential{
			ID:        "worker-1",
			Kind:      models.CredentialHolder,
			Hash:      "$2a$10$fakehash",
			CreatedAt: time.Now().UTC(),
			ExpiresAt: &expires,
		}
		if err := s.PutCredential(cred); err != nil {
			t.Fatalf("PutCredential: %v", err)
		}

		got, err := s.GetCredential(models.CredentialHolder, "worker-1")
		if err != nil {
			t.Fatalf("GetCredential: %v", err)
		}
		if got.Hash != cred.Hash || got.ExpiresAt == nil {
			t.Errorf("got %+v", got)
		}

		// Same ID under a different kind is a distinct credential
		if _, err := s.GetCredential(models.CredentialOperator, "worker-1"); !errors.Is(err, ErrCredentialNotFound) {
			t.Errorf("cross-kind lookup: %v, want ErrCredentialNotFound", err)
		}

		// Re-put replaces
		cred.Hash = "$2a$10$replaced"
		if err := s.PutCredential(cred); err != nil {
			t.Fatalf("replace: %v", err)
		}
		got, _ = s.GetCredential(models.CredentialHolder, "worker-1")
		if got.Hash != "$2a$10$replaced" {
			t.Errorf("hash after replace = %q", got.Hash)
		}

		if err := s.DeleteCredential(models.CredentialHolder, "worker-1"); err != nil {
			t.Fatalf("DeleteCredential: %v", err)
		}
		if err := s.DeleteCredential(models.CredentialHolder, "worker-1"); !errors.Is(err, ErrCredentialNotFound) {
			t.Errorf("second delete: %v, want ErrCredentialNotFound", err)
		}
	})
}

func TestStoreExpiredCredentialSweep(t *testing.T) {
	runForEachBackend(t, func(t *testing.T, s Store) {
		now := time.Now().UTC()
		past := now.Add(-time.Minute)
		future := now.Add(time.Hour)

		seed := []*models.Credential{
			{ID: "stale", Kind: models.CredentialHolder, Hash: "h", CreatedAt: now, ExpiresAt: &past},
			{ID: "fresh", Kind: models.CredentialHolder, Hash: "h", CreatedAt: now, ExpiresAt: &future},
			{ID: "ops", Kind: models.CredentialOperator, Hash: "h", CreatedAt: now},
		}
		for _, cred := range seed {
			if err := s.PutCredential(cred); err != nil {
				t.Fatalf("PutCredential(%s): %v", cred.ID, err)
			}
		}

		deleted, err := s.DeleteExpiredCredentials(now)
		if err != nil {
			t.Fatalf("DeleteExpiredCredentials: %v", err)
		}
		if deleted != 1 {
			t.Errorf("deleted %d, want 1", deleted)
		}

		if _, err := s.GetCredential(models.CredentialHolder, "fresh"); err != nil {
			t.Errorf("fresh credential swept: %v", err)
		}
		keys, err := s.ListCredentials(models.CredentialOperator)
		if err != nil || len(keys) != 1 {
			t.Errorf("operator keys = (%v, %v), want the non-expiring one intact", keys, err)
		}
	})
}
