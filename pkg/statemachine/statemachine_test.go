package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

func newTestMachine(t *testing.T, opts ...Option) (*StateMachine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	m, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, st
}

func createOrder(t *testing.T, st store.Store, id string, state models.OrderState) {
	t.Helper()
	err := st.CreateOrder(&models.Order{
		ID: id, Type: "test", State: state, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
}

func createItem(t *testing.T, st store.Store, id, orderID string, state models.ItemState) {
	t.Helper()
	err := st.CreateItems([]*models.Item{{
		ID: id, OrderID: orderID, Type: "test", State: state,
		MaxAttempts: 3, CreatedAt: time.Now(),
	}})
	if err != nil {
		t.Fatalf("CreateItems: %v", err)
	}
}

func TestTransitionOrderLegal(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateQueued)

	order, err := m.TransitionOrder("order-1", models.OrderStateCheckedOut, Change{
		Actor: models.Actor{Type: "agent", ID: "worker-1"},
	}, nil)
	if err != nil {
		t.Fatalf("TransitionOrder: %v", err)
	}
	if order.State != models.OrderStateCheckedOut {
		t.Errorf("state = %s, want checked_out", order.State)
	}

	events, _ := st.ListEvents(store.EventFilter{OrderID: "order-1"})
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ActorType != "agent" || events[0].Payload["from"] != "queued" {
		t.Errorf("event detail wrong: %+v", events[0])
	}
}

func TestTransitionIllegalLeavesStateUnchanged(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateQueued)

	// Every (state, target) pair not in the graph must fail with a typed
	// error and leave the entity untouched.
	for _, target := range []models.OrderState{
		models.OrderStateApproved,
		models.OrderStateApplied,
		models.OrderStateSubmitted,
		models.OrderStateRejected,
	} {
		_, err := m.TransitionOrder("order-1", target, Change{Actor: models.SystemActor}, nil)
		var illegal *IllegalTransitionError
		if !errors.As(err, &illegal) {
			t.Fatalf("transition to %s: expected IllegalTransitionError, got %v", target, err)
		}
		if illegal.From != "queued" || illegal.To != string(target) || illegal.EntityKind != "order" {
			t.Errorf("error detail wrong: %+v", illegal)
		}

		order, _ := st.GetOrder("order-1")
		if order.State != models.OrderStateQueued {
			t.Fatalf("state mutated by illegal transition: %s", order.State)
		}
	}

	// No events recorded for refused transitions
	events, _ := st.ListEvents(store.EventFilter{OrderID: "order-1"})
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

func TestTransitionToCurrentStateIsNoOp(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateQueued)

	order, err := m.TransitionOrder("order-1", models.OrderStateQueued, Change{Actor: models.SystemActor}, nil)
	if err != nil {
		t.Fatalf("no-op transition errored: %v", err)
	}
	if order.State != models.OrderStateQueued {
		t.Errorf("state = %s", order.State)
	}
	events, _ := st.ListEvents(store.EventFilter{OrderID: "order-1"})
	if len(events) != 0 {
		t.Errorf("no-op should not record events, got %d", len(events))
	}
}

func TestTransitionItemMutate(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateQueued)
	createItem(t, st, "item-1", "order-1", models.ItemStateQueued)

	expires := time.Now().Add(time.Minute)
	item, err := m.TransitionItem("item-1", models.ItemStateLeased, Change{
		Actor:     models.Actor{Type: "agent", ID: "worker-1"},
		EventType: models.EventItemLeased,
	}, func(i *models.Item) {
		i.HolderID = "worker-1"
		i.LeaseExpiresAt = &expires
	})
	if err != nil {
		t.Fatalf("TransitionItem: %v", err)
	}
	if item.HolderID != "worker-1" || item.State != models.ItemStateLeased {
		t.Errorf("item wrong: %+v", item)
	}

	events, _ := st.ListEvents(store.EventFilter{ItemID: "item-1"})
	if len(events) != 1 || events[0].Type != models.EventItemLeased {
		t.Errorf("expected one item.leased event, got %+v", events)
	}
}

func TestAutoCompletionAllItemsTerminal(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateApplied)
	createItem(t, st, "a", "order-1", models.ItemStateCompleted)
	createItem(t, st, "b", "order-1", models.ItemStateAccepted)

	// b is not yet terminal: no completion
	if err := m.CheckOrderCompletion("order-1"); err != nil {
		t.Fatalf("CheckOrderCompletion: %v", err)
	}
	order, _ := st.GetOrder("order-1")
	if order.State != models.OrderStateApplied {
		t.Fatalf("order completed early: %s", order.State)
	}

	// b completes; auto-completion fires from the transition itself
	if _, err := m.TransitionItem("b", models.ItemStateCompleted, Change{Actor: models.SystemActor}, nil); err != nil {
		t.Fatalf("TransitionItem: %v", err)
	}
	order, _ = st.GetOrder("order-1")
	if order.State != models.OrderStateCompleted {
		t.Errorf("order state = %s, want completed", order.State)
	}
	if order.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// Redundant check is a no-op
	if err := m.CheckOrderCompletion("order-1"); err != nil {
		t.Errorf("redundant completion check errored: %v", err)
	}
}

func TestAutoCompletionCountsDeadLettered(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateInProgress)
	createItem(t, st, "a", "order-1", models.ItemStateCompleted)
	createItem(t, st, "b", "order-1", models.ItemStateDeadLettered)

	if err := m.CheckOrderCompletion("order-1"); err != nil {
		t.Fatalf("CheckOrderCompletion: %v", err)
	}
	order, _ := st.GetOrder("order-1")
	if order.State != models.OrderStateCompleted {
		t.Errorf("order with completed+dead_lettered items should complete, got %s", order.State)
	}
}

func TestAutoCompletionHoldsForSubmittedItem(t *testing.T) {
	m, st := newTestMachine(t)
	createOrder(t, st, "order-1", models.OrderStateSubmitted)
	createItem(t, st, "a", "order-1", models.ItemStateCompleted)
	createItem(t, st, "b", "order-1", models.ItemStateSubmitted)

	if err := m.CheckOrderCompletion("order-1"); err != nil {
		t.Fatalf("CheckOrderCompletion: %v", err)
	}
	order, _ := st.GetOrder("order-1")
	if order.State == models.OrderStateCompleted {
		t.Error("order must not complete while an item is still submitted")
	}
}

func TestPublisherReceivesCommittedEvents(t *testing.T) {
	var published []models.Event
	m, st := newTestMachine(t, WithPublisher(func(e models.Event) {
		published = append(published, e)
	}))
	createOrder(t, st, "order-1", models.OrderStateQueued)

	if _, err := m.TransitionOrder("order-1", models.OrderStateCheckedOut, Change{Actor: models.SystemActor}, nil); err != nil {
		t.Fatalf("TransitionOrder: %v", err)
	}
	if len(published) != 1 || published[0].OrderID != "order-1" {
		t.Errorf("publisher not invoked correctly: %+v", published)
	}
}

func TestNewRejectsInvalidGraph(t *testing.T) {
	st := store.NewMemoryStore()
	bad := models.GraphFromAdjacency(map[string][]string{"queued": {"nonsense"}})
	if _, err := New(st, WithGraphs(bad, models.DefaultItemGraph())); err == nil {
		t.Error("expected graph validation error")
	}
}
