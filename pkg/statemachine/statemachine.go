// Package statemachine validates and applies state transitions for orders and
// items. Transition legality comes from configured graphs, not code; every
// applied transition writes one audit event in the same transaction.
package statemachine

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// IllegalTransitionError reports an attempted state change not present in the
// configured transition graph. It is fatal to the call and never retried
// blindly.
type IllegalTransitionError struct {
	EntityKind string
	From       string
	To         string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal %s transition: %s -> %s", e.EntityKind, e.From, e.To)
}

// Publisher receives every committed event. Delivery to external sinks is
// the subscriber's concern.
type Publisher func(models.Event)

// Change carries the audit detail for one transition
type Change struct {
	Actor     models.Actor
	Message   string
	Payload   map[string]interface{}
	Diff      *models.Diff
	EventType string // defaults to order.transition / item.transition
	// Guard is re-evaluated on the current item inside the store's
	// transition critical section. Item transitions only.
	Guard func(*models.Item) bool
}

// StateMachine applies validated transitions against the store
type StateMachine struct {
	store      store.Store
	orderGraph models.TransitionGraph
	itemGraph  models.TransitionGraph
	publish    Publisher
}

// Option configures the state machine
type Option func(*StateMachine)

// WithGraphs overrides the default transition graphs
func WithGraphs(orderGraph, itemGraph models.TransitionGraph) Option {
	return func(m *StateMachine) {
		m.orderGraph = orderGraph
		m.itemGraph = itemGraph
	}
}

// WithPublisher sets the post-commit event publisher
func WithPublisher(p Publisher) Option {
	return func(m *StateMachine) {
		m.publish = p
	}
}

// New creates a state machine. Graphs are validated once here; a bad graph is
// a construction error, not a runtime surprise.
func New(st store.Store, opts ...Option) (*StateMachine, error) {
	m := &StateMachine{
		store:      st,
		orderGraph: models.DefaultOrderGraph(),
		itemGraph:  models.DefaultItemGraph(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.orderGraph.Validate(models.OrderStates()); err != nil {
		return nil, fmt.Errorf("order graph: %w", err)
	}
	if err := m.itemGraph.Validate(models.ItemStates()); err != nil {
		return nil, fmt.Errorf("item graph: %w", err)
	}
	return m, nil
}

// OrderGraph returns the configured order transition graph
func (m *StateMachine) OrderGraph() models.TransitionGraph { return m.orderGraph }

// ItemGraph returns the configured item transition graph
func (m *StateMachine) ItemGraph() models.TransitionGraph { return m.itemGraph }

// TransitionOrder moves an order to a new state. Transitioning to the current
// state is an idempotent no-op. The returned order reflects the committed row.
func (m *StateMachine) TransitionOrder(orderID string, to models.OrderState, ch Change, mutate func(*models.Order)) (*models.Order, error) {
	for attempt := 0; ; attempt++ {
		order, err := m.store.GetOrder(orderID)
		if err != nil {
			return nil, err
		}
		if order.State == to {
			return order, nil
		}
		if !m.orderGraph.Allowed(string(order.State), string(to)) {
			return nil, &IllegalTransitionError{EntityKind: "order", From: string(order.State), To: string(to)}
		}

		event := m.newEvent(orderID, "", ch, models.EventOrderTransition)
		event.Payload = transitionPayload(ch.Payload, string(order.State), string(to))

		applied, err := m.store.ApplyOrderTransition(store.OrderTransition{
			OrderID: orderID,
			From:    order.State,
			To:      to,
			Mutate:  mutate,
			Event:   event,
		})
		if errors.Is(err, store.ErrStateConflict) && attempt == 0 {
			// Lost a race; re-read and re-validate once
			continue
		}
		if err != nil {
			return nil, err
		}
		if applied {
			log.Printf("[StateMachine] Order %s: %s -> %s (%s)", orderID, order.State, to, ch.Actor.Type)
			m.emit(event)
		}
		return m.store.GetOrder(orderID)
	}
}

// TransitionItem moves an item to a new state. When the item lands in a
// terminal state the owning order is checked for auto-completion.
func (m *StateMachine) TransitionItem(itemID string, to models.ItemState, ch Change, mutate func(*models.Item)) (*models.Item, error) {
	item, _, err := m.TryTransitionItem(itemID, to, ch, mutate)
	return item, err
}

// TryTransitionItem is TransitionItem that also reports whether this call
// performed the transition. False with a nil error means the item was
// already in the target state, usually because a concurrent caller won.
func (m *StateMachine) TryTransitionItem(itemID string, to models.ItemState, ch Change, mutate func(*models.Item)) (*models.Item, bool, error) {
	var orderID string
	var performed bool
	for attempt := 0; ; attempt++ {
		item, err := m.store.GetItem(itemID)
		if err != nil {
			return nil, false, err
		}
		orderID = item.OrderID
		if item.State == to {
			return item, performed, nil
		}
		if !m.itemGraph.Allowed(string(item.State), string(to)) {
			return nil, false, &IllegalTransitionError{EntityKind: "item", From: string(item.State), To: string(to)}
		}

		eventType := ch.EventType
		if eventType == "" {
			eventType = models.EventItemTransition
		}
		event := m.newEvent(orderID, itemID, ch, eventType)
		event.Payload = transitionPayload(ch.Payload, string(item.State), string(to))

		applied, err := m.store.ApplyItemTransition(store.ItemTransition{
			ItemID: itemID,
			From:   item.State,
			To:     to,
			Guard:  ch.Guard,
			Mutate: mutate,
			Event:  event,
		})
		if errors.Is(err, store.ErrStateConflict) && attempt == 0 {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if applied {
			performed = true
			log.Printf("[StateMachine] Item %s: %s -> %s (%s)", itemID, item.State, to, ch.Actor.Type)
			m.emit(event)
		}
		break
	}

	if models.IsTerminalItemState(to) {
		if err := m.CheckOrderCompletion(orderID); err != nil {
			return nil, false, err
		}
	}
	item, err := m.store.GetItem(itemID)
	return item, performed, err
}

// CheckOrderCompletion transitions the order to completed once every item is
// terminal. Safe to call redundantly: already-completed orders and orders
// with outstanding items are no-ops.
func (m *StateMachine) CheckOrderCompletion(orderID string) error {
	order, err := m.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if order.State == models.OrderStateCompleted {
		return nil
	}
	if !m.orderGraph.Allowed(string(order.State), string(models.OrderStateCompleted)) {
		return nil
	}

	items, err := m.store.ListItems(store.ItemFilter{OrderID: orderID})
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	for _, item := range items {
		if !models.IsTerminalItemState(item.State) {
			return nil
		}
	}

	_, err = m.TransitionOrder(orderID, models.OrderStateCompleted, Change{
		Actor:   models.SystemActor,
		Message: "all items reached a terminal state",
	}, func(o *models.Order) {
		now := time.Now()
		o.CompletedAt = &now
	})
	return err
}

// RecordEvent writes a standalone audit event outside any transition and
// publishes it.
func (m *StateMachine) RecordEvent(event *models.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if err := m.store.AppendEvent(event); err != nil {
		return err
	}
	m.emit(event)
	return nil
}

func (m *StateMachine) newEvent(orderID, itemID string, ch Change, eventType string) *models.Event {
	if ch.EventType != "" {
		eventType = ch.EventType
	}
	return &models.Event{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		ItemID:    itemID,
		Type:      eventType,
		ActorType: ch.Actor.Type,
		ActorID:   ch.Actor.ID,
		Diff:      ch.Diff,
		Message:   ch.Message,
		CreatedAt: time.Now(),
	}
}

func (m *StateMachine) emit(event *models.Event) {
	if m.publish != nil {
		m.publish(*event)
	}
}

func transitionPayload(base map[string]interface{}, from, to string) map[string]interface{} {
	payload := make(map[string]interface{}, len(base)+2)
	for k, v := range base {
		payload[k] = v
	}
	payload["from"] = from
	payload["to"] = to
	return payload
}
