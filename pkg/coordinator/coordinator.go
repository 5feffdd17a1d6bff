// Package coordinator orchestrates the order lifecycle end to end: proposal
// and planning, checkout and heartbeats, submission, approval and apply,
// rejection with optional rework, and failure accounting. Domain knowledge
// comes from the order type registry; everything here is generic workflow.
package coordinator

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/idempotency"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// ApplyFailureError reports a failed domain apply. The order lands in failed
// and the approval worker retries it until apply attempts run out.
type ApplyFailureError struct {
	OrderID string
	Cause   error
}

func (e *ApplyFailureError) Error() string {
	return fmt.Sprintf("apply failed for order %s: %v", e.OrderID, e.Cause)
}

func (e *ApplyFailureError) Unwrap() error { return e.Cause }

// ErrNotApprovable signals an approval attempt on an order that is not
// waiting for one
var ErrNotApprovable = errors.New("order is not awaiting approval")

// ReworkPolicy decides what happens to a rejected order's items when the
// caller asks for another cycle
type ReworkPolicy string

const (
	// ReworkReset requeues the submitted items with their results cleared.
	// Parts are retained so holders can resubmit incrementally.
	ReworkReset ReworkPolicy = "reset"
	// ReworkReplan dead-letters the rejected items and plans a fresh set
	ReworkReplan ReworkPolicy = "replan"
)

// Config holds coordinator policy, fixed at construction
type Config struct {
	Retry  *models.RetryPolicy
	Rework ReworkPolicy
}

// Coordinator wires the core components into the workflow operations
type Coordinator struct {
	store     store.Store
	sm        *statemachine.StateMachine
	leases    *lease.Manager
	assembler *assembler.Assembler
	guard     *idempotency.Guard
	registry  *ordertype.Registry
	retry     *models.RetryPolicy
	rework    ReworkPolicy
}

// New creates a coordinator over the given components
func New(st store.Store, sm *statemachine.StateMachine, leases *lease.Manager, asm *assembler.Assembler, registry *ordertype.Registry, cfg Config) *Coordinator {
	retry := cfg.Retry
	if retry == nil {
		retry = models.DefaultRetryPolicy()
	}
	rework := cfg.Rework
	if rework == "" {
		rework = ReworkReset
	}
	return &Coordinator{
		store:     st,
		sm:        sm,
		leases:    leases,
		assembler: asm,
		guard:     idempotency.NewGuard(st),
		registry:  registry,
		retry:     retry,
		rework:    rework,
	}
}

// Propose validates the payload, creates the order, and plans its items.
// The order starts queued with every planned item queued alongside it.
func (c *Coordinator) Propose(req models.ProposeRequest, clientKey string) (*models.Order, error) {
	order, _, err := idempotency.Do(c.guard, "order.propose", clientKey, req, func() (*models.Order, error) {
		return c.propose(req)
	})
	return order, err
}

func (c *Coordinator) propose(req models.ProposeRequest) (*models.Order, error) {
	plugin, err := c.registry.Resolve(req.Type)
	if err != nil {
		return nil, err
	}
	if err := plugin.Schema().Validate(req.Payload); err != nil {
		return nil, err
	}

	order := &models.Order{
		ID:          uuid.NewString(),
		Type:        req.Type,
		State:       models.OrderStateQueued,
		Priority:    req.Priority,
		Payload:     req.Payload,
		Metadata:    req.Metadata,
		RequestedBy: req.RequestedBy,
		CreatedAt:   time.Now(),
	}
	if err := c.store.CreateOrder(order); err != nil {
		return nil, err
	}
	c.recordOrderEvent(order.ID, models.EventOrderProposed, models.Actor{Type: "user", ID: req.RequestedBy},
		fmt.Sprintf("order proposed (%s)", req.Type), nil)

	specs, err := plugin.Plan(order)
	if err == nil && len(specs) == 0 {
		err = fmt.Errorf("order type %s planned zero items", req.Type)
	}
	if err != nil {
		// The order committed but has nothing to work on. Park it so it
		// does not sit in the queue forever.
		c.deadLetterOrphan(order.ID, err)
		return nil, fmt.Errorf("plan order %s: %w", order.ID, err)
	}

	items := make([]*models.Item, len(specs))
	now := time.Now()
	for i, spec := range specs {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = c.retry.MaxAttempts
		}
		items[i] = &models.Item{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			Type:        spec.Type,
			State:       models.ItemStateQueued,
			Input:       spec.Input,
			MaxAttempts: maxAttempts,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		}
	}
	if err := c.store.CreateItems(items); err != nil {
		c.deadLetterOrphan(order.ID, err)
		return nil, err
	}
	c.recordOrderEvent(order.ID, models.EventOrderPlanned, models.SystemActor,
		fmt.Sprintf("planned %d items", len(items)), map[string]interface{}{"item_count": len(items)})

	log.Printf("[Coordinator] Order %s proposed with %d items", order.ID, len(items))
	return order, nil
}

// deadLetterOrphan parks an order that committed but could not be planned
func (c *Coordinator) deadLetterOrphan(orderID string, cause error) {
	_, err := c.sm.TransitionOrder(orderID, models.OrderStateDeadLettered, statemachine.Change{
		Actor:   models.SystemActor,
		Message: fmt.Sprintf("planning failed: %v", cause),
	}, nil)
	if err != nil {
		log.Printf("[Coordinator] Dead-lettering unplannable order %s failed: %v", orderID, err)
	}
}

// Checkout leases the oldest queued item of an order for the holder. An
// empty order ID selects across all orders.
func (c *Coordinator) Checkout(orderID, holder string, ttl time.Duration) (*models.Item, error) {
	return c.leases.Acquire(orderID, holder, ttl)
}

// Heartbeat extends the holder's lease. The first heartbeat marks the item
// in progress.
func (c *Coordinator) Heartbeat(itemID, holder string, ttl time.Duration) (*models.Item, error) {
	return c.leases.Extend(itemID, holder, ttl)
}

// ReleaseItem gives an item back to the queue with its lease cleared
func (c *Coordinator) ReleaseItem(itemID, holder string) (*models.Item, error) {
	return c.leases.Release(itemID, holder)
}

// Submit stores a complete result for a held item and moves it to submitted.
// When every sibling is submitted the order follows, and auto-approval runs
// if the order type opts in.
func (c *Coordinator) Submit(itemID, holder string, result map[string]interface{}, clientKey string) (*models.Item, error) {
	item, _, err := idempotency.Do(c.guard, "item.submit:"+itemID, clientKey, result, func() (*models.Item, error) {
		return c.submit(itemID, holder, result)
	})
	return item, err
}

func (c *Coordinator) submit(itemID, holder string, result map[string]interface{}) (*models.Item, error) {
	item, err := c.verifyHolder(itemID, holder)
	if err != nil {
		return nil, err
	}
	plugin, err := c.registry.Resolve(item.Type)
	if err != nil {
		return nil, err
	}
	if err := plugin.SubmissionRules(item).Validate(result); err != nil {
		return nil, err
	}
	if err := plugin.AfterValidateSubmission(item, result); err != nil {
		return nil, err
	}

	item, err = c.sm.TransitionItem(itemID, models.ItemStateSubmitted, statemachine.Change{
		Actor:   models.Actor{Type: "agent", ID: holder},
		Message: "result submitted",
	}, func(i *models.Item) {
		i.Result = result
		i.ClearLease()
	})
	if err != nil {
		return nil, err
	}
	if err := c.leases.ReleaseClaim(itemID, holder); err != nil {
		log.Printf("[Coordinator] Claim release after submit failed for %s: %v", itemID, err)
	}

	if err := c.afterItemSubmitted(item.OrderID); err != nil {
		return nil, err
	}
	return c.store.GetItem(itemID)
}

// SubmitPart stores one incremental result fragment for a held item
func (c *Coordinator) SubmitPart(itemID, holder, partKey string, seq int, payload, evidence map[string]interface{}, clientKey string) (*models.Part, error) {
	part, _, err := idempotency.Do(c.guard, "item.part:"+itemID, clientKey, payload, func() (*models.Part, error) {
		if _, err := c.verifyHolder(itemID, holder); err != nil {
			return nil, err
		}
		return c.assembler.SubmitPart(itemID, holder, partKey, seq, payload, evidence)
	})
	return part, err
}

// Finalize assembles a held item's parts into its result and submits it
func (c *Coordinator) Finalize(itemID, holder string, mode assembler.FinalizeMode, clientKey string) (*models.Item, error) {
	payload := map[string]interface{}{"mode": string(mode)}
	item, _, err := idempotency.Do(c.guard, "item.finalize:"+itemID, clientKey, payload, func() (*models.Item, error) {
		if _, err := c.verifyHolder(itemID, holder); err != nil {
			return nil, err
		}
		item, err := c.assembler.Finalize(itemID, mode)
		if err != nil {
			return nil, err
		}
		if err := c.leases.ReleaseClaim(itemID, holder); err != nil {
			log.Printf("[Coordinator] Claim release after finalize failed for %s: %v", itemID, err)
		}
		if err := c.afterItemSubmitted(item.OrderID); err != nil {
			return nil, err
		}
		return c.store.GetItem(itemID)
	})
	return item, err
}

// verifyHolder checks the caller owns an active lease on the item
func (c *Coordinator) verifyHolder(itemID, holder string) (*models.Item, error) {
	item, err := c.store.GetItem(itemID)
	if err != nil {
		return nil, err
	}
	if item.HolderID != holder {
		return nil, fmt.Errorf("%w: item %s", lease.ErrLeaseNotHeld, itemID)
	}
	if !item.LeaseActive(time.Now()) {
		return nil, fmt.Errorf("%w: item %s", lease.ErrLeaseExpired, itemID)
	}
	return item, nil
}

// afterItemSubmitted cascades the order to submitted once every item is
// submitted or already terminal, then runs auto-approval if the type opts in
func (c *Coordinator) afterItemSubmitted(orderID string) error {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	items, err := c.store.ListItems(store.ItemFilter{OrderID: orderID})
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.State != models.ItemStateSubmitted && !models.IsTerminalItemState(item.State) {
			return nil
		}
	}

	if order.State != models.OrderStateSubmitted {
		order, err = c.sm.TransitionOrder(orderID, models.OrderStateSubmitted, statemachine.Change{
			Actor:   models.SystemActor,
			Message: "all items submitted",
		}, nil)
		if err != nil {
			var illegal *statemachine.IllegalTransitionError
			if errors.As(err, &illegal) {
				return nil
			}
			return err
		}
	}

	plugin, err := c.registry.Resolve(order.Type)
	if err != nil {
		return err
	}
	if !plugin.ShouldAutoApprove() {
		return nil
	}
	if _, _, err := c.Approve(orderID, models.SystemActor, ""); err != nil {
		// Auto-approval failures leave the order awaiting explicit
		// approval or apply retry; they never fail the submission.
		log.Printf("[Coordinator] Auto-approval of order %s: %v", orderID, err)
	}
	return nil
}

// ApprovalResult is the recorded outcome of an approval
type ApprovalResult struct {
	Order *models.Order `json:"order"`
	Diff  *models.Diff  `json:"diff,omitempty"`
}

// Approve runs the strategic gate and applies the order. A submitted order
// moves through approved, applied, and completed; items cascade to
// completed. Approve also resumes interrupted or failed applies: an order
// already approved is re-applied (the apply contract is idempotent), and a
// failed order with apply attempts left is retried.
func (c *Coordinator) Approve(orderID string, actor models.Actor, clientKey string) (*models.Order, *models.Diff, error) {
	res, _, err := idempotency.Do(c.guard, "order.approve:"+orderID, clientKey, map[string]string{"order_id": orderID}, func() (*ApprovalResult, error) {
		return c.approve(orderID, actor)
	})
	if err != nil {
		return nil, nil, err
	}
	return res.Order, res.Diff, nil
}

func (c *Coordinator) approve(orderID string, actor models.Actor) (*ApprovalResult, error) {
	order, err := c.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	items, err := c.store.ListItems(store.ItemFilter{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	plugin, err := c.registry.Resolve(order.Type)
	if err != nil {
		return nil, err
	}

	switch order.State {
	case models.OrderStateSubmitted:
		if err := plugin.CanApprove(order, items); err != nil {
			return nil, fmt.Errorf("order %s cannot be approved: %w", orderID, err)
		}
		order, err = c.sm.TransitionOrder(orderID, models.OrderStateApproved, statemachine.Change{
			Actor:   actor,
			Message: "approved",
		}, nil)
		if err != nil {
			return nil, err
		}
	case models.OrderStateApproved:
		// Resuming after a crash between approval and apply
	case models.OrderStateFailed:
		if order.ApplyAttempts >= c.retry.MaxApplyAttempts {
			return nil, fmt.Errorf("%w: order %s exhausted %d apply attempts", ErrNotApprovable, orderID, order.ApplyAttempts)
		}
		order, err = c.sm.TransitionOrder(orderID, models.OrderStateApproved, statemachine.Change{
			Actor:   actor,
			Message: fmt.Sprintf("apply retry %d/%d", order.ApplyAttempts+1, c.retry.MaxApplyAttempts),
		}, nil)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: order %s is %s", ErrNotApprovable, orderID, order.State)
	}

	return c.apply(order, items, plugin, actor)
}

func (c *Coordinator) apply(order *models.Order, items []*models.Item, plugin ordertype.OrderType, actor models.Actor) (*ApprovalResult, error) {
	if err := plugin.BeforeApply(order, items); err != nil {
		return nil, c.failApply(order.ID, actor, err)
	}
	diff, err := plugin.Apply(order, items)
	if err != nil {
		return nil, c.failApply(order.ID, actor, err)
	}

	order, err = c.sm.TransitionOrder(order.ID, models.OrderStateApplied, statemachine.Change{
		Actor:     actor,
		EventType: models.EventOrderApplied,
		Message:   "domain apply succeeded",
		Diff:      diff,
	}, func(o *models.Order) {
		now := time.Now()
		o.AppliedAt = &now
	})
	if err != nil {
		return nil, err
	}

	// Accepted items complete immediately; the terminal transition fires
	// the order auto-completion check.
	for _, item := range items {
		if item.State != models.ItemStateSubmitted {
			continue
		}
		_, err := c.sm.TransitionItem(item.ID, models.ItemStateAccepted, statemachine.Change{
			Actor:   actor,
			Message: "accepted on approval",
		}, func(i *models.Item) {
			now := time.Now()
			i.AcceptedAt = &now
		})
		if err != nil {
			return nil, err
		}
		if _, err := c.sm.TransitionItem(item.ID, models.ItemStateCompleted, statemachine.Change{
			Actor: models.SystemActor,
		}, nil); err != nil {
			return nil, err
		}
	}

	if err := plugin.AfterApply(order, diff); err != nil {
		log.Printf("[Coordinator] AfterApply hook for order %s: %v", order.ID, err)
	}

	order, err = c.store.GetOrder(order.ID)
	if err != nil {
		return nil, err
	}
	log.Printf("[Coordinator] Order %s applied: %s", order.ID, diff.Summary)
	return &ApprovalResult{Order: order, Diff: diff}, nil
}

// failApply records the apply failure and moves the order to failed
func (c *Coordinator) failApply(orderID string, actor models.Actor, cause error) error {
	_, err := c.sm.TransitionOrder(orderID, models.OrderStateFailed, statemachine.Change{
		Actor:   actor,
		Message: fmt.Sprintf("apply failed: %v", cause),
	}, func(o *models.Order) {
		o.ApplyAttempts++
	})
	if err != nil {
		log.Printf("[Coordinator] Recording apply failure for order %s: %v", orderID, err)
	}
	return &ApplyFailureError{OrderID: orderID, Cause: cause}
}

// Reject declines a submitted order. With rework the order returns to queued
// for another cycle per the configured policy; without it the order stays
// rejected until dead-lettered.
func (c *Coordinator) Reject(orderID string, actor models.Actor, reasons []string, allowRework bool, clientKey string) (*models.Order, error) {
	payload := map[string]interface{}{"reasons": reasons, "rework": allowRework}
	order, _, err := idempotency.Do(c.guard, "order.reject:"+orderID, clientKey, payload, func() (*models.Order, error) {
		return c.reject(orderID, actor, reasons, allowRework)
	})
	return order, err
}

func (c *Coordinator) reject(orderID string, actor models.Actor, reasons []string, allowRework bool) (*models.Order, error) {
	order, err := c.sm.TransitionOrder(orderID, models.OrderStateRejected, statemachine.Change{
		Actor:     actor,
		EventType: models.EventOrderRejected,
		Message:   "rejected",
		Payload:   map[string]interface{}{"reasons": reasons},
	}, nil)
	if err != nil {
		return nil, err
	}
	if !allowRework {
		return order, nil
	}

	switch c.rework {
	case ReworkReplan:
		if err := c.replanItems(order, actor); err != nil {
			return nil, err
		}
	default:
		if err := c.resetItems(orderID, actor); err != nil {
			return nil, err
		}
	}

	return c.sm.TransitionOrder(orderID, models.OrderStateQueued, statemachine.Change{
		Actor:   actor,
		Message: "requeued for rework",
	}, nil)
}

// resetItems requeues submitted items with their results discarded. Parts
// stay on record so holders can resubmit only what changed.
func (c *Coordinator) resetItems(orderID string, actor models.Actor) error {
	items, err := c.store.ListItems(store.ItemFilter{
		OrderID: orderID,
		States:  []models.ItemState{models.ItemStateSubmitted},
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		_, err := c.sm.TransitionItem(item.ID, models.ItemStateQueued, statemachine.Change{
			Actor:   actor,
			Message: "reset for rework",
		}, func(i *models.Item) {
			i.Result = nil
			i.AssembledResult = nil
			i.ClearLease()
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// replanItems dead-letters the rejected cycle's submitted items and plans a
// fresh set from the current payload
func (c *Coordinator) replanItems(order *models.Order, actor models.Actor) error {
	plugin, err := c.registry.Resolve(order.Type)
	if err != nil {
		return err
	}
	items, err := c.store.ListItems(store.ItemFilter{
		OrderID: order.ID,
		States:  []models.ItemState{models.ItemStateSubmitted},
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := c.sm.TransitionItem(item.ID, models.ItemStateRejected, statemachine.Change{
			Actor:   actor,
			Message: "superseded by replan",
		}, nil); err != nil {
			return err
		}
		if _, err := c.sm.TransitionItem(item.ID, models.ItemStateDeadLettered, statemachine.Change{
			Actor: models.SystemActor,
		}, nil); err != nil {
			return err
		}
	}

	specs, err := plugin.Plan(order)
	if err != nil {
		return fmt.Errorf("replan order %s: %w", order.ID, err)
	}
	fresh := make([]*models.Item, len(specs))
	now := time.Now()
	for i, spec := range specs {
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = c.retry.MaxAttempts
		}
		fresh[i] = &models.Item{
			ID:          uuid.NewString(),
			OrderID:     order.ID,
			Type:        spec.Type,
			State:       models.ItemStateQueued,
			Input:       spec.Input,
			MaxAttempts: maxAttempts,
			CreatedAt:   now.Add(time.Duration(i) * time.Microsecond),
		}
	}
	if err := c.store.CreateItems(fresh); err != nil {
		return err
	}
	c.recordOrderEvent(order.ID, models.EventOrderPlanned, models.SystemActor,
		fmt.Sprintf("replanned %d items", len(fresh)), map[string]interface{}{"item_count": len(fresh)})
	return nil
}

// Fail records a holder-reported failure on a held item. With attempts left
// the item requeues for another holder; otherwise it lands in failed and
// waits for the dead-letter sweep or a manual retry.
func (c *Coordinator) Fail(itemID, holder string, itemErr models.ItemError) (*models.Item, error) {
	item, err := c.verifyHolder(itemID, holder)
	if err != nil {
		return nil, err
	}

	attempts := item.Attempts + 1
	target := models.ItemStateQueued
	message := fmt.Sprintf("failed by %s, attempt %d/%d, requeued", holder, attempts, item.MaxAttempts)
	if attempts >= item.MaxAttempts {
		target = models.ItemStateFailed
		message = fmt.Sprintf("failed by %s, attempts exhausted (%d/%d)", holder, attempts, item.MaxAttempts)
	}

	item, err = c.sm.TransitionItem(itemID, target, statemachine.Change{
		Actor:     models.Actor{Type: "agent", ID: holder},
		EventType: models.EventItemFailed,
		Message:   message,
		Payload:   map[string]interface{}{"code": itemErr.Code, "error": itemErr.Message},
	}, func(i *models.Item) {
		i.Attempts = attempts
		i.Error = &itemErr
		i.ClearLease()
	})
	if err != nil {
		return nil, err
	}
	if err := c.leases.ReleaseClaim(itemID, holder); err != nil {
		log.Printf("[Coordinator] Claim release after failure failed for %s: %v", itemID, err)
	}
	return item, nil
}

// RetryItem manually requeues a failed item, clearing its error and
// resetting its attempt count so the full retry budget applies again.
func (c *Coordinator) RetryItem(itemID string, actor models.Actor) (*models.Item, error) {
	return c.sm.TransitionItem(itemID, models.ItemStateQueued, statemachine.Change{
		Actor:   actor,
		Message: "manual retry",
	}, func(i *models.Item) {
		i.Error = nil
		i.Attempts = 0
	})
}

// DeadLetterOrder parks a rejected or failed order for manual intervention
func (c *Coordinator) DeadLetterOrder(orderID string, actor models.Actor, reason string) (*models.Order, error) {
	return c.sm.TransitionOrder(orderID, models.OrderStateDeadLettered, statemachine.Change{
		Actor:   actor,
		Message: reason,
	}, nil)
}

func (c *Coordinator) recordOrderEvent(orderID, eventType string, actor models.Actor, message string, payload map[string]interface{}) {
	event := &models.Event{
		OrderID:   orderID,
		Type:      eventType,
		ActorType: actor.Type,
		ActorID:   actor.ID,
		Payload:   payload,
		Message:   message,
	}
	if err := c.sm.RecordEvent(event); err != nil {
		log.Printf("[Coordinator] Recording %s event for order %s: %v", eventType, orderID, err)
	}
}
