package maintenance

import (
	"errors"
	"testing"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/ordertype"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

type env struct {
	store   store.Store
	sm      *statemachine.StateMachine
	coord   *coordinator.Coordinator
	service *Service
}

func newEnv(t *testing.T, cfg Config, applyFunc func(*models.Order, []*models.Item) (*models.Diff, error)) *env {
	t.Helper()
	st := store.NewMemoryStore()
	sm, err := statemachine.New(st)
	if err != nil {
		t.Fatal(err)
	}
	ot, err := ordertype.New(ordertype.Definition{Name: "deploy", ApplyFunc: applyFunc})
	if err != nil {
		t.Fatal(err)
	}
	reg, err := ordertype.NewRegistry(ot)
	if err != nil {
		t.Fatal(err)
	}
	leases := lease.NewManager(st, sm, nil, lease.DefaultConfig())
	asm := assembler.New(st, sm, reg, assembler.DefaultConfig())
	coord := coordinator.New(st, sm, leases, asm, reg, coordinator.Config{})
	return &env{
		store:   st,
		sm:      sm,
		coord:   coord,
		service: New(st, sm, leases, coord, nil, cfg),
	}
}

func staleTime(age time.Duration) *time.Time {
	t := time.Now().Add(-age)
	return &t
}

func TestSweepDeadLettersStaleFailedItem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeadLetterAfter = 10 * time.Minute
	e := newEnv(t, cfg, nil)

	if err := e.store.CreateOrder(&models.Order{
		ID: "order-1", Type: "deploy", State: models.OrderStateInProgress, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateItems([]*models.Item{
		{ID: "item-stale", OrderID: "order-1", Type: "deploy", State: models.ItemStateFailed,
			Attempts: 3, MaxAttempts: 3, TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now()},
		{ID: "item-fresh", OrderID: "order-1", Type: "deploy", State: models.ItemStateFailed,
			Attempts: 3, MaxAttempts: 3, TransitionedAt: staleTime(time.Minute), CreatedAt: time.Now()},
		{ID: "item-done", OrderID: "order-1", Type: "deploy", State: models.ItemStateCompleted,
			TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}

	swept, err := e.service.SweepDeadLetters()
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want only the stale item", swept)
	}

	stale, _ := e.store.GetItem("item-stale")
	if stale.State != models.ItemStateDeadLettered {
		t.Errorf("stale item = %s, want dead_lettered", stale.State)
	}
	fresh, _ := e.store.GetItem("item-fresh")
	if fresh.State != models.ItemStateFailed {
		t.Errorf("fresh item = %s, should wait out the threshold", fresh.State)
	}
}

func TestDeadLetterTriggersOrderCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeadLetterAfter = 10 * time.Minute
	e := newEnv(t, cfg, nil)

	if err := e.store.CreateOrder(&models.Order{
		ID: "order-1", Type: "deploy", State: models.OrderStateInProgress, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateItems([]*models.Item{
		{ID: "item-1", OrderID: "order-1", Type: "deploy", State: models.ItemStateCompleted,
			TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now()},
		{ID: "item-2", OrderID: "order-1", Type: "deploy", State: models.ItemStateFailed,
			Attempts: 3, MaxAttempts: 3, TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now()},
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.service.SweepDeadLetters(); err != nil {
		t.Fatal(err)
	}

	order, _ := e.store.GetOrder("order-1")
	if order.State != models.OrderStateCompleted {
		t.Errorf("order = %s, dead-lettering the last open item should complete it", order.State)
	}
}

func TestSweepSkipsRetryableFailedOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DeadLetterAfter = 10 * time.Minute
	e := newEnv(t, cfg, nil)

	if err := e.store.CreateOrder(&models.Order{
		ID: "order-retryable", Type: "deploy", State: models.OrderStateFailed,
		ApplyAttempts: 1, TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.CreateOrder(&models.Order{
		ID: "order-exhausted", Type: "deploy", State: models.OrderStateFailed,
		ApplyAttempts: 3, TransitionedAt: staleTime(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.service.SweepDeadLetters(); err != nil {
		t.Fatal(err)
	}

	retryable, _ := e.store.GetOrder("order-retryable")
	if retryable.State != models.OrderStateFailed {
		t.Errorf("retryable order = %s, apply sweep owns it", retryable.State)
	}
	exhausted, _ := e.store.GetOrder("order-exhausted")
	if exhausted.State != models.OrderStateDeadLettered {
		t.Errorf("exhausted order = %s, want dead_lettered", exhausted.State)
	}
}

func TestRetryFailedApplies(t *testing.T) {
	attempts := 0
	cfg := DefaultConfig()
	cfg.ApplyRetryBackoff = time.Minute
	e := newEnv(t, cfg, func(order *models.Order, items []*models.Item) (*models.Diff, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("downstream flapped")
		}
		return &models.Diff{Summary: "recovered"}, nil
	})

	order, err := e.coord.Propose(models.ProposeRequest{Type: "deploy"}, "")
	if err != nil {
		t.Fatal(err)
	}
	item, err := e.coord.Checkout(order.ID, "worker-1", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Submit(item.ID, "worker-1", map[string]interface{}{"ok": true}, ""); err != nil {
		t.Fatal(err)
	}

	var applyErr *coordinator.ApplyFailureError
	if _, _, err := e.coord.Approve(order.ID, models.Actor{Type: "user", ID: "rev"}, ""); !errors.As(err, &applyErr) {
		t.Fatalf("expected apply failure, got %v", err)
	}

	// Backoff not yet elapsed
	retried, err := e.service.RetryFailedApplies()
	if err != nil || retried != 0 {
		t.Errorf("premature retry: n=%d err=%v", retried, err)
	}

	e.service.cfg.ApplyRetryBackoff = 0
	time.Sleep(5 * time.Millisecond)

	retried, err = e.service.RetryFailedApplies()
	if err != nil {
		t.Fatal(err)
	}
	if retried != 1 {
		t.Errorf("retried = %d, want 1", retried)
	}

	final, _ := e.store.GetOrder(order.ID)
	if final.State != models.OrderStateCompleted {
		t.Errorf("order = %s after successful retry, want completed", final.State)
	}
}

func TestPurgeIdempotencyRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdempotencyRetention = time.Hour
	e := newEnv(t, cfg, nil)

	old := &models.IdempotencyRecord{
		Scope: "order.propose", KeyHash: "aged", Fingerprint: "f",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	fresh := &models.IdempotencyRecord{
		Scope: "order.propose", KeyHash: "recent", Fingerprint: "f",
		CreatedAt: time.Now(),
	}
	if err := e.store.InsertIdempotencyRecord(old); err != nil {
		t.Fatal(err)
	}
	if err := e.store.InsertIdempotencyRecord(fresh); err != nil {
		t.Fatal(err)
	}

	purged, err := e.service.PurgeIdempotencyRecords()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if rec, _ := e.store.GetIdempotencyRecord("order.propose", "recent"); rec == nil {
		t.Error("fresh record purged")
	}
}

func TestPurgeExpiredCredentials(t *testing.T) {
	e := newEnv(t, DefaultConfig(), nil)

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	creds := []*models.Credential{
		{ID: "stale-worker", Kind: models.CredentialHolder, Hash: "h", CreatedAt: time.Now(), ExpiresAt: &past},
		{ID: "live-worker", Kind: models.CredentialHolder, Hash: "h", CreatedAt: time.Now(), ExpiresAt: &future},
	}
	for _, cred := range creds {
		if err := e.store.PutCredential(cred); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := e.service.PurgeExpiredCredentials()
	if err != nil {
		t.Fatal(err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	if _, err := e.store.GetCredential(models.CredentialHolder, "live-worker"); err != nil {
		t.Errorf("live credential purged: %v", err)
	}
}
