// Package maintenance runs the background sweeps that keep the lifecycle
// moving without operator attention: lease reclaim, dead-lettering of stale
// failures, apply retries, and idempotency record cleanup. Sweeps are
// idempotent and safe to run from several processes at once; the store's
// transition guards make redundant work a no-op.
package maintenance

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// Config holds sweep intervals and thresholds
type Config struct {
	ReclaimInterval      time.Duration // expired lease sweep
	DeadLetterInterval   time.Duration // stale failure sweep
	DeadLetterAfter      time.Duration // how long a failure may sit before dead-lettering
	ApplyRetryInterval   time.Duration // failed apply retry sweep
	ApplyRetryBackoff    time.Duration // minimum wait between apply retries of one order
	IdempotencyInterval  time.Duration // record cleanup sweep
	IdempotencyRetention time.Duration // how long records stay replayable
	CredentialInterval   time.Duration // expired holder token cleanup sweep
}

// DefaultConfig returns stock sweep settings
func DefaultConfig() Config {
	return Config{
		ReclaimInterval:      30 * time.Second,
		DeadLetterInterval:   time.Minute,
		DeadLetterAfter:      30 * time.Minute,
		ApplyRetryInterval:   time.Minute,
		ApplyRetryBackoff:    2 * time.Minute,
		IdempotencyInterval:  time.Hour,
		IdempotencyRetention: 24 * time.Hour,
		CredentialInterval:   time.Hour,
	}
}

// Service schedules and runs the sweeps
type Service struct {
	store  store.Store
	sm     *statemachine.StateMachine
	leases *lease.Manager
	coord  *coordinator.Coordinator
	retry  *models.RetryPolicy
	cfg    Config
	cron   *cron.Cron
}

// New creates a maintenance service. Start schedules the sweeps; each sweep
// can also be invoked directly.
func New(st store.Store, sm *statemachine.StateMachine, leases *lease.Manager, coord *coordinator.Coordinator, retry *models.RetryPolicy, cfg Config) *Service {
	if retry == nil {
		retry = models.DefaultRetryPolicy()
	}
	return &Service{
		store:  st,
		sm:     sm,
		leases: leases,
		coord:  coord,
		retry:  retry,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Start schedules all sweeps on the cron runner
func (s *Service) Start() error {
	schedule := []struct {
		name     string
		interval time.Duration
		run      func()
	}{
		{"reclaim", s.cfg.ReclaimInterval, func() {
			if _, err := s.leases.Reclaim(); err != nil {
				log.Printf("[Maintenance] Reclaim sweep: %v", err)
			}
		}},
		{"dead-letter", s.cfg.DeadLetterInterval, func() {
			if _, err := s.SweepDeadLetters(); err != nil {
				log.Printf("[Maintenance] Dead-letter sweep: %v", err)
			}
		}},
		{"apply-retry", s.cfg.ApplyRetryInterval, func() {
			if _, err := s.RetryFailedApplies(); err != nil {
				log.Printf("[Maintenance] Apply retry sweep: %v", err)
			}
		}},
		{"idempotency-gc", s.cfg.IdempotencyInterval, func() {
			if _, err := s.PurgeIdempotencyRecords(); err != nil {
				log.Printf("[Maintenance] Idempotency cleanup: %v", err)
			}
		}},
		{"credential-gc", s.cfg.CredentialInterval, func() {
			if _, err := s.PurgeExpiredCredentials(); err != nil {
				log.Printf("[Maintenance] Credential cleanup: %v", err)
			}
		}},
	}
	for _, entry := range schedule {
		if entry.interval <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", entry.interval)
		if _, err := s.cron.AddFunc(spec, entry.run); err != nil {
			return fmt.Errorf("schedule %s sweep: %w", entry.name, err)
		}
	}
	s.cron.Start()
	log.Printf("[Maintenance] Sweeps scheduled")
	return nil
}

// Stop halts the cron runner and waits for running sweeps
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// SweepDeadLetters parks failures that sat past the staleness threshold.
// Items in failed move to dead_lettered, which also fires the owning order's
// auto-completion check. Failed orders with no apply attempts left and stale
// rejected orders are parked the same way.
func (s *Service) SweepDeadLetters() (int, error) {
	cutoff := time.Now().Add(-s.cfg.DeadLetterAfter)
	swept := 0

	items, err := s.store.ListItems(store.ItemFilter{
		States:             []models.ItemState{models.ItemStateFailed},
		TransitionedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		_, err := s.sm.TransitionItem(item.ID, models.ItemStateDeadLettered, statemachine.Change{
			Actor:   models.SystemActor,
			Message: fmt.Sprintf("failed for over %s", s.cfg.DeadLetterAfter),
		}, nil)
		if err != nil {
			log.Printf("[Maintenance] Dead-lettering item %s: %v", item.ID, err)
			continue
		}
		swept++
	}

	orders, err := s.store.ListOrders(store.OrderFilter{
		States:             []models.OrderState{models.OrderStateFailed, models.OrderStateRejected},
		TransitionedBefore: &cutoff,
	})
	if err != nil {
		return swept, err
	}
	for _, order := range orders {
		if order.State == models.OrderStateFailed && order.ApplyAttempts < s.retry.MaxApplyAttempts {
			// Still retryable, the apply sweep owns it
			continue
		}
		_, err := s.sm.TransitionOrder(order.ID, models.OrderStateDeadLettered, statemachine.Change{
			Actor:   models.SystemActor,
			Message: fmt.Sprintf("%s for over %s", order.State, s.cfg.DeadLetterAfter),
		}, nil)
		if err != nil {
			log.Printf("[Maintenance] Dead-lettering order %s: %v", order.ID, err)
			continue
		}
		swept++
	}

	if swept > 0 {
		log.Printf("[Maintenance] Dead-lettered %d stale entities", swept)
	}
	return swept, nil
}

// RetryFailedApplies re-approves failed orders whose backoff has elapsed and
// which still have apply attempts left
func (s *Service) RetryFailedApplies() (int, error) {
	cutoff := time.Now().Add(-s.cfg.ApplyRetryBackoff)
	orders, err := s.store.ListOrders(store.OrderFilter{
		States:             []models.OrderState{models.OrderStateFailed},
		TransitionedBefore: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, order := range orders {
		if order.ApplyAttempts >= s.retry.MaxApplyAttempts {
			continue
		}
		if _, _, err := s.coord.Approve(order.ID, models.SystemActor, ""); err != nil {
			log.Printf("[Maintenance] Apply retry for order %s: %v", order.ID, err)
			continue
		}
		retried++
	}
	return retried, nil
}

// PurgeIdempotencyRecords drops records older than the retention window
func (s *Service) PurgeIdempotencyRecords() (int, error) {
	cutoff := time.Now().Add(-s.cfg.IdempotencyRetention)
	purged, err := s.store.DeleteIdempotencyRecordsBefore(cutoff)
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Printf("[Maintenance] Purged %d idempotency records", purged)
	}
	return purged, nil
}

// PurgeExpiredCredentials drops holder tokens whose expiry has passed
func (s *Service) PurgeExpiredCredentials() (int, error) {
	purged, err := s.store.DeleteExpiredCredentials(time.Now())
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Printf("[Maintenance] Purged %d expired credentials", purged)
	}
	return purged, nil
}
