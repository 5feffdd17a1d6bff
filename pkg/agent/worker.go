package agent

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gregpriday/go-work-manager/pkg/models"
)

// Executor performs the actual work for one leased item. A nil result map
// is allowed; an error marks the attempt failed and consumes retry budget.
type Executor interface {
	Execute(ctx context.Context, item *models.Item) (map[string]interface{}, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, item *models.Item) (map[string]interface{}, error)

func (f ExecutorFunc) Execute(ctx context.Context, item *models.Item) (map[string]interface{}, error) {
	return f(ctx, item)
}

// WorkerConfig tunes the run loop
type WorkerConfig struct {
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseTTL          time.Duration
	Slots             int // concurrent items; 0 means one per CPU core
}

// DefaultWorkerConfig returns sane defaults for a long-running worker
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		LeaseTTL:          time.Minute,
	}
}

// Worker polls for items, executes them, and reports outcomes. Each item
// gets a heartbeat loop for the duration of its execution.
type Worker struct {
	client   *Client
	executor Executor
	cfg      WorkerConfig
}

// NewWorker creates a worker around a client and executor
func NewWorker(client *Client, executor Executor, cfg WorkerConfig) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultWorkerConfig().HeartbeatInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultWorkerConfig().LeaseTTL
	}
	if cfg.Slots <= 0 {
		cfg.Slots = DetectSlots()
	}
	return &Worker{client: client, executor: executor, cfg: cfg}
}

// DetectSlots returns the default worker concurrency for this host
func DetectSlots() int {
	count, err := cpu.Counts(true)
	if err != nil || count < 1 {
		return 1
	}
	return count
}

// Run polls until the context is cancelled, then waits for in-flight items
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[Worker] %s starting with %d slots", w.client.HolderID(), w.cfg.Slots)

	slots := make(chan struct{}, w.cfg.Slots)
	var wg sync.WaitGroup

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Printf("[Worker] %s stopped", w.client.HolderID())
			return ctx.Err()
		case slots <- struct{}{}:
			item, err := w.client.Checkout("", w.cfg.LeaseTTL)
			if err != nil {
				<-slots
				if err != ErrNoWork {
					log.Printf("[Worker] Checkout failed: %v", err)
				}
				select {
				case <-ctx.Done():
					wg.Wait()
					return ctx.Err()
				case <-ticker.C:
				}
				continue
			}

			wg.Add(1)
			go func(item *models.Item) {
				defer wg.Done()
				defer func() { <-slots }()
				w.process(ctx, item)
			}(item)
		}
	}
}

// process executes one item with its heartbeat loop
func (w *Worker) process(ctx context.Context, item *models.Item) {
	log.Printf("[Worker] Processing item %s (%s)", item.ID, item.Type)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if _, err := w.client.Heartbeat(item.ID, w.cfg.LeaseTTL); err != nil {
					log.Printf("[Worker] Heartbeat for %s failed: %v", item.ID, err)
					// Lost the lease, stop working on a claim we no longer hold
					cancel()
					return
				}
			}
		}
	}()

	// First heartbeat marks the item in progress
	if _, err := w.client.Heartbeat(item.ID, w.cfg.LeaseTTL); err != nil {
		log.Printf("[Worker] Initial heartbeat for %s failed: %v", item.ID, err)
		return
	}

	result, execErr := w.executor.Execute(execCtx, item)
	cancel()
	<-hbDone

	if execErr != nil {
		log.Printf("[Worker] Item %s failed: %v", item.ID, execErr)
		if _, err := w.client.Fail(item.ID, models.ItemError{
			Code:    "execution_failed",
			Message: execErr.Error(),
		}); err != nil {
			log.Printf("[Worker] Reporting failure for %s: %v", item.ID, err)
		}
		return
	}

	if _, err := w.client.Submit(item.ID, result, "submit:"+item.ID+":"+w.client.HolderID()); err != nil {
		log.Printf("[Worker] Submitting %s: %v", item.ID, err)
		return
	}
	log.Printf("[Worker] Item %s submitted", item.ID)
}

// hostStats samples utilization for heartbeat reporting
func hostStats() map[string]interface{} {
	stats := map[string]interface{}{}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats["cpu_percent"] = percents[0]
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		stats["mem_used_percent"] = vmem.UsedPercent
		stats["mem_available_bytes"] = vmem.Available
	}
	return stats
}
