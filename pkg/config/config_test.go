package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/statemachine"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if cfg.Store.Type != "memory" {
		t.Errorf("store type = %s", cfg.Store.Type)
	}
	if cfg.Lease.TTL != models.DefaultLeaseDefaults().TTL {
		t.Errorf("lease ttl = %s", cfg.Lease.TTL)
	}
	if cfg.ReworkPolicy() != coordinator.ReworkReset {
		t.Errorf("rework = %s", cfg.Rework)
	}
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeFile(t, "config.yaml", `
listen: ":9090"
store:
  type: sqlite
  path: /tmp/wm.db
lease:
  ttl: 90s
  max_per_holder: 4
  max_per_type:
    deploy: 2
retry:
  max_attempts: 5
rework: replan
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("listen = %s", cfg.Listen)
	}
	if sc := cfg.StoreConfig(); sc.Type != "sqlite" || sc.Path != "/tmp/wm.db" {
		t.Errorf("store config = %+v", sc)
	}
	lc := cfg.LeaseConfig()
	if lc.TTL != 90*time.Second || lc.MaxPerHolder != 4 || lc.MaxPerType["deploy"] != 2 {
		t.Errorf("lease config = %+v", lc)
	}
	if cfg.RetryPolicy().MaxAttempts != 5 {
		t.Errorf("retry = %+v", cfg.RetryPolicy())
	}
	if cfg.ReworkPolicy() != coordinator.ReworkReplan {
		t.Errorf("rework = %s", cfg.Rework)
	}
	// Unspecified retry fields keep their defaults
	if cfg.RetryPolicy().MaxApplyAttempts != models.DefaultRetryPolicy().MaxApplyAttempts {
		t.Errorf("max apply attempts = %d", cfg.RetryPolicy().MaxApplyAttempts)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("WORKMANAGER_LISTEN", ":7070")
	cfg, err := Load(writeFile(t, "config.yaml", "listen: \":9090\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":7070" {
		t.Errorf("listen = %s, env should win", cfg.Listen)
	}
}

func TestLoadGraphs(t *testing.T) {
	path := writeFile(t, "graphs.yaml", `
orders:
  queued: [checked_out, completed, dead_lettered]
  checked_out: [in_progress, queued, submitted, completed]
  in_progress: [submitted, queued, completed]
  submitted: [approved, rejected, completed]
  approved: [applied, failed]
  applied: [completed]
  rejected: [queued, dead_lettered]
  failed: [approved, dead_lettered]
  completed: []
  dead_lettered: []
`)
	orderGraph, itemGraph, err := LoadGraphs(path)
	if err != nil {
		t.Fatalf("LoadGraphs: %v", err)
	}
	if !orderGraph.Allowed("queued", "checked_out") {
		t.Error("configured edge missing")
	}
	if orderGraph.Allowed("completed", "queued") {
		t.Error("terminal state grew an edge")
	}

	// Items section omitted falls back to the built-in graph
	if !itemGraph.Allowed("queued", "leased") {
		t.Error("item graph fallback missing")
	}

	// A loaded graph passes the state machine's construction validation
	st := store.NewMemoryStore()
	if _, err := statemachine.New(st, statemachine.WithGraphs(orderGraph, itemGraph)); err != nil {
		t.Errorf("loaded graph rejected: %v", err)
	}
}

func TestLoadGraphsRejectsUnknownState(t *testing.T) {
	path := writeFile(t, "graphs.yaml", `
orders:
  queued: [warp_speed]
`)
	orderGraph, _, err := LoadGraphs(path)
	if err != nil {
		t.Fatalf("LoadGraphs: %v", err)
	}
	if err := orderGraph.Validate(models.OrderStates()); err == nil {
		t.Error("unknown target state not rejected by validation")
	}
}
