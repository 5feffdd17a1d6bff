// Package config loads server configuration from YAML files and environment
// variables. Transition graphs live in their own YAML file as plain
// adjacency maps so a deployment can extend the lifecycle without a rebuild.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/gregpriday/go-work-manager/pkg/assembler"
	"github.com/gregpriday/go-work-manager/pkg/coordinator"
	"github.com/gregpriday/go-work-manager/pkg/lease"
	"github.com/gregpriday/go-work-manager/pkg/maintenance"
	"github.com/gregpriday/go-work-manager/pkg/models"
	"github.com/gregpriday/go-work-manager/pkg/store"
)

// Config is the full server configuration
type Config struct {
	Listen string `mapstructure:"listen"`

	Store struct {
		Type string `mapstructure:"type"` // memory or sqlite
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`

	Lease struct {
		TTL               time.Duration  `mapstructure:"ttl"`
		HeartbeatInterval time.Duration  `mapstructure:"heartbeat_interval"`
		Backend           string         `mapstructure:"backend"` // store or ttl
		MaxPerHolder      int            `mapstructure:"max_per_holder"`
		MaxPerType        map[string]int `mapstructure:"max_per_type"`
	} `mapstructure:"lease"`

	Retry struct {
		MaxAttempts       int           `mapstructure:"max_attempts"`
		MaxApplyAttempts  int           `mapstructure:"max_apply_attempts"`
		InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
		MaxBackoff        time.Duration `mapstructure:"max_backoff"`
		BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
		Jitter            float64       `mapstructure:"jitter"`
	} `mapstructure:"retry"`

	Parts struct {
		MaxPerItem      int `mapstructure:"max_per_item"`
		MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
	} `mapstructure:"parts"`

	Maintenance struct {
		ReclaimInterval      time.Duration `mapstructure:"reclaim_interval"`
		DeadLetterInterval   time.Duration `mapstructure:"dead_letter_interval"`
		DeadLetterAfter      time.Duration `mapstructure:"dead_letter_after"`
		ApplyRetryInterval   time.Duration `mapstructure:"apply_retry_interval"`
		ApplyRetryBackoff    time.Duration `mapstructure:"apply_retry_backoff"`
		IdempotencyInterval  time.Duration `mapstructure:"idempotency_interval"`
		IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
		CredentialInterval   time.Duration `mapstructure:"credential_interval"`
	} `mapstructure:"maintenance"`

	Log struct {
		Level string `mapstructure:"level"`
		JSON  bool   `mapstructure:"json"`
		File  bool   `mapstructure:"file"` // also write /var/log/work-manager
	} `mapstructure:"log"`

	TLS struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
		AutoCert bool   `mapstructure:"auto_cert"` // self-sign when missing
	} `mapstructure:"tls"`

	Auth struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"auth"`

	RateLimit struct {
		Enabled bool    `mapstructure:"enabled"`
		RPS     float64 `mapstructure:"rps"`
		Burst   int     `mapstructure:"burst"`
	} `mapstructure:"rate_limit"`

	// OrderTypes are registered as generic passthrough types. Programs that
	// embed the coordinator register richer plugins in code instead.
	OrderTypes []string `mapstructure:"order_types"`

	Rework     string `mapstructure:"rework"`      // reset or replan
	GraphsFile string `mapstructure:"graphs_file"` // optional transition graph overrides
}

// Load reads configuration from the given file (or the default search path
// when empty), with WORKMANAGER_* environment variables taking precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.work-manager")
		}
		v.AddConfigPath("/etc/work-manager")
	}

	v.SetEnvPrefix("WORKMANAGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	leaseDefaults := models.DefaultLeaseDefaults()
	retry := models.DefaultRetryPolicy()
	parts := assembler.DefaultConfig()
	sweeps := maintenance.DefaultConfig()

	v.SetDefault("listen", ":8080")
	v.SetDefault("store.type", "memory")
	v.SetDefault("store.path", "work-manager.db")
	v.SetDefault("lease.ttl", leaseDefaults.TTL)
	v.SetDefault("lease.heartbeat_interval", leaseDefaults.HeartbeatInterval)
	v.SetDefault("lease.backend", "store")
	v.SetDefault("retry.max_attempts", retry.MaxAttempts)
	v.SetDefault("retry.max_apply_attempts", retry.MaxApplyAttempts)
	v.SetDefault("retry.initial_backoff", retry.InitialBackoff)
	v.SetDefault("retry.max_backoff", retry.MaxBackoff)
	v.SetDefault("retry.backoff_multiplier", retry.BackoffMultiplier)
	v.SetDefault("retry.jitter", retry.Jitter)
	v.SetDefault("parts.max_per_item", parts.MaxPartsPerItem)
	v.SetDefault("parts.max_payload_bytes", parts.MaxPartPayloadBytes)
	v.SetDefault("maintenance.reclaim_interval", sweeps.ReclaimInterval)
	v.SetDefault("maintenance.dead_letter_interval", sweeps.DeadLetterInterval)
	v.SetDefault("maintenance.dead_letter_after", sweeps.DeadLetterAfter)
	v.SetDefault("maintenance.apply_retry_interval", sweeps.ApplyRetryInterval)
	v.SetDefault("maintenance.apply_retry_backoff", sweeps.ApplyRetryBackoff)
	v.SetDefault("maintenance.idempotency_interval", sweeps.IdempotencyInterval)
	v.SetDefault("maintenance.idempotency_retention", sweeps.IdempotencyRetention)
	v.SetDefault("maintenance.credential_interval", sweeps.CredentialInterval)
	v.SetDefault("log.level", "info")
	v.SetDefault("order_types", []string{"task"})
	v.SetDefault("rate_limit.rps", 50.0)
	v.SetDefault("rate_limit.burst", 100)
	v.SetDefault("tls.cert_file", "work-manager.crt")
	v.SetDefault("tls.key_file", "work-manager.key")
	v.SetDefault("rework", string(coordinator.ReworkReset))
}

// StoreConfig converts to the store factory's config
func (c *Config) StoreConfig() store.Config {
	return store.Config{Type: c.Store.Type, Path: c.Store.Path}
}

// LeaseConfig converts to the lease manager's config
func (c *Config) LeaseConfig() lease.Config {
	return lease.Config{
		TTL:          c.Lease.TTL,
		MaxPerHolder: c.Lease.MaxPerHolder,
		MaxPerType:   c.Lease.MaxPerType,
	}
}

// RetryPolicy converts to the retry policy the coordinator uses
func (c *Config) RetryPolicy() *models.RetryPolicy {
	return &models.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		MaxApplyAttempts:  c.Retry.MaxApplyAttempts,
		InitialBackoff:    c.Retry.InitialBackoff,
		MaxBackoff:        c.Retry.MaxBackoff,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		Jitter:            c.Retry.Jitter,
	}
}

// AssemblerConfig converts to the assembler's limits
func (c *Config) AssemblerConfig() assembler.Config {
	return assembler.Config{
		MaxPartsPerItem:     c.Parts.MaxPerItem,
		MaxPartPayloadBytes: c.Parts.MaxPayloadBytes,
	}
}

// MaintenanceConfig converts to the sweep service's config
func (c *Config) MaintenanceConfig() maintenance.Config {
	return maintenance.Config{
		ReclaimInterval:      c.Maintenance.ReclaimInterval,
		DeadLetterInterval:   c.Maintenance.DeadLetterInterval,
		DeadLetterAfter:      c.Maintenance.DeadLetterAfter,
		ApplyRetryInterval:   c.Maintenance.ApplyRetryInterval,
		ApplyRetryBackoff:    c.Maintenance.ApplyRetryBackoff,
		IdempotencyInterval:  c.Maintenance.IdempotencyInterval,
		IdempotencyRetention: c.Maintenance.IdempotencyRetention,
		CredentialInterval:   c.Maintenance.CredentialInterval,
	}
}

// ReworkPolicy converts the configured rework mode
func (c *Config) ReworkPolicy() coordinator.ReworkPolicy {
	if c.Rework == string(coordinator.ReworkReplan) {
		return coordinator.ReworkReplan
	}
	return coordinator.ReworkReset
}

// graphsFile is the YAML shape of a transition graph override file
type graphsFile struct {
	Orders map[string][]string `yaml:"orders"`
	Items  map[string][]string `yaml:"items"`
}

// LoadGraphs reads transition graph overrides from a YAML adjacency file.
// A section left empty falls back to the built-in graph for that entity.
func LoadGraphs(path string) (models.TransitionGraph, models.TransitionGraph, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read graphs file: %w", err)
	}
	var gf graphsFile
	if err := yaml.Unmarshal(raw, &gf); err != nil {
		return nil, nil, fmt.Errorf("parse graphs file: %w", err)
	}

	orderGraph := models.DefaultOrderGraph()
	if len(gf.Orders) > 0 {
		orderGraph = models.GraphFromAdjacency(gf.Orders)
	}
	itemGraph := models.DefaultItemGraph()
	if len(gf.Items) > 0 {
		itemGraph = models.GraphFromAdjacency(gf.Items)
	}
	return orderGraph, itemGraph, nil
}
