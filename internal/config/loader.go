package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from engine.yaml
const (
	DefaultWorkers        = 8
	DefaultLeaseTTL       = 2 * time.Minute
	DefaultRequeueDelay   = 30 * time.Second
	DefaultCommandTimeout = 15 * time.Second
	DefaultDialTimeout    = 10 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBackoffBase    = 30 * time.Second
	DefaultBackoffMax     = 30 * time.Minute
	DefaultBackoffJitter  = 0.2
	DefaultRouteTTL       = 5 * time.Minute
	DefaultStaleExtension = 10 * time.Minute
	DefaultFetchTimeout   = 5 * time.Second
	DefaultFetchAttempts  = 2
	DefaultSweepInterval  = 15 * time.Second
	DefaultSweepJitter    = 2 * time.Second
	DefaultPendingGrace   = 30 * time.Second
	DefaultRetention      = time.Hour
	DefaultSinkQueueSize  = 1024
	DefaultSinkRetries    = 5
	DefaultSinkRetryDelay = 2 * time.Second
	DefaultDedupeWindow   = 10 * time.Minute
	DefaultRedisKey       = "edgefix:pending"
	DefaultRedisPollBatch = 50
	DefaultAPIPort        = "8088"
)

// LoadConfig loads configuration from the directory containing path
func LoadConfig(path string) (*Config, error) {
	return LoadConfigDir(filepath.Dir(path))
}

// LoadConfigDir loads all configuration files from a directory
func LoadConfigDir(dir string) (*Config, error) {
	cfg := &Config{}

	// Load engine.yaml
	if err := loadYAML(filepath.Join(dir, "engine.yaml"), &cfg.Engine); err != nil {
		return nil, fmt.Errorf("loading engine.yaml: %w", err)
	}

	// Load ladders.yaml
	var ladders struct {
		Ladders map[string]LadderConfig `yaml:"ladders"`
	}
	if err := loadYAML(filepath.Join(dir, "ladders.yaml"), &ladders); err != nil {
		return nil, fmt.Errorf("loading ladders.yaml: %w", err)
	}
	cfg.Ladders = ladders.Ladders

	// A relative directory file is resolved against the config directory
	if f := cfg.Engine.Routing.DirectoryFile; f != "" && !filepath.IsAbs(f) {
		cfg.Engine.Routing.DirectoryFile = filepath.Join(dir, f)
	}

	ApplyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

// ApplyDefaults fills zero values with their defaults
func ApplyDefaults(cfg *Config) {
	e := &cfg.Engine
	if e.Workers == 0 {
		e.Workers = DefaultWorkers
	}
	if e.Lease.TTL == 0 {
		e.Lease.TTL = DefaultLeaseTTL
	}
	if e.Lease.OnBusy == "" {
		e.Lease.OnBusy = OnBusySkip
	}
	if e.Lease.RequeueDelay == 0 {
		e.Lease.RequeueDelay = DefaultRequeueDelay
	}
	if e.Commands.Timeout == 0 {
		e.Commands.Timeout = DefaultCommandTimeout
	}
	if e.Commands.DialTimeout == 0 {
		e.Commands.DialTimeout = DefaultDialTimeout
	}
	if e.Attempts.Max == 0 {
		e.Attempts.Max = DefaultMaxAttempts
	}
	if e.Backoff.Base == 0 {
		e.Backoff.Base = DefaultBackoffBase
	}
	if e.Backoff.Max == 0 {
		e.Backoff.Max = DefaultBackoffMax
	}
	if e.Backoff.Jitter == 0 {
		e.Backoff.Jitter = DefaultBackoffJitter
	}
	if e.Routing.TTL == 0 {
		e.Routing.TTL = DefaultRouteTTL
	}
	if e.Routing.StaleExtension == 0 {
		e.Routing.StaleExtension = DefaultStaleExtension
	}
	if e.Routing.FetchTimeout == 0 {
		e.Routing.FetchTimeout = DefaultFetchTimeout
	}
	if e.Routing.FetchAttempts == 0 {
		e.Routing.FetchAttempts = DefaultFetchAttempts
	}
	if e.Scheduler.Interval == 0 {
		e.Scheduler.Interval = DefaultSweepInterval
	}
	if e.Scheduler.Jitter == 0 {
		e.Scheduler.Jitter = DefaultSweepJitter
	}
	if e.Scheduler.PendingGrace == 0 {
		e.Scheduler.PendingGrace = DefaultPendingGrace
	}
	if e.Scheduler.Retention == 0 {
		e.Scheduler.Retention = DefaultRetention
	}
	if e.Sinks.QueueSize == 0 {
		e.Sinks.QueueSize = DefaultSinkQueueSize
	}
	if e.Sinks.RetryAttempts == 0 {
		e.Sinks.RetryAttempts = DefaultSinkRetries
	}
	if e.Sinks.RetryDelay == 0 {
		e.Sinks.RetryDelay = DefaultSinkRetryDelay
	}
	if e.Intake.DedupeWindow == 0 {
		e.Intake.DedupeWindow = DefaultDedupeWindow
	}
	if r := e.Intake.Redis; r != nil {
		if r.Key == "" {
			r.Key = DefaultRedisKey
		}
		if r.PollBatch == 0 {
			r.PollBatch = DefaultRedisPollBatch
		}
	}
	if e.API.Port == "" {
		e.API.Port = DefaultAPIPort
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	e := cfg.Engine

	if e.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if e.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be > 0")
	}
	if e.Lease.OnBusy != OnBusySkip && e.Lease.OnBusy != OnBusyRequeue {
		return fmt.Errorf("lease.on_busy must be '%s' or '%s'", OnBusySkip, OnBusyRequeue)
	}
	if e.Commands.Timeout <= 0 {
		return fmt.Errorf("commands.timeout must be > 0")
	}
	// A command must be able to finish inside the lease ceiling
	if e.Commands.Timeout >= e.Lease.TTL {
		return fmt.Errorf("commands.timeout (%s) must be shorter than lease.ttl (%s)", e.Commands.Timeout, e.Lease.TTL)
	}
	if e.Attempts.Max < 1 {
		return fmt.Errorf("attempts.max must be >= 1")
	}
	if e.Backoff.Base <= 0 || e.Backoff.Max < e.Backoff.Base {
		return fmt.Errorf("backoff: base must be > 0 and max must be >= base")
	}
	if e.Backoff.Jitter < 0 || e.Backoff.Jitter >= 1 {
		return fmt.Errorf("backoff.jitter must be in [0, 1)")
	}
	if e.Routing.TTL <= 0 || e.Routing.StaleExtension < 0 {
		return fmt.Errorf("routing: ttl must be > 0 and stale_extension must be >= 0")
	}
	if e.Routing.DirectoryFile == "" {
		return fmt.Errorf("routing.directory_file is required")
	}
	if e.Routing.FetchAttempts < 1 {
		return fmt.Errorf("routing.fetch_attempts must be >= 1")
	}
	if e.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be > 0")
	}
	if e.Scheduler.Jitter < 0 || e.Scheduler.Jitter >= e.Scheduler.Interval {
		return fmt.Errorf("scheduler.jitter must be >= 0 and shorter than scheduler.interval")
	}

	for i, wh := range e.Sinks.Webhooks {
		if wh.Name == "" {
			return fmt.Errorf("sinks.webhooks[%d]: name is required", i)
		}
		if wh.URLEnv == "" {
			return fmt.Errorf("sinks.webhooks[%d] (%s): url_env is required", i, wh.Name)
		}
	}
	if k := e.Sinks.Kafka; k != nil {
		if len(k.Brokers) == 0 || k.Topic == "" {
			return fmt.Errorf("sinks.kafka: brokers and topic are required")
		}
	}
	if r := e.Intake.Redis; r != nil && r.Addr == "" {
		return fmt.Errorf("intake.redis.addr is required when intake.redis is set")
	}

	if len(cfg.Ladders) == 0 {
		return fmt.Errorf("no remedy ladders configured")
	}

	allowed := make(map[string]bool, len(e.Commands.Allowed))
	for _, c := range e.Commands.Allowed {
		allowed[c] = true
	}
	for alertType, l := range cfg.Ladders {
		if len(l.Steps) == 0 {
			return fmt.Errorf("ladder %s: at least one step is required", alertType)
		}
		for i, step := range l.Steps {
			if step.Command == "" {
				return fmt.Errorf("ladder %s, step %d: command is required", alertType, i)
			}
			if len(allowed) > 0 && !allowed[step.Command] {
				return fmt.Errorf("ladder %s, step %d: command %s is not in commands.allowed", alertType, i, step.Command)
			}
			if step.Timeout >= e.Lease.TTL {
				return fmt.Errorf("ladder %s, step %d: timeout must be shorter than lease.ttl", alertType, i)
			}
		}
	}

	return nil
}
