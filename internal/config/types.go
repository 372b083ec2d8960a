package config

import "time"

// Config represents the complete edgefix configuration
type Config struct {
	Engine  EngineConfig            `yaml:"engine"`
	Ladders map[string]LadderConfig `yaml:"ladders"`
}

// EngineConfig contains the resolution engine settings (engine.yaml)
type EngineConfig struct {
	Workers   int             `yaml:"workers"`
	Lease     LeaseConfig     `yaml:"lease"`
	Commands  CommandConfig   `yaml:"commands"`
	Attempts  AttemptConfig   `yaml:"attempts"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Routing   RoutingConfig   `yaml:"routing"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sinks     SinkConfig      `yaml:"sinks"`
	Intake    IntakeConfig    `yaml:"intake"`
	History   HistoryConfig   `yaml:"history"`
	API       APIConfig       `yaml:"api"`
}

// Lease busy policies
const (
	OnBusySkip    = "skip"    // record a Skipped attempt, consuming an attempt slot
	OnBusyRequeue = "requeue" // keep the alert pending and retry without penalty
)

// LeaseConfig controls per-device exclusivity
type LeaseConfig struct {
	TTL          time.Duration `yaml:"ttl"`
	OnBusy       string        `yaml:"on_busy"`
	RequeueDelay time.Duration `yaml:"requeue_delay"`
}

// CommandConfig controls cloud-to-device command dispatch
type CommandConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Allowed     []string      `yaml:"allowed"`
	Username    string        `yaml:"username,omitempty"`
	PasswordEnv string        `yaml:"password_env,omitempty"`
	TLS         TLSConfig     `yaml:"tls,omitempty"`
}

// TLSConfig holds connector TLS settings
type TLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerName         string `yaml:"server_name,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
}

// AttemptConfig bounds the number of attempts per alert
type AttemptConfig struct {
	Max int `yaml:"max"`
}

// BackoffConfig defines the delay between attempts
type BackoffConfig struct {
	Base   time.Duration `yaml:"base"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"` // fraction of the delay, 0..1
}

// RoutingConfig controls the connector routing cache
type RoutingConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	StaleExtension time.Duration `yaml:"stale_extension"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	FetchAttempts  int           `yaml:"fetch_attempts"`
	DirectoryFile  string        `yaml:"directory_file"`
}

// SchedulerConfig controls the sweep loop
type SchedulerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Jitter       time.Duration `yaml:"jitter"`
	PendingGrace time.Duration `yaml:"pending_grace"`
	Retention    time.Duration `yaml:"retention"` // how long closed alerts stay queryable
}

// SinkConfig lists the resolution outcome sinks
type SinkConfig struct {
	Webhooks      []WebhookConfig `yaml:"webhooks,omitempty"`
	Kafka         *KafkaConfig    `yaml:"kafka,omitempty"`
	QueueSize     int             `yaml:"queue_size"`
	RetryAttempts int             `yaml:"retry_attempts"`
	RetryDelay    time.Duration   `yaml:"retry_delay"`
}

// WebhookConfig defines an HTTP outcome sink
type WebhookConfig struct {
	Name    string        `yaml:"name"`
	URLEnv  string        `yaml:"url_env"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// KafkaConfig defines a Kafka outcome sink
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
}

// IntakeConfig controls alert intake
type IntakeConfig struct {
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	Redis        *RedisConfig  `yaml:"redis,omitempty"`
}

// RedisConfig defines the durable alert queue
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	Key         string `yaml:"key"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	DB          int    `yaml:"db"`
	PollBatch   int    `yaml:"poll_batch"`
}

// HistoryConfig selects the attempt history store
type HistoryConfig struct {
	PostgresDSNEnv string `yaml:"postgres_dsn_env,omitempty"`
}

// APIConfig configures the HTTP surface
type APIConfig struct {
	Port string `yaml:"port"`
}

// LadderConfig is the yaml form of a remedy ladder (ladders.yaml)
type LadderConfig struct {
	RetryOn []string     `yaml:"retry_on,omitempty"`
	Steps   []StepConfig `yaml:"steps"`
}

// StepConfig is one rung of a remedy ladder
type StepConfig struct {
	Command string            `yaml:"command"`
	Payload string            `yaml:"payload,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Retries int               `yaml:"retries,omitempty"`
	On      map[string]string `yaml:"on,omitempty"` // outcome -> action
	Default string            `yaml:"default,omitempty"`
}
