// Package config loads the immutable process configuration: a yaml file for
// structured settings (filters, beat entries, throttles) merged with
// environment overrides. It is read once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/guido-cesarano/chainq/pkg/tasks"
	"gopkg.in/yaml.v3"
)

// Role is the fixed responsibility of a process.
type Role string

const (
	RoleBeat      Role = "beat"
	RoleFilter    Role = "filter"
	RoleProcessor Role = "processor"
	RoleDefault   Role = "default"
)

// Queue returns the queue the role consumes.
func (r Role) Queue() tasks.QueueName {
	switch r {
	case RoleBeat:
		return tasks.QueueBeat
	case RoleFilter:
		return tasks.QueueFilter
	case RoleProcessor:
		return tasks.QueueProcessor
	default:
		return tasks.QueueDefault
	}
}

// DefaultConcurrency is the role's worker ceiling: highest for default,
// lowest for processor.
func (r Role) DefaultConcurrency() int {
	switch r {
	case RoleDefault:
		return 10
	case RoleFilter:
		return 4
	case RoleProcessor:
		return 2
	default:
		return 1
	}
}

// ParseRole validates a role selector.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleBeat, RoleFilter, RoleProcessor, RoleDefault:
		return r, nil
	}
	return "", &ConfigurationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", s)}
}

// Mode selects normal operation or the reduced-concurrency verification mode.
type Mode string

const (
	ModeNormal Mode = "normal"
	ModeVerify Mode = "verify"
)

// ConfigurationError is a fatal startup error. It is never retried.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Config is the process configuration.
type Config struct {
	Role        Role
	Mode        Mode
	Concurrency int

	RedisURL    string
	DatabaseURL string
	DBMaxConns  int32
	MetricsAddr string
	ServerAddr  string
	APIKey      string

	MigrationCommand string
	CallbackURL      string
	CallbackTimeout  time.Duration

	Worker    WorkerConfig
	Chain     ChainConfig
	Filters   []FilterConfig
	Beat      []BeatEntryConfig
	Throttles map[string]ThrottleConfig
}

// WorkerConfig tunes the consumer pool and queue maintenance.
type WorkerConfig struct {
	MaxRetries          int           `yaml:"maxRetries"`
	RetryBase           time.Duration `yaml:"retryBase"`
	RetryMax            time.Duration `yaml:"retryMax"`
	BlockTimeout        time.Duration `yaml:"blockTimeout"`
	VisibilityTimeout   time.Duration `yaml:"visibilityTimeout"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
}

// ChainConfig selects and tunes the chain data source.
type ChainConfig struct {
	Source           string        `yaml:"source"`
	RPCURL           string        `yaml:"rpcURL"`
	Confirmations    uint64        `yaml:"confirmations"`
	StartBlock       uint64        `yaml:"startBlock"`
	MaxBlocks        int           `yaml:"maxBlocks"`
	ChunkSize        uint64        `yaml:"chunkSize"`
	FetchConcurrency int           `yaml:"fetchConcurrency"`
	RatePerSecond    float64       `yaml:"ratePerSecond"`
	Burst            int           `yaml:"burst"`
	MaxAttempts      int           `yaml:"maxAttempts"`
	InitialBackoff   time.Duration `yaml:"initialBackoff"`
	MaxBackoff       time.Duration `yaml:"maxBackoff"`
	CallTimeout      time.Duration `yaml:"callTimeout"`
	FixturePath      string        `yaml:"fixturePath"`
	Kafka            KafkaConfig   `yaml:"kafka"`
}

// KafkaConfig configures the subscribe-style chain feed.
type KafkaConfig struct {
	Brokers []string      `yaml:"brokers"`
	Topic   string        `yaml:"topic"`
	GroupID string        `yaml:"groupID"`
	MaxWait time.Duration `yaml:"maxWait"`
}

// FilterConfig describes one chain filter.
type FilterConfig struct {
	Name         string        `yaml:"name"`
	Kind         string        `yaml:"kind"`
	Contracts    []string      `yaml:"contracts"`
	Accounts     []string      `yaml:"accounts"`
	MinAmount    string        `yaml:"minAmount"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

// BeatEntryConfig describes one recurring task. Exactly one of Interval and
// Spec (cron expression) is set.
type BeatEntryConfig struct {
	Name     string        `yaml:"name"`
	Task     string        `yaml:"task"`
	Queue    string        `yaml:"queue"`
	Interval time.Duration `yaml:"interval"`
	Spec     string        `yaml:"spec"`
	Args     []interface{} `yaml:"args"`
}

// ThrottleConfig is a per-task-name token bucket.
type ThrottleConfig struct {
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

type fileConfig struct {
	Worker    WorkerConfig              `yaml:"worker"`
	Chain     ChainConfig               `yaml:"chain"`
	Filters   []FilterConfig            `yaml:"filters"`
	Beat      []BeatEntryConfig         `yaml:"beat"`
	Throttles map[string]ThrottleConfig `yaml:"throttles"`
}

// Default returns the built-in configuration for role default.
func Default() Config {
	return Config{
		Role:            RoleDefault,
		Mode:            ModeNormal,
		RedisURL:        "127.0.0.1:6379",
		DBMaxConns:      10,
		MetricsAddr:     ":8080",
		ServerAddr:      ":8081",
		CallbackTimeout: 10 * time.Second,
		Worker: WorkerConfig{
			MaxRetries:          3,
			RetryBase:           100 * time.Millisecond,
			RetryMax:            5 * time.Minute,
			BlockTimeout:        time.Second,
			VisibilityTimeout:   5 * time.Minute,
			MaintenanceInterval: 500 * time.Millisecond,
		},
		Chain: ChainConfig{
			Source:           "rpc",
			Confirmations:    6,
			MaxBlocks:        500,
			ChunkSize:        100,
			FetchConcurrency: 4,
			RatePerSecond:    10,
			Burst:            5,
			MaxAttempts:      5,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
			CallTimeout:      15 * time.Second,
			Kafka: KafkaConfig{
				GroupID: "chainq-filter",
				MaxWait: 2 * time.Second,
			},
		},
		Throttles: map[string]ThrottleConfig{},
	}
}

// Load reads the yaml file at path (CONFIG_PATH when empty, skipped when
// neither is set), applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(getenv("CONFIG_PATH"))
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigurationError{Field: "config_path", Reason: err.Error()}
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Config{}, &ConfigurationError{Field: "config_path", Reason: fmt.Sprintf("parse %s: %v", path, err)}
		}
		merge(&cfg, parsed)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Role.DefaultConcurrency()
	}
	if cfg.Mode == ModeVerify {
		cfg.Concurrency = 1
		cfg.Chain.FetchConcurrency = 1
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func merge(dst *Config, src fileConfig) {
	w := src.Worker
	if w.MaxRetries != 0 {
		dst.Worker.MaxRetries = w.MaxRetries
	}
	if w.RetryBase != 0 {
		dst.Worker.RetryBase = w.RetryBase
	}
	if w.RetryMax != 0 {
		dst.Worker.RetryMax = w.RetryMax
	}
	if w.BlockTimeout != 0 {
		dst.Worker.BlockTimeout = w.BlockTimeout
	}
	if w.VisibilityTimeout != 0 {
		dst.Worker.VisibilityTimeout = w.VisibilityTimeout
	}
	if w.MaintenanceInterval != 0 {
		dst.Worker.MaintenanceInterval = w.MaintenanceInterval
	}

	c := src.Chain
	if c.Source != "" {
		dst.Chain.Source = c.Source
	}
	if c.RPCURL != "" {
		dst.Chain.RPCURL = c.RPCURL
	}
	if c.Confirmations != 0 {
		dst.Chain.Confirmations = c.Confirmations
	}
	if c.StartBlock != 0 {
		dst.Chain.StartBlock = c.StartBlock
	}
	if c.MaxBlocks != 0 {
		dst.Chain.MaxBlocks = c.MaxBlocks
	}
	if c.ChunkSize != 0 {
		dst.Chain.ChunkSize = c.ChunkSize
	}
	if c.FetchConcurrency != 0 {
		dst.Chain.FetchConcurrency = c.FetchConcurrency
	}
	if c.RatePerSecond != 0 {
		dst.Chain.RatePerSecond = c.RatePerSecond
	}
	if c.Burst != 0 {
		dst.Chain.Burst = c.Burst
	}
	if c.MaxAttempts != 0 {
		dst.Chain.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoff != 0 {
		dst.Chain.InitialBackoff = c.InitialBackoff
	}
	if c.MaxBackoff != 0 {
		dst.Chain.MaxBackoff = c.MaxBackoff
	}
	if c.CallTimeout != 0 {
		dst.Chain.CallTimeout = c.CallTimeout
	}
	if c.FixturePath != "" {
		dst.Chain.FixturePath = c.FixturePath
	}
	if c.Kafka.Brokers != nil {
		dst.Chain.Kafka.Brokers = c.Kafka.Brokers
	}
	if c.Kafka.Topic != "" {
		dst.Chain.Kafka.Topic = c.Kafka.Topic
	}
	if c.Kafka.GroupID != "" {
		dst.Chain.Kafka.GroupID = c.Kafka.GroupID
	}
	if c.Kafka.MaxWait != 0 {
		dst.Chain.Kafka.MaxWait = c.Kafka.MaxWait
	}

	if src.Filters != nil {
		dst.Filters = src.Filters
	}
	if src.Beat != nil {
		dst.Beat = src.Beat
	}
	for name, th := range src.Throttles {
		dst.Throttles[name] = th
	}
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := env("CHAINQ_ROLE"); v != "" {
		role, err := ParseRole(v)
		if err != nil {
			return err
		}
		cfg.Role = role
	}
	if v := env("CHAINQ_MODE"); v != "" {
		switch m := Mode(strings.ToLower(v)); m {
		case ModeNormal, ModeVerify:
			cfg.Mode = m
		default:
			return &ConfigurationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", v)}
		}
	}
	if v := env("CHAINQ_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return &ConfigurationError{Field: "concurrency", Reason: fmt.Sprintf("invalid value %q", v)}
		}
		cfg.Concurrency = n
	}
	if v := env("MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return &ConfigurationError{Field: "max_retries", Reason: fmt.Sprintf("invalid value %q", v)}
		}
		cfg.Worker.MaxRetries = n
	}

	strs := map[string]*string{
		"REDIS_URL":         &cfg.RedisURL,
		"DATABASE_URL":      &cfg.DatabaseURL,
		"METRICS_ADDR":      &cfg.MetricsAddr,
		"SERVER_ADDR":       &cfg.ServerAddr,
		"API_KEY":           &cfg.APIKey,
		"MIGRATION_COMMAND": &cfg.MigrationCommand,
		"CALLBACK_URL":      &cfg.CallbackURL,
		"ETH_RPC_URL":       &cfg.Chain.RPCURL,
		"CHAIN_SOURCE":      &cfg.Chain.Source,
		"CHAIN_FIXTURE":     &cfg.Chain.FixturePath,
		"KAFKA_TOPIC":       &cfg.Chain.Kafka.Topic,
	}
	for key, dst := range strs {
		if v := env(key); v != "" {
			*dst = v
		}
	}
	if v := env("KAFKA_BROKERS"); v != "" {
		cfg.Chain.Kafka.Brokers = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the settings the selected role depends on.
func (c Config) Validate() error {
	if _, err := ParseRole(string(c.Role)); err != nil {
		return err
	}
	if c.Concurrency <= 0 {
		return &ConfigurationError{Field: "concurrency", Reason: "must be positive"}
	}
	if c.Worker.MaxRetries < 0 {
		return &ConfigurationError{Field: "max_retries", Reason: "must not be negative"}
	}
	if c.Role == RoleProcessor && c.DatabaseURL == "" {
		return &ConfigurationError{Field: "database_url", Reason: "required for the processor role"}
	}
	if c.Role == RoleFilter {
		switch c.Chain.Source {
		case "rpc":
			if c.Chain.RPCURL == "" {
				return &ConfigurationError{Field: "chain.rpcURL", Reason: "required for the rpc source"}
			}
		case "kafka":
			if len(c.Chain.Kafka.Brokers) == 0 || c.Chain.Kafka.Topic == "" {
				return &ConfigurationError{Field: "chain.kafka", Reason: "brokers and topic are required"}
			}
		case "fixture":
			if c.Chain.FixturePath == "" {
				return &ConfigurationError{Field: "chain.fixturePath", Reason: "required for the fixture source"}
			}
		default:
			return &ConfigurationError{Field: "chain.source", Reason: fmt.Sprintf("unknown source %q", c.Chain.Source)}
		}
	}

	seen := make(map[string]bool)
	for _, f := range c.Filters {
		if f.Name == "" {
			return &ConfigurationError{Field: "filters", Reason: "filter without a name"}
		}
		if seen[f.Name] {
			return &ConfigurationError{Field: "filters", Reason: fmt.Sprintf("duplicate filter %q", f.Name)}
		}
		seen[f.Name] = true
	}
	for _, e := range c.Beat {
		if _, err := tasks.ParseQueue(e.Queue); err != nil {
			return &ConfigurationError{Field: "beat." + e.Name, Reason: err.Error()}
		}
		if e.Task == "" {
			return &ConfigurationError{Field: "beat." + e.Name, Reason: "task name is required"}
		}
		if (e.Interval > 0) == (e.Spec != "") {
			return &ConfigurationError{Field: "beat." + e.Name, Reason: "set exactly one of interval and spec"}
		}
	}
	return nil
}
