// Package config provides configuration loading for surveyx.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mohans/surveyx/llm"
	"github.com/mohans/surveyx/stages"
)

// Process roles.
const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Sink kinds.
const (
	SinkFile  = "file"
	SinkRedis = "redis"
)

// Config represents the complete surveyx configuration
type Config struct {
	Role     string                   `yaml:"role"`
	Server   ServerConfig             `yaml:"server"`
	Tasks    TaskConfig               `yaml:"tasks"`
	Store    StoreConfig              `yaml:"store"`
	Sink     SinkConfig               `yaml:"sink"`
	Redis    RedisConfig              `yaml:"redis"`
	Stages   map[string]stages.Sizing `yaml:"stages"`
	LLM      llm.Config               `yaml:"llm"`
	Search   SearchConfig             `yaml:"search"`
	Crawl    CrawlConfig              `yaml:"crawl"`
	Dispatch DispatchConfig           `yaml:"dispatch"`
	NATS     NATSConfig               `yaml:"nats"`
	Reaper   ReaperConfig             `yaml:"reaper"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// ReportInterval is how often pipeline stats are logged (0 = never)
	ReportInterval time.Duration `yaml:"report_interval"`
	// ShutdownTimeout bounds the graceful drain on exit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TaskConfig configures task lifecycle timing
type TaskConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	// SubmitTimeout bounds how long a submission waits for queue room
	// (0 = wait for the caller's context)
	SubmitTimeout time.Duration `yaml:"submit_timeout"`
	// TTL is how long records survive after creation or completion
	TTL time.Duration `yaml:"ttl"`
	// WorkDir holds marker-tagged copies of input files
	WorkDir string `yaml:"work_dir"`
}

// StoreConfig selects the task record backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the database/sql data source (sqlite path or postgres URL)
	DSN string `yaml:"dsn"`
	// KeyPrefix namespaces records in Redis
	KeyPrefix string `yaml:"key_prefix"`
}

// SinkConfig selects the shared result stream
type SinkConfig struct {
	Kind string `yaml:"kind"`
	// Location is a file path or a Redis list key
	Location    string `yaml:"location"`
	MarkerField string `yaml:"marker_field"`
	CacheSize   int    `yaml:"cache_size"`
}

// RedisConfig is shared by the redis store, redis sink and asynq
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// SearchConfig configures query generation and web search
type SearchConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxQueries int           `yaml:"max_queries"`
}

// CrawlConfig configures page fetching
type CrawlConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`
	UserAgent         string        `yaml:"user_agent"`
	MaxContentSize    int64         `yaml:"max_content_size"`
	MinLength         int           `yaml:"min_length"`
	MaxLength         int           `yaml:"max_length"`
	// DigestConcurrency bounds parallel LLM summaries per task
	DigestConcurrency int `yaml:"digest_concurrency"`
}

// DispatchConfig configures the asynq queue used by the api and worker roles
type DispatchConfig struct {
	Queue       string        `yaml:"queue"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetry    int           `yaml:"max_retry"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NATSConfig configures lifecycle event publishing
type NATSConfig struct {
	// URL is the NATS server URL (empty = events disabled)
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// ReaperConfig configures background cleanup
type ReaperConfig struct {
	Schedule string `yaml:"schedule"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	sizes := make(map[string]stages.Sizing)
	for _, name := range stages.Names() {
		sizes[name] = stages.Sizing{Workers: 1, QueueCapacity: 100}
	}
	sizes[stages.StageCrawl] = stages.Sizing{Workers: 4, QueueCapacity: 100}
	sizes[stages.StageDigest] = stages.Sizing{Workers: 4, QueueCapacity: 100}

	return &Config{
		Role: RoleAll,
		Server: ServerConfig{
			Addr:            ":8080",
			ReportInterval:  time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Tasks: TaskConfig{
			PollInterval: 30 * time.Second,
			Timeout:      2 * time.Hour,
			TTL:          24 * time.Hour,
			WorkDir:      "data/tmp",
		},
		Store: StoreConfig{
			Driver:    DriverSQLite,
			DSN:       "data/surveyx.db",
			KeyPrefix: "surveyx:task:",
		},
		Sink: SinkConfig{
			Kind:        SinkFile,
			Location:    "data/results.jsonl",
			MarkerField: "title",
			CacheSize:   256,
		},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Stages: sizes,
		LLM: llm.Config{
			BaseURL:     "http://localhost:8000/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			Timeout:     5 * time.Minute,
			Retry:       llm.DefaultRetryConfig(),
		},
		Search: SearchConfig{
			Endpoint:   "http://localhost:8888",
			Timeout:    20 * time.Second,
			MaxQueries: 8,
		},
		Crawl: CrawlConfig{
			Concurrency:       8,
			RequestsPerSecond: 4,
			Timeout:           30 * time.Second,
			UserAgent:         "surveyx-crawler/1.0",
			MaxContentSize:    5 << 20,
			MinLength:         200,
			MaxLength:         50000,
			DigestConcurrency: 4,
		},
		Dispatch: DispatchConfig{
			Queue:       "surveys",
			Concurrency: 10,
			MaxRetry:    3,
			Timeout:     10 * time.Minute,
		},
		NATS:   NATSConfig{SubjectPrefix: "surveyx.task"},
		Reaper: ReaperConfig{Schedule: "@every 10m"},
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	// a stage entry that sets only one field keeps the default for the other
	defaults := DefaultConfig().Stages
	for name, sz := range config.Stages {
		if sz.Workers == 0 {
			sz.Workers = defaults[name].Workers
		}
		if sz.QueueCapacity == 0 {
			sz.QueueCapacity = defaults[name].QueueCapacity
		}
		config.Stages[name] = sz
	}
	return config, nil
}

// Load reads path when given, otherwise uses defaults, then applies the
// environment and validates.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and addresses from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("SURVEYX_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("SURVEYX_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("SURVEYX_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		errs = append(errs, fmt.Errorf("role must be one of all, api, worker; got %q", c.Role))
	}
	if c.Tasks.PollInterval <= 0 {
		errs = append(errs, errors.New("tasks.poll_interval must be positive"))
	}
	if c.Tasks.Timeout <= 0 {
		errs = append(errs, errors.New("tasks.timeout must be positive"))
	}
	if c.Tasks.SubmitTimeout < 0 {
		errs = append(errs, errors.New("tasks.submit_timeout must not be negative"))
	}
	// expiry must never remove a record its monitor still owns
	if c.Tasks.TTL > 0 && c.Tasks.TTL < c.Tasks.Timeout {
		errs = append(errs, fmt.Errorf("tasks.ttl (%s) must be at least tasks.timeout (%s)", c.Tasks.TTL, c.Tasks.Timeout))
	}

	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required"))
		}
	case DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	switch c.Sink.Kind {
	case SinkFile, SinkRedis:
		if c.Sink.Location == "" {
			errs = append(errs, errors.New("sink.location is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink.kind %q", c.Sink.Kind))
	}
	if c.Role != RoleAll && c.Store.Driver == DriverSQLite {
		errs = append(errs, errors.New("api and worker roles need a shared store (postgres or redis)"))
	}

	for _, name := range stages.Names() {
		sz, ok := c.Stages[name]
		if !ok {
			continue
		}
		if sz.Workers <= 0 {
			errs = append(errs, fmt.Errorf("stages.%s.workers must be positive", name))
		}
		if sz.QueueCapacity <= 0 {
			errs = append(errs, fmt.Errorf("stages.%s.queue_capacity must be positive", name))
		}
	}
	for name := range c.Stages {
		if !slices.Contains(stages.Names(), name) {
			errs = append(errs, fmt.Errorf("unknown stage %q", name))
		}
	}

	if c.Role != RoleAPI {
		if c.LLM.Model == "" {
			errs = append(errs, errors.New("llm.model is required"))
		}
		if c.LLM.BaseURL == "" {
			errs = append(errs, errors.New("llm.base_url is required"))
		}
	}
	if c.Dispatch.Concurrency < 0 || c.Dispatch.MaxRetry < 0 {
		errs = append(errs, errors.New("dispatch.concurrency and dispatch.max_retry must not be negative"))
	}
	return errors.Join(errs...)
}
