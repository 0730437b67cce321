package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohans/surveyx/stages"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Role != RoleAll {
		t.Errorf("expected role all, got %s", cfg.Role)
	}
	if cfg.Tasks.Timeout != 2*time.Hour {
		t.Errorf("expected 2h timeout, got %s", cfg.Tasks.Timeout)
	}
	if cfg.Sink.MarkerField != "title" {
		t.Errorf("expected marker field title, got %s", cfg.Sink.MarkerField)
	}
	for _, name := range stages.Names() {
		if _, ok := cfg.Stages[name]; !ok {
			t.Errorf("missing sizing for stage %s", name)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "unknown role",
			modify:  func(c *Config) { c.Role = "scheduler" },
			wantErr: "role",
		},
		{
			name:    "ttl shorter than timeout",
			modify:  func(c *Config) { c.Tasks.TTL = time.Hour },
			wantErr: "tasks.ttl",
		},
		{
			name:   "ttl disabled",
			modify: func(c *Config) { c.Tasks.TTL = 0 },
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Tasks.PollInterval = 0 },
			wantErr: "poll_interval",
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Store.Driver = "mongo" },
			wantErr: "store.driver",
		},
		{
			name:    "unknown sink",
			modify:  func(c *Config) { c.Sink.Kind = "s3" },
			wantErr: "sink.kind",
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Stages[stages.StageCrawl] = stages.Sizing{Workers: 0, QueueCapacity: 1} },
			wantErr: "stages.crawl.workers",
		},
		{
			name:    "unknown stage",
			modify:  func(c *Config) { c.Stages["translate"] = stages.Sizing{Workers: 1, QueueCapacity: 1} },
			wantErr: "unknown stage",
		},
		{
			name:    "worker role on sqlite",
			modify:  func(c *Config) { c.Role = RoleWorker },
			wantErr: "shared store",
		},
		{
			name: "api role on redis",
			modify: func(c *Config) {
				c.Role = RoleAPI
				c.Store.Driver = DriverRedis
				c.LLM.Model = ""
			},
		},
		{
			name:    "worker without model",
			modify:  func(c *Config) { c.LLM.Model = "" },
			wantErr: "llm.model",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "surveyx.yaml")

	content := `role: api
tasks:
  poll_interval: 5s
  timeout: 30m
store:
  driver: postgres
  dsn: postgres://localhost/surveys
stages:
  digest:
    workers: 12
llm:
  model: qwen2.5-72b
  retry:
    max_attempts: 5
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Role != RoleAPI {
		t.Errorf("expected role api, got %s", cfg.Role)
	}
	if cfg.Tasks.PollInterval != 5*time.Second || cfg.Tasks.Timeout != 30*time.Minute {
		t.Errorf("durations not parsed: %s %s", cfg.Tasks.PollInterval, cfg.Tasks.Timeout)
	}
	if cfg.Tasks.TTL != 24*time.Hour {
		t.Errorf("unset fields keep defaults, got ttl %s", cfg.Tasks.TTL)
	}
	if got := cfg.Stages[stages.StageDigest]; got.Workers != 12 || got.QueueCapacity != 100 {
		t.Errorf("partial stage sizing not merged: %+v", got)
	}
	if cfg.Stages[stages.StageSave].Workers != 1 {
		t.Errorf("unlisted stages keep defaults")
	}
	if cfg.LLM.Model != "qwen2.5-72b" || cfg.LLM.Retry.MaxAttempts != 5 {
		t.Errorf("llm section not parsed: %+v", cfg.LLM)
	}
	if cfg.LLM.Retry.BackoffMultiplier == 0 {
		t.Errorf("unset retry fields keep defaults")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config must validate: %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("tasks: [not, a, map]"), 0644)
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadAppliesEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("SURVEYX_REDIS_ADDR", "redis:6380")
	t.Setenv("DATABASE_URL", "file:env.db")
	t.Setenv("SURVEYX_NATS_URL", "nats://nats:4222")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key not applied")
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Store.DSN != "file:env.db" || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("env overrides not applied: %+v %+v %+v", cfg.Redis, cfg.Store, cfg.NATS)
	}

	t.Setenv("DATABASE_URL", "")
	cfg = DefaultConfig()
	cfg.Tasks.TTL = time.Minute
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
}
