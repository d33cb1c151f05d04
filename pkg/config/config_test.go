package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestRoleDefaults(t *testing.T) {
	tests := []struct {
		env  map[string]string
		role Role
		want int
	}{
		{map[string]string{"CHAINQ_ROLE": "default"}, RoleDefault, 10},
		{map[string]string{"CHAINQ_ROLE": "FILTER", "ETH_RPC_URL": "http://node"}, RoleFilter, 4},
		{map[string]string{"CHAINQ_ROLE": "processor", "DATABASE_URL": "postgres://x"}, RoleProcessor, 2},
		{map[string]string{"CHAINQ_ROLE": "beat"}, RoleBeat, 1},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			cfg, err := load("", envMap(tt.env))
			if err != nil {
				t.Fatalf("load failed: %v", err)
			}
			if cfg.Role != tt.role || cfg.Concurrency != tt.want {
				t.Errorf("got role %s concurrency %d, want %s %d", cfg.Role, cfg.Concurrency, tt.role, tt.want)
			}
		})
	}
	if RoleProcessor.DefaultConcurrency() >= RoleDefault.DefaultConcurrency() {
		t.Error("processor ceiling must be below default ceiling")
	}
}

func TestVerifyModeReducesConcurrency(t *testing.T) {
	cfg, err := load("", envMap(map[string]string{
		"CHAINQ_ROLE":        "default",
		"CHAINQ_MODE":        "verify",
		"CHAINQ_CONCURRENCY": "32",
	}))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Concurrency != 1 {
		t.Errorf("Expected concurrency 1 in verify mode, got %d", cfg.Concurrency)
	}
}

func TestUnknownRoleIsConfigurationError(t *testing.T) {
	_, err := load("", envMap(map[string]string{"CHAINQ_ROLE": "scheduler"}))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "role" {
		t.Fatalf("Expected role ConfigurationError, got %v", err)
	}
}

func TestProcessorRequiresDatabase(t *testing.T) {
	_, err := load("", envMap(map[string]string{"CHAINQ_ROLE": "processor"}))
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigurationError, got %v", err)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chainq.yaml")
	data := `
worker:
  maxRetries: 5
  retryBase: 250ms
chain:
  source: fixture
  fixturePath: testdata/events.yaml
filters:
  - name: transfers
    kind: erc20.transfer
    pollInterval: 15s
beat:
  - name: poll-transfers
    task: filter.poll
    queue: filter
    interval: 15s
    args: [transfers]
throttles:
  notify.transfer:
    rate: 5
    burst: 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(path, envMap(map[string]string{"CHAINQ_ROLE": "filter", "MAX_RETRIES": "7"}))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Worker.MaxRetries != 7 {
		t.Errorf("Expected env override of max retries, got %d", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.RetryBase != 250*time.Millisecond {
		t.Errorf("Expected retryBase 250ms, got %v", cfg.Worker.RetryBase)
	}
	if cfg.Worker.BlockTimeout != time.Second {
		t.Errorf("Expected default block timeout to survive merge, got %v", cfg.Worker.BlockTimeout)
	}
	if len(cfg.Filters) != 1 || cfg.Filters[0].PollInterval != 15*time.Second {
		t.Errorf("Unexpected filters: %+v", cfg.Filters)
	}
	if len(cfg.Beat) != 1 || cfg.Beat[0].Args[0] != "transfers" {
		t.Errorf("Unexpected beat entries: %+v", cfg.Beat)
	}
	if cfg.Throttles["notify.transfer"].Burst != 10 {
		t.Errorf("Unexpected throttles: %+v", cfg.Throttles)
	}
}

func TestBeatEntryValidation(t *testing.T) {
	cfg := Default()
	cfg.Concurrency = 1
	cfg.Beat = []BeatEntryConfig{{Name: "bad", Task: "x", Queue: "urgent", Interval: time.Second}}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected unknown queue to fail validation")
	}
	cfg.Beat = []BeatEntryConfig{{Name: "both", Task: "x", Queue: "default", Interval: time.Second, Spec: "@every 1s"}}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected interval+spec to fail validation")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := load("../../configs/chainq.yaml", envMap(map[string]string{
		"CHAINQ_ROLE": "filter",
		"ETH_RPC_URL": "http://127.0.0.1:8545",
	}))
	if err != nil {
		t.Fatalf("Example config rejected: %v", err)
	}
	if len(cfg.Filters) != 2 || len(cfg.Beat) != 2 || cfg.Filters[1].PollInterval != 30*time.Second {
		t.Errorf("Unexpected example config: %d filters, %d beat entries", len(cfg.Filters), len(cfg.Beat))
	}
	if cfg.Chain.Confirmations != 12 || cfg.Concurrency != 4 {
		t.Errorf("Unexpected chain settings %+v, concurrency %d", cfg.Chain, cfg.Concurrency)
	}
}
