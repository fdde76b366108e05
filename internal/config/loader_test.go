package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reguard.yaml")

	yamlContent := `
server:
  port: 8080
  log_level: debug
  cors: true
  rate_limit_rpm: 120

storage:
  driver: sqlite
  path: ./test.db
  retention: 168h

rule_engine:
  execution_timeout: 2s
  max_parallel_executions: 4
  performance_monitoring: false

translator:
  max_batch_size: 50
  default_protocol: REST

websocket:
  port: 9901
  max_connections: 100
  heartbeat_interval: 10s
  connection_timeout: 60s
  message_queue_size: 50

error_handling:
  retry:
    max_attempts: 5
    initial_delay: 50ms
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	cfg := loader.Get()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("Server.LogLevel = %q, want \"debug\"", cfg.Server.LogLevel)
	}
	if cfg.Server.RateLimitRPM != 120 {
		t.Errorf("Server.RateLimitRPM = %d, want 120", cfg.Server.RateLimitRPM)
	}

	if cfg.RuleEngine.ExecutionTimeout != 2*time.Second {
		t.Errorf("RuleEngine.ExecutionTimeout = %v, want 2s", cfg.RuleEngine.ExecutionTimeout)
	}
	if cfg.RuleEngine.MaxParallelExecutions != 4 {
		t.Errorf("RuleEngine.MaxParallelExecutions = %d, want 4", cfg.RuleEngine.MaxParallelExecutions)
	}
	if cfg.RuleEngine.PerformanceMonitoring {
		t.Error("RuleEngine.PerformanceMonitoring = true, want false")
	}

	if cfg.Translator.MaxBatchSize != 50 {
		t.Errorf("Translator.MaxBatchSize = %d, want 50", cfg.Translator.MaxBatchSize)
	}
	if cfg.Translator.DefaultProtocol != "REST" {
		t.Errorf("Translator.DefaultProtocol = %q, want REST", cfg.Translator.DefaultProtocol)
	}
	// Unset translator fields keep defaults.
	if !cfg.Translator.ValidationEnabled {
		t.Error("Translator.ValidationEnabled should default to true")
	}

	if cfg.WebSocket.MaxConnections != 100 {
		t.Errorf("WebSocket.MaxConnections = %d, want 100", cfg.WebSocket.MaxConnections)
	}
	if cfg.WebSocket.HeartbeatInterval != 10*time.Second {
		t.Errorf("WebSocket.HeartbeatInterval = %v, want 10s", cfg.WebSocket.HeartbeatInterval)
	}

	if cfg.ErrorHandling.Retry.MaxAttempts != 5 {
		t.Errorf("Retry.MaxAttempts = %d, want 5", cfg.ErrorHandling.Retry.MaxAttempts)
	}
	if cfg.ErrorHandling.Retry.InitialDelay != 50*time.Millisecond {
		t.Errorf("Retry.InitialDelay = %v, want 50ms", cfg.ErrorHandling.Retry.InitialDelay)
	}
}

func TestLoader_DefaultConfig(t *testing.T) {
	loader := NewLoader()
	cfg := loader.Get()

	if cfg.Server.Port != 6780 {
		t.Errorf("default Server.Port = %d, want 6780", cfg.Server.Port)
	}
	if cfg.Server.RateLimitRPM != 60 {
		t.Errorf("default Server.RateLimitRPM = %d, want 60", cfg.Server.RateLimitRPM)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver = %q, want \"sqlite\"", cfg.Storage.Driver)
	}
	if cfg.RuleEngine.ExecutionTimeout != 5*time.Second {
		t.Errorf("default RuleEngine.ExecutionTimeout = %v, want 5s", cfg.RuleEngine.ExecutionTimeout)
	}
	if cfg.RuleEngine.MaxParallelExecutions != 10 {
		t.Errorf("default RuleEngine.MaxParallelExecutions = %d, want 10", cfg.RuleEngine.MaxParallelExecutions)
	}
	if cfg.Translator.MaxBatchSize != 100 {
		t.Errorf("default Translator.MaxBatchSize = %d, want 100", cfg.Translator.MaxBatchSize)
	}
	if cfg.WebSocket.MaxConnections != 5000 {
		t.Errorf("default WebSocket.MaxConnections = %d, want 5000", cfg.WebSocket.MaxConnections)
	}
	if cfg.WebSocket.HeartbeatInterval != 30*time.Second {
		t.Errorf("default WebSocket.HeartbeatInterval = %v, want 30s", cfg.WebSocket.HeartbeatInterval)
	}
	if cfg.WebSocket.ConnectionTimeout != 300*time.Second {
		t.Errorf("default WebSocket.ConnectionTimeout = %v, want 300s", cfg.WebSocket.ConnectionTimeout)
	}
	if cfg.WebSocket.MessageQueueSize != 1000 {
		t.Errorf("default WebSocket.MessageQueueSize = %d, want 1000", cfg.WebSocket.MessageQueueSize)
	}
	if cfg.ErrorHandling.Retry.MaxAttempts != 3 {
		t.Errorf("default Retry.MaxAttempts = %d, want 3", cfg.ErrorHandling.Retry.MaxAttempts)
	}
	if cfg.Orchestrator.HealthCheckInterval != 5*time.Minute {
		t.Errorf("default HealthCheckInterval = %v, want 5m", cfg.Orchestrator.HealthCheckInterval)
	}
}

func TestLoader_LoadNonExistentFile(t *testing.T) {
	loader := NewLoader()
	err := loader.Load("/nonexistent/path/to/config.yaml")
	if err == nil {
		t.Error("Load() with nonexistent file should return error")
	}
}

func TestLoader_LoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(configPath, []byte(`{{{invalid yaml`), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	loader := NewLoader()
	err := loader.Load(configPath)
	if err == nil {
		t.Error("Load() with invalid YAML should return error")
	}
}

func TestLoader_FilePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reguard.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if loader.FilePath() != "" {
		t.Errorf("FilePath() before Load() = %q, want empty", loader.FilePath())
	}

	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.FilePath() != configPath {
		t.Errorf("FilePath() = %q, want %q", loader.FilePath(), configPath)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reguard.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if loader.Get().Server.Port != 8080 {
		t.Errorf("initial port = %d, want 8080", loader.Get().Server.Port)
	}

	if err := os.WriteFile(configPath, []byte("server:\n  port: 9999\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	if err := loader.Reload(); err != nil {
		t.Fatalf("Reload() error: %v", err)
	}

	if loader.Get().Server.Port != 9999 {
		t.Errorf("reloaded port = %d, want 9999", loader.Get().Server.Port)
	}
}

func TestLoader_ReloadWithoutLoad(t *testing.T) {
	loader := NewLoader()
	err := loader.Reload()
	if err == nil {
		t.Error("Reload() without prior Load() should return error")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	os.Setenv("TEST_RG_PORT", "9999")
	os.Setenv("TEST_RG_SECRET", "my-secret")
	defer os.Unsetenv("TEST_RG_PORT")
	defer os.Unsetenv("TEST_RG_SECRET")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "port: ${TEST_RG_PORT}",
			want:  "port: 9999",
		},
		{
			name:  "multiple substitutions",
			input: "port: ${TEST_RG_PORT}\nsecret: ${TEST_RG_SECRET}",
			want:  "port: 9999\nsecret: my-secret",
		},
		{
			name:  "undefined variable",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ}",
			want:  "value: ",
		},
		{
			name:  "default value syntax",
			input: "value: ${UNDEFINED_TEST_VAR_XYZ:-default-val}",
			want:  "value: default-val",
		},
		{
			name:  "default value not used when env var set",
			input: "port: ${TEST_RG_PORT:-1234}",
			want:  "port: 9999",
		},
		{
			name:  "no env vars",
			input: "port: 8080",
			want:  "port: 8080",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reguard.yaml")

	if err := GenerateDefault(configPath); err != nil {
		t.Fatalf("GenerateDefault() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read generated config: %v", err)
	}
	if len(data) == 0 {
		t.Error("generated config is empty")
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("generated config is not valid YAML: %v", err)
	}

	cfg := loader.Get()
	if cfg.Server.Port != 6780 {
		t.Errorf("generated config port = %d, want 6780", cfg.Server.Port)
	}
}

func TestLoader_WatchReloads(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "reguard.yaml")

	if err := os.WriteFile(configPath, []byte("server:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	loader := NewLoader()
	if err := loader.Load(configPath); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	reloaded := make(chan *Config, 1)
	if err := loader.Watch(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
	defer loader.StopWatch()

	if err := os.WriteFile(configPath, []byte("server:\n  port: 7070\n"), 0644); err != nil {
		t.Fatalf("failed to overwrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Server.Port != 7070 {
			t.Errorf("reloaded port = %d, want 7070", cfg.Server.Port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot reload")
	}
}
