package config

import (
	"runtime"
	"time"
)

// Config is the top-level ReGuard configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	RuleEngine    RuleEngineConfig    `yaml:"rule_engine"`
	Translator    TranslatorConfig    `yaml:"translator"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	ErrorHandling ErrorHandlingConfig `yaml:"error_handling"`
	Events        EventsConfig        `yaml:"events"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Audit         AuditConfig         `yaml:"audit"`
}

type ServerConfig struct {
	Port         int    `yaml:"port"`
	LogLevel     string `yaml:"log_level"`
	CORS         bool   `yaml:"cors"`
	RateLimitRPM int    `yaml:"rate_limit_rpm"` // per client IP, sliding window
}

type StorageConfig struct {
	Driver    string        `yaml:"driver"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

type OrchestratorConfig struct {
	Workers             int           `yaml:"workers"` // 0 = detected parallelism
	QueueCapacity       int           `yaml:"queue_capacity"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	TaskTimeout         time.Duration `yaml:"task_timeout"`
}

type RuleEngineConfig struct {
	ExecutionTimeout      time.Duration `yaml:"execution_timeout"`
	MaxParallelExecutions int           `yaml:"max_parallel_executions"`
	PerformanceMonitoring bool          `yaml:"performance_monitoring"`
}

type TranslatorConfig struct {
	MaxBatchSize       int           `yaml:"max_batch_size"`
	TranslationTimeout time.Duration `yaml:"translation_timeout"`
	ValidationEnabled  bool          `yaml:"validation_enabled"`
	DefaultProtocol    string        `yaml:"default_protocol"`
}

type WebSocketConfig struct {
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	MessageQueueSize  int           `yaml:"message_queue_size"`
}

type ErrorHandlingConfig struct {
	Retry     RetryConfig   `yaml:"retry"`
	Breaker   BreakerConfig `yaml:"circuit_breaker"`
	Retention time.Duration `yaml:"retention"`
}

type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// EventsConfig selects the compliance event source. An empty NATS URL keeps
// the in-memory source.
type EventsConfig struct {
	NATSURL    string `yaml:"nats_url"`
	Subject    string `yaml:"subject"`
	BufferSize int    `yaml:"buffer_size"`
}

type MetricsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	Retention       time.Duration `yaml:"retention"`
	RequireApproval bool          `yaml:"require_approval"` // gate rule changes behind approve_change
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         6780,
			LogLevel:     "info",
			CORS:         false,
			RateLimitRPM: 60,
		},
		Storage: StorageConfig{
			Driver:    "sqlite",
			Path:      "./reguard.db",
			Retention: 30 * 24 * time.Hour,
		},
		Orchestrator: OrchestratorConfig{
			Workers:             runtime.NumCPU(),
			QueueCapacity:       1000,
			HealthCheckInterval: 5 * time.Minute,
			TaskTimeout:         30 * time.Second,
		},
		RuleEngine: RuleEngineConfig{
			ExecutionTimeout:      5 * time.Second,
			MaxParallelExecutions: 10,
			PerformanceMonitoring: true,
		},
		Translator: TranslatorConfig{
			MaxBatchSize:       100,
			TranslationTimeout: 10 * time.Second,
			ValidationEnabled:  true,
			DefaultProtocol:    "JSON",
		},
		WebSocket: WebSocketConfig{
			Port:              6781,
			MaxConnections:    5000,
			HeartbeatInterval: 30 * time.Second,
			ConnectionTimeout: 300 * time.Second,
			MessageQueueSize:  1000,
		},
		ErrorHandling: ErrorHandlingConfig{
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 100 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     30 * time.Second,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
			Retention: 7 * 24 * time.Hour,
		},
		Events: EventsConfig{
			Subject:    "compliance.events.>",
			BufferSize: 1000,
		},
		Metrics: MetricsConfig{
			CacheTTL: 15 * time.Second,
		},
		Audit: AuditConfig{
			Retention: 90 * 24 * time.Hour,
		},
	}
}
