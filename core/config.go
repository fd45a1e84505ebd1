package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for both the authoritative process and a view
// process. It supports the same three-layer configuration priority the
// teacher framework uses:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithNamespace("myapp"),
//	    core.WithRedisURL("redis://localhost:6379"),
//	    core.WithMaxQueueSize(500),
//	)
type Config struct {
	// Namespace prefixes every Redis key and pub/sub channel this engine
	// uses, so multiple bridge instances can share one Redis deployment.
	Namespace string `json:"namespace" env:"BRIDGE_NAMESPACE" default:"default"`

	// RedisURL is the connection string for ipc.RedisTransport. Empty
	// means the caller must supply its own ipc.Transport (e.g.
	// ipc.InMemoryTransport for tests).
	RedisURL string `json:"redis_url" env:"BRIDGE_REDIS_URL,REDIS_URL"`

	// MaxQueueSize bounds the authoritative ActionScheduler's pending
	// action queue. A full queue causes Dispatch to return
	// core.ErrQueueFull (spec §6/§7 resource-management kind).
	MaxQueueSize int `json:"max_queue_size" env:"BRIDGE_MAX_QUEUE_SIZE" default:"1000"`

	// ActionCompletionTimeoutMs bounds how long a view's dispatch waits
	// for its dispatch-ack and mirror update (failing with
	// core.ErrActionTimeout) and how long a view-side thunk waits to reach
	// fully complete (failing with core.ErrThunkTimeout). The
	// authoritative scheduler applies no timeout of its own.
	ActionCompletionTimeoutMs int `json:"action_completion_timeout_ms" env:"BRIDGE_ACTION_TIMEOUT_MS" default:"30000"`

	// UpdateMaxAgeMs bounds how long a state-update record may wait for
	// acknowledgements before the periodic sweep drops it and treats the
	// missing ackers as gone (spec §3 lifecycle).
	UpdateMaxAgeMs int `json:"update_max_age_ms" env:"BRIDGE_UPDATE_MAX_AGE_MS" default:"60000"`

	// EnableBatching turns on ActionBatcher on the view side. When
	// false, every dispatched action crosses the ipc boundary
	// individually.
	EnableBatching bool `json:"enable_batching" env:"BRIDGE_ENABLE_BATCHING" default:"true"`

	Batching      BatchingConfig      `json:"batching"`
	Serialization SerializationConfig `json:"serialization"`
	Scheduling    SchedulingConfig    `json:"scheduling"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Retry         RetryConfig         `json:"retry"`
	Logging       LoggingConfig       `json:"logging"`
	Development   DevelopmentConfig   `json:"development"`

	// logger is excluded from JSON; set via WithLogger or defaulted to
	// NoOpLogger by NewConfig.
	logger Logger `json:"-"`
}

// BatchingConfig controls ActionBatcher's cross-boundary coalescing
// window (spec §4.6).
type BatchingConfig struct {
	WindowMs                int `json:"window_ms" env:"BRIDGE_BATCH_WINDOW_MS" default:"16"`
	MaxBatchSize            int `json:"max_batch_size" env:"BRIDGE_BATCH_MAX_SIZE" default:"10"`
	PriorityFlushThreshold  int `json:"priority_flush_threshold" env:"BRIDGE_BATCH_PRIORITY_FLUSH" default:"1"`
}

// SerializationConfig controls the sanitizer applied to every payload
// crossing the ipc boundary (spec §6).
type SerializationConfig struct {
	MaxDepth int `json:"max_depth" env:"BRIDGE_SERIALIZE_MAX_DEPTH" default:"10"`
}

// SchedulingConfig controls ActionScheduler tie-break behavior between
// concurrently-ready root thunks (spec §4.2, open question resolved in
// SPEC_FULL.md §D.2).
type SchedulingConfig struct {
	// TieBreak is "fifo" (default, implemented) or "priority" (rejected
	// at Validate time until Thunk carries a priority field).
	TieBreak string `json:"tie_break" env:"BRIDGE_SCHEDULING_TIE_BREAK" default:"fifo"`
}

// CircuitBreakerConfig defines circuit breaker settings for the ipc send
// path. After Threshold consecutive failures, the breaker opens for
// Timeout before allowing HalfOpenRequests probes through.
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"BRIDGE_CB_ENABLED" default:"true"`
	Threshold        int           `json:"threshold" env:"BRIDGE_CB_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"BRIDGE_CB_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"BRIDGE_CB_HALF_OPEN" default:"3"`
}

// RetryConfig defines exponential-backoff retry settings for transient
// ipc send failures.
type RetryConfig struct {
	MaxAttempts     int           `json:"max_attempts" env:"BRIDGE_RETRY_MAX_ATTEMPTS" default:"3"`
	InitialInterval time.Duration `json:"initial_interval" env:"BRIDGE_RETRY_INITIAL_INTERVAL" default:"100ms"`
	MaxInterval     time.Duration `json:"max_interval" env:"BRIDGE_RETRY_MAX_INTERVAL" default:"5s"`
	Multiplier      float64       `json:"multiplier" env:"BRIDGE_RETRY_MULTIPLIER" default:"2.0"`
}

// LoggingConfig mirrors the teacher's: JSON in containers, text locally.
type LoggingConfig struct {
	Level      string `json:"level" env:"BRIDGE_LOG_LEVEL" default:"info"`
	Format     string `json:"format" env:"BRIDGE_LOG_FORMAT" default:"json"`
	Output     string `json:"output" env:"BRIDGE_LOG_OUTPUT" default:"stdout"`
	TimeFormat string `json:"time_format" env:"BRIDGE_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
}

// DevelopmentConfig enables local-development-friendly defaults.
type DevelopmentConfig struct {
	Enabled      bool `json:"enabled" env:"BRIDGE_DEV_MODE" default:"false"`
	DebugLogging bool `json:"debug_logging" env:"BRIDGE_DEBUG" default:"false"`
	PrettyLogs   bool `json:"pretty_logs" env:"BRIDGE_PRETTY_LOGS" default:"false"`
}

// Option is a functional option for configuring the engine. Options are
// applied in order, after defaults and environment variables, and may
// return an error if the value given is invalid.
type Option func(*Config) error

// DefaultConfig returns a configuration with sensible defaults, adjusted
// for the detected environment the same way the teacher does: containers
// get JSON logs, local runs get text logs and development mode.
func DefaultConfig() *Config {
	cfg := &Config{
		Namespace:                 "default",
		MaxQueueSize:              1000,
		ActionCompletionTimeoutMs: 30000,
		UpdateMaxAgeMs:            60000,
		EnableBatching:            true,
		Batching: BatchingConfig{
			WindowMs:               16,
			MaxBatchSize:           10,
			PriorityFlushThreshold: 1,
		},
		Serialization: SerializationConfig{
			MaxDepth: 10,
		},
		Scheduling: SchedulingConfig{
			TieBreak: "fifo",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			Threshold:        5,
			Timeout:          30 * time.Second,
			HalfOpenRequests: 3,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			TimeFormat: time.RFC3339Nano,
		},
		Development: DevelopmentConfig{},
	}

	cfg.detectEnvironment()
	return cfg
}

// detectEnvironment mirrors the teacher's Kubernetes-vs-local detection:
// containerized environments get JSON logs, local runs get development
// mode with text logs.
func (c *Config) detectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Logging.Format = "json"
		return
	}
	if os.Getenv("BRIDGE_DEV_MODE") == "" {
		c.Development.Enabled = true
		c.Development.PrettyLogs = true
		c.Logging.Format = "text"
	}
}

// LoadFromEnv overlays environment variables onto the current
// configuration. Environment variables take precedence over defaults but
// are overridden by functional options applied afterward.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("BRIDGE_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("BRIDGE_REDIS_URL"); v != "" {
		c.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BRIDGE_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueueSize = n
		}
	}
	if v := os.Getenv("BRIDGE_ACTION_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ActionCompletionTimeoutMs = n
		}
	}
	if v := os.Getenv("BRIDGE_UPDATE_MAX_AGE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.UpdateMaxAgeMs = n
		}
	}
	if v := os.Getenv("BRIDGE_ENABLE_BATCHING"); v != "" {
		c.EnableBatching = parseBool(v)
	}
	if v := os.Getenv("BRIDGE_BATCH_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batching.WindowMs = n
		}
	}
	if v := os.Getenv("BRIDGE_BATCH_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batching.MaxBatchSize = n
		}
	}
	if v := os.Getenv("BRIDGE_BATCH_PRIORITY_FLUSH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Batching.PriorityFlushThreshold = n
		}
	}
	if v := os.Getenv("BRIDGE_SERIALIZE_MAX_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serialization.MaxDepth = n
		}
	}
	if v := os.Getenv("BRIDGE_SCHEDULING_TIE_BREAK"); v != "" {
		c.Scheduling.TieBreak = v
	}
	if v := os.Getenv("BRIDGE_CB_ENABLED"); v != "" {
		c.CircuitBreaker.Enabled = parseBool(v)
	}
	if v := os.Getenv("BRIDGE_CB_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.CircuitBreaker.Threshold = n
		}
	}
	if v := os.Getenv("BRIDGE_CB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CircuitBreaker.Timeout = d
		}
	}
	if v := os.Getenv("BRIDGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BRIDGE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BRIDGE_DEV_MODE"); v != "" {
		c.Development.Enabled = parseBool(v)
		if c.Development.Enabled {
			c.Development.PrettyLogs = true
		}
	}
	if v := os.Getenv("BRIDGE_DEBUG"); v != "" {
		c.Development.DebugLogging = parseBool(v)
	}
	return nil
}

// Validate rejects configurations that would leave the engine in an
// inconsistent state. It is the Configuration-kind gate every other
// package relies on: nothing downstream re-checks these invariants.
func (c *Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return NewEngineError(KindConfiguration, "Config.Validate",
			fmt.Sprintf("max queue size must be positive, got %d", c.MaxQueueSize),
			ErrInvalidConfiguration, ErrorContext{})
	}
	if c.ActionCompletionTimeoutMs <= 0 {
		return NewEngineError(KindConfiguration, "Config.Validate",
			fmt.Sprintf("action completion timeout must be positive, got %d", c.ActionCompletionTimeoutMs),
			ErrInvalidConfiguration, ErrorContext{})
	}
	if c.UpdateMaxAgeMs <= 0 {
		return NewEngineError(KindConfiguration, "Config.Validate",
			fmt.Sprintf("update max age must be positive, got %d", c.UpdateMaxAgeMs),
			ErrInvalidConfiguration, ErrorContext{})
	}
	if c.Batching.WindowMs < 0 || c.Batching.MaxBatchSize <= 0 {
		return NewEngineError(KindConfiguration, "Config.Validate",
			"batching window and max batch size must be non-negative/positive",
			ErrInvalidConfiguration, ErrorContext{})
	}
	if c.Serialization.MaxDepth <= 0 {
		return NewEngineError(KindConfiguration, "Config.Validate",
			fmt.Sprintf("serialization max depth must be positive, got %d", c.Serialization.MaxDepth),
			ErrInvalidConfiguration, ErrorContext{})
	}
	switch c.Scheduling.TieBreak {
	case "fifo":
		// implemented
	case "priority":
		return NewEngineError(KindConfiguration, "Config.Validate",
			"scheduling tie-break \"priority\" is not yet implemented (Thunk has no priority field)",
			ErrInvalidConfiguration, ErrorContext{})
	default:
		return NewEngineError(KindConfiguration, "Config.Validate",
			fmt.Sprintf("unknown scheduling tie-break %q", c.Scheduling.TieBreak),
			ErrInvalidConfiguration, ErrorContext{})
	}
	return nil
}

// Logger returns the configured logger, defaulting to NoOpLogger.
func (c *Config) Logger() Logger {
	if c.logger == nil {
		return &NoOpLogger{}
	}
	return c.logger
}

// NewConfig assembles a Config through the three-layer priority:
// defaults, then environment variables, then functional options, then
// validates the result.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// parseBool accepts "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional options.

func WithNamespace(namespace string) Option {
	return func(c *Config) error {
		if namespace == "" {
			return NewEngineError(KindConfiguration, "WithNamespace", "namespace cannot be empty", ErrInvalidConfiguration, ErrorContext{})
		}
		c.Namespace = namespace
		return nil
	}
}

func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.RedisURL = url
		return nil
	}
}

func WithMaxQueueSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return NewEngineError(KindConfiguration, "WithMaxQueueSize", "queue size must be positive", ErrInvalidConfiguration, ErrorContext{})
		}
		c.MaxQueueSize = size
		return nil
	}
}

func WithActionCompletionTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return NewEngineError(KindConfiguration, "WithActionCompletionTimeout", "timeout must be positive", ErrInvalidConfiguration, ErrorContext{})
		}
		c.ActionCompletionTimeoutMs = int(d.Milliseconds())
		return nil
	}
}

func WithUpdateMaxAge(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return NewEngineError(KindConfiguration, "WithUpdateMaxAge", "max age must be positive", ErrInvalidConfiguration, ErrorContext{})
		}
		c.UpdateMaxAgeMs = int(d.Milliseconds())
		return nil
	}
}

func WithBatching(enabled bool, windowMs, maxBatchSize, priorityFlushThreshold int) Option {
	return func(c *Config) error {
		c.EnableBatching = enabled
		c.Batching = BatchingConfig{
			WindowMs:               windowMs,
			MaxBatchSize:           maxBatchSize,
			PriorityFlushThreshold: priorityFlushThreshold,
		}
		return nil
	}
}

func WithSerializationMaxDepth(depth int) Option {
	return func(c *Config) error {
		if depth <= 0 {
			return NewEngineError(KindConfiguration, "WithSerializationMaxDepth", "max depth must be positive", ErrInvalidConfiguration, ErrorContext{})
		}
		c.Serialization.MaxDepth = depth
		return nil
	}
}

func WithTieBreak(mode string) Option {
	return func(c *Config) error {
		c.Scheduling.TieBreak = mode
		return nil
	}
}

func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreaker.Enabled = true
		c.CircuitBreaker.Threshold = threshold
		c.CircuitBreaker.Timeout = timeout
		return nil
	}
}

func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Retry.MaxAttempts = maxAttempts
		c.Retry.InitialInterval = initialInterval
		return nil
	}
}

func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		c.Development.Enabled = enabled
		if enabled {
			c.Development.PrettyLogs = true
			c.Logging.Format = "text"
		}
		return nil
	}
}

// WithLogger installs the logger NewConfig would otherwise default to
// NoOpLogger. Applications wire telemetry.NewLogger in here to avoid a
// core -> telemetry import cycle.
func WithLogger(logger Logger) Option {
	return func(c *Config) error {
		c.logger = logger
		return nil
	}
}
