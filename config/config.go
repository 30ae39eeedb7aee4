// Package config provides configuration management for the order saga orchestrator.
package config

import (
	"fmt"
	"time"
)

// Config is the global configuration for ordersaga.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the HTTP server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Storage is the persistence configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Services is the initial active service list, used when no persisted
	// generation exists.
	Services []ServiceConfig `mapstructure:"services" validate:"required,min=1,dive"`

	// Downstream configures the participant HTTP clients.
	Downstream DownstreamConfig `mapstructure:"downstream"`

	// Saga is the forward/compensation engine configuration.
	Saga SagaConfig `mapstructure:"saga"`

	// Outbox is the relay configuration.
	Outbox OutboxConfig `mapstructure:"outbox"`

	// EventBus is the transport used when the relay dispatches over a bus.
	EventBus EventBusConfig `mapstructure:"eventbus"`

	// Notify configures progress subscribers and operator alerts.
	Notify NotifyConfig `mapstructure:"notify"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// NodeID identifies this process in bus envelopes and logs.
	NodeID string `mapstructure:"node_id"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds handler execution.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	// Enabled enables CORS support.
	Enabled bool `mapstructure:"enabled"`

	// AllowedOrigins is the list of allowed origins.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// AllowedMethods is the list of allowed HTTP methods.
	AllowedMethods []string `mapstructure:"allowed_methods"`

	// AllowedHeaders is the list of allowed headers.
	AllowedHeaders []string `mapstructure:"allowed_headers"`

	// MaxAge is the maximum age of CORS preflight cache in seconds.
	MaxAge int `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger, sqlite).
	Type string `mapstructure:"type" validate:"oneof=memory badger sqlite"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`

	// SQLite is the SQLite configuration.
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	// Path is the database directory path.
	Path string `mapstructure:"path"`

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool `mapstructure:"sync_writes"`

	// ValueLogFileSize is the maximum size of value log files in bytes.
	ValueLogFileSize int64 `mapstructure:"value_log_file_size"`

	// NumVersionsToKeep is the number of versions to keep per key.
	NumVersionsToKeep int `mapstructure:"num_versions_to_keep"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string `mapstructure:"path"`

	// BusyTimeout is how long a writer waits on a locked database.
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`
}

// ServiceConfig is one entry of the initial service list.
type ServiceConfig struct {
	Name           string `mapstructure:"name" validate:"required,oneof=CREDIT_CARD INVENTORY LOGISTICS"`
	Order          int    `mapstructure:"order" validate:"min=0"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"min=1"`
}

// DownstreamConfig holds participant endpoints and client protection.
type DownstreamConfig struct {
	// Endpoints maps a service name to its base URL.
	Endpoints map[string]string `mapstructure:"endpoints"`

	// RequestsPerSecond limits calls per service; zero disables limiting.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`

	// Burst is the rate limiter burst size.
	Burst int `mapstructure:"burst" validate:"min=0"`

	// Breaker configures the per-service circuit breaker.
	Breaker BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio" validate:"min=0,max=1"`
}

// SagaConfig holds engine settings.
type SagaConfig struct {
	// RollbackMaxAttempts is the retry budget per compensated service.
	RollbackMaxAttempts int `mapstructure:"rollback_max_attempts" validate:"min=1"`

	// RollbackInitialBackoff is the delay before the second rollback attempt.
	RollbackInitialBackoff time.Duration `mapstructure:"rollback_initial_backoff"`

	// RollbackMaxBackoff caps the exponential backoff.
	RollbackMaxBackoff time.Duration `mapstructure:"rollback_max_backoff"`

	// MaxConcurrent limits sagas executing at once; zero means unbounded.
	MaxConcurrent int `mapstructure:"max_concurrent" validate:"min=0"`

	// Workers is the size of the pool running submitted sagas.
	Workers int `mapstructure:"workers" validate:"min=1"`

	// QueueSize is the submission queue capacity.
	QueueSize int `mapstructure:"queue_size" validate:"min=1"`

	// RecoveryInterval is the period of the recovery rescan. It must be
	// positive unless StartupRecoveryOnly is set.
	RecoveryInterval time.Duration `mapstructure:"recovery_interval"`

	// StartupRecoveryOnly disables the periodic rescan. A saga whose hand-off
	// fails after the outbox event is processed then waits for a restart.
	// Not allowed with outbox.dispatch=bus.
	StartupRecoveryOnly bool `mapstructure:"startup_recovery_only"`
}

// EffectiveRecoveryInterval is the rescan period, zero when only the startup
// scan runs.
func (c SagaConfig) EffectiveRecoveryInterval() time.Duration {
	if c.StartupRecoveryOnly {
		return 0
	}
	return c.RecoveryInterval
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	// Interval is the fixed poll interval.
	Interval time.Duration `mapstructure:"interval"`

	// BatchSize is the maximum events read per poll.
	BatchSize int `mapstructure:"batch_size" validate:"min=1"`

	// Dispatch selects how relayed events reach the engine (pool, bus).
	Dispatch string `mapstructure:"dispatch" validate:"oneof=pool bus"`
}

// EventBusConfig holds event bus settings.
type EventBusConfig struct {
	// Type is the bus implementation (memory, redis).
	Type string `mapstructure:"type" validate:"oneof=memory redis"`

	// Subject is the subject saga requests are published on.
	Subject string `mapstructure:"subject"`

	// Buffer is the consumer channel capacity.
	Buffer int `mapstructure:"buffer" validate:"min=1"`

	// Redis is the Redis configuration.
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	// Address is the Redis server address.
	Address string `mapstructure:"address"`

	// Password is the Redis password.
	Password string `mapstructure:"password"`

	// DB is the Redis database number.
	DB int `mapstructure:"db" validate:"min=0"`

	// ChannelPrefix namespaces pub/sub channels.
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// NotifyConfig holds progress and alert settings.
type NotifyConfig struct {
	// SubscriberBuffer is the per-subscriber update buffer.
	SubscriberBuffer int `mapstructure:"subscriber_buffer" validate:"min=1"`

	// AlertWebhookURL receives rollback failure alerts when set.
	AlertWebhookURL string `mapstructure:"alert_webhook_url" validate:"omitempty,url"`

	// AlertTimeout bounds one webhook delivery.
	AlertTimeout time.Duration `mapstructure:"alert_timeout"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds one export.
	Timeout time.Duration `mapstructure:"timeout"`

	// Sampler is the sampling strategy (always_on, always_off, ratio).
	Sampler string `mapstructure:"sampler" validate:"oneof=always_on always_off ratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := ValidateWithDetails(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, Storage: %s, Dispatch: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.Storage.Type, c.Outbox.Dispatch)
}
