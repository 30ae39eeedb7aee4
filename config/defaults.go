package config

import "time"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "ordersaga",
			Version:     "dev",
			Environment: "development",
			NodeID:      "node-1",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			HTTP: HTTPConfig{
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  20 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Path:              "./data/badger",
				SyncWrites:        true,
				ValueLogFileSize:  1 << 28, // 256MB
				NumVersionsToKeep: 1,
			},
			SQLite: SQLiteConfig{
				Path:        "./data/ordersaga.db",
				BusyTimeout: 5 * time.Second,
			},
		},
		Services: []ServiceConfig{
			{Name: "CREDIT_CARD", Order: 1, TimeoutSeconds: 5},
			{Name: "INVENTORY", Order: 2, TimeoutSeconds: 5},
			{Name: "LOGISTICS", Order: 3, TimeoutSeconds: 5},
		},
		Downstream: DownstreamConfig{
			Endpoints: map[string]string{
				"CREDIT_CARD": "http://localhost:8081",
				"INVENTORY":   "http://localhost:8082",
				"LOGISTICS":   "http://localhost:8083",
			},
			RequestsPerSecond: 0,
			Burst:             10,
			Breaker: BreakerConfig{
				MaxRequests:  1,
				Interval:     60 * time.Second,
				Timeout:      30 * time.Second,
				MinRequests:  5,
				FailureRatio: 0.6,
			},
		},
		Saga: SagaConfig{
			RollbackMaxAttempts:    3,
			RollbackInitialBackoff: 100 * time.Millisecond,
			RollbackMaxBackoff:     2 * time.Second,
			MaxConcurrent:          0,
			Workers:                8,
			QueueSize:              1024,
			RecoveryInterval:       time.Minute,
		},
		Outbox: OutboxConfig{
			Interval:  5 * time.Second,
			BatchSize: 100,
			Dispatch:  "pool",
		},
		EventBus: EventBusConfig{
			Type:    "memory",
			Subject: "ordersaga.v1.saga.execute",
			Buffer:  256,
			Redis: RedisConfig{
				Address:       "localhost:6379",
				Password:      "",
				DB:            0,
				ChannelPrefix: "ordersaga:bus:",
			},
		},
		Notify: NotifyConfig{
			SubscriberBuffer: 16,
			AlertTimeout:     5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9091,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    10 * time.Second,
			Sampler:    "ratio",
			SampleRate: 0.1,
		},
	}
}
