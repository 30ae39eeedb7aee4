package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/goclaw/ordersaga/config"
	"github.com/goclaw/ordersaga/pkg/api"
	"github.com/goclaw/ordersaga/pkg/api/handlers"
	"github.com/goclaw/ordersaga/pkg/eventbus"
	"github.com/goclaw/ordersaga/pkg/gateway"
	"github.com/goclaw/ordersaga/pkg/logger"
	"github.com/goclaw/ordersaga/pkg/metrics"
	"github.com/goclaw/ordersaga/pkg/notify"
	"github.com/goclaw/ordersaga/pkg/orders"
	"github.com/goclaw/ordersaga/pkg/outbox"
	"github.com/goclaw/ordersaga/pkg/registry"
	"github.com/goclaw/ordersaga/pkg/saga"
	"github.com/goclaw/ordersaga/pkg/storage"
	"github.com/goclaw/ordersaga/pkg/storage/badger"
	"github.com/goclaw/ordersaga/pkg/storage/memory"
	"github.com/goclaw/ordersaga/pkg/storage/sqlite"
	"github.com/goclaw/ordersaga/pkg/telemetry/tracing"
	"github.com/goclaw/ordersaga/pkg/version"
	"github.com/goclaw/ordersaga/pkg/worker"
)

// app holds every long-lived component of the process.
type app struct {
	cfg        *config.Config
	configPath string
	log        logger.Logger

	backend  storage.Backend
	registry *registry.Registry
	metrics  *metrics.Manager
	hub      *notify.Hub
	pool     *worker.Pool
	engine   *saga.Engine
	recovery *saga.RecoveryScanner
	relay    *outbox.Relay
	bus      eventbus.Bus
	consumer *eventbus.Consumer
	redis    *redis.Client
	progress *handlers.WebSocketHandler
	server   *api.HTTPServer

	shutdownTracing tracing.ShutdownFunc
}

func newApp(ctx context.Context, cfg *config.Config, configPath string, log logger.Logger) (*app, error) {
	a := &app{cfg: cfg, configPath: configPath, log: log}
	if err := a.build(ctx); err != nil {
		a.closeResources(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) (err error) {
	cfg, log := a.cfg, a.log

	a.shutdownTracing, err = tracing.Init(ctx, cfg.Tracing, tracing.Resource{
		ServiceName:    cfg.App.Name,
		ServiceVersion: version.Version,
		Environment:    cfg.App.Environment,
		InstanceID:     cfg.App.NodeID,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	a.backend, err = openBackend(cfg.Storage, log)
	if err != nil {
		return err
	}

	a.registry, err = registry.New(registryServices(cfg.Services), registry.WithStore(a.backend))
	if err != nil {
		return fmt.Errorf("create service registry: %w", err)
	}
	if err := a.registry.Load(ctx); err != nil {
		return fmt.Errorf("load service registry: %w", err)
	}

	defaults := metrics.DefaultConfig()
	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:                   cfg.Metrics.Enabled,
		Port:                      cfg.Metrics.Port,
		Path:                      cfg.Metrics.Path,
		SagaDurationBuckets:       defaults.SagaDurationBuckets,
		DownstreamDurationBuckets: defaults.DownstreamDurationBuckets,
		OutboxPollBuckets:         defaults.OutboxPollBuckets,
		HTTPDurationBuckets:       defaults.HTTPDurationBuckets,
	})

	client, err := newGatewayClient(cfg.Downstream, a.metrics, log)
	if err != nil {
		return err
	}

	a.hub = notify.NewHub(cfg.Notify.SubscriberBuffer)
	alerter := notify.MultiAlerter{notify.NewLogAlerter(log)}
	if cfg.Notify.AlertWebhookURL != "" {
		alerter = append(alerter, notify.NewWebhookAlerter(cfg.Notify.AlertWebhookURL, cfg.Notify.AlertTimeout))
	}

	a.pool = worker.NewPool("saga", cfg.Saga.Workers, cfg.Saga.QueueSize, log)
	a.pool.Start()

	a.engine, err = saga.NewEngine(a.backend, a.registry, client,
		saga.WithNotifier(a.hub),
		saga.WithAlerter(alerter),
		saga.WithMetrics(a.metrics),
		saga.WithLogger(log),
		saga.WithRetry(saga.RetryConfig{
			MaxAttempts:    cfg.Saga.RollbackMaxAttempts,
			InitialBackoff: cfg.Saga.RollbackInitialBackoff,
			MaxBackoff:     cfg.Saga.RollbackMaxBackoff,
		}),
		saga.WithMaxConcurrentSagas(cfg.Saga.MaxConcurrent),
		saga.WithPool(a.pool),
	)
	if err != nil {
		return fmt.Errorf("create saga engine: %w", err)
	}

	a.recovery, err = saga.NewRecoveryScanner(a.engine, a.backend, log)
	if err != nil {
		return fmt.Errorf("create recovery scanner: %w", err)
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}
	a.relay, err = outbox.NewRelay(a.backend, dispatcher,
		outbox.WithInterval(cfg.Outbox.Interval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithLogger(log),
		outbox.WithMetrics(a.metrics),
	)
	if err != nil {
		return fmt.Errorf("create outbox relay: %w", err)
	}

	if err := a.registerGauges(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	confirmer, err := orders.NewService(a.backend, a.registry)
	if err != nil {
		return fmt.Errorf("create order service: %w", err)
	}

	a.progress = handlers.NewWebSocketHandler(a.hub, log, handlers.WebSocketConfig{
		AllowedOrigins: cfg.Server.CORS.AllowedOrigins,
	})

	checks := map[string]handlers.Pinger{"storage": a.backend}
	if a.redis != nil {
		checks["redis"] = handlers.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		})
	}

	h := &api.Handlers{
		Orders:       handlers.NewOrderHandler(confirmer, log),
		Transactions: handlers.NewTransactionHandler(a.backend),
		Services:     handlers.NewServiceHandler(a.registry, log),
		Progress:     a.progress,
		Health:       handlers.NewHealthHandler(checks),
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
	}
	a.server = api.NewHTTPServer(cfg, log, h)

	return nil
}

// openBackend is replaced in tests.
var openBackend = openStorage

func openStorage(cfg config.StorageConfig, log logger.Logger) (storage.Backend, error) {
	switch cfg.Type {
	case "badger":
		backend, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		log.Info("Initialized Badger storage", "path", cfg.Badger.Path)
		return backend, nil
	case "sqlite":
		backend, err := sqlite.OpenConfig(sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		log.Info("Initialized SQLite storage", "path", cfg.SQLite.Path)
		return backend, nil
	case "memory":
		log.Info("Initialized memory storage")
		return memory.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func newGatewayClient(cfg config.DownstreamConfig, m *metrics.Manager, log logger.Logger) (*gateway.HTTPClient, error) {
	endpoints := make(map[registry.ServiceKind]string, len(cfg.Endpoints))
	for name, url := range cfg.Endpoints {
		kind, err := registry.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("downstream endpoint %q: %w", name, err)
		}
		endpoints[kind] = url
	}
	client, err := gateway.NewHTTPClient(gateway.Config{
		Endpoints:         endpoints,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             cfg.Burst,
		Breaker: gateway.BreakerConfig{
			MaxRequests:  cfg.Breaker.MaxRequests,
			Interval:     cfg.Breaker.Interval,
			Timeout:      cfg.Breaker.Timeout,
			MinRequests:  cfg.Breaker.MinRequests,
			FailureRatio: cfg.Breaker.FailureRatio,
		},
	}, gateway.WithMetrics(m), gateway.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("create downstream gateway: %w", err)
	}
	return client, nil
}

func registryServices(in []config.ServiceConfig) []registry.ServiceConfig {
	out := make([]registry.ServiceConfig, 0, len(in))
	for _, s := range in {
		out = append(out, registry.ServiceConfig{
			Name:           s.Name,
			Order:          s.Order,
			TimeoutSeconds: s.TimeoutSeconds,
		})
	}
	return out
}

// applyReload applies a reloaded log level at once and stages a changed
// service list as the pending registry generation. It returns the values now
// in effect.
func (a *app) applyReload(ctx context.Context, current, next config.HotReloadableConfig) config.HotReloadableConfig {
	if next.LogLevelChanged(current) {
		a.log.Info("Applying reloaded log level", "from", current.LogLevel, "to", next.LogLevel)
		a.log.SetLevel(logger.ParseLevel(next.LogLevel))
		current.LogLevel = next.LogLevel
	}
	if next.ServicesChanged(current) {
		v, err := a.registry.SetPending(ctx, registryServices(next.Services))
		if err != nil {
			a.log.Warn("Reloaded service list rejected", "error", err)
			return current
		}
		a.log.Info("Reloaded service list staged as pending", "version", v.Number, "services", len(v.Services))
		current.Services = next.Services
	}
	return current
}

// newDispatcher picks how relayed outbox events reach the engine: straight
// into the worker pool, or through the event bus and its consumer.
func (a *app) newDispatcher() (outbox.Dispatcher, error) {
	if a.cfg.Outbox.Dispatch != "bus" {
		return a.engine.PoolDispatcher(), nil
	}

	busCfg := a.cfg.EventBus
	switch busCfg.Type {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     busCfg.Redis.Address,
			Password: busCfg.Redis.Password,
			DB:       busCfg.Redis.DB,
		})
		a.bus = eventbus.NewRedisBus(a.redis, busCfg.Redis.ChannelPrefix)
	default:
		a.bus = eventbus.NewMemoryBus()
	}

	consumer, err := eventbus.NewConsumer(a.bus, busCfg.Subject, busCfg.Buffer, a.engine.HandleEnvelope, a.log)
	if err != nil {
		return nil, fmt.Errorf("create eventbus consumer: %w", err)
	}
	a.consumer = consumer
	return outbox.NewBusDispatcher(a.bus, busCfg.Subject, a.cfg.App.NodeID), nil
}

func (a *app) registerGauges() error {
	var busDrops error
	if mem, ok := a.bus.(*eventbus.MemoryBus); ok {
		busDrops = a.metrics.RegisterCounterFunc("ordersaga_eventbus_dropped_total", "Bus deliveries dropped for full subscriber buffers.", nil,
			func() float64 { return float64(mem.Dropped()) })
	}
	return errors.Join(
		busDrops,
		a.metrics.RegisterGaugeFunc("ordersaga_worker_queue_length", "Saga invocations waiting for a worker.", nil,
			func() float64 { return float64(a.pool.QueueLength()) }),
		a.metrics.RegisterGaugeFunc("ordersaga_progress_subscribers", "Open progress subscriptions.", nil,
			func() float64 { return float64(a.hub.Subscribers()) }),
		a.metrics.RegisterCounterFunc("ordersaga_progress_dropped_total", "Progress updates dropped for slow subscribers.", nil,
			func() float64 { return float64(a.hub.Dropped()) }),
		a.metrics.RegisterCounterFunc("ordersaga_trace_export_failures_total", "Span batches that failed to export.", nil,
			func() float64 { return float64(tracing.ExportFailures()) }),
	)
}

// run serves until ctx is done or a component fails, then shuts down.
func (a *app) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Serve(ln)
	})
	g.Go(func() error {
		return a.relay.Run(gctx)
	})
	g.Go(func() error {
		a.recovery.Run(gctx, a.cfg.Saga.EffectiveRecoveryInterval())
		return nil
	})
	if a.consumer != nil {
		g.Go(func() error {
			return a.consumer.Run(gctx)
		})
	}
	if a.metrics.Enabled() {
		g.Go(func() error {
			a.log.Info("Starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(gctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	if a.configPath != "" {
		watcher, err := config.NewWatcher(a.configPath, config.NewLoader(), config.WithWatcherLogger(a.log))
		if err != nil {
			a.log.Warn("Config hot reload disabled", "error", err)
		} else {
			current := config.ExtractHotReloadable(a.cfg)
			watcher.OnChange(func(next *config.Config) {
				current = a.applyReload(gctx, current, config.ExtractHotReloadable(next))
			})
			g.Go(func() error {
				if err := watcher.Watch(gctx); err != nil && gctx.Err() == nil {
					a.log.Warn("Config watcher stopped", "error", err)
				}
				return nil
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()
	a.closeResources(shutdownCtx)
	return err
}

func (a *app) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.HTTP.ShutdownTimeout; d > 0 {
		return d
	}
	return 30 * time.Second
}

// closeResources releases components in dependency order. It tolerates
// partially constructed apps.
func (a *app) closeResources(ctx context.Context) {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.pool != nil {
		if err := a.pool.Stop(ctx); err != nil {
			a.log.Error("Error stopping worker pool", "error", err)
		}
	}
	if a.progress != nil {
		a.progress.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("Error closing event bus", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("Error closing redis client", "error", err)
		}
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Error("Error closing storage", "error", err)
		}
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("Error shutting down tracing", "error", err)
		}
	}
}
