// Command server starts the Swabbr livestream scheduling service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"swabbr-live/internal/api"
	"swabbr-live/internal/eligibility"
	"swabbr-live/internal/lifecycle"
	"swabbr-live/internal/notify"
	"swabbr-live/internal/observability/logging"
	"swabbr-live/internal/observability/metrics"
	"swabbr-live/internal/pool"
	"swabbr-live/internal/provider"
	"swabbr-live/internal/scheduler"
	"swabbr-live/internal/server"
	"swabbr-live/internal/storage"
	"swabbr-live/internal/timeout"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	hookToken := flag.String("hook-token", "", "bearer token the provider must present on ingest hooks")
	providerBaseURL := flag.String("provider-base-url", "", "base URL of the livestream provider control API")
	providerToken := flag.String("provider-token", "", "bearer token for the provider control API")
	providerMaxAttempts := flag.Int("provider-max-attempts", 0, "attempts per provider call before giving up")
	providerRetryInterval := flag.Duration("provider-retry-interval", 0, "delay between provider call retries")
	usersBaseURL := flag.String("users-base-url", "", "base URL of the user service for eligibility lookups")
	usersToken := flag.String("users-token", "", "bearer token for the user service")
	notifyDriver := flag.String("notify-driver", "", "notification queue driver (memory or redis)")
	notifyRedisAddr := flag.String("notify-redis-addr", "", "Redis address for the notification queue")
	notifyRedisUsername := flag.String("notify-redis-username", "", "Redis username for the notification queue")
	notifyRedisPassword := flag.String("notify-redis-password", "", "Redis password for the notification queue")
	notifyRedisStream := flag.String("notify-redis-stream", "", "Redis stream key for notifications")
	notifyRedisGroup := flag.String("notify-redis-group", "", "Redis consumer group for notification workers")
	gatewayBaseURL := flag.String("gateway-base-url", "", "base URL of the push notification gateway")
	gatewayToken := flag.String("gateway-token", "", "bearer token for the push notification gateway")
	connectTimeout := flag.Duration("connect-timeout", 0, "how long a notified user gets to start streaming")
	maxStreamDuration := flag.Duration("max-stream-duration", 0, "maximum live duration before force-closing a stream")
	poolCreateInterval := flag.Duration("pool-create-interval", 0, "minimum delay between provider-side resource provisions")
	poolWarmTarget := flag.Int("pool-warm-target", 0, "idle resources to keep provisioned ahead of demand")
	poolWarmInterval := flag.Duration("pool-warm-interval", 0, "interval between pool warm-up passes")
	tickConcurrency := flag.Int("tick-concurrency", 0, "maximum concurrent record requests per minute")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	logger := logging.New(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("SWABBR_LIVE_LOG_LEVEL"))})
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("SWABBR_LIVE_ADDR"), ":8080")

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer bootCancel()

	store, storeLabel, err := configureStore(bootCtx, storeSettings{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("SWABBR_LIVE_STORAGE_DRIVER")),
		DataPath:        firstNonEmpty(*dataPath, os.Getenv("SWABBR_LIVE_DATA"), "swabbr-live.json"),
		DSN:             firstNonEmpty(*postgresDSN, os.Getenv("SWABBR_LIVE_POSTGRES_DSN")),
		MaxConns:        resolveInt(*postgresMaxConns, "SWABBR_LIVE_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "SWABBR_LIVE_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "SWABBR_LIVE_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "SWABBR_LIVE_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "SWABBR_LIVE_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "SWABBR_LIVE_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("SWABBR_LIVE_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	logger.Info("datastore ready", "driver", storeLabel)

	providerClient, err := provider.NewHTTPClient(provider.HTTPClientConfig{
		BaseURL:       firstNonEmpty(*providerBaseURL, os.Getenv("SWABBR_LIVE_PROVIDER_BASE_URL")),
		Token:         firstNonEmpty(*providerToken, os.Getenv("SWABBR_LIVE_PROVIDER_TOKEN")),
		Logger:        logging.WithComponent(logger, "provider"),
		MaxAttempts:   resolveInt(*providerMaxAttempts, "SWABBR_LIVE_PROVIDER_MAX_ATTEMPTS"),
		RetryInterval: resolveDuration(*providerRetryInterval, "SWABBR_LIVE_PROVIDER_RETRY_INTERVAL", 0),
	})
	if err != nil {
		logger.Error("failed to configure provider client", "error", err)
		os.Exit(1)
	}

	var source eligibility.Source
	if usersURL := firstNonEmpty(*usersBaseURL, os.Getenv("SWABBR_LIVE_USERS_BASE_URL")); usersURL != "" {
		source, err = eligibility.NewHTTPSource(eligibility.HTTPSourceConfig{
			BaseURL: usersURL,
			Token:   firstNonEmpty(*usersToken, os.Getenv("SWABBR_LIVE_USERS_TOKEN")),
			Logger:  logging.WithComponent(logger, "eligibility"),
		})
		if err != nil {
			logger.Error("failed to configure eligibility source", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no user service configured, scheduler will select nobody")
		source = eligibility.NewStaticSource(nil)
	}

	queue, err := configureNotifyQueue(notifySettings{
		Driver:   firstNonEmpty(*notifyDriver, os.Getenv("SWABBR_LIVE_NOTIFY_DRIVER")),
		Addr:     firstNonEmpty(*notifyRedisAddr, os.Getenv("SWABBR_LIVE_NOTIFY_REDIS_ADDR")),
		Username: firstNonEmpty(*notifyRedisUsername, os.Getenv("SWABBR_LIVE_NOTIFY_REDIS_USERNAME")),
		Password: firstNonEmpty(*notifyRedisPassword, os.Getenv("SWABBR_LIVE_NOTIFY_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*notifyRedisStream, os.Getenv("SWABBR_LIVE_NOTIFY_REDIS_STREAM")),
		Group:    firstNonEmpty(*notifyRedisGroup, os.Getenv("SWABBR_LIVE_NOTIFY_REDIS_GROUP")),
	}, logging.WithComponent(logger, "notify-queue"))
	if err != nil {
		logger.Error("failed to configure notification queue", "error", err)
		os.Exit(1)
	}

	var gateway notify.Gateway
	if gatewayURL := firstNonEmpty(*gatewayBaseURL, os.Getenv("SWABBR_LIVE_GATEWAY_BASE_URL")); gatewayURL != "" {
		gateway, err = notify.NewHTTPGateway(notify.HTTPGatewayConfig{
			BaseURL: gatewayURL,
			Token:   firstNonEmpty(*gatewayToken, os.Getenv("SWABBR_LIVE_GATEWAY_TOKEN")),
			Logger:  logging.WithComponent(logger, "gateway"),
		})
		if err != nil {
			logger.Error("failed to configure notification gateway", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no notification gateway configured, notifications are logged only")
		gateway = logGateway{logger: logging.WithComponent(logger, "gateway")}
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Queue:   queue,
		Gateway: gateway,
		Logger:  logging.WithComponent(logger, "dispatcher"),
		Metrics: recorder,
	})

	resourcePool, err := pool.New(pool.Config{
		Repository:        store,
		Provider:          providerClient,
		Logger:            logging.WithComponent(logger, "pool"),
		Metrics:           recorder,
		MinCreateInterval: resolveDuration(*poolCreateInterval, "SWABBR_LIVE_POOL_CREATE_INTERVAL", 0),
		WarmTarget:        resolveInt(*poolWarmTarget, "SWABBR_LIVE_POOL_WARM_TARGET"),
	})
	if err != nil {
		logger.Error("failed to configure resource pool", "error", err)
		os.Exit(1)
	}

	manager, err := lifecycle.New(lifecycle.Config{
		Repository:        store,
		Provider:          providerClient,
		Pool:              resourcePool,
		Notifier:          dispatcher,
		Logger:            logging.WithComponent(logger, "lifecycle"),
		Metrics:           recorder,
		MaxStreamDuration: resolveDuration(*maxStreamDuration, "SWABBR_LIVE_MAX_STREAM_DURATION", 0),
	})
	if err != nil {
		logger.Error("failed to configure lifecycle manager", "error", err)
		os.Exit(1)
	}

	supervisor, err := timeout.New(timeout.Config{
		Repository: store,
		Logger:     logging.WithComponent(logger, "timeouts"),
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to configure timeout supervisor", "error", err)
		os.Exit(1)
	}
	supervisor.SetHandler(manager)
	manager.SetTimeouts(supervisor)

	if err := supervisor.Restore(bootCtx); err != nil {
		logger.Error("failed to restore persisted deadlines", "error", err)
		os.Exit(1)
	}

	ticker, err := scheduler.NewTicker(scheduler.Config{
		Repository:     store,
		Eligibility:    source,
		Pool:           resourcePool,
		Provider:       providerClient,
		Timeouts:       supervisor,
		Notifier:       dispatcher,
		Logger:         logging.WithComponent(logger, "scheduler"),
		Metrics:        recorder,
		ConnectTimeout: resolveDuration(*connectTimeout, "SWABBR_LIVE_CONNECT_TIMEOUT", 0),
		Concurrency:    resolveInt(*tickConcurrency, "SWABBR_LIVE_TICK_CONCURRENCY"),
	})
	if err != nil {
		logger.Error("failed to configure scheduler", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, manager)
	handler.HookToken = firstNonEmpty(*hookToken, os.Getenv("SWABBR_LIVE_HOOK_TOKEN"))
	handler.Logger = logging.WithComponent(logger, "api")
	if pinger, ok := providerClient.(interface{ Ping(context.Context) error }); ok {
		handler.ProviderPing = pinger.Ping
	}
	if handler.HookToken == "" {
		logger.Warn("no hook token configured, ingest hooks will be rejected")
	}

	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	stopDelivery := dispatcher.Start(workerCtx)
	tickStop := startTickWorker(workerCtx, logging.WithComponent(logger, "tick-worker"), ticker)
	warmStop := startWarmWorker(workerCtx, logging.WithComponent(logger, "pool-warmer"), resourcePool,
		resolveDuration(*poolWarmInterval, "SWABBR_LIVE_POOL_WARM_INTERVAL", time.Minute))

	errs := make(chan error, 1)
	go func() {
		logger.Info("swabbr live service listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	tickStop()
	warmStop()
	supervisor.Stop()
	stopDelivery()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close notification queue", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

// logGateway stands in when no push gateway is configured.
type logGateway struct {
	logger *slog.Logger
}

func (g logGateway) Send(_ context.Context, userID, kind string, _ any) error {
	g.logger.Info("notification", "user_id", userID, "kind", kind)
	return nil
}

type storeSettings struct {
	Driver          string
	DataPath        string
	DSN             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

func configureStore(ctx context.Context, settings storeSettings) (storage.Repository, string, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.DSN != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		store, err := storage.New(settings.DataPath)
		if err != nil {
			return nil, "", err
		}
		return store, "json", nil
	case "postgres":
		if settings.DSN == "" {
			return nil, "", fmt.Errorf("postgres driver requires a DSN")
		}
		repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:                 settings.DSN,
			MaxConnections:      int32(settings.MaxConns),
			MinConnections:      int32(settings.MinConns),
			MaxConnLifetime:     settings.MaxConnLifetime,
			MaxConnIdleTime:     settings.MaxConnIdle,
			HealthCheckInterval: settings.HealthInterval,
			ConnectTimeout:      settings.AcquireTimeout,
			ApplicationName:     settings.AppName,
		})
		if err != nil {
			return nil, "", err
		}
		return repo, "postgres", nil
	default:
		return nil, "", fmt.Errorf("unknown storage driver %q", settings.Driver)
	}
}

type notifySettings struct {
	Driver   string
	Addr     string
	Username string
	Password string
	Stream   string
	Group    string
}

func configureNotifyQueue(settings notifySettings, logger *slog.Logger) (notify.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	if driver == "" {
		if settings.Addr != "" {
			driver = "redis"
		} else {
			driver = "memory"
		}
	}
	switch driver {
	case "memory":
		return notify.NewMemoryQueue(0), nil
	case "redis":
		return notify.NewRedisQueue(notify.RedisQueueConfig{
			Addr:     settings.Addr,
			Username: settings.Username,
			Password: settings.Password,
			Stream:   settings.Stream,
			Group:    settings.Group,
			Logger:   logger,
		})
	default:
		return nil, fmt.Errorf("unknown notify driver %q", settings.Driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
