package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/darkden-lab/relay/docs"
	"github.com/darkden-lab/relay/internal/bus"
	"github.com/darkden-lab/relay/internal/config"
	"github.com/darkden-lab/relay/internal/consumer"
	"github.com/darkden-lab/relay/internal/db"
	"github.com/darkden-lab/relay/internal/dispatch"
	"github.com/darkden-lab/relay/internal/events"
	"github.com/darkden-lab/relay/internal/health"
	"github.com/darkden-lab/relay/internal/logger"
	"github.com/darkden-lab/relay/internal/metrics"
	mw "github.com/darkden-lab/relay/internal/middleware"
	"github.com/darkden-lab/relay/internal/notifications"
	"github.com/darkden-lab/relay/internal/producer"
	"github.com/darkden-lab/relay/internal/session"
	"github.com/darkden-lab/relay/internal/ws"
)

const (
	shutdownTimeout  = 10 * time.Second
	busWatchInterval = 5 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = defaultInstanceID()
	}
	log = log.With(zap.String("instance", instanceID))
	log.Info("starting relay", zap.String("environment", cfg.Environment), zap.String("port", cfg.Port))

	reg := metrics.NewRegistry()
	m := metrics.New(reg, cfg.Environment)
	checker := health.NewChecker(2*time.Second, log)

	// Storage
	var (
		store notifications.Store
		subs  notifications.SubscriptionStore
	)
	if cfg.DatabaseURL != "" {
		database, err := db.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
			return err
		}
		store = notifications.NewPostgresStore(database.Pool)
		subs = notifications.NewPostgresSubscriptionStore(database.Pool)
		checker.Add("database", database.Ping)
		log.Info("using PostgreSQL notification store")
	} else {
		store = notifications.NewMemoryStore()
		subs = notifications.NewMemorySubscriptionStore()
		log.Warn("DATABASE_URL not set, notifications are kept in memory")
	}

	// Redis: processed-event marker and cross-instance presence. Optional.
	var (
		marker   consumer.ProcessedMarker
		presence session.Presence
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close() //nolint:errcheck
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, continuing; marker and presence fail open", zap.Error(err))
		}
		marker = consumer.NewRedisMarker(client, cfg.ProcessedMarkerTTL, log)
		presence = session.NewRedisPresence(client, cfg.PresenceTTL, log)
		checker.Add("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	// Event bus
	knownKeys := make([]string, 0, len(events.AllTypes))
	for _, t := range events.AllTypes {
		knownKeys = append(knownKeys, string(t))
	}
	broker, err := bus.NewBroker(cfg, knownKeys, log)
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	connected, watchBus := broker.(interface{ Connected() bool })
	if watchBus {
		checker.Add("bus", func(context.Context) error {
			if !connected.Connected() {
				return errors.New("event bus disconnected")
			}
			return nil
		})
	} else {
		m.SetBusConnected(true)
	}

	// Sessions and delivery
	regOpts := []session.Option{session.WithMetrics(m)}
	if presence != nil {
		regOpts = append(regOpts, session.WithPresence(presence, instanceID))
	}
	registry := session.NewRegistry(log, regOpts...)
	dispatcher := dispatch.New(registry, store, m, log)

	consOpts := []consumer.Option{consumer.WithMetrics(m)}
	if marker != nil {
		consOpts = append(consOpts, consumer.WithMarker(marker))
	}
	cons := consumer.New(consumer.Config{
		Bindings:    cfg.ConsumerBindings,
		Workers:     cfg.ConsumerWorkers,
		QueueSize:   cfg.ConsumerQueueSize,
		MaxAttempts: cfg.ConsumerMaxAttempts,
		RetryBase:   cfg.ConsumerRetryBase,
		RetryMax:    cfg.ConsumerRetryMax,
	}, broker, store, dispatcher, consumer.NewMapper(subs), log, consOpts...)
	if err := cons.Start(ctx); err != nil {
		broker.Close() //nolint:errcheck
		return fmt.Errorf("start consumer: %w", err)
	}

	gateway := ws.NewGateway(ws.Config{
		BackfillMax:      cfg.BackfillMax,
		HandshakeTimeout: cfg.HandshakeTimeout,
		AllowedOrigins:   cfg.AllowedOrigins,
	}, registry, store, m, log)

	var deadLetters producer.DeadLetterSource
	if src, ok := broker.(producer.DeadLetterSource); ok {
		deadLetters = src
	}

	// Router
	limiter := mw.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	defer limiter.Stop()

	r := mux.NewRouter()
	r.Use(mw.Logging(log))
	r.Use(limiter.Middleware())

	checker.RegisterRoutes(r)
	r.Handle("/metrics", metrics.Handler(reg)).Methods(http.MethodGet)
	docs.RegisterRoutes(r)
	gateway.RegisterRoutes(r)
	notifications.NewHandlers(store, subs, log).RegisterRoutes(r)
	session.NewHandlers(registry, log).RegisterRoutes(r)
	producer.NewHandlers(producer.New(broker, log), deadLetters).RegisterRoutes(r)

	// CORS wraps the entire router so OPTIONS preflight requests are handled
	// before mux routing.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mw.CORS(cfg.AllowedOrigins)(r),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if watchBus {
		g.Go(func() error {
			ticker := time.NewTicker(busWatchInterval)
			defer ticker.Stop()
			for {
				m.SetBusConnected(connected.Connected())
				select {
				case <-ticker.C:
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	if presence != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.PresenceTTL / 3)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					registry.RefreshPresence()
				case <-gctx.Done():
					return nil
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}

		// Drain in-flight events while the bus can still settle them, then
		// drop the live connections.
		cons.Close()
		if err := broker.Close(); err != nil {
			log.Warn("broker close", zap.Error(err))
		}
		registry.CloseAll()
		return nil
	})

	return g.Wait()
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return uuid.New().String()
}
