package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/chanbridge/chanbridge-server/internal/api"
	"github.com/chanbridge/chanbridge-server/internal/cache"
	"github.com/chanbridge/chanbridge-server/internal/config"
	"github.com/chanbridge/chanbridge-server/internal/gateway"
	"github.com/chanbridge/chanbridge-server/internal/httputil"
	"github.com/chanbridge/chanbridge-server/internal/metrics"
	"github.com/chanbridge/chanbridge-server/internal/postgres"
	"github.com/chanbridge/chanbridge-server/internal/presence"
	"github.com/chanbridge/chanbridge-server/internal/registry"
	"github.com/chanbridge/chanbridge-server/internal/route"
	"github.com/chanbridge/chanbridge-server/internal/session"
	"github.com/chanbridge/chanbridge-server/internal/store"
	"github.com/chanbridge/chanbridge-server/internal/table"
	"github.com/chanbridge/chanbridge-server/internal/task"
	"github.com/chanbridge/chanbridge-server/internal/valkey"
)

const valkeyDialTimeout = 5 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Optional; in production configuration comes from the environment.
	_ = godotenv.Load()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Str("node_id", cfg.NodeID).Msg("Starting chanbridge server")

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Shared tables
	authTable := table.NewAuthTable(cfg.SessionsCapacity)
	channels := table.NewChannelsTable(cfg.SubscriptionsCapacity)

	// Persistence, sessions, presence
	st := store.NewPGStore(db, log.Logger)
	profiles := session.NewPGProfileRepository(db, log.Logger)
	sessions := session.NewManager(authTable, profiles, cfg.JWTSecret, cfg.JWTXORKey, log.Logger)
	idx := presence.NewIndex(rdb, cfg.PresenceTTL)

	// Cache plane
	l1 := cache.NewL1(cfg.CacheL1TTL)
	l2 := cache.NewL2(rdb, cfg.CacheL2TTL)
	plane := cache.NewPlane(l1, l2, cache.NewPublisher(rdb, cfg.NodeID), log.Logger)
	go l1.Run(runCtx)

	cacheSub := cache.NewSubscriber(l1, rdb, cfg.NodeID, log.Logger)
	go runSubscriber(runCtx, "cache invalidation", cacheSub.Run)

	// Virtual HTTP routes
	routes := route.NewRegistry()
	plane.RegisterEndpoints(routes)

	// Gateway, task bus, subscription registry
	sup := gateway.NewSupervisor(cfg, sessions, st, idx, rdb, log.Logger)
	bus := task.NewBus(routes, sup, cfg.TaskWorkerNum, cfg.TaskQueueDepth, cfg.TaskTimeout, log.Logger)
	reg := registry.New(channels, st, sessions, sup, log.Logger)
	sup.Attach(reg, bus)
	sup.RegisterNative()

	go bus.Run(runCtx)
	go runSubscriber(runCtx, "relay", sup.Run)
	go sweepRetention(runCtx, cfg, st)
	go metrics.Serve(runCtx, cfg.MetricsPort, log.Logger)

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:               "chanbridge",
		DisableStartupMessage: true,
		// ErrorHandler catches errors returned by handlers that are not
		// already mapped to structured responses (e.g. Fiber's built-in
		// 404/405). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			var e *fiber.Error
			if errors.As(err, &e) {
				status = e.Code
				message = e.Message
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, httputil.CodeForStatus(status), message)
		},
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	health := api.NewHealthHandler(db, redisPinger{client: rdb})
	app.Get("/healthz", health.Health)

	gw := api.NewGatewayHandler(sup)
	app.Get("/gateway", gw.Upgrade)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		cancel()
		_ = app.Shutdown()
	}()

	addr := cfg.ListenAddr()
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	sup.Shutdown()
	return nil
}

// runSubscriber keeps a pub/sub loop alive, restarting it after transient
// failures until the context is cancelled.
func runSubscriber(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		err := fn(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		log.Error().Err(err).Str("subscriber", name).Msg("Subscriber stopped, restarting in 5s")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// sweepRetention periodically expires undeliverable rows and purges messages
// past the retention window.
func sweepRetention(ctx context.Context, cfg *config.Config, st store.Store) {
	ticker := time.NewTicker(cfg.RetentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.MessageRetention)
			sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)

			expired, err := st.ExpireDeliveries(sweepCtx, cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("Retention sweep: expire failed")
			}
			purged, err := st.PurgeMessages(sweepCtx, cutoff)
			if err != nil {
				log.Warn().Err(err).Msg("Retention sweep: purge failed")
			}
			cancel()

			if expired > 0 || purged > 0 {
				log.Info().Int64("expired", expired).Int64("purged", purged).Msg("Retention sweep complete")
			}
		}
	}
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }
