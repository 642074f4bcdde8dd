package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/parlorchat/parlor/config"
	"github.com/parlorchat/parlor/internal/chat"
	"github.com/parlorchat/parlor/internal/handlers"
	"github.com/parlorchat/parlor/internal/hub"
	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/metrics"
	"github.com/parlorchat/parlor/internal/middleware"
	"github.com/parlorchat/parlor/internal/presence"
	"github.com/parlorchat/parlor/internal/room"
	"github.com/parlorchat/parlor/internal/signal"
	"github.com/parlorchat/parlor/internal/sse"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := "info"
	if cfg.Environment != "production" {
		level = "debug"
	}
	log := logging.NewDefault(level)
	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, chatStore, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	met := metrics.New(prometheus.DefaultRegisterer)
	router := signal.NewRouter(met)
	svc := room.NewService(store, chatStore, router, cfg.StabilityWindow, met, log)

	wsHub := hub.New(svc, met, log)
	broker := sse.NewBroker(router, met, log)
	svc.AddBroadcaster(wsHub)
	svc.AddBroadcaster(broker)

	// Exactly one sweeper owns expiration for this store.
	sweeper := presence.NewSweeper(store, cfg.HeartbeatTimeout, cfg.SweepInterval,
		svc.ExpireUser, log)
	go sweeper.Run(ctx)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.Default()
	engine.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := handlers.New(svc, log)
	api := engine.Group("/api")
	{
		api.POST("/auth/login", handlers.Login(cfg.JWTSecret))
		api.POST("/join", h.Join)
		api.POST("/leave", h.Leave)
		api.POST("/heartbeat", h.Heartbeat)
		api.GET("/users", h.Users)
		api.POST("/check-nickname", h.CheckNickname)
		api.POST("/message", h.SendMessage)
		api.GET("/messages", h.Messages)
		api.POST("/signal/:type", h.Signal)
		api.GET("/events", broker.HandleSSE)
		api.DELETE("/room", middleware.JWTAuth(cfg.JWTSecret), h.ResetRoom)
	}
	engine.GET("/ws", wsHub.HandleWS)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", "port", cfg.Port, "backend", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HeartbeatInterval)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// buildStores selects the backend once at startup. Durable backends are
// wrapped so a later outage degrades to memory instead of failing every
// request.
func buildStores(ctx context.Context, cfg *config.Config, log logging.Logger) (presence.Store, chat.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		log.Info(ctx, "redis connection established", "addr", rdb.Options().Addr)
		store := presence.NewFallbackStore(presence.NewRedisStore(rdb), log)
		return store, chat.NewMemoryStore(), func() { rdb.Close() }, nil

	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		if err := presence.RunMigrations(ctx, db); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
		}
		log.Info(ctx, "database ready")
		store := presence.NewFallbackStore(presence.NewPostgresStore(db), log)
		return store, chat.NewPostgresStore(db), func() { db.Close() }, nil

	default:
		return presence.NewMemoryStore(), chat.NewMemoryStore(), func() {}, nil
	}
}
