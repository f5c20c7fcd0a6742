package main

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/physiohome/engine/internal/config"
	"github.com/physiohome/engine/internal/domain/availability"
	"github.com/physiohome/engine/internal/domain/calendar"
	"github.com/physiohome/engine/internal/domain/claim"
	"github.com/physiohome/engine/internal/domain/expiry"
	"github.com/physiohome/engine/internal/domain/matching"
	"github.com/physiohome/engine/internal/domain/request"
	"github.com/physiohome/engine/internal/platform/auth"
	"github.com/physiohome/engine/internal/platform/db"
	"github.com/physiohome/engine/internal/platform/events"
	"github.com/physiohome/engine/internal/platform/middleware"
	"github.com/physiohome/engine/internal/platform/webhook"
	"github.com/physiohome/engine/internal/platform/websocket"
)

// app holds every long-lived component of one process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool  *pgxpool.Pool
	redis *redis.Client
	tasks *asynq.Client

	source   string
	bus      *events.Bus
	relay    *events.Relay
	hub      *websocket.Hub
	webhooks *webhook.Manager

	avail   *availability.Service
	cal     *calendar.Service
	reg     request.Registry
	engine  *claim.Engine
	sweeper *expiry.Sweeper
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, source: uuid.NewString()}

	var (
		therapists availability.Store
		sessions   calendar.Repository
	)
	if cfg.UsesPostgres() {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		therapists = availability.NewPGStore(a.pool)
		sessions = calendar.NewPGRepo(a.pool)
		a.reg = request.NewPGRegistry(a.pool)
	} else {
		logger.Warn().Msg("using in-memory storage; state is lost on restart")
		therapists = availability.NewMemStore()
		sessions = calendar.NewMemRepo()
		a.reg = request.NewMemRegistry()
	}

	a.hub = websocket.NewHub(logger)
	a.webhooks = webhook.NewManager(webhook.NewMemoryStore(), webhook.WithLogger(logger))
	a.bus = events.NewBus(logger, a.hub, a.webhooks)

	var scheduler claim.ExpiryScheduler
	if cfg.RedisURL != "" {
		a.redis, err = events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.bus.Add(events.NewRedisPublisher(a.redis, events.DefaultChannel, a.source))
		a.relay = events.NewRelay(a.redis, events.DefaultChannel, a.source,
			events.NewBus(logger, a.hub, a.webhooks), logger)

		opt, err := expiry.RedisConnOpt(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.tasks = asynq.NewClient(opt)
		scheduler = expiry.NewScheduler(a.tasks)
		logger.Info().Msg("redis events and deadline tasks enabled")
	}

	a.avail = availability.NewService(therapists, loc)
	a.cal = calendar.NewService(sessions, a.avail)

	engineCfg := claim.Config{
		DefaultTTL: cfg.DefaultRequestTTL,
		MaxTTL:     cfg.MaxRequestTTL,
		MaxSlots:   cfg.MaxSlotsPerRequest,
	}
	opts := []claim.Option{claim.WithLogger(logger)}
	if scheduler != nil {
		opts = append(opts, claim.WithScheduler(scheduler))
	}
	a.engine = claim.NewEngine(a.avail, a.cal, a.reg, matching.NewIndex(a.avail, loc), a.bus, engineCfg, opts...)

	a.sweeper = expiry.NewSweeper(a.reg, a.bus,
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithBatchSize(cfg.SweepBatchSize),
		expiry.WithLogger(logger),
	)
	return a, nil
}

// Close releases connections. Pending webhook deliveries are awaited.
func (a *app) Close() {
	if a.webhooks != nil {
		a.webhooks.Wait()
	}
	if a.tasks != nil {
		a.tasks.Close()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *app) router() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.HeaderActorID, auth.HeaderActorRole},
	}))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.JWTSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	// Health checks
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	} else {
		e.GET("/health/db", func(c echo.Context) error {
			return c.JSON(http.StatusOK, map[string]string{"status": "ok", "backend": "memory"})
		})
	}

	// API
	apiV1 := e.Group("/api/v1")
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	availability.NewHandler(a.avail).RegisterRoutes(apiV1)
	calendar.NewHandler(a.cal).RegisterRoutes(apiV1)
	claim.NewHandler(a.engine).RegisterRoutes(apiV1)
	webhook.NewHandler(a.webhooks).RegisterRoutes(apiV1.Group("/webhooks", auth.RequireRole(auth.RoleAdmin)))

	// Live event stream
	websocket.NewHandler(a.hub, topicPolicy).RegisterRoutes(e.Group(""))

	return e
}

// topicPolicy lets callers follow their own therapist or patient topic.
// Admins may follow anything.
func topicPolicy(actor auth.Actor, topic string) bool {
	if actor.ID == uuid.Nil {
		return false
	}
	if actor.IsAdmin() {
		return true
	}
	kind, rawID, found := strings.Cut(topic, ":")
	if !found {
		return false
	}
	id, err := uuid.Parse(rawID)
	if err != nil || id != actor.ID {
		return false
	}
	switch kind {
	case "therapist":
		return actor.HasRole(auth.RoleTherapist)
	case "patient":
		return actor.HasRole(auth.RolePatient)
	}
	return false
}
