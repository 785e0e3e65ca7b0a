package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"k8s.io/utils/clock"

	"github.com/maxkolt/livi-app-sub003/internal/v1/bus"
	"github.com/maxkolt/livi-app-sub003/internal/v1/call"
	"github.com/maxkolt/livi-app-sub003/internal/v1/config"
	"github.com/maxkolt/livi-app-sub003/internal/v1/health"
	"github.com/maxkolt/livi-app-sub003/internal/v1/identity"
	"github.com/maxkolt/livi-app-sub003/internal/v1/janitor"
	"github.com/maxkolt/livi-app-sub003/internal/v1/livekit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/logging"
	"github.com/maxkolt/livi-app-sub003/internal/v1/match"
	"github.com/maxkolt/livi-app-sub003/internal/v1/metrics"
	"github.com/maxkolt/livi-app-sub003/internal/v1/middleware"
	"github.com/maxkolt/livi-app-sub003/internal/v1/presence"
	"github.com/maxkolt/livi-app-sub003/internal/v1/ratelimit"
	"github.com/maxkolt/livi-app-sub003/internal/v1/registry"
	sigfwd "github.com/maxkolt/livi-app-sub003/internal/v1/signal"
	"github.com/maxkolt/livi-app-sub003/internal/v1/store"
	"github.com/maxkolt/livi-app-sub003/internal/v1/tracing"
	"github.com/maxkolt/livi-app-sub003/internal/v1/transport"
	"github.com/maxkolt/livi-app-sub003/internal/v1/turn"
	"github.com/maxkolt/livi-app-sub003/internal/v1/types"
	"github.com/maxkolt/livi-app-sub003/internal/v1/userstore"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}
	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	ctx := context.Background()

	// --- Tracing (optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing, continuing without it", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Queue store, bus and rate-limit store ---
	// With REDIS_ADDR set the queue store is shared across instances and the
	// bus carries cross-instance delivery; without it everything runs on
	// in-process maps.
	var (
		queueStore  store.Store
		storageMode health.StorageModer
		busService  *bus.Service
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		remote, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis store, starting on in-process store", "error", err)
			queueStore = store.NewMemory()
			metrics.StoreMode.Set(1)
		} else {
			failover := store.NewFailover(remote)
			queueStore = failover
			storageMode = failover
		}

		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis bus, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("✅ Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}

		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
		queueStore = store.NewMemory()
		metrics.StoreMode.Set(1)
	}

	// --- User/profile storage ---
	var users userstore.Store
	if cfg.DatabaseURL != "" {
		pg, err := userstore.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to ensure database schema", "error", err)
			os.Exit(1)
		}
		users = pg
		defer pg.Close()
	} else {
		slog.Warn("⚠️ DATABASE_URL not set, using in-memory user store - DO NOT USE IN PRODUCTION")
		users = userstore.NewMemory()
	}

	// --- Rate limiting ---
	rl, err := ratelimit.New(cfg.RateLimitAPI, cfg.RateLimitWS, redisClient)
	if err != nil {
		slog.Error("Failed to build rate limiters", "error", err)
		os.Exit(1)
	}

	// --- Gateway and feature managers ---
	gateway := transport.NewGateway()
	reg := registry.New(gateway)
	pres := presence.New(gateway, users, busService, reg)
	minter := livekit.NewMinter(cfg.LiveKitAPIKey, cfg.LiveKitAPISecret, cfg.LiveKitURL)
	if !minter.Configured() {
		slog.Warn("LiveKit credentials not set, matches proceed without media tokens")
	}

	binder := identity.New(gateway, reg, users, busService, pres, gateway.Handshake)
	binder.Register(gateway)
	defer binder.Close()

	matcher := match.New(gateway, queueStore, minter, pres)
	matcher.Register(gateway)
	defer matcher.Wait()

	callManager := call.New(gateway, queueStore, users, minter, pres, busService)
	callManager.Register(gateway)

	forwarder := sigfwd.New(gateway, queueStore, pres)
	forwarder.Register(gateway)

	// --- Janitor ---
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	j := janitor.NewWithClock(queueStore, gateway, cfg.JanitorInterval, cfg.MaxQueueWait, clock.RealClock{})
	go j.Run(janitorCtx)

	// --- TURN credentials ---
	issuer := turn.NewIssuer(turn.Config{
		Secret:    cfg.TurnSecret,
		Host:      cfg.TurnHost,
		Port:      cfg.TurnPort,
		StunHost:  cfg.StunHost,
		EnableTCP: cfg.TurnEnableTCP,
		TTL:       cfg.TurnTTL,
	})

	// --- HTTP server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("signaling"))

	corsConfig := cors.DefaultConfig()
	allowedOrigins := originList(cfg.AllowedOrigins)
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/ws", gateway.ServeWs(allowedOrigins, rl))

	api := router.Group("/api", rl.APIMiddleware())
	{
		api.GET("/turn-credentials", issuer.Handler())
		api.POST("/livekit/token", minter.Handler())
		api.GET("/presence", presenceHandler(reg))
		api.GET("/exists/:userId", existsHandler(users))
	}
	router.GET("/whoami", rl.APIMiddleware(), whoamiHandler(users))

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(busService, storageMode, users)
	router.GET("/health", healthHandler.Health)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful shutdown ---
	go func() {
		slog.Info("Signaling server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stopJanitor()
	gateway.Shutdown(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}

	slog.Info("Server exiting")
}

// originList splits the configured comma-separated origins, defaulting to
// the local dev frontend.
func originList(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// presenceHandler reports who is currently online, the REST twin of the
// presence_update socket event.
func presenceHandler(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		online := reg.OnlineList()
		list := make([]string, 0, len(online))
		for _, uid := range online {
			list = append(list, string(uid))
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "list": list})
	}
}

// whoamiHandler resolves an installId to its bound user, if any.
func whoamiHandler(users userstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		installID := c.Query("installId")
		if installID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "installId required"})
			return
		}
		u, err := users.ByInstall(c.Request.Context(), installID)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"ok": true, "userId": nil})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "userId": string(u.ID)})
	}
}

// existsHandler reports whether a userId is known.
func existsHandler(users userstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := types.UserID(c.Param("userId"))
		exists, err := users.Exists(c.Request.Context(), uid)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "lookup_failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "exists": exists})
	}
}
