package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/quizroom/backend/internal/auth"
	"github.com/quizroom/backend/internal/bus"
	"github.com/quizroom/backend/internal/catalog"
	"github.com/quizroom/backend/internal/config"
	"github.com/quizroom/backend/internal/gateway"
	"github.com/quizroom/backend/internal/health"
	"github.com/quizroom/backend/internal/hub"
	"github.com/quizroom/backend/internal/logging"
	"github.com/quizroom/backend/internal/middleware"
	"github.com/quizroom/backend/internal/ratelimit"
	"github.com/quizroom/backend/internal/repository"
	"github.com/quizroom/backend/internal/repository/migrations"
	"github.com/quizroom/backend/internal/types"
)

func main() {
	// Load .env for local development; production relies on real env vars.
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	development := cfg.DevelopmentMode || cfg.GoEnv == "development"
	if err := logging.Initialize(cfg.ServiceName, development); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	// --- Database ---
	if err := migrations.RunMigrations(ctx, cfg.DatabaseURL); err != nil {
		logging.Fatal(ctx, "database migration failed", zap.Error(err))
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "failed to open database", zap.Error(err))
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	defer db.Close()

	repo := repository.NewPostgres(db)
	if err := repo.Ping(ctx); err != nil {
		logging.Fatal(ctx, "database unreachable", zap.Error(err))
	}

	// --- Quiz catalog ---
	content := catalog.NewClient(cfg.CatalogURL, 5*time.Second)

	// --- Redis (optional): pub/sub bus + rate-limit store ---
	var busService types.BusService
	var busPinger health.BusPinger
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		b, err := bus.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Warn(ctx, "Redis unavailable, continuing in single-shard mode", zap.Error(err))
		} else {
			busService = b
			busPinger = b
			defer b.Close()
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
			defer redisClient.Close()
		}
	}

	// --- Auth ---
	var validator gateway.TokenValidator
	if cfg.SkipAuth {
		logging.Warn(ctx, "⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(cfg.JWTSecret)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
	}

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient, validator)
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	// --- Hub + Gateway ---
	h := hub.New(repo, content, busService)

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	gw := gateway.New(gateway.Config{
		Coordinator:    h,
		Repo:           repo,
		Validator:      validator,
		Limiter:        limiter,
		AllowedOrigins: allowedOrigins,
	})

	healthHandler := health.NewHandler(repo, busPinger)

	// --- Router ---
	if !development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("", gw.ServeWs)
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "quiz room server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}

	// Stop every room driver and close every connection after the HTTP
	// listener stops accepting upgrades.
	h.Shutdown(ctx)

	logging.Info(ctx, "server exiting")
}
