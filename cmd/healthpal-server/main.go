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

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/healthpal/healthpal-api/internal/config"
	"github.com/healthpal/healthpal-api/internal/domain/account"
	"github.com/healthpal/healthpal-api/internal/domain/assistant"
	"github.com/healthpal/healthpal-api/internal/domain/identity"
	"github.com/healthpal/healthpal-api/internal/platform/auth"
	"github.com/healthpal/healthpal-api/internal/platform/db"
	"github.com/healthpal/healthpal-api/internal/platform/metrics"
	"github.com/healthpal/healthpal-api/internal/platform/middleware"
	"github.com/healthpal/healthpal-api/internal/platform/realtime"
	"github.com/healthpal/healthpal-api/internal/platform/sanitize"
)

const (
	version         = "1.0.0"
	apiBodyLimit    = "1M"
	apiTimeout      = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "healthpal-server",
		Short: "HealthPal telehealth API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HealthPal API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations (postgres store only)",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := migrationTarget()
			if err != nil {
				return err
			}
			if err := db.MigrateUp(url); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := migrationTarget()
			if err != nil {
				return err
			}
			if err := db.MigrateDown(url); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rolled back one migration.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := migrationTarget()
			if err != nil {
				return err
			}
			v, dirty, err := db.MigrationVersion(url)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version: %d dirty: %t\n", v, dirty)
			return nil
		},
	})

	return cmd
}

func migrationTarget() (string, error) {
	cfg, err := config.Load()
	if err != nil {
		return "", err
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return "", fmt.Errorf("migrations require STORE_DRIVER=%s, got %q", config.StoreDriverPostgres, cfg.StoreDriver)
	}
	if cfg.DatabaseURL == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	return cfg.DatabaseURL, nil
}

// server holds everything the HTTP surface needs. Optional collaborators
// (federated, generator) stay nil when not configured.
type server struct {
	cfg       *config.Config
	logger    zerolog.Logger
	repo      identity.Repository
	store     db.Pinger
	hasher    identity.PasswordHasher
	tokens    *auth.TokenService
	federated account.FederatedVerifier
	generator assistant.Generator
	broker    *realtime.Broker
	registry  *prometheus.Registry
	collector *metrics.Collector
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg != nil && cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := newLogger(nil)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open identity store")
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	srv := &server{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		store:     store,
		hasher:    auth.NewBcryptHasher(bcrypt.DefaultCost),
		tokens:    auth.NewTokenService([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.TokenTTL),
		broker:    realtime.NewBroker(realtime.WithObserver(collector), realtime.WithLogger(logger)),
		registry:  registry,
		collector: collector,
	}
	if cfg.FederatedEnabled() {
		srv.federated = auth.NewFirebaseVerifier(cfg.FirebaseProjectID, cfg.FirebaseJWKSURL)
	} else {
		logger.Warn().Msg("FIREBASE_PROJECT_ID not set, Google sign-in disabled")
	}
	if cfg.AssistantEnabled() {
		srv.generator = assistant.NewGeminiClient(cfg.GeminiBaseURL, cfg.GeminiAPIKey, cfg.GeminiModel)
	} else {
		logger.Warn().Msg("GEMINI_API_KEY not set, health assistant disabled")
	}

	if cfg.RedisURL != "" {
		rdb, err := startBridge(ctx, cfg.RedisURL, srv.broker, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start realtime bridge")
		}
		defer rdb.Close()
	}

	e := srv.router()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// openStore connects the identity store selected by STORE_DRIVER. The
// returned close function releases the underlying connections.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (identity.Repository, db.Pinger, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMongo:
		client, err := db.NewMongoClient(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, nil, err
		}
		closeFn := func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := client.Disconnect(ctx); err != nil {
				logger.Error().Err(err).Msg("mongo disconnect failed")
			}
		}
		repo := identity.NewRepoMongo(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, nil, fmt.Errorf("ensure identity indexes: %w", err)
		}
		logger.Info().Str("database", cfg.MongoDatabase).Msg("connected to mongo")
		return repo, db.MongoPinger{Client: client}, closeFn, nil

	case config.StoreDriverPostgres:
		if cfg.AutoMigrate {
			if err := db.MigrateUp(cfg.DatabaseURL); err != nil {
				return nil, nil, nil, fmt.Errorf("auto migrate: %w", err)
			}
			logger.Info().Msg("migrations applied")
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Msg("connected to database")
		return identity.NewRepoPG(pool), pool, pool.Close, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// startBridge fans room traffic out across instances through Redis.
func startBridge(ctx context.Context, redisURL string, broker *realtime.Broker, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	bridge := realtime.NewRedisBridge(rdb, broker, logger)
	broker.SetPublisher(bridge)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("realtime bridge stopped")
		}
	}()
	logger.Info().Str("node", bridge.NodeID()).Msg("realtime bridge started")
	return rdb, nil
}

// router builds the HTTP surface: global middleware, health and metrics
// endpoints, the realtime socket and the /api groups.
func (s *server) router() *echo.Echo {
	cfg := s.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(s.logger, cfg.IsDev())

	e.Use(middleware.Recovery(s.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(s.logger))
	e.Use(s.collector.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
	}))
	e.Use(middleware.Sanitize(s.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "healthpal-api",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(cfg.StoreDriver, s.store))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))

	wsCfg := realtime.HandlerConfig{AllowedOrigins: cfg.CORSOrigins}
	if cfg.RealtimeRequireAuth {
		wsCfg.Tokens = s.tokens
	}
	realtime.NewHandler(s.broker, wsCfg, s.logger).RegisterRoutes(e)

	protect := auth.Protect(s.tokens)
	clean := sanitize.NewText()

	api := e.Group("/api", middleware.BodyLimit(apiBodyLimit), middleware.RequestTimeout(apiTimeout))
	authGroup := api.Group("/auth", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.AuthRateLimitRPS,
		BurstSize:         cfg.AuthRateLimitBurst,
	}))
	adminGroup := api.Group("/admin")
	aiGroup := api.Group("/ai")

	accountSvc := account.NewService(s.repo, s.tokens, s.federated, s.hasher, clean, s.logger)
	accountSvc.SetRecorder(s.collector)
	account.NewHandler(accountSvc).RegisterRoutes(authGroup, protect)

	identitySvc := identity.NewService(s.repo, s.hasher, clean)
	identity.NewHandler(identitySvc).RegisterRoutes(authGroup, adminGroup, protect)

	assistant.NewHandler(s.generator, s.logger).RegisterRoutes(aiGroup, protect)

	return e
}
