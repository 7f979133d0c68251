package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"custom-domain-reconciler/internal/clients"
	"custom-domain-reconciler/internal/config"
	"custom-domain-reconciler/internal/events"
	"custom-domain-reconciler/internal/handlers"
	"custom-domain-reconciler/internal/lease"
	"custom-domain-reconciler/internal/repository"
	"custom-domain-reconciler/internal/services"
	"custom-domain-reconciler/internal/workers"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "Loaded environment from .env")
	}

	// Load configuration
	cfg := config.NewConfig()

	initLogging(cfg)
	log.Info().Str("ssl_provider", string(cfg.SSL.Provider)).Msg("Starting custom-domain-reconciler")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	logrusLogger := newLogrusLogger(cfg)

	// Initialize database
	db, err := initDatabase(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}

	domainRepo := repository.NewDomainRepository(db)
	log.Info().Msg("Running database migrations")
	if err := domainRepo.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Leases are shared through Redis when it is reachable
	redisClient := initRedis(cfg)
	var locker lease.Locker
	if redisClient != nil {
		locker = lease.NewRedisLocker(redisClient, "custom-domain:lease:")
	} else {
		log.Warn().Msg("Redis unavailable, using in-process leases; run a single replica")
		locker = lease.NewMemoryLocker()
	}

	// Transition sinks
	broadcaster := events.NewBroadcaster()
	dispatcher := events.NewDispatcher()
	dispatcher.Add("broadcast", broadcaster)

	var natsPublisher *events.NATSPublisher
	if cfg.NATS.URL != "" {
		natsPublisher, err = events.NewNATSPublisher(events.NATSConfig{
			URL:    cfg.NATS.URL,
			Name:   "custom-domain-reconciler",
			Stream: cfg.NATS.Stream,
		}, logrusLogger)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize NATS publisher, events will not be published")
		} else {
			dispatcher.Add("nats", natsPublisher)
		}
	} else {
		log.Warn().Msg("NATS URL not configured, event publishing disabled")
	}

	provider, err := newCertificateProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize certificate provider")
	}
	guardedProvider := services.NewGuardedProvider(
		provider,
		cfg.SSL.ProviderTimeout,
		cfg.Scheduler.ProviderRate,
		cfg.Scheduler.ProviderBurst,
	)

	resolver := clients.NewDNSResolver(cfg.DNS.Resolvers, cfg.DNS.QueryTimeout)
	log.Info().Strs("resolvers", resolver.Servers()).Msg("DNS resolver initialized")

	guard := services.NewPolicyGuard(cfg, domainRepo)
	verifier := services.NewDNSVerifier(resolver)
	reconciler := services.NewReconciler(cfg, domainRepo, guard, verifier, guardedProvider, locker, dispatcher)
	domainService := services.NewDomainService(cfg, domainRepo, guard, reconciler, dispatcher)

	// Initialize handlers
	readiness := map[string]func(ctx context.Context) error{
		"database": domainRepo.Ping,
	}
	if redisClient != nil {
		readiness["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}
	domainHandlers := handlers.NewDomainHandlers(domainService)
	internalHandlers := handlers.NewInternalHandlers(domainService, broadcaster, readiness)

	router := setupRouter(cfg, domainHandlers, internalHandlers)

	// The event stream is long lived, so there is no write timeout.
	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconcileWorker := workers.NewReconciliationWorker(cfg, reconciler, logrusLogger)
	if err := reconcileWorker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start reconciliation worker")
	}

	cleanupWorker := workers.NewCleanupWorker(cfg.Cleanup, domainRepo, logrusLogger)
	if err := cleanupWorker.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start cleanup worker")
	}

	// Start server
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Let running ticks finish before the connections they use go away
	reconcileWorker.Stop()
	cleanupWorker.Stop()
	cancel()

	if natsPublisher != nil {
		natsPublisher.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if sqlDB, _ := db.DB(); sqlDB != nil {
		sqlDB.Close()
	}

	log.Info().Msg("Server exited")
}

// newCertificateProvider resolves the configured provider once, at startup
func newCertificateProvider(cfg *config.Config) (services.CertificateProvider, error) {
	switch cfg.SSL.Provider {
	case config.SSLProviderEdgeSaaS:
		cloudflareClient := clients.NewCloudflareClient(&cfg.Cloudflare)
		log.Info().Str("fallback_origin", cloudflareClient.FallbackOrigin()).Msg("Edge custom hostname provider initialized")
		return services.NewEdgeProvider(cloudflareClient), nil
	case config.SSLProviderACME:
		kubeClient, err := clients.NewKubernetesClient(cfg.ACME.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("kubernetes client for certificate store: %w", err)
		}
		store := clients.NewSecretStore(kubeClient, cfg.ACME.SecretNamespace)
		log.Info().
			Str("directory", cfg.ACME.DirectoryURL).
			Str("namespace", cfg.ACME.SecretNamespace).
			Msg("ACME provider initialized")
		return services.NewACMEProvider(clients.NewACMEClient(&cfg.ACME), store, cfg.SSL.RenewalWindow()), nil
	default:
		return nil, fmt.Errorf("unknown SSL provider %q", cfg.SSL.Provider)
	}
}

func initLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Server.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use JSON logging in production
	if cfg.Server.Mode != "release" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func newLogrusLogger(cfg *config.Config) *logrus.Logger {
	l := logrus.New()
	if cfg.Server.Mode == "release" {
		l.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		l.SetLevel(level)
	}
	return l
}

func initDatabase(cfg *config.Config) (*gorm.DB, error) {
	gormLogger := logger.Default.LogMode(logger.Warn)
	if cfg.Server.Mode == "release" {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

func initRedis(cfg *config.Config) *redis.Client {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse Redis URL, using defaults")
		opt = &redis.Options{
			Addr: fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		}
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("Failed to connect to Redis")
		client.Close()
		return nil
	}

	log.Info().Msg("Connected to Redis")
	return client
}

func setupRouter(cfg *config.Config, domainHandlers *handlers.DomainHandlers, internalHandlers *handlers.InternalHandlers) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	var allowedOrigins []string
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = splitAndTrim(origins, ",")
	}
	corsCfg := cors.Config{
		AllowOrigins:  allowedOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		ExposeHeaders: []string{"Content-Length", "X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowCredentials = true
	}
	router.Use(cors.New(corsCfg))

	handlers.RegisterRoutes(router, domainHandlers, internalHandlers)
	return router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
