package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fortexa/loginguard/internal/auth"
	"github.com/fortexa/loginguard/internal/background"
	"github.com/fortexa/loginguard/internal/config"
	"github.com/fortexa/loginguard/internal/database"
	"github.com/fortexa/loginguard/internal/geo"
	"github.com/fortexa/loginguard/internal/handlers"
	"github.com/fortexa/loginguard/internal/messaging"
	"github.com/fortexa/loginguard/internal/metrics"
	middlewareCustom "github.com/fortexa/loginguard/internal/middleware"
	"github.com/fortexa/loginguard/internal/models"
	"github.com/fortexa/loginguard/internal/ratestore"
	"github.com/fortexa/loginguard/internal/repositories"
	"github.com/fortexa/loginguard/internal/routes"
	"github.com/fortexa/loginguard/internal/services"
	pkghttp "github.com/fortexa/loginguard/pkg/http"
	pkglogger "github.com/fortexa/loginguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

const (
	// challengeSweepInterval is how often unanswered challenges are reverted
	challengeSweepInterval = 30 * time.Second
	// challengeRetention keeps resolved challenges around for investigation
	challengeRetention = 7 * 24 * time.Hour
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := db.Migrate(ctx)
		cancel()
		if err != nil {
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	m := metrics.New()
	auditLogger := pkglogger.NewAuditLogger(logger)

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		defer redisClient.Close()
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	attemptRepo := repositories.NewLoginAttemptRepository(db)
	ipRepo := repositories.NewIPAddressRepository(db)
	deviceRepo := repositories.NewTrustedDeviceRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	ruleRepo := repositories.NewSecurityRuleRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)
	challengeRepo := repositories.NewMFAChallengeRepository(db)
	mfaDeviceRepo := repositories.NewMFADeviceRepository(db)
	windowRepo := repositories.NewRateLimitWindowRepository(db)

	cleanupManager := background.NewCleanupManager(logger)

	// Rate limit windows
	var windows services.WindowStore
	switch cfg.Security.RateLimit.Backend {
	case "redis":
		if redisClient == nil {
			logger.Error("RATE_LIMIT_BACKEND=redis needs REDIS_ADDR")
			os.Exit(1)
		}
		windows = ratestore.NewRedisStore(redisClient)
	case "memory":
		mem := ratestore.NewMemoryStore()
		maxAge := longestWindow(cfg.Security.RateLimit)
		cleanupManager.Add(background.Job{
			Name:     "rate_limit_windows",
			Interval: cfg.Auth.CleanupInterval,
			Run: func(context.Context) error {
				if n := mem.Sweep(time.Now(), maxAge); n > 0 {
					logger.Info("cleanup completed", slog.String("job", "rate_limit_windows"), slog.Int("windows_deleted", n))
				}
				return nil
			},
		})
		windows = mem
	default:
		maxAge := longestWindow(cfg.Security.RateLimit)
		cleanupManager.Sweep("rate_limit_windows", cfg.Auth.CleanupInterval, func(ctx context.Context, now time.Time) (int64, error) {
			return windowRepo.DeleteStale(ctx, now.Add(-maxAge), now)
		})
		windows = windowRepo
	}
	logger.Info("rate limit backend selected", slog.String("backend", cfg.Security.RateLimit.Backend))

	// Geolocation and threat intel
	intelService, closeIntel, err := newIntelService(cfg, redisClient, cleanupManager, logger)
	if err != nil {
		logger.Error("failed to initialize threat intel", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeIntel()

	// Notifications
	emailService, err := newEmailService(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	publisher := messaging.NewEventPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.BatchTimeout, cfg.Kafka.Enabled, logger)
	defer publisher.Close()

	sinks := []services.EventSink{services.NewAuditSink(auditLogger), services.NewBusSink(publisher)}
	if cfg.Email.Enabled {
		minSeverity, ok := models.ParseSeverity(cfg.Email.MinAlertSeverity)
		if !ok {
			minSeverity = models.SeverityHigh
		}
		sinks = append(sinks, services.NewAlertSink(emailService, minSeverity, cfg.Email.AdminAlertTo))
	}
	notifier := services.NewNotificationService(cfg.Security.Pipeline.NotificationQueue, cfg.Security.Pipeline.NotificationWorkers, m, logger, sinks...)
	notifier.Start()

	// Initialize token manager
	tokenManager := auth.NewTokenManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)

	// Enable composite signing with per-user TokenKey
	tokenManager.SetUserRepo(userRepo)

	totpManager, err := newTOTPManager(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize totp", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize services
	security := cfg.Security
	events := services.NewEventRecorder(eventRepo, notifier, m)
	rateLimitService := services.NewRateLimitService(windows, security.RateLimit, m, logger)
	ipService := services.NewIPReputationService(ipRepo, intelService, security.Reputation, logger)
	deviceService := services.NewDeviceService(deviceRepo, security.Challenge.TrustedDeviceTTL)
	sessionService := services.NewSessionService(sessionRepo, cfg.Auth.RefreshTokenExpiry, logger)
	accountService := services.NewAccountLockService(userRepo, revokeRepo, security.Lockout, cfg.Auth.AccessTokenExpiry, m, logger)
	accountService.SetSessions(sessionService)
	ruleEngine := services.NewRuleEngine(ruleRepo, events, m, logger)
	challengeService := services.NewMFAChallengeService(
		challengeRepo,
		mfaDeviceRepo,
		totpManager,
		accountService,
		deviceService,
		ipService,
		attemptRepo,
		events,
		emailService,
		db,
		security.Challenge,
		security.Pipeline.AttemptRetention,
		m,
		logger,
	)
	guard := services.NewLoginGuardService(services.LoginGuardDeps{
		Tx:         db,
		Limiter:    rateLimitService,
		IPs:        ipService,
		Devices:    deviceService,
		Evaluator:  services.NewRiskEvaluator(security.Risk),
		Rules:      ruleEngine,
		Accounts:   accountService,
		Challenges: challengeService,
		History:    attemptRepo,
		Sessions:   sessionService,
		Events:     events,
		Audit:      auditLogger,
		Metrics:    m,
	}, security, logger)

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:    cfg.Auth.TimingDelayBaseMs,
		RandomDelayMs:  cfg.Auth.TimingDelayRandomMs,
		DelayOnSuccess: cfg.Auth.TimingDelayOnSuccess,
	})
	authService := services.NewAuthService(userRepo, tokenManager, revokeRepo, guard, challengeService, sessionService, timingDelay, logger, auditLogger)
	mfaService := services.NewMFAService(mfaDeviceRepo, totpManager, logger)
	adminService := services.NewAdminService(db, eventRepo, attemptRepo, userRepo, ipService, accountService, rateLimitService, events, auditLogger, logger)

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ruleEngine.Reload(startupCtx); err != nil {
		logger.Error("failed to load security rules", slog.Any("error", err))
	}
	// Bootstrap first admin user if configured
	if err := authService.EnsureAdmin(startupCtx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword); err != nil {
		logger.Error("failed to ensure admin user", slog.Any("error", err))
	}
	startupCancel()

	// Maintenance
	cleanupManager.Sweep("revoked_tokens", cfg.Auth.CleanupInterval, revokeRepo.CleanupExpiredTokens)
	cleanupManager.Sweep("login_attempts", cfg.Auth.CleanupInterval, attemptRepo.DeleteExpired)
	cleanupManager.Sweep("trusted_devices", cfg.Auth.CleanupInterval, deviceRepo.DeleteExpired)
	cleanupManager.Sweep("user_sessions", cfg.Auth.CleanupInterval, sessionRepo.DeleteExpired)
	cleanupManager.Sweep("mfa_challenges", cfg.Auth.CleanupInterval, func(ctx context.Context, now time.Time) (int64, error) {
		return challengeRepo.DeleteResolvedBefore(ctx, now.Add(-challengeRetention))
	})
	cleanupManager.Add(background.Job{
		Name:     "challenge_expiry",
		Interval: challengeSweepInterval,
		Run: func(ctx context.Context) error {
			_, err := challengeService.ExpireDue(ctx)
			return err
		},
	})
	cleanupManager.Add(background.Job{
		Name:     "rule_sync",
		Interval: security.Pipeline.RuleReloadInterval,
		Run: func(ctx context.Context) error {
			_, err := ruleEngine.Sync(ctx)
			return err
		},
	})

	// Initialize handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	h := routes.Handlers{
		Auth:          handlers.NewAuthHandler(authService, ipConfig),
		MFA:           handlers.NewMFAHandler(mfaService, logger),
		Devices:       handlers.NewDeviceHandler(deviceService),
		SecurityAdmin: handlers.NewSecurityAdminHandler(adminService),
		Rules:         handlers.NewRuleHandler(ruleEngine),
		Metrics:       m.Handler(),
		Health:        healthHandler(db),
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, m))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	// Register routes
	routes.RegisterRoutes(router, h, routes.Dependencies{
		TokenManager:     tokenManager,
		Users:            userRepo,
		Revocations:      revokeRepo,
		RevocationConfig: auth.RevocationConfig{FailClosed: cfg.Auth.RevocationFailClosed},
		APILimiter:       rateLimitService,
		AuthRateLimit:    middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.AuthRequestsPerMinute},
		IPConfig:         ipConfig,
		Logger:           logger,
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start maintenance jobs
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	cleanupManager.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	cleanupCancel()
	cleanupManager.Stop()

	// Deliver what the last requests queued
	if err := notifier.Shutdown(shutdownCtx); err != nil {
		logger.Warn("notification queue not drained", slog.Any("error", err))
	}

	logger.Info("server stopped gracefully")
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// longestWindow is the age after which no idle window can matter any more
func longestWindow(cfg config.RateLimitConfig) time.Duration {
	var longest time.Duration
	for _, p := range cfg.Policies() {
		longest = max(longest, p.Window+p.Penalty)
	}
	return longest
}

// newIntelService wires geolocation, threat intel and their cache. Without a
// City database location signals stay neutral.
func newIntelService(cfg *config.Config, redisClient *redis.Client, cm *background.CleanupManager, logger *slog.Logger) (*geo.Service, func(), error) {
	ti := cfg.Security.ThreatIntel
	closeFn := func() {}

	var resolver geo.Resolver
	if cfg.GeoIP.CityDBPath != "" {
		mm, err := geo.OpenMaxMind(cfg.GeoIP.CityDBPath, cfg.GeoIP.AnonymousDBPath)
		if err != nil {
			return nil, closeFn, err
		}
		resolver = mm
		closeFn = func() { _ = mm.Close() }
	} else {
		logger.Warn("GEOIP_CITY_DB_PATH not set, geolocation disabled")
	}

	intel, err := geo.NewThreatIntel(ti.MaliciousCIDRs, ti.DNSBLZones, nil)
	if err != nil {
		return nil, closeFn, err
	}
	if ti.TorExitListURL != "" {
		client := &http.Client{Timeout: 30 * time.Second}
		cm.Add(background.Job{
			Name:     "tor_exit_refresh",
			Interval: ti.TorRefreshEvery,
			Run: func(ctx context.Context) error {
				n, err := intel.RefreshTorExits(ctx, client, ti.TorExitListURL)
				if err != nil {
					return err
				}
				logger.Info("tor exit list refreshed", slog.Int("exits", n))
				return nil
			},
		})
	}

	var cache geo.Cache = geo.NewMemoryCache()
	if redisClient != nil {
		cache = geo.NewRedisCache(redisClient)
	}

	return geo.NewService(resolver, intel, cache, ti.LookupTimeout, ti.CacheTTL, logger), closeFn, nil
}

func newEmailService(cfg *config.Config, logger *slog.Logger) (services.EmailService, error) {
	if !cfg.Email.Enabled {
		return services.NewLogEmailService(logger), nil
	}
	return services.NewAWSSESEmailService(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
}

// newTOTPManager decodes MFA_ENCRYPTION_KEY. Outside production a missing key
// is replaced by a random one, which makes enrolled authenticators unusable
// after a restart.
func newTOTPManager(cfg *config.Config, logger *slog.Logger) (*auth.TOTPManager, error) {
	var key []byte
	if cfg.MFA.EncryptionKey != "" {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(cfg.MFA.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("MFA_ENCRYPTION_KEY is not valid base64: %w", err)
		}
		key = decoded
	} else {
		if cfg.Server.Env == "production" {
			return nil, errors.New("MFA_ENCRYPTION_KEY is required in production")
		}
		logger.Warn("MFA_ENCRYPTION_KEY not set, using an ephemeral key")
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	return auth.NewTOTPManager(key, cfg.MFA.Issuer)
}

func healthHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	}
}
