package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"keyhoney-serverless/internal/auth"
	"keyhoney-serverless/internal/challenge"
	"keyhoney-serverless/internal/db"
	"keyhoney-serverless/internal/email"
	"keyhoney-serverless/internal/kvstore"
	"keyhoney-serverless/internal/maintenance"
	"keyhoney-serverless/internal/observability"
	"keyhoney-serverless/internal/ratelimit"
	"keyhoney-serverless/internal/turnstile"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	sessionSecret, err := mustEnv("SESSION_SECRET")
	if err != nil {
		return nil, err
	}
	turnstileSecret, err := mustEnv("TURNSTILE_SECRET_KEY")
	if err != nil {
		return nil, err
	}
	mailFromEmail, err := mustEnv("MAIL_FROM_EMAIL")
	if err != nil {
		return nil, err
	}

	environment := envOrDefault("APP_ENV", "development")
	authBypass := EnvBoolOrDefault("AUTH_BYPASS", false)
	if authBypass && environment == "production" {
		return nil, fmt.Errorf("AUTH_BYPASS must not be enabled when APP_ENV is production")
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	kvStore := kvstore.NewPostgres(database)

	otpLimiter := ratelimit.New(
		kvStore,
		envIntOrDefault("OTP_RATE_LIMIT_MAX", 5),
		envSecondsOrDefault("OTP_RATE_LIMIT_WINDOW_SECONDS", 3600),
	)
	ipLimiter := ratelimit.New(
		kvStore,
		envIntOrDefault("IP_RATE_LIMIT_MAX", 100),
		envSecondsOrDefault("IP_RATE_LIMIT_WINDOW_SECONDS", 900),
	)
	failureLimiter := ratelimit.New(
		kvStore,
		envIntOrDefault("CHALLENGE_FAIL_LIMIT_MAX", 5),
		envSecondsOrDefault("CHALLENGE_FAIL_LIMIT_WINDOW_SECONDS", 900),
	)

	mailer := email.NewClient(mailFromEmail, envOrDefault("MAIL_FROM_NAME", "KeyHoney"), os.Getenv("MAILCHANNELS_API_KEY"))
	verifier := turnstile.NewClient(turnstileSecret)

	authRepo := auth.NewRepository(database)
	authService := auth.NewService(authRepo, kvStore, otpLimiter, mailer, sessionSecret)
	authService.WithOTPConfig(
		envIntOrDefault("OTP_LENGTH", 6),
		envSecondsOrDefault("OTP_TTL_SECONDS", 300),
	)
	authService.WithSessionConfig(
		envDaysOrDefault("SESSION_TTL_DAYS", 30),
		envOrDefault("SESSION_COOKIE_NAME", "kh_session"),
		environment == "production",
	)
	authService.WithAuthBypass(authBypass)
	authHandler := auth.NewHandler(authService, verifier)

	challengeRepo := challenge.NewRepository(database)
	challengeService := challenge.NewService(challengeRepo, failureLimiter)
	challengeService.WithQuizConfig(
		envIntOrDefault("CHALLENGE_QUESTION_COUNT", 3),
		envIntOrDefault("CHALLENGE_PASS_COUNT", 2),
		envDaysOrDefault("ENTITLEMENT_TTL_DAYS", 90),
	)
	challengeHandler := challenge.NewHandler(challengeService)
	adminHandler := challenge.NewAdminHandler(challengeService, os.Getenv("ADMIN_API_KEY"))

	cleanupHandler := maintenance.NewCleanupHandler(
		logger,
		os.Getenv("CRON_SECRET"),
		envIntOrDefault("CLEANUP_BATCH_SIZE", 500),
		map[string]maintenance.Sweeper{
			"kv_records":   kvStore,
			"sessions":     maintenance.SweeperFunc(authRepo.DeleteExpiredSessions),
			"entitlements": maintenance.SweeperFunc(challengeRepo.DeleteExpiredEntitlements),
		},
	)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/otp/request", ipLimiter.Middleware("ip", http.HandlerFunc(authHandler.RequestOTP)))
	mux.Handle("POST /auth/otp/verify", ipLimiter.Middleware("ip", http.HandlerFunc(authHandler.VerifyOTP)))
	mux.HandleFunc("GET /auth/session", authHandler.Session)
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.Handle("GET /challenge", authService.RequireSession(http.HandlerFunc(challengeHandler.Questions)))
	mux.Handle("POST /challenge", authService.RequireSession(http.HandlerFunc(challengeHandler.Submit)))
	mux.Handle("GET /entitlements", authService.RequireSession(http.HandlerFunc(challengeHandler.Entitlements)))
	mux.HandleFunc("POST /admin/challenge", adminHandler.BulkUpsert)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			observability.NoStoreMiddleware(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
