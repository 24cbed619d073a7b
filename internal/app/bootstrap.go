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

	"budget-service/internal/auth"
	"budget-service/internal/budget"
	"budget-service/internal/db"
	"budget-service/internal/maintenance"
	"budget-service/internal/observability"
	"budget-service/internal/person"
)

// publicPrefixes lists the routes the request gate bypasses entirely. The
// lockout status endpoint guards itself with an operator secret instead of
// user tokens.
var publicPrefixes = []string{"/login", "/register", "/public/", "/internal/"}

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
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development")); err != nil {
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

	store := person.NewStore(database)
	codec := auth.NewTokenCodec(
		jwtSecret,
		envHoursOrDefault("ACCESS_TOKEN_TTL_HOURS", 24),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	ledger := auth.NewLockoutLedger(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOCKOUT_DURATION_MINUTES", 15),
	)

	authHandler := auth.NewHandler(store, codec, ledger, logger)
	gate := auth.NewRequestGate(store, codec, logger, publicPrefixes)
	personHandler := person.NewHandler(store, logger)
	ledgerHandler := budget.NewHandler(budget.NewPostgresRepository(database))
	lockoutStatus := maintenance.NewLockoutStatusHandler(ledger, logger, os.Getenv("OPS_SECRET"))

	if err := bootstrapAdmin(store, os.Getenv("ADMIN_USERNAME"), os.Getenv("ADMIN_PASSWORD")); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", authHandler.Login)
	mux.HandleFunc("POST /refresh-token", authHandler.Refresh)
	mux.HandleFunc("POST /register", personHandler.Register)
	mux.HandleFunc("GET /public/health", healthHandler(database))
	mux.HandleFunc("GET /v1/ledgers", ledgerHandler.List)
	mux.HandleFunc("POST /v1/ledgers", ledgerHandler.Create)
	mux.HandleFunc("PUT /v1/ledgers/{id}", ledgerHandler.Update)
	mux.HandleFunc("DELETE /v1/ledgers/{id}", ledgerHandler.Delete)
	mux.HandleFunc("GET /internal/auth/lockouts", lockoutStatus.Handle)

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			gate.Middleware(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func bootstrapAdmin(store *person.Store, username, password string) error {
	username = strings.TrimSpace(username)
	password = strings.TrimSpace(password)

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	return store.UpsertAdmin(context.Background(), auth.NormalizeIdentity(username), password)
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

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
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
