package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/clinicore/authtoken/pkg/audit"
	"github.com/clinicore/authtoken/pkg/authapi"
	pkgconfig "github.com/clinicore/authtoken/pkg/config"
	"github.com/clinicore/authtoken/pkg/keystore"
	"github.com/clinicore/authtoken/pkg/password"
	"github.com/clinicore/authtoken/pkg/ratelimit"
	"github.com/clinicore/authtoken/pkg/refresh"
	"github.com/clinicore/authtoken/pkg/signingkeys"
	"github.com/clinicore/authtoken/pkg/tokengenerator"
	"github.com/clinicore/authtoken/pkg/wellknown"
)

type ServerConfig struct {
	Host string `env:"AUTHD_HOST" env-default:"0.0.0.0"`
	Port uint16 `env:"AUTHD_PORT" env-default:"4000"`
}

type PgConfig struct {
	Enabled  bool   `env:"AUTHD_PG_ENABLED" env-default:"false"`
	Host     string `env:"AUTHD_PG_HOST" env-default:"localhost"`
	Port     uint16 `env:"AUTHD_PG_PORT" env-default:"5432"`
	Database string `env:"AUTHD_PG_DATABASE" env-default:"authtoken_db"`
	User     string `env:"AUTHD_PG_USER" env-default:"authtoken"`
	Password string `env:"AUTHD_PG_PASSWORD" env-default:"pwd"`
}

func (c PgConfig) toDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// BootstrapConfig optionally seeds one account so a fresh deployment can log
// in. Intended for local runs; production points UserStore at the directory.
type BootstrapConfig struct {
	Username string `env:"AUTHD_BOOTSTRAP_USERNAME"`
	Password string `env:"AUTHD_BOOTSTRAP_PASSWORD"`
	TenantID string `env:"AUTHD_BOOTSTRAP_TENANT" env-default:"default"`
	Email    string `env:"AUTHD_BOOTSTRAP_EMAIL"`
}

type Config struct {
	BaseURL         string `env:"BASE_URL" env-default:"http://localhost:4000"`
	ServerConfig    ServerConfig
	PgConfig        PgConfig
	KeysConfig      pkgconfig.KeysConfig
	JWTConfig       pkgconfig.JWTConfig
	RefreshConfig   pkgconfig.RefreshConfig
	RateLimitConfig pkgconfig.RateLimitConfig
	LockoutConfig   pkgconfig.LockoutConfig
	BootstrapConfig BootstrapConfig
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded configuration from .env file")
	}

	config := Config{}
	cleanenv.ReadEnv(&config)

	if errs := pkgconfig.ValidateKeyWindows(config.KeysConfig, config.JWTConfig); errs.HasErrors() {
		slog.Error("Invalid configuration", "error", errs.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	recorder := audit.NewRecorder()

	// Signing keys: a load failure is fatal, the process must not serve
	// without a valid key.
	store, err := keystore.NewFileStore(config.KeysConfig.DataDir)
	if err != nil {
		slog.Error("Failed to open key store", "error", err)
		os.Exit(1)
	}
	managerConfig, err := buildManagerConfig(config.KeysConfig)
	if err != nil {
		slog.Error("Invalid key lifecycle configuration", "error", err)
		os.Exit(1)
	}
	publisher := signingkeys.NewPublisher()
	manager := signingkeys.NewManager(store, publisher, managerConfig, signingkeys.WithAuditRecorder(recorder))
	if err := manager.Initialize(ctx); err != nil {
		slog.Error("Failed to initialize signing keys", "error", err)
		os.Exit(1)
	}

	checkInterval, err := config.KeysConfig.ParseCheckInterval()
	if err != nil {
		slog.Error("Invalid KEY_CHECK_INTERVAL", "error", err)
		os.Exit(1)
	}
	scheduler := signingkeys.NewScheduler(manager, checkInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// Token issuance and the refresh ledger.
	accessTTL, _ := config.JWTConfig.ParseAccessTokenExpiry()
	refreshTTL, _ := config.JWTConfig.ParseRefreshTokenExpiry()
	issuer := tokengenerator.NewIssuer(manager, config.JWTConfig.Issuer, config.JWTConfig.Audience,
		tokengenerator.WithAccessTokenExpiry(accessTTL),
		tokengenerator.WithRefreshTokenExpiry(refreshTTL),
	)

	repository, cleanup, err := buildRepository(ctx, config.PgConfig)
	if err != nil {
		slog.Error("Failed to set up refresh-token storage", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	users := buildUserStore(config.BootstrapConfig)
	refreshService := refresh.NewService(repository, issuer, authapi.NewStoreResolver(users),
		refresh.WithRotation(config.RefreshConfig.RotateOnRedeem),
		refresh.WithAuditRecorder(recorder),
	)
	startSweeper(ctx, refreshService, config.RefreshConfig)

	// Throttling and lockouts.
	guardConfig, err := config.RateLimitConfig.BuildMiddlewareConfig(config.LockoutConfig)
	if err != nil {
		slog.Error("Invalid rate limit configuration", "error", err)
		os.Exit(1)
	}
	guards := ratelimit.NewMiddleware(guardConfig, ratelimit.WithMiddlewareAuditRecorder(recorder))

	accountWindow, err := config.LockoutConfig.ParseAccountWindow()
	if err != nil {
		slog.Error("Invalid LOCKOUT_ACCOUNT_WINDOW", "error", err)
		os.Exit(1)
	}
	// An account lockout lasts exactly the counting window: once it elapses
	// without further failures, a correct login goes through.
	accountLockout := ratelimit.NewLockoutTracker(config.LockoutConfig.AccountThreshold, accountWindow, accountWindow)

	handle := authapi.NewHandle(users, password.NewBcryptHasher(bcrypt.DefaultCost), issuer, refreshService, accountLockout,
		authapi.WithAuditRecorder(recorder),
		authapi.WithGuards(guards),
	)
	discovery := wellknown.NewHandler(wellknown.Config{
		Issuer:  config.JWTConfig.Issuer,
		BaseURL: config.BaseURL,
	}, publisher)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	handle.Routes(r)
	discovery.RegisterRoutes(r)

	addr := fmt.Sprintf("%s:%d", config.ServerConfig.Host, config.ServerConfig.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Auth token service listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}

func buildManagerConfig(keys pkgconfig.KeysConfig) (signingkeys.Config, error) {
	lifetime, err := keys.ParseKeyLifetime()
	if err != nil {
		return signingkeys.Config{}, fmt.Errorf("KEY_LIFETIME: %w", err)
	}
	retention, err := keys.ParseRetention()
	if err != nil {
		return signingkeys.Config{}, fmt.Errorf("KEY_RETENTION: %w", err)
	}
	opTimeout, err := keys.ParseOperationTimeout()
	if err != nil {
		return signingkeys.Config{}, fmt.Errorf("KEY_OPERATION_TIMEOUT: %w", err)
	}

	return signingkeys.Config{
		KeyLifetime:       lifetime,
		Retention:         retention,
		KeyBits:           keys.KeyBits,
		GenerateIfMissing: keys.GenerateIfMissing,
		OperationTimeout:  opTimeout,
	}, nil
}

// buildRepository picks PostgreSQL when configured, otherwise the in-memory
// ledger. The returned cleanup closes the pool.
func buildRepository(ctx context.Context, cfg PgConfig) (refresh.Repository, func(), error) {
	if !cfg.Enabled {
		slog.Info("Using in-memory refresh-token storage")
		return refresh.NewInMemoryRepository(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.toDatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, refresh.Schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply refresh-token schema: %w", err)
	}

	slog.Info("Using PostgreSQL refresh-token storage", "host", cfg.Host, "database", cfg.Database)
	return refresh.NewPgRepository(pool), pool.Close, nil
}

func buildUserStore(bootstrap BootstrapConfig) *authapi.InMemoryUserStore {
	users := authapi.NewInMemoryUserStore()
	if bootstrap.Username == "" || bootstrap.Password == "" {
		return users
	}

	hasher := password.NewBcryptHasher(bcrypt.DefaultCost)
	hash, err := hasher.Hash(bootstrap.Password)
	if err != nil {
		slog.Error("Failed to hash bootstrap password", "error", err)
		return users
	}
	users.Add(authapi.User{
		ID:           uuid.New(),
		Username:     bootstrap.Username,
		Email:        bootstrap.Email,
		TenantID:     bootstrap.TenantID,
		PasswordHash: hash,
		Roles:        []string{"admin"},
		Active:       true,
	})
	slog.Info("Seeded bootstrap user", "tenant", bootstrap.TenantID)
	return users
}

// startSweeper prunes expired refresh records in the background.
func startSweeper(ctx context.Context, service *refresh.Service, cfg pkgconfig.RefreshConfig) {
	interval, err := pkgconfig.ParseDuration(cfg.SweepInterval)
	if err != nil || interval <= 0 {
		slog.Warn("Refresh sweep disabled", "interval", cfg.SweepInterval, "error", err)
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := service.SweepExpired(ctx)
				if err != nil {
					slog.Error("Refresh sweep failed", "error", err)
					continue
				}
				if removed > 0 {
					slog.Info("Swept expired refresh sessions", "removed", removed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
