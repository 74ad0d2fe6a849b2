package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"authflow/core"
	"authflow/core/providers"
	"authflow/storage"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	Core core.Config `yaml:",inline"`

	Google providers.GoogleConfig `yaml:"google" envPrefix:"AUTHFLOW_GOOGLE_"`
	Yandex providers.YandexConfig `yaml:"yandex" envPrefix:"AUTHFLOW_YANDEX_"`
	GitHub providers.GitHubConfig `yaml:"github" envPrefix:"AUTHFLOW_GITHUB_"`
	OIDC   []providers.OIDCConfig `yaml:"oidc"`

	// MockProvider registers the in-process fixture provider, for local development
	MockProvider bool `yaml:"mock_provider"`

	DB        DBConfig        `yaml:"db"`
	Ephemeral EphemeralConfig `yaml:"ephemeral"`
	Signup    SignupConfig    `yaml:"signup"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Port      string          `yaml:"port" env:"AUTHFLOW_PORT"`
}

type DBConfig struct {
	Type       string            `yaml:"type"` // sqlite, postgres, ydb, memory, mock
	SQLitePath string            `yaml:"sqlite_path"`
	DSN        string            `yaml:"dsn" env:"AUTHFLOW_DB_DSN"`
	YDB        storage.YDBConfig `yaml:"ydb"`
}

type EphemeralConfig struct {
	Type  string              `yaml:"type"` // sql (same database), redis, memory
	Redis storage.RedisConfig `yaml:"redis"`
}

type SignupConfig struct {
	AllowedEmailDomains []string `yaml:"allowed_email_domains"`
}

type RateLimitConfig struct {
	core.RateLimitConfig `yaml:",inline"`
	Disabled             bool `yaml:"disabled"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"AUTHFLOW_LOG_LEVEL"`
}

type JanitorConfig struct {
	Interval int `yaml:"interval"` // seconds
}

func main() {
	configPath := getEnv("CONFIG_PATH", "config.yaml")
	appConfig, err := loadConfig(configPath)
	if err != nil {
		slog.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	logger := newLogger(appConfig.Log.Level)
	slog.SetDefault(logger)

	if err := run(appConfig, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(appConfig *AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := &appConfig.Core

	repo, closeRepo, err := initRepository(ctx, appConfig.DB, logger)
	if err != nil {
		return err
	}
	defer closeRepo()

	ephemeral, closeEphemeral, err := initEphemeralStore(ctx, appConfig.Ephemeral, repo, logger)
	if err != nil {
		return err
	}
	defer closeEphemeral()

	registry, err := initProviders(ctx, appConfig, logger)
	if err != nil {
		return err
	}

	crypto, err := core.NewCryptoService(config.Crypto.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to initialize crypto service: %w", err)
	}

	metrics, err := core.NewMetrics(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	hooks := core.NewHooks(logger)
	if domains := appConfig.Signup.AllowedEmailDomains; len(domains) > 0 {
		hooks.OnBeforeSignup(core.AllowEmailDomains(domains...))
		logger.Info("signup restricted to email domains", "domains", domains)
	}
	hooks.OnAfterSignup(core.LogSignups(logger))

	authService := core.NewAuthService(repo, ephemeral, config, registry, crypto,
		core.WithHooks(hooks),
		core.WithMetrics(metrics),
		core.WithLogger(logger),
	)
	server := core.NewServer(authService, config)

	var limiter *core.RateLimiter
	if !appConfig.RateLimit.Disabled {
		limiter = core.NewRateLimiter(appConfig.RateLimit.RateLimitConfig, logger)
		defer limiter.Stop()
	}

	janitor := core.NewJanitor(repo, ephemeral, time.Duration(appConfig.Janitor.Interval)*time.Second, logger)
	go janitor.Run(ctx)

	httpServer := &http.Server{
		Addr:              ":" + appConfig.Port,
		Handler:           core.NewRouter(server, limiter, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting authflow server",
			"port", appConfig.Port,
			"providers", registry.Names())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := AppConfig{Port: "8080"}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets usually come from the environment
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := config.Core.ApplyDefaults(); err != nil {
		return nil, err
	}

	return &config, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

type sqlBacked interface {
	core.Repository
	core.EphemeralStore
}

func initRepository(ctx context.Context, dbConfig DBConfig, logger *slog.Logger) (core.Repository, func(), error) {
	noop := func() {}

	var repo *storage.SQLRepository
	var err error

	kind := strings.ToLower(dbConfig.Type)
	switch kind {
	case "sqlite":
		repo, err = storage.NewSQLiteRepository(dbConfig.SQLitePath)

	case "postgres":
		repo, err = storage.NewPostgresRepository(ctx, dbConfig.DSN)

	case "ydb":
		ydbConfig := dbConfig.YDB
		if ydbConfig.DSN == "" {
			ydbConfig.DSN = dbConfig.DSN
		}
		repo, err = storage.NewYDBRepository(ctx, ydbConfig)

	case "memory":
		logger.Info("using in-memory repository")
		return storage.NewMemoryRepository(), noop, nil

	case "mock":
		logger.Info("using mock repository (in-memory, seeded)")
		return storage.NewMockRepository(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported db type %q (supported: sqlite, postgres, ydb, memory, mock)", dbConfig.Type)
	}

	if err != nil {
		return nil, noop, fmt.Errorf("failed to initialize %s repository: %w", dbConfig.Type, err)
	}
	attrs := []any{"type", kind}
	if kind == "sqlite" {
		attrs = append(attrs, "path", dbConfig.SQLitePath)
	}
	logger.Info("database opened", attrs...)
	return repo, func() { _ = repo.Close() }, nil
}

func initEphemeralStore(ctx context.Context, cfg EphemeralConfig, repo core.Repository, logger *slog.Logger) (core.EphemeralStore, func(), error) {
	noop := func() {}

	kind := strings.ToLower(cfg.Type)
	if kind == "" {
		kind = "sql"
	}

	switch kind {
	case "sql":
		if store, ok := repo.(sqlBacked); ok {
			logger.Info("ephemeral entries stored in the database")
			return store, noop, nil
		}
		logger.Warn("database has no ephemeral table, falling back to memory")
		return storage.NewMemoryEphemeralStore(), noop, nil

	case "redis":
		store, err := storage.NewRedisEphemeralStore(ctx, cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("ephemeral entries stored in redis", "addr", cfg.Redis.Addr)
		return store, func() { _ = store.Close() }, nil

	case "memory":
		logger.Info("ephemeral entries stored in memory")
		return storage.NewMemoryEphemeralStore(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported ephemeral store %q (supported: sql, redis, memory)", cfg.Type)
	}
}

func initProviders(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (*core.ProviderRegistry, error) {
	var list []core.AuthProvider

	if cfg.Google.Enabled() {
		withCallback(&cfg.Google.ClientConfig, &cfg.Core, core.ProviderGoogle)
		list = append(list, providers.NewGoogleProvider(&cfg.Google))
	}

	if cfg.Yandex.Enabled() {
		withCallback(&cfg.Yandex.ClientConfig, &cfg.Core, core.ProviderYandex)
		list = append(list, providers.NewYandexProvider(&cfg.Yandex))
	}

	if cfg.GitHub.Enabled() {
		withCallback(&cfg.GitHub.ClientConfig, &cfg.Core, core.ProviderGitHub)
		list = append(list, providers.NewGitHubProvider(&cfg.GitHub))
	}

	for i := range cfg.OIDC {
		oidcConfig := &cfg.OIDC[i]
		withCallback(&oidcConfig.ClientConfig, &cfg.Core, core.Provider(oidcConfig.Name))
		p, err := providers.NewOIDCProvider(ctx, oidcConfig)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}

	if cfg.MockProvider {
		logger.Warn("mock provider enabled")
		list = append(list, providers.NewMockProvider())
	}

	if len(list) == 0 {
		return nil, errors.New("no providers configured")
	}
	return core.NewProviderRegistry(list...), nil
}

func withCallback(cc *providers.ClientConfig, config *core.Config, provider core.Provider) {
	if cc.RedirectURI == "" {
		cc.RedirectURI = config.CallbackURL(provider)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
