package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/org/secretsync/internal/api"
	"github.com/org/secretsync/internal/storage"
)

type config struct {
	ListenAddr      string  `yaml:"listen_addr"`
	TLSCertFile     string  `yaml:"tls_cert"`
	TLSKeyFile      string  `yaml:"tls_key"`
	DBUrl           string  `yaml:"db_url"`
	Storage         string  `yaml:"storage"`
	MigrationsDir   string  `yaml:"migrations_dir"`
	LogLevel        string  `yaml:"log_level"`
	SerializePushes bool    `yaml:"serialize_pushes"`
	RateLimitRPS    float64 `yaml:"rate_limit_rps"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfgFile := "config.yaml"
	if v := os.Getenv("SECRETSYNC_CONFIG"); v != "" {
		cfgFile = v
	}

	defaults := api.DefaultConfig()
	cfg := config{
		ListenAddr:      defaults.ListenAddr,
		Storage:         "postgres",
		LogLevel:        "info",
		SerializePushes: defaults.SerializePushes,
		RateLimitRPS:    defaults.RateLimitRPS,
		RateLimitBurst:  defaults.RateLimitBurst,
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("SECRETSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx := context.Background()

	var store storage.StorageBackend
	switch cfg.Storage {
	case "memory":
		log.Warn().Msg("using in-memory storage; all data is lost on exit")
		store = storage.NewMemoryBackend()
	case "postgres":
		if cfg.DBUrl == "" {
			log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
		}
		if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
		log.Info().Msg("migrations applied")

		pg, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		store = pg
	default:
		log.Fatal().Str("storage", cfg.Storage).Msg("storage must be postgres or memory")
	}
	defer store.Close()

	srv := api.NewServer(store, api.Config{
		ListenAddr:      cfg.ListenAddr,
		TLSCertFile:     cfg.TLSCertFile,
		TLSKeyFile:      cfg.TLSKeyFile,
		SerializePushes: cfg.SerializePushes,
		RateLimitRPS:    cfg.RateLimitRPS,
		RateLimitBurst:  cfg.RateLimitBurst,
	})

	initialized, err := store.IsInitialized(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to check init state")
	}
	if !initialized {
		log.Info().Msg("not yet initialized - POST /v1/sys/init to obtain the root token")
	}
	if !cfg.SerializePushes {
		log.Warn().Msg("serialize_pushes is off; concurrent pushes to one workspace may fail on snapshot conflicts")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
