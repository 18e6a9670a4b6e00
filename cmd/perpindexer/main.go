package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"PerpIndexer/internal/app"
	"PerpIndexer/internal/config"
	"PerpIndexer/internal/observability"
)

func main() {
	configPath := flag.String("config", envOr("PERP_CONFIG", "perpindexer.toml"), "path to the TOML config file")
	flag.Parse()

	logger := observability.NewLogger("perpindexer")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", *configPath).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("store", cfg.Store.Driver).
		Str("network", cfg.Protocol.Network).
		Msg("perpindexer starting")

	if err := app.New(cfg, logger).Run(ctx); err != nil {
		logger.Error().Err(err).Msg("perpindexer exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("perpindexer shutdown complete")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
