package main

import (
	"context"
	"fmt"
	"os"

	"PerpIndexer/internal/config"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/persistence"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|status>")
		fmt.Println("  up     - apply all pending migrations")
		fmt.Println("  down   - roll back the last migration")
		fmt.Println("  status - list applied migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  PERP_CONFIG        - TOML config file (optional)")
		fmt.Println("  PERP_STORE_DRIVER  - postgres or sqlite")
		fmt.Println("  PERP_STORE_DSN     - connection string / database file")
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")
	cfg, err := config.Load(os.Getenv("PERP_CONFIG"))
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	d, err := persistence.DialectFor(cfg.Store.Driver)
	if err != nil {
		logger.Fatal().Err(err).Msg("store driver")
	}
	if cfg.Store.DSN == "" {
		logger.Fatal().Msg("PERP_STORE_DSN is required")
	}

	ctx := context.Background()
	st, err := persistence.Open(ctx, d, cfg.Store.DSN, persistence.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	migrator := persistence.NewMigrator(st.DB(), d, logger)

	switch os.Args[1] {
	case "up":
		n, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", n).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "status":
		versions, err := migrator.Applied(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate status")
		}
		for _, v := range versions {
			fmt.Println(v)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'status')\n", os.Args[1])
		os.Exit(1)
	}
}
