// Command replay backfills the entity store from a JSONL capture of decoded
// chain events and prints the resulting ledger reconciliation.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"PerpIndexer/internal/app"
	"PerpIndexer/internal/config"
	"PerpIndexer/internal/observability"
)

func main() {
	configPath := flag.String("config", os.Getenv("PERP_CONFIG"), "path to the TOML config file")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: replay [-config perpindexer.toml] <events.jsonl | ->")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logger := observability.NewLogger("replay")
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger = logger.Level(observability.ParseLogLevel(cfg.LogLevel))

	name := flag.Arg(0)
	var src io.Reader = os.Stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			logger.Fatal().Err(err).Msg("open input")
		}
		defer f.Close()
		src = f
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := app.New(cfg, logger).Replay(ctx, src, name)
	if err != nil {
		logger.Error().Err(err).Msg("replay failed")
		os.Exit(1)
	}
	logger.Info().
		Uint64("last_order_key", res.LastOrderKey).
		Uint64("events_applied", res.EventsApplied).
		Bool("healthy", res.Report.Healthy).
		Msg("replay complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res.Report)
	if !res.Report.Healthy {
		os.Exit(3)
	}
}
