package app_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/app"
	"PerpIndexer/internal/config"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
	"PerpIndexer/internal/testutil"
)

var (
	exchange = testutil.Addr(0xE0)
	alice    = testutil.Addr(0xA1)
)

func wire(t *testing.T, name string, block uint64, args map[string]any) string {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"event":           name,
		"txHash":          testutil.TxHash(int64(block)),
		"blockNumber":     block,
		"logIndex":        0,
		"blockTimestamp":  int64(1700000000) + int64(block)*12,
		"contractAddress": exchange,
		"args":            args,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func stream(t *testing.T) string {
	return strings.Join([]string{
		wire(t, "Deposited", 1, map[string]any{"trader": alice, "amount": "1000"}),
		wire(t, "Withdrawn", 2, map[string]any{"trader": alice, "amount": "300"}),
		wire(t, "SomethingElse", 3, map[string]any{}),
		wire(t, "Deposited", 1, map[string]any{"trader": alice, "amount": "1000"}),
	}, "\n")
}

func newApp(cfg *config.Config) *app.App {
	reg := prometheus.NewRegistry()
	return app.NewWithRegistry(cfg, zerolog.Nop(), reg, reg)
}

func TestReplayInto_Memory(t *testing.T) {
	cfg := config.Defaults()
	mem := store.NewMemory()

	res, err := newApp(&cfg).ReplayInto(context.Background(), mem, strings.NewReader(stream(t)), "stream.jsonl")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.LastOrderKey != 2000 || res.EventsApplied != 2 {
		t.Errorf("checkpoint: got %d/%d, want 2000/2", res.LastOrderKey, res.EventsApplied)
	}
	if !res.Report.Healthy {
		t.Errorf("report unhealthy: %+v", res.Report)
	}

	var tr state.Trader
	if found, err := mem.Get(context.Background(), state.KindTrader, alice, &tr); err != nil || !found {
		t.Fatalf("trader: found=%v err=%v", found, err)
	}
	if got := tr.CollateralBalance.Int64(); got != 700 {
		t.Errorf("collateral: got %d, want 700", got)
	}
}

func TestReplay_SQLiteResumes(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = filepath.Join(t.TempDir(), "perp.db")
	ctx := context.Background()

	first, err := newApp(&cfg).Replay(ctx, strings.NewReader(stream(t)), "a.jsonl")
	if err != nil {
		t.Fatalf("first replay: %v", err)
	}
	if first.EventsApplied != 2 {
		t.Fatalf("first: got %d events, want 2", first.EventsApplied)
	}

	// A second run over the same file only sees duplicates.
	second, err := newApp(&cfg).Replay(ctx, strings.NewReader(stream(t)), "a.jsonl")
	if err != nil {
		t.Fatalf("second replay: %v", err)
	}
	if second.EventsApplied != 2 || second.LastOrderKey != 2000 {
		t.Errorf("second: got %d/%d, want 2/2000", second.EventsApplied, second.LastOrderKey)
	}
	if !second.Report.Healthy {
		t.Errorf("report unhealthy: %+v", second.Report)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	if _, _, err := app.OpenStore(context.Background(), config.StoreConfig{Driver: "mongo"}, zerolog.Nop(), nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
