package candle_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"PerpIndexer/internal/candle"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
)

func mustRepo(t *testing.T, m *store.Memory) (*store.Repo, store.Tx) {
	t.Helper()
	tx, err := m.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return store.NewRepo(tx), tx
}

func commit(t *testing.T, repo *store.Repo, tx store.Tx) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		t, r, want int64
	}{
		{0, 300, 0},
		{299, 300, 0},
		{300, 300, 300},
		{1_700_000_123, 3600, 1_699_999_200},
		{1_700_000_123, 86400, 1_699_920_000},
		{-1, 300, -300},
	}
	for _, tt := range tests {
		if got := candle.BucketStart(tt.t, tt.r); got != tt.want {
			t.Errorf("BucketStart(%d, %d): got %d, want %d", tt.t, tt.r, got, tt.want)
		}
	}
}

func TestUpsert_CreatesAllResolutions(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	agg := candle.NewAggregator(nil)
	repo, tx := mustRepo(t, m)

	ts := time.Unix(1_700_000_123, 0)
	if err := agg.Upsert(ctx, repo, "0xM", ts, big.NewInt(100), big.NewInt(3), big.NewInt(300), 7); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	commit(t, repo, tx)

	if got := m.Len(state.KindCandle); got != len(candle.Resolutions) {
		t.Fatalf("candles: got %d, want %d", got, len(candle.Resolutions))
	}
	var c state.Candle
	found, _ := m.Get(ctx, state.KindCandle, state.CandleID("0xM", 3600, 1_699_999_200), &c)
	if !found {
		t.Fatal("hourly bucket missing")
	}
	if c.Open.Int64() != 100 || c.BaseAmount.Int64() != 3 || c.QuoteAmount.Int64() != 300 {
		t.Errorf("hourly: open=%s base=%s quote=%s", c.Open, c.BaseAmount, c.QuoteAmount)
	}
	if c.BlockNumber != 7 || c.Timestamp != ts.UnixMilli() {
		t.Errorf("stamp: block=%d ts=%d", c.BlockNumber, c.Timestamp)
	}
}

func TestUpsert_MergesWithinBucket(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	agg := candle.NewAggregator(nil)
	base := time.Unix(1_700_000_100, 0)

	prices := []int64{100, 130, 70, 90}
	for i, p := range prices {
		repo, tx := mustRepo(t, m)
		ts := base.Add(time.Duration(i) * 10 * time.Second)
		if err := agg.Upsert(ctx, repo, "0xM", ts, big.NewInt(p), big.NewInt(1), big.NewInt(-1), uint64(i)); err != nil {
			t.Fatal(err)
		}
		commit(t, repo, tx)
	}

	got, err := candle.Range(ctx, m, "0xM", 300, 0, 2_000_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("5m buckets: got %d, want 1", len(got))
	}
	c := got[0]
	if c.Open.Int64() != 100 || c.High.Int64() != 130 || c.Low.Int64() != 70 || c.Close.Int64() != 90 {
		t.Errorf("ohlc: %s %s %s %s", c.Open, c.High, c.Low, c.Close)
	}
	if c.BaseAmount.Int64() != 4 || c.QuoteAmount.Int64() != -4 {
		t.Errorf("volume: base=%s quote=%s", c.BaseAmount, c.QuoteAmount)
	}
}

func TestRange_OrdersByBucketStart(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	agg := candle.NewAggregator(nil)

	// 900 sorts after 3000 lexically; Range must order numerically
	for _, sec := range []int64{3000, 900, 300} {
		repo, tx := mustRepo(t, m)
		if err := agg.Upsert(ctx, repo, "0xM", time.Unix(sec, 0), big.NewInt(1), big.NewInt(0), big.NewInt(0), 1); err != nil {
			t.Fatal(err)
		}
		commit(t, repo, tx)
	}
	got, err := candle.Range(ctx, m, "0xM", 300, 0, 3000)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{300, 900, 3000}
	if len(got) != len(want) {
		t.Fatalf("got %d buckets, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].BucketStart != want[i] {
			t.Errorf("bucket %d: got %d, want %d", i, got[i].BucketStart, want[i])
		}
	}

	got, _ = candle.Range(ctx, m, "0xM", 300, 600, 1000)
	if len(got) != 1 || got[0].BucketStart != 900 {
		t.Errorf("windowed range: got %d buckets", len(got))
	}
}

func TestPriceX96(t *testing.T) {
	half := new(big.Int).Rsh(fpmath.Q96, 1)
	sharePrice := new(big.Int).Mul(big.NewInt(3), fpmath.Q96)

	got, err := candle.PriceX96(sharePrice, half)
	if err != nil {
		t.Fatal(err)
	}
	want := new(big.Int).Mul(big.NewInt(6), fpmath.Q96)
	if got.Cmp(want) != 0 {
		t.Errorf("got %s, want %s", got, want)
	}
	if _, err := candle.PriceX96(sharePrice, big.NewInt(0)); err == nil {
		t.Error("zero growth factor must fail")
	}
}
