package query_test

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"PerpIndexer/internal/cache"
	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/projection"
	"PerpIndexer/internal/query"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
	"PerpIndexer/internal/testutil"
)

var (
	exchange = testutil.Addr(0xE0)
	market   = testutil.Addr(0x11)
	alice    = testutil.Addr(0xA1)
)

func q96Times(n int64) *big.Int {
	return new(big.Int).Mul(fpmath.NewQ96(), big.NewInt(n))
}

// seed applies a deposit and one long trade of 10 base at price 100.
func seed(t *testing.T) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	eng := core.NewEngine(m, core.Options{}, zerolog.Nop(), nil)
	for _, evt := range []event.Event{
		&event.Deposited{Envelope: testutil.Env(exchange, 1, 0), Trader: alice, Amount: big.NewInt(1000)},
		&event.PositionChanged{
			Envelope:               testutil.Env(exchange, 2, 0),
			Trader:                 alice,
			Market:                 market,
			Base:                   big.NewInt(10),
			Quote:                  big.NewInt(-1000),
			RealizedPnl:            big.NewInt(0),
			ProtocolFee:            big.NewInt(3),
			BaseBalancePerShareX96: fpmath.NewQ96(),
			SharePriceAfterX96:     q96Times(100),
		},
	} {
		if _, err := eng.Apply(context.Background(), evt); err != nil {
			t.Fatalf("apply %s: %v", evt.EventType(), err)
		}
	}
	return m
}

// settleFunding halves the market growth factor and sets a mark price,
// as a funding settlement would.
func settleFunding(t *testing.T, m *store.Memory, markPrice int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var mk state.Market
	if _, err := tx.Get(ctx, state.KindMarket, market, &mk); err != nil {
		t.Fatal(err)
	}
	mk.BaseBalancePerShareX96 = new(big.Int).Rsh(fpmath.NewQ96(), 1)
	mk.MarkPriceX96 = q96Times(markPrice)
	if err := tx.Put(ctx, state.KindMarket, market, &mk); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

func newService(r store.Reader) *query.QueryService {
	return query.NewQueryService(r, nil, query.Options{CollateralDecimals: 3})
}

func TestGetTrader(t *testing.T) {
	qs := newService(seed(t))

	// Lower-case input resolves to the checksummed row.
	tr, err := qs.GetTrader(context.Background(), strings.ToLower(alice))
	if err != nil {
		t.Fatalf("get trader: %v", err)
	}
	if tr.Collateral.Raw != "1000" || tr.Collateral.Decimal != "1" {
		t.Errorf("collateral: got %+v", tr.Collateral)
	}
	if tr.BadDebt.Raw != "0" || len(tr.Markets) != 1 || tr.Markets[0] != market {
		t.Errorf("trader: %+v", tr)
	}
	if tr.AsOfOrderKey != 2000 {
		t.Errorf("as of: got %d, want 2000", tr.AsOfOrderKey)
	}
}

func TestGetTrader_Errors(t *testing.T) {
	qs := newService(seed(t))
	ctx := context.Background()

	if _, err := qs.GetTrader(ctx, "not-an-address"); !errors.Is(err, query.ErrInvalidArgument) {
		t.Errorf("bad address: got %v, want ErrInvalidArgument", err)
	}
	if _, err := qs.GetTrader(ctx, testutil.Addr(0xDEAD)); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("unknown trader: got %v, want ErrNotFound", err)
	}
}

func TestGetPosition_RecomputesFromGrowthFactor(t *testing.T) {
	m := seed(t)
	qs := newService(m)
	ctx := context.Background()

	p, err := qs.GetPosition(ctx, alice, market)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if p.BaseBalance.Raw != "10" || p.EntryPrice.Decimal != "-100" || p.UnrealizedPnl != nil {
		t.Errorf("before funding: base=%s entry=%s pnl=%v", p.BaseBalance.Raw, p.EntryPrice.Decimal, p.UnrealizedPnl)
	}

	settleFunding(t, m, 120)

	p, err = qs.GetPosition(ctx, alice, market)
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if p.BaseBalanceShare != "10" || p.BaseBalance.Raw != "5" {
		t.Errorf("after funding: share=%s base=%s, want 10/5", p.BaseBalanceShare, p.BaseBalance.Raw)
	}
	if p.EntryPrice.Decimal != "-200" || p.MarkPrice.Decimal != "120" {
		t.Errorf("prices: entry=%s mark=%s", p.EntryPrice.Decimal, p.MarkPrice.Decimal)
	}
	if p.UnrealizedPnl == nil || p.UnrealizedPnl.Raw != "-400" || p.UnrealizedPnl.Decimal != "-0.4" {
		t.Errorf("unrealized pnl: got %+v, want -400", p.UnrealizedPnl)
	}
	if p.TradingVolume.Raw != "1000" {
		t.Errorf("volume: got %s", p.TradingVolume.Raw)
	}

	all, err := qs.GetPositions(ctx, alice)
	if err != nil || len(all) != 1 || all[0].BaseBalance.Raw != "5" {
		t.Errorf("positions: %v %+v", err, all)
	}
}

func TestGetMarketAndProtocol(t *testing.T) {
	qs := newService(seed(t))
	ctx := context.Background()

	mk, err := qs.GetMarket(ctx, market)
	if err != nil {
		t.Fatalf("market: %v", err)
	}
	if mk.Price.Decimal != "100" || mk.TradingVolume.Raw != "1000" {
		t.Errorf("market: price=%s volume=%s", mk.Price.Decimal, mk.TradingVolume.Raw)
	}
	list, err := qs.ListMarkets(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("list markets: %v %d", err, len(list))
	}

	p, err := qs.GetProtocol(ctx)
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	if p.ProtocolFee.Raw != "3" || p.TotalValueLocked.Raw != "1000" || p.TradingVolume.Raw != "1000" {
		t.Errorf("protocol: %+v", p)
	}

	s, err := qs.GetSolvency(ctx)
	if err != nil {
		t.Fatalf("solvency: %v", err)
	}
	// The fee was paid out of the pool.
	if s.TotalCollateral.Raw != "1000" || s.PoolNet.Raw != "-3" {
		t.Errorf("solvency: collateral=%s poolNet=%s", s.TotalCollateral.Raw, s.PoolNet.Raw)
	}

	rep, err := qs.VerifyIntegrity(ctx)
	if err != nil || !rep.Healthy {
		t.Errorf("integrity: %v %+v", err, rep)
	}
}

func TestGetCandles(t *testing.T) {
	qs := newService(seed(t))
	ctx := context.Background()
	start := testutil.BaseTime.Unix()

	cs, err := qs.GetCandles(ctx, market, 300, start, start+3000)
	if err != nil {
		t.Fatalf("candles: %v", err)
	}
	if len(cs) != 1 {
		t.Fatalf("candles: got %d, want 1", len(cs))
	}
	if cs[0].BucketStart != start || cs[0].Open.Decimal != "100" || cs[0].QuoteVolume.Raw != "1000" {
		t.Errorf("candle: %+v", cs[0])
	}

	bad := []struct {
		name       string
		resolution int64
		from, to   int64
	}{
		{"unknown resolution", 60, start, start + 60},
		{"inverted range", 300, start + 300, start},
		{"too wide", 300, start, start + 300*query.MaxCandles},
	}
	for _, b := range bad {
		if _, err := qs.GetCandles(ctx, market, b.resolution, b.from, b.to); !errors.Is(err, query.ErrInvalidArgument) {
			t.Errorf("%s: got %v, want ErrInvalidArgument", b.name, err)
		}
	}
}

func TestGetDaySummaries(t *testing.T) {
	qs := newService(seed(t))
	day := testutil.BaseTime

	ds, err := qs.GetDaySummaries(context.Background(), alice, day, day.Add(23*time.Hour))
	if err != nil {
		t.Fatalf("day summaries: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("days: got %d, want 1", len(ds))
	}
	if ds[0].Date != "2023-11-14" || ds[0].Trades != 1 || ds[0].ProtocolFee.Raw != "3" {
		t.Errorf("summary: %+v", ds[0])
	}
}

func TestGetEventLogAndStatus(t *testing.T) {
	qs := newService(seed(t))
	ctx := context.Background()

	st, err := qs.GetStatus(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.EventsApplied != 2 || st.LastOrderKey != 2000 || st.StateHash == "" {
		t.Errorf("status: %+v", st)
	}

	l, err := qs.GetEventLog(ctx, st.LastLogID)
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	if l.Kind != "PositionChanged" || l.StateHash != st.StateHash {
		t.Errorf("event log: kind=%s hash=%s", l.Kind, l.StateHash)
	}
	if _, err := qs.GetEventLog(ctx, "0xmissing-0"); !errors.Is(err, query.ErrNotFound) {
		t.Errorf("missing log: got %v, want ErrNotFound", err)
	}
}

func TestGetFundingHistory(t *testing.T) {
	ctx := context.Background()
	if _, err := newService(store.NewMemory()).GetFundingHistory(ctx, market, 10); !errors.Is(err, query.ErrUnavailable) {
		t.Errorf("no cache: got %v, want ErrUnavailable", err)
	}

	fh := projection.NewFundingHistory(cache.NewMemoryKV(), 10)
	fp := &event.FundingPaid{
		Envelope:                testutil.Env(market, 3, 0),
		FundingRateX96:          big.NewInt(1),
		ElapsedSec:              60,
		PremiumX96:              big.NewInt(2),
		MarkPriceX96:            big.NewInt(3),
		CumBasePerLiquidityX96:  big.NewInt(4),
		CumQuotePerLiquidityX96: big.NewInt(5),
	}
	if err := fh.Project(ctx, core.Result{Event: fp, Kind: fp.EventType(), LogID: fp.LogID(), OrderKey: fp.OrderKey()}); err != nil {
		t.Fatalf("project: %v", err)
	}
	qs := query.NewQueryService(store.NewMemory(), fh, query.Options{})
	got, err := qs.GetFundingHistory(ctx, market, 0)
	if err != nil || len(got) != 1 || got[0].ElapsedSec != 60 {
		t.Errorf("funding history: %v %+v", err, got)
	}
}
