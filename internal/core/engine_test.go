package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/history"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/store"
	"PerpIndexer/internal/testutil"
)

var (
	exchange = testutil.Addr(0xE0)
	market   = testutil.Addr(0x11)
	alice    = testutil.Addr(0xA1)
	bob      = testutil.Addr(0xB0)
)

// --- Test helpers ---

func newEngine(t *testing.T, opts core.Options) (*core.Engine, *store.Memory) {
	t.Helper()
	m := store.NewMemory()
	return core.NewEngine(m, opts, zerolog.Nop(), nil), m
}

func mustApply(t *testing.T, eng *core.Engine, evt event.Event) core.Result {
	t.Helper()
	res, err := eng.Apply(context.Background(), evt)
	if err != nil {
		t.Fatalf("apply %s: %v", evt.EventType(), err)
	}
	return res
}

func mustGet[T any](t *testing.T, r store.Reader, kind state.Kind, id string) T {
	t.Helper()
	var v T
	found, err := r.Get(context.Background(), kind, id, &v)
	if err != nil {
		t.Fatalf("get %s/%s: %v", kind, id, err)
	}
	if !found {
		t.Fatalf("get %s/%s: not found", kind, id)
	}
	return v
}

func collateral(t *testing.T, r store.Reader, trader string) *big.Int {
	t.Helper()
	return mustGet[state.Trader](t, r, state.KindTrader, trader).CollateralBalance
}

func mustDeposited(block uint64, trader string, amount int64) *event.Deposited {
	return &event.Deposited{Envelope: testutil.Env(exchange, block, 0), Trader: trader, Amount: big.NewInt(amount)}
}

func mustWithdrawn(block uint64, trader string, amount int64) *event.Withdrawn {
	return &event.Withdrawn{Envelope: testutil.Env(exchange, block, 0), Trader: trader, Amount: big.NewInt(amount)}
}

func mustPositionChanged(env event.Envelope, trader string, base, quote, pnl, fee int64, bbps, sharePrice *big.Int) *event.PositionChanged {
	return &event.PositionChanged{
		Envelope:               env,
		Trader:                 trader,
		Market:                 market,
		Base:                   big.NewInt(base),
		Quote:                  big.NewInt(quote),
		RealizedPnl:            big.NewInt(pnl),
		ProtocolFee:            big.NewInt(fee),
		BaseBalancePerShareX96: bbps,
		SharePriceAfterX96:     sharePrice,
	}
}

func mustLiquidityAddedMarket(block uint64, base, quote, liquidity int64) *event.LiquidityAddedMarket {
	return &event.LiquidityAddedMarket{
		Envelope:  testutil.Env(market, block, 0),
		Base:      big.NewInt(base),
		Quote:     big.NewInt(quote),
		Liquidity: big.NewInt(liquidity),
	}
}

func mustLiquidated(block uint64, trader, liquidator string) *event.PositionLiquidated {
	return &event.PositionLiquidated{
		Envelope:               testutil.Env(exchange, block, 0),
		Trader:                 trader,
		Market:                 market,
		Liquidator:             liquidator,
		Base:                   big.NewInt(-10),
		Quote:                  big.NewInt(1000),
		RealizedPnl:            big.NewInt(500),
		ProtocolFee:            big.NewInt(10),
		BaseBalancePerShareX96: fpmath.NewQ96(),
		SharePriceAfterX96:     fpmath.NewQ96(),
		LiquidationPenalty:     big.NewInt(50),
		LiquidationReward:      big.NewInt(20),
		InsuranceFundReward:    big.NewInt(5),
	}
}

func seedProtocol(t *testing.T, m *store.Memory, insurance int64) {
	t.Helper()
	ctx := context.Background()
	tx, err := m.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p := state.NewProtocol(state.ProtocolMeta{})
	p.InsuranceFundBalance = big.NewInt(insurance)
	if err := tx.Put(ctx, state.KindProtocol, p.ID, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}
}

// --- Idempotence ---

func TestApply_DuplicateIsNoOp(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	dep := mustDeposited(1, alice, 100)

	first := mustApply(t, eng, dep)
	if first.Duplicate || first.StateHash == "" {
		t.Fatalf("first apply: duplicate=%v hash=%q", first.Duplicate, first.StateHash)
	}
	second := mustApply(t, eng, dep)
	if !second.Duplicate {
		t.Fatal("second apply should be a duplicate")
	}
	if got := collateral(t, m, alice); got.Int64() != 100 {
		t.Errorf("collateral: got %s, want 100", got)
	}
	if _, err := eng.ApplyStrict(context.Background(), dep); !errors.Is(err, core.ErrDuplicateApplication) {
		t.Errorf("strict: got %v, want ErrDuplicateApplication", err)
	}
	if got := eng.Checkpoint().EventsApplied; got != 1 {
		t.Errorf("events applied: got %d, want 1", got)
	}
}

func TestApply_DuplicateDetectedFromEventLog(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	dep := mustDeposited(1, alice, 100)
	mustApply(t, eng, dep)

	// cold cache: only the persisted EventLog knows about the event
	cold := core.NewEngine(m, core.Options{}, zerolog.Nop(), nil)
	res := mustApply(t, cold, dep)
	if !res.Duplicate {
		t.Fatal("redelivery to a cold engine should be a duplicate")
	}
	if got := collateral(t, m, alice); got.Int64() != 100 {
		t.Errorf("collateral: got %s, want 100", got)
	}
}

// --- Conservation ---

func TestApply_CollateralConservation(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	ctx := context.Background()

	type step struct {
		evt     event.Event
		netFlow int64
	}
	steps := []step{
		{mustDeposited(1, alice, 1000), 1000},
		{mustDeposited(2, bob, 500), 1500},
		{mustWithdrawn(3, alice, 300), 1200},
		{&event.ProtocolFeeTransferred{Envelope: testutil.Env(exchange, 4, 0), Trader: bob, Amount: big.NewInt(50)}, 1200},
		{&event.InsuranceFundTransferred{Envelope: testutil.Env(exchange, 5, 0), Trader: alice, Amount: big.NewInt(20)}, 1200},
		{mustWithdrawn(6, bob, 600), 600},
	}

	for i, s := range steps {
		mustApply(t, eng, s.evt)

		recs, err := m.List(ctx, state.KindTrader, "")
		if err != nil {
			t.Fatal(err)
		}
		total := new(big.Int)
		for _, rec := range recs {
			var tr state.Trader
			if err := json.Unmarshal(rec.Body, &tr); err != nil {
				t.Fatal(err)
			}
			total.Add(total, tr.CollateralBalance)
		}
		p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
		total.Add(total, p.ProtocolFee)
		total.Add(total, p.InsuranceFundBalance)

		if total.Int64() != s.netFlow {
			t.Errorf("step %d: collateral+fee+insurance = %s, want %d", i, total, s.netFlow)
		}
		if p.TotalValueLocked.Int64() != s.netFlow {
			t.Errorf("step %d: tvl = %s, want %d", i, p.TotalValueLocked, s.netFlow)
		}
	}

	tr := mustGet[state.Trader](t, m, state.KindTrader, bob)
	if tr.BadDebt().Int64() != 50 {
		t.Errorf("bob bad debt: got %s, want 50", tr.BadDebt())
	}
}

func TestApply_ProtocolFeeTransferFromInsuranceFund(t *testing.T) {
	eng, m := newEngine(t, core.Options{ProtocolFeeDebit: core.FeeDebitInsuranceFund})
	mustApply(t, eng, &event.ProtocolFeeTransferred{Envelope: testutil.Env(exchange, 1, 0), Trader: bob, Amount: big.NewInt(50)})

	p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
	if p.ProtocolFee.Sign() != 0 || p.InsuranceFundBalance.Int64() != -50 {
		t.Errorf("protocol: fee=%s insurance=%s", p.ProtocolFee, p.InsuranceFundBalance)
	}
}

// --- Taker settlement ---

func TestApply_ShareBalanceConsistency(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()

	growth := []*big.Int{
		q96,
		new(big.Int).Div(new(big.Int).Mul(q96, big.NewInt(99)), big.NewInt(100)),
		new(big.Int).Div(new(big.Int).Mul(q96, big.NewInt(97)), big.NewInt(100)),
	}
	bases := []int64{1_000_003, -250_001, 7}
	for i, g := range growth {
		env := testutil.Env(exchange, uint64(i+1), 0)
		mustApply(t, eng, mustPositionChanged(env, alice, bases[i], -bases[i]*100, 0, 0, g, q96))

		mk := mustGet[state.Market](t, m, state.KindMarket, market)
		tk := mustGet[state.TraderTakerInfo](t, m, state.KindTakerInfo, state.TraderMarketID(alice, market))
		want, err := fpmath.MulDiv(tk.BaseBalanceShare, mk.BaseBalancePerShareX96, fpmath.Q96)
		if err != nil {
			t.Fatal(err)
		}
		if tk.BaseBalance.Cmp(want) != 0 {
			t.Errorf("trade %d: baseBalance %s, want %s", i, tk.BaseBalance, want)
		}
		pos := mustGet[state.Position](t, m, state.KindPosition, state.TraderMarketID(alice, market))
		if pos.BaseBalance.Cmp(want) != 0 {
			t.Errorf("trade %d: position baseBalance %s, want %s", i, pos.BaseBalance, want)
		}
	}

	mustApply(t, eng, &event.FundingPaid{
		Envelope:                testutil.Env(market, uint64(len(growth)+1), 0),
		FundingRateX96:          new(big.Int).Div(q96, big.NewInt(100)),
		PremiumX96:              big.NewInt(0),
		MarkPriceX96:            q96,
		CumBasePerLiquidityX96:  big.NewInt(0),
		CumQuotePerLiquidityX96: big.NewInt(0),
	})
	shareBalancesInSync(t, m, alice, "funding")
}

// shareBalancesInSync checks every stored share-denominated row of trader
// against the market's current growth factor.
func shareBalancesInSync(t *testing.T, m *store.Memory, trader, step string) {
	t.Helper()
	ctx := context.Background()
	bbps := mustGet[state.Market](t, m, state.KindMarket, market).BaseBalancePerShareX96
	id := state.TraderMarketID(trader, market)
	check := func(kind state.Kind, share, balance *big.Int) {
		t.Helper()
		want, err := fpmath.MulDiv(share, bbps, fpmath.Q96)
		if err != nil {
			t.Fatal(err)
		}
		if balance.Cmp(want) != 0 {
			t.Errorf("%s: %s balance %s, want %s", step, kind, balance, want)
		}
	}

	var tk state.TraderTakerInfo
	if ok, _ := m.Get(ctx, state.KindTakerInfo, id, &tk); ok {
		check(state.KindTakerInfo, tk.BaseBalanceShare, tk.BaseBalance)
	}
	var pos state.Position
	if ok, _ := m.Get(ctx, state.KindPosition, id, &pos); ok {
		check(state.KindPosition, pos.BaseShare, pos.BaseBalance)
	}
	var h state.PositionHistory
	if ok, _ := m.Get(ctx, state.KindPositionHistory, id, &h); ok {
		check(state.KindPositionHistory, h.BaseShare, h.BaseBalance)
	}
	var mk state.TraderMakerInfo
	if ok, _ := m.Get(ctx, state.KindMakerInfo, id, &mk); ok {
		check(state.KindMakerInfo, mk.BaseDebtShare, mk.BaseDebtBalance)
	}
}

func TestApply_GrowthChangeResyncsEveryTrader(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()
	ctx := context.Background()

	mustApply(t, eng, mustLiquidityAddedMarket(1, 1_000_000, 1_000_000, 500_000))
	mustApply(t, eng, mustPositionChanged(testutil.Env(exchange, 2, 0), alice, 1_000_000, -100_000_000, 0, 0, q96, q96))
	mustApply(t, eng, &event.LiquidityRemovedExchange{
		Envelope:               testutil.Env(exchange, 3, 0),
		Trader:                 bob,
		Market:                 market,
		Liquidator:             bob,
		Base:                   big.NewInt(0),
		Quote:                  big.NewInt(0),
		Liquidity:              big.NewInt(0),
		TakerBase:              big.NewInt(40_003),
		TakerQuote:             big.NewInt(-4_000_300),
		RealizedPnl:            big.NewInt(0),
		BaseBalancePerShareX96: q96,
		SharePriceAfterX96:     q96,
	})

	mustApply(t, eng, &event.FundingPaid{
		Envelope:                testutil.Env(market, 4, 0),
		FundingRateX96:          new(big.Int).Div(q96, big.NewInt(100)),
		PremiumX96:              big.NewInt(0),
		MarkPriceX96:            q96,
		CumBasePerLiquidityX96:  big.NewInt(0),
		CumQuotePerLiquidityX96: big.NewInt(0),
	})
	for _, tr := range []string{alice, bob} {
		shareBalancesInSync(t, m, tr, "after funding")
	}

	tk := mustGet[state.TraderTakerInfo](t, m, state.KindTakerInfo, state.TraderMarketID(alice, market))
	if tk.BaseBalance.Int64() != 990_000 || tk.BlockNumber != 4 {
		t.Errorf("alice taker: balance %s block %d, want 990000 at 4", tk.BaseBalance, tk.BlockNumber)
	}
	mk := mustGet[state.TraderMakerInfo](t, m, state.KindMakerInfo, state.TraderMarketID(bob, market))
	if mk.BaseDebtBalance.Int64() != 39_602 || mk.BlockNumber != 4 {
		t.Errorf("bob maker: debt %s block %d, want 39602 at 4", mk.BaseDebtBalance, mk.BlockNumber)
	}
	var pos state.Position
	if ok, err := m.Get(ctx, state.KindPosition, state.TraderMarketID(bob, market), &pos); err != nil || ok {
		t.Errorf("resync must not create rows: found=%v err=%v", ok, err)
	}

	// A taker event carrying a new growth factor moves every other trader too.
	g := new(big.Int).Div(new(big.Int).Mul(q96, big.NewInt(97)), big.NewInt(100))
	mustApply(t, eng, mustPositionChanged(testutil.Env(exchange, 5, 0), bob, 7, -700, 0, 0, g, q96))
	for _, tr := range []string{alice, bob} {
		shareBalancesInSync(t, m, tr, "after trade")
	}
	h := mustGet[state.PositionHistory](t, m, state.KindPositionHistory, state.TraderMarketID(alice, market))
	if h.BlockNumber != 5 {
		t.Errorf("alice history stamp: got block %d, want 5", h.BlockNumber)
	}
}

func TestApply_PositionChangedBooksEveryRow(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()
	mustApply(t, eng, mustDeposited(1, alice, 1000))
	mustApply(t, eng, mustPositionChanged(testutil.Env(exchange, 2, 0), alice, 10, -1000, 0, 3, q96, q96))
	mustApply(t, eng, mustPositionChanged(testutil.Env(exchange, 3, 0), alice, -10, 1200, 200, 4, q96, q96))

	if got := collateral(t, m, alice); got.Int64() != 1200 {
		t.Errorf("collateral: got %s, want 1200", got)
	}
	tk := mustGet[state.TraderTakerInfo](t, m, state.KindTakerInfo, state.TraderMarketID(alice, market))
	if tk.BaseBalanceShare.Sign() != 0 || tk.QuoteBalance.Sign() != 0 || tk.EntryPriceX96.Sign() != 0 {
		t.Errorf("flat taker: share=%s quote=%s entry=%s", tk.BaseBalanceShare, tk.QuoteBalance, tk.EntryPriceX96)
	}
	p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
	if p.ProtocolFee.Int64() != 7 || p.TradingVolume.Int64() != 2200 {
		t.Errorf("protocol: fee=%s volume=%s", p.ProtocolFee, p.TradingVolume)
	}
	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.TradingVolume.Int64() != 2200 {
		t.Errorf("market volume: got %s, want 2200", mk.TradingVolume)
	}
	if mk.BlockNumber != 3 {
		t.Errorf("market stamp: got block %d, want 3", mk.BlockNumber)
	}
	tr := mustGet[state.Trader](t, m, state.KindTrader, alice)
	if len(tr.Markets) != 1 || tr.Markets[0] != market {
		t.Errorf("markets: got %v", tr.Markets)
	}
	h := mustGet[state.PositionHistory](t, m, state.KindPositionHistory, state.TraderMarketID(alice, market))
	if h.Entries != 2 || h.RealizedPnl.Int64() != 200 || h.ProtocolFee.Int64() != 7 {
		t.Errorf("history: entries=%d pnl=%s fee=%s", h.Entries, h.RealizedPnl, h.ProtocolFee)
	}
}

func TestApply_CandleBoundsHold(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()
	ts := testutil.BaseTime.Add(time.Hour)

	for i, p := range []int64{100, 130, 70, 90, 150, 60} {
		price := new(big.Int).Mul(big.NewInt(p), q96)
		env := testutil.EnvAt(exchange, uint64(i+1), 0, ts.Add(time.Duration(i)*time.Second))
		mustApply(t, eng, mustPositionChanged(env, alice, 1, -p, 0, 0, q96, price))
	}

	recs, err := m.List(context.Background(), state.KindCandle, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("candles: got %d, want one per resolution", len(recs))
	}
	for _, rec := range recs {
		var c state.Candle
		if err := json.Unmarshal(rec.Body, &c); err != nil {
			t.Fatal(err)
		}
		for _, v := range []*big.Int{c.Open, c.Close} {
			if c.Low.Cmp(v) > 0 || c.High.Cmp(v) < 0 {
				t.Errorf("%s: low=%s high=%s out of bounds for %s", c.ID, c.Low, c.High, v)
			}
		}
		wantHigh := new(big.Int).Mul(big.NewInt(150), q96)
		wantLow := new(big.Int).Mul(big.NewInt(60), q96)
		if c.High.Cmp(wantHigh) != 0 || c.Low.Cmp(wantLow) != 0 {
			t.Errorf("%s: high=%s low=%s", c.ID, c.High, c.Low)
		}
		if c.BaseAmount.Int64() != 6 {
			t.Errorf("%s: base volume %s, want 6", c.ID, c.BaseAmount)
		}
	}
}

func TestApply_LiquidationDoubleEntry(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	seedProtocol(t, m, 1000)
	mustApply(t, eng, mustDeposited(1, alice, 1000))
	mustApply(t, eng, mustDeposited(2, bob, 200))

	mustApply(t, eng, mustLiquidated(3, alice, bob))

	if got := collateral(t, m, alice); got.Int64() != 1450 {
		t.Errorf("trader: got %s, want 1450", got)
	}
	if got := collateral(t, m, bob); got.Int64() != 220 {
		t.Errorf("liquidator: got %s, want 220", got)
	}
	p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
	if p.ProtocolFee.Int64() != 10 {
		t.Errorf("protocol fee: got %s, want 10", p.ProtocolFee)
	}
	if p.InsuranceFundBalance.Int64() != 1005 {
		t.Errorf("insurance fund: got %s, want 1005", p.InsuranceFundBalance)
	}
}

func TestApply_SelfLiquidation(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	mustApply(t, eng, mustDeposited(1, alice, 1000))
	mustApply(t, eng, mustLiquidated(2, alice, alice))

	// 1000 + 500 - 50 + 20
	if got := collateral(t, m, alice); got.Int64() != 1470 {
		t.Errorf("collateral: got %s, want 1470", got)
	}
}

func TestApply_DaySummaryBucketing(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()
	t0 := testutil.BaseTime.Add(time.Second)

	times := []time.Time{
		t0,
		t0.Add(10 * time.Millisecond),
		t0.Add(86_400_001 * time.Millisecond),
	}
	for i, ts := range times {
		env := testutil.EnvAt(exchange, uint64(i+1), 0, ts)
		mustApply(t, eng, mustPositionChanged(env, alice, 1, -100, 7, 0, q96, q96))
	}

	got, err := history.DaySummaries(context.Background(), m, alice, 0, 1<<40)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("day summaries: got %d, want 2", len(got))
	}
	if got[0].RealizedPnl.Int64() != 14 || got[0].Trades != 2 {
		t.Errorf("first day: pnl=%s trades=%d", got[0].RealizedPnl, got[0].Trades)
	}
	if got[1].DayIndex != got[0].DayIndex+1 || got[1].RealizedPnl.Int64() != 7 {
		t.Errorf("second day: index=%d pnl=%s", got[1].DayIndex, got[1].RealizedPnl)
	}
}

// --- Liquidity ---

func TestApply_LiquidityLifecycle(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()
	id := state.TraderMarketID(alice, market)

	mustApply(t, eng, &event.LiquidityAddedExchange{
		Envelope:                testutil.Env(exchange, 1, 0),
		Trader:                  alice,
		Market:                  market,
		Base:                    big.NewInt(500),
		Quote:                   big.NewInt(600),
		Liquidity:               big.NewInt(550),
		CumBasePerLiquidityX96:  big.NewInt(11),
		CumQuotePerLiquidityX96: big.NewInt(22),
		BaseBalancePerShareX96:  q96,
		SharePriceAfterX96:      q96,
	})

	mk := mustGet[state.TraderMakerInfo](t, m, state.KindMakerInfo, id)
	if mk.Liquidity.Int64() != 550 || mk.CumQuotePerLiquidityX96.Int64() != 22 {
		t.Errorf("maker after add: liquidity=%s cumQuote=%s", mk.Liquidity, mk.CumQuotePerLiquidityX96)
	}
	oo := mustGet[state.OpenOrder](t, m, state.KindOpenOrder, id)
	if oo.TraderMakerInfoRefID != id || oo.MarketRefID != market {
		t.Errorf("open order refs: %q %q", oo.TraderMakerInfoRefID, oo.MarketRefID)
	}

	mustApply(t, eng, &event.LiquidityRemovedExchange{
		Envelope:               testutil.Env(exchange, 2, 0),
		Trader:                 alice,
		Market:                 market,
		Liquidator:             testutil.Addr(0),
		Base:                   big.NewInt(500),
		Quote:                  big.NewInt(600),
		Liquidity:              big.NewInt(550),
		TakerBase:              big.NewInt(-20),
		TakerQuote:             big.NewInt(2100),
		RealizedPnl:            big.NewInt(100),
		BaseBalancePerShareX96: q96,
		SharePriceAfterX96:     q96,
	})

	mk = mustGet[state.TraderMakerInfo](t, m, state.KindMakerInfo, id)
	if mk.Liquidity.Sign() != 0 {
		t.Errorf("maker liquidity: got %s, want 0", mk.Liquidity)
	}
	tk := mustGet[state.TraderTakerInfo](t, m, state.KindTakerInfo, id)
	if tk.BaseBalanceShare.Int64() != -20 || tk.QuoteBalance.Int64() != 2000 {
		t.Errorf("taker: share=%s quote=%s", tk.BaseBalanceShare, tk.QuoteBalance)
	}
	// 2000 / -20 = -100
	wantEntry := new(big.Int).Mul(big.NewInt(-100), q96)
	if tk.EntryPriceX96.Cmp(wantEntry) != 0 {
		t.Errorf("entry price: got %s, want %s", tk.EntryPriceX96, wantEntry)
	}
	if got := collateral(t, m, alice); got.Int64() != 100 {
		t.Errorf("collateral: got %s, want 100", got)
	}
	lh := mustGet[state.LiquidityHistory](t, m, state.KindLiquidityHistory, id)
	if lh.Base.Sign() != 0 || lh.Quote.Sign() != 0 || lh.Liquidity.Sign() != 0 {
		t.Errorf("liquidity history should net to zero: %s %s %s", lh.Base, lh.Quote, lh.Liquidity)
	}
	days, _ := history.DaySummaries(context.Background(), m, alice, 0, 1<<40)
	if len(days) != 1 || days[0].RealizedPnl.Int64() != 100 || days[0].Trades != 0 {
		t.Errorf("day summary after removal: %+v", days)
	}
}

func TestApply_MarketLiquidityStampsFirstAdd(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	mustApply(t, eng, mustLiquidityAddedMarket(5, 100, 200, 150))
	mustApply(t, eng, mustLiquidityAddedMarket(6, 100, 200, 150))
	mustApply(t, eng, &event.LiquidityRemovedMarket{
		Envelope:  testutil.Env(market, 7, 0),
		Base:      big.NewInt(50),
		Quote:     big.NewInt(100),
		Liquidity: big.NewInt(75),
	})

	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.BaseAmount.Int64() != 150 || mk.QuoteAmount.Int64() != 300 || mk.Liquidity.Int64() != 225 {
		t.Errorf("reserves: %s %s %s", mk.BaseAmount, mk.QuoteAmount, mk.Liquidity)
	}
	if mk.BlockNumberAdded != 5 || mk.TimestampAdded != testutil.Env(market, 5, 0).TimestampMs() {
		t.Errorf("added stamp: block=%d ts=%d", mk.BlockNumberAdded, mk.TimestampAdded)
	}
}

// --- Market ---

func TestApply_SwapSignTable(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	mustApply(t, eng, mustLiquidityAddedMarket(1, 1000, 1000, 1000))

	mustApply(t, eng, &event.Swapped{
		Envelope:       testutil.Env(market, 2, 0),
		IsExactInput:   true,
		IsBaseToQuote:  true,
		Amount:         big.NewInt(100),
		OppositeAmount: big.NewInt(95),
	})

	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.BaseAmount.Int64() != 1100 || mk.QuoteAmount.Int64() != 905 {
		t.Errorf("reserves: base=%s quote=%s, want 1100/905", mk.BaseAmount, mk.QuoteAmount)
	}
}

func TestApply_FundingSettlement(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	q96 := fpmath.NewQ96()

	mustApply(t, eng, &event.LiquidityAddedExchange{
		Envelope:                testutil.Env(exchange, 1, 0),
		Trader:                  alice,
		Market:                  market,
		Base:                    big.NewInt(0),
		Quote:                   big.NewInt(0),
		Liquidity:               big.NewInt(0),
		CumBasePerLiquidityX96:  big.NewInt(0),
		CumQuotePerLiquidityX96: big.NewInt(0),
		BaseBalancePerShareX96:  q96,
		SharePriceAfterX96:      q96,
	})
	mustApply(t, eng, mustLiquidityAddedMarket(2, 1_000_000, 1_000_000, 500_000))

	rate := new(big.Int).Div(q96, big.NewInt(100))
	mark := new(big.Int).Mul(big.NewInt(3), q96)
	mustApply(t, eng, &event.FundingPaid{
		Envelope:                testutil.Env(market, 3, 0),
		FundingRateX96:          rate,
		ElapsedSec:              3600,
		PremiumX96:              big.NewInt(0),
		MarkPriceX96:            mark,
		CumBasePerLiquidityX96:  big.NewInt(0),
		CumQuotePerLiquidityX96: big.NewInt(12345),
	})

	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	// the removed 1% truncates to 9_999
	if mk.QuoteAmount.Int64() != 990_001 {
		t.Errorf("quote: got %s, want 990001", mk.QuoteAmount)
	}
	if mk.BaseAmount.Int64() != 1_000_000 {
		t.Errorf("base: got %s, want unchanged", mk.BaseAmount)
	}
	wantGrowth := new(big.Int).Sub(q96, rate)
	if mk.BaseBalancePerShareX96.Cmp(wantGrowth) != 0 {
		t.Errorf("growth: got %s, want %s", mk.BaseBalancePerShareX96, wantGrowth)
	}
	if mk.MarkPriceX96.Cmp(mark) != 0 || mk.CumQuotePerLiquidityX96.Int64() != 12345 {
		t.Errorf("payload fields: mark=%s cumQuote=%s", mk.MarkPriceX96, mk.CumQuotePerLiquidityX96)
	}
}

func TestApply_FailedHandlerLeavesStoreUnchanged(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	mustApply(t, eng, mustLiquidityAddedMarket(1, 0, 1000, 0))
	before := eng.Checkpoint()

	_, err := eng.Apply(context.Background(), &event.FundingPaid{
		Envelope:                testutil.Env(market, 2, 0),
		FundingRateX96:          new(big.Int).Rsh(fpmath.Q96, 1),
		PremiumX96:              big.NewInt(0),
		MarkPriceX96:            big.NewInt(0),
		CumBasePerLiquidityX96:  big.NewInt(0),
		CumQuotePerLiquidityX96: big.NewInt(0),
	})
	if !errors.Is(err, core.ErrArithmetic) {
		t.Fatalf("got %v, want ErrArithmetic", err)
	}
	if !errors.Is(err, fpmath.ErrDivisionByZero) {
		t.Errorf("cause should be kept: %v", err)
	}

	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.QuoteAmount.Int64() != 1000 || mk.BlockNumber != 1 {
		t.Errorf("market mutated: quote=%s block=%d", mk.QuoteAmount, mk.BlockNumber)
	}
	if n := m.Len(state.KindEventLog); n != 1 {
		t.Errorf("event logs: got %d, want 1", n)
	}
	if eng.Checkpoint() != before {
		t.Errorf("checkpoint advanced: %+v", eng.Checkpoint())
	}

	mustApply(t, eng, mustLiquidityAddedMarket(3, 0, 0, 10))
}

func TestApply_IsMarketAllowedChanged(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	steps := []struct {
		allowed   bool
		wantCount int64
	}{
		{true, 1},
		{true, 1},
		{false, 0},
	}
	for i, s := range steps {
		res := mustApply(t, eng, &event.IsMarketAllowedChanged{
			Envelope:        testutil.Env(exchange, uint64(i+1), 0),
			Market:          market,
			IsMarketAllowed: s.allowed,
		})
		if res.MarketAllowed == nil || res.MarketAllowed.Market != market || res.MarketAllowed.Allowed != s.allowed {
			t.Errorf("step %d: notice %+v", i, res.MarketAllowed)
		}
		p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
		if p.PublicMarketCount != s.wantCount {
			t.Errorf("step %d: public markets %d, want %d", i, p.PublicMarketCount, s.wantCount)
		}
	}
	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.IsMarketAllowed || mk.AllowedChangedAt != testutil.Env(exchange, 3, 0).TimestampMs() {
		t.Errorf("market flag: allowed=%v at=%d", mk.IsMarketAllowed, mk.AllowedChangedAt)
	}
}

func TestApply_ParamsOverwrite(t *testing.T) {
	eng, m := newEngine(t, core.Options{ProtocolMeta: state.ProtocolMeta{Network: "testnet", ChainID: "1"}})
	mustApply(t, eng, &event.ImRatioChanged{Envelope: testutil.Env(exchange, 1, 0), Value: 100_000})
	mustApply(t, eng, &event.LiquidationRewardConfigChanged{Envelope: testutil.Env(exchange, 2, 0), RewardRatio: 200_000, SmoothEmaTime: 100})
	mustApply(t, eng, &event.PriceLimitConfigChanged{Envelope: testutil.Env(market, 3, 0), NormalOrderRatio: 5, LiquidationRatio: 10, EmaSec: 300})
	mustApply(t, eng, &event.PoolFeeRatioChanged{Envelope: testutil.Env(market, 4, 0), Value: 3000})

	p := mustGet[state.Protocol](t, m, state.KindProtocol, state.ProtocolID)
	if p.ImRatio != 100_000 || p.RewardRatio != 200_000 || p.SmoothEmaTime != 100 {
		t.Errorf("protocol params: %+v", p)
	}
	if p.Network != "testnet" || p.ChainID != "1" {
		t.Errorf("protocol meta: %q %q", p.Network, p.ChainID)
	}
	mk := mustGet[state.Market](t, m, state.KindMarket, market)
	if mk.NormalOrderRatio != 5 || mk.LiquidationRatio != 10 || mk.EmaSec != 300 || mk.PoolFeeRatio != 3000 {
		t.Errorf("market params: %+v", mk)
	}
}

// --- Errors ---

func TestApply_MalformedEvent(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	bad := mustDeposited(1, alice, 100)
	bad.Amount = nil

	if _, err := eng.Apply(context.Background(), bad); !errors.Is(err, core.ErrMalformedEvent) {
		t.Fatalf("got %v, want ErrMalformedEvent", err)
	}
	if _, err := eng.Apply(context.Background(), nil); !errors.Is(err, core.ErrMalformedEvent) {
		t.Errorf("nil event: got %v", err)
	}
	if n := len(m.Dump()); n != 0 {
		t.Errorf("store should be empty, has %d documents", n)
	}
}

func TestApply_OutOfOrderRejected(t *testing.T) {
	eng, _ := newEngine(t, core.Options{})
	mustApply(t, eng, &event.Deposited{Envelope: testutil.Env(exchange, 10, 5), Trader: alice, Amount: big.NewInt(1)})

	for _, env := range []event.Envelope{
		testutil.Env(exchange, 9, 0),
		testutil.Env(exchange, 10, 4),
	} {
		_, err := eng.Apply(context.Background(), &event.Deposited{Envelope: env, Trader: alice, Amount: big.NewInt(1)})
		if !errors.Is(err, core.ErrOutOfOrder) {
			t.Errorf("block %d log %d: got %v, want ErrOutOfOrder", env.BlockNumber, env.LogIndex, err)
		}
	}
	mustApply(t, eng, &event.Deposited{Envelope: testutil.Env(exchange, 10, 6), Trader: alice, Amount: big.NewInt(1)})
}

func TestApply_StoreFaultIsRetryable(t *testing.T) {
	eng, m := newEngine(t, core.Options{})
	dep := mustDeposited(1, alice, 100)

	m.InjectFault(errors.New("connection reset"))
	if _, err := eng.Apply(context.Background(), dep); !errors.Is(err, core.ErrStoreUnavailable) {
		t.Fatalf("got %v, want ErrStoreUnavailable", err)
	}
	m.InjectFault(nil)

	res := mustApply(t, eng, dep)
	if res.Duplicate {
		t.Fatal("retried event must apply, not count as duplicate")
	}
	if got := collateral(t, m, alice); got.Int64() != 100 {
		t.Errorf("collateral: got %s, want 100", got)
	}
}

func TestApply_FullOutputBufferCallsOnDrop(t *testing.T) {
	var dropped []core.Result
	m := store.NewMemory()
	eng := core.NewEngine(m, core.Options{
		OutputBuffer: 1,
		OnDrop:       func(res core.Result) { dropped = append(dropped, res) },
	}, zerolog.Nop(), nil)

	mustApply(t, eng, mustDeposited(1, alice, 10))
	second := mustApply(t, eng, mustDeposited(2, alice, 20))

	if eng.Dropped() != 1 || len(dropped) != 1 {
		t.Fatalf("dropped: counter %d, hook calls %d, want 1/1", eng.Dropped(), len(dropped))
	}
	if dropped[0].OrderKey != second.OrderKey || len(dropped[0].Entities) == 0 {
		t.Errorf("hook result: order key %d with %d entities", dropped[0].OrderKey, len(dropped[0].Entities))
	}
	if res := <-eng.Outputs(); res.OrderKey != 1000 {
		t.Errorf("buffered result: order key %d, want 1000", res.OrderKey)
	}
}

// --- Restore and determinism ---

func testStream() []event.Event {
	q96 := fpmath.NewQ96()
	return []event.Event{
		mustDeposited(1, alice, 5000),
		mustLiquidityAddedMarket(2, 1000, 1000, 1000),
		mustPositionChanged(testutil.Env(exchange, 3, 0), alice, 10, -1000, 0, 1, q96, q96),
		&event.FundingPaid{
			Envelope:                testutil.Env(market, 4, 0),
			FundingRateX96:          new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 80)),
			PremiumX96:              big.NewInt(0),
			MarkPriceX96:            q96,
			CumBasePerLiquidityX96:  big.NewInt(0),
			CumQuotePerLiquidityX96: big.NewInt(0),
		},
		mustPositionChanged(testutil.Env(exchange, 5, 0), alice, -5, 600, 100, 1, q96, q96),
		mustWithdrawn(6, alice, 700),
	}
}

func TestRestore_ContinuesChainAndDedup(t *testing.T) {
	stream := testStream()

	reference, _ := newEngine(t, core.Options{})
	for _, evt := range stream {
		mustApply(t, reference, evt)
	}

	m := store.NewMemory()
	first := core.NewEngine(m, core.Options{}, zerolog.Nop(), nil)
	for _, evt := range stream[:4] {
		mustApply(t, first, evt)
	}

	second := core.NewEngine(m, core.Options{}, zerolog.Nop(), nil)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if second.Checkpoint() != first.Checkpoint() {
		t.Fatalf("restored checkpoint %+v, want %+v", second.Checkpoint(), first.Checkpoint())
	}
	if res := mustApply(t, second, stream[2]); !res.Duplicate {
		t.Error("replayed event after restore should be a duplicate")
	}
	for _, evt := range stream[4:] {
		mustApply(t, second, evt)
	}

	got, want := second.Checkpoint(), reference.Checkpoint()
	if got.StateHash != want.StateHash || got.EventsApplied != want.EventsApplied {
		t.Errorf("restored chain: %s/%d, want %s/%d", got.StateHash, got.EventsApplied, want.StateHash, want.EventsApplied)
	}
}

func TestRestore_WarmsFromAppliedPages(t *testing.T) {
	m := store.NewMemory()
	first := core.NewEngine(m, core.Options{LRUSize: 10}, zerolog.Nop(), nil)
	const n = 70
	for b := uint64(1); b <= n; b++ {
		mustApply(t, first, mustDeposited(b, alice, 1))
	}
	if got := m.Len(state.KindAppliedPage); got != 2 {
		t.Fatalf("applied pages: got %d, want 2", got)
	}
	last := mustGet[state.AppliedPage](t, m, state.KindAppliedPage, state.AppliedPageID(1))
	if len(last.LogIDs) != n-state.AppliedPageSize || last.LogIDs[len(last.LogIDs)-1] != mustDeposited(n, alice, 1).LogID() {
		t.Errorf("last page: %d ids, tail %v", len(last.LogIDs), last.LogIDs)
	}

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	second := core.NewEngine(m, core.Options{LRUSize: 10}, zerolog.Nop(), metrics)
	if err := second.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := promtest.ToFloat64(metrics.LRUSize); got != 10 {
		t.Errorf("warm size: got %v, want 10", got)
	}

	if res := mustApply(t, second, mustDeposited(n-9, alice, 1)); !res.Duplicate {
		t.Error("recent event should be a duplicate")
	}
	if got := promtest.ToFloat64(metrics.LRUHits); got != 1 {
		t.Errorf("lru hits: got %v, want 1", got)
	}
	// Older ids fall back to the event log.
	if res := mustApply(t, second, mustDeposited(1, alice, 1)); !res.Duplicate {
		t.Error("old event should be a duplicate")
	}
	if got := promtest.ToFloat64(metrics.LRUHits); got != 1 {
		t.Errorf("lru hits after old duplicate: got %v, want 1", got)
	}
}

func TestApply_SQLiteMatchesMemory(t *testing.T) {
	stream := testStream()

	mem, m := newEngine(t, core.Options{})
	st := testutil.SQLiteStore(t)
	sql := core.NewEngine(st, core.Options{}, zerolog.Nop(), nil)
	for _, evt := range stream {
		mustApply(t, mem, evt)
		mustApply(t, sql, evt)
	}

	if mem.Checkpoint().StateHash != sql.Checkpoint().StateHash {
		t.Errorf("state hash: memory %s, sqlite %s", mem.Checkpoint().StateHash, sql.Checkpoint().StateHash)
	}
	want := collateral(t, m, alice)
	if got := collateral(t, st, alice); got.Cmp(want) != 0 {
		t.Errorf("collateral: sqlite %s, memory %s", got, want)
	}
}

func TestOutputs_NonBlocking(t *testing.T) {
	eng, _ := newEngine(t, core.Options{OutputBuffer: 1})
	mustApply(t, eng, mustDeposited(1, alice, 1))
	mustApply(t, eng, mustDeposited(2, alice, 1))

	res := <-eng.Outputs()
	if res.OrderKey != 1000 {
		t.Errorf("first output: order key %d, want 1000", res.OrderKey)
	}
	if eng.Dropped() != 1 {
		t.Errorf("dropped: got %d, want 1", eng.Dropped())
	}
	eng.Close()
}
