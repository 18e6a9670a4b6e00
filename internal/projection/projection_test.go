package projection_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/cache"
	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/projection"
	"PerpIndexer/internal/state"
	"PerpIndexer/internal/testutil"
)

var (
	exchange = testutil.Addr(0xE0)
	market   = testutil.Addr(0x11)
	other    = testutil.Addr(0x22)
	alice    = testutil.Addr(0xA1)
)

type recordingSink struct {
	name string
	err  error
	seen []uint64
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Project(_ context.Context, res core.Result) error {
	s.seen = append(s.seen, res.OrderKey)
	return s.err
}

func depositResult(block uint64) core.Result {
	d := &event.Deposited{Envelope: testutil.Env(exchange, block, 0), Trader: alice, Amount: big.NewInt(10)}
	return core.Result{Event: d, Kind: d.EventType(), LogID: d.LogID(), OrderKey: d.OrderKey(), StateHash: "00"}
}

func fundingResult(block uint64, contract string) core.Result {
	fp := &event.FundingPaid{
		Envelope:                testutil.Env(contract, block, 2),
		FundingRateX96:          big.NewInt(5),
		ElapsedSec:              3600,
		PremiumX96:              big.NewInt(7),
		MarkPriceX96:            big.NewInt(11),
		CumBasePerLiquidityX96:  big.NewInt(13),
		CumQuotePerLiquidityX96: big.NewInt(17),
	}
	m := state.NewMarket(contract)
	m.BaseBalancePerShareX96 = big.NewInt(99)
	return core.Result{
		Event: fp, Kind: fp.EventType(), LogID: fp.LogID(), OrderKey: fp.OrderKey(),
		Entities: []state.Entity{m},
	}
}

func TestWorker_FailingSinkDoesNotStopOthers(t *testing.T) {
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	good := &recordingSink{name: "good"}

	in := make(chan core.Result, 4)
	w := projection.NewWorker(in, zerolog.Nop(), metrics, bad, good)

	in <- depositResult(1)
	in <- core.Result{OrderKey: 1500, Duplicate: true}
	in <- depositResult(2)
	close(in)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(good.seen) != 2 || len(bad.seen) != 2 {
		t.Errorf("seen: good=%v bad=%v, want 2 each (duplicate skipped)", good.seen, bad.seen)
	}
	if got := promtest.ToFloat64(metrics.ProjectionErrors.WithLabelValues("bad")); got != 2 {
		t.Errorf("errors metric: got %v, want 2", got)
	}
	if got := w.LastOrderKey(); got != 2000 {
		t.Errorf("last order key: got %d, want 2000", got)
	}
}

func TestFundingHistory(t *testing.T) {
	ctx := context.Background()
	h := projection.NewFundingHistory(cache.NewMemoryKV(), 2)

	for _, res := range []core.Result{
		fundingResult(1, market),
		depositResult(2),
		fundingResult(3, market),
		fundingResult(4, other),
		fundingResult(5, market),
	} {
		if err := h.Project(ctx, res); err != nil {
			t.Fatalf("project: %v", err)
		}
	}

	got, err := h.Recent(ctx, market, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries: got %d, want 2 (capped)", len(got))
	}
	if got[0].BlockNumber != 5 || got[1].BlockNumber != 3 {
		t.Errorf("order: got blocks %d,%d, want 5,3", got[0].BlockNumber, got[1].BlockNumber)
	}
	e := got[0]
	if e.FundingRateX96 != "5" || e.ElapsedSec != 3600 || e.BaseBalancePerShareX96 != "99" {
		t.Errorf("entry: %+v", e)
	}

	one, err := h.Recent(ctx, other, 1)
	if err != nil || len(one) != 1 || one[0].Market != other {
		t.Errorf("other market: %v %+v", err, one)
	}
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *projection.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients: got %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_BroadcastsWithFilters(t *testing.T) {
	hub := projection.NewHub(zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	all := dial(t, srv, "")
	funding := dial(t, srv, "?kind=FundingPaid&market="+strings.ToLower(market))
	waitClients(t, hub, 2)

	ctx := context.Background()
	if err := hub.Project(ctx, depositResult(1)); err != nil {
		t.Fatalf("project: %v", err)
	}
	if err := hub.Project(ctx, fundingResult(2, market)); err != nil {
		t.Fatalf("project: %v", err)
	}

	read := func(conn *websocket.Conn) projection.StreamFrame {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var fr projection.StreamFrame
		if err := json.Unmarshal(data, &fr); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return fr
	}

	if fr := read(all); fr.Kind != "Deposited" || fr.OrderKey != 1000 {
		t.Errorf("first frame: %+v", fr)
	}
	if fr := read(all); fr.Kind != "FundingPaid" {
		t.Errorf("second frame: %+v", fr)
	}

	fr := read(funding)
	if fr.Kind != "FundingPaid" || fr.Market != market {
		t.Errorf("filtered frame: %+v", fr)
	}
	if len(fr.Entities) != 1 || fr.Entities[0] != "market/"+market {
		t.Errorf("entities: %v", fr.Entities)
	}
}
