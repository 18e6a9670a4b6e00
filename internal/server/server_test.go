package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"PerpIndexer/internal/core"
	"PerpIndexer/internal/event"
	fpmath "PerpIndexer/internal/math"
	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/query"
	"PerpIndexer/internal/server"
	"PerpIndexer/internal/store"
	"PerpIndexer/internal/testutil"
)

var (
	exchange = testutil.Addr(0xE0)
	market   = testutil.Addr(0x11)
	alice    = testutil.Addr(0xA1)
)

type fixture struct {
	srv     *httptest.Server
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := store.NewMemory()
	eng := core.NewEngine(m, core.Options{}, zerolog.Nop(), nil)
	dep := &event.Deposited{Envelope: testutil.Env(exchange, 1, 0), Trader: alice, Amount: big.NewInt(1000)}
	for _, evt := range []event.Event{
		dep,
		&event.PositionChanged{
			Envelope:               testutil.Env(exchange, 2, 0),
			Trader:                 alice,
			Market:                 market,
			Base:                   big.NewInt(10),
			Quote:                  big.NewInt(-1000),
			RealizedPnl:            big.NewInt(0),
			ProtocolFee:            big.NewInt(0),
			BaseBalancePerShareX96: fpmath.NewQ96(),
			SharePriceAfterX96:     new(big.Int).Mul(fpmath.NewQ96(), big.NewInt(100)),
		},
	} {
		if _, err := eng.Apply(context.Background(), evt); err != nil {
			t.Fatalf("apply %s: %v", evt.EventType(), err)
		}
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)
	health := observability.NewHealthChecker()
	h, err := server.NewRouter(server.HTTPDeps{
		Query:    query.NewQueryService(m, nil, query.Options{}),
		Health:   health,
		Metrics:  metrics,
		Gatherer: reg,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, health: health, metrics: metrics, logID: dep.LogID()}
}

func (f *fixture) get(t *testing.T, path string, dst any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if dst != nil {
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func TestRouter_Queries(t *testing.T) {
	f := newFixture(t)

	var status query.StatusResponse
	if code := f.get(t, "/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status: got %d", code)
	}
	if status.LastOrderKey != 2000 || status.EventsApplied != 2 {
		t.Errorf("status: %+v", status)
	}

	var tr query.TraderResponse
	if code := f.get(t, "/v1/traders/"+strings.ToLower(alice), &tr); code != http.StatusOK {
		t.Fatalf("trader: got %d", code)
	}
	if tr.Address != alice || tr.Collateral.Raw != "1000" {
		t.Errorf("trader: %+v", tr)
	}

	var pos query.PositionResponse
	if code := f.get(t, "/v1/traders/"+alice+"/positions/"+market, &pos); code != http.StatusOK {
		t.Fatalf("position: got %d", code)
	}
	if pos.BaseBalance.Raw != "10" {
		t.Errorf("position base: got %s, want 10", pos.BaseBalance.Raw)
	}

	var markets []query.MarketResponse
	if code := f.get(t, "/v1/markets", &markets); code != http.StatusOK || len(markets) != 1 {
		t.Fatalf("markets: got %d, %d rows", code, len(markets))
	}

	var candles []query.CandleResponse
	path := "/v1/markets/" + market + "/candles?resolution=300&from=1699920000&to=1699920300"
	if code := f.get(t, path, &candles); code != http.StatusOK || len(candles) != 1 {
		t.Fatalf("candles: got %d, %d rows", code, len(candles))
	}

	var logRow map[string]any
	if code := f.get(t, "/v1/events/"+f.logID, &logRow); code != http.StatusOK {
		t.Fatalf("event log: got %d", code)
	}

	if got := promtest.ToFloat64(f.metrics.QueryRequests.WithLabelValues("/v1/status", "200")); got != 1 {
		t.Errorf("query metric: got %v, want 1", got)
	}
}

func TestRouter_ErrorCodes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		want int
	}{
		{"/v1/traders/nope", http.StatusBadRequest},
		{"/v1/traders/" + testutil.Addr(0xBEEF), http.StatusNotFound},
		{"/v1/markets/" + market + "/candles?resolution=7", http.StatusBadRequest},
		{"/v1/markets/" + market + "/candles?from=abc", http.StatusBadRequest},
		{"/v1/traders/" + alice + "/days?from=yesterday", http.StatusBadRequest},
		{"/v1/markets/" + market + "/funding", http.StatusServiceUnavailable},
		{"/v1/events/missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		var body struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		code := f.get(t, tt.path, &body)
		if code != tt.want {
			t.Errorf("%s: got %d, want %d", tt.path, code, tt.want)
		}
		if body.Error == "" || body.Code == "" {
			t.Errorf("%s: empty error body", tt.path)
		}
	}
}

func TestRouter_Health(t *testing.T) {
	f := newFixture(t)

	if code := f.get(t, "/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz: got %d", code)
	}
	if code := f.get(t, "/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz before ready: got %d", code)
	}
	f.health.SetReady(true)
	if code := f.get(t, "/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz: got %d", code)
	}
	f.health.Register("store", func(context.Context) error { return errors.New("down") })
	if code := f.get(t, "/readyz", nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz degraded: got %d", code)
	}
	if code := f.get(t, "/metrics", nil); code != http.StatusOK {
		t.Errorf("metrics: got %d", code)
	}
}

func TestGRPCServer_Health(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lis := bufconn.Listen(1 << 20)
	gs := server.NewGRPCServer("", zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- gs.Serve(ctx, lis) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
		defer ccancel()
		resp, err := client.Check(cctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
		if err != nil {
			t.Fatalf("health check: %v", err)
		}
		return resp.Status
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Errorf("initial: got %v, want NOT_SERVING", got)
	}
	gs.SetServing(true)
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("after SetServing: got %v, want SERVING", got)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("serve: %v", err)
	}
}
