package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"

	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/query"
)

// handlerFunc serves one JSON route. It returns the response body or an
// error classified by codeFor.
type handlerFunc func(r *http.Request, params map[string]string) (any, error)

type gateway struct {
	mux     *runtime.ServeMux
	qs      *query.QueryService
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// newGateway registers the /v1 query routes on a grpc-gateway mux.
func newGateway(qs *query.QueryService, metrics *observability.Metrics, logger zerolog.Logger) (*runtime.ServeMux, error) {
	g := &gateway{
		mux:     runtime.NewServeMux(),
		qs:      qs,
		metrics: metrics,
		logger:  logger,
	}
	routes := []struct {
		pattern string
		h       handlerFunc
	}{
		{"/v1/status", g.status},
		{"/v1/protocol", g.protocol},
		{"/v1/protocol/solvency", g.solvency},
		{"/v1/protocol/integrity", g.integrity},
		{"/v1/markets", g.markets},
		{"/v1/markets/{address}", g.market},
		{"/v1/markets/{address}/candles", g.candles},
		{"/v1/markets/{address}/funding", g.funding},
		{"/v1/traders/{address}", g.trader},
		{"/v1/traders/{address}/positions", g.positions},
		{"/v1/traders/{address}/positions/{market}", g.position},
		{"/v1/traders/{address}/days", g.days},
		{"/v1/events/{log_id}", g.eventLog},
	}
	for _, rt := range routes {
		if err := g.mux.HandlePath(http.MethodGet, rt.pattern, g.wrap(rt.pattern, rt.h)); err != nil {
			return nil, err
		}
	}
	return g.mux, nil
}

func (g *gateway) wrap(pattern string, h handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		body, err := h(r, params)
		code := http.StatusOK
		if err != nil {
			c := codeFor(err)
			code = runtime.HTTPStatusFromCode(c)
			if c == codes.Internal {
				g.logger.Error().Err(err).Str("route", pattern).Msg("query failed")
			}
			body = errorBody{Error: err.Error(), Code: c.String()}
		}
		writeJSON(w, code, body)
		if g.metrics != nil {
			g.metrics.QueryRequests.WithLabelValues(pattern, strconv.Itoa(code)).Inc()
			g.metrics.QueryDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, query.ErrInvalidArgument):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, query.ErrUnavailable):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// --- query parameters ---

func intParam(r *http.Request, name string, def int64) (int64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid(name, s)
	}
	return v, nil
}

func dateParam(r *http.Request, name string, def time.Time) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, invalid(name, s)
	}
	return t, nil
}

func invalid(name, value string) error {
	return &paramError{name: name, value: value}
}

type paramError struct{ name, value string }

func (e *paramError) Error() string {
	return "invalid argument: " + e.name + "=" + strconv.Quote(e.value)
}

func (e *paramError) Unwrap() error { return query.ErrInvalidArgument }

// --- routes ---

func (g *gateway) status(r *http.Request, _ map[string]string) (any, error) {
	return g.qs.GetStatus(r.Context())
}

func (g *gateway) protocol(r *http.Request, _ map[string]string) (any, error) {
	return g.qs.GetProtocol(r.Context())
}

func (g *gateway) solvency(r *http.Request, _ map[string]string) (any, error) {
	return g.qs.GetSolvency(r.Context())
}

func (g *gateway) integrity(r *http.Request, _ map[string]string) (any, error) {
	return g.qs.VerifyIntegrity(r.Context())
}

func (g *gateway) markets(r *http.Request, _ map[string]string) (any, error) {
	return g.qs.ListMarkets(r.Context())
}

func (g *gateway) market(r *http.Request, p map[string]string) (any, error) {
	return g.qs.GetMarket(r.Context(), p["address"])
}

// candles: ?resolution=300&from=<unix s>&to=<unix s>. The range defaults
// to the last 24 hours.
func (g *gateway) candles(r *http.Request, p map[string]string) (any, error) {
	res, err := intParam(r, "resolution", 3600)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	to, err := intParam(r, "to", now)
	if err != nil {
		return nil, err
	}
	from, err := intParam(r, "from", to-86400)
	if err != nil {
		return nil, err
	}
	return g.qs.GetCandles(r.Context(), p["address"], res, from, to)
}

func (g *gateway) funding(r *http.Request, p map[string]string) (any, error) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		return nil, err
	}
	return g.qs.GetFundingHistory(r.Context(), p["address"], int(limit))
}

func (g *gateway) trader(r *http.Request, p map[string]string) (any, error) {
	return g.qs.GetTrader(r.Context(), p["address"])
}

func (g *gateway) positions(r *http.Request, p map[string]string) (any, error) {
	return g.qs.GetPositions(r.Context(), p["address"])
}

func (g *gateway) position(r *http.Request, p map[string]string) (any, error) {
	return g.qs.GetPosition(r.Context(), p["address"], p["market"])
}

// days: ?from=2006-01-02&to=2006-01-02, defaulting to the last 30 days.
func (g *gateway) days(r *http.Request, p map[string]string) (any, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	to, err := dateParam(r, "to", today)
	if err != nil {
		return nil, err
	}
	from, err := dateParam(r, "from", to.AddDate(0, 0, -30))
	if err != nil {
		return nil, err
	}
	return g.qs.GetDaySummaries(r.Context(), p["address"], from, to)
}

func (g *gateway) eventLog(r *http.Request, p map[string]string) (any, error) {
	return g.qs.GetEventLog(r.Context(), p["log_id"])
}
