// Package server exposes the indexer over HTTP (JSON queries, health,
// metrics, websocket stream) and gRPC (health, reflection).
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/observability"
	"PerpIndexer/internal/query"
)

// HTTPDeps are the handlers the router mounts. Stream and Gatherer are
// optional.
type HTTPDeps struct {
	Query    *query.QueryService
	Health   *observability.HealthChecker
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Stream   http.Handler
	Timeout  time.Duration
}

// NewRouter builds the HTTP handler:
//
//	GET /healthz, /readyz   liveness and readiness
//	GET /metrics            prometheus exposition
//	GET /v1/stream          websocket feed of applied events
//	GET /v1/...             JSON queries
func NewRouter(deps HTTPDeps, logger zerolog.Logger) (http.Handler, error) {
	logger = logger.With().Str("component", "http").Logger()
	gw, err := newGateway(deps.Query, deps.Metrics, logger)
	if err != nil {
		return nil, err
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	if deps.Health != nil {
		r.Get("/healthz", deps.Health.LivenessHandler)
		r.Get("/readyz", deps.Health.ReadinessHandler)
	}
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}
	// The websocket outlives any request timeout.
	if deps.Stream != nil {
		r.Get("/v1/stream", deps.Stream.ServeHTTP)
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))
		r.Handle("/v1/*", gw)
	})
	return r, nil
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Str("request_id", middleware.GetReqID(r.Context())).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

// RunHTTP serves h on addr until ctx ends, then shuts down with a five
// second grace period.
func RunHTTP(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeHTTP(ctx, lis, h, logger)
}

// ServeHTTP is RunHTTP on an existing listener.
func ServeHTTP(ctx context.Context, lis net.Listener, h http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", lis.Addr().String()).Msg("HTTP server listening")
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
