package observability_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"PerpIndexer/internal/observability"
)

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("before ready: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("after ready: got %d, want 200", rec.Code)
	}

	h.Register("store", func(context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("failing probe: got %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("body should name the failure: %s", rec.Body.String())
	}
}

func TestLiveness(t *testing.T) {
	h := observability.NewHealthChecker()
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}

func TestMetricsIsolatedRegistry(t *testing.T) {
	// Two independent registries must not collide.
	m1 := observability.NewMetricsWith(prometheus.NewRegistry())
	m2 := observability.NewMetricsWith(prometheus.NewRegistry())

	m1.EventsApplied.WithLabelValues("Deposited").Inc()
	if got := testutil.ToFloat64(m1.EventsApplied.WithLabelValues("Deposited")); got != 1 {
		t.Errorf("m1: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.EventsApplied.WithLabelValues("Deposited")); got != 0 {
		t.Errorf("m2: got %v, want 0", got)
	}
}

func TestLoggerLevelAndComponent(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLoggerTo(&buf, "engine", observability.ParseLogLevel("warn"))
	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info line written at warn level")
	}
	if !strings.Contains(out, `"component":"engine"`) {
		t.Errorf("missing component field: %s", out)
	}
	if observability.ParseLogLevel("bogus") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}
