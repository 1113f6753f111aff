package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"CDPLedger/internal/observability"
)

// ============================================================================
// Test: Metrics
// ============================================================================

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	// Two instances on separate registries must not collide
	m1 := observability.NewMetrics(prometheus.NewRegistry())
	m2 := observability.NewMetrics(prometheus.NewRegistry())

	m1.CoreEventsApplied.WithLabelValues("DebtBorrowed").Inc()
	if got := testutil.ToFloat64(m1.CoreEventsApplied.WithLabelValues("DebtBorrowed")); got != 1 {
		t.Errorf("got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m2.CoreEventsApplied.WithLabelValues("DebtBorrowed")); got != 0 {
		t.Errorf("second registry leaked: got %v", got)
	}
}

func TestSetChannelMetrics(t *testing.T) {
	m := observability.NewMetrics(prometheus.NewRegistry())
	m.SetChannelMetrics("persist", 256, 1024)

	if got := testutil.ToFloat64(m.ChannelUtilization.WithLabelValues("persist")); got != 0.25 {
		t.Errorf("got %v, want 0.25", got)
	}
}

// ============================================================================
// Test: Logging
// ============================================================================

func TestNewLoggerTo_TagsComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLoggerTo(&buf, "core", zerolog.InfoLevel)
	logger.Debug().Msg("hidden")
	logger.Info().Str("kind", "K").Msg("registered")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["component"] != "core" {
		t.Errorf("got component %v, want core", line["component"])
	}
	if line["message"] != "registered" {
		t.Errorf("got message %v", line["message"])
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":      zerolog.InfoLevel,
		"debug": zerolog.DebugLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := observability.ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

// ============================================================================
// Test: Health
// ============================================================================

func TestReadinessHandler(t *testing.T) {
	h := observability.NewHealthChecker()

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("not ready: got %d, want 503", rec.Code)
	}

	h.SetReady(true)
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("ready: got %d, want 200", rec.Code)
	}

	h.AddCheck("postgres", func(ctx context.Context) error { return errors.New("connection refused") })
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failing check: got %d, want 503", rec.Code)
	}
	if failing := h.Failing(context.Background()); failing["postgres"] != "connection refused" {
		t.Errorf("got %v", failing)
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	observability.NewHealthChecker().LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("got %d, want 200", rec.Code)
	}
}
