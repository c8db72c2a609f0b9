package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDispatch("coder", "claude", "ok", 2*time.Second)
	m.ObserveDispatch("coder", "claude", "ok", time.Second)
	m.ObserveDispatch("coder", "", "unknown_role", 0)
	m.ObserveFallback("coder")
	m.ObserveVerdict("no_go")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatches.WithLabelValues("coder", "claude", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks.WithLabelValues("coder")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("no_go")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("coder", "claude", "ok", time.Second)
	m.ObserveFallback("coder")
	m.ObserveVerdict("go")
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveVerdict("go")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `squadline_gate_verdicts_total{verdict="go"} 1`)
}
