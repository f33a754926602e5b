package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recording(t *testing.T) {
	m := New()

	m.Callback("dp-decoder", "forwarded", 0.0001)
	m.Callback("dp-decoder", "forwarded", 0.0002)
	m.Callback("", "framing", 0)
	m.Connect("dp-decoder", nil)
	m.Connect("dp-decoder", errors.New("refused"))
	m.Command("dp-decoder", nil)
	m.ModuleState("dp-decoder", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.callbacks.WithLabelValues("dp-decoder", "forwarded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("", "framing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("dp-decoder", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("dp-decoder", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("dp-decoder", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.moduleState.WithLabelValues("dp-decoder")))
}

func TestMetrics_NilIsDisabled(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Callback("x", "forwarded", 0)
		m.Connect("x", nil)
		m.Command("x", nil)
		m.ModuleState("x", 1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.Callback("dp-decoder", "forwarded", 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `controlroom_broker_callbacks_total{outcome="forwarded",target="dp-decoder"} 1`)
}
