package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterAndRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	c.MustRegister(reg)

	c.SetReachable("hue-1", "hue", true)
	c.IncRestart("hue-1", "hue")
	c.IncLane("immediate")
	c.IncReflexFired("rule-1")
	c.IncReflexFailed("rule-1")

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)
}

func TestServerServesHealthzAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New()
	c.MustRegister(reg)
	c.SetReachable("hue-1", "hue", true)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	srv := NewServer("127.0.0.1:0", handler, func() (bool, string) { return true, "" })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"healthy":true`)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w = httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "holmsd_adapter_reachable")
}

func TestServerUnhealthyReturns503(t *testing.T) {
	handler := promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	srv := NewServer("127.0.0.1:0", handler, func() (bool, string) { return false, "store unreachable" })

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.httpSrv.Handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	require.Contains(t, w.Body.String(), "store unreachable")
}
