package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/reactor-proxy/internal/domain"
	"github.com/mir00r/reactor-proxy/internal/pubsub"
	"github.com/mir00r/reactor-proxy/internal/repository"
	"github.com/mir00r/reactor-proxy/internal/service"
)

type fakeRoutes struct{}

func (fakeRoutes) Routes() int { return 1 }
func (fakeRoutes) Mappings() map[string]string {
	return map[string]string{"127.0.0.1:5000": "10.0.0.1:80"}
}

type fakeConns int

func (c fakeConns) Count() int { return int(c) }

// passProber reports every backend healthy.
type passProber struct{}

func (passProber) Name() string                                         { return "pass" }
func (passProber) Probe(context.Context, *domain.Backend, string) error { return nil }

func newTestRouter(t *testing.T) (*mux.Router, *service.LoadBalancer, *pubsub.Bus) {
	t.Helper()
	bus := pubsub.NewBus(100)
	repo := repository.NewInMemoryBackendRepository()
	metrics := service.NewMetrics()
	checker := service.NewHealthChecker(service.HealthCheckerConfig{Interval: time.Second}, passProber{}, repo, metrics, nil)
	lb := service.NewLoadBalancer(bus, repo, checker, metrics, nil)
	require.NoError(t, lb.AddBackend(domain.InetAddr{IP: "10.0.0.1", Port: 80}, 0))

	h := NewAdminHandler(lb, bus, fakeConns(3), fakeRoutes{}, metrics.Handler(), nil)
	r := mux.NewRouter()
	h.RegisterRoutes(r, "/metrics")
	return r, lb, bus
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestListBackends(t *testing.T) {
	r, _, _ := newTestRouter(t)

	rec := do(r, http.MethodGet, "/admin/backends", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var backends []BackendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &backends))
	require.Len(t, backends, 1)
	assert.Equal(t, "10.0.0.1:80", backends[0].Address)
	assert.Equal(t, "healthy", backends[0].Status)
}

func TestAddBackend(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"new backend", `{"address":"10.0.0.2:80","check_port":9000}`, http.StatusCreated},
		{"duplicate", `{"address":"10.0.0.1:80"}`, http.StatusConflict},
		{"bad address", `{"address":"nowhere"}`, http.StatusBadRequest},
		{"zero port", `{"address":"10.0.0.3:0"}`, http.StatusBadRequest},
		{"bad json", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _, _ := newTestRouter(t)
			rec := do(r, http.MethodPost, "/admin/backends", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}

	r, lb, _ := newTestRouter(t)
	do(r, http.MethodPost, "/admin/backends", `{"address":"10.0.0.2:80","check_port":9000}`)
	require.Len(t, lb.Backends(), 2)
	assert.Equal(t, domain.InetAddr{IP: "10.0.0.2", Port: 9000}, lb.Backends()[1].CheckAddr())
}

func TestDeleteBackend(t *testing.T) {
	r, lb, _ := newTestRouter(t)

	assert.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/admin/backends/10.0.0.1:80", "").Code)
	assert.Empty(t, lb.Backends())
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/admin/backends/10.0.0.1:80", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodDelete, "/admin/backends/bogus", "").Code)
}

func TestProbeTextAndCheck(t *testing.T) {
	r, lb, _ := newTestRouter(t)
	lb.Backends()[0].SetStatus(domain.StatusUnhealthy)

	rec := do(r, http.MethodPut, "/admin/health/probe-text", `{"text":"ping"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ping", lb.GetStats()["health_check"].(map[string]interface{})["probe_text"])

	rec = do(r, http.MethodPost, "/admin/health/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var check CheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, 1, check.Healthy)
	assert.Equal(t, 1, check.Total)
	assert.True(t, lb.Backends()[0].IsHealthy())
}

func TestTraffic(t *testing.T) {
	r, _, bus := newTestRouter(t)
	bus.Account("127.0.0.1:5000", 150)

	rec := do(r, http.MethodGet, "/admin/traffic/127.0.0.1:5000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var traffic TrafficResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &traffic))
	assert.Equal(t, int64(150), traffic.Bytes)
	assert.True(t, traffic.Limited)
	assert.Equal(t, int64(100), traffic.Ceiling)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/admin/traffic/127.0.0.1:6000", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/admin/traffic/nobody", "").Code)
}

func TestStatsAndMetrics(t *testing.T) {
	r, _, bus := newTestRouter(t)
	bus.Account("127.0.0.1:5000", 1)

	rec := do(r, http.MethodGet, "/admin/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Connections)
	assert.Equal(t, 1, stats.Routes)
	assert.Equal(t, 1, stats.Clients)
	assert.Equal(t, "10.0.0.1:80", stats.Mappings["127.0.0.1:5000"])
	assert.EqualValues(t, 1, stats.LoadBalancer["total_backends"])

	rec = do(r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "reactor_proxy_backends_healthy 1")
}

func TestWrongMethodIsRejected(t *testing.T) {
	tests := []struct {
		method, path string
		want         int
	}{
		{http.MethodPut, "/admin/backends", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/health/check", http.StatusMethodNotAllowed},
		{http.MethodPost, "/admin/stats", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/backends/10.0.0.1:80", http.StatusMethodNotAllowed},
		{http.MethodGet, "/admin/unknown", http.StatusNotFound},
	}

	r, _, _ := newTestRouter(t)
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, do(r, tt.method, tt.path, "").Code)
		})
	}
}
