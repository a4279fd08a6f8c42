package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howpoorru/howpoorru/internal/scheduler"
	"github.com/howpoorru/howpoorru/internal/stats"
)

type fakeStats struct {
	snap *stats.Snapshot
	err  error
}

func (f *fakeStats) Snapshot(context.Context) (*stats.Snapshot, error) {
	return f.snap, f.err
}

func newTestServer(st StatsReader) *Server {
	return NewServer(":0", scheduler.New(zerolog.Nop()), st, prometheus.NewRegistry(), zerolog.Nop())
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(&fakeStats{})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(&fakeStats{snap: &stats.Snapshot{
		TopCharacter: stats.Figure{"id": "10", "name": "Rich"},
	}})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var snap stats.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "Rich", snap.TopCharacter["name"])
}

func TestStatsEndpointUnavailable(t *testing.T) {
	s := newTestServer(&fakeStats{err: errors.New("redis is down")})
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "howpoorru_test_total"})
	reg.MustRegister(c)
	c.Inc()

	s := NewServer(":0", scheduler.New(zerolog.Nop()), &fakeStats{}, reg, zerolog.Nop())
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "howpoorru_test_total 1")
}
