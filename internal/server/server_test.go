package server

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/livefeed"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type fixture struct {
	server *Server
	cache  *vehiclecache.Cache
	store  *store.Store
	coll   *stats.Collector
	clk    *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "telemetry.db"), []int64{300}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFakeClock(t0)
	cache := vehiclecache.New(100, time.Minute, clk, zap.NewNop())
	coll := stats.New(60*time.Second, prometheus.NewRegistry())
	hub := livefeed.NewHub(cache.Snapshot, coll, 1, zap.NewNop())

	cfg := config.Config{HTTPPort: 8080}
	cfg.WebSocket.Path = "/stream"

	return &fixture{
		server: New(cfg, cache, st, coll, hub, clk, zap.NewNop()),
		cache:  cache,
		store:  st,
		coll:   coll,
		clk:    clk,
	}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	f.server.Engine().ServeHTTP(w, req)
	return w
}

func (f *fixture) ingest(t *testing.T, id string, lat, lng float64, recordedAt time.Time) {
	t.Helper()
	v := telemetry.EnrichedVehicle{
		VehicleID:    id,
		Lat:          lat,
		Lng:          lng,
		SpeedKmh:     30,
		FuelLevel:    70,
		EngineStatus: telemetry.EngineRunning,
		RecordedAt:   recordedAt,
		IngestAt:     f.clk.Now(),
	}
	f.cache.Set(v)
	f.coll.RecordValid(f.clk.Now())
	_, err := f.store.RecordTelemetry(context.Background(), v)
	require.NoError(t, err)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestReadyzFollowsBrokerState(t *testing.T) {
	f := newFixture(t)

	w := f.get(t, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "not_ready", decode(t, w)["status"])

	f.coll.SetBrokerConnected(true)
	w = f.get(t, "/readyz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	f.coll.RecordInvalid()

	w := f.get(t, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)

	assert.Equal(t, float64(1), body["totalMessages"])
	assert.Equal(t, float64(1), body["invalidMessages"])
	assert.Equal(t, float64(1), body["vehiclesTracked"])
	assert.Equal(t, float64(0), body["connectedClients"])
	assert.Equal(t, float64(60), body["windowSeconds"])
	for field, value := range body {
		if n, ok := value.(float64); ok {
			assert.GreaterOrEqual(t, n, 0.0, field)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/stats", nil)
	f.server.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/stats", nil)
	f.server.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHistoryReturnsEvents(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	f.ingest(t, "veh-1", 48.8666, 2.3622, t0.Add(5*time.Minute))
	f.ingest(t, "veh-2", 40.0, -3.7, t0.Add(time.Minute))

	w := f.get(t, "/telemetry/history?vehicleId=veh-1")
	require.Equal(t, http.StatusOK, w.Code)

	var page store.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 2)
	assert.Equal(t, "veh-1", page.Events[0].VehicleID)
	assert.Less(t, page.Events[0].EventID, page.Events[1].EventID)
	assert.Empty(t, page.NextPageToken)
}

func TestHistoryPaginates(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.ingest(t, "veh-1", 48.85+float64(i)*0.01, 2.35, t0.Add(time.Duration(i)*time.Minute))
	}

	w := f.get(t, "/telemetry/history?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var first store.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	require.Len(t, first.Events, 2)
	require.NotEmpty(t, first.NextPageToken)

	w = f.get(t, "/telemetry/history?limit=2&pageToken="+first.NextPageToken)
	require.Equal(t, http.StatusOK, w.Code)
	var second store.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	require.Len(t, second.Events, 1)
	assert.Greater(t, second.Events[0].EventID, first.Events[1].EventID)
}

func TestHistoryRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/telemetry/history?start=2025-01-15T11:00:00Z&end=2025-01-15T10:00:00Z")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := decode(t, w)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "invalid_argument", errObj["type"])
	assert.Equal(t, "invalid_time_range", errObj["message"])
}

func TestHistoryRejectsBadTimestamp(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/telemetry/history?start=yesterday")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryRejectsBadPageToken(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/telemetry/history?pageToken=%21%21not-base64")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "invalid_argument", errObj["type"])
}

func TestSummaryAggregates(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	f.ingest(t, "veh-1", 48.8666, 2.3622, t0.Add(time.Minute))

	_, err := f.store.ComputeRollups(context.Background(), 300,
		store.AlignToWindow(t0, 300), store.AlignToWindow(t0.Add(10*time.Minute), 300))
	require.NoError(t, err)

	w := f.get(t, "/telemetry/summary?start=2025-01-15T09:00:00Z&end=2025-01-15T11:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)

	var result store.AggregateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, int64(300), result.WindowSeconds)
	require.Len(t, result.Buckets, 1)

	b := result.Buckets[0]
	assert.Equal(t, "veh-1", b.VehicleID)
	require.NotNil(t, b.SampleCount)
	assert.Equal(t, int64(2), *b.SampleCount)
	require.NotNil(t, b.AvgSpeedKmh)
	assert.InDelta(t, 30, *b.AvgSpeedKmh, 1e-9)
	assert.Equal(t, int64(0), b.BucketStart.Unix()%300)
	assert.Equal(t, b.BucketStart.Add(300*time.Second), b.BucketEnd)
}

func TestSummarySelection(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	_, err := f.store.ComputeRollups(context.Background(), 300,
		store.AlignToWindow(t0, 300), store.AlignToWindow(t0.Add(10*time.Minute), 300))
	require.NoError(t, err)

	w := f.get(t, "/telemetry/summary?aggregate=maxSpeed&start=2025-01-15T09:00:00Z&end=2025-01-15T11:00:00Z")
	require.Equal(t, http.StatusOK, w.Code)

	var result store.AggregateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.Len(t, result.Buckets, 1)
	assert.NotNil(t, result.Buckets[0].MaxSpeedKmh)
	assert.Nil(t, result.Buckets[0].AvgSpeedKmh)
	assert.Nil(t, result.Buckets[0].SampleCount)
}

func TestSummaryRejectsInvertedRange(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/telemetry/summary?start=2025-01-15T11:00:00Z&end=2025-01-15T10:00:00Z")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSummaryDefaultsToLastHour(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	_, err := f.store.ComputeRollups(context.Background(), 300,
		store.AlignToWindow(t0, 300), store.AlignToWindow(t0.Add(10*time.Minute), 300))
	require.NoError(t, err)

	f.clk.Set(t0.Add(30 * time.Minute))
	w := f.get(t, "/telemetry/summary")
	require.Equal(t, http.StatusOK, w.Code)

	var result store.AggregateResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Len(t, result.Buckets, 1)
}

func TestStatsRateIsFinite(t *testing.T) {
	f := newFixture(t)
	w := f.get(t, "/stats")
	body := decode(t, w)
	rate := body["messageRatePerSecond"].(float64)
	assert.False(t, math.IsNaN(rate))
	assert.GreaterOrEqual(t, rate, 0.0)
}
