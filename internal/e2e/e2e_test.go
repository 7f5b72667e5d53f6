package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/geo"
	"github.com/fleetpulse/fleetpulse/internal/ingest"
	"github.com/fleetpulse/fleetpulse/internal/livefeed"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// world is the full ingest-to-fan-out path wired together the way main does
// it, minus the broker and the fx container.
type world struct {
	pipeline *ingest.Pipeline
	cache    *vehiclecache.Cache
	store    *store.Store
	coll     *stats.Collector
	hub      *livefeed.Hub
	clk      *clock.FakeClock
	wsURL    string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(filepath.Join(t.TempDir(), "telemetry.db"), []int64{300}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFakeClock(t0)
	cache := vehiclecache.New(1000, time.Minute, clk, zap.NewNop())
	coll := stats.New(60*time.Second, prometheus.NewRegistry())
	hub := livefeed.NewHub(cache.Snapshot, coll, 1, zap.NewNop())
	cache.OnRemoval(func(id string, _ telemetry.EnrichedVehicle) {
		hub.BroadcastRemove(id)
	})

	r := gin.New()
	r.GET("/stream", hub.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &world{
		pipeline: ingest.NewPipeline(cache, st, hub, coll, clk, zap.NewNop()),
		cache:    cache,
		store:    st,
		coll:     coll,
		hub:      hub,
		clk:      clk,
		wsURL:    "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream",
	}
}

func (w *world) subscribe(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(w.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return w.hub.ConnectedClients() == 1 },
		time.Second, 10*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func payload(id string, lat, lng, fuel float64, recordedAt string) []byte {
	return []byte(fmt.Sprintf(
		`{"vehicleId":%q,"lat":%v,"lng":%v,"fuelLevel":%v,"engineStatus":"running","recordedAt":%q}`,
		id, lat, lng, fuel, recordedAt))
}

// First observation: one cache entry, one event with zero distance, one
// counted message, and a connected subscriber sees an update with speed 0.
func TestFirstObservation(t *testing.T) {
	w := newWorld(t)
	conn := w.subscribe(t)

	w.pipeline.HandleMessage(context.Background(),
		payload("veh-1", 48.8566, 2.3522, 82.5, "2024-01-01T00:00:00Z"))

	assert.Equal(t, 1, w.cache.Len())

	count, err := w.store.EventCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	page, err := w.store.History(context.Background(), store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, 0.0, page.Events[0].DistanceKm)

	snap := w.coll.Snapshot(w.clk.Now(), w.cache.Len())
	assert.Equal(t, int64(1), snap.TotalMessages)
	assert.Equal(t, int64(0), snap.InvalidMessages)

	frame := readFrame(t, conn)
	assert.Equal(t, "vehicle_update", frame["type"])
	assert.Equal(t, "veh-1", frame["vehicleId"])
	pos := frame["position"].(map[string]any)
	assert.InDelta(t, 48.8566, pos["lat"], 1e-9)
	assert.InDelta(t, 2.3522, pos["lng"], 1e-9)
	tel := frame["telemetry"].(map[string]any)
	assert.Equal(t, 0.0, tel["speed"])
}

// Second observation five minutes later: the broadcast speed matches
// haversine distance over elapsed time, and the stored event carries that
// distance both as the leg and the cumulative total.
func TestDerivedSpeed(t *testing.T) {
	w := newWorld(t)
	conn := w.subscribe(t)

	w.pipeline.HandleMessage(context.Background(),
		payload("veh-1", 48.8566, 2.3522, 82.5, "2024-01-01T00:00:00Z"))
	w.clk.Advance(5 * time.Minute)
	w.pipeline.HandleMessage(context.Background(),
		payload("veh-1", 48.8666, 2.3622, 54.4, "2024-01-01T00:05:00Z"))

	distance := geo.HaversineKm(48.8566, 2.3522, 48.8666, 2.3622)
	wantSpeed := distance / (5.0 / 60.0)

	readFrame(t, conn) // first update
	second := readFrame(t, conn)
	tel := second["telemetry"].(map[string]any)
	assert.InDelta(t, wantSpeed, tel["speed"], 0.5)

	page, err := w.store.History(context.Background(), store.HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, page.Events, 2)
	assert.InDelta(t, distance, page.Events[1].DistanceKm, 1e-9)

	cumulative, err := w.store.CumulativeKm(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.InDelta(t, distance, cumulative, 1e-9)
}

// Garbage in: the invalid counter moves, nothing else does.
func TestInvalidPayload(t *testing.T) {
	w := newWorld(t)

	w.pipeline.HandleMessage(context.Background(), []byte("not-json"))

	snap := w.coll.Snapshot(w.clk.Now(), w.cache.Len())
	assert.Equal(t, int64(1), snap.InvalidMessages)
	assert.Equal(t, int64(0), snap.TotalMessages)
	assert.Equal(t, 0, w.cache.Len())

	count, err := w.store.EventCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

// A subscriber that connects after ingest receives the cached vehicle as its
// first frame.
func TestSnapshotOnConnect(t *testing.T) {
	w := newWorld(t)

	w.pipeline.HandleMessage(context.Background(),
		payload("veh-1", 48.8566, 2.3522, 82.5, "2024-01-01T00:00:00Z"))

	conn := w.subscribe(t)
	frame := readFrame(t, conn)
	assert.Equal(t, "vehicle_update", frame["type"])
	assert.Equal(t, "veh-1", frame["vehicleId"])
}

// TTL expiry broadcasts a vehicle_remove for the silent vehicle only.
func TestExpiryBroadcastsRemove(t *testing.T) {
	w := newWorld(t)

	w.pipeline.HandleMessage(context.Background(),
		payload("veh-stale", 48.0, 2.0, 50, "2024-01-01T00:00:00Z"))
	w.clk.Advance(2 * time.Minute)
	w.pipeline.HandleMessage(context.Background(),
		payload("veh-fresh", 49.0, 3.0, 60, "2024-01-01T00:02:00Z"))

	conn := w.subscribe(t)
	readFrame(t, conn) // snapshot: veh-stale
	readFrame(t, conn) // snapshot: veh-fresh

	removed := w.cache.ExpireSweep(w.clk.Now())
	assert.Equal(t, 1, removed)

	frame := readFrame(t, conn)
	assert.Equal(t, "vehicle_remove", frame["type"])
	assert.Equal(t, "veh-stale", frame["vehicleId"])

	_, ok := w.cache.Get("veh-stale")
	assert.False(t, ok)
	_, ok = w.cache.Get("veh-fresh")
	assert.True(t, ok)
}

// Rollups over ingested events recompute to identical rows.
func TestRollupRecomputation(t *testing.T) {
	w := newWorld(t)

	times := []string{"2024-01-01T00:00:00Z", "2024-01-01T00:04:00Z", "2024-01-01T00:09:00Z"}
	for i, ts := range times {
		w.pipeline.HandleMessage(context.Background(),
			payload("veh-1", 48.85+float64(i)*0.01, 2.35, 80-float64(i)*10, ts))
		w.clk.Advance(time.Minute)
	}

	start := store.AlignToWindow(t0, 300)
	end := store.AlignToWindow(t0.Add(15*time.Minute), 300)

	_, err := w.store.ComputeRollups(context.Background(), 300, start, end)
	require.NoError(t, err)
	first, err := w.store.Aggregates(context.Background(), store.AggregateQuery{WindowSeconds: 300})
	require.NoError(t, err)

	_, err = w.store.ComputeRollups(context.Background(), 300, start, end)
	require.NoError(t, err)
	second, err := w.store.Aggregates(context.Background(), store.AggregateQuery{WindowSeconds: 300})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.Len(t, first.Buckets, 2) // 00:00 bucket has two samples, 00:05 one
	require.NotNil(t, first.Buckets[0].SampleCount)
	assert.Equal(t, int64(2), *first.Buckets[0].SampleCount)
	require.NotNil(t, first.Buckets[0].MinFuelLevel)
	assert.InDelta(t, 70, *first.Buckets[0].MinFuelLevel, 1e-9)
}
