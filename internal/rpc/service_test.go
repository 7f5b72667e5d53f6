package rpc

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

// fakeStream records everything a handler sends. Safe for concurrent use;
// stream handlers run on their own goroutine in these tests.
type fakeStream struct {
	ctx    context.Context
	mu     sync.Mutex
	header metadata.MD
	sent   []any
}

func newFakeStream(ctx context.Context) *fakeStream {
	return &fakeStream{ctx: ctx, header: metadata.MD{}}
}

func (s *fakeStream) SetHeader(md metadata.MD) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range md {
		s.header[k] = v
	}
	return nil
}

func (s *fakeStream) SendHeader(md metadata.MD) error { return s.SetHeader(md) }
func (s *fakeStream) SetTrailer(metadata.MD)          {}
func (s *fakeStream) Context() context.Context        { return s.ctx }

func (s *fakeStream) SendMsg(m any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *fakeStream) RecvMsg(any) error { return nil }

func (s *fakeStream) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) sentAt(i int) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[i]
}

type fixture struct {
	svc   *Service
	cache *vehiclecache.Cache
	store *store.Store
	coll  *stats.Collector
	clk   *clock.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "telemetry.db"), []int64{300}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFakeClock(t0)
	cache := vehiclecache.New(100, time.Minute, clk, zap.NewNop())
	coll := stats.New(60*time.Second, prometheus.NewRegistry())

	cfg := config.Config{}
	cfg.GRPC.StreamIntervalMs = 10
	cfg.GRPC.StreamHeartbeatMs = 15_000

	return &fixture{
		svc:   NewService(cache, st, coll, clk, cfg, zap.NewNop()),
		cache: cache,
		store: st,
		coll:  coll,
		clk:   clk,
	}
}

func (f *fixture) ingest(t *testing.T, id string, lat, lng float64, recordedAt time.Time) {
	t.Helper()
	v := telemetry.EnrichedVehicle{
		VehicleID:    id,
		Lat:          lat,
		Lng:          lng,
		SpeedKmh:     25,
		FuelLevel:    60,
		EngineStatus: telemetry.EngineIdle,
		RecordedAt:   recordedAt,
		IngestAt:     f.clk.Now(),
	}
	f.cache.Set(v)
	_, err := f.store.RecordTelemetry(context.Background(), v)
	require.NoError(t, err)
}

func TestGetFleetSnapshot(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.85, 2.35, t0)
	f.ingest(t, "veh-2", 40.0, -3.7, t0)

	resp, err := f.svc.GetFleetSnapshot(context.Background(), &SnapshotRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Vehicles, 2)
	assert.Equal(t, "veh-1", resp.Vehicles[0].VehicleID)
	assert.Equal(t, "veh-2", resp.Vehicles[1].VehicleID)
	assert.Nil(t, resp.Stats)
}

func TestGetFleetSnapshotFilterAndStats(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.85, 2.35, t0)
	f.ingest(t, "veh-2", 40.0, -3.7, t0)

	resp, err := f.svc.GetFleetSnapshot(context.Background(), &SnapshotRequest{
		VehicleIDs:   []string{"veh-2"},
		IncludeStats: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Vehicles, 1)
	assert.Equal(t, "veh-2", resp.Vehicles[0].VehicleID)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, int64(2), resp.Stats.VehiclesTracked)
}

func TestGetAggregatesInvalidRange(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.GetAggregates(context.Background(), &AggregateRequest{
		Start: "2025-01-15T11:00:00Z",
		End:   "2025-01-15T10:00:00Z",
	})
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Equal(t, "invalid_time_range", st.Message())
}

func TestGetAggregatesBadTimestamp(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.GetAggregates(context.Background(), &AggregateRequest{Start: "noon"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestGetAggregates(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.8566, 2.3522, t0)
	f.ingest(t, "veh-1", 48.8666, 2.3622, t0.Add(time.Minute))

	_, err := f.store.ComputeRollups(context.Background(), 300,
		store.AlignToWindow(t0, 300), store.AlignToWindow(t0.Add(10*time.Minute), 300))
	require.NoError(t, err)

	resp, err := f.svc.GetAggregates(context.Background(), &AggregateRequest{})
	require.NoError(t, err)
	assert.Equal(t, int64(300), resp.WindowSeconds)
	require.Len(t, resp.Buckets, 1)
	require.NotNil(t, resp.Buckets[0].SampleCount)
	assert.Equal(t, int64(2), *resp.Buckets[0].SampleCount)
}

func TestStreamHistory(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.ingest(t, "veh-1", 48.85+float64(i)*0.01, 2.35, t0.Add(time.Duration(i)*time.Minute))
	}

	stream := newFakeStream(context.Background())
	err := f.svc.StreamHistory(&HistoryRequest{Limit: 2}, stream)
	require.NoError(t, err)

	require.Len(t, stream.sent, 2)
	first := stream.sent[0].(*HistoryEvent)
	second := stream.sent[1].(*HistoryEvent)
	assert.Less(t, first.EventID, second.EventID)

	assert.NotEmpty(t, stream.header.Get(headerNextPageToken))
	assert.Equal(t, []string{"1"}, stream.header.Get(headerActiveStreams))
	assert.Equal(t, int64(0), f.coll.ActiveStreams())
}

func TestStreamHistoryFinalPageOmitsToken(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.85, 2.35, t0)

	stream := newFakeStream(context.Background())
	require.NoError(t, f.svc.StreamHistory(&HistoryRequest{Limit: 10}, stream))
	assert.Len(t, stream.sent, 1)
	assert.Empty(t, stream.header.Get(headerNextPageToken))
}

func TestStreamHistoryInvalidRange(t *testing.T) {
	f := newFixture(t)
	stream := newFakeStream(context.Background())
	err := f.svc.StreamHistory(&HistoryRequest{
		Start: "2025-01-15T11:00:00Z",
		End:   "2025-01-15T10:00:00Z",
	}, stream)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
	assert.Empty(t, stream.sent)
}

func TestStreamFleetSnapshotThenDelta(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "veh-1", 48.85, 2.35, t0)

	ctx, cancel := context.WithCancel(context.Background())
	stream := newFakeStream(ctx)

	done := make(chan error, 1)
	go func() { done <- f.svc.StreamFleet(&StreamRequest{}, stream) }()

	// Snapshot frame arrives immediately.
	require.Eventually(t, func() bool { return stream.sentCount() >= 1 },
		time.Second, 5*time.Millisecond)
	first := stream.sentAt(0).(*FleetFrame)
	assert.Equal(t, FrameSnapshot, first.Type)
	require.Len(t, first.Vehicles, 1)

	// A newer observation shows up as a delta on the next poll.
	f.clk.Advance(time.Second)
	f.ingest(t, "veh-1", 48.86, 2.36, t0.Add(time.Minute))

	require.Eventually(t, func() bool { return stream.sentCount() >= 2 },
		time.Second, 5*time.Millisecond)
	delta := stream.sentAt(1).(*FleetFrame)
	assert.Equal(t, FrameDelta, delta.Type)
	require.Len(t, delta.Vehicles, 1)
	assert.Equal(t, "veh-1", delta.Vehicles[0].VehicleID)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), f.coll.ActiveStreams())
}

func TestStreamFleetCancelDecrementsOnce(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	stream := newFakeStream(ctx)
	done := make(chan error, 1)
	go func() { done <- f.svc.StreamFleet(&StreamRequest{}, stream) }()

	require.Eventually(t, func() bool { return f.coll.ActiveStreams() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, int64(0), f.coll.ActiveStreams())
}

func TestJSONCodecRoundTrip(t *testing.T) {
	codec := jsonCodec{}
	in := &SnapshotRequest{VehicleIDs: []string{"veh-1"}, IncludeStats: true}

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out SnapshotRequest
	require.NoError(t, codec.Unmarshal(data, &out))
	assert.Equal(t, *in, out)
	assert.Equal(t, "json", codec.Name())
}
