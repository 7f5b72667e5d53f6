package rpc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
	"github.com/fleetpulse/fleetpulse/pkg/pagination"
)

// ServiceName is the fully qualified grpc service name.
const ServiceName = "fleetpulse.v1.FleetService"

// Metadata headers emitted by server streams.
const (
	headerActiveStreams = "active-stream-count"
	headerNextPageToken = "next-page-token"
)

// Service is the RPC query surface. Like the HTTP surface it only reads: the
// cache for live state, the store for history and aggregates.
type Service struct {
	cache *vehiclecache.Cache
	store *store.Store
	coll  *stats.Collector
	clk   clock.Clock
	cfg   config.GRPCConfig
	log   *zap.Logger
}

func NewService(cache *vehiclecache.Cache, st *store.Store, coll *stats.Collector, clk clock.Clock, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		cache: cache,
		store: st,
		coll:  coll,
		clk:   clk,
		cfg:   cfg.GRPC,
		log:   log.Named("rpc"),
	}
}

// GetFleetSnapshot returns the cached fleet in insertion order, optionally
// with the operational stats document.
func (s *Service) GetFleetSnapshot(_ context.Context, req *SnapshotRequest) (*SnapshotResponse, error) {
	vehicles := filterVehicles(s.cache.Snapshot(), req.VehicleIDs)
	resp := &SnapshotResponse{Vehicles: vehicles}
	if req.IncludeStats {
		snap := s.coll.Snapshot(s.clk.Now(), s.cache.Len())
		resp.Stats = &snap
	}
	return resp, nil
}

// GetAggregates serves windowed metrics from the rollup table.
func (s *Service) GetAggregates(ctx context.Context, req *AggregateRequest) (*AggregateResponse, error) {
	start, end, err := parseRange(req.Start, req.End)
	if err != nil {
		return nil, err
	}

	windowSeconds := req.WindowSeconds
	if windowSeconds == 0 {
		windowSeconds = s.store.BaseWindow()
	}

	result, err := s.store.Aggregates(ctx, store.AggregateQuery{
		VehicleIDs:    req.VehicleIDs,
		Start:         start,
		End:           end,
		WindowSeconds: windowSeconds,
		Selection:     req.Aggregates,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &result, nil
}

// StreamHistory streams one page of the event log, ascending. A truncated
// page announces its continuation token in the response header; the stream
// closes when the page is exhausted.
func (s *Service) StreamHistory(req *HistoryRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	start, end, err := parseRange(req.Start, req.End)
	if err != nil {
		return err
	}

	count := s.coll.StreamStarted()
	defer s.coll.StreamEnded()

	page, err := s.store.History(ctx, store.HistoryQuery{
		VehicleIDs: req.VehicleIDs,
		Start:      start,
		End:        end,
		Limit:      req.Limit,
		PageToken:  req.PageToken,
	})
	if err != nil {
		return toStatus(err)
	}

	md := metadata.Pairs(headerActiveStreams, strconv.FormatInt(count, 10))
	if page.NextPageToken != "" {
		md.Set(headerNextPageToken, page.NextPageToken)
	}
	if err := stream.SetHeader(md); err != nil {
		return err
	}

	for i := range page.Events {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := stream.SendMsg(&page.Events[i]); err != nil {
			return err
		}
	}
	return nil
}

// StreamFleet emits the cache snapshot once, then polls for changed-or-new
// vehicles on a fixed interval, with heartbeats while nothing changes.
// SendMsg blocks until the transport drains, so a slow reader pauses the
// poll loop instead of being dropped; the fan-out's drop policy belongs to
// the WebSocket path, not here.
func (s *Service) StreamFleet(req *StreamRequest, stream grpc.ServerStream) error {
	ctx := stream.Context()

	count := s.coll.StreamStarted()
	defer s.coll.StreamEnded()

	streamID := ulid.Make().String()
	log := s.log.With(zap.String("stream_id", streamID))
	log.Info("fleet stream opened", zap.Int64("active_streams", count))
	defer log.Info("fleet stream closed")

	if err := stream.SetHeader(metadata.Pairs(headerActiveStreams, strconv.FormatInt(count, 10))); err != nil {
		return err
	}

	snapshot := filterVehicles(s.cache.Snapshot(), req.VehicleIDs)
	lastSeen := make(map[string]time.Time, len(snapshot))
	for _, v := range snapshot {
		lastSeen[v.VehicleID] = v.IngestAt
	}
	if err := stream.SendMsg(&FleetFrame{Type: FrameSnapshot, Vehicles: snapshot, At: s.clk.Now()}); err != nil {
		return err
	}
	lastSent := s.clk.Now()

	ticker := time.NewTicker(s.cfg.StreamInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var changed []telemetry.EnrichedVehicle
		for _, v := range filterVehicles(s.cache.Snapshot(), req.VehicleIDs) {
			if prev, ok := lastSeen[v.VehicleID]; !ok || v.IngestAt.After(prev) {
				lastSeen[v.VehicleID] = v.IngestAt
				changed = append(changed, v)
			}
		}

		switch {
		case len(changed) > 0:
			if err := stream.SendMsg(&FleetFrame{Type: FrameDelta, Vehicles: changed, At: s.clk.Now()}); err != nil {
				return err
			}
			lastSent = s.clk.Now()
		case s.clk.Now().Sub(lastSent) >= s.cfg.StreamHeartbeat():
			if err := stream.SendMsg(&FleetFrame{Type: FrameHeartbeat, At: s.clk.Now()}); err != nil {
				return err
			}
			lastSent = s.clk.Now()
		}
	}
}

// filterVehicles keeps cache iteration order; an empty filter passes
// everything through.
func filterVehicles(vehicles []telemetry.EnrichedVehicle, ids []string) []telemetry.EnrichedVehicle {
	if len(ids) == 0 {
		return vehicles
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	out := make([]telemetry.EnrichedVehicle, 0, len(vehicles))
	for _, v := range vehicles {
		if _, ok := wanted[v.VehicleID]; ok {
			out = append(out, v)
		}
	}
	return out
}

// parseRange turns the wire's optional RFC3339 bounds into store query
// bounds, rejecting unparseable or inverted ranges.
func parseRange(startStr, endStr string) (*time.Time, *time.Time, error) {
	var start, end *time.Time
	if startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			return nil, nil, status.Error(codes.InvalidArgument, "invalid_start")
		}
		t = t.UTC()
		start = &t
	}
	if endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			return nil, nil, status.Error(codes.InvalidArgument, "invalid_end")
		}
		t = t.UTC()
		end = &t
	}
	if start != nil && end != nil && !start.Before(*end) {
		return nil, nil, status.Error(codes.InvalidArgument, "invalid_time_range")
	}
	return start, end, nil
}

// toStatus maps store errors onto grpc codes: caller mistakes become
// InvalidArgument, everything else Internal with the message as detail.
func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidTimeRange),
		errors.Is(err, store.ErrInvalidWindow),
		errors.Is(err, store.ErrUnknownAggregate),
		errors.Is(err, pagination.ErrInvalidToken):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
