package ingest

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/geo"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

// Recorder persists enriched observations. *store.Store satisfies it.
type Recorder interface {
	RecordTelemetry(ctx context.Context, v telemetry.EnrichedVehicle) (store.TelemetryEvent, error)
}

// Broadcaster pushes updates to live subscribers. *livefeed.Hub satisfies it.
type Broadcaster interface {
	BroadcastUpdate(v telemetry.EnrichedVehicle)
}

// Pipeline drives one broker delivery through validate, enrich, cache,
// persist and fan-out.
type Pipeline struct {
	cache *vehiclecache.Cache
	rec   Recorder
	hub   Broadcaster
	coll  *stats.Collector
	clk   clock.Clock
	log   *zap.Logger
}

func NewPipeline(cache *vehiclecache.Cache, rec Recorder, hub Broadcaster, coll *stats.Collector, clk clock.Clock, log *zap.Logger) *Pipeline {
	return &Pipeline{
		cache: cache,
		rec:   rec,
		hub:   hub,
		coll:  coll,
		clk:   clk,
		log:   log.Named("ingest"),
	}
}

// HandleMessage processes one delivered payload end to end. Exactly one of
// the valid/invalid counters moves per call. A rejected message has no other
// effect; a storage failure is logged and does not stop the fan-out.
func (p *Pipeline) HandleMessage(ctx context.Context, payload []byte) {
	obs, err := parsePayload(payload)
	if err != nil {
		p.coll.RecordInvalid()
		p.log.Warn("telemetry rejected",
			zap.Strings("reasons", rejectionReasons(err)),
			zap.Int("payload_bytes", len(payload)),
		)
		return
	}

	now := p.clk.Now().UTC()
	enriched := p.enrich(obs, now)

	p.cache.Set(enriched)
	p.coll.RecordValid(now)
	p.coll.SetVehiclesTracked(p.cache.Len())

	if _, err := p.rec.RecordTelemetry(ctx, enriched); err != nil {
		p.log.Error("persist telemetry",
			zap.String("vehicle_id", enriched.VehicleID),
			zap.Error(err),
		)
	}

	p.hub.BroadcastUpdate(enriched)
}

// enrich resolves the effective speed and stamps the ingest instant. The
// previous cache entry must be read before Set replaces it.
func (p *Pipeline) enrich(obs telemetry.Observation, ingestAt time.Time) telemetry.EnrichedVehicle {
	v := telemetry.EnrichedVehicle{
		VehicleID:    obs.VehicleID,
		Lat:          obs.Lat,
		Lng:          obs.Lng,
		FuelLevel:    obs.FuelLevel,
		EngineStatus: obs.EngineStatus,
		RecordedAt:   obs.RecordedAt,
		IngestAt:     ingestAt,
	}
	if obs.SpeedKmh != nil {
		v.SpeedKmh = *obs.SpeedKmh
		return v
	}
	v.SpeedKmh = p.deriveSpeed(obs)
	return v
}

// deriveSpeed computes speed from the previous cached position. Zero for a
// vehicle with no prior entry or whose reported clock did not move forward.
func (p *Pipeline) deriveSpeed(obs telemetry.Observation) float64 {
	prev, ok := p.cache.Get(obs.VehicleID)
	if !ok {
		return 0
	}
	if !obs.RecordedAt.After(prev.RecordedAt) {
		return 0
	}
	elapsed := obs.RecordedAt.Sub(prev.RecordedAt).Hours()
	return geo.SpeedKmh(prev.Lat, prev.Lng, obs.Lat, obs.Lng, elapsed)
}

func parsePayload(payload []byte) (telemetry.Observation, error) {
	raw, err := telemetry.Decode(payload)
	if err != nil {
		return telemetry.Observation{}, err
	}
	return telemetry.Parse(raw)
}

func rejectionReasons(err error) []string {
	var verrs telemetry.ValidationErrors
	if errors.As(err, &verrs) {
		return verrs.Reasons()
	}
	return []string{err.Error()}
}
