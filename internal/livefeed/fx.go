package livefeed

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

// Module provides the fan-out hub and ties the cache's expiry callback to it.
var Module = fx.Module("livefeed",
	fx.Provide(NewFromConfig),
	fx.Invoke(wire),
)

func NewFromConfig(cache *vehiclecache.Cache, coll *stats.Collector, cfg config.Config, log *zap.Logger) *Hub {
	return NewHub(cache.Snapshot, coll, cfg.WebSocket.PayloadVersion, log)
}

// wire attaches the expiry broadcast after both the cache and the hub exist,
// and closes the hub on shutdown.
func wire(lc fx.Lifecycle, hub *Hub, cache *vehiclecache.Cache) {
	cache.OnRemoval(func(id string, _ telemetry.EnrichedVehicle) {
		hub.BroadcastRemove(id)
	})

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			hub.Close()
			return nil
		},
	})
}
