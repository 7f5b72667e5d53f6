package ingest

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/livefeed"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

// Module wires the pipeline to its concrete collaborators and manages the
// broker connection for the process lifetime.
var Module = fx.Module("ingest",
	fx.Provide(newPipeline),
	fx.Provide(NewClient),
	fx.Invoke(runClient),
)

func newPipeline(cache *vehiclecache.Cache, st *store.Store, hub *livefeed.Hub, coll *stats.Collector, clk clock.Clock, log *zap.Logger) *Pipeline {
	return NewPipeline(cache, st, hub, coll, clk, log)
}

func runClient(lc fx.Lifecycle, c *Client) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			c.Stop()
			return nil
		},
	})
}
