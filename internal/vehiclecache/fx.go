package vehiclecache

import (
	"context"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the vehicle cache and runs its expiry sweep.
var Module = fx.Module("vehiclecache",
	fx.Provide(NewFromConfig),
	fx.Invoke(runSweep),
)

func NewFromConfig(cfg config.Config, clk clock.Clock, log *zap.Logger) *Cache {
	return New(cfg.CacheLimit, cfg.VehicleTTL(), clk, log)
}

func runSweep(lc fx.Lifecycle, c *Cache, log *zap.Logger) {
	if c.SweepInterval() == 0 {
		log.Named("vehiclecache").Info("expiry sweep disabled")
		return
	}

	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				c.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}
