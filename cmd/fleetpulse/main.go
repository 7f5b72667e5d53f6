package main

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/ingest"
	"github.com/fleetpulse/fleetpulse/internal/livefeed"
	"github.com/fleetpulse/fleetpulse/internal/rollup"
	"github.com/fleetpulse/fleetpulse/internal/rpc"
	"github.com/fleetpulse/fleetpulse/internal/server"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/tracing"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
	"github.com/fleetpulse/fleetpulse/pkg/log"
)

func main() {
	app := fx.New(
		// The watchdog: shutdown that has not completed by now is forced.
		fx.StopTimeout(5*time.Second),

		config.Module,
		log.Module,
		tracing.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),

		store.Module,
		vehiclecache.Module,
		stats.Module,
		livefeed.Module,
		rollup.Module,
		server.Module,
		rpc.Module,

		// The broker subscription starts last so every downstream exists
		// before the first message arrives.
		ingest.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
