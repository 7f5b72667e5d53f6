package rollup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/store"
)

const runTimeout = 30 * time.Second

// Worker materializes rollups for every configured window on a fixed
// interval. Each run covers closed buckets only: the bucket containing now
// stays pending until the next run after it closes.
type Worker struct {
	store    *store.Store
	log      *zap.Logger
	clk      clock.Clock
	genID    *snowflake.Node
	interval time.Duration
	catchUp  int64
}

func New(st *store.Store, cfg config.Config, clk clock.Clock, genID *snowflake.Node, log *zap.Logger) *Worker {
	return &Worker{
		store:    st,
		log:      log.Named("rollup"),
		clk:      clk,
		genID:    genID,
		interval: cfg.RollupInterval(),
		catchUp:  int64(cfg.TelemetryDB.RollupCatchUpWindows),
	}
}

// RunForever runs an immediate pass, then one per interval until ctx is
// cancelled. A failed run is logged and the loop keeps going.
func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx, false); err != nil {
			w.log.Warn("rollup run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce computes rollups for every window once. force recomputes each
// window from the oldest event instead of resuming behind the last
// materialized bucket.
func (w *Worker) RunOnce(parent context.Context, force bool) error {
	ctx, cancel := context.WithTimeout(parent, runTimeout)
	defer cancel()

	runID := w.genID.Generate().String()
	startedAt := w.clk.Now()
	log := w.log.With(zap.String("run_id", runID))
	log.Info("rollup.run.start", zap.Bool("force", force))

	var (
		errs    error
		upserts int64
	)
	for _, windowSeconds := range w.store.Windows() {
		n, err := w.rollupWindow(ctx, windowSeconds, force)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("window %ds: %w", windowSeconds, err))
			continue
		}
		upserts += n
	}

	log.Info("rollup.run.finish",
		zap.Int64("buckets_upserted", upserts),
		zap.Int64("duration_ms", w.clk.Now().Sub(startedAt).Milliseconds()),
	)
	return errs
}

// rollupWindow picks the [start, end) range for one window size and delegates
// to the store. end is the last closed bucket boundary; start resumes
// catchUp windows behind the newest materialized bucket, clamped to the
// oldest event.
func (w *Worker) rollupWindow(ctx context.Context, windowSeconds int64, force bool) (int64, error) {
	end := store.AlignToWindow(w.clk.Now(), windowSeconds)

	oldest, ok, err := w.store.OldestEventTime(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	floor := store.AlignToWindow(oldest, windowSeconds)

	start := floor
	if !force {
		latest, ok, err := w.store.LatestRollupEnd(ctx, windowSeconds)
		if err != nil {
			return 0, err
		}
		if ok {
			lag := time.Duration(w.catchUp*windowSeconds) * time.Second
			start = store.AlignToWindow(latest.Add(-lag), windowSeconds)
			if start.Before(floor) {
				start = floor
			}
		}
	}

	if !start.Before(end) {
		return 0, nil
	}
	return w.store.ComputeRollups(ctx, windowSeconds, start, end)
}
