package rollup

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the rollup worker and runs it for the process lifetime.
var Module = fx.Module("rollup",
	fx.Provide(New),
	fx.Invoke(runWorker),
)

func runWorker(lc fx.Lifecycle, w *Worker) {
	var cancel context.CancelFunc
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				w.RunForever(ctx)
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
