package rpc

import (
	"context"
	"net"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/fleetpulse/fleetpulse/internal/config"
)

// Module serves the RPC surface when grpc.enabled is set.
var Module = fx.Module("rpc",
	fx.Provide(NewService),
	fx.Invoke(run),
)

func run(lc fx.Lifecycle, cfg config.Config, svc *Service, log *zap.Logger) {
	log = log.Named("rpc")
	if !cfg.GRPC.Enabled {
		log.Info("rpc surface disabled")
		return
	}

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.GRPC.KeepaliveTime(),
			Timeout: cfg.GRPC.KeepaliveTimeout(),
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.GRPC.KeepaliveTime() / 2,
			PermitWithoutStream: true,
		}),
	)
	srv.RegisterService(&Desc, svc)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr())
			if err != nil {
				return err
			}
			log.Info("rpc server listening", zap.String("addr", cfg.GRPC.Addr()))
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Error("rpc serve", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				srv.GracefulStop()
				close(stopped)
			}()
			select {
			case <-stopped:
			case <-ctx.Done():
				srv.Stop()
			}
			return nil
		},
	})
}
