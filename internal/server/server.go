package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/fleetpulse/fleetpulse/internal/clock"
	"github.com/fleetpulse/fleetpulse/internal/config"
	"github.com/fleetpulse/fleetpulse/internal/livefeed"
	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/vehiclecache"
)

// Module serves the HTTP query surface for the process lifetime.
var Module = fx.Module("http.server",
	fx.Provide(New),
	fx.Invoke(run),
)

// Server is the HTTP query surface: health probes, operational stats, and
// the windowed-aggregate and history queries. It reads the cache and the
// store; it never mutates either.
type Server struct {
	engine *gin.Engine
	cfg    config.Config
	cache  *vehiclecache.Cache
	store  *store.Store
	coll   *stats.Collector
	hub    *livefeed.Hub
	clk    clock.Clock
	log    *zap.Logger
}

func New(cfg config.Config, cache *vehiclecache.Cache, st *store.Store, coll *stats.Collector, hub *livefeed.Hub, clk clock.Clock, log *zap.Logger) *Server {
	s := &Server{
		cfg:   cfg,
		cache: cache,
		store: st,
		coll:  coll,
		hub:   hub,
		clk:   clk,
		log:   log.Named("http"),
	}
	s.engine = s.newEngine()
	return s
}

func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(s.log))
	r.Use(CORS())
	r.Use(ErrorHandlingMiddleware())

	r.HandleMethodNotAllowed = true
	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, errorResponse{Error: errorPayload{
			Type:    "method_not_allowed",
			Message: "method not allowed",
		}})
	})

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	r.GET("/stats", s.handleStats)
	r.GET("/telemetry/summary", s.handleSummary)
	r.GET("/telemetry/history", s.handleHistory)
	r.GET(s.cfg.WebSocket.Path, s.hub.Handler())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func run(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HTTPPort),
		Handler: s.engine,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			s.log.Info("http server listening", zap.String("addr", srv.Addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
