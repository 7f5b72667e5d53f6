package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormprometheus "gorm.io/plugin/prometheus"

	"github.com/fleetpulse/fleetpulse/internal/config"
)

// Module opens the telemetry store, applies migrations, and closes the
// handle on shutdown.
var Module = fx.Module("store",
	fx.Provide(NewFromConfig),
)

// Sentinel errors surfaced by query operations. The query layer maps them to
// invalid-argument; everything else becomes internal.
var (
	ErrInvalidTimeRange = errors.New("invalid_time_range")
	ErrInvalidWindow    = errors.New("invalid_window_seconds")
	ErrUnknownAggregate = errors.New("unknown_aggregate")
)

// Store is the durable side of the service: the append-only event log, the
// per-vehicle distance cache and the rollup table. All mutations go through
// RecordTelemetry; everything else reads.
type Store struct {
	db      *gorm.DB
	log     *zap.Logger
	windows []int64
}

// NewFromConfig opens the sqlite database named by the configuration and
// registers its shutdown hook. Failure here is an unrecoverable startup
// error; fx aborts with non-zero status.
func NewFromConfig(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*Store, error) {
	s, err := Open(cfg.TelemetryDB.Path, cfg.RollupWindowSet(), log)
	if err != nil {
		return nil, err
	}
	if err := s.instrument(cfg); err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

// Open creates the database file if needed, applies pragmas and migrations,
// and returns a ready store.
func Open(path string, windows []int64, log *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open telemetry db: %w", err)
	}

	s := &Store{db: db, log: log.Named("store"), windows: windows}
	if err := s.migrate(); err != nil {
		return nil, err
	}

	s.log.Info("telemetry store ready",
		zap.String("path", path),
		zap.Int64s("rollup_windows", windows),
	)
	return s, nil
}

// instrument attaches the gorm observability plugins: connection-pool gauges
// on the process registry, and per-query spans when tracing is on. Tests
// open through Open directly and skip both.
func (s *Store) instrument(cfg config.Config) error {
	if err := s.db.Use(gormprometheus.New(gormprometheus.Config{
		DBName:          "telemetry",
		RefreshInterval: 15,
	})); err != nil {
		return fmt.Errorf("attach prometheus plugin: %w", err)
	}
	if cfg.Tracing.Enabled {
		if err := s.db.Use(otelgorm.NewPlugin()); err != nil {
			return fmt.Errorf("attach tracing plugin: %w", err)
		}
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Windows returns the materialized rollup window sizes, base window first.
func (s *Store) Windows() []int64 {
	return s.windows
}

// BaseWindow is the window every non-derivable aggregate request falls
// back to.
func (s *Store) BaseWindow() int64 {
	return s.windows[0]
}
