package store

import (
	"context"
	"database/sql"
	"time"
)

// ComputeRollups aggregates events with recordedAt in [start, end) into
// epoch-aligned buckets of windowSeconds and upserts each bucket row. The
// computation is idempotent: recomputing a range replaces the affected rows
// with identical values, and partially filled buckets are refined as later
// events for the same range arrive.
func (s *Store) ComputeRollups(ctx context.Context, windowSeconds int64, start, end time.Time) (int64, error) {
	if windowSeconds <= 0 {
		return 0, ErrInvalidWindow
	}
	if !start.Before(end) {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Exec(`
INSERT INTO telemetry_rollups (bucket_start, bucket_end, vehicle_id, avg_speed_kmh, max_speed_kmh, min_fuel_level, total_distance_km, sample_count)
SELECT
    (recorded_at / 1000 / ?) * ?       AS bucket_start,
    (recorded_at / 1000 / ?) * ? + ?   AS bucket_end,
    vehicle_id,
    AVG(speed_kmh),
    MAX(speed_kmh),
    MIN(fuel_level),
    SUM(distance_km),
    COUNT(*)
FROM telemetry_events
WHERE recorded_at >= ? AND recorded_at < ?
GROUP BY vehicle_id, bucket_start
ON CONFLICT (bucket_start, bucket_end, vehicle_id) DO UPDATE SET
    avg_speed_kmh     = excluded.avg_speed_kmh,
    max_speed_kmh     = excluded.max_speed_kmh,
    min_fuel_level    = excluded.min_fuel_level,
    total_distance_km = excluded.total_distance_km,
    sample_count      = excluded.sample_count`,
		windowSeconds, windowSeconds,
		windowSeconds, windowSeconds, windowSeconds,
		start.UnixMilli(), end.UnixMilli(),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// LatestRollupEnd returns the newest bucket_end materialized for the given
// window size; ok is false when no rollups of that size exist yet.
func (s *Store) LatestRollupEnd(ctx context.Context, windowSeconds int64) (time.Time, bool, error) {
	var latest sql.NullInt64
	err := s.db.WithContext(ctx).
		Raw(`SELECT MAX(bucket_end) FROM telemetry_rollups WHERE bucket_end - bucket_start = ?`, windowSeconds).
		Scan(&latest).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0).UTC(), true, nil
}

// OldestEventTime returns the recordedAt of the oldest event; ok is false
// for an empty log.
func (s *Store) OldestEventTime(ctx context.Context) (time.Time, bool, error) {
	var oldest sql.NullInt64
	err := s.db.WithContext(ctx).
		Raw(`SELECT MIN(recorded_at) FROM telemetry_events`).
		Scan(&oldest).Error
	if err != nil {
		return time.Time{}, false, err
	}
	if !oldest.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(oldest.Int64).UTC(), true, nil
}

// AlignToWindow floors t to the enclosing epoch-aligned bucket boundary.
func AlignToWindow(t time.Time, windowSeconds int64) time.Time {
	epoch := t.Unix()
	return time.Unix((epoch/windowSeconds)*windowSeconds, 0).UTC()
}
