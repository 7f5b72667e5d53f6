package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/fleetpulse/fleetpulse/internal/geo"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
)

// RecordTelemetry persists one enriched observation: the vehicle row upsert,
// the event append and the distance-cache update commit or roll back as one
// unit. distanceKm is the haversine distance from the vehicle's previously
// persisted position, 0 for a vehicle never seen before.
func (s *Store) RecordTelemetry(ctx context.Context, v telemetry.EnrichedVehicle) (TelemetryEvent, error) {
	var event TelemetryEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev vehicleRow
		res := tx.Where("vehicle_id = ?", v.VehicleID).Limit(1).Find(&prev)
		if res.Error != nil {
			return fmt.Errorf("read previous position: %w", res.Error)
		}

		distanceKm := 0.0
		if res.RowsAffected > 0 {
			distanceKm = geo.HaversineKm(prev.LastLat, prev.LastLng, v.Lat, v.Lng)
		}

		if err := tx.Exec(`
INSERT INTO vehicles (vehicle_id, first_seen_at, last_seen_at, last_lat, last_lng, last_engine_status, last_fuel_level)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (vehicle_id) DO UPDATE SET
    last_seen_at       = excluded.last_seen_at,
    last_lat           = excluded.last_lat,
    last_lng           = excluded.last_lng,
    last_engine_status = excluded.last_engine_status,
    last_fuel_level    = excluded.last_fuel_level`,
			v.VehicleID, v.IngestAt.UnixMilli(), v.IngestAt.UnixMilli(),
			v.Lat, v.Lng, string(v.EngineStatus), v.FuelLevel,
		).Error; err != nil {
			return fmt.Errorf("upsert vehicle: %w", err)
		}

		row := newEventRow(v, distanceKm)
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append event: %w", err)
		}

		if err := tx.Exec(`
INSERT INTO telemetry_distance_cache (vehicle_id, last_event_id, cumulative_km)
VALUES (?, ?, ?)
ON CONFLICT (vehicle_id) DO UPDATE SET
    last_event_id = excluded.last_event_id,
    cumulative_km = telemetry_distance_cache.cumulative_km + excluded.cumulative_km`,
			v.VehicleID, row.EventID, distanceKm,
		).Error; err != nil {
			return fmt.Errorf("update distance cache: %w", err)
		}

		event = row.toEvent()
		return nil
	})
	if err != nil {
		return TelemetryEvent{}, err
	}
	return event, nil
}

// CumulativeKm returns the accumulated distance for one vehicle, 0 when the
// vehicle has no distance-cache row.
func (s *Store) CumulativeKm(ctx context.Context, vehicleID string) (float64, error) {
	var row struct {
		CumulativeKm float64 `gorm:"column:cumulative_km"`
	}
	res := s.db.WithContext(ctx).
		Table("telemetry_distance_cache").
		Where("vehicle_id = ?", vehicleID).
		Limit(1).
		Find(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	return row.CumulativeKm, nil
}

// EventCount reports the size of the event log.
func (s *Store) EventCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

// Vehicle returns the latest persisted state for one vehicle.
func (s *Store) Vehicle(ctx context.Context, vehicleID string) (VehicleRecord, bool, error) {
	var row vehicleRow
	res := s.db.WithContext(ctx).Where("vehicle_id = ?", vehicleID).Limit(1).Find(&row)
	if res.Error != nil {
		return VehicleRecord{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return VehicleRecord{}, false, nil
	}
	return row.toRecord(), true, nil
}
