package store

import (
	"time"

	"github.com/fleetpulse/fleetpulse/internal/telemetry"
)

// TelemetryEvent is one persisted observation, as returned by queries.
type TelemetryEvent struct {
	EventID      int64     `json:"eventId"`
	VehicleID    string    `json:"vehicleId"`
	Lat          float64   `json:"lat"`
	Lng          float64   `json:"lng"`
	SpeedKmh     float64   `json:"speedKmh"`
	FuelLevel    float64   `json:"fuelLevel"`
	EngineStatus string    `json:"engineStatus"`
	RecordedAt   time.Time `json:"recordedAt"`
	IngestAt     time.Time `json:"ingestAt"`
	DistanceKm   float64   `json:"distanceKm"`
}

// eventRow is the gorm mapping for telemetry_events. Instants are stored as
// epoch milliseconds so bucket arithmetic stays integral.
type eventRow struct {
	EventID      int64   `gorm:"column:event_id;primaryKey;autoIncrement"`
	VehicleID    string  `gorm:"column:vehicle_id"`
	Lat          float64 `gorm:"column:lat"`
	Lng          float64 `gorm:"column:lng"`
	SpeedKmh     float64 `gorm:"column:speed_kmh"`
	FuelLevel    float64 `gorm:"column:fuel_level"`
	EngineStatus string  `gorm:"column:engine_status"`
	RecordedAt   int64   `gorm:"column:recorded_at"`
	IngestAt     int64   `gorm:"column:ingest_at"`
	DistanceKm   float64 `gorm:"column:distance_km"`
}

func (eventRow) TableName() string { return "telemetry_events" }

func (r eventRow) toEvent() TelemetryEvent {
	return TelemetryEvent{
		EventID:      r.EventID,
		VehicleID:    r.VehicleID,
		Lat:          r.Lat,
		Lng:          r.Lng,
		SpeedKmh:     r.SpeedKmh,
		FuelLevel:    r.FuelLevel,
		EngineStatus: r.EngineStatus,
		RecordedAt:   time.UnixMilli(r.RecordedAt).UTC(),
		IngestAt:     time.UnixMilli(r.IngestAt).UTC(),
		DistanceKm:   r.DistanceKm,
	}
}

func newEventRow(v telemetry.EnrichedVehicle, distanceKm float64) eventRow {
	return eventRow{
		VehicleID:    v.VehicleID,
		Lat:          v.Lat,
		Lng:          v.Lng,
		SpeedKmh:     v.SpeedKmh,
		FuelLevel:    v.FuelLevel,
		EngineStatus: string(v.EngineStatus),
		RecordedAt:   v.RecordedAt.UnixMilli(),
		IngestAt:     v.IngestAt.UnixMilli(),
		DistanceKm:   distanceKm,
	}
}

// VehicleRecord is the latest persisted state of one vehicle.
type VehicleRecord struct {
	VehicleID        string    `json:"vehicleId"`
	FirstSeenAt      time.Time `json:"firstSeenAt"`
	LastSeenAt       time.Time `json:"lastSeenAt"`
	LastLat          float64   `json:"lastLat"`
	LastLng          float64   `json:"lastLng"`
	LastEngineStatus string    `json:"lastEngineStatus"`
	LastFuelLevel    float64   `json:"lastFuelLevel"`
}

type vehicleRow struct {
	VehicleID        string  `gorm:"column:vehicle_id;primaryKey"`
	FirstSeenAt      int64   `gorm:"column:first_seen_at"`
	LastSeenAt       int64   `gorm:"column:last_seen_at"`
	LastLat          float64 `gorm:"column:last_lat"`
	LastLng          float64 `gorm:"column:last_lng"`
	LastEngineStatus string  `gorm:"column:last_engine_status"`
	LastFuelLevel    float64 `gorm:"column:last_fuel_level"`
}

func (vehicleRow) TableName() string { return "vehicles" }

func (r vehicleRow) toRecord() VehicleRecord {
	return VehicleRecord{
		VehicleID:        r.VehicleID,
		FirstSeenAt:      time.UnixMilli(r.FirstSeenAt).UTC(),
		LastSeenAt:       time.UnixMilli(r.LastSeenAt).UTC(),
		LastLat:          r.LastLat,
		LastLng:          r.LastLng,
		LastEngineStatus: r.LastEngineStatus,
		LastFuelLevel:    r.LastFuelLevel,
	}
}

type rollupRow struct {
	BucketStart     int64   `gorm:"column:bucket_start"`
	BucketEnd       int64   `gorm:"column:bucket_end"`
	VehicleID       string  `gorm:"column:vehicle_id"`
	AvgSpeedKmh     float64 `gorm:"column:avg_speed_kmh"`
	MaxSpeedKmh     float64 `gorm:"column:max_speed_kmh"`
	MinFuelLevel    float64 `gorm:"column:min_fuel_level"`
	TotalDistanceKm float64 `gorm:"column:total_distance_km"`
	SampleCount     int64   `gorm:"column:sample_count"`
}

func (rollupRow) TableName() string { return "telemetry_rollups" }
