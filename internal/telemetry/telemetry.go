package telemetry

import (
	"strings"
	"time"
)

// EngineStatus is the reported engine state of a vehicle.
type EngineStatus string

const (
	EngineRunning EngineStatus = "running"
	EngineIdle    EngineStatus = "idle"
	EngineOff     EngineStatus = "off"
)

// ParseEngineStatus normalizes a reported status. Matching is
// case-insensitive; ok is false for anything outside the known set.
func ParseEngineStatus(s string) (EngineStatus, bool) {
	switch EngineStatus(strings.ToLower(strings.TrimSpace(s))) {
	case EngineRunning:
		return EngineRunning, true
	case EngineIdle:
		return EngineIdle, true
	case EngineOff:
		return EngineOff, true
	default:
		return "", false
	}
}

// RawTelemetry is the wire payload published by vehicles. Required numeric
// fields are pointers so an absent field is distinguishable from zero.
type RawTelemetry struct {
	VehicleID    string   `json:"vehicleId"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	SpeedKmh     *float64 `json:"speedKmh"`
	FuelLevel    *float64 `json:"fuelLevel"`
	EngineStatus string   `json:"engineStatus"`
	RecordedAt   string   `json:"recordedAt"`
}

// Observation is a validated, normalized telemetry reading. SpeedKmh stays
// optional here; enrichment resolves it.
type Observation struct {
	VehicleID    string
	Lat          float64
	Lng          float64
	SpeedKmh     *float64
	FuelLevel    float64
	EngineStatus EngineStatus
	RecordedAt   time.Time
}

// EnrichedVehicle is the in-memory state fanned out to subscribers and
// persisted by the store.
type EnrichedVehicle struct {
	VehicleID    string       `json:"vehicleId"`
	Lat          float64      `json:"lat"`
	Lng          float64      `json:"lng"`
	SpeedKmh     float64      `json:"speedKmh"`
	FuelLevel    float64      `json:"fuelLevel"`
	EngineStatus EngineStatus `json:"engineStatus"`
	RecordedAt   time.Time    `json:"recordedAt"`
	IngestAt     time.Time    `json:"ingestAt"`
}
