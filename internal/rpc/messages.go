package rpc

import (
	"time"

	"github.com/fleetpulse/fleetpulse/internal/stats"
	"github.com/fleetpulse/fleetpulse/internal/store"
	"github.com/fleetpulse/fleetpulse/internal/telemetry"
)

// Fleet-frame kinds emitted by StreamFleet.
const (
	FrameSnapshot  = "snapshot"
	FrameDelta     = "delta"
	FrameHeartbeat = "heartbeat"
)

// SnapshotRequest asks for the current fleet state. An empty VehicleIDs
// matches every vehicle.
type SnapshotRequest struct {
	VehicleIDs   []string `json:"vehicleIds,omitempty"`
	IncludeStats bool     `json:"includeStats,omitempty"`
}

type SnapshotResponse struct {
	Vehicles []telemetry.EnrichedVehicle `json:"vehicles"`
	Stats    *stats.Snapshot             `json:"stats,omitempty"`
}

// StreamRequest opens a live fleet stream with an optional vehicle filter.
type StreamRequest struct {
	VehicleIDs []string `json:"vehicleIds,omitempty"`
}

// FleetFrame is one message on a live fleet stream: the initial snapshot,
// a delta of changed-or-new vehicles, or a heartbeat while idle.
type FleetFrame struct {
	Type     string                      `json:"type"`
	Vehicles []telemetry.EnrichedVehicle `json:"vehicles,omitempty"`
	At       time.Time                   `json:"at"`
}

// HistoryRequest selects a slice of the event log. Start and End are
// RFC3339; empty means unbounded on that side.
type HistoryRequest struct {
	VehicleIDs []string `json:"vehicleIds,omitempty"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	PageToken  string   `json:"pageToken,omitempty"`
}

// HistoryEvent is one streamed event row.
type HistoryEvent = store.TelemetryEvent

// AggregateRequest asks for windowed metrics, mirrors /telemetry/summary.
type AggregateRequest struct {
	VehicleIDs    []string `json:"vehicleIds,omitempty"`
	Start         string   `json:"start,omitempty"`
	End           string   `json:"end,omitempty"`
	WindowSeconds int64    `json:"windowSeconds,omitempty"`
	Aggregates    []string `json:"aggregates,omitempty"`
}

type AggregateResponse = store.AggregateResult
