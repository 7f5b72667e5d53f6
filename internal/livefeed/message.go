package livefeed

import (
	"encoding/json"
	"math"
	"time"

	"github.com/fleetpulse/fleetpulse/internal/telemetry"
)

// Frame kinds pushed to subscribers. Both carry the payload version so a
// subscriber can skip versions it does not understand.
const (
	TypeVehicleUpdate = "vehicle_update"
	TypeVehicleRemove = "vehicle_remove"
)

type position struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

type telemetrySection struct {
	Timestamp    string   `json:"timestamp"`
	Speed        *float64 `json:"speed"`
	FuelLevel    *float64 `json:"fuelLevel"`
	EngineStatus string   `json:"engineStatus"`
}

type filterSection struct {
	EngineStatus string   `json:"engineStatus"`
	FuelLevel    *float64 `json:"fuelLevel"`
}

type updateFrame struct {
	Type      string           `json:"type"`
	Version   int              `json:"version"`
	VehicleID string           `json:"vehicleId"`
	Position  position         `json:"position"`
	Telemetry telemetrySection `json:"telemetry"`
	Filters   filterSection    `json:"filters"`
	LastSeen  string           `json:"lastSeen"`
}

type removeFrame struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	VehicleID string `json:"vehicleId"`
}

// finiteOrNull keeps non-finite floats out of the wire format; subscribers
// receive null instead of an unparseable token.
func finiteOrNull(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func encodeUpdate(v telemetry.EnrichedVehicle, version int) []byte {
	frame := updateFrame{
		Type:      TypeVehicleUpdate,
		Version:   version,
		VehicleID: v.VehicleID,
		Position: position{
			Lat: finiteOrNull(v.Lat),
			Lng: finiteOrNull(v.Lng),
		},
		Telemetry: telemetrySection{
			Timestamp:    v.RecordedAt.UTC().Format(time.RFC3339Nano),
			Speed:        finiteOrNull(v.SpeedKmh),
			FuelLevel:    finiteOrNull(v.FuelLevel),
			EngineStatus: string(v.EngineStatus),
		},
		Filters: filterSection{
			EngineStatus: string(v.EngineStatus),
			FuelLevel:    finiteOrNull(v.FuelLevel),
		},
		LastSeen: v.IngestAt.UTC().Format(time.RFC3339Nano),
	}
	b, _ := json.Marshal(frame)
	return b
}

func encodeRemove(vehicleID string, version int) []byte {
	b, _ := json.Marshal(removeFrame{
		Type:      TypeVehicleRemove,
		Version:   version,
		VehicleID: vehicleID,
	})
	return b
}
