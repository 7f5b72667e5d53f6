package telemetry

import (
	"encoding/json"
	"strings"
	"time"
)

// ValidationError names one violated rule on one field.
type ValidationError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// ValidationErrors collects every rule a payload violated.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	reasons := make([]string, 0, len(e))
	for _, v := range e {
		reasons = append(reasons, v.Error())
	}
	return strings.Join(reasons, "; ")
}

// Reasons returns the bare reason codes, for logging.
func (e ValidationErrors) Reasons() []string {
	reasons := make([]string, 0, len(e))
	for _, v := range e {
		reasons = append(reasons, v.Reason)
	}
	return reasons
}

// Decode parses a broker payload. Unknown JSON fields are ignored; malformed
// JSON is reported as a single validation failure so callers treat both
// shapes of bad input the same way.
func Decode(payload []byte) (RawTelemetry, error) {
	var raw RawTelemetry
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RawTelemetry{}, ValidationErrors{{Field: "payload", Reason: "malformed_payload"}}
	}
	return raw, nil
}

// Parse validates a raw payload and returns its normalized form. All violated
// rules are reported, not just the first. Parse never panics on any input.
func Parse(raw RawTelemetry) (Observation, error) {
	var errs ValidationErrors

	if strings.TrimSpace(raw.VehicleID) == "" {
		errs = append(errs, ValidationError{Field: "vehicleId", Reason: "vehicle_id_required"})
	}
	if raw.Lat == nil {
		errs = append(errs, ValidationError{Field: "lat", Reason: "lat_required"})
	} else if *raw.Lat < -90 || *raw.Lat > 90 {
		errs = append(errs, ValidationError{Field: "lat", Reason: "lat_out_of_range"})
	}
	if raw.Lng == nil {
		errs = append(errs, ValidationError{Field: "lng", Reason: "lng_required"})
	} else if *raw.Lng < -180 || *raw.Lng > 180 {
		errs = append(errs, ValidationError{Field: "lng", Reason: "lng_out_of_range"})
	}
	if raw.SpeedKmh != nil && *raw.SpeedKmh < 0 {
		errs = append(errs, ValidationError{Field: "speedKmh", Reason: "speed_must_not_be_negative"})
	}
	if raw.FuelLevel == nil {
		errs = append(errs, ValidationError{Field: "fuelLevel", Reason: "fuel_level_required"})
	} else if *raw.FuelLevel < 0 || *raw.FuelLevel > 100 {
		errs = append(errs, ValidationError{Field: "fuelLevel", Reason: "fuel_level_out_of_range"})
	}

	status, ok := ParseEngineStatus(raw.EngineStatus)
	if !ok {
		errs = append(errs, ValidationError{Field: "engineStatus", Reason: "invalid_engine_status"})
	}

	recordedAt, timeErr := parseRecordedAt(raw.RecordedAt)
	if timeErr != nil {
		errs = append(errs, ValidationError{Field: "recordedAt", Reason: "invalid_recorded_at"})
	}

	if len(errs) > 0 {
		return Observation{}, errs
	}

	return Observation{
		VehicleID:    strings.TrimSpace(raw.VehicleID),
		Lat:          *raw.Lat,
		Lng:          *raw.Lng,
		SpeedKmh:     raw.SpeedKmh,
		FuelLevel:    *raw.FuelLevel,
		EngineStatus: status,
		RecordedAt:   recordedAt.UTC(),
	}, nil
}

func parseRecordedAt(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, ValidationError{Field: "recordedAt", Reason: "invalid_recorded_at"}
	}
	return time.Parse(time.RFC3339, trimmed)
}
