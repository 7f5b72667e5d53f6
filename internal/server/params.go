package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultDurationSeconds = 3600

// parseVehicleIDs accepts both repeated vehicleId params and comma-joined
// values, trimming blanks.
func parseVehicleIDs(c *gin.Context) []string {
	var ids []string
	for _, raw := range c.QueryArray("vehicleId") {
		for _, part := range strings.Split(raw, ",") {
			if id := strings.TrimSpace(part); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func parseOptionalTime(value string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, badRequest("invalid_time")
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, badRequest("invalid_integer")
	}
	return &parsed, nil
}

// parseTimeRange resolves start/end/durationSeconds into a half-open
// interval. Explicit bounds win; durationSeconds counts back from now; with
// nothing given the range stays open on both sides when required is false,
// or defaults to the last hour when required.
func parseTimeRange(c *gin.Context, now time.Time, required bool) (*time.Time, *time.Time, error) {
	start, err := parseOptionalTime(c.Query("start"))
	if err != nil {
		return nil, nil, badRequest("invalid_start")
	}
	end, err := parseOptionalTime(c.Query("end"))
	if err != nil {
		return nil, nil, badRequest("invalid_end")
	}
	duration, err := parseOptionalInt64(c.Query("durationSeconds"))
	if err != nil {
		return nil, nil, badRequest("invalid_duration_seconds")
	}
	if duration != nil && *duration <= 0 {
		return nil, nil, badRequest("invalid_duration_seconds")
	}

	if start == nil && end == nil && duration == nil && !required {
		return nil, nil, nil
	}

	if end == nil {
		t := now
		end = &t
	}
	if start == nil {
		d := int64(defaultDurationSeconds)
		if duration != nil {
			d = *duration
		}
		t := end.Add(-time.Duration(d) * time.Second)
		start = &t
	}
	if !start.Before(*end) {
		return nil, nil, badRequest("invalid_time_range")
	}
	return start, end, nil
}
