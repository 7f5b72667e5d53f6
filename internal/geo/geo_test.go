package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHaversineKm(t *testing.T) {
	for _, tt := range []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		delta                  float64
	}{
		{"same point", 48.8566, 2.3522, 48.8566, 2.3522, 0, 0.0001},
		{"one degree of longitude at the equator", 0, 0, 0, 1, 111.19, 0.05},
		{"paris to london", 48.8566, 2.3522, 51.5074, -0.1278, 343.5, 1.0},
		{"small offset", 48.8566, 2.3522, 48.8666, 2.3622, 1.33, 0.02},
	} {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, HaversineKm(tt.lat1, tt.lng1, tt.lat2, tt.lng2), tt.delta)
		})
	}
}

func TestHaversineKmIsSymmetric(t *testing.T) {
	there := HaversineKm(48.8566, 2.3522, 51.5074, -0.1278)
	back := HaversineKm(51.5074, -0.1278, 48.8566, 2.3522)
	assert.InDelta(t, there, back, 1e-9)
}

func TestBearingDeg(t *testing.T) {
	for _, tt := range []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
	}{
		{"due east", 0, 0, 0, 1, 90},
		{"due north", 0, 0, 1, 0, 0},
		{"due west wraps positive", 0, 1, 0, 0, 270},
		{"due south", 1, 0, 0, 0, 180},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := BearingDeg(tt.lat1, tt.lng1, tt.lat2, tt.lng2)
			assert.InDelta(t, tt.want, got, 0.01)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}
}

func TestSpeedKmh(t *testing.T) {
	// 0.01 degrees of both lat and lng covered in five minutes.
	speed := SpeedKmh(48.8566, 2.3522, 48.8666, 2.3622, 5.0/60.0)
	assert.InDelta(t, 16.0, speed, 0.5)

	assert.Zero(t, SpeedKmh(48.8566, 2.3522, 48.8666, 2.3622, 0))
	assert.Zero(t, SpeedKmh(48.8566, 2.3522, 48.8666, 2.3622, -1))
}

func TestTranslateKmRoundTrip(t *testing.T) {
	// Travelling the measured distance along the measured bearing must land
	// on the destination.
	lat1, lng1 := 48.8566, 2.3522
	lat2, lng2 := 51.5074, -0.1278

	dist := HaversineKm(lat1, lng1, lat2, lng2)
	bearing := BearingDeg(lat1, lng1, lat2, lng2)
	gotLat, gotLng := TranslateKm(lat1, lng1, bearing, dist)

	assert.InDelta(t, lat2, gotLat, 0.001)
	assert.InDelta(t, lng2, gotLng, 0.001)
}

func TestTranslateKmWrapsLongitude(t *testing.T) {
	// Heading east across the antimeridian.
	_, lng := TranslateKm(0, 179.5, 90, 111.19)
	assert.Less(t, lng, -179.0)
	assert.Greater(t, lng, -180.0)

	// Heading west across it.
	_, lng = TranslateKm(0, -179.5, 270, 111.19)
	assert.Greater(t, lng, 179.0)
	assert.LessOrEqual(t, lng, 180.0)

	assert.Equal(t, 180.0, wrapLng(-180))
	assert.Equal(t, 170.0, wrapLng(-190))
	assert.Equal(t, -170.0, wrapLng(190))
}
