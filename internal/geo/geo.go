package geo

import "math"

// earthRadiusKm is the mean Earth radius used for great-circle math.
const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance between two WGS84
// coordinates in kilometers.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dPhi := radians(lat2 - lat1)
	dLambda := radians(lng2 - lng1)

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// BearingDeg returns the initial bearing from the first coordinate to the
// second, normalized to [0, 360).
func BearingDeg(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := radians(lat1)
	phi2 := radians(lat2)
	dLambda := radians(lng2 - lng1)

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	deg := degrees(math.Atan2(y, x))
	return math.Mod(deg+360, 360)
}

// SpeedKmh derives speed from two timed positions. Non-positive elapsed time
// yields 0; there is no meaningful rate without forward motion in time.
func SpeedKmh(lat1, lng1, lat2, lng2 float64, elapsedHours float64) float64 {
	if elapsedHours <= 0 {
		return 0
	}
	return HaversineKm(lat1, lng1, lat2, lng2) / elapsedHours
}

// TranslateKm advances a coordinate by distanceKm along the given initial
// bearing on the sphere. The returned longitude is wrapped into (-180, 180].
func TranslateKm(lat, lng, bearingDeg, distanceKm float64) (float64, float64) {
	phi1 := radians(lat)
	lambda1 := radians(lng)
	theta := radians(bearingDeg)
	delta := distanceKm / earthRadiusKm

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) +
		math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	return degrees(phi2), wrapLng(degrees(lambda2))
}

func wrapLng(lng float64) float64 {
	wrapped := math.Mod(lng+540, 360) - 180
	if wrapped == -180 {
		return 180
	}
	return wrapped
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
