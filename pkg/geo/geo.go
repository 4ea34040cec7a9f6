package geo

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius used for all distance math
const EarthRadiusMeters = 6371000.0

// Distance calculates the great-circle distance between two points in meters
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Bearing calculates the initial bearing (forward azimuth) from point 1 to
// point 2 in degrees, 0 = North, 90 = East
func Bearing(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	lonDiff := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(lonDiff) * math.Cos(lat2Rad)
	x := math.Cos(lat1Rad)*math.Sin(lat2Rad) - math.Sin(lat1Rad)*math.Cos(lat2Rad)*math.Cos(lonDiff)
	bearing := math.Atan2(y, x) * 180 / math.Pi

	return math.Mod(bearing+360, 360)
}

// DestinationPoint returns the point reached from (lat, lon) after
// travelling distance meters on the given bearing in degrees
func DestinationPoint(lat, lon, bearing, distance float64) (float64, float64) {
	p := s2.LatLngFromDegrees(lat, lon)
	bearingRad := bearing * math.Pi / 180
	angularDistance := distance / EarthRadiusMeters

	latRad := p.Lat.Radians()
	lonRad := p.Lng.Radians()

	lat2 := math.Asin(math.Sin(latRad)*math.Cos(angularDistance) +
		math.Cos(latRad)*math.Sin(angularDistance)*math.Cos(bearingRad))
	lon2 := lonRad + math.Atan2(
		math.Sin(bearingRad)*math.Sin(angularDistance)*math.Cos(latRad),
		math.Cos(angularDistance)-math.Sin(latRad)*math.Sin(lat2))

	lat2Deg := lat2 * 180 / math.Pi
	lon2Deg := math.Mod(lon2*180/math.Pi+540, 360) - 180
	return lat2Deg, lon2Deg
}

// SpeedBetween returns the implied speed in m/s between two timestamped
// points, or 0 when the elapsed time is not positive
func SpeedBetween(lat1, lon1 float64, t1Ms int64, lat2, lon2 float64, t2Ms int64) float64 {
	elapsed := float64(t2Ms-t1Ms) / 1000.0
	if elapsed <= 0 {
		return 0
	}
	return Distance(lat1, lon1, lat2, lon2) / elapsed
}
