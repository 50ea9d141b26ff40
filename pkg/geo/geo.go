// Package geo provides the coordinate math shared by the zone tracker, the
// route engine and the simulator. All distances are in meters on a sphere.
package geo

import (
	"math"

	"github.com/mpapenbr/zenride/pkg/model"
)

const (
	EarthRadiusM    = 6_371_000.0
	FeetPerMeter    = 3.28084
	MetersPerMile   = 1609.344
	metersPerDegLat = math.Pi * EarthRadiusM / 180.0
)

func degToRad(deg float64) float64 { return deg * math.Pi / 180.0 }
func radToDeg(rad float64) float64 { return rad * 180.0 / math.Pi }

// Distance returns the great-circle distance between a and b (haversine).
func Distance(a, b model.Coordinate) float64 {
	dLat := degToRad(b.Latitude - a.Latitude)
	dLon := degToRad(b.Longitude - a.Longitude)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat +
		math.Cos(degToRad(a.Latitude))*math.Cos(degToRad(b.Latitude))*sinLon*sinLon
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// Bearing returns the initial bearing from a to b in degrees [0,360).
func Bearing(a, b model.Coordinate) float64 {
	lat1 := degToRad(a.Latitude)
	lat2 := degToRad(b.Latitude)
	dLon := degToRad(b.Longitude - a.Longitude)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Mod(radToDeg(math.Atan2(y, x))+360, 360)
	if deg >= 360 {
		deg = 0
	}
	return deg
}

// Offset returns the point reached when travelling meters from origin along
// the great circle with the given initial bearing.
func Offset(origin model.Coordinate, meters, bearingDeg float64) model.Coordinate {
	delta := meters / EarthRadiusM
	theta := degToRad(bearingDeg)
	lat1 := degToRad(origin.Latitude)
	lon1 := degToRad(origin.Longitude)

	sinLat2 := math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(theta)
	lat2 := math.Asin(sinLat2)
	lon2 := lon1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*sinLat2)
	lon := math.Mod(radToDeg(lon2)+540, 360) - 180
	return model.Coordinate{Latitude: radToDeg(lat2), Longitude: lon}
}

// ApproxDistance is an equirectangular approximation, good enough to discard
// far away candidates before calling Distance.
func ApproxDistance(a, b model.Coordinate) float64 {
	x := degToRad(b.Longitude-a.Longitude) * math.Cos(degToRad((a.Latitude+b.Latitude)/2))
	y := degToRad(b.Latitude - a.Latitude)
	return math.Sqrt(x*x+y*y) * EarthRadiusM
}

// DistanceToSegment returns the distance from p to the segment s-e.
// The projection is done on a local plane around p; t is clamped to [0,1].
func DistanceToSegment(p, s, e model.Coordinate) float64 {
	if s == e {
		return Distance(p, s)
	}
	cosLat := math.Cos(degToRad(p.Latitude))
	toXY := func(c model.Coordinate) (float64, float64) {
		return (c.Longitude - p.Longitude) * metersPerDegLat * cosLat,
			(c.Latitude - p.Latitude) * metersPerDegLat
	}
	sx, sy := toXY(s)
	ex, ey := toXY(e)
	dx, dy := ex-sx, ey-sy
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Distance(p, s)
	}
	// p is the origin of the local plane
	t := -(sx*dx + sy*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	closest := model.Coordinate{
		Latitude:  s.Latitude + t*(e.Latitude-s.Latitude),
		Longitude: s.Longitude + t*(e.Longitude-s.Longitude),
	}
	return Distance(p, closest)
}

// PolylineLength sums the segment lengths of points.
func PolylineLength(points []model.Coordinate) float64 {
	total := 0.0
	for i := 1; i < len(points); i++ {
		total += Distance(points[i-1], points[i])
	}
	return total
}

func MetersToFeet(m float64) float64  { return m * FeetPerMeter }
func FeetToMeters(ft float64) float64 { return ft / FeetPerMeter }
func MpsToMph(mps float64) float64    { return mps * 3600 / MetersPerMile }
func MphToMps(mph float64) float64    { return mph * MetersPerMile / 3600 }
