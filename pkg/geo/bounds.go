package geo

import (
	"math"

	"github.com/mpapenbr/zenride/pkg/model"
)

// Bounds is a latitude/longitude aligned bounding box.
type Bounds struct {
	MinLat float64 `json:"minLat"`
	MinLon float64 `json:"minLon"`
	MaxLat float64 `json:"maxLat"`
	MaxLon float64 `json:"maxLon"`
}

// BoundsOf returns the box enclosing all points. ok is false for empty input.
func BoundsOf(points []model.Coordinate) (b Bounds, ok bool) {
	if len(points) == 0 {
		return Bounds{}, false
	}
	b = Bounds{
		MinLat: points[0].Latitude, MaxLat: points[0].Latitude,
		MinLon: points[0].Longitude, MaxLon: points[0].Longitude,
	}
	for _, p := range points[1:] {
		b.MinLat = math.Min(b.MinLat, p.Latitude)
		b.MaxLat = math.Max(b.MaxLat, p.Latitude)
		b.MinLon = math.Min(b.MinLon, p.Longitude)
		b.MaxLon = math.Max(b.MaxLon, p.Longitude)
	}
	return b, true
}

// AroundPoint returns a square box with half side length meters centered at c.
func AroundPoint(c model.Coordinate, meters float64) Bounds {
	dLat := meters / metersPerDegLat
	cosLat := math.Cos(degToRad(c.Latitude))
	dLon := dLat
	if cosLat > 1e-9 {
		dLon = dLat / cosLat
	}
	return Bounds{
		MinLat: c.Latitude - dLat, MaxLat: c.Latitude + dLat,
		MinLon: c.Longitude - dLon, MaxLon: c.Longitude + dLon,
	}
}

func (b Bounds) Pad(deg float64) Bounds {
	return Bounds{
		MinLat: b.MinLat - deg, MaxLat: b.MaxLat + deg,
		MinLon: b.MinLon - deg, MaxLon: b.MaxLon + deg,
	}
}

func (b Bounds) Contains(c model.Coordinate) bool {
	return c.Latitude >= b.MinLat && c.Latitude <= b.MaxLat &&
		c.Longitude >= b.MinLon && c.Longitude <= b.MaxLon
}

func (b Bounds) SouthWest() model.Coordinate {
	return model.Coordinate{Latitude: b.MinLat, Longitude: b.MinLon}
}

func (b Bounds) NorthEast() model.Coordinate {
	return model.Coordinate{Latitude: b.MaxLat, Longitude: b.MaxLon}
}
