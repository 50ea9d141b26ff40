package session

import (
	"fmt"
	"math"

	"github.com/mpapenbr/zenride/pkg/model"
)

// GridSizeDeg is the cell size used to snap origin and destination (about 500m).
const GridSizeDeg = 0.005

// Fingerprint identifies the physical route between origin and destination.
// Coordinates within the same grid cell yield the same fingerprint. The
// format is persisted and must not change.
func Fingerprint(origin, destination model.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f|%.4f,%.4f",
		snap(origin.Latitude), snap(origin.Longitude),
		snap(destination.Latitude), snap(destination.Longitude))
}

func snap(deg float64) float64 {
	ret := math.Round(deg/GridSizeDeg) * GridSizeDeg
	if ret == 0 {
		// avoid "-0.0000"
		return 0
	}
	return ret
}
