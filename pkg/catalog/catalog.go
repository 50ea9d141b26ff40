// Package catalog decodes the monitored zone catalog. Entries with missing
// or unusable fields are skipped.
package catalog

import (
	"fmt"
	"os"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils"
)

// accepts a top level array as well as {"zones": [...]}
var (
	rootEntries  = jp.MustParseString("$[*]")
	zonesEntries = jp.MustParseString("$.zones[*]")
)

// Result holds the decoded zones and the number of skipped entries.
type Result struct {
	Zones   []model.MonitoredZone
	Skipped int
}

func LoadFile(path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	return Decode(data)
}

func Decode(data []byte) (Result, error) {
	doc, err := oj.Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("catalog: %w", err)
	}
	var entries []any
	switch doc.(type) {
	case []any:
		entries = rootEntries.Get(doc)
	case map[string]any:
		entries = zonesEntries.Get(doc)
	default:
		return Result{}, fmt.Errorf("catalog: unexpected document type %T", doc)
	}
	ret := Result{Zones: make([]model.MonitoredZone, 0, len(entries))}
	for i, e := range entries {
		z, ok := decodeZone(e)
		if !ok {
			ret.Skipped++
			log.Debug("skipping catalog entry", log.Int("index", i))
			continue
		}
		ret.Zones = append(ret.Zones, z)
	}
	return ret, nil
}

func decodeZone(e any) (model.MonitoredZone, bool) {
	id, ok := stringField(e, "id")
	if !ok || id == "" {
		return model.MonitoredZone{}, false
	}
	lat, okLat := floatField(e, "lat")
	lng, okLng := floatField(e, "lng")
	if !okLat || !okLng || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return model.MonitoredZone{}, false
	}
	limit, ok := intField(e, "speed_limit_mph")
	if !ok || limit <= 0 {
		return model.MonitoredZone{}, false
	}
	street, _ := stringField(e, "street")
	from, _ := stringField(e, "from_cross_street")
	to, _ := stringField(e, "to_cross_street")
	return model.MonitoredZone{
		ID:              id,
		Street:          street,
		FromCrossStreet: from,
		ToCrossStreet:   to,
		SpeedLimitMph:   limit,
		Coordinate:      model.Coordinate{Latitude: lat, Longitude: lng},
	}, true
}

func stringField(e any, key string) (string, bool) {
	v, ok := utils.Field(e, key)
	if !ok {
		return "", false
	}
	return utils.AsString(v)
}

func floatField(e any, key string) (float64, bool) {
	v, ok := utils.Field(e, key)
	if !ok {
		return 0, false
	}
	return utils.AsFloat(v)
}

func intField(e any, key string) (int, bool) {
	v, ok := utils.Field(e, key)
	if !ok {
		return 0, false
	}
	return utils.AsInt(v)
}
