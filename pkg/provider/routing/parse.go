package routing

import (
	"fmt"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils"
)

var (
	routesPath       = jp.MustParseString("$.routes[*]")
	pointsPath       = jp.MustParseString("$.legs[*].points[*]")
	instructionsPath = jp.MustParseString("$.guidance.instructions[*]")
	tagsPath         = jp.MustParseString("$.tags[*]")
)

// ParseResponse extracts route candidates from a provider response.
// Points and instructions with unusable fields are skipped, routes with
// less than two points are dropped.
func ParseResponse(data []byte) ([]model.RouteCandidate, error) {
	doc, err := oj.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("routing: parse response: %w", err)
	}
	ret := []model.RouteCandidate{}
	for _, r := range routesPath.Get(doc) {
		if c, ok := parseRoute(r); ok {
			ret = append(ret, c)
		}
	}
	return ret, nil
}

func parseRoute(r any) (model.RouteCandidate, bool) {
	c := model.RouteCandidate{
		Guidance: []model.GuidanceInstruction{},
	}
	if summary, ok := utils.Field(r, "summary"); ok {
		if v, ok := utils.Field(summary, "lengthInMeters"); ok {
			c.Summary.LengthMeters, _ = utils.AsFloat(v)
		}
		if v, ok := utils.Field(summary, "travelTimeInSeconds"); ok {
			c.Summary.TravelTimeSeconds, _ = utils.AsFloat(v)
		}
	}
	for _, p := range pointsPath.Get(r) {
		lat, okLat := fieldFloat(p, "latitude")
		lon, okLon := fieldFloat(p, "longitude")
		if !okLat || !okLon {
			continue
		}
		c.Points = append(c.Points, model.Coordinate{Latitude: lat, Longitude: lon})
	}
	if len(c.Points) < 2 {
		return c, false
	}
	for _, i := range instructionsPath.Get(r) {
		idx, ok := fieldInt(i, "pointIndex")
		if !ok {
			continue
		}
		offset, _ := fieldFloat(i, "routeOffsetInMeters")
		c.Guidance = append(c.Guidance, model.GuidanceInstruction{
			RouteOffsetMeters: offset,
			PointIndex:        idx,
			InstructionType:   fieldString(i, "instructionType"),
			Street:            fieldString(i, "street"),
			Message:           fieldString(i, "message"),
		})
	}
	for _, t := range tagsPath.Get(r) {
		if s, ok := t.(string); ok {
			c.Tags = append(c.Tags, s)
		}
	}
	return c, true
}

func fieldFloat(v any, key string) (float64, bool) {
	f, ok := utils.Field(v, key)
	if !ok {
		return 0, false
	}
	return utils.AsFloat(f)
}

func fieldInt(v any, key string) (int, bool) {
	f, ok := utils.Field(v, key)
	if !ok {
		return 0, false
	}
	return utils.AsInt(f)
}

func fieldString(v any, key string) string {
	f, ok := utils.Field(v, key)
	if !ok {
		return ""
	}
	s, _ := utils.AsString(f)
	return s
}
