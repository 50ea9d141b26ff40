package route

import (
	"context"
	"errors"
	"math"
	"slices"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/provider/routing"
)

const (
	exposurePadDeg        = 0.001
	exposureRadiusMeters  = 70.0
	avoidAreaHalfMeters   = 150.0
	duplicateTimeSeconds  = 10.0
	duplicateLengthMeters = 100.0
)

var (
	distance          = geo.Distance
	distanceToSegment = geo.DistanceToSegment
)

// fetchCandidates requests the standard set and, if zones are to be
// avoided, a zone avoiding set. Both requests run concurrently.
func (e *Engine) fetchCandidates(
	ctx context.Context,
	origin, destination model.Coordinate,
	zones []model.MonitoredZone,
	prefs model.RoutePreferences,
	maxAlt int,
) []model.RouteCandidate {
	base := routing.Request{
		Origin:          origin,
		Destination:     destination,
		AvoidTolls:      prefs.AvoidTolls,
		AvoidHighways:   prefs.AvoidHighways,
		MaxAlternatives: maxAlt,
	}
	var standard, avoiding []model.RouteCandidate
	g := errgroup.Group{}
	g.Go(func() error {
		standard = e.fetch(ctx, base, "standard")
		for i := range standard {
			applyExposure(&standard[i], zones)
		}
		return nil
	})
	if prefs.AvoidZones && len(zones) > 0 {
		g.Go(func() error {
			req := base
			req.AvoidAreas = avoidAreas(zones)
			avoiding = e.fetch(ctx, req, "avoiding")
			for i := range avoiding {
				markZoneFree(&avoiding[i])
			}
			return nil
		})
	}
	_ = g.Wait()
	return mergeCandidates(standard, avoiding)
}

func (e *Engine) fetch(ctx context.Context, req routing.Request, kind string) []model.RouteCandidate {
	if e.provider == nil {
		e.logger.Error("no route provider configured")
		return nil
	}
	ret, err := e.provider.FetchRoutes(ctx, req)
	if err != nil {
		if errors.Is(err, routing.ErrMissingCredentials) {
			e.logger.Error("routing credentials missing", log.String("set", kind))
		} else {
			e.logger.Warn("route fetch failed", log.String("set", kind), log.ErrorField(err))
		}
		return nil
	}
	return ret
}

// zoneExposure counts the zones lying within exposureRadiusMeters of any
// route point. Each zone counts once.
func zoneExposure(points []model.Coordinate, zones []model.MonitoredZone) int {
	bounds, ok := geo.BoundsOf(points)
	if !ok {
		return 0
	}
	box := bounds.Pad(exposurePadDeg)
	return lo.CountBy(zones, func(z model.MonitoredZone) bool {
		if !box.Contains(z.Coordinate) {
			return false
		}
		return slices.ContainsFunc(points, func(p model.Coordinate) bool {
			return geo.Distance(p, z.Coordinate) < exposureRadiusMeters
		})
	})
}

func applyExposure(c *model.RouteCandidate, zones []model.MonitoredZone) {
	c.ZoneCount = zoneExposure(c.Points, zones)
	c.IsZoneFree = c.ZoneCount == 0
}

func markZoneFree(c *model.RouteCandidate) {
	c.ZoneCount = 0
	c.IsZoneFree = true
	if !lo.Contains(c.Tags, model.TagZoneFree) {
		c.Tags = append(c.Tags, model.TagZoneFree)
	}
}

func avoidAreas(zones []model.MonitoredZone) []geo.Bounds {
	return lo.Map(zones, func(z model.MonitoredZone, _ int) geo.Bounds {
		return geo.AroundPoint(z.Coordinate, avoidAreaHalfMeters)
	})
}

func isDuplicate(a, b *model.RouteCandidate) bool {
	return math.Abs(a.Summary.TravelTimeSeconds-b.Summary.TravelTimeSeconds) < duplicateTimeSeconds &&
		math.Abs(a.Summary.LengthMeters-b.Summary.LengthMeters) < duplicateLengthMeters
}

// mergeCandidates appends the candidates of second that are not near
// duplicates of a candidate already collected.
func mergeCandidates(first, second []model.RouteCandidate) []model.RouteCandidate {
	ret := slices.Clone(first)
	for i := range second {
		c := second[i]
		if lo.ContainsBy(ret, func(o model.RouteCandidate) bool { return isDuplicate(&o, &c) }) {
			continue
		}
		ret = append(ret, c)
	}
	return ret
}

// buildActiveRoute collapses consecutive duplicate points and computes the
// cumulative distance index. remap translates original point indexes.
func buildActiveRoute(points []model.Coordinate) (*model.ActiveRoute, []int) {
	ret := &model.ActiveRoute{
		Points:     make([]model.Coordinate, 0, len(points)),
		Cumulative: make([]float64, 0, len(points)),
	}
	remap := make([]int, len(points))
	for i, p := range points {
		if n := len(ret.Points); n > 0 {
			d := geo.Distance(ret.Points[n-1], p)
			if d == 0 {
				remap[i] = n - 1
				continue
			}
			ret.Cumulative = append(ret.Cumulative, ret.Cumulative[n-1]+d)
		} else {
			ret.Cumulative = append(ret.Cumulative, 0)
		}
		ret.Points = append(ret.Points, p)
		remap[i] = len(ret.Points) - 1
	}
	return ret, remap
}

func buildInstructions(
	guidance []model.GuidanceInstruction,
	active *model.ActiveRoute,
	remap []int,
) []model.NavigationInstruction {
	ret := make([]model.NavigationInstruction, 0, len(guidance))
	prevOffset := 0.0
	for _, g := range guidance {
		if len(remap) == 0 {
			break
		}
		idx := remap[max(0, min(g.PointIndex, len(remap)-1))]
		offset := active.Cumulative[idx]
		text := g.Message
		if text == "" {
			text = g.Street
		}
		ret = append(ret, model.NavigationInstruction{
			Text:              text,
			DistanceMeters:    offset - prevOffset,
			RouteOffsetMeters: offset,
			TurnType:          g.InstructionType,
			PointIndex:        idx,
		})
		prevOffset = offset
	}
	return ret
}
