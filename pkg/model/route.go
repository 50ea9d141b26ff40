package model

type RouteSummary struct {
	LengthMeters      float64 `json:"lengthInMeters"`
	TravelTimeSeconds float64 `json:"travelTimeInSeconds"`
}

type GuidanceInstruction struct {
	RouteOffsetMeters float64 `json:"routeOffsetInMeters"`
	PointIndex        int     `json:"pointIndex"`
	InstructionType   string  `json:"instructionType"`
	Street            string  `json:"street"`
	Message           string  `json:"message"`
}

// RouteCandidate is one alternative returned by the route provider.
type RouteCandidate struct {
	Summary    RouteSummary          `json:"summary"`
	Points     []Coordinate          `json:"points"`
	ZoneCount  int                   `json:"zoneCount"`
	IsZoneFree bool                  `json:"isZoneFree"`
	Guidance   []GuidanceInstruction `json:"guidance"`
	Tags       []string              `json:"tags,omitempty"`
}

// TagZoneFree marks candidates the provider computed with all zones excluded.
const TagZoneFree = "zoneFree"

// ActiveRoute is the polyline of the selected candidate together with its
// cumulative distance index (Cumulative[i] = meters from Points[0] to Points[i]).
type ActiveRoute struct {
	Points     []Coordinate
	Cumulative []float64
}

func (r *ActiveRoute) Empty() bool {
	return r == nil || len(r.Points) == 0
}

func (r *ActiveRoute) Length() float64 {
	if r.Empty() {
		return 0
	}
	return r.Cumulative[len(r.Cumulative)-1]
}

type NavigationInstruction struct {
	Text              string  `json:"text"`
	DistanceMeters    float64 `json:"distanceMeters"`
	RouteOffsetMeters float64 `json:"routeOffsetMeters"`
	TurnType          string  `json:"turnType"`
	PointIndex        int     `json:"pointIndex"`
}

type RoutePreferences struct {
	AvoidTolls    bool `json:"avoidTolls"`
	AvoidHighways bool `json:"avoidHighways"`
	AvoidZones    bool `json:"avoidZones"`
}
