package model

import (
	"fmt"
	"time"
)

// Coordinate is a WGS84 position in degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Latitude, c.Longitude)
}

func (c Coordinate) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// PositionSample is a single reading delivered by a position source.
type PositionSample struct {
	Coordinate Coordinate `json:"coordinate"`
	SpeedMps   float64    `json:"speedMps"`
	CourseDeg  float64    `json:"courseDeg"`
	Timestamp  time.Time  `json:"timestamp"`
}

type legPhaseKind int

const (
	approachingStart legPhaseKind = iota
	onLeg
)

// LegPhase tells whether a position source is still heading towards the
// first route node or already travels along leg n (segment n -> n+1).
type LegPhase struct {
	kind legPhaseKind
	leg  int
}

func ApproachingStart() LegPhase {
	return LegPhase{kind: approachingStart}
}

func OnLeg(n int) LegPhase {
	return LegPhase{kind: onLeg, leg: n}
}

func (p LegPhase) IsApproachingStart() bool {
	return p.kind == approachingStart
}

// Leg returns the leg index and true if the phase is OnLeg.
func (p LegPhase) Leg() (int, bool) {
	if p.kind != onLeg {
		return 0, false
	}
	return p.leg, true
}

func (p LegPhase) String() string {
	if p.kind == approachingStart {
		return "ApproachingStart"
	}
	return fmt.Sprintf("OnLeg(%d)", p.leg)
}
