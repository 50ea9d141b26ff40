package model

import (
	"fmt"
	"time"
)

// MonitoredZone is a fixed point (e.g. a speed camera) the driver wants to
// know about. Zones are read-only during a ride.
type MonitoredZone struct {
	ID              string     `json:"id"`
	Street          string     `json:"street"`
	FromCrossStreet string     `json:"fromCrossStreet,omitempty"`
	ToCrossStreet   string     `json:"toCrossStreet,omitempty"`
	SpeedLimitMph   int        `json:"speedLimitMph"`
	Coordinate      Coordinate `json:"coordinate"`
}

// Label renders the street together with the cross streets if known.
func (z MonitoredZone) Label() string {
	switch {
	case z.FromCrossStreet != "" && z.ToCrossStreet != "":
		return fmt.Sprintf("%s (%s – %s)", z.Street, z.FromCrossStreet, z.ToCrossStreet)
	case z.FromCrossStreet != "":
		return fmt.Sprintf("%s (%s)", z.Street, z.FromCrossStreet)
	case z.ToCrossStreet != "":
		return fmt.Sprintf("%s (%s)", z.Street, z.ToCrossStreet)
	default:
		return z.Street
	}
}

type ZoneStatus int

const (
	ZoneSafe ZoneStatus = iota
	ZoneApproach
	ZoneDanger
)

func (s ZoneStatus) String() string {
	switch s {
	case ZoneSafe:
		return "safe"
	case ZoneApproach:
		return "approach"
	case ZoneDanger:
		return "danger"
	default:
		return fmt.Sprintf("ZoneStatus(%d)", int(s))
	}
}

type ZoneOutcome string

const (
	OutcomeSaved           ZoneOutcome = "saved"
	OutcomePotentialTicket ZoneOutcome = "potentialTicket"
)

// ZoneEvent records the passage of a zone that was entered up to the danger ring.
type ZoneEvent struct {
	ZoneID          string      `json:"zoneId"`
	Street          string      `json:"street"`
	SpeedLimitMph   int         `json:"speedLimitMph"`
	SpeedAtEntryMph float64     `json:"speedAtEntryMph"`
	DidSlowDown     bool        `json:"didSlowDown"`
	Outcome         ZoneOutcome `json:"outcome"`
	Timestamp       time.Time   `json:"timestamp"`
}

// ZoneStatusChange is published whenever the tracker's classification changes
// or the distance to the nearest zone moved noticeably.
type ZoneStatusChange struct {
	Previous     ZoneStatus
	Current      ZoneStatus
	Zone         *MonitoredZone
	DistanceFeet float64
}
