package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
)

// TicketFine is the money equivalent of one avoided camera ticket.
var TicketFine = decimal.NewFromInt(50)

type TimeOfDay string

const (
	Morning   TimeOfDay = "morning"
	Afternoon TimeOfDay = "afternoon"
	Evening   TimeOfDay = "evening"
	Night     TimeOfDay = "night"
)

func TimeOfDayForHour(hour int) TimeOfDay {
	switch {
	case hour >= 5 && hour < 12:
		return Morning
	case hour >= 12 && hour < 17:
		return Afternoon
	case hour >= 17 && hour < 21:
		return Evening
	default:
		return Night
	}
}

type Mood string

const (
	MoodCalm     Mood = "calm"
	MoodNeutral  Mood = "neutral"
	MoodStressed Mood = "stressed"
)

// DriveSession is one completed ride along a DriveRecord's route.
// Only Mood may be set after creation (once).
type DriveSession struct {
	ID                  uuid.UUID       `json:"id"`
	Date                time.Time       `json:"date"`
	DepartureHour       int             `json:"departureHour"`
	AvgSpeedMph         float64         `json:"avgSpeedMph"`
	TopSpeedMph         float64         `json:"topSpeedMph"`
	SpeedSamples        []float64       `json:"speedSamples"`
	ZoneEvents          []ZoneEvent     `json:"zoneEvents"`
	MoneySaved          decimal.Decimal `json:"moneySaved"`
	TrafficDelaySeconds float64         `json:"trafficDelaySeconds"`
	TimeOfDay           TimeOfDay       `json:"timeOfDay"`
	DurationSeconds     float64         `json:"durationSeconds"`
	DistanceMeters      float64         `json:"distanceMeters"`
	Mood                *Mood           `json:"mood,omitempty"`
	ZenScore            int             `json:"zenScore"`
}

// DriveRecord groups all sessions driven between the same (grid snapped)
// origin and destination. Sessions are kept newest first.
type DriveRecord struct {
	ID                  uuid.UUID       `json:"id"`
	Fingerprint         string          `json:"fingerprint"`
	Name                string          `json:"name"`
	Origin              Coordinate      `json:"origin"`
	Destination         Coordinate      `json:"destination"`
	Sessions            []DriveSession  `json:"sessions"`
	SessionCount        int             `json:"sessionCount"`
	LastDriven          time.Time       `json:"lastDriven"`
	AvgSpeedMph         float64         `json:"avgSpeedMph"`
	TopSpeedMph         float64         `json:"topSpeedMph"`
	MoneySaved          decimal.Decimal `json:"moneySaved"`
	TotalDistanceMeters float64         `json:"totalDistanceMeters"`
	TotalTimeSeconds    float64         `json:"totalTimeSeconds"`
	Bookmarked          bool            `json:"bookmarked"`
}

// RecomputeAggregates derives all cached values from Sessions.
func (r *DriveRecord) RecomputeAggregates() {
	r.SessionCount = len(r.Sessions)
	r.LastDriven = time.Time{}
	r.AvgSpeedMph = 0
	r.TopSpeedMph = 0
	r.MoneySaved = decimal.Zero
	r.TotalDistanceMeters = 0
	r.TotalTimeSeconds = 0
	if r.SessionCount == 0 {
		return
	}
	sumAvg := 0.0
	for i := range r.Sessions {
		s := &r.Sessions[i]
		if s.Date.After(r.LastDriven) {
			r.LastDriven = s.Date
		}
		sumAvg += s.AvgSpeedMph
		if s.TopSpeedMph > r.TopSpeedMph {
			r.TopSpeedMph = s.TopSpeedMph
		}
		r.MoneySaved = r.MoneySaved.Add(s.MoneySaved)
		r.TotalDistanceMeters += s.DistanceMeters
		r.TotalTimeSeconds += s.DurationSeconds
	}
	r.AvgSpeedMph = sumAvg / float64(r.SessionCount)
}

// Prepend adds a new session in front and updates the aggregates incrementally.
// The record's aggregates must be consistent before the call.
func (r *DriveRecord) Prepend(s DriveSession) {
	n := float64(r.SessionCount)
	r.Sessions = append([]DriveSession{s}, r.Sessions...)
	r.AvgSpeedMph = (r.AvgSpeedMph*n + s.AvgSpeedMph) / (n + 1)
	if s.TopSpeedMph > r.TopSpeedMph {
		r.TopSpeedMph = s.TopSpeedMph
	}
	if s.Date.After(r.LastDriven) {
		r.LastDriven = s.Date
	}
	r.MoneySaved = r.MoneySaved.Add(s.MoneySaved)
	r.TotalDistanceMeters += s.DistanceMeters
	r.TotalTimeSeconds += s.DurationSeconds
	r.SessionCount++
}

// RideContext describes the ride that was just finished.
type RideContext struct {
	DestinationName         string     `json:"destinationName"`
	Origin                  Coordinate `json:"originCoord"`
	Destination             Coordinate `json:"destCoord"`
	ExpectedDurationSeconds float64    `json:"expectedDurationSeconds"`
	RouteDurationSeconds    float64    `json:"routeDurationSeconds"`
	RouteDistanceMeters     float64    `json:"routeDistanceMeters"`
	DepartureTime           time.Time  `json:"departureTime"`
}

// RideOutcome is handed over once per completed ride.
type RideOutcome struct {
	RideID       uuid.UUID   `json:"rideId"`
	Context      RideContext `json:"context"`
	ZoneEvents   []ZoneEvent `json:"zoneEvents"`
	SpeedSamples []float64   `json:"speedSamples"`
	TopSpeedMph  float64     `json:"topSpeed"`
	AvgSpeedMph  float64     `json:"avgSpeed"`
	ZenScore     int         `json:"zenScore"`
}

// MoneySaved sums the fines avoided by slowing down in zones.
func (o *RideOutcome) MoneySaved() decimal.Decimal {
	ret := decimal.Zero
	for i := range o.ZoneEvents {
		if o.ZoneEvents[i].Outcome == OutcomeSaved {
			ret = ret.Add(TicketFine)
		}
	}
	return ret
}

type StoreStats struct {
	TotalSaved          decimal.Decimal `json:"totalSaved"`
	TotalRides          int             `json:"totalRides"`
	TotalDistanceMeters float64         `json:"totalDistanceMeters"`
	TopSpeedMph         float64         `json:"topSpeedMph"`
	AverageZenScore     float64         `json:"averageZenScore"`
	StreakDays          int             `json:"streakDays"`
	TodayDistanceMeters float64         `json:"todayDistanceMeters"`
}
