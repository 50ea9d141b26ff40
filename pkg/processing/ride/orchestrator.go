// Package ride drives the ride lifecycle. It feeds position samples into the
// zone tracker and the route engine and assembles the ride outcome on stop.
package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/processing/zone"
	"github.com/mpapenbr/zenride/pkg/utils/broadcast"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

// CompletionGrace is the delay between the natural end of a simulated ride
// and the automatic stop.
const CompletionGrace = 4 * time.Second

var (
	ErrNoActiveRoute = errors.New("no active route")
	ErrNotIdle       = errors.New("ride is not idle")
)

type State int

const (
	Idle State = iota
	Navigating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Navigating:
		return "navigating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type StateChange struct {
	From State
	To   State
}

// PositionSource delivers position samples. Start must not call onSample
// or onComplete before it returns.
type PositionSource interface {
	Start(route []model.Coordinate, onSample func(model.PositionSample), onComplete func()) error
	Stop()
}

type RouteEngine interface {
	ActiveRoute() *model.ActiveRoute
	SelectedCandidate() (model.RouteCandidate, bool)
	CheckOffRoute(pos model.Coordinate) bool
	MarkArrived()
	DistanceTraveled() float64
	Clear()
}

type ZoneTracker interface {
	StartSession()
	StopSession() zone.SessionData
	ProcessLocation(pos model.Coordinate, speedMph float64)
	ResetRideStats()
}

// StopHandler receives the result of a stopped ride. Both arguments are nil
// if the ride had no departure or no destination name.
type StopHandler func(rc *model.RideContext, outcome *model.RideOutcome)

// OutcomeSink consumes finished rides (history, publishing).
type OutcomeSink interface {
	HandleOutcome(ctx context.Context, outcome *model.RideOutcome) error
}

type OutcomeSinkFunc func(ctx context.Context, outcome *model.RideOutcome) error

func (f OutcomeSinkFunc) HandleOutcome(ctx context.Context, outcome *model.RideOutcome) error {
	return f(ctx, outcome)
}

type Orchestrator struct {
	mu      sync.Mutex
	engine  RouteEngine
	tracker ZoneTracker
	source  PositionSource
	clock   clock.Clock
	logger  *log.Logger
	onStop  StopHandler
	sinks   []OutcomeSink
	changes broadcast.Server[StateChange]

	state           State
	rideGen         int
	rideID          uuid.UUID
	departure       *time.Time
	destinationName string
	origin          model.Coordinate
	destination     model.Coordinate
	expectedSeconds float64
	graceTimer      clock.Timer
}

type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

func WithStopHandler(h StopHandler) Option {
	return func(o *Orchestrator) {
		o.onStop = h
	}
}

// WithOutcomeSink adds a consumer that is called after the stop handler.
func WithOutcomeSink(s OutcomeSink) Option {
	return func(o *Orchestrator) {
		o.sinks = append(o.sinks, s)
	}
}

func New(engine RouteEngine, tracker ZoneTracker, source PositionSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:  engine,
		tracker: tracker,
		source:  source,
		clock:   clock.Real{},
		logger:  log.Default().Named("ride"),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.changes = broadcast.New[StateChange]("ride", 4,
		broadcast.WithLogger[StateChange](o.logger))
	return o
}

func (o *Orchestrator) Subscribe() <-chan StateChange {
	return o.changes.Subscribe()
}

func (o *Orchestrator) CancelSubscription(ch <-chan StateChange) {
	o.changes.CancelSubscription(ch)
}

func (o *Orchestrator) Close() {
	o.changes.Close()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start begins navigating the engine's active route.
func (o *Orchestrator) Start(destinationName string) error {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	active := o.engine.ActiveRoute()
	if active.Empty() {
		o.mu.Unlock()
		return ErrNoActiveRoute
	}
	cand, _ := o.engine.SelectedCandidate()
	now := o.clock.Now()
	o.state = Navigating
	o.rideGen++
	gen := o.rideGen
	o.rideID = uuid.Must(uuid.NewV7())
	o.departure = &now
	o.destinationName = destinationName
	o.origin = active.Points[0]
	o.destination = active.Points[len(active.Points)-1]
	o.expectedSeconds = cand.Summary.TravelTimeSeconds
	o.graceTimer = nil
	o.mu.Unlock()

	o.tracker.StartSession()
	if err := o.source.Start(active.Points, o.sampleHandler(gen), o.completionHandler(gen)); err != nil {
		o.logger.Error("could not start position source", log.ErrorField(err))
		o.mu.Lock()
		if o.rideGen == gen {
			o.state = Idle
			o.rideGen++
			o.departure = nil
		}
		o.mu.Unlock()
		o.tracker.StopSession()
		return fmt.Errorf("start position source: %w", err)
	}
	o.logger.Info("ride started",
		log.String("destination", destinationName),
		log.Int("points", len(active.Points)))
	o.changes.Publish(StateChange{From: Idle, To: Navigating})
	return nil
}

func (o *Orchestrator) current(gen int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == Navigating && o.rideGen == gen
}

func (o *Orchestrator) sampleHandler(gen int) func(model.PositionSample) {
	return func(s model.PositionSample) {
		if !o.current(gen) {
			return
		}
		speedMph := max(0, geo.MpsToMph(s.SpeedMps))
		o.tracker.ProcessLocation(s.Coordinate, speedMph)
		o.engine.CheckOffRoute(s.Coordinate)
	}
}

func (o *Orchestrator) completionHandler(gen int) func() {
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.state != Navigating || o.rideGen != gen || o.graceTimer != nil {
			return
		}
		o.logger.Debug("ride completed, waiting for grace period")
		o.engine.MarkArrived()
		o.graceTimer = o.clock.AfterFunc(CompletionGrace, func() {
			if !o.current(gen) {
				return
			}
			o.stop(context.Background(), gen)
		})
	}
}

// Stop ends the ride and hands the outcome to the stop handler and the
// outcome sinks.
func (o *Orchestrator) Stop(ctx context.Context) (*model.RideContext, *model.RideOutcome) {
	return o.stop(ctx, 0)
}

// stop ends the ride. With gen != 0 it only acts if that ride is still
// the current one.
//
//nolint:funlen // by design
func (o *Orchestrator) stop(ctx context.Context, gen int) (*model.RideContext, *model.RideOutcome) {
	o.mu.Lock()
	if gen != 0 && (o.rideGen != gen || o.state != Navigating) {
		o.mu.Unlock()
		return nil, nil
	}
	wasNavigating := o.state == Navigating
	o.state = Idle
	o.rideGen++
	if o.graceTimer != nil {
		o.graceTimer.Stop()
		o.graceTimer = nil
	}
	departure := o.departure
	o.departure = nil
	rideID := o.rideID
	name := o.destinationName
	origin, destination := o.origin, o.destination
	expected := o.expectedSeconds
	handler := o.onStop
	now := o.clock.Now()
	o.mu.Unlock()

	var data zone.SessionData
	var traveled float64
	if wasNavigating {
		o.source.Stop()
		data = o.tracker.StopSession()
		traveled = o.engine.DistanceTraveled()
		o.engine.Clear()
		// observers see Idle once the outcome has been handed over
		defer o.changes.Publish(StateChange{From: Navigating, To: Idle})
	}

	if departure == nil || name == "" {
		if handler != nil {
			handler(nil, nil)
		}
		return nil, nil
	}
	rc := &model.RideContext{
		DestinationName:         name,
		Origin:                  origin,
		Destination:             destination,
		ExpectedDurationSeconds: expected,
		RouteDurationSeconds:    now.Sub(*departure).Seconds(),
		RouteDistanceMeters:     traveled,
		DepartureTime:           *departure,
	}
	outcome := &model.RideOutcome{
		RideID:       rideID,
		Context:      *rc,
		ZoneEvents:   data.ZoneEvents,
		SpeedSamples: data.SpeedSamples,
		TopSpeedMph:  data.TopSpeedMph,
		AvgSpeedMph:  data.AvgSpeedMph,
		ZenScore:     data.ZenScore,
	}
	o.logger.Info("ride stopped",
		log.String("destination", name),
		log.Float64("distance", traveled),
		log.Int("zoneEvents", len(outcome.ZoneEvents)),
		log.Int("zenScore", outcome.ZenScore))
	if handler != nil {
		handler(rc, outcome)
	}
	for _, s := range o.sinks {
		if err := s.HandleOutcome(ctx, outcome); err != nil {
			o.logger.Error("outcome sink failed", log.ErrorField(err))
		}
	}
	return rc, outcome
}

// CancelSearch drops staged route candidates. Only valid while idle.
func (o *Orchestrator) CancelSearch() error {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.mu.Unlock()
	o.engine.Clear()
	return nil
}

// ResetRideStats clears the tracker's post-ride state including cooldowns.
func (o *Orchestrator) ResetRideStats() error {
	o.mu.Lock()
	if o.state != Idle {
		o.mu.Unlock()
		return ErrNotIdle
	}
	o.mu.Unlock()
	o.tracker.ResetRideStats()
	return nil
}
