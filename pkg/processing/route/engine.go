// Package route computes, selects and follows route candidates. It keeps
// the active route's progress index and requests a reroute when the vehicle
// leaves the route.
package route

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/provider/routing"
	"github.com/mpapenbr/zenride/pkg/utils/broadcast"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

const (
	OffRouteThresholdMeters = 100.0
	OffRouteCheckInterval   = time.Second
	ArrivalRadiusMeters     = 20.0
	progressWindow          = 50
	eventsBuffer            = 16
)

// ErrSuperseded is returned when a newer calculation was started before
// this one finished. The result was not applied.
var ErrSuperseded = errors.New("route calculation superseded")

// Provider delivers route candidates.
type Provider interface {
	FetchRoutes(ctx context.Context, req routing.Request) ([]model.RouteCandidate, error)
}

type EventKind int

const (
	EventCandidatesUpdated EventKind = iota
	EventRouteSelected
	EventRerouteRequested
	EventCleared
)

type Event struct {
	Kind           EventKind
	CandidateCount int
	SelectedIndex  int
}

// Snapshot is a copy of the engine state.
type Snapshot struct {
	Candidates     []model.RouteCandidate
	SelectedIndex  int
	Active         *model.ActiveRoute
	Instructions   []model.NavigationInstruction
	ProgressIndex  int
	Preferences    model.RoutePreferences
	IsCalculating  bool
	ReroutePending bool
}

type query struct {
	origin      model.Coordinate
	destination model.Coordinate
	zones       []model.MonitoredZone
}

type Engine struct {
	mu              sync.Mutex
	provider        Provider
	clock           clock.Clock
	logger          *log.Logger
	tracer          trace.Tracer
	maxAlternatives int

	candidates     []model.RouteCandidate
	selected       int
	active         *model.ActiveRoute
	instructions   []model.NavigationInstruction
	progressIdx    int
	prefs          model.RoutePreferences
	last           *query
	generation     uint64
	inFlight       int
	reroutePending bool
	offRouteLimit  *rate.Limiter
	events         broadcast.Server[Event]
	wg             sync.WaitGroup
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func WithPreferences(p model.RoutePreferences) Option {
	return func(e *Engine) {
		e.prefs = p
	}
}

func WithMaxAlternatives(n int) Option {
	return func(e *Engine) {
		e.maxAlternatives = n
	}
}

func NewEngine(provider Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:        provider,
		clock:           clock.Real{},
		logger:          log.Default().Named("route"),
		tracer:          otel.Tracer("zenride/route"),
		maxAlternatives: routing.DefaultMaxAlternatives,
		offRouteLimit:   rate.NewLimiter(rate.Every(OffRouteCheckInterval), 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.events = broadcast.New[Event]("route", eventsBuffer,
		broadcast.WithTelemetry[Event]("route.events"),
		broadcast.WithLogger[Event](e.logger))
	return e
}

func (e *Engine) Subscribe() <-chan Event {
	return e.events.Subscribe()
}

func (e *Engine) CancelSubscription(ch <-chan Event) {
	e.events.CancelSubscription(ch)
}

// Close waits for pending reroutes and releases the event broadcaster.
func (e *Engine) Close() {
	e.Clear()
	e.wg.Wait()
	e.events.Close()
}

// Wait blocks until all reroutes started by CheckOffRoute are done.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// CalculateRoute fetches candidates and selects the default one.
// If another calculation is started before this one finishes, the result is
// discarded and ErrSuperseded is returned. Provider failures resolve to an
// empty candidate list.
func (e *Engine) CalculateRoute(
	ctx context.Context,
	origin, destination model.Coordinate,
	zones []model.MonitoredZone,
	prefs model.RoutePreferences,
) ([]model.RouteCandidate, error) {
	ctx, span := e.tracer.Start(ctx, "CalculateRoute")
	defer span.End()

	e.mu.Lock()
	e.last = &query{origin: origin, destination: destination, zones: zones}
	e.prefs = prefs
	e.generation++
	gen := e.generation
	e.inFlight++
	maxAlt := e.maxAlternatives
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Int("zones", len(zones)),
		attribute.Bool("avoidZones", prefs.AvoidZones),
		attribute.Int64("generation", int64(gen)))

	merged := e.fetchCandidates(ctx, origin, destination, zones, prefs, maxAlt)

	e.mu.Lock()
	e.inFlight--
	if gen != e.generation {
		e.mu.Unlock()
		e.logger.Debug("discarding superseded route result", log.Uint64("generation", gen))
		span.SetAttributes(attribute.Bool("superseded", true))
		return nil, ErrSuperseded
	}
	e.reroutePending = false
	e.candidates = merged
	if len(merged) == 0 {
		// keep an active route, navigation may continue on it
		e.selected = 0
		e.mu.Unlock()
		e.events.Publish(Event{Kind: EventCandidatesUpdated})
		return nil, nil
	}
	idx := defaultSelection(merged, prefs)
	e.selectLocked(idx)
	ret := cloneCandidates(merged)
	e.mu.Unlock()

	span.SetAttributes(attribute.Int("candidates", len(ret)), attribute.Int("selected", idx))
	e.events.Publish(Event{
		Kind: EventCandidatesUpdated, CandidateCount: len(ret), SelectedIndex: idx,
	})
	return ret, nil
}

// RecomputeOnPreferenceChange replays the last query with the current
// preferences. Without a previous query it does nothing.
func (e *Engine) RecomputeOnPreferenceChange(ctx context.Context) ([]model.RouteCandidate, error) {
	e.mu.Lock()
	q := e.last
	prefs := e.prefs
	e.mu.Unlock()
	if q == nil {
		return nil, nil
	}
	return e.CalculateRoute(ctx, q.origin, q.destination, q.zones, prefs)
}

// SetPreferences stores prefs and recomputes the route if they changed.
func (e *Engine) SetPreferences(ctx context.Context, prefs model.RoutePreferences) error {
	e.mu.Lock()
	changed := e.prefs != prefs
	e.prefs = prefs
	e.mu.Unlock()
	if !changed {
		return nil
	}
	_, err := e.RecomputeOnPreferenceChange(ctx)
	return err
}

// SelectCandidate activates candidate i. Out of range indexes are ignored.
func (e *Engine) SelectCandidate(i int) {
	e.mu.Lock()
	if i < 0 || i >= len(e.candidates) {
		e.mu.Unlock()
		return
	}
	e.selectLocked(i)
	n := len(e.candidates)
	e.mu.Unlock()
	e.events.Publish(Event{Kind: EventRouteSelected, CandidateCount: n, SelectedIndex: i})
}

func (e *Engine) selectLocked(i int) {
	c := &e.candidates[i]
	active, remap := buildActiveRoute(c.Points)
	e.selected = i
	e.active = active
	e.instructions = buildInstructions(c.Guidance, active, remap)
	e.progressIdx = 0
}

// CheckOffRoute updates the progress on the active route and starts a
// reroute from pos if the vehicle is too far away from the route.
// It returns true if a reroute was started.
//
//nolint:funlen // by design
func (e *Engine) CheckOffRoute(pos model.Coordinate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Empty() {
		return false
	}
	if !e.offRouteLimit.AllowN(e.clock.Now(), 1) {
		return false
	}
	points := e.active.Points
	n := len(points)

	var minDist float64
	if n < 2 || e.progressIdx >= n-1 {
		minDist = distance(pos, points[n-1])
	} else {
		minDist = math.Inf(1)
		best := e.progressIdx
		end := min(e.progressIdx+progressWindow, n-1)
		for i := e.progressIdx; i < end; i++ {
			d := distanceToSegment(pos, points[i], points[i+1])
			if d < minDist {
				minDist = d
				best = i
			}
		}
		if best > e.progressIdx {
			e.progressIdx = best
		}
		if best == n-2 && distance(pos, points[n-1]) <= ArrivalRadiusMeters {
			e.progressIdx = n - 1
		}
	}

	if minDist <= OffRouteThresholdMeters || e.inFlight > 0 || e.reroutePending ||
		e.last == nil {
		return false
	}
	e.reroutePending = true
	q := *e.last
	prefs := e.prefs
	e.logger.Info("off route, requesting reroute",
		log.Float64("distance", minDist),
		log.String("position", pos.String()))
	e.events.Publish(Event{Kind: EventRerouteRequested})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.CalculateRoute(context.Background(),
			pos, q.destination, q.zones, prefs); err != nil && !errors.Is(err, ErrSuperseded) {
			e.logger.Warn("reroute failed", log.ErrorField(err))
		}
	}()
	return true
}

// MarkArrived moves the progress to the end of the active route. It is
// used when the position source reports that it reached the destination.
func (e *Engine) MarkArrived() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Empty() {
		return
	}
	e.progressIdx = len(e.active.Points) - 1
}

// DistanceTraveled is the route distance up to the current progress index.
func (e *Engine) DistanceTraveled() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Empty() {
		return 0
	}
	idx := min(e.progressIdx, len(e.active.Cumulative)-1)
	return e.active.Cumulative[idx]
}

// CurrentInstruction returns the next instruction ahead of the progress index.
func (e *Engine) CurrentInstruction() (model.NavigationInstruction, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, in := range e.instructions {
		if in.PointIndex > e.progressIdx {
			return in, true
		}
	}
	return model.NavigationInstruction{}, false
}

func (e *Engine) ActiveRoute() *model.ActiveRoute {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneActive(e.active)
}

// SelectedCandidate returns the candidate backing the active route.
func (e *Engine) SelectedCandidate() (model.RouteCandidate, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active.Empty() || e.selected >= len(e.candidates) {
		return model.RouteCandidate{}, false
	}
	return e.candidates[e.selected], true
}

func (e *Engine) IsCalculating() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight > 0
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Candidates:     cloneCandidates(e.candidates),
		SelectedIndex:  e.selected,
		Active:         cloneActive(e.active),
		Instructions:   append([]model.NavigationInstruction(nil), e.instructions...),
		ProgressIndex:  e.progressIdx,
		Preferences:    e.prefs,
		IsCalculating:  e.inFlight > 0,
		ReroutePending: e.reroutePending,
	}
}

// Clear drops candidates, the active route and the last query. Results of
// calculations still in flight are discarded.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.generation++
	e.candidates = nil
	e.selected = 0
	e.active = nil
	e.instructions = nil
	e.progressIdx = 0
	e.last = nil
	e.reroutePending = false
	e.mu.Unlock()
	e.events.Publish(Event{Kind: EventCleared})
}

func defaultSelection(candidates []model.RouteCandidate, prefs model.RoutePreferences) int {
	if !prefs.AvoidZones {
		return 0
	}
	for i := range candidates {
		if candidates[i].IsZoneFree {
			return i
		}
	}
	return 0
}

func cloneCandidates(in []model.RouteCandidate) []model.RouteCandidate {
	if in == nil {
		return nil
	}
	return append([]model.RouteCandidate(nil), in...)
}

func cloneActive(in *model.ActiveRoute) *model.ActiveRoute {
	if in == nil {
		return nil
	}
	return &model.ActiveRoute{
		Points:     append([]model.Coordinate(nil), in.Points...),
		Cumulative: append([]float64(nil), in.Cumulative...),
	}
}
