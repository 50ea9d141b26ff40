//nolint:funlen // ok for tests
package ride

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/processing/route"
	"github.com/mpapenbr/zenride/pkg/processing/zone"
	"github.com/mpapenbr/zenride/pkg/provider/routing"
	"github.com/mpapenbr/zenride/pkg/simulation"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

var (
	origin = model.Coordinate{Latitude: 40.7500, Longitude: -73.9900}
	dest   = geo.Offset(origin, 1000, 90)
	camera = model.MonitoredZone{
		ID:            "cam-1",
		Street:        "W 34th St",
		SpeedLimitMph: 25,
		Coordinate:    geo.Offset(origin, 500, 90),
	}
)

type staticProvider struct {
	candidates []model.RouteCandidate
}

func (p *staticProvider) FetchRoutes(context.Context, routing.Request) ([]model.RouteCandidate, error) {
	return p.candidates, nil
}

type stopRecorder struct {
	mu       sync.Mutex
	calls    int
	contexts []*model.RideContext
	outcomes []*model.RideOutcome
}

func (r *stopRecorder) handle(rc *model.RideContext, o *model.RideOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.contexts = append(r.contexts, rc)
	r.outcomes = append(r.outcomes, o)
}

func (r *stopRecorder) numCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fixture struct {
	mc       *clock.Manual
	engine   *route.Engine
	tracker  *zone.Tracker
	sim      *simulation.Simulator
	orch     *Orchestrator
	recorder *stopRecorder
}

func newFixture(t *testing.T, speedMph float64, opts ...Option) *fixture {
	t.Helper()
	return newRouteFixture(t, []model.Coordinate{origin, geo.Offset(origin, 500, 90), dest},
		speedMph, opts...)
}

func newRouteFixture(
	t *testing.T,
	points []model.Coordinate,
	speedMph float64,
	opts ...Option,
) *fixture {
	t.Helper()
	mc := clock.NewManual(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	p := &staticProvider{candidates: []model.RouteCandidate{{
		Summary: model.RouteSummary{LengthMeters: geo.PolylineLength(points), TravelTimeSeconds: 90},
		Points:  points,
	}}}
	f := &fixture{
		mc:       mc,
		engine:   route.NewEngine(p, route.WithClock(mc)),
		tracker:  zone.NewTracker([]model.MonitoredZone{camera}, zone.WithClock(mc)),
		sim:      simulation.New(simulation.WithClock(mc), simulation.WithSpeed(geo.MphToMps(speedMph))),
		recorder: &stopRecorder{},
	}
	f.orch = New(f.engine, f.tracker, f.sim,
		append([]Option{WithClock(mc), WithStopHandler(f.recorder.handle)}, opts...)...)
	t.Cleanup(func() {
		f.orch.Close()
		f.tracker.Close()
		f.engine.Close()
	})
	return f
}

func (f *fixture) calculate(t *testing.T) {
	t.Helper()
	_, err := f.engine.CalculateRoute(context.Background(), origin, dest,
		[]model.MonitoredZone{camera}, model.RoutePreferences{})
	require.NoError(t, err)
}

// runToCompletion steps the simulator until it signals completion
func (f *fixture) runToCompletion(t *testing.T) {
	t.Helper()
	for i := 0; f.sim.IsRunning(); i++ {
		require.Less(t, i, 100000)
		f.sim.Step()
	}
}

func TestStartRequiresActiveRoute(t *testing.T) {
	f := newFixture(t, 20)
	assert.ErrorIs(t, f.orch.Start("Office"), ErrNoActiveRoute)
	assert.Equal(t, Idle, f.orch.State())
}

func TestNaturalCompletionAutoStops(t *testing.T) {
	var sunk []*model.RideOutcome
	sink := OutcomeSinkFunc(func(_ context.Context, o *model.RideOutcome) error {
		sunk = append(sunk, o)
		return nil
	})
	failing := OutcomeSinkFunc(func(context.Context, *model.RideOutcome) error {
		return errors.New("broken sink")
	})
	f := newFixture(t, 20, WithOutcomeSink(failing), WithOutcomeSink(sink))
	f.calculate(t)
	require.NoError(t, f.orch.Start("Office"))
	assert.Equal(t, Navigating, f.orch.State())
	assert.ErrorIs(t, f.orch.Start("Office"), ErrNotIdle)
	assert.ErrorIs(t, f.orch.CancelSearch(), ErrNotIdle)

	f.runToCompletion(t)
	assert.Equal(t, Navigating, f.orch.State())

	f.mc.Advance(CompletionGrace - time.Second)
	assert.Equal(t, Navigating, f.orch.State())
	assert.Equal(t, 0, f.recorder.numCalls())

	f.mc.Advance(time.Second)
	assert.Equal(t, Idle, f.orch.State())
	require.Equal(t, 1, f.recorder.numCalls())

	rc := f.recorder.contexts[0]
	outcome := f.recorder.outcomes[0]
	require.NotNil(t, rc)
	require.NotNil(t, outcome)
	assert.Equal(t, "Office", rc.DestinationName)
	assert.Equal(t, origin, rc.Origin)
	assert.Equal(t, dest, rc.Destination)
	assert.InDelta(t, 90, rc.ExpectedDurationSeconds, 1e-9)
	assert.InDelta(t, CompletionGrace.Seconds(), rc.RouteDurationSeconds, 1e-9)
	assert.InDelta(t, 1000, rc.RouteDistanceMeters, 1)
	require.Len(t, outcome.ZoneEvents, 1)
	assert.Equal(t, model.OutcomeSaved, outcome.ZoneEvents[0].Outcome)
	assert.Equal(t, zone.InitialZenScore, outcome.ZenScore)
	assert.Len(t, sunk, 1)

	// engine was cleared
	assert.True(t, f.engine.ActiveRoute().Empty())

	// nothing fires later
	f.mc.Advance(10 * time.Second)
	assert.Equal(t, 1, f.recorder.numCalls())
}

func TestNaturalCompletionRecordsFullDistance(t *testing.T) {
	tests := []struct {
		name   string
		points []model.Coordinate
	}{
		{name: "two points", points: []model.Coordinate{origin, dest}},
		{name: "three points", points: []model.Coordinate{origin, geo.Offset(origin, 500, 90), dest}},
		{
			name: "dense",
			points: []model.Coordinate{
				origin,
				geo.Offset(origin, 100, 90),
				geo.Offset(origin, 200, 90),
				geo.Offset(origin, 600, 90),
				geo.Offset(origin, 990, 90),
				dest,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouteFixture(t, tt.points, 20)
			f.calculate(t)
			require.NoError(t, f.orch.Start("Office"))
			f.runToCompletion(t)
			f.mc.Advance(CompletionGrace)
			require.Equal(t, 1, f.recorder.numCalls())

			rc := f.recorder.contexts[0]
			require.NotNil(t, rc)
			assert.InDelta(t, geo.PolylineLength(tt.points), rc.RouteDistanceMeters, 1)
		})
	}
}

func TestManualStopRecordsPartialDistance(t *testing.T) {
	f := newRouteFixture(t, []model.Coordinate{origin, dest}, 20)
	f.calculate(t)
	require.NoError(t, f.orch.Start("Office"))
	f.sim.Step()
	rc, _ := f.orch.Stop(context.Background())
	require.NotNil(t, rc)
	assert.Less(t, rc.RouteDistanceMeters, 1000.0)
}

func TestSpeedingRide(t *testing.T) {
	f := newFixture(t, 40)
	f.calculate(t)
	require.NoError(t, f.orch.Start("Office"))
	f.runToCompletion(t)
	rc, outcome := f.orch.Stop(context.Background())
	require.NotNil(t, rc)
	require.Len(t, outcome.ZoneEvents, 1)
	assert.Equal(t, model.OutcomePotentialTicket, outcome.ZoneEvents[0].Outcome)
	assert.Less(t, outcome.ZenScore, zone.InitialZenScore)
	assert.InDelta(t, 40, outcome.ZoneEvents[0].SpeedAtEntryMph, 1e-6)
}

func TestManualStopDuringGraceSuppressesAutoStop(t *testing.T) {
	f := newFixture(t, 20)
	f.calculate(t)
	require.NoError(t, f.orch.Start("Office"))
	f.runToCompletion(t)

	f.mc.Advance(2 * time.Second)
	rc, outcome := f.orch.Stop(context.Background())
	require.NotNil(t, rc)
	require.NotNil(t, outcome)
	assert.Equal(t, 1, f.recorder.numCalls())
	assert.Equal(t, 0, f.mc.PendingTimers())

	f.mc.Advance(5 * time.Second)
	assert.Equal(t, 1, f.recorder.numCalls())
	assert.Equal(t, Idle, f.orch.State())
}

func TestStopWithoutDeparture(t *testing.T) {
	f := newFixture(t, 20)
	rc, outcome := f.orch.Stop(context.Background())
	assert.Nil(t, rc)
	assert.Nil(t, outcome)
	require.Equal(t, 1, f.recorder.numCalls())
	assert.Nil(t, f.recorder.contexts[0])
	assert.Nil(t, f.recorder.outcomes[0])
}

func TestStopWithoutDestinationName(t *testing.T) {
	called := false
	f := newFixture(t, 20, WithOutcomeSink(OutcomeSinkFunc(
		func(context.Context, *model.RideOutcome) error {
			called = true
			return nil
		})))
	f.calculate(t)
	require.NoError(t, f.orch.Start(""))
	f.sim.Step()
	rc, outcome := f.orch.Stop(context.Background())
	assert.Nil(t, rc)
	assert.Nil(t, outcome)
	assert.False(t, called)
	assert.False(t, f.sim.IsRunning())
	assert.Equal(t, Idle, f.orch.State())
}

func TestCancelSearch(t *testing.T) {
	f := newFixture(t, 20)
	f.calculate(t)
	require.NoError(t, f.orch.CancelSearch())
	assert.True(t, f.engine.ActiveRoute().Empty())
	require.NoError(t, f.orch.ResetRideStats())
}

type failingSource struct{}

func (failingSource) Start([]model.Coordinate, func(model.PositionSample), func()) error {
	return errors.New("no gps")
}
func (failingSource) Stop() {}

func TestStartRollsBackOnSourceError(t *testing.T) {
	f := newFixture(t, 20)
	f.calculate(t)
	o := New(f.engine, f.tracker, failingSource{}, WithClock(f.mc))
	defer o.Close()
	require.Error(t, o.Start("Office"))
	assert.Equal(t, Idle, o.State())
}

func TestStateSubscription(t *testing.T) {
	f := newFixture(t, 20)
	ch := f.orch.Subscribe()
	f.calculate(t)
	require.NoError(t, f.orch.Start("Office"))
	f.orch.Stop(context.Background())

	for _, want := range []StateChange{{Idle, Navigating}, {Navigating, Idle}} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("missing state change")
		}
	}
}
