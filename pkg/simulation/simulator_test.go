//nolint:funlen // ok for tests
package simulation

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

var origin = model.Coordinate{Latitude: 40.7500, Longitude: -73.9900}

type recorder struct {
	mu        sync.Mutex
	samples   []model.PositionSample
	completed int
}

func (r *recorder) onSample(s model.PositionSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *recorder) onComplete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed++
}

func newTestSimulator(opts ...Option) (*Simulator, *clock.Manual) {
	mc := clock.NewManual(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC))
	return New(append([]Option{WithClock(mc)}, opts...)...), mc
}

func TestSimulationCompletesAfterExpectedTicks(t *testing.T) {
	dest := geo.Offset(origin, 500, 90)
	route := []model.Coordinate{origin, dest}
	length := geo.Distance(origin, dest)
	speed := 12.0
	want := int(math.Ceil(length / (speed * TickInterval.Seconds())))

	s, _ := newTestSimulator(WithSpeed(speed))
	r := &recorder{}
	require.NoError(t, s.Start(route, r.onSample, r.onComplete))
	defer s.Stop()

	ticks := 0
	for s.IsRunning() && ticks < 10*want {
		s.Step()
		ticks++
	}
	assert.Equal(t, want, ticks)
	assert.Equal(t, 1, r.completed)
	assert.Equal(t, dest, s.Current())
	assert.Len(t, r.samples, want)
	assert.Equal(t, dest, r.samples[len(r.samples)-1].Coordinate)
	assert.InDelta(t, length, s.Traveled(), 1e-3)

	// further steps are ignored, completion fired only once
	s.Step()
	assert.Equal(t, 1, r.completed)
	assert.Len(t, r.samples, want)
}

func TestSimulationSamples(t *testing.T) {
	route := []model.Coordinate{origin, geo.Offset(origin, 100, 0), geo.Offset(origin, 200, 0)}
	s, mc := newTestSimulator(WithSpeed(10))
	r := &recorder{}
	require.NoError(t, s.Start(route, r.onSample, r.onComplete))
	defer s.Stop()

	s.Step()
	require.Len(t, r.samples, 1)
	sample := r.samples[0]
	assert.InDelta(t, 10, sample.SpeedMps, 1e-9)
	assert.InDelta(t, 0, math.Mod(sample.CourseDeg+180, 360)-180, 1e-6)
	assert.InDelta(t, 1, geo.Distance(origin, sample.Coordinate), 1e-6)
	assert.Equal(t, mc.Now(), sample.Timestamp)
	assert.Equal(t, model.OnLeg(0), s.Phase())
}

func TestSimulationMultiplierAndPause(t *testing.T) {
	route := []model.Coordinate{origin, geo.Offset(origin, 1000, 90)}
	s, _ := newTestSimulator(WithSpeed(10))

	// no-ops while not simulating
	s.Pause()
	s.Resume()
	s.SetSpeedMultiplier(4)
	assert.False(t, s.IsPaused())
	assert.InDelta(t, 1, s.SpeedMultiplier(), 1e-9)

	r := &recorder{}
	require.NoError(t, s.Start(route, r.onSample, r.onComplete))
	defer s.Stop()

	s.SetSpeedMultiplier(3)
	s.Step()
	assert.InDelta(t, 3, s.Traveled(), 1e-6)
	assert.InDelta(t, 30, r.samples[0].SpeedMps, 1e-9)

	s.SetSpeedMultiplier(0)
	assert.InDelta(t, 3, s.SpeedMultiplier(), 1e-9)

	s.Pause()
	s.Step()
	assert.InDelta(t, 3, s.Traveled(), 1e-6)
	assert.Len(t, r.samples, 1)

	s.Resume()
	s.Step()
	assert.InDelta(t, 6, s.Traveled(), 1e-6)
}

func TestSimulationLeadIn(t *testing.T) {
	leadIn := geo.Offset(origin, 5, 180)
	route := []model.Coordinate{origin, geo.Offset(origin, 5, 90), geo.Offset(origin, 10, 90)}
	s, _ := newTestSimulator(WithSpeed(60), WithStartPosition(leadIn))
	r := &recorder{}
	require.NoError(t, s.Start(route, r.onSample, r.onComplete))
	defer s.Stop()

	assert.True(t, s.Phase().IsApproachingStart())
	s.Step()
	assert.Equal(t, origin, s.Current())
	assert.Equal(t, model.OnLeg(0), s.Phase())
	s.Step()
	assert.Equal(t, model.OnLeg(1), s.Phase())
	s.Step()
	assert.Equal(t, 1, r.completed)
	assert.Equal(t, model.OnLeg(1), s.Phase())
}

func TestSimulationStartErrorsAndStop(t *testing.T) {
	s, mc := newTestSimulator()
	assert.ErrorIs(t, s.Start([]model.Coordinate{origin}, nil, nil), ErrRouteTooShort)

	r := &recorder{}
	require.NoError(t, s.Start(
		[]model.Coordinate{origin, geo.Offset(origin, 1000, 90)}, r.onSample, r.onComplete))

	mc.Advance(TickInterval)
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.samples) == 1
	}, time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	mc.Advance(TickInterval)
	s.Step()
	r.mu.Lock()
	defer r.mu.Unlock()
	assert.Len(t, r.samples, 1)
	assert.Equal(t, 0, r.completed)
}
