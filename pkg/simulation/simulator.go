// Package simulation produces a synthetic position stream by walking a
// polyline at a configurable speed.
package simulation

import (
	"errors"
	"sync"
	"time"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

const (
	TickInterval    = 100 * time.Millisecond
	DefaultSpeedMps = 13.4
)

var ErrRouteTooShort = errors.New("simulation: route needs at least two points")

type Simulator struct {
	mu         sync.Mutex
	clock      clock.Clock
	logger     *log.Logger
	speedMps   float64
	multiplier float64
	leadIn     *model.Coordinate

	path       []model.Coordinate
	hasLeadIn  bool
	current    model.Coordinate
	nextIndex  int
	traveled   float64
	running    bool
	paused     bool
	onSample   func(model.PositionSample)
	onComplete func()
	ticker     clock.Ticker
	done       chan struct{}
	gen        int
}

type Option func(*Simulator)

func WithClock(c clock.Clock) Option {
	return func(s *Simulator) {
		s.clock = c
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Simulator) {
		s.logger = l
	}
}

// WithSpeed sets the nominal target speed in m/s.
func WithSpeed(mps float64) Option {
	return func(s *Simulator) {
		s.speedMps = mps
	}
}

// WithStartPosition lets the simulation begin at pos and drive to the first
// route node before following the route.
func WithStartPosition(pos model.Coordinate) Option {
	return func(s *Simulator) {
		s.leadIn = &pos
	}
}

func New(opts ...Option) *Simulator {
	s := &Simulator{
		clock:      clock.Real{},
		logger:     log.Default().Named("simulation"),
		speedMps:   DefaultSpeedMps,
		multiplier: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins walking route. A running simulation is stopped first.
// onComplete is called exactly once when the last node is reached.
func (s *Simulator) Start(
	route []model.Coordinate,
	onSample func(model.PositionSample),
	onComplete func(),
) error {
	if len(route) < 2 {
		return ErrRouteTooShort
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	s.path = s.path[:0]
	s.hasLeadIn = false
	if s.leadIn != nil && *s.leadIn != route[0] {
		s.path = append(s.path, *s.leadIn)
		s.hasLeadIn = true
	}
	s.path = append(s.path, route...)
	s.current = s.path[0]
	s.nextIndex = 1
	s.traveled = 0
	s.paused = false
	s.running = true
	s.onSample = onSample
	s.onComplete = onComplete
	s.gen++
	s.startTickerLocked(s.gen)
	s.logger.Debug("simulation started",
		log.Int("points", len(s.path)),
		log.Float64("speed", s.speedMps),
		log.Bool("leadIn", s.hasLeadIn))
	return nil
}

func (s *Simulator) startTickerLocked(gen int) {
	ticker := s.clock.NewTicker(TickInterval)
	done := make(chan struct{})
	s.ticker = ticker
	s.done = done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				s.step(gen)
			}
		}
	}()
}

// Stop ends the simulation without signalling completion.
func (s *Simulator) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Simulator) stopLocked() {
	s.running = false
	s.paused = false
	if s.ticker != nil {
		s.ticker.Stop()
		close(s.done)
		s.ticker = nil
		s.done = nil
	}
}

// Step advances the simulation by one tick.
func (s *Simulator) Step() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.step(gen)
}

func (s *Simulator) step(gen int) {
	var (
		sample     model.PositionSample
		onSample   func(model.PositionSample)
		onComplete func()
	)
	s.mu.Lock()
	if !s.running || s.paused || s.gen != gen {
		s.mu.Unlock()
		return
	}
	speed := s.speedMps * s.multiplier
	perTick := speed * TickInterval.Seconds()
	target := s.path[s.nextIndex]
	course := geo.Bearing(s.current, target)
	remaining := geo.Distance(s.current, target)

	if remaining <= perTick {
		s.current = target
		s.traveled += remaining
		s.nextIndex++
		if s.nextIndex >= len(s.path) {
			onComplete = s.onComplete
			s.stopLocked()
			s.logger.Debug("simulation completed", log.Float64("traveled", s.traveled))
		}
	} else {
		s.current = geo.Offset(s.current, perTick, course)
		s.traveled += perTick
	}
	sample = model.PositionSample{
		Coordinate: s.current,
		SpeedMps:   speed,
		CourseDeg:  course,
		Timestamp:  s.clock.Now(),
	}
	onSample = s.onSample
	s.mu.Unlock()

	if onSample != nil {
		onSample(sample)
	}
	if onComplete != nil {
		onComplete()
	}
}

func (s *Simulator) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.paused = true
	}
}

func (s *Simulator) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.paused = false
	}
}

// SetSpeedMultiplier scales the target speed. Values <= 0 are ignored.
func (s *Simulator) SetSpeedMultiplier(m float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && m > 0 {
		s.multiplier = m
	}
}

func (s *Simulator) SpeedMultiplier() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.multiplier
}

func (s *Simulator) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Simulator) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Simulator) Current() model.Coordinate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Traveled is the distance covered since Start in meters.
func (s *Simulator) Traveled() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traveled
}

// Phase reports whether the simulation is still heading to the first route
// node or on which route leg it currently is.
func (s *Simulator) Phase() model.LegPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	leg := s.nextIndex - 1
	if s.hasLeadIn {
		if s.nextIndex <= 1 {
			return model.ApproachingStart()
		}
		leg--
	}
	routeLen := len(s.path)
	if s.hasLeadIn {
		routeLen--
	}
	return model.OnLeg(max(0, min(leg, routeLen-2)))
}
