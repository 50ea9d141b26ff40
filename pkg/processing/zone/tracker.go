// Package zone implements the proximity state machine that follows the
// vehicle relative to the nearest monitored zone and records zone events.
package zone

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils/broadcast"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

const (
	ApproachThresholdFeet = 1000.0
	DangerThresholdFeet   = 500.0

	ApproachCooldown = 3 * time.Minute
	SpeedingCooldown = 10 * time.Second
	ExitCooldown     = 3 * time.Minute

	SpeedingToleranceMph = 3.0
	SpeedingPenalty      = 5
	InitialZenScore      = 100

	SampleInterval    = 5 * time.Second
	MinSampleSpeedMph = 2.0

	minMovementMeters   = 5.0
	searchRadiusMeters  = 2000.0
	distanceChangeFeet  = 5.0
	statusChangesBuffer = 32
)

// Announcer is the external collaborator that informs the driver.
// Calls are made outside of the tracker's lock.
type Announcer interface {
	AnnounceApproach(zone model.MonitoredZone, distanceFeet float64)
	AnnounceSpeeding(zone model.MonitoredZone, speedMph float64)
	AnnounceExit(zone model.MonitoredZone)
}

type nopAnnouncer struct{}

func (nopAnnouncer) AnnounceApproach(model.MonitoredZone, float64) {}
func (nopAnnouncer) AnnounceSpeeding(model.MonitoredZone, float64) {}
func (nopAnnouncer) AnnounceExit(model.MonitoredZone)              {}

// activeEntry is the zone currently being passed. There is at most one.
type activeEntry struct {
	zone             model.MonitoredZone
	speedAtEntry     float64
	hasSlowedToLimit bool
	enteredDanger    bool
}

// SessionData is what the tracker collected during one ride.
type SessionData struct {
	ZoneEvents   []model.ZoneEvent
	SpeedSamples []float64
	TopSpeedMph  float64
	AvgSpeedMph  float64
	ZenScore     int
	ZonesPassed  int
}

type Tracker struct {
	mu        sync.Mutex
	zones     []model.MonitoredZone
	clock     clock.Clock
	announcer Announcer
	logger    *log.Logger

	status          model.ZoneStatus
	nearest         *model.MonitoredZone
	nearestFeet     float64
	publishedStatus model.ZoneStatus
	publishedFeet   float64
	lastChecked     *model.Coordinate
	currentSpeedMph float64
	entry           *activeEntry

	approachCooldown map[string]time.Time
	speedingCooldown map[string]time.Time
	exitCooldown     map[string]time.Time

	zenScore     int
	zonesPassed  int
	events       []model.ZoneEvent
	samples      []float64
	topSpeedMph  float64
	speedSumMph  float64
	sessionGen   int
	inSession    bool
	samplerTick  clock.Ticker
	samplerDone  chan struct{}
	changes      broadcast.Server[model.ZoneStatusChange]
	penaltyCount metric.Int64Counter
	eventCount   metric.Int64Counter
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

func WithAnnouncer(a Announcer) Option {
	return func(t *Tracker) {
		t.announcer = a
	}
}

func WithLogger(l *log.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

func NewTracker(zones []model.MonitoredZone, opts ...Option) *Tracker {
	t := &Tracker{
		zones:            zones,
		clock:            clock.Real{},
		announcer:        nopAnnouncer{},
		logger:           log.Default().Named("zone"),
		nearestFeet:      math.Inf(1),
		publishedFeet:    math.Inf(1),
		approachCooldown: make(map[string]time.Time),
		speedingCooldown: make(map[string]time.Time),
		exitCooldown:     make(map[string]time.Time),
		zenScore:         InitialZenScore,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.changes = broadcast.New[model.ZoneStatusChange]("zone", statusChangesBuffer,
		broadcast.WithTelemetry[model.ZoneStatusChange]("zone.status"),
		broadcast.WithLogger[model.ZoneStatusChange](t.logger))
	t.setupMetrics()
	return t
}

func (t *Tracker) setupMetrics() {
	meter := otel.GetMeterProvider().Meter("zenride.zone")
	var err error
	if t.penaltyCount, err = meter.Int64Counter("zenride.zone.penalty",
		metric.WithDescription("Number of speeding penalties"),
		metric.WithUnit("{count}")); err != nil {
		t.logger.Error("failed to register metric", log.ErrorField(err))
	}
	if t.eventCount, err = meter.Int64Counter("zenride.zone.event",
		metric.WithDescription("Number of recorded zone events"),
		metric.WithUnit("{count}")); err != nil {
		t.logger.Error("failed to register metric", log.ErrorField(err))
	}
}

// Subscribe returns a channel delivering status changes.
func (t *Tracker) Subscribe() <-chan model.ZoneStatusChange {
	return t.changes.Subscribe()
}

func (t *Tracker) CancelSubscription(ch <-chan model.ZoneStatusChange) {
	t.changes.CancelSubscription(ch)
}

// Close stops a running session and releases the status broadcaster.
func (t *Tracker) Close() {
	t.StopSession()
	t.changes.Close()
}

// SetZones replaces the zone catalog. Cooldowns of zones no longer present
// are pruned.
func (t *Tracker) SetZones(zones []model.MonitoredZone) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.zones = zones
	known := make(map[string]struct{}, len(zones))
	for i := range zones {
		known[zones[i].ID] = struct{}{}
	}
	for _, m := range []map[string]time.Time{
		t.approachCooldown, t.speedingCooldown, t.exitCooldown,
	} {
		for id := range m {
			if _, ok := known[id]; !ok {
				delete(m, id)
			}
		}
	}
}

// ProcessLocation feeds a new position together with the current speed.
// Positions arriving outside a session are ignored.
//
//nolint:funlen,cyclop // state machine
func (t *Tracker) ProcessLocation(pos model.Coordinate, speedMph float64) {
	var notify []func()
	defer func() {
		for _, f := range notify {
			f()
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inSession {
		return
	}
	t.currentSpeedMph = speedMph
	if t.lastChecked != nil && geo.Distance(*t.lastChecked, pos) < minMovementMeters {
		return
	}
	p := pos
	t.lastChecked = &p

	zone, feet := t.findNearest(pos)
	newStatus := classify(zone, feet)
	prev := t.status
	now := t.clock.Now()

	if t.entry != nil && zone != nil && newStatus != model.ZoneSafe &&
		t.entry.zone.ID != zone.ID {
		t.logger.Debug("nearest zone changed while passing",
			log.String("from", t.entry.zone.ID), log.String("to", zone.ID))
		t.finalizeLocked(now)
		prev = model.ZoneSafe
	}

	switch newStatus {
	case model.ZoneApproach:
		if prev == model.ZoneSafe {
			if t.entry == nil {
				t.entry = &activeEntry{zone: *zone}
			}
			if cooldownElapsed(t.approachCooldown, zone.ID, now, ApproachCooldown) {
				t.approachCooldown[zone.ID] = now
				z, d := *zone, feet
				notify = append(notify, func() { t.announcer.AnnounceApproach(z, d) })
			}
		}
	case model.ZoneDanger:
		switch {
		case t.entry == nil:
			t.entry = &activeEntry{zone: *zone, speedAtEntry: speedMph, enteredDanger: true}
		case !t.entry.enteredDanger:
			t.entry.enteredDanger = true
			t.entry.speedAtEntry = speedMph
		}
		limit := float64(zone.SpeedLimitMph)
		if speedMph <= limit {
			t.entry.hasSlowedToLimit = true
		}
		if speedMph > limit+SpeedingToleranceMph &&
			cooldownElapsed(t.speedingCooldown, zone.ID, now, SpeedingCooldown) {
			t.speedingCooldown[zone.ID] = now
			t.zenScore = max(0, t.zenScore-SpeedingPenalty)
			t.penaltyCount.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("zone", zone.ID)))
			t.logger.Debug("speeding in zone",
				log.String("zone", zone.ID),
				log.Float64("speed", speedMph),
				log.Int("zenScore", t.zenScore))
			z, s := *zone, speedMph
			notify = append(notify, func() { t.announcer.AnnounceSpeeding(z, s) })
		}
	case model.ZoneSafe:
		if prev != model.ZoneSafe {
			exited := t.nearest
			if t.entry != nil {
				exited = &t.entry.zone
			}
			if exited != nil &&
				cooldownElapsed(t.exitCooldown, exited.ID, now, ExitCooldown) {
				t.exitCooldown[exited.ID] = now
				t.zonesPassed++
				z := *exited
				notify = append(notify, func() { t.announcer.AnnounceExit(z) })
			}
			t.finalizeLocked(now)
		}
	}

	t.status = newStatus
	t.nearest = zone
	t.nearestFeet = feet
	if t.publishedStatus != newStatus || distanceMoved(t.publishedFeet, feet) {
		change := model.ZoneStatusChange{
			Previous:     t.publishedStatus,
			Current:      newStatus,
			DistanceFeet: feet,
		}
		if zone != nil {
			z := *zone
			change.Zone = &z
		}
		t.publishedStatus = newStatus
		t.publishedFeet = feet
		t.changes.Publish(change)
	}
}

// SampleSpeed records the current speed into the session's samples. It is
// called by the sampler every SampleInterval while a session is running.
func (t *Tracker) SampleSpeed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sampleLocked()
}

func (t *Tracker) sampleLocked() {
	speed := t.currentSpeedMph
	if speed > MinSampleSpeedMph {
		t.samples = append(t.samples, speed)
		t.speedSumMph += speed
		if speed > t.topSpeedMph {
			t.topSpeedMph = speed
		}
	}
	if t.status == model.ZoneDanger && t.entry != nil && t.entry.enteredDanger &&
		speed <= float64(t.entry.zone.SpeedLimitMph) {
		t.entry.hasSlowedToLimit = true
	}
}

// FinalizeActiveEntry closes the live entry. An event is produced only if the
// entry reached the danger ring.
func (t *Tracker) FinalizeActiveEntry() (model.ZoneEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalizeLocked(t.clock.Now())
}

func (t *Tracker) finalizeLocked(now time.Time) (model.ZoneEvent, bool) {
	e := t.entry
	t.entry = nil
	if e == nil || !e.enteredDanger {
		return model.ZoneEvent{}, false
	}
	outcome := model.OutcomePotentialTicket
	if e.hasSlowedToLimit {
		outcome = model.OutcomeSaved
	}
	ev := model.ZoneEvent{
		ZoneID:          e.zone.ID,
		Street:          e.zone.Label(),
		SpeedLimitMph:   e.zone.SpeedLimitMph,
		SpeedAtEntryMph: e.speedAtEntry,
		DidSlowDown:     e.hasSlowedToLimit,
		Outcome:         outcome,
		Timestamp:       now,
	}
	t.events = append(t.events, ev)
	t.eventCount.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", string(outcome))))
	t.logger.Info("zone passed",
		log.String("zone", ev.ZoneID),
		log.String("outcome", string(outcome)),
		log.Float64("speedAtEntry", ev.SpeedAtEntryMph))
	return ev, true
}

// StartSession resets the per-ride state and starts the speed sampler.
// Cooldowns are kept, see ResetRideStats.
func (t *Tracker) StartSession() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopSamplerLocked()
	t.resetRideLocked()
	t.inSession = true
	t.sessionGen++
	t.startSamplerLocked(t.sessionGen)
}

// StopSession stops the sampler, flushes the live entry and returns the
// data collected since StartSession.
func (t *Tracker) StopSession() SessionData {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inSession {
		return t.sessionDataLocked()
	}
	t.inSession = false
	t.sessionGen++
	t.stopSamplerLocked()
	t.finalizeLocked(t.clock.Now())
	t.status = model.ZoneSafe
	t.nearest = nil
	t.nearestFeet = math.Inf(1)
	t.lastChecked = nil
	return t.sessionDataLocked()
}

// ResetRideStats clears the per-ride state including all cooldowns.
func (t *Tracker) ResetRideStats() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetRideLocked()
	clear(t.approachCooldown)
	clear(t.speedingCooldown)
	clear(t.exitCooldown)
}

func (t *Tracker) resetRideLocked() {
	t.events = nil
	t.samples = nil
	t.topSpeedMph = 0
	t.speedSumMph = 0
	t.zenScore = InitialZenScore
	t.zonesPassed = 0
	t.entry = nil
	t.status = model.ZoneSafe
	t.nearest = nil
	t.nearestFeet = math.Inf(1)
	t.lastChecked = nil
	t.currentSpeedMph = 0
}

func (t *Tracker) startSamplerLocked(gen int) {
	ticker := t.clock.NewTicker(SampleInterval)
	done := make(chan struct{})
	t.samplerTick = ticker
	t.samplerDone = done
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				t.mu.Lock()
				if t.inSession && t.sessionGen == gen {
					t.sampleLocked()
				}
				t.mu.Unlock()
			}
		}
	}()
}

func (t *Tracker) stopSamplerLocked() {
	if t.samplerTick == nil {
		return
	}
	t.samplerTick.Stop()
	close(t.samplerDone)
	t.samplerTick = nil
	t.samplerDone = nil
}

func (t *Tracker) sessionDataLocked() SessionData {
	ret := SessionData{
		ZoneEvents:   append([]model.ZoneEvent(nil), t.events...),
		SpeedSamples: append([]float64(nil), t.samples...),
		TopSpeedMph:  t.topSpeedMph,
		ZenScore:     t.zenScore,
		ZonesPassed:  t.zonesPassed,
	}
	if len(t.samples) > 0 {
		ret.AvgSpeedMph = t.speedSumMph / float64(len(t.samples))
	}
	return ret
}

// Session returns a snapshot of the data collected so far.
func (t *Tracker) Session() SessionData {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionDataLocked()
}

func (t *Tracker) Status() model.ZoneStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Nearest returns the nearest zone within the search radius.
func (t *Tracker) Nearest() (model.MonitoredZone, float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.nearest == nil {
		return model.MonitoredZone{}, 0, false
	}
	return *t.nearest, t.nearestFeet, true
}

func (t *Tracker) ZenScore() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zenScore
}

func (t *Tracker) findNearest(pos model.Coordinate) (*model.MonitoredZone, float64) {
	var best *model.MonitoredZone
	bestFeet := math.Inf(1)
	for i := range t.zones {
		z := &t.zones[i]
		if geo.ApproxDistance(pos, z.Coordinate) > searchRadiusMeters {
			continue
		}
		feet := geo.MetersToFeet(geo.Distance(pos, z.Coordinate))
		if feet < bestFeet {
			best = z
			bestFeet = feet
		}
	}
	return best, bestFeet
}

func classify(zone *model.MonitoredZone, feet float64) model.ZoneStatus {
	switch {
	case zone == nil || feet > ApproachThresholdFeet:
		return model.ZoneSafe
	case feet <= DangerThresholdFeet:
		return model.ZoneDanger
	default:
		return model.ZoneApproach
	}
}

func cooldownElapsed(m map[string]time.Time, id string, now time.Time, d time.Duration) bool {
	last, ok := m[id]
	return !ok || now.Sub(last) >= d
}

func distanceMoved(prev, cur float64) bool {
	if math.IsInf(prev, 1) && math.IsInf(cur, 1) {
		return false
	}
	if math.IsInf(prev, 1) || math.IsInf(cur, 1) {
		return true
	}
	return math.Abs(prev-cur) > distanceChangeFeet
}
