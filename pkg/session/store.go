// Package session keeps the history of completed rides. Rides between the
// same origin and destination are grouped into one record.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrMoodAlreadySet  = errors.New("mood already set")
)

// Repository persists records. Implementations must keep the fingerprint
// verbatim.
type Repository interface {
	LoadAll(ctx context.Context) ([]*model.DriveRecord, error)
	SaveRecord(ctx context.Context, rec *model.DriveRecord) error
	DeleteRecord(ctx context.Context, id uuid.UUID) error
}

type Store struct {
	mu            sync.Mutex
	repo          Repository
	clock         clock.Clock
	location      *time.Location
	logger        *log.Logger
	byFingerprint map[string]*model.DriveRecord
	byID          map[uuid.UUID]*model.DriveRecord
	stats         *model.StoreStats
	statsDay      time.Time
}

type Option func(*Store)

// WithRepository enables persistence. Without it the store is memory only.
func WithRepository(r Repository) Option {
	return func(s *Store) {
		s.repo = r
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithLocation sets the time zone used for calendar days.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) {
		s.location = loc
	}
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		clock:         clock.Real{},
		location:      time.Local,
		logger:        log.Default().Named("session"),
		byFingerprint: make(map[string]*model.DriveRecord),
		byID:          make(map[uuid.UUID]*model.DriveRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory state with the repository content.
func (s *Store) Load(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	records, err := s.repo.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("load records: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byFingerprint = make(map[string]*model.DriveRecord, len(records))
	s.byID = make(map[uuid.UUID]*model.DriveRecord, len(records))
	for _, rec := range records {
		rec.RecomputeAggregates()
		s.byFingerprint[rec.Fingerprint] = rec
		s.byID[rec.ID] = rec
	}
	s.invalidateLocked()
	s.logger.Info("records loaded", log.Int("records", len(records)))
	return nil
}

// AppendSession adds session to the record identified by origin and
// destination, creating the record if needed.
func (s *Store) AppendSession(
	ctx context.Context,
	origin, destination model.Coordinate,
	name string,
	session model.DriveSession,
) (model.DriveRecord, error) {
	if session.ID == uuid.Nil {
		session.ID = uuid.Must(uuid.NewV7())
	}
	fp := Fingerprint(origin, destination)

	s.mu.Lock()
	defer s.mu.Unlock()
	var next model.DriveRecord
	if rec, ok := s.byFingerprint[fp]; ok {
		next = copyRecord(rec)
	} else {
		next = model.DriveRecord{
			ID:          uuid.Must(uuid.NewV7()),
			Fingerprint: fp,
			Name:        name,
			Origin:      origin,
			Destination: destination,
			MoneySaved:  decimal.Zero,
		}
		s.logger.Debug("new record", log.String("fingerprint", fp), log.String("name", name))
	}
	next.Prepend(session)
	if err := s.commitLocked(ctx, &next); err != nil {
		return model.DriveRecord{}, err
	}
	return copyRecord(&next), nil
}

// Ingest converts a finished ride into a session and appends it.
func (s *Store) Ingest(ctx context.Context, outcome *model.RideOutcome) (model.DriveRecord, error) {
	rc := outcome.Context
	departure := rc.DepartureTime.In(s.location)
	session := model.DriveSession{
		ID:                  outcome.RideID,
		Date:                rc.DepartureTime,
		DepartureHour:       departure.Hour(),
		AvgSpeedMph:         outcome.AvgSpeedMph,
		TopSpeedMph:         outcome.TopSpeedMph,
		SpeedSamples:        slices.Clone(outcome.SpeedSamples),
		ZoneEvents:          slices.Clone(outcome.ZoneEvents),
		MoneySaved:          outcome.MoneySaved(),
		TrafficDelaySeconds: max(0, rc.RouteDurationSeconds-rc.ExpectedDurationSeconds),
		TimeOfDay:           model.TimeOfDayForHour(departure.Hour()),
		DurationSeconds:     rc.RouteDurationSeconds,
		DistanceMeters:      rc.RouteDistanceMeters,
		ZenScore:            outcome.ZenScore,
	}
	return s.AppendSession(ctx, rc.Origin, rc.Destination, rc.DestinationName, session)
}

// AttachMood sets the mood of a session. It can only be set once.
func (s *Store) AttachMood(
	ctx context.Context, recordID, sessionID uuid.UUID, mood model.Mood,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	idx := slices.IndexFunc(rec.Sessions, func(x model.DriveSession) bool {
		return x.ID == sessionID
	})
	if idx < 0 {
		return ErrSessionNotFound
	}
	if rec.Sessions[idx].Mood != nil {
		return ErrMoodAlreadySet
	}
	next := copyRecord(rec)
	m := mood
	next.Sessions[idx].Mood = &m
	return s.commitLocked(ctx, &next)
}

// DeleteSession removes a session. A record without sessions is removed.
func (s *Store) DeleteSession(ctx context.Context, recordID, sessionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	idx := slices.IndexFunc(rec.Sessions, func(x model.DriveSession) bool {
		return x.ID == sessionID
	})
	if idx < 0 {
		return ErrSessionNotFound
	}
	if len(rec.Sessions) == 1 {
		return s.deleteLocked(ctx, rec)
	}
	next := copyRecord(rec)
	next.Sessions = slices.Delete(next.Sessions, idx, idx+1)
	next.RecomputeAggregates()
	return s.commitLocked(ctx, &next)
}

// ToggleBookmark flips the bookmark flag and returns the new value.
func (s *Store) ToggleBookmark(ctx context.Context, recordID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return false, ErrRecordNotFound
	}
	next := copyRecord(rec)
	next.Bookmarked = !next.Bookmarked
	if err := s.commitLocked(ctx, &next); err != nil {
		return rec.Bookmarked, err
	}
	return next.Bookmarked, nil
}

func (s *Store) DeleteRecord(ctx context.Context, recordID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	return s.deleteLocked(ctx, rec)
}

// Records returns copies of all records, most recently driven first.
func (s *Store) Records() []model.DriveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]model.DriveRecord, 0, len(s.byID))
	for _, rec := range s.byID {
		ret = append(ret, copyRecord(rec))
	}
	slices.SortFunc(ret, func(a, b model.DriveRecord) int {
		if c := b.LastDriven.Compare(a.LastDriven); c != 0 {
			return c
		}
		return strings.Compare(a.Fingerprint, b.Fingerprint)
	})
	return ret
}

// Bookmarked returns the bookmarked records, most recently driven first.
func (s *Store) Bookmarked() []model.DriveRecord {
	return lo.Filter(s.Records(), func(r model.DriveRecord, _ int) bool {
		return r.Bookmarked
	})
}

func (s *Store) Record(recordID uuid.UUID) (model.DriveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[recordID]
	if !ok {
		return model.DriveRecord{}, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (s *Store) RecordByFingerprint(fp string) (model.DriveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byFingerprint[fp]
	if !ok {
		return model.DriveRecord{}, ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// commitLocked persists next and replaces the in-memory record only if
// the repository accepted it.
func (s *Store) commitLocked(ctx context.Context, next *model.DriveRecord) error {
	if s.repo != nil {
		if err := s.repo.SaveRecord(ctx, next); err != nil {
			s.logger.Error("could not save record",
				log.String("fingerprint", next.Fingerprint), log.ErrorField(err))
			return fmt.Errorf("save record %s: %w", next.ID, err)
		}
	}
	if rec, ok := s.byID[next.ID]; ok {
		*rec = *next
	} else {
		rec := *next
		s.byFingerprint[rec.Fingerprint] = &rec
		s.byID[rec.ID] = &rec
	}
	s.invalidateLocked()
	return nil
}

func (s *Store) deleteLocked(ctx context.Context, rec *model.DriveRecord) error {
	if s.repo != nil {
		if err := s.repo.DeleteRecord(ctx, rec.ID); err != nil {
			s.logger.Error("could not delete record",
				log.String("fingerprint", rec.Fingerprint), log.ErrorField(err))
			return fmt.Errorf("delete record %s: %w", rec.ID, err)
		}
	}
	delete(s.byID, rec.ID)
	delete(s.byFingerprint, rec.Fingerprint)
	s.invalidateLocked()
	return nil
}

func (s *Store) invalidateLocked() {
	s.stats = nil
}

func copyRecord(rec *model.DriveRecord) model.DriveRecord {
	ret := *rec
	ret.Sessions = slices.Clone(rec.Sessions)
	return ret
}
