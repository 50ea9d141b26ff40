//nolint:funlen,dupl // ok for tests
package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpapenbr/zenride/pkg/geo"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/utils/clock"
)

var (
	home   = model.Coordinate{Latitude: 40.7512, Longitude: -73.9871}
	office = model.Coordinate{Latitude: 40.7061, Longitude: -74.0087}
	now    = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
)

type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]model.DriveRecord
	saves   int
	deletes int
	failing bool
}

var errRepoDown = errors.New("repository down")

func newMemRepo() *memRepo {
	return &memRepo{records: map[uuid.UUID]model.DriveRecord{}}
}

func (m *memRepo) LoadAll(context.Context) ([]*model.DriveRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := []*model.DriveRecord{}
	for _, r := range m.records {
		rec := copyRecord(&r)
		ret = append(ret, &rec)
	}
	return ret, nil
}

func (m *memRepo) SaveRecord(_ context.Context, rec *model.DriveRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errRepoDown
	}
	m.records[rec.ID] = copyRecord(rec)
	m.saves++
	return nil
}

func (m *memRepo) setFailing(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = v
}

func (m *memRepo) DeleteRecord(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errRepoDown
	}
	delete(m.records, id)
	m.deletes++
	return nil
}

func newTestStore(opts ...Option) *Store {
	return NewStore(append([]Option{
		WithClock(clock.NewManual(now)),
		WithLocation(time.UTC),
	}, opts...)...)
}

func session(date time.Time, avg, top, dist float64, zen int) model.DriveSession {
	return model.DriveSession{
		Date:            date,
		AvgSpeedMph:     avg,
		TopSpeedMph:     top,
		DistanceMeters:  dist,
		DurationSeconds: 600,
		MoneySaved:      decimal.NewFromInt(50),
		ZenScore:        zen,
	}
}

func TestFingerprint(t *testing.T) {
	sameCell := model.Coordinate{Latitude: 40.7524, Longitude: -73.9860}
	otherCell := model.Coordinate{Latitude: 40.7526, Longitude: -73.9860}

	fp := Fingerprint(home, office)
	assert.Equal(t, "40.7500,-73.9850|40.7050,-74.0100", fp)
	assert.Equal(t, fp, Fingerprint(sameCell, office))
	assert.NotEqual(t, fp, Fingerprint(otherCell, office))
	assert.NotEqual(t, fp, Fingerprint(home, geo.Offset(office, 1000, 0)))
	assert.NotEqual(t, fp, Fingerprint(office, home))

	assert.Equal(t, "0.0000,0.0000|0.0000,0.0000",
		Fingerprint(model.Coordinate{Latitude: -0.001, Longitude: 0.001},
			model.Coordinate{Latitude: 0.0012, Longitude: -0.0024}))
}

func TestAppendSessionDedup(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	nearHome := model.Coordinate{Latitude: 40.7520, Longitude: -73.9866}

	rec, err := s.AppendSession(ctx, home, office, "Office", session(now.Add(-time.Hour), 30, 45, 5000, 100))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.SessionCount)

	rec2, err := s.AppendSession(ctx, nearHome, office, "Office again", session(now, 40, 50, 6000, 90))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, 2, rec2.SessionCount)
	assert.Equal(t, "Office", rec2.Name)
	assert.InDelta(t, 35, rec2.AvgSpeedMph, 1e-9)
	assert.InDelta(t, 50, rec2.TopSpeedMph, 1e-9)
	assert.InDelta(t, 11000, rec2.TotalDistanceMeters, 1e-9)
	assert.InDelta(t, 1200, rec2.TotalTimeSeconds, 1e-9)
	assert.True(t, decimal.NewFromInt(100).Equal(rec2.MoneySaved))
	assert.Equal(t, now, rec2.LastDriven)
	// newest first
	assert.InDelta(t, 40, rec2.Sessions[0].AvgSpeedMph, 1e-9)

	_, err = s.AppendSession(ctx, home, geo.Offset(office, 1000, 0), "Elsewhere",
		session(now, 20, 30, 4000, 80))
	require.NoError(t, err)
	assert.Len(t, s.Records(), 2)
}

func TestIncrementalMatchesRecompute(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for i, avg := range []float64{31, 27, 44, 38} {
		_, err := s.AppendSession(ctx, home, office, "Office",
			session(now.Add(time.Duration(i)*time.Hour), avg, avg+10, 1000*avg, 90))
		require.NoError(t, err)
	}
	rec := s.Records()[0]
	full := rec
	full.RecomputeAggregates()
	assert.InDelta(t, full.AvgSpeedMph, rec.AvgSpeedMph, 1e-9)
	assert.InDelta(t, full.TopSpeedMph, rec.TopSpeedMph, 1e-9)
	assert.InDelta(t, full.TotalDistanceMeters, rec.TotalDistanceMeters, 1e-9)
	assert.True(t, full.MoneySaved.Equal(rec.MoneySaved))
	assert.Equal(t, full.LastDriven, rec.LastDriven)
	assert.Equal(t, full.SessionCount, rec.SessionCount)
}

func TestStreak(t *testing.T) {
	yesterday := now.AddDate(0, 0, -1)
	twoDaysAgo := now.AddDate(0, 0, -2)
	tests := []struct {
		name  string
		dates []time.Time
		want  int
	}{
		{"today and yesterday", []time.Time{now, yesterday}, 2},
		{"today and two days ago", []time.Time{now, twoDaysAgo}, 1},
		{"three in a row", []time.Time{now, yesterday, twoDaysAgo, now.Add(-time.Hour)}, 3},
		{"nothing today", []time.Time{yesterday, twoDaysAgo}, 0},
		{"no sessions", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore()
			for _, d := range tt.dates {
				_, err := s.AppendSession(context.Background(), home, office, "Office",
					session(d, 30, 40, 1000, 100))
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, s.Stats().StreakDays)
		})
	}
}

func TestStats(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	_, err := s.AppendSession(ctx, home, office, "Office", session(now, 30, 45, 5000, 100))
	require.NoError(t, err)
	_, err = s.AppendSession(ctx, home, office, "Office",
		session(now.AddDate(0, 0, -3), 30, 62, 7000, 80))
	require.NoError(t, err)
	_, err = s.AppendSession(ctx, office, home, "Home", session(now, 25, 40, 3000, 50))
	require.NoError(t, err)

	st := s.Stats()
	assert.Equal(t, 3, st.TotalRides)
	assert.True(t, decimal.NewFromInt(150).Equal(st.TotalSaved))
	assert.InDelta(t, 15000, st.TotalDistanceMeters, 1e-9)
	assert.InDelta(t, 62, st.TopSpeedMph, 1e-9)
	// session weighted, not record weighted (which would be 70)
	assert.InDelta(t, 230.0/3.0, st.AverageZenScore, 1e-9)
	assert.InDelta(t, 8000, st.TodayDistanceMeters, 1e-9)
	assert.Equal(t, 1, st.StreakDays)

	// cache is invalidated by mutations
	_, err = s.AppendSession(ctx, office, home, "Home",
		session(now.AddDate(0, 0, -1), 25, 40, 1000, 50))
	require.NoError(t, err)
	assert.Equal(t, 4, s.Stats().TotalRides)
	assert.Equal(t, 2, s.Stats().StreakDays)
}

func TestIngest(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(WithRepository(repo))
	departure := time.Date(2024, 5, 10, 8, 15, 0, 0, time.UTC)
	outcome := &model.RideOutcome{
		RideID: uuid.Must(uuid.NewV7()),
		Context: model.RideContext{
			DestinationName:         "Office",
			Origin:                  home,
			Destination:             office,
			ExpectedDurationSeconds: 600,
			RouteDurationSeconds:    900,
			RouteDistanceMeters:     6200,
			DepartureTime:           departure,
		},
		ZoneEvents: []model.ZoneEvent{
			{ZoneID: "a", Outcome: model.OutcomeSaved},
			{ZoneID: "b", Outcome: model.OutcomePotentialTicket},
			{ZoneID: "c", Outcome: model.OutcomeSaved},
		},
		SpeedSamples: []float64{20, 30, 40},
		TopSpeedMph:  40,
		AvgSpeedMph:  30,
		ZenScore:     95,
	}
	rec, err := s.Ingest(context.Background(), outcome)
	require.NoError(t, err)
	require.Len(t, rec.Sessions, 1)
	sess := rec.Sessions[0]
	assert.Equal(t, outcome.RideID, sess.ID)
	assert.Equal(t, "Office", rec.Name)
	assert.True(t, decimal.NewFromInt(100).Equal(sess.MoneySaved))
	assert.InDelta(t, 300, sess.TrafficDelaySeconds, 1e-9)
	assert.Equal(t, model.Morning, sess.TimeOfDay)
	assert.Equal(t, 8, sess.DepartureHour)
	assert.InDelta(t, 900, sess.DurationSeconds, 1e-9)
	assert.InDelta(t, 6200, sess.DistanceMeters, 1e-9)
	assert.Equal(t, 95, sess.ZenScore)
	assert.Len(t, sess.ZoneEvents, 3)
	assert.Equal(t, 1, repo.saves)

	// faster than expected is no delay
	outcome.RideID = uuid.Must(uuid.NewV7())
	outcome.Context.RouteDurationSeconds = 500
	rec, err = s.Ingest(context.Background(), outcome)
	require.NoError(t, err)
	assert.Zero(t, rec.Sessions[0].TrafficDelaySeconds)
}

func TestMoodBookmarkDelete(t *testing.T) {
	repo := newMemRepo()
	s := newTestStore(WithRepository(repo))
	ctx := context.Background()
	rec, err := s.AppendSession(ctx, home, office, "Office", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)
	rec, err = s.AppendSession(ctx, home, office, "Office", session(now, 50, 60, 1000, 100))
	require.NoError(t, err)
	sid := rec.Sessions[0].ID

	require.NoError(t, s.AttachMood(ctx, rec.ID, sid, model.MoodCalm))
	assert.ErrorIs(t, s.AttachMood(ctx, rec.ID, sid, model.MoodStressed), ErrMoodAlreadySet)
	assert.ErrorIs(t, s.AttachMood(ctx, uuid.Must(uuid.NewV4()), sid, model.MoodCalm),
		ErrRecordNotFound)
	assert.ErrorIs(t, s.AttachMood(ctx, rec.ID, uuid.Must(uuid.NewV4()), model.MoodCalm),
		ErrSessionNotFound)
	got, err := s.Record(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Sessions[0].Mood)
	assert.Equal(t, model.MoodCalm, *got.Sessions[0].Mood)

	on, err := s.ToggleBookmark(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Len(t, s.Bookmarked(), 1)
	on, err = s.ToggleBookmark(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Empty(t, s.Bookmarked())

	require.NoError(t, s.DeleteSession(ctx, rec.ID, sid))
	got, err = s.Record(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.SessionCount)
	assert.InDelta(t, 30, got.AvgSpeedMph, 1e-9)
	assert.InDelta(t, 40, got.TopSpeedMph, 1e-9)

	require.NoError(t, s.DeleteSession(ctx, rec.ID, got.Sessions[0].ID))
	_, err = s.Record(rec.ID)
	assert.ErrorIs(t, err, ErrRecordNotFound)
	assert.Equal(t, 1, repo.deletes)

	rec, err = s.AppendSession(ctx, home, office, "Office", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)
	require.NoError(t, s.DeleteRecord(ctx, rec.ID))
	assert.Empty(t, s.Records())
	assert.ErrorIs(t, s.DeleteRecord(ctx, rec.ID), ErrRecordNotFound)
	assert.Zero(t, s.Stats().TotalRides)
}

func TestLoad(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()
	s := newTestStore(WithRepository(repo))
	_, err := s.AppendSession(ctx, home, office, "Office", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)
	_, err = s.AppendSession(ctx, office, home, "Home", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)

	reloaded := newTestStore(WithRepository(repo))
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.Records(), 2)
	rec, err := reloaded.RecordByFingerprint(Fingerprint(home, office))
	require.NoError(t, err)
	assert.Equal(t, "Office", rec.Name)

	// appending after reload must hit the existing record
	rec2, err := reloaded.AppendSession(ctx, home, office, "Office", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, rec2.ID)
	assert.Equal(t, 2, rec2.SessionCount)
}

func TestFailedSaveKeepsMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	s := newTestStore(WithRepository(repo))
	rec, err := s.AppendSession(ctx, home, office, "Office", session(now, 30, 40, 1000, 100))
	require.NoError(t, err)
	sid := rec.Sessions[0].ID
	_, err = s.AppendSession(ctx, home, office, "Office", session(now, 50, 60, 2000, 80))
	require.NoError(t, err)
	before := s.Records()
	statsBefore := s.Stats()

	repo.setFailing(true)
	tests := []struct {
		name string
		op   func() error
	}{
		{
			name: "append to existing record",
			op: func() error {
				_, err := s.AppendSession(ctx, home, office, "Office", session(now, 20, 30, 500, 90))
				return err
			},
		},
		{
			name: "append new record",
			op: func() error {
				_, err := s.AppendSession(ctx, office, home, "Home", session(now, 20, 30, 500, 90))
				return err
			},
		},
		{
			name: "attach mood",
			op:   func() error { return s.AttachMood(ctx, rec.ID, sid, model.MoodCalm) },
		},
		{
			name: "delete session",
			op:   func() error { return s.DeleteSession(ctx, rec.ID, sid) },
		},
		{
			name: "toggle bookmark",
			op: func() error {
				_, err := s.ToggleBookmark(ctx, rec.ID)
				return err
			},
		},
		{
			name: "delete record",
			op:   func() error { return s.DeleteRecord(ctx, rec.ID) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.op(), errRepoDown)
			assert.Equal(t, before, s.Records())
			assert.Equal(t, statsBefore, s.Stats())
		})
	}

	repo.setFailing(false)
	rec2, err := s.AppendSession(ctx, home, office, "Office", session(now, 20, 30, 500, 90))
	require.NoError(t, err)
	assert.Equal(t, 3, rec2.SessionCount)
	loaded, err := repo.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Sessions, 3)
}
