package session

import (
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/zenride/pkg/model"
)

// Stats returns the statistics over all records. The result is cached until
// the next mutation or until the calendar day changes.
func (s *Store) Stats() model.StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	today := s.day(s.clock.Now())
	if s.stats == nil || !s.statsDay.Equal(today) {
		st := s.computeStatsLocked(today)
		s.stats = &st
		s.statsDay = today
	}
	return *s.stats
}

func (s *Store) computeStatsLocked(today time.Time) model.StoreStats {
	records := lo.Values(s.byID)
	st := model.StoreStats{
		TotalSaved: lo.Reduce(records, func(agg decimal.Decimal, r *model.DriveRecord, _ int) decimal.Decimal {
			return agg.Add(r.MoneySaved)
		}, decimal.Zero),
		TotalRides: lo.SumBy(records, func(r *model.DriveRecord) int { return r.SessionCount }),
		TotalDistanceMeters: lo.SumBy(records, func(r *model.DriveRecord) float64 {
			return r.TotalDistanceMeters
		}),
	}
	days := map[time.Time]struct{}{}
	zenSum := 0
	for _, r := range records {
		st.TopSpeedMph = max(st.TopSpeedMph, r.TopSpeedMph)
		for i := range r.Sessions {
			sess := &r.Sessions[i]
			zenSum += sess.ZenScore
			d := s.day(sess.Date)
			days[d] = struct{}{}
			if d.Equal(today) {
				st.TodayDistanceMeters += sess.DistanceMeters
			}
		}
	}
	if st.TotalRides > 0 {
		st.AverageZenScore = float64(zenSum) / float64(st.TotalRides)
	}
	for d := today; ; d = d.AddDate(0, 0, -1) {
		if _, ok := days[d]; !ok {
			break
		}
		st.StreakDays++
	}
	return st
}

// day returns midnight of t's calendar day in the store's location.
func (s *Store) day(t time.Time) time.Time {
	y, m, d := t.In(s.location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.location)
}
