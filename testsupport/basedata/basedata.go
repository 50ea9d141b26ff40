package basedata

import (
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/shopspring/decimal"

	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/session"
)

func TestTime() time.Time {
	t, _ := time.Parse(time.RFC3339, "2024-04-28T11:10:12Z")
	return t
}

var (
	SampleOrigin      = model.Coordinate{Latitude: 40.7128, Longitude: -74.0060}
	SampleDestination = model.Coordinate{Latitude: 40.7580, Longitude: -73.9855}
)

func SampleSession(id string, offset time.Duration) model.DriveSession {
	date := TestTime().Add(offset)
	return model.DriveSession{
		ID:            uuid.Must(uuid.FromString(id)),
		Date:          date,
		DepartureHour: date.Hour(),
		AvgSpeedMph:   24.5,
		TopSpeedMph:   41,
		SpeedSamples:  []float64{20, 30, 41},
		ZoneEvents: []model.ZoneEvent{
			{
				ZoneID:          "cam-1",
				Street:          "Broadway",
				SpeedLimitMph:   25,
				SpeedAtEntryMph: 31,
				DidSlowDown:     true,
				Outcome:         model.OutcomeSaved,
				Timestamp:       date.Add(3 * time.Minute),
			},
		},
		MoneySaved:      model.TicketFine,
		TimeOfDay:       model.TimeOfDayForHour(date.Hour()),
		DurationSeconds: 1260,
		DistanceMeters:  6100,
		ZenScore:        95,
	}
}

// SampleRecord returns a record with two sessions, newest first.
func SampleRecord() *model.DriveRecord {
	rec := &model.DriveRecord{
		ID:          uuid.Must(uuid.FromString("0190f0d6-3c6a-7b2e-9d1a-3f0c4b5a6e01")),
		Fingerprint: session.Fingerprint(SampleOrigin, SampleDestination),
		Name:        "Office",
		Origin:      SampleOrigin,
		Destination: SampleDestination,
		MoneySaved:  decimal.Zero,
		Sessions: []model.DriveSession{
			SampleSession("0190f0d6-3c6a-7b2e-9d1a-3f0c4b5a6e12", 24*time.Hour),
			SampleSession("0190f0d6-3c6a-7b2e-9d1a-3f0c4b5a6e11", 0),
		},
	}
	rec.RecomputeAggregates()
	return rec
}
