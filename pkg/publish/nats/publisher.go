// Package nats publishes finished rides to NATS.
package nats

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/processing/ride"
)

const (
	OutcomeSubject   = "zenride.ride.outcome"
	ZoneEventSubject = "zenride.zone.event"
	StatsBucket      = "zenride"
	StatsKey         = "stats.latest"
)

type (
	// MsgPublisher is satisfied by *nats.Conn.
	MsgPublisher interface {
		PublishMsg(m *nats.Msg) error
	}
	// KeyPutter is the part of jetstream.KeyValue used for the stats snapshot.
	KeyPutter interface {
		Put(ctx context.Context, key string, value []byte) (uint64, error)
	}
	// StatsSource provides the statistics stored after each ride.
	StatsSource interface {
		Stats() model.StoreStats
	}
)

type Publisher struct {
	conn   MsgPublisher
	kv     KeyPutter
	stats  StatsSource
	prefix string
	logger *log.Logger
}

var _ ride.OutcomeSink = (*Publisher)(nil)

type Option func(*Publisher)

// WithStats stores a stats snapshot in kv after every published outcome.
func WithStats(kv KeyPutter, src StatsSource) Option {
	return func(p *Publisher) {
		p.kv = kv
		p.stats = src
	}
}

// WithSubjectPrefix prepends prefix (e.g. a tenant) to all subjects.
func WithSubjectPrefix(prefix string) Option {
	return func(p *Publisher) {
		p.prefix = strings.TrimSuffix(prefix, ".")
	}
}

func WithLogger(l *log.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

func New(conn MsgPublisher, opts ...Option) *Publisher {
	p := &Publisher{
		conn:   conn,
		logger: log.Default().Named("publish.nats"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// StatsKeyValue creates (or updates) the stats bucket.
func StatsKeyValue(ctx context.Context, nc *nats.Conn) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, err
	}
	return js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  StatsBucket,
		History: 1,
	})
}

// HandleOutcome publishes the outcome, one message per zone event and
// finally the stats snapshot. Message ids are derived from the ride id so a
// repeated call is deduplicated by JetStream.
func (p *Publisher) HandleOutcome(ctx context.Context, outcome *model.RideOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	rideID := outcome.RideID.String()
	if err := p.publish(p.subject(OutcomeSubject), rideID, data); err != nil {
		return fmt.Errorf("publish outcome %s: %w", rideID, err)
	}
	for i := range outcome.ZoneEvents {
		ev := &outcome.ZoneEvents[i]
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		msgID := uuid.NewSHA1(uuid.NameSpaceOID,
			fmt.Appendf(nil, "%s/%s/%d", rideID, ev.ZoneID, ev.Timestamp.UnixMilli())).String()
		if err := p.publish(ZoneEventSubjectFor(p.prefix, ev.ZoneID), msgID, data); err != nil {
			return fmt.Errorf("publish zone event %s: %w", ev.ZoneID, err)
		}
	}
	p.logger.Debug("outcome published",
		log.String("ride", rideID),
		log.Int("zoneEvents", len(outcome.ZoneEvents)))

	if p.kv == nil || p.stats == nil {
		return nil
	}
	stats := p.stats.Stats()
	data, err = json.Marshal(&stats)
	if err != nil {
		return err
	}
	if _, err := p.kv.Put(ctx, StatsKey, data); err != nil {
		return fmt.Errorf("store stats: %w", err)
	}
	return nil
}

func (p *Publisher) publish(subject, msgID string, data []byte) error {
	msg := nats.NewMsg(subject)
	msg.Header.Set(jetstream.MsgIDHeader, msgID)
	msg.Data = data
	return p.conn.PublishMsg(msg)
}

func (p *Publisher) subject(s string) string {
	if p.prefix == "" {
		return s
	}
	return p.prefix + "." + s
}

// ZoneEventSubjectFor returns the subject zone events of zoneID are published on.
// Characters not allowed in subject tokens are replaced.
func ZoneEventSubjectFor(prefix, zoneID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, zoneID)
	s := ZoneEventSubject + "." + token
	if prefix != "" {
		s = prefix + "." + s
	}
	return s
}
