package simulate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/catalog"
	"github.com/mpapenbr/zenride/pkg/cmd/cmdutil"
	"github.com/mpapenbr/zenride/pkg/config"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/processing/ride"
	"github.com/mpapenbr/zenride/pkg/processing/route"
	"github.com/mpapenbr/zenride/pkg/processing/zone"
	"github.com/mpapenbr/zenride/pkg/provider/routing"
	natspub "github.com/mpapenbr/zenride/pkg/publish/nats"
	"github.com/mpapenbr/zenride/pkg/session"
	"github.com/mpapenbr/zenride/pkg/simulation"
)

type options struct {
	origin          string
	destination     string
	start           string
	name            string
	alternative     int
	speedMps        float64
	speedMultiplier float64
	prefs           model.RoutePreferences
	publish         bool
}

func NewSimulateCmd() *cobra.Command {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "drives a simulated ride between two points",
		Long: `Calculates a route, drives it with a simulated position source and
records the outcome in the configured store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &opts)
		},
	}
	cmd.Flags().StringVar(&opts.origin, "origin", "", "start coordinate as lat,lon")
	cmd.Flags().StringVar(&opts.destination, "destination", "", "target coordinate as lat,lon")
	cmd.Flags().StringVar(&opts.start, "start", "",
		"optional lat,lon the simulated vehicle starts from before joining the route")
	cmd.Flags().StringVar(&opts.name, "name", "Destination",
		"name of the destination (rides without a name are not recorded)")
	cmd.Flags().IntVar(&opts.alternative, "alternative", -1,
		"index of the route candidate to drive (default: automatic selection)")
	cmd.Flags().Float64Var(&opts.speedMps, "speed", simulation.DefaultSpeedMps,
		"simulated speed in m/s")
	cmd.Flags().Float64Var(&opts.speedMultiplier, "speed-multiplier", 1,
		"time lapse factor of the simulation")
	cmd.Flags().BoolVar(&opts.prefs.AvoidZones, "avoid-zones", false,
		"prefer routes without monitored zones")
	cmd.Flags().BoolVar(&opts.prefs.AvoidTolls, "avoid-tolls", false, "avoid toll roads")
	cmd.Flags().BoolVar(&opts.prefs.AvoidHighways, "avoid-highways", false, "avoid motorways")
	cmd.Flags().BoolVar(&opts.publish, "publish", false,
		"publish the outcome to NATS (see --nats-url)")

	cmd.Flags().StringVar(&config.ZoneCatalog, "catalog", "zones.json",
		"path to the zone catalog")
	cmd.Flags().StringVar(&config.RoutingAPIKey, "api-key", "", "key for the route provider")
	cmd.Flags().StringVar(&config.RoutingBaseURL, "routing-url", routing.DefaultBaseURL,
		"base url of the route provider")
	cmd.Flags().StringVar(&config.Store, "store", cmdutil.StoreMemory,
		"record storage (memory, badger, postgres)")
	cmd.Flags().StringVar(&config.BadgerPath, "badger-path", "zenride-data",
		"directory of the badger store")
	return cmd
}

//nolint:funlen // sequential setup
func run(ctx context.Context, opts *options) error {
	sqlLogger := cmdutil.SetupLogger()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	origin, err := parseCoordinate(opts.origin)
	if err != nil {
		return fmt.Errorf("origin: %w", err)
	}
	destination, err := parseCoordinate(opts.destination)
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}

	if config.EnableTelemetry {
		if telemetry, err := config.SetupTelemetry(ctx); err == nil {
			defer telemetry.Shutdown()
		} else {
			log.Warn("Could not setup telemetry", log.ErrorField(err))
		}
	}

	cat, err := catalog.LoadFile(config.ZoneCatalog)
	if err != nil {
		return err
	}
	log.Info("zone catalog loaded",
		log.Int("zones", len(cat.Zones)), log.Int("skipped", cat.Skipped))

	client := routing.New(config.RoutingAPIKey, routing.WithBaseURL(config.RoutingBaseURL))
	log.Debug("route provider",
		log.String("url", config.RoutingBaseURL),
		log.String("key", client.KeyDigest()))
	engine := route.NewEngine(client, route.WithPreferences(opts.prefs))
	defer engine.Close()

	candidates, err := engine.CalculateRoute(ctx, origin, destination, cat.Zones, opts.prefs)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return errors.New("no route found")
	}
	if opts.alternative >= 0 {
		if opts.alternative >= len(candidates) {
			return fmt.Errorf("only %d candidates available", len(candidates))
		}
		engine.SelectCandidate(opts.alternative)
	}
	logCandidates(candidates, engine.Snapshot().SelectedIndex)

	repo, closeRepo, err := cmdutil.OpenRepository(ctx, sqlLogger)
	if err != nil {
		return err
	}
	defer closeRepo()
	store := session.NewStore(
		session.WithRepository(repo),
		session.WithLocation(cmdutil.Location()))
	if err := store.Load(ctx); err != nil {
		return err
	}

	last := &lastRide{}
	rideOpts := []ride.Option{
		ride.WithOutcomeSink(ride.OutcomeSinkFunc(
			func(ctx context.Context, outcome *model.RideOutcome) error {
				rec, err := store.Ingest(ctx, outcome)
				if err != nil {
					return err
				}
				last.set(rec)
				return nil
			})),
	}
	if opts.publish {
		nc, err := cmdutil.ConnectNats(ctx)
		if err != nil {
			return err
		}
		defer nc.Close()
		pubOpts := []natspub.Option{natspub.WithSubjectPrefix(config.NatsSubjectPrefix)}
		if kv, err := natspub.StatsKeyValue(ctx, nc); err == nil {
			pubOpts = append(pubOpts, natspub.WithStats(kv, store))
		} else {
			log.Warn("stats bucket not available", log.ErrorField(err))
		}
		rideOpts = append(rideOpts, ride.WithOutcomeSink(natspub.New(nc, pubOpts...)))
	}

	tracker := zone.NewTracker(cat.Zones, zone.WithAnnouncer(&logAnnouncer{}))
	defer tracker.Close()
	simOpts := []simulation.Option{simulation.WithSpeed(opts.speedMps)}
	if opts.start != "" {
		start, err := parseCoordinate(opts.start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		simOpts = append(simOpts, simulation.WithStartPosition(start))
	}
	sim := simulation.New(simOpts...)
	orch := ride.New(engine, tracker, sim, rideOpts...)
	defer orch.Close()

	go watchZones(tracker.Subscribe())
	changes := orch.Subscribe()
	if err := orch.Start(opts.name); err != nil {
		return err
	}
	sim.SetSpeedMultiplier(opts.speedMultiplier)

	if err := waitForIdle(ctx, changes); err != nil {
		log.Info("ride interrupted")
		orch.Stop(context.Background())
	}
	log.Info("ride summary", summaryFields(store.Stats(), last.get())...)
	return nil
}

func waitForIdle(ctx context.Context, changes <-chan ride.StateChange) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			if c.To == ride.Idle {
				return nil
			}
		}
	}
}

func watchZones(ch <-chan model.ZoneStatusChange) {
	for c := range ch {
		if c.Previous == c.Current || c.Zone == nil {
			continue
		}
		log.Info("zone status",
			log.String("zone", c.Zone.ID),
			log.String("from", c.Previous.String()),
			log.String("to", c.Current.String()),
			log.Float64("distanceFeet", c.DistanceFeet))
	}
}

func logCandidates(candidates []model.RouteCandidate, selected int) {
	for i := range candidates {
		c := &candidates[i]
		log.Info("route candidate",
			log.Int("index", i),
			log.Bool("selected", i == selected),
			log.Float64("lengthMeters", c.Summary.LengthMeters),
			log.Float64("travelTimeSeconds", c.Summary.TravelTimeSeconds),
			log.Int("zones", c.ZoneCount),
			log.Bool("zoneFree", c.IsZoneFree))
	}
}

// lastRide keeps the session stored for the most recent ride.
type lastRide struct {
	mu      sync.Mutex
	session *model.DriveSession
}

func (l *lastRide) set(rec model.DriveRecord) {
	if len(rec.Sessions) == 0 {
		return
	}
	s := rec.Sessions[0]
	l.mu.Lock()
	defer l.mu.Unlock()
	l.session = &s
}

func (l *lastRide) get() *model.DriveSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.session
}

func summaryFields(stats model.StoreStats, last *model.DriveSession) []log.Field {
	ret := []log.Field{}
	if last != nil {
		ret = append(ret,
			log.Float64("distanceMeters", last.DistanceMeters),
			log.Float64("durationSeconds", last.DurationSeconds),
			log.Int("zenScore", last.ZenScore))
	}
	return append(ret,
		log.Int("totalRides", stats.TotalRides),
		log.String("totalSaved", stats.TotalSaved.StringFixed(2)),
		log.Float64("averageZenScore", stats.AverageZenScore),
		log.Int("streakDays", stats.StreakDays))
}

func parseCoordinate(s string) (model.Coordinate, error) {
	lat, lon, ok := strings.Cut(s, ",")
	if !ok {
		return model.Coordinate{}, fmt.Errorf("expected lat,lon got %q", s)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return model.Coordinate{}, err
	}
	c := model.Coordinate{Latitude: la, Longitude: lo}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return c, fmt.Errorf("coordinate out of range: %q", s)
	}
	return c, nil
}
