package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	DB                string // connection string for the database
	NatsURL           string // URL of the NATS server
	NatsSubjectPrefix string // optional prefix for all published subjects
	BadgerPath        string // directory of the embedded record store
	Store             string // record storage: memory, badger or postgres
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	SQLLogLevel       string // sets the log level for sql subsystem
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "debug:route* info:*"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry
	RoutingAPIKey     string // key for the route provider
	RoutingBaseURL    string // base url of the route provider
	ZoneCatalog       string // path to the zone catalog json file
	Timezone          string // IANA zone used for calendar days in the statistics
)
