// Package cmdutil holds the setup shared by the zenride commands.
package cmdutil

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/config"
	"github.com/mpapenbr/zenride/pkg/db/postgres"
	badgerrepo "github.com/mpapenbr/zenride/pkg/repository/badger"
	"github.com/mpapenbr/zenride/pkg/repository/record"
	"github.com/mpapenbr/zenride/pkg/session"
	"github.com/mpapenbr/zenride/pkg/utils"
)

const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

func parseLogLevel(l string, defaultVal log.Level) log.Level {
	level, err := log.ParseLevel(l)
	if err != nil {
		return defaultVal
	}
	return level
}

// SetupLogger installs the default logger according to the log flags and
// returns a separate logger for sql statements.
func SetupLogger() (sqlLogger *log.Logger) {
	var logger *log.Logger
	opts := []log.Option{
		log.WithCaller(true),
		log.AddCallerSkip(1),
		log.WithFilterRules(config.LogFilter),
	}
	switch config.LogFormat {
	case "json":
		logger = log.New(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...)
		sqlLogger = log.New(os.Stderr, parseLogLevel(config.SQLLogLevel, log.InfoLevel), opts...)
	default:
		logger = log.DevLogger(os.Stderr, parseLogLevel(config.LogLevel, log.InfoLevel), opts...)
		sqlLogger = log.DevLogger(os.Stderr,
			parseLogLevel(config.SQLLogLevel, log.InfoLevel), opts...)
	}
	log.ResetDefault(logger)
	return sqlLogger.Named("sql")
}

// ApplyLogLevel changes the level of the default logger. Invalid values are
// ignored.
func ApplyLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Warn("invalid log level", log.String("level", level))
		return
	}
	if log.Default().Level() != l {
		log.Default().SetLevel(l)
		log.Info("log level changed", log.String("level", l.String()))
	}
}

func waitTimeout() time.Duration {
	timeout, err := time.ParseDuration(config.WaitForServices)
	if err != nil {
		log.Warn("Invalid duration value. Setting default 60s", log.ErrorField(err))
		timeout = 60 * time.Second
	}
	return timeout
}

// WaitForDB blocks until the configured database accepts tcp connections.
func WaitForDB(ctx context.Context) error {
	addr := utils.ExtractFromDBURL(config.DB)
	if addr == "" {
		return errors.New("cannot extract address from db url")
	}
	return utils.WaitForTCP(ctx, addr, waitTimeout())
}

// ConnectNats connects to config.NatsURL after waiting for the server.
func ConnectNats(ctx context.Context) (*nats.Conn, error) {
	if addr := utils.ExtractFromNatsURL(config.NatsURL); addr != "" {
		if err := utils.WaitForTCP(ctx, addr, waitTimeout()); err != nil {
			return nil, err
		}
	}
	return nats.Connect(config.NatsURL, nats.Name("zenride"))
}

// OpenRepository opens the record storage selected by config.Store.
// The memory store has no repository; both return values are nil then.
func OpenRepository(
	ctx context.Context,
	sqlLogger *log.Logger,
) (session.Repository, func(), error) {
	switch config.Store {
	case "", StoreMemory:
		return nil, func() {}, nil
	case StoreBadger:
		r, err := badgerrepo.Open(badgerrepo.DefaultConfig(config.BadgerPath))
		if err != nil {
			return nil, nil, err
		}
		return r, func() {
			if err := r.Close(); err != nil {
				log.Warn("closing badger", log.ErrorField(err))
			}
		}, nil
	case StorePostgres:
		if err := WaitForDB(ctx); err != nil {
			return nil, nil, err
		}
		pool, err := postgres.InitWithURL(ctx, config.DB, postgres.WithTracer(sqlLogger))
		if err != nil {
			return nil, nil, err
		}
		return record.NewRepository(pool), pool.Close, nil
	default:
		return nil, nil, errors.New("unknown store " + config.Store)
	}
}

// Location resolves config.Timezone, falling back to the local zone.
func Location() *time.Location {
	if config.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(config.Timezone)
	if err != nil {
		log.Warn("unknown timezone, using local", log.String("tz", config.Timezone))
		return time.Local
	}
	return loc
}
