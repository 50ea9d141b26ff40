// Package badger stores drive records in an embedded badger database.
// Each record is kept as one JSON value under record/<fingerprint>;
// id/<uuid> maps record ids to fingerprints.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/gofrs/uuid/v5"

	"github.com/mpapenbr/zenride/log"
	"github.com/mpapenbr/zenride/pkg/model"
	"github.com/mpapenbr/zenride/pkg/session"
)

const (
	recordPrefix = "record/"
	idPrefix     = "id/"
)

type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	// GCInterval controls value log garbage collection. 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type Repository struct {
	db     *badgerdb.DB
	logger *log.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

var _ session.Repository = (*Repository)(nil)

type Option func(*Repository)

func WithLogger(l *log.Logger) Option {
	return func(r *Repository) {
		r.logger = l
	}
}

func Open(cfg Config, opts ...Option) (*Repository, error) {
	r := &Repository{
		logger: log.Default().Named("badger"),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	var dbOpts badgerdb.Options
	if cfg.InMemory {
		dbOpts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		dbOpts = badgerdb.DefaultOptions(cfg.Path)
	}
	dbOpts = dbOpts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: r.logger})

	db, err := badgerdb.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	r.db = db
	if !cfg.InMemory && cfg.GCInterval > 0 {
		r.wg.Add(1)
		go r.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return r, nil
}

func (r *Repository) Close() error {
	close(r.done)
	r.wg.Wait()
	return r.db.Close()
}

func (r *Repository) LoadAll(ctx context.Context) ([]*model.DriveRecord, error) {
	var ret []*model.DriveRecord
	err := r.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   100,
			Prefix:         []byte(recordPrefix),
		})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec model.DriveRecord
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			ret = append(ret, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (r *Repository) SaveRecord(ctx context.Context, rec *model.DriveRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badgerdb.Txn) error {
		if err := txn.Set(recordKey(rec.Fingerprint), data); err != nil {
			return err
		}
		return txn.Set(idKey(rec.ID), []byte(rec.Fingerprint))
	})
}

// DeleteRecord removes the record with id. Unknown ids are ignored.
func (r *Repository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	return r.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(idKey(id))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		fp, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := txn.Delete(recordKey(string(fp))); err != nil {
			return err
		}
		return txn.Delete(idKey(id))
	})
}

func (r *Repository) runGC(interval time.Duration, ratio float64) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			for {
				// a nil error means a file was rewritten; try again
				if err := r.db.RunValueLogGC(ratio); err != nil {
					if !errors.Is(err, badgerdb.ErrNoRewrite) {
						r.logger.Debug("value log gc", log.ErrorField(err))
					}
					break
				}
			}
		}
	}
}

func recordKey(fingerprint string) []byte {
	return []byte(recordPrefix + fingerprint)
}

func idKey(id uuid.UUID) []byte {
	return []byte(idPrefix + id.String())
}

type badgerLogger struct {
	log *log.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
