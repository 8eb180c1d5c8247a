package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

const badgerPrefix = "fired/"

// BadgerConfig configures the embedded ledger.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
}

type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace().Msgf(format, args...)
}

// Badger stores the ledger in an embedded BadgerDB, the default backend for
// a single client process.
type Badger struct {
	db *badger.DB
}

// OpenBadger opens or creates the ledger database.
func OpenBadger(cfg BadgerConfig, logger zerolog.Logger) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("ledger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create ledger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{logger: logger.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return &Badger{db: db}, nil
}

// NewBadger wraps an already open database.
func NewBadger(db *badger.DB) *Badger {
	return &Badger{db: db}
}

// Record implements Ledger. The existence check and the write share one
// transaction, so concurrent callers cannot both insert.
func (b *Badger) Record(ctx context.Context, entry Entry) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("encode ledger entry: %w", err)
	}

	inserted := false
	err = b.db.Update(func(txn *badger.Txn) error {
		k := []byte(badgerPrefix + entry.Key())
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inserted = true
		return txn.Set(k, value)
	})
	if errors.Is(err, badger.ErrConflict) {
		// A concurrent transaction committed the same key first.
		err, inserted = nil, false
	}
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
		inserted = false
	}
	observe("badger", inserted, err)
	return inserted, err
}

// Lookup implements Ledger.
func (b *Badger) Lookup(ctx context.Context, ruleID, periodKey string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	var (
		entry Entry
		found bool
	)
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + key(ruleID, periodKey)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return entry, found, nil
}

// Close closes the database.
func (b *Badger) Close() error {
	return b.db.Close()
}
