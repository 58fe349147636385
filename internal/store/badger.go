package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// BadgerConfig configures an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// TTL expires keys that are not written again. Zero keeps them forever.
	TTL time.Duration
}

// BadgerKV stores values in BadgerDB. It is safe for concurrent use.
type BadgerKV struct {
	db  *badger.DB
	ttl time.Duration
}

// badgerLogger routes BadgerDB's own logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("badger: "+format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	log.Warn().Msgf("badger: "+format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("badger: "+format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	log.Trace().Msgf("badger: "+format, args...)
}

// OpenBadgerKV opens (creating if needed) a BadgerDB store. The caller must
// Close it.
func OpenBadgerKV(cfg BadgerConfig) (*BadgerKV, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	log.Info().Str("path", cfg.Path).Bool("inMemory", cfg.InMemory).Msg("BadgerDB opened")
	return &BadgerKV{db: db, ttl: cfg.TTL}, nil
}

func (b *BadgerKV) Get(_ context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("badger get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *BadgerKV) Set(_ context.Context, key, value string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), []byte(value))
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

// RunGC collects the value log every interval until ctx ends.
func (b *BadgerKV) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := b.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						log.Warn().Err(err).Msg("Badger value log GC failed")
					}
					break
				}
			}
		}
	}
}

// Close flushes and closes the database.
func (b *BadgerKV) Close() error {
	return b.db.Close()
}
