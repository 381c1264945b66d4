// Package minidb is a persistent, ordered key-value store.
//
// Writes go to a write-ahead log before the in-memory memtable; a background
// flusher converts aged WAL segments into immutable SSTable files, and a
// compactor periodically merges those files while reconciling deletions.
// Reads consult the memtable first and fall back to SSTables newest first.
package minidb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siam397/mdb/internal/index"
)

// DB represents a MiniDB database on disk.
type DB struct {
	cfg Config

	// mu serializes all access to the store; the dispatcher holds it for
	// the duration of one command.
	mu       sync.Mutex
	memtable *index.Memtable

	// wal is a write-ahead log where records are appended to recover from a database crash.
	wal     *wal
	engine  Engine
	flusher *flusher

	logger  *zap.Logger
	metrics *Metrics
}

// Open opens a database whose SSTables live in dataDir and whose WAL segments
// live in walDir. Both directories must already exist. Pending WAL segments
// from a previous run are replayed into the memtable so reads see the full
// logical state immediately.
// Make sure to close the database to flush recent changes on disk.
func Open(dataDir, walDir string, flushInterval time.Duration, options ...ConfigOption) (db *DB, close func() error, err error) {
	db = &DB{
		cfg: Config{
			flushInterval:     flushInterval,
			compactionCadence: DefaultCompactionCadence,
			walBucket:         DefaultWALBucket,
		},
		memtable: &index.Memtable{},
	}
	for _, opt := range options {
		opt(&db.cfg)
	}
	if db.cfg.flushInterval <= 0 {
		return nil, nil, fmt.Errorf("%w: flush interval must be positive", ErrLoad)
	}
	if db.cfg.compactionCadence < 1 {
		db.cfg.compactionCadence = DefaultCompactionCadence
	}
	if db.cfg.walBucket <= 0 {
		db.cfg.walBucket = DefaultWALBucket
	}
	db.logger = db.cfg.logger
	if db.logger == nil {
		db.logger = zap.NewNop()
	}
	db.metrics = db.cfg.metrics

	for _, dir := range []string{dataDir, walDir} {
		fi, err := os.Stat(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrLoad, err)
		}
		if !fi.IsDir() {
			return nil, nil, fmt.Errorf("%w: %q is not a directory", ErrLoad, dir)
		}
	}

	db.wal = newWAL(walDir, db.cfg.walBucket)
	db.engine = db.cfg.engine
	if db.engine == nil {
		db.engine = newSSTableEngine(dataDir, db.logger, db.metrics)
	}

	// Recover the memtable from WAL segments left over by a previous run.
	// The segments stay on disk; the flusher consumes them as they age.
	segments, err := db.wal.allSegments()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}
	if err = db.wal.replayInto(db.memtable, segments); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrLoad, err)
	}

	// Launch the system worker that drains the WAL into SSTables.
	ctx, quit := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	db.flusher = newFlusher(db)
	g.Go(func() error {
		return db.flusher.Run(ctx)
	})

	// Close stops the worker and flushes every pending WAL segment on disk.
	close = func() error {
		quit()
		if err := g.Wait(); !errors.Is(err, context.Canceled) {
			return err
		}
		return db.flusher.flushAll()
	}

	return db, close, nil
}

// Set puts a key in the database. The record is durably logged before the
// memtable is updated; if logging fails the store is unchanged.
func (db *DB) Set(key string, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.wal.Append("SET", key, value); err != nil {
		return err
	}
	db.metrics.walAppend()
	db.memtable.Set(key, value)
	return nil
}

// Delete removes a key. The memtable records a tombstone so the deletion
// shadows any older version living in SSTables, and the WAL carries the
// deletion to the next flush.
func (db *DB) Delete(key string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.wal.Append("DELETE", key, nil); err != nil {
		return err
	}
	db.metrics.walAppend()
	db.memtable.Del(key)
	return nil
}

// Get retrieves a key, consulting the memtable first and the storage engine
// on a miss. It returns ErrKeyNotFound when the key is absent or deleted.
func (db *DB) Get(key string) ([]byte, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if rec := db.memtable.Get(key); rec != nil {
		if rec.Tombstone {
			return nil, ErrKeyNotFound
		}
		return rec.Value, nil
	}
	return db.engine.Get(key)
}

// Keys returns the live keys of the memtable in ascending order.
// It is a debugging aid and is not authoritative for persisted state.
func (db *DB) Keys() []string {
	db.mu.Lock()
	defer db.mu.Unlock()

	keys := make([]string, 0, db.memtable.Len())
	for _, key := range db.memtable.Keys() {
		if !db.memtable.Get(key).Tombstone {
			keys = append(keys, key)
		}
	}
	return keys
}
