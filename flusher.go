package minidb

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/siam397/mdb/internal/index"
)

// newFlusher creates a flusher that drains one batch of WAL segments at a time.
func newFlusher(db *DB) *flusher {
	return &flusher{
		db:    db,
		notif: make(chan struct{}),
		sem:   semaphore.NewWeighted(1),
	}
}

// flusher is an actor that periodically converts aged WAL segments into
// SSTables and triggers compaction every few flush cycles. It never touches
// the memtable: the WAL and data directories are the shared medium, and the
// segments it consumes belong to closed time buckets that no writer appends to.
type flusher struct {
	db    *DB
	notif chan struct{}
	sem   *semaphore.Weighted

	// flushes counts completed cycles to pace compaction.
	flushes int
}

// Run starts the actor which is stopped by cancelling context.
// Failures are logged and retried on the next tick; the actor never stops on
// its own, or else the database would silently stop persisting writes.
func (f *flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.db.cfg.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.tick()
		case <-f.notif:
			f.tick()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Notify informs the actor to run a flush cycle out of schedule.
// Note, if a cycle is already running, the notification blocks until the
// actor picks it up.
func (f *flusher) Notify() {
	f.notif <- struct{}{}
}

// tick runs one flush cycle and, every compaction cadence cycles, a compaction.
func (f *flusher) tick() {
	if !f.sem.TryAcquire(1) {
		return
	}
	defer f.sem.Release(1)

	if err := f.flush(f.db.wal.bucketCutoff()); err != nil {
		f.db.logger.Error("flush failed", zap.Error(err))
		return
	}

	f.flushes++
	if f.flushes%f.db.cfg.compactionCadence == 0 {
		if err := f.db.engine.Compact(); err != nil {
			f.db.logger.Error("compaction failed", zap.Error(err))
		}
	}
}

// flush drains WAL segments older than the cutoff into one SSTable and
// deletes the consumed segments. A segment that cannot be deleted is retried
// on the next cycle; replaying it again is idempotent.
func (f *flusher) flush(cutoff time.Time) error {
	segments, err := f.db.wal.agedSegments(cutoff)
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}

	mem := &index.Memtable{}
	if err = f.db.wal.replayInto(mem, segments); err != nil {
		return err
	}
	if mem.Len() > 0 {
		if err = f.db.engine.WriteAll(mem); err != nil {
			return err
		}
	}

	for _, path := range segments {
		if err := os.Remove(path); err != nil {
			f.db.logger.Warn("failed to remove consumed segment", zap.String("path", path), zap.Error(err))
		}
	}

	f.db.logger.Info("flush finished",
		zap.Int("segments", len(segments)),
		zap.Int("records", mem.Len()),
	)
	f.db.metrics.flush()
	return nil
}

// flushAll drains every WAL segment, the current bucket included.
// It must only run once writers have stopped, e.g. during shutdown.
func (f *flusher) flushAll() error {
	if err := f.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer f.sem.Release(1)

	return f.flush(f.db.wal.now().Add(f.db.cfg.walBucket))
}
