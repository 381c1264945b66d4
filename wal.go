package minidb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/siam397/mdb/internal/index"
)

const (
	walPrefix = "wal_"
	walExt    = ".log"

	// walTimeLayout names a segment after the start of its time bucket,
	// e.g. wal_2026-08-01 10:15:00.log for a one-minute bucket.
	walTimeLayout = "2006-01-02 15:04:05"
)

// wal is a write-ahead log made of append-only text segment files,
// one per time bucket. Every append is fsynced before it is acknowledged,
// so an acknowledged write survives a crash.
type wal struct {
	// dir is where segment files are stored.
	dir string
	// bucket is the segment granularity: all appends within one bucket
	// share a segment file.
	bucket time.Duration

	now func() time.Time
}

func newWAL(dir string, bucket time.Duration) *wal {
	return &wal{
		dir:    dir,
		bucket: bucket,
		now:    time.Now,
	}
}

// Append durably writes one operation line "<OP> <KEY> <VALUE>\n" to the
// current segment. The segment is created on first append in its bucket.
// Note, it is not concurrency safe. By design there is only one writer.
func (w *wal) Append(op, key string, value []byte) error {
	path := filepath.Join(w.dir, w.segmentName(w.now()))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("%w: failed to open segment %q: %v", ErrWalStore, path, err)
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	if _, err = fmt.Fprintf(buf, "%s %s %s\n", op, key, value); err != nil {
		return fmt.Errorf("%w: failed to append to segment %q: %v", ErrWalStore, path, err)
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("%w: failed to flush segment %q: %v", ErrWalStore, path, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("%w: failed to sync segment %q: %v", ErrWalStore, path, err)
	}
	return nil
}

// segmentName returns the segment filename for the bucket containing t.
func (w *wal) segmentName(t time.Time) string {
	return walPrefix + t.Truncate(w.bucket).Format(walTimeLayout) + walExt
}

// agedSegments returns segment files whose last modification is strictly
// before the cutoff, oldest first. The current segment's bucket started at or
// after the bucket cutoff, so it is excluded by construction.
func (w *wal) agedSegments(cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL dir %q: %w", w.dir, err)
	}

	type seg struct {
		path  string
		mtime time.Time
	}
	var segs []seg
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, walPrefix) || !strings.HasSuffix(name, walExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat segment %q: %w", name, err)
		}
		if !fi.ModTime().Before(cutoff) {
			continue
		}
		segs = append(segs, seg{path: filepath.Join(w.dir, name), mtime: fi.ModTime()})
	}

	sort.Slice(segs, func(i, j int) bool {
		if segs[i].mtime.Equal(segs[j].mtime) {
			return segs[i].path < segs[j].path
		}
		return segs[i].mtime.Before(segs[j].mtime)
	})

	paths := make([]string, len(segs))
	for i := range segs {
		paths[i] = segs[i].path
	}
	return paths, nil
}

// bucketCutoff is the start of the current bucket: every segment modified
// before it belongs to a closed bucket and is safe to consume.
func (w *wal) bucketCutoff() time.Time {
	return w.now().Truncate(w.bucket)
}

// allSegments returns every segment file, the current bucket included,
// oldest first.
func (w *wal) allSegments() ([]string, error) {
	return w.agedSegments(w.now().Add(w.bucket))
}

// replayInto replays segment files into a memtable in the given order.
// SET lines insert, DELETE lines record a tombstone. Malformed lines and
// unknown operations are skipped so a corrupt tail does not block recovery.
func (w *wal) replayInto(mem *index.Memtable, paths []string) error {
	for _, path := range paths {
		if err := replaySegment(path, mem); err != nil {
			return fmt.Errorf("failed to replay segment %q: %w", path, err)
		}
	}
	return nil
}

// replaySegment applies one segment file line by line.
func replaySegment(path string, mem *index.Memtable) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		switch {
		case len(fields) >= 3 && fields[0] == "SET":
			// Values may contain spaces; they are the join of the remaining tokens.
			mem.Set(fields[1], []byte(strings.Join(fields[2:], " ")))
		case len(fields) >= 2 && fields[0] == "DELETE":
			mem.Del(fields[1])
		}
	}
	return sc.Err()
}
