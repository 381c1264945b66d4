package minidb

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siam397/mdb/internal/index"
)

// Engine persists flushed batches of records and serves point reads for keys
// that have left the memtable.
type Engine interface {
	// WriteAll durably writes a flushed batch, tombstones included.
	WriteAll(mem *index.Memtable) error
	// Get returns the freshest persisted value of a key.
	// It returns ErrKeyNotFound on a miss or a tombstone.
	Get(key string) ([]byte, error)
	// Compact merges persisted data, reclaiming space held by stale
	// versions and tombstones.
	Compact() error
}

// errScanInterrupted indicates a directory scan raced with the compactor:
// a table failed or vanished mid-read before the key was resolved.
const errScanInterrupted = Error("table scan interrupted")

// sstableEngine stores records as immutable SSTable files in one directory.
// The newest file containing a key is authoritative for it.
type sstableEngine struct {
	// dir is where table files are stored.
	dir string
	// seq disambiguates filenames created within the same second.
	seq atomic.Uint64

	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics

	bloomMu sync.Mutex
	// blooms caches a per-file filter of the keys a table contains,
	// built lazily from the table's index.
	blooms map[string]*bloom.BloomFilter
}

func newSSTableEngine(dir string, logger *zap.Logger, metrics *Metrics) *sstableEngine {
	return &sstableEngine{
		dir:     dir,
		now:     time.Now,
		logger:  logger,
		metrics: metrics,
		blooms:  make(map[string]*bloom.BloomFilter),
	}
}

// WriteAll writes one batch as a new SSTable file.
func (e *sstableEngine) WriteAll(mem *index.Memtable) error {
	path := filepath.Join(e.dir, fmt.Sprintf("%d_%06d%s", e.now().Unix(), e.seq.Add(1), tableExt))
	if err := writeTable(path, mem); err != nil {
		return err
	}

	e.logger.Info("sstable written",
		zap.String("path", path),
		zap.Int("records", mem.Len()),
	)
	if paths, err := e.tables(); err == nil {
		e.metrics.setTables(len(paths))
	}
	return nil
}

// Get scans tables newest first and stops at the first definitive answer.
// A scan that races with the compactor is retried once against the
// replacement table.
func (e *sstableEngine) Get(key string) ([]byte, error) {
	value, err := e.scan(key)
	if errors.Is(err, errScanInterrupted) {
		value, err = e.scan(key)
		if errors.Is(err, errScanInterrupted) {
			return nil, fmt.Errorf("%w: scan interrupted twice for key %q", ErrTableRead, key)
		}
	}
	return value, err
}

func (e *sstableEngine) scan(key string) ([]byte, error) {
	paths, err := e.tables()
	if err != nil {
		return nil, err
	}

	var interrupted bool
	for _, path := range paths {
		if !e.mightContain(path, key) {
			continue
		}

		r, err := openTable(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				e.logger.Warn("unreadable sstable", zap.String("path", path), zap.Error(err))
			}
			interrupted = true
			continue
		}
		rec, err := r.ReadKey(key)
		r.Close()

		switch {
		case err == nil && rec.tombstone:
			// The key was deleted in a table newer than any remaining one.
			return nil, ErrKeyNotFound
		case err == nil:
			return rec.value, nil
		case errors.Is(err, errKeyNotInFile):
			continue
		default:
			e.logger.Warn("sstable read failed", zap.String("path", path), zap.Error(err))
			interrupted = true
		}
	}

	if interrupted {
		return nil, errScanInterrupted
	}
	return nil, ErrKeyNotFound
}

// tables lists table files newest first. Modification time orders files;
// names break ties, which keeps a compacted table ahead of the inputs it
// replaced within the same second.
func (e *sstableEngine) tables() ([]string, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data dir %q: %w", e.dir, err)
	}

	type table struct {
		path  string
		mtime time.Time
	}
	var tables []table
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), tableExt) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat table %q: %w", entry.Name(), err)
		}
		tables = append(tables, table{path: filepath.Join(e.dir, entry.Name()), mtime: fi.ModTime()})
	}

	sort.Slice(tables, func(i, j int) bool {
		if tables[i].mtime.Equal(tables[j].mtime) {
			return tables[i].path > tables[j].path
		}
		return tables[i].mtime.After(tables[j].mtime)
	})

	paths := make([]string, len(tables))
	for i := range tables {
		paths[i] = tables[i].path
	}
	return paths, nil
}

// mightContain consults the table's bloom filter.
// Without a filter the table must be read.
func (e *sstableEngine) mightContain(path, key string) bool {
	filter := e.bloomFor(path)
	if filter == nil {
		return true
	}
	return filter.TestString(key)
}

// bloomFor returns the cached filter for a table, building it on first use.
func (e *sstableEngine) bloomFor(path string) *bloom.BloomFilter {
	e.bloomMu.Lock()
	defer e.bloomMu.Unlock()

	if filter, ok := e.blooms[path]; ok {
		return filter
	}

	r, err := openTable(path)
	if err != nil {
		return nil
	}
	keys, err := r.indexKeys()
	r.Close()
	if err != nil {
		e.logger.Warn("failed to build table filter", zap.String("path", path), zap.Error(err))
		return nil
	}

	filter := bloom.NewWithEstimates(uint(max(len(keys), 1)), 0.01)
	for _, k := range keys {
		filter.AddString(k)
	}
	e.blooms[path] = filter
	return filter
}

// dropBlooms discards cached filters of deleted tables.
func (e *sstableEngine) dropBlooms(paths []string) {
	e.bloomMu.Lock()
	defer e.bloomMu.Unlock()
	for _, p := range paths {
		delete(e.blooms, p)
	}
}

// jsonEngine is the legacy engine that snapshots the whole store into one
// JSON file. It suits small stores and tests; compaction is a no-op because
// every write rewrites the file.
type jsonEngine struct {
	path string
}

func newJSONEngine(path string) *jsonEngine {
	return &jsonEngine{path: path}
}

func (e *jsonEngine) WriteAll(mem *index.Memtable) error {
	data, err := e.load()
	if err != nil {
		return err
	}

	for _, key := range mem.Keys() {
		if rec := mem.Get(key); rec.Tombstone {
			delete(data, key)
		} else {
			data[key] = string(rec.Value)
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal store: %v", ErrTableWrite, err)
	}

	tmp := fmt.Sprintf("%s.tmp-%s", e.path, uuid.NewString())
	if err = os.WriteFile(tmp, b, 0600); err != nil {
		return fmt.Errorf("%w: failed to write store: %v", ErrTableWrite, err)
	}
	if err = os.Rename(tmp, e.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: failed to publish store: %v", ErrTableWrite, err)
	}
	return nil
}

func (e *jsonEngine) Get(key string) ([]byte, error) {
	data, err := e.load()
	if err != nil {
		return nil, err
	}
	value, ok := data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return []byte(value), nil
}

func (e *jsonEngine) Compact() error {
	return nil
}

func (e *jsonEngine) load() (map[string]string, error) {
	b, err := os.ReadFile(e.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read store %q: %v", ErrLoad, e.path, err)
	}

	data := make(map[string]string)
	if err = json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal store %q: %v", ErrLoad, e.path, err)
	}
	return data, nil
}
