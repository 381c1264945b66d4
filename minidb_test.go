package minidb

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/siam397/mdb/internal/index"
)

// mockEngine is a simple in-memory engine used for testing the façade.
type mockEngine struct {
	data        map[string]string
	writes      int
	compactions int
}

func newMockEngine() *mockEngine {
	return &mockEngine{data: make(map[string]string)}
}

func (e *mockEngine) WriteAll(mem *index.Memtable) error {
	e.writes++
	for _, key := range mem.Keys() {
		if rec := mem.Get(key); rec.Tombstone {
			delete(e.data, key)
		} else {
			e.data[key] = string(rec.Value)
		}
	}
	return nil
}

func (e *mockEngine) Get(key string) ([]byte, error) {
	value, ok := e.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return []byte(value), nil
}

func (e *mockEngine) Compact() error {
	e.compactions++
	return nil
}

func testDirs(t *testing.T) (dataDir, walDir string) {
	t.Helper()
	return t.TempDir(), t.TempDir()
}

func TestOpen_missingDirs(t *testing.T) {
	tests := map[string]struct {
		dataDir string
		walDir  string
	}{
		"missing data dir": {dataDir: "404", walDir: t.TempDir()},
		"missing wal dir":  {dataDir: t.TempDir(), walDir: "404"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := Open(tc.dataDir, tc.walDir, time.Hour)
			if !errors.Is(err, ErrLoad) {
				t.Fatalf("expected %v, got %v", ErrLoad, err)
			}
		})
	}
}

func TestDB_setGetDelete(t *testing.T) {
	dataDir, walDir := testDirs(t)
	engine := newMockEngine()
	db, closeDB, err := Open(dataDir, walDir, time.Hour, WithEngine(engine))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	if err = db.Set("foo", []byte("bar")); err != nil {
		t.Fatal(err)
	}
	got, err := db.Get("foo")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("bar", string(got)); diff != "" {
		t.Fatalf(diff)
	}

	if err = db.Delete("foo"); err != nil {
		t.Fatal(err)
	}
	if _, err = db.Get("foo"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected %v, got %v", ErrKeyNotFound, err)
	}
}

func TestDB_walBeforeMemtable(t *testing.T) {
	dataDir, walDir := testDirs(t)
	engine := newMockEngine()
	db, closeDB, err := Open(dataDir, walDir, time.Hour, WithEngine(engine))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	// Every successful set leaves a fsynced record in a WAL segment.
	if err = db.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	segments, err := db.wal.allSegments()
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected one WAL segment, got %d", len(segments))
	}

	// A failed append leaves the store unchanged.
	if err = os.RemoveAll(walDir); err != nil {
		t.Fatal(err)
	}
	err = db.Set("lost", []byte("v"))
	if !errors.Is(err, ErrWalStore) {
		t.Fatalf("expected %v, got %v", ErrWalStore, err)
	}
	if _, err = db.Get("lost"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected %v, got %v", ErrKeyNotFound, err)
	}
}

func TestDB_deleteShadowsSSTable(t *testing.T) {
	dataDir, walDir := testDirs(t)

	// The key lives only in an SSTable, as if flushed by a previous run.
	mem := index.Memtable{}
	mem.Set("x", []byte("1"))
	if err := writeTable(filepath.Join(dataDir, "1000000000_000001.db"), &mem); err != nil {
		t.Fatal(err)
	}

	db, closeDB, err := Open(dataDir, walDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	got, err := db.Get("x")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("1", string(got)); diff != "" {
		t.Fatalf(diff)
	}

	// Deleting before any flush must hide the on-disk version immediately.
	if err = db.Delete("x"); err != nil {
		t.Fatal(err)
	}
	if _, err = db.Get("x"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected %v, got %v", ErrKeyNotFound, err)
	}
}

func TestDB_keys(t *testing.T) {
	dataDir, walDir := testDirs(t)
	db, closeDB, err := Open(dataDir, walDir, time.Hour, WithEngine(newMockEngine()))
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	for _, k := range []string{"b", "a", "c"} {
		if err = db.Set(k, []byte("v")); err != nil {
			t.Fatal(err)
		}
	}
	if err = db.Delete("b"); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"a", "c"}, db.Keys()); diff != "" {
		t.Fatalf(diff)
	}
}

func TestDB_recoversFromWAL(t *testing.T) {
	dataDir, walDir := testDirs(t)

	db, _, err := Open(dataDir, walDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		key := "key_" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if err = db.Set(key, []byte("val_"+key)); err != nil {
			t.Fatal(err)
		}
	}
	if err = db.Delete("key_aa"); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: the database is abandoned without a close, leaving
	// all records only in WAL segments.

	recovered, closeDB, err := Open(dataDir, walDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	got, err := recovered.Get("key_ba")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("val_key_ba", string(got)); diff != "" {
		t.Fatalf(diff)
	}
	if _, err = recovered.Get("key_aa"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected the delete to be replayed, got %v", err)
	}
}

func TestDB_flushCycle(t *testing.T) {
	dataDir, walDir := testDirs(t)

	db, closeDB, err := Open(dataDir, walDir, 50*time.Millisecond,
		WithWALBucket(50*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB()

	if err = db.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}

	// The background flusher drains the WAL into an SSTable once the
	// segment's bucket closes.
	deadline := time.Now().Add(10 * time.Second)
	for {
		segments, err := os.ReadDir(walDir)
		if err != nil {
			t.Fatal(err)
		}
		tables, err := os.ReadDir(dataDir)
		if err != nil {
			t.Fatal(err)
		}
		if len(segments) == 0 && len(tables) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("flush did not happen: %d segments, %d tables", len(segments), len(tables))
		}
		time.Sleep(10 * time.Millisecond)
	}

	got, err := db.engine.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("v", string(got)); diff != "" {
		t.Fatalf(diff)
	}
}

func TestDB_closeFlushesWAL(t *testing.T) {
	dataDir, walDir := testDirs(t)

	db, closeDB, err := Open(dataDir, walDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err = db.Set("k", []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err = closeDB(); err != nil {
		t.Fatal(err)
	}

	// The WAL is drained and the record lives in an SSTable.
	segments, err := os.ReadDir(walDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 0 {
		t.Fatalf("expected an empty WAL dir, got %d files", len(segments))
	}

	reopened, closeReopened, err := Open(dataDir, walDir, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer closeReopened()
	got, err := reopened.Get("k")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff("v", string(got)); diff != "" {
		t.Fatalf(diff)
	}
}
