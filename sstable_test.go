package minidb

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/siam397/mdb/internal/index"
)

func TestTableWriter_layout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.db")

	mem := index.Memtable{}
	mem.Set("name", []byte("Bob"))
	if err := writeTable(path, &mem); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var want []byte
	// HEADER: magic, version, reserved.
	want = append(want, []byte("MINIDBSS")...)
	want = append(want, 1, 0, 0, 0, 0, 0, 0, 0)
	// DATA: key_len "name", tombstone=0, value_len "Bob".
	want = append(want, 0, 0, 0, 4)
	want = append(want, []byte("name")...)
	want = append(want, 0)
	want = append(want, 0, 0, 0, 3)
	want = append(want, []byte("Bob")...)
	// INDEX: key_len "name", record offset 16.
	want = append(want, 0, 0, 0, 4)
	want = append(want, []byte("name")...)
	want = append(want, 0, 0, 0, 0, 0, 0, 0, 16)
	// FOOTER: index offset 32, magic.
	want = append(want, 0, 0, 0, 0, 0, 0, 0, 32)
	want = append(want, []byte("MINIDIDX")...)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf(diff)
	}
}

func TestTable_roundTrip(t *testing.T) {
	tests := map[string]struct {
		set []string
		del []string
	}{
		"values": {
			set: []string{"k1:v1", "k2:v2", "k3:v3"},
		},
		"values and tombstones": {
			set: []string{"a:1", "b:2", "c:3"},
			del: []string{"b", "z"},
		},
		"empty": {},
		"value with spaces": {
			set: []string{"greeting:hello world"},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "table.db")

			mem := index.Memtable{}
			for _, kv := range tc.set {
				parts := strings.SplitN(kv, ":", 2)
				mem.Set(parts[0], []byte(parts[1]))
			}
			for _, k := range tc.del {
				mem.Del(k)
			}
			if err := writeTable(path, &mem); err != nil {
				t.Fatal(err)
			}

			r, err := openTable(path)
			if err != nil {
				t.Fatal(err)
			}
			defer r.Close()

			got := index.Memtable{}
			if err = r.readAll(&got); err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(mem.Keys(), got.Keys()); diff != "" {
				t.Fatalf(diff)
			}
			for _, k := range mem.Keys() {
				want, have := mem.Get(k), got.Get(k)
				if want.Tombstone != have.Tombstone {
					t.Errorf("key %q: expected tombstone %v, got %v", k, want.Tombstone, have.Tombstone)
				}
				if diff := cmp.Diff(want.Value, have.Value); diff != "" {
					t.Errorf("key %q: %s", k, diff)
				}
			}
		})
	}
}

func TestTable_indexMatchesData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.db")

	mem := index.Memtable{}
	for _, kv := range []string{"handbag:8786", "handcuffs:2729", "handful:44662", "handicap:70836"} {
		parts := strings.SplitN(kv, ":", 2)
		mem.Set(parts[0], []byte(parts[1]))
	}
	mem.Del("handoff")
	if err := writeTable(path, &mem); err != nil {
		t.Fatal(err)
	}

	r, err := openTable(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	var dataKeys []string
	it := r.Iter()
	for {
		rec, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		dataKeys = append(dataKeys, rec.key)
	}

	indexKeys, err := r.indexKeys()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(dataKeys, indexKeys); diff != "" {
		t.Fatalf(diff)
	}
	if diff := cmp.Diff(mem.Keys(), dataKeys); diff != "" {
		t.Fatalf(diff)
	}
}

func TestTable_footerIntegrity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.db")

	mem := index.Memtable{}
	mem.Set("k1", []byte("v1"))
	mem.Set("k2", []byte("v2"))
	if err := writeTable(path, &mem); err != nil {
		t.Fatal(err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if got := string(b[len(b)-8:]); got != "MINIDIDX" {
		t.Errorf("expected footer magic %q, got %q", "MINIDIDX", got)
	}

	indexOffset := binary.BigEndian.Uint64(b[len(b)-16 : len(b)-8])
	// Scanning the index must consume exactly file_len - 16 - index_offset bytes.
	rest := b[indexOffset : len(b)-16]
	for i := 0; i < 2; i++ {
		klen := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4+klen+8:]
	}
	if len(rest) != 0 {
		t.Errorf("expected index to end at the footer, %d bytes left", len(rest))
	}
}

func TestTableWriter_rejectsUnsortedKeys(t *testing.T) {
	w, err := newTableWriter(filepath.Join(t.TempDir(), "table.db"))
	if err != nil {
		t.Fatal(err)
	}

	if err = w.Add(&record{key: "b", value: []byte("1")}); err != nil {
		t.Fatal(err)
	}
	err = w.Add(&record{key: "a", value: []byte("2")})
	if !errors.Is(err, ErrTableWrite) {
		t.Fatalf("expected %v, got %v", ErrTableWrite, err)
	}
}

func TestTableWriter_noPartialFiles(t *testing.T) {
	dir := t.TempDir()

	w, err := newTableWriter(filepath.Join(dir, "table.db"))
	if err != nil {
		t.Fatal(err)
	}
	if err = w.Add(&record{key: "k", value: []byte("v")}); err != nil {
		t.Fatal(err)
	}
	// Before Close only the temporary file exists and it is not discoverable
	// as a table.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), tableExt) {
			t.Errorf("unexpected table file %q before publish", e.Name())
		}
	}

	if err = w.Close(); err != nil {
		t.Fatal(err)
	}
	entries, err = os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "table.db" {
		t.Fatalf("expected only table.db after publish, got %v", entries)
	}
}

func TestTableReader_readKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table.db")

	mem := index.Memtable{}
	mem.Set("k1", []byte("v1"))
	mem.Del("k2")
	mem.Set("k3", []byte("v3"))
	if err := writeTable(path, &mem); err != nil {
		t.Fatal(err)
	}

	r, err := openTable(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	tests := map[string]struct {
		key           string
		wantValue     string
		wantTombstone bool
		wantErr       error
	}{
		"first key":  {key: "k1", wantValue: "v1"},
		"tombstone":  {key: "k2", wantTombstone: true},
		"last key":   {key: "k3", wantValue: "v3"},
		"absent key": {key: "k4", wantErr: errKeyNotInFile},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			rec, err := r.ReadKey(tc.key)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if rec.tombstone != tc.wantTombstone {
				t.Errorf("expected tombstone %v, got %v", tc.wantTombstone, rec.tombstone)
			}
			if got := string(rec.value); got != tc.wantValue {
				t.Errorf("expected value %q, got %q", tc.wantValue, got)
			}
		})
	}
}

func TestOpenTable_corrupt(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.db")
	mem := index.Memtable{}
	mem.Set("k", []byte("v"))
	if err := writeTable(valid, &mem); err != nil {
		t.Fatal(err)
	}
	validBytes, err := os.ReadFile(valid)
	if err != nil {
		t.Fatal(err)
	}

	badFooter := append(append([]byte{}, validBytes[:len(validBytes)-8]...), []byte("XXXXXXXX")...)
	badHeader := append([]byte("NOTMAGIC"), validBytes[8:]...)

	tests := map[string]struct {
		content []byte
	}{
		"bad footer magic": {content: badFooter},
		"bad header magic": {content: badHeader},
		"truncated":        {content: validBytes[:10]},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".db")
			if err := os.WriteFile(path, tc.content, 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := openTable(path); !errors.Is(err, ErrTableRead) {
				t.Fatalf("expected %v, got %v", ErrTableRead, err)
			}
		})
	}
}
