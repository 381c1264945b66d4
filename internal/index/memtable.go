// Package index provides the in-memory ordered index that buffers recent writes.
package index

import "sort"

// Record is a value stored in the memtable.
// A tombstone record marks a key as deleted so that older on-disk versions
// cannot resurrect it.
type Record struct {
	Value     []byte
	Tombstone bool
}

// Memtable is an ordered map from keys to records.
// The zero value is ready to use. It is not concurrency safe;
// callers serialize access.
type Memtable struct {
	keys []string
	recs map[string]*Record
}

// Set inserts a key or overwrites its previous record.
func (m *Memtable) Set(key string, value []byte) {
	m.put(key, &Record{Value: value})
}

// Del records a tombstone for a key.
// The key remains listed in Keys so it can be persisted as a deletion.
func (m *Memtable) Del(key string) {
	m.put(key, &Record{Tombstone: true})
}

// Get returns the record stored under a key, or nil if the key was never written.
// Callers must check Record.Tombstone to distinguish deletions from live values.
func (m *Memtable) Get(key string) *Record {
	return m.recs[key]
}

// Keys returns all keys in ascending order, including tombstoned ones.
func (m *Memtable) Keys() []string {
	return m.keys
}

// Len returns the number of entries, tombstones included.
func (m *Memtable) Len() int {
	return len(m.keys)
}

func (m *Memtable) put(key string, rec *Record) {
	if m.recs == nil {
		m.recs = make(map[string]*Record)
	}
	if _, ok := m.recs[key]; !ok {
		i := sort.SearchStrings(m.keys, key)
		m.keys = append(m.keys, "")
		copy(m.keys[i+1:], m.keys[i:])
		m.keys[i] = key
	}
	m.recs[key] = rec
}
