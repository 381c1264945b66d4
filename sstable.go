package minidb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/siam397/mdb/internal/index"
)

// SSTable file layout:
//
//	HEADER : magic "MINIDBSS" (8B) | version (1B) | reserved (7B)
//	DATA   : key_len u32 BE | key | tombstone u8 | [value_len u32 BE | value]
//	INDEX  : key_len u32 BE | key | record_offset u64 BE
//	FOOTER : index_offset u64 BE | magic "MINIDIDX" (8B)
//
// Keys appear in strictly increasing order in DATA, and INDEX entries mirror
// that order. record_offset points at the record's key_len field.
const (
	tableMagic   = "MINIDBSS"
	indexMagic   = "MINIDIDX"
	tableVersion = 1

	tableHeaderSize = 16
	tableFooterSize = 16

	tableExt = ".db"
)

// record represents a key-value pair read from or written to an SSTable file.
type record struct {
	key       string
	value     []byte
	tombstone bool
	// order is a table number used during compaction merging.
	// When two tables carry the same key, the record from the table with the
	// smaller order (the newer table) wins.
	order int
}

// tableWriter streams records in ascending key order into a new SSTable file.
// Records are written to a temporary file which is renamed to path on Close,
// so readers never observe a partial table.
type tableWriter struct {
	path string
	tmp  string
	f    *os.File
	buf  *bufio.Writer

	offset  uint64
	entries []indexEntry
	lastKey string
	started bool
}

// indexEntry maps a key to the byte offset of its record in the DATA section.
type indexEntry struct {
	key    string
	offset uint64
}

// newTableWriter creates a table file at a temporary path next to path
// and writes the header.
func newTableWriter(path string) (*tableWriter, error) {
	w := tableWriter{
		path: path,
		tmp:  fmt.Sprintf("%s.tmp-%s", path, uuid.NewString()),
	}

	var err error
	if w.f, err = os.OpenFile(w.tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600); err != nil {
		return nil, fmt.Errorf("%w: failed to create table file: %v", ErrTableWrite, err)
	}
	w.buf = bufio.NewWriter(w.f)

	ew := errWriter{Writer: w.buf}
	ew.Write([]byte(tableMagic))
	ew.Write([]byte{tableVersion})
	ew.Write(make([]byte, 7))
	if ew.err != nil {
		w.discard()
		return nil, fmt.Errorf("%w: failed to write table header: %v", ErrTableWrite, ew.err)
	}
	w.offset = tableHeaderSize

	return &w, nil
}

// Add appends a record to the DATA section. Keys must arrive in strictly
// increasing order.
func (w *tableWriter) Add(rec *record) error {
	if w.started && rec.key <= w.lastKey {
		w.discard()
		return fmt.Errorf("%w: key %q is not greater than %q", ErrTableWrite, rec.key, w.lastKey)
	}
	w.started = true
	w.lastKey = rec.key

	ew := errWriter{Writer: w.buf}
	writeUint32(&ew, uint32(len(rec.key)))
	ew.Write([]byte(rec.key))
	if rec.tombstone {
		ew.Write([]byte{1})
	} else {
		ew.Write([]byte{0})
		writeUint32(&ew, uint32(len(rec.value)))
		ew.Write(rec.value)
	}
	if ew.err != nil {
		w.discard()
		return fmt.Errorf("%w: failed to write record: %v", ErrTableWrite, ew.err)
	}

	w.entries = append(w.entries, indexEntry{key: rec.key, offset: w.offset})
	w.offset += uint64(recordSize(rec))
	return nil
}

// Close writes the INDEX and FOOTER, syncs the file, and publishes it at the
// final path. On failure the temporary file is removed.
func (w *tableWriter) Close() error {
	indexOffset := w.offset

	ew := errWriter{Writer: w.buf}
	for i := range w.entries {
		writeUint32(&ew, uint32(len(w.entries[i].key)))
		ew.Write([]byte(w.entries[i].key))
		writeUint64(&ew, w.entries[i].offset)
	}
	writeUint64(&ew, indexOffset)
	ew.Write([]byte(indexMagic))
	if ew.err != nil {
		w.discard()
		return fmt.Errorf("%w: failed to write table index: %v", ErrTableWrite, ew.err)
	}

	if err := w.buf.Flush(); err != nil {
		w.discard()
		return fmt.Errorf("%w: failed to flush table: %v", ErrTableWrite, err)
	}
	if err := w.f.Sync(); err != nil {
		w.discard()
		return fmt.Errorf("%w: failed to sync table: %v", ErrTableWrite, err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("%w: failed to close table: %v", ErrTableWrite, err)
	}
	if err := os.Rename(w.tmp, w.path); err != nil {
		os.Remove(w.tmp)
		return fmt.Errorf("%w: failed to publish table: %v", ErrTableWrite, err)
	}
	return nil
}

// discard abandons the temporary file.
func (w *tableWriter) discard() {
	w.f.Close()
	os.Remove(w.tmp)
}

// writeTable persists a memtable at path in SSTable format.
// Tombstoned entries are written with the tombstone flag set.
func writeTable(path string, mem *index.Memtable) error {
	w, err := newTableWriter(path)
	if err != nil {
		return err
	}

	for _, key := range mem.Keys() {
		r := mem.Get(key)
		rec := record{
			key:       key,
			value:     r.Value,
			tombstone: r.Tombstone,
		}
		if err = w.Add(&rec); err != nil {
			return err
		}
	}
	return w.Close()
}

// tableReader serves point lookups and sequential scans over one SSTable file.
type tableReader struct {
	path string
	f    *os.File
	size int64
	// indexOffset is where the INDEX section starts.
	indexOffset uint64
}

// openTable opens an SSTable file and verifies its header and footer.
func openTable(path string) (*tableReader, error) {
	r := tableReader{path: path}

	var err error
	if r.f, err = os.Open(path); err != nil {
		return nil, err
	}

	fi, err := r.f.Stat()
	if err != nil {
		r.f.Close()
		return nil, fmt.Errorf("%w: failed to stat %q: %v", ErrTableRead, path, err)
	}
	r.size = fi.Size()
	if r.size < tableHeaderSize+tableFooterSize {
		r.f.Close()
		return nil, fmt.Errorf("%w: %q is truncated", ErrTableRead, path)
	}

	header := make([]byte, tableHeaderSize)
	if _, err = r.f.ReadAt(header, 0); err != nil {
		r.f.Close()
		return nil, fmt.Errorf("%w: failed to read header of %q: %v", ErrTableRead, path, err)
	}
	if string(header[:8]) != tableMagic || header[8] != tableVersion {
		r.f.Close()
		return nil, fmt.Errorf("%w: %q has an invalid header", ErrTableRead, path)
	}

	footer := make([]byte, tableFooterSize)
	if _, err = r.f.ReadAt(footer, r.size-tableFooterSize); err != nil {
		r.f.Close()
		return nil, fmt.Errorf("%w: failed to read footer of %q: %v", ErrTableRead, path, err)
	}
	if string(footer[8:]) != indexMagic {
		r.f.Close()
		return nil, fmt.Errorf("%w: %q has an invalid footer", ErrTableRead, path)
	}
	r.indexOffset = binary.BigEndian.Uint64(footer[:8])
	if r.indexOffset < tableHeaderSize || r.indexOffset > uint64(r.size-tableFooterSize) {
		r.f.Close()
		return nil, fmt.Errorf("%w: %q has an index offset out of bounds", ErrTableRead, path)
	}

	return &r, nil
}

// Close closes the underlying file.
func (r *tableReader) Close() error {
	return r.f.Close()
}

// ReadKey looks up a key by scanning the INDEX and reading the record it
// points at. It returns errKeyNotInFile when the table does not contain the key.
func (r *tableReader) ReadKey(key string) (*record, error) {
	br := bufio.NewReader(io.NewSectionReader(r.f, int64(r.indexOffset), r.size-tableFooterSize-int64(r.indexOffset)))

	for {
		k, err := readString(br)
		if err == io.EOF {
			return nil, errKeyNotInFile
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan index of %q: %v", ErrTableRead, r.path, err)
		}

		var offset uint64
		if err = binary.Read(br, binary.BigEndian, &offset); err != nil {
			return nil, fmt.Errorf("%w: failed to scan index of %q: %v", ErrTableRead, r.path, err)
		}
		if k == key {
			return r.readRecord(int64(offset), key)
		}
	}
}

// indexKeys returns every key listed in the INDEX section, in order.
func (r *tableReader) indexKeys() ([]string, error) {
	br := bufio.NewReader(io.NewSectionReader(r.f, int64(r.indexOffset), r.size-tableFooterSize-int64(r.indexOffset)))

	var keys []string
	for {
		k, err := readString(br)
		if err == io.EOF {
			return keys, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan index of %q: %v", ErrTableRead, r.path, err)
		}
		var offset uint64
		if err = binary.Read(br, binary.BigEndian, &offset); err != nil {
			return nil, fmt.Errorf("%w: failed to scan index of %q: %v", ErrTableRead, r.path, err)
		}
		keys = append(keys, k)
	}
}

// readRecord reads one DATA record at the given offset and verifies its key.
func (r *tableReader) readRecord(offset int64, key string) (*record, error) {
	br := bufio.NewReader(io.NewSectionReader(r.f, offset, int64(r.indexOffset)-offset))

	rec, err := decodeRecord(br)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read record in %q: %v", ErrTableRead, r.path, err)
	}
	if rec.key != key {
		return nil, fmt.Errorf("%w: index of %q points %q at %q", ErrTableRead, r.path, key, rec.key)
	}
	return rec, nil
}

// Iter returns a sequential iterator over the DATA section.
// Records come out in ascending key order.
func (r *tableReader) Iter() *tableIter {
	return &tableIter{
		path: r.path,
		br:   bufio.NewReader(io.NewSectionReader(r.f, tableHeaderSize, int64(r.indexOffset)-tableHeaderSize)),
	}
}

// tableIter decodes DATA records one by one.
type tableIter struct {
	path string
	br   *bufio.Reader
}

// Next returns the next record, or io.EOF when the DATA section is exhausted.
func (it *tableIter) Next() (*record, error) {
	rec, err := decodeRecord(it.br)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to scan %q: %v", ErrTableRead, it.path, err)
	}
	return rec, nil
}

// readAll loads every record of a table into a memtable, tombstones included.
func (r *tableReader) readAll(mem *index.Memtable) error {
	it := r.Iter()
	for {
		rec, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.tombstone {
			mem.Del(rec.key)
		} else {
			mem.Set(rec.key, rec.value)
		}
	}
}

// decodeRecord reads one DATA record from a stream.
// io.EOF signals a clean end of the section.
func decodeRecord(br *bufio.Reader) (*record, error) {
	key, err := readString(br)
	if err != nil {
		return nil, err
	}

	flag, err := br.ReadByte()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	rec := record{key: key}
	if flag == 1 {
		rec.tombstone = true
		return &rec, nil
	}
	if flag != 0 {
		return nil, fmt.Errorf("invalid tombstone flag %d", flag)
	}

	var vlen uint32
	if err = binary.Read(br, binary.BigEndian, &vlen); err != nil {
		return nil, unexpectedEOF(err)
	}
	rec.value = make([]byte, vlen)
	if _, err = io.ReadFull(br, rec.value); err != nil {
		return nil, unexpectedEOF(err)
	}
	return &rec, nil
}

// readString reads a u32-length-prefixed byte string.
// io.EOF is returned only when the stream ends on a record boundary.
func readString(br *bufio.Reader) (string, error) {
	var klen uint32
	if err := binary.Read(br, binary.BigEndian, &klen); err != nil {
		if err == io.EOF {
			return "", io.EOF
		}
		return "", err
	}

	b := make([]byte, klen)
	if _, err := io.ReadFull(br, b); err != nil {
		return "", unexpectedEOF(err)
	}
	return string(b), nil
}

// unexpectedEOF maps a mid-record EOF to an error that is not io.EOF,
// so truncation is never mistaken for a clean end of section.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

func recordSize(rec *record) int {
	n := 4 + len(rec.key) + 1
	if !rec.tombstone {
		n += 4 + len(rec.value)
	}
	return n
}

func writeUint32(w io.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint64(w io.Writer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.Write(b[:])
}
