package minidb

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Compact merges every table in the directory into a single compacted table,
// keeping only the newest version of each key and dropping tombstones.
// Inputs are deleted only after the merged table is durably published, so a
// failure at any earlier point leaves the directory unchanged.
func (e *sstableEngine) Compact() error {
	inputs, err := e.tables()
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		return nil
	}

	readers := make([]*tableReader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()
	iters := make([]*tableIter, 0, len(inputs))
	for _, path := range inputs {
		r, err := openTable(path)
		if err != nil {
			return fmt.Errorf("failed to open table for compaction: %w", err)
		}
		readers = append(readers, r)
		iters = append(iters, r.Iter())
	}

	out := filepath.Join(e.dir, fmt.Sprintf("compacted_%d_%06d%s", e.now().Unix(), e.seq.Add(1), tableExt))
	w, err := newTableWriter(out)
	if err != nil {
		return err
	}
	if err = mergeTables(w, iters); err != nil {
		w.discard()
		return fmt.Errorf("failed to merge tables: %w", err)
	}
	if err = w.Close(); err != nil {
		return err
	}

	for _, path := range inputs {
		if err := os.Remove(path); err != nil {
			e.logger.Warn("failed to remove compacted input", zap.String("path", path), zap.Error(err))
		}
	}
	e.dropBlooms(inputs)

	e.logger.Info("compaction finished",
		zap.Int("inputs", len(inputs)),
		zap.String("output", out),
	)
	e.metrics.compaction()
	if paths, err := e.tables(); err == nil {
		e.metrics.setTables(len(paths))
	}
	return nil
}

// mergeTables merges sorted record streams into one sorted stream using a min
// priority queue. Streams are ordered newest first, so among records sharing a
// key the first one off the queue is the freshest; later ones are stale
// versions and are skipped. Tombstones win the same way and are not written.
func mergeTables(w *tableWriter, iters []*tableIter) error {
	pq := newIndexMinHeap(len(iters))

	// Fill the priority queue with the first records from each stream.
	advance := func(i int) error {
		rec, err := iters[i].Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		rec.order = i
		pq.Insert(i, rec)
		return nil
	}
	for i := range iters {
		if err := advance(i); err != nil {
			return err
		}
	}

	var (
		lastKey string
		seen    bool
	)
	for pq.Size() != 0 {
		// Take the smallest record from the priority queue (the min of all streams).
		i, rec := pq.Min()

		if !seen || rec.key != lastKey {
			seen = true
			lastKey = rec.key
			if !rec.tombstone {
				if err := w.Add(rec); err != nil {
					return err
				}
			}
		}

		if err := advance(i); err != nil {
			return err
		}
	}
	return nil
}

// indexMinHeap is a binary heap that allows clients to refer to items on priority queue.
// The number of compares required is proportional to at most log n for "insert" and
// "remove the minimum" operations.
type indexMinHeap struct {
	// n is number of elements on priority queue.
	n int
	// pq is a binary heap using 1-based indexing.
	pq []int
	// qp is inverse of pq: qp[pq[i]] = pq[qp[i]] = i.
	qp []int
	// items holds items with priorities: items[i] = priority of i.
	items []*record
}

// newIndexMinHeap creates a binary heap of size n to prioritize min items.
func newIndexMinHeap(n int) *indexMinHeap {
	h := indexMinHeap{
		pq:    make([]int, n+1),
		qp:    make([]int, n+1),
		items: make([]*record, n+1),
	}
	for i := 0; i <= n; i++ {
		h.qp[i] = -1
	}
	return &h
}

// Insert adds the new item and associates it with index i.
// Think of it as pq[i] = item.
func (h *indexMinHeap) Insert(i int, item *record) {
	h.n++
	h.qp[i] = h.n
	h.pq[h.n] = i
	h.items[i] = item
	h.swim(h.n)
}

// Min takes the smallest item off the top.
// Note, the first returned value is the index associated with the item.
func (h *indexMinHeap) Min() (int, *record) {
	if h.Size() == 0 {
		return -1, nil
	}

	indexOfMin := h.pq[1]
	min := h.items[indexOfMin]

	h.exchange(1, h.n)
	h.n--
	h.sink(1)

	h.items[indexOfMin] = nil // blank item
	h.qp[indexOfMin] = -1
	h.pq[h.n+1] = -1

	return indexOfMin, min
}

// Size returns size of the heap.
func (h *indexMinHeap) Size() int {
	return h.n
}

func (h *indexMinHeap) greater(i, j int) bool {
	if h.items[h.pq[i]].key > h.items[h.pq[j]].key {
		return true
	}
	if h.items[h.pq[i]].key == h.items[h.pq[j]].key {
		return h.items[h.pq[i]].order > h.items[h.pq[j]].order
	}
	return false
}

func (h *indexMinHeap) exchange(i, j int) {
	swap := h.pq[i]
	h.pq[i] = h.pq[j]
	h.pq[j] = swap
	h.qp[h.pq[i]] = i
	h.qp[h.pq[j]] = j
}

func (h *indexMinHeap) swim(k int) {
	for k > 1 && h.greater(k/2, k) {
		h.exchange(k, k/2)
		k = k / 2
	}
}

func (h *indexMinHeap) sink(k int) {
	for 2*k <= h.n {
		j := 2 * k
		if j < h.n && h.greater(j, j+1) {
			j++
		}
		if !h.greater(k, j) {
			break
		}
		h.exchange(k, j)
		k = j
	}
}
