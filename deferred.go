package recordlayer

import (
	"bytes"
	"container/heap"
)

// maxDeferredRecords bounds each deferred queue to defend against an
// attacker flooding out-of-epoch or pipelined records to exhaust memory.
const maxDeferredRecords = 100

// bufferedRecord is a captured snapshot of a single record's staging
// state at the moment it was set aside, either because it arrived for an
// epoch whose keys are not yet installed (unprocessedRcds) or because it
// was already decrypted but not yet handed to the caller (processedRcds).
type bufferedRecord struct {
	header  recordHeader
	payload []byte
}

func (b bufferedRecord) key() [seqNumLen]byte {
	return b.header.fullSequence()
}

// heapSlice is the container/heap backing store, ordered by the 8-byte
// big-endian sequence number (lexicographic, i.e. numeric since it is
// big-endian).
type heapSlice []bufferedRecord

func (h heapSlice) Len() int { return len(h) }
func (h heapSlice) Less(i, j int) bool {
	return bytes.Compare(h[i].key()[:], h[j].key()[:]) < 0
}
func (h heapSlice) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice) Push(x any) {
	*h = append(*h, x.(bufferedRecord))
}

func (h *heapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// deferredQueue is a min-priority queue of bufferedRecord, keyed by
// sequence number, per spec.md §4.E / §3. It tags the epoch its entries
// belong to so the epoch router can tell whether out-of-epoch buffering
// is currently permitted.
type deferredQueue struct {
	epoch Epoch
	items heapSlice
	seen  map[[seqNumLen]byte]struct{}
}

func newDeferredQueue(epoch Epoch) *deferredQueue {
	return &deferredQueue{
		epoch: epoch,
		seen:  make(map[[seqNumLen]byte]struct{}),
	}
}

// insert buffers rec, transferring ownership of its payload into the
// queue. It reports false (without error) when the queue is at capacity
// or already holds an entry with this sequence number: both are silent,
// non-fatal outcomes per spec.md §4.E.
func (q *deferredQueue) insert(rec bufferedRecord) bool {
	if len(q.items) >= maxDeferredRecords {
		return false
	}
	key := rec.key()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}
	heap.Push(&q.items, rec)
	return true
}

// pop removes and returns the lowest-sequence buffered record, if any.
func (q *deferredQueue) pop() (bufferedRecord, bool) {
	if len(q.items) == 0 {
		return bufferedRecord{}, false
	}
	rec := heap.Pop(&q.items).(bufferedRecord)
	delete(q.seen, rec.key())
	return rec, true
}

func (q *deferredQueue) len() int { return len(q.items) }

// drain pops every buffered record in ascending sequence order, calling
// fn for each. Used both for normal epoch-transition replay and for
// flushing a retiring layer's unprocessedRcds to its successor.
func (q *deferredQueue) drain(fn func(bufferedRecord)) {
	for {
		rec, ok := q.pop()
		if !ok {
			return
		}
		fn(rec)
	}
}
