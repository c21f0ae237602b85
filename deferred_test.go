package recordlayer

import "testing"

func bufRecAtSeq(seq uint64) bufferedRecord {
	full := seqOf(seq)
	var hdr recordHeader
	hdr.epoch = Epoch(full[0])<<8 | Epoch(full[1])
	copy(hdr.sequence[:], full[2:])
	return bufferedRecord{header: hdr, payload: []byte{byte(seq)}}
}

func TestNextEpochBufferingOrder(t *testing.T) {
	q := newDeferredQueue(1)

	if !q.insert(bufRecAtSeq(3)) {
		t.Fatal("insert seq 3 failed")
	}
	if !q.insert(bufRecAtSeq(2)) {
		t.Fatal("insert seq 2 failed")
	}

	first, ok := q.pop()
	if !ok || first.payload[0] != 2 {
		t.Fatalf("expected seq 2 first, got %+v ok=%v", first, ok)
	}
	second, ok := q.pop()
	if !ok || second.payload[0] != 3 {
		t.Fatalf("expected seq 3 second, got %+v ok=%v", second, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatal("queue should be empty")
	}
}

func TestDeferredQueueDuplicateDiscarded(t *testing.T) {
	q := newDeferredQueue(1)
	if !q.insert(bufRecAtSeq(5)) {
		t.Fatal("first insert should succeed")
	}
	if q.insert(bufRecAtSeq(5)) {
		t.Fatal("duplicate-sequence insert should be silently discarded")
	}
	if q.len() != 1 {
		t.Fatalf("len = %d, want 1", q.len())
	}
}

func TestDeferredQueueCapacity(t *testing.T) {
	q := newDeferredQueue(1)
	for i := uint64(0); i < maxDeferredRecords; i++ {
		if !q.insert(bufRecAtSeq(i)) {
			t.Fatalf("insert %d should have succeeded under the cap", i)
		}
	}
	if q.insert(bufRecAtSeq(maxDeferredRecords)) {
		t.Fatal("insert beyond the 100-entry cap should be rejected")
	}
}

func TestDeferredQueueDrainOrder(t *testing.T) {
	q := newDeferredQueue(1)
	for _, s := range []uint64{9, 1, 5, 3} {
		q.insert(bufRecAtSeq(s))
	}
	var order []byte
	q.drain(func(r bufferedRecord) { order = append(order, r.payload[0]) })
	want := []byte{1, 3, 5, 9}
	if string(order) != string(want) {
		t.Fatalf("drain order = %v, want %v", order, want)
	}
}
