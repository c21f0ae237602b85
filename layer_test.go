package recordlayer

import (
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeTransport is an in-memory, single-shot Transport backed by a byte
// slice: reads are satisfied from the slice until exhausted, after
// which Read reports a timeout (spec.md's "want-read" signal) rather
// than blocking forever.
type fakeTransport struct {
	data []byte
	pos  int
}

func (t *fakeTransport) Read(buf []byte) (int, error) {
	if t.pos >= len(t.data) {
		return 0, timeoutErr{}
	}
	n := copy(buf, t.data[t.pos:])
	t.pos += n
	return n, nil
}

func (t *fakeTransport) Write(buf []byte) (int, error) { return len(buf), nil }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "recordlayer: test: would block" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func newTestLayer(t *testing.T, transport Transport, cc *cipherContext) *Layer {
	t.Helper()
	l, err := NewLayer(transport, nil, DefaultSettings())
	require.NoError(t, err)
	l.SetVersion(VersionDTLS12)
	l.SetReadCipher(cc)
	return l
}

func seqBytes(n uint64) [6]byte {
	return [6]byte{0, 0, 0, 0, byte(n >> 8), byte(n)}
}

func buildWireRecord(t *testing.T, cc *cipherContext, epoch Epoch, seq uint64, ct ContentType, version uint16, payload []byte) []byte {
	t.Helper()
	hdr := recordHeader{contentType: ct, version: version, epoch: epoch, sequence: seqBytes(seq)}
	wire, err := cc.seal(hdr.fullSequence(), hdr, payload)
	require.NoError(t, err)
	hdr.length = uint16(len(wire))
	return append(hdr.marshal(), wire...)
}

func TestDuplicateRecordDropped(t *testing.T) {
	cc := newTestAEADContext(t)
	rec := buildWireRecord(t, cc, 0, 7, ContentTypeApplicationData, VersionDTLS12, []byte("hi"))
	data := append(append([]byte{}, rec...), rec...)

	l := newTestLayer(t, &fakeTransport{data: data}, cc)

	status, err := l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	_, payload, _, _, ok := l.ReadRecord()
	require.True(t, ok)
	require.Equal(t, []byte("hi"), payload)
	l.ReleaseRecord()

	// The duplicate is silently dropped inside the same drop-and-restart
	// loop; with no further bytes available the call reports want-read
	// rather than delivering a second record.
	status, err = l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusWantRead, status)

	require.Equal(t, uint64(1), l.bitmap.bitmap) // bit 0 set exactly once
}

func TestReorderedRecordsAllDelivered(t *testing.T) {
	cc := newTestAEADContext(t)
	var data []byte
	for _, seq := range []uint64{5, 7, 6} {
		data = append(data, buildWireRecord(t, cc, 0, seq, ContentTypeApplicationData, VersionDTLS12, []byte(fmt.Sprintf("seq%d", seq)))...)
	}

	l := newTestLayer(t, &fakeTransport{data: data}, cc)

	for _, seq := range []uint64{5, 7, 6} {
		status, err := l.GetMoreRecords()
		require.NoError(t, err)
		require.Equal(t, StatusSuccess, status)
		_, payload, _, _, ok := l.ReadRecord()
		require.True(t, ok)
		require.Equal(t, []byte(fmt.Sprintf("seq%d", seq)), payload)
		l.ReleaseRecord()
	}

	require.Equal(t, seqOf(7), l.bitmap.maxSeqNum)
	require.Equal(t, uint64(0b111), l.bitmap.bitmap)
}

func TestNextEpochRecordsBufferedAndDrained(t *testing.T) {
	cc0 := newTestAEADContext(t)
	cc1 := newTestAEADContext(t)

	rec3 := buildWireRecord(t, cc1, 1, 3, ContentTypeHandshake, VersionDTLS12, []byte("three"))
	rec2 := buildWireRecord(t, cc1, 1, 2, ContentTypeHandshake, VersionDTLS12, []byte("two"))
	data := append(append([]byte{}, rec3...), rec2...)

	l := newTestLayer(t, &fakeTransport{data: data}, cc0)
	l.SetInInit(true)

	status, err := l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusWantRead, status)
	require.Equal(t, 2, l.unprocessedRcds.len())

	l.Rekey(cc1)
	require.Equal(t, Epoch(1), l.epoch)

	status, err = l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	_, payload, _, _, ok := l.ReadRecord()
	require.True(t, ok)
	require.Equal(t, []byte("two"), payload)
	l.ReleaseRecord()

	status, err = l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	_, payload, _, _, ok = l.ReadRecord()
	require.True(t, ok)
	require.Equal(t, []byte("three"), payload)
	l.ReleaseRecord()
}

func TestVersionMismatchAfterFirstRecordDropped(t *testing.T) {
	cc := newTestAEADContext(t)
	rec1 := buildWireRecord(t, cc, 0, 1, ContentTypeApplicationData, VersionDTLS12, []byte("first"))
	rec2 := buildWireRecord(t, cc, 0, 2, ContentTypeApplicationData, 0x0304, []byte("second"))
	data := append(append([]byte{}, rec1...), rec2...)

	l := newTestLayer(t, &fakeTransport{data: data}, cc)

	status, err := l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, status)
	_, payload, _, _, ok := l.ReadRecord()
	require.True(t, ok)
	require.Equal(t, []byte("first"), payload)
	l.ReleaseRecord()

	// The wrong-version record is silently dropped; no second record
	// ever becomes available.
	status, err = l.GetMoreRecords()
	require.NoError(t, err)
	require.Equal(t, StatusWantRead, status)
}

// TestDisjointReadWriteHalves drives a writer-only Layer and a
// reader-only Layer concurrently over a net.Pipe, per spec.md §5's
// guarantee that separate read/write Layer instances may be driven
// from different goroutines.
func TestDisjointReadWriteHalves(t *testing.T) {
	cc := newTestAEADContext(t)
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	writer, err := NewLayer(connA, nil, DefaultSettings())
	require.NoError(t, err)
	writer.SetVersion(VersionDTLS12)
	writer.SetWriteCipher(cc)

	reader, err := NewLayer(connB, nil, DefaultSettings())
	require.NoError(t, err)
	reader.SetVersion(VersionDTLS12)
	reader.SetReadCipher(cc)

	const n = 3
	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < n; i++ {
			_, status, err := writer.WriteRecords([]WriteTemplate{{
				Type:    ContentTypeApplicationData,
				Payload: []byte(fmt.Sprintf("msg%d", i)),
			}})
			if err != nil {
				return err
			}
			if status != StatusSuccess {
				return fmt.Errorf("unexpected write status %v", status)
			}
		}
		return nil
	})
	g.Go(func() error {
		for i := 0; i < n; i++ {
			status, err := reader.GetMoreRecords()
			if err != nil {
				return err
			}
			if status != StatusSuccess {
				return fmt.Errorf("unexpected read status %v", status)
			}
			_, payload, _, _, ok := reader.ReadRecord()
			if !ok {
				return fmt.Errorf("no record available")
			}
			if want := fmt.Sprintf("msg%d", i); string(payload) != want {
				return fmt.Errorf("got %q, want %q", payload, want)
			}
			reader.ReleaseRecord()
		}
		return nil
	})
	require.NoError(t, g.Wait())
}
