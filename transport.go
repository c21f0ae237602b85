package recordlayer

import (
	"errors"
	"net"
)

// Transport is the byte-stream abstraction the record layer consumes
// (spec.md §6): "a byte-stream capable of read_n/write, with
// non-blocking hints surfaced as want-read/want-write." Constructing or
// operating the concrete datagram transport is out of scope per
// spec.md §1 — callers supply one, typically backed by a net.PacketConn
// for UDP, or an in-memory pipe for tests.
type Transport interface {
	Read(buf []byte) (n int, err error)
	Write(buf []byte) (n int, err error)
}

// ReliableOrderedTransport is an optional capability a Transport may
// additionally implement: when ReliableOrdered reports true, the
// receive driver skips the replay-window check entirely (spec.md §4.G
// step 5), because the substrate already guarantees no duplication or
// reordering (e.g. DTLS-over-SCTP in reliable mode).
type ReliableOrderedTransport interface {
	Transport
	ReliableOrdered() bool
}

// wantReadWrite classifies a transport error as a transient
// "would block" condition rather than a genuine transport failure:
// a net.Error whose Timeout() reports true, as a socket with a short
// read/write deadline returns. Temporary() is not consulted.
func wantReadWrite(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// packetConnTransport adapts a net.PacketConn bound to a single peer
// address into a Transport, for the operator CLI and for tests that
// want a real UDP socket instead of an in-memory pipe.
type packetConnTransport struct {
	conn net.PacketConn
	peer net.Addr
}

// NewPacketConnTransport wraps conn, sending to and filtering reads
// from peer only.
func NewPacketConnTransport(conn net.PacketConn, peer net.Addr) Transport {
	return &packetConnTransport{conn: conn, peer: peer}
}

func (t *packetConnTransport) Read(buf []byte) (int, error) {
	for {
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			return n, err
		}
		if t.peer != nil && addr.String() != t.peer.String() {
			continue // datagram from an unexpected peer; wait for the next one
		}
		return n, nil
	}
}

func (t *packetConnTransport) Write(buf []byte) (int, error) {
	return t.conn.WriteTo(buf, t.peer)
}
