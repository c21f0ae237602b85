package recordlayer

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

const (
	// maxEncryptedLength bounds a record's on-wire ciphertext length
	// (spec.md §4.D "MAX_ENCRYPTED_LENGTH"), independent of the
	// negotiated max fragment length.
	maxEncryptedLength = 1<<14 + 2048

	// maxEncryptedOverhead is the generous upper bound on what a cipher
	// context can add to a plaintext fragment (explicit IV, tag, block
	// padding), used to size the length check in §4.D.
	maxEncryptedOverhead = 1024

	// maxCompressedLength bounds a decrypted record's still-compressed
	// payload, checked before decompression, per §4.F.
	maxCompressedLength = 1<<14 + 1024
)

// WriteTemplate is a single outbound record request (spec.md §4.H).
// write_records requires exactly one of these per call for DTLS.
type WriteTemplate struct {
	Type    ContentType
	Payload []byte
}

type recvState struct {
	buf        []byte
	hdr        recordHeader
	haveHeader bool
}

type pendingWrite struct {
	active      bool
	contentType ContentType
	payloadPtr  *byte
	payloadLen  int
	wire        []byte
	offset      int
}

// Layer is the central record-layer object (spec.md §3): one per
// half-connection per epoch generation, composing the sequence
// arithmetic, replay windows, epoch router, deferred queues, and
// decrypt/encrypt pipelines into the receive driver and transmit path.
//
// A single Layer may be driven for both reading and writing, mirroring
// the teacher's DefaultRecordLayer; per spec.md §5, concurrent access
// from multiple goroutines requires external synchronization unless
// the caller keeps disjoint read-only and write-only Layer instances.
type Layer struct {
	sync.Mutex

	id   string
	sink *Sink

	transport Transport
	next      Transport // successor's transport; records drain here on Close

	settings Settings
	version  uint16

	isFirstRecord bool
	inInit        bool

	epoch                 Epoch
	bitmap                replayWindow
	nextBitmap            replayWindow
	readCipher            *cipherContext
	historicalReadCiphers map[Epoch]*cipherContext
	compressor            Compressor

	unprocessedRcds *deferredQueue
	processedRcds   *deferredQueue

	recv    recvState
	current *bufferedRecord

	writeEpoch  Epoch
	writeSeq    uint64 // lower 48 bits used; mirrors the teacher's cipherState.seq
	writeCipher *cipherContext
	pending     pendingWrite

	lastAlert Alert
}

// NewLayer constructs a Layer in its initial, unkeyed (epoch 0) state.
// A nil sink gets a no-op diagnostics sink.
func NewLayer(transport Transport, sink *Sink, settings Settings) (*Layer, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = NewSink(nil, nil)
	}
	return &Layer{
		id:                    uuid.NewString(),
		sink:                  sink,
		transport:             transport,
		settings:              settings,
		version:               settings.Version,
		isFirstRecord:         true,
		readCipher:            NewNullCipherContext(),
		writeCipher:           NewNullCipherContext(),
		historicalReadCiphers: make(map[Epoch]*cipherContext),
		unprocessedRcds:       newDeferredQueue(1),
		processedRcds:         newDeferredQueue(0),
	}, nil
}

// SetNext wires the successor layer's transport, used only to drain
// unconsumed state on Close (spec.md §3 lifecycle).
func (l *Layer) SetNext(next Transport) {
	l.Lock()
	defer l.Unlock()
	l.next = next
}

// SetReadCipher installs the epoch-0 (or freshly-resumed) read cipher
// context without bumping the epoch counter. Use Rekey for an epoch
// transition.
func (l *Layer) SetReadCipher(cc *cipherContext) {
	l.Lock()
	defer l.Unlock()
	l.readCipher = cc
}

// SetWriteCipher installs the write cipher context for the current
// write epoch without bumping it. Use Rekey for an epoch transition.
func (l *Layer) SetWriteCipher(cc *cipherContext) {
	l.Lock()
	defer l.Unlock()
	l.writeCipher = cc
}

// SetCompressor attaches the optional compression step (spec.md §4.F/§4.H).
func (l *Layer) SetCompressor(c Compressor) {
	l.Lock()
	defer l.Unlock()
	l.compressor = c
}

// SetVersion sets the negotiated protocol version that non-first,
// non-alert records must match exactly (spec.md §4.D).
func (l *Layer) SetVersion(v uint16) {
	l.Lock()
	defer l.Unlock()
	l.version = v
}

// SetFirstHandshake toggles the relaxed version check for the very
// first record (spec.md §4.G "Initial-record relaxation").
func (l *Layer) SetFirstHandshake(first bool) {
	l.Lock()
	defer l.Unlock()
	l.isFirstRecord = first
}

// SetInInit gates next-epoch buffering: only while a handshake is in
// progress are next-epoch handshake/alert records buffered rather than
// dropped (spec.md §4.G step 7).
func (l *Layer) SetInInit(inInit bool) {
	l.Lock()
	defer l.Unlock()
	l.inInit = inInit
}

// SetMaxFragLen updates the negotiated max fragment length.
func (l *Layer) SetMaxFragLen(n int) error {
	l.Lock()
	defer l.Unlock()
	s := l.settings
	s.MaxFragmentLength = n
	if err := s.Validate(); err != nil {
		return err
	}
	l.settings = s
	return nil
}

// SetMaxPipelines exists for interface parity with the original's
// option surface; receive pipelining is an explicit Non-goal
// (spec.md §1), so any value other than 1 is rejected.
func (l *Layer) SetMaxPipelines(n int) error {
	if n != 1 {
		return fmt.Errorf("recordlayer: max_pipelines must be 1, got %d", n)
	}
	return nil
}

// LastAlert returns the alert set by the most recent fatal outcome.
func (l *Layer) LastAlert() Alert {
	l.Lock()
	defer l.Unlock()
	return l.lastAlert
}

// Epoch returns the current read epoch.
func (l *Layer) Epoch() Epoch {
	l.Lock()
	defer l.Unlock()
	return l.epoch
}

// DiscardReadEpoch drops retained key material for a superseded read
// epoch (spec.md §11 supplemented feature; the teacher's own
// DiscardReadKey carries a "this is never used, which is a bug" TODO —
// closed here by having Rekey's epoch transition call discardReadEpoch
// for the epoch two generations back, and exposing this method for
// callers that want to discard eagerly, e.g. once a retransmission
// timer for the old epoch expires).
func (l *Layer) DiscardReadEpoch(epoch Epoch) {
	l.Lock()
	defer l.Unlock()
	l.discardReadEpoch(epoch)
}

// discardReadEpoch is the lock-free body shared by DiscardReadEpoch and
// Rekey, which already holds l's mutex when it needs to evict history.
func (l *Layer) discardReadEpoch(epoch Epoch) {
	if epoch == l.epoch {
		return // never discard the live epoch's keys
	}
	delete(l.historicalReadCiphers, epoch)
}

// Rekey installs cc as the new current-epoch read cipher, retiring the
// previous one into history, and replays any handshake/alert records
// that were buffered in unprocessedRcds awaiting this transition
// (spec.md §3, §4.G, scenario 5).
func (l *Layer) Rekey(cc *cipherContext) {
	l.Lock()
	defer l.Unlock()

	l.historicalReadCiphers[l.epoch] = l.readCipher
	l.epoch++
	l.readCipher = cc
	l.bitmap = l.nextBitmap
	l.nextBitmap = replayWindow{}

	// Keys two generations behind the new current epoch can never be
	// legitimately needed again (routeEpoch only ever accepts the
	// current or next epoch), so they're evicted here rather than left
	// to accumulate for the life of the Layer.
	if l.epoch >= 2 {
		l.discardReadEpoch(l.epoch - 2)
	}

	toDrain := l.unprocessedRcds
	l.unprocessedRcds = newDeferredQueue(l.epoch + 1)

	toDrain.drain(func(rec bufferedRecord) {
		if rec.header.epoch != l.epoch {
			return // stale entry from a skipped epoch generation
		}
		if !l.bitmap.check(rec.header.fullSequence()) {
			return
		}
		out, ok, _ := l.processRecord(l.readCipher, &l.bitmap, rec.header, rec.payload)
		if ok {
			l.processedRcds.insert(out)
		}
	})
	l.sink.metrics.setDeferDepth(l.unprocessedRcds.len())
}

func (l *Layer) resetRecv() {
	l.recv = recvState{}
}

// validateHeader applies spec.md §4.D's structural and version rules.
// Any returned error means the caller must silently drop the record.
func (l *Layer) validateHeader(hdr recordHeader) error {
	if !hdr.contentType.valid() {
		return errMalformedHeader
	}
	if l.version != versionAny && byte(hdr.version>>8) != majorDTLS {
		return errMalformedHeader
	}
	if !l.isFirstRecord && hdr.contentType != ContentTypeAlert {
		if l.version != versionAny && hdr.version != l.version {
			return errMalformedHeader
		}
	}
	if int(hdr.length) > maxEncryptedLength {
		return errMalformedHeader
	}
	if int(hdr.length) > l.settings.MaxFragmentLength+maxEncryptedOverhead {
		return errMalformedHeader
	}
	return nil
}

// processRecord runs the decrypt/authenticate pipeline (spec.md §4.F)
// for a single record body against window w, including compression and
// the post-decrypt overflow checks, finishing with the replay-window
// update on success.
func (l *Layer) processRecord(cc *cipherContext, w *replayWindow, hdr recordHeader, body []byte) (bufferedRecord, bool, *FatalError) {
	sp := l.sink.Mark()

	plaintext, ok, ferr := cc.open(hdr.fullSequence(), hdr, body, sp)
	if ferr != nil {
		sp.Discard()
		l.sink.metrics.incFatal()
		l.lastAlert = ferr.Alert
		return bufferedRecord{}, false, ferr
	}
	if !ok {
		sp.Discard()
		l.sink.metrics.incDropped()
		return bufferedRecord{}, false, nil
	}

	if l.compressor != nil {
		if len(plaintext) > maxCompressedLength {
			sp.Discard()
			l.sink.metrics.incFatal()
			l.lastAlert = AlertRecordOverflow
			return bufferedRecord{}, false, fatal(AlertRecordOverflow, "compressed record too large")
		}
		decompressed, err := l.compressor.Decompress(plaintext)
		if err != nil {
			sp.Discard()
			l.sink.metrics.incFatal()
			l.lastAlert = AlertDecompressionFailure
			return bufferedRecord{}, false, fatal(AlertDecompressionFailure, err.Error())
		}
		plaintext = decompressed
	}

	if len(plaintext) > l.settings.MaxFragmentLength {
		sp.Discard()
		l.sink.metrics.incFatal()
		l.lastAlert = AlertRecordOverflow
		return bufferedRecord{}, false, fatal(AlertRecordOverflow, "plaintext exceeds max fragment length")
	}

	w.update(hdr.fullSequence())
	sp.Commit()
	l.sink.metrics.incAccepted()
	return bufferedRecord{header: hdr, payload: plaintext}, true, nil
}

// GetMoreRecords is the receive driver (spec.md §4.G): it reads and
// processes wire bytes until exactly one record is ready for
// ReadRecord, the transport signals it needs more input or
// writability, or a fatal protocol violation is hit. "Drop and
// restart" conditions loop internally rather than returning to the
// caller, so this call has the appearance of a blocking read that
// transparently skips hostile or malformed noise.
func (l *Layer) GetMoreRecords() (Status, error) {
	l.Lock()
	defer l.Unlock()

	for {
		if rec, ok := l.processedRcds.pop(); ok {
			l.current = &rec
			l.isFirstRecord = false
			return StatusSuccess, nil
		}

		if !l.recv.haveHeader {
			need := headerLen - len(l.recv.buf)
			tmp := make([]byte, need)
			n, err := l.transport.Read(tmp)
			if err != nil {
				if wantReadWrite(err) {
					return StatusWantRead, nil
				}
				return StatusFatal, err
			}
			if n == 0 {
				return StatusWantRead, nil
			}
			l.recv.buf = append(l.recv.buf, tmp[:n]...)
			if len(l.recv.buf) < headerLen {
				continue
			}

			hdr, err := parseHeader(l.recv.buf)
			if err != nil {
				l.sink.metrics.incDropped()
				l.resetRecv()
				continue
			}
			if err := l.validateHeader(hdr); err != nil {
				l.sink.metrics.incDropped()
				l.resetRecv()
				continue
			}
			l.recv.hdr = hdr
			l.recv.haveHeader = true
		}

		bodyTarget := headerLen + int(l.recv.hdr.length)
		if len(l.recv.buf) < bodyTarget {
			need := bodyTarget - len(l.recv.buf)
			tmp := make([]byte, need)
			n, err := l.transport.Read(tmp)
			if err != nil {
				if wantReadWrite(err) {
					return StatusWantRead, nil
				}
				return StatusFatal, err
			}
			if n == 0 {
				return StatusWantRead, nil
			}
			l.recv.buf = append(l.recv.buf, tmp[:n]...)
			if len(l.recv.buf) < bodyTarget {
				continue
			}
		}

		hdr := l.recv.hdr
		body := append([]byte{}, l.recv.buf[headerLen:bodyTarget]...)
		l.resetRecv()

		if len(body) == 0 {
			l.sink.metrics.incDropped()
			continue
		}

		choice := routeEpoch(l.epoch, l.unprocessedRcds.epoch, hdr.epoch, hdr.contentType)
		if choice == windowNone {
			l.sink.metrics.incDropped()
			continue
		}

		reliable := false
		if rot, ok := l.transport.(ReliableOrderedTransport); ok {
			reliable = rot.ReliableOrdered()
		}

		if choice == windowNext {
			if !reliable && !l.nextBitmap.check(hdr.fullSequence()) {
				l.sink.metrics.incReplayed()
				continue
			}
			if l.inInit {
				if l.unprocessedRcds.insert(bufferedRecord{header: hdr, payload: body}) {
					l.sink.metrics.setDeferDepth(l.unprocessedRcds.len())
				}
			}
			continue
		}

		if !reliable && !l.bitmap.check(hdr.fullSequence()) {
			l.sink.metrics.incReplayed()
			continue
		}

		rec, ok, ferr := l.processRecord(l.readCipher, &l.bitmap, hdr, body)
		if ferr != nil {
			return StatusFatal, ferr
		}
		if !ok {
			continue
		}
		l.current = &rec
		l.isFirstRecord = false
		return StatusSuccess, nil
	}
}

// ReadRecord returns the record made ready by the most recent
// successful GetMoreRecords call.
func (l *Layer) ReadRecord() (ct ContentType, data []byte, epoch Epoch, seq [seqNumLen]byte, ok bool) {
	l.Lock()
	defer l.Unlock()
	if l.current == nil {
		return 0, nil, 0, [seqNumLen]byte{}, false
	}
	r := l.current
	return r.header.contentType, r.payload, r.header.epoch, r.header.fullSequence(), true
}

// ReleaseRecord consumes the current record and frees its buffer.
func (l *Layer) ReleaseRecord() {
	l.Lock()
	defer l.Unlock()
	l.current = nil
}

func payloadIdentity(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

// writeSequenceNumber returns the 8-byte sequence formed from the
// current write epoch and write counter, without mutating either.
func (l *Layer) writeSequenceNumber() [seqNumLen]byte {
	var out [seqNumLen]byte
	out[0] = byte(l.writeEpoch >> 8)
	out[1] = byte(l.writeEpoch)
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], l.writeSeq)
	copy(out[2:], full[2:])
	return out
}

// maxWriteSeq is the largest sequence number DTLS's 48-bit wire field
// can carry. It is itself a legitimate value to send — only the next
// one would overflow the field.
const maxWriteSeq = 1<<48 - 1

func (l *Layer) buildRecord(t WriteTemplate) ([]byte, error) {
	if l.writeSeq > maxWriteSeq {
		// spec.md §9 DESIGN NOTES: a new epoch must be negotiated
		// before another record can be sent.
		return nil, fatal(AlertInternalError, "write sequence number exhausted; a new epoch is required")
	}

	payload := t.Payload
	if l.compressor != nil {
		compressed, err := l.compressor.Compress(payload)
		if err != nil {
			return nil, fatal(AlertInternalError, "compression failed: "+err.Error())
		}
		payload = compressed
	}

	seq := l.writeSequenceNumber()
	hdr := recordHeader{contentType: t.Type, version: l.version, epoch: l.writeEpoch}
	copy(hdr.sequence[:], seq[2:])

	wire, err := l.writeCipher.seal(seq, hdr, payload)
	if err != nil {
		return nil, fatal(AlertInternalError, "encrypt failed: "+err.Error())
	}
	if len(wire) > l.settings.MaxFragmentLength+maxEncryptedOverhead {
		return nil, fatal(AlertRecordOverflow, "ciphertext exceeds max record size")
	}
	hdr.length = uint16(len(wire))

	l.writeSeq++

	return append(hdr.marshal(), wire...), nil
}

func (l *Layer) validateWriteRetry(t WriteTemplate) error {
	if t.Type != l.pending.contentType {
		return fatal(AlertBadWriteRetry, "write retry changed content type")
	}
	if payloadIdentity(t.Payload) != l.pending.payloadPtr {
		// Moving write buffer mode is not supported (DESIGN.md Open
		// Question decision): a retry must reuse the same backing array.
		return fatal(AlertBadWriteRetry, "write retry changed buffer identity")
	}
	if len(t.Payload) < l.pending.payloadLen {
		return fatal(AlertBadWriteRetry, "write retry shrank payload length")
	}
	return nil
}

// WriteRecords builds and sends a single outbound record (spec.md
// §4.H). DTLS requires exactly one template per call. On a partial
// write, the caller must retry with write-retry-compatible arguments
// (same type, same backing buffer, same-or-greater length); on genuine
// transport failure the residual buffer is dropped rather than
// retried, since DTLS datagram loss is by design (spec.md §4.H step 9).
func (l *Layer) WriteRecords(templates []WriteTemplate) (int, Status, error) {
	l.Lock()
	defer l.Unlock()

	if len(templates) != 1 {
		l.lastAlert = AlertInternalError
		return 0, StatusFatal, fatal(AlertInternalError, "write_records requires exactly one template for DTLS")
	}
	t := templates[0]

	if l.pending.active {
		if err := l.validateWriteRetry(t); err != nil {
			l.lastAlert = AlertBadWriteRetry
			return 0, StatusFatal, err
		}
	} else {
		wire, err := l.buildRecord(t)
		if err != nil {
			if fe, ok := err.(*FatalError); ok {
				l.lastAlert = fe.Alert
			}
			return 0, StatusFatal, err
		}
		l.pending = pendingWrite{
			active:      true,
			contentType: t.Type,
			payloadPtr:  payloadIdentity(t.Payload),
			payloadLen:  len(t.Payload),
			wire:        wire,
		}
	}

	n, err := l.transport.Write(l.pending.wire[l.pending.offset:])
	if err != nil {
		if wantReadWrite(err) {
			return 0, StatusWantWrite, nil
		}
		l.pending = pendingWrite{}
		return 0, StatusFatal, err
	}

	l.pending.offset += n
	if l.pending.offset < len(l.pending.wire) {
		return n, StatusWantWrite, nil
	}

	written := len(l.pending.wire)
	l.pending = pendingWrite{}
	return written, StatusSuccess, nil
}

// Close drains this layer's residual state to its successor
// (spec.md §3 lifecycle): the raw, not-yet-complete read buffer and
// any unprocessedRcds entries are pushed to next in priority order;
// processedRcds entries are addressed to this layer's own caller and
// are simply freed.
func (l *Layer) Close() error {
	l.Lock()
	defer l.Unlock()

	if l.next != nil {
		if len(l.recv.buf) > 0 {
			if _, err := l.next.Write(l.recv.buf); err != nil {
				return err
			}
		}
		var drainErr error
		l.unprocessedRcds.drain(func(rec bufferedRecord) {
			if drainErr != nil {
				return
			}
			_, drainErr = l.next.Write(append(rec.header.marshal(), rec.payload...))
		})
		if drainErr != nil {
			return drainErr
		}
	}

	l.processedRcds = newDeferredQueue(l.epoch)
	l.resetRecv()
	return nil
}
