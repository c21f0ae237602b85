package recordlayer

import (
	"errors"

	"golang.org/x/crypto/cryptobyte"
)

// headerLen is the fixed size of a DTLS record header (RFC 6347 §4.1):
// 1-byte content type, 2-byte version, 2-byte epoch, 6-byte per-epoch
// sequence number, 2-byte ciphertext length.
const headerLen = 13

// ContentType identifies the payload carried by a DTLS record.
type ContentType uint8

const (
	ContentTypeChangeCipherSpec ContentType = 20
	ContentTypeAlert            ContentType = 21
	ContentTypeHandshake        ContentType = 22
	ContentTypeApplicationData  ContentType = 23
	ContentTypeACK              ContentType = 25
)

func (t ContentType) valid() bool {
	switch t {
	case ContentTypeChangeCipherSpec, ContentTypeAlert, ContentTypeHandshake,
		ContentTypeApplicationData, ContentTypeACK:
		return true
	default:
		return false
	}
}

// Epoch identifies a DTLS keying generation.
type Epoch uint16

// Protocol versions, wire-encoded as ~DTLS-version per RFC 6347 §4.1.
const (
	VersionDTLS10 uint16 = 0xfeff
	VersionDTLS12 uint16 = 0xfefd

	// versionAny is the sentinel accepted before negotiation completes;
	// it disables the major-version check entirely.
	versionAny uint16 = 0x0000

	majorDTLS byte = 0xfe
)

// recordHeader is the parsed, fixed-layout DTLS record header.
type recordHeader struct {
	contentType ContentType
	version     uint16
	epoch       Epoch
	sequence    [6]byte // lower 48 bits of the per-epoch sequence counter
	length      uint16
}

var errShortHeader = errors.New("recordlayer: short header")
var errMalformedHeader = errors.New("recordlayer: malformed header")

// parseHeader parses exactly headerLen bytes of buf into a recordHeader.
// It performs no version/length-bound validation against connection state
// (that belongs to the caller, per spec.md §4.D) beyond structural
// well-formedness: callers must silently discard the record on any error
// returned here, never surface it.
func parseHeader(buf []byte) (recordHeader, error) {
	if len(buf) != headerLen {
		return recordHeader{}, errShortHeader
	}

	s := cryptobyte.String(buf)

	var hdr recordHeader
	var ct uint8
	var version uint16
	var epoch uint16
	var seq []byte
	var length uint16

	ok := s.ReadUint8(&ct) &&
		s.ReadUint16(&version) &&
		s.ReadUint16(&epoch) &&
		s.ReadBytes(&seq, 6) &&
		s.ReadUint16(&length) &&
		len(s) == 0

	if !ok {
		return recordHeader{}, errMalformedHeader
	}

	hdr.contentType = ContentType(ct)
	hdr.version = version
	hdr.epoch = Epoch(epoch)
	copy(hdr.sequence[:], seq)
	hdr.length = length
	return hdr, nil
}

// marshal serializes the header back to its 13-byte wire form.
func (h recordHeader) marshal() []byte {
	var b cryptobyte.Builder
	b.AddUint8(uint8(h.contentType))
	b.AddUint16(h.version)
	b.AddUint16(uint16(h.epoch))
	b.AddBytes(h.sequence[:])
	b.AddUint16(h.length)
	// A Builder with only fixed-size Add calls never fails.
	out, _ := b.Bytes()
	return out
}

// fullSequence returns the 8-byte big-endian sequence number formed from
// this header's epoch (upper 2 bytes) and per-epoch counter (lower 6).
func (h recordHeader) fullSequence() [seqNumLen]byte {
	var out [seqNumLen]byte
	out[0] = byte(h.epoch >> 8)
	out[1] = byte(h.epoch)
	copy(out[2:], h.sequence[:])
	return out
}
