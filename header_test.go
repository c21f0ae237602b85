package recordlayer

import (
	"bytes"
	"testing"
)

func TestParseMarshalIdentity(t *testing.T) {
	hdr := recordHeader{
		contentType: ContentTypeHandshake,
		version:     VersionDTLS12,
		epoch:       3,
		sequence:    [6]byte{0, 0, 0, 0, 0, 42},
		length:      1200,
	}

	wire := hdr.marshal()
	if len(wire) != headerLen {
		t.Fatalf("marshaled header length = %d, want %d", len(wire), headerLen)
	}

	got, err := parseHeader(wire)
	if err != nil {
		t.Fatalf("parseHeader: %v", err)
	}
	if got != hdr {
		t.Fatalf("parse(marshal(hdr)) = %+v, want %+v", got, hdr)
	}
}

func TestParseHeaderShortRead(t *testing.T) {
	_, err := parseHeader(make([]byte, headerLen-1))
	if err == nil {
		t.Fatal("expected an error for a short header buffer")
	}
}

func TestFullSequenceCombinesEpochAndCounter(t *testing.T) {
	hdr := recordHeader{epoch: 0x0102, sequence: [6]byte{0, 0, 0, 0, 0x00, 0x07}}
	got := hdr.fullSequence()
	want := [seqNumLen]byte{0x01, 0x02, 0, 0, 0, 0, 0x00, 0x07}
	if !bytes.Equal(got[:], want[:]) {
		t.Fatalf("fullSequence = %x, want %x", got, want)
	}
}
