package recordlayer

import "encoding/binary"

// seqNumLen is the length in bytes of the 64-bit big-endian sequence
// number staged during replay checks and MAC/cipher computation.
const seqNumLen = 8

// subSat64 computes a mod-128 saturating subtract of two 8-byte
// big-endian sequence numbers: a - b, clamped to [-128, 128].
//
// Wraparound between the unsigned domain the inputs live in and the
// signed result is itself treated as overflow and clamped the same way:
// if a > b but the signed subtraction comes out negative, the result is
// +128, and the mirror image for b > a.
func subSat64(a, b [seqNumLen]byte) int {
	l1 := binary.BigEndian.Uint64(a[:])
	l2 := binary.BigEndian.Uint64(b[:])

	ret := int64(l1) - int64(l2)

	if l1 > l2 && ret < 0 {
		return 128
	}
	if l2 > l1 && ret > 0 {
		return -128
	}

	if ret > 128 {
		return 128
	}
	if ret < -128 {
		return -128
	}
	return int(ret)
}
