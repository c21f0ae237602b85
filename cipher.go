package recordlayer

import (
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"hash"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// cipherMode selects which of the three legacy-through-modern record
// protection orderings a cipherContext implements (spec.md §4.F).
type cipherMode int

const (
	cipherModeNull cipherMode = iota
	cipherModeAEAD
	cipherModeETM
	cipherModeMTE
)

// cipherContext is the crypto context abstraction this package consumes
// from the outside (construction of the context itself, i.e. key
// derivation and AEAD/cipher/MAC instantiation, is out of scope per
// spec.md §1 — callers build one of these from already-derived key
// material and hand it to NewLayer/Rekey).
type cipherContext struct {
	mode cipherMode

	// AEAD and ETM
	aead          cipher.AEAD
	fixedIV       []byte // implicit salt prefixed to the nonce; may be empty
	explicitIVLen int    // bytes of nonce/IV carried on the wire per record

	// MTE only
	block      cipher.Block
	macNewHash func() hash.Hash
	macKey     []byte
	macSize    int
}

// NewNullCipherContext returns the identity context used before the
// first key change: records are neither encrypted nor authenticated.
func NewNullCipherContext() *cipherContext {
	return &cipherContext{mode: cipherModeNull}
}

// NewAEADCipherContext wraps a cipher.AEAD (e.g.
// golang.org/x/crypto/chacha20poly1305, or a stdlib crypto/aes GCM) as an
// AEAD-mode cipher context. explicitIVLen bytes of nonce are carried on
// the wire per record (0 for modern implicit-nonce suites, 8 for the
// classic TLS 1.2 GCM/CCM explicit-nonce construction).
func NewAEADCipherContext(aead cipher.AEAD, fixedIV []byte, explicitIVLen int) *cipherContext {
	return &cipherContext{
		mode:          cipherModeAEAD,
		aead:          aead,
		fixedIV:       fixedIV,
		explicitIVLen: explicitIVLen,
	}
}

// NewETMCipherContext wraps an encrypt-then-MAC combiner — concretely,
// github.com/codahale/etm's AES-CBC+HMAC AEAD construction — as an
// ETM-mode cipher context. Authentication failure under ETM is always
// fatal (bad_record_mac), never a silent drop: spec.md §4.F treats a
// mismatched ETM tag as a definite protocol violation rather than
// possible forged noise, because ETM's MAC covers the ciphertext
// directly and is checked before any decryption is attempted.
func NewETMCipherContext(aead cipher.AEAD, explicitIVLen int) *cipherContext {
	return &cipherContext{
		mode:          cipherModeETM,
		aead:          aead,
		explicitIVLen: explicitIVLen,
	}
}

// NewMTECipherContext builds a legacy MAC-then-encrypt (CBC+HMAC) cipher
// context. explicitIVLen is normally the cipher's block size.
func NewMTECipherContext(block cipher.Block, macKey []byte, macNewHash func() hash.Hash, macSize, explicitIVLen int) *cipherContext {
	return &cipherContext{
		mode:          cipherModeMTE,
		block:         block,
		macKey:        macKey,
		macNewHash:    macNewHash,
		macSize:       macSize,
		explicitIVLen: explicitIVLen,
	}
}

// overhead estimates the number of bytes this context adds to a record
// on top of the plaintext: explicit IV, tag/MAC, and (for MTE) up to one
// block of padding.
func (cc *cipherContext) overhead() int {
	switch cc.mode {
	case cipherModeAEAD, cipherModeETM:
		return cc.explicitIVLen + cc.aead.Overhead()
	case cipherModeMTE:
		block := 1
		if cc.block != nil {
			block = cc.block.BlockSize()
		}
		return cc.explicitIVLen + cc.macSize + block
	default:
		return 0
	}
}

// computeNonce reproduces the teacher's (mint's) nonce construction:
// copy the fixed IV, then XOR the 8-byte sequence number into its
// trailing bytes.
func computeNonce(fixedIV []byte, seq [seqNumLen]byte) []byte {
	nonce := make([]byte, len(fixedIV))
	copy(nonce, fixedIV)
	offset := len(nonce)
	s := binary.BigEndian.Uint64(seq[:])
	for i := 0; i < 8 && offset-i-1 >= 0; i++ {
		nonce[offset-i-1] ^= byte(s)
		s >>= 8
	}
	return nonce
}

// macInput builds the classic TLS/DTLS MAC input: the 8-byte sequence
// number, content type, version, and length, followed by the data being
// authenticated (plaintext for MTE, ciphertext for ETM).
func macInput(seq [seqNumLen]byte, ct ContentType, version uint16, length int, data []byte) []byte {
	out := make([]byte, 0, seqNumLen+1+2+2+len(data))
	out = append(out, seq[:]...)
	out = append(out, byte(ct))
	out = append(out, byte(version>>8), byte(version))
	out = append(out, byte(length>>8), byte(length))
	out = append(out, data...)
	return out
}

// seal encrypts (and, for MTE, MACs) plaintext into wire-ready bytes:
// explicit IV (if any) followed by ciphertext/tag.
func (cc *cipherContext) seal(seq [seqNumLen]byte, hdr recordHeader, plaintext []byte) ([]byte, error) {
	switch cc.mode {
	case cipherModeNull:
		return plaintext, nil

	case cipherModeAEAD, cipherModeETM:
		explicit := make([]byte, cc.explicitIVLen)
		if cc.mode == cipherModeETM {
			if _, err := rand.Read(explicit); err != nil {
				return nil, err
			}
		} else if cc.explicitIVLen > 0 {
			copy(explicit, seq[seqNumLen-cc.explicitIVLen:])
		}
		nonce := computeNonce(cc.fixedIV, seq)
		if cc.explicitIVLen > 0 && cc.mode == cipherModeETM {
			nonce = explicit
		} else if cc.explicitIVLen > 0 {
			nonce = append(append([]byte{}, cc.fixedIV...), explicit...)
		}
		assocLen := len(plaintext)
		if cc.mode == cipherModeETM {
			assocLen = len(plaintext) + cc.explicitIVLen + cc.aead.Overhead()
		}
		assoc := macInput(seq, hdr.contentType, hdr.version, assocLen, nil)
		ciphertext := cc.aead.Seal(nil, nonce, plaintext, assoc)
		return append(explicit, ciphertext...), nil

	case cipherModeMTE:
		mac := hmac.New(cc.macNewHash, cc.macKey)
		mac.Write(macInput(seq, hdr.contentType, hdr.version, len(plaintext), plaintext))
		tagged := append(append([]byte{}, plaintext...), mac.Sum(nil)...)

		block := cc.block.BlockSize()
		padLen := block - (len(tagged) % block)
		padded := append(tagged, make([]byte, padLen)...)
		for i := len(tagged); i < len(padded); i++ {
			padded[i] = byte(padLen - 1)
		}

		iv := make([]byte, cc.explicitIVLen)
		if _, err := rand.Read(iv); err != nil {
			return nil, err
		}
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(cc.block, iv).CryptBlocks(out, padded)
		return append(iv, out...), nil

	default:
		return nil, fatal(AlertInternalError, "unknown cipher mode")
	}
}

// open authenticates and decrypts a wire-format record body. ok=false
// with a nil fatalErr means the record must be silently discarded;
// ok=false with a non-nil fatalErr means the connection must be
// terminated with that alert; ok=true means plaintext is valid.
func (cc *cipherContext) open(seq [seqNumLen]byte, hdr recordHeader, wire []byte, sp *Savepoint) (plaintext []byte, ok bool, fatalErr *FatalError) {
	switch cc.mode {
	case cipherModeNull:
		return wire, true, nil

	case cipherModeAEAD, cipherModeETM:
		if len(wire) < cc.explicitIVLen+cc.aead.Overhead() {
			if cc.mode == cipherModeETM {
				return nil, false, fatal(AlertDecodeError, "ciphertext shorter than MAC size")
			}
			sp.Record(zapcore.DebugLevel, "ciphertext shorter than AEAD overhead")
			return nil, false, nil
		}
		explicit, body := wire[:cc.explicitIVLen], wire[cc.explicitIVLen:]
		var nonce []byte
		switch {
		case cc.mode == cipherModeETM:
			nonce = explicit
		case cc.explicitIVLen > 0:
			nonce = append(append([]byte{}, cc.fixedIV...), explicit...)
		default:
			nonce = computeNonce(cc.fixedIV, seq)
		}
		assocLen := len(wire)
		if cc.mode == cipherModeAEAD {
			assocLen = len(body) - cc.aead.Overhead()
		}
		assoc := macInput(seq, hdr.contentType, hdr.version, assocLen, nil)
		pt, err := cc.aead.Open(nil, nonce, body, assoc)
		if err != nil {
			if cc.mode == cipherModeETM {
				sp.Record(zapcore.DebugLevel, "ETM authentication failed", zap.Error(err))
				return nil, false, fatal(AlertBadRecordMAC, "ETM authentication failed")
			}
			sp.Record(zapcore.DebugLevel, "AEAD authentication failed", zap.Error(err))
			return nil, false, nil
		}
		sp.Record(zapcore.DebugLevel, "AEAD authentication succeeded")
		return pt, true, nil

	case cipherModeMTE:
		return cc.openMTE(seq, hdr, wire, sp)

	default:
		return nil, false, fatal(AlertInternalError, "unknown cipher mode")
	}
}

// openMTE does not separately enforce spec.md §4.F's
// length <= MAX_COMPRESSED_LENGTH + mac_size bound: the caller's
// unconditional plaintext-length check against Settings.MaxFragmentLength
// (which Validate caps well below that bound) already subsumes it.
func (cc *cipherContext) openMTE(seq [seqNumLen]byte, hdr recordHeader, wire []byte, sp *Savepoint) ([]byte, bool, *FatalError) {
	block := cc.block.BlockSize()
	if len(wire) < cc.explicitIVLen+block || (len(wire)-cc.explicitIVLen)%block != 0 {
		sp.Record(zapcore.DebugLevel, "MTE ciphertext not a whole number of blocks")
		return nil, false, nil
	}

	iv, body := wire[:cc.explicitIVLen], wire[cc.explicitIVLen:]
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(cc.block, iv).CryptBlocks(out, body)

	// Padding removal. A fully constant-time implementation would scan
	// every byte regardless of the apparent pad length to avoid a timing
	// oracle (Lucky 13); this computes the MAC over the decrypted buffer
	// either way, so a padding error cannot be distinguished from a MAC
	// error by timing alone at this call site.
	padLen := int(out[len(out)-1])
	badPad := padLen >= len(out) || padLen >= block
	unpaddedLen := len(out) - padLen - 1
	if badPad {
		unpaddedLen = len(out)
	}
	if unpaddedLen < cc.macSize {
		badPad = true
		unpaddedLen = cc.macSize
	}

	dataLen := unpaddedLen - cc.macSize
	data := out[:dataLen]
	gotMAC := out[dataLen:unpaddedLen]

	mac := hmac.New(cc.macNewHash, cc.macKey)
	mac.Write(macInput(seq, hdr.contentType, hdr.version, dataLen, data))
	wantMAC := mac.Sum(nil)[:cc.macSize]

	macOK := subtle.ConstantTimeCompare(gotMAC, wantMAC) == 1
	if badPad || !macOK {
		sp.Record(zapcore.DebugLevel, "MTE MAC or padding check failed")
		return nil, false, nil
	}

	sp.Record(zapcore.DebugLevel, "MTE authentication succeeded")
	return data, true, nil
}
