package recordlayer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"testing"

	"github.com/codahale/etm"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/crypto/chacha20poly1305"
)

func newTestAEADContext(t *testing.T) *cipherContext {
	t.Helper()
	key := make([]byte, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)
	return NewAEADCipherContext(aead, make([]byte, aead.NonceSize()), 0)
}

func newTestETMContext(t *testing.T) *cipherContext {
	t.Helper()
	key := make([]byte, 48) // 16-byte AES key + 32-byte HMAC-SHA256 key
	aead, err := etm.NewAES128SHA256(key)
	require.NoError(t, err)
	return NewETMCipherContext(aead, aes.BlockSize)
}

func newTestMTEContext(t *testing.T) *cipherContext {
	t.Helper()
	block, err := aes.NewCipher(make([]byte, 16))
	require.NoError(t, err)
	return NewMTECipherContext(block, make([]byte, 32), sha256.New, 32, aes.BlockSize)
}

func testHeader() recordHeader {
	return recordHeader{
		contentType: ContentTypeApplicationData,
		version:     VersionDTLS12,
		epoch:       1,
		sequence:    [6]byte{0, 0, 0, 0, 0, 7},
		length:      0,
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	for name, cc := range map[string]*cipherContext{
		"AEAD": newTestAEADContext(t),
		"ETM":  newTestETMContext(t),
		"MTE":  newTestMTEContext(t),
	} {
		t.Run(name, func(t *testing.T) {
			hdr := testHeader()
			seq := hdr.fullSequence()
			plaintext := []byte("hello dtls record layer")

			wire, err := cc.seal(seq, hdr, plaintext)
			require.NoError(t, err)

			sink := NewSink(nil, nil)
			sp := sink.Mark()
			got, ok, fatalErr := cc.open(seq, hdr, wire, sp)
			require.Nil(t, fatalErr)
			require.True(t, ok)
			require.Equal(t, plaintext, got)
		})
	}
}

func TestForgedTagLeavesWindowAndSinkUnchanged(t *testing.T) {
	cases := map[string]struct {
		cc          *cipherContext
		expectFatal bool
	}{
		"AEAD": {newTestAEADContext(t), false},
		"ETM":  {newTestETMContext(t), true},
		"MTE":  {newTestMTEContext(t), false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			hdr := testHeader()
			seq := hdr.fullSequence()
			plaintext := []byte("hello dtls record layer")

			wire, err := tc.cc.seal(seq, hdr, plaintext)
			require.NoError(t, err)
			forged := append([]byte{}, wire...)
			forged[len(forged)-1] ^= 0xFF

			w := &replayWindow{}
			w.update(seq)
			before := *w

			core, logs := observer.New(zap.DebugLevel)
			sink := NewSink(zap.New(core), nil)
			sp := sink.Mark()
			_, ok, fatalErr := tc.cc.open(seq, hdr, forged, sp)
			require.False(t, ok)
			if tc.expectFatal {
				require.NotNil(t, fatalErr)
				require.Equal(t, AlertBadRecordMAC, fatalErr.Alert)
			} else {
				require.Nil(t, fatalErr)
			}

			// Authentication failure must never mutate the replay window:
			// only a verified record's sequence number is allowed through.
			require.Equal(t, before, *w)

			// Nothing from the failed attempt reaches the sink's logger.
			require.Zero(t, logs.Len())
		})
	}
}
