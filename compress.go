package recordlayer

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compressor implements the optional DTLS record compression step
// (spec.md §4.F/§4.H). A nil Compressor means compression is disabled,
// which is the common case: DEFLATE-based TLS/DTLS compression was
// deprecated after CRIME and is retained here only because spec.md
// names it as part of the decrypt/encrypt pipeline.
type Compressor interface {
	Compress(plaintext []byte) ([]byte, error)
	// Decompress returns an error only on a genuinely malformed stream;
	// the caller turns that into a fatal decompression_failure alert.
	Decompress(compressed []byte) ([]byte, error)
}

// flateCompressor implements Compressor on top of klauspost/compress's
// drop-in, faster DEFLATE, the same codec caddy's gzip/zstd encoders
// build on.
type flateCompressor struct{}

// NewFlateCompressor returns a Compressor using DEFLATE.
func NewFlateCompressor() Compressor {
	return flateCompressor{}
}

func (flateCompressor) Compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (flateCompressor) Decompress(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}
