// Package blob compresses stored documents with zstd.
package blob

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

var magic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	decOnce sync.Once
	dec     *zstd.Decoder
	decErr  error
)

func encoder() *zstd.Encoder {
	encOnce.Do(func() {
		// A nil writer with valid options cannot fail.
		enc, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(12)))
	})
	return enc
}

func decoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		dec, decErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(64<<20))
	})
	return dec, decErr
}

// Compress returns data as a zstd frame.
func Compress(data []byte) []byte {
	return encoder().EncodeAll(data, make([]byte, 0, len(data)/2))
}

// IsCompressed reports whether data starts with the zstd frame magic.
func IsCompressed(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// Decompress returns data unchanged unless it is a zstd frame, in which case
// it is decoded.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	d, err := decoder()
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	out, err := d.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}
