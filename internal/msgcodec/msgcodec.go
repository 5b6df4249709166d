// Package msgcodec provides zstd compression for persisted session
// history blobs.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("msgcodec: decompress: %w", err)
	}
	return out, nil
}
