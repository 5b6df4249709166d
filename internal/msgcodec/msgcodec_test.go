package msgcodec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	original := bytes.Repeat([]byte(`{"event":"stream_delta","data":{"delta":"hello"}}`+"\n"), 500)

	compressed := Compress(original)
	assert.Less(t, len(compressed), len(original), "repetitive history should shrink")

	restored, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestCompressEmpty(t *testing.T) {
	restored, err := Decompress(Compress(nil))
	require.NoError(t, err)
	assert.Empty(t, restored)
}

func TestDecompressGarbage(t *testing.T) {
	_, err := Decompress([]byte("not zstd at all"))
	assert.Error(t, err)
}
