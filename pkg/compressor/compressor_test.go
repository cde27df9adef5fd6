package compressor_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corestream/eventcore/pkg/compressor"
)

func TestZlibRoundTrip(t *testing.T) {
	z := compressor.NewZlib(0)

	data := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50))
	compressed, err := z.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data), "repetitive input should compress smaller")

	decompressed, err := z.Decompress(compressed)
	require.NoError(t, err)
	assert.Equal(t, data, decompressed)
}

func TestZlibRoundTripEmptyInput(t *testing.T) {
	z := compressor.NewZlib(0)

	compressed, err := z.Compress(nil)
	require.NoError(t, err)

	decompressed, err := z.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestZlibDecompressRejectsGarbage(t *testing.T) {
	z := compressor.NewZlib(0)

	_, err := z.Decompress([]byte("not zlib data at all"))
	require.Error(t, err)
}

func TestZlibDefaultCompressionLevelWhenZero(t *testing.T) {
	z := compressor.NewZlib(0)
	data := []byte("some data")

	compressed, err := z.Compress(data)
	require.NoError(t, err)
	require.NotEmpty(t, compressed)
	assert.False(t, bytes.Equal(data, compressed))
}
