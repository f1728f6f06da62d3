package compression

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleData() []byte {
	// Repetitive enough that every algorithm should shrink it.
	return bytes.Repeat([]byte("cached block payload "), 512)
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	data := sampleData()

	for _, alg := range []Algorithm{None, Snappy, LZ4, Zstd, S2} {
		t.Run(string(alg), func(t *testing.T) {
			c, err := NewCompressor(&Config{Algorithm: alg, Level: Default})
			require.NoError(t, err)

			compressed, err := c.Compress(data)
			require.NoError(t, err)

			decompressed, err := c.Decompress(compressed)
			require.NoError(t, err)
			assert.Equal(t, data, decompressed)

			if alg != None {
				assert.Less(t, len(compressed), len(data))
			}
		})
	}
}

func TestNilConfigUsesDefault(t *testing.T) {
	c, err := NewCompressor(nil)
	require.NoError(t, err)
	assert.Equal(t, Zstd, c.Algorithm())
}

func TestUnsupportedAlgorithm(t *testing.T) {
	_, err := NewCompressor(&Config{Algorithm: "brotli"})
	assert.Error(t, err)
}

func TestEmptyInput(t *testing.T) {
	c, err := NewCompressor(&Config{Algorithm: Zstd, Level: Fastest})
	require.NoError(t, err)

	compressed, err := c.Compress(nil)
	require.NoError(t, err)

	decompressed, err := c.Decompress(compressed)
	require.NoError(t, err)
	assert.Empty(t, decompressed)
}

func TestConcurrentUse(t *testing.T) {
	c, err := NewCompressor(&Config{Algorithm: LZ4, Level: Fastest})
	require.NoError(t, err)

	data := sampleData()
	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			for j := 0; j < 20; j++ {
				compressed, err := c.Compress(data)
				if err != nil {
					done <- err
					return
				}
				out, err := c.Decompress(compressed)
				if err != nil {
					done <- err
					return
				}
				if !bytes.Equal(out, data) {
					done <- assert.AnError
					return
				}
			}
			done <- nil
		}()
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}
}
