package network

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i)
	}
	return out
}

func TestTagExtractorBoundaries(t *testing.T) {
	for _, beyond := range []int{0, 1, 15, 16, 17} {
		input := sequentialBytes(TagSize + beyond)

		var forwarded bytes.Buffer
		extractor := newTagExtractor(&forwarded)
		n, err := extractor.Write(input)
		require.NoError(t, err)
		require.Equal(t, len(input), n)

		tag, err := extractor.Tag()
		require.NoError(t, err, "beyond=%d", beyond)
		assert.Equal(t, input[beyond:], tag, "beyond=%d", beyond)
		assert.Equal(t, int64(beyond), extractor.Forwarded(), "beyond=%d", beyond)
		assert.True(t, bytes.Equal(input[:beyond], forwarded.Bytes()), "beyond=%d", beyond)
	}
}

func TestTagExtractorReportsTruncation(t *testing.T) {
	for _, size := range []int{0, 1, TagSize - 1} {
		var forwarded bytes.Buffer
		extractor := newTagExtractor(&forwarded)
		_, err := extractor.Write(sequentialBytes(size))
		require.NoError(t, err)

		_, err = extractor.Tag()
		require.ErrorIs(t, err, ErrTruncatedTransfer, "size=%d", size)
		assert.Zero(t, forwarded.Len())
	}
}

func TestTagExtractorRandomChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	input := sequentialBytes(5000)

	for round := 0; round < 50; round++ {
		var forwarded bytes.Buffer
		extractor := newTagExtractor(&forwarded)

		var received int64
		for offset := 0; offset < len(input); {
			size := rng.Intn(40)
			end := min(offset+size, len(input))
			_, err := extractor.Write(input[offset:end])
			require.NoError(t, err)
			received += int64(end - offset)
			offset = end

			require.LessOrEqual(t, extractor.Held(), TagSize)
			require.Equal(t, received, extractor.Forwarded()+int64(extractor.Held()))
		}

		tag, err := extractor.Tag()
		require.NoError(t, err)
		assert.Equal(t, input[len(input)-TagSize:], tag)
		assert.Equal(t, input[:len(input)-TagSize], forwarded.Bytes())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("disk full")
}

func TestTagExtractorPropagatesWriteErrors(t *testing.T) {
	extractor := newTagExtractor(failingWriter{})
	_, err := extractor.Write(sequentialBytes(TagSize))
	require.NoError(t, err)

	_, err = extractor.Write([]byte{1})
	require.EqualError(t, err, "disk full")
}
