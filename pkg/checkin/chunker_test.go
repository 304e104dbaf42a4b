package checkin

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func readAllChunks(t *testing.T, c *Chunker) [][]byte {
	t.Helper()
	var chunks [][]byte
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}
	return chunks
}

func TestChunkerReassemblesToOriginal(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 4000)

	c := NewChunker(bytes.NewReader(data), DefaultChunkParams)
	chunks := readAllChunks(t, c)
	require.NotEmpty(t, chunks)

	var reassembled []byte
	for _, chunk := range chunks {
		reassembled = append(reassembled, chunk...)
	}
	require.Equal(t, data, reassembled)
}

func TestChunkerRespectsMaxSize(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 500*1024)
	params := ChunkParams{Min: 1024, Avg: 4096, Max: 8192}

	c := NewChunker(bytes.NewReader(data), params)
	chunks := readAllChunks(t, c)
	require.NotEmpty(t, chunks)

	for _, chunk := range chunks {
		require.LessOrEqual(t, len(chunk), int(params.Max))
	}
}

func TestChunkerDeterministic(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghijklmnopqrstuvwxyz"), 1000)

	c1 := NewChunker(bytes.NewReader(data), DefaultChunkParams)
	c2 := NewChunker(bytes.NewReader(data), DefaultChunkParams)

	chunks1 := readAllChunks(t, c1)
	chunks2 := readAllChunks(t, c2)

	require.Equal(t, len(chunks1), len(chunks2))
	for i := range chunks1 {
		require.Equal(t, chunks1[i], chunks2[i])
	}
}

func TestChunkerEmptyInput(t *testing.T) {
	c := NewChunker(bytes.NewReader(nil), DefaultChunkParams)
	_, err := c.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestChunkerSmallInputSingleChunk(t *testing.T) {
	data := []byte("tiny")
	c := NewChunker(bytes.NewReader(data), DefaultChunkParams)
	chunks := readAllChunks(t, c)
	require.Len(t, chunks, 1)
	require.Equal(t, data, chunks[0])
}
