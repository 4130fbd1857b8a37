package bundle

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitlink/flit/pkg/chunk"
)

func buildTransfer(t *testing.T, content []byte, blockSize int32) (*chunk.Manifest, []*chunk.Chunk) {
	t.Helper()

	m := &chunk.Manifest{
		FileID:      "id-42",
		FileName:    "archive.tar",
		TotalSize:   int64(len(content)),
		BlockSize:   blockSize,
		ChunkCount:  chunk.CountChunks(int64(len(content)), blockSize),
		ContentType: "application/x-tar",
	}

	var chunks []*chunk.Chunk
	src := chunk.NewSource(bytes.NewReader(content), chunk.SourceConfig{BlockSize: blockSize, Workers: 2})
	for res := range src.Chunks() {
		require.NoError(t, res.Err)
		chunks = append(chunks, res.Chunk)
	}
	return m, chunks
}

func TestBundle_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(21))
	content := make([]byte, 50*1024)
	rng.Read(content)

	m, chunks := buildTransfer(t, content, 16*1024)

	blob, err := Encode(m, chunks)
	require.NoError(t, err)

	decodedM, decodedChunks, err := Decode(blob)
	require.NoError(t, err)

	assert.Equal(t, m.FileID, decodedM.FileID)
	assert.Equal(t, m.FileName, decodedM.FileName)
	assert.Equal(t, m.ContentType, decodedM.ContentType)
	assert.Equal(t, m.TotalSize, decodedM.TotalSize)
	assert.Equal(t, m.BlockSize, decodedM.BlockSize)
	require.Len(t, decodedChunks, len(chunks))
	require.Len(t, decodedM.Chunks, len(chunks))

	// Every payload must still verify against its descriptor.
	var reassembled []byte
	for i, c := range decodedChunks {
		assert.Equal(t, chunks[i].Descriptor, c.Descriptor)
		block, err := chunk.Restore(c.Descriptor, c.Payload)
		require.NoError(t, err)
		reassembled = append(reassembled, block...)
	}
	assert.Equal(t, content, reassembled)
}

func TestBundle_EmptyFile(t *testing.T) {
	m, chunks := buildTransfer(t, nil, 4*1024)

	blob, err := Encode(m, chunks)
	require.NoError(t, err)

	decodedM, decodedChunks, err := Decode(blob)
	require.NoError(t, err)
	assert.Empty(t, decodedChunks)
	assert.Zero(t, decodedM.TotalSize)
}

func TestBundle_ChunkCountMismatch(t *testing.T) {
	m, chunks := buildTransfer(t, bytes.Repeat([]byte{1}, 10*1024), 4*1024)

	_, err := Encode(m, chunks[:2])
	assert.Error(t, err)
}

func TestBundle_OutOfOrderChunks(t *testing.T) {
	m, chunks := buildTransfer(t, bytes.Repeat([]byte{2}, 10*1024), 4*1024)
	chunks[0], chunks[1] = chunks[1], chunks[0]

	_, err := Encode(m, chunks)
	assert.Error(t, err)
}

func TestBundle_BadMagic(t *testing.T) {
	m, chunks := buildTransfer(t, []byte("data"), 4*1024)
	blob, err := Encode(m, chunks)
	require.NoError(t, err)

	blob[0] = 'X'
	_, _, err = Decode(blob)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestBundle_Truncated(t *testing.T) {
	m, chunks := buildTransfer(t, bytes.Repeat([]byte("abc"), 4096), 4*1024)
	blob, err := Encode(m, chunks)
	require.NoError(t, err)

	for _, cut := range []int{3, 10, len(blob) / 2, len(blob) - 1} {
		_, _, err := Decode(blob[:cut])
		assert.ErrorIs(t, err, ErrFormat, "cut at %d must be detected", cut)
	}
}

func TestBundle_TrailingGarbage(t *testing.T) {
	m, chunks := buildTransfer(t, []byte("data"), 4*1024)
	blob, err := Encode(m, chunks)
	require.NoError(t, err)

	_, _, err = Decode(append(blob, 0xDE, 0xAD))
	assert.ErrorIs(t, err, ErrFormat)
}
