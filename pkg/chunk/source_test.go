package chunk

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainSource collects every chunk from a source, failing on pipeline errors.
func drainSource(t *testing.T, s *Source) []*Chunk {
	t.Helper()

	var chunks []*Chunk
	for res := range s.Chunks() {
		require.NoError(t, res.Err)
		chunks = append(chunks, res.Chunk)
	}
	return chunks
}

func TestSource_OrderedOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	content := randomBytes(rng, 1<<20) // 1 MiB, 16 KiB blocks, 64 chunks

	src := NewSource(bytes.NewReader(content), SourceConfig{BlockSize: 16 * 1024, Workers: 8})
	chunks := drainSource(t, src)

	require.Len(t, chunks, 64)
	var reconstructed []byte
	for i, c := range chunks {
		assert.Equal(t, uint32(i), c.Index, "chunks must arrive in index order")
		block, err := Restore(c.Descriptor, c.Payload)
		require.NoError(t, err)
		reconstructed = append(reconstructed, block...)
	}
	assert.Equal(t, content, reconstructed)
}

func TestSource_ShortFinalChunk(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 10*1024)

	src := NewSource(bytes.NewReader(content), SourceConfig{BlockSize: 4 * 1024, Workers: 2})
	chunks := drainSource(t, src)

	require.Len(t, chunks, 3)
	assert.Equal(t, uint32(4*1024), chunks[0].OriginalLen)
	assert.Equal(t, uint32(4*1024), chunks[1].OriginalLen)
	assert.Equal(t, uint32(2*1024), chunks[2].OriginalLen)

	var total int64
	for _, c := range chunks {
		total += int64(c.OriginalLen)
	}
	assert.Equal(t, int64(len(content)), total, "chunk original lengths must sum to the input size")
}

func TestSource_EmptyInput(t *testing.T) {
	src := NewSource(bytes.NewReader(nil), SourceConfig{BlockSize: 4 * 1024})

	chunks := drainSource(t, src)
	assert.Empty(t, chunks, "an empty input yields zero chunks")
}

func TestSource_ExactBlockBoundary(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 8*1024)

	src := NewSource(bytes.NewReader(content), SourceConfig{BlockSize: 4 * 1024})
	chunks := drainSource(t, src)

	require.Len(t, chunks, 2)
	assert.Equal(t, uint32(4*1024), chunks[1].OriginalLen)
}

type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSource_ReadErrorAbortsPipeline(t *testing.T) {
	readErr := errors.New("disk on fire")
	reader := &failingReader{data: bytes.Repeat([]byte("a"), 8*1024), err: readErr}

	src := NewSource(reader, SourceConfig{BlockSize: 4 * 1024, Workers: 2})

	var sawErr error
	var chunks int
	for res := range src.Chunks() {
		if res.Err != nil {
			sawErr = res.Err
			continue
		}
		chunks++
	}

	require.Error(t, sawErr)
	assert.ErrorIs(t, sawErr, readErr)
	assert.LessOrEqual(t, chunks, 2, "no chunks may follow the failed read")
}

func TestSource_CloseStopsDelivery(t *testing.T) {
	content := make([]byte, 1<<20)
	src := NewSource(bytes.NewReader(content), SourceConfig{BlockSize: 4 * 1024, Workers: 2})

	// Take one chunk, then abandon the pipeline.
	res, ok := <-src.Chunks()
	require.True(t, ok)
	require.NoError(t, res.Err)
	src.Close()

	// The channel must close without requiring the consumer to drain
	// the remaining ~255 chunks.
	for range src.Chunks() {
	}
}

func TestSource_SinglePass(t *testing.T) {
	content := []byte("only once")
	reader := io.LimitReader(bytes.NewReader(content), int64(len(content)))

	src := NewSource(reader, SourceConfig{BlockSize: 4 * 1024})
	first := drainSource(t, src)
	require.Len(t, first, 1)

	// Draining again yields nothing: the channel stays closed.
	_, ok := <-src.Chunks()
	assert.False(t, ok)
}
