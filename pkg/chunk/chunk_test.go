package chunk

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeal_RoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	testCases := []struct {
		name  string
		block []byte
	}{
		{"Empty", []byte{}},
		{"Single byte", []byte{0x7f}},
		{"Text", bytes.Repeat([]byte("compressible text "), 500)},
		{"All zeros", make([]byte, 64*1024)},
		{"High entropy", randomBytes(rng, 64*1024)},
		{"Block minus one", randomBytes(rng, MinBlockSize-1)},
		{"Exact block", bytes.Repeat([]byte{0xAB}, MinBlockSize)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := Seal(7, tc.block)

			assert.Equal(t, uint32(7), c.Index)
			assert.Equal(t, uint32(len(tc.block)), c.OriginalLen)
			assert.Equal(t, uint32(len(c.Payload)), c.StoredLen)
			assert.Equal(t, Sum(tc.block), c.Hash, "hash must cover the original bytes")

			restored, err := Restore(c.Descriptor, c.Payload)
			require.NoError(t, err)
			assert.Equal(t, tc.block, append([]byte{}, restored...))
		})
	}
}

func TestSeal_NeverExpands(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	// Incompressible data must fall back to raw storage.
	block := randomBytes(rng, 128*1024)
	c := Seal(0, block)

	assert.False(t, c.Compressed, "random data should be stored raw")
	assert.LessOrEqual(t, int(c.StoredLen), len(block), "stored payload must not exceed the original")
}

func TestSeal_CompressesZeros(t *testing.T) {
	block := make([]byte, 256*1024)
	c := Seal(0, block)

	assert.True(t, c.Compressed)
	assert.Less(t, int(c.StoredLen), len(block))
}

func TestRestore_DetectsCorruption(t *testing.T) {
	block := bytes.Repeat([]byte("payload "), 1024)
	c := Seal(3, block)

	// Flip a payload byte: either decompression or the hash check must
	// reject it, never silently return wrong bytes.
	c.Payload[len(c.Payload)/2] ^= 0xFF
	_, err := Restore(c.Descriptor, c.Payload)
	require.Error(t, err)
}

func TestRestore_HashMismatch(t *testing.T) {
	block := []byte("some stable content")
	c := Seal(9, block)
	c.Hash[0] ^= 0x01

	_, err := Restore(c.Descriptor, c.Payload)
	require.Error(t, err)

	var integrityErr *IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	assert.Equal(t, uint32(9), integrityErr.Index)
}

func TestRestore_LengthMismatch(t *testing.T) {
	c := Seal(0, []byte("abcdef"))
	_, err := Restore(c.Descriptor, c.Payload[:len(c.Payload)-1])
	assert.Error(t, err)
}

func TestHash_TextRoundTrip(t *testing.T) {
	h := Sum([]byte("hello"))

	text, err := h.MarshalText()
	require.NoError(t, err)
	assert.Len(t, text, HashSize*2)

	var parsed Hash
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, h, parsed)

	assert.Error(t, parsed.UnmarshalText([]byte("abcd")))
}

func TestCountChunks(t *testing.T) {
	testCases := []struct {
		name      string
		totalSize int64
		blockSize int32
		want      uint32
	}{
		{"Empty file", 0, DefaultBlockSize, 0},
		{"One byte", 1, DefaultBlockSize, 1},
		{"Exact block", DefaultBlockSize, DefaultBlockSize, 1},
		{"Block plus one", DefaultBlockSize + 1, DefaultBlockSize, 2},
		{"Ten MiB in four MiB blocks", 10 * 1024 * 1024, 4 * 1024 * 1024, 3},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CountChunks(tc.totalSize, tc.blockSize))
		})
	}
}

func TestManifest_ExpectedLen(t *testing.T) {
	m := Manifest{TotalSize: 10 * 1024 * 1024, BlockSize: 4 * 1024 * 1024, ChunkCount: 3}

	assert.Equal(t, uint32(4*1024*1024), m.ExpectedLen(0))
	assert.Equal(t, uint32(4*1024*1024), m.ExpectedLen(1))
	assert.Equal(t, uint32(2*1024*1024), m.ExpectedLen(2))
}

func TestManifest_Validate(t *testing.T) {
	valid := Manifest{TotalSize: 100, BlockSize: MinBlockSize, ChunkCount: 1}
	assert.NoError(t, valid.Validate())

	badCount := valid
	badCount.ChunkCount = 2
	assert.Error(t, badCount.Validate())

	badBlock := valid
	badBlock.BlockSize = 1
	assert.Error(t, badBlock.Validate())
}

func randomBytes(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	rng.Read(b)
	return b
}
