package chunk

import (
	"encoding/hex"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"lukechampine.com/blake3"
)

// Block size bounds. The default matches the 4 MiB blocks the wire and
// bundle formats were tuned for; the bounds keep frame headers honest.
const (
	DefaultBlockSize = 4 * 1024 * 1024
	MinBlockSize     = 4 * 1024
	MaxBlockSize     = 64 * 1024 * 1024
)

// HashSize is the length of a BLAKE3 content hash in bytes.
const HashSize = 32

// Hash is a BLAKE3 digest of a chunk's original, uncompressed bytes.
type Hash [HashSize]byte

// Sum computes the content hash of a block.
func Sum(block []byte) Hash {
	return Hash(blake3.Sum256(block))
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText encodes the hash as lowercase hex for JSON manifests.
func (h Hash) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(len(h)))
	hex.Encode(dst, h[:])
	return dst, nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != HashSize {
		return fmt.Errorf("hash must be %d hex-encoded bytes", HashSize)
	}
	_, err := hex.Decode(h[:], text)
	return err
}

// Descriptor describes one chunk of a file. The hash always covers the
// original bytes, so verification does not depend on the stored form.
type Descriptor struct {
	Index       uint32 `json:"index"`
	OriginalLen uint32 `json:"original_len"`
	StoredLen   uint32 `json:"stored_len"`
	Hash        Hash   `json:"hash"`
	Compressed  bool   `json:"compressed"`
}

// Chunk pairs a descriptor with its stored payload.
type Chunk struct {
	Descriptor
	Payload []byte
}

// Manifest describes a whole file as an ordered, gap-free chunk sequence.
// It is created once per send and never mutated afterwards.
type Manifest struct {
	FileID      string       `json:"file_id"`
	FileName    string       `json:"file_name"`
	TotalSize   int64        `json:"total_size"`
	BlockSize   int32        `json:"block_size"`
	ChunkCount  uint32       `json:"chunk_count"`
	ContentType string       `json:"content_type,omitempty"`
	Chunks      []Descriptor `json:"chunks,omitempty"`
}

// CountChunks returns how many blocks a file of totalSize splits into.
// An empty file has zero chunks.
func CountChunks(totalSize int64, blockSize int32) uint32 {
	if totalSize <= 0 || blockSize <= 0 {
		return 0
	}
	return uint32((totalSize + int64(blockSize) - 1) / int64(blockSize))
}

// Offset returns the byte offset of a chunk within the reassembled file.
func (m *Manifest) Offset(index uint32) int64 {
	return int64(index) * int64(m.BlockSize)
}

// ExpectedLen returns the original length chunk index must have: a full
// block everywhere except the final, possibly short, chunk.
func (m *Manifest) ExpectedLen(index uint32) uint32 {
	remaining := m.TotalSize - m.Offset(index)
	if remaining > int64(m.BlockSize) {
		return uint32(m.BlockSize)
	}
	if remaining < 0 {
		return 0
	}
	return uint32(remaining)
}

// Validate checks the manifest header fields are internally consistent.
func (m *Manifest) Validate() error {
	if m.TotalSize < 0 {
		return fmt.Errorf("negative total size %d", m.TotalSize)
	}
	if m.BlockSize < MinBlockSize || m.BlockSize > MaxBlockSize {
		return fmt.Errorf("block size %d outside [%d, %d]", m.BlockSize, MinBlockSize, MaxBlockSize)
	}
	if want := CountChunks(m.TotalSize, m.BlockSize); m.ChunkCount != want {
		return fmt.Errorf("chunk count %d does not match size %d / block %d (want %d)",
			m.ChunkCount, m.TotalSize, m.BlockSize, want)
	}
	return nil
}

// IntegrityError reports a content hash mismatch for a single chunk.
type IntegrityError struct {
	Index    uint32
	Expected Hash
	Actual   Hash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("chunk %d: hash mismatch: expected %s, got %s", e.Index, e.Expected, e.Actual)
}

// Seal compresses and hashes one block, producing a finished chunk.
// Blocks that do not shrink under LZ4 are stored raw, so the stored
// payload is never larger than the original block.
func Seal(index uint32, block []byte) *Chunk {
	c := &Chunk{
		Descriptor: Descriptor{
			Index:       index,
			OriginalLen: uint32(len(block)),
			Hash:        Sum(block),
		},
	}

	var compressor lz4.Compressor
	dst := make([]byte, lz4.CompressBlockBound(len(block)))
	n, err := compressor.CompressBlock(block, dst)
	if err == nil && n > 0 && n < len(block) {
		c.Payload = dst[:n]
		c.StoredLen = uint32(n)
		c.Compressed = true
		return c
	}

	raw := make([]byte, len(block))
	copy(raw, block)
	c.Payload = raw
	c.StoredLen = uint32(len(raw))
	return c
}

// Restore decompresses (if needed) and verifies a stored payload against
// its descriptor, returning the original block bytes.
func Restore(d Descriptor, payload []byte) ([]byte, error) {
	if uint32(len(payload)) != d.StoredLen {
		return nil, fmt.Errorf("chunk %d: payload is %d bytes, descriptor declares %d", d.Index, len(payload), d.StoredLen)
	}

	block := payload
	if d.Compressed {
		dst := make([]byte, d.OriginalLen)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: decompress: %w", d.Index, err)
		}
		if uint32(n) != d.OriginalLen {
			return nil, fmt.Errorf("chunk %d: decompressed to %d bytes, expected %d", d.Index, n, d.OriginalLen)
		}
		block = dst[:n]
	} else if uint32(len(block)) != d.OriginalLen {
		return nil, fmt.Errorf("chunk %d: raw payload is %d bytes, expected %d", d.Index, len(block), d.OriginalLen)
	}

	if actual := Sum(block); actual != d.Hash {
		return nil, &IntegrityError{Index: d.Index, Expected: d.Hash, Actual: actual}
	}
	return block, nil
}
