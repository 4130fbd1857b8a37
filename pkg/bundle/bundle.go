// Package bundle encodes a whole transfer as a single self-describing
// blob for fallback storage: one header, the chunk table, then every
// stored payload back to back. Chunks keep their compressed form and
// content hashes, so the downloader verifies exactly like a live peer.
package bundle

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/flitlink/flit/pkg/chunk"
)

// magic identifies version 1 of the bundle layout.
var magic = [4]byte{'F', 'L', 'B', '1'}

// maxStringLen bounds the variable-length header strings.
const maxStringLen = 4096

// ErrFormat marks blobs that are not valid bundles.
var ErrFormat = errors.New("invalid bundle")

// Encode serializes a manifest and its full chunk sequence. The chunks
// must be complete and in index order.
func Encode(m *chunk.Manifest, chunks []*chunk.Chunk) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("bundle manifest: %w", err)
	}
	if uint32(len(chunks)) != m.ChunkCount {
		return nil, fmt.Errorf("bundle has %d chunks, manifest declares %d", len(chunks), m.ChunkCount)
	}

	size := 4 + // magic
		2 + len(m.FileName) +
		2 + len(m.ContentType) +
		2 + len(m.FileID) +
		8 + 4 + 4 // total size, block size, chunk count
	for _, c := range chunks {
		size += 4 + 4 + 1 + chunk.HashSize + len(c.Payload)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, magic[:]...)
	var err error
	if buf, err = appendString(buf, m.FileName); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, m.ContentType); err != nil {
		return nil, err
	}
	if buf, err = appendString(buf, m.FileID); err != nil {
		return nil, err
	}
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.TotalSize))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(m.BlockSize))
	buf = binary.LittleEndian.AppendUint32(buf, m.ChunkCount)

	for i, c := range chunks {
		if c.Index != uint32(i) {
			return nil, fmt.Errorf("chunk %d is out of order (index %d)", i, c.Index)
		}
		if uint32(len(c.Payload)) != c.StoredLen {
			return nil, fmt.Errorf("chunk %d payload is %d bytes, descriptor declares %d", i, len(c.Payload), c.StoredLen)
		}
		buf = binary.LittleEndian.AppendUint32(buf, c.OriginalLen)
		buf = binary.LittleEndian.AppendUint32(buf, c.StoredLen)
		if c.Compressed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = append(buf, c.Hash[:]...)
	}
	for _, c := range chunks {
		buf = append(buf, c.Payload...)
	}
	return buf, nil
}

// Decode parses a bundle back into its manifest and chunk sequence. The
// returned manifest carries the full descriptor table.
func Decode(data []byte) (*chunk.Manifest, []*chunk.Chunk, error) {
	r := &reader{data: data}

	var head [4]byte
	if err := r.read(head[:]); err != nil {
		return nil, nil, err
	}
	if head != magic {
		return nil, nil, fmt.Errorf("%w: bad magic %q", ErrFormat, head[:])
	}

	m := &chunk.Manifest{}
	var err error
	if m.FileName, err = r.readString(); err != nil {
		return nil, nil, err
	}
	if m.ContentType, err = r.readString(); err != nil {
		return nil, nil, err
	}
	if m.FileID, err = r.readString(); err != nil {
		return nil, nil, err
	}
	totalSize, err := r.uint64()
	if err != nil {
		return nil, nil, err
	}
	m.TotalSize = int64(totalSize)
	blockSize, err := r.uint32()
	if err != nil {
		return nil, nil, err
	}
	m.BlockSize = int32(blockSize)
	if m.ChunkCount, err = r.uint32(); err != nil {
		return nil, nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	chunks := make([]*chunk.Chunk, m.ChunkCount)
	m.Chunks = make([]chunk.Descriptor, m.ChunkCount)
	for i := range chunks {
		d := chunk.Descriptor{Index: uint32(i)}
		if d.OriginalLen, err = r.uint32(); err != nil {
			return nil, nil, err
		}
		if d.StoredLen, err = r.uint32(); err != nil {
			return nil, nil, err
		}
		flag, err := r.byte()
		if err != nil {
			return nil, nil, err
		}
		d.Compressed = flag == 1
		if err := r.read(d.Hash[:]); err != nil {
			return nil, nil, err
		}
		if d.OriginalLen != m.ExpectedLen(d.Index) {
			return nil, nil, fmt.Errorf("%w: chunk %d declares %d original bytes, expected %d",
				ErrFormat, i, d.OriginalLen, m.ExpectedLen(d.Index))
		}
		if d.StoredLen > d.OriginalLen {
			return nil, nil, fmt.Errorf("%w: chunk %d stored length %d exceeds original %d",
				ErrFormat, i, d.StoredLen, d.OriginalLen)
		}
		m.Chunks[i] = d
		chunks[i] = &chunk.Chunk{Descriptor: d}
	}
	for _, c := range chunks {
		c.Payload = make([]byte, c.StoredLen)
		if err := r.read(c.Payload); err != nil {
			return nil, nil, err
		}
	}
	if r.remaining() != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, r.remaining())
	}
	return m, chunks, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > maxStringLen {
		return nil, fmt.Errorf("header string is %d bytes, limit %d", len(s), maxStringLen)
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// reader walks the bundle bytes, turning every short read into a
// truncation error.
type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) read(dst []byte) error {
	if r.remaining() < len(dst) {
		return fmt.Errorf("%w: truncated at offset %d: %v", ErrFormat, r.off, io.ErrUnexpectedEOF)
	}
	copy(dst, r.data[r.off:])
	r.off += len(dst)
	return nil
}

func (r *reader) byte() (byte, error) {
	var b [1]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint32() (uint32, error) {
	var b [4]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *reader) uint64() (uint64, error) {
	var b [8]byte
	if err := r.read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *reader) readString() (string, error) {
	var b [2]byte
	if err := r.read(b[:]); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(b[:]))
	if n > maxStringLen {
		return "", fmt.Errorf("%w: header string declares %d bytes, limit %d", ErrFormat, n, maxStringLen)
	}
	s := make([]byte, n)
	if err := r.read(s); err != nil {
		return "", err
	}
	return string(s), nil
}
