package chunk

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// Sink reassembles verified chunks into the output file. Chunks may
// arrive in any order and any number of times; each index is written at
// most once, at its fixed byte offset.
type Sink struct {
	mu       sync.Mutex
	manifest Manifest
	file     *os.File
	path     string
	accepted map[uint32]bool
	closed   bool
}

// NewSink creates the output file and prepares reassembly state.
func NewSink(path string, m Manifest) (*Sink, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return &Sink{
		manifest: m,
		file:     file,
		path:     path,
		accepted: make(map[uint32]bool),
	}, nil
}

// Path returns the output file path.
func (s *Sink) Path() string {
	return s.path
}

// AcceptedCount returns how many distinct chunk indices have been
// verified and written.
func (s *Sink) AcceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accepted)
}

// Accepted reports whether a chunk index has already been written.
func (s *Sink) Accepted(index uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted[index]
}

// Apply verifies one stored payload and, on success, writes the block
// at its offset. It returns true when the chunk is (or already was)
// accepted, and false when verification failed and the sender should
// resend. A non-nil error means a local fault, not a bad payload.
func (s *Sink) Apply(d Descriptor, payload []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.New("sink is closed")
	}
	if d.Index >= s.manifest.ChunkCount {
		return false, fmt.Errorf("chunk index %d out of range (count %d)", d.Index, s.manifest.ChunkCount)
	}

	// Duplicate of an already accepted chunk: re-ack without rewriting.
	if s.accepted[d.Index] {
		return true, nil
	}

	if d.OriginalLen != s.manifest.ExpectedLen(d.Index) {
		return false, nil
	}
	block, err := Restore(d, payload)
	if err != nil {
		// Corrupt or mismatched payloads are the sender's problem; a
		// resend recovers them. The chunk stays pending.
		return false, nil
	}

	if _, err := s.file.WriteAt(block, s.manifest.Offset(d.Index)); err != nil {
		return false, fmt.Errorf("write chunk %d at offset %d: %w", d.Index, s.manifest.Offset(d.Index), err)
	}

	s.accepted[d.Index] = true
	return true, nil
}

// Complete checks every chunk arrived and the file has exactly the
// manifest's size, then closes the output file.
func (s *Sink) Complete() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("sink is closed")
	}
	if uint32(len(s.accepted)) != s.manifest.ChunkCount {
		return fmt.Errorf("incomplete file: %d of %d chunks accepted", len(s.accepted), s.manifest.ChunkCount)
	}

	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat output file: %w", err)
	}
	if info.Size() != s.manifest.TotalSize {
		return fmt.Errorf("output file is %d bytes, manifest declares %d", info.Size(), s.manifest.TotalSize)
	}

	s.closed = true
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	return nil
}

// Abort closes and removes the partially written output file.
func (s *Sink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		s.file.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove partial file: %w", err)
	}
	return nil
}
