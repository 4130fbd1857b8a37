package chunk

import (
	"fmt"
	"io"
	"runtime"
	"sync"
)

// SourceConfig controls the chunking pipeline.
type SourceConfig struct {
	// BlockSize is the size of each uncompressed block.
	BlockSize int32
	// Workers bounds the compression/hashing pool. Zero means one worker
	// per available CPU.
	Workers int
}

// Result is one pipeline output: either a finished chunk or the error
// that aborted the pipeline. After an error result the channel closes
// and no further chunks follow.
type Result struct {
	Chunk *Chunk
	Err   error
}

// Source splits a byte stream into blocks and turns each into a
// compressed, hashed chunk. It is single-pass: once drained it cannot
// be restarted. Blocks are sealed by a bounded worker pool and released
// to the consumer strictly in index order, even though workers may
// finish out of order.
type Source struct {
	results   chan Result
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSource starts the pipeline over r and returns immediately. The
// caller must drain Chunks or call Close to release the workers.
func NewSource(r io.Reader, cfg SourceConfig) *Source {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}

	s := &Source{
		results: make(chan Result, cfg.Workers),
		closed:  make(chan struct{}),
	}
	go s.run(r, cfg)
	return s
}

// Chunks returns the ordered pipeline output. The channel closes after
// the final chunk, or after a single error result.
func (s *Source) Chunks() <-chan Result {
	return s.results
}

// Close abandons the pipeline. Pending workers finish their current
// block and exit; no further results are delivered.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

type block struct {
	index uint32
	data  []byte
}

func (s *Source) run(r io.Reader, cfg SourceConfig) {
	defer close(s.results)

	jobs := make(chan block, cfg.Workers)
	sealed := make(chan *Chunk, cfg.Workers)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for b := range jobs {
				sealed <- Seal(b.index, b.data)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(sealed)
	}()

	readErr := make(chan error, 1)
	go func() {
		defer close(jobs)
		var index uint32
		for {
			buf := make([]byte, cfg.BlockSize)
			n, err := io.ReadFull(r, buf)
			if n > 0 {
				select {
				case jobs <- block{index: index, data: buf[:n]}:
					index++
				case <-s.closed:
					return
				}
			}
			switch err {
			case nil:
			case io.EOF, io.ErrUnexpectedEOF:
				return
			default:
				readErr <- err
				return
			}
		}
	}()

	// Reordering buffer: workers complete out of order, the consumer
	// sees index order.
	pending := make(map[uint32]*Chunk)
	var next uint32
	emitting := true
	for c := range sealed {
		if !emitting {
			continue
		}
		pending[c.Index] = c
		for {
			ready, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			select {
			case s.results <- Result{Chunk: ready}:
				next++
			case <-s.closed:
				emitting = false
			}
			if !emitting {
				break
			}
		}
	}

	select {
	case err := <-readErr:
		if emitting {
			select {
			case s.results <- Result{Err: fmt.Errorf("read source: %w", err)}:
			case <-s.closed:
			}
		}
	default:
	}
}
