package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/flitlink/flit/internal/fsutil"
	"github.com/flitlink/flit/pkg/chunk"
)

// Receive handles one inbound session on an accepted stream: read the
// offer, then verify and ack chunks until the file is whole. It returns
// the path of the finished file and the manifest it was built from.
// Context cancellation closes the stream to unblock reads and removes
// the partial file.
func Receive(ctx context.Context, stream io.ReadWriteCloser, outputDir string, log *slog.Logger) (string, *chunk.Manifest, error) {
	if log == nil {
		log = slog.Default()
	}

	// Watchdog: a blocked ReadFrame only wakes up when the stream dies,
	// so cancellation closes it out from under the loop.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-done:
		}
	}()
	defer stream.Close()

	f, err := ReadFrame(stream)
	if err != nil {
		return "", nil, fmt.Errorf("read offer: %w", wrapCancelled(ctx, err))
	}
	if f.Type != frameOffer || f.Manifest == nil {
		return "", nil, fmt.Errorf("%w: expected offer frame, got 0x%02x", ErrProtocol, f.Type)
	}
	m := f.Manifest

	outPath, err := fsutil.ResolveOutputPath(outputDir, m.FileName)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	log = log.With("file_id", m.FileID, "file", outPath)
	log.Info("incoming transfer", "size", m.TotalSize, "chunks", m.ChunkCount)

	sink, err := chunk.NewSink(outPath, *m)
	if err != nil {
		return "", nil, err
	}

	if m.ChunkCount == 0 {
		if err := sink.Complete(); err != nil {
			sink.Abort()
			return "", nil, err
		}
		log.Info("transfer complete", "accepted", 0)
		return outPath, m, nil
	}

	for {
		f, err := ReadFrame(stream)
		if err != nil {
			sink.Abort()
			return "", nil, fmt.Errorf("read chunk frame: %w", wrapCancelled(ctx, err))
		}
		if f.Type != frameChunk || f.Chunk == nil {
			sink.Abort()
			return "", nil, fmt.Errorf("%w: expected chunk frame, got 0x%02x", ErrProtocol, f.Type)
		}

		c := f.Chunk
		ok, err := sink.Apply(c.Descriptor, c.Payload)
		if err != nil {
			sink.Abort()
			return "", nil, fmt.Errorf("store chunk %d: %w", c.Index, err)
		}
		if !ok {
			log.Warn("chunk rejected, requesting resend", "index", c.Index)
		}
		if err := WriteAck(stream, c.Index, ok); err != nil {
			sink.Abort()
			return "", nil, wrapCancelled(ctx, err)
		}

		if uint32(sink.AcceptedCount()) == m.ChunkCount {
			if err := sink.Complete(); err != nil {
				sink.Abort()
				return "", nil, err
			}
			log.Info("transfer complete", "accepted", sink.AcceptedCount())
			return outPath, m, nil
		}
	}
}

// wrapCancelled maps stream errors caused by the cancellation watchdog
// back to the context's error.
func wrapCancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

