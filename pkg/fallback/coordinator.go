// Package fallback moves whole transfers through HTTP storage when the
// direct peer-to-peer path never got off the ground.
package fallback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flitlink/flit/internal/fsutil"
	"github.com/flitlink/flit/pkg/bundle"
	"github.com/flitlink/flit/pkg/chunk"
	"github.com/flitlink/flit/pkg/storage"
)

// Store is the slice of the storage client the coordinator needs.
type Store interface {
	Upload(ctx context.Context, name string, data []byte) (*storage.Receipt, error)
	Download(ctx context.Context, locator string) ([]byte, error)
}

// Coordinator bundles chunk sequences for upload and unpacks downloaded
// bundles with the same verification the live protocol applies.
type Coordinator struct {
	store Store
	log   *slog.Logger
}

// NewCoordinator returns a coordinator over the given store.
func NewCoordinator(store Store, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: store, log: log}
}

// Deliver encodes the complete chunk sequence as one bundle and uploads
// it. The manifest's descriptor table is filled in from the chunks so
// the receipt describes a self-contained blob.
func (c *Coordinator) Deliver(ctx context.Context, m *chunk.Manifest, chunks []*chunk.Chunk) (*storage.Receipt, error) {
	if uint32(len(chunks)) != m.ChunkCount {
		return nil, fmt.Errorf("fallback needs all %d chunks, have %d", m.ChunkCount, len(chunks))
	}
	m.Chunks = make([]chunk.Descriptor, len(chunks))
	for i, ch := range chunks {
		m.Chunks[i] = ch.Descriptor
	}

	blob, err := bundle.Encode(m, chunks)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}

	receipt, err := c.store.Upload(ctx, m.FileName+".flb", blob)
	if err != nil {
		return nil, fmt.Errorf("upload bundle: %w", err)
	}
	c.log.Info("delivered via fallback storage",
		"file", m.FileName, "bundle_bytes", len(blob), "locator", receipt.Locator)
	return receipt, nil
}

// Fetch downloads a bundle, verifies every chunk, and reassembles the
// file under outputDir. A single bad chunk fails the whole fetch; the
// store holds one immutable blob, so a resend cannot fix anything.
func (c *Coordinator) Fetch(ctx context.Context, locator, outputDir string) (string, error) {
	blob, err := c.store.Download(ctx, locator)
	if err != nil {
		return "", fmt.Errorf("download bundle: %w", err)
	}

	m, chunks, err := bundle.Decode(blob)
	if err != nil {
		return "", err
	}

	outPath, err := fsutil.ResolveOutputPath(outputDir, m.FileName)
	if err != nil {
		return "", err
	}
	sink, err := chunk.NewSink(outPath, *m)
	if err != nil {
		return "", err
	}

	for _, ch := range chunks {
		ok, err := sink.Apply(ch.Descriptor, ch.Payload)
		if err != nil {
			sink.Abort()
			return "", fmt.Errorf("store chunk %d: %w", ch.Index, err)
		}
		if !ok {
			sink.Abort()
			return "", fmt.Errorf("bundle chunk %d failed verification", ch.Index)
		}
	}
	if err := sink.Complete(); err != nil {
		sink.Abort()
		return "", err
	}

	c.log.Info("fetched from fallback storage", "file", m.FileName, "path", outPath, "size", m.TotalSize)
	return outPath, nil
}
