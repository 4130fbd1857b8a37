// Package agent wires the transfer pipeline together: chunking a file,
// driving the direct session, and switching to fallback storage when
// the peer was never reached.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/flitlink/flit/internal/config"
	"github.com/flitlink/flit/pkg/chunk"
	"github.com/flitlink/flit/pkg/fallback"
	"github.com/flitlink/flit/pkg/locator"
	"github.com/flitlink/flit/pkg/peer"
	"github.com/flitlink/flit/pkg/session"
	"github.com/flitlink/flit/pkg/storage"
)

// ErrTransferFailed means a direct session died after partial progress,
// where fallback is off the table.
var ErrTransferFailed = errors.New("transfer failed")

// Agent runs transfers according to one loaded configuration.
type Agent struct {
	cfg       config.Config
	connector peer.Connector
	sender    *session.Sender
	store     *storage.Client
	coord     *fallback.Coordinator
	log       *slog.Logger
}

// New builds an agent from the configuration.
func New(cfg config.Config, log *slog.Logger) (*Agent, error) {
	if log == nil {
		log = slog.Default()
	}
	sender, err := session.NewSender(cfg.Session(), log)
	if err != nil {
		return nil, err
	}
	store := storage.NewClient(cfg.Fallback.Endpoint,
		time.Duration(cfg.Fallback.RequestTimeoutMS)*time.Millisecond, log)
	return &Agent{
		cfg:       cfg,
		connector: peer.NewTCPConnector(),
		sender:    sender,
		store:     store,
		coord:     fallback.NewCoordinator(store, log),
		log:       log,
	}, nil
}

// SendResult describes a finished send.
type SendResult struct {
	// Outcome is Completed for direct delivery, Fallback for storage
	// delivery.
	Outcome session.Outcome
	// Locator is the shareable address: the peer locator for direct
	// sends, the download URL for fallback sends.
	Locator string
	Acked   int
	Resends int
	// Expiry is when fallback storage may drop the blob. Zero for
	// direct sends.
	Expiry time.Time
}

// Send transfers the file at path to the peer at addr ("host:port").
// When the peer never acknowledges anything the file goes to fallback
// storage instead and the result carries its download locator. With
// forceFallback the direct attempt is skipped entirely.
func (a *Agent) Send(ctx context.Context, path, addr string, forceFallback bool) (*SendResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	m, err := a.describe(f, path)
	if err != nil {
		return nil, err
	}
	a.log.Info("sending", "file", m.FileName, "size", m.TotalSize, "chunks", m.ChunkCount, "peer", addr)

	src := chunk.NewSource(f, a.cfg.Source())
	defer src.Close()

	if forceFallback {
		return a.deliverFallback(ctx, m, src, nil)
	}

	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		return a.connector.Connect(ctx, addr)
	}
	report := a.sender.Run(ctx, dial, m, src)

	switch report.Outcome {
	case session.OutcomeCompleted:
		return &SendResult{
			Outcome: report.Outcome,
			Locator: locator.Peer(addr, m.FileID),
			Acked:   report.Acked,
			Resends: report.Resends,
		}, nil
	case session.OutcomeFallback:
		a.log.Warn("direct transfer failed before first ack, using fallback storage", "error", report.Err)
		return a.deliverFallback(ctx, m, src, report.Pulled)
	case session.OutcomeCancelled:
		return nil, report.Err
	default:
		return nil, fmt.Errorf("%w after %d acked chunks: %v", ErrTransferFailed, report.Acked, report.Err)
	}
}

// deliverFallback drains whatever the session did not pull and ships
// the whole file as one bundle.
func (a *Agent) deliverFallback(ctx context.Context, m *chunk.Manifest, src *chunk.Source, pulled []*chunk.Chunk) (*SendResult, error) {
	chunks := pulled
	for res := range src.Chunks() {
		if res.Err != nil {
			return nil, res.Err
		}
		chunks = append(chunks, res.Chunk)
	}

	receipt, err := a.coord.Deliver(ctx, m, chunks)
	if err != nil {
		return nil, err
	}
	return &SendResult{
		Outcome: session.OutcomeFallback,
		Locator: receipt.Locator,
		Expiry:  receipt.Expiry,
	}, nil
}

// describe builds the transfer manifest for an open file.
func (a *Agent) describe(f *os.File, path string) (*chunk.Manifest, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectReader(f); err == nil {
		contentType = mt.String()
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind %s: %w", path, err)
	}

	blockSize := a.cfg.Compression.BlockSize
	return &chunk.Manifest{
		FileID:      uuid.NewString(),
		FileName:    filepath.Base(path),
		TotalSize:   info.Size(),
		BlockSize:   blockSize,
		ChunkCount:  chunk.CountChunks(info.Size(), blockSize),
		ContentType: contentType,
	}, nil
}

// ReceiveResult describes a finished receive.
type ReceiveResult struct {
	Path     string
	Manifest *chunk.Manifest
}

// Listener is a live receive endpoint bound to a TCP port.
type Listener struct {
	agent *Agent
	name  string
	ln    *peer.Listener
}

// NewListener binds the configured port (zero picks a free one) so the
// address is known before any transfer starts.
func (a *Agent) NewListener(name string) (*Listener, error) {
	ln, err := peer.Listen(a.cfg.P2P.Port)
	if err != nil {
		return nil, err
	}
	return &Listener{agent: a, name: name, ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.ln.Port()
}

// Close stops accepting transfers.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// ReceiveOne announces presence over mDNS, waits for one inbound
// session, and stores the file in the configured output directory.
func (l *Listener) ReceiveOne(ctx context.Context) (*ReceiveResult, error) {
	a := l.agent

	announceCtx, stopAnnounce := context.WithCancel(ctx)
	defer stopAnnounce()
	go func() {
		if err := peer.Announce(announceCtx, l.name, l.ln.Port()); err != nil {
			a.log.Warn("mDNS announce failed", "error", err)
		}
	}()

	a.log.Info("listening for transfers", "name", l.name, "addr", l.ln.Addr())
	stream, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	path, m, err := session.Receive(ctx, stream, a.cfg.Receive.OutputDir, a.log)
	if err != nil {
		return nil, err
	}
	return &ReceiveResult{Path: path, Manifest: m}, nil
}

// Fetch downloads a transfer by locator. Only fallback (http/https)
// locators can be fetched; direct transfers are received by listening.
func (a *Agent) Fetch(ctx context.Context, loc string) (string, error) {
	l, err := locator.Parse(loc)
	if err != nil {
		return "", err
	}
	if !l.IsHTTP() {
		return "", fmt.Errorf("%q is a direct locator; run the receiver in listen mode instead", loc)
	}
	return a.coord.Fetch(ctx, l.URL, a.cfg.Receive.OutputDir)
}

// DiscoverPeer resolves a peer name on the local network to a dialable
// address, waiting until the deadline for it to appear.
func (a *Agent) DiscoverPeer(ctx context.Context, name string) (string, error) {
	for result := range peer.Discover(ctx) {
		if result.Error != nil {
			return "", result.Error
		}
		for _, svc := range result.Services {
			if svc.Name == name {
				return svc.HostPort(), nil
			}
		}
	}
	return "", fmt.Errorf("peer %q not found: %w", name, ctx.Err())
}

// CleanupStorage asks the fallback store to drop expired blobs.
func (a *Agent) CleanupStorage(ctx context.Context, maxAge time.Duration) (int, error) {
	return a.store.Cleanup(ctx, maxAge)
}

// StorageStats reports the fallback store's contents.
func (a *Agent) StorageStats(ctx context.Context) (*storage.StatsResponse, error) {
	return a.store.Stats(ctx)
}
