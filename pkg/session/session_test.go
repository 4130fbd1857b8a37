package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flitlink/flit/pkg/chunk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps retry machinery real but quick enough for tests.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Window = 2
	cfg.MaxAttempts = 3
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.RetryInitialDelay = 5 * time.Millisecond
	cfg.RetryMaxDelay = 50 * time.Millisecond
	return cfg
}

func dialTo(conn net.Conn) DialFunc {
	return func(context.Context) (io.ReadWriteCloser, error) {
		return conn, nil
	}
}

func makeManifest(name string, content []byte, blockSize int32) *chunk.Manifest {
	return &chunk.Manifest{
		FileID:     "test-id",
		FileName:   name,
		TotalSize:  int64(len(content)),
		BlockSize:  blockSize,
		ChunkCount: chunk.CountChunks(int64(len(content)), blockSize),
	}
}

func newSource(content []byte, blockSize int32) *chunk.Source {
	return chunk.NewSource(bytes.NewReader(content), chunk.SourceConfig{BlockSize: blockSize, Workers: 2})
}

func TestSession_EndToEnd(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	content := make([]byte, 256*1024)
	rng.Read(content)
	blockSize := int32(32 * 1024)

	client, server := net.Pipe()
	outDir := t.TempDir()

	var recvPath string
	var recvErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recvPath, _, recvErr = Receive(context.Background(), server, outDir, testLogger())
	}()

	sender, err := NewSender(fastConfig(), testLogger())
	require.NoError(t, err)

	m := makeManifest("blob.bin", content, blockSize)
	report := sender.Run(context.Background(), dialTo(client), m, newSource(content, blockSize))
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 8, report.Acked)
	assert.Zero(t, report.Resends)

	written, err := os.ReadFile(recvPath)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestSession_EmptyFile(t *testing.T) {
	client, server := net.Pipe()
	outDir := t.TempDir()

	var recvPath string
	var recvErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		recvPath, _, recvErr = Receive(context.Background(), server, outDir, testLogger())
	}()

	sender, err := NewSender(fastConfig(), testLogger())
	require.NoError(t, err)

	m := makeManifest("empty.txt", nil, 4*1024)
	report := sender.Run(context.Background(), dialTo(client), m, newSource(nil, 4*1024))
	wg.Wait()

	require.NoError(t, recvErr)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Zero(t, report.Acked)

	info, err := os.Stat(recvPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

// TestSession_NackTriggersResend runs a scripted peer that rejects one
// chunk on first sight: a 10 MiB file in 4 MiB blocks splits into
// chunks of 4, 4, and 2 MiB, and chunk 1 gets nacked once. The sender
// must resend exactly that chunk, once, and the file must still come
// out whole.
func TestSession_NackTriggersResend(t *testing.T) {
	content := bytes.Repeat([]byte("resend me "), 1024*1024) // 10 MiB
	blockSize := int32(4 * 1024 * 1024)

	client, server := net.Pipe()
	outPath := filepath.Join(t.TempDir(), "out.bin")

	var peerErr error
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		peerErr = runNackingPeer(server, outPath, map[uint32]int{1: 1})
	}()

	sender, err := NewSender(fastConfig(), testLogger())
	require.NoError(t, err)

	m := makeManifest("out.bin", content, blockSize)
	report := sender.Run(context.Background(), dialTo(client), m, newSource(content, blockSize))
	wg.Wait()

	require.NoError(t, peerErr)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 3, report.Acked)
	assert.Equal(t, 1, report.Resends, "a single nack costs a single resend")

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

// runNackingPeer behaves like a receiver but rejects listed indices the
// given number of times before accepting them.
func runNackingPeer(conn net.Conn, outPath string, nacks map[uint32]int) error {
	defer conn.Close()

	f, err := ReadFrame(conn)
	if err != nil {
		return err
	}
	sink, err := chunk.NewSink(outPath, *f.Manifest)
	if err != nil {
		return err
	}
	count := f.Manifest.ChunkCount

	for uint32(sink.AcceptedCount()) < count {
		f, err := ReadFrame(conn)
		if err != nil {
			return err
		}
		c := f.Chunk
		if nacks[c.Index] > 0 {
			nacks[c.Index]--
			if err := WriteAck(conn, c.Index, false); err != nil {
				return err
			}
			continue
		}
		ok, err := sink.Apply(c.Descriptor, c.Payload)
		if err != nil {
			return err
		}
		if err := WriteAck(conn, c.Index, ok); err != nil {
			return err
		}
	}
	return sink.Complete()
}

func TestSession_DialFailureFallsBack(t *testing.T) {
	sender, err := NewSender(fastConfig(), testLogger())
	require.NoError(t, err)

	dialErr := errors.New("connection refused")
	dial := func(context.Context) (io.ReadWriteCloser, error) { return nil, dialErr }

	content := []byte("never sent")
	m := makeManifest("x.bin", content, 4*1024)
	report := sender.Run(context.Background(), dial, m, newSource(content, 4*1024))

	assert.Equal(t, OutcomeFallback, report.Outcome)
	assert.ErrorIs(t, report.Err, dialErr)
	assert.Zero(t, report.Acked)
}

// TestSession_SilentPeerFallsBack sends to a peer that accepts the
// connection but never acks. Every chunk exhausts its retry budget, no
// ack ever lands, so the whole transfer is fallback-eligible and the
// pulled chunks come back for bundling.
func TestSession_SilentPeerFallsBack(t *testing.T) {
	content := bytes.Repeat([]byte{0xAA}, 12*1024)
	blockSize := int32(4 * 1024)

	client, server := net.Pipe()
	go func() {
		// Swallow frames forever; acks never come.
		for {
			if _, err := ReadFrame(server); err != nil {
				return
			}
		}
	}()
	defer server.Close()

	cfg := fastConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2
	sender, err := NewSender(cfg, testLogger())
	require.NoError(t, err)

	m := makeManifest("silent.bin", content, blockSize)
	report := sender.Run(context.Background(), dialTo(client), m, newSource(content, blockSize))

	assert.Equal(t, OutcomeFallback, report.Outcome)
	require.Error(t, report.Err)
	assert.Zero(t, report.Acked)

	require.NotEmpty(t, report.Pulled, "pulled chunks must survive for the fallback bundle")
	for i, c := range report.Pulled {
		assert.Equal(t, uint32(i), c.Index, "pulled chunks stay in index order")
	}
}

// TestSession_PartialProgressFails acks some chunks and then kills the
// connection. With acks on record the transfer must fail outright
// rather than fall back.
func TestSession_PartialProgressFails(t *testing.T) {
	content := bytes.Repeat([]byte{0x55}, 16*1024)
	blockSize := int32(4 * 1024)

	client, server := net.Pipe()
	go func() {
		if _, err := ReadFrame(server); err != nil { // offer
			return
		}
		for i := 0; i < 2; i++ {
			f, err := ReadFrame(server)
			if err != nil {
				return
			}
			if err := WriteAck(server, f.Chunk.Index, true); err != nil {
				return
			}
		}
		server.Close()
	}()

	sender, err := NewSender(fastConfig(), testLogger())
	require.NoError(t, err)

	m := makeManifest("partial.bin", content, blockSize)
	report := sender.Run(context.Background(), dialTo(client), m, newSource(content, blockSize))

	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 2, report.Acked)
	require.Error(t, report.Err)
	assert.Nil(t, report.Pulled, "failed transfers must not offer chunks for fallback")
}

func TestSession_CancelStopsTransfer(t *testing.T) {
	content := bytes.Repeat([]byte{0x01}, 8*1024)
	client, server := net.Pipe()
	go func() {
		for {
			if _, err := ReadFrame(server); err != nil {
				return
			}
		}
	}()
	defer server.Close()

	cfg := fastConfig()
	cfg.AckTimeout = 10 * time.Second
	sender, err := NewSender(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	m := makeManifest("cancel.bin", content, 4*1024)
	report := sender.Run(ctx, dialTo(client), m, newSource(content, 4*1024))

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.ErrorIs(t, report.Err, context.Canceled)
}

func TestSession_CancelUnblocksReceiver(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	// No offer ever arrives; cancellation must free the blocked read.
	_, _, err := Receive(ctx, server, t.TempDir(), testLogger())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfig_RetryDelayNeverDecreases(t *testing.T) {
	cfg := DefaultConfig()

	prevMax := time.Duration(0)
	for attempt := 1; attempt <= 8; attempt++ {
		var min, max time.Duration
		for i := 0; i < 50; i++ {
			d := cfg.retryDelay(attempt)
			if min == 0 || d < min {
				min = d
			}
			if d > max {
				max = d
			}
		}
		assert.GreaterOrEqual(t, min, prevMax, "attempt %d may not back off less than attempt %d", attempt, attempt-1)
		assert.LessOrEqual(t, max, cfg.RetryMaxDelay)
		prevMax = max
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Window = 0
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.BackoffFactor = 0.5
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.JitterFraction = 2
	assert.Error(t, bad.Validate())
}
