// Package session implements the peer-to-peer transfer protocol: the
// wire frame codec, the sending state machine with its retry window,
// and the receiving loop that feeds a chunk sink.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"

	"github.com/flitlink/flit/pkg/chunk"
	"github.com/flitlink/flit/pkg/ledger"
)

// Config tunes a sending session.
type Config struct {
	// Window is the maximum number of chunks awaiting an ack at once.
	Window int
	// MaxAttempts bounds sends per chunk before it is abandoned.
	MaxAttempts int
	// AckTimeout is how long a sent chunk may wait for its ack.
	AckTimeout time.Duration
	// ConnectTimeout bounds the dial to the peer.
	ConnectTimeout time.Duration
	// SessionTimeout bounds the whole session. Zero disables it.
	SessionTimeout time.Duration
	// RetryInitialDelay is the backoff before the first resend after an
	// ack timeout. Nack-triggered resends skip the backoff entirely.
	RetryInitialDelay time.Duration
	// RetryMaxDelay caps the exponential backoff.
	RetryMaxDelay time.Duration
	// BackoffFactor multiplies the delay per failed attempt.
	BackoffFactor float64
	// JitterFraction adds up to this fraction of random extra delay.
	JitterFraction float64
}

// DefaultConfig returns the session tuning used when the configuration
// file does not override it.
func DefaultConfig() Config {
	return Config{
		Window:            8,
		MaxAttempts:       5,
		AckTimeout:        10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		SessionTimeout:    10 * time.Minute,
		RetryInitialDelay: 500 * time.Millisecond,
		RetryMaxDelay:     30 * time.Second,
		BackoffFactor:     2.0,
		JitterFraction:    0.25,
	}
}

// Validate rejects configurations the state machine cannot run with.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %d", c.Window)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("ack timeout must be positive, got %v", c.AckTimeout)
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff factor must be at least 1, got %v", c.BackoffFactor)
	}
	if c.JitterFraction < 0 || c.JitterFraction > 1 {
		return fmt.Errorf("jitter fraction must be in [0, 1], got %v", c.JitterFraction)
	}
	return nil
}

// retryDelay returns the backoff before resend number attempt. The
// jitter is only added below the cap, so delays never decrease as
// attempts grow.
func (c Config) retryDelay(attempt int) time.Duration {
	d := float64(c.RetryInitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.BackoffFactor
		if d >= float64(c.RetryMaxDelay) {
			return c.RetryMaxDelay
		}
	}
	if c.JitterFraction > 0 {
		d += rand.Float64() * c.JitterFraction * d
	}
	if d > float64(c.RetryMaxDelay) {
		return c.RetryMaxDelay
	}
	return time.Duration(d)
}

// Outcome classifies how a sending session ended.
type Outcome int

const (
	// OutcomeCompleted means every chunk was acked.
	OutcomeCompleted Outcome = iota
	// OutcomeFallback means the direct path failed before any chunk was
	// acked, so the whole file may go through fallback storage instead.
	OutcomeFallback
	// OutcomeFailed means the session died after partial progress, or
	// the local source failed. Fallback is not allowed.
	OutcomeFailed
	// OutcomeCancelled means the caller's context ended the session.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFallback:
		return "fallback"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Report summarizes a finished sending session.
type Report struct {
	Outcome Outcome
	// Acked is how many chunks the peer verified.
	Acked int
	// Resends counts transmissions beyond each chunk's first.
	Resends int
	// Pulled holds the chunks drawn from the source so far, in index
	// order. It is only populated on OutcomeFallback, where the caller
	// needs them to build the fallback bundle.
	Pulled []*chunk.Chunk
	// Err is the terminal error for every outcome except Completed.
	Err error
}

// DialFunc opens a stream to the receiving peer.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// ErrSessionTimeout ends sessions that outlive Config.SessionTimeout.
var ErrSessionTimeout = errors.New("session timed out")

// Sender runs direct peer-to-peer transfers.
type Sender struct {
	cfg Config
	log *slog.Logger
}

// NewSender returns a sender with the given tuning.
func NewSender(cfg Config, log *slog.Logger) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{cfg: cfg, log: log}, nil
}

// Run executes one transfer: dial, offer, then stream chunks from src
// under the retry window until all are acked or the session dies. The
// source is consumed single-pass; on fallback the already-pulled chunks
// come back in the report.
func (s *Sender) Run(ctx context.Context, dial DialFunc, m *chunk.Manifest, src *chunk.Source) Report {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	stream, err := dial(dialCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return Report{Outcome: OutcomeCancelled, Err: ctx.Err()}
		}
		s.log.Info("peer unreachable, eligible for fallback", "error", err)
		return Report{Outcome: OutcomeFallback, Err: fmt.Errorf("connect to peer: %w", err)}
	}

	run := &senderRun{
		cfg:       s.cfg,
		log:       s.log.With("file_id", m.FileID),
		stream:    stream,
		ledger:    ledger.New(),
		pending:   make(map[uint32]*chunk.Chunk),
		ackTimers: make(map[uint32]*time.Timer),
		ackCh:     make(chan Ack, s.cfg.Window),
		timeoutCh: make(chan uint32, s.cfg.Window),
		resendCh:  make(chan uint32, s.cfg.Window),
		readErrCh: make(chan error, 1),
		loopDone:  make(chan struct{}),
	}
	return run.execute(ctx, m, src)
}

type senderRun struct {
	cfg    Config
	log    *slog.Logger
	stream io.ReadWriteCloser
	ledger *ledger.Ledger

	// pending holds payloads of chunks not yet acked, keyed by index,
	// so resends never re-read the source.
	pending   map[uint32]*chunk.Chunk
	ackTimers map[uint32]*time.Timer

	ackCh     chan Ack
	timeoutCh chan uint32
	resendCh  chan uint32
	readErrCh chan error
	loopDone  chan struct{}

	inflight int
	resends  int
	// fallbackBuf retains every pulled chunk until the first ack proves
	// the direct path works; after that, fallback is off the table and
	// the buffer is released.
	fallbackBuf []*chunk.Chunk
}

func (r *senderRun) execute(ctx context.Context, m *chunk.Manifest, src *chunk.Source) Report {
	defer close(r.loopDone)
	defer r.stream.Close()
	defer func() {
		for _, t := range r.ackTimers {
			t.Stop()
		}
	}()

	if err := WriteOffer(r.stream, m); err != nil {
		return r.fatal(fmt.Errorf("send offer: %w", err))
	}

	go r.readAcks()

	var sessionTimer <-chan time.Time
	if r.cfg.SessionTimeout > 0 {
		t := time.NewTimer(r.cfg.SessionTimeout)
		defer t.Stop()
		sessionTimer = t.C
	}

	var ready []uint32 // indices due for resend right now
	srcDone := false

	for {
		for r.inflight < r.cfg.Window && len(ready) > 0 {
			idx := ready[0]
			ready = ready[1:]
			c, ok := r.pending[idx]
			if !ok {
				// A late ack retired the chunk while its resend was queued.
				continue
			}
			if err := r.transmit(c); err != nil {
				return r.fatal(err)
			}
		}

		if srcDone && r.inflight == 0 && len(ready) == 0 {
			r.log.Info("transfer complete", "acked", r.ledger.AckedCount(), "resends", r.resends)
			return Report{Outcome: OutcomeCompleted, Acked: r.ledger.AckedCount(), Resends: r.resends}
		}

		// Only pull new work when the window has room and nothing is
		// queued for resend.
		var srcCh <-chan chunk.Result
		if !srcDone && r.inflight < r.cfg.Window && len(ready) == 0 {
			srcCh = src.Chunks()
		}

		select {
		case <-ctx.Done():
			r.log.Info("transfer cancelled", "acked", r.ledger.AckedCount())
			return Report{Outcome: OutcomeCancelled, Acked: r.ledger.AckedCount(), Resends: r.resends, Err: ctx.Err()}

		case <-sessionTimer:
			return r.fatal(ErrSessionTimeout)

		case res, ok := <-srcCh:
			if !ok {
				srcDone = true
				continue
			}
			if res.Err != nil {
				// A local read failure is never the network's fault, so
				// fallback cannot help; the transfer just fails.
				return Report{
					Outcome: OutcomeFailed,
					Acked:   r.ledger.AckedCount(),
					Resends: r.resends,
					Err:     res.Err,
				}
			}
			c := res.Chunk
			r.ledger.Track(c.Index)
			r.pending[c.Index] = c
			if r.fallbackEligible() {
				r.fallbackBuf = append(r.fallbackBuf, c)
			}
			if err := r.transmit(c); err != nil {
				return r.fatal(err)
			}

		case ack := <-r.ackCh:
			if ack.OK {
				if r.ledger.MarkAcked(ack.Index) {
					r.settle(ack.Index)
					delete(r.pending, ack.Index)
					r.fallbackBuf = nil
				}
				continue
			}
			// Nack: the receiver saw the payload and rejected it, so the
			// path is alive and the resend goes out immediately.
			if r.ledger.MarkFailed(ack.Index) {
				r.settle(ack.Index)
				r.log.Warn("chunk rejected by peer", "index", ack.Index, "attempts", r.ledger.Attempts(ack.Index))
				if next, err := r.nextAttempt(ack.Index); err != nil {
					return r.fatal(err)
				} else if next {
					ready = append(ready, ack.Index)
				}
			}

		case idx := <-r.timeoutCh:
			if r.ledger.MarkFailed(idx) {
				r.settle(idx)
				attempts := r.ledger.Attempts(idx)
				r.log.Warn("ack timed out", "index", idx, "attempts", attempts)
				if next, err := r.nextAttempt(idx); err != nil {
					return r.fatal(err)
				} else if next {
					r.scheduleResend(idx, r.cfg.retryDelay(attempts))
				}
			}

		case idx := <-r.resendCh:
			ready = append(ready, idx)

		case err := <-r.readErrCh:
			return r.fatal(fmt.Errorf("connection lost: %w", err))
		}
	}
}

// transmit writes one chunk frame and arms its ack timer.
func (r *senderRun) transmit(c *chunk.Chunk) error {
	attempts := r.ledger.MarkSent(c.Index)
	if attempts == 0 {
		return nil
	}
	if attempts > 1 {
		r.resends++
	}
	if err := WriteChunk(r.stream, c); err != nil {
		return fmt.Errorf("send chunk %d: %w", c.Index, err)
	}
	r.inflight++

	idx := c.Index
	r.ackTimers[idx] = time.AfterFunc(r.cfg.AckTimeout, func() {
		select {
		case r.timeoutCh <- idx:
		case <-r.loopDone:
		}
	})
	return nil
}

// settle retires the in-flight slot and ack timer for an index. A
// chunk is in flight exactly while its ack timer exists, so a second
// settle for the same index is a no-op.
func (r *senderRun) settle(idx uint32) {
	if t, ok := r.ackTimers[idx]; ok {
		t.Stop()
		delete(r.ackTimers, idx)
		r.inflight--
	}
}

// nextAttempt decides whether a failed chunk gets another send. It
// returns an error when the retry budget is exhausted, which ends the
// session.
func (r *senderRun) nextAttempt(idx uint32) (bool, error) {
	if r.ledger.Attempts(idx) >= r.cfg.MaxAttempts {
		r.ledger.MarkAbandoned(idx)
		return false, fmt.Errorf("chunk %d abandoned after %d attempts", idx, r.cfg.MaxAttempts)
	}
	return true, nil
}

func (r *senderRun) scheduleResend(idx uint32, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case r.resendCh <- idx:
		case <-r.loopDone:
		}
	})
}

func (r *senderRun) fallbackEligible() bool {
	return r.ledger.AckedCount() == 0
}

// fatal ends the session on an unrecoverable error. With zero acks the
// direct path never worked and fallback may take over; with partial
// progress the transfer simply fails.
func (r *senderRun) fatal(err error) Report {
	if r.fallbackEligible() {
		r.log.Info("session failed before first ack, eligible for fallback", "error", err)
		return Report{Outcome: OutcomeFallback, Resends: r.resends, Pulled: r.fallbackBuf, Err: err}
	}
	r.log.Error("session failed after partial progress", "acked", r.ledger.AckedCount(), "error", err)
	return Report{Outcome: OutcomeFailed, Acked: r.ledger.AckedCount(), Resends: r.resends, Err: err}
}

// readAcks pumps ack frames from the stream into the event loop. Any
// read error, including the deliberate close at session end, lands in
// readErrCh; by then the loop is gone and nobody listens.
func (r *senderRun) readAcks() {
	for {
		f, err := ReadFrame(r.stream)
		if err != nil {
			select {
			case r.readErrCh <- err:
			case <-r.loopDone:
			}
			return
		}
		if f.Type != frameAck || f.Ack == nil {
			select {
			case r.readErrCh <- fmt.Errorf("%w: expected ack frame, got 0x%02x", ErrProtocol, f.Type):
			case <-r.loopDone:
			}
			return
		}
		select {
		case r.ackCh <- *f.Ack:
		case <-r.loopDone:
			return
		}
	}
}
