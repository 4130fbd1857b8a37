// Package ledger tracks per-chunk delivery state for a single transfer
// session. It is the one structure shared between the send path and the
// retry-timer path, so every mutation happens under its lock and
// terminal transitions land at most once.
package ledger

import (
	"sync"
	"time"
)

// State is the delivery state of one chunk.
type State int

const (
	// StateNotSent means the chunk is known but has no frame in flight.
	StateNotSent State = iota
	// StateSent means a frame is in flight, awaiting its ack.
	StateSent
	// StateAcked is terminal: the receiver verified and stored the chunk.
	StateAcked
	// StateFailed means the last attempt timed out or was rejected and a
	// resend is due.
	StateFailed
	// StateAbandoned is terminal: the retry budget was exhausted.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNotSent:
		return "not_sent"
	case StateSent:
		return "sent"
	case StateAcked:
		return "acked"
	case StateFailed:
		return "failed"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateAbandoned
}

type entry struct {
	state    State
	attempts int
	lastSend time.Time
}

// Ledger is the per-chunk delivery state table.
type Ledger struct {
	mu        sync.Mutex
	entries   map[uint32]*entry
	acked     int
	abandoned int
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{entries: make(map[uint32]*entry)}
}

// Track registers a chunk index as NotSent. Re-tracking an existing
// index is a no-op.
func (l *Ledger) Track(index uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries[index]; !ok {
		l.entries[index] = &entry{state: StateNotSent}
	}
}

// MarkSent records a send attempt and returns the attempt count so far.
// Sends against a terminal chunk are ignored and return 0.
func (l *Ledger) MarkSent(index uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	if !ok || e.state.Terminal() {
		return 0
	}
	e.state = StateSent
	e.attempts++
	e.lastSend = time.Now()
	return e.attempts
}

// MarkAcked transitions a chunk to Acked. It returns true only for the
// first ack of that index; duplicate acks never double-transition.
func (l *Ledger) MarkAcked(index uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	if !ok || e.state.Terminal() {
		return false
	}
	e.state = StateAcked
	l.acked++
	return true
}

// MarkFailed transitions a Sent chunk to Failed, making it eligible
// for a resend. It returns false for any other state, so duplicate
// failure signals for the same attempt collapse to one.
func (l *Ledger) MarkFailed(index uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	if !ok || e.state != StateSent {
		return false
	}
	e.state = StateFailed
	return true
}

// MarkAbandoned transitions a chunk to Abandoned. Like MarkAcked it
// fires at most once per index.
func (l *Ledger) MarkAbandoned(index uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	if !ok || e.state.Terminal() {
		return false
	}
	e.state = StateAbandoned
	l.abandoned++
	return true
}

// State returns the current state of a chunk.
func (l *Ledger) State(index uint32) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[index]
	if !ok {
		return StateNotSent, false
	}
	return e.state, true
}

// Attempts returns how many sends a chunk has had.
func (l *Ledger) Attempts(index uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[index]; ok {
		return e.attempts
	}
	return 0
}

// LastSend returns the time of the most recent send attempt.
func (l *Ledger) LastSend(index uint32) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[index]; ok {
		return e.lastSend
	}
	return time.Time{}
}

// AckedCount returns the number of chunks in the Acked state.
func (l *Ledger) AckedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acked
}

// AbandonedCount returns the number of chunks in the Abandoned state.
func (l *Ledger) AbandonedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abandoned
}

// Tracked returns the number of registered chunks.
func (l *Ledger) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
