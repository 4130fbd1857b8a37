// Package peer provides the transport to other flit instances: TCP
// dialing and listening, plus mDNS presence on the local network.
package peer

import (
	"context"
	"fmt"
	"io"
	"net"
)

// Stream is one bidirectional session transport.
type Stream = io.ReadWriteCloser

// Connector opens streams to remote peers.
type Connector interface {
	Connect(ctx context.Context, addr string) (Stream, error)
}

// TCPConnector dials peers over plain TCP.
type TCPConnector struct {
	dialer net.Dialer
}

// NewTCPConnector returns a connector with default dialer settings.
// Deadlines come from the caller's context.
func NewTCPConnector() *TCPConnector {
	return &TCPConnector{}
}

// Connect dials addr, a "host:port" pair.
func (c *TCPConnector) Connect(ctx context.Context, addr string) (Stream, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// Listener accepts inbound peer streams.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP listener on the given port. Port zero picks a free
// one; Addr reports the bound address either way.
func Listen(port int) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return &Listener{ln: ln}, nil
}

// Accept waits for the next inbound stream. Context cancellation closes
// the listener and returns the context's error.
func (l *Listener) Accept(ctx context.Context) (Stream, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.ln.Close()
		case <-done:
		}
	}()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("accept: %w", err)
	}
	return conn, nil
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	return l.ln.Addr().(*net.TCPAddr).Port
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting.
func (l *Listener) Close() error {
	return l.ln.Close()
}
