// Package locator defines the shareable address of a transfer: either
// a direct peer ("flit://host:port/file-id") or an HTTP download URL
// pointing at fallback storage.
package locator

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme is the URL scheme for direct peer locators.
const Scheme = "flit"

// Kind distinguishes the two transfer paths a locator can point at.
type Kind int

const (
	// KindPeer locators dial the sender directly.
	KindPeer Kind = iota
	// KindHTTP locators download a bundle from fallback storage.
	KindHTTP
)

// ErrInvalid marks strings that are not usable locators.
var ErrInvalid = errors.New("invalid locator")

// Locator is a parsed transfer address.
type Locator struct {
	Kind Kind
	// Addr is the peer's "host:port" for KindPeer.
	Addr string
	// FileID identifies the offered file for KindPeer.
	FileID string
	// URL is the full download URL for KindHTTP.
	URL string
}

// IsHTTP reports whether the locator points at fallback storage.
func (l *Locator) IsHTTP() bool {
	return l.Kind == KindHTTP
}

func (l *Locator) String() string {
	if l.Kind == KindHTTP {
		return l.URL
	}
	return Peer(l.Addr, l.FileID)
}

// Peer builds the shareable direct locator for a file offered at addr.
func Peer(addr, fileID string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, addr, fileID)
}

// Parse interprets a locator string. Peer locators must carry a host,
// port, and file id; http and https URLs pass through as fallback
// locators.
func Parse(s string) (*Locator, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch u.Scheme {
	case Scheme:
		host, port := u.Hostname(), u.Port()
		if host == "" || port == "" {
			return nil, fmt.Errorf("%w: %q needs host:port", ErrInvalid, s)
		}
		fileID := strings.Trim(u.Path, "/")
		if fileID == "" || strings.Contains(fileID, "/") {
			return nil, fmt.Errorf("%w: %q needs a single file id in the path", ErrInvalid, s)
		}
		return &Locator{
			Kind:   KindPeer,
			Addr:   net.JoinHostPort(host, port),
			FileID: fileID,
		}, nil
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: %q has no host", ErrInvalid, s)
		}
		return &Locator{Kind: KindHTTP, URL: u.String()}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalid, u.Scheme)
	}
}
