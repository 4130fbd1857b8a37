package peer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/brutella/dnssd"
)

// ServiceType is the mDNS service flit instances announce and browse.
const ServiceType = "_flit._tcp."

// ServiceDomain is the mDNS domain for local-network presence.
const ServiceDomain = "local."

// ServiceInfo describes one discovered flit instance.
type ServiceInfo struct {
	Name string
	Addr net.IP
	Port int
}

// HostPort returns the dialable address of the instance.
func (s ServiceInfo) HostPort() string {
	return net.JoinHostPort(s.Addr.String(), fmt.Sprintf("%d", s.Port))
}

// DiscoveryResult carries either a snapshot of known instances or a
// browse error.
type DiscoveryResult struct {
	Services []ServiceInfo
	Error    error
}

// Announce publishes this instance on the local network until the
// context ends. Cancellation is the normal way to stop announcing and
// is not reported as an error.
func Announce(ctx context.Context, name string, port int) error {
	cfg := dnssd.Config{
		Name:   name,
		Type:   ServiceType,
		Domain: ServiceDomain,
		Text:   map[string]string{"proto": "flit/1"},
		Port:   port,
	}

	service, err := dnssd.NewService(cfg)
	if err != nil {
		return fmt.Errorf("create mDNS service: %w", err)
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		return fmt.Errorf("create mDNS responder: %w", err)
	}
	if _, err := rp.Add(service); err != nil {
		return fmt.Errorf("add mDNS service: %w", err)
	}

	if err := rp.Respond(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("announce mDNS service: %w", err)
	}
	return nil
}

// Discover browses for flit instances until the context ends. Each
// arrival or departure pushes a fresh snapshot; the channel closes when
// browsing stops.
func Discover(ctx context.Context) <-chan DiscoveryResult {
	var (
		mu      sync.Mutex
		entries = make(map[string]ServiceInfo)
		outCh   = make(chan DiscoveryResult, 10)
	)

	sendSnapshot := func() {
		mu.Lock()
		snapshot := make([]ServiceInfo, 0, len(entries))
		for _, e := range entries {
			snapshot = append(snapshot, e)
		}
		mu.Unlock()
		select {
		case outCh <- DiscoveryResult{Services: snapshot}:
		default:
		}
	}

	addFn := func(e dnssd.BrowseEntry) {
		if len(e.IPs) == 0 {
			return
		}
		mu.Lock()
		entries[e.Name] = ServiceInfo{Name: e.Name, Addr: e.IPs[0], Port: e.Port}
		mu.Unlock()
		sendSnapshot()
	}
	rmvFn := func(e dnssd.BrowseEntry) {
		mu.Lock()
		delete(entries, e.Name)
		mu.Unlock()
		sendSnapshot()
	}

	go func() {
		defer close(outCh)
		if err := dnssd.LookupType(ctx, ServiceType+ServiceDomain, addFn, rmvFn); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case outCh <- DiscoveryResult{Error: fmt.Errorf("mDNS lookup: %w", err)}:
			default:
			}
		}
	}()

	return outCh
}
