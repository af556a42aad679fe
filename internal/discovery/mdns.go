// Package discovery advertises relays on the local network over mDNS and
// lets agents find one when no relay address is configured.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	DefaultService = "_collabtext._tcp"
	DefaultDomain  = "local."
)

// ErrNotFound is returned when browsing ends without finding a relay.
var ErrNotFound = errors.New("no relay found")

// Advertise registers a relay listening on port whose websocket endpoint
// is at path. The returned function withdraws the registration.
func Advertise(instance, service, domain string, port int, path string) (func(), error) {
	server, err := zeroconf.Register(
		instance,
		service,
		domain,
		port,
		[]string{"txtv=0", "path=" + path},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	return server.Shutdown, nil
}

// Browse looks for relays until one is found or ctx ends, and returns the
// first relay's websocket URL.
func Browse(ctx context.Context, service, domain string) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, service, domain, entries); err != nil {
		return "", fmt.Errorf("browsing for mDNS services: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if url := RelayURL(entry); url != "" {
				return url, nil
			}
		}
	}
}

// RelayURL builds the websocket URL advertised by entry, or "" if the
// entry carries no usable address.
func RelayURL(entry *zeroconf.ServiceEntry) string {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return ""
	}
	if entry.Port <= 0 {
		return ""
	}

	path := "/ws"
	for _, txt := range entry.Text {
		if p, ok := strings.CutPrefix(txt, "path="); ok && p != "" {
			path = p
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + path
}
