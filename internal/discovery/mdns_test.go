package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func entry(port int, text ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry("relay-host", DefaultService, DefaultDomain)
	e.Port = port
	e.Text = text
	return e
}

func TestRelayURLPrefersIPv4(t *testing.T) {
	e := entry(8081, "txtv=0", "path=/sync")
	e.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	e.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	assert.Equal(t, "ws://192.168.1.20:8081/sync", RelayURL(e))
}

func TestRelayURLIPv6(t *testing.T) {
	e := entry(8081)
	e.AddrIPv6 = []net.IP{net.ParseIP("fd00::7")}
	assert.Equal(t, "ws://[fd00::7]:8081/ws", RelayURL(e))
}

func TestRelayURLHostNameFallback(t *testing.T) {
	e := entry(9000, "path=ws")
	e.HostName = "box.local."
	assert.Equal(t, "ws://box.local:9000/ws", RelayURL(e))
}

func TestRelayURLUnusable(t *testing.T) {
	assert.Equal(t, "", RelayURL(entry(8081)))

	e := entry(0)
	e.AddrIPv4 = []net.IP{net.ParseIP("10.0.0.1")}
	assert.Equal(t, "", RelayURL(e))
}
