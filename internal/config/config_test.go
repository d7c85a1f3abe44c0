// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullDocument = `{
  "map": {
    "tcp://192.168.1.10:8080": [
      {"name": "cfmain", "domain": "home.example.com", "type": "a"},
      {"name": "hook", "value": "{ip}:{port}"}
    ],
    "udp://0.0.0.0:27015": [
      {"name": "pod", "domain": "game.example.com", "type": "SRV",
       "value": "0 5 {port} game.example.com."}
    ]
  },
  "tcp": {
    "stun": ["198.51.100.1:3478", "198.51.100.2:3478"],
    "keepalive": "http://keepalive.example.com/ping",
    "interval": 40,
    "stun_interval": 120
  },
  "udp": {"stun": ["198.51.100.3:3478"], "interval": 25},
  "upnp": false,
  "cf": {"cfmain": {"token": "cf-token", "zone_id": "zone9"}},
  "dnspod": {"pod": {"id": "10001", "token": "tok", "domain": "example.com"}},
  "http": {"hook": {"url": "http://hook.example.com/update", "method": "POST"}}
}`

func TestParseFullDocument(t *testing.T) {
	cfg, err := Parse([]byte(fullDocument))
	require.NoError(t, err)

	require.Len(t, cfg.Mappings, 2)
	tcpMapping := cfg.Mappings[0]
	assert.Equal(t, "tcp://192.168.1.10:8080", tcpMapping.ID())
	assert.Equal(t, natcore.ProtocolTCP, tcpMapping.Local.Protocol)
	assert.Equal(t, netip.MustParseAddr("192.168.1.10"), tcpMapping.Local.IP)
	assert.Equal(t, uint16(8080), tcpMapping.Local.Port)
	require.Len(t, tcpMapping.Bindings, 2)
	assert.Equal(t, "A", tcpMapping.Bindings[0].RecordType) // canonicalized

	udpMapping := cfg.Mappings[1]
	assert.Equal(t, natcore.ProtocolUDP, udpMapping.Local.Protocol)
	assert.Equal(t, "SRV", udpMapping.Bindings[0].RecordType)

	assert.Equal(t, 40*time.Second, cfg.TCP.Interval)
	assert.Equal(t, 120*time.Second, cfg.TCP.StunInterval)
	assert.Equal(t, "http://keepalive.example.com/ping", cfg.TCP.KeepaliveURL)
	assert.Equal(t, 25*time.Second, cfg.UDP.Interval)
	assert.False(t, cfg.UPnP)

	require.Contains(t, cfg.Watchers, "cfmain")
	assert.Equal(t, natcore.WatcherCloudflare, cfg.Watchers["cfmain"].Kind)
	assert.Equal(t, "cf-token", cfg.Watchers["cfmain"].Cloudflare.APIToken)
	require.Contains(t, cfg.Watchers, "pod")
	assert.Equal(t, "example.com", cfg.Watchers["pod"].DNSPod.Domain)
	require.Contains(t, cfg.Watchers, "hook")
	assert.Equal(t, "POST", cfg.Watchers["hook"].HTTP.Method)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{
	  "map": {"tcp+upnp://192.168.1.10:8080": []}
	}`))
	require.NoError(t, err)
	assert.True(t, cfg.UPnP)
	assert.Equal(t, DefaultTCPKeepaliveInterval, cfg.TCP.Interval)
	assert.Equal(t, DefaultTCPStunInterval, cfg.TCP.StunInterval)
	assert.Equal(t, DefaultUDPStunInterval, cfg.UDP.Interval)
	assert.Equal(t, DefaultKeepaliveURL, cfg.TCP.KeepaliveURL)
	assert.Equal(t, natcore.UPnPForceOn, cfg.Mappings[0].Local.UPnP)
}

func TestParseUnknownWatcherReference(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {"tcp+upnp://192.168.1.10:8080": [{"name": "nope"}]}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown watcher "nope"`)
}

func TestParseDuplicateWatcherNameAcrossFamilies(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {"tcp+upnp://192.168.1.10:8080": []},
	  "http": {"w": {"url": "http://example.com"}},
	  "script": {"w": {"path": "/bin/true"}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `watcher name "w"`)
}

func TestParsePriorityRequired(t *testing.T) {
	for _, rtype := range []string{"MX", "SVCB", "HTTPS"} {
		_, err := Parse([]byte(`{
		  "map": {"tcp+upnp://192.168.1.10:8080": [
		    {"name": "cfmain", "domain": "home.example.com",
		     "type": "` + rtype + `", "value": "{ip}"}
		  ]},
		  "cf": {"cfmain": {"token": "t", "zone_id": "z"}}
		}`))
		require.Error(t, err, "type %s", rtype)
		assert.Contains(t, err.Error(), "requires priority")
	}
}

func TestParsePriorityAccepted(t *testing.T) {
	cfg, err := Parse([]byte(`{
	  "map": {"tcp+upnp://192.168.1.10:8080": [
	    {"name": "cfmain", "domain": "home.example.com",
	     "type": "HTTPS", "value": "1 . alpn=h2", "priority": 1}
	  ]},
	  "cf": {"cfmain": {"token": "t", "zone_id": "z"}}
	}`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Mappings[0].Bindings[0].Priority)
	assert.Equal(t, uint16(1), *cfg.Mappings[0].Bindings[0].Priority)
}

func TestParseUnknownRecordType(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {"tcp+upnp://192.168.1.10:8080": [
	    {"name": "cfmain", "domain": "home.example.com", "type": "BOGUS"}
	  ]},
	  "cf": {"cfmain": {"token": "t", "zone_id": "z"}}
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown record type "BOGUS"`)
}

func TestParseDuplicateUPnPExternalPort(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {
	    "tcp+upnp://192.168.1.10:8080": [],
	    "tcp+upnp://192.168.1.11:8080": []
	  }
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPnP external port 8080")
}

func TestParseSameUPnPPortDifferentProtocols(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {
	    "tcp+upnp://192.168.1.10:8080": [],
	    "udp+upnp://192.168.1.10:8080": []
	  }
	}`))
	assert.NoError(t, err)
}

func TestParseStunServersRequired(t *testing.T) {
	_, err := Parse([]byte(`{
	  "map": {"tcp://192.168.1.10:8080": []},
	  "upnp": false
	}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs tcp.stun servers")
}

func TestParseLocalEndpointErrors(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"ftp://192.168.1.10:8080", "unsupported scheme"},
		{"tcp://example.com:8080", "IPv4"},
		{"tcp://[2001:db8::1]:8080", "IPv4"},
		{"tcp://192.168.1.10", "port required"},
	}
	for _, tt := range tests {
		_, err := ParseLocalEndpoint(tt.raw)
		require.Error(t, err, "endpoint %q", tt.raw)
		assert.Contains(t, err.Error(), tt.want, "endpoint %q", tt.raw)
	}
}

func TestParseNoMappings(t *testing.T) {
	_, err := Parse([]byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no mappings")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(fullDocument), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Mappings, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
