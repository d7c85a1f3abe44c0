// SPDX-License-Identifier: GPL-3.0-or-later

package natcore

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLocalEndpointString(t *testing.T) {
	e := LocalEndpoint{Protocol: ProtocolTCP, IP: netip.MustParseAddr("0.0.0.0"), Port: 8080}
	assert.Equal(t, "tcp://0.0.0.0:8080", e.String())
}

func TestLocalEndpointUsesUPnP(t *testing.T) {
	cases := []struct {
		mode          UPnPMode
		globalDefault bool
		want          bool
	}{
		{UPnPInherit, true, true},
		{UPnPInherit, false, false},
		{UPnPForceOn, false, true},
		{UPnPForceOff, true, false},
	}
	for _, c := range cases {
		e := LocalEndpoint{UPnP: c.mode}
		assert.Equal(t, c.want, e.UsesUPnP(c.globalDefault))
	}
}

func TestPublicEndpointEqual(t *testing.T) {
	a := &PublicEndpoint{IP: netip.MustParseAddr("203.0.113.7"), Port: 6001}
	b := &PublicEndpoint{IP: netip.MustParseAddr("203.0.113.7"), Port: 6001}
	c := &PublicEndpoint{IP: netip.MustParseAddr("203.0.113.7"), Port: 6002}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(nil))
	assert.True(t, (*PublicEndpoint)(nil).Equal(nil))
}

func TestReconciledStateReconciles(t *testing.T) {
	ep := &PublicEndpoint{IP: netip.MustParseAddr("203.0.113.7"), Port: 6001}
	s := &ReconciledState{Endpoint: ep, RenderedValue: "203.0.113.7"}

	assert.True(t, s.Reconciles(ep, "203.0.113.7"))
	assert.False(t, s.Reconciles(ep, "different"))

	other := &PublicEndpoint{IP: netip.MustParseAddr("203.0.113.8"), Port: 6001}
	assert.False(t, s.Reconciles(other, "203.0.113.7"))
}
