// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUPnPClient struct {
	externalIP      netip.Addr
	externalIPErr   error
	grantedPort     uint16
	addPortErr      error
	deletePortErr   error
	deleteCallCount int
	addCallCount    int
}

func (f *fakeUPnPClient) ExternalIP(ctx context.Context) (netip.Addr, error) {
	return f.externalIP, f.externalIPErr
}

func (f *fakeUPnPClient) AddPortMapping(ctx context.Context, protocol string, externalPort, internalPort uint16,
	internalClient netip.Addr, description string, lease uint32) (uint16, error) {
	f.addCallCount++
	if f.addPortErr != nil {
		return 0, f.addPortErr
	}
	if f.grantedPort != 0 {
		return f.grantedPort, nil
	}
	return externalPort, nil
}

func (f *fakeUPnPClient) DeletePortMapping(ctx context.Context, protocol string, externalPort uint16) error {
	f.deleteCallCount++
	return f.deletePortErr
}

func TestUPnPProberStart(t *testing.T) {
	client := &fakeUPnPClient{externalIP: netip.MustParseAddr("203.0.113.1")}
	p := NewUPnPProber(UPnPConfig{
		Client:       client,
		Protocol:     "TCP",
		ExternalPort: 8080,
		InternalPort: 8080,
		Lease:        time.Hour,
	})

	endpoint, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("203.0.113.1"), endpoint.IP)
	assert.Equal(t, uint16(8080), endpoint.Port)
}

func TestUPnPProberStartUsesConflictResolvedPort(t *testing.T) {
	client := &fakeUPnPClient{externalIP: netip.MustParseAddr("203.0.113.1"), grantedPort: 9090}
	p := NewUPnPProber(UPnPConfig{Client: client, Protocol: "TCP", ExternalPort: 8080, Lease: time.Hour})

	endpoint, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint16(9090), endpoint.Port)
}

func TestUPnPProberStartActionNotAuthorized(t *testing.T) {
	client := &fakeUPnPClient{externalIP: netip.MustParseAddr("203.0.113.1"), addPortErr: ErrActionNotAuthorized}
	p := NewUPnPProber(UPnPConfig{Client: client, Lease: time.Hour})

	_, err := p.Start(context.Background())
	assert.ErrorIs(t, err, ErrActionNotAuthorized)
}

func TestUPnPProberStopReleasesLease(t *testing.T) {
	client := &fakeUPnPClient{externalIP: netip.MustParseAddr("203.0.113.1")}
	p := NewUPnPProber(UPnPConfig{Client: client, Protocol: "TCP", ExternalPort: 8080, Lease: time.Hour})

	_, err := p.Start(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 1, client.deleteCallCount)
}

func TestUPnPProberStopWithoutStartIsNoop(t *testing.T) {
	client := &fakeUPnPClient{}
	p := NewUPnPProber(UPnPConfig{Client: client})
	require.NoError(t, p.Stop(context.Background()))
	assert.Equal(t, 0, client.deleteCallCount)
}

func TestUPnPProberProbeRenewsLease(t *testing.T) {
	client := &fakeUPnPClient{externalIP: netip.MustParseAddr("203.0.113.1")}
	p := NewUPnPProber(UPnPConfig{
		Client: client, Protocol: "TCP", ExternalPort: 8080, Lease: 20 * time.Millisecond,
	})
	_, err := p.Start(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	endpoint, err := p.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), endpoint.Port)
	assert.GreaterOrEqual(t, client.addCallCount, 2)
}
