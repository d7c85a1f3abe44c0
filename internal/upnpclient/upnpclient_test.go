// SPDX-License-Identifier: GPL-3.0-or-later

package upnpclient

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIGD struct {
	externalIP       string
	externalIPErr    error
	grantedPort      uint16
	addPortMappingErr error
	deletePortMappingErr error

	lastAddCall    []any
	lastDeleteCall []any
}

func (f *fakeIGD) GetExternalIPAddressCtx(ctx context.Context) (string, error) {
	return f.externalIP, f.externalIPErr
}

func (f *fakeIGD) AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16,
	protocol string, internalPort uint16, internalClient string, enabled bool,
	description string, lease uint32) error {
	f.lastAddCall = []any{remoteHost, externalPort, protocol, internalPort, internalClient, enabled, description, lease}
	if f.addPortMappingErr != nil {
		return f.addPortMappingErr
	}
	return nil
}

func (f *fakeIGD) DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16,
	protocol string) error {
	f.lastDeleteCall = []any{remoteHost, externalPort, protocol}
	return f.deletePortMappingErr
}

func TestClientExternalIP(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		c := &Client{igds: []igdClient{&fakeIGD{externalIP: "203.0.113.1"}}}
		addr, err := c.ExternalIP(context.Background())
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("203.0.113.1"), addr)
	})

	t.Run("falls through to second IGD on failure", func(t *testing.T) {
		c := &Client{igds: []igdClient{
			&fakeIGD{externalIPErr: errors.New("mocked")},
			&fakeIGD{externalIP: "203.0.113.2"},
		}}
		addr, err := c.ExternalIP(context.Background())
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("203.0.113.2"), addr)
	})

	t.Run("all IGDs fail", func(t *testing.T) {
		c := &Client{igds: []igdClient{&fakeIGD{externalIPErr: errors.New("mocked")}}}
		_, err := c.ExternalIP(context.Background())
		assert.Error(t, err)
	})

	t.Run("no IGD discovered", func(t *testing.T) {
		c := New()
		_, err := c.ExternalIP(context.Background())
		assert.Error(t, err)
	})
}

func TestClientAddPortMapping(t *testing.T) {
	igd := &fakeIGD{}
	c := &Client{igds: []igdClient{igd}}

	got, err := c.AddPortMapping(context.Background(), "TCP", 8080, 8080,
		netip.MustParseAddr("192.168.1.10"), "fcnatd", 3600)
	require.NoError(t, err)
	assert.Equal(t, uint16(8080), got)
	assert.Equal(t, []any{"", uint16(8080), "TCP", uint16(8080), "192.168.1.10", true, "fcnatd", uint32(3600)}, igd.lastAddCall)
}

func TestClientAddPortMappingFailure(t *testing.T) {
	igd := &fakeIGD{addPortMappingErr: errors.New("action not authorized")}
	c := &Client{igds: []igdClient{igd}}

	_, err := c.AddPortMapping(context.Background(), "TCP", 8080, 8080,
		netip.MustParseAddr("192.168.1.10"), "fcnatd", 3600)
	assert.ErrorContains(t, err, "action not authorized")
}

func TestClientDeletePortMapping(t *testing.T) {
	igd := &fakeIGD{}
	c := &Client{igds: []igdClient{igd}}

	err := c.DeletePortMapping(context.Background(), "TCP", 8080)
	require.NoError(t, err)
	assert.Equal(t, []any{"", uint16(8080), "TCP"}, igd.lastDeleteCall)
}
