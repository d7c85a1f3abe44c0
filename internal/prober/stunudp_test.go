// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStunUDPProberStartAndProbe(t *testing.T) {
	var calls atomic.Int32
	results := []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.7:6001"),
		netip.MustParseAddrPort("203.0.113.7:6002"),
	}

	bind := func(ctx context.Context, conn net.PacketConn, server netip.AddrPort) (netip.AddrPort, error) {
		n := calls.Add(1)
		idx := n - 1
		if int(idx) >= len(results) {
			idx = int32(len(results) - 1)
		}
		return results[idx], nil
	}

	p := NewStunUDPProber(StunUDPConfig{
		LocalAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Servers:   []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2")},
		Interval:  10 * time.Millisecond,
		Bind:      bind,
	})
	defer p.Stop(context.Background())

	endpoint, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, results[0].Addr(), endpoint.IP)
	assert.Equal(t, results[0].Port(), endpoint.Port)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	endpoint, err = p.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, results[1].Addr(), endpoint.IP)
}

func TestStunUDPProberRoundRobinsOnFailure(t *testing.T) {
	var seenServers []netip.AddrPort
	mocked := errors.New("mocked timeout")

	bind := func(ctx context.Context, conn net.PacketConn, server netip.AddrPort) (netip.AddrPort, error) {
		seenServers = append(seenServers, server)
		if server == netip.MustParseAddrPort("127.0.0.1:1") {
			return netip.AddrPort{}, mocked
		}
		return netip.MustParseAddrPort("203.0.113.7:6001"), nil
	}

	p := NewStunUDPProber(StunUDPConfig{
		LocalAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Servers:   []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:1"), netip.MustParseAddrPort("127.0.0.1:2")},
		Interval:  10 * time.Millisecond,
		Bind:      bind,
	})
	defer p.Stop(context.Background())

	_, err := p.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:1"),
		netip.MustParseAddrPort("127.0.0.1:2"),
	}, seenServers)
}

func TestStunUDPProberAllServersFail(t *testing.T) {
	mocked := errors.New("mocked timeout")
	bind := func(ctx context.Context, conn net.PacketConn, server netip.AddrPort) (netip.AddrPort, error) {
		return netip.AddrPort{}, mocked
	}

	p := NewStunUDPProber(StunUDPConfig{
		LocalAddr: netip.MustParseAddrPort("127.0.0.1:0"),
		Servers:   []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:1")},
		Interval:  10 * time.Millisecond,
		Bind:      bind,
	})
	defer p.Stop(context.Background())

	_, err := p.Start(context.Background())
	assert.Error(t, err)
}
