// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// PacketBinder performs one STUN Binding Request/Response exchange over
// an already-bound packet socket against server. Satisfied by
// [stunclient.BindPacket]; abstracted so tests can substitute a fake.
type PacketBinder func(ctx context.Context, conn net.PacketConn, server netip.AddrPort) (netip.AddrPort, error)

// StunUDPConfig configures a [*StunUDPProber].
type StunUDPConfig struct {
	// LocalAddr is the address the UDP socket binds to. This socket IS
	// the NAT binding and must not be closed across probe cycles.
	LocalAddr netip.AddrPort

	// Servers is the round-robin list of STUN servers.
	Servers []netip.AddrPort

	// Interval is how often a Binding Request is sent. Default 20s.
	Interval time.Duration

	// Bind performs the STUN exchange. Required: no default is applied
	// here; the supervisor sets it to [stunclient.BindPacket].
	Bind PacketBinder
}

// StunUDPProber implements [Prober] by holding one UDP socket for the
// lifetime of the mapping and round-robining Binding Requests across the
// configured server list.
type StunUDPProber struct {
	cfg StunUDPConfig

	mu          sync.Mutex
	conn        net.PacketConn
	ticker      *time.Ticker
	serverIndex int
}

// NewStunUDPProber returns a [*StunUDPProber] ready for [Prober.Start].
func NewStunUDPProber(cfg StunUDPConfig) *StunUDPProber {
	return &StunUDPProber{cfg: cfg}
}

var _ Prober = &StunUDPProber{}

// Start implements [Prober].
func (p *StunUDPProber) Start(ctx context.Context) (*natcore.PublicEndpoint, error) {
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(p.cfg.LocalAddr))
	if err != nil {
		return nil, fmt.Errorf("prober: stunudp: listen: %w", err)
	}

	endpoint, err := p.bindRoundRobin(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	p.conn = conn
	p.ticker = time.NewTicker(p.cfg.Interval)
	p.mu.Unlock()

	return toPublicEndpoint(endpoint), nil
}

func (p *StunUDPProber) bindRoundRobin(ctx context.Context, conn net.PacketConn) (netip.AddrPort, error) {
	p.mu.Lock()
	start := p.serverIndex
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < len(p.cfg.Servers); i++ {
		idx := (start + i) % len(p.cfg.Servers)
		endpoint, err := p.cfg.Bind(ctx, conn, p.cfg.Servers[idx])
		if err != nil {
			lastErr = err
			continue
		}
		p.mu.Lock()
		p.serverIndex = (idx + 1) % len(p.cfg.Servers)
		p.mu.Unlock()
		return endpoint, nil
	}
	return netip.AddrPort{}, fmt.Errorf("prober: stunudp: all STUN servers failed: %w", lastErr)
}

// Probe implements [Prober]. It blocks until the probe interval elapses,
// then sends a Binding Request to the next server in the round-robin.
func (p *StunUDPProber) Probe(ctx context.Context) (*natcore.PublicEndpoint, error) {
	p.mu.Lock()
	ticker := p.ticker
	conn := p.conn
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticker.C:
	}

	endpoint, err := p.bindRoundRobin(ctx, conn)
	if err != nil {
		return nil, err
	}
	return toPublicEndpoint(endpoint), nil
}

// Stop implements [Prober]. The socket is closed; this is the
// NAT binding itself, so closing it is only safe once the mapping is
// actually shutting down.
func (p *StunUDPProber) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
