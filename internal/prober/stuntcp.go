// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/bassosimone/fcnatd/internal/netx"
)

// StreamBinder performs one STUN Binding Request/Response exchange over
// an already-connected stream. Satisfied by [stunclient.BindStream];
// abstracted so tests can substitute a fake.
type StreamBinder func(ctx context.Context, conn net.Conn) (netip.AddrPort, error)

// StunTCPConfig configures a [*StunTCPProber].
type StunTCPConfig struct {
	// LocalAddr is the mapping's forwarding address. When valid, both
	// the held STUN connection and the keepalive connection are dialed
	// from it (with address reuse), so the NAT binding being observed
	// and kept alive is the forwarded service's own.
	LocalAddr netip.AddrPort

	// Servers is the round-robin list of "host:port" STUN servers.
	Servers []string

	// KeepaliveURL is the HTTP GET target used to keep the NAT binding
	// alive. Defaults are applied by the configuration loader, not here.
	KeepaliveURL string

	// Interval is how often the keepalive GET is issued. Default 50s.
	Interval time.Duration

	// StunInterval is how often a Binding Request re-samples the
	// reflexive endpoint. Default 300s.
	StunInterval time.Duration

	// Bind performs the STUN exchange. Required: no default is applied
	// here; the supervisor sets it to [stunclient.BindStream].
	Bind StreamBinder

	// NetxConfig wires the dialer/error classifier used to hold the STUN
	// and keepalive connections.
	NetxConfig *netx.Config

	// Logger receives structured events for both connections.
	Logger *slog.Logger
}

// StunTCPProber implements [Prober] using a held TCP connection to a STUN
// server plus periodic HTTP GETs that keep the NAT binding alive; each GET
// runs over a fresh TCP connection dialed from the same local port.
type StunTCPProber struct {
	cfg StunTCPConfig

	mu          sync.Mutex
	stunConn    net.Conn
	serverIndex int
	ticker      *time.Ticker

	keepaliveCancel context.CancelFunc
	keepaliveWG     sync.WaitGroup
}

// NewStunTCPProber returns a [*StunTCPProber] ready for [Prober.Start].
func NewStunTCPProber(cfg StunTCPConfig) *StunTCPProber {
	return &StunTCPProber{cfg: cfg}
}

var _ Prober = &StunTCPProber{}

// Start implements [Prober].
func (p *StunTCPProber) Start(ctx context.Context) (*natcore.PublicEndpoint, error) {
	conn, endpoint, err := p.dialAndBindRoundRobin(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.stunConn = conn
	p.ticker = time.NewTicker(p.cfg.StunInterval)
	p.mu.Unlock()

	if err := p.startKeepalive(conn); err != nil {
		p.Stop(ctx)
		return nil, fmt.Errorf("prober: stuntcp: keepalive setup: %w", err)
	}

	return toPublicEndpoint(endpoint), nil
}

// dialAndBindRoundRobin tries each configured STUN server in turn,
// starting after the last server that succeeded, and returns the first
// connection that answers a Binding Request.
func (p *StunTCPProber) dialAndBindRoundRobin(ctx context.Context) (net.Conn, netip.AddrPort, error) {
	netxConfig := p.cfg.NetxConfig
	if p.cfg.LocalAddr.IsValid() {
		bound := *netxConfig
		bound.Dialer = newReuseDialer(net.TCPAddrFromAddrPort(p.cfg.LocalAddr))
		netxConfig = &bound
	}
	dialer := netx.NewConnectFunc(netxConfig, "tcp", p.cfg.Logger)
	cancelWatch := netx.NewCancelWatchFunc()
	observe := netx.NewObserveConnFunc(p.cfg.NetxConfig, p.cfg.Logger)
	pipeline := netx.Compose3[netip.AddrPort, net.Conn, net.Conn, net.Conn](dialer, cancelWatch, observe)

	p.mu.Lock()
	start := p.serverIndex
	p.mu.Unlock()

	var lastErr error
	for i := 0; i < len(p.cfg.Servers); i++ {
		idx := (start + i) % len(p.cfg.Servers)
		addr, err := netip.ParseAddrPort(p.cfg.Servers[idx])
		if err != nil {
			lastErr = err
			continue
		}
		conn, err := pipeline.Call(ctx, addr)
		if err != nil {
			lastErr = err
			continue
		}
		endpoint, err := p.bind(ctx, conn)
		if err != nil {
			conn.Close()
			lastErr = err
			continue
		}
		p.mu.Lock()
		p.serverIndex = (idx + 1) % len(p.cfg.Servers)
		p.mu.Unlock()
		return conn, endpoint, nil
	}
	return nil, netip.AddrPort{}, fmt.Errorf("prober: stuntcp: all STUN servers failed: %w", lastErr)
}

func (p *StunTCPProber) bind(ctx context.Context, conn net.Conn) (netip.AddrPort, error) {
	return p.cfg.Bind(ctx, conn)
}

// startKeepalive parses the keepalive URL and launches the background GET
// loop, which dials from the same local port as conn.
func (p *StunTCPProber) startKeepalive(conn net.Conn) error {
	localAddr, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		return fmt.Errorf("prober: stuntcp: unexpected local address type %T", conn.LocalAddr())
	}

	req, err := http.NewRequest("GET", p.cfg.KeepaliveURL, nil)
	if err != nil {
		return fmt.Errorf("prober: stuntcp: invalid keepalive URL: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.keepaliveCancel = cancel

	p.keepaliveWG.Add(1)
	go func() {
		defer p.keepaliveWG.Done()
		p.runKeepalive(ctx, localAddr, req)
	}()
	return nil
}

func (p *StunTCPProber) runKeepalive(ctx context.Context, localAddr *net.TCPAddr, req *http.Request) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	dialer := newReuseDialer(&net.TCPAddr{IP: localAddr.IP, Port: localAddr.Port})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.doKeepaliveGET(ctx, dialer, req)
		}
	}
}

func (p *StunTCPProber) doKeepaliveGET(ctx context.Context, dialer *net.Dialer, req *http.Request) {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.Interval)
	defer cancel()

	addr := req.URL.Host
	if req.URL.Port() == "" {
		port := "80"
		if req.URL.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(req.URL.Hostname(), port)
	}
	conn, err := dialer.DialContext(reqCtx, "tcp", addr)
	if err != nil {
		p.cfg.Logger.Warn("keepaliveDialFailed", slog.Any("err", err))
		return
	}

	hc, err := netx.NewHTTPConnFunc(p.cfg.NetxConfig, p.cfg.Logger).Call(reqCtx, conn)
	if err != nil {
		conn.Close()
		p.cfg.Logger.Warn("keepaliveSetupFailed", slog.Any("err", err))
		return
	}
	defer hc.Close()

	resp, err := hc.RoundTrip(req.WithContext(reqCtx))
	if err != nil {
		p.cfg.Logger.Warn("keepaliveRequestFailed", slog.Any("err", err))
		return
	}
	resp.Body.Close()
}

// Probe implements [Prober]. It blocks until the STUN re-bind interval
// elapses, then issues a fresh Binding Request on the held connection,
// reconnecting first if the connection was lost.
func (p *StunTCPProber) Probe(ctx context.Context) (*natcore.PublicEndpoint, error) {
	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticker.C:
	}

	p.mu.Lock()
	conn := p.stunConn
	p.mu.Unlock()

	endpoint, err := p.bind(ctx, conn)
	if err != nil {
		// The held connection may have gone stale; drop it so the next
		// successful Probe (or the Runner's reacquisition) redials.
		conn.Close()
		newConn, newEndpoint, rebindErr := p.dialAndBindRoundRobin(ctx)
		if rebindErr != nil {
			return nil, fmt.Errorf("prober: stuntcp: binding request failed: %w", err)
		}
		p.mu.Lock()
		p.stunConn = newConn
		p.mu.Unlock()
		return toPublicEndpoint(newEndpoint), nil
	}
	return toPublicEndpoint(endpoint), nil
}

// Stop implements [Prober].
func (p *StunTCPProber) Stop(ctx context.Context) error {
	if p.keepaliveCancel != nil {
		p.keepaliveCancel()
	}
	p.keepaliveWG.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		p.ticker.Stop()
	}
	if p.stunConn != nil {
		err := p.stunConn.Close()
		p.stunConn = nil
		return err
	}
	return nil
}

func toPublicEndpoint(addr netip.AddrPort) *natcore.PublicEndpoint {
	return &natcore.PublicEndpoint{IP: addr.Addr(), Port: addr.Port()}
}
