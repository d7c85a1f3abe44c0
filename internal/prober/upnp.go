// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/bassosimone/fcnatd/internal/upnpclient"
)

// UPnPClient is the subset of [upnpclient.Client] the UPnP Prober needs.
// Abstracted so tests can substitute a fake.
type UPnPClient interface {
	ExternalIP(ctx context.Context) (netip.Addr, error)
	AddPortMapping(ctx context.Context, protocol string, externalPort, internalPort uint16,
		internalClient netip.Addr, description string, lease uint32) (uint16, error)
	DeletePortMapping(ctx context.Context, protocol string, externalPort uint16) error
}

// ErrActionNotAuthorized is returned by a [UPnPClient] when the IGD
// rejects the request outright. It is fatal: the Runner transitions to
// FAILED rather than retrying.
var ErrActionNotAuthorized = upnpclient.ErrActionNotAuthorized

// ErrNoSuchMapping is returned by a [UPnPClient] on lease renewal when the
// IGD has already forgotten the mapping. It drives a fresh acquisition
// rather than a fatal failure.
var ErrNoSuchMapping = upnpclient.ErrNoSuchMapping

// UPnPConfig configures a [*UPnPProber].
type UPnPConfig struct {
	Client         UPnPClient
	Protocol       string // "TCP" or "UDP"
	ExternalPort   uint16
	InternalPort   uint16
	InternalClient netip.Addr
	Description    string

	// Lease is the requested mapping duration. Renewal happens at 50% of
	// this duration.
	Lease time.Duration

	// RenewRetries/RenewBackoff bound renewal retry before the Prober
	// signals loss. Defaults: 3 retries, 10s backoff.
	RenewRetries int
	RenewBackoff time.Duration
}

// UPnPProber implements [Prober] by leasing and periodically renewing a
// UPnP IGD port mapping.
type UPnPProber struct {
	cfg UPnPConfig

	mu           sync.Mutex
	externalPort uint16
	ticker       *time.Ticker
}

// NewUPnPProber returns a [*UPnPProber] ready for [Prober.Start].
func NewUPnPProber(cfg UPnPConfig) *UPnPProber {
	return &UPnPProber{cfg: cfg}
}

var _ Prober = &UPnPProber{}

// Start implements [Prober].
func (p *UPnPProber) Start(ctx context.Context) (*natcore.PublicEndpoint, error) {
	return p.acquire(ctx)
}

func (p *UPnPProber) acquire(ctx context.Context) (*natcore.PublicEndpoint, error) {
	wanIP, err := p.cfg.Client.ExternalIP(ctx)
	if err != nil {
		return nil, fmt.Errorf("prober: upnp: GetExternalIPAddress: %w", err)
	}

	grantedPort, err := p.cfg.Client.AddPortMapping(ctx, p.cfg.Protocol, p.cfg.ExternalPort,
		p.cfg.InternalPort, p.cfg.InternalClient, p.cfg.Description, uint32(p.cfg.Lease.Seconds()))
	if err != nil {
		if errors.Is(err, ErrActionNotAuthorized) {
			return nil, err
		}
		return nil, fmt.Errorf("prober: upnp: AddPortMapping: %w", err)
	}

	p.mu.Lock()
	p.externalPort = grantedPort
	renewInterval := p.cfg.Lease / 2
	if p.ticker == nil {
		p.ticker = time.NewTicker(renewInterval)
	} else {
		p.ticker.Reset(renewInterval)
	}
	p.mu.Unlock()

	return &natcore.PublicEndpoint{IP: wanIP, Port: grantedPort}, nil
}

// Probe implements [Prober]. It blocks until the renewal interval elapses
// and then renews the lease, retrying on transient failure before
// signaling loss.
func (p *UPnPProber) Probe(ctx context.Context) (*natcore.PublicEndpoint, error) {
	p.mu.Lock()
	ticker := p.ticker
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticker.C:
	}

	retries := p.cfg.RenewRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := p.cfg.RenewBackoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		endpoint, err := p.acquire(ctx)
		if err == nil {
			return endpoint, nil
		}
		if errors.Is(err, ErrActionNotAuthorized) {
			return nil, err
		}
		lastErr = err
		if errors.Is(err, ErrNoSuchMapping) {
			// A fresh AddPortMapping is exactly how we recover from this;
			// no point waiting out the rest of the backoff budget.
			return p.acquire(ctx)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("prober: upnp: renewal failed after %d retries: %w", retries, lastErr)
}

// Stop implements [Prober]. It explicitly releases the mapping.
func (p *UPnPProber) Stop(ctx context.Context) error {
	p.mu.Lock()
	port := p.externalPort
	if p.ticker != nil {
		p.ticker.Stop()
	}
	p.mu.Unlock()

	if port == 0 {
		return nil
	}
	return p.cfg.Client.DeletePortMapping(ctx, p.cfg.Protocol, port)
}
