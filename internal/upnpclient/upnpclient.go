// SPDX-License-Identifier: GPL-3.0-or-later

// Package upnpclient discovers an Internet Gateway Device over SSDP and
// performs the three IGD SOAP actions the UPnP Prober needs:
// GetExternalIPAddress, AddPortMapping, DeletePortMapping. The SSDP/SOAP
// transport itself is provided
// by [github.com/huin/goupnp/dcps/internetgateway2].
package upnpclient

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/huin/goupnp/dcps/internetgateway2"
)

// igdClient is the subset of the generated WANIPConnection1/2 clients that
// Client needs. Both generations expose the same action signatures.
type igdClient interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(ctx context.Context, newRemoteHost string, newExternalPort uint16,
		newProtocol string, newInternalPort uint16, newInternalClient string,
		newEnabled bool, newPortMappingDescription string, newLeaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, newRemoteHost string, newExternalPort uint16,
		newProtocol string) error
}

// Client holds a lazily-populated, shared cache of discovered Internet
// Gateway Devices. All UPnP-using Mapping Runners pass the same *Client
// instance; access to the discovery cache is serialized.
type Client struct {
	mu   sync.Mutex
	igds []igdClient
}

// New returns a [*Client] with an empty discovery cache.
func New() *Client {
	return &Client{}
}

// ensureDiscovered populates the IGD cache on first use. Subsequent calls
// reuse the cache; discovery is not repeated per mapping.
func (c *Client) ensureDiscovered(ctx context.Context) ([]igdClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.igds) > 0 {
		return c.igds, nil
	}

	var found []igdClient

	if clients, errs, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil {
		for _, cl := range clients {
			found = append(found, cl)
		}
		_ = errs
	}
	if clients, errs, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil {
		for _, cl := range clients {
			found = append(found, cl)
		}
		_ = errs
	}
	if clients, errs, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil {
		for _, cl := range clients {
			found = append(found, cl)
		}
		_ = errs
	}

	if len(found) == 0 {
		return nil, fmt.Errorf("upnpclient: no Internet Gateway Device found")
	}
	c.igds = found
	return found, nil
}

// ExternalIP returns the WAN IP address reported by the first responsive
// discovered IGD.
func (c *Client) ExternalIP(ctx context.Context) (netip.Addr, error) {
	igds, err := c.ensureDiscovered(ctx)
	if err != nil {
		return netip.Addr{}, err
	}

	var lastErr error
	for _, igd := range igds {
		raw, err := igd.GetExternalIPAddressCtx(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("upnpclient: GetExternalIPAddress failed on all IGDs: %w", lastErr)
}

// AddPortMapping requests a port mapping lease from the first responsive
// discovered IGD. protocol must be "TCP" or "UDP".
//
// On success the granted external port is always externalPort: the
// AddPortMapping SOAP action (unlike IGDv2's AddAnyPortMapping) cannot
// grant an alternate port, so a conflicting request surfaces as a SOAP
// fault rather than a different port. The port is still returned so the
// signature will not change if AddAnyPortMapping support is added for
// IGDv2 devices.
func (c *Client) AddPortMapping(ctx context.Context, protocol string, externalPort uint16,
	internalPort uint16, internalClient netip.Addr, description string, lease uint32) (uint16, error) {
	igds, err := c.ensureDiscovered(ctx)
	if err != nil {
		return 0, err
	}

	var lastErr error
	for _, igd := range igds {
		err := igd.AddPortMappingCtx(ctx, "", externalPort, protocol, internalPort,
			internalClient.String(), true, description, lease)
		if err != nil {
			lastErr = classifyError(err)
			// An authoritative refusal will not change on another IGD
			// from the same cache; surface it immediately.
			if errors.Is(lastErr, ErrActionNotAuthorized) {
				return 0, lastErr
			}
			continue
		}
		return externalPort, nil
	}
	return 0, fmt.Errorf("upnpclient: AddPortMapping failed on all IGDs: %w", lastErr)
}

// DeletePortMapping releases a previously acquired port mapping on the
// first responsive discovered IGD.
func (c *Client) DeletePortMapping(ctx context.Context, protocol string, externalPort uint16) error {
	igds, err := c.ensureDiscovered(ctx)
	if err != nil {
		return err
	}

	var lastErr error
	for _, igd := range igds {
		if err := igd.DeletePortMappingCtx(ctx, "", externalPort, protocol); err != nil {
			lastErr = classifyError(err)
			// The IGD forgetting the mapping is the outcome we wanted.
			if errors.Is(lastErr, ErrNoSuchMapping) {
				return nil
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("upnpclient: DeletePortMapping failed on all IGDs: %w", lastErr)
}
