// SPDX-License-Identifier: GPL-3.0-or-later

// Package stunclient performs one RFC 5389 Binding Request/Response
// exchange and extracts the reflexive (mapped) endpoint from the
// response. It is deliberately stateless and knows nothing about retry
// lists, round-robin server selection, or connection lifetime; those
// are the Prober's job. The STUN wire codec itself comes from
// [github.com/pion/stun].
package stunclient

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/pion/stun"
)

// ErrNoMappedAddress is returned when a Binding Success response carries
// neither an XOR-MAPPED-ADDRESS nor a MAPPED-ADDRESS attribute.
var ErrNoMappedAddress = fmt.Errorf("stunclient: response has no mapped address")

// BindStream performs a Binding Request/Response exchange over an
// already-connected stream (TCP) connection and returns the reflexive
// endpoint.
//
// The caller owns conn's lifetime; BindStream neither closes it nor
// reuses it beyond this one exchange. A per-call deadline is derived
// from ctx if it carries one.
func BindStream(ctx context.Context, conn net.Conn) (netip.AddrPort, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return netip.AddrPort{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: build request: %w", err)
	}
	if _, err := request.WriteTo(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: write request: %w", err)
	}

	response := stun.New() // ReadFrom reads into Raw's spare capacity
	if _, err := response.ReadFrom(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: read response: %w", err)
	}
	return mappedAddress(*response)
}

// BindPacket performs a Binding Request/Response exchange over an
// already-bound [net.PacketConn] (UDP) against server, and returns the
// reflexive endpoint.
//
// The caller owns conn's lifetime; this is the NAT binding the STUN-UDP
// Prober must not close across probe cycles.
func BindPacket(ctx context.Context, conn net.PacketConn, server netip.AddrPort) (netip.AddrPort, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return netip.AddrPort{}, err
		}
		defer conn.SetDeadline(time.Time{})
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: build request: %w", err)
	}

	dst := net.UDPAddrFromAddrPort(server)
	if _, err := conn.WriteTo(request.Raw, dst); err != nil {
		return netip.AddrPort{}, fmt.Errorf("stunclient: write request: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return netip.AddrPort{}, fmt.Errorf("stunclient: read response: %w", err)
		}
		// A UDP socket held open across probe cycles may still have a
		// stray response in flight from a previous exchange; discard
		// anything not from the server we just queried.
		if udpFrom, ok := from.(*net.UDPAddr); ok {
			if fromAddr, ok2 := netip.AddrFromSlice(udpFrom.IP); ok2 {
				if netip.AddrPortFrom(fromAddr.Unmap(), uint16(udpFrom.Port)) != server {
					continue
				}
			}
		}
		var response stun.Message
		response.Raw = append(response.Raw[:0], buf[:n]...)
		if err := response.Decode(); err != nil {
			return netip.AddrPort{}, fmt.Errorf("stunclient: decode response: %w", err)
		}
		return mappedAddress(response)
	}
}

func mappedAddress(m stun.Message) (netip.AddrPort, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(&m); err == nil {
		addr, ok := netip.AddrFromSlice(xorAddr.IP)
		if !ok {
			return netip.AddrPort{}, ErrNoMappedAddress
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(xorAddr.Port)), nil
	}

	var addr stun.MappedAddress
	if err := addr.GetFrom(&m); err == nil {
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return netip.AddrPort{}, ErrNoMappedAddress
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
	}

	return netip.AddrPort{}, ErrNoMappedAddress
}
