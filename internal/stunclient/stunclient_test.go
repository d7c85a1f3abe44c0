// SPDX-License-Identifier: GPL-3.0-or-later

package stunclient

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSuccessResponse(t *testing.T, request *stun.Message, mapped netip.AddrPort) *stun.Message {
	t.Helper()
	resp, err := stun.Build(
		stun.NewTransactionIDSetter(request.TransactionID),
		stun.BindingSuccess,
		&stun.XORMappedAddress{IP: mapped.Addr().AsSlice(), Port: int(mapped.Port())},
		stun.Fingerprint,
	)
	require.NoError(t, err)
	return resp
}

func TestBindStream(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	want := netip.MustParseAddrPort("203.0.113.7:6001")

	go func() {
		req := stun.New()
		if _, err := req.ReadFrom(server); err != nil {
			return
		}
		resp := buildSuccessResponse(t, req, want)
		resp.WriteTo(server)
	}()

	got, err := BindStream(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestBindStreamReadError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	defer client.Close()

	_, err := BindStream(context.Background(), client)
	assert.Error(t, err)
}

func TestBindPacket(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	serverAddr := serverConn.LocalAddr().(*net.UDPAddr)
	serverAddrPort := serverAddr.AddrPort()
	want := netip.MustParseAddrPort("203.0.113.7:6001")

	go func() {
		buf := make([]byte, 1500)
		n, from, err := serverConn.ReadFrom(buf)
		if err != nil {
			return
		}
		var req stun.Message
		req.Raw = append(req.Raw[:0], buf[:n]...)
		if err := req.Decode(); err != nil {
			return
		}
		resp := buildSuccessResponse(t, &req, want)
		serverConn.WriteTo(resp.Raw, from)
	}()

	clientConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := BindPacket(ctx, clientConn, serverAddrPort)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMappedAddressNoAttribute(t *testing.T) {
	m, err := stun.Build(stun.TransactionID, stun.BindingSuccess)
	require.NoError(t, err)

	_, err = mappedAddress(*m)
	assert.ErrorIs(t, err, ErrNoMappedAddress)
}

func TestMappedAddressPlainMappedAddress(t *testing.T) {
	want := netip.MustParseAddrPort("198.51.100.9:7000")
	m, err := stun.Build(
		stun.TransactionID,
		stun.BindingSuccess,
		&stun.MappedAddress{IP: want.Addr().AsSlice(), Port: int(want.Port())},
	)
	require.NoError(t, err)

	got, err := mappedAddress(*m)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
