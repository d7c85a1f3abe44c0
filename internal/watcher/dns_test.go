// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"log/slog"
	"testing"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerCall struct {
	op  string
	id  string
	rec dnsRecord
}

type fakeDNSProvider struct {
	calls    []providerCall
	nextID   string
	createEr error
	updateEr error
	deleteEr error
}

func (f *fakeDNSProvider) createRecord(ctx context.Context, rec dnsRecord) (string, error) {
	f.calls = append(f.calls, providerCall{op: "create", rec: rec})
	if f.createEr != nil {
		return "", f.createEr
	}
	return f.nextID, nil
}

func (f *fakeDNSProvider) updateRecord(ctx context.Context, id string, rec dnsRecord) error {
	f.calls = append(f.calls, providerCall{op: "update", id: id, rec: rec})
	return f.updateEr
}

func (f *fakeDNSProvider) deleteRecord(ctx context.Context, id string, rec dnsRecord) error {
	f.calls = append(f.calls, providerCall{op: "delete", id: id, rec: rec})
	return f.deleteEr
}

func dnsEvent(binding natcore.WatcherBinding, port uint16) natcore.EndpointEvent {
	return natcore.EndpointEvent{
		MappingID:  "m1",
		Binding:    binding,
		Endpoint:   testEndpoint(port),
		Generation: 1,
	}
}

func TestSplitDomain(t *testing.T) {
	tests := []struct {
		fqdn string
		host string
		zone string
	}{
		{"home.example.com", "home", "example.com"},
		{"a.b.example.com", "a.b", "example.com"},
		{"example.com", "@", "example.com"},
		{"nas.example.co.uk", "nas", "example.co.uk"},
		{"host.internal", "@", "host.internal"},
		{"deep.host.internal", "deep", "host.internal"},
	}
	for _, tt := range tests {
		host, zone := splitDomain(tt.fqdn)
		assert.Equal(t, tt.host, host, "fqdn %q", tt.fqdn)
		assert.Equal(t, tt.zone, zone, "fqdn %q", tt.fqdn)
	}
}

func TestDNSApplierCreateThenUpdate(t *testing.T) {
	provider := &fakeDNSProvider{nextID: "R1"}
	a := newDNSApplier("dns", provider, slog.New(slog.DiscardHandler))
	binding := natcore.WatcherBinding{
		WatcherName: "dns", Domain: "home.example.com", RecordType: "A",
	}
	var state natcore.ReconciledState

	// First event: no record id known anywhere, so create and remember.
	ev := dnsEvent(binding, 6001)
	rendered := a.RenderValue(binding, ev.Endpoint)
	require.NoError(t, a.Apply(context.Background(), ev, rendered, &state))
	assert.Equal(t, "R1", state.RecordID)
	assert.True(t, state.AutoCreated)
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "create", provider.calls[0].op)
	assert.Equal(t, "203.0.113.7", provider.calls[0].rec.Value)

	// Second event: update against the auto-created id.
	ev = dnsEvent(binding, 6002)
	rendered = a.RenderValue(binding, ev.Endpoint)
	require.NoError(t, a.Apply(context.Background(), ev, rendered, &state))
	require.Len(t, provider.calls, 2)
	assert.Equal(t, "update", provider.calls[1].op)
	assert.Equal(t, "R1", provider.calls[1].id)
}

func TestDNSApplierUserSuppliedRecordID(t *testing.T) {
	provider := &fakeDNSProvider{}
	a := newDNSApplier("dns", provider, slog.New(slog.DiscardHandler))
	binding := natcore.WatcherBinding{
		WatcherName: "dns", Domain: "home.example.com",
		RecordType: "TXT", ValueTemplate: "v={ip}:{port}", RecordID: "R0",
	}
	var state natcore.ReconciledState

	ev := dnsEvent(binding, 6001)
	rendered := a.RenderValue(binding, ev.Endpoint)
	require.NoError(t, a.Apply(context.Background(), ev, rendered, &state))
	require.Len(t, provider.calls, 1)
	assert.Equal(t, "update", provider.calls[0].op)
	assert.Equal(t, "R0", provider.calls[0].id)
	assert.Equal(t, "v=203.0.113.7:6001", provider.calls[0].rec.Value)
	assert.False(t, state.AutoCreated)
}

func TestDNSApplierRollbackDeletesAutoCreated(t *testing.T) {
	provider := &fakeDNSProvider{nextID: "R1"}
	a := newDNSApplier("dns", provider, slog.New(slog.DiscardHandler))
	binding := natcore.WatcherBinding{WatcherName: "dns", Domain: "home.example.com", RecordType: "A"}
	var state natcore.ReconciledState

	ev := dnsEvent(binding, 6001)
	require.NoError(t, a.Apply(context.Background(), ev, a.RenderValue(binding, ev.Endpoint), &state))

	require.NoError(t, a.Rollback(context.Background(), binding, &state))
	require.Len(t, provider.calls, 2)
	assert.Equal(t, "delete", provider.calls[1].op)
	assert.Equal(t, "R1", provider.calls[1].id)
	assert.Empty(t, state.RecordID)
	assert.False(t, state.AutoCreated)
}

func TestDNSApplierRollbackPreservesUserRecord(t *testing.T) {
	provider := &fakeDNSProvider{}
	a := newDNSApplier("dns", provider, slog.New(slog.DiscardHandler))
	binding := natcore.WatcherBinding{
		WatcherName: "dns", Domain: "home.example.com", RecordType: "A", RecordID: "R0",
	}
	var state natcore.ReconciledState

	ev := dnsEvent(binding, 6001)
	require.NoError(t, a.Apply(context.Background(), ev, a.RenderValue(binding, ev.Endpoint), &state))

	// No auto-created record: rollback must not delete anything.
	require.NoError(t, a.Rollback(context.Background(), binding, &state))
	for _, call := range provider.calls {
		assert.NotEqual(t, "delete", call.op)
	}
}

func TestDNSApplierARecordSendsOnlyIPv4(t *testing.T) {
	a := newDNSApplier("dns", &fakeDNSProvider{}, slog.New(slog.DiscardHandler))
	binding := natcore.WatcherBinding{RecordType: "A", ValueTemplate: "{ip}:{port}"}
	assert.Equal(t, "203.0.113.7", a.RenderValue(binding, testEndpoint(6001)))

	binding.RecordType = "TXT"
	assert.Equal(t, "203.0.113.7:6001", a.RenderValue(binding, testEndpoint(6001)))
}
