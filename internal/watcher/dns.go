// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"golang.org/x/net/publicsuffix"
)

// dnsRecord is the provider-independent description of the record a DNS
// watcher reconciles.
type dnsRecord struct {
	// Domain is the fully-qualified record name, e.g. "home.example.com".
	Domain string

	// Type is the canonical record type, e.g. "A", "AAAA", "SVCB".
	Type string

	// Value is the record content to apply.
	Value string

	// Priority is required for MX, SVCB, and HTTPS records.
	Priority *uint16

	// TTL is the record TTL; nil means the provider default.
	TTL *uint32

	// Proxied is Cloudflare's proxy flag; ignored by other providers.
	Proxied *bool
}

// splitDomain splits a fully-qualified record name into the host label
// part and the registered (zone) domain, using the public suffix list.
// "home.example.com" becomes ("home", "example.com"); a bare zone apex
// becomes ("@", zone).
func splitDomain(fqdn string) (host, zone string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	etld1, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		// Not under a known public suffix (e.g. an internal domain):
		// fall back to treating the last two labels as the zone.
		labels := strings.Split(fqdn, ".")
		if len(labels) <= 2 {
			return "@", fqdn
		}
		etld1 = strings.Join(labels[len(labels)-2:], ".")
	}
	if fqdn == etld1 {
		return "@", etld1
	}
	return strings.TrimSuffix(fqdn, "."+etld1), etld1
}

// dnsProvider is the CRUD surface a DNS control-plane client exposes.
// Implementations classify authoritative rejections as [PermanentError]
// and leave everything else retriable.
type dnsProvider interface {
	createRecord(ctx context.Context, rec dnsRecord) (id string, err error)
	updateRecord(ctx context.Context, id string, rec dnsRecord) error
	deleteRecord(ctx context.Context, id string, rec dnsRecord) error
}

// dnsApplier reconciles one DNS record per binding: create when no
// record id is known, update against the user-supplied or auto-created
// id otherwise, delete auto-created records on rollback.
type dnsApplier struct {
	name     string
	provider dnsProvider
	logger   *slog.Logger
}

func newDNSApplier(name string, provider dnsProvider, logger *slog.Logger) *dnsApplier {
	return &dnsApplier{name: name, provider: provider, logger: logger}
}

var _ Applier = &dnsApplier{}

// Name implements [Applier].
func (a *dnsApplier) Name() string {
	return a.name
}

// RenderValue implements [Applier]. A records carry only the IPv4; every
// other type carries the rendered value template verbatim.
func (a *dnsApplier) RenderValue(binding natcore.WatcherBinding, endpoint *natcore.PublicEndpoint) string {
	if strings.EqualFold(binding.RecordType, "A") {
		return endpoint.IP.String()
	}
	return natcore.RenderTemplate(binding.ValueTemplate, endpoint)
}

// Apply implements [Applier].
func (a *dnsApplier) Apply(ctx context.Context, ev natcore.EndpointEvent, rendered string, state *natcore.ReconciledState) error {
	binding := ev.Binding
	rec := dnsRecord{
		Domain:   binding.Domain,
		Type:     binding.RecordType,
		Value:    rendered,
		Priority: binding.Priority,
		TTL:      binding.TTL,
		Proxied:  binding.Proxied,
	}

	switch {
	case binding.RecordID != "":
		return a.provider.updateRecord(ctx, binding.RecordID, rec)
	case state.RecordID != "":
		return a.provider.updateRecord(ctx, state.RecordID, rec)
	default:
		id, err := a.provider.createRecord(ctx, rec)
		if err != nil {
			return err
		}
		state.RecordID = id
		state.AutoCreated = true
		a.logger.Info("dnsRecordCreated",
			slog.String("domain", binding.Domain),
			slog.String("type", binding.RecordType),
			slog.String("recordID", id))
		return nil
	}
}

// Rollback implements [Applier]. Only auto-created records are deleted;
// a user-supplied record id is never touched.
func (a *dnsApplier) Rollback(ctx context.Context, binding natcore.WatcherBinding, state *natcore.ReconciledState) error {
	if !state.AutoCreated || state.RecordID == "" {
		return nil
	}
	rec := dnsRecord{Domain: binding.Domain, Type: binding.RecordType}
	if err := a.provider.deleteRecord(ctx, state.RecordID, rec); err != nil {
		return err
	}
	a.logger.Info("dnsRecordDeleted",
		slog.String("domain", binding.Domain),
		slog.String("recordID", state.RecordID))
	state.RecordID = ""
	state.AutoCreated = false
	return nil
}
