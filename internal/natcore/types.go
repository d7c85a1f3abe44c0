// SPDX-License-Identifier: GPL-3.0-or-later

// Package natcore defines the domain vocabulary shared by the Mapping
// Runner, the Dispatcher, and the Watcher Handlers: the local and public
// endpoints a mapping moves between, the watcher bindings it fans out to,
// and the per-binding reconciled state used for idempotence.
//
// Nothing in this package performs I/O; it is pure data plus the small
// amount of logic (generation counters, template rendering, endpoint
// equality) that every consumer needs to agree on.
package natcore

import (
	"fmt"
	"net/netip"
)

// Protocol is the transport protocol a [LocalEndpoint] forwards.
type Protocol string

const (
	// ProtocolTCP forwards TCP traffic.
	ProtocolTCP Protocol = "tcp"

	// ProtocolUDP forwards UDP traffic.
	ProtocolUDP Protocol = "udp"
)

// UPnPMode controls whether a [LocalEndpoint] requests a UPnP port
// mapping in addition to (STUN-TCP) or instead of (STUN-UDP is always
// paired with its own NAT binding) discovering the reflexive endpoint.
type UPnPMode string

const (
	// UPnPInherit defers to the global "upnp" configuration flag.
	UPnPInherit UPnPMode = "inherit"

	// UPnPForceOn always requests a UPnP lease for this mapping.
	UPnPForceOn UPnPMode = "force_on"

	// UPnPForceOff never requests a UPnP lease for this mapping.
	UPnPForceOff UPnPMode = "force_off"
)

// LocalEndpoint identifies a Mapping: the local service being exposed,
// together with the acquisition scheme selected for it.
//
// Two LocalEndpoint values are the same mapping iff all fields match;
// a Mapping Runner exclusively owns its (Protocol, IP, Port).
type LocalEndpoint struct {
	Protocol Protocol
	IP       netip.Addr
	Port     uint16
	UPnP     UPnPMode
}

// String renders the endpoint as "tcp://1.2.3.4:8080", the same shape
// used as the "map" key in the configuration file.
func (e LocalEndpoint) String() string {
	return fmt.Sprintf("%s://%s:%d", e.Protocol, e.IP, e.Port)
}

// UsesUPnP reports whether this mapping requests a UPnP lease, given the
// global "upnp" default (used when [LocalEndpoint.UPnP] is [UPnPInherit]).
func (e LocalEndpoint) UsesUPnP(globalDefault bool) bool {
	switch e.UPnP {
	case UPnPForceOn:
		return true
	case UPnPForceOff:
		return false
	default:
		return globalDefault
	}
}

// PublicEndpoint is the externally-visible (address, port) pair a Mapping
// Runner has acquired for its mapping. The zero value is never a valid
// acquired endpoint; use a *PublicEndpoint (nil meaning "none") wherever
// absence is a legitimate state, as [EndpointEvent] does.
type PublicEndpoint struct {
	IP   netip.Addr
	Port uint16
}

// Equal reports whether two endpoints are equivalent: both fields match
// exactly. A nil receiver or argument is never equal to a non-nil one.
func (e *PublicEndpoint) Equal(other *PublicEndpoint) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.IP == other.IP && e.Port == other.Port
}

// String renders the endpoint as "1.2.3.4:8080".
func (e *PublicEndpoint) String() string {
	if e == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// WatcherBinding references a named watcher from a mapping, carrying the
// per-mapping parameters that configure how the watcher is invoked.
//
// Priority, TTL, and Proxied are pointers because their absence is
// semantically distinct from the zero value (e.g. TTL=0 is a valid
// provider-specific sentinel meaning "automatic").
type WatcherBinding struct {
	WatcherName   string
	ValueTemplate string
	Domain        string
	RecordType    string
	Priority      *uint16
	RecordID      string
	TTL           *uint32
	Proxied       *bool
}

// WatcherKind tags which concrete payload a [WatcherDefinition] carries.
type WatcherKind int

const (
	WatcherDNSPod WatcherKind = iota
	WatcherAliDNS
	WatcherCloudflare
	WatcherHTTP
	WatcherScript
)

// String returns a human-readable name for logging.
func (k WatcherKind) String() string {
	switch k {
	case WatcherDNSPod:
		return "dnspod"
	case WatcherAliDNS:
		return "alidns"
	case WatcherCloudflare:
		return "cloudflare"
	case WatcherHTTP:
		return "http"
	case WatcherScript:
		return "script"
	default:
		return "unknown"
	}
}

// DNSPodCreds authenticates against the DNSPod API.
type DNSPodCreds struct {
	ID     string
	Token  string
	Domain string
}

// AliDNSCreds authenticates against the Alibaba Cloud DNS API.
type AliDNSCreds struct {
	AccessKeyID     string
	AccessKeySecret string
	RegionID        string
}

// CloudflareCreds authenticates against the Cloudflare API.
type CloudflareCreds struct {
	APIToken string
	ZoneID   string
}

// HTTPSpec is the watcher-level defaults for an HTTP webhook watcher.
// A [WatcherBinding.ValueTemplate], when non-empty, overrides Body.
type HTTPSpec struct {
	URL     string
	Method  string
	Body    string
	Headers map[string]string
}

// ScriptSpec is the watcher-level defaults for a script watcher.
type ScriptSpec struct {
	Path string
	Args []string
}

// WatcherDefinition is a tagged variant over the five watcher families,
// keyed by a name unique across all families. Exactly one of the payload
// pointers matching Kind is non-nil.
type WatcherDefinition struct {
	Name       string
	Kind       WatcherKind
	DNSPod     *DNSPodCreds
	AliDNS     *AliDNSCreds
	Cloudflare *CloudflareCreds
	HTTP       *HTTPSpec
	Script     *ScriptSpec
}

// EndpointEvent is emitted by a Mapping Runner and routed by the
// Dispatcher to the Watcher Handler identified by Binding.WatcherName.
//
// Endpoint is nil for a terminal event (mapping stopped or lost its
// endpoint past the reacquisition grace period): Handlers interpret this
// as "roll back".
type EndpointEvent struct {
	MappingID  string
	Binding    WatcherBinding
	Endpoint   *PublicEndpoint
	Generation uint64
}

// ReconciledState is the last endpoint and rendered value a Handler
// successfully applied for one (watcher name, binding) pair, plus
// bookkeeping for auto-created DNS records.
//
// A Handler owns and serializes access to the ReconciledState for every
// binding addressed to it; this type itself performs no locking.
type ReconciledState struct {
	Endpoint      *PublicEndpoint
	RenderedValue string
	RecordID      string
	AutoCreated   bool
}

// Reconciles reports whether applying event against this state would be
// a no-op: the incoming (endpoint, rendered value) pair already matches
// what was last successfully applied.
func (s *ReconciledState) Reconciles(endpoint *PublicEndpoint, renderedValue string) bool {
	return s.Endpoint.Equal(endpoint) && s.RenderedValue == renderedValue
}
