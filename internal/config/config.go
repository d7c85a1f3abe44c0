// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the fcnatd configuration document and validates
// it into the domain types the supervisor consumes. Everything that can
// be rejected before any network activity (unknown watcher references,
// malformed endpoint URLs, missing priorities, duplicate UPnP ports) is
// rejected here so a misconfigured daemon exits before acquiring
// anything.
package config

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/miekg/dns"
)

// Defaults for the values §6 of the documentation leaves optional.
const (
	DefaultTCPKeepaliveInterval = 50 * time.Second
	DefaultTCPStunInterval      = 300 * time.Second
	DefaultUDPStunInterval      = 20 * time.Second
	DefaultKeepaliveURL         = "http://www.google.com/generate_204"
)

// fileDocument is the raw JSON shape of the configuration file.
type fileDocument struct {
	Map    map[string][]bindingJSON  `json:"map"`
	TCP    *tcpJSON                  `json:"tcp"`
	UDP    *udpJSON                  `json:"udp"`
	UPnP   *bool                     `json:"upnp"`
	DNSPod map[string]dnspodJSON     `json:"dnspod"`
	AliDNS map[string]alidnsJSON     `json:"alidns"`
	CF     map[string]cloudflareJSON `json:"cf"`
	HTTP   map[string]httpJSON       `json:"http"`
	Script map[string]scriptJSON     `json:"script"`
}

type bindingJSON struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Type     string  `json:"type"`
	Priority *uint16 `json:"priority"`
	RID      string  `json:"rid"`
	TTL      *uint32 `json:"ttl"`
	Proxied  *bool   `json:"proxied"`
}

type tcpJSON struct {
	Stun         []string `json:"stun"`
	Keepalive    string   `json:"keepalive"`
	Interval     int      `json:"interval"`
	StunInterval int      `json:"stun_interval"`
}

type udpJSON struct {
	Stun     []string `json:"stun"`
	Interval int      `json:"interval"`
}

type dnspodJSON struct {
	ID     string `json:"id"`
	Token  string `json:"token"`
	Domain string `json:"domain"`
}

type alidnsJSON struct {
	AccessKeyID     string `json:"access_key_id"`
	AccessKeySecret string `json:"access_key_secret"`
	RegionID        string `json:"region_id"`
}

type cloudflareJSON struct {
	Token  string `json:"token"`
	ZoneID string `json:"zone_id"`
}

type httpJSON struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

type scriptJSON struct {
	Path string   `json:"path"`
	Args []string `json:"args"`
}

// Mapping pairs one validated local endpoint with its watcher bindings.
type Mapping struct {
	Local    natcore.LocalEndpoint
	Bindings []natcore.WatcherBinding
}

// ID returns the mapping identifier used in events and logs.
func (m Mapping) ID() string {
	return m.Local.String()
}

// TCPSettings configures the STUN-TCP acquisition strategy.
type TCPSettings struct {
	StunServers  []string
	KeepaliveURL string
	Interval     time.Duration
	StunInterval time.Duration
}

// UDPSettings configures the STUN-UDP acquisition strategy.
type UDPSettings struct {
	StunServers []string
	Interval    time.Duration
}

// Config is the fully validated configuration.
type Config struct {
	Mappings []Mapping
	Watchers map[string]natcore.WatcherDefinition
	TCP      TCPSettings
	UDP      UDPSettings
	UPnP     bool
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Parse validates a raw configuration document.
func Parse(data []byte) (*Config, error) {
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: invalid JSON: %w", err)
	}

	cfg := &Config{
		Watchers: make(map[string]natcore.WatcherDefinition),
		UPnP:     true,
	}
	if doc.UPnP != nil {
		cfg.UPnP = *doc.UPnP
	}
	cfg.TCP = tcpSettings(doc.TCP)
	cfg.UDP = udpSettings(doc.UDP)

	if err := collectWatchers(cfg, &doc); err != nil {
		return nil, err
	}
	if err := collectMappings(cfg, &doc); err != nil {
		return nil, err
	}
	if len(cfg.Mappings) == 0 {
		return nil, fmt.Errorf("config: no mappings configured")
	}
	if err := validateStunServers(cfg); err != nil {
		return nil, err
	}
	if err := validateUPnPPorts(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func tcpSettings(raw *tcpJSON) TCPSettings {
	out := TCPSettings{
		KeepaliveURL: DefaultKeepaliveURL,
		Interval:     DefaultTCPKeepaliveInterval,
		StunInterval: DefaultTCPStunInterval,
	}
	if raw == nil {
		return out
	}
	out.StunServers = raw.Stun
	if raw.Keepalive != "" {
		out.KeepaliveURL = raw.Keepalive
	}
	if raw.Interval > 0 {
		out.Interval = time.Duration(raw.Interval) * time.Second
	}
	if raw.StunInterval > 0 {
		out.StunInterval = time.Duration(raw.StunInterval) * time.Second
	}
	return out
}

func udpSettings(raw *udpJSON) UDPSettings {
	out := UDPSettings{Interval: DefaultUDPStunInterval}
	if raw == nil {
		return out
	}
	out.StunServers = raw.Stun
	if raw.Interval > 0 {
		out.Interval = time.Duration(raw.Interval) * time.Second
	}
	return out
}

// collectWatchers merges the five watcher families into one namespace,
// rejecting duplicate names across families.
func collectWatchers(cfg *Config, doc *fileDocument) error {
	add := func(def natcore.WatcherDefinition) error {
		if def.Name == "" {
			return fmt.Errorf("config: %s watcher with empty name", def.Kind)
		}
		if prev, dup := cfg.Watchers[def.Name]; dup {
			return fmt.Errorf("config: watcher name %q used by both %s and %s",
				def.Name, prev.Kind, def.Kind)
		}
		cfg.Watchers[def.Name] = def
		return nil
	}

	for name, creds := range doc.DNSPod {
		err := add(natcore.WatcherDefinition{
			Name: name, Kind: natcore.WatcherDNSPod,
			DNSPod: &natcore.DNSPodCreds{ID: creds.ID, Token: creds.Token, Domain: creds.Domain},
		})
		if err != nil {
			return err
		}
	}
	for name, creds := range doc.AliDNS {
		err := add(natcore.WatcherDefinition{
			Name: name, Kind: natcore.WatcherAliDNS,
			AliDNS: &natcore.AliDNSCreds{
				AccessKeyID:     creds.AccessKeyID,
				AccessKeySecret: creds.AccessKeySecret,
				RegionID:        creds.RegionID,
			},
		})
		if err != nil {
			return err
		}
	}
	for name, creds := range doc.CF {
		err := add(natcore.WatcherDefinition{
			Name: name, Kind: natcore.WatcherCloudflare,
			Cloudflare: &natcore.CloudflareCreds{APIToken: creds.Token, ZoneID: creds.ZoneID},
		})
		if err != nil {
			return err
		}
	}
	for name, spec := range doc.HTTP {
		if spec.URL == "" {
			return fmt.Errorf("config: http watcher %q: missing url", name)
		}
		err := add(natcore.WatcherDefinition{
			Name: name, Kind: natcore.WatcherHTTP,
			HTTP: &natcore.HTTPSpec{
				URL: spec.URL, Method: spec.Method, Body: spec.Body, Headers: spec.Headers,
			},
		})
		if err != nil {
			return err
		}
	}
	for name, spec := range doc.Script {
		if spec.Path == "" {
			return fmt.Errorf("config: script watcher %q: missing path", name)
		}
		err := add(natcore.WatcherDefinition{
			Name: name, Kind: natcore.WatcherScript,
			Script: &natcore.ScriptSpec{Path: spec.Path, Args: spec.Args},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func collectMappings(cfg *Config, doc *fileDocument) error {
	for rawEndpoint, rawBindings := range doc.Map {
		local, err := ParseLocalEndpoint(rawEndpoint)
		if err != nil {
			return err
		}
		mapping := Mapping{Local: local}
		for _, raw := range rawBindings {
			binding, err := validateBinding(cfg, rawEndpoint, raw)
			if err != nil {
				return err
			}
			mapping.Bindings = append(mapping.Bindings, binding)
		}
		cfg.Mappings = append(cfg.Mappings, mapping)
	}
	// JSON object order is not observable; sort so startup is stable.
	sort.Slice(cfg.Mappings, func(i, j int) bool {
		return cfg.Mappings[i].ID() < cfg.Mappings[j].ID()
	})
	return nil
}

func validateBinding(cfg *Config, endpoint string, raw bindingJSON) (natcore.WatcherBinding, error) {
	var zero natcore.WatcherBinding
	def, known := cfg.Watchers[raw.Name]
	if !known {
		return zero, fmt.Errorf("config: mapping %q references unknown watcher %q", endpoint, raw.Name)
	}

	binding := natcore.WatcherBinding{
		WatcherName:   raw.Name,
		ValueTemplate: raw.Value,
		Domain:        raw.Domain,
		RecordType:    raw.Type,
		Priority:      raw.Priority,
		RecordID:      raw.RID,
		TTL:           raw.TTL,
		Proxied:       raw.Proxied,
	}

	switch def.Kind {
	case natcore.WatcherDNSPod, natcore.WatcherAliDNS, natcore.WatcherCloudflare:
		if err := validateDNSBinding(endpoint, &binding); err != nil {
			return zero, err
		}
	}
	return binding, nil
}

// validateDNSBinding canonicalizes the record type and enforces the
// priority requirement for the types that carry one.
func validateDNSBinding(endpoint string, binding *natcore.WatcherBinding) error {
	if binding.Domain == "" {
		return fmt.Errorf("config: mapping %q: DNS binding %q: missing domain",
			endpoint, binding.WatcherName)
	}
	if binding.RecordType == "" {
		binding.RecordType = "A"
	}
	canonical := strings.ToUpper(binding.RecordType)
	rrType, known := dns.StringToType[canonical]
	if !known {
		return fmt.Errorf("config: mapping %q: DNS binding %q: unknown record type %q",
			endpoint, binding.WatcherName, binding.RecordType)
	}
	binding.RecordType = canonical

	switch rrType {
	case dns.TypeMX, dns.TypeSVCB, dns.TypeHTTPS:
		if binding.Priority == nil {
			return fmt.Errorf("config: mapping %q: DNS binding %q: record type %s requires priority",
				endpoint, binding.WatcherName, canonical)
		}
	}
	if canonical != "A" && binding.ValueTemplate == "" {
		return fmt.Errorf("config: mapping %q: DNS binding %q: record type %s requires a value",
			endpoint, binding.WatcherName, canonical)
	}
	return nil
}

// ParseLocalEndpoint parses a "scheme://ipv4:port" mapping key. Scheme
// is one of tcp, udp, tcp+upnp, udp+upnp.
func ParseLocalEndpoint(raw string) (natcore.LocalEndpoint, error) {
	var zero natcore.LocalEndpoint
	u, err := url.Parse(raw)
	if err != nil {
		return zero, fmt.Errorf("config: invalid local endpoint %q: %w", raw, err)
	}

	scheme := u.Scheme
	upnpMode := natcore.UPnPInherit
	if base, found := strings.CutSuffix(scheme, "+upnp"); found {
		scheme = base
		upnpMode = natcore.UPnPForceOn
	}

	var protocol natcore.Protocol
	switch scheme {
	case "tcp":
		protocol = natcore.ProtocolTCP
	case "udp":
		protocol = natcore.ProtocolUDP
	default:
		return zero, fmt.Errorf("config: invalid local endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}

	ip, err := netip.ParseAddr(u.Hostname())
	if err != nil || !ip.Is4() {
		return zero, fmt.Errorf("config: invalid local endpoint %q: host must be an IPv4 address", raw)
	}
	if u.Port() == "" {
		return zero, fmt.Errorf("config: invalid local endpoint %q: port required", raw)
	}
	addrPort, err := netip.ParseAddrPort(ip.String() + ":" + u.Port())
	if err != nil {
		return zero, fmt.Errorf("config: invalid local endpoint %q: %w", raw, err)
	}

	return natcore.LocalEndpoint{
		Protocol: protocol,
		IP:       addrPort.Addr(),
		Port:     addrPort.Port(),
		UPnP:     upnpMode,
	}, nil
}

// validateStunServers requires a STUN server list for every protocol
// that has at least one non-UPnP mapping using it.
func validateStunServers(cfg *Config) error {
	for _, m := range cfg.Mappings {
		if m.Local.UsesUPnP(cfg.UPnP) {
			continue
		}
		switch m.Local.Protocol {
		case natcore.ProtocolTCP:
			if len(cfg.TCP.StunServers) == 0 {
				return fmt.Errorf("config: mapping %q needs tcp.stun servers", m.ID())
			}
		case natcore.ProtocolUDP:
			if len(cfg.UDP.StunServers) == 0 {
				return fmt.Errorf("config: mapping %q needs udp.stun servers", m.ID())
			}
		}
	}
	return nil
}

// validateUPnPPorts rejects two UPnP mappings competing for the same
// external (protocol, port) pair.
func validateUPnPPorts(cfg *Config) error {
	type key struct {
		protocol natcore.Protocol
		port     uint16
	}
	seen := make(map[key]string)
	for _, m := range cfg.Mappings {
		if !m.Local.UsesUPnP(cfg.UPnP) {
			continue
		}
		k := key{protocol: m.Local.Protocol, port: m.Local.Port}
		if prev, dup := seen[k]; dup {
			return fmt.Errorf("config: mappings %q and %q both request UPnP external port %d/%s",
				prev, m.ID(), k.port, k.protocol)
		}
		seen[k] = m.ID()
	}
	return nil
}
