// SPDX-License-Identifier: GPL-3.0-or-later

// Package supervisor owns the daemon's component graph: it turns the
// validated configuration into Mapping Runners, Watcher Handler loops,
// and the Dispatcher connecting them, runs everything until the shutdown
// signal, and tears the graph down in the order that lets every watcher
// observe its terminal event.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/bassosimone/fcnatd/internal/config"
	"github.com/bassosimone/fcnatd/internal/dispatcher"
	"github.com/bassosimone/fcnatd/internal/natcore"
	"github.com/bassosimone/fcnatd/internal/netx"
	"github.com/bassosimone/fcnatd/internal/prober"
	"github.com/bassosimone/fcnatd/internal/runner"
	"github.com/bassosimone/fcnatd/internal/stunclient"
	"github.com/bassosimone/fcnatd/internal/upnpclient"
	"github.com/bassosimone/fcnatd/internal/watcher"
)

// upnpLeaseDuration is the lease requested from the IGD; renewal happens
// at half of it.
const upnpLeaseDuration = time.Hour

// drainTimeout bounds how long shutdown waits for watcher loops to
// finish their terminal events.
const drainTimeout = 30 * time.Second

// Supervisor holds the instantiated component graph. Construct with
// [New]; drive with [Supervisor.Run].
type Supervisor struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	runners    []*runner.Runner
	loops      []*watcher.Loop
}

// New builds the component graph from the validated configuration. STUN
// server hostnames are resolved here, once, so a bad server list fails
// the process at startup rather than inside a Prober retry loop.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher.New(),
	}

	client := watcher.NewHTTPClient()
	appliers := make(map[string]watcher.Applier, len(cfg.Watchers))
	for name, def := range cfg.Watchers {
		applier, err := watcher.NewApplier(def, client, logger)
		if err != nil {
			return nil, err
		}
		appliers[name] = applier
	}

	tcpServers, err := resolveServers(cfg.TCP.StunServers, "tcp")
	if err != nil {
		return nil, err
	}
	udpServers, err := resolveServers(cfg.UDP.StunServers, "udp")
	if err != nil {
		return nil, err
	}

	upnpClient := upnpclient.New()
	netxConfig := netx.NewConfig()

	for _, m := range cfg.Mappings {
		mappingID := m.ID()

		for _, binding := range m.Bindings {
			sub := s.dispatcher.Subscribe(mappingID, binding)
			s.loops = append(s.loops, watcher.NewLoop(watcher.LoopConfig{
				Applier:      appliers[binding.WatcherName],
				Subscription: sub,
				Logger:       logger.With(slog.String("watcher", binding.WatcherName)),
			}))
		}

		p := s.buildProber(m, tcpServers, udpServers, upnpClient, netxConfig)
		s.runners = append(s.runners, runner.New(runner.Config{
			MappingID: mappingID,
			Prober:    p,
			Publisher: s.dispatcher,
			Logger:    logger.With(slog.String("component", "runner")),
		}))
	}
	return s, nil
}

func (s *Supervisor) buildProber(m config.Mapping, tcpServers, udpServers []netip.AddrPort,
	upnpClient *upnpclient.Client, netxConfig *netx.Config) prober.Prober {
	local := m.Local
	if local.UsesUPnP(s.cfg.UPnP) {
		return prober.NewUPnPProber(prober.UPnPConfig{
			Client:         upnpClient,
			Protocol:       strings.ToUpper(string(local.Protocol)),
			ExternalPort:   local.Port,
			InternalPort:   local.Port,
			InternalClient: local.IP,
			Description:    "fcnatd " + m.ID(),
			Lease:          upnpLeaseDuration,
		})
	}
	switch local.Protocol {
	case natcore.ProtocolUDP:
		return prober.NewStunUDPProber(prober.StunUDPConfig{
			LocalAddr: netip.AddrPortFrom(local.IP, local.Port),
			Servers:   udpServers,
			Interval:  s.cfg.UDP.Interval,
			Bind:      stunclient.BindPacket,
		})
	default:
		return prober.NewStunTCPProber(prober.StunTCPConfig{
			LocalAddr:    netip.AddrPortFrom(local.IP, local.Port),
			Servers:      formatServers(tcpServers),
			KeepaliveURL: s.cfg.TCP.KeepaliveURL,
			Interval:     s.cfg.TCP.Interval,
			StunInterval: s.cfg.TCP.StunInterval,
			Bind:         stunclient.BindStream,
			NetxConfig:   netxConfig,
			Logger:       s.logger.With(slog.String("component", "stuntcp")),
		})
	}
}

// resolveServers resolves a "host:port" server list to IPv4 endpoints.
func resolveServers(servers []string, network string) ([]netip.AddrPort, error) {
	out := make([]netip.AddrPort, 0, len(servers))
	for _, server := range servers {
		// Already an IP:port pair; nothing to look up.
		if addr, err := netip.ParseAddrPort(server); err == nil {
			out = append(out, addr)
			continue
		}
		var (
			ip   net.IP
			port int
		)
		switch network {
		case "udp":
			resolved, err := net.ResolveUDPAddr("udp4", server)
			if err != nil {
				return nil, fmt.Errorf("supervisor: resolve STUN server %q: %w", server, err)
			}
			ip, port = resolved.IP, resolved.Port
		default:
			resolved, err := net.ResolveTCPAddr("tcp4", server)
			if err != nil {
				return nil, fmt.Errorf("supervisor: resolve STUN server %q: %w", server, err)
			}
			ip, port = resolved.IP, resolved.Port
		}
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return nil, fmt.Errorf("supervisor: resolve STUN server %q: no usable address", server)
		}
		out = append(out, netip.AddrPortFrom(addr.Unmap(), uint16(port)))
	}
	return out, nil
}

func formatServers(servers []netip.AddrPort) []string {
	out := make([]string, 0, len(servers))
	for _, server := range servers {
		out = append(out, server.String())
	}
	return out
}

// Run starts every component, blocks until ctx is done, and then shuts
// the graph down: Runners first (terminal events plus UPnP release),
// then the watcher loops drain their mailboxes.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logStartup()

	var loopsWG sync.WaitGroup
	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	for _, loop := range s.loops {
		loopsWG.Add(1)
		go func() {
			defer loopsWG.Done()
			loop.Run(loopCtx)
		}()
	}

	for _, r := range s.runners {
		if err := r.Start(); err != nil {
			return err
		}
	}

	<-ctx.Done()
	s.logger.Info("shuttingDown")

	// Runners release leases and publish terminal events; stopping them
	// concurrently keeps worst-case shutdown at one prober interval.
	var runnersWG sync.WaitGroup
	for _, r := range s.runners {
		runnersWG.Add(1)
		go func() {
			defer runnersWG.Done()
			r.Stop()
		}()
	}
	runnersWG.Wait()

	// With the terminal events in the mailboxes, cap retries and let the
	// loops drain; closing the dispatcher ends them once drained.
	for _, loop := range s.loops {
		loop.BeginShutdown()
	}
	s.dispatcher.Close()

	drained := make(chan struct{})
	go func() {
		loopsWG.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn("drainTimedOut")
		cancelLoops()
		<-drained
	}

	s.logger.Info("stopped")
	return nil
}

// logStartup emits one structured summary per configured mapping.
func (s *Supervisor) logStartup() {
	for _, m := range s.cfg.Mappings {
		names := make([]string, 0, len(m.Bindings))
		for _, binding := range m.Bindings {
			names = append(names, binding.WatcherName)
		}
		s.logger.Info("mappingConfigured",
			slog.String("mapping", m.ID()),
			slog.Bool("upnp", m.Local.UsesUPnP(s.cfg.UPnP)),
			slog.Any("watchers", names))
	}
}
