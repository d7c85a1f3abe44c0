// SPDX-License-Identifier: GPL-3.0-or-later

// Package watcher implements the side-effect performers that consume
// endpoint events: the DNSPod, AliDNS, and Cloudflare DNS record
// reconcilers, the HTTP webhook caller, and the script invoker.
//
// Each (watcher, binding) pair is served by one [*Loop], which owns that
// binding's reconciled state, drains the binding's dispatcher mailbox,
// and applies events with idempotence and bounded exponential retry. A
// retry in progress is abandoned as soon as a newer event supersedes the
// one being retried.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// Applier is the capability set shared by all watcher families. One
// Applier exists per watcher definition; it must be safe for concurrent
// use because multiple binding loops may reference the same watcher.
//
// Per-binding mutable state lives in the [natcore.ReconciledState] owned
// by the calling [*Loop], never in the Applier.
type Applier interface {
	// Name returns the watcher's configured name.
	Name() string

	// RenderValue computes the value this watcher would apply for the
	// given binding and endpoint. The Loop compares it against the
	// reconciled state to decide whether Apply would be a no-op.
	RenderValue(binding natcore.WatcherBinding, endpoint *natcore.PublicEndpoint) string

	// Apply performs the side effect for one event. It may mutate state
	// bookkeeping fields (auto-created record ids); the Loop updates
	// state's endpoint and rendered value after Apply succeeds.
	Apply(ctx context.Context, ev natcore.EndpointEvent, rendered string, state *natcore.ReconciledState) error

	// Rollback undoes whatever Apply created automatically, if anything.
	// Invoked on terminal events (endpoint=nil).
	Rollback(ctx context.Context, binding natcore.WatcherBinding, state *natcore.ReconciledState) error
}

// PermanentError marks an authoritative rejection (DNS API 4xx other
// than 429, and similar). It is not retried; the Loop abandons the
// binding while the rest of the daemon continues.
type PermanentError struct {
	Err error
}

// Error implements error.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %s", e.Err.Error())
}

// Unwrap supports [errors.Is] and [errors.As].
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// permanentf wraps a formatted error as permanent.
func permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is an authoritative rejection.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// classifyStatus maps an HTTP response status to the error taxonomy:
// 2xx is success, 429 and 5xx are transient, any other status is an
// authoritative rejection.
func classifyStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode <= 299:
		return nil
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return fmt.Errorf("transient HTTP status %d", statusCode)
	default:
		return permanentf("HTTP status %d", statusCode)
	}
}

// NewApplier constructs the Applier for one watcher definition. client
// is shared across all HTTP-speaking watchers.
func NewApplier(def natcore.WatcherDefinition, client *http.Client, logger *slog.Logger) (Applier, error) {
	logger = logger.With(slog.String("watcher", def.Name), slog.String("kind", def.Kind.String()))
	switch def.Kind {
	case natcore.WatcherDNSPod:
		return newDNSApplier(def.Name, &dnspodProvider{creds: *def.DNSPod, client: client}, logger), nil
	case natcore.WatcherAliDNS:
		return newDNSApplier(def.Name, &alidnsProvider{creds: *def.AliDNS, client: client}, logger), nil
	case natcore.WatcherCloudflare:
		return newDNSApplier(def.Name, &cloudflareProvider{creds: *def.Cloudflare, client: client}, logger), nil
	case natcore.WatcherHTTP:
		return &httpApplier{name: def.Name, spec: *def.HTTP, client: client, logger: logger}, nil
	case natcore.WatcherScript:
		return &scriptApplier{name: def.Name, spec: *def.Script, logger: logger}, nil
	default:
		return nil, fmt.Errorf("watcher: unknown watcher kind %d", def.Kind)
	}
}
