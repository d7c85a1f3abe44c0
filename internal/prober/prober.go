// SPDX-License-Identifier: GPL-3.0-or-later

// Package prober implements the three public-endpoint acquisition
// strategies a Mapping Runner selects between: STUN over a held TCP
// connection with an HTTP keepalive, STUN over a held UDP socket, and a
// UPnP IGD port-mapping lease. All three share one capability set so the
// Runner's state machine can treat them uniformly.
package prober

import (
	"context"

	"github.com/bassosimone/fcnatd/internal/natcore"
)

// Prober abstracts the public-endpoint acquisition strategy selected for
// one Mapping. Implementations are not safe for concurrent use: a Mapping
// Runner owns exactly one Prober and drives it sequentially.
type Prober interface {
	// Start performs one-time setup (dialing, binding, IGD discovery) and
	// the initial acquisition. It returns the first observed endpoint, or
	// an error if acquisition failed; the Runner retries Start with its
	// own backoff while ACQUIRING or REACQUIRING.
	Start(ctx context.Context) (*natcore.PublicEndpoint, error)

	// Probe blocks until the Prober's next maintenance result is due
	// (the STUN re-bind interval, the UPnP lease renewal point, etc.) and
	// returns the currently observed endpoint.
	//
	// A non-nil error is one maintenance failure; it does not by itself
	// mean the endpoint was lost: the Runner counts consecutive failures
	// against its configured threshold.
	Probe(ctx context.Context) (*natcore.PublicEndpoint, error)

	// Stop releases any held resources (UPnP lease, connections, sockets).
	// Idempotent; safe to call even if Start never succeeded.
	Stop(ctx context.Context) error
}
