// SPDX-License-Identifier: GPL-3.0-or-later

package watcher

import (
	"net/http"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/net/http2"
)

// NewHTTPClient returns the HTTP client shared by every HTTP-speaking
// watcher (webhooks and the three DNS provider control planes), with
// HTTP/2 negotiated over TLS where the server supports it.
//
// Per-attempt deadlines come from the apply loop's context; the client
// itself carries no timeout so a caller-supplied deadline is the only
// one in force.
func NewHTTPClient() *http.Client {
	txp := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Only fails on an already-configured transport, which this is not.
	runtimex.Assert(http2.ConfigureTransport(txp) == nil)
	return &http.Client{Transport: txp}
}
