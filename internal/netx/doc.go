// SPDX-License-Identifier: GPL-3.0-or-later

// Package netx provides the composable network primitives shared by
// fcnatd's probers and watcher handlers: dialing, connection observation,
// context-bound cancellation, error classification, span IDs, and a small
// HTTP transport built on top of an already-established connection.
//
// The core abstraction is the same as the upstream primitive this package
// is adapted from: a [Func] represents one network operation with exactly
// one success mode and one failure mode, composable via [Compose2] and
// friends. fcnatd uses this to build the STUN-TCP Prober's pipelines:
// dial the STUN server, wrap for context cancellation, wrap for I/O
// observation; and, on the keepalive side, wrap the freshly-dialed
// connection as an [*HTTPConn] and issue the GET that keeps the NAT
// binding warm. Watcher-side REST traffic (DNS control planes, user
// webhooks) rides a pooled [net/http.Client] instead, since those
// endpoints have no held-connection requirement.
//
// Operations never modify the context they receive; callers control
// timeouts via [context.WithTimeout] and connection lifetime via
// [CancelWatchFunc].
package netx
