// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !unix

package prober

import "syscall"

// reuseAddrControl is a no-op on platforms without SO_REUSEPORT; the
// first bind wins and concurrent binds surface the platform's error.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
