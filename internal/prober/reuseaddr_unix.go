// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package prober

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl marks the socket with SO_REUSEADDR and SO_REUSEPORT
// before bind. The STUN-TCP Prober dials both its held STUN connection
// and its keepalive connection from the mapping's forwarding port, and
// that port is typically also bound by the forwarded service; without
// address reuse the second bind fails with EADDRINUSE.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); ctrlErr != nil {
			return
		}
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
