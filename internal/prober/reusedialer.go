// SPDX-License-Identifier: GPL-3.0-or-later

package prober

import "net"

// newReuseDialer returns a dialer bound to localAddr with address reuse
// enabled, so multiple outbound connections (to distinct remotes) can
// originate from the one local port whose NAT binding we maintain.
func newReuseDialer(localAddr *net.TCPAddr) *net.Dialer {
	return &net.Dialer{LocalAddr: localAddr, Control: reuseAddrControl}
}
