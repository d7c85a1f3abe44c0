// SPDX-License-Identifier: GPL-3.0-or-later

package natcore

import (
	"strconv"
	"strings"
)

// RenderTemplate substitutes the literal tokens "{ip}" and "{port}" in
// tmpl with the decimal IPv4 address and decimal port of endpoint. No
// other substitutions are performed.
//
// A nil endpoint renders both tokens as the empty string, which is the
// correct behavior for a terminal event's rollback payload.
func RenderTemplate(tmpl string, endpoint *PublicEndpoint) string {
	var ip, port string
	if endpoint != nil {
		ip = endpoint.IP.String()
		port = strconv.Itoa(int(endpoint.Port))
	}
	r := strings.NewReplacer("{ip}", ip, "{port}", port)
	return r.Replace(tmpl)
}
