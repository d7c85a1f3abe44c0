// SPDX-License-Identifier: GPL-3.0-or-later

package natcore

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	endpoint := &PublicEndpoint{IP: netip.MustParseAddr("1.2.3.4"), Port: 42}

	t.Run("both tokens", func(t *testing.T) {
		assert.Equal(t, "X 1.2.3.4:42 Y", RenderTemplate("X {ip}:{port} Y", endpoint))
	})

	t.Run("no tokens", func(t *testing.T) {
		assert.Equal(t, "plain", RenderTemplate("plain", endpoint))
	})

	t.Run("repeated tokens", func(t *testing.T) {
		assert.Equal(t, "1.2.3.4 1.2.3.4", RenderTemplate("{ip} {ip}", endpoint))
	})

	t.Run("nil endpoint renders tokens empty", func(t *testing.T) {
		assert.Equal(t, "X : Y", RenderTemplate("X {ip}:{port} Y", nil))
	})
}
