// SPDX-License-Identifier: GPL-3.0-or-later

package netx

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestNewSpanID(t *testing.T) {
	id1 := NewSpanID()
	id2 := NewSpanID()

	assert.NotEmpty(t, id1)
	assert.NotEqual(t, id1, id2)

	parsed, err := uuid.Parse(id1)
	assert.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}
