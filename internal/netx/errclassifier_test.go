// SPDX-License-Identifier: GPL-3.0-or-later

package netx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultErrClassifier(t *testing.T) {
	t.Run("nil error", func(t *testing.T) {
		assert.Equal(t, "", DefaultErrClassifier.Classify(nil))
	})

	t.Run("context canceled", func(t *testing.T) {
		assert.NotEmpty(t, DefaultErrClassifier.Classify(context.Canceled))
	})

	t.Run("generic error", func(t *testing.T) {
		assert.NotEmpty(t, DefaultErrClassifier.Classify(errors.New("mocked error")))
	})
}

func TestErrClassifierFunc(t *testing.T) {
	var calledWith error
	fn := ErrClassifierFunc(func(err error) string {
		calledWith = err
		return "MOCKED"
	})
	input := errors.New("antani")
	assert.Equal(t, "MOCKED", fn.Classify(input))
	assert.Same(t, input, calledWith)
}
