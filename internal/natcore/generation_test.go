// SPDX-License-Identifier: GPL-3.0-or-later

package natcore

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerationCounterStrictlyIncreases(t *testing.T) {
	var g GenerationCounter
	assert.Equal(t, uint64(0), g.Current())

	first := g.Next()
	second := g.Next()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(2), second)
	assert.Equal(t, uint64(2), g.Current())
}

func TestGenerationCounterConcurrentNext(t *testing.T) {
	var g GenerationCounter
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- g.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		assert.False(t, unique[v], "generation %d issued twice", v)
		unique[v] = true
	}
	assert.Len(t, unique, 100)
}
