// SPDX-License-Identifier: GPL-3.0-or-later

package natcore

import "sync/atomic"

// GenerationCounter produces the strictly-increasing per-mapping sequence
// number carried by every [EndpointEvent]. The zero value is
// ready to use and starts at generation 1 on the first call to [Next].
type GenerationCounter struct {
	value atomic.Uint64
}

// Next returns the next generation, strictly greater than any previously
// returned value. Safe for concurrent use.
func (g *GenerationCounter) Next() uint64 {
	return g.value.Add(1)
}

// Current returns the most recently issued generation, or 0 if [Next] has
// never been called.
func (g *GenerationCounter) Current() uint64 {
	return g.value.Load()
}
