// Copyright 2024 The Fragcache Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package trace

import (
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
)

type headKey struct {
	sharing fragment.Sharing
	tag     isa.Tag
}

// HeadCounterTable counts dispatcher entries into each trace-head
// fragment, the signal the monitor uses to decide when to start
// building a trace. Counter lookups take only the read lock on the
// common path and the increment itself is atomic; only first-touch
// allocation of a counter takes the write lock.
type HeadCounterTable struct {
	mu     sync.RWMutex
	counts map[headKey]*atomicbitops.Uint32
}

// NewHeadCounterTable creates an empty counter table.
func NewHeadCounterTable() *HeadCounterTable {
	return &HeadCounterTable{counts: make(map[headKey]*atomicbitops.Uint32)}
}

// Increment bumps the counter for (sharing, tag) and returns its new
// value.
func (h *HeadCounterTable) Increment(sharing fragment.Sharing, tag isa.Tag) uint32 {
	key := headKey{sharing, tag}
	h.mu.RLock()
	c, ok := h.counts[key]
	h.mu.RUnlock()
	if !ok {
		h.mu.Lock()
		c, ok = h.counts[key]
		if !ok {
			c = new(atomicbitops.Uint32)
			h.counts[key] = c
		}
		h.mu.Unlock()
	}
	return c.Add(1)
}

// Reset zeroes the counter for (sharing, tag), called once a trace has
// been built from this head so recounting starts fresh.
func (h *HeadCounterTable) Reset(sharing fragment.Sharing, tag isa.Tag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.counts, headKey{sharing, tag})
}

// RemoveRange deletes every counter whose tag falls in [lo, hi) within
// sharing. Grounded on the original's thcounter_range_remove and
// generalized the same way pkg/fragment.Table.RemoveRange generalizes
// it for the fragment table itself.
func (h *HeadCounterTable) RemoveRange(sharing fragment.Sharing, lo, hi isa.Tag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.counts {
		if k.sharing == sharing && k.tag >= lo && k.tag < hi {
			delete(h.counts, k)
		}
	}
}
