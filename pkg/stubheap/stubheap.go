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

// Package stubheap is the separate-stub allocator: a
// process-wide slab returning fixed-size, executable, out-of-line exit
// stubs. Blocks are packed without 16-byte alignment padding since
// stubs are cold, the way IreliaTable-gvisor's systrap subprocess pool
// packs stub addresses tightly rather than per-cache-line.
package stubheap

import (
	"fmt"
	"sort"

	"github.com/fragcache/fragcache/internal/lockorder"
	"github.com/fragcache/fragcache/pkg/cachemem"
)

// Heap is a thread-safe slab allocator for fixed-size stub blocks.
// Resolution of Open Question 1: ownership is tracked per
// slab offset, never per logical LinkStub, so a cbr/fallthrough pair
// sharing one allocation is freed exactly once and a second Free on an
// already-freed offset is a documented no-op rather than an assertion.
type Heap struct {
	mu        lockorder.SeparateStubHeapMutex
	region    *cachemem.Region
	blockSize int
	free      []uintptr // free list of block start addresses
	allocated map[uintptr]bool
}

// New creates a Heap of numBlocks blocks of blockSize bytes each,
// backed by a freshly mmap'd executable region.
func New(blockSize, numBlocks int) (*Heap, error) {
	if blockSize <= 0 || numBlocks <= 0 {
		return nil, fmt.Errorf("stubheap: invalid dimensions %d x %d", blockSize, numBlocks)
	}
	region, err := cachemem.New(blockSize * numBlocks)
	if err != nil {
		return nil, err
	}
	h := &Heap{region: region, blockSize: blockSize, allocated: make(map[uintptr]bool)}
	base := region.Start()
	for i := 0; i < numBlocks; i++ {
		h.free = append(h.free, base+uintptr(i*blockSize))
	}
	return h, nil
}

// cacheLineSize is the line width a coarse-unit entrance stub's
// hot-patch window must stay within: 16 bytes, so a window that fits
// also never straddles a larger hardware cache line.
const cacheLineSize = 16

// NewCoarseEntrance creates a Heap for coarse-unit entrance stubs: a
// stricter slab that returns an error for any blockSize and
// patchWindowOffset under which some block's 4-byte hot-patch window
// would cross a cacheLineSize boundary.
// patchWindowOffset is the offset of the 4-byte patch window within
// each block (normally blockSize-4).
func NewCoarseEntrance(blockSize, numBlocks, patchWindowOffset int) (*Heap, error) {
	if patchWindowOffset < 0 || patchWindowOffset+4 > blockSize {
		return nil, fmt.Errorf("stubheap: patch window [%d,%d) outside block of size %d", patchWindowOffset, patchWindowOffset+4, blockSize)
	}
	h, err := New(blockSize, numBlocks)
	if err != nil {
		return nil, err
	}
	for _, pc := range h.free {
		winStart := int(pc) + patchWindowOffset
		if winStart/cacheLineSize != (winStart+3)/cacheLineSize {
			h.Close()
			return nil, fmt.Errorf("stubheap: block at %#x has a hot-patch window straddling a cache line", pc)
		}
	}
	return h, nil
}

// BlockSize reports the fixed per-stub block size.
func (h *Heap) BlockSize() int { return h.blockSize }

// Alloc returns one free block's address, or an error if the slab is
// exhausted.
func (h *Heap) Alloc() (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.allocLocked()
}

func (h *Heap) allocLocked() (uintptr, error) {
	if len(h.free) == 0 {
		return 0, fmt.Errorf("stubheap: slab exhausted")
	}
	pc := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	h.allocated[pc] = true
	return pc, nil
}

// Calloc allocates n contiguous blocks, needed to pair a conditional
// branch with its fallthrough stub. On failure no blocks
// are consumed.
func (h *Heap) Calloc(n int) ([]uintptr, error) {
	if n <= 0 {
		return nil, fmt.Errorf("stubheap: invalid calloc count %d", n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	// Look for n blocks that are contiguous in address space among the
	// free list; the slab is allocated as one flat region so adjacency
	// is a simple address comparison.
	sorted := append([]uintptr(nil), h.free...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	for i := 0; i+n <= len(sorted); i++ {
		ok := true
		for j := 1; j < n; j++ {
			if sorted[i+j] != sorted[i]+uintptr(j*h.blockSize) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		run := append([]uintptr(nil), sorted[i:i+n]...)
		for _, pc := range run {
			h.removeFreeLocked(pc)
			h.allocated[pc] = true
		}
		return run, nil
	}
	return nil, fmt.Errorf("stubheap: no contiguous run of %d blocks", n)
}

func (h *Heap) removeFreeLocked(pc uintptr) {
	for i, f := range h.free {
		if f == pc {
			h.free = append(h.free[:i], h.free[i+1:]...)
			return
		}
	}
}

// Free returns pc to the free list. Freeing an address that is not
// currently allocated (e.g. either half of a Calloc(2) pair that
// FreePair has already returned, Open Question 1) is a no-op.
func (h *Heap) Free(pc uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allocated[pc] {
		return
	}
	delete(h.allocated, pc)
	h.free = append(h.free, pc)
}

// FreePair returns a two-block allocation obtained from Calloc(2) to
// the free list in one step.
func (h *Heap) FreePair(pc uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, off := range []uintptr{pc, pc + uintptr(h.blockSize)} {
		if h.allocated[off] {
			delete(h.allocated, off)
			h.free = append(h.free, off)
		}
	}
}

// Region exposes the backing memory region, e.g. so the emitter can
// encode stub bodies via WithWritable.
func (h *Heap) Region() *cachemem.Region { return h.region }

// Outstanding reports the number of currently allocated blocks, for
// tests and statistics.
func (h *Heap) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.allocated)
}

// Close releases the backing region.
func (h *Heap) Close() error {
	return h.region.Close()
}
