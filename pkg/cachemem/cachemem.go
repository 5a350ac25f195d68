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

// Package cachemem provides the executable memory region backing the
// code cache, plus the SELF_PROTECT_CACHE writable/read-only toggle
// every emission transaction needs around it.
package cachemem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/fragcache/fragcache/pkg/isa"
)

// Region is a contiguous, page-aligned slice of executable memory used
// as the code cache or a stub slab. Reserve, Remaining and Contains
// are serialized by an internal mutex; Bytes and WithWritable take no
// lock, and bytes once reserved are never handed back to the region.
type Region struct {
	mu       sync.Mutex
	base     []byte
	start    uintptr
	next     uintptr
	writable bool
}

// New mmaps a region of size bytes (rounded up to the page size) as
// PROT_READ|PROT_EXEC, the same unix.Mmap call fdbased's packet ring
// buffer setup uses, adapted here to an executable code region.
func New(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("cachemem: invalid size %d", size)
	}
	pageSize := unix.Getpagesize()
	size = roundUp(size, pageSize)
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("cachemem: mmap %d bytes: %w", size, err)
	}
	r := &Region{base: b, start: uintptr(sliceAddr(b))}
	r.next = r.start
	return r, nil
}

// Close unmaps the region.
func (r *Region) Close() error {
	return unix.Munmap(r.base)
}

// Size returns the total capacity of the region in bytes.
func (r *Region) Size() int { return len(r.base) }

// Remaining reports how many bytes are still unallocated.
func (r *Region) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.base) - int(r.next-r.start)
}

// Reserve bump-allocates n contiguous bytes from the region and returns
// their starting address. The emitter calls this once per fragment
// during its encode pass; stub slabs use a
// separate, freelist-backed allocator (pkg/stubheap) instead since
// stubs are freed individually.
func (r *Region) Reserve(n int) (uintptr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(r.next-r.start)+n > len(r.base) {
		return 0, fmt.Errorf("cachemem: out of space (need %d, have %d)", n, len(r.base)-int(r.next-r.start))
	}
	pc := r.next
	r.next += uintptr(n)
	return pc, nil
}

// Bytes returns a mutable view of the region spanning [pc, pc+n). The
// caller must hold a writable window (see WithWritable) before mutating
// the returned slice.
func (r *Region) Bytes(pc uintptr, n int) []byte {
	off := int(pc - r.start)
	return r.base[off : off+n]
}

// Start is the region's base address.
func (r *Region) Start() uintptr { return r.start }

// Contains reports whether pc falls within the region's allocated
// bytes.
func (r *Region) Contains(pc uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return pc >= r.start && pc < r.next
}

// WithWritable opens the SELF_PROTECT_CACHE writable window, runs fn,
// then restores PROT_READ|PROT_EXEC, and finally calls
// platform.MachineCacheSync over the full region. This is a typed guard
// whose lifetime is the emission transaction; Go has
// no borrow checker to enforce "no link while writable" at compile
// time, so callers must not call into the linker from within fn.
func (r *Region) WithWritable(plat isa.Platform, fn func() error) error {
	if err := unix.Mprotect(r.base, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("cachemem: mprotect writable: %w", err)
	}
	ferr := fn()
	if err := unix.Mprotect(r.base, unix.PROT_READ|unix.PROT_EXEC); err != nil && ferr == nil {
		ferr = fmt.Errorf("cachemem: mprotect readonly: %w", err)
	}
	if plat != nil {
		plat.MachineCacheSync(r.start, r.start+uintptr(len(r.base)))
	}
	return ferr
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
