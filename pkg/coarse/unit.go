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

// Package coarse implements coarse-grain units: large, persistable ranges of fine-grained-equivalent code
// addressed through a shared entrance-stub table rather than individual
// per-fragment link stubs, so a whole module's translation can be
// frozen, written to disk, and reloaded without re-emitting it.
package coarse

import (
	"fmt"

	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/stubheap"
)

// Unit is one coarse-grain unit: an address range within a sharing
// class, backed by an entrance-stub slab whose hot-patch windows are
// guaranteed never to straddle a cache line.
type Unit struct {
	Name    string
	Sharing fragment.Sharing
	Lo, Hi  isa.Tag

	entrances     *stubheap.Heap
	entranceByTag map[isa.Tag]uintptr
}

// NewUnit creates a coarse unit covering [lo, hi) within sharing, with
// room for numEntrances entrance stubs sized by isaImpl.
func NewUnit(name string, sharing fragment.Sharing, lo, hi isa.Tag, isaImpl isa.InstructionSet, numEntrances int) (*Unit, error) {
	stubSize := isaImpl.StubSize()
	patchWindowOffset := stubSize - 4
	heap, err := stubheap.NewCoarseEntrance(stubSize, numEntrances, patchWindowOffset)
	if err != nil {
		return nil, fmt.Errorf("coarse: new unit %s: %w", name, err)
	}
	return &Unit{
		Name:          name,
		Sharing:       sharing,
		Lo:            lo,
		Hi:            hi,
		entrances:     heap,
		entranceByTag: make(map[isa.Tag]uintptr),
	}, nil
}

// Contains reports whether tag falls within the unit's range.
func (u *Unit) Contains(tag isa.Tag) bool { return tag >= u.Lo && tag < u.Hi }

// AddEntrance allocates (or returns the existing) entrance stub
// address for tag.
func (u *Unit) AddEntrance(tag isa.Tag) (uintptr, error) {
	if pc, ok := u.entranceByTag[tag]; ok {
		return pc, nil
	}
	pc, err := u.entrances.Alloc()
	if err != nil {
		return 0, fmt.Errorf("coarse: add entrance for %s in %s: %w", tag, u.Name, err)
	}
	u.entranceByTag[tag] = pc
	return pc, nil
}

// EntranceFor looks up tag's entrance stub address, if any has been
// installed.
func (u *Unit) EntranceFor(tag isa.Tag) (uintptr, bool) {
	pc, ok := u.entranceByTag[tag]
	return pc, ok
}

// NumEntrances reports how many entrance stubs are currently installed.
func (u *Unit) NumEntrances() int { return len(u.entranceByTag) }

// Close releases the entrance-stub slab.
func (u *Unit) Close() error { return u.entrances.Close() }
