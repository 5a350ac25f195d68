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

package linker

import (
	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
)

// CoarseRegistry tracks which tags belong to a frozen, persistable
// coarse unit rather than the fine-grained per-fragment table. It is
// deliberately one-directional: coarse units never import the linker,
// so CoarseRegistry depends only on pkg/fragment and pkg/isa.
type CoarseRegistry struct {
	// ranges maps a coarse unit's module range to the set of tags it
	// covers; looked up linearly since a process has very few coarse
	// units (typically one per loaded module).
	ranges []coarseRange
}

type coarseRange struct {
	Sharing fragment.Sharing
	Lo, Hi  isa.Tag
	Unit    string
}

// NewCoarseRegistry creates an empty registry.
func NewCoarseRegistry() *CoarseRegistry { return &CoarseRegistry{} }

// RegisterUnit records that [lo, hi) within sharing now belongs to the
// named coarse unit.
func (r *CoarseRegistry) RegisterUnit(name string, sharing fragment.Sharing, lo, hi isa.Tag) {
	r.ranges = append(r.ranges, coarseRange{Sharing: sharing, Lo: lo, Hi: hi, Unit: name})
}

// Covers reports whether tag falls within a registered coarse unit.
func (r *CoarseRegistry) Covers(sharing fragment.Sharing, tag isa.Tag) (unit string, ok bool) {
	for _, cr := range r.ranges {
		if cr.Sharing == sharing && tag >= cr.Lo && tag < cr.Hi {
			return cr.Unit, true
		}
	}
	return "", false
}

// LinkCoarseProxy wires a fine-grained fragment's exit to a coarse
// unit's entrance stub instead of a real Fragment: the cti at
// ctiOffset is patched to entranceStubPC immediately (no fine-grained
// target exists to wait for). Only the branch is patched; no LinkStub
// bit or incoming list records the edge.
func (l *Linker) LinkCoarseProxy(from *fragment.Fragment, ctiOffset int, unit string, entranceStubPC uintptr) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctiPC := from.Start + uintptr(ctiOffset)
	if err := l.ISA.PatchBranch(from.Mode, ctiPC, entranceStubPC, false); err != nil {
		log.Warningf("linker: link coarse proxy at %#x: %v", ctiPC, err)
		return
	}
	log.Debugf("linker: %s linked to coarse unit %s via proxy", from, unit)
}

// ExpandFromCoarse is called once a coarse unit's tag has been
// re-translated as a real fine-grained Fragment: it drops the unit's
// range from the coarse registry. Branches already patched by
// LinkCoarseProxy are not touched or re-linked; no record of them is
// kept, so they keep targeting the unit's entrance stubs.
func (l *Linker) ExpandFromCoarse(unit string, sharing fragment.Sharing, lo, hi isa.Tag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.coarse != nil {
		l.coarse.removeUnit(unit)
	}
	log.Debugf("linker: coarse unit %s expanded to fine-grained over [%d,%d)", unit, lo, hi)
}

// removeUnit drops unit's range, e.g. once it has been fully expanded
// back to fine-grained fragments.
func (r *CoarseRegistry) removeUnit(unit string) {
	kept := r.ranges[:0]
	for _, cr := range r.ranges {
		if cr.Unit != unit {
			kept = append(kept, cr)
		}
	}
	r.ranges = kept
}
