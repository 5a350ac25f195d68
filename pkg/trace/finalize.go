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
	"fmt"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
)

// Finalize ends tid's in-progress trace and emits it as a single
// shadow Fragment over the original head:
// mangle the joined block list into one IList, speculatively bias the
// final exit toward its most likely target, emit the result with the
// head's flags (minus FlagTraceHead, plus FlagTrace) through
// EmitAsReplacement, which shifts every link the old head had onto the
// new trace, and reset the head counter so the next round of sampling
// starts clean. No Future flag inheritance is applied, and nothing is
// deleted here, for private and shared traces alike: the old head only
// loses its table slot and stays reachable through Table.ByID.
//
// For shared traces, the actual commit is coalesced through a
// singleflight.Group keyed by (sharing, tag): if two threads finalize
// a trace for the same head concurrently, only the first actually
// emits and links; the second discovers the first's result and aborts
// its own redundant build.
func (m *Monitor) Finalize(tid ThreadID) (*fragment.Fragment, error) {
	ts := m.threadFor(tid)
	if ts.state != StateBuilding {
		return nil, fmt.Errorf("trace: thread %d has no in-progress trace", tid)
	}
	blocks := ts.blocks
	sharing := ts.sharing
	headTag := ts.headTag
	ts.state = StateSearch
	ts.blocks = nil

	if sharing == fragment.Private {
		return m.commitTrace(headTag, sharing, blocks)
	}

	key := fmtKey(sharing, headTag)
	result, err, _ := m.commit.Do(key, func() (interface{}, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, _, ok := m.Table.Lookup(headTag, sharing); ok && existing != nil && existing.Flags().Has(fragment.FlagTrace) {
			log.Debugf("trace: %s already committed by another thread, dropping redundant build", headTag)
			return existing, nil
		}
		return m.commitTrace(headTag, sharing, blocks)
	})
	if err != nil {
		return nil, err
	}
	return result.(*fragment.Fragment), nil
}

// commitTrace mangles blocks into one IList and emits it as a
// replacement for the old trace head.
func (m *Monitor) commitTrace(headTag isa.Tag, sharing fragment.Sharing, blocks []block) (*fragment.Fragment, error) {
	il := mangle(blocks)
	speculateFinalExit(&il)

	old, _, ok := m.Table.Lookup(headTag, sharing)
	if !ok || old == nil {
		return nil, fmt.Errorf("trace: head %s vanished before finalize", headTag)
	}

	flags := old.Flags()&^fragment.FlagTraceHead | fragment.FlagTrace
	newFrag, err := m.Emitter.EmitAsReplacement(old, il, emitter.EmitOptions{Flags: flags})
	if err != nil {
		return nil, fmt.Errorf("trace: emit trace for %s: %w", headTag, err)
	}
	m.HeadCounts.Reset(sharing, headTag)
	log.Infof("trace: committed trace %s over %d blocks", newFrag, len(blocks))
	return newFrag, nil
}

// mangle concatenates each block's instructions and exits into one
// IList, renumbering exit indices to the joined instruction stream.
func mangle(blocks []block) isa.IList {
	var out isa.IList
	base := 0
	for _, b := range blocks {
		out.Instrs = append(out.Instrs, b.il.Instrs...)
		for _, ex := range b.il.Exits {
			ex.Index += base
			out.Exits = append(out.Exits, ex)
		}
		base += len(b.il.Instrs)
	}
	return out
}

// speculateFinalExit biases the trace's last exit cti to a
// CTIIndirect-turned-direct guess when the block that produced it
// repeatedly targeted the same tag during tracing: the original's
// equivalent walks the still-building block list to find a
// monomorphic indirect call/return site and open-codes it as a direct
// guess with a fallback, so the common case never pays the full ibl
// lookup cost. This
// implementation only flips the Kind of an already-monomorphic final
// exit the caller's IList construction already resolved to a concrete
// Target; it cannot speculate a target the caller never provided.
func speculateFinalExit(il *isa.IList) {
	if len(il.Exits) == 0 {
		return
	}
	last := &il.Exits[len(il.Exits)-1]
	if last.Kind == isa.CTIIndirect && last.Target != 0 {
		last.Kind = isa.CTIDirect
	}
}
