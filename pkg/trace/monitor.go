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

// Package trace implements the per-thread trace monitor:
// counting entries into trace heads, accumulating a trace body block
// by block, and finalizing it into a single emitted Fragment.
package trace

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/internal/lockorder"
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
)

// ThreadID names one logical mutator thread. The core never creates
// application threads itself; callers supply whatever
// identifier their dispatch loop already has.
type ThreadID uint64

// State is a thread's trace-monitor state.
type State uint8

const (
	StateSearch State = iota
	StateBuilding
)

// block is one basic block folded into the trace body under
// construction.
type block struct {
	tag isa.Tag
	il  isa.IList
}

type threadState struct {
	state   State
	sharing fragment.Sharing
	headTag isa.Tag
	blocks  []block
}

// Monitor owns every thread's trace-building state machine plus the
// shared trace-head counters that decide when to enter StateBuilding.
// The trace-building lock serializes the
// shared-fragment commit path in Finalize; threadsMu guards only the
// threads map, and a threadState's fields take no lock, since only the
// owning thread ever touches its own threadState.
type Monitor struct {
	mu lockorder.TraceBuildingMutex

	Table    *fragment.Table
	Emitter  *emitter.Emitter
	Linker   *linker.Linker
	ISA      isa.InstructionSet
	Platform isa.Platform

	HeadCounts *HeadCounterTable

	// HotThreshold is the number of dispatcher entries into a trace
	// head required before StateBuilding begins.
	HotThreshold uint32
	// MaxBlocks caps trace body length.
	MaxBlocks int

	threadsMu sync.Mutex
	threads   map[ThreadID]*threadState

	commit singleflight.Group
}

// NewMonitor creates a Monitor with the given hot threshold and
// maximum trace body length.
func NewMonitor(table *fragment.Table, em *emitter.Emitter, l *linker.Linker, isaImpl isa.InstructionSet, platform isa.Platform, hotThreshold uint32, maxBlocks int) *Monitor {
	return &Monitor{
		Table:        table,
		Emitter:      em,
		Linker:       l,
		ISA:          isaImpl,
		Platform:     platform,
		HeadCounts:   NewHeadCounterTable(),
		HotThreshold: hotThreshold,
		MaxBlocks:    maxBlocks,
		threads:      make(map[ThreadID]*threadState),
	}
}

func (m *Monitor) threadFor(tid ThreadID) *threadState {
	m.threadsMu.Lock()
	defer m.threadsMu.Unlock()
	ts, ok := m.threads[tid]
	if !ok {
		ts = &threadState{state: StateSearch}
		m.threads[tid] = ts
	}
	return ts
}

// State reports tid's current monitor state.
func (m *Monitor) State(tid ThreadID) State {
	return m.threadFor(tid).state
}

// CountEnter records that tid's dispatcher just entered f via the
// slow (unlinked) path. If f is a trace head and its counter crosses
// HotThreshold, this begins building a new trace for tid rooted at f
// and returns true, with headIL already recorded as the trace's first
// block; a caller that gets true goes on to feed the successor blocks
// to Extend.
func (m *Monitor) CountEnter(tid ThreadID, f *fragment.Fragment, headIL isa.IList) bool {
	ts := m.threadFor(tid)
	if ts.state == StateBuilding {
		return false
	}
	if !f.Flags().Has(fragment.FlagTraceHead) {
		return false
	}
	if m.HeadCounts.Increment(f.Sharing, f.Tag) < m.HotThreshold {
		return false
	}
	ts.state = StateBuilding
	ts.sharing = f.Sharing
	ts.headTag = f.Tag
	ts.blocks = []block{{tag: f.Tag, il: headIL}}
	log.Debugf("trace: thread %d begins building trace at %s", tid, f.Tag)
	return true
}

// CountIndirectEnter records an indirect-branch-lookup hit against a
// candidate trace head that direct-edge analysis alone would never
// promote. Crossing
// indirectThreshold forces trace-head status through the linker.
func (m *Monitor) CountIndirectEnter(f *fragment.Fragment, indirectThreshold uint32) {
	if f.Flags().Has(fragment.FlagTraceHead) {
		return
	}
	if m.HeadCounts.Increment(f.Sharing, f.Tag) >= indirectThreshold {
		m.Linker.ForceTraceHead(f)
	}
}

// Extend appends one more block to tid's in-progress trace. It
// returns false once MaxBlocks is reached, at which point the caller
// calls Finalize instead of Extend again. It does not inspect the block
// or its exits: a block that is itself a trace or a trace head, or that
// exits back to one, is appended like any other.
func (m *Monitor) Extend(tid ThreadID, tag isa.Tag, il isa.IList) bool {
	ts := m.threadFor(tid)
	if ts.state != StateBuilding {
		return false
	}
	ts.blocks = append(ts.blocks, block{tag: tag, il: il})
	if len(ts.blocks) >= m.MaxBlocks {
		return false
	}
	return true
}

// Abort discards tid's in-progress trace without emitting anything
//, e.g. because the thread took a signal or
// exited the region being traced.
func (m *Monitor) Abort(tid ThreadID) {
	ts := m.threadFor(tid)
	ts.state = StateSearch
	ts.blocks = nil
}

// fmtKey renders a commit-coalescing key for a (sharing, tag) pair.
func fmtKey(sharing fragment.Sharing, tag isa.Tag) string {
	return fmt.Sprintf("%d:%v", sharing, tag)
}
