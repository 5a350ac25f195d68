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

// Package dispatch is the glue layer tying the fragment table,
// emitter, linker, trace monitor and sideline worker into the single
// loop a real interpreter/dispatcher drives: given a last_exit
// LinkStub, decide the next action, and drain each thread's
// deferred-free queue at the next safe point.
package dispatch

import (
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
	"github.com/fragcache/fragcache/pkg/linkstub"
	"github.com/fragcache/fragcache/pkg/stubheap"
	"github.com/fragcache/fragcache/pkg/trace"
)

// Action tells the caller's native dispatch loop what to do after a
// fragment exits to a sentinel stub.
type Action uint8

const (
	// ActionReturnToCache means the target fragment already exists and
	// its address is ready to jump to.
	ActionReturnToCache Action = iota
	// ActionBuildBB means the target tag has no fragment yet; the
	// caller must decode and Emit one.
	ActionBuildBB
	// ActionBuildTrace means the trace monitor wants the caller to
	// Extend or Finalize the current thread's trace.
	ActionBuildTrace
	// ActionExit means the last_exit stub was a terminal sentinel
	// (syscall, native-exec, client-requested, ...): the caller must
	// leave the code cache entirely.
	ActionExit
)

// Result is the outcome of Resolve.
type Result struct {
	Action Action
	// Target is valid for ActionReturnToCache: the address to jump to.
	Target uintptr
	// Tag is valid for ActionBuildBB/ActionBuildTrace: the tag to
	// decode next.
	Tag isa.Tag
}

// Core bundles the collaborators a dispatch loop drives each step.
type Core struct {
	Table   *fragment.Table
	Emitter *emitter.Emitter
	Linker  *linker.Linker
	Monitor *trace.Monitor
	Stubs   *stubheap.Heap

	deferredFree map[trace.ThreadID][]fragment.ID
}

// NewCore wires the collaborators together.
func NewCore(table *fragment.Table, em *emitter.Emitter, l *linker.Linker, mon *trace.Monitor, stubs *stubheap.Heap) *Core {
	return &Core{
		Table:        table,
		Emitter:      em,
		Linker:       l,
		Monitor:      mon,
		Stubs:        stubs,
		deferredFree: make(map[trace.ThreadID][]fragment.ID),
	}
}

// Resolve decides what a dispatch loop should do after control reaches
// last_exit, which is either a real LinkStub belonging to a fragment
// (an unlinked or indirect exit) or one of the fixed sentinel stubs.
func (c *Core) Resolve(tid trace.ThreadID, last *linkstub.LinkStub, sharing fragment.Sharing) Result {
	if last == nil || last.Kind == linkstub.KindSentinel {
		return Result{Action: ActionExit}
	}
	if !last.IsDirect() {
		// Indirect exit: the caller resolves it through its own ibl
		// table; dispatch only decides bb-vs-trace once a target tag is
		// known, so there is nothing more to do here.
		return Result{Action: ActionExit}
	}
	target, _, ok := c.Table.Lookup(last.Target, sharing)
	if !ok || target == nil {
		return Result{Action: ActionBuildBB, Tag: last.Target}
	}
	if c.Monitor.State(tid) == trace.StateBuilding {
		return Result{Action: ActionBuildTrace, Tag: last.Target}
	}
	return Result{Action: ActionReturnToCache, Target: target.Start}
}

// DeferFree appends id to tid's remember list instead of freeing it
// immediately, since tid (or another thread still racing through the
// same fragment) may be executing inside it right now. This is how
// sideline hands off a fragment it has just replaced: the owner thread
// is the only one that can know it is no longer inside the old body.
func (c *Core) DeferFree(tid trace.ThreadID, id fragment.ID) {
	c.deferredFree[tid] = append(c.deferredFree[tid], id)
}

// DrainDeferredFree is called by the dispatch loop at a safe point
// (e.g. right after a cache exit, before the next cache entry) to walk
// tid's remember list and retire every fragment on it.
func (c *Core) DrainDeferredFree(tid trace.ThreadID) {
	queue := c.deferredFree[tid]
	c.deferredFree[tid] = nil
	for _, id := range queue {
		f, ok := c.Table.ByID(id)
		if !ok {
			continue
		}
		c.retire(f)
	}
}

// retire unlinks f entirely and frees its separate stubs, without
// installing a replacement Future. Safe to call on a fragment a
// sideline replacement has already shifted links away from: its
// incoming list is already empty and its table slot already reassigned,
// so the incoming-list and slot parts of the calls below are no-ops
// for it; the outgoing unlink, the release of its by-id entry and the
// stub frees still do real work.
func (c *Core) retire(f *fragment.Fragment) {
	c.Linker.UnlinkOutgoing(f)
	c.Linker.IncomingRemoveFragment(f, false)
	for _, stub := range f.Stubs {
		if stub.SeparateStub {
			c.Stubs.Free(stub.StubPC)
		}
	}
	f.SetFlag(fragment.FlagWasDeleted)
}
