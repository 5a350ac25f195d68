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

// Package linker maintains the bidirectional incoming/outgoing edge
// graph between fragments: linking, unlinking, shifting
// and coarsening edges, all serialized by a single change-linking lock.
//
// A reentrant-lock-based implementation would need a *recursive* change-linking lock
// only because trace-head marking re-enters the linker's public API
// while already holding the lock. This implementation never does that:
// every exported method takes the lock exactly once at entry and calls
// only unexported, lock-already-held helpers internally, so a plain
// (non-recursive) mutex suffices.
package linker

import (
	"fmt"

	"golang.org/x/sync/singleflight"
	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/internal/lockorder"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linkstub"
)

// Linker owns the fragment table's link-state transitions.
type Linker struct {
	mu lockorder.ChangeLinkingMutex

	Table    *fragment.Table
	ISA      isa.InstructionSet
	Platform isa.Platform

	// noLink is the global "no-link" switch, e.g. set while a coarse unit is being frozen.
	noLink atomicbitops.Bool

	// coalesce dedupes concurrent Future creation for the same
	// (sharing, tag) key.
	// Every exported entry point already holds mu when it reaches this
	// point, so no two goroutines ever contend for the same key in
	// practice; the Group is kept as a defensive merge path, not a
	// replacement for the lock.
	coalesce singleflight.Group

	coarse *CoarseRegistry // nil if the core has no coarse units
}

// New creates a Linker over table using isaImpl/platform as the
// external collaborators for branch patching and cache sync.
func New(table *fragment.Table, isaImpl isa.InstructionSet, platform isa.Platform) *Linker {
	return &Linker{Table: table, ISA: isaImpl, Platform: platform}
}

// SetNoLink flips the global no-link switch.
func (l *Linker) SetNoLink(v bool) { l.noLink.Store(v) }

// AttachCoarseRegistry wires a coarse-unit registry in for lazy
// coarse-to-fine linking.
func (l *Linker) AttachCoarseRegistry(r *CoarseRegistry) { l.coarse = r }

// LinkNewFragment attaches f's incoming edges (inherited from any
// Future with the same tag) and then links every outgoing edge whose
// target exists and is linkable, queuing the rest as Futures.
func (l *Linker) LinkNewFragment(f *fragment.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.linkIncomingLocked(f)
	l.linkOutgoingLocked(f)
}

func (l *Linker) linkIncomingLocked(f *fragment.Fragment) {
	_, fut, found := l.Table.Lookup(f.Tag, f.Sharing)
	if found && fut != nil {
		// Inherit the Future's incoming list and patch every source
		// cti in it to point at f's freshly-assigned entry.
		f.SetIncoming(fut.Incoming())
	}
	l.Table.InsertFragment(f)
	for cur := f.Incoming(); cur != nil; cur = cur.IncomingNext {
		l.patchSourceLocked(cur, f.Start)
		cur.Linked = true
	}
	f.SetFlag(fragment.FlagLinkedIncoming)
}

func (l *Linker) linkOutgoingLocked(f *fragment.Fragment) {
	// Mark f as having begun its outgoing-link pass before resolving any
	// individual exit: is_linkable's condition 3 gates on this flag to
	// decide whether f itself is a legal link target for a self-loop,
	// so it must already be set while the loop below is still running,
	// not only once every exit happens to resolve.
	f.SetFlag(fragment.FlagLinkedOutgoing)
	for _, stub := range f.Stubs {
		if !stub.IsDirect() || stub.NonLinkable {
			continue
		}
		l.linkOrQueueOutgoingLocked(f, stub)
	}
}

// linkOrQueueOutgoingLocked resolves one outgoing direct exit: links it
// if a linkable target exists, promotes a new trace head if the edge
// qualifies, or queues a Future for a not-yet-translated target.
// Returns whether the edge ended up linked.
func (l *Linker) linkOrQueueOutgoingLocked(from *fragment.Fragment, stub *linkstub.LinkStub) bool {
	target, fut, found := l.Table.Lookup(stub.Target, from.Sharing)
	switch {
	case found && target != nil:
		l.maybePromoteTraceHeadLocked(from, target)
		if l.isLinkableLocked(from, stub, target) {
			l.linkEdgeLocked(from, stub, target)
			return true
		}
		return false
	case found && fut != nil:
		fut.PushIncoming(stub)
		return false
	default:
		l.createFutureLocked(from.Sharing, stub.Target, stub)
		return false
	}
}

func (l *Linker) createFutureLocked(sharing fragment.Sharing, tag fragment.Tag, stub *linkstub.LinkStub) {
	key := fmt.Sprintf("%d:%v", sharing, tag)
	result, _, _ := l.coalesce.Do(key, func() (interface{}, error) {
		// Re-check under the lock we already hold: another caller may
		// have installed a Future for this tag between our failed
		// Lookup and here if linkOrQueueOutgoingLocked is ever called
		// without the lock held (it never is today, but this keeps
		// the merge path meaningful as a defensive race-and-recovery check).
		if _, existing, ok := l.Table.Lookup(tag, sharing); ok && existing != nil {
			return existing, nil
		}
		fut := fragment.NewFuture(tag, sharing)
		l.Table.InsertFuture(fut)
		return fut, nil
	})
	fut := result.(*fragment.Future)
	fut.PushIncoming(stub)
}

// isLinkableLocked implements the is_linkable policy.
func (l *Linker) isLinkableLocked(from *fragment.Fragment, stub *linkstub.LinkStub, to *fragment.Fragment) bool {
	if from.Sharing != to.Sharing {
		return false
	}
	if stub.NonLinkable {
		return false
	}
	// Both endpoints must already be in their linked-outgoing/
	// linked-incoming states, except for a self-loop (from == to),
	// which is exempt since from's own outgoing pass is what's asking.
	if from != to {
		if !from.Flags().Has(fragment.FlagLinkedOutgoing) || !to.Flags().Has(fragment.FlagLinkedIncoming) {
			return false
		}
	}
	if l.noLink.Load() {
		return false
	}
	if to.Flags().Has(fragment.FlagTraceHead) {
		return false
	}
	return true
}

func (l *Linker) linkEdgeLocked(from *fragment.Fragment, stub *linkstub.LinkStub, to *fragment.Fragment) {
	l.patchSourceLocked(stub, to.Start)
	stub.Linked = true
	to.PushIncoming(stub)
}

func (l *Linker) patchSourceLocked(stub *linkstub.LinkStub, target uintptr) {
	owner, ok := l.Table.ByID(stub.Owner)
	if !ok {
		return
	}
	ctiPC := owner.Start + uintptr(stub.CTIOffset)
	if err := l.ISA.PatchBranch(owner.Mode, ctiPC, target, false); err != nil {
		log.Warningf("linker: patch branch at %#x: %v", ctiPC, err)
	}
}

// UnlinkIncoming flips every linked source cti targeting f back to its
// per-exit stub.
func (l *Linker) UnlinkIncoming(f *fragment.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinkIncomingLocked(f)
}

func (l *Linker) unlinkIncomingLocked(f *fragment.Fragment) {
	for cur := f.Incoming(); cur != nil; cur = cur.IncomingNext {
		if !cur.Linked {
			continue
		}
		l.patchSourceLocked(cur, cur.StubPC)
		cur.Linked = false
	}
	f.ClearFlag(fragment.FlagLinkedIncoming)
}

// UnlinkOutgoing flips every one of f's own linked exits back to its
// stub.
func (l *Linker) UnlinkOutgoing(f *fragment.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlinkOutgoingLocked(f)
}

func (l *Linker) unlinkOutgoingLocked(f *fragment.Fragment) {
	for _, stub := range f.Stubs {
		if !stub.Linked {
			continue
		}
		ctiPC := f.Start + uintptr(stub.CTIOffset)
		if err := l.ISA.PatchBranch(f.Mode, ctiPC, stub.StubPC, false); err != nil {
			log.Warningf("linker: unlink outgoing at %#x: %v", ctiPC, err)
		}
		stub.Linked = false
		if target, _, ok := l.Table.Lookup(stub.Target, f.Sharing); ok && target != nil {
			target.RemoveIncoming(stub)
		}
	}
	f.ClearFlag(fragment.FlagLinkedOutgoing)
}

// maybePromoteTraceHeadLocked implements the trace-head
// detection, run as part of deciding whether an edge is linkable.
// Marking is idempotent and never promotes a
// self-loop.
func (l *Linker) maybePromoteTraceHeadLocked(from, to *fragment.Fragment) {
	if from == to {
		return
	}
	if to.Flags().Has(fragment.FlagTrace) {
		return // only a bb can become a trace head
	}
	backwardBranch := to.Tag < from.Tag
	traceToBB := from.Flags().Has(fragment.FlagTrace)
	if !traceToBB && !backwardBranch {
		return
	}
	if to.Flags().Has(fragment.FlagTraceHead) {
		return // idempotent
	}
	to.SetFlag(fragment.FlagTraceHead)
	l.unlinkIncomingLocked(to)
	log.Debugf("linker: promoted %s to trace head", to)
}

// IncomingRemoveFragment pulls f out of every target's incoming list it
// appears on as a source, and transfers f's own incoming list to a
// fresh Future placeholder so future re-translations of f.Tag inherit
// it. If the caller knows no
// re-translation can occur, pass keepFuture=false to drop the list
// instead.
func (l *Linker) IncomingRemoveFragment(f *fragment.Fragment, keepFuture bool) *fragment.Future {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, stub := range f.Stubs {
		if !stub.IsDirect() {
			continue
		}
		if target, _, ok := l.Table.Lookup(stub.Target, f.Sharing); ok && target != nil {
			target.RemoveIncoming(stub)
		}
	}
	l.Table.RemoveFragment(f)
	if !keepFuture {
		return nil
	}
	fut := fragment.NewFuture(f.Tag, f.Sharing)
	fut.SetIncoming(f.Incoming())
	f.SetIncoming(nil)
	l.Table.InsertFuture(fut)
	return fut
}

// ShiftLinksToNewFragment atomically moves old's incoming list to new
// and repoints every incoming cti at new's entry. Used both when a trace shadows its head and when
// sideline replaces a trace in place.
func (l *Linker) ShiftLinksToNewFragment(old, newFrag *fragment.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	newFrag.SetIncoming(old.Incoming())
	old.SetIncoming(nil)
	for cur := newFrag.Incoming(); cur != nil; cur = cur.IncomingNext {
		if cur.Linked {
			l.patchSourceLocked(cur, newFrag.Start)
		}
	}
	newFrag.SetFlag(fragment.FlagLinkedIncoming)
	old.ClearFlag(fragment.FlagLinkedIncoming)
	// Detach, not remove: old stays resolvable by id so a caller that
	// deferred its free (sideline's remember-list handoff) can still
	// find and retire it once its owner reaches a safe point.
	l.Table.DetachFragment(old)
	l.Table.InsertFragment(newFrag)
}

// IsLinkable exposes the is_linkable policy check for tests and for
// components (trace, sideline) that need to reason about linkability
// without holding the lock themselves.
func (l *Linker) IsLinkable(from *fragment.Fragment, stub *linkstub.LinkStub, to *fragment.Fragment) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLinkableLocked(from, stub, to)
}
