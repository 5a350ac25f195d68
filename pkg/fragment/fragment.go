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

// Package fragment holds the code cache's core data model: Fragment,
// its sharing class and flags, Future placeholders, and the fragment
// table that maps a (tag, sharing) pair to its unique live Fragment or
// Future.
package fragment

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linkstub"
)

// Tag and ID are re-exported for callers that otherwise have no reason
// to import pkg/isa directly.
type (
	Tag = isa.Tag
	ID  = isa.FragmentID
)

// Sharing is a Fragment's sharing class. Invariant 1: a tag
// has at most one live Fragment per Sharing class; a shared trace may
// shadow a shared bb trace head with the same tag.
type Sharing uint8

const (
	Private Sharing = iota
	Shared
)

func (s Sharing) String() string {
	if s == Shared {
		return "shared"
	}
	return "private"
}

// Flags carries the fragment's bits: sharing (redundant with
// Sharing but kept as a bit for flags-driven policy checks),
// bb-vs-trace, trace-head, coarse-grain, linked state, and the
// miscellaneous per-ISA/mangling bits.
type Flags uint32

const (
	FlagTrace Flags = 1 << iota
	FlagTraceHead
	FlagCoarseGrain
	FlagLinkedIncoming
	FlagLinkedOutgoing
	FlagCannotDelete
	FlagWasDeleted
	FlagWritesFlags
	FlagHasSyscall
	Flag32Bit
	FlagSelfmodSandboxed
	FlagCannotBeTrace
	FlagDoNotSideline
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// String renders the set bits for logging.
func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagTrace, "trace"}, {FlagTraceHead, "trace-head"},
		{FlagCoarseGrain, "coarse"}, {FlagLinkedIncoming, "linked-in"},
		{FlagLinkedOutgoing, "linked-out"}, {FlagCannotDelete, "cannot-delete"},
		{FlagWasDeleted, "was-deleted"}, {FlagWritesFlags, "writes-flags"},
		{FlagHasSyscall, "has-syscall"}, {Flag32Bit, "32-bit"},
		{FlagSelfmodSandboxed, "selfmod"}, {FlagCannotBeTrace, "cannot-be-trace"},
		{FlagDoNotSideline, "do-not-sideline"},
	}
	s := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// Fragment is the unit of translated code. It is immutable
// after emission except for Flags, FlagWasDeleted, the in-cache bytes
// of its exit branches, and its incoming list head.
type Fragment struct {
	id      ID
	Tag     Tag
	Mode    isa.Mode
	Sharing Sharing

	flags atomicbitops.Uint32

	// Start/Size describe the fragment's byte range in the code cache.
	Start uintptr
	Size  int

	// Stubs are this fragment's own exits, in cti encounter order; it
	// never changes after emission.
	Stubs []*linkstub.LinkStub

	// incoming is the head of the singly-linked list of other
	// fragments' direct LinkStubs that target this Fragment. Mutated only under the linker's change-linking
	// lock.
	incoming *linkstub.LinkStub
}

// New allocates a Fragment with the given identity. It does not touch
// the code cache; callers (pkg/emitter) fill in Start/Size/Stubs once
// layout is complete.
func New(id ID, tag Tag, mode isa.Mode, sharing Sharing, flags Flags) *Fragment {
	f := &Fragment{id: id, Tag: tag, Mode: mode, Sharing: sharing}
	f.flags.Store(uint32(flags))
	return f
}

// ID returns the fragment's stable identifier, used by LinkStub.Owner
// for O(1) owner recovery.
func (f *Fragment) ID() ID { return f.id }

// Flags loads the current flags word.
func (f *Fragment) Flags() Flags { return Flags(f.flags.Load()) }

// SetFlag atomically sets bit.
func (f *Fragment) SetFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if old&uint32(bit) != 0 {
			return
		}
		if f.flags.CompareAndSwap(old, old|uint32(bit)) {
			return
		}
	}
}

// ClearFlag atomically clears bit.
func (f *Fragment) ClearFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if old&uint32(bit) == 0 {
			return
		}
		if f.flags.CompareAndSwap(old, old&^uint32(bit)) {
			return
		}
	}
}

// WasDeleted reports whether f is on the pending-delete path: still referenceable for translation recovery, but no
// thread may enter its code.
func (f *Fragment) WasDeleted() bool { return f.Flags().Has(FlagWasDeleted) }

// Incoming returns the head of f's incoming LinkStub list. Callers must
// hold the change-linking lock to dereference or mutate the chain.
func (f *Fragment) Incoming() *linkstub.LinkStub { return f.incoming }

// SetIncoming replaces f's incoming list head. Precondition: caller
// holds the change-linking lock.
func (f *Fragment) SetIncoming(head *linkstub.LinkStub) { f.incoming = head }

// PushIncoming prepends l to f's incoming list. Precondition: caller
// holds the change-linking lock.
func (f *Fragment) PushIncoming(l *linkstub.LinkStub) {
	l.IncomingNext = f.incoming
	f.incoming = l
}

// RemoveIncoming unlinks l from f's incoming list, returning whether it
// was found. Precondition: caller holds the change-linking lock.
func (f *Fragment) RemoveIncoming(l *linkstub.LinkStub) bool {
	if f.incoming == l {
		f.incoming = l.IncomingNext
		l.IncomingNext = nil
		return true
	}
	for cur := f.incoming; cur != nil; cur = cur.IncomingNext {
		if cur.IncomingNext == l {
			cur.IncomingNext = l.IncomingNext
			l.IncomingNext = nil
			return true
		}
	}
	return false
}

// IncomingCount walks f's incoming list; O(n), for tests and stats
// only.
func (f *Fragment) IncomingCount() int {
	n := 0
	for cur := f.incoming; cur != nil; cur = cur.IncomingNext {
		n++
	}
	return n
}

// String is a short diagnostic rendering.
func (f *Fragment) String() string {
	return fmt.Sprintf("frag(id=%d tag=%s sharing=%s flags=%s)", f.id, f.Tag, f.Sharing, f.Flags())
}

// Future is a placeholder for a tag that some existing fragment wants
// to link to but that has not been translated yet. It
// carries only flags and an incoming list; when the tag is finally
// translated, the real Fragment inherits Future's incoming list.
type Future struct {
	Tag     Tag
	Sharing Sharing
	Flags   Flags

	incoming *linkstub.LinkStub
}

// NewFuture allocates a placeholder for tag.
func NewFuture(tag Tag, sharing Sharing) *Future {
	return &Future{Tag: tag, Sharing: sharing}
}

// Incoming returns the head of fut's incoming list.
func (fut *Future) Incoming() *linkstub.LinkStub { return fut.incoming }

// SetIncoming replaces fut's incoming list head.
func (fut *Future) SetIncoming(head *linkstub.LinkStub) { fut.incoming = head }

// PushIncoming prepends l to fut's incoming list.
func (fut *Future) PushIncoming(l *linkstub.LinkStub) {
	l.IncomingNext = fut.incoming
	fut.incoming = l
}

// MergeFrom absorbs other's incoming list into fut's (used when two
// threads race to create a Future for the same tag).
func (fut *Future) MergeFrom(other *Future) {
	if other == nil || other.incoming == nil {
		return
	}
	tail := other.incoming
	for tail.IncomingNext != nil {
		tail = tail.IncomingNext
	}
	tail.IncomingNext = fut.incoming
	fut.incoming = other.incoming
	other.incoming = nil
}
