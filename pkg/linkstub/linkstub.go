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

// Package linkstub is the per-exit metadata registry: the
// discriminated record describing one fragment exit, and the family of
// fake "sentinel" stubs the dispatcher uses as last_exit tokens for
// control-flow transitions that never touch the code cache.
package linkstub

import (
	"errors"

	"github.com/fragcache/fragcache/pkg/isa"
)

// ErrInvalidStub is returned by OwningFragment when asked about a
// sentinel stub, which has no owning Fragment to recover.
var ErrInvalidStub = errors.New("linkstub: stub has no recoverable owner")

// Kind discriminates a LinkStub's shape, replacing the original's
// three-trick owner-recovery layouts with a single stored FragmentID.
type Kind uint8

const (
	// KindDirect is an exit with a statically known target tag.
	KindDirect Kind = iota
	// KindCbrFallthrough is the fallthrough side of a conditional
	// branch; when policy allows it, its out-of-line stub block and the
	// taken side's come from one two-block allocation.
	KindCbrFallthrough
	// KindIndirect is resolved at runtime through an indirect-branch
	// lookup table.
	KindIndirect
	// KindCoarseProxy is a fake stub standing in for a link sourced
	// from a coarse unit.
	KindCoarseProxy
	// KindSentinel is one of the fixed fake stubs below; it has no
	// owning Fragment.
	KindSentinel
)

// Sentinel enumerates the fake stub identities the dispatcher uses as
// last_exit tokens for transitions that do not originate from a live
// fragment exit.
type Sentinel uint8

const (
	SentinelNone Sentinel = iota
	SentinelSyscall
	SentinelAsynch
	SentinelSelfMod
	SentinelNativeExec
	SentinelReset
	SentinelStarting
	SentinelDeleted
	SentinelHotPatch
	SentinelClient
	SentinelIBLBBRet
	SentinelIBLBBCall
	SentinelIBLBBJmp
	SentinelIBLTraceRet
	SentinelIBLTraceCall
	SentinelIBLTraceJmp
)

// String names a Sentinel for logging.
func (s Sentinel) String() string {
	switch s {
	case SentinelSyscall:
		return "syscall"
	case SentinelAsynch:
		return "asynch"
	case SentinelSelfMod:
		return "selfmod"
	case SentinelNativeExec:
		return "native-exec"
	case SentinelReset:
		return "reset"
	case SentinelStarting:
		return "starting"
	case SentinelDeleted:
		return "ibl-deleted"
	case SentinelHotPatch:
		return "hot-patch"
	case SentinelClient:
		return "client"
	case SentinelIBLBBRet:
		return "ibl-bb-ret"
	case SentinelIBLBBCall:
		return "ibl-bb-call"
	case SentinelIBLBBJmp:
		return "ibl-bb-jmp"
	case SentinelIBLTraceRet:
		return "ibl-trace-ret"
	case SentinelIBLTraceCall:
		return "ibl-trace-call"
	case SentinelIBLTraceJmp:
		return "ibl-trace-jmp"
	default:
		return "none"
	}
}

// LinkStub is the per-exit metadata record for one fragment exit. Direct
// stubs hold an owning-cti offset, an optional separate-stub pointer,
// the target tag, and the linked/separate/end-of-list bits; sentinel
// stubs carry only a Sentinel reason and have no Owner.
type LinkStub struct {
	Kind     Kind
	Sentinel Sentinel

	// Owner recovers the Fragment this stub belongs to in O(1); zero
	// for sentinel stubs (see ErrInvalidStub).
	Owner isa.FragmentID

	// CTIOffset is the byte offset of the owning cti within the
	// fragment's body.
	CTIOffset int

	// Target is the statically known destination tag for
	// KindDirect/KindCbrFallthrough/KindCoarseProxy stubs.
	Target isa.Tag

	// StubPC is the out-of-line separate-stub address or, for a stub
	// emitted inline in the fragment body, the body address right after
	// the owning cti (filled in by the emitter's encode pass).
	StubPC uintptr

	// Linked reports whether the owning cti currently targets the
	// linked fast path (Target's entry) rather than the stub's
	// dispatcher-return tail. Mutated only under the change-linking
	// lock.
	Linked bool

	// SeparateStub reports whether StubPC is a real out-of-line
	// allocation that must be freed via pkg/stubheap on deletion.
	SeparateStub bool

	// NonLinkable marks a non-ignorable syscall, callback return,
	// selfmod, or other special exit the linker must never patch
	// straight to its target: the cti always falls through to this
	// stub so the dispatcher sees the transition. Set by the decoder
	// (isa.ExitCTI.NonLinkable) and copied in at emission time.
	NonLinkable bool

	// EndOfList marks the last stub in a fragment's stub list; retained
	// for parity with the original layout even though owner
	// recovery no longer needs to scan for it.
	EndOfList bool

	// IncomingNext chains l into its target's singly-linked incoming
	// list. Owned by whichever Fragment or
	// Future currently targets l; mutated only under the change-linking
	// lock.
	IncomingNext *LinkStub
}

// NewDirect builds a direct exit stub for ctiOffset targeting target.
func NewDirect(owner isa.FragmentID, ctiOffset int, target isa.Tag) *LinkStub {
	return &LinkStub{Kind: KindDirect, Owner: owner, CTIOffset: ctiOffset, Target: target}
}

// NewCbrFallthrough builds the fallthrough half of a conditional
// branch; the emitter allocates its out-of-line stub alongside its
// sibling's.
func NewCbrFallthrough(owner isa.FragmentID, ctiOffset int, target isa.Tag) *LinkStub {
	return &LinkStub{Kind: KindCbrFallthrough, Owner: owner, CTIOffset: ctiOffset, Target: target}
}

// NewIndirect builds an indirect exit stub; it has no static Target.
func NewIndirect(owner isa.FragmentID, ctiOffset int) *LinkStub {
	return &LinkStub{Kind: KindIndirect, Owner: owner, CTIOffset: ctiOffset}
}

// NewCoarseProxy builds a fake stub standing in for an incoming link
// sourced from a coarse unit rather than a fine-grained Fragment.
func NewCoarseProxy(target isa.Tag) *LinkStub {
	return &LinkStub{Kind: KindCoarseProxy, Target: target}
}

// IsDirect reports whether l carries a statically known Target (i.e. it
// is linkable at all, as opposed to an indirect exit).
func (l *LinkStub) IsDirect() bool {
	return l.Kind == KindDirect || l.Kind == KindCbrFallthrough || l.Kind == KindCoarseProxy
}

// OwningFragment recovers the Fragment owning l, or ErrInvalidStub if l
// is a fake sentinel stub with no owner.
func OwningFragment(l *LinkStub) (isa.FragmentID, error) {
	if l == nil || l.Kind == KindSentinel || l.Owner == 0 {
		return 0, ErrInvalidStub
	}
	return l.Owner, nil
}

// sentinel constructs a singleton fake stub for reason r. The
// dispatcher compares these by pointer identity, exactly as the original's
// get_*_linkstub() accessors are compared in the original.
func sentinel(r Sentinel) *LinkStub {
	return &LinkStub{Kind: KindSentinel, Sentinel: r}
}

// The fixed sentinel stubs exposed to the dispatcher as last_exit
// tokens.
var (
	Syscall      = sentinel(SentinelSyscall)
	Asynch       = sentinel(SentinelAsynch)
	SelfMod      = sentinel(SentinelSelfMod)
	NativeExec   = sentinel(SentinelNativeExec)
	Reset        = sentinel(SentinelReset)
	Starting     = sentinel(SentinelStarting)
	Deleted      = sentinel(SentinelDeleted)
	HotPatch     = sentinel(SentinelHotPatch)
	Client       = sentinel(SentinelClient)
	IBLBBRet     = sentinel(SentinelIBLBBRet)
	IBLBBCall    = sentinel(SentinelIBLBBCall)
	IBLBBJmp     = sentinel(SentinelIBLBBJmp)
	IBLTraceRet  = sentinel(SentinelIBLTraceRet)
	IBLTraceCall = sentinel(SentinelIBLTraceCall)
	IBLTraceJmp  = sentinel(SentinelIBLTraceJmp)
)

// IBLSentinel returns the fixed ibl-type sentinel stub for a bb-vs-trace
// × ret/call/jmp combination.
func IBLSentinel(isTrace bool, kind IBLKind) *LinkStub {
	switch {
	case !isTrace && kind == IBLRet:
		return IBLBBRet
	case !isTrace && kind == IBLCall:
		return IBLBBCall
	case !isTrace && kind == IBLJmp:
		return IBLBBJmp
	case isTrace && kind == IBLRet:
		return IBLTraceRet
	case isTrace && kind == IBLCall:
		return IBLTraceCall
	default:
		return IBLTraceJmp
	}
}

// IBLKind distinguishes the three indirect-branch-lookup entry points.
type IBLKind uint8

const (
	IBLRet IBLKind = iota
	IBLCall
	IBLJmp
)
