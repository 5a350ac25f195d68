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

// Package emitter builds a Fragment from a decoded instruction list:
// three passes (layout, stub assignment, encode), followed by wiring
// the result into the linker's edge graph.
package emitter

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/pkg/cachemem"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
	"github.com/fragcache/fragcache/pkg/linkstub"
	"github.com/fragcache/fragcache/pkg/stubheap"
)

// Emitter turns a decoded IList into a live Fragment.
type Emitter struct {
	Table    *fragment.Table
	Region   *cachemem.Region
	Stubs    *stubheap.Heap
	Linker   *linker.Linker
	ISA      isa.InstructionSet
	Platform isa.Platform

	// ShareSeparateStub controls whether a conditional branch's taken
	// and fallthrough exits are packed into one Calloc(2) allocation
	// rather than two independent
	// Alloc() calls.
	ShareSeparateStub bool
}

// New creates an Emitter over the given collaborators.
func New(table *fragment.Table, region *cachemem.Region, stubs *stubheap.Heap, l *linker.Linker, isaImpl isa.InstructionSet, platform isa.Platform) *Emitter {
	return &Emitter{Table: table, Region: region, Stubs: stubs, Linker: l, ISA: isaImpl, Platform: platform, ShareSeparateStub: true}
}

// layout is the result of emitter pass 1: the body size and the list of
// exit descriptors in encounter order. Pairing a cbr with its
// fallthrough is decided later, by assignStubs.
type layout struct {
	bodySize int
	exits    []exitPlan
}

type exitPlan struct {
	cti      isa.ExitCTI
	instr    isa.Instr
	ctiBytes int // bytes this cti occupies in the body, computed in pass 1
}

// planLayout is emitter pass 1: walk the instruction
// list once to size the body and collect exit ctis, without touching
// the code cache.
func (e *Emitter) planLayout(il isa.IList) layout {
	var lay layout
	exitByIndex := make(map[int]isa.ExitCTI, len(il.Exits))
	for _, ex := range il.Exits {
		exitByIndex[ex.Index] = ex
	}
	for i, instr := range il.Instrs {
		n := e.ISA.InstrLength(instr)
		lay.bodySize += n
		if ex, ok := exitByIndex[i]; ok {
			lay.exits = append(lay.exits, exitPlan{cti: ex, instr: instr, ctiBytes: n})
		}
	}
	return lay
}

// EmitOptions controls how a Fragment is constructed and whether it is
// wired into the linker immediately.
type EmitOptions struct {
	Mode    isa.Mode
	Sharing fragment.Sharing
	Flags   fragment.Flags
	// Link requests that Emit hand the fragment to
	// Linker.LinkNewFragment, which installs it in the table and links
	// it; without Link, Emit only installs it. EmitAsReplacement always
	// links regardless of this field, and EmitInvisible never does.
	Link bool
}

// Emit builds, installs, and (if requested) links a new Fragment for
// tag from il.
func (e *Emitter) Emit(tag isa.Tag, il isa.IList, opts EmitOptions) (*fragment.Fragment, error) {
	f, err := e.build(tag, il, opts)
	if err != nil {
		return nil, err
	}
	if opts.Link {
		// LinkNewFragment installs f itself, after taking over the
		// incoming list of any Future still holding f's slot; inserting
		// f first would replace that Future and lose its list.
		e.Linker.LinkNewFragment(f)
	} else {
		e.Table.InsertFragment(f)
	}
	log.Debugf("emitter: emitted %s size=%d stubs=%d", f, f.Size, len(f.Stubs))
	return f, nil
}

// EmitInvisible builds a Fragment that is never installed in the
// fragment table and never linked: used for sideline's speculative
// trial optimizations and for one-shot client-requested translations.
func (e *Emitter) EmitInvisible(tag isa.Tag, il isa.IList, opts EmitOptions) (*fragment.Fragment, error) {
	opts.Link = false
	return e.build(tag, il, opts)
}

// EmitAsReplacement builds a new Fragment for old.Tag and atomically
// shifts old's incoming edges onto it via the linker, without ever
// leaving old's tag unresolvable in between. old gives up its (tag,
// sharing) slot to the new Fragment but stays reachable through
// Table.ByID; it is not deleted here, and callers that want it fully
// retired follow up with a delete (e.g. dispatch.Core.DeferFree).
func (e *Emitter) EmitAsReplacement(old *fragment.Fragment, il isa.IList, opts EmitOptions) (*fragment.Fragment, error) {
	opts.Mode = old.Mode
	opts.Sharing = old.Sharing
	if opts.Flags == 0 {
		opts.Flags = old.Flags() &^ (fragment.FlagLinkedIncoming | fragment.FlagLinkedOutgoing | fragment.FlagWasDeleted)
	}
	newFrag, err := e.build(old.Tag, il, opts)
	if err != nil {
		return nil, err
	}
	e.Linker.ShiftLinksToNewFragment(old, newFrag)
	e.Linker.LinkNewFragment(newFrag)
	log.Debugf("emitter: replaced %s with %s", old, newFrag)
	return newFrag, nil
}

// build runs all three emission passes and returns an unlinked,
// uninstalled Fragment.
func (e *Emitter) build(tag isa.Tag, il isa.IList, opts EmitOptions) (*fragment.Fragment, error) {
	lay := e.planLayout(il)

	id := e.Table.AllocID()
	f := fragment.New(id, tag, opts.Mode, opts.Sharing, opts.Flags)

	stubs, totalStubBytes, err := e.assignStubs(id, lay)
	if err != nil {
		return nil, err
	}

	bodyPC, err := e.Region.Reserve(lay.bodySize)
	if err != nil {
		return nil, fmt.Errorf("emitter: reserve body for %s: %w", tag, err)
	}

	if err := e.encode(bodyPC, il, lay, stubs); err != nil {
		return nil, err
	}

	f.Start = bodyPC
	f.Size = lay.bodySize
	f.Stubs = stubs
	_ = totalStubBytes
	return f, nil
}

// assignStubs is emitter pass 2: build one LinkStub per
// exit cti, pairing a conditional branch with its fallthrough onto a
// shared two-block separate-stub allocation when ShareSeparateStub is
// set, and allocating singly otherwise.
// assignStubs stores each exit's instruction-list index in
// LinkStub.CTIOffset as a placeholder; encode overwrites it with the
// real in-body byte offset once addresses are known.
func (e *Emitter) assignStubs(owner isa.FragmentID, lay layout) ([]*linkstub.LinkStub, int, error) {
	var stubs []*linkstub.LinkStub
	total := 0
	i := 0
	for i < len(lay.exits) {
		ex := lay.exits[i]
		switch ex.cti.Kind {
		case isa.CTIIndirect:
			ls := linkstub.NewIndirect(owner, ex.cti.Index)
			pc, err := e.Stubs.Alloc()
			if err != nil {
				return nil, 0, fmt.Errorf("emitter: alloc indirect stub: %w", err)
			}
			ls.StubPC = pc
			ls.SeparateStub = true
			stubs = append(stubs, ls)
			total += e.Stubs.BlockSize()
			i++

		case isa.CTICondDirect:
			taken := linkstub.NewDirect(owner, ex.cti.Index, ex.cti.Target)
			taken.NonLinkable = ex.cti.NonLinkable
			var fallthroughStub *linkstub.LinkStub
			hasFallthrough := i+1 < len(lay.exits) && lay.exits[i+1].cti.Kind == isa.CTIDirect && lay.exits[i+1].cti.Index == ex.cti.Index+1
			if hasFallthrough {
				fallthroughStub = linkstub.NewCbrFallthrough(owner, lay.exits[i+1].cti.Index, lay.exits[i+1].cti.Target)
				fallthroughStub.NonLinkable = lay.exits[i+1].cti.NonLinkable
			}
			if e.ShareSeparateStub && hasFallthrough {
				pcs, err := e.Stubs.Calloc(2)
				if err != nil {
					return nil, 0, fmt.Errorf("emitter: calloc cbr pair: %w", err)
				}
				taken.StubPC, fallthroughStub.StubPC = pcs[0], pcs[1]
				taken.SeparateStub, fallthroughStub.SeparateStub = true, true
				total += 2 * e.Stubs.BlockSize()
			} else {
				pc, err := e.Stubs.Alloc()
				if err != nil {
					return nil, 0, fmt.Errorf("emitter: alloc cbr stub: %w", err)
				}
				taken.StubPC = pc
				taken.SeparateStub = true
				total += e.Stubs.BlockSize()
				if hasFallthrough {
					pc2, err := e.Stubs.Alloc()
					if err != nil {
						return nil, 0, fmt.Errorf("emitter: alloc fallthrough stub: %w", err)
					}
					fallthroughStub.StubPC = pc2
					fallthroughStub.SeparateStub = true
					total += e.Stubs.BlockSize()
				}
			}
			stubs = append(stubs, taken)
			if hasFallthrough {
				stubs = append(stubs, fallthroughStub)
				i++ // consumed the paired fallthrough exit too
			}
			i++

		default: // isa.CTIDirect
			ls := linkstub.NewDirect(owner, ex.cti.Index, ex.cti.Target)
			ls.NonLinkable = ex.cti.NonLinkable
			// A plain direct exit's unlinked target is emitted inline in
			// the fragment body immediately after the cti, so it needs no
			// separate-stub allocation; StubPC is filled in by encode once
			// the body address is known.
			stubs = append(stubs, ls)
			i++
		}
	}
	if len(stubs) > 0 {
		stubs[len(stubs)-1].EndOfList = true
	}
	return stubs, total, nil
}

// encode is emitter pass 3: write the instruction bytes into the code
// cache under a single writable window, record each exit's real cti
// offset (and, for an inline stub, its StubPC), and sync the
// instruction cache once at the end. It patches no branch; linking is
// left to the linker.
func (e *Emitter) encode(bodyPC uintptr, il isa.IList, lay layout, stubs []*linkstub.LinkStub) error {
	stubByIndex := make(map[int]*linkstub.LinkStub, len(stubs))
	for _, s := range stubs {
		stubByIndex[s.CTIOffset] = s
	}
	return e.Region.WithWritable(e.Platform, func() error {
		pc := bodyPC
		for i, instr := range il.Instrs {
			ctiOffset := int(pc - bodyPC)
			next, err := e.ISA.EncodeInstr(instr, pc)
			if err != nil {
				return fmt.Errorf("emitter: encode instr %d: %w", i, err)
			}
			if stub, ok := stubByIndex[i]; ok {
				stub.CTIOffset = ctiOffset
				if !stub.SeparateStub {
					// Inline unlinked target: the stub tail is the
					// instruction's own fallthrough address in the body.
					stub.StubPC = next
				}
			}
			pc = next
		}
		return nil
	})
}
