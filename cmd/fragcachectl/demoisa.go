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

package main

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/fragcache/fragcache/pkg/isa"
)

// demoInstr is the opaque instruction payload demoISA round-trips: a
// single NOP-equivalent byte, or a 4-byte placeholder branch operand
// for exit ctis.
type demoInstr struct {
	exit bool
}

// demoISA is a minimal isa.InstructionSet: every instruction is either
// a 1-byte no-op or a 5-byte "branch" (1 opcode byte + 4-byte target
// placeholder patched by PatchBranch). It exists only so
// cmd/fragcachectl can exercise the real core end to end without a
// real decoder, which is out of scope here.
type demoISA struct{}

func (demoISA) DecodeFragment(tag isa.Tag, flags uint32) (isa.IList, error) {
	return isa.IList{}, fmt.Errorf("demoisa: DecodeFragment is a stub; build an IList by hand for the demo")
}

func (demoISA) EncodeInstr(instr isa.Instr, dst uintptr) (uintptr, error) {
	return dst + uintptr(instr.Length), nil
}

func (demoISA) InstrLength(instr isa.Instr) int {
	di, _ := instr.Opaque.(demoInstr)
	if di.exit {
		return 5
	}
	return 1
}

func (demoISA) PatchBranch(mode isa.Mode, ctiPC uintptr, newTarget uintptr, hotPatchable bool) error {
	// In the real core this would write through to mapped executable
	// memory; the demo keeps a side table instead since its "fragments"
	// are never actually executed.
	patchedBranches.mu.Lock()
	defer patchedBranches.mu.Unlock()
	if patchedBranches.m == nil {
		patchedBranches.m = make(map[uintptr]uintptr)
	}
	patchedBranches.m[ctiPC] = newTarget
	return nil
}

func (demoISA) StubSize() int { return 16 }

var patchedBranches = struct {
	mu sync.Mutex
	m  map[uintptr]uintptr
}{}

// demoPlatform is a minimal isa.Platform good enough to drive the demo
// CLI on the host running it.
type demoPlatform struct{}

func (demoPlatform) MachineCacheSync(start, end uintptr) {}

func (demoPlatform) CreateEvent() isa.Event { return &demoEvent{ch: make(chan struct{}, 1)} }

func (demoPlatform) NumProcessors() int { return runtime.NumCPU() }

type demoEvent struct {
	ch chan struct{}
}

func (e *demoEvent) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (e *demoEvent) Wait() { <-e.ch }

func (e *demoEvent) Destroy() { close(e.ch) }

// encodeUint32 is a small helper a real branch-patching backend would
// use to rewrite a 4-byte target field; kept here to show the shape
// PatchBranch would take against real executable memory.
func encodeUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}
