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

// Package testisa is a minimal isa.InstructionSet/isa.Platform pair
// shared by every package's tests, the way gVisor's own pkg/sentry
// subsystems keep a small fake platform for unit tests instead of
// exercising real hardware traps.
package testisa

import (
	"sync"

	"github.com/fragcache/fragcache/pkg/isa"
)

// Instr is the opaque payload ISA round-trips: every instruction is a
// fixed-size no-op unless Exit is set, in which case it also carries
// an exit cti of Length bytes.
type Instr struct {
	Exit bool
}

// ISA is a trivial isa.InstructionSet: every instruction is 1 byte
// unless it is an exit, which is 5 bytes (1 opcode + 4-byte target
// placeholder). PatchBranch records patches in a side table instead of
// writing through real memory, since tests never execute the
// "encoded" bytes.
type ISA struct {
	mu      sync.Mutex
	Patches map[uintptr]uintptr
}

// New creates an ISA ready to use.
func New() *ISA { return &ISA{Patches: make(map[uintptr]uintptr)} }

func (i *ISA) DecodeFragment(tag isa.Tag, flags uint32) (isa.IList, error) {
	return isa.IList{}, nil
}

func (i *ISA) EncodeInstr(instr isa.Instr, dst uintptr) (uintptr, error) {
	return dst + uintptr(instr.Length), nil
}

func (i *ISA) InstrLength(instr isa.Instr) int {
	di, _ := instr.Opaque.(Instr)
	if di.Exit {
		return 5
	}
	return 1
}

func (i *ISA) PatchBranch(mode isa.Mode, ctiPC uintptr, newTarget uintptr, hotPatchable bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Patches[ctiPC] = newTarget
	return nil
}

func (i *ISA) PatchFor(ctiPC uintptr) (uintptr, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	t, ok := i.Patches[ctiPC]
	return t, ok
}

func (i *ISA) StubSize() int { return 16 }

// Platform is a minimal isa.Platform for tests: no real cache sync,
// one logical CPU, channel-backed events.
type Platform struct{}

func (Platform) MachineCacheSync(start, end uintptr) {}

func (Platform) CreateEvent() isa.Event { return &event{ch: make(chan struct{}, 1)} }

func (Platform) NumProcessors() int { return 1 }

type event struct{ ch chan struct{} }

func (e *event) Signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}
func (e *event) Wait()    { <-e.ch }
func (e *event) Destroy() { close(e.ch) }

// DirectExit builds a one-instruction IList whose sole instruction is
// a direct exit cti to target.
func DirectExit(target isa.Tag) isa.IList {
	return isa.IList{
		Instrs: []isa.Instr{{Opaque: Instr{Exit: true}, Length: 5}},
		Exits:  []isa.ExitCTI{{Index: 0, Kind: isa.CTIDirect, Target: target}},
	}
}

// CondExit builds a two-instruction IList: a conditional branch taking
// takenTarget, falling through to fallTarget.
func CondExit(takenTarget, fallTarget isa.Tag) isa.IList {
	return isa.IList{
		Instrs: []isa.Instr{
			{Opaque: Instr{Exit: true}, Length: 5},
			{Opaque: Instr{Exit: true}, Length: 5},
		},
		Exits: []isa.ExitCTI{
			{Index: 0, Kind: isa.CTICondDirect, Target: takenTarget},
			{Index: 1, Kind: isa.CTIDirect, Target: fallTarget},
		},
	}
}

// NonLinkableDirectExit builds a one-instruction IList whose sole
// instruction is a direct exit cti the decoder has classified as
// non-linkable (e.g. a syscall or selfmod exit), to target.
func NonLinkableDirectExit(target isa.Tag) isa.IList {
	return isa.IList{
		Instrs: []isa.Instr{{Opaque: Instr{Exit: true}, Length: 5}},
		Exits:  []isa.ExitCTI{{Index: 0, Kind: isa.CTIDirect, Target: target, NonLinkable: true}},
	}
}
