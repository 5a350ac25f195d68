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

package linker_test

import (
	"sync"
	"testing"

	"github.com/fragcache/fragcache/internal/testisa"
	"github.com/fragcache/fragcache/pkg/cachemem"
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
	"github.com/fragcache/fragcache/pkg/stubheap"
)

type harness struct {
	table *fragment.Table
	isa   *testisa.ISA
	l     *linker.Linker
	em    *emitter.Emitter
	stubs *stubheap.Heap
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	table := fragment.NewTable()
	region, err := cachemem.New(64 << 10)
	if err != nil {
		t.Fatalf("cachemem.New: %v", err)
	}
	t.Cleanup(func() { region.Close() })
	stubs, err := stubheap.New(16, 64)
	if err != nil {
		t.Fatalf("stubheap.New: %v", err)
	}
	t.Cleanup(func() { stubs.Close() })
	i := testisa.New()
	l := linker.New(table, i, testisa.Platform{})
	em := emitter.New(table, region, stubs, l, i, testisa.Platform{})
	return &harness{table: table, isa: i, l: l, em: em, stubs: stubs}
}

// S1: bb -> bb forward link, with the target built second (a Future
// in between).
func TestS1ForwardLink(t *testing.T) {
	h := newHarness(t)
	const tagA, tagB, tagC isa.Tag = 0x1000, 0x1100, 0x1200

	fragA, err := h.em.Emit(tagA, testisa.DirectExit(tagB), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit A: %v", err)
	}
	// A's outgoing-link pass has already run at this point (it happens
	// once, at emission), so the latch is set even though B doesn't
	// exist yet; what hasn't happened is the edge itself linking.
	if !fragA.Flags().Has(fragment.FlagLinkedOutgoing) {
		t.Fatalf("A should carry the linked-outgoing latch once its one outgoing pass has run")
	}
	if fragA.Stubs[0].Linked {
		t.Fatalf("A's exit should not be linked before B exists")
	}

	fragB, err := h.em.Emit(tagB, testisa.DirectExit(tagC), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit B: %v", err)
	}
	if !fragA.Stubs[0].Linked {
		t.Fatalf("A's exit should link to B once B is emitted")
	}
	if fragB.IncomingCount() != 1 {
		t.Fatalf("B.incoming count = %d, want 1", fragB.IncomingCount())
	}
	ctiPC := fragA.Start + uintptr(fragA.Stubs[0].CTIOffset)
	target, ok := h.isa.PatchFor(ctiPC)
	if !ok || target != fragB.Start {
		t.Fatalf("A's cti not patched to B's entry: got %#x ok=%v want %#x", target, ok, fragB.Start)
	}

	_, fut, ok := h.table.Lookup(tagC, fragment.Shared)
	if !ok || fut == nil {
		t.Fatalf("tagC should have a Future pending")
	}
	if fut.Incoming() != fragB.Stubs[0] {
		t.Fatalf("Future(tagC).incoming should be B's exit stub")
	}
}

// S2: a backward branch promotes its target to a trace head and
// leaves the source edge unlinked.
func TestS2BackwardBranchPromotesHead(t *testing.T) {
	h := newHarness(t)
	const tag1000, tag2000 isa.Tag = 0x1000, 0x2000

	fragLow, err := h.em.Emit(tag1000, testisa.DirectExit(0x9999), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit low: %v", err)
	}
	fragHigh, err := h.em.Emit(tag2000, testisa.DirectExit(tag1000), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit high: %v", err)
	}

	if !fragLow.Flags().Has(fragment.FlagTraceHead) {
		t.Fatalf("backward-branch target should be promoted to trace head")
	}
	if fragHigh.Stubs[0].Linked {
		t.Fatalf("edge into a trace head must not be linked")
	}
}

// Condition 2 of the is_linkable policy: an exit the decoder classified
// as a non-ignorable syscall/selfmod/special exit never links, even
// once its target exists.
func TestNonLinkableExitNeverLinks(t *testing.T) {
	h := newHarness(t)
	const tagA, tagB isa.Tag = 0x1000, 0x1100

	fragA, err := h.em.Emit(tagA, testisa.NonLinkableDirectExit(tagB), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit A: %v", err)
	}
	if _, err := h.em.Emit(tagB, testisa.DirectExit(0x9999), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
		t.Fatalf("emit B: %v", err)
	}
	if fragA.Stubs[0].Linked {
		t.Fatalf("a non-linkable exit must never be patched straight to its target")
	}
}

// Property 1: link invariant.
func TestLinkInvariant(t *testing.T) {
	h := newHarness(t)
	const tagA, tagB isa.Tag = 0x10, 0x20

	fragB, err := h.em.Emit(tagB, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit B: %v", err)
	}
	fragA, err := h.em.Emit(tagA, testisa.DirectExit(tagB), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit A: %v", err)
	}
	e := fragA.Stubs[0]
	if !e.Linked {
		t.Fatalf("exit to an existing unshadowed target must be linked")
	}
	found := false
	for cur := fragB.Incoming(); cur != nil; cur = cur.IncomingNext {
		if cur == e {
			found = true
		}
	}
	if !found {
		t.Fatalf("target's incoming list must contain the linked exit")
	}
}

// Property 2 / S-style atomic shift via EmitAsReplacement.
func TestAtomicShift(t *testing.T) {
	h := newHarness(t)
	const tagSrc, tagOld isa.Tag = 0x30, 0x40

	old, err := h.em.Emit(tagOld, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit old: %v", err)
	}
	src, err := h.em.Emit(tagSrc, testisa.DirectExit(tagOld), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit src: %v", err)
	}
	if !src.Stubs[0].Linked {
		t.Fatalf("src should be linked to old")
	}
	preShiftIncoming := old.Incoming()

	newFrag, err := h.em.EmitAsReplacement(old, testisa.DirectExit(0), emitter.EmitOptions{})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if old.Incoming() != nil {
		t.Fatalf("old.incoming should be empty after shift")
	}
	if newFrag.Incoming() != preShiftIncoming {
		t.Fatalf("new.incoming should equal old's pre-shift incoming list")
	}
	ctiPC := src.Start + uintptr(src.Stubs[0].CTIOffset)
	target, ok := h.isa.PatchFor(ctiPC)
	if !ok || target != newFrag.Start {
		t.Fatalf("src's cti should now point at new's entry")
	}
}

// Property 3: delete safety.
func TestDeleteSafety(t *testing.T) {
	h := newHarness(t)
	const tagA, tagB isa.Tag = 0x50, 0x60

	fragB, err := h.em.Emit(tagB, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit B: %v", err)
	}
	_, err = h.em.Emit(tagA, testisa.DirectExit(tagB), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit A: %v", err)
	}

	fut := h.l.IncomingRemoveFragment(fragB, true)
	if fut == nil {
		t.Fatalf("expected a Future back")
	}
	if fut.Tag != fragB.Tag {
		t.Fatalf("future tag mismatch")
	}
	if _, ok := h.table.ByID(fragB.ID()); ok {
		t.Fatalf("fragB should no longer be reachable by id")
	}
}

// Property 5: trace-head marking is idempotent.
func TestTraceHeadMarkingIdempotent(t *testing.T) {
	h := newHarness(t)
	const tagLow, tagHighA, tagHighB isa.Tag = 0x100, 0x200, 0x300

	fragLow, err := h.em.Emit(tagLow, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit low: %v", err)
	}
	if _, err := h.em.Emit(tagHighA, testisa.DirectExit(tagLow), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
		t.Fatalf("emit highA: %v", err)
	}
	if !fragLow.Flags().Has(fragment.FlagTraceHead) {
		t.Fatalf("expected promotion after first backward edge")
	}
	if _, err := h.em.Emit(tagHighB, testisa.DirectExit(tagLow), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
		t.Fatalf("emit highB: %v", err)
	}
	if !fragLow.Flags().Has(fragment.FlagTraceHead) {
		t.Fatalf("remains a trace head after second backward edge")
	}
}

// S6: two threads racing to link against the same not-yet-built tag
// must merge onto a single Future with both entries preserved.
func TestS6CrossThreadRace(t *testing.T) {
	h := newHarness(t)
	const tagA, tagB, tagX isa.Tag = 0x400, 0x500, 0x600

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := h.em.Emit(tagA, testisa.DirectExit(tagX), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
			t.Errorf("emit A: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := h.em.Emit(tagB, testisa.DirectExit(tagX), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
			t.Errorf("emit B: %v", err)
		}
	}()
	wg.Wait()

	_, fut, ok := h.table.Lookup(tagX, fragment.Shared)
	if !ok || fut == nil {
		t.Fatalf("expected a single Future for tagX")
	}
	n := 0
	for cur := fut.Incoming(); cur != nil; cur = cur.IncomingNext {
		n++
	}
	if n != 2 {
		t.Fatalf("Future(tagX).incoming has %d entries, want 2", n)
	}
}
