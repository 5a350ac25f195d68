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

package trace_test

import (
	"testing"

	"github.com/fragcache/fragcache/internal/testisa"
	"github.com/fragcache/fragcache/pkg/cachemem"
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/linker"
	"github.com/fragcache/fragcache/pkg/stubheap"
	"github.com/fragcache/fragcache/pkg/trace"
)

func newMonitor(t *testing.T, hotThreshold uint32, maxBlocks int) (*trace.Monitor, *fragment.Table, *emitter.Emitter) {
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
	mon := trace.NewMonitor(table, em, l, i, testisa.Platform{}, hotThreshold, maxBlocks)
	return mon, table, em
}

// S3: trace build. Head threshold=3; on the third entry the monitor
// transitions to building, extending picks up successors, and
// Finalize emits a shared trace shadowing the head with the head's
// incoming edges transferred onto it.
func TestS3TraceBuild(t *testing.T) {
	const tid trace.ThreadID = 1
	const headTag, succTag, callerTag isa.Tag = 0x3000, 0x3100, 0x3200

	mon, table, em := newMonitor(t, 3, 16)

	head, err := em.Emit(headTag, testisa.DirectExit(succTag), emitter.EmitOptions{Sharing: fragment.Shared, Link: true})
	if err != nil {
		t.Fatalf("emit head: %v", err)
	}
	if _, err := em.Emit(callerTag, testisa.DirectExit(headTag), emitter.EmitOptions{Sharing: fragment.Shared, Link: true}); err != nil {
		t.Fatalf("emit caller: %v", err)
	}
	if !head.Flags().Has(fragment.FlagTraceHead) {
		t.Fatalf("head should already be a trace head via the backward-branch rule")
	}

	var started bool
	for i := 0; i < 3; i++ {
		started = mon.CountEnter(tid, head, testisa.DirectExit(succTag))
	}
	if !started {
		t.Fatalf("expected trace building to start on the third entry")
	}
	if mon.State(tid) != trace.StateBuilding {
		t.Fatalf("monitor should be in StateBuilding")
	}

	if !mon.Extend(tid, succTag, testisa.DirectExit(0)) {
		t.Fatalf("Extend should succeed under MaxBlocks")
	}

	newFrag, err := mon.Finalize(tid)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !newFrag.Flags().Has(fragment.FlagTrace) {
		t.Fatalf("finalized fragment should carry FlagTrace")
	}
	if mon.State(tid) != trace.StateSearch {
		t.Fatalf("monitor should return to StateSearch after finalize")
	}

	if _, _, ok := table.Lookup(callerTag, fragment.Shared); !ok {
		t.Fatalf("caller fragment should still be present in the table")
	}
}

func TestExtendStopsAtMaxBlocks(t *testing.T) {
	const tid trace.ThreadID = 2
	mon, _, em := newMonitor(t, 1, 2)

	head, err := em.Emit(0x4000, testisa.DirectExit(0x4100), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit head: %v", err)
	}
	if !mon.CountEnter(tid, markTraceHead(head), testisa.DirectExit(0x4100)) {
		t.Fatalf("expected trace to start with threshold 1")
	}
	if mon.Extend(tid, 0x4100, testisa.DirectExit(0)) {
		t.Fatalf("second block should hit MaxBlocks=2 and return false")
	}
}

func TestAbortResetsState(t *testing.T) {
	const tid trace.ThreadID = 3
	mon, _, em := newMonitor(t, 1, 16)
	head, err := em.Emit(0x5000, testisa.DirectExit(0x5100), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit head: %v", err)
	}
	mon.CountEnter(tid, markTraceHead(head), testisa.DirectExit(0x5100))
	if mon.State(tid) != trace.StateBuilding {
		t.Fatalf("expected StateBuilding before abort")
	}
	mon.Abort(tid)
	if mon.State(tid) != trace.StateSearch {
		t.Fatalf("Abort should return the thread to StateSearch")
	}
}

// markTraceHead is a test helper faking the FlagTraceHead bit directly
// since these tests don't always want to construct a real
// backward-branch edge just to make CountEnter's precondition true.
func markTraceHead(f *fragment.Fragment) *fragment.Fragment {
	f.SetFlag(fragment.FlagTraceHead)
	return f
}
