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

package sideline

import (
	"errors"
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

func TestSampleTableHottestExcludes(t *testing.T) {
	s := NewSampleTable()
	s.Record(1, 5)
	s.Record(2, 9)
	s.Record(3, 1)

	id, score, ok := s.Hottest(nil)
	if !ok || id != 2 || score != 9 {
		t.Fatalf("Hottest() = (%d, %d, %v), want (2, 9, true)", id, score, ok)
	}

	id, _, ok = s.Hottest(map[fragment.ID]bool{2: true})
	if !ok || id != 1 {
		t.Fatalf("Hottest(exclude 2) = (%d, _, %v), want id=1", id, ok)
	}

	s.Remove(1)
	s.Remove(2)
	id, _, ok = s.Hottest(nil)
	if !ok || id != 3 {
		t.Fatalf("Hottest() after removals = (%d, _, %v), want id=3", id, ok)
	}
}

// alwaysOptimizer always reports the input worthwhile, unchanged.
type alwaysOptimizer struct{ calls int }

func (o *alwaysOptimizer) Optimize(tag isa.Tag, il isa.IList) (isa.IList, bool) {
	o.calls++
	return testisa.DirectExit(0), true
}

func newWorkerHarness(t *testing.T) (*Worker, *fragment.Table, *emitter.Emitter, *alwaysOptimizer) {
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
	opt := &alwaysOptimizer{}
	w := NewWorker(table, NewSampleTable(), em, i, testisa.Platform{}, opt)
	return w, table, em, opt
}

// TestTickOptimizesAndReplaces exercises one full sideline round: a hot
// fragment is sampled, picked, and replaced via EmitAsReplacement, with
// no Pauser configured (the single-threaded-test case).
func TestTickOptimizesAndReplaces(t *testing.T) {
	w, _, em, opt := newWorkerHarness(t)
	frag, err := em.Emit(0x7000, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	w.Samples.Record(frag.ID(), 100)

	w.tick()

	if opt.calls != 1 {
		t.Fatalf("optimizer called %d times, want 1", opt.calls)
	}
	if w.Samples.Len() != 0 {
		t.Fatalf("sample should be cleared after a successful replace")
	}
}

func TestTickSkipsDeletedFragment(t *testing.T) {
	w, table, em, opt := newWorkerHarness(t)
	frag, err := em.Emit(0x7100, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	w.Samples.Record(frag.ID(), 50)
	table.RemoveFragment(frag)
	frag.SetFlag(fragment.FlagWasDeleted)

	w.tick()

	if opt.calls != 0 {
		t.Fatalf("optimizer should not run against a deleted fragment")
	}
	if w.Samples.Len() != 0 {
		t.Fatalf("stale sample entry should be dropped")
	}
}

// flakyPauser fails its first N calls before succeeding, exercising the
// backoff.Retry path in requestPause.
type flakyPauser struct {
	failures int
	calls    int
}

func (p *flakyPauser) RequestPause(id fragment.ID) (trace.ThreadID, func(), error) {
	p.calls++
	if p.calls <= p.failures {
		return 0, nil, errors.New("not yet acknowledged")
	}
	return 1, func() {}, nil
}

// fakeRememberer records every (owner, id) handed to DeferFree, the
// way *dispatch.Core's real remember list does, without needing the
// rest of dispatch's wiring.
type fakeRememberer struct {
	byOwner map[trace.ThreadID][]fragment.ID
}

func (r *fakeRememberer) DeferFree(owner trace.ThreadID, id fragment.ID) {
	if r.byOwner == nil {
		r.byOwner = make(map[trace.ThreadID][]fragment.ID)
	}
	r.byOwner[owner] = append(r.byOwner[owner], id)
}

// fixedPauser always reports the same owner and a no-op resume.
type fixedPauser struct{ owner trace.ThreadID }

func (p fixedPauser) RequestPause(id fragment.ID) (trace.ThreadID, func(), error) {
	return p.owner, func() {}, nil
}

// TestReplaceDefersFreeToOwnerRememberList exercises property 8 / S5: a
// successful optimize-and-replace must append the old fragment to its
// owning thread's remember list rather than freeing or dropping it, and
// old's own cache state must stay intact until the owner actually
// drains that list.
func TestReplaceDefersFreeToOwnerRememberList(t *testing.T) {
	w, table, em, opt := newWorkerHarness(t)
	frag, err := em.Emit(0x7300, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	oldID := frag.ID()
	w.Samples.Record(oldID, 75)
	const owner trace.ThreadID = 42
	w.Pauser = fixedPauser{owner: owner}
	remember := &fakeRememberer{}
	w.Remember = remember

	w.tick()

	if opt.calls != 1 {
		t.Fatalf("optimizer called %d times, want 1", opt.calls)
	}
	ids := remember.byOwner[owner]
	if len(ids) != 1 || ids[0] != oldID {
		t.Fatalf("owner %d remember list = %v, want [%d]", owner, ids, oldID)
	}
	// The old fragment must still be a valid, addressable object (its
	// cache bytes untouched) until something actually drains the
	// remember list; tick() alone must not have freed or deleted it.
	if frag.WasDeleted() {
		t.Fatalf("replaced fragment must not be retired before the owner drains its remember list")
	}
	if _, ok := table.ByID(oldID); !ok {
		t.Fatalf("replaced fragment should still be recoverable by id until drained")
	}
}

func TestTickRetriesPauseBeforeSucceeding(t *testing.T) {
	w, _, em, opt := newWorkerHarness(t)
	frag, err := em.Emit(0x7200, testisa.DirectExit(0), emitter.EmitOptions{Sharing: fragment.Private, Link: true})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	w.Samples.Record(frag.ID(), 10)
	pauser := &flakyPauser{failures: 2}
	w.Pauser = pauser

	w.tick()

	if pauser.calls < 3 {
		t.Fatalf("pauser should have been retried, got %d calls", pauser.calls)
	}
	if opt.calls != 1 {
		t.Fatalf("optimizer should still run once the pause succeeds")
	}
}
