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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"
	"gvisor.dev/gvisor/pkg/log"

	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/isa"
	"github.com/fragcache/fragcache/pkg/trace"
)

// Optimizer runs the actual re-optimization transform over a
// fragment's decoded instructions. The transform itself is out of
// scope; Worker only supplies the surrounding
// sample/pause/emit/shift/resume protocol.
type Optimizer interface {
	Optimize(tag isa.Tag, il isa.IList) (out isa.IList, worthwhile bool)
}

// Pauser requests that the mutator thread(s) referencing a fragment
// stop entering it long enough for sideline to swap in a replacement,
// and returns a function that resumes them, along with the id of the
// thread that owns id's remember list. A nil Pauser means the caller's
// dispatch loop never runs concurrently with sideline (e.g.
// single-threaded tests), so no pause is needed.
type Pauser interface {
	RequestPause(id fragment.ID) (owner trace.ThreadID, resume func(), ackErr error)
}

// Rememberer defers freeing a replaced fragment's cache bytes until
// owner next reaches a safe point, rather than freeing it immediately
// while another thread might still be executing inside it. Satisfied
// structurally by *dispatch.Core's DeferFree/DrainDeferredFree pair.
type Rememberer interface {
	DeferFree(owner trace.ThreadID, id fragment.ID)
}

// Worker is the sideline background optimizer.
type Worker struct {
	Table    *fragment.Table
	Samples  *SampleTable
	Emitter  *emitter.Emitter
	ISA      isa.InstructionSet
	Platform isa.Platform
	Optimizer Optimizer
	Pauser   Pauser
	// Remember, if set, receives the replaced fragment on every
	// successful optimize-and-replace so its cache bytes stay valid
	// until the owning thread's next safe point instead of leaking or
	// being freed out from under a thread still executing inside it.
	Remember Rememberer

	// CurrentlyBuilding reports the set of fragment ids a trace monitor
	// has mid-build right now; sideline must never select one of these
	//. May be nil (treated as empty).
	CurrentlyBuilding func() map[fragment.ID]bool

	// idleLimiter paces the sample/pick/optimize loop. Its rate is
	// derived from Platform.NumProcessors at NewWorker time.
	idleLimiter *rate.Limiter

	// pauseBackoff governs how long the worker retries a pause request
	// that the mutator has not yet acknowledged before giving up on this
	// round's candidate.
	newPauseBackoff func() backoff.BackOff

	// doNotDelete is held for the whole of each tick, while a fragment
	// reference obtained from Table/Samples is in flight. It is
	// unexported and no code outside tick takes it, so it does not hold
	// off fragment deletion done elsewhere.
	doNotDelete sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWorker creates a Worker whose idle cadence is scaled by the
// platform's logical CPU count: more CPUs means sideline can afford to
// poll more often without starving the mutator.
func NewWorker(table *fragment.Table, samples *SampleTable, em *emitter.Emitter, isaImpl isa.InstructionSet, platform isa.Platform, opt Optimizer) *Worker {
	cpus := platform.NumProcessors()
	if cpus < 1 {
		cpus = 1
	}
	ratePerSec := float64(cpus) / 2
	return &Worker{
		Table:       table,
		Samples:     samples,
		Emitter:     em,
		ISA:         isaImpl,
		Platform:    platform,
		Optimizer:   opt,
		idleLimiter: rate.NewLimiter(rate.Limit(ratePerSec), 1),
		newPauseBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Millisecond
			b.MaxInterval = 50 * time.Millisecond
			b.MaxElapsedTime = 500 * time.Millisecond
			return b
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Run executes the sample/pick-hottest/pause/optimize/emit/shift/
// resume loop until Stop is called or ctx is done.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := w.idleLimiter.Wait(ctx); err != nil {
			return
		}
		w.tick()
	}
}

// Stop requests the worker exit and blocks until Run has returned.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) excluded() map[fragment.ID]bool {
	if w.CurrentlyBuilding == nil {
		return nil
	}
	return w.CurrentlyBuilding()
}

// tick runs exactly one sample/optimize round.
func (w *Worker) tick() {
	w.doNotDelete.Lock()
	defer w.doNotDelete.Unlock()

	id, _, ok := w.Samples.Hottest(w.excluded())
	if !ok {
		return
	}
	frag, ok := w.Table.ByID(id)
	if !ok || frag.WasDeleted() {
		w.Samples.Remove(id)
		return
	}

	owner, resume, err := w.requestPause(id)
	if err != nil {
		log.Warningf("sideline: pause ack for %s timed out, deferring", frag)
		return
	}
	defer func() {
		if resume != nil {
			resume()
		}
	}()

	if err := w.optimizeAndReplace(owner, frag); err != nil {
		log.Warningf("sideline: optimize %s: %v", frag, err)
		return
	}
	w.Samples.Remove(id)
}

// requestPause asks w.Pauser to pause every mutator thread referencing
// id, retrying the acknowledgment wait with backoff. With no Pauser
// configured it is a no-op success.
func (w *Worker) requestPause(id fragment.ID) (owner trace.ThreadID, resume func(), err error) {
	if w.Pauser == nil {
		return 0, nil, nil
	}
	b := w.newPauseBackoff()
	op := func() error {
		var ackErr error
		owner, resume, ackErr = w.Pauser.RequestPause(id)
		return ackErr
	}
	if err := backoff.Retry(op, b); err != nil {
		return 0, nil, fmt.Errorf("sideline: pause request for fragment %d: %w", id, err)
	}
	return owner, resume, nil
}

// optimizeAndReplace re-decodes frag's tag, runs the optimizer, and if
// it reports the result worthwhile, emits it as a replacement, shifts
// frag's links onto it, and hands frag off to owner's remember list so
// its cache bytes are freed only once owner reaches its next safe
// point rather than out from under a thread still inside it.
func (w *Worker) optimizeAndReplace(owner trace.ThreadID, frag *fragment.Fragment) error {
	il, err := w.ISA.DecodeFragment(frag.Tag, uint32(frag.Flags()))
	if err != nil {
		return fmt.Errorf("redecode: %w", err)
	}
	out, worthwhile := w.Optimizer.Optimize(frag.Tag, il)
	if !worthwhile {
		return nil
	}
	newFrag, err := w.Emitter.EmitAsReplacement(frag, out, emitter.EmitOptions{})
	if err != nil {
		return fmt.Errorf("emit replacement: %w", err)
	}
	if w.Remember != nil {
		w.Remember.DeferFree(owner, frag.ID())
	}
	log.Infof("sideline: replaced %s with optimized %s", frag, newFrag)
	return nil
}
