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

package lockorder

import (
	"reflect"

	"gvisor.dev/gvisor/pkg/sync"
	"gvisor.dev/gvisor/pkg/sync/locking"
)

// SampleTableMutex is sync.Mutex with the correctness validator. It occupies
// position 7 in the core's global acquire order:
// bb-building -> trace-building -> change-linking -> fragment-table ->
// vm-areas -> coarse-unit-incoming -> sample-table -> separate-stub-heap.
//
// Guards the sideline worker's fragment to hotness-counter table.
type SampleTableMutex struct {
	mu sync.Mutex
}

var sampleTableprefixIndex *locking.MutexClass

// sampleTableLockNames is the set of user-friendly lock names nested locks of
// this type may be acquired under, for the validator's diagnostics.
var sampleTableLockNames = []string{"sample-table"}

type sampleTableLockNameIndex int

const (
	sampleTableLockSelf sampleTableLockNameIndex = iota
)

func init() {
	sampleTableprefixIndex = locking.NewMutexClass(reflect.TypeOf(SampleTableMutex{}), sampleTableLockNames)
}

// Lock locks m.
// +checklocksignore
func (m *SampleTableMutex) Lock() {
	locking.AddGLock(sampleTableprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *SampleTableMutex) NestedLock(i sampleTableLockNameIndex) {
	locking.AddGLock(sampleTableprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *SampleTableMutex) Unlock() {
	locking.DelGLock(sampleTableprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *SampleTableMutex) NestedUnlock(i sampleTableLockNameIndex) {
	locking.DelGLock(sampleTableprefixIndex, int(i))
	m.mu.Unlock()
}
