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

// TraceBuildingMutex is sync.Mutex with the correctness validator. It occupies
// position 2 in the core's global acquire order:
// bb-building -> trace-building -> change-linking -> fragment-table ->
// vm-areas -> coarse-unit-incoming -> sample-table -> separate-stub-heap.
//
// Serializes commit of a completed trace; held only at finalization.
type TraceBuildingMutex struct {
	mu sync.Mutex
}

var traceBuildingprefixIndex *locking.MutexClass

// traceBuildingLockNames is the set of user-friendly lock names nested locks of
// this type may be acquired under, for the validator's diagnostics.
var traceBuildingLockNames = []string{"trace-building"}

type traceBuildingLockNameIndex int

const (
	traceBuildingLockSelf traceBuildingLockNameIndex = iota
)

func init() {
	traceBuildingprefixIndex = locking.NewMutexClass(reflect.TypeOf(TraceBuildingMutex{}), traceBuildingLockNames)
}

// Lock locks m.
// +checklocksignore
func (m *TraceBuildingMutex) Lock() {
	locking.AddGLock(traceBuildingprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *TraceBuildingMutex) NestedLock(i traceBuildingLockNameIndex) {
	locking.AddGLock(traceBuildingprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *TraceBuildingMutex) Unlock() {
	locking.DelGLock(traceBuildingprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *TraceBuildingMutex) NestedUnlock(i traceBuildingLockNameIndex) {
	locking.DelGLock(traceBuildingprefixIndex, int(i))
	m.mu.Unlock()
}
