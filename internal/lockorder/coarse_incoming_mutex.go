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

// CoarseIncomingMutex is sync.Mutex with the correctness validator. It occupies
// position 6 in the core's global acquire order:
// bb-building -> trace-building -> change-linking -> fragment-table ->
// vm-areas -> coarse-unit-incoming -> sample-table -> separate-stub-heap.
//
// Guards a coarse unit's incoming-edge proxy table.
type CoarseIncomingMutex struct {
	mu sync.Mutex
}

var coarseIncomingprefixIndex *locking.MutexClass

// coarseIncomingLockNames is the set of user-friendly lock names nested locks of
// this type may be acquired under, for the validator's diagnostics.
var coarseIncomingLockNames = []string{"coarse-unit-incoming"}

type coarseIncomingLockNameIndex int

const (
	coarseIncomingLockSelf coarseIncomingLockNameIndex = iota
)

func init() {
	coarseIncomingprefixIndex = locking.NewMutexClass(reflect.TypeOf(CoarseIncomingMutex{}), coarseIncomingLockNames)
}

// Lock locks m.
// +checklocksignore
func (m *CoarseIncomingMutex) Lock() {
	locking.AddGLock(coarseIncomingprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *CoarseIncomingMutex) NestedLock(i coarseIncomingLockNameIndex) {
	locking.AddGLock(coarseIncomingprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *CoarseIncomingMutex) Unlock() {
	locking.DelGLock(coarseIncomingprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *CoarseIncomingMutex) NestedUnlock(i coarseIncomingLockNameIndex) {
	locking.DelGLock(coarseIncomingprefixIndex, int(i))
	m.mu.Unlock()
}
