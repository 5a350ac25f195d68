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

// VMAreasMutex is sync.Mutex with the correctness validator. It occupies
// position 5 in the core's global acquire order:
// bb-building -> trace-building -> change-linking -> fragment-table ->
// vm-areas -> coarse-unit-incoming -> sample-table -> separate-stub-heap.
//
// Guards the address-range bookkeeping used to invalidate fragments on unmap.
type VMAreasMutex struct {
	mu sync.Mutex
}

var vmAreasprefixIndex *locking.MutexClass

// vmAreasLockNames is the set of user-friendly lock names nested locks of
// this type may be acquired under, for the validator's diagnostics.
var vmAreasLockNames = []string{"vm-areas"}

type vmAreasLockNameIndex int

const (
	vmAreasLockSelf vmAreasLockNameIndex = iota
)

func init() {
	vmAreasprefixIndex = locking.NewMutexClass(reflect.TypeOf(VMAreasMutex{}), vmAreasLockNames)
}

// Lock locks m.
// +checklocksignore
func (m *VMAreasMutex) Lock() {
	locking.AddGLock(vmAreasprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *VMAreasMutex) NestedLock(i vmAreasLockNameIndex) {
	locking.AddGLock(vmAreasprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *VMAreasMutex) Unlock() {
	locking.DelGLock(vmAreasprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *VMAreasMutex) NestedUnlock(i vmAreasLockNameIndex) {
	locking.DelGLock(vmAreasprefixIndex, int(i))
	m.mu.Unlock()
}
