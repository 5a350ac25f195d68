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

// ChangeLinkingMutex is sync.Mutex with the correctness validator. It occupies
// position 3 in the core's global acquire order:
// bb-building -> trace-building -> change-linking -> fragment-table ->
// vm-areas -> coarse-unit-incoming -> sample-table -> separate-stub-heap.
//
// Serializes every linked/unlinked transition of a shared fragment and every mutation of a shared incoming list.
type ChangeLinkingMutex struct {
	mu sync.Mutex
}

var changeLinkingprefixIndex *locking.MutexClass

// changeLinkingLockNames is the set of user-friendly lock names nested locks of
// this type may be acquired under, for the validator's diagnostics.
var changeLinkingLockNames = []string{"change-linking"}

type changeLinkingLockNameIndex int

const (
	changeLinkingLockSelf changeLinkingLockNameIndex = iota
)

func init() {
	changeLinkingprefixIndex = locking.NewMutexClass(reflect.TypeOf(ChangeLinkingMutex{}), changeLinkingLockNames)
}

// Lock locks m.
// +checklocksignore
func (m *ChangeLinkingMutex) Lock() {
	locking.AddGLock(changeLinkingprefixIndex, -1)
	m.mu.Lock()
}

// NestedLock locks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *ChangeLinkingMutex) NestedLock(i changeLinkingLockNameIndex) {
	locking.AddGLock(changeLinkingprefixIndex, int(i))
	m.mu.Lock()
}

// Unlock unlocks m.
// +checklocksignore
func (m *ChangeLinkingMutex) Unlock() {
	locking.DelGLock(changeLinkingprefixIndex, -1)
	m.mu.Unlock()
}

// NestedUnlock unlocks m knowing that another lock of the same type is held.
// +checklocksignore
func (m *ChangeLinkingMutex) NestedUnlock(i changeLinkingLockNameIndex) {
	locking.DelGLock(changeLinkingprefixIndex, int(i))
	m.mu.Unlock()
}
