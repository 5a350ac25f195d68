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

package fragment

import (
	"github.com/google/btree"

	"github.com/fragcache/fragcache/internal/lockorder"
)

// tableKey orders entries first by sharing class, then by tag, so that
// a module-unload range-invalidation can Ascend a contiguous tag span
// within one sharing class without touching the other.
type tableKey struct {
	sharing Sharing
	tag     Tag
}

func (k tableKey) less(o tableKey) bool {
	if k.sharing != o.sharing {
		return k.sharing < o.sharing
	}
	return k.tag < o.tag
}

// entry is the btree.Item stored for one (sharing, tag) slot: at most
// one of Frag/Fut is non-nil at a time.
type entry struct {
	key  tableKey
	Frag *Fragment
	Fut  *Future
}

func (e *entry) Less(than btree.Item) bool {
	return e.key.less(than.(*entry).key)
}

// Table is the fragment table: the
// tag-to-Fragment-or-Future lookup every component consults before
// translating or linking. It is backed by a B-tree (the same
// ordered-segment shape gVisor's own pgalloc.reclaimSet generates) so
// that whole-range invalidation on module unload is a single Ascend,
// not a full-table scan.
type Table struct {
	mu     lockorder.FragmentTableMutex
	tree   *btree.BTree
	byID   map[ID]*Fragment
	nextID uint64
}

// NewTable creates an empty fragment table.
func NewTable() *Table {
	return &Table{tree: btree.New(16), byID: make(map[ID]*Fragment)}
}

// AllocID hands out the next stable FragmentID; id 0 is never issued
// (it means "no owner", see linkstub.ErrInvalidStub).
func (t *Table) AllocID() ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return ID(t.nextID)
}

// Lookup returns the live Fragment or Future for (tag, sharing), if
// any.
func (t *Table) Lookup(tag Tag, sharing Sharing) (*Fragment, *Future, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	item := t.tree.Get(&entry{key: tableKey{sharing: sharing, tag: tag}})
	if item == nil {
		return nil, nil, false
	}
	e := item.(*entry)
	return e.Frag, e.Fut, true
}

// ByID returns the Fragment with the given stable id, used to recover
// an owner from a LinkStub.Owner field in O(1).
func (t *Table) ByID(id ID) (*Fragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.byID[id]
	return f, ok
}

// InsertFragment installs f as the live occupant of its (tag, sharing)
// slot, replacing and returning any prior occupant (a Future, or
// nothing).
func (t *Table) InsertFragment(f *Fragment) (prevFut *Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := tableKey{sharing: f.Sharing, tag: f.Tag}
	if old := t.tree.Get(&entry{key: key}); old != nil {
		prevFut = old.(*entry).Fut
	}
	t.tree.ReplaceOrInsert(&entry{key: key, Frag: f})
	t.byID[f.id] = f
	return prevFut
}

// InsertFuture installs fut as the occupant of its slot. The caller
// must have already verified (under the fragment-table lock, typically
// via a prior failed Lookup) that no Fragment occupies the slot;
// InsertFuture does not check for a race itself, since the linker's
// change-linking lock is what serializes concurrent Future creation
// for the same tag (its singleflight group is only a defensive merge
// path).
func (t *Table) InsertFuture(fut *Future) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := tableKey{sharing: fut.Sharing, tag: fut.Tag}
	t.tree.ReplaceOrInsert(&entry{key: key, Fut: fut})
}

// RemoveFragment deletes f's slot entirely (no replacement Future is
// installed; callers that want one, mirroring incoming_remove_fragment,
// call InsertFuture explicitly afterward). A no-op if f's (tag, sharing)
// slot has already been taken over by a different Fragment (e.g. a
// sideline replacement that shifted in after f was already detached),
// so a deferred-free of a stale id can never evict the wrong occupant.
func (t *Table) RemoveFragment(f *Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := tableKey{sharing: f.Sharing, tag: f.Tag}
	if item := t.tree.Get(&entry{key: key}); item != nil {
		if e := item.(*entry); e.Frag == f {
			t.tree.Delete(&entry{key: key})
		}
	}
	delete(t.byID, f.id)
}

// DetachFragment removes f from its (tag, sharing) slot (e.g. to make
// room for a sideline replacement occupying the same tag) but, unlike
// RemoveFragment, leaves f in the by-id index: a deferred-free
// remember-list entry still needs ByID(f.ID()) to resolve f once the
// owner thread actually reaches its next safe point and retires it. A
// no-op on the tree if the slot no longer belongs to f.
func (t *Table) DetachFragment(f *Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := tableKey{sharing: f.Sharing, tag: f.Tag}
	if item := t.tree.Get(&entry{key: key}); item != nil {
		if e := item.(*entry); e.Frag == f {
			t.tree.Delete(&entry{key: key})
		}
	}
}

// RemoveRange deletes every Fragment/Future whose tag falls in
// [lo, hi) within sharing, as on a module unload. It returns the
// removed fragments so callers (e.g. the linker) can unlink them.
// Grounded on the original's thcounter_range_remove, generalized from
// trace-head counters to the whole table.
func (t *Table) RemoveRange(sharing Sharing, lo, hi Tag) []*Fragment {
	t.mu.Lock()
	defer t.mu.Unlock()
	var toDelete []btree.Item
	var removed []*Fragment
	t.tree.AscendRange(
		&entry{key: tableKey{sharing: sharing, tag: lo}},
		&entry{key: tableKey{sharing: sharing, tag: hi}},
		func(item btree.Item) bool {
			toDelete = append(toDelete, item)
			return true
		},
	)
	for _, item := range toDelete {
		e := item.(*entry)
		if e.Frag != nil {
			removed = append(removed, e.Frag)
			delete(t.byID, e.Frag.id)
		}
		t.tree.Delete(item)
	}
	return removed
}

// Len reports the number of occupied slots (fragments plus futures).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}
