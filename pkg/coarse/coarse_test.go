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

package coarse_test

import (
	"bytes"
	"testing"

	"github.com/fragcache/fragcache/internal/testisa"
	"github.com/fragcache/fragcache/pkg/coarse"
	"github.com/fragcache/fragcache/pkg/fragment"
)

func TestUnitAddEntranceAndContains(t *testing.T) {
	u, err := coarse.NewUnit("libc.so", fragment.Shared, 0x1000, 0x2000, testisa.New(), 4)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	defer u.Close()

	if !u.Contains(0x1500) || u.Contains(0x2000) {
		t.Fatalf("Contains range check wrong")
	}

	pc1, err := u.AddEntrance(0x1100)
	if err != nil {
		t.Fatalf("AddEntrance: %v", err)
	}
	pc2, err := u.AddEntrance(0x1100)
	if err != nil || pc2 != pc1 {
		t.Fatalf("AddEntrance should be idempotent for the same tag: %v %#x vs %#x", err, pc2, pc1)
	}
	if _, err := u.AddEntrance(0x1200); err != nil {
		t.Fatalf("AddEntrance second tag: %v", err)
	}
	if u.NumEntrances() != 2 {
		t.Fatalf("NumEntrances = %d, want 2", u.NumEntrances())
	}
	if got, ok := u.EntranceFor(0x1100); !ok || got != pc1 {
		t.Fatalf("EntranceFor(0x1100) = (%#x, %v), want (%#x, true)", got, ok, pc1)
	}
	if _, ok := u.EntranceFor(0x9999); ok {
		t.Fatalf("EntranceFor should report false for an unknown tag")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	u, err := coarse.NewUnit("module.so", fragment.Shared, 0x4000, 0x5000, testisa.New(), 8)
	if err != nil {
		t.Fatalf("NewUnit: %v", err)
	}
	defer u.Close()
	if _, err := u.AddEntrance(0x4100); err != nil {
		t.Fatalf("AddEntrance: %v", err)
	}
	if _, err := u.AddEntrance(0x4200); err != nil {
		t.Fatalf("AddEntrance: %v", err)
	}

	var buf bytes.Buffer
	helpers := [4]uint64{10, 20, 30, 40}
	if err := coarse.Persist(&buf, u, true, helpers); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	name, sharing, lo, hi, numEntrances, mode32, gotHelpers, err := coarse.LoadHeader(&buf)
	if err != nil {
		t.Fatalf("LoadHeader: %v", err)
	}
	if name != "module.so" {
		t.Fatalf("name = %q, want %q", name, "module.so")
	}
	if sharing != fragment.Shared || lo != 0x4000 || hi != 0x5000 || numEntrances != 2 || !mode32 {
		t.Fatalf("header fields wrong: sharing=%v lo=%#x hi=%#x n=%d mode32=%v", sharing, lo, hi, numEntrances, mode32)
	}
	if gotHelpers != helpers {
		t.Fatalf("helper offsets = %v, want %v", gotHelpers, helpers)
	}

	reloaded, err := coarse.NewUnit(name, sharing, lo, hi, testisa.New(), numEntrances)
	if err != nil {
		t.Fatalf("NewUnit for reload: %v", err)
	}
	defer reloaded.Close()
	if err := coarse.LoadEntries(&buf, reloaded, numEntrances, mode32); err != nil {
		t.Fatalf("LoadEntries: %v", err)
	}
	if reloaded.NumEntrances() != 2 {
		t.Fatalf("reloaded entrance count = %d, want 2", reloaded.NumEntrances())
	}
	if _, ok := reloaded.EntranceFor(0x4100); !ok {
		t.Fatalf("reloaded unit missing entrance for 0x4100")
	}
}

func TestLoadHeaderRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, 64))
	if _, _, _, _, _, _, _, err := coarse.LoadHeader(buf); err == nil {
		t.Fatalf("expected an error for garbage header bytes")
	}
}
