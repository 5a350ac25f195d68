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

package linker_test

import (
	"testing"

	"github.com/fragcache/fragcache/internal/testisa"
	"github.com/fragcache/fragcache/pkg/emitter"
	"github.com/fragcache/fragcache/pkg/fragment"
	"github.com/fragcache/fragcache/pkg/linker"
)

func TestCoarseRegistryCoversAndExpands(t *testing.T) {
	h := newHarness(t)
	reg := linker.NewCoarseRegistry()
	h.l.AttachCoarseRegistry(reg)

	reg.RegisterUnit("libc.so", fragment.Shared, 0x8000, 0x9000)
	if unit, ok := reg.Covers(fragment.Shared, 0x8500); !ok || unit != "libc.so" {
		t.Fatalf("Covers(0x8500) = (%q, %v), want (libc.so, true)", unit, ok)
	}
	if _, ok := reg.Covers(fragment.Shared, 0x9500); ok {
		t.Fatalf("0x9500 is outside the registered range and should not be covered")
	}
	if _, ok := reg.Covers(fragment.Private, 0x8500); ok {
		t.Fatalf("a different sharing class should not match the registered range")
	}

	h.l.ExpandFromCoarse("libc.so", fragment.Shared, 0x8000, 0x9000)
	if _, ok := reg.Covers(fragment.Shared, 0x8500); ok {
		t.Fatalf("ExpandFromCoarse should remove the unit's range from the registry")
	}
}

func TestLinkCoarseProxyPatchesBranch(t *testing.T) {
	h := newHarness(t)
	reg := linker.NewCoarseRegistry()
	h.l.AttachCoarseRegistry(reg)

	frag, err := h.em.Emit(0x8010, testisa.DirectExit(0x9999), emitter.EmitOptions{Sharing: fragment.Private})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	h.l.LinkCoarseProxy(frag, frag.Stubs[0].CTIOffset, "libc.so", 0xABCD0000)

	ctiPC := frag.Start + uintptr(frag.Stubs[0].CTIOffset)
	target, ok := h.isa.PatchFor(ctiPC)
	if !ok || target != 0xABCD0000 {
		t.Fatalf("expected the cti to be patched to the coarse entrance stub, got %#x ok=%v", target, ok)
	}
}
