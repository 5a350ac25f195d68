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

package linkstub_test

import (
	"testing"

	"github.com/fragcache/fragcache/pkg/linkstub"
)

func TestIsDirect(t *testing.T) {
	cases := []struct {
		stub *linkstub.LinkStub
		want bool
	}{
		{linkstub.NewDirect(1, 0, 0x10), true},
		{linkstub.NewCbrFallthrough(1, 4, 0x20), true},
		{linkstub.NewCoarseProxy(0x30), true},
		{linkstub.NewIndirect(1, 8), false},
		{linkstub.Syscall, false},
	}
	for _, c := range cases {
		if got := c.stub.IsDirect(); got != c.want {
			t.Fatalf("IsDirect(kind=%v) = %v, want %v", c.stub.Kind, got, c.want)
		}
	}
}

func TestOwningFragmentRejectsSentinels(t *testing.T) {
	if _, err := linkstub.OwningFragment(linkstub.Syscall); err != linkstub.ErrInvalidStub {
		t.Fatalf("expected ErrInvalidStub for a sentinel stub, got %v", err)
	}
	if _, err := linkstub.OwningFragment(nil); err != linkstub.ErrInvalidStub {
		t.Fatalf("expected ErrInvalidStub for a nil stub, got %v", err)
	}
	direct := linkstub.NewDirect(42, 0, 0x10)
	owner, err := linkstub.OwningFragment(direct)
	if err != nil || owner != 42 {
		t.Fatalf("OwningFragment(direct) = (%v, %v), want (42, nil)", owner, err)
	}
}

func TestIBLSentinelSelectsByTraceAndKind(t *testing.T) {
	if linkstub.IBLSentinel(false, linkstub.IBLRet) != linkstub.IBLBBRet {
		t.Fatalf("bb-ret sentinel mismatch")
	}
	if linkstub.IBLSentinel(true, linkstub.IBLCall) != linkstub.IBLTraceCall {
		t.Fatalf("trace-call sentinel mismatch")
	}
	if linkstub.IBLSentinel(true, linkstub.IBLJmp) != linkstub.IBLTraceJmp {
		t.Fatalf("trace-jmp sentinel mismatch")
	}
}

func TestSentinelSingletonIdentity(t *testing.T) {
	// The dispatcher compares sentinel stubs by pointer identity; two
	// separate references to the same var must be the same address.
	a := linkstub.Syscall
	b := linkstub.Syscall
	if a != b {
		t.Fatalf("Syscall sentinel should be a stable singleton")
	}
	if linkstub.Syscall == linkstub.Asynch {
		t.Fatalf("distinct sentinels must not alias")
	}
}
