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

// Package config loads the tunable parameters governing cache sizing,
// trace-building thresholds and sideline cadence from a TOML file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Tunables holds every knob the core reads at startup. Each field's
// TOML key is given by its explicit snake_case toml tag.
type Tunables struct {
	// CodeCacheBytes sizes the executable region backing fragment
	// bodies (pkg/cachemem).
	CodeCacheBytes int `toml:"code_cache_bytes"`

	// StubBlockSize and StubBlockCount size the separate-stub slab
	// (pkg/stubheap).
	StubBlockSize  int `toml:"stub_block_size"`
	StubBlockCount int `toml:"stub_block_count"`

	// TraceHotThreshold is the dispatcher-entry count before a trace
	// head starts building a trace (pkg/trace).
	TraceHotThreshold uint32 `toml:"trace_hot_threshold"`
	// TraceMaxBlocks caps how many basic blocks one trace may fold in.
	TraceMaxBlocks int `toml:"trace_max_blocks"`
	// TraceIndirectThreshold is the indirect-branch-hit count before an
	// otherwise-ineligible bb is forced to trace-head status.
	TraceIndirectThreshold uint32 `toml:"trace_indirect_threshold"`

	// ShareSeparateStub toggles cbr/fallthrough stub pairing in
	// the emitter.
	ShareSeparateStub bool `toml:"share_separate_stub"`

	// CoarseEntranceCount sizes a coarse unit's entrance-stub table
	// (pkg/coarse).
	CoarseEntranceCount int `toml:"coarse_entrance_count"`
}

// Defaults returns the tunables a process should start with absent a
// config file, chosen to comfortably run the test scenarios in
// without exhausting either slab.
func Defaults() Tunables {
	return Tunables{
		CodeCacheBytes:         4 << 20,
		StubBlockSize:          16,
		StubBlockCount:         4096,
		TraceHotThreshold:      50,
		TraceMaxBlocks:         16,
		TraceIndirectThreshold: 100,
		ShareSeparateStub:      true,
		CoarseEntranceCount:    256,
	}
}

// Load reads and decodes a TOML file at path over Defaults(), so a
// file needs only to mention the keys it wants to override.
func Load(path string) (Tunables, error) {
	t := Defaults()
	meta, err := toml.DecodeFile(path, &t)
	if err != nil {
		return Tunables{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Tunables{}, fmt.Errorf("config: %s has unknown keys: %v", path, undecoded)
	}
	return t, nil
}
