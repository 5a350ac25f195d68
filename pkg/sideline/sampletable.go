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

// Package sideline is the background optimizer thread:
// it samples fragment hotness, periodically pauses the mutator long
// enough to swap in a re-optimized replacement, and otherwise sleeps
// at a cadence scaled to the number of logical CPUs.
package sideline

import (
	"github.com/fragcache/fragcache/internal/lockorder"
	"github.com/fragcache/fragcache/pkg/fragment"
)

// SampleTable accumulates a hotness score per fragment, independent of
// the trace monitor's head counters: it decides which *already-built*
// fragment sideline should spend time re-optimizing next, not which bb
// should become a trace.
type SampleTable struct {
	mu      lockorder.SampleTableMutex
	samples map[fragment.ID]uint64
}

// NewSampleTable creates an empty sample table.
func NewSampleTable() *SampleTable {
	return &SampleTable{samples: make(map[fragment.ID]uint64)}
}

// Record adds weight to id's running sample score.
func (s *SampleTable) Record(id fragment.ID, weight uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[id] += weight
}

// Remove drops id's entry, e.g. once the fragment has been deleted or
// already re-optimized.
func (s *SampleTable) Remove(id fragment.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.samples, id)
}

// Hottest returns the id with the highest sample score not present in
// exclude.
func (s *SampleTable) Hottest(exclude map[fragment.ID]bool) (fragment.ID, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bestID fragment.ID
	var bestScore uint64
	found := false
	for id, score := range s.samples {
		if exclude[id] {
			continue
		}
		if !found || score > bestScore {
			bestID, bestScore, found = id, score, true
		}
	}
	return bestID, bestScore, found
}

// Len reports the number of sampled fragments.
func (s *SampleTable) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}
