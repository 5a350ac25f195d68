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

package linker

import "github.com/fragcache/fragcache/pkg/fragment"

// ForceTraceHead marks f as a trace head unconditionally, bypassing the
// edge-driven promotion heuristic in maybePromoteTraceHeadLocked. Used
// by the trace monitor's CountIndirectEnter once a fragment's
// indirect-branch hit count crosses its threshold.
func (l *Linker) ForceTraceHead(f *fragment.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f.Flags().Has(fragment.FlagTraceHead) {
		return
	}
	f.SetFlag(fragment.FlagTraceHead)
	l.unlinkIncomingLocked(f)
}
