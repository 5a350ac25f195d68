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

// inheritableFromFuture is the stable, explicit allow-list of flag bits
// a newly-translated Fragment may inherit from the Future placeholder
// it replaces. Everything else a Future
// might have accumulated (there is very little it can, since a Future
// carries only flags and an incoming list) is recomputed fresh by the
// translator rather than inherited, so that a stale Future can never
// smuggle link-state bits into a fragment that hasn't earned them.
var inheritableFromFuture = map[Flags]bool{
	FlagCoarseGrain: true,
	Flag32Bit:       true,
}

// InheritFromFuture masks fut's flags down to the policy allow-list and
// returns the bits a new Fragment replacing fut should start with.
func InheritFromFuture(fut *Future) Flags {
	var out Flags
	for bit, ok := range inheritableFromFuture {
		if ok && fut.Flags.Has(bit) {
			out |= bit
		}
	}
	return out
}
