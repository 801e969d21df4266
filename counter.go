// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Cycle counter abstraction used to timestamp the keyed transform.
package cachetiming

// Returns a monotonically non-decreasing 64-bit tick value.
// Production code uses HardwareCounter; tests inject deterministic fakes.
type CycleCounter func() uint64

// Returns the fastest tick source available on this platform and its name.
func HardwareCounter() (CycleCounter, string) {
	return readCounter, counterName()
}

// Returns a counter that advances by the next value of steps on every read,
// cycling through steps. Useful to script exact timings in tests.
func SteppedCounter(start uint64, steps ...uint64) CycleCounter {
	now := start
	i := 0
	return func() uint64 {
		v := now
		if len(steps) > 0 {
			now += steps[i%len(steps)]
			i++
		}
		return v
	}
}
