// Copyright 2025 The cargo-compat Authors
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

package validation

import "slices"

// SearchState tracks the remaining admissible versions of one crate while
// the validator narrows its upper bound after failed trials.
//
// Versions is ascending and never mutated; lo and hi are inclusive indexes
// into it. Only the upper bound moves: a failure above the interval cannot
// exonerate older versions, and a success ends the whole run.
type SearchState struct {
	// Versions admissible under the crate's original requirement, ascending.
	Versions []string

	lo, hi int
}

// NewSearchState starts a search over the full admissible range.
func NewSearchState(versions []string) *SearchState {
	return &SearchState{Versions: versions, lo: 0, hi: len(versions) - 1}
}

// Empty reports whether the interval has collapsed with no version left.
func (s *SearchState) Empty() bool {
	return s.hi < s.lo
}

// Upper returns the current upper-bound version. The second return is false
// once the interval is empty.
func (s *SearchState) Upper() (string, bool) {
	if s.Empty() {
		return "", false
	}
	return s.Versions[s.hi], true
}

// Remaining returns how many candidate versions are still admissible.
func (s *SearchState) Remaining() int {
	if s.Empty() {
		return 0
	}
	return s.hi - s.lo + 1
}

// Exclude rules out the failing version and everything above it, then moves
// the upper bound down. With more than two candidates left after the cut the
// bound jumps to the midpoint, giving O(log n) trials per crate; with two or
// fewer it steps linearly so no version is skipped near the bottom.
func (s *SearchState) Exclude(failing string) {
	idx := slices.Index(s.Versions, failing)
	if idx < 0 {
		// Unknown version. The resolver drifted outside the admissible set,
		// so just step the bound down by one.
		idx = s.hi
	}
	upper := idx - 1
	if upper > s.hi-1 {
		upper = s.hi - 1
	}
	if upper < s.lo {
		s.hi = s.lo - 1
		return
	}
	if upper-s.lo+1 > 2 {
		s.hi = (s.lo + upper) / 2
		return
	}
	s.hi = upper
}

// Collapse empties the interval, marking the crate's search as finished.
func (s *SearchState) Collapse() {
	s.hi = s.lo - 1
}

// Index returns the position of version in the admissible list, or -1 when
// the version is not admissible (for example a pin now yanked).
func (s *SearchState) Index(version string) int {
	return slices.Index(s.Versions, version)
}
