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

import (
	"fmt"
	"testing"
)

func TestSearchStateNarrowing(t *testing.T) {
	versions := []string{"3.0.0", "3.1.0", "3.2.0", "3.3.0", "3.4.0"}
	s := NewSearchState(versions)

	if got, ok := s.Upper(); !ok || got != "3.4.0" {
		t.Fatalf("Upper() = %q, %v, want 3.4.0", got, ok)
	}

	// Five candidates left after excluding the top: bisect to the midpoint.
	s.Exclude("3.4.0")
	if got, _ := s.Upper(); got != "3.1.0" {
		t.Errorf("Upper() after excluding 3.4.0 = %q, want the midpoint 3.1.0", got)
	}

	// Two candidates left: linear steps from here.
	s.Exclude("3.1.0")
	if got, _ := s.Upper(); got != "3.0.0" {
		t.Errorf("Upper() after excluding 3.1.0 = %q, want 3.0.0", got)
	}

	s.Exclude("3.0.0")
	if !s.Empty() {
		t.Error("interval not empty after excluding the last candidate")
	}
}

func TestSearchStateExcludeBelowUpper(t *testing.T) {
	s := NewSearchState([]string{"1.0.0", "1.1.0", "1.2.0", "1.3.0"})

	// Excluding a version below the current bound cuts everything at and
	// above it, not just the bound itself.
	s.Exclude("1.1.0")
	if got, _ := s.Upper(); got != "1.0.0" {
		t.Errorf("Upper() after excluding 1.1.0 = %q, want 1.0.0", got)
	}
}

func TestSearchStateUnknownVersion(t *testing.T) {
	s := NewSearchState([]string{"1.0.0", "1.1.0"})

	s.Exclude("9.9.9")
	if got, _ := s.Upper(); got != "1.0.0" {
		t.Errorf("Upper() after excluding an unknown version = %q, want 1.0.0", got)
	}
}

func TestSearchStateTrialBound(t *testing.T) {
	// The number of exclusions to empty an interval stays logarithmic-ish:
	// each exclusion either halves the interval or shrinks it by one of at
	// most two remaining entries.
	for _, n := range []int{1, 2, 10, 100, 1000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			versions := make([]string, n)
			for i := range versions {
				versions[i] = fmt.Sprintf("1.0.%d", i)
			}
			s := NewSearchState(versions)

			steps := 0
			for !s.Empty() {
				upper, _ := s.Upper()
				s.Exclude(upper)
				steps++
			}
			if limit := bitsLen(n) + 3; steps > limit {
				t.Errorf("emptied %d candidates in %d steps, want at most %d", n, steps, limit)
			}
		})
	}
}

func bitsLen(n int) int {
	l := 0
	for n > 0 {
		n >>= 1
		l++
	}
	return l
}
