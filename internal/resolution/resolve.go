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

// Package resolution computes a consistent candidate version assignment for a
// set of direct dependency requirements, using cached registry metadata.
//
// Resolution is greedy and newest-first: every crate initially gets the
// newest non-yanked version satisfying the conjunction of all requirements
// reaching it. When the transitive closure produces a conflict, the most
// recently added crate among the conflicting constrainers is demoted to its
// next-newest candidate and the closure is rebuilt. This is bounded
// backtracking over an explicit per-crate state table, not an exhaustive
// search.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"deps.dev/util/semver"

	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
	"github.com/BoyeGuillaume/cargo-compat/internal/cachestore"
	"github.com/BoyeGuillaume/cargo-compat/log"
)

var (
	// ErrNoCandidateVersions is returned when a crate has zero non-yanked
	// versions matching its requirement.
	ErrNoCandidateVersions = errors.New("no candidate versions")

	// ErrUnresolvableConflict is returned when no assignment satisfies all
	// requirements simultaneously.
	ErrUnresolvableConflict = errors.New("unresolvable version conflict")
)

// MetadataSource supplies per-crate registry metadata. It is satisfied by
// datasource.CratesRegistryAPIClient.
type MetadataSource interface {
	Fetch(ctx context.Context, crate string, force bool) (datasource.FetchResult, error)
}

// Requirement is one direct dependency requirement.
type Requirement struct {
	Crate       string
	Requirement string
	Kind        string
}

// Request describes one resolution run.
type Request struct {
	Direct []Requirement
	// Skip names crates excluded from resolution entirely (e.g. git-sourced
	// dependencies). They never appear in the returned assignment.
	Skip map[string]bool
	// Additional narrows the admissible versions of a crate beyond its
	// declared requirements. The validator uses this to feed narrowed search
	// intervals back into resolution.
	Additional map[string][]string
}

// Assignment maps each resolved crate to its chosen version.
type Assignment map[string]string

// Resolver computes candidate assignments from registry metadata.
type Resolver struct {
	source MetadataSource
}

// NewResolver creates a Resolver reading metadata from source.
func NewResolver(source MetadataSource) *Resolver {
	return &Resolver{source: source}
}

// constraint is one requirement reaching a crate, with its provenance.
type constraint struct {
	from string // constraining crate, empty for direct or additional requirements
	raw  string
	c    *semver.Constraint
}

// crateState is the per-crate entry of the resolution table.
type crateState struct {
	name        string
	order       int // insertion order, used to pick backtracking victims
	constraints []constraint
	candidates  []string // admissible versions, descending
	demote      int      // number of newest candidates to skip (backtracking)
	record      *cachestore.Record
}

func (s *crateState) chosen() (string, bool) {
	if s.demote >= len(s.candidates) {
		return "", false
	}

	return s.candidates[s.demote], true
}

type run struct {
	resolver   *Resolver
	req        Request
	states     map[string]*crateState
	nextOrder  int
	usedStale  bool
	maxRestart int
}

// Resolve computes a candidate assignment for the request. The returned bool
// reports whether any crate's metadata came from a stale cache record.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Assignment, bool, error) {
	rn := &run{
		resolver:   r,
		req:        req,
		states:     make(map[string]*crateState),
		maxRestart: 20 + 10*len(req.Direct),
	}

	assignment, err := rn.resolve(ctx)
	if err != nil {
		return nil, rn.usedStale, err
	}

	return assignment, rn.usedStale, nil
}

func (rn *run) resolve(ctx context.Context) (Assignment, error) {
	for restart := 0; restart <= rn.maxRestart; restart++ {
		assignment, conflict, err := rn.walk(ctx)
		if err != nil {
			return nil, err
		}
		if conflict == nil {
			return assignment, rn.verify(assignment)
		}
		if err := rn.backtrack(conflict); err != nil {
			return nil, err
		}
		log.Debugf("resolution restarting after conflict on %s (restart %d)", conflict.name, restart+1)
	}

	return nil, fmt.Errorf("%w: resolution did not stabilize", ErrUnresolvableConflict)
}

// walk builds the dependency closure from the direct requirements under the
// current demotions. It returns the assignment on success, or the crate whose
// conjunction of requirements became unsatisfiable.
func (rn *run) walk(ctx context.Context) (Assignment, *crateState, error) {
	// Constraints and candidate sets are rebuilt each walk; demotions and
	// fetched records survive across restarts.
	for _, s := range rn.states {
		s.constraints = nil
		s.candidates = nil
	}

	var queue []string
	seed := func(crate, raw string) error {
		s := rn.state(crate)
		c, err := semver.Cargo.ParseConstraint(raw)
		if err != nil {
			return fmt.Errorf("invalid requirement %q on crate %s: %w", raw, crate, err)
		}
		s.constraints = append(s.constraints, constraint{raw: raw, c: c})
		queue = append(queue, crate)

		return nil
	}

	for _, d := range rn.req.Direct {
		if rn.req.Skip[d.Crate] {
			continue
		}
		if err := seed(d.Crate, d.Requirement); err != nil {
			return nil, nil, err
		}
	}
	for crate, raws := range rn.req.Additional {
		if rn.req.Skip[crate] {
			continue
		}
		for _, raw := range raws {
			if err := seed(crate, raw); err != nil {
				return nil, nil, err
			}
		}
	}

	processed := make(map[string]string) // crate -> version whose deps have been expanded
	for len(queue) > 0 {
		crate := queue[0]
		queue = queue[1:]

		s := rn.states[crate]
		if err := rn.recompute(ctx, s); err != nil {
			return nil, nil, err
		}
		version, ok := s.chosen()
		if !ok {
			return nil, s, nil // conflict, resolved by the caller
		}
		if processed[crate] == version {
			continue
		}
		processed[crate] = version

		for _, dep := range versionDependencies(s.record, version) {
			if rn.req.Skip[dep.Name] {
				continue
			}
			ds := rn.state(dep.Name)
			if hasConstraint(ds.constraints, crate, dep.Requirement) {
				continue
			}
			c, err := semver.Cargo.ParseConstraint(dep.Requirement)
			if err != nil {
				log.Warnf("ignoring unparseable requirement %q of %s on %s: %v",
					dep.Requirement, crate, dep.Name, err)
				continue
			}
			ds.constraints = append(ds.constraints, constraint{from: crate, raw: dep.Requirement, c: c})
			queue = append(queue, dep.Name)
		}
	}

	assignment := make(Assignment, len(processed))
	for crate, version := range processed {
		assignment[crate] = version
	}

	return assignment, nil, nil
}

// state returns the resolution table entry for a crate, creating it on first
// use. Crates keep their insertion order across restarts.
func (rn *run) state(crate string) *crateState {
	if s, ok := rn.states[crate]; ok {
		return s
	}
	s := &crateState{name: crate, order: rn.nextOrder}
	rn.nextOrder++
	rn.states[crate] = s

	return s
}

// recompute fetches the crate's record if needed and rebuilds its candidate
// set from the current conjunction of constraints.
func (rn *run) recompute(ctx context.Context, s *crateState) error {
	if s.record == nil {
		res, err := rn.resolver.source.Fetch(ctx, s.name, false)
		if err != nil {
			return err
		}
		if res.Stale {
			rn.usedStale = true
		}
		s.record = res.Record
	}

	s.candidates = s.candidates[:0]
	for i := len(s.record.Versions) - 1; i >= 0; i-- {
		v := s.record.Versions[i]
		if v.Yanked {
			continue
		}
		sv, err := semver.Cargo.Parse(v.Version)
		if err != nil {
			continue
		}
		ok := true
		for _, c := range s.constraints {
			if !c.c.MatchVersion(sv) {
				ok = false
				break
			}
		}
		if ok {
			s.candidates = append(s.candidates, v.Version)
		}
	}

	if len(s.candidates) == 0 && len(s.constraints) <= 1 {
		return fmt.Errorf("%w: crate %s has no non-yanked version matching %s",
			ErrNoCandidateVersions, s.name, constraintStrings(s.constraints))
	}

	return nil
}

// backtrack handles an empty conjunction for a crate by demoting the most
// recently added constrainer that still has an alternative candidate.
func (rn *run) backtrack(conflict *crateState) error {
	var victims []*crateState
	for _, c := range conflict.constraints {
		if c.from == "" {
			continue
		}
		victims = append(victims, rn.states[c.from])
	}
	slices.SortFunc(victims, func(a, b *crateState) int {
		return b.order - a.order // most recently added first
	})

	for _, v := range victims {
		if v.demote+1 < len(v.candidates) {
			v.demote++
			log.Debugf("demoting %s to its next-newest candidate to resolve a conflict on %s", v.name, conflict.name)

			return nil
		}
	}

	return fmt.Errorf("%w: requirements %s on crate %s cannot be satisfied together",
		ErrUnresolvableConflict, constraintStrings(conflict.constraints), conflict.name)
}

// verify checks graph-wide consistency of the final assignment: every chosen
// version satisfies every requirement reaching its crate.
func (rn *run) verify(assignment Assignment) error {
	for crate, version := range assignment {
		s := rn.states[crate]
		sv, err := semver.Cargo.Parse(version)
		if err != nil {
			return fmt.Errorf("invalid chosen version %s for crate %s: %w", version, crate, err)
		}
		for _, c := range s.constraints {
			if !c.c.MatchVersion(sv) {
				return fmt.Errorf("%w: chosen version %s of %s violates requirement %q from %s",
					ErrUnresolvableConflict, version, crate, c.raw, constraintOrigin(c))
			}
		}
	}

	return nil
}

func constraintOrigin(c constraint) string {
	if c.from == "" {
		return "the direct requirements"
	}

	return c.from
}

func constraintStrings(cs []constraint) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.raw)
	}

	return out
}

func hasConstraint(cs []constraint, from, raw string) bool {
	for _, c := range cs {
		if c.from == from && c.raw == raw {
			return true
		}
	}

	return false
}

// versionDependencies returns the dependencies of the given version that
// participate in resolution: required (non-optional) normal and build
// dependencies. Dev dependencies are never traversed transitively.
func versionDependencies(rec *cachestore.Record, version string) []cachestore.Dependency {
	idx := slices.IndexFunc(rec.Versions, func(v cachestore.Version) bool {
		return v.Version == version
	})
	if idx < 0 {
		return nil
	}

	var deps []cachestore.Dependency
	for _, d := range rec.Versions[idx].Dependencies {
		if d.Optional {
			continue
		}
		switch d.Kind {
		case cachestore.KindNormal, cachestore.KindBuild, "":
			deps = append(deps, d)
		}
	}

	return deps
}

// CandidateVersions returns the non-yanked versions of a record satisfying
// all the given requirement strings, sorted ascending. It is used by the
// validator to seed its per-crate search interval.
func CandidateVersions(rec *cachestore.Record, reqs ...string) ([]string, error) {
	constraints := make([]*semver.Constraint, 0, len(reqs))
	for _, raw := range reqs {
		c, err := semver.Cargo.ParseConstraint(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid requirement %q: %w", raw, err)
		}
		constraints = append(constraints, c)
	}

	var out []string
	for _, v := range rec.Versions {
		if v.Yanked {
			continue
		}
		sv, err := semver.Cargo.Parse(v.Version)
		if err != nil {
			continue
		}
		ok := true
		for _, c := range constraints {
			if !c.MatchVersion(sv) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, v.Version)
		}
	}

	return out, nil
}
