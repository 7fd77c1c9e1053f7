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

// Package validation drives the external build tool to find a set of crate
// versions that actually compiles and passes tests.
//
// Each trial pins every direct dependency to an exact version, runs the
// build (and optionally the test suite), and either converges on the first
// success or blames the most suspicious crate and narrows its admissible
// version interval before re-resolving. Narrowing bisects while more than
// two candidates remain, so each crate costs O(log n) trials.
//
// Manifests are mutated only for the duration of a trial: their original
// bytes are captured before the first trial and restored when the run ends,
// whatever the outcome. Writing the final, validated requirements is the
// caller's job.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/BoyeGuillaume/cargo-compat/internal/manifest"
	"github.com/BoyeGuillaume/cargo-compat/internal/resolution"
	"github.com/BoyeGuillaume/cargo-compat/log"
)

// ErrExhausted is returned when every candidate interval collapsed without a
// single successful trial.
var ErrExhausted = errors.New("no compatible version combination found")

// Config wires a Validator to its collaborators.
type Config struct {
	Resolver *resolution.Resolver
	Runner   Runner

	// WorkDir is where the build tool is invoked, normally the directory
	// holding the root Cargo.toml.
	WorkDir string

	// Packages are the workspace members whose manifests get pinned during
	// trials.
	Packages []*manifest.Package

	// RootManifest is where { workspace = true } dependency requirements are
	// declared. Pins for inherited dependencies are written there, into the
	// [workspace.dependencies] table, since the member manifests carry no
	// version to rewrite.
	RootManifest string

	// RunTests also runs the test suite after a successful build.
	RunTests bool
	// Release builds in release mode.
	Release bool
	// Features passed through to the build tool.
	Features []string

	// MaxTrials caps the number of build invocations. Zero picks a budget
	// derived from the candidate counts.
	MaxTrials int
}

// Input is the starting point of a validation run, produced by the resolver.
type Input struct {
	// Request is the resolution request the assignment came from. Narrowed
	// constraints are layered on top of it for re-resolution.
	Request resolution.Request

	// Assignment is the candidate version set to try first.
	Assignment resolution.Assignment

	// Original maps each direct crate to its reference version, typically
	// the lockfile entry. Blame is measured as distance from this version.
	Original map[string]string

	// Candidates maps each direct crate to its admissible versions under
	// the original requirement, ascending.
	Candidates map[string][]string
}

// Result reports how a validation run ended.
type Result struct {
	// Assignment is the validated version set when Converged is true, or
	// the last attempted set otherwise.
	Assignment resolution.Assignment
	Converged  bool
	Trials     int

	// FailureLog holds the build tool output of the last failed trial.
	FailureLog string
}

// Validator runs pin-build-narrow cycles until convergence or exhaustion.
type Validator struct {
	cfg Config
}

// New returns a Validator for the given configuration.
func New(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

type fileSnapshot struct {
	path    string
	data    []byte
	existed bool
}

func snapshot(path string) fileSnapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileSnapshot{path: path}
	}
	return fileSnapshot{path: path, data: data, existed: true}
}

func (f fileSnapshot) restore() error {
	if !f.existed {
		err := os.Remove(f.path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return os.WriteFile(f.path, f.data, 0644)
}

// Validate runs trials until one succeeds, the search is exhausted, or the
// context is cancelled. Cancellation is honored between trials; a trial in
// flight is interrupted through the runner's context.
func (v *Validator) Validate(ctx context.Context, in Input) (Result, error) {
	search := make(map[string]*SearchState, len(in.Candidates))
	for crate, versions := range in.Candidates {
		search[crate] = NewSearchState(versions)
	}

	var paths []string
	for _, pkg := range v.cfg.Packages {
		paths = append(paths, pkg.ManifestPath)
	}
	if v.cfg.RootManifest != "" && !slices.Contains(paths, v.cfg.RootManifest) {
		paths = append(paths, v.cfg.RootManifest)
	}
	snapshots := make([]fileSnapshot, 0, len(paths))
	for _, path := range paths {
		snapshots = append(snapshots, snapshot(path))
	}
	lock := snapshot(filepath.Join(v.cfg.WorkDir, "Cargo.lock"))

	res := Result{Assignment: in.Assignment}
	restore := func() {
		for _, s := range snapshots {
			if err := s.restore(); err != nil {
				log.Warnf("restoring %s: %v", s.path, err)
			}
		}
		// On convergence the lockfile already records exactly the validated
		// versions; putting the old one back would contradict them.
		if !res.Converged {
			if err := lock.restore(); err != nil {
				log.Warnf("restoring %s: %v", lock.path, err)
			}
		}
	}
	defer restore()

	maxTrials := v.cfg.MaxTrials
	if maxTrials <= 0 {
		maxTrials = trialBudget(in.Candidates)
	}

	assignment := in.Assignment
	narrowed := make(map[string]string)

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if res.Trials >= maxTrials {
			return res, fmt.Errorf("%w: gave up after %d trials", ErrExhausted, res.Trials)
		}
		res.Trials++
		res.Assignment = assignment

		if err := v.pin(assignment); err != nil {
			return res, err
		}

		outcome, err := v.runTrial(ctx, assignment)
		if err != nil {
			return res, err
		}
		if outcome.Success {
			res.Converged = true
			return res, nil
		}
		res.FailureLog = outcome.Stderr

		blamed := pickBlame(assignment, in.Original, search)
		if blamed == "" {
			return res, ErrExhausted
		}
		log.Infof("trial %d failed, blaming %s %s", res.Trials, blamed, assignment[blamed])

		state := search[blamed]
		state.Exclude(assignment[blamed])
		if state.Empty() {
			orig := in.Original[blamed]
			if orig == "" {
				return res, fmt.Errorf("%w: no admissible version of %s", ErrExhausted, blamed)
			}
			narrowed[blamed] = "=" + orig
		} else {
			upper, _ := state.Upper()
			narrowed[blamed] = "<=" + upper
			log.Debugf("narrowed %s to <=%s, %d candidate(s) remain", blamed, upper, state.Remaining())
		}

		next, _, err := v.cfg.Resolver.Resolve(ctx, v.narrowedRequest(in.Request, narrowed))
		if err != nil {
			// The narrowed bound left the blamed crate with nothing that
			// coexists with the rest. Fall back to its reference version
			// and try once more before giving up on it.
			state.Collapse()
			orig := in.Original[blamed]
			if orig == "" {
				return res, fmt.Errorf("%w: %v", ErrExhausted, err)
			}
			narrowed[blamed] = "=" + orig
			next, _, err = v.cfg.Resolver.Resolve(ctx, v.narrowedRequest(in.Request, narrowed))
			if err != nil {
				return res, fmt.Errorf("%w: %v", ErrExhausted, err)
			}
		}
		assignment = next
	}
}

func (v *Validator) narrowedRequest(base resolution.Request, narrowed map[string]string) resolution.Request {
	req := base
	req.Additional = make(map[string][]string, len(base.Additional)+len(narrowed))
	for crate, cs := range base.Additional {
		req.Additional[crate] = cs
	}
	for crate, c := range narrowed {
		req.Additional[crate] = append(req.Additional[crate], c)
	}
	return req
}

// pin writes exact-version requirements for every direct dependency that the
// assignment covers. Inherited dependencies are pinned in the root manifest's
// [workspace.dependencies] table; everything else in its member manifest.
func (v *Validator) pin(assignment resolution.Assignment) error {
	rootReqs := make(map[string]string)
	for _, pkg := range v.cfg.Packages {
		reqs := make(map[string]string)
		for _, dep := range pkg.Dependencies {
			if dep.Git {
				continue
			}
			version, ok := assignment[dep.Name]
			if !ok {
				continue
			}
			if dep.Inherited {
				rootReqs[dep.ManifestKey()] = "=" + version
				continue
			}
			reqs[dep.ManifestKey()] = "=" + version
		}
		if len(reqs) == 0 {
			continue
		}
		if _, err := manifest.ApplyRequirements(pkg.ManifestPath, reqs); err != nil {
			return fmt.Errorf("pinning %s: %w", pkg.ManifestPath, err)
		}
	}
	if len(rootReqs) > 0 {
		if v.cfg.RootManifest == "" {
			return fmt.Errorf("inherited dependencies present but no root manifest configured")
		}
		if _, err := manifest.ApplyRequirements(v.cfg.RootManifest, rootReqs); err != nil {
			return fmt.Errorf("pinning %s: %w", v.cfg.RootManifest, err)
		}
	}
	return nil
}

func (v *Validator) runTrial(ctx context.Context, assignment resolution.Assignment) (Outcome, error) {
	outcome, err := v.cfg.Runner.Run(ctx, v.cfg.WorkDir, v.toolArgs("build"))
	if err != nil {
		return outcome, fmt.Errorf("running build: %w", err)
	}
	if !outcome.Success || !v.cfg.RunTests {
		return outcome, nil
	}
	outcome, err = v.cfg.Runner.Run(ctx, v.cfg.WorkDir, v.toolArgs("test"))
	if err != nil {
		return outcome, fmt.Errorf("running tests: %w", err)
	}
	return outcome, nil
}

func (v *Validator) toolArgs(verb string) []string {
	args := []string{verb}
	for _, pkg := range v.cfg.Packages {
		args = append(args, "--package", pkg.Name)
	}
	if v.cfg.Release {
		args = append(args, "--release")
	}
	if len(v.cfg.Features) > 0 {
		args = append(args, "--features", strings.Join(v.cfg.Features, ","))
	}
	return args
}

// pickBlame chooses the crate whose assigned version strays furthest from
// its reference version, measured in candidate positions. Ties break by
// name so runs are deterministic. Crates already back at their reference
// version, or with a collapsed interval, are never blamed; an empty return
// means nothing is left to narrow.
func pickBlame(assignment resolution.Assignment, original map[string]string, search map[string]*SearchState) string {
	var names []string
	for crate := range search {
		names = append(names, crate)
	}
	sort.Strings(names)

	best := ""
	bestDelta := 0
	for _, crate := range names {
		state := search[crate]
		if state.Empty() {
			continue
		}
		assigned, ok := assignment[crate]
		if !ok || assigned == original[crate] {
			continue
		}
		delta := versionDelta(state, assigned, original[crate])
		if delta > bestDelta {
			best = crate
			bestDelta = delta
		}
	}
	return best
}

// versionDelta is the distance in candidate positions between the assigned
// and reference versions. Without a usable reference (no lockfile entry, or
// one that has been yanked since) drift is measured from the lowest
// admissible version.
func versionDelta(state *SearchState, assigned, original string) int {
	ai := state.Index(assigned)
	if ai < 0 {
		return 0
	}
	oi := state.Index(original)
	if oi < 0 {
		oi = 0
	}
	d := ai - oi
	if d < 0 {
		d = -d
	}
	return d
}

// trialBudget bounds a run at a logarithmic number of trials per crate.
func trialBudget(candidates map[string][]string) int {
	budget := 2
	for _, versions := range candidates {
		budget += bits.Len(uint(len(versions))) + 2
	}
	return budget
}
