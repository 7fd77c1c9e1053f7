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

// Package cargocompat pins the dependency versions of a Cargo project to a
// combination that is proven to build and pass tests.
//
// A run reads the project manifest, resolves every direct dependency and its
// transitive closure against cached crates.io metadata, then hands the
// candidate versions to a validator that drives the real build tool,
// narrowing version intervals after each failure until a working set is
// found. Only then are the manifests rewritten.
package cargocompat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
	"github.com/BoyeGuillaume/cargo-compat/internal/cachestore"
	"github.com/BoyeGuillaume/cargo-compat/internal/lockfile"
	"github.com/BoyeGuillaume/cargo-compat/internal/manifest"
	"github.com/BoyeGuillaume/cargo-compat/internal/resolution"
	"github.com/BoyeGuillaume/cargo-compat/internal/validation"
	"github.com/BoyeGuillaume/cargo-compat/log"
	"github.com/BoyeGuillaume/cargo-compat/options"
	"github.com/BoyeGuillaume/cargo-compat/result"
)

// LocateManifest resolves a project path to its Cargo.toml. A directory path
// means the manifest inside it; a file path is used as-is.
func LocateManifest(path string) (string, error) {
	if path == "" {
		path = "."
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return filepath.Join(path, "Cargo.toml"), nil
	}
	return path, nil
}

// ListDependencies reports the direct dependencies of the selected packages
// without touching the network.
func ListDependencies(opts options.ResolveOptions) ([]result.DependencyInfo, error) {
	manifestPath, err := LocateManifest(opts.Path)
	if err != nil {
		return nil, err
	}
	ws, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, err
	}
	pkgs, err := ws.SelectMembers(opts.Include)
	if err != nil {
		return nil, err
	}

	var infos []result.DependencyInfo
	for _, pkg := range pkgs {
		for _, kind := range []string{manifest.KindNormal, manifest.KindBuild, manifest.KindDev} {
			for _, dep := range pkg.DependenciesOfKind(kind) {
				infos = append(infos, result.DependencyInfo{
					Package:     pkg.Name,
					Crate:       dep.Name,
					Requirement: dep.Requirement,
					Kind:        dep.Kind,
					Optional:    dep.Optional,
					Git:         dep.Git,
				})
			}
		}
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Package != infos[j].Package {
			return infos[i].Package < infos[j].Package
		}
		return infos[i].Crate < infos[j].Crate
	})

	return infos, nil
}

// Resolve runs the full pipeline: read manifests, resolve versions, validate
// with real builds, and on success write the validated requirements back.
func Resolve(ctx context.Context, opts options.ResolveOptions) (*result.Result, error) {
	client, err := newRegistryClient(opts)
	if err != nil {
		return nil, err
	}
	runner := validation.CargoRunner{Path: opts.CargoPath}
	return resolveWith(ctx, opts, client, runner)
}

func newRegistryClient(opts options.ResolveOptions) (*datasource.CratesRegistryAPIClient, error) {
	dir := opts.CacheDir
	if dir == "" {
		dir = cachestore.DefaultDir()
	}
	if dir == "" {
		return nil, fmt.Errorf("no cache directory available, set one explicitly")
	}
	store := cachestore.NewDirStore(dir)
	return datasource.NewCratesRegistryAPIClient(store, datasource.ClientConfig{
		CacheAge: opts.CacheAge,
	}), nil
}

// metadataSource is what the pipeline needs from the registry client: single
// fetches for the resolver and batched prefetching for the fetch phase.
type metadataSource interface {
	resolution.MetadataSource
	FetchAll(ctx context.Context, crates []string, force bool) (map[string]datasource.FetchResult, error)
}

// resolveWith is the pipeline with injectable collaborators so tests can
// substitute a scripted metadata source and runner.
func resolveWith(ctx context.Context, opts options.ResolveOptions, source metadataSource, runner validation.Runner) (*result.Result, error) {
	manifestPath, err := LocateManifest(opts.Path)
	if err != nil {
		return nil, err
	}
	ws, err := manifest.Read(manifestPath)
	if err != nil {
		return nil, err
	}
	pkgs, err := ws.SelectMembers(opts.Include)
	if err != nil {
		return nil, err
	}

	req, reqsByCrate := buildRequest(pkgs)
	if len(req.Direct) == 0 {
		return nil, fmt.Errorf("no resolvable dependencies in the selected packages")
	}

	res := &result.Result{}
	for _, pkg := range pkgs {
		res.Packages = append(res.Packages, pkg.Name)
	}
	sort.Strings(res.Packages)

	// Prefetch every direct crate up front with bounded concurrency. This
	// warms the cache, surfaces unknown crates early and records which
	// lookups fell back to stale data.
	names := make([]string, 0, len(reqsByCrate))
	for crate := range reqsByCrate {
		names = append(names, crate)
	}
	sort.Strings(names)
	fetched, err := source.FetchAll(ctx, names, opts.ForceRefresh)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	for _, fr := range fetched {
		if fr.Stale {
			res.UsedStaleMetadata = true
		}
	}

	resolver := resolution.NewResolver(source)
	assignment, stale, err := resolver.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if stale {
		res.UsedStaleMetadata = true
	}

	candidates := make(map[string][]string, len(reqsByCrate))
	for crate, reqs := range reqsByCrate {
		versions, err := resolution.CandidateVersions(fetched[crate].Record, reqs...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", crate, err)
		}
		candidates[crate] = versions
	}

	rootDir := filepath.Dir(manifestPath)
	locked, err := lockfile.Read(filepath.Join(rootDir, "Cargo.lock"))
	if err != nil {
		return nil, err
	}
	original := make(map[string]string, len(reqsByCrate))
	for crate := range reqsByCrate {
		original[crate] = locked[crate]
	}

	validator := validation.New(validation.Config{
		Resolver:     resolver,
		Runner:       runner,
		WorkDir:      rootDir,
		Packages:     pkgs,
		RootManifest: ws.RootManifest,
		RunTests:     !opts.NoTest,
		Release:      opts.Release,
		Features:     opts.Features,
		MaxTrials:    opts.MaxTrials,
	})
	vres, err := validator.Validate(ctx, validation.Input{
		Request:    req,
		Assignment: assignment,
		Original:   original,
		Candidates: candidates,
	})
	res.Trials = vres.Trials
	res.Converged = vres.Converged
	res.FailureLog = vres.FailureLog
	if err != nil {
		return res, err
	}
	if !vres.Converged {
		return res, validation.ErrExhausted
	}

	if err := writePins(pkgs, ws.RootManifest, vres.Assignment, res); err != nil {
		return res, err
	}
	return res, nil
}

// buildRequest collects the direct requirements of the selected packages.
// Git and path dependencies are excluded from resolution and recorded in the
// skip set so transitive edges to them are ignored too.
func buildRequest(pkgs []*manifest.Package) (resolution.Request, map[string][]string) {
	req := resolution.Request{Skip: make(map[string]bool)}
	reqsByCrate := make(map[string][]string)
	for _, pkg := range pkgs {
		for _, dep := range pkg.Dependencies {
			if dep.Git {
				log.Warnf("skipping %s: git and path dependencies are not resolved", dep.Name)
				req.Skip[dep.Name] = true
				continue
			}
			req.Direct = append(req.Direct, resolution.Requirement{
				Crate:       dep.Name,
				Requirement: dep.Requirement,
				Kind:        dep.Kind,
			})
			reqsByCrate[dep.Name] = append(reqsByCrate[dep.Name], dep.Requirement)
		}
	}
	return req, reqsByCrate
}

// writePins rewrites the validated versions as plain requirements and records
// the pins in the result. Requirements declared in the member manifests are
// rewritten there; inherited ones in the root manifest's
// [workspace.dependencies] table.
func writePins(pkgs []*manifest.Package, rootManifest string, assignment resolution.Assignment, res *result.Result) error {
	seen := make(map[string]bool)
	rootReqs := make(map[string]string)
	for _, pkg := range pkgs {
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
				rootReqs[dep.ManifestKey()] = version
			} else {
				reqs[dep.ManifestKey()] = version
			}
			if !seen[dep.Name] {
				seen[dep.Name] = true
				res.Pins = append(res.Pins, result.Pin{
					Crate: dep.Name,
					From:  dep.Requirement,
					To:    version,
				})
			}
		}
		if len(reqs) == 0 {
			continue
		}
		if _, err := manifest.ApplyRequirements(pkg.ManifestPath, reqs); err != nil {
			return fmt.Errorf("writing %s: %w", pkg.ManifestPath, err)
		}
	}
	if len(rootReqs) > 0 {
		if _, err := manifest.ApplyRequirements(rootManifest, rootReqs); err != nil {
			return fmt.Errorf("writing %s: %w", rootManifest, err)
		}
	}
	sort.Slice(res.Pins, func(i, j int) bool { return res.Pins[i].Crate < res.Pins[j].Crate })
	return nil
}
