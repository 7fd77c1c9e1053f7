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

// Package manifest reads Cargo.toml manifests and workspaces, and rewrites
// dependency requirements in place.
package manifest

import "errors"

// Dependency kinds, matching the manifest sections they come from.
const (
	KindNormal = "normal"
	KindBuild  = "build"
	KindDev    = "dev"
)

// ErrNoMembersMatched is returned when a workspace is targeted but no member
// matches the provided include patterns.
var ErrNoMembersMatched = errors.New("no workspace members matched the include patterns")

// Dependency is one declared dependency of a package.
type Dependency struct {
	Name        string
	Rename      string // manifest key when the dependency is renamed, else empty
	Requirement string // raw requirement string as written in the manifest
	Kind        string // normal, build or dev
	Optional    bool
	Git         bool // sourced from a git repository, excluded from resolution

	// Inherited marks a { workspace = true } dependency. Its requirement
	// lives in the root manifest's [workspace.dependencies] table, so that
	// is where version rewrites must go.
	Inherited bool
}

// ManifestKey returns the key the dependency is declared under in the
// manifest, accounting for renames.
func (d Dependency) ManifestKey() string {
	if d.Rename != "" {
		return d.Rename
	}

	return d.Name
}

// Package is a normalized view of one Cargo package.
type Package struct {
	Name         string
	Version      string
	ManifestPath string
	Dependencies []Dependency // all kinds, discriminated by Kind
}

// DependenciesOfKind returns the package's dependencies of the given kind.
func (p *Package) DependenciesOfKind(kind string) []Dependency {
	var deps []Dependency
	for _, d := range p.Dependencies {
		if d.Kind == kind {
			deps = append(deps, d)
		}
	}

	return deps
}

// Workspace is the result of reading a manifest path: either a single package
// or a Cargo workspace with member packages.
type Workspace struct {
	RootDir     string
	IsWorkspace bool
	Packages    []*Package

	// RootManifest is the path of the manifest Read was called on. Inherited
	// dependency requirements are declared (and rewritten) there.
	RootManifest string
}
