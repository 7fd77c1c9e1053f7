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

package manifest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gobwas/glob"

	"github.com/BoyeGuillaume/cargo-compat/log"
)

type tomlDependency struct {
	Version   string
	Git       bool
	Path      bool
	Optional  bool
	Workspace bool // inherits the requirement from [workspace.dependencies]
	Package   string
}

// UnmarshalTOML parses a dependency from a Cargo.toml file.
//
// Dependencies in Cargo.toml can be defined as simple strings (the version
// requirement) or as more complex tables (with version, git, path, etc.).
func (d *tomlDependency) UnmarshalTOML(data any) error {
	switch data := data.(type) {
	case string:
		d.Version = data
		return nil
	case map[string]any:
		getString := func(key string) (string, bool) {
			v, ok := data[key]
			if !ok {
				return "", false
			}
			s, ok := v.(string)

			return s, ok
		}
		getBool := func(key string) bool {
			v, ok := data[key]
			if !ok {
				return false
			}
			b, _ := v.(bool)

			return b
		}

		d.Version, _ = getString("version")
		_, d.Git = getString("git")
		_, d.Path = getString("path")
		d.Optional = getBool("optional")
		d.Workspace = getBool("workspace")
		d.Package, _ = getString("package")

		return nil
	default:
		return errors.New("invalid format for Cargo.toml dependency")
	}
}

type tomlInheritableString struct {
	Value     string
	Workspace bool
}

// UnmarshalTOML parses a field that is either a plain string or the
// { workspace = true } inheritance form.
func (v *tomlInheritableString) UnmarshalTOML(data any) error {
	switch data := data.(type) {
	case string:
		v.Value = data
		return nil
	case map[string]any:
		w, _ := data["workspace"].(bool)
		v.Workspace = w

		return nil
	default:
		return errors.New("invalid format for inheritable field")
	}
}

type tomlPackage struct {
	Name    string                `toml:"name"`
	Version tomlInheritableString `toml:"version"`
}

type tomlWorkspacePackage struct {
	Version string `toml:"version"`
}

type tomlWorkspace struct {
	Members      []string                  `toml:"members"`
	Exclude      []string                  `toml:"exclude"`
	Package      tomlWorkspacePackage      `toml:"package"`
	Dependencies map[string]tomlDependency `toml:"dependencies"`
}

type tomlManifest struct {
	Package           *tomlPackage              `toml:"package"`
	Workspace         *tomlWorkspace            `toml:"workspace"`
	Dependencies      map[string]tomlDependency `toml:"dependencies"`
	BuildDependencies map[string]tomlDependency `toml:"build-dependencies"`
	DevDependencies   map[string]tomlDependency `toml:"dev-dependencies"`
}

func readTOMLManifest(path string) (*tomlManifest, error) {
	var m tomlManifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, fmt.Errorf("parsing cargo manifest %s: %w", path, err)
	}

	return &m, nil
}

// Read reads the manifest at path, which may be a Cargo.toml file or a
// directory containing one, and returns the package or workspace it declares.
func Read(path string) (*Workspace, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, "Cargo.toml")
	}
	rootDir := filepath.Dir(path)

	root, err := readTOMLManifest(path)
	if err != nil {
		return nil, err
	}

	if root.Workspace == nil {
		pkg, err := packageFromManifest(path, root, nil)
		if err != nil {
			return nil, err
		}
		if pkg == nil {
			return nil, fmt.Errorf("no package found in cargo manifest %s", path)
		}

		return &Workspace{RootDir: rootDir, Packages: []*Package{pkg}, RootManifest: path}, nil
	}

	members, err := readWorkspaceMembers(rootDir, path, root.Workspace)
	if err != nil {
		return nil, err
	}

	// The root manifest may declare a package of its own alongside the
	// [workspace] table.
	if root.Package != nil {
		pkg, err := packageFromManifest(path, root, root.Workspace)
		if err != nil {
			return nil, err
		}
		if pkg != nil {
			members = append([]*Package{pkg}, members...)
		}
	}

	return &Workspace{RootDir: rootDir, IsWorkspace: true, Packages: members, RootManifest: path}, nil
}

func readWorkspaceMembers(rootDir, rootManifest string, ws *tomlWorkspace) ([]*Package, error) {
	include, err := compileGlobs(ws.Members)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace members pattern: %w", err)
	}
	exclude, err := compileGlobs(ws.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid workspace exclude pattern: %w", err)
	}

	var packages []*Package
	err = filepath.WalkDir(rootDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warnf("skipping unreadable workspace entry %s: %v", path, err)
			return nil
		}
		if d.IsDir() || d.Name() != "Cargo.toml" || path == rootManifest {
			return nil
		}

		rel, err := filepath.Rel(rootDir, filepath.Dir(path))
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(include, rel) || matchAny(exclude, rel) {
			log.Debugf("workspace member %s not selected by member globs", rel)
			return nil
		}

		m, err := readTOMLManifest(path)
		if err != nil {
			return err
		}
		if m.Workspace != nil {
			return fmt.Errorf("nested workspaces are not supported: %s", path)
		}
		pkg, err := packageFromManifest(path, m, ws)
		if err != nil {
			return err
		}
		if pkg == nil {
			log.Warnf("no package found in workspace member manifest %s", path)
			return nil
		}
		packages = append(packages, pkg)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return packages, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		globs = append(globs, g)
	}

	return globs, nil
}

func matchAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}

	return false
}

func packageFromManifest(path string, m *tomlManifest, ws *tomlWorkspace) (*Package, error) {
	if m.Package == nil || m.Package.Name == "" {
		return nil, nil
	}

	version := m.Package.Version.Value
	if m.Package.Version.Workspace {
		if ws == nil {
			return nil, fmt.Errorf("package %s inherits its version but no workspace is defined", m.Package.Name)
		}
		version = ws.Package.Version
	}
	if version == "" {
		version = "0.1.0"
	}

	pkg := &Package{
		Name:         m.Package.Name,
		Version:      version,
		ManifestPath: path,
	}
	for kind, deps := range map[string]map[string]tomlDependency{
		KindNormal: m.Dependencies,
		KindBuild:  m.BuildDependencies,
		KindDev:    m.DevDependencies,
	} {
		converted, err := convertDependencies(m.Package.Name, kind, deps, ws)
		if err != nil {
			return nil, err
		}
		pkg.Dependencies = append(pkg.Dependencies, converted...)
	}

	return pkg, nil
}

func convertDependencies(pkgName, kind string, deps map[string]tomlDependency, ws *tomlWorkspace) ([]Dependency, error) {
	var out []Dependency
	for name, d := range deps {
		inherited := d.Workspace
		if d.Workspace {
			if ws == nil {
				return nil, fmt.Errorf("dependency %s of %s inherits from a workspace but none is defined", name, pkgName)
			}
			inherited, ok := ws.Dependencies[name]
			if !ok {
				return nil, fmt.Errorf("dependency %s of %s not found in workspace dependencies", name, pkgName)
			}
			// Keep the member's own flags (optional) but take the source and
			// requirement from the workspace declaration.
			d.Version = inherited.Version
			d.Git = inherited.Git
			d.Path = inherited.Path
			d.Package = inherited.Package
		}

		crate := name
		rename := ""
		if d.Package != "" && d.Package != name {
			crate = d.Package
			rename = name
		}
		req := d.Version
		if req == "" {
			req = "*"
		}
		out = append(out, Dependency{
			Name:        crate,
			Rename:      rename,
			Requirement: req,
			Kind:        kind,
			Optional:    d.Optional,
			Git:         d.Git || (d.Path && d.Version == ""),
			Inherited:   inherited,
		})
	}

	// Map iteration order is random; keep a stable order for callers.
	slices.SortFunc(out, func(a, b Dependency) int {
		return strings.Compare(a.Name, b.Name)
	})

	return out, nil
}

// SelectMembers returns the packages matching the provided include patterns.
// For a single package the patterns are ignored; for a workspace at least one
// pattern must be given and must match at least one member name.
func (w *Workspace) SelectMembers(includes []string) ([]*Package, error) {
	if !w.IsWorkspace {
		if len(includes) > 0 {
			log.Warnf("include patterns are ignored when processing a single package")
		}

		return w.Packages, nil
	}

	if len(includes) == 0 {
		return nil, fmt.Errorf("%w: workspace processing requires at least one include pattern", ErrNoMembersMatched)
	}

	globs := make([]glob.Glob, 0, len(includes))
	for _, p := range includes {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid include pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	var selected []*Package
	for _, pkg := range w.Packages {
		if matchAny(globs, pkg.Name) {
			selected = append(selected, pkg)
		}
	}
	if len(selected) == 0 {
		names := make([]string, 0, len(w.Packages))
		for _, pkg := range w.Packages {
			names = append(names, pkg.Name)
		}

		return nil, fmt.Errorf("%w: patterns %v, available members %v", ErrNoMembersMatched, includes, names)
	}

	return selected, nil
}
