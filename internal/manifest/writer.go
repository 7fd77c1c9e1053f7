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
	"fmt"
	"os"
	"regexp"
	"strings"
)

var (
	sectionRe   = regexp.MustCompile(`^\s*\[([^\]]+)\]\s*(?:#.*)?$`)
	depLineRe   = regexp.MustCompile(`^(\s*)("[^"]+"|[A-Za-z0-9_-]+)(\s*=\s*)(.*?)(\s*(?:#.*)?)$`)
	versionKVRe = regexp.MustCompile(`(version\s*=\s*")[^"]*(")`)
)

// RenderRequirements rewrites the version requirements of the named
// dependencies in the manifest content, preserving all unrelated bytes and
// formatting. Dependencies not named in reqs are left untouched, as are git
// and path sourced entries without a version. Applying the same requirements
// twice yields identical output.
func RenderRequirements(content []byte, reqs map[string]string) []byte {
	lines := strings.Split(string(content), "\n")

	section := ""     // current [section] name
	sectionDep := ""  // crate of a [dependencies.<name>] style table, if any
	for i, line := range lines {
		if m := sectionRe.FindStringSubmatch(line); m != nil {
			section, sectionDep = splitDepSection(m[1])
			continue
		}

		if sectionDep != "" {
			// Inside a [dependencies.<name>] table: rewrite its version line.
			if req, ok := reqs[sectionDep]; ok {
				lines[i] = versionKVRe.ReplaceAllString(line, "${1}"+req+"${2}")
			}
			continue
		}
		if !isDepSection(section) {
			continue
		}

		m := depLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := strings.Trim(m[2], `"`)
		req, ok := reqs[name]
		if !ok {
			continue
		}

		value := m[4]
		switch {
		case strings.HasPrefix(value, `"`):
			lines[i] = m[1] + m[2] + m[3] + `"` + req + `"` + m[5]
		case strings.HasPrefix(value, "{"):
			if versionKVRe.MatchString(value) {
				lines[i] = m[1] + m[2] + m[3] + versionKVRe.ReplaceAllString(value, "${1}"+req+"${2}") + m[5]
			}
			// Tables without a version key (pure git/path deps) stay untouched.
		}
	}

	return []byte(strings.Join(lines, "\n"))
}

// splitDepSection decides whether a section header is a dependency section,
// handling the [dependencies.<name>] table form and target/workspace scoped
// sections like [target.'cfg(unix)'.dependencies].
func splitDepSection(header string) (section, dep string) {
	for _, kind := range []string{"dependencies", "build-dependencies", "dev-dependencies"} {
		if header == kind || strings.HasSuffix(header, "."+kind) {
			return kind, ""
		}
		if rest, ok := strings.CutPrefix(header, kind+"."); ok && !strings.Contains(rest, ".") {
			return kind, strings.Trim(rest, `"`)
		}
		if rest, ok := strings.CutPrefix(header, "workspace."+kind+"."); ok && !strings.Contains(rest, ".") {
			return kind, strings.Trim(rest, `"`)
		}
	}

	return header, ""
}

func isDepSection(section string) bool {
	switch section {
	case "dependencies", "build-dependencies", "dev-dependencies":
		return true
	}

	return false
}

// ApplyRequirements rewrites the manifest file on disk. It reports whether
// the file content changed; re-applying the same requirements is a no-op.
func ApplyRequirements(path string, reqs map[string]string) (bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	updated := RenderRequirements(content, reqs)
	if string(updated) == string(content) {
		return false, nil
	}
	if err := os.WriteFile(path, updated, 0644); err != nil {
		return false, fmt.Errorf("writing manifest %s: %w", path, err)
	}

	return true, nil
}
