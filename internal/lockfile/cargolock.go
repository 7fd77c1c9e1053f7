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

// Package lockfile reads the package pins recorded in a Cargo.lock file.
package lockfile

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Package is one [[package]] entry of a Cargo.lock file.
type Package struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type lockFile struct {
	Package []Package `toml:"package"`
}

// Read parses the Cargo.lock file at path and returns the locked version per
// crate name. A missing lockfile is not an error; it returns an empty map.
// When a crate appears multiple times (multiple major versions in the build
// graph), the last entry wins; for seeding purposes any of them is usable.
func Read(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading lockfile %s: %w", path, err)
	}

	var lf lockFile
	if err := toml.Unmarshal(b, &lf); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", path, err)
	}

	locked := make(map[string]string, len(lf.Package))
	for _, p := range lf.Package {
		if p.Name == "" || p.Version == "" {
			continue
		}
		locked[p.Name] = p.Version
	}

	return locked, nil
}
