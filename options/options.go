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

// Package options holds the user-facing knobs of a run, shared between the
// command line and library entry points.
package options

import (
	"time"

	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
)

// ResolveOptions configures a resolve or list run over one project.
type ResolveOptions struct {
	// Path to the project directory or its Cargo.toml.
	Path string

	// Include restricts a workspace run to members whose package name
	// matches one of these glob patterns. Empty selects nothing for a
	// workspace and is ignored for a single package.
	Include []string

	// CacheDir overrides the metadata cache location. Empty uses the
	// per-user default.
	CacheDir string

	// CacheAge is how long cached registry metadata stays fresh.
	CacheAge time.Duration

	// ForceRefresh re-fetches metadata even when the cache is fresh.
	ForceRefresh bool

	// CargoPath is the build tool executable. Empty means "cargo" from
	// PATH.
	CargoPath string

	// Release builds trials in release mode.
	Release bool

	// NoTest validates with builds only, skipping the test suite.
	NoTest bool

	// Features forwarded to the build tool on every trial.
	Features []string

	// MaxTrials caps validation attempts. Zero derives a budget from the
	// candidate counts.
	MaxTrials int
}

// DefaultResolveOptions returns the defaults used when flags are absent.
func DefaultResolveOptions() ResolveOptions {
	return ResolveOptions{
		Path:     ".",
		CacheAge: datasource.DefaultCacheAge,
	}
}
