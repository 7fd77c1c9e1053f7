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

// Package result defines the output types of a run.
package result

// Pin records one dependency requirement rewritten in a manifest.
type Pin struct {
	// Crate is the registry name of the dependency.
	Crate string
	// From is the requirement as found in the manifest.
	From string
	// To is the validated version written back.
	To string
}

// DependencyInfo describes one direct dependency of a selected package, as
// reported by the list operation.
type DependencyInfo struct {
	Package     string
	Crate       string
	Requirement string
	Kind        string
	Optional    bool
	Git         bool
}

// Result is the outcome of a resolve run.
type Result struct {
	// Packages are the selected workspace member names.
	Packages []string

	// Pins lists the requirement rewrites applied on success, sorted by
	// crate name.
	Pins []Pin

	// Trials is how many build invocation rounds the validator needed.
	Trials int

	// Converged is true when a working version set was found and written.
	Converged bool

	// UsedStaleMetadata is true when the registry was unreachable and
	// cached metadata past its age limit was used instead.
	UsedStaleMetadata bool

	// FailureLog holds the build tool output of the last failed trial when
	// the run did not converge.
	FailureLog string
}
