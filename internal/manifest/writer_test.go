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

package manifest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BoyeGuillaume/cargo-compat/internal/manifest"
)

func TestRenderRequirements(t *testing.T) {
	tests := []struct {
		name    string
		content string
		reqs    map[string]string
		want    string
	}{
		{
			name: "simple_string",
			content: `[dependencies]
serde = "1.0" # keep me
rand = "0.8"
`,
			reqs: map[string]string{"serde": "=1.0.219"},
			want: `[dependencies]
serde = "=1.0.219" # keep me
rand = "0.8"
`,
		},
		{
			name: "inline_table",
			content: `[dependencies]
serde = { version = "1.0", features = ["derive"] }
`,
			reqs: map[string]string{"serde": "1.0.219"},
			want: `[dependencies]
serde = { version = "1.0.219", features = ["derive"] }
`,
		},
		{
			name: "dependency_table_section",
			content: `[dependencies.serde]
version = "1.0"
features = ["derive"]

[dependencies]
rand = "0.8"
`,
			reqs: map[string]string{"serde": "1.0.219", "rand": "0.8.5"},
			want: `[dependencies.serde]
version = "1.0.219"
features = ["derive"]

[dependencies]
rand = "0.8.5"
`,
		},
		{
			name: "all_dependency_kinds",
			content: `[dependencies]
serde = "1.0"

[build-dependencies]
cc = "1.0"

[dev-dependencies]
criterion = "0.5"
`,
			reqs: map[string]string{"serde": "1.0.219", "cc": "1.2.0", "criterion": "0.5.1"},
			want: `[dependencies]
serde = "1.0.219"

[build-dependencies]
cc = "1.2.0"

[dev-dependencies]
criterion = "0.5.1"
`,
		},
		{
			name: "target_scoped_section",
			content: `[target.'cfg(unix)'.dependencies]
libc = "0.2"
`,
			reqs: map[string]string{"libc": "0.2.150"},
			want: `[target.'cfg(unix)'.dependencies]
libc = "0.2.150"
`,
		},
		{
			name: "workspace_dependencies",
			content: `[workspace]
members = ["app"]

[workspace.dependencies]
serde = "1.0"

[workspace.dependencies.tokio]
version = "1"
features = ["rt"]
`,
			reqs: map[string]string{"serde": "=1.0.219", "tokio": "=1.40.0"},
			want: `[workspace]
members = ["app"]

[workspace.dependencies]
serde = "=1.0.219"

[workspace.dependencies.tokio]
version = "=1.40.0"
features = ["rt"]
`,
		},
		{
			name: "git_table_untouched",
			content: `[dependencies]
helper = { git = "https://example.com/helper.git" }
`,
			reqs: map[string]string{"helper": "1.0.0"},
			want: `[dependencies]
helper = { git = "https://example.com/helper.git" }
`,
		},
		{
			name: "same_name_outside_dep_section_untouched",
			content: `[package]
name = "serde-tools"
version = "0.1.0"

[dependencies]
serde = "1.0"
`,
			reqs: map[string]string{"version": "9.9.9", "serde": "1.0.219"},
			want: `[package]
name = "serde-tools"
version = "0.1.0"

[dependencies]
serde = "1.0.219"
`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := string(manifest.RenderRequirements([]byte(tc.content), tc.reqs))
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("RenderRequirements() (-want +got):\n%s", diff)
			}

			// Re-applying the same requirements must be a fixed point.
			again := string(manifest.RenderRequirements([]byte(got), tc.reqs))
			if again != got {
				t.Errorf("RenderRequirements() is not idempotent:\nfirst:\n%s\nsecond:\n%s", got, again)
			}
		})
	}
}

func TestApplyRequirements(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Cargo.toml")
	content := `[dependencies]
serde = "1.0"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	changed, err := manifest.ApplyRequirements(path, map[string]string{"serde": "1.0.219"})
	if err != nil {
		t.Fatalf("ApplyRequirements(): %v", err)
	}
	if !changed {
		t.Error("ApplyRequirements() reported no change on first write")
	}

	changed, err = manifest.ApplyRequirements(path, map[string]string{"serde": "1.0.219"})
	if err != nil {
		t.Fatalf("ApplyRequirements() second run: %v", err)
	}
	if changed {
		t.Error("ApplyRequirements() reported a change on an identical rewrite")
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := `[dependencies]
serde = "1.0.219"
`
	if string(got) != want {
		t.Errorf("manifest after ApplyRequirements = %q, want %q", got, want)
	}
}
