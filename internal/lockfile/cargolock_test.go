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

package lockfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BoyeGuillaume/cargo-compat/internal/lockfile"
)

func TestRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Cargo.lock")
	content := `# This file is automatically @generated by Cargo.
version = 3

[[package]]
name = "app"
version = "0.1.0"
dependencies = [
 "serde",
]

[[package]]
name = "serde"
version = "1.0.219"
source = "registry+https://github.com/rust-lang/crates.io-index"
checksum = "5f0e2c6ed6606019b4e29e69dbaba95b11854410e5347d525002456dbbb786b6"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	got, err := lockfile.Read(path)
	if err != nil {
		t.Fatalf("Read(): %v", err)
	}
	want := map[string]string{
		"app":   "0.1.0",
		"serde": "1.0.219",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Read() (-want +got):\n%s", diff)
	}
}

func TestReadMissing(t *testing.T) {
	got, err := lockfile.Read(filepath.Join(t.TempDir(), "Cargo.lock"))
	if err != nil {
		t.Fatalf("Read() on missing lockfile: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Read() on missing lockfile = %v, want empty", got)
	}
}

func TestReadMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Cargo.lock")
	if err := os.WriteFile(path, []byte("[[package]\nbroken"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := lockfile.Read(path); err == nil {
		t.Error("Read() accepted a malformed lockfile")
	}
}
