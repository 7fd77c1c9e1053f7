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

package validation

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/BoyeGuillaume/cargo-compat/log"
)

// Outcome is the result of one external tool invocation.
type Outcome struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner invokes the external build tool. It is injected into the Validator
// so tests can script outcomes without running any subprocess.
type Runner interface {
	Run(ctx context.Context, workdir string, args []string) (Outcome, error)
}

// CargoRunner runs the cargo binary as a blocking subprocess. A trial is a
// long-running invocation with no timeout beyond what cargo itself enforces.
type CargoRunner struct {
	// Path to the cargo executable. Empty means "cargo" from PATH.
	Path string
}

// Run executes cargo with the given arguments in workdir.
// A non-zero exit is reported in the Outcome, not as an error; errors are
// reserved for failures to invoke the tool at all.
func (r CargoRunner) Run(ctx context.Context, workdir string, args []string) (Outcome, error) {
	path := r.Path
	if path == "" {
		path = "cargo"
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = workdir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugf("running %s %s in %s", path, strings.Join(args, " "), workdir)
	err := cmd.Run()

	outcome := Outcome{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		outcome.ExitCode = exitErr.ExitCode()
		return outcome, nil
	}
	if err != nil {
		return outcome, err
	}

	return outcome, nil
}
