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

package resolution_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
	"github.com/BoyeGuillaume/cargo-compat/internal/cachestore"
	"github.com/BoyeGuillaume/cargo-compat/internal/resolution"
)

// fakeSource serves canned records, tracking fetch counts per crate.
type fakeSource struct {
	records map[string]*cachestore.Record
	stale   map[string]bool
	fetches map[string]int
}

func (f *fakeSource) Fetch(_ context.Context, crate string, _ bool) (datasource.FetchResult, error) {
	if f.fetches == nil {
		f.fetches = make(map[string]int)
	}
	f.fetches[crate]++
	rec, ok := f.records[crate]
	if !ok {
		return datasource.FetchResult{}, datasource.ErrCrateNotFound
	}
	return datasource.FetchResult{Record: rec, Stale: f.stale[crate]}, nil
}

type version struct {
	vers   string
	yanked bool
	deps   []cachestore.Dependency
}

func record(name string, versions ...version) *cachestore.Record {
	rec := &cachestore.Record{Name: name}
	for _, v := range versions {
		rec.Versions = append(rec.Versions, cachestore.Version{
			Version:      v.vers,
			Yanked:       v.yanked,
			Dependencies: v.deps,
		})
	}
	return rec
}

func dep(name, req string) cachestore.Dependency {
	return cachestore.Dependency{Name: name, Requirement: req, Kind: cachestore.KindNormal}
}

func direct(crate, req string) resolution.Requirement {
	return resolution.Requirement{Crate: crate, Requirement: req, Kind: "normal"}
}

func TestResolvePicksNewestSatisfying(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a",
			version{vers: "1.0.0"},
			version{vers: "1.2.0", deps: []cachestore.Dependency{dep("b", "^0.3")}},
			version{vers: "1.3.0", yanked: true},
			version{vers: "2.0.0"},
		),
		"b": record("b",
			version{vers: "0.3.1"},
			version{vers: "0.3.4"},
			version{vers: "0.4.0"},
		),
	}}

	got, stale, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1")},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	if stale {
		t.Error("Resolve() reported stale metadata")
	}
	want := resolution.Assignment{"a": "1.2.0", "b": "0.3.4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() (-want +got):\n%s", diff)
	}
}

func TestResolveBacktracksOnConflict(t *testing.T) {
	// The newest a needs b ^2 while c needs b ^1. The resolver has to fall
	// back to the older a so that a single b satisfies both.
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a",
			version{vers: "1.0.0", deps: []cachestore.Dependency{dep("b", "^1")}},
			version{vers: "1.1.0", deps: []cachestore.Dependency{dep("b", "^2")}},
		),
		"b": record("b",
			version{vers: "1.5.0"},
			version{vers: "2.0.0"},
		),
		"c": record("c",
			version{vers: "1.0.0", deps: []cachestore.Dependency{dep("b", "^1")}},
		),
	}}

	got, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1"), direct("c", "^1")},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	want := resolution.Assignment{"a": "1.0.0", "b": "1.5.0", "c": "1.0.0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() (-want +got):\n%s", diff)
	}
}

func TestResolveUnresolvableConflict(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a", version{vers: "1.0.0", deps: []cachestore.Dependency{dep("b", "=2.0.0")}}),
		"c": record("c", version{vers: "1.0.0", deps: []cachestore.Dependency{dep("b", "=1.0.0")}}),
		"b": record("b", version{vers: "1.0.0"}, version{vers: "2.0.0"}),
	}}

	_, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "=1.0.0"), direct("c", "=1.0.0")},
	})
	if !errors.Is(err, resolution.ErrUnresolvableConflict) {
		t.Errorf("Resolve() error = %v, want ErrUnresolvableConflict", err)
	}
}

func TestResolveNoCandidateVersions(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a", version{vers: "1.0.0", yanked: true}, version{vers: "1.1.0", yanked: true}),
	}}

	_, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1")},
	})
	if !errors.Is(err, resolution.ErrNoCandidateVersions) {
		t.Errorf("Resolve() error = %v, want ErrNoCandidateVersions", err)
	}
}

func TestResolveSkipsExcludedCrates(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a", version{vers: "1.0.0", deps: []cachestore.Dependency{dep("local-helper", "*")}}),
	}}

	got, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1")},
		Skip:   map[string]bool{"local-helper": true},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	if _, ok := got["local-helper"]; ok {
		t.Error("Resolve() assigned a version to a skipped crate")
	}
	if source.fetches["local-helper"] != 0 {
		t.Error("Resolve() fetched metadata for a skipped crate")
	}
}

func TestResolveHonorsAdditionalConstraints(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a",
			version{vers: "1.0.0"},
			version{vers: "1.1.0"},
			version{vers: "1.2.0"},
		),
	}}

	got, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct:     []resolution.Requirement{direct("a", "^1")},
		Additional: map[string][]string{"a": {"<=1.1.0"}},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	if got["a"] != "1.1.0" {
		t.Errorf("Resolve() chose a %s, want 1.1.0 under the narrowed bound", got["a"])
	}
}

func TestResolveIgnoresOptionalAndDevDeps(t *testing.T) {
	source := &fakeSource{records: map[string]*cachestore.Record{
		"a": record("a", version{vers: "1.0.0", deps: []cachestore.Dependency{
			{Name: "opt", Requirement: "^1", Kind: cachestore.KindNormal, Optional: true},
			{Name: "devonly", Requirement: "^1", Kind: cachestore.KindDev},
			{Name: "buildtool", Requirement: "^1", Kind: cachestore.KindBuild},
		}}),
		"buildtool": record("buildtool", version{vers: "1.0.0"}),
	}}

	got, _, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1")},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	want := resolution.Assignment{"a": "1.0.0", "buildtool": "1.0.0"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve() (-want +got):\n%s", diff)
	}
}

func TestResolveReportsStaleMetadata(t *testing.T) {
	source := &fakeSource{
		records: map[string]*cachestore.Record{
			"a": record("a", version{vers: "1.0.0"}),
		},
		stale: map[string]bool{"a": true},
	}

	_, stale, err := resolution.NewResolver(source).Resolve(context.Background(), resolution.Request{
		Direct: []resolution.Requirement{direct("a", "^1")},
	})
	if err != nil {
		t.Fatalf("Resolve(): %v", err)
	}
	if !stale {
		t.Error("Resolve() did not report stale metadata")
	}
}

func TestCandidateVersions(t *testing.T) {
	rec := record("a",
		version{vers: "0.9.0"},
		version{vers: "1.0.0"},
		version{vers: "1.1.0", yanked: true},
		version{vers: "1.2.0"},
		version{vers: "2.0.0"},
	)

	tests := []struct {
		name string
		reqs []string
		want []string
	}{
		{name: "single_req", reqs: []string{"^1"}, want: []string{"1.0.0", "1.2.0"}},
		{name: "conjunction", reqs: []string{"^1", "<=1.0.0"}, want: []string{"1.0.0"}},
		{name: "no_reqs", reqs: nil, want: []string{"0.9.0", "1.0.0", "1.2.0", "2.0.0"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := resolution.CandidateVersions(rec, tc.reqs...)
			if err != nil {
				t.Fatalf("CandidateVersions(%v): %v", tc.reqs, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("CandidateVersions(%v) (-want +got):\n%s", tc.reqs, diff)
			}
		})
	}

	if _, err := resolution.CandidateVersions(rec, "not a requirement"); err == nil {
		t.Error("CandidateVersions() accepted an invalid requirement")
	}
}
