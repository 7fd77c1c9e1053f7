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

// Package cachestore persists per-crate registry metadata records on disk.
//
// Each crate gets its own record file so that concurrent fetches never
// contend on a shared file: reads are lock-free and writes replace the whole
// record atomically (write to a temp file, then rename). A record that fails
// to decode is treated as absent and re-fetched, never as a fatal error.
package cachestore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BoyeGuillaume/cargo-compat/log"
)

// Dependency kinds as reported by the crates.io index.
const (
	KindNormal = "normal"
	KindBuild  = "build"
	KindDev    = "dev"
)

// Dependency is one declared dependency of a crate version.
type Dependency struct {
	Name        string
	Requirement string // semver requirement string, e.g. "^1.2"
	Kind        string // normal, build or dev
	Optional    bool
}

// Version is one published version of a crate.
type Version struct {
	Version      string
	Yanked       bool
	Dependencies []Dependency
}

// Record is the cached registry metadata for a single crate.
// Versions are kept in the order the registry reported them, which is
// ascending by publication for the crates.io index.
type Record struct {
	Name      string
	FetchedAt time.Time
	Versions  []Version
}

// Store is the persistence abstraction used by the registry client and the
// cache maintenance commands. Implementations must tolerate concurrent use.
type Store interface {
	// Get returns the stored record for a crate, or nil if none exists.
	// A corrupt record is reported as absent.
	Get(name string) (*Record, error)
	// Put stores a record, replacing any previous one for the same crate.
	Put(rec *Record) error
	// List returns all stored records.
	List() ([]*Record, error)
	// Remove deletes the record for a crate, if present.
	Remove(name string) error
}

// DirStore is a Store backed by a directory of gob-encoded record files.
type DirStore struct {
	dir string
}

// NewDirStore creates a DirStore rooted at dir. The directory is created on
// first write, not here.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *DirStore) Dir() string { return s.dir }

// DefaultDir returns the default cache directory,
// $HOME/.cache/cargo-compat, or a directory-local fallback if HOME is unset.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		log.Warnf("cannot determine home directory (%v), using local cache directory", err)
		return ".cargo-compat-cache"
	}

	return filepath.Join(home, ".cache", "cargo-compat")
}

func (s *DirStore) recordPath(name string) string {
	// Crate names are registry-normalized (lowercase, limited charset) but
	// guard against path separators anyway.
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")

	return filepath.Join(s.dir, "crates", name+".gob")
}

// Get returns the stored record for a crate, or nil if none exists.
func (s *DirStore) Get(name string) (*Record, error) {
	b, err := os.ReadFile(s.recordPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache record for %s: %w", name, err)
	}

	var rec Record
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rec); err != nil {
		// Corrupt record: drop it and report a miss so the caller re-fetches.
		log.Warnf("cache record for %s is corrupt, discarding: %v", name, err)
		if err := s.Remove(name); err != nil {
			log.Debugf("failed removing corrupt cache record for %s: %v", name, err)
		}

		return nil, nil
	}

	return &rec, nil
}

// Put stores a record with an atomic replace so that an interrupted write
// never leaves a partial record behind.
func (s *DirStore) Put(rec *Record) error {
	path := s.recordPath(rec.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("encoding cache record for %s: %w", rec.Name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("writing cache record for %s: %w", rec.Name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("closing cache record for %s: %w", rec.Name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replacing cache record for %s: %w", rec.Name, err)
	}

	return nil
}

// List returns all records in the store. Corrupt records are skipped.
func (s *DirStore) List() ([]*Record, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "crates"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache directory: %w", err)
	}

	var recs []*Record
	for _, e := range entries {
		name, ok := strings.CutSuffix(e.Name(), ".gob")
		if !ok || e.IsDir() {
			continue
		}
		rec, err := s.Get(name)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}

	return recs, nil
}

// Remove deletes the record for a crate, if present.
func (s *DirStore) Remove(name string) error {
	err := os.Remove(s.recordPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	return err
}

// Info is an aggregate summary of a store, for the cache info command.
type Info struct {
	Dir     string
	Entries int
	Oldest  time.Time // zero when the store is empty
	Newest  time.Time // zero when the store is empty
}

// Stat summarizes the contents of a store.
func Stat(s Store, dir string) (Info, error) {
	recs, err := s.List()
	if err != nil {
		return Info{}, err
	}

	info := Info{Dir: dir, Entries: len(recs)}
	for _, rec := range recs {
		if info.Oldest.IsZero() || rec.FetchedAt.Before(info.Oldest) {
			info.Oldest = rec.FetchedAt
		}
		if rec.FetchedAt.After(info.Newest) {
			info.Newest = rec.FetchedAt
		}
	}

	return info, nil
}

// Clean removes stale records from the store, or every record when full is
// set. It returns the number of records removed.
func Clean(s Store, maxAge time.Duration, full bool) (int, error) {
	recs, err := s.List()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	for _, rec := range recs {
		if !full && now.Sub(rec.FetchedAt) < maxAge {
			continue
		}
		if err := s.Remove(rec.Name); err != nil {
			return removed, err
		}
		removed++
	}

	return removed, nil
}
