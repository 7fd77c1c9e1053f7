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

package cachestore

import "sync"

// MemStore is an in-memory Store, used in tests and anywhere persistence is
// not wanted.
type MemStore struct {
	mu   sync.Mutex
	recs map[string]*Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{recs: make(map[string]*Record)}
}

// Get returns the stored record for a crate, or nil if none exists.
func (s *MemStore) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.recs[name], nil
}

// Put stores a record, replacing any previous one for the same crate.
func (s *MemStore) Put(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.Name] = rec

	return nil
}

// List returns all stored records.
func (s *MemStore) List() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]*Record, 0, len(s.recs))
	for _, rec := range s.recs {
		recs = append(recs, rec)
	}

	return recs, nil
}

// Remove deletes the record for a crate, if present.
func (s *MemStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, name)

	return nil
}
