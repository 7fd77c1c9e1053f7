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

package datasource_test

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
)

func TestRequestCacheDedup(t *testing.T) {
	cache := datasource.NewRequestCache[string, int]()

	var calls atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := cache.Get("key", func() (int, error) {
				calls.Add(1)
				return 42, nil
			})
			if err != nil {
				t.Errorf("Get: %v", err)
			}
			if got != 42 {
				t.Errorf("Get = %d, want 42", got)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("fn called %d times for one key, want 1", calls.Load())
	}
}

func TestRequestCacheErrorNotCached(t *testing.T) {
	cache := datasource.NewRequestCache[string, int]()

	wantErr := errors.New("boom")
	if _, err := cache.Get("key", func() (int, error) { return 0, wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Get error = %v, want %v", err, wantErr)
	}

	// The failed entry must not poison later calls.
	got, err := cache.Get("key", func() (int, error) { return 7, nil })
	if err != nil {
		t.Fatalf("Get after error: %v", err)
	}
	if got != 7 {
		t.Errorf("Get after error = %d, want 7", got)
	}
}

func TestRequestCacheCachesSuccess(t *testing.T) {
	cache := datasource.NewRequestCache[string, int]()

	if _, err := cache.Get("a", func() (int, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}

	var called bool
	got, err := cache.Get("a", func() (int, error) {
		called = true
		return 0, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("Get recomputed an already cached entry")
	}
	if got != 1 {
		t.Errorf("Get(a) = %d, want the cached 1", got)
	}
}
