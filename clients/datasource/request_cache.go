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

package datasource

import "sync"

// RequestCache is a map to cache the results of expensive functions that should
// only be run once per key, with de-duplication of concurrent requests for the
// same key.
type RequestCache[K comparable, V any] struct {
	requests map[K]*requestCacheCall[V]
	mu       sync.Mutex
}

type requestCacheCall[V any] struct {
	wg  sync.WaitGroup
	val V
	err error
}

// NewRequestCache creates a new RequestCache.
func NewRequestCache[K comparable, V any]() *RequestCache[K, V] {
	return &RequestCache[K, V]{
		requests: make(map[K]*requestCacheCall[V]),
	}
}

// Get gets the value for a key, calling fn to compute it if it's not already
// cached or in flight. Concurrent calls for the same key block until the first
// call completes, then share its result.
func (rq *RequestCache[K, V]) Get(k K, fn func() (V, error)) (V, error) {
	rq.mu.Lock()
	if call, ok := rq.requests[k]; ok {
		rq.mu.Unlock()
		call.wg.Wait()

		return call.val, call.err
	}

	call := &requestCacheCall[V]{}
	call.wg.Add(1)
	rq.requests[k] = call
	rq.mu.Unlock()

	call.val, call.err = fn()

	rq.mu.Lock()
	// Don't cache errors so the request may be retried.
	if call.err != nil {
		delete(rq.requests, k)
	}
	rq.mu.Unlock()
	call.wg.Done()

	return call.val, call.err
}
