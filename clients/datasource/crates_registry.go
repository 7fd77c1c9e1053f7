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

// Package datasource provides clients to fetch data from package registries.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"deps.dev/util/semver"
	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/BoyeGuillaume/cargo-compat/internal/cachestore"
	"github.com/BoyeGuillaume/cargo-compat/log"
)

const (
	// DefaultIndexURL is the crates.io sparse index.
	DefaultIndexURL = "https://index.crates.io"

	// DefaultCacheAge is how long a cached crate record stays fresh.
	DefaultCacheAge = 48 * time.Hour

	// defaultThrottle is the minimum delay between registry requests, to be
	// polite to the shared public index.
	defaultThrottle = 500 * time.Millisecond

	maxConcurrentRequests = 8

	userAgent = "cargo-compat (github.com/BoyeGuillaume/cargo-compat)"
)

// ErrRegistryUnreachable is returned when the registry cannot be reached and
// no cached record exists to fall back on.
var ErrRegistryUnreachable = errors.New("registry unreachable")

// ErrCrateNotFound is returned when the registry authoritatively reports that
// a crate does not exist. No stale fallback applies.
var ErrCrateNotFound = errors.New("crate not found in registry")

// CratesRegistryAPIClient fetches per-crate version metadata from a crates.io
// style sparse index, backed by an on-disk record store with age-based expiry.
type CratesRegistryAPIClient struct {
	indexURL   string
	httpClient *http.Client
	store      cachestore.Store
	cacheAge   time.Duration
	throttle   time.Duration

	// In-flight de-duplication: a crate is fetched at most once per run even
	// when many resolution paths request it concurrently.
	inflight *RequestCache[string, *cachestore.Record]

	mu          sync.Mutex
	lastRequest time.Time
}

// ClientConfig holds the configurable knobs of a CratesRegistryAPIClient.
// Zero values select the defaults.
type ClientConfig struct {
	IndexURL   string
	HTTPClient *http.Client
	CacheAge   time.Duration
	Throttle   *time.Duration // nil selects the default; pointer so tests can disable throttling
}

// NewCratesRegistryAPIClient returns a client writing through the given store.
func NewCratesRegistryAPIClient(store cachestore.Store, cfg ClientConfig) *CratesRegistryAPIClient {
	c := &CratesRegistryAPIClient{
		indexURL:   cfg.IndexURL,
		httpClient: cfg.HTTPClient,
		store:      store,
		cacheAge:   cfg.CacheAge,
		throttle:   defaultThrottle,
		inflight:   NewRequestCache[string, *cachestore.Record](),
	}
	if c.indexURL == "" {
		c.indexURL = DefaultIndexURL
	}
	if c.httpClient == nil {
		c.httpClient = http.DefaultClient
	}
	if c.cacheAge <= 0 {
		c.cacheAge = DefaultCacheAge
	}
	if cfg.Throttle != nil {
		c.throttle = *cfg.Throttle
	}

	return c
}

// FetchResult is a record plus whether it was served from a stale cache entry
// because the registry could not be reached.
type FetchResult struct {
	Record *cachestore.Record
	Stale  bool
}

// Fetch returns the metadata record for a crate.
//
// A fresh cached record is returned without any network traffic unless force
// is set. On a network failure an existing stale record is returned with
// Stale set; with no cached record the fetch fails with
// ErrRegistryUnreachable.
func (c *CratesRegistryAPIClient) Fetch(ctx context.Context, crate string, force bool) (FetchResult, error) {
	crate = strings.ToLower(crate)

	cached, err := c.store.Get(crate)
	if err != nil {
		return FetchResult{}, err
	}
	if cached != nil && !force && time.Since(cached.FetchedAt) < c.cacheAge {
		log.Debugf("cache hit for crate %s (age %s)", crate, time.Since(cached.FetchedAt).Round(time.Second))
		return FetchResult{Record: cached}, nil
	}

	rec, err := c.inflight.Get(crate, func() (*cachestore.Record, error) {
		rec, err := c.fetchRemote(ctx, crate)
		if err != nil {
			return nil, err
		}
		if err := c.store.Put(rec); err != nil {
			// The fetched data is still usable, only persistence failed.
			log.Warnf("failed persisting cache record for %s: %v", crate, err)
		}

		return rec, nil
	})
	if err == nil {
		return FetchResult{Record: rec}, nil
	}
	if errors.Is(err, ErrCrateNotFound) {
		return FetchResult{}, err
	}
	if cached != nil {
		log.Warnf("registry fetch for %s failed (%v), using stale cached metadata from %s",
			crate, err, cached.FetchedAt.Format(time.RFC3339))

		return FetchResult{Record: cached, Stale: true}, nil
	}

	return FetchResult{}, fmt.Errorf("%w: fetching %s: %v", ErrRegistryUnreachable, crate, err)
}

// FetchAll fetches records for all named crates with bounded concurrency.
// The returned map holds the crates that were fetched successfully; the error
// aggregates the failures, if any.
func (c *CratesRegistryAPIClient) FetchAll(ctx context.Context, crates []string, force bool) (map[string]FetchResult, error) {
	var (
		mu      sync.Mutex
		results = make(map[string]FetchResult, len(crates))
		errs    []error
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRequests)
	for _, crate := range slices.Compact(slices.Sorted(slices.Values(crates))) {
		g.Go(func() error {
			res, err := c.Fetch(ctx, crate, force)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			} else {
				results[crate] = res
			}

			return nil
		})
	}
	_ = g.Wait() // worker funcs never return an error directly

	return results, multierr.Combine(errs...)
}

func (c *CratesRegistryAPIClient) fetchRemote(ctx context.Context, crate string) (*cachestore.Record, error) {
	if err := c.waitThrottle(ctx); err != nil {
		return nil, err
	}

	reqURL, err := url.JoinPath(c.indexURL, indexPath(crate)...)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, crate)
	default:
		return nil, errors.New(resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	rec := parseIndexRecord(crate, body)
	log.Infof("fetched registry metadata for %s (%d versions)", crate, len(rec.Versions))

	return rec, nil
}

// waitThrottle enforces the minimum interval between registry requests.
func (c *CratesRegistryAPIClient) waitThrottle(ctx context.Context) error {
	if c.throttle <= 0 {
		return nil
	}

	c.mu.Lock()
	wait := c.throttle - time.Since(c.lastRequest)
	if wait < 0 {
		wait = 0
	}
	c.lastRequest = time.Now().Add(wait)
	c.mu.Unlock()

	if wait == 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// indexPath returns the sparse index path components for a crate name,
// following the registry's prefix layout.
func indexPath(crate string) []string {
	switch len(crate) {
	case 0:
		return []string{crate}
	case 1:
		return []string{"1", crate}
	case 2:
		return []string{"2", crate}
	case 3:
		return []string{"3", crate[:1], crate}
	default:
		return []string{crate[:2], crate[2:4], crate}
	}
}

// parseIndexRecord parses the newline-delimited JSON body of a sparse index
// file into a cache record, with versions sorted ascending by semver.
func parseIndexRecord(crate string, body []byte) *cachestore.Record {
	rec := &cachestore.Record{
		Name:      crate,
		FetchedAt: time.Now().UTC(),
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		entry := gjson.Parse(line)
		vers := entry.Get("vers").String()
		if _, err := semver.Cargo.Parse(vers); err != nil {
			log.Warnf("skipping unparseable version %q of crate %s: %v", vers, crate, err)
			continue
		}

		v := cachestore.Version{
			Version: vers,
			Yanked:  entry.Get("yanked").Bool(),
		}
		for _, dep := range entry.Get("deps").Array() {
			name := dep.Get("name").String()
			// Renamed dependencies report the real crate name in "package".
			if pkg := dep.Get("package").String(); pkg != "" {
				name = pkg
			}
			v.Dependencies = append(v.Dependencies, cachestore.Dependency{
				Name:        name,
				Requirement: dep.Get("req").String(),
				Kind:        dep.Get("kind").String(),
				Optional:    dep.Get("optional").Bool(),
			})
		}
		rec.Versions = append(rec.Versions, v)
	}

	slices.SortFunc(rec.Versions, func(a, b cachestore.Version) int {
		av, _ := semver.Cargo.Parse(a.Version)
		bv, _ := semver.Cargo.Parse(b.Version)

		return av.Compare(bv)
	})

	return rec
}
