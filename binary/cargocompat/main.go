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

// The cargocompat command pins a Cargo project's dependency versions to a
// combination validated by real builds.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cargocompat "github.com/BoyeGuillaume/cargo-compat"
	"github.com/BoyeGuillaume/cargo-compat/clients/datasource"
	"github.com/BoyeGuillaume/cargo-compat/internal/cachestore"
	"github.com/BoyeGuillaume/cargo-compat/internal/resolution"
	"github.com/BoyeGuillaume/cargo-compat/internal/validation"
	"github.com/BoyeGuillaume/cargo-compat/log"
	"github.com/BoyeGuillaume/cargo-compat/options"
)

const usage = `usage: cargocompat <command> [flags] [args]

Commands:
  resolve [flags] [path]       resolve and validate dependency versions,
                               writing them back on success
  list [flags] [path]          list the direct dependencies of the selected
                               packages
  cache info                   show cache location and entry counts
  cache clean [-full]          drop expired cache entries, or all of them
  cache fetch <crate> [req]    fetch and cache metadata for one crate

Run 'cargocompat <command> -h' for command flags.
`

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "resolve":
		err = runResolve(ctx, os.Args[2:])
	case "list":
		err = runList(os.Args[2:])
	case "cache":
		err = runCache(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

// commonFlags registers the flags shared by resolve and list and returns the
// options they populate.
func commonFlags(fs *flag.FlagSet) (*options.ResolveOptions, *multiFlag, *bool, *bool) {
	opts := options.DefaultResolveOptions()
	include := &multiFlag{}
	fs.Var(include, "include", "glob pattern selecting workspace members (repeatable)")
	fs.StringVar(&opts.CacheDir, "cache-dir", "", "metadata cache directory (default: per-user cache)")
	fs.DurationVar(&opts.CacheAge, "cache-age", datasource.DefaultCacheAge, "maximum age of cached metadata")
	verbose := fs.Bool("verbose", false, "enable debug output")
	quiet := fs.Bool("quiet", false, "only report errors")
	return &opts, include, verbose, quiet
}

func applyLogging(verbose, quiet bool) {
	log.SetLogger(&log.DefaultLogger{Verbose: verbose, Quiet: quiet})
}

func runResolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resolve", flag.ExitOnError)
	opts, include, verbose, quiet := commonFlags(fs)
	fs.StringVar(&opts.CargoPath, "cargo-path", "", "cargo executable to validate with (default: cargo from PATH)")
	fs.BoolVar(&opts.Release, "release", false, "validate release builds")
	fs.BoolVar(&opts.NoTest, "no-test", false, "validate with builds only, skip tests")
	fs.BoolVar(&opts.ForceRefresh, "force-refresh", false, "re-fetch metadata even when cached")
	fs.IntVar(&opts.MaxTrials, "max-trials", 0, "cap on validation build rounds (0 = automatic)")
	features := fs.String("features", "", "comma-separated feature list passed to the build tool")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyLogging(*verbose, *quiet)

	opts.Include = *include
	if *features != "" {
		opts.Features = strings.Split(*features, ",")
	}
	if fs.NArg() > 0 {
		opts.Path = fs.Arg(0)
	}

	res, err := cargocompat.Resolve(ctx, *opts)
	if res != nil && res.UsedStaleMetadata {
		log.Warnf("registry unreachable, used cached metadata past its age limit")
	}
	if err != nil {
		if res != nil && errors.Is(err, validation.ErrExhausted) && res.FailureLog != "" {
			log.Infof("last failing build output:\n%s", res.FailureLog)
		}
		return err
	}

	log.Infof("converged after %d trial(s) for %s", res.Trials, strings.Join(res.Packages, ", "))
	for _, pin := range res.Pins {
		fmt.Printf("%s: %s -> %s\n", pin.Crate, pin.From, pin.To)
	}
	return nil
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	opts, include, verbose, quiet := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyLogging(*verbose, *quiet)

	opts.Include = *include
	if fs.NArg() > 0 {
		opts.Path = fs.Arg(0)
	}

	infos, err := cargocompat.ListDependencies(*opts)
	if err != nil {
		return err
	}
	for _, d := range infos {
		attrs := d.Kind
		if d.Optional {
			attrs += ", optional"
		}
		if d.Git {
			attrs += ", git"
		}
		fmt.Printf("%s: %s %s (%s)\n", d.Package, d.Crate, d.Requirement, attrs)
	}
	return nil
}

func runCache(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("cache: missing subcommand (info, clean or fetch)")
	}
	sub, args := args[0], args[1:]

	fs := flag.NewFlagSet("cache "+sub, flag.ExitOnError)
	cacheDir := fs.String("cache-dir", "", "metadata cache directory (default: per-user cache)")
	cacheAge := fs.Duration("cache-age", datasource.DefaultCacheAge, "maximum age of cached metadata")
	verbose := fs.Bool("verbose", false, "enable debug output")
	quiet := fs.Bool("quiet", false, "only report errors")
	full := fs.Bool("full", false, "remove all entries, not just expired ones (clean)")
	force := fs.Bool("force", false, "re-fetch even when cached (fetch)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	applyLogging(*verbose, *quiet)

	dir := *cacheDir
	if dir == "" {
		dir = cachestore.DefaultDir()
	}
	if dir == "" {
		return fmt.Errorf("no cache directory available, set -cache-dir")
	}
	store := cachestore.NewDirStore(dir)

	switch sub {
	case "info":
		info, err := cachestore.Stat(store, dir)
		if err != nil {
			return err
		}
		fmt.Printf("cache directory: %s\n", info.Dir)
		fmt.Printf("entries: %d\n", info.Entries)
		if info.Entries > 0 {
			fmt.Printf("oldest entry: %s\n", info.Oldest.Format(time.RFC3339))
			fmt.Printf("newest entry: %s\n", info.Newest.Format(time.RFC3339))
		}
		return nil

	case "clean":
		removed, err := cachestore.Clean(store, *cacheAge, *full)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d cache entr%s\n", removed, pluralY(removed))
		return nil

	case "fetch":
		if fs.NArg() < 1 {
			return fmt.Errorf("cache fetch: missing crate name")
		}
		crate := fs.Arg(0)
		client := datasource.NewCratesRegistryAPIClient(store, datasource.ClientConfig{CacheAge: *cacheAge})
		fr, err := client.Fetch(ctx, crate, *force)
		if err != nil {
			return err
		}
		if fr.Stale {
			log.Warnf("registry unreachable, showing cached metadata past its age limit")
		}
		printVersions(fr, fs.Args()[1:])
		return nil

	default:
		return fmt.Errorf("cache: unknown subcommand %q", sub)
	}
}

func printVersions(fr datasource.FetchResult, reqArgs []string) {
	rec := fr.Record
	fmt.Printf("%s: %d version(s), fetched %s\n", rec.Name, len(rec.Versions), rec.FetchedAt.Format(time.RFC3339))
	if len(reqArgs) == 0 {
		for _, v := range rec.Versions {
			if v.Yanked {
				fmt.Printf("  %s (yanked)\n", v.Version)
				continue
			}
			fmt.Printf("  %s\n", v.Version)
		}
		return
	}
	versions, err := resolution.CandidateVersions(rec, reqArgs...)
	if err != nil {
		log.Warnf("%v", err)
		return
	}
	for _, v := range versions {
		fmt.Printf("  %s\n", v)
	}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
