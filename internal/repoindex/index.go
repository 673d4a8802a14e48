// Package repoindex loads package candidates from the ports tree: one
// YAML manifest per version under <tree>/<category>/<name>/. Parsed
// package lists are cached per PackageID and invalidated when the tree
// changes.
package repoindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// cacheSize bounds the number of per-package candidate lists kept parsed.
const cacheSize = 512

// Index serves candidate versions out of a ports tree. Safe for
// concurrent readers; the watcher invalidates entries from its own
// goroutine.
type Index struct {
	tree  string
	log   zerolog.Logger
	mu    sync.Mutex
	cache *lru.Cache[atom.PackageID, []*ports.PackageInfo]
}

// Stats summarizes one full tree scan.
type Stats struct {
	Categories int
	Packages   int
	Manifests  int
}

// Open creates an Index over the given ports tree directory.
func Open(tree string) (*Index, error) {
	info, err := os.Stat(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to open ports tree: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("ports tree %s is not a directory", tree)
	}

	cache, err := lru.New[atom.PackageID, []*ports.PackageInfo](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create manifest cache: %w", err)
	}

	return &Index{
		tree:  tree,
		log:   logging.GetLogger("repoindex"),
		cache: cache,
	}, nil
}

// Tree returns the root of the ports tree.
func (ix *Index) Tree() string { return ix.tree }

// Versions returns every known candidate for the package, newest first.
// Unparsable manifests are logged and skipped so one broken file does not
// hide the package's other versions. Returns nil for unknown packages.
func (ix *Index) Versions(id atom.PackageID) []*ports.PackageInfo {
	ix.mu.Lock()
	if cached, ok := ix.cache.Get(id); ok {
		ix.mu.Unlock()
		return cached
	}
	ix.mu.Unlock()

	pkgs, err := ix.load(id)
	if err != nil {
		ix.log.Warn().Err(err).Str("package", id.String()).Msg("failed to load package")
		return nil
	}

	ix.mu.Lock()
	ix.cache.Add(id, pkgs)
	ix.mu.Unlock()
	return pkgs
}

// Best returns the newest candidate for the package, or nil when none
// exists.
func (ix *Index) Best(id atom.PackageID) *ports.PackageInfo {
	versions := ix.Versions(id)
	if len(versions) == 0 {
		return nil
	}
	return versions[0]
}

// Invalidate drops the cached candidate list for one package.
func (ix *Index) Invalidate(id atom.PackageID) {
	ix.mu.Lock()
	ix.cache.Remove(id)
	ix.mu.Unlock()
}

// load parses every manifest in the package's directory.
func (ix *Index) load(id atom.PackageID) ([]*ports.PackageInfo, error) {
	dir := filepath.Join(ix.tree, id.Category, id.Name)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read package directory: %w", err)
	}

	var pkgs []*ports.PackageInfo
	for _, entry := range entries {
		version, ok := manifestVersion(entry.Name(), id.Name)
		if !ok {
			continue
		}
		v, err := atom.ParseVersion(version)
		if err != nil {
			ix.log.Warn().
				Str("manifest", entry.Name()).
				Str("package", id.String()).
				Msg("skipping manifest with unparsable version")
			continue
		}
		pkg, err := loadManifest(filepath.Join(dir, entry.Name()), id, v)
		if err != nil {
			ix.log.Warn().Err(err).Str("package", id.String()).Msg("skipping bad manifest")
			continue
		}
		pkgs = append(pkgs, pkg)
	}

	sort.SliceStable(pkgs, func(a, b int) bool {
		return pkgs[b].Version.Less(pkgs[a].Version)
	})
	return pkgs, nil
}

// Packages lists every package id present in the tree, sorted.
func (ix *Index) Packages() ([]atom.PackageID, error) {
	categories, err := os.ReadDir(ix.tree)
	if err != nil {
		return nil, fmt.Errorf("failed to read ports tree: %w", err)
	}

	var ids []atom.PackageID
	for _, cat := range categories {
		if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") {
			continue
		}
		names, err := os.ReadDir(filepath.Join(ix.tree, cat.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read category %s: %w", cat.Name(), err)
		}
		for _, name := range names {
			if !name.IsDir() || strings.HasPrefix(name.Name(), ".") {
				continue
			}
			ids = append(ids, atom.PackageID{Category: cat.Name(), Name: name.Name()})
		}
	}

	sort.Slice(ids, func(a, b int) bool { return ids[a].Less(ids[b]) })
	return ids, nil
}

// Scan walks the whole tree, parsing every manifest strictly. Used by
// sync to validate the tree and warm counts; the first malformed manifest
// fails the scan.
func (ix *Index) Scan() (Stats, error) {
	var stats Stats

	categories, err := os.ReadDir(ix.tree)
	if err != nil {
		return stats, fmt.Errorf("failed to read ports tree: %w", err)
	}

	for _, cat := range categories {
		if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") {
			continue
		}
		stats.Categories++

		names, err := os.ReadDir(filepath.Join(ix.tree, cat.Name()))
		if err != nil {
			return stats, fmt.Errorf("failed to read category %s: %w", cat.Name(), err)
		}
		for _, name := range names {
			if !name.IsDir() || strings.HasPrefix(name.Name(), ".") {
				continue
			}
			stats.Packages++

			id := atom.PackageID{Category: cat.Name(), Name: name.Name()}
			dir := filepath.Join(ix.tree, cat.Name(), name.Name())
			entries, err := os.ReadDir(dir)
			if err != nil {
				return stats, fmt.Errorf("failed to read package %s: %w", id, err)
			}
			for _, entry := range entries {
				version, ok := manifestVersion(entry.Name(), id.Name)
				if !ok {
					continue
				}
				v, err := atom.ParseVersion(version)
				if err != nil {
					return stats, &ManifestError{
						Path: filepath.Join(dir, entry.Name()),
						Err:  fmt.Errorf("unparsable version %q: %w", version, err),
					}
				}
				if _, err := loadManifest(filepath.Join(dir, entry.Name()), id, v); err != nil {
					return stats, err
				}
				stats.Manifests++
			}
		}
	}

	return stats, nil
}

// manifestVersion extracts the version part of "<name>-<version>.yaml".
func manifestVersion(filename, name string) (string, bool) {
	if !strings.HasSuffix(filename, ".yaml") {
		return "", false
	}
	base := strings.TrimSuffix(filename, ".yaml")
	prefix := name + "-"
	if !strings.HasPrefix(base, prefix) || len(base) == len(prefix) {
		return "", false
	}
	return base[len(prefix):], true
}
