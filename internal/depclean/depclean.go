// Package depclean finds installed packages that nothing needs anymore:
// pulled in as dependencies, absent from the world and system sets, and
// no longer reachable from anything that stays.
package depclean

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/store"
)

// Analyzer computes removal candidates from the package database.
type Analyzer struct {
	st     *store.Store
	system map[atom.PackageID]bool
	log    zerolog.Logger
}

// New creates an Analyzer. System packages are never candidates, no
// matter how they were installed.
func New(st *store.Store, system map[atom.PackageID]bool) *Analyzer {
	return &Analyzer{
		st:     st,
		system: system,
		log:    logging.GetLogger("depclean"),
	}
}

// Leaves returns all installed packages with no installed dependents.
func (a *Analyzer) Leaves() ([]*ports.InstalledPackage, error) {
	packages, err := a.st.ListPackages()
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	var leaves []*ports.InstalledPackage
	for _, pkg := range packages {
		dependents, err := a.st.GetDependents(pkg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependents for %s: %w", pkg.ID, err)
		}
		if len(dependents) == 0 {
			leaves = append(leaves, pkg)
		}
	}

	return leaves, nil
}

// Candidates returns the packages safe to remove together. A package
// qualifies when it is not protected (explicit, world or system) and
// every installed dependent also qualifies, so removing a candidate never
// strands a keeper. Computed to a fixpoint: dropping one orphan can
// expose the next.
func (a *Analyzer) Candidates() ([]*ports.InstalledPackage, error) {
	packages, err := a.st.ListPackages()
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}

	world, err := a.st.ListWorld()
	if err != nil {
		return nil, fmt.Errorf("failed to list world set: %w", err)
	}
	protected := make(map[atom.PackageID]bool, len(world))
	for _, id := range world {
		protected[id] = true
	}

	byID := make(map[atom.PackageID]*ports.InstalledPackage, len(packages))
	dependents := make(map[atom.PackageID][]atom.PackageID)
	for _, pkg := range packages {
		byID[pkg.ID] = pkg
		if pkg.Explicit || a.system[pkg.ID] {
			protected[pkg.ID] = true
		}
		deps, err := a.st.GetDependencies(pkg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get dependencies for %s: %w", pkg.ID, err)
		}
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], pkg.ID)
		}
	}

	removable := make(map[atom.PackageID]bool)
	for changed := true; changed; {
		changed = false
		for _, pkg := range packages {
			if removable[pkg.ID] || protected[pkg.ID] {
				continue
			}
			needed := false
			for _, dependent := range dependents[pkg.ID] {
				// Dangling edges from packages no longer installed don't count.
				if _, installed := byID[dependent]; !installed {
					continue
				}
				if !removable[dependent] {
					needed = true
					break
				}
			}
			if !needed {
				removable[pkg.ID] = true
				changed = true
			}
		}
	}

	var candidates []*ports.InstalledPackage
	for id := range removable {
		candidates = append(candidates, byID[id])
	}
	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].ID.Less(candidates[b].ID)
	})

	a.log.Debug().
		Int("installed", len(packages)).
		Int("candidates", len(candidates)).
		Msg("depclean analysis")
	return candidates, nil
}

// Chain returns every package the given package depends on, directly or
// transitively, in discovery order.
func (a *Analyzer) Chain(id atom.PackageID) ([]atom.PackageID, error) {
	visited := make(map[atom.PackageID]bool)
	var chain []atom.PackageID
	if err := a.chainRecursive(id, visited, &chain); err != nil {
		return nil, err
	}
	return chain, nil
}

func (a *Analyzer) chainRecursive(id atom.PackageID, visited map[atom.PackageID]bool, chain *[]atom.PackageID) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	deps, err := a.st.GetDependencies(id)
	if err != nil {
		return fmt.Errorf("failed to get dependencies for %s: %w", id, err)
	}
	for _, dep := range deps {
		*chain = append(*chain, dep)
		if err := a.chainRecursive(dep, visited, chain); err != nil {
			return err
		}
	}
	return nil
}
