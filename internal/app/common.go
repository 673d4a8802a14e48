package app

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
	"github.com/blackwell-systems/portforge/internal/build"
	"github.com/blackwell-systems/portforge/internal/collision"
	"github.com/blackwell-systems/portforge/internal/config"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/repoindex"
	"github.com/blackwell-systems/portforge/internal/resolver"
	"github.com/blackwell-systems/portforge/internal/store"
	"github.com/blackwell-systems/portforge/internal/transaction"
)

// loadConfig loads portforge.toml honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(flagConfig)
}

// openStore opens the package database, creating its parent directory.
func openStore(cfg *config.Config) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	return store.New(cfg.DBPath)
}

// openIndex opens the ports tree index.
func openIndex(cfg *config.Config) (*repoindex.Index, error) {
	return repoindex.Open(cfg.Tree)
}

// newEngine builds the transaction engine from configuration.
func newEngine(cfg *config.Config, st *store.Store, force bool) *transaction.Engine {
	collisionCfg := collision.DefaultConfig()
	if len(cfg.Collision.IgnorePatterns) > 0 {
		collisionCfg.IgnorePatterns = cfg.Collision.IgnorePatterns
	}
	if len(cfg.Collision.TolerantTrees) > 0 {
		collisionCfg.TolerantTrees = cfg.Collision.TolerantTrees
	}
	collisionCfg.Force = force

	builder := &build.ExecBuilder{
		Command: cfg.Build.Command,
		Args:    cfg.Build.Args,
		Timeout: cfg.BuildTimeout(),
	}

	return transaction.New(st, builder, transaction.Config{
		Root:        cfg.Root,
		BackupDir:   filepath.Join(cfg.StateDir, "backups"),
		Collision:   collisionCfg,
		Parallelism: cfg.Build.Parallelism,
	})
}

// parseAtoms parses the command line package arguments.
func parseAtoms(args []string) ([]atom.Atom, error) {
	atoms := make([]atom.Atom, 0, len(args))
	for _, arg := range args {
		a, err := atom.ParseAtom(arg)
		if err != nil {
			return nil, err
		}
		atoms = append(atoms, a)
	}
	return atoms, nil
}

// activeUse merges the configured USE set with each selected package's
// IUSE defaults.
func activeUse(cfg *config.Config, res *resolver.Resolution) map[string]bool {
	use := cfg.UseSet()
	for _, pkg := range res.Packages {
		for _, f := range pkg.DefaultUseFlags() {
			if _, overridden := use[f]; !overridden {
				use[f] = true
			}
		}
	}
	return use
}

func useList(use map[string]bool) []string {
	var out []string
	for f, on := range use {
		if on {
			out = append(out, f)
		}
	}
	return out
}

// slotKey identifies one installed instance; slots of the same package
// are independent install targets.
type slotKey struct {
	id   atom.PackageID
	slot string
}

// planOperations turns a resolution into the transaction's operation
// list: removals and replacements demanded by blockers, upgrades for
// packages installed at a different version in the candidate's slot,
// installs for the rest (a candidate in a new slot of an installed
// package is a fresh install). Already-satisfied selections are skipped
// unless force reinstalls them.
func planOperations(res *resolver.Resolution, installed []*ports.InstalledPackage,
	explicit map[atom.PackageID]bool, use []string, force bool,
	avail blockers.Available) ([]transaction.Operation, error) {

	current := make(map[slotKey]*ports.InstalledPackage, len(installed))
	for _, p := range installed {
		current[slotKey{p.ID, p.Slot}] = p
	}

	var ops []transaction.Operation
	planned := make(map[slotKey]bool)

	for _, id := range res.Order {
		pkg := res.Packages[id]
		if pkg == nil {
			continue
		}
		key := slotKey{id, pkg.EffectiveSlot()}
		have, isInstalled := current[key]
		switch {
		case !isInstalled:
			ops = append(ops, transaction.Install(pkg, use, explicit[id]))
		case !have.Version.Equal(pkg.Version) || force:
			ops = append(ops, transaction.Upgrade(pkg, use))
		default:
			continue
		}
		planned[key] = true
	}

	// Every resolved blocker action must land in the plan; an action that
	// cannot be applied would leave the blocked package in place.
	for _, action := range res.BlockerActions {
		switch action.Kind {
		case blockers.RemoveTarget:
			for _, p := range installed {
				if p.ID == action.Target && action.Blocker.BlockedVersion.Matches(p.Version) {
					ops = append(ops, transaction.Remove(p.ID, p.Slot, true))
				}
			}
		case blockers.UpgradeTarget, blockers.DowngradeTarget:
			replacement := findCandidate(avail, action.Target, action.Version)
			if replacement == nil {
				return nil, fmt.Errorf("blocker on %s resolved to version %s, which is not in the index",
					action.Target, action.Version)
			}
			key := slotKey{action.Target, replacement.EffectiveSlot()}
			if planned[key] {
				continue
			}
			if _, ok := current[key]; ok {
				ops = append(ops, transaction.Upgrade(replacement, use))
			} else {
				// The replacement lands in a new slot; the blocked
				// instance goes and the replacement merges fresh.
				for _, p := range installed {
					if p.ID == action.Target && action.Blocker.BlockedVersion.Matches(p.Version) {
						ops = append(ops, transaction.Remove(p.ID, p.Slot, true))
					}
				}
				ops = append(ops, transaction.Install(replacement, use, false))
			}
			planned[key] = true
		}
	}

	return ops, nil
}

// findCandidate looks up one exact version of a package in the index.
func findCandidate(avail blockers.Available, id atom.PackageID, version atom.Version) *ports.PackageInfo {
	if avail == nil {
		return nil
	}
	for _, cand := range avail.Versions(id) {
		if cand.Version.Equal(version) {
			return cand
		}
	}
	return nil
}
