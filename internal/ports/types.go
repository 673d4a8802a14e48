// Package ports defines the domain types shared across the resolver,
// blocker, collision and transaction layers: candidate packages from the
// ports tree, their dependency edges, and the installed-package records
// persisted in the database.
package ports

import (
	"time"

	"github.com/blackwell-systems/portforge/internal/atom"
)

// PackageInfo is one installable candidate loaded from the ports tree.
// Many versions of the same PackageID may coexist in the available index.
// Immutable once loaded.
type PackageInfo struct {
	ID      atom.PackageID
	Version atom.Version
	Slot    string // ABI compatibility class, default "0"

	Dependencies        []Dependency // DEPEND: both build and run time
	BuildDependencies   []Dependency // BDEPEND: build time only
	RuntimeDependencies []Dependency // RDEPEND: run time only

	Keywords []string
	UseFlags []string // IUSE; "+flag" marks an enabled-by-default flag

	Blockers []Blocker

	// BuildTarget names the unit handed to the build layer, typically the
	// manifest-relative path of the package's build recipe.
	BuildTarget string

	SizeBytes int64
}

// AllDependencies returns every declared dependency edge, in declaration
// order: Dependencies, then BuildDependencies, then RuntimeDependencies.
func (p *PackageInfo) AllDependencies() []Dependency {
	out := make([]Dependency, 0, len(p.Dependencies)+len(p.BuildDependencies)+len(p.RuntimeDependencies))
	out = append(out, p.Dependencies...)
	out = append(out, p.BuildDependencies...)
	out = append(out, p.RuntimeDependencies...)
	return out
}

// EffectiveSlot returns the package slot, defaulting to "0".
func (p *PackageInfo) EffectiveSlot() string {
	if p.Slot == "" {
		return "0"
	}
	return p.Slot
}

// DefaultUseFlags returns the flags enabled by default ("+flag" entries in
// UseFlags), stripped of the marker.
func (p *PackageInfo) DefaultUseFlags() []string {
	var out []string
	for _, f := range p.UseFlags {
		if len(f) > 1 && f[0] == '+' {
			out = append(out, f[1:])
		}
	}
	return out
}

// Dependency is one edge from a package to a requirement. The Condition
// gates whether the edge is active for a given USE-flag set.
type Dependency struct {
	Package   atom.PackageID
	Version   atom.VersionSpec
	Slot      string // "" means any slot
	Condition UseCondition
	BuildTime bool
	RunTime   bool
}

// Active reports whether the edge applies under the given USE set. A nil
// Condition means always active.
func (d Dependency) Active(use map[string]bool) bool {
	if d.Condition == nil {
		return true
	}
	return d.Condition.Eval(use)
}

// BlockerType distinguishes hard (!!) from soft (!) blockers.
type BlockerType int

const (
	// SoftBlocker forbids simultaneous presence only during installation;
	// it can be resolved by ordering.
	SoftBlocker BlockerType = iota
	// HardBlocker forbids co-existence under any circumstance.
	HardBlocker
)

func (t BlockerType) String() string {
	if t == HardBlocker {
		return "hard"
	}
	return "soft"
}

// Blocker is a declared incompatibility: the declaring package forbids the
// blocked package in the matching version range.
type Blocker struct {
	Package        atom.PackageID // declarer
	Version        atom.Version   // declarer's version
	Blocked        atom.PackageID
	BlockedVersion atom.VersionSpec
	Type           BlockerType
}

// FileType classifies an installed filesystem entry.
type FileType int

const (
	FileRegular FileType = iota
	FileDirectory
	FileSymlink
	FileHardlink
	FileDevice
	FileFifo
)

func (t FileType) String() string {
	switch t {
	case FileRegular:
		return "regular"
	case FileDirectory:
		return "directory"
	case FileSymlink:
		return "symlink"
	case FileHardlink:
		return "hardlink"
	case FileDevice:
		return "device"
	case FileFifo:
		return "fifo"
	default:
		return "unknown"
	}
}

// InstalledFile is one filesystem entry owned by an installed package.
// Every path is owned by exactly one package at a time.
type InstalledFile struct {
	Path      string
	Type      FileType
	Mode      uint32
	SizeBytes int64
	Hash      string // sha256 of content, empty for non-regular files
	MTime     time.Time
}

// InstalledPackage is the persisted record of one merged package.
type InstalledPackage struct {
	ID          atom.PackageID
	Version     atom.Version
	Slot        string
	InstalledAt time.Time
	UseFlags    []string
	Files       []InstalledFile
	SizeBytes   int64
	Explicit    bool // user-requested, as opposed to pulled in as a dependency
}
