// Package transaction executes a resolved operation list against the
// filesystem and the package database as a single atomic unit. Removals
// run first, then upgrades, then installs; any failure rolls back every
// database write and restores every touched file from backup.
package transaction

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/collision"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// Kind classifies one operation.
type Kind int

const (
	OpInstall Kind = iota
	OpRemove
	OpUpgrade
)

func (k Kind) String() string {
	switch k {
	case OpInstall:
		return "install"
	case OpRemove:
		return "remove"
	case OpUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// Operation is one unit of work inside a transaction.
type Operation struct {
	Kind Kind

	// Package is the candidate being merged. Set for install and upgrade.
	Package *ports.PackageInfo

	// Target identifies the installed package acted on. Set for remove;
	// derived from Package for install and upgrade.
	Target atom.PackageID
	Slot   string

	// Use is the enabled USE-flag set the package is merged with.
	Use []string

	// Explicit marks a user-requested install, recorded in the world set.
	Explicit bool

	// Force skips the reverse-dependency guard on removal.
	Force bool
}

// ID returns the package the operation acts on.
func (o Operation) ID() atom.PackageID {
	if o.Kind == OpRemove {
		return o.Target
	}
	return o.Package.ID
}

// EffectiveSlot returns the slot the operation acts on, defaulting to "0".
func (o Operation) EffectiveSlot() string {
	if o.Slot != "" {
		return o.Slot
	}
	if o.Kind != OpRemove && o.Package != nil {
		return o.Package.EffectiveSlot()
	}
	return "0"
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %s:%s", o.Kind, o.ID(), o.EffectiveSlot())
}

// Install builds an install operation for a resolved candidate.
func Install(pkg *ports.PackageInfo, use []string, explicit bool) Operation {
	return Operation{Kind: OpInstall, Package: pkg, Use: use, Explicit: explicit}
}

// Remove builds a removal operation for an installed package.
func Remove(id atom.PackageID, slot string, force bool) Operation {
	return Operation{Kind: OpRemove, Target: id, Slot: slot, Force: force}
}

// Upgrade builds an upgrade operation replacing the installed slot
// occupant with the given candidate.
func Upgrade(pkg *ports.PackageInfo, use []string) Operation {
	return Operation{Kind: OpUpgrade, Package: pkg, Use: use}
}

// CollisionError reports a merge aborted by unacceptable file collisions.
type CollisionError struct {
	Package atom.PackageID
	Result  collision.Result
}

func (e *CollisionError) Error() string {
	var parts []string
	for i, c := range e.Result.Collisions {
		if c.Acceptable {
			continue
		}
		if i >= 5 {
			parts = append(parts, "...")
			break
		}
		switch c.Type {
		case collision.OwnedByOther:
			parts = append(parts, fmt.Sprintf("%s (owned by %s)", c.Path, c.Owner))
		default:
			parts = append(parts, fmt.Sprintf("%s (%s)", c.Path, c.Type))
		}
	}
	return fmt.Sprintf("file collisions installing %s: %s", e.Package, strings.Join(parts, ", "))
}

// ErrHasDependents is returned when a removal is refused because other
// installed packages still depend on the target.
var ErrHasDependents = errors.New("package has installed dependents")

// DependentsError reports a removal refused because installed packages
// still depend on the target. It matches ErrHasDependents under errors.Is.
type DependentsError struct {
	Package    atom.PackageID
	Dependents []atom.PackageID
}

func (e *DependentsError) Unwrap() error { return ErrHasDependents }

func (e *DependentsError) Error() string {
	names := make([]string, len(e.Dependents))
	for i, d := range e.Dependents {
		names[i] = d.String()
	}
	return fmt.Sprintf("cannot remove %s: required by %s", e.Package, strings.Join(names, ", "))
}

// RollbackError wraps an operation failure whose rollback itself failed,
// leaving the filesystem in need of manual repair. The database is still
// consistent; only file restoration was incomplete.
type RollbackError struct {
	Cause      error
	RestoreErr error
	BackupDir  string
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("transaction failed (%v) and file restore failed (%v); backups kept at %s",
		e.Cause, e.RestoreErr, e.BackupDir)
}

func (e *RollbackError) Unwrap() error { return e.Cause }
