package resolver

import (
	"fmt"
	"strings"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
)

// ResolutionError reports that no satisfying assignment was found. It names
// the immediate constraint violation so the caller can distinguish
// "loosen a constraint" from an unbreakable cycle.
type ResolutionError struct {
	Package    atom.PackageID
	Constraint string
	Backtracks int
	Exhausted  bool // true when the backtrack budget ran out
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("cannot resolve %s: %s", e.Package, e.Constraint)
	if e.Exhausted {
		return fmt.Sprintf("%s (backtrack limit of %d reached)", msg, e.Backtracks)
	}
	if e.Backtracks > 0 {
		return fmt.Sprintf("%s (after %d backtracks)", msg, e.Backtracks)
	}
	return msg
}

// VersionConflictError is one dependency constraint a candidate version
// violates.
type VersionConflictError struct {
	Package    atom.PackageID
	Version    atom.Version
	Constraint atom.VersionSpec
	DemandedBy atom.PackageID
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s-%s violates %s required by %s",
		e.Package, e.Version, e.Constraint, e.DemandedBy)
}

// SlotConflictError reports two selected packages of the same name landing
// in the same slot.
type SlotConflictError struct {
	Package  atom.PackageID
	Slot     string
	Conflict atom.PackageID
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("%s occupies slot %q already claimed by %s", e.Package, e.Slot, e.Conflict)
}

// UnresolvedBlockerError aggregates the blockers no action could be
// constructed for.
type UnresolvedBlockerError struct {
	Unresolved []blockers.Unresolved
}

func (e *UnresolvedBlockerError) Error() string {
	reasons := make([]string, len(e.Unresolved))
	for i, u := range e.Unresolved {
		reasons[i] = u.Reason
	}
	return fmt.Sprintf("unresolved blockers: %s", strings.Join(reasons, "; "))
}
