// Package blockers parses blocker declarations and resolves active
// conflicts between a candidate install set and the installed set.
//
// The declaration grammar is "!atom" for soft blockers and "!!atom" for
// hard blockers, where atom may carry a version operator:
//
//	!app-misc/legacy-tool
//	!!<sys-libs/oldssl-1.1.0
package blockers

import (
	"fmt"
	"strings"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// InvalidBlockerError reports a malformed blocker declaration string.
type InvalidBlockerError struct {
	Declaration string
	Reason      string
}

func (e *InvalidBlockerError) Error() string {
	return fmt.Sprintf("invalid blocker %q: %s", e.Declaration, e.Reason)
}

// Parse parses one blocker declaration made by the given package version.
func Parse(declarer atom.PackageID, declarerVersion atom.Version, s string) (ports.Blocker, error) {
	if !strings.HasPrefix(s, "!") {
		return ports.Blocker{}, &InvalidBlockerError{Declaration: s, Reason: "missing '!' prefix"}
	}

	btype := ports.SoftBlocker
	rest := s[1:]
	if strings.HasPrefix(rest, "!") {
		btype = ports.HardBlocker
		rest = rest[1:]
	}
	if rest == "" {
		return ports.Blocker{}, &InvalidBlockerError{Declaration: s, Reason: "missing atom"}
	}

	a, err := atom.ParseAtom(rest)
	if err != nil {
		return ports.Blocker{}, &InvalidBlockerError{Declaration: s, Reason: err.Error()}
	}

	return ports.Blocker{
		Package:        declarer,
		Version:        declarerVersion,
		Blocked:        a.ID,
		BlockedVersion: a.Version,
		Type:           btype,
	}, nil
}

// ParseAll parses every declaration for a package, failing on the first
// malformed string.
func ParseAll(declarer atom.PackageID, declarerVersion atom.Version, decls []string) ([]ports.Blocker, error) {
	out := make([]ports.Blocker, 0, len(decls))
	for _, s := range decls {
		b, err := Parse(declarer, declarerVersion, s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// ActionKind is the kind of proposed blocker resolution.
type ActionKind int

const (
	// OrderedInstall sequences two packages of the same transaction so
	// they are never simultaneously present mid-install.
	OrderedInstall ActionKind = iota
	// UpgradeTarget replaces the blocked package with a newer
	// non-conflicting version.
	UpgradeTarget
	// DowngradeTarget replaces the blocked package with an older
	// non-conflicting version.
	DowngradeTarget
	// RemoveTarget removes the blocked package.
	RemoveTarget
)

func (k ActionKind) String() string {
	switch k {
	case OrderedInstall:
		return "ordered-install"
	case UpgradeTarget:
		return "upgrade"
	case DowngradeTarget:
		return "downgrade"
	case RemoveTarget:
		return "remove"
	default:
		return "unknown"
	}
}

// Action is one proposed resolution for an active blocker.
type Action struct {
	Kind    ActionKind
	Blocker ports.Blocker
	Target  atom.PackageID
	// Version is the replacement version for upgrades and downgrades.
	Version atom.Version
	// InstallFirst names the package to sequence first for OrderedInstall.
	InstallFirst atom.PackageID
}

// Unresolved is a blocker no action could be constructed for. It must halt
// the transaction.
type Unresolved struct {
	Blocker ports.Blocker
	Reason  string
}

// Result partitions active blockers into resolvable and unresolvable.
type Result struct {
	Resolved   []Action
	Unresolved []Unresolved
}

// Available is the subset of the repository index the resolver needs.
type Available interface {
	// Versions returns every known candidate for the package, newest first.
	Versions(id atom.PackageID) []*ports.PackageInfo
}

// Resolver holds the registered blocker declarations for a resolution run.
type Resolver struct {
	registered []ports.Blocker
}

// NewResolver returns an empty blocker resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Register adds one blocker declaration.
func (r *Resolver) Register(b ports.Blocker) {
	r.registered = append(r.registered, b)
}

// RegisterPackage adds every blocker declared by a candidate.
func (r *Resolver) RegisterPackage(p *ports.PackageInfo) {
	r.registered = append(r.registered, p.Blockers...)
}

// presence is one package instance present in the scenario.
type presence struct {
	version    atom.Version
	installing bool
}

// Check returns the active blockers: those whose declarer is present
// (installing or installed) and whose blocked target is present with a
// matching version. Blockers from the to-install set are considered in
// addition to explicitly registered ones.
func (r *Resolver) Check(toInstall []*ports.PackageInfo, installed []*ports.InstalledPackage) []ports.Blocker {
	all := make([]ports.Blocker, 0, len(r.registered))
	all = append(all, r.registered...)
	for _, p := range toInstall {
		all = append(all, p.Blockers...)
	}

	present := make(map[atom.PackageID][]presence)
	for _, p := range toInstall {
		present[p.ID] = append(present[p.ID], presence{version: p.Version, installing: true})
	}
	for _, p := range installed {
		present[p.ID] = append(present[p.ID], presence{version: p.Version})
	}

	var active []ports.Blocker
	seen := make(map[string]bool)
	for _, b := range all {
		if !declarerPresent(present, b) {
			continue
		}
		if !blockedPresent(present, b) {
			continue
		}
		key := fmt.Sprintf("%s|%s|%s|%s|%d", b.Package, b.Version, b.Blocked, b.BlockedVersion, b.Type)
		if seen[key] {
			continue
		}
		seen[key] = true
		active = append(active, b)
	}
	return active
}

func declarerPresent(present map[atom.PackageID][]presence, b ports.Blocker) bool {
	for _, p := range present[b.Package] {
		if b.Version.IsZero() || p.version.Equal(b.Version) {
			return true
		}
	}
	return false
}

func blockedPresent(present map[atom.PackageID][]presence, b ports.Blocker) bool {
	for _, p := range present[b.Blocked] {
		// A package never blocks its own instance.
		if b.Blocked == b.Package && p.version.Equal(b.Version) {
			continue
		}
		if b.BlockedVersion.Matches(p.version) {
			return true
		}
	}
	return false
}

// Resolve proposes an action per active blocker. Soft blockers between two
// packages of the same transaction become ordered installs; otherwise a
// non-conflicting version of the blocked package is searched in the
// available index (upgrade preferred over downgrade); hard blockers whose
// installed target has no alternative propose removal. Anything else is
// unresolved and must halt the transaction.
func (r *Resolver) Resolve(active []ports.Blocker, toInstall []*ports.PackageInfo, installed []*ports.InstalledPackage, avail Available) Result {
	log := logging.GetLogger("blockers")

	installing := make(map[atom.PackageID]atom.Version)
	for _, p := range toInstall {
		installing[p.ID] = p.Version
	}
	installedVersions := make(map[atom.PackageID]atom.Version)
	for _, p := range installed {
		installedVersions[p.ID] = p.Version
	}

	var res Result
	for _, b := range active {
		_, declarerInstalling := installing[b.Package]
		blockedInstallingVersion, blockedInstalling := installing[b.Blocked]
		blockedInstalledVersion, blockedInstalled := installedVersions[b.Blocked]

		// Soft blocker, both sides in this transaction: sequencing alone
		// resolves it.
		if b.Type == ports.SoftBlocker && declarerInstalling && blockedInstalling {
			res.Resolved = append(res.Resolved, Action{
				Kind:         OrderedInstall,
				Blocker:      b,
				Target:       b.Blocked,
				InstallFirst: b.Blocked,
			})
			continue
		}

		// Search for a non-conflicting replacement version.
		current := blockedInstalledVersion
		if blockedInstalling {
			current = blockedInstallingVersion
		}
		if alt, ok := findNonConflicting(avail, b, current); ok {
			kind := DowngradeTarget
			if current.Less(alt) {
				kind = UpgradeTarget
			}
			res.Resolved = append(res.Resolved, Action{
				Kind:    kind,
				Blocker: b,
				Target:  b.Blocked,
				Version: alt,
			})
			continue
		}

		// Hard blocker against an installed target with no alternative:
		// remove the target.
		if b.Type == ports.HardBlocker && blockedInstalled && !blockedInstalling {
			res.Resolved = append(res.Resolved, Action{
				Kind:    RemoveTarget,
				Blocker: b,
				Target:  b.Blocked,
			})
			continue
		}

		reason := fmt.Sprintf("%s blocker %s (by %s-%s): no non-conflicting version of %s available",
			capitalize(b.Type.String()), b.Blocked, b.Package, b.Version, b.Blocked)
		log.Warn().Str("blocker", b.Blocked.String()).Str("declarer", b.Package.String()).Msg("unresolved blocker")
		res.Unresolved = append(res.Unresolved, Unresolved{Blocker: b, Reason: reason})
	}

	return res
}

// findNonConflicting returns the best replacement version of the blocked
// package that does not match the blocker's version constraint, preferring
// the newest such version.
func findNonConflicting(avail Available, b ports.Blocker, current atom.Version) (atom.Version, bool) {
	if avail == nil {
		return atom.Version{}, false
	}
	for _, cand := range avail.Versions(b.Blocked) {
		if b.BlockedVersion.Matches(cand.Version) {
			continue
		}
		if cand.Version.Equal(current) {
			continue
		}
		return cand.Version, true
	}
	return atom.Version{}, false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
