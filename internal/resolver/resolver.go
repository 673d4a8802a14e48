// Package resolver turns a user's package request into a concrete,
// conflict-free, ordered set of package versions.
//
// The search keeps a FIFO of packages still to decide and a map of already
// selected versions. Candidate versions are tried newest-first; a choice
// point is recorded only when more than one version is viable. On a
// conflict with no remaining alternative the most recent choice point is
// restored and the next untried version is taken, up to a bounded number
// of backtracks.
package resolver

import (
	"fmt"
	"sort"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
	"github.com/blackwell-systems/portforge/internal/depgraph"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// DefaultMaxBacktracks bounds the search when the request is unsatisfiable
// in a way that keeps failures fast enough to act on.
const DefaultMaxBacktracks = 64

// Available is the repository index consumed by the resolver. Versions
// must be returned newest first with a stable order among equal versions
// (load order), which is what makes resolution deterministic.
type Available interface {
	Versions(id atom.PackageID) []*ports.PackageInfo
}

// Options configures one resolution run.
type Options struct {
	// NoDeps resolves only the requested packages, enqueueing no
	// dependencies.
	NoDeps bool
	// Force is passed through to the transaction layer; the resolver
	// records it so a Resolution is self-describing.
	Force bool
	// PreferOldest inverts the default newest-first candidate order.
	PreferOldest bool
	// AllowSlotConflicts disables the same-name same-slot check.
	AllowSlotConflicts bool
	// MaxBacktracks bounds the number of restored choice points; zero
	// means DefaultMaxBacktracks.
	MaxBacktracks int
	// Use is the active USE-flag set conditional dependencies evaluate
	// against.
	Use map[string]bool
	// Bootstrap maps bootstrap-capable packages to their bootstrap build
	// target, consulted during cycle breaking.
	Bootstrap map[atom.PackageID]string
}

func (o Options) maxBacktracks() int {
	if o.MaxBacktracks <= 0 {
		return DefaultMaxBacktracks
	}
	return o.MaxBacktracks
}

// Resolution is the solver output consumed by the transaction engine.
type Resolution struct {
	// Packages maps each selected package to its chosen candidate.
	Packages map[atom.PackageID]*ports.PackageInfo
	// Order is the linear build order, dependencies first.
	Order []atom.PackageID
	// Decisions is the decision trail for diagnostics and dry-run output.
	Decisions []Decision
	// Breaks records how dependency cycles were neutralized.
	Breaks []depgraph.Break
	// BlockerActions are the resolutions for active blockers; RemoveTarget
	// entries become removal operations.
	BlockerActions []blockers.Action
	// Backtracks is the number of choice points restored during the search.
	Backtracks int
}

// Resolver resolves requests against an available index and the installed
// set. A Resolver is single-threaded; choice-point snapshots are value
// copies, so no synchronization exists or is needed.
type Resolver struct {
	avail     Available
	installed []*ports.InstalledPackage
	opts      Options
}

// New creates a Resolver.
func New(avail Available, installed []*ports.InstalledPackage, opts Options) *Resolver {
	return &Resolver{avail: avail, installed: installed, opts: opts}
}

// Resolve computes a Resolution for the requested atoms. Version and slot
// constraints on the request atoms bind the respective packages for the
// whole search.
func (r *Resolver) Resolve(requested []atom.Atom) (*Resolution, error) {
	log := logging.GetLogger("resolver")

	roots := make(map[atom.PackageID][]atom.Atom, len(requested))
	queue := make([]atom.PackageID, 0, len(requested))
	for _, a := range requested {
		if _, seen := roots[a.ID]; !seen {
			queue = append(queue, a.ID)
		}
		roots[a.ID] = append(roots[a.ID], a)
	}

	st := newState(queue)
	var stack []*choicePoint
	backtracks := 0

	for {
		id, ok := st.pop()
		if !ok {
			break
		}

		if chosen, done := st.selected[id]; done {
			// Re-queued package: verify the earlier choice still holds
			// under constraints added since.
			if err := r.checkConstraints(st, id, chosen); err != nil {
				next, berr := r.backtrack(&stack, &backtracks, err)
				if berr != nil {
					return nil, berr
				}
				st = next
			}
			continue
		}

		viable := r.viableVersions(st, id, roots[id])
		if len(viable.candidates) == 0 {
			next, berr := r.backtrack(&stack, &backtracks, viable.firstErr(id))
			if berr != nil {
				return nil, berr
			}
			st = next
			continue
		}

		if len(viable.candidates) > 1 {
			stack = append(stack, &choicePoint{
				pkg:        id,
				saved:      st.clone(),
				candidates: viable.candidates,
				next:       1,
			})
		}

		r.selectCandidate(st, viable.candidates[0], "newest viable version", false)
	}

	log.Debug().Int("selected", len(st.selected)).Int("backtracks", backtracks).Msg("search complete")

	res := &Resolution{
		Packages:   st.selected,
		Decisions:  st.decisions,
		Backtracks: backtracks,
	}
	if err := r.finish(res); err != nil {
		return nil, err
	}
	return res, nil
}

// viable is the filtered candidate list for one package, keeping the first
// constraint violation for error reporting.
type viable struct {
	candidates []*ports.PackageInfo
	errs       []error
}

func (v viable) firstErr(id atom.PackageID) error {
	if len(v.errs) > 0 {
		return v.errs[0]
	}
	return fmt.Errorf("no versions of %s available", id)
}

func (r *Resolver) viableVersions(st *state, id atom.PackageID, roots []atom.Atom) viable {
	all := r.avail.Versions(id)
	candidates := make([]*ports.PackageInfo, len(all))
	copy(candidates, all)
	if r.opts.PreferOldest {
		for i, j := 0, len(candidates)-1; i < j; i, j = i+1, j-1 {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		}
	}

	var out viable
	for _, cand := range candidates {
		if err := r.checkRoots(cand, roots); err != nil {
			out.errs = append(out.errs, err)
			continue
		}
		if err := r.checkConstraints(st, id, cand); err != nil {
			out.errs = append(out.errs, err)
			continue
		}
		out.candidates = append(out.candidates, cand)
	}
	return out
}

// checkRoots validates a candidate against the constraints of the request
// atoms naming its package.
func (r *Resolver) checkRoots(cand *ports.PackageInfo, roots []atom.Atom) error {
	for _, a := range roots {
		if !a.Version.Matches(cand.Version) {
			return &VersionConflictError{
				Package:    cand.ID,
				Version:    cand.Version,
				Constraint: a.Version,
				DemandedBy: cand.ID, // requested directly
			}
		}
		if a.Slot != "" && a.Slot != cand.EffectiveSlot() {
			return &SlotConflictError{Package: cand.ID, Slot: cand.EffectiveSlot(), Conflict: cand.ID}
		}
	}
	return nil
}

// checkConstraints validates a candidate against every already-selected
// package: its version must match each active dependency on it, and unless
// slot conflicts are allowed, no selected package of the same name may
// claim the same slot.
func (r *Resolver) checkConstraints(st *state, id atom.PackageID, cand *ports.PackageInfo) error {
	for selID, sel := range st.selected {
		if selID == id {
			continue
		}
		for _, dep := range sel.AllDependencies() {
			if dep.Package != id || !dep.Active(r.opts.Use) {
				continue
			}
			if !dep.Version.Matches(cand.Version) {
				return &VersionConflictError{
					Package:    id,
					Version:    cand.Version,
					Constraint: dep.Version,
					DemandedBy: selID,
				}
			}
			if dep.Slot != "" && dep.Slot != cand.EffectiveSlot() {
				return &SlotConflictError{Package: id, Slot: cand.EffectiveSlot(), Conflict: selID}
			}
		}
		if !r.opts.AllowSlotConflicts &&
			selID.Name == id.Name && selID != id &&
			sel.EffectiveSlot() == cand.EffectiveSlot() {
			return &SlotConflictError{Package: id, Slot: cand.EffectiveSlot(), Conflict: selID}
		}
	}
	return nil
}

// selectCandidate commits a candidate into the state and enqueues its
// active dependencies.
func (r *Resolver) selectCandidate(st *state, cand *ports.PackageInfo, reason string, backtracked bool) {
	st.selected[cand.ID] = cand
	st.decisions = append(st.decisions, Decision{
		Package:   cand.ID,
		Version:   cand.Version,
		Slot:      cand.EffectiveSlot(),
		Reason:    reason,
		Backtrack: backtracked,
	})
	if r.opts.NoDeps {
		return
	}
	for _, dep := range cand.AllDependencies() {
		if dep.Active(r.opts.Use) {
			st.push(dep.Package)
		}
	}
}

// backtrack restores the most recent choice point and advances to its next
// untried candidate. When the stack is exhausted or the backtrack budget
// is spent, the triggering constraint violation is surfaced as a
// ResolutionError.
func (r *Resolver) backtrack(stack *[]*choicePoint, backtracks *int, cause error) (*state, error) {
	log := logging.GetLogger("resolver")

	for len(*stack) > 0 {
		if *backtracks >= r.opts.maxBacktracks() {
			return nil, &ResolutionError{
				Package:    causePackage(cause),
				Constraint: cause.Error(),
				Backtracks: *backtracks,
				Exhausted:  true,
			}
		}

		cp := (*stack)[len(*stack)-1]
		if cp.next >= len(cp.candidates) {
			*stack = (*stack)[:len(*stack)-1]
			continue
		}

		cand := cp.candidates[cp.next]
		cp.next++
		*backtracks++

		st := cp.saved.clone()
		// The restored snapshot predates the choice, so the candidate must
		// be re-validated against it.
		if err := r.checkConstraints(st, cp.pkg, cand); err != nil {
			continue
		}

		log.Debug().
			Str("package", cp.pkg.String()).
			Str("version", cand.Version.String()).
			Int("backtracks", *backtracks).
			Msg("backtracking to alternative version")

		r.selectCandidate(st, cand, fmt.Sprintf("backtracked: %v", cause), true)
		return st, nil
	}

	return nil, &ResolutionError{
		Package:    causePackage(cause),
		Constraint: cause.Error(),
		Backtracks: *backtracks,
	}
}

func causePackage(err error) atom.PackageID {
	switch e := err.(type) {
	case *VersionConflictError:
		return e.Package
	case *SlotConflictError:
		return e.Package
	default:
		return atom.PackageID{}
	}
}

// finish runs blocker resolution and cycle detection over the selected
// set, then computes the final build order.
func (r *Resolver) finish(res *Resolution) error {
	selected := make([]*ports.PackageInfo, 0, len(res.Packages))
	for _, p := range res.Packages {
		selected = append(selected, p)
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].ID.Less(selected[j].ID) })

	breg := blockers.NewResolver()
	// Installed records carry no blocker declarations; an installed
	// declarer's blockers come from its manifest in the index.
	for _, p := range r.installed {
		for _, cand := range r.avail.Versions(p.ID) {
			if cand.Version.Equal(p.Version) {
				for _, b := range cand.Blockers {
					breg.Register(b)
				}
				break
			}
		}
	}
	active := breg.Check(selected, r.installed)
	if len(active) > 0 {
		var avail blockers.Available
		if a, ok := r.avail.(blockers.Available); ok {
			avail = a
		}
		bres := breg.Resolve(active, selected, r.installed, avail)
		if len(bres.Unresolved) > 0 {
			return &UnresolvedBlockerError{Unresolved: bres.Unresolved}
		}
		res.BlockerActions = bres.Resolved
	}

	g := depgraph.Build(selected, r.opts.Use)
	cycles := g.DetectCycles()
	if len(cycles) > 0 {
		breaks, err := g.BreakCycles(cycles, r.opts.Bootstrap)
		if err != nil {
			return err
		}
		res.Breaks = breaks
	}

	// Ordered-install blocker actions add sequencing edges on top of the
	// dependency order.
	for _, act := range res.BlockerActions {
		if act.Kind == blockers.OrderedInstall {
			g.AddOrderConstraint(act.InstallFirst, act.Blocker.Package)
		}
	}

	order, err := g.Order(r.opts.Bootstrap)
	if err != nil {
		return err
	}
	res.Order = order
	return nil
}
