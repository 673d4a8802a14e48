package resolver

import (
	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// Decision is one entry of the resolver's decision trail, surfaced by
// --pretend and on resolution failure.
type Decision struct {
	Package   atom.PackageID
	Version   atom.Version
	Slot      string
	Reason    string
	Backtrack bool
}

// state is the resolver's working state. Choice points hold full deep
// copies so a backtrack restores a self-contained snapshot with no shared
// mutable references.
type state struct {
	queue     []atom.PackageID
	selected  map[atom.PackageID]*ports.PackageInfo
	decisions []Decision
}

func newState(queue []atom.PackageID) *state {
	return &state{
		queue:    append([]atom.PackageID(nil), queue...),
		selected: make(map[atom.PackageID]*ports.PackageInfo),
	}
}

// clone deep-copies the mutable containers. PackageInfo values are
// immutable once loaded, so sharing the pointers is safe.
func (s *state) clone() *state {
	c := &state{
		queue:     append([]atom.PackageID(nil), s.queue...),
		selected:  make(map[atom.PackageID]*ports.PackageInfo, len(s.selected)),
		decisions: append([]Decision(nil), s.decisions...),
	}
	for k, v := range s.selected {
		c.selected[k] = v
	}
	return c
}

// pop removes and returns the head of the work queue.
func (s *state) pop() (atom.PackageID, bool) {
	if len(s.queue) == 0 {
		return atom.PackageID{}, false
	}
	id := s.queue[0]
	s.queue = s.queue[1:]
	return id, true
}

// push appends a package to the work queue.
func (s *state) push(id atom.PackageID) {
	s.queue = append(s.queue, id)
}

// choicePoint captures the resolver state before a package with multiple
// viable versions was decided, so the search can resume at the next
// untried candidate.
type choicePoint struct {
	pkg        atom.PackageID
	saved      *state
	candidates []*ports.PackageInfo
	next       int // index of the next untried candidate
}
