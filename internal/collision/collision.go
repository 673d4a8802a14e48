// Package collision classifies the files a package is about to install
// against the recorded path ownership index and the live filesystem.
//
// Every installed path is owned by exactly one package; this package is
// where that exclusivity is enforced.
package collision

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/store"
)

// Type classifies one collision.
type Type int

const (
	// OwnedByOther: the path is already owned by a different package.
	// Never auto-acceptable.
	OwnedByOther Type = iota
	// Orphaned: the path exists on disk with no recorded owner. May be
	// overwritten.
	Orphaned
	// TypeMismatch: a directory/file kind conflict exists on disk.
	// Never acceptable.
	TypeMismatch
)

func (t Type) String() string {
	switch t {
	case OwnedByOther:
		return "owned-by-other"
	case Orphaned:
		return "orphaned"
	case TypeMismatch:
		return "type-mismatch"
	default:
		return "unknown"
	}
}

// Config controls which paths are exempt from collision checking.
type Config struct {
	// IgnorePatterns are filepath.Match globs (matched against the full
	// path and against every segment-aligned path suffix, so "*/.keep"
	// covers "/var/lib/.keep") that are always safe, e.g. generated index
	// files like "*/dir" or "ld.so.cache".
	IgnorePatterns []string
	// TolerantTrees are path prefixes (documentation, man pages) inside
	// which collisions are tolerated when configured.
	TolerantTrees []string
	// Force accepts every collision regardless of classification.
	Force bool
}

// DefaultConfig returns the stock ignore rules.
func DefaultConfig() Config {
	return Config{
		IgnorePatterns: []string{
			"*/.keep",
			"*/dir", // info index, regenerated on merge
			"*.pyc",
		},
		TolerantTrees: []string{
			"/usr/share/doc",
			"/usr/share/man",
			"/usr/share/info",
		},
	}
}

// Collision is one classified conflict for a candidate file.
type Collision struct {
	Path       string
	Type       Type
	Owner      atom.PackageID // valid for OwnedByOther
	OwnerSlot  string
	Acceptable bool
}

// Result is the outcome of checking one package's file set.
type Result struct {
	Collisions []Collision
	SafeFiles  []string
	// CanProceed is true iff every collision is independently acceptable
	// (or Force is set).
	CanProceed bool
}

type owner struct {
	id   atom.PackageID
	slot string
}

// Detector maintains the path-to-owner index consulted during a
// transaction. It is not safe for concurrent use; the transaction engine
// owns it exclusively (single-writer discipline).
type Detector struct {
	cfg    Config
	root   string
	owners map[string]owner
}

// New creates a Detector rooted at the given filesystem root.
func New(cfg Config, root string) *Detector {
	return &Detector{
		cfg:    cfg,
		root:   root,
		owners: make(map[string]owner),
	}
}

// NewFromStore creates a Detector pre-populated with every recorded file
// owner in the database. Directories are skipped; they merge freely and
// carry no exclusive owner.
func NewFromStore(cfg Config, root string, s *store.Store) (*Detector, error) {
	d := New(cfg, root)
	fileOwners, err := s.ListFileOwners()
	if err != nil {
		return nil, err
	}
	for _, fo := range fileOwners {
		if ports.FileType(fo.Type) == ports.FileDirectory {
			continue
		}
		d.owners[fo.Path] = owner{id: fo.ID, slot: fo.Slot}
	}
	return d, nil
}

// RegisterFiles records ownership of the given files by the package.
// Directories are not registered; ownership is exclusive only for leaves.
func (d *Detector) RegisterFiles(id atom.PackageID, slot string, files []ports.InstalledFile) {
	for _, f := range files {
		if f.Type == ports.FileDirectory {
			continue
		}
		d.owners[f.Path] = owner{id: id, slot: slot}
	}
}

// UnregisterPackage drops every path owned by the package from the index.
func (d *Detector) UnregisterPackage(id atom.PackageID, slot string) {
	for path, o := range d.owners {
		if o.id == id && o.slot == slot {
			delete(d.owners, path)
		}
	}
}

// Owner returns the recorded owner of a path, if any.
func (d *Detector) Owner(path string) (atom.PackageID, string, bool) {
	o, ok := d.owners[path]
	return o.id, o.slot, ok
}

// CheckCollisions classifies every candidate file. Paths already owned by
// the same package (any slot match is exact: id and slot) are safe, as are
// ignored patterns and tolerant trees.
func (d *Detector) CheckCollisions(id atom.PackageID, slot string, files []ports.InstalledFile) Result {
	log := logging.GetLogger("collision")

	var res Result
	for _, f := range files {
		if d.exempt(f.Path) {
			res.SafeFiles = append(res.SafeFiles, f.Path)
			continue
		}

		// Candidate directories merge with existing directories; only a
		// non-directory on disk at that path is a conflict.
		if f.Type == ports.FileDirectory {
			onDisk, diskIsDir, err := d.statDisk(f.Path)
			if err != nil {
				res.Collisions = append(res.Collisions, Collision{Path: f.Path, Type: TypeMismatch})
				continue
			}
			if onDisk && !diskIsDir {
				res.Collisions = append(res.Collisions, Collision{Path: f.Path, Type: TypeMismatch})
				continue
			}
			res.SafeFiles = append(res.SafeFiles, f.Path)
			continue
		}

		if o, ok := d.owners[f.Path]; ok {
			if o.id == id && o.slot == slot {
				// Re-merge over our own files.
				res.SafeFiles = append(res.SafeFiles, f.Path)
				continue
			}
			res.Collisions = append(res.Collisions, Collision{
				Path:      f.Path,
				Type:      OwnedByOther,
				Owner:     o.id,
				OwnerSlot: o.slot,
			})
			continue
		}

		// No recorded owner: look at the live filesystem.
		onDisk, diskIsDir, err := d.statDisk(f.Path)
		if err != nil {
			// Unreadable paths are reported as unacceptable mismatches
			// rather than silently merged over.
			res.Collisions = append(res.Collisions, Collision{Path: f.Path, Type: TypeMismatch})
			continue
		}
		if !onDisk {
			res.SafeFiles = append(res.SafeFiles, f.Path)
			continue
		}

		if diskIsDir {
			// Candidate leaf vs on-disk directory.
			res.Collisions = append(res.Collisions, Collision{Path: f.Path, Type: TypeMismatch})
			continue
		}

		res.Collisions = append(res.Collisions, Collision{
			Path:       f.Path,
			Type:       Orphaned,
			Acceptable: true,
		})
	}

	res.CanProceed = true
	for i := range res.Collisions {
		c := &res.Collisions[i]
		if d.cfg.Force {
			c.Acceptable = true
		}
		if !c.Acceptable {
			res.CanProceed = false
		}
	}

	if len(res.Collisions) > 0 {
		log.Debug().
			Str("package", id.String()).
			Int("collisions", len(res.Collisions)).
			Bool("can_proceed", res.CanProceed).
			Msg("collision check")
	}

	return res
}

// exempt reports whether the path is covered by ignore globs or a tolerant
// tree.
func (d *Detector) exempt(path string) bool {
	// filepath.Match wildcards never cross "/", so a slashed pattern like
	// "*/.keep" is tried against every segment-aligned suffix of the path
	// ("var/lib/.keep", "lib/.keep", ".keep"). The one-segment suffix is
	// the base name, which is what unslashed patterns match.
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for _, pat := range d.cfg.IgnorePatterns {
		if ok, _ := filepath.Match(pat, path); ok {
			return true
		}
		for i := range segs {
			if ok, _ := filepath.Match(pat, strings.Join(segs[i:], "/")); ok {
				return true
			}
		}
	}
	for _, tree := range d.cfg.TolerantTrees {
		if path == tree || strings.HasPrefix(path, tree+"/") {
			return true
		}
	}
	return false
}

// statDisk checks whether the path exists under the detector root and
// whether it is a directory. Symlinks are not followed.
func (d *Detector) statDisk(path string) (exists, isDir bool, err error) {
	full := filepath.Join(d.root, path)
	info, err := os.Lstat(full)
	if os.IsNotExist(err) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return true, info.IsDir(), nil
}
