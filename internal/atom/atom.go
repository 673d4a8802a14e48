// Package atom implements the package identifier, version and version
// constraint model shared by the resolver, blocker and transaction layers.
//
// An atom on the command line or in a manifest looks like:
//
//	sys-libs/glibc
//	>=sys-libs/glibc-2.38.0
//	=dev-lang/python-3.12.1:3.12
//	dev-libs/openssl:3
//
// The optional leading operator constrains the version, the optional
// trailing ":slot" constrains the ABI slot.
package atom

import (
	"fmt"
	"strings"
)

// PackageID identifies a package by its category/name pair. It is the
// primary key for graphs, indices and installed-set membership.
type PackageID struct {
	Category string
	Name     string
}

// String returns the canonical "category/name" form.
func (id PackageID) String() string {
	return id.Category + "/" + id.Name
}

// Less imposes the total ordering by category then name.
func (id PackageID) Less(other PackageID) bool {
	if id.Category != other.Category {
		return id.Category < other.Category
	}
	return id.Name < other.Name
}

// ParsePackageID parses a bare "category/name" string.
func ParsePackageID(s string) (PackageID, error) {
	cat, name, ok := strings.Cut(s, "/")
	if !ok || cat == "" || name == "" {
		return PackageID{}, fmt.Errorf("invalid package id %q: want category/name", s)
	}
	if strings.ContainsAny(cat, " \t:") || strings.ContainsAny(name, " \t:") {
		return PackageID{}, fmt.Errorf("invalid package id %q", s)
	}
	return PackageID{Category: cat, Name: name}, nil
}

// Atom is a parsed versioned package reference with optional operator and
// slot constraint.
type Atom struct {
	ID      PackageID
	Version VersionSpec
	Slot    string // "" means any slot
}

// String renders the atom in its canonical operator-prefixed form.
func (a Atom) String() string {
	s := a.Version.prefix() + a.ID.String() + a.Version.suffix()
	if a.Slot != "" {
		s += ":" + a.Slot
	}
	return s
}

// operator prefixes ordered longest-first so ">=" wins over ">".
var operators = []struct {
	prefix string
	op     Op
}{
	{">=", OpGreaterEqual},
	{"<=", OpLessEqual},
	{">", OpGreaterThan},
	{"<", OpLessThan},
	{"=", OpExact},
	{"~", OpExact}, // ~ matches any revision of the version; revision is part of Version so treat as exact
}

// ParseAtom parses an atom string. A bare "category/name" yields an Any
// version constraint; an operator prefix requires a "-<version>" part.
func ParseAtom(s string) (Atom, error) {
	orig := s
	if s == "" {
		return Atom{}, fmt.Errorf("empty atom")
	}

	var op Op = OpAny
	for _, cand := range operators {
		if strings.HasPrefix(s, cand.prefix) {
			op = cand.op
			s = s[len(cand.prefix):]
			break
		}
	}

	var slot string
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		slot = s[idx+1:]
		s = s[:idx]
		if slot == "" {
			return Atom{}, fmt.Errorf("invalid atom %q: empty slot", orig)
		}
	}

	if op == OpAny {
		id, err := ParsePackageID(s)
		if err != nil {
			return Atom{}, fmt.Errorf("invalid atom %q: %w", orig, err)
		}
		return Atom{ID: id, Version: AnySpec(), Slot: slot}, nil
	}

	// Operator atoms carry a version: cat/name-<version>. The version
	// starts at the last '-' followed by a digit.
	cut := -1
	for i := len(s) - 2; i > 0; i-- {
		if s[i] == '-' && s[i+1] >= '0' && s[i+1] <= '9' {
			cut = i
			break
		}
	}
	if cut < 0 {
		return Atom{}, fmt.Errorf("invalid atom %q: operator requires a version", orig)
	}

	id, err := ParsePackageID(s[:cut])
	if err != nil {
		return Atom{}, fmt.Errorf("invalid atom %q: %w", orig, err)
	}
	ver, err := ParseVersion(s[cut+1:])
	if err != nil {
		return Atom{}, fmt.Errorf("invalid atom %q: %w", orig, err)
	}

	return Atom{ID: id, Version: VersionSpec{Op: op, Version: ver}, Slot: slot}, nil
}
