package atom

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed ports version: dotted numeric components, an optional
// stage suffix (_alpha, _beta, _pre, _rc, _p with an optional number), and an
// optional -rN revision.
type Version struct {
	Components []int
	Suffix     string // "", "alpha", "beta", "pre", "rc", "p"
	SuffixNum  int
	Revision   int
}

// suffixRank orders stage suffixes relative to a plain release (rank 0).
var suffixRank = map[string]int{
	"alpha": -4,
	"beta":  -3,
	"pre":   -2,
	"rc":    -1,
	"":      0,
	"p":     1,
}

// ParseVersion parses a version string such as "2.39.0", "1.2_rc1" or
// "5.1.0-r3".
func ParseVersion(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("empty version string")
	}

	rest := s

	// Split off the -rN revision.
	var rev int
	if idx := strings.LastIndex(rest, "-r"); idx > 0 {
		n, err := strconv.Atoi(rest[idx+2:])
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid revision in version %q", s)
		}
		rev = n
		rest = rest[:idx]
	}

	// Split off the _suffix.
	var suffix string
	var suffixNum int
	if idx := strings.IndexByte(rest, '_'); idx >= 0 {
		tail := rest[idx+1:]
		rest = rest[:idx]

		name := strings.TrimRight(tail, "0123456789")
		if _, ok := suffixRank[name]; !ok || name == "" {
			return Version{}, fmt.Errorf("unknown suffix %q in version %q", tail, s)
		}
		suffix = name
		if num := tail[len(name):]; num != "" {
			n, err := strconv.Atoi(num)
			if err != nil {
				return Version{}, fmt.Errorf("invalid suffix number in version %q", s)
			}
			suffixNum = n
		}
	}

	parts := strings.Split(rest, ".")
	components := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid version component %q in %q", p, s)
		}
		components = append(components, n)
	}

	return Version{
		Components: components,
		Suffix:     suffix,
		SuffixNum:  suffixNum,
		Revision:   rev,
	}, nil
}

// MustParseVersion parses s and panics on error. Intended for tests and
// static tables.
func MustParseVersion(s string) Version {
	v, err := ParseVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// Compare returns -1, 0 or 1 as v sorts before, equal to, or after other.
func (v Version) Compare(other Version) int {
	n := len(v.Components)
	if len(other.Components) > n {
		n = len(other.Components)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v.Components) {
			a = v.Components[i]
		}
		if i < len(other.Components) {
			b = other.Components[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}

	if ra, rb := suffixRank[v.Suffix], suffixRank[other.Suffix]; ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if v.SuffixNum != other.SuffixNum {
		if v.SuffixNum < other.SuffixNum {
			return -1
		}
		return 1
	}
	if v.Revision != other.Revision {
		if v.Revision < other.Revision {
			return -1
		}
		return 1
	}
	return 0
}

// Equal reports whether two versions compare equal.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

// Less reports whether v sorts strictly before other.
func (v Version) Less(other Version) bool { return v.Compare(other) < 0 }

// IsZero reports whether v is the zero value (no components parsed).
func (v Version) IsZero() bool { return len(v.Components) == 0 }

// String renders the version in its canonical form.
func (v Version) String() string {
	var sb strings.Builder
	for i, c := range v.Components {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.Itoa(c))
	}
	if v.Suffix != "" {
		sb.WriteByte('_')
		sb.WriteString(v.Suffix)
		if v.SuffixNum > 0 {
			sb.WriteString(strconv.Itoa(v.SuffixNum))
		}
	}
	if v.Revision > 0 {
		sb.WriteString("-r")
		sb.WriteString(strconv.Itoa(v.Revision))
	}
	return sb.String()
}
