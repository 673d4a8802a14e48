package atom

// Op selects the comparison a VersionSpec applies.
type Op int

const (
	OpAny Op = iota
	OpExact
	OpGreaterThan
	OpGreaterEqual
	OpLessThan
	OpLessEqual
	OpRange
)

// VersionSpec is a stateless predicate over versions. For OpRange, Min and
// Max are inclusive bounds; a Range with both bounds nil behaves as Any.
type VersionSpec struct {
	Op      Op
	Version Version  // comparison operand for everything but OpAny/OpRange
	Min     *Version // OpRange lower bound, nil for unbounded
	Max     *Version // OpRange upper bound, nil for unbounded
}

// AnySpec returns the constraint matched by every version.
func AnySpec() VersionSpec { return VersionSpec{Op: OpAny} }

// ExactSpec returns the constraint matched only by v.
func ExactSpec(v Version) VersionSpec { return VersionSpec{Op: OpExact, Version: v} }

// RangeSpec returns an inclusive range constraint. Either bound may be nil.
func RangeSpec(min, max *Version) VersionSpec { return VersionSpec{Op: OpRange, Min: min, Max: max} }

// Matches reports whether v satisfies the constraint.
func (s VersionSpec) Matches(v Version) bool {
	switch s.Op {
	case OpAny:
		return true
	case OpExact:
		return v.Compare(s.Version) == 0
	case OpGreaterThan:
		return v.Compare(s.Version) > 0
	case OpGreaterEqual:
		return v.Compare(s.Version) >= 0
	case OpLessThan:
		return v.Compare(s.Version) < 0
	case OpLessEqual:
		return v.Compare(s.Version) <= 0
	case OpRange:
		if s.Min != nil && v.Compare(*s.Min) < 0 {
			return false
		}
		if s.Max != nil && v.Compare(*s.Max) > 0 {
			return false
		}
		return true
	default:
		return false
	}
}

// IsAny reports whether the spec matches every version, including a Range
// with both bounds nil.
func (s VersionSpec) IsAny() bool {
	return s.Op == OpAny || (s.Op == OpRange && s.Min == nil && s.Max == nil)
}

func (s VersionSpec) prefix() string {
	switch s.Op {
	case OpExact:
		return "="
	case OpGreaterThan:
		return ">"
	case OpGreaterEqual:
		return ">="
	case OpLessThan:
		return "<"
	case OpLessEqual:
		return "<="
	default:
		return ""
	}
}

func (s VersionSpec) suffix() string {
	switch s.Op {
	case OpAny, OpRange:
		return ""
	default:
		return "-" + s.Version.String()
	}
}

// String renders the constraint for diagnostics ("any", ">=1.2.3",
// "range[1.0,2.0]").
func (s VersionSpec) String() string {
	switch s.Op {
	case OpAny:
		return "any"
	case OpRange:
		min, max := "", ""
		if s.Min != nil {
			min = s.Min.String()
		}
		if s.Max != nil {
			max = s.Max.String()
		}
		return "range[" + min + "," + max + "]"
	default:
		return s.prefix() + s.Version.String()
	}
}
