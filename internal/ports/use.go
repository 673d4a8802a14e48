package ports

import "strings"

// UseCondition gates a dependency edge on the active USE-flag set.
type UseCondition interface {
	// Eval reports whether the condition holds for the given USE set.
	Eval(use map[string]bool) bool
	String() string
}

// Always is the unconditional edge.
type Always struct{}

func (Always) Eval(map[string]bool) bool { return true }
func (Always) String() string            { return "always" }

// IfEnabled holds when the named flag is enabled.
type IfEnabled struct{ Flag string }

func (c IfEnabled) Eval(use map[string]bool) bool { return use[c.Flag] }
func (c IfEnabled) String() string                { return c.Flag + "?" }

// IfDisabled holds when the named flag is disabled.
type IfDisabled struct{ Flag string }

func (c IfDisabled) Eval(use map[string]bool) bool { return !use[c.Flag] }
func (c IfDisabled) String() string                { return "!" + c.Flag + "?" }

// And holds when every child condition holds.
type And struct{ Conditions []UseCondition }

func (c And) Eval(use map[string]bool) bool {
	for _, sub := range c.Conditions {
		if !sub.Eval(use) {
			return false
		}
	}
	return true
}

func (c And) String() string { return "and(" + joinConditions(c.Conditions) + ")" }

// Or holds when at least one child condition holds.
type Or struct{ Conditions []UseCondition }

func (c Or) Eval(use map[string]bool) bool {
	for _, sub := range c.Conditions {
		if sub.Eval(use) {
			return true
		}
	}
	return false
}

func (c Or) String() string { return "or(" + joinConditions(c.Conditions) + ")" }

func joinConditions(conds []UseCondition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// ParseUseCondition parses the manifest form of a condition: "", "flag?" or
// "!flag?". Compound conditions are expressed in manifests as a list and
// combined with And by the loader.
func ParseUseCondition(s string) UseCondition {
	s = strings.TrimSpace(s)
	if s == "" {
		return Always{}
	}
	neg := false
	if strings.HasPrefix(s, "!") {
		neg = true
		s = s[1:]
	}
	s = strings.TrimSuffix(s, "?")
	if s == "" {
		return Always{}
	}
	if neg {
		return IfDisabled{Flag: s}
	}
	return IfEnabled{Flag: s}
}
