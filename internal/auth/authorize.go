package auth

import (
	"sort"
	"strings"
)

// PermissionSet is a resolved, case-folded set of permission names.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from names, folding case.
func NewPermissionSet(names ...string) PermissionSet {
	set := make(PermissionSet, len(names))
	for _, n := range names {
		if n = normalizeName(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// Has reports whether name is in the set, ignoring case.
func (s PermissionSet) Has(name string) bool {
	_, ok := s[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// HasAny reports whether at least one of names is in the set. An empty list is false.
func (s PermissionSet) HasAny(names ...string) bool {
	for _, n := range names {
		if s.Has(n) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of names is in the set. An empty list is true.
func (s PermissionSet) HasAll(names ...string) bool {
	for _, n := range names {
		if !s.Has(n) {
			return false
		}
	}
	return true
}

// Names returns the members in sorted order.
func (s PermissionSet) Names() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
