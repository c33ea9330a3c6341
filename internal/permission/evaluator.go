// Package permission decides whether a set of held capability keys
// ("module.action") satisfies a requirement. It does no I/O.
//
// Two modes exist and are deliberately kept apart:
//
//   - Any: exact match, then action synonyms, then (for a bare module name)
//     any key under that module.
//   - All: every required key held exactly. No synonyms, no prefix.
package permission

import (
	"sort"
	"strings"
)

// Set holds lower-cased capability keys.
type Set map[string]struct{}

// NewSet normalizes keys into a Set. Blank keys are dropped.
func NewSet(keys ...string) Set {
	s := make(Set, len(keys))
	for _, k := range keys {
		k = normalize(k)
		if k == "" {
			continue
		}
		s[k] = struct{}{}
	}
	return s
}

// Has reports whether key is held exactly (case-insensitive).
func (s Set) Has(key string) bool {
	_, ok := s[normalize(key)]
	return ok
}

// Keys returns the held keys sorted.
func (s Set) Keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var synonymClasses = [][]string{
	{"read", "view", "list"},
	{"edit", "update"},
	{"create", "add"},
	{"delete", "remove"},
}

var synonyms = func() map[string][]string {
	m := make(map[string][]string)
	for _, class := range synonymClasses {
		for _, a := range class {
			m[a] = class
		}
	}
	return m
}()

// Synonyms returns the actions equivalent to action, itself included.
// An action outside every class only matches itself.
func Synonyms(action string) []string {
	action = normalize(action)
	if class, ok := synonyms[action]; ok {
		return class
	}
	return []string{action}
}

// Any reports whether held satisfies at least one of required.
// An empty requirement is never satisfied.
func Any(held Set, required ...string) bool {
	for _, r := range required {
		if satisfies(held, r) {
			return true
		}
	}
	return false
}

// All reports whether every required key is held exactly.
// An empty requirement is vacuously satisfied.
func All(held Set, required ...string) bool {
	for _, r := range required {
		if !held.Has(r) {
			return false
		}
	}
	return true
}

func satisfies(held Set, required string) bool {
	required = normalize(required)
	if required == "" {
		return false
	}
	if _, ok := held[required]; ok {
		return true
	}
	module, action, dotted := strings.Cut(required, ".")
	if dotted {
		for _, a := range Synonyms(action) {
			if _, ok := held[module+"."+a]; ok {
				return true
			}
		}
		return false
	}
	prefix := required + "."
	for k := range held {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

func normalize(k string) string {
	return strings.ToLower(strings.TrimSpace(k))
}
