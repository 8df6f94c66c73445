package glob

import (
	"path/filepath"
	"strings"
	"sync"
)

const separator = '/'

// HasMeta reports whether pattern contains glob syntax.
func HasMeta(pattern string) bool {
	return strings.ContainsAny(pattern, `*?[\{`)
}

// Matcher tests paths against reservation patterns, caching compiled
// patterns. The zero value is ready to use.
type Matcher struct {
	cache sync.Map // pattern -> [][]segment
}

func (m *Matcher) compile(pattern string) ([][]segment, error) {
	if alts, ok := m.cache.Load(pattern); ok {
		return alts.([][]segment), nil
	}
	alts, err := compile(pattern)
	if err != nil {
		return nil, err
	}
	m.cache.Store(pattern, alts)
	return alts, nil
}

// Match reports whether the concrete path is covered by pattern. "*" stays
// within one segment; a "**" segment matches zero or more segments, so
// "src/**/*.go" covers "src/main.go".
func (m *Matcher) Match(pattern, path string) (bool, error) {
	pattern = filepath.ToSlash(pattern)
	path = filepath.ToSlash(path)
	if pattern == path {
		return true, nil
	}
	if !HasMeta(pattern) {
		return false, nil
	}
	alts, err := m.compile(pattern)
	if err != nil {
		return false, err
	}
	parts := strings.Split(path, "/")
	for _, segs := range alts {
		if matchSegments(segs, parts) {
			return true, nil
		}
	}
	return false, nil
}

// Conflicts reports whether a requested path (concrete or a pattern) can
// touch anything the held pattern covers.
func (m *Matcher) Conflicts(held, requested string) (bool, error) {
	if !HasMeta(requested) {
		return m.Match(held, requested)
	}
	a, err := m.compile(held)
	if err != nil {
		return false, err
	}
	b, err := m.compile(requested)
	if err != nil {
		return false, err
	}
	return anyOverlap(a, b), nil
}
