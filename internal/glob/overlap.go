package glob

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	gobwas "github.com/gobwas/glob"
)

// Limits on a reservation pattern, counted across all segments.
const (
	MaxTokens    = 50
	MaxWildcards = 10
)

// superStar is a whole path segment that matches zero or more segments.
const superStar = "**"

var errBadPattern = errors.New("bad pattern")

// span is an inclusive rune interval; a charset is a sorted list of
// disjoint, non-adjacent spans.
type span struct{ lo, hi rune }

type charset []span

// anyRune is every rune except the separator, which no segment token matches.
var anyRune = charset{{0, separator - 1}, {separator + 1, 0x10FFFF}}

func single(r rune) charset { return charset{{r, r}} }

func (c charset) normalize() charset {
	if len(c) <= 1 {
		return c
	}
	sorted := append(charset(nil), c...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].lo < sorted[j].lo })
	out := charset{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.lo <= last.hi+1 {
			last.hi = max(last.hi, s.hi)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (c charset) intersects(o charset) bool {
	for i, j := 0, 0; i < len(c) && j < len(o); {
		switch {
		case c[i].hi < o[j].lo:
			i++
		case o[j].hi < c[i].lo:
			j++
		default:
			return true
		}
	}
	return false
}

func (c charset) intersect(o charset) charset {
	var out charset
	for i, j := 0, 0; i < len(c) && j < len(o); {
		if lo, hi := max(c[i].lo, o[j].lo), min(c[i].hi, o[j].hi); lo <= hi {
			out = append(out, span{lo, hi})
		}
		if c[i].hi < o[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

// complement returns anyRune minus c.
func (c charset) complement() charset {
	var out charset
	next := rune(0)
	for _, s := range append(c.normalize(), single(separator)...).normalize() {
		if s.lo > next {
			out = append(out, span{next, s.lo - 1})
		}
		next = s.hi + 1
	}
	if next <= 0x10FFFF {
		out = append(out, span{next, 0x10FFFF})
	}
	return out
}

// atom is one token of a segment: a star (any run of non-separator runes)
// or exactly one rune from set. wild marks "?".
type atom struct {
	star bool
	wild bool
	set  charset
}

// segment is either "**" or a sequence of atoms. glob matches the same
// segment text against concrete path segments.
type segment struct {
	super bool
	atoms []atom
	glob  gobwas.Glob
}

// compile expands braces and compiles every alternative of pattern into its
// path segments.
func compile(pattern string) ([][]segment, error) {
	alts, err := expand(filepath.ToSlash(pattern))
	if err != nil {
		return nil, fmt.Errorf("pattern %q: %w", pattern, err)
	}
	out := make([][]segment, 0, len(alts))
	for _, alt := range alts {
		parts := strings.Split(alt, "/")
		segs := make([]segment, 0, len(parts))
		for _, part := range parts {
			if part == superStar {
				segs = append(segs, segment{super: true})
				continue
			}
			atoms, err := compileSegment(part)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, err)
			}
			g, err := gobwas.Compile(part, separator)
			if err != nil {
				return nil, fmt.Errorf("pattern %q: %w", pattern, err)
			}
			segs = append(segs, segment{atoms: atoms, glob: g})
		}
		out = append(out, segs)
	}
	return out, nil
}

func compileSegment(s string) ([]atom, error) {
	runes := []rune(s)
	var atoms []atom
	for i := 0; i < len(runes); i++ {
		switch r := runes[i]; r {
		case '*':
			atoms = append(atoms, atom{star: true})
		case '?':
			atoms = append(atoms, atom{wild: true, set: anyRune})
		case '[':
			set, end, err := compileClass(runes, i+1)
			if err != nil {
				return nil, err
			}
			atoms = append(atoms, atom{set: set})
			i = end
		case '\\':
			i++
			if i == len(runes) {
				return nil, errBadPattern
			}
			atoms = append(atoms, atom{set: single(runes[i])})
		default:
			atoms = append(atoms, atom{set: single(r)})
		}
	}
	return atoms, nil
}

// compileClass parses a bracket expression whose body starts at i and returns
// its charset and the index of the closing bracket. The body is an optional
// "!" followed by either one range "a-z" or a list of runes, the same
// grammar gobwas accepts.
func compileClass(runes []rune, i int) (charset, int, error) {
	negate := i < len(runes) && runes[i] == '!'
	if negate {
		i++
	}
	var set charset
	if i+2 < len(runes) && runes[i+1] == '-' {
		lo, hi := runes[i], runes[i+2]
		if hi < lo || i+3 >= len(runes) || runes[i+3] != ']' {
			return nil, 0, errBadPattern
		}
		set, i = charset{{lo, hi}}, i+3
	} else {
		for ; i < len(runes) && runes[i] != ']'; i++ {
			if runes[i] == '\\' {
				i++
				if i == len(runes) {
					return nil, 0, errBadPattern
				}
			}
			set = append(set, single(runes[i])...)
		}
		if i == len(runes) || len(set) == 0 {
			return nil, 0, errBadPattern
		}
	}
	if negate {
		return set.complement(), i, nil
	}
	return set.normalize().intersect(anyRune), i, nil
}

// ValidateComplexity checks that a glob pattern doesn't exceed token/wildcard
// limits. Each brace alternative is checked on its own.
func ValidateComplexity(pattern string) error {
	alts, err := compile(pattern)
	if err != nil {
		return err
	}
	for _, segs := range alts {
		tokens, wildcards := 0, 0
		for _, seg := range segs {
			if seg.super {
				tokens++
				wildcards++
				continue
			}
			tokens += len(seg.atoms)
			for _, a := range seg.atoms {
				if a.star || a.wild {
					wildcards++
				}
			}
		}
		if tokens > MaxTokens {
			return fmt.Errorf("pattern too complex: %d tokens exceeds limit of %d", tokens, MaxTokens)
		}
		if wildcards > MaxWildcards {
			return fmt.Errorf("pattern too complex: %d wildcards exceeds limit of %d", wildcards, MaxWildcards)
		}
	}
	return nil
}

// PatternsOverlap returns true if two glob patterns can match the same path.
// A "**" segment stands for any number of segments, including none.
func PatternsOverlap(a, b string) (bool, error) {
	altsA, err := compile(a)
	if err != nil {
		return false, err
	}
	altsB, err := compile(b)
	if err != nil {
		return false, err
	}
	return anyOverlap(altsA, altsB), nil
}

func anyOverlap(altsA, altsB [][]segment) bool {
	for _, segsA := range altsA {
		for _, segsB := range altsB {
			if segmentsOverlap(segsA, segsB) {
				return true
			}
		}
	}
	return false
}

func segmentsOverlap(segsA, segsB []segment) bool {
	return reachable(len(segsA), len(segsB), func(i, j int, visit func(int, int) bool) bool {
		superA := i < len(segsA) && segsA[i].super
		superB := j < len(segsB) && segsB[j].super
		switch {
		case superA && (visit(i+1, j) || j < len(segsB) && visit(i, j+1)):
			return true
		case superB && (visit(i, j+1) || i < len(segsA) && visit(i+1, j)):
			return true
		case superA || superB || i == len(segsA) || j == len(segsB):
			return false
		}
		return atomsOverlap(segsA[i].atoms, segsB[j].atoms) && visit(i+1, j+1)
	})
}

// matchSegments reports whether the segments of a concrete path match segs.
func matchSegments(segs []segment, parts []string) bool {
	return reachable(len(segs), len(parts), func(i, j int, visit func(int, int) bool) bool {
		if i < len(segs) && segs[i].super {
			return visit(i+1, j) || j < len(parts) && visit(i, j+1)
		}
		if i == len(segs) || j == len(parts) {
			return false
		}
		return segs[i].glob.Match(parts[j]) && visit(i+1, j+1)
	})
}

// atomsOverlap reports whether some single segment matches both sequences.
func atomsOverlap(a, b []atom) bool {
	return reachable(len(a), len(b), func(i, j int, visit func(int, int) bool) bool {
		starA := i < len(a) && a[i].star
		starB := j < len(b) && b[j].star
		if starA && visit(i+1, j) || starB && visit(i, j+1) {
			return true
		}
		if i == len(a) || j == len(b) {
			return false
		}
		// consume one rune on both sides; a star consumes without advancing
		setA, nextI := a[i].set, i+1
		if starA {
			setA, nextI = anyRune, i
		}
		setB, nextJ := b[j].set, j+1
		if starB {
			setB, nextJ = anyRune, j
		}
		return setA.intersects(setB) && visit(nextI, nextJ)
	})
}

// reachable runs a depth-first search over positions (i, j) of two sequences
// from (0, 0) and reports whether (endI, endJ) can be reached. step explores
// the successors of a position through visit. Each position is expanded once.
func reachable(endI, endJ int, step func(i, j int, visit func(int, int) bool) bool) bool {
	seen := make(map[[2]int]bool)
	var visit func(i, j int) bool
	visit = func(i, j int) bool {
		if i == endI && j == endJ {
			return true
		}
		key := [2]int{i, j}
		if seen[key] {
			return false
		}
		seen[key] = true
		return step(i, j, visit)
	}
	return visit(0, 0)
}
