// Package solver picks a consistent set of releases satisfying a requested
// context and its transitive requirements, on top of a deterministic
// MiniSat-style SAT core.
package solver

import (
	"fmt"
	"strconv"
	"strings"
)

// Modifier ranks; an absent modifier ranks 0 so "1-pre" < "1" < "1-r1".
var modifierRank = map[string]int{
	"pre":  -2,
	"rc":   -1,
	"":     0,
	"r":    1,
	"post": 2,
}

type versionPart struct {
	nums []int64
	mod  int
}

// Version is a parsed version: a sequence of (digits, modifier) pairs
// compared lexicographically with zero padding. The modifier closes the
// digit vector it follows, so "1.2-rc3" reads ([1,2], rc) ([3], "") and
// sorts below "1.2".
type Version []versionPart

// ParseVersion parses dotted-digits chunks separated by modifier words,
// e.g. "1.2", "0.96-rc3", "2-r1".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("solver: empty version")
	}
	var out Version
	cur := versionPart{}
	for i, chunk := range strings.Split(s, "-") {
		lead, word, tail, err := splitChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("solver: bad version %q: %w", s, err)
		}
		if i == 0 {
			cur.nums = lead
			if word == "" && tail == nil {
				continue
			}
		} else {
			tail = append(lead, tail...)
		}
		rank, ok := modifierRank[word]
		if !ok {
			return nil, fmt.Errorf("solver: bad version modifier %q in %q", word, s)
		}
		cur.mod = rank
		out = append(out, cur)
		cur = versionPart{nums: tail}
	}
	return append(out, cur), nil
}

// splitChunk decomposes one dash-separated chunk into leading dotted
// digits, a modifier word, and trailing digits ("1.2rc3" -> [1,2] "rc" [3]).
func splitChunk(chunk string) (lead []int64, word string, tail []int64, err error) {
	i := 0
	for i < len(chunk) && (chunk[i] == '.' || (chunk[i] >= '0' && chunk[i] <= '9')) {
		i++
	}
	if i > 0 {
		for _, field := range strings.Split(chunk[:i], ".") {
			if field == "" {
				continue
			}
			n, perr := strconv.ParseInt(field, 10, 64)
			if perr != nil {
				return nil, "", nil, perr
			}
			lead = append(lead, n)
		}
	}
	j := i
	for j < len(chunk) && chunk[j] >= 'a' && chunk[j] <= 'z' {
		j++
	}
	word = chunk[i:j]
	if j < len(chunk) {
		n, perr := strconv.ParseInt(chunk[j:], 10, 64)
		if perr != nil {
			return nil, "", nil, perr
		}
		tail = append(tail, n)
	}
	return lead, word, tail, nil
}

// CompareVersions orders two parsed versions; shorter vectors are
// zero-padded for the comparison.
func CompareVersions(a, b Version) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var pa, pb versionPart
		if i < len(a) {
			pa = a[i]
		}
		if i < len(b) {
			pb = b[i]
		}
		if c := compareNums(pa.nums, pb.nums); c != 0 {
			return c
		}
		if pa.mod != pb.mod {
			if pa.mod < pb.mod {
				return -1
			}
			return 1
		}
	}
	return 0
}

func compareNums(a, b []int64) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var va, vb int64
		if i < len(a) {
			va = a[i]
		}
		if i < len(b) {
			vb = b[i]
		}
		if va != vb {
			if va < vb {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Constraint is one version bound, e.g. ">= 0.96".
type Constraint struct {
	Op      string
	Version Version
}

// ParseConstraint parses one bound like ">=1.2", "< 2", "= 1".
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	op := ""
	for _, candidate := range []string{">=", "<=", "=", ">", "<"} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(s[len(candidate):])
			break
		}
	}
	if op == "" {
		op = ">="
	}
	v, err := ParseVersion(s)
	if err != nil {
		return Constraint{}, err
	}
	return Constraint{Op: op, Version: v}, nil
}

// Satisfies reports whether the version meets every constraint.
func Satisfies(v Version, constraints []Constraint) bool {
	for _, c := range constraints {
		cmp := CompareVersions(v, c.Version)
		ok := false
		switch c.Op {
		case "=":
			ok = cmp == 0
		case ">":
			ok = cmp > 0
		case ">=":
			ok = cmp >= 0
		case "<":
			ok = cmp < 0
		case "<=":
			ok = cmp <= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// ParseRequires parses a dependency declaration string of the form
// "dep >= 1; dep2; dep3 < 2" into per-dependency constraint lists.
func ParseRequires(s string) (map[string][]Constraint, error) {
	out := make(map[string][]Constraint)
	for _, clause := range strings.Split(s, ";") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		name := clause
		var constraints []Constraint
		if idx := strings.IndexAny(clause, "<>="); idx >= 0 {
			name = strings.TrimSpace(clause[:idx])
			c, err := ParseConstraint(clause[idx:])
			if err != nil {
				return nil, err
			}
			constraints = append(constraints, c)
		}
		if name == "" {
			return nil, fmt.Errorf("solver: bad requires clause %q", clause)
		}
		out[name] = append(out[name], constraints...)
	}
	return out, nil
}
