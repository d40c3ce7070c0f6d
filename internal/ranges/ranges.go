// Package ranges implements sorted lists of non-overlapping seqno intervals.
//
// A Ranges value is the canonical representation of "which seqnos I have"
// or "which seqnos I still need" and is exchanged verbatim during sync.
package ranges

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Inf is the open upper bound sentinel: [lo, Inf] covers everything >= lo.
const Inf = int64(math.MaxInt64)

// Range is one closed interval [Lo, Hi]; Hi == Inf leaves it open above.
type Range struct {
	Lo int64
	Hi int64
}

// Ranges is a sorted list of disjoint, non-touching intervals.
type Ranges []Range

// New returns a Ranges covering the given interval, or an empty one.
func New(spans ...Range) (Ranges, error) {
	var r Ranges
	for _, s := range spans {
		if err := r.Include(s.Lo, s.Hi); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func checkSpan(lo, hi int64) error {
	if lo < 1 {
		return fmt.Errorf("ranges: lo %d out of range", lo)
	}
	if hi != Inf && hi < lo {
		return fmt.Errorf("ranges: lo %d > hi %d", lo, hi)
	}
	return nil
}

// Include inserts [lo, hi], merging neighbors that overlap or touch.
func (r *Ranges) Include(lo, hi int64) error {
	if err := checkSpan(lo, hi); err != nil {
		return err
	}
	merged := make(Ranges, 0, len(*r)+1)
	merged = append(merged, *r...)
	merged = append(merged, Range{Lo: lo, Hi: hi})
	sort.Slice(merged, func(i, j int) bool { return merged[i].Lo < merged[j].Lo })

	out := merged[:0]
	cur := merged[0]
	for _, s := range merged[1:] {
		if cur.Hi == Inf || s.Lo <= cur.Hi+1 {
			if cur.Hi != Inf && (s.Hi == Inf || s.Hi > cur.Hi) {
				cur.Hi = s.Hi
			}
			continue
		}
		out = append(out, cur)
		cur = s
	}
	out = append(out, cur)
	*r = out
	return nil
}

// IncludeRanges inserts every interval of other.
func (r *Ranges) IncludeRanges(other Ranges) error {
	for _, s := range other {
		if err := r.Include(s.Lo, s.Hi); err != nil {
			return err
		}
	}
	return nil
}

// Exclude removes [lo, hi], splitting intervals as needed. Use lo=1 to drop
// everything <= hi and hi=Inf to drop everything >= lo.
func (r *Ranges) Exclude(lo, hi int64) error {
	if err := checkSpan(lo, hi); err != nil {
		return err
	}
	out := make(Ranges, 0, len(*r)+1)
	for _, s := range *r {
		olo := s.Lo
		if lo > olo {
			olo = lo
		}
		ohi := s.Hi
		if hi != Inf && (ohi == Inf || hi < ohi) {
			ohi = hi
		}
		if ohi != Inf && olo > ohi {
			out = append(out, s)
			continue
		}
		if s.Lo < olo {
			out = append(out, Range{Lo: s.Lo, Hi: olo - 1})
		}
		if ohi != Inf && (s.Hi == Inf || ohi < s.Hi) {
			out = append(out, Range{Lo: ohi + 1, Hi: s.Hi})
		}
	}
	*r = out
	return nil
}

// ExcludeRanges removes every interval of other.
func (r *Ranges) ExcludeRanges(other Ranges) error {
	for _, s := range other {
		if err := r.Exclude(s.Lo, s.Hi); err != nil {
			return err
		}
	}
	return nil
}

// Contains reports whether v falls inside any interval.
func (r Ranges) Contains(v int64) bool {
	for _, s := range r {
		if v < s.Lo {
			return false
		}
		if s.Hi == Inf || v <= s.Hi {
			return true
		}
	}
	return false
}

// Empty reports whether no seqnos are covered.
func (r Ranges) Empty() bool { return len(r) == 0 }

// First returns the lowest covered seqno; zero when empty.
func (r Ranges) First() int64 {
	if len(r) == 0 {
		return 0
	}
	return r[0].Lo
}

// Last returns the highest covered seqno; Inf for an open list, zero when empty.
func (r Ranges) Last() int64 {
	if len(r) == 0 {
		return 0
	}
	return r[len(r)-1].Hi
}

// Stretch collapses the list to a single [first.Lo, last.Hi] interval.
func (r *Ranges) Stretch() {
	if len(*r) <= 1 {
		return
	}
	*r = Ranges{{Lo: (*r)[0].Lo, Hi: (*r)[len(*r)-1].Hi}}
}

// Intersect returns the interval-wise intersection of a and b.
func Intersect(a, b Ranges) Ranges {
	var out Ranges
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := a[i].Lo
		if b[j].Lo > lo {
			lo = b[j].Lo
		}
		hi := a[i].Hi
		if b[j].Hi != Inf && (hi == Inf || b[j].Hi < hi) {
			hi = b[j].Hi
		}
		if hi == Inf || lo <= hi {
			out = append(out, Range{Lo: lo, Hi: hi})
		}
		aHi, bHi := a[i].Hi, b[j].Hi
		switch {
		case aHi == Inf:
			j++
		case bHi == Inf:
			i++
		case aHi <= bHi:
			i++
		default:
			j++
		}
	}
	return out
}

// Clone returns a deep copy.
func (r Ranges) Clone() Ranges {
	if r == nil {
		return nil
	}
	out := make(Ranges, len(r))
	copy(out, r)
	return out
}

// MarshalJSON encodes each interval as [lo, hi], with null for the open bound.
func (s Range) MarshalJSON() ([]byte, error) {
	if s.Hi == Inf {
		return json.Marshal([2]any{s.Lo, nil})
	}
	return json.Marshal([2]int64{s.Lo, s.Hi})
}

// UnmarshalJSON decodes [lo, hi] with null meaning the open bound.
func (s *Range) UnmarshalJSON(data []byte) error {
	var pair [2]*int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if pair[0] == nil {
		return errors.New("ranges: missing lower bound")
	}
	s.Lo = *pair[0]
	if pair[1] == nil {
		s.Hi = Inf
	} else {
		s.Hi = *pair[1]
	}
	return nil
}

func (r Ranges) String() string {
	var b strings.Builder
	for _, s := range r {
		b.WriteString(s.String())
	}
	return b.String()
}

func (s Range) String() string {
	if s.Hi == Inf {
		return fmt.Sprintf("[%d,inf]", s.Lo)
	}
	return fmt.Sprintf("[%d,%d]", s.Lo, s.Hi)
}
