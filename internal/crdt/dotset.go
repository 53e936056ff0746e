package crdt

import (
	"sort"
)

// Dot identifies one write: the replica that made it and that replica's
// sequence number for it. Counters start at 1.
type Dot struct {
	_       struct{} `cbor:",toarray"`
	Replica string
	Counter uint64
}

// Range is an inclusive run of counters [Lo, Hi].
type Range struct {
	_  struct{} `cbor:",toarray"`
	Lo uint64
	Hi uint64
}

// DotSet is a causal context: every dot a replica has observed, live or
// deleted. Counters are kept per replica as sorted, disjoint, non-adjacent
// ranges, so an uninterrupted history costs one range per replica.
//
// The zero value is empty and ready to use.
type DotSet map[string][]Range

// Contains reports whether d has been observed.
func (s DotSet) Contains(d Dot) bool {
	rs := s[d.Replica]
	i := sort.Search(len(rs), func(i int) bool { return rs[i].Hi >= d.Counter })
	return i < len(rs) && rs[i].Lo <= d.Counter
}

// Max returns the highest counter observed for replica, or 0.
func (s DotSet) Max(replica string) uint64 {
	rs := s[replica]
	if len(rs) == 0 {
		return 0
	}
	return rs[len(rs)-1].Hi
}

// IsEmpty reports whether no dot is recorded.
func (s DotSet) IsEmpty() bool {
	for _, rs := range s {
		if len(rs) > 0 {
			return false
		}
	}
	return true
}

// Len returns the number of dots in the set.
func (s DotSet) Len() int {
	n := 0
	for _, rs := range s {
		for _, r := range rs {
			n += int(r.Hi - r.Lo + 1)
		}
	}
	return n
}

// Add records d.
func (s *DotSet) Add(d Dot) {
	s.AddRange(d.Replica, Range{Lo: d.Counter, Hi: d.Counter})
}

// AddRange records every counter in r for replica.
func (s *DotSet) AddRange(replica string, r Range) {
	if r.Lo == 0 || r.Hi < r.Lo {
		return
	}
	if *s == nil {
		*s = DotSet{}
	}
	cur := (*s)[replica]
	next := make([]Range, 0, len(cur)+1)
	next = append(next, cur...)
	(*s)[replica] = normalize(append(next, r))
}

// Merge adds every dot of o to s.
func (s *DotSet) Merge(o DotSet) {
	for replica, rs := range o {
		if len(rs) == 0 {
			continue
		}
		if *s == nil {
			*s = DotSet{}
		}
		merged := make([]Range, 0, len((*s)[replica])+len(rs))
		merged = append(merged, (*s)[replica]...)
		merged = append(merged, rs...)
		(*s)[replica] = normalize(merged)
	}
}

// Clone returns a deep copy.
func (s DotSet) Clone() DotSet {
	out := make(DotSet, len(s))
	for replica, rs := range s {
		if len(rs) == 0 {
			continue
		}
		out[replica] = append([]Range(nil), rs...)
	}
	return out
}

// Subtract returns the dots of s that are not in o.
func (s DotSet) Subtract(o DotSet) DotSet {
	out := DotSet{}
	for replica, rs := range s {
		rest := subtractRanges(rs, o[replica])
		if len(rest) > 0 {
			out[replica] = rest
		}
	}
	return out
}

// Equal reports whether both sets hold exactly the same dots.
func (s DotSet) Equal(o DotSet) bool {
	count := 0
	for replica, rs := range s {
		if len(rs) == 0 {
			continue
		}
		count++
		ors := o[replica]
		if len(ors) != len(rs) {
			return false
		}
		for i := range rs {
			if rs[i] != ors[i] {
				return false
			}
		}
	}
	for _, rs := range o {
		if len(rs) > 0 {
			count--
		}
	}
	return count == 0
}

// normalize sorts rs and coalesces overlapping or adjacent ranges in place.
func normalize(rs []Range) []Range {
	if len(rs) < 2 {
		return rs
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].Lo < rs[j].Lo })
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Lo <= last.Hi+1 {
			if r.Hi > last.Hi {
				last.Hi = r.Hi
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// subtractRanges removes b from a; both must be normalized.
func subtractRanges(a, b []Range) []Range {
	var out []Range
	j := 0
	for _, r := range a {
		lo, hi := r.Lo, r.Hi
		for j < len(b) && b[j].Hi < lo {
			j++
		}
		k := j
		for k < len(b) && b[k].Lo <= hi {
			if b[k].Lo > lo {
				out = append(out, Range{Lo: lo, Hi: b[k].Lo - 1})
			}
			if b[k].Hi >= hi {
				lo = hi + 1
				break
			}
			lo = b[k].Hi + 1
			k++
		}
		if lo <= hi {
			out = append(out, Range{Lo: lo, Hi: hi})
		}
	}
	return out
}
