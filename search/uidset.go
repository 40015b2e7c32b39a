package search

import (
	"fmt"
	"strings"
)

// UIDSet is a set of message UIDs, kept as sorted disjoint ranges.
type UIDSet struct {
	ranges []uidRange
}

type uidRange struct{ lo, hi uint32 }

// Add inserts one uid.
func (s *UIDSet) Add(uid uint32) { s.AddRange(uid, uid) }

// AddRange inserts lo..hi inclusive.
func (s *UIDSet) AddRange(lo, hi uint32) {
	if lo > hi {
		lo, hi = hi, lo
	}
	out := make([]uidRange, 0, len(s.ranges)+1)
	n := uidRange{lo, hi}
	placed := false
	for _, r := range s.ranges {
		switch {
		case r.hi+1 < n.lo && r.hi >= r.lo:
			out = append(out, r)
		case n.hi+1 < r.lo:
			if !placed {
				out = append(out, n)
				placed = true
			}
			out = append(out, r)
		default:
			// Overlapping or adjacent: merge.
			if r.lo < n.lo {
				n.lo = r.lo
			}
			if r.hi > n.hi {
				n.hi = r.hi
			}
		}
	}
	if !placed {
		out = append(out, n)
	}
	s.ranges = out
}

// AddSet inserts all uids of o.
func (s *UIDSet) AddSet(o *UIDSet) {
	for _, r := range o.ranges {
		s.AddRange(r.lo, r.hi)
	}
}

// AddGapsFrom widens this set with the uids known absent from o: any gap
// of o that lies within this set's span is added, so the set becomes
// simpler without selecting extra messages.
func (s *UIDSet) AddGapsFrom(o *UIDSet) {
	if s.IsEmpty() || o.IsEmpty() {
		return
	}
	lo, hi := s.Smallest(), s.Largest()
	prev := o.ranges[0].hi
	for _, r := range o.ranges[1:] {
		gapLo, gapHi := prev+1, r.lo-1
		if gapLo <= gapHi && gapHi >= lo && gapLo <= hi {
			if gapLo < lo {
				gapLo = lo
			}
			if gapHi > hi {
				gapHi = hi
			}
			s.AddRange(gapLo, gapHi)
		}
		prev = r.hi
	}
}

// Contains reports membership.
func (s *UIDSet) Contains(uid uint32) bool {
	for _, r := range s.ranges {
		if uid >= r.lo && uid <= r.hi {
			return true
		}
	}
	return false
}

// IsEmpty reports whether the set has no members.
func (s *UIDSet) IsEmpty() bool { return len(s.ranges) == 0 }

// Count returns the number of uids in the set.
func (s *UIDSet) Count() int {
	n := 0
	for _, r := range s.ranges {
		n += int(r.hi-r.lo) + 1
	}
	return n
}

// IsRange reports whether the set is a single contiguous range.
func (s *UIDSet) IsRange() bool { return len(s.ranges) == 1 }

// Smallest returns the smallest member, 0 for an empty set.
func (s *UIDSet) Smallest() uint32 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[0].lo
}

// Largest returns the largest member, 0 for an empty set.
func (s *UIDSet) Largest() uint32 {
	if len(s.ranges) == 0 {
		return 0
	}
	return s.ranges[len(s.ranges)-1].hi
}

// Each calls fn for every member in increasing order.
func (s *UIDSet) Each(fn func(uid uint32)) {
	for _, r := range s.ranges {
		for u := r.lo; ; u++ {
			fn(u)
			if u == r.hi {
				break
			}
		}
	}
}

// Where returns a SQL condition selecting the set's members of the given
// column: a range comparison for contiguous sets, otherwise a disjunction
// of ranges and an in-list.
func (s *UIDSet) Where(col string) string {
	if len(s.ranges) == 0 {
		return "false"
	}
	var conds []string
	var singles []string
	for _, r := range s.ranges {
		if r.lo == r.hi {
			singles = append(singles, fmt.Sprint(r.lo))
		} else {
			conds = append(conds, fmt.Sprintf("%s>=%d and %s<=%d", col, r.lo, col, r.hi))
		}
	}
	if len(singles) == 1 {
		conds = append(conds, fmt.Sprintf("%s=%s", col, singles[0]))
	} else if len(singles) > 1 {
		conds = append(conds, fmt.Sprintf("%s in (%s)", col, strings.Join(singles, ",")))
	}
	if len(conds) == 1 {
		return "(" + conds[0] + ")"
	}
	return "(" + strings.Join(conds, " or ") + ")"
}

// String returns the IMAP sequence-set form, e.g. "1:3,7,9:10".
func (s *UIDSet) String() string {
	parts := make([]string, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.lo == r.hi {
			parts = append(parts, fmt.Sprint(r.lo))
		} else {
			parts = append(parts, fmt.Sprintf("%d:%d", r.lo, r.hi))
		}
	}
	return strings.Join(parts, ",")
}
