package maildirstore

import (
	"fmt"
	"strconv"
	"strings"
)

// numRange is one element of a message set like "1:5", "7" or "3:*". A star
// as the upper bound resolves to the highest number present; "*" alone is a
// star range with first 0, matching only the last message.
type numRange struct {
	first uint32
	last  uint32
	star  bool
}

type numSet []numRange

// parseNumSet parses an IMAP sequence set: comma separated numbers and
// ranges, with "*" for the last message.
func parseNumSet(s string) (numSet, error) {
	var set numSet
	for _, elem := range strings.Split(s, ",") {
		var r numRange
		lo, hi, isRange := strings.Cut(elem, ":")
		var err error
		r.first, r.star, err = parseNum(lo)
		if err != nil {
			return nil, err
		}
		if isRange {
			var lastStar bool
			r.last, lastStar, err = parseNum(hi)
			if err != nil {
				return nil, err
			}
			if r.star {
				// "*:n" is the same as "n:*".
				r.first, r.last = r.last, 0
				lastStar = true
			}
			r.star = lastStar
			if !r.star && r.first > r.last {
				r.first, r.last = r.last, r.first
			}
		} else {
			r.last = r.first
		}
		set = append(set, r)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty message set")
	}
	return set, nil
}

func parseNum(s string) (n uint32, star bool, rerr error) {
	if s == "*" {
		return 0, true, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, false, fmt.Errorf("invalid message set number %q", s)
	}
	return uint32(v), false, nil
}

// contains reports whether n is in the set, with stars resolving to max.
func (set numSet) contains(n, max uint32) bool {
	for _, r := range set {
		first, last := r.first, r.last
		if r.star {
			last = max
			if first == 0 {
				first = max
			}
			if first > last {
				first, last = last, first
			}
		}
		if n >= first && n <= last {
			return true
		}
	}
	return false
}
