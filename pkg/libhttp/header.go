package libhttp

import "sort"

// Header is a single name/value pair. Names are ASCII and compared
// case-insensitively; values are arbitrary bytes excluding CR and LF.
type Header struct {
	Name  string
	Value string
}

// CompareHeaderName three-way compares two header names. Each pair of
// octets is folded to a common case: when one side is uppercase ASCII and
// the other lowercase, the uppercase octet is shifted before comparing.
// Non-ASCII octets compare unsigned; the shorter name orders first when all
// shared positions match.
func CompareHeaderName(lhs, rhs string) int {
	n := len(lhs)
	if len(rhs) < n {
		n = len(rhs)
	}
	for i := 0; i < n; i++ {
		l, r := lhs[i], rhs[i]
		if 'a' <= l && l <= 'z' && 'A' <= r && r <= 'Z' {
			l -= 'a' - 'A'
		}
		if 'a' <= r && r <= 'z' && 'A' <= l && l <= 'Z' {
			r -= 'a' - 'A'
		}
		if l != r {
			return int(l) - int(r)
		}
	}
	switch {
	case len(lhs) > n:
		return 1
	case len(rhs) > n:
		return -1
	default:
		return 0
	}
}

// HeaderList is an ordered sequence of headers. Request header lists are
// sorted by case-insensitive name after parsing; headers sharing a name
// keep their wire order.
type HeaderList []Header

// Sort orders the list by case-insensitive name. The sort is stable so
// repeated names preserve the order they appeared on the wire.
func (h HeaderList) Sort() {
	sort.SliceStable(h, func(i, j int) bool {
		return CompareHeaderName(h[i].Name, h[j].Name) < 0
	})
}

// Range returns the half-open index range of headers whose name equals
// name under the case-insensitive comparator. The list must be sorted.
func (h HeaderList) Range(name string) (int, int) {
	lo := sort.Search(len(h), func(i int) bool {
		return CompareHeaderName(h[i].Name, name) >= 0
	})
	hi := sort.Search(len(h), func(i int) bool {
		return CompareHeaderName(h[i].Name, name) > 0
	})
	return lo, hi
}

// GetSingle returns the value of the header named name when it occurs
// exactly once.
func (h HeaderList) GetSingle(name string) (string, bool) {
	lo, hi := h.Range(name)
	if hi-lo != 1 {
		return "", false
	}
	return h[lo].Value, true
}

// Values returns the values of all headers named name, in wire order.
func (h HeaderList) Values(name string) []string {
	lo, hi := h.Range(name)
	if lo == hi {
		return nil
	}
	vals := make([]string, 0, hi-lo)
	for _, hdr := range h[lo:hi] {
		vals = append(vals, hdr.Value)
	}
	return vals
}
