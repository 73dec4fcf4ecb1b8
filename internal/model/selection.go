package model

import "sort"

// Selection is a sorted set of option indices. The empty set means no
// selection was made.
type Selection []int

// NewSelection returns a sorted, de-duplicated selection.
func NewSelection(values ...int) Selection {
	if len(values) == 0 {
		return Selection{}
	}
	out := make(Selection, 0, len(values))
	seen := make(map[int]struct{}, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Empty reports whether nothing is selected.
func (s Selection) Empty() bool {
	return len(s) == 0
}

// Contains reports whether v is selected.
func (s Selection) Contains(v int) bool {
	i := sort.SearchInts(s, v)
	return i < len(s) && s[i] == v
}

// Toggle returns a new selection with v added or removed.
func (s Selection) Toggle(v int) Selection {
	if s.Contains(v) {
		out := make(Selection, 0, len(s)-1)
		for _, x := range s {
			if x != v {
				out = append(out, x)
			}
		}
		return out
	}
	return NewSelection(append(s.Clone(), v)...)
}

// Equal reports set equality.
func (s Selection) Equal(o Selection) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// SubsetOf reports whether every element of s is in o.
func (s Selection) SubsetOf(o Selection) bool {
	for _, v := range s {
		if !o.Contains(v) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Selection) Clone() Selection {
	out := make(Selection, len(s))
	copy(out, s)
	return out
}
