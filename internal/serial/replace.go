package serial

import "strings"

// MaxDepth bounds how deep Replace descends. Host value trees are shallow;
// anything deeper is left untouched.
const MaxDepth = 64

// Pair is one substring substitution.
type Pair struct {
	Old string
	New string
}

// ReplaceString applies every pair in order and reports whether s changed.
func ReplaceString(s string, pairs []Pair) (string, bool) {
	out := s
	for _, p := range pairs {
		if p.Old == "" || p.Old == p.New {
			continue
		}
		if strings.Contains(out, p.Old) {
			out = strings.ReplaceAll(out, p.Old, p.New)
		}
	}
	return out, out != s
}

// Replace walks v and substitutes inside every String at any depth, mutating
// containers in place. It returns the (possibly new) root and whether
// anything changed. Keys, numbers and raw literals are never touched.
func Replace(v Value, pairs []Pair) (Value, bool) {
	return replace(v, pairs, 0)
}

func replace(v Value, pairs []Pair, depth int) (Value, bool) {
	if depth > MaxDepth {
		return v, false
	}
	switch x := v.(type) {
	case String:
		s, changed := ReplaceString(string(x), pairs)
		return String(s), changed
	case Seq:
		changed := false
		for i := range x {
			nv, c := replace(x[i], pairs, depth+1)
			if c {
				x[i] = nv
				changed = true
			}
		}
		return x, changed
	case *Map:
		return x, replaceEntries(x.Entries, pairs, depth)
	case *Object:
		return x, replaceEntries(x.Fields, pairs, depth)
	}
	return v, false
}

func replaceEntries(entries []Entry, pairs []Pair, depth int) bool {
	changed := false
	for i := range entries {
		nv, c := replace(entries[i].Value, pairs, depth+1)
		if c {
			entries[i].Value = nv
			changed = true
		}
	}
	return changed
}
