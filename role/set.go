package role

import "math/bits"

// Set is a bitmask of role IDs.
type Set uint64

// Has reports whether id is a member. [Unknown] is never a member.
func (s Set) Has(id ID) bool {
	if id > superBit {
		return false
	}
	return s&(1<<id) != 0
}

// With returns s with id added. Out-of-range IDs are ignored.
func (s Set) With(id ID) Set {
	if id > superBit {
		return s
	}
	return s | (1 << id)
}

// Without returns s with id removed.
func (s Set) Without(id ID) Set {
	if id > superBit {
		return s
	}
	return s &^ (1 << id)
}

func (s Set) Empty() bool { return s == 0 }

func (s Set) Len() int { return bits.OnesCount64(uint64(s)) }

// Names resolves the members of s against r, lowest bit first.
func (s Set) Names(r *Registry) []string {
	if s == 0 || r == nil {
		return nil
	}
	out := make([]string, 0, s.Len())
	for id := ID(0); id <= superBit; id++ {
		if !s.Has(id) {
			continue
		}
		if name, ok := r.Name(id); ok {
			out = append(out, name)
		}
	}
	return out
}
