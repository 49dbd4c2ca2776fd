package role

import (
	"errors"
	"fmt"
	"strings"
)

// ID is the bit position of a registered role.
type ID uint8

const (
	// Unknown is returned by [Registry.Parse] for names that were never registered.
	Unknown ID = 0xFF

	superBit = 63
	maxRoles = superBit
)

var (
	// ErrUnknownRole is returned when a role name is not part of the registry.
	ErrUnknownRole = errors.New("unknown role")
	// ErrRoleLimit is returned when more roles are registered than fit in a [Set].
	ErrRoleLimit = errors.New("role limit exceeded")
)

// Registry maps role names to bit positions. The super-role always occupies the
// reserved root bit. A Registry is immutable once returned by [NewRegistry] and safe
// for concurrent use.
type Registry struct {
	super  string
	byName map[string]ID
	byID   map[ID]string
}

// NewRegistry registers super as the super-role and names, in order, as the ordinary
// roles. Listing the super-role among names is allowed and ignored.
func NewRegistry(super string, names ...string) (*Registry, error) {
	super = strings.TrimSpace(super)
	if super == "" {
		return nil, errors.New("super role name cannot be empty")
	}

	r := &Registry{
		super:  super,
		byName: make(map[string]ID, len(names)+1),
		byID:   make(map[ID]string, len(names)+1),
	}
	r.byName[super] = superBit
	r.byID[superBit] = super

	next := ID(0)
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			return nil, errors.New("role name cannot be empty")
		}
		if name == super {
			continue
		}
		if _, exists := r.byName[name]; exists {
			return nil, fmt.Errorf("role %q registered twice", name)
		}
		if next >= maxRoles {
			return nil, ErrRoleLimit
		}
		r.byName[name] = next
		r.byID[next] = name
		next++
	}

	return r, nil
}

// Parse returns the ID registered for name, or [Unknown].
func (r *Registry) Parse(name string) ID {
	if r == nil {
		return Unknown
	}
	id, ok := r.byName[strings.TrimSpace(name)]
	if !ok {
		return Unknown
	}
	return id
}

// Name returns the registered name for id.
func (r *Registry) Name(id ID) (string, bool) {
	if r == nil {
		return "", false
	}
	name, ok := r.byID[id]
	return name, ok
}

// Super returns the ID of the super-role.
func (r *Registry) Super() ID { return superBit }

// SuperName returns the super-role name.
func (r *Registry) SuperName() string {
	if r == nil {
		return ""
	}
	return r.super
}

// IsSuper reports whether id is the super-role.
func (r *Registry) IsSuper(id ID) bool {
	return r != nil && id == superBit
}

// Set builds a [Set] from role names. Every name must be registered.
func (r *Registry) Set(names ...string) (Set, error) {
	var s Set
	for _, name := range names {
		id := r.Parse(name)
		if id == Unknown {
			return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
		}
		s = s.With(id)
	}
	return s, nil
}

// Known returns every registered role name ordered by bit, super-role last.
func (r *Registry) Known() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byID))
	for id := ID(0); id < maxRoles; id++ {
		if name, ok := r.byID[id]; ok {
			out = append(out, name)
		}
	}
	return append(out, r.super)
}
