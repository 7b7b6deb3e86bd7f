package action

import (
	"fmt"
	"sort"
	"strings"
)

// Registry maps every canonical name and alias to exactly one descriptor.
//
// It is filled once at startup and only read afterwards; Register must not be
// called concurrently with Resolve.
type Registry struct {
	byName map[string]*Descriptor
	order  []*Descriptor
}

// NewRegistry builds a registry from handler group tables.
// Any name collision aborts construction.
func NewRegistry(groups ...[]Descriptor) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Descriptor)}
	for _, g := range groups {
		for _, d := range g {
			if err := r.Register(d); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

// Register inserts d under its canonical name and all aliases.
// On failure the registry is left unchanged.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" || d.Name != strings.TrimSpace(d.Name) {
		return fmt.Errorf("%w: invalid name %q", ErrInvalidDescriptor, d.Name)
	}
	if d.Invoke == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidDescriptor, d.Name)
	}
	for _, a := range d.Aliases {
		if strings.TrimSpace(a) == "" || a != strings.TrimSpace(a) {
			return fmt.Errorf("%w: %s has invalid alias %q", ErrInvalidDescriptor, d.Name, a)
		}
	}

	names := d.Names()
	for _, n := range names {
		if prev, ok := r.byName[n]; ok {
			return fmt.Errorf("%w: %q is already bound to %s", ErrNameCollision, n, prev.Name)
		}
	}

	dd := d.clone()
	dd.Aliases = names[1:]
	for _, n := range names {
		r.byName[n] = dd
	}
	r.order = append(r.order, dd)
	return nil
}

// Resolve looks up a canonical name or alias. Matching is exact and case-sensitive.
// The returned descriptor is shared and must be treated as read-only.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// Len returns the number of registered actions (not names).
func (r *Registry) Len() int { return len(r.order) }

// List returns copies of all descriptors ordered by canonical name.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, d := range r.order {
		out = append(out, *d.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
