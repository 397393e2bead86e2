package term

import "sort"

// Bindings maps variable names to ground terms.
type Bindings map[string]Term

// Clone copies the binding map.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Names returns the bound variable names in sorted order.
func (b Bindings) Names() []string {
	out := make([]string, 0, len(b))
	for k := range b {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Apply substitutes bound variables in t. Unbound variables are left
// in place; callers that require a ground result check IsGround after.
func (b Bindings) Apply(t Term) Term {
	switch t.Kind {
	case KindVariable:
		if v, ok := b[t.Functor]; ok {
			return v
		}
		return t
	case KindCompound:
		args := make([]Term, len(t.Args))
		for i, a := range t.Args {
			args[i] = b.Apply(a)
		}
		return Compound(t.Functor, args...)
	default:
		return t
	}
}

// Unify matches a pattern (which may contain variables) against a ground
// term under a partial binding. On success it returns an extended copy of
// the binding; the input binding is never mutated. Matching a variable
// that is already bound succeeds only if the bound value is structurally
// equal to the ground term.
func Unify(pattern, ground Term, b Bindings) (Bindings, bool) {
	ext := b.Clone()
	if !unifyInto(pattern, ground, ext) {
		return nil, false
	}
	return ext, true
}

func unifyInto(pattern, ground Term, b Bindings) bool {
	switch pattern.Kind {
	case KindVariable:
		if bound, ok := b[pattern.Functor]; ok {
			return bound.Equal(ground)
		}
		b[pattern.Functor] = ground
		return true
	case KindAtom:
		return ground.Kind == KindAtom && ground.Functor == pattern.Functor
	default:
		if ground.Kind != KindCompound || ground.Functor != pattern.Functor ||
			len(ground.Args) != len(pattern.Args) {
			return false
		}
		for i := range pattern.Args {
			if !unifyInto(pattern.Args[i], ground.Args[i], b) {
				return false
			}
		}
		return true
	}
}
