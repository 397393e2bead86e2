// Package term implements the logical term model for the knowledge graph:
// atoms, variables, and compounds, plus substitution and unification.
// Terms are immutable values; identifiers are case-sensitive.
package term

import (
	"fmt"
	"sort"
	"strings"
)

// Kind discriminates the term variants.
type Kind int

const (
	KindAtom Kind = iota
	KindVariable
	KindCompound
)

// Term is a tagged union of Atom, Variable, and Compound.
// Atom: Functor holds the identifier, Args is nil.
// Variable: Functor holds the variable name (without the ? marker), Args is nil.
// Compound: Functor holds the functor identifier, Args holds the arguments.
type Term struct {
	Kind    Kind
	Functor string
	Args    []Term
}

// Atom constructs an atom term.
func Atom(name string) Term {
	return Term{Kind: KindAtom, Functor: name}
}

// Var constructs a variable term. The name is stored without the ? marker.
func Var(name string) Term {
	return Term{Kind: KindVariable, Functor: strings.TrimPrefix(name, "?")}
}

// Compound constructs a compound term from a functor and arguments.
func Compound(functor string, args ...Term) Term {
	return Term{Kind: KindCompound, Functor: functor, Args: args}
}

// Triple is shorthand for the predicate(subject, object) compounds the
// service traffics in.
func Triple(subject, predicate, object string) Term {
	return Compound(predicate, Atom(subject), Atom(object))
}

// Arity returns the number of arguments (0 for atoms and variables).
func (t Term) Arity() int { return len(t.Args) }

// IsGround reports whether the term contains no variables.
func (t Term) IsGround() bool {
	switch t.Kind {
	case KindVariable:
		return false
	case KindCompound:
		for _, a := range t.Args {
			if !a.IsGround() {
				return false
			}
		}
	}
	return true
}

// Variables returns the sorted set of variable names occurring in t.
func (t Term) Variables() []string {
	seen := map[string]struct{}{}
	t.collectVars(seen)
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (t Term) collectVars(into map[string]struct{}) {
	switch t.Kind {
	case KindVariable:
		into[t.Functor] = struct{}{}
	case KindCompound:
		for _, a := range t.Args {
			a.collectVars(into)
		}
	}
}

// Equal reports structural equality.
func (t Term) Equal(o Term) bool {
	if t.Kind != o.Kind || t.Functor != o.Functor || len(t.Args) != len(o.Args) {
		return false
	}
	for i := range t.Args {
		if !t.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Compare imposes a total ordering: by kind, then functor, then arity,
// then arguments left to right. Used for deterministic output.
func (t Term) Compare(o Term) int {
	if t.Kind != o.Kind {
		return int(t.Kind) - int(o.Kind)
	}
	if c := strings.Compare(t.Functor, o.Functor); c != 0 {
		return c
	}
	if c := len(t.Args) - len(o.Args); c != 0 {
		return c
	}
	for i := range t.Args {
		if c := t.Args[i].Compare(o.Args[i]); c != 0 {
			return c
		}
	}
	return 0
}

// Key returns the canonical printed form, suitable as a map key.
// Structural equality and key equality coincide.
func (t Term) Key() string { return t.String() }

// String renders the term: atoms bare, variables with a ? marker,
// compounds as functor(arg, ...).
func (t Term) String() string {
	switch t.Kind {
	case KindAtom:
		return t.Functor
	case KindVariable:
		return "?" + t.Functor
	default:
		var sb strings.Builder
		sb.WriteString(t.Functor)
		sb.WriteByte('(')
		for i, a := range t.Args {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.String())
		}
		sb.WriteByte(')')
		return sb.String()
	}
}

// HeadKey identifies the functor/arity pair of a compound, e.g. "isa/2".
// For atoms it degenerates to "name/0".
func (t Term) HeadKey() string {
	return fmt.Sprintf("%s/%d", t.Functor, len(t.Args))
}

// HeadKeyOf builds a head key without constructing a term.
func HeadKeyOf(functor string, arity int) string {
	return fmt.Sprintf("%s/%d", functor, arity)
}

// Rename returns a copy of t with every variable name suffixed.
// Rules namespace their variables this way so that variables from
// distinct rules never collide during activation.
func (t Term) Rename(suffix string) Term {
	switch t.Kind {
	case KindVariable:
		return Var(t.Functor + suffix)
	case KindCompound:
		args := make([]Term, len(t.Args))
		for i, a := range t.Args {
			args[i] = a.Rename(suffix)
		}
		return Compound(t.Functor, args...)
	default:
		return t
	}
}
