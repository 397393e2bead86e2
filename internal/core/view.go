package core

import "kgraphd/internal/term"

// PropertyValues returns the objects of live property(subject, object)
// facts. Part of the read view the shape validator consumes.
func (e *Engine) PropertyValues(subject, property string) []term.Term {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []term.Term
	for _, f := range e.facts.LookupByArg(property, 2, 0, term.Atom(subject)) {
		out = append(out, f.Term.Args[1])
	}
	return out
}

// ClassesOf returns the classes the subject belongs to via live isa
// facts, in fact-ID order.
func (e *Engine) ClassesOf(subject string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for _, f := range e.facts.LookupByArg("isa", 2, 0, term.Atom(subject)) {
		if f.Term.Args[1].Kind == term.KindAtom {
			out = append(out, f.Term.Args[1].Functor)
		}
	}
	return out
}
