package core

import (
	"sort"

	"kgraphd/internal/term"
)

// FactStore holds ground facts with a primary index by ID, a head index
// by functor/arity, lazily built per-argument indices, and a mentions
// index from atom identifiers to the facts naming them. Index entries
// exist iff the fact is live (present and non-retracted).
//
// FactStore is not safe for concurrent use on its own; the Engine
// serializes access.
type FactStore struct {
	nextID FactID
	facts  map[FactID]*Fact
	byKey  map[string]FactID              // canonical term -> live fact
	byHead map[string]map[FactID]struct{} // functor/arity -> live facts

	// argIdx is keyed by head key then argument position, mapping each
	// argument's canonical form to the live facts carrying it there.
	// Populated lazily: EnableArgIndex is called with compiler hints.
	argIdx     map[string]map[int]map[string]map[FactID]struct{}
	argIndexed map[string]map[int]bool

	// mentions maps an atom identifier to every live fact whose functor
	// or (recursive) argument names it. Drives subgraph extraction.
	mentions map[string]map[FactID]struct{}

	liveCount int
}

// NewFactStore creates an empty store. IDs start at 1.
func NewFactStore() *FactStore {
	return &FactStore{
		facts:      make(map[FactID]*Fact),
		byKey:      make(map[string]FactID),
		byHead:     make(map[string]map[FactID]struct{}),
		argIdx:     make(map[string]map[int]map[string]map[FactID]struct{}),
		argIndexed: make(map[string]map[int]bool),
		mentions:   make(map[string]map[FactID]struct{}),
	}
}

// Admit inserts a ground term if no live structurally identical fact
// exists. It returns the fact's ID and whether it was newly inserted.
// Admit is idempotent on duplicates, with one exception: admitting an
// asserted term over a live derived fact upgrades the fact to an
// asserted origin, so it outlives the derivation that introduced it.
func (s *FactStore) Admit(t term.Term, asserted bool, confidence float64, prov *Provenance) (FactID, bool) {
	key := t.Key()
	if id, ok := s.byKey[key]; ok {
		if asserted {
			f := s.facts[id]
			if !f.Asserted {
				f.Asserted = true
				f.Confidence = confidence
				f.Provenance = prov
			}
		}
		return id, false
	}

	s.nextID++
	f := &Fact{
		ID:         s.nextID,
		Term:       t,
		Asserted:   asserted,
		Confidence: confidence,
		Provenance: prov,
	}
	s.facts[f.ID] = f
	s.byKey[key] = f.ID
	s.index(f)
	s.liveCount++
	return f.ID, true
}

// Retract sets the tombstone and removes index entries. Retracting an
// unknown or already retracted ID reports false.
func (s *FactStore) Retract(id FactID) bool {
	f, ok := s.facts[id]
	if !ok || f.Retracted {
		return false
	}
	f.Retracted = true
	s.unindex(f)
	delete(s.byKey, f.Term.Key())
	s.liveCount--
	return true
}

// Get returns the record for an ID, retracted or not.
func (s *FactStore) Get(id FactID) (*Fact, bool) {
	f, ok := s.facts[id]
	return f, ok
}

// ByTerm resolves a ground term to its live fact.
func (s *FactStore) ByTerm(t term.Term) (*Fact, bool) {
	id, ok := s.byKey[t.Key()]
	if !ok {
		return nil, false
	}
	return s.facts[id], true
}

// Lookup returns the live facts with the given head, ascending by ID.
func (s *FactStore) Lookup(functor string, arity int) []*Fact {
	return s.collect(s.byHead[term.HeadKeyOf(functor, arity)])
}

// LookupByArg returns live facts whose argument at position equals value,
// using the argument index when one has been enabled for that position
// and falling back to a head scan otherwise.
func (s *FactStore) LookupByArg(functor string, arity, position int, value term.Term) []*Fact {
	head := term.HeadKeyOf(functor, arity)
	if s.argIndexed[head][position] {
		return s.collect(s.argIdx[head][position][value.Key()])
	}
	var out []*Fact
	for _, f := range s.collect(s.byHead[head]) {
		if position < len(f.Term.Args) && f.Term.Args[position].Equal(value) {
			out = append(out, f)
		}
	}
	return out
}

// EnableArgIndex builds the secondary index for a functor/arity/position.
// The rule compiler hints these for every ground or joinable condition
// argument; enabling twice is a no-op.
func (s *FactStore) EnableArgIndex(functor string, arity, position int) {
	head := term.HeadKeyOf(functor, arity)
	if s.argIndexed[head] == nil {
		s.argIndexed[head] = make(map[int]bool)
	}
	if s.argIndexed[head][position] {
		return
	}
	s.argIndexed[head][position] = true
	for id := range s.byHead[head] {
		s.addArgEntry(s.facts[id], position)
	}
}

// Mentioning returns the live facts whose functor or any nested argument
// names the given atom identifier.
func (s *FactStore) Mentioning(atom string) []*Fact {
	return s.collect(s.mentions[atom])
}

// LiveCount returns the number of non-retracted facts.
func (s *FactStore) LiveCount() int { return s.liveCount }

// LastID returns the most recently allocated ID.
func (s *FactStore) LastID() FactID { return s.nextID }

func (s *FactStore) collect(set map[FactID]struct{}) []*Fact {
	if len(set) == 0 {
		return nil
	}
	out := make([]*Fact, 0, len(set))
	for id := range set {
		out = append(out, s.facts[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *FactStore) index(f *Fact) {
	head := f.Term.HeadKey()
	if s.byHead[head] == nil {
		s.byHead[head] = make(map[FactID]struct{})
	}
	s.byHead[head][f.ID] = struct{}{}

	for pos := range s.argIndexed[head] {
		if s.argIndexed[head][pos] {
			s.addArgEntry(f, pos)
		}
	}

	for _, atom := range mentionedAtoms(f.Term) {
		if s.mentions[atom] == nil {
			s.mentions[atom] = make(map[FactID]struct{})
		}
		s.mentions[atom][f.ID] = struct{}{}
	}
}

func (s *FactStore) unindex(f *Fact) {
	head := f.Term.HeadKey()
	delete(s.byHead[head], f.ID)

	for pos, enabled := range s.argIndexed[head] {
		if !enabled || pos >= len(f.Term.Args) {
			continue
		}
		key := f.Term.Args[pos].Key()
		delete(s.argIdx[head][pos][key], f.ID)
	}

	for _, atom := range mentionedAtoms(f.Term) {
		delete(s.mentions[atom], f.ID)
	}
}

func (s *FactStore) addArgEntry(f *Fact, position int) {
	if position >= len(f.Term.Args) {
		return
	}
	head := f.Term.HeadKey()
	if s.argIdx[head] == nil {
		s.argIdx[head] = make(map[int]map[string]map[FactID]struct{})
	}
	if s.argIdx[head][position] == nil {
		s.argIdx[head][position] = make(map[string]map[FactID]struct{})
	}
	key := f.Term.Args[position].Key()
	if s.argIdx[head][position][key] == nil {
		s.argIdx[head][position][key] = make(map[FactID]struct{})
	}
	s.argIdx[head][position][key][f.ID] = struct{}{}
}

// mentionedAtoms lists the atom identifiers a term names: its functor
// plus every atom in its (recursive) arguments.
func mentionedAtoms(t term.Term) []string {
	seen := map[string]struct{}{}
	var walk func(term.Term)
	walk = func(x term.Term) {
		switch x.Kind {
		case term.KindAtom:
			seen[x.Functor] = struct{}{}
		case term.KindCompound:
			seen[x.Functor] = struct{}{}
			for _, a := range x.Args {
				walk(a)
			}
		}
	}
	walk(t)
	out := make([]string, 0, len(seen))
	for a := range seen {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
