package core

import "sort"

// JustificationGraph maps derived facts to their justification records
// and keeps the reverse "dependents" index used by truth maintenance:
// if f is a premise of a justification of g, then g is a dependent of f.
type JustificationGraph struct {
	records    map[FactID][]Justification
	dependents map[FactID]map[FactID]struct{}
}

// NewJustificationGraph creates an empty graph.
func NewJustificationGraph() *JustificationGraph {
	return &JustificationGraph{
		records:    make(map[FactID][]Justification),
		dependents: make(map[FactID]map[FactID]struct{}),
	}
}

// Add appends a justification for a fact, skipping exact duplicates
// (same rule and same premise list). Self-support is the caller's
// invariant; Add only wires the dependents edges.
func (g *JustificationGraph) Add(fact FactID, j Justification) bool {
	for _, existing := range g.records[fact] {
		if sameRecord(existing, j) {
			return false
		}
	}
	g.records[fact] = append(g.records[fact], j)
	for _, p := range j.Premises {
		if g.dependents[p] == nil {
			g.dependents[p] = make(map[FactID]struct{})
		}
		g.dependents[p][fact] = struct{}{}
	}
	return true
}

// Records returns the justifications of a fact, ordered by rule name for
// deterministic output.
func (g *JustificationGraph) Records(fact FactID) []Justification {
	recs := append([]Justification(nil), g.records[fact]...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Rule < recs[j].Rule })
	return recs
}

// HasRecords reports whether a fact has at least one justification.
func (g *JustificationGraph) HasRecords(fact FactID) bool {
	return len(g.records[fact]) > 0
}

// Dependents returns the facts that use the given fact as a premise,
// ascending by ID.
func (g *JustificationGraph) Dependents(fact FactID) []FactID {
	set := g.dependents[fact]
	out := make([]FactID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DropPremise removes every justification of dependent that lists premise
// and reports whether the dependent has any justifications left.
func (g *JustificationGraph) DropPremise(dependent, premise FactID) (remaining bool) {
	recs := g.records[dependent]
	var kept, dropped []Justification
	for _, j := range recs {
		if containsID(j.Premises, premise) {
			dropped = append(dropped, j)
		} else {
			kept = append(kept, j)
		}
	}
	if len(dropped) == 0 {
		return len(kept) > 0
	}
	if len(kept) == 0 {
		delete(g.records, dependent)
	} else {
		g.records[dependent] = kept
	}
	for _, j := range dropped {
		g.unwire(dependent, j)
	}
	return len(kept) > 0
}

// DropRule removes every justification naming the rule and returns the
// facts left with no justification at all, ascending by ID.
func (g *JustificationGraph) DropRule(rule string) []FactID {
	var orphaned []FactID
	for fact, recs := range g.records {
		var kept, dropped []Justification
		for _, j := range recs {
			if j.Rule == rule {
				dropped = append(dropped, j)
			} else {
				kept = append(kept, j)
			}
		}
		if len(dropped) == 0 {
			continue
		}
		if len(kept) == 0 {
			delete(g.records, fact)
			orphaned = append(orphaned, fact)
		} else {
			g.records[fact] = kept
		}
		for _, j := range dropped {
			g.unwire(fact, j)
		}
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i] < orphaned[j] })
	return orphaned
}

// Remove deletes every justification of a fact (called when the fact
// itself is retracted).
func (g *JustificationGraph) Remove(fact FactID) {
	recs := g.records[fact]
	delete(g.records, fact)
	for _, j := range recs {
		g.unwire(fact, j)
	}
}

// unwire drops the premise->fact dependents edges of a removed record,
// keeping edges that a surviving record of the same fact still needs.
func (g *JustificationGraph) unwire(fact FactID, j Justification) {
	for _, p := range j.Premises {
		set, ok := g.dependents[p]
		if !ok {
			continue
		}
		stillUsed := false
		for _, other := range g.records[fact] {
			if containsID(other.Premises, p) {
				stillUsed = true
				break
			}
		}
		if !stillUsed {
			delete(set, fact)
			if len(set) == 0 {
				delete(g.dependents, p)
			}
		}
	}
}

func sameRecord(a, b Justification) bool {
	if a.Rule != b.Rule || len(a.Premises) != len(b.Premises) {
		return false
	}
	for i := range a.Premises {
		if a.Premises[i] != b.Premises[i] {
			return false
		}
	}
	return true
}

func containsID(ids []FactID, id FactID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
