package core

import (
	"context"
	"fmt"
	"strings"

	"kgraphd/internal/term"
)

// QueryFilters post-filter a pattern match.
type QueryFilters struct {
	Limit         int      // 0 yields nothing, negative falls back to the engine cap
	MinConfidence float64  // drop matches below this confidence
	Sources       []string // provenance source allow-list, empty allows all
	Justification bool     // attach a justification summary per match
}

// QueryMatch is one pattern match.
type QueryMatch struct {
	FactID     FactID            `json:"fact_id"`
	Bindings   map[string]string `json:"bindings"`
	Term       string            `json:"term"`
	Confidence float64           `json:"confidence"`
	Asserted   bool              `json:"asserted"`

	// JustificationSummary is the rule-name chain of the first
	// justification record (records ordered by rule name), leaves last.
	JustificationSummary []string `json:"justification_summary,omitempty"`
}

// Query enumerates live facts matching the pattern, ascending by fact ID.
// The deadline is honored between candidates; an expired context yields
// a context error and no partial results.
func (e *Engine) Query(ctx context.Context, pattern term.Term, f QueryFilters) ([]QueryMatch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if f.Limit == 0 {
		return []QueryMatch{}, nil
	}
	limit := f.Limit
	if limit < 0 {
		limit = 0
	}
	if e.caps.MaxQueryResults > 0 && (limit == 0 || limit > e.caps.MaxQueryResults) {
		limit = e.caps.MaxQueryResults
	}

	var out []QueryMatch
	for _, cand := range e.queryCandidates(pattern) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, ok := term.Unify(pattern, cand.Term, term.Bindings{})
		if !ok {
			continue
		}
		if f.MinConfidence > 0 && cand.Confidence < f.MinConfidence {
			continue
		}
		if len(f.Sources) > 0 && !sourceAllowed(cand.Provenance, f.Sources) {
			continue
		}
		m := QueryMatch{
			FactID:     cand.ID,
			Bindings:   bindingStrings(b),
			Term:       cand.Term.String(),
			Confidence: cand.Confidence,
			Asserted:   cand.Asserted,
		}
		if f.Justification {
			m.JustificationSummary = e.justificationSummary(cand.ID)
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []QueryMatch{}
	}
	return out, nil
}

// queryCandidates dispatches on the head index, intersecting with an
// argument index when the pattern carries a ground argument.
func (e *Engine) queryCandidates(pattern term.Term) []*Fact {
	if pattern.Kind != term.KindCompound {
		// A bare atom pattern is an existence check over mentions.
		return e.facts.Mentioning(pattern.Functor)
	}
	for pos, arg := range pattern.Args {
		if arg.IsGround() {
			// LookupByArg uses the argument index when a rule hinted it
			// and degrades to a head scan otherwise; reads never build
			// indices.
			return e.facts.LookupByArg(pattern.Functor, len(pattern.Args), pos, arg)
		}
	}
	return e.facts.Lookup(pattern.Functor, pattern.Arity())
}

// Search is the substring surface: it matches the printed form of every
// live fact, ascending by ID. Limit follows QueryFilters.Limit: zero
// yields nothing, negative falls back to the engine cap.
func (e *Engine) Search(ctx context.Context, needle string, limit int) ([]QueryMatch, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if limit == 0 {
		return []QueryMatch{}, nil
	}
	if limit < 0 {
		limit = 0
	}
	if e.caps.MaxQueryResults > 0 && (limit == 0 || limit > e.caps.MaxQueryResults) {
		limit = e.caps.MaxQueryResults
	}
	var out []QueryMatch
	for id := FactID(1); id <= e.facts.LastID(); id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, ok := e.facts.Get(id)
		if !ok || f.Retracted {
			continue
		}
		printed := f.Term.String()
		if !strings.Contains(printed, needle) {
			continue
		}
		out = append(out, QueryMatch{
			FactID:     f.ID,
			Bindings:   map[string]string{},
			Term:       printed,
			Confidence: f.Confidence,
			Asserted:   f.Asserted,
		})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if out == nil {
		out = []QueryMatch{}
	}
	return out, nil
}

// justificationSummary walks the first justification record (by rule
// name) of the fact and its premises, collecting rule names in order.
func (e *Engine) justificationSummary(id FactID) []string {
	var rules []string
	seen := map[FactID]struct{}{}
	var walk func(FactID)
	walk = func(f FactID) {
		if _, ok := seen[f]; ok {
			return
		}
		seen[f] = struct{}{}
		recs := e.just.Records(f)
		if len(recs) == 0 {
			return
		}
		first := recs[0]
		rules = append(rules, first.Rule)
		for _, p := range first.Premises {
			walk(p)
		}
	}
	walk(id)
	return rules
}

// ============================================================
// Why: justification DAG reconstruction
// ============================================================

// ProofNode is one node of the justification DAG rooted at a fact.
type ProofNode struct {
	FactID     FactID       `json:"fact_id"`
	Term       string       `json:"term"`
	Asserted   bool         `json:"asserted"`
	Confidence float64      `json:"confidence"`
	Provenance *Provenance  `json:"provenance,omitempty"`
	Rules      []string     `json:"rules,omitempty"`
	Supports   []*ProofNode `json:"supports,omitempty"`
	Truncated  bool         `json:"truncated,omitempty"` // depth bound hit
}

// Why reconstructs the justification DAG for a fact, bounded by maxDepth
// (0 selects a default of 10). Shared premises are expanded once per
// path; cycles terminate at the depth bound.
func (e *Engine) Why(ctx context.Context, id FactID, maxDepth int) (*ProofNode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if maxDepth <= 0 {
		maxDepth = 10
	}
	f, ok := e.facts.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e.proofNode(f, maxDepth, map[FactID]struct{}{}), ctx.Err()
}

// WhyTerm resolves a printed ground term to its live fact and defers to
// Why.
func (e *Engine) WhyTerm(ctx context.Context, t term.Term, maxDepth int) (*ProofNode, error) {
	e.mu.RLock()
	f, ok := e.facts.ByTerm(t)
	e.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e.Why(ctx, f.ID, maxDepth)
}

func (e *Engine) proofNode(f *Fact, depth int, path map[FactID]struct{}) *ProofNode {
	node := &ProofNode{
		FactID:     f.ID,
		Term:       f.Term.String(),
		Asserted:   f.Asserted,
		Confidence: f.Confidence,
		Provenance: f.Provenance,
	}
	recs := e.just.Records(f.ID)
	for _, j := range recs {
		node.Rules = append(node.Rules, j.Rule)
	}
	if len(recs) == 0 || depth == 0 {
		node.Truncated = len(recs) > 0 && depth == 0
		return node
	}

	path[f.ID] = struct{}{}
	defer delete(path, f.ID)

	for _, p := range recs[0].Premises {
		if _, onPath := path[p]; onPath {
			continue
		}
		pf, ok := e.facts.Get(p)
		if !ok {
			e.onFatal(errUnknownPremise(f.ID, p))
			continue
		}
		node.Supports = append(node.Supports, e.proofNode(pf, depth-1, path))
	}
	return node
}

func errUnknownPremise(fact, premise FactID) error {
	return fmt.Errorf("justification of fact %d references unknown fact %d", fact, premise)
}

// ============================================================
// Snapshot & contradictions
// ============================================================

// Snapshot is the engine state summary surfaced by /health.
type Snapshot struct {
	FactCount          int    `json:"fact_count"`
	DerivedCount       int    `json:"derived_count"`
	RuleCount          int    `json:"rule_count"`
	InboxDepth         int    `json:"inbox_depth"`
	ContradictionCount int    `json:"contradiction_count"`
	LastFactID         FactID `json:"last_fact_id"`
}

// Stats returns the current snapshot.
func (e *Engine) Stats() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		FactCount:          e.facts.LiveCount(),
		DerivedCount:       e.derivedCount,
		RuleCount:          e.rules.Count(),
		InboxDepth:         len(e.inbox),
		ContradictionCount: len(e.contradictions),
		LastFactID:         e.facts.LastID(),
	}
}

// RuleStats returns rule counts by kind.
func (e *Engine) RuleStats() (total int, byKind map[string]int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules.Count(), e.rules.StatsByKind()
}

// Contradictions returns recorded contradiction events, oldest first.
func (e *Engine) Contradictions() []ContradictionEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]ContradictionEvent(nil), e.contradictions...)
}

// GetFact returns a copy of a fact record.
func (e *Engine) GetFact(id FactID) (Fact, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.facts.Get(id)
	if !ok {
		return Fact{}, false
	}
	return *f, true
}

func bindingStrings(b term.Bindings) map[string]string {
	out := make(map[string]string, len(b))
	for _, name := range b.Names() {
		out["?"+name] = b[name].String()
	}
	return out
}

func sourceAllowed(p *Provenance, allow []string) bool {
	if p == nil {
		return false
	}
	for _, s := range allow {
		if s == p.Source {
			return true
		}
	}
	return false
}
