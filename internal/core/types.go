// Package core implements the reasoning state of kgraphd: the fact store
// with its indices, the rule store, the justification graph, the
// forward-chaining inference engine with truth maintenance, the query
// evaluator, and the subgraph extractor. All mutation is serialized
// through the Engine; see engine.go.
package core

import (
	"time"

	"kgraphd/internal/term"
)

// FactID is the stable, monotonic identifier the store assigns on
// admission. IDs are never reused; retraction only sets a tombstone.
type FactID uint64

// Provenance is an opaque record attached to asserted facts and carried
// verbatim through justification output. The engine never matches on it.
type Provenance struct {
	Source       string    `json:"source,omitempty" yaml:"source,omitempty"`
	DocID        string    `json:"doc_id,omitempty" yaml:"doc_id,omitempty"`
	Span         string    `json:"span,omitempty" yaml:"span,omitempty"`
	Extractor    string    `json:"extractor,omitempty" yaml:"extractor,omitempty"`
	ModelVersion string    `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
}

// Fact is a ground compound admitted to the store.
type Fact struct {
	ID         FactID
	Term       term.Term
	Asserted   bool
	Confidence float64
	Provenance *Provenance
	Retracted  bool
}

// Justification witnesses one derivation of a fact: the producing rule,
// the premise IDs in condition order, and the binding that fired.
// A fact may hold several justifications (one per distinct derivation).
type Justification struct {
	Rule     string
	Premises []FactID
	Binding  term.Bindings
}

// RuleKind classifies how a rule entered the store. Kinds matter for
// reporting (rules/stat) and for the constraint check in the engine;
// the activation machinery treats all non-constraint kinds alike.
type RuleKind string

const (
	KindImplication RuleKind = "implication"
	KindInverse     RuleKind = "inverse"
	KindChain       RuleKind = "chain"
	KindTransitive  RuleKind = "transitivity"
	KindSymmetric   RuleKind = "symmetry"
	KindEquivalence RuleKind = "equivalence"
	KindDomain      RuleKind = "domain"
	KindRange       RuleKind = "range"
	KindSubsumption RuleKind = "subsumption"
	KindDisjoint    RuleKind = "disjointness-constraint"
)

// Rule is a compiled rule: an implicitly conjunctive condition and a
// conclusion template. Constraint rules carry no conclusion; they record
// a contradiction event instead of deriving.
type Rule struct {
	Name          string
	Kind          RuleKind
	Condition     []term.Term
	Conclusion    term.Term
	Constraint    bool
	Bidirectional bool
	Priority      int // higher fires first
}

// ContradictionEvent records a constraint rule firing. Contradictions are
// not errors; they are retrievable via the operational surface.
type ContradictionEvent struct {
	ID       string            `json:"id"`
	Rule     string            `json:"rule"`
	Binding  map[string]string `json:"binding"`
	Premises []FactID          `json:"premises"`
	Time     time.Time         `json:"time"`
}

// Caps bounds the reasoning state. Zero means unlimited.
type Caps struct {
	MaxFacts         int
	MaxQueryResults  int
	MaxRadius        int
	MaxSubgraphNodes int
}
