// Package rulepack compiles declarative rule-pack documents (YAML) into
// executable rules for the core engine. The document schema is closed:
// unknown top-level keys are rejected, not ignored, so illustrative
// examples cannot drift from what the compiler accepts.
package rulepack

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"kgraphd/internal/core"
	"kgraphd/internal/term"
)

// Pack is the declarative rule-pack document.
type Pack struct {
	Name string `yaml:"name"`

	Inverse    []InversePair `yaml:"inverse"`
	Chains     []Chain       `yaml:"chains"`
	Transitive []string      `yaml:"transitive"`
	Symmetric  []string      `yaml:"symmetric"`
	Equivalent []ClassPair   `yaml:"equivalent"`
	Disjoint   [][]string    `yaml:"disjoint"`
	Subclass   []SubclassAx  `yaml:"subclass"`
	Domain     []PropClass   `yaml:"domain"`
	Range      []PropClass   `yaml:"range"`
	Rules      []FreeRule    `yaml:"rules"`
}

// InversePair declares inverse(P, Q).
type InversePair struct {
	P string `yaml:"p"`
	Q string `yaml:"q"`
}

// Chain declares chain(Via... => Implies).
type Chain struct {
	Via     []string `yaml:"via"`
	Implies string   `yaml:"implies"`
}

// ClassPair declares equivalent(A, B).
type ClassPair struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// SubclassAx declares subClass(Sub, Super).
type SubclassAx struct {
	Sub   string `yaml:"sub"`
	Super string `yaml:"super"`
}

// PropClass declares domain(P, Class) or range(P, Class).
type PropClass struct {
	P     string `yaml:"p"`
	Class string `yaml:"class"`
}

// FreeRule is a pass-through implication in compact pattern text.
type FreeRule struct {
	Name          string   `yaml:"name"`
	If            []string `yaml:"if"`
	Then          string   `yaml:"then"`
	Priority      int      `yaml:"priority"`
	Bidirectional bool     `yaml:"bidirectional"`
}

// Rejection explains why one construct was not compiled.
type Rejection struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Report summarizes a compilation.
type Report struct {
	Pack     string      `json:"pack"`
	Compiled int         `json:"compiled"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

var knownKeys = map[string]struct{}{
	"name": {}, "inverse": {}, "chains": {}, "transitive": {},
	"symmetric": {}, "equivalent": {}, "disjoint": {}, "subclass": {},
	"domain": {}, "range": {}, "rules": {},
}

// UnsupportedKeysError lists the top-level keys a document used that the
// schema does not define. The bridge maps it to its own error kind,
// distinct from a malformed document.
type UnsupportedKeysError struct {
	Keys []string
}

func (e *UnsupportedKeysError) Error() string {
	return "unsupported rule-pack keys: " + strings.Join(e.Keys, ", ")
}

// Parse decodes a rule-pack document, rejecting unknown top-level keys
// with the full list of unsupported keys.
func Parse(data []byte) (*Pack, error) {
	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	var unknown []string
	for key := range probe {
		if _, ok := knownKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, &UnsupportedKeysError{Keys: unknown}
	}

	var p Pack
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse rule pack: %w", err)
	}
	return &p, nil
}

// Compile expands the declarative constructs into engine rules. Invalid
// constructs are collected as rejections without aborting the rest.
func Compile(p *Pack) ([]*core.Rule, *Report) {
	report := &Report{Pack: p.Name}
	var rules []*core.Rule

	add := func(r *core.Rule, key string) {
		if err := r.Validate(); err != nil {
			report.Rejected = append(report.Rejected, Rejection{Key: key, Reason: err.Error()})
			return
		}
		rules = append(rules, r)
		report.Compiled++
	}
	reject := func(key, reason string) {
		report.Rejected = append(report.Rejected, Rejection{Key: key, Reason: reason})
	}

	x := term.Var("x")
	y := term.Var("y")
	z := term.Var("z")

	for _, iv := range p.Inverse {
		if iv.P == "" || iv.Q == "" {
			reject("inverse", "both p and q are required")
			continue
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("inverse_%s_%s", iv.P, iv.Q),
			Kind:       core.KindInverse,
			Condition:  []term.Term{term.Compound(iv.P, x, y)},
			Conclusion: term.Compound(iv.Q, y, x),
		}, "inverse")
		add(&core.Rule{
			Name:       fmt.Sprintf("inverse_%s_%s", iv.Q, iv.P),
			Kind:       core.KindInverse,
			Condition:  []term.Term{term.Compound(iv.Q, x, y)},
			Conclusion: term.Compound(iv.P, y, x),
		}, "inverse")
	}

	for _, c := range p.Chains {
		if len(c.Via) < 2 || c.Implies == "" {
			reject("chains", "a chain needs at least two links and an implied property")
			continue
		}
		cond := make([]term.Term, len(c.Via))
		for i, link := range c.Via {
			cond[i] = term.Compound(link, chainVar(i), chainVar(i+1))
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("chain_%s_%s", c.Implies, strings.Join(c.Via, "_")),
			Kind:       core.KindChain,
			Condition:  cond,
			Conclusion: term.Compound(c.Implies, chainVar(0), chainVar(len(c.Via))),
		}, "chains")
	}

	for _, prop := range p.Transitive {
		add(&core.Rule{
			Name:       fmt.Sprintf("transitive_%s", prop),
			Kind:       core.KindTransitive,
			Condition:  []term.Term{term.Compound(prop, x, y), term.Compound(prop, y, z)},
			Conclusion: term.Compound(prop, x, z),
		}, "transitive")
	}

	for _, prop := range p.Symmetric {
		add(&core.Rule{
			Name:       fmt.Sprintf("symmetric_%s", prop),
			Kind:       core.KindSymmetric,
			Condition:  []term.Term{term.Compound(prop, x, y)},
			Conclusion: term.Compound(prop, y, x),
		}, "symmetric")
	}

	for _, eq := range p.Equivalent {
		if eq.A == "" || eq.B == "" {
			reject("equivalent", "both a and b are required")
			continue
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("equivalent_%s_%s", eq.A, eq.B),
			Kind:       core.KindEquivalence,
			Condition:  []term.Term{term.Compound("isa", x, term.Atom(eq.A))},
			Conclusion: term.Compound("isa", x, term.Atom(eq.B)),
		}, "equivalent")
		add(&core.Rule{
			Name:       fmt.Sprintf("equivalent_%s_%s", eq.B, eq.A),
			Kind:       core.KindEquivalence,
			Condition:  []term.Term{term.Compound("isa", x, term.Atom(eq.B))},
			Conclusion: term.Compound("isa", x, term.Atom(eq.A)),
		}, "equivalent")
	}

	for _, group := range p.Disjoint {
		if len(group) < 2 {
			reject("disjoint", "a disjoint set needs at least two classes")
			continue
		}
		// Pairwise expansion keeps conditions binary.
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				add(&core.Rule{
					Name: fmt.Sprintf("disjoint_%s_%s", group[i], group[j]),
					Kind: core.KindDisjoint,
					Condition: []term.Term{
						term.Compound("isa", x, term.Atom(group[i])),
						term.Compound("isa", x, term.Atom(group[j])),
					},
					Constraint: true,
				}, "disjoint")
			}
		}
	}

	for _, sc := range p.Subclass {
		if sc.Sub == "" || sc.Super == "" {
			reject("subclass", "both sub and super are required")
			continue
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("subclass_%s_%s", sc.Sub, sc.Super),
			Kind:       core.KindSubsumption,
			Condition:  []term.Term{term.Compound("isa", x, term.Atom(sc.Sub))},
			Conclusion: term.Compound("isa", x, term.Atom(sc.Super)),
		}, "subclass")
	}

	for _, d := range p.Domain {
		if d.P == "" || d.Class == "" {
			reject("domain", "both p and class are required")
			continue
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("domain_%s_%s", d.P, d.Class),
			Kind:       core.KindDomain,
			Condition:  []term.Term{term.Compound(d.P, x, y)},
			Conclusion: term.Compound("isa", x, term.Atom(d.Class)),
		}, "domain")
	}

	for _, r := range p.Range {
		if r.P == "" || r.Class == "" {
			reject("range", "both p and class are required")
			continue
		}
		add(&core.Rule{
			Name:       fmt.Sprintf("range_%s_%s", r.P, r.Class),
			Kind:       core.KindRange,
			Condition:  []term.Term{term.Compound(r.P, x, y)},
			Conclusion: term.Compound("isa", y, term.Atom(r.Class)),
		}, "range")
	}

	for _, fr := range p.Rules {
		compileFree(fr, add, reject)
	}

	return rules, report
}

// compileFree parses a pass-through implication and, for bidirectional
// single-premise rules, its swapped form.
func compileFree(fr FreeRule, add func(*core.Rule, string), reject func(key, reason string)) {
	if fr.Name == "" {
		reject("rules", "free rule without a name")
		return
	}
	var cond []term.Term
	for _, pat := range fr.If {
		t, err := term.ParsePattern(pat)
		if err != nil {
			reject("rules", fmt.Sprintf("%s: %v", fr.Name, err))
			return
		}
		cond = append(cond, t)
	}
	concl, err := term.ParsePattern(fr.Then)
	if err != nil {
		reject("rules", fmt.Sprintf("%s: %v", fr.Name, err))
		return
	}
	add(&core.Rule{
		Name:          fr.Name,
		Kind:          core.KindImplication,
		Condition:     cond,
		Conclusion:    concl,
		Priority:      fr.Priority,
		Bidirectional: fr.Bidirectional,
	}, "rules")

	if fr.Bidirectional {
		if len(cond) != 1 {
			reject("rules", fmt.Sprintf("%s: bidirectional requires a single-premise condition", fr.Name))
			return
		}
		add(&core.Rule{
			Name:          fr.Name + "_swapped",
			Kind:          core.KindImplication,
			Condition:     []term.Term{concl},
			Conclusion:    cond[0],
			Priority:      fr.Priority,
			Bidirectional: true,
		}, "rules")
	}
}

func chainVar(i int) term.Term {
	return term.Var(fmt.Sprintf("x%d", i))
}

// Serialize renders compiled rules in a stable, inspectable text form.
func Serialize(rules []*core.Rule) string {
	var sb strings.Builder
	for _, r := range rules {
		sb.WriteString(r.Name)
		sb.WriteString(" [")
		sb.WriteString(string(r.Kind))
		sb.WriteString("]: ")
		for i, c := range r.Condition {
			if i > 0 {
				sb.WriteString(" & ")
			}
			sb.WriteString(c.String())
		}
		if len(r.Condition) == 0 {
			sb.WriteString("true")
		}
		sb.WriteString(" => ")
		if r.Constraint {
			sb.WriteString("contradiction")
		} else {
			sb.WriteString(r.Conclusion.String())
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
