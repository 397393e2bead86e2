package core

import (
	"fmt"
	"sort"

	"kgraphd/internal/term"
)

// RuleStore holds compiled rules keyed by name and grouped by the head
// key of each condition pattern, which drives index-based activation.
type RuleStore struct {
	byName map[string]*Rule
	byCond map[string][]*Rule // condition head key -> rules referencing it
}

// NewRuleStore creates an empty rule store.
func NewRuleStore() *RuleStore {
	return &RuleStore{
		byName: make(map[string]*Rule),
		byCond: make(map[string][]*Rule),
	}
}

// Validate checks that a rule is well formed: a name, a conclusion unless
// it is a constraint, and a conclusion whose variables all appear in the
// condition (under-binding is a compile-time rejection).
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule without a name")
	}
	if r.Constraint {
		return nil
	}
	if r.Conclusion.Kind != term.KindCompound {
		return fmt.Errorf("rule %s: conclusion must be a compound", r.Name)
	}
	bound := map[string]struct{}{}
	for _, c := range r.Condition {
		for _, v := range c.Variables() {
			bound[v] = struct{}{}
		}
	}
	for _, v := range r.Conclusion.Variables() {
		if _, ok := bound[v]; !ok {
			return fmt.Errorf("rule %s: conclusion variable ?%s not bound by condition", r.Name, v)
		}
	}
	return nil
}

// Install adds or replaces a rule. It reports whether a rule of the same
// name was replaced, so the engine can rebuild dependent state.
func (rs *RuleStore) Install(r *Rule) (replaced bool, err error) {
	if err := r.Validate(); err != nil {
		return false, err
	}
	if _, ok := rs.byName[r.Name]; ok {
		rs.removeFromGroups(r.Name)
		replaced = true
	}
	rs.byName[r.Name] = r
	seen := map[string]struct{}{}
	for _, c := range r.Condition {
		key := c.HeadKey()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rs.byCond[key] = append(rs.byCond[key], r)
	}
	return replaced, nil
}

// Remove deletes a rule by name. The engine retracts facts solely
// justified by it afterwards.
func (rs *RuleStore) Remove(name string) bool {
	if _, ok := rs.byName[name]; !ok {
		return false
	}
	rs.removeFromGroups(name)
	delete(rs.byName, name)
	return true
}

// Get returns a rule by name.
func (rs *RuleStore) Get(name string) (*Rule, bool) {
	r, ok := rs.byName[name]
	return r, ok
}

// Matching returns the rules with at least one condition pattern of the
// given head key, in activation order: descending priority, then name.
func (rs *RuleStore) Matching(headKey string) []*Rule {
	rules := append([]*Rule(nil), rs.byCond[headKey]...)
	sortRules(rules)
	return rules
}

// All returns every rule in activation order.
func (rs *RuleStore) All() []*Rule {
	rules := make([]*Rule, 0, len(rs.byName))
	for _, r := range rs.byName {
		rules = append(rules, r)
	}
	sortRules(rules)
	return rules
}

// Count returns the number of installed rules.
func (rs *RuleStore) Count() int { return len(rs.byName) }

// StatsByKind counts rules per kind for the rules/stat surface.
func (rs *RuleStore) StatsByKind() map[string]int {
	out := make(map[string]int)
	for _, r := range rs.byName {
		out[string(r.Kind)]++
	}
	return out
}

func (rs *RuleStore) removeFromGroups(name string) {
	old := rs.byName[name]
	for _, c := range old.Condition {
		key := c.HeadKey()
		kept := rs.byCond[key][:0]
		for _, r := range rs.byCond[key] {
			if r.Name != name {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(rs.byCond, key)
		} else {
			rs.byCond[key] = kept
		}
	}
}

func sortRules(rules []*Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}
