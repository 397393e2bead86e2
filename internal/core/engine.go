package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"kgraphd/internal/term"
)

// EventSink receives state-change events after each mutation settles.
// The audit log implements it; a nil sink disables eventing. The engine
// flushes events outside the derivation pass, never during it.
type EventSink interface {
	FactAsserted(f Fact)
	FactRetracted(id FactID, reason string)
	ContradictionRecorded(ev ContradictionEvent)
}

// Engine owns the fact store, rule store, and justification graph.
// All mutation funnels through a single goroutine draining a bounded
// inbox; reads take the read lock against a settled state, so a reader
// observes either the state before a mutation or after it, never a
// partial state.
type Engine struct {
	mu sync.RWMutex

	facts *FactStore
	rules *RuleStore
	just  *JustificationGraph

	caps Caps
	log  *zap.Logger
	sink EventSink

	contradictions []ContradictionEvent

	// contraSeen dedupes contradiction events per rule and binding,
	// keyed to the event's premises so retracting one reopens the key.
	contraSeen map[string][]FactID

	derivedCount int

	inbox chan task

	// onFatal is invoked on an engine invariant violation (a bug, not a
	// request error). The daemon exits with code 2 from here.
	onFatal func(error)

	// pending events collected during a mutation, flushed after settle.
	pendingEvents []func(EventSink)
}

type task struct {
	run   func()
	done  chan struct{}
	ctx   context.Context
	label string
}

// NewEngine creates an engine with the given caps. inboxDepth bounds the
// number of queued mutations; zero selects a sane default.
func NewEngine(caps Caps, inboxDepth int, log *zap.Logger) *Engine {
	if inboxDepth <= 0 {
		inboxDepth = 64
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		facts:      NewFactStore(),
		rules:      NewRuleStore(),
		just:       NewJustificationGraph(),
		caps:       caps,
		log:        log,
		contraSeen: make(map[string][]FactID),
		inbox:      make(chan task, inboxDepth),
		onFatal: func(err error) {
			log.Error("engine invariant violation", zap.Error(err))
		},
	}
}

// SetEventSink attaches the audit sink. Call before Run.
func (e *Engine) SetEventSink(s EventSink) { e.sink = s }

// SetFatalHandler overrides the invariant-violation handler. The daemon
// installs a handler that logs and exits with code 2.
func (e *Engine) SetFatalHandler(fn func(error)) {
	if fn != nil {
		e.onFatal = fn
	}
}

// Run drains the inbox until the context is cancelled. It is the only
// goroutine that mutates reasoning state.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-e.inbox:
			// A mutation that entered the inbox runs to fixed point even
			// if its requester has gone away; the bridge discards the
			// reply in that case.
			t.run()
			close(t.done)
		}
	}
}

// InboxDepth reports queued mutations (for /health).
func (e *Engine) InboxDepth() int { return len(e.inbox) }

// submit enqueues a mutation and waits for it to complete. If the
// caller's context expires before the task was enqueued, nothing ran;
// if it expires after, the task still runs and the result is discarded.
func (e *Engine) submit(ctx context.Context, label string, run func()) error {
	t := task{run: run, done: make(chan struct{}), ctx: ctx, label: label}
	select {
	case e.inbox <- t:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", label, ctx.Err())
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", label, ctx.Err())
	}
}

// ============================================================
// Mutations
// ============================================================

// Assertion is one external fact entering through the bridge. The
// caller resolves an absent confidence to 1.0 before submitting; the
// engine rejects values outside [0,1] per item.
type Assertion struct {
	Term       term.Term
	Confidence float64
	Provenance *Provenance
}

// AssertResult reports admission of one assertion.
type AssertResult struct {
	FactID   FactID
	Admitted bool // false when an identical live fact already existed
	Err      error
}

// AssertBatch admits a batch of assertions and runs inference to fixed
// point before returning. Per-item failures (caps) do not abort the rest.
func (e *Engine) AssertBatch(ctx context.Context, items []Assertion) ([]AssertResult, error) {
	results := make([]AssertResult, len(items))
	err := e.submit(ctx, "assert", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		var queue []FactID
		for i, a := range items {
			if !a.Term.IsGround() {
				results[i].Err = fmt.Errorf("assertion %s is not ground", a.Term)
				continue
			}
			if a.Confidence < 0 || a.Confidence > 1 {
				results[i].Err = fmt.Errorf("confidence %g outside [0,1]", a.Confidence)
				continue
			}
			if _, exists := e.facts.ByTerm(a.Term); !exists {
				if e.caps.MaxFacts > 0 && e.facts.LiveCount() >= e.caps.MaxFacts {
					results[i].Err = ErrCapacity
					continue
				}
			}
			id, fresh := e.facts.Admit(a.Term, true, a.Confidence, a.Provenance)
			results[i] = AssertResult{FactID: id, Admitted: fresh}
			if fresh {
				queue = append(queue, id)
				if f, ok := e.facts.Get(id); ok {
					fact := *f
					e.pendingEvents = append(e.pendingEvents, func(s EventSink) { s.FactAsserted(fact) })
				}
			}
		}
		e.settle(queue)
	})
	if err != nil {
		return nil, err
	}
	e.flushEvents()
	return results, nil
}

// ErrCapacity marks a cap rejection; the bridge maps it to
// capacity_exhausted.
var ErrCapacity = fmt.Errorf("capacity exhausted")

// ErrNotFound marks an unknown fact ID.
var ErrNotFound = fmt.Errorf("not found")

// RetractFact drops a fact's asserted origin and runs truth
// maintenance, returning every ID retracted as a consequence. A fact
// that also carries a rule derivation rooted in other asserted facts
// survives its own retraction; the well-foundedness sweep decides.
func (e *Engine) RetractFact(ctx context.Context, id FactID, reason string) ([]FactID, error) {
	var retracted []FactID
	var opErr error
	err := e.submit(ctx, "retract", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		f, ok := e.facts.Get(id)
		if !ok {
			opErr = ErrNotFound
			return
		}
		if f.Asserted && !f.Retracted && e.just.HasRecords(id) {
			f.Asserted = false
			retracted = e.sweepUnfounded(reason)
			sort.Slice(retracted, func(i, j int) bool { return retracted[i] < retracted[j] })
		} else {
			retracted = e.retractCascade(id, reason)
		}
		e.reseedAxioms()
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	e.flushEvents()
	return retracted, nil
}

// InstallReport summarizes a rule installation batch.
type InstallReport struct {
	Installed int
	Replaced  int
	Retracted []FactID // facts lost when replaced rules took sole support with them
}

// InstallRules installs or replaces compiled rules and evaluates each
// against the existing facts (cold join) to fixed point.
func (e *Engine) InstallRules(ctx context.Context, rules []*Rule) (InstallReport, error) {
	var report InstallReport
	var opErr error
	err := e.submit(ctx, "rules/load", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, r := range rules {
			if _, exists := e.rules.Get(r.Name); exists {
				report.Retracted = append(report.Retracted, e.dropRuleSupport(r.Name)...)
				report.Replaced++
			}
			if _, err := e.rules.Install(r); err != nil {
				opErr = err
				return
			}
			e.hintIndices(r)
			report.Installed++
		}
		for _, r := range rules {
			e.coldJoin(r)
		}
		e.reseedAxioms()
	})
	if err != nil {
		return InstallReport{}, err
	}
	if opErr != nil {
		return InstallReport{}, opErr
	}
	e.flushEvents()
	return report, nil
}

// RemoveRule deletes a rule; facts solely justified by it are retracted.
func (e *Engine) RemoveRule(ctx context.Context, name string) ([]FactID, error) {
	var retracted []FactID
	var opErr error
	err := e.submit(ctx, "rules/remove", func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.rules.Remove(name) {
			opErr = ErrNotFound
			return
		}
		retracted = e.dropRuleSupport(name)
	})
	if err != nil {
		return nil, err
	}
	if opErr != nil {
		return nil, opErr
	}
	e.flushEvents()
	return retracted, nil
}

// dropRuleSupport removes the rule's justifications and cascades
// retraction of derived facts left without support.
func (e *Engine) dropRuleSupport(name string) []FactID {
	var all []FactID
	for _, orphan := range e.just.DropRule(name) {
		f, ok := e.facts.Get(orphan)
		if !ok || f.Retracted || f.Asserted {
			continue
		}
		all = append(all, e.retractCascade(orphan, "rule removed: "+name)...)
	}
	return all
}

// hintIndices enables argument indices for the ground arguments of each
// condition pattern. Indices are created lazily, on first rule that
// needs them.
func (e *Engine) hintIndices(r *Rule) {
	for _, c := range r.Condition {
		if c.Kind != term.KindCompound {
			continue
		}
		for pos, arg := range c.Args {
			if arg.IsGround() {
				e.facts.EnableArgIndex(c.Functor, len(c.Args), pos)
			}
		}
	}
}

// ============================================================
// Truth maintenance
// ============================================================

// retractCascade tombstones id and transitively retracts derived facts
// whose every justification lost a premise, then sweeps unfounded
// support cycles until stable.
func (e *Engine) retractCascade(id FactID, reason string) []FactID {
	var out []FactID
	worklist := []FactID{id}
	for len(worklist) > 0 {
		f := worklist[0]
		worklist = worklist[1:]
		if !e.facts.Retract(f) {
			continue
		}
		out = append(out, f)
		e.forgetContradictions(f)
		e.pendingEvents = append(e.pendingEvents, func(s EventSink) { s.FactRetracted(f, reason) })

		deps := e.just.Dependents(f)
		e.just.Remove(f)
		for _, g := range deps {
			if e.just.DropPremise(g, f) {
				continue
			}
			gf, ok := e.facts.Get(g)
			if !ok {
				e.onFatal(fmt.Errorf("justification graph references unknown fact %d", g))
				continue
			}
			if !gf.Retracted && !gf.Asserted {
				worklist = append(worklist, g)
			}
		}
	}
	out = append(out, e.sweepUnfounded(reason)...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// sweepUnfounded retracts derived facts kept alive only by support
// cycles. It iterates to a fixed point; every pass strictly shrinks the
// live derived set, so it terminates.
func (e *Engine) sweepUnfounded(reason string) []FactID {
	var out []FactID
	for {
		grounded := make(map[FactID]struct{})
		var derived []FactID
		for id := FactID(1); id <= e.facts.LastID(); id++ {
			f, ok := e.facts.Get(id)
			if !ok || f.Retracted {
				continue
			}
			if f.Asserted {
				grounded[id] = struct{}{}
			} else {
				derived = append(derived, id)
			}
		}

		// Propagate well-founded support from asserted facts.
		changed := true
		for changed {
			changed = false
			for _, id := range derived {
				if _, ok := grounded[id]; ok {
					continue
				}
				for _, j := range e.just.Records(id) {
					supported := true
					for _, p := range j.Premises {
						if _, ok := grounded[p]; !ok {
							supported = false
							break
						}
					}
					if supported {
						grounded[id] = struct{}{}
						changed = true
						break
					}
				}
			}
		}

		var doomed []FactID
		for _, id := range derived {
			if _, ok := grounded[id]; !ok {
				doomed = append(doomed, id)
			}
		}
		if len(doomed) == 0 {
			return out
		}
		for _, id := range doomed {
			if e.facts.Retract(id) {
				out = append(out, id)
				e.forgetContradictions(id)
				deps := e.just.Dependents(id)
				e.just.Remove(id)
				for _, g := range deps {
					e.just.DropPremise(g, id)
				}
				id := id
				e.pendingEvents = append(e.pendingEvents, func(s EventSink) { s.FactRetracted(id, reason) })
			}
		}
	}
}

// forgetContradictions reopens contradiction dedup keys whose recorded
// premises include the retracted fact, so a re-introduced conflict is
// recorded again.
func (e *Engine) forgetContradictions(id FactID) {
	for key, premises := range e.contraSeen {
		if containsID(premises, id) {
			delete(e.contraSeen, key)
		}
	}
}

// reseedAxioms re-admits conclusions of empty-condition rules that were
// retracted.
func (e *Engine) reseedAxioms() {
	var queue []FactID
	for _, r := range e.rules.All() {
		if r.Constraint || len(r.Condition) > 0 {
			continue
		}
		if _, live := e.facts.ByTerm(r.Conclusion); live {
			continue
		}
		id, fresh := e.facts.Admit(r.Conclusion, false, 1.0, nil)
		if fresh {
			e.just.Add(id, Justification{Rule: r.Name})
			e.derivedCount++
			queue = append(queue, id)
		}
	}
	if len(queue) > 0 {
		e.settle(queue)
	}
}

// ============================================================
// Forward chaining
// ============================================================

// settle drains the derivation queue to fixed point. Each queued fact is
// joined against every rule that mentions its head in a condition; at
// most one premise of an activation is the freshly admitted fact, the
// rest come from live facts, so the join is semi-naive. Duplicate
// activations reached through different "new" premises collapse in the
// justification dedupe.
func (e *Engine) settle(queue []FactID) {
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		f, ok := e.facts.Get(id)
		if !ok || f.Retracted {
			continue
		}
		for _, r := range e.rules.Matching(f.Term.HeadKey()) {
			queue = append(queue, e.fireWithNew(r, f)...)
		}
	}
}

// coldJoin evaluates a newly installed rule against all live facts.
func (e *Engine) coldJoin(r *Rule) {
	if r.Constraint || len(r.Condition) == 0 {
		if r.Constraint && len(r.Condition) > 0 {
			var queue []FactID
			e.joinFrom(r, 0, term.Bindings{}, nil, &queue)
			e.settle(queue)
		}
		return
	}
	var queue []FactID
	e.joinFrom(r, 0, term.Bindings{}, nil, &queue)
	e.settle(queue)
}

// fireWithNew attempts every activation of r in which the fresh fact f
// serves as one premise. Returns newly derived fact IDs.
func (e *Engine) fireWithNew(r *Rule, f *Fact) []FactID {
	var derived []FactID
	for i, pattern := range r.Condition {
		b, ok := term.Unify(pattern, f.Term, term.Bindings{})
		if !ok {
			continue
		}
		premises := make([]FactID, len(r.Condition))
		premises[i] = f.ID
		e.joinRest(r, b, premises, i, 0, &derived)
	}
	return derived
}

// joinRest extends a partial activation over the remaining condition
// patterns, skipping the pinned position. pos walks the condition in
// order so premise lists match condition order.
func (e *Engine) joinRest(r *Rule, b term.Bindings, premises []FactID, pinned, pos int, derived *[]FactID) {
	if pos == len(r.Condition) {
		e.conclude(r, b, premises, derived)
		return
	}
	if pos == pinned {
		e.joinRest(r, b, premises, pinned, pos+1, derived)
		return
	}
	for _, cand := range e.candidates(r.Condition[pos], b) {
		nb, ok := term.Unify(r.Condition[pos], cand.Term, b)
		if !ok {
			continue
		}
		premises[pos] = cand.ID
		e.joinRest(r, nb, premises, pinned, pos+1, derived)
	}
	premises[pos] = 0
}

// joinFrom is the cold-join variant: no pinned premise, every pattern
// ranges over live facts.
func (e *Engine) joinFrom(r *Rule, pos int, b term.Bindings, premises []FactID, derived *[]FactID) {
	if pos == len(r.Condition) {
		p := append([]FactID(nil), premises...)
		e.conclude(r, b, p, derived)
		return
	}
	for _, cand := range e.candidates(r.Condition[pos], b) {
		nb, ok := term.Unify(r.Condition[pos], cand.Term, b)
		if !ok {
			continue
		}
		e.joinFrom(r, pos+1, nb, append(premises, cand.ID), derived)
	}
}

// candidates picks the cheapest available index for a condition pattern
// under the current binding: exact term, argument index, or head scan.
func (e *Engine) candidates(pattern term.Term, b term.Bindings) []*Fact {
	bound := b.Apply(pattern)
	if bound.IsGround() {
		if f, ok := e.facts.ByTerm(bound); ok {
			return []*Fact{f}
		}
		return nil
	}
	if bound.Kind == term.KindCompound {
		for pos, arg := range bound.Args {
			if arg.IsGround() {
				e.facts.EnableArgIndex(bound.Functor, len(bound.Args), pos)
				return e.facts.LookupByArg(bound.Functor, len(bound.Args), pos, arg)
			}
		}
	}
	return e.facts.Lookup(pattern.Functor, pattern.Arity())
}

// conclude finishes one complete activation: record a contradiction for
// constraint rules, otherwise derive the conclusion.
func (e *Engine) conclude(r *Rule, b term.Bindings, premises []FactID, derived *[]FactID) {
	if r.Constraint {
		e.recordContradiction(r, b, premises)
		return
	}

	conclusion := b.Apply(r.Conclusion)
	if !conclusion.IsGround() {
		e.log.Warn("skipping under-bound conclusion",
			zap.String("rule", r.Name),
			zap.String("conclusion", conclusion.String()))
		return
	}

	id, fresh := e.facts.Admit(conclusion, false, 1.0, nil)
	if containsID(premises, id) {
		// Self-support is forbidden.
		return
	}
	j := Justification{Rule: r.Name, Premises: append([]FactID(nil), premises...), Binding: b.Clone()}
	if !e.just.Add(id, j) {
		return
	}
	if fresh {
		e.derivedCount++
		*derived = append(*derived, id)
	}
}

func (e *Engine) recordContradiction(r *Rule, b term.Bindings, premises []FactID) {
	key := r.Name + "|" + bindingKey(b)
	if _, seen := e.contraSeen[key]; seen {
		return
	}
	e.contraSeen[key] = append([]FactID(nil), premises...)

	binding := make(map[string]string, len(b))
	for _, name := range b.Names() {
		binding[name] = b[name].String()
	}
	ev := ContradictionEvent{
		ID:       uuid.NewString(),
		Rule:     r.Name,
		Binding:  binding,
		Premises: append([]FactID(nil), premises...),
		Time:     time.Now().UTC(),
	}
	e.contradictions = append(e.contradictions, ev)
	e.pendingEvents = append(e.pendingEvents, func(s EventSink) { s.ContradictionRecorded(ev) })
	e.log.Info("contradiction recorded",
		zap.String("rule", r.Name),
		zap.Any("binding", binding))
}

func bindingKey(b term.Bindings) string {
	out := ""
	for _, name := range b.Names() {
		out += name + "=" + b[name].Key() + ";"
	}
	return out
}

func (e *Engine) flushEvents() {
	e.mu.Lock()
	pending := e.pendingEvents
	e.pendingEvents = nil
	sink := e.sink
	e.mu.Unlock()
	if sink == nil {
		return
	}
	for _, emit := range pending {
		emit(sink)
	}
}
