package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kgraphd/internal/term"
)

func TestQueryBindsVariables(t *testing.T) {
	e := newTestEngine(t, Caps{})
	assertAll(t, e,
		term.Triple("a", "parent", "b"),
		term.Triple("b", "parent", "c"),
		term.Triple("a", "likes", "c"),
	)

	matches, err := e.Query(context.Background(),
		term.Compound("parent", term.Atom("a"), term.Var("who")), QueryFilters{Limit: -1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].Bindings["?who"])
	assert.True(t, matches[0].Asserted)

	matches, err = e.Query(context.Background(),
		term.Compound("parent", term.Var("p"), term.Var("c")), QueryFilters{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, matches, 2)
	assert.True(t, matches[0].FactID < matches[1].FactID, "ascending by fact ID")
}

func TestQueryNoMatchesIsEmptyNotError(t *testing.T) {
	e := newTestEngine(t, Caps{})
	matches, err := e.Query(context.Background(),
		term.Compound("parent", term.Var("x"), term.Var("y")), QueryFilters{Limit: -1})
	require.NoError(t, err)
	assert.NotNil(t, matches)
	assert.Empty(t, matches)
}

func TestQueryLimitAndCap(t *testing.T) {
	e := newTestEngine(t, Caps{MaxQueryResults: 3})
	assertAll(t, e,
		term.Triple("a", "p", "b"),
		term.Triple("a", "p", "c"),
		term.Triple("a", "p", "d"),
		term.Triple("a", "p", "e"),
	)
	pattern := term.Compound("p", term.Atom("a"), term.Var("x"))

	matches, err := e.Query(context.Background(), pattern, QueryFilters{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, matches, 3, "engine cap applies when no limit is set")

	matches, err = e.Query(context.Background(), pattern, QueryFilters{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = e.Query(context.Background(), pattern, QueryFilters{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 3, "requested limit is clamped to the cap")

	matches, err = e.Query(context.Background(), pattern, QueryFilters{Limit: 0})
	require.NoError(t, err)
	assert.Empty(t, matches, "an explicit zero limit yields nothing")

	matches, err = e.Search(context.Background(), "p", 0)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestQueryConfidenceAndSourceFilters(t *testing.T) {
	e := newTestEngine(t, Caps{})
	_, err := e.AssertBatch(context.Background(), []Assertion{
		{Term: term.Triple("a", "p", "b"), Confidence: 0.9, Provenance: &Provenance{Source: "curated"}},
		{Term: term.Triple("a", "p", "c"), Confidence: 0.4, Provenance: &Provenance{Source: "extracted"}},
	})
	require.NoError(t, err)
	pattern := term.Compound("p", term.Atom("a"), term.Var("x"))

	matches, err := e.Query(context.Background(), pattern, QueryFilters{Limit: -1, MinConfidence: 0.5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "b", matches[0].Bindings["?x"])

	matches, err = e.Query(context.Background(), pattern, QueryFilters{Limit: -1, Sources: []string{"extracted"}})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "c", matches[0].Bindings["?x"])
}

func TestQueryJustificationSummary(t *testing.T) {
	e := newTestEngine(t, Caps{})
	installAll(t, e, parentRules()...)
	assertAll(t, e,
		term.Triple("a", "parent", "b"),
		term.Triple("b", "parent", "c"),
	)

	matches, err := e.Query(context.Background(),
		term.Compound("ancestor", term.Atom("a"), term.Atom("c")),
		QueryFilters{Limit: -1, Justification: true})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.NotEmpty(t, matches[0].JustificationSummary)
	assert.Contains(t, matches[0].JustificationSummary, "ancestor_step")
}

func TestQueryHonorsCancelledContext(t *testing.T) {
	e := newTestEngine(t, Caps{})
	assertAll(t, e, term.Triple("a", "p", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Query(ctx, term.Compound("p", term.Var("x"), term.Var("y")), QueryFilters{Limit: -1})
	assert.Error(t, err)
}

func TestSearchSubstring(t *testing.T) {
	e := newTestEngine(t, Caps{})
	assertAll(t, e,
		term.Triple("rex", "isa", "dog"),
		term.Triple("felix", "isa", "cat"),
	)

	matches, err := e.Search(context.Background(), "rex", 10)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Contains(t, matches[0].Term, "rex")

	matches, err = e.Search(context.Background(), "isa", 10)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestWhyProofTree(t *testing.T) {
	e := newTestEngine(t, Caps{})
	installAll(t, e, parentRules()...)
	assertAll(t, e,
		term.Triple("a", "parent", "b"),
		term.Triple("b", "parent", "c"),
	)

	node, err := e.WhyTerm(context.Background(), term.Triple("a", "ancestor", "c"), 0)
	require.NoError(t, err)
	assert.False(t, node.Asserted)
	assert.Contains(t, node.Rules, "ancestor_step")
	require.Len(t, node.Supports, 2, "parent(a,b) and ancestor(b,c)")

	// The leaves of the proof are the asserted parents.
	leaf := node.Supports[0]
	assert.True(t, leaf.Asserted)
	assert.Empty(t, leaf.Supports)
}

func TestWhyUnknownFact(t *testing.T) {
	e := newTestEngine(t, Caps{})
	_, err := e.Why(context.Background(), 42, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWhyDepthBound(t *testing.T) {
	e := newTestEngine(t, Caps{})
	installAll(t, e, parentRules()...)
	assertAll(t, e,
		term.Triple("a", "parent", "b"),
		term.Triple("b", "parent", "c"),
		term.Triple("c", "parent", "d"),
	)

	node, err := e.WhyTerm(context.Background(), term.Triple("a", "ancestor", "d"), 1)
	require.NoError(t, err)
	require.NotEmpty(t, node.Supports)
	for _, s := range node.Supports {
		if !s.Asserted {
			assert.True(t, s.Truncated, "derived support at the bound is marked truncated")
			assert.Empty(t, s.Supports)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	e := newTestEngine(t, Caps{})
	installAll(t, e, parentRules()...)
	assertAll(t, e, term.Triple("a", "parent", "b"))

	snap := e.Stats()
	assert.Equal(t, 2, snap.FactCount)
	assert.Equal(t, 1, snap.DerivedCount)
	assert.Equal(t, 2, snap.RuleCount)
	assert.Equal(t, 0, snap.ContradictionCount)

	total, byKind := e.RuleStats()
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, byKind[string(KindImplication)])
	assert.Equal(t, 1, byKind[string(KindTransitive)])
}
