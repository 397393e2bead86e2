package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJustifyAddDedupe(t *testing.T) {
	g := NewJustificationGraph()

	j := Justification{Rule: "r1", Premises: []FactID{1, 2}}
	require.True(t, g.Add(3, j))
	assert.False(t, g.Add(3, j), "identical record is rejected")
	assert.True(t, g.Add(3, Justification{Rule: "r2", Premises: []FactID{1, 2}}))
	assert.Len(t, g.Records(3), 2)
}

func TestJustifyRecordsSorted(t *testing.T) {
	g := NewJustificationGraph()
	g.Add(5, Justification{Rule: "zeta", Premises: []FactID{1}})
	g.Add(5, Justification{Rule: "alpha", Premises: []FactID{2}})

	recs := g.Records(5)
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].Rule)
	assert.Equal(t, "zeta", recs[1].Rule)
}

func TestJustifyDependents(t *testing.T) {
	g := NewJustificationGraph()
	g.Add(3, Justification{Rule: "r", Premises: []FactID{1, 2}})
	g.Add(4, Justification{Rule: "r", Premises: []FactID{1}})

	assert.Equal(t, []FactID{3, 4}, g.Dependents(1))
	assert.Equal(t, []FactID{3}, g.Dependents(2))
	assert.Empty(t, g.Dependents(9))
}

func TestJustifyDropPremise(t *testing.T) {
	g := NewJustificationGraph()
	g.Add(3, Justification{Rule: "r1", Premises: []FactID{1, 2}})
	g.Add(3, Justification{Rule: "r2", Premises: []FactID{2}})

	// Dropping premise 1 kills only the r1 record; r2 keeps fact 3 alive.
	assert.True(t, g.DropPremise(3, 1))
	recs := g.Records(3)
	require.Len(t, recs, 1)
	assert.Equal(t, "r2", recs[0].Rule)

	// Losing the last record reports no remaining support.
	assert.False(t, g.DropPremise(3, 2))
	assert.False(t, g.HasRecords(3))
	assert.Empty(t, g.Dependents(2))
}

func TestJustifyDropRule(t *testing.T) {
	g := NewJustificationGraph()
	g.Add(3, Justification{Rule: "doomed", Premises: []FactID{1}})
	g.Add(4, Justification{Rule: "doomed", Premises: []FactID{1}})
	g.Add(4, Justification{Rule: "keeper", Premises: []FactID{2}})

	orphans := g.DropRule("doomed")
	assert.Equal(t, []FactID{3}, orphans, "fact 4 keeps its other record")
	assert.False(t, g.HasRecords(3))
	assert.True(t, g.HasRecords(4))
}

func TestJustifyRemoveKeepsSharedEdges(t *testing.T) {
	g := NewJustificationGraph()
	g.Add(3, Justification{Rule: "r", Premises: []FactID{1}})
	g.Add(4, Justification{Rule: "r", Premises: []FactID{1}})

	g.Remove(3)
	assert.False(t, g.HasRecords(3))
	// The premise edge used by fact 4 survives the removal of fact 3.
	assert.Equal(t, []FactID{4}, g.Dependents(1))
}
