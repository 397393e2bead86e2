package term

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTermEqualityAndKey(t *testing.T) {
	a := Compound("hasComponent", Atom("imu"), Atom("gyro"))
	b := Compound("hasComponent", Atom("imu"), Atom("gyro"))
	c := Compound("hasComponent", Atom("imu"), Atom("mag"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
	assert.Equal(t, "hasComponent(imu, gyro)", a.String())
	assert.Equal(t, "hasComponent/2", a.HeadKey())
}

func TestTermGroundness(t *testing.T) {
	ground := Compound("isa", Atom("r1"), Atom("Robot"))
	open := Compound("isa", Var("x"), Atom("Robot"))
	nested := Compound("ctx", Compound("isa", Var("x"), Atom("Robot")))

	assert.True(t, ground.IsGround())
	assert.False(t, open.IsGround())
	assert.False(t, nested.IsGround())
	assert.Equal(t, []string{"x"}, open.Variables())
}

func TestCompareIsTotal(t *testing.T) {
	terms := []Term{
		Atom("a"),
		Atom("b"),
		Var("x"),
		Compound("f", Atom("a")),
		Compound("f", Atom("a"), Atom("b")),
		Compound("g", Atom("a")),
	}
	for i := range terms {
		assert.Equal(t, 0, terms[i].Compare(terms[i]))
		for j := range terms {
			if i == j {
				continue
			}
			// Antisymmetry.
			assert.Equal(t, sign(terms[i].Compare(terms[j])), -sign(terms[j].Compare(terms[i])),
				"compare(%v,%v)", terms[i], terms[j])
		}
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

func TestUnifyExtendsBinding(t *testing.T) {
	pattern := Compound("parentOf", Var("x"), Var("y"))
	ground := Compound("parentOf", Atom("ada"), Atom("babbage"))

	b, ok := Unify(pattern, ground, Bindings{})
	require.True(t, ok)
	assert.True(t, b["x"].Equal(Atom("ada")))
	assert.True(t, b["y"].Equal(Atom("babbage")))
}

func TestUnifyRespectsExistingBinding(t *testing.T) {
	pattern := Compound("parentOf", Var("x"), Var("y"))
	ground := Compound("parentOf", Atom("ada"), Atom("babbage"))

	_, ok := Unify(pattern, ground, Bindings{"x": Atom("turing")})
	assert.False(t, ok, "conflicting prior binding must fail")

	b, ok := Unify(pattern, ground, Bindings{"x": Atom("ada")})
	require.True(t, ok)
	assert.True(t, b["y"].Equal(Atom("babbage")))
}

func TestUnifyDoesNotMutateInput(t *testing.T) {
	in := Bindings{"z": Atom("keep")}
	_, ok := Unify(Compound("p", Var("x")), Compound("p", Atom("v")), in)
	require.True(t, ok)
	assert.Len(t, in, 1, "input binding must stay untouched")
}

func TestUnifyRepeatedVariable(t *testing.T) {
	pattern := Compound("sameAs", Var("x"), Var("x"))

	_, ok := Unify(pattern, Compound("sameAs", Atom("a"), Atom("b")), Bindings{})
	assert.False(t, ok)

	b, ok := Unify(pattern, Compound("sameAs", Atom("a"), Atom("a")), Bindings{})
	require.True(t, ok)
	assert.True(t, b["x"].Equal(Atom("a")))
}

func TestApplySubstitution(t *testing.T) {
	b := Bindings{"x": Atom("a"), "y": Atom("c")}
	got := b.Apply(Compound("contains", Var("x"), Var("y")))
	want := Compound("contains", Atom("a"), Atom("c"))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("substitution mismatch (-want +got):\n%s", diff)
	}

	// Unbound variables survive so callers can detect under-binding.
	open := b.Apply(Compound("p", Var("q")))
	assert.False(t, open.IsGround())
}

func TestRenameNamespacesVariables(t *testing.T) {
	r := Compound("p", Var("x"), Atom("k")).Rename("#r1")
	assert.Equal(t, "p(?x#r1, k)", r.String())
}

func TestParsePatternForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Term
	}{
		{"functional", "contains(?x, c)", Compound("contains", Var("x"), Atom("c"))},
		{"functional ground", "isa(r1, Robot)", Compound("isa", Atom("r1"), Atom("Robot"))},
		{"bracket triple", "[?x partOf frame]", Compound("partOf", Var("x"), Atom("frame"))},
		{"paren triple", "(?x partOf frame)", Compound("partOf", Var("x"), Atom("frame"))},
		{"nested", "ctx(isa(?x, Robot), mission)", Compound("ctx", Compound("isa", Var("x"), Atom("Robot")), Atom("mission"))},
		{"quoted atom", `serialNumber(r1, "SN-001")`, Compound("serialNumber", Atom("r1"), Atom("SN-001"))},
		{"zero arity", "shutdown()", Compound("shutdown")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePattern(tt.input)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParsePatternErrors(t *testing.T) {
	for _, input := range []string{"", "  ", "[a b]", "[?p ?q r]", "f(a", `g("unterminated)`} {
		_, err := ParsePattern(input)
		assert.Error(t, err, "input %q", input)
	}
}
