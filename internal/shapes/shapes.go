// Package shapes validates incoming assertions against a declarative
// shape catalog before they reach the engine. A shape targets a node
// class and lists property constraints: cardinality, datatype, value
// class, regex pattern, numeric range, and conditionals.
package shapes

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"

	"kgraphd/internal/term"
)

// Catalog is an immutable set of shapes. Reloads swap the whole catalog
// pointer; a catalog itself is never mutated after Load.
type Catalog struct {
	Shapes []Shape `yaml:"shapes"`
}

// Shape constrains the individuals of a target class.
type Shape struct {
	Name        string     `yaml:"name"`
	TargetClass string     `yaml:"target_class"`
	Properties  []Property `yaml:"properties"`
}

// Property is one constraint on a property path. Zero-valued fields are
// unconstrained. When is an optional guard: the constraint applies only
// if the subject carries the guard property with the guard value.
type Property struct {
	Path     string   `yaml:"path"`
	MinCount *int     `yaml:"min_count"`
	MaxCount *int     `yaml:"max_count"`
	Datatype string   `yaml:"datatype"` // "string" | "number" | "identifier"
	Class    string   `yaml:"class"`    // object must be isa this class
	Pattern  string   `yaml:"pattern"`  // regex over the object's printed form
	MinValue *float64 `yaml:"min_value"`
	MaxValue *float64 `yaml:"max_value"`
	When     *Guard   `yaml:"when"`

	compiled *regexp.Regexp
}

// Guard is the antecedent of a conditional constraint.
type Guard struct {
	Path   string `yaml:"path"`
	Equals string `yaml:"equals"`
}

// Violation reports one failed constraint.
type Violation struct {
	Focus    string `json:"focus"`
	Path     string `json:"path"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Result is the validation outcome for one assertion.
type Result struct {
	Conforms       bool        `json:"conforms"`
	ViolationCount int         `json:"violation_count"`
	Violations     []Violation `json:"violations"`
}

// FactView is the read access the validator needs into the KB: the
// objects a subject carries for a property, and the classes a subject
// belongs to. The bridge hands it an engine-backed view.
type FactView interface {
	PropertyValues(subject, property string) []term.Term
	ClassesOf(subject string) []string
}

// Load reads a catalog from a YAML file and compiles its patterns.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shape catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and compiles a catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse shape catalog: %w", err)
	}
	for si := range c.Shapes {
		s := &c.Shapes[si]
		if s.Name == "" || s.TargetClass == "" {
			return nil, fmt.Errorf("shape %d: name and target_class are required", si)
		}
		for pi := range s.Properties {
			p := &s.Properties[pi]
			if p.Path == "" {
				return nil, fmt.Errorf("shape %s: property %d: path is required", s.Name, pi)
			}
			if p.Pattern != "" {
				re, err := regexp.Compile(p.Pattern)
				if err != nil {
					return nil, fmt.Errorf("shape %s: property %s: bad pattern: %w", s.Name, p.Path, err)
				}
				p.compiled = re
			}
		}
	}
	return &c, nil
}

// Assertion is the subject-predicate-object view of an incoming fact.
type Assertion struct {
	Subject   string
	Predicate string
	Object    term.Term
}

// Validate evaluates the assertion against every shape whose target
// class the subject belongs to. The assertion itself counts toward
// cardinality, so a second value of a max_count=1 property is rejected
// while the stored one survives.
func (c *Catalog) Validate(a Assertion, view FactView) Result {
	res := Result{Conforms: true, Violations: []Violation{}}
	if c == nil {
		return res
	}

	classes := map[string]struct{}{}
	for _, cls := range view.ClassesOf(a.Subject) {
		classes[cls] = struct{}{}
	}
	// An isa assertion makes the subject a member of its object class
	// for the purposes of this validation.
	if a.Predicate == "isa" && a.Object.Kind == term.KindAtom {
		classes[a.Object.Functor] = struct{}{}
	}

	for _, s := range c.Shapes {
		if _, ok := classes[s.TargetClass]; !ok {
			continue
		}
		for _, p := range s.Properties {
			c.checkProperty(&res, s, p, a, view)
		}
	}

	res.Conforms = len(res.Violations) == 0
	res.ViolationCount = len(res.Violations)
	return res
}

func (c *Catalog) checkProperty(res *Result, s Shape, p Property, a Assertion, view FactView) {
	if p.When != nil {
		guardHolds := false
		for _, v := range view.PropertyValues(a.Subject, p.When.Path) {
			if v.String() == p.When.Equals {
				guardHolds = true
				break
			}
		}
		if a.Predicate == p.When.Path && a.Object.String() == p.When.Equals {
			guardHolds = true
		}
		if !guardHolds {
			return
		}
	}

	existing := view.PropertyValues(a.Subject, p.Path)
	values := append([]term.Term(nil), existing...)
	if a.Predicate == p.Path {
		dup := false
		for _, v := range existing {
			if v.Equal(a.Object) {
				dup = true
				break
			}
		}
		if !dup {
			values = append(values, a.Object)
		}
	}

	violate := func(msg string) {
		res.Violations = append(res.Violations, Violation{
			Focus:    a.Subject,
			Path:     p.Path,
			Message:  msg,
			Severity: "violation",
		})
	}

	if p.MaxCount != nil && len(values) > *p.MaxCount {
		violate(fmt.Sprintf("maxCount=%d exceeded on path %s (have %d)", *p.MaxCount, p.Path, len(values)))
	}
	// minCount is only enforceable when the assertion touches the path:
	// a subject acquires properties incrementally.
	if p.MinCount != nil && a.Predicate == p.Path && len(values) < *p.MinCount {
		violate(fmt.Sprintf("minCount=%d not met on path %s (have %d)", *p.MinCount, p.Path, len(values)))
	}

	// Value-level constraints apply to the incoming object only.
	if a.Predicate != p.Path {
		return
	}
	printed := a.Object.String()

	switch p.Datatype {
	case "":
	case "string", "identifier":
		if a.Object.Kind != term.KindAtom {
			violate(fmt.Sprintf("datatype %s required on path %s", p.Datatype, p.Path))
		}
	case "number":
		if _, err := strconv.ParseFloat(printed, 64); err != nil {
			violate(fmt.Sprintf("numeric value required on path %s, got %q", p.Path, printed))
		}
	}

	if p.Class != "" {
		member := false
		if a.Object.Kind == term.KindAtom {
			for _, cls := range view.ClassesOf(a.Object.Functor) {
				if cls == p.Class {
					member = true
					break
				}
			}
		}
		if !member {
			violate(fmt.Sprintf("value on path %s must be a %s", p.Path, p.Class))
		}
	}

	if p.compiled != nil && !p.compiled.MatchString(printed) {
		violate(fmt.Sprintf("value %q does not match pattern %s on path %s", printed, p.Pattern, p.Path))
	}

	if p.MinValue != nil || p.MaxValue != nil {
		n, err := strconv.ParseFloat(printed, 64)
		if err != nil {
			violate(fmt.Sprintf("numeric value required for range check on path %s", p.Path))
		} else {
			if p.MinValue != nil && n < *p.MinValue {
				violate(fmt.Sprintf("value %v below minimum %v on path %s", n, *p.MinValue, p.Path))
			}
			if p.MaxValue != nil && n > *p.MaxValue {
				violate(fmt.Sprintf("value %v above maximum %v on path %s", n, *p.MaxValue, p.Path))
			}
		}
	}
}
