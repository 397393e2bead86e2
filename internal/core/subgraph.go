package core

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"kgraphd/internal/term"
)

// SubgraphRequest selects a bounded neighborhood of the knowledge graph.
type SubgraphRequest struct {
	Focus        string   // fact ID (numeric) or a ground atom identifier
	Radius       int      // non-negative hop bound
	IncludeEdges []string // edge-label allow-list, empty allows all
	ExcludeEdges []string // edge-label deny-list
	MaxNodes     int      // node cap; 0 falls back to the engine cap
	Collapse     bool     // also fold duplicate edges between node pairs
}

// SubgraphNode is a node of the envelope. Kind is one of concept,
// individual, proposition, rule, frame.
type SubgraphNode struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Kind       string  `json:"kind"`
	Asserted   bool    `json:"asserted"`
	Confidence float64 `json:"confidence"`
}

// SubgraphEdge links two envelope nodes. Collapsed edges lead out of the
// extracted region when the node cap stopped expansion.
type SubgraphEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Label     string `json:"label"`
	Asserted  bool   `json:"asserted"`
	Collapsed bool   `json:"collapsed"`
}

// SubgraphMeta describes the extraction.
type SubgraphMeta struct {
	Focus     string    `json:"focus"`
	Radius    int       `json:"radius"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	Timestamp time.Time `json:"timestamp"`
}

// Subgraph is the envelope handed to visualization.
type Subgraph struct {
	Nodes []SubgraphNode `json:"nodes"`
	Edges []SubgraphEdge `json:"edges"`
	Meta  SubgraphMeta   `json:"meta"`
}

// extraction carries the working state of one BFS.
type extraction struct {
	e        *Engine
	req      SubgraphRequest
	nodeCap  int
	sg       *Subgraph
	nodeSeen map[string]struct{}
	edgeSeen map[string]struct{}
	visited  map[FactID]struct{}
	capped   bool
}

// ExtractSubgraph runs a bounded BFS from the focus. A fact focus sits at
// distance 0; for an atom focus the atom node is distance 0 and the facts
// mentioning it are distance 1. A hop from a fact reaches any live fact
// sharing an atom argument. With radius 0 the result is the focus alone.
func (e *Engine) ExtractSubgraph(ctx context.Context, req SubgraphRequest) (*Subgraph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if req.Radius < 0 {
		return nil, fmt.Errorf("radius must be non-negative")
	}
	if e.caps.MaxRadius > 0 && req.Radius > e.caps.MaxRadius {
		return nil, ErrCapacity
	}
	nodeCap := req.MaxNodes
	if nodeCap == 0 {
		nodeCap = e.caps.MaxSubgraphNodes
	}
	if e.caps.MaxSubgraphNodes > 0 && nodeCap > e.caps.MaxSubgraphNodes {
		return nil, ErrCapacity
	}

	x := &extraction{
		e:        e,
		req:      req,
		nodeCap:  nodeCap,
		sg:       &Subgraph{Nodes: []SubgraphNode{}, Edges: []SubgraphEdge{}},
		nodeSeen: map[string]struct{}{},
		edgeSeen: map[string]struct{}{},
		visited:  map[FactID]struct{}{},
	}

	type item struct {
		id   FactID
		dist int
	}
	var queue []item

	// Resolve the focus.
	if n, err := strconv.ParseUint(req.Focus, 10, 64); err == nil {
		f, ok := e.facts.Get(FactID(n))
		if !ok || f.Retracted {
			return nil, ErrNotFound
		}
		x.sg.Meta.Focus = f.Term.String()
		queue = append(queue, item{f.ID, 0})
	} else if req.Focus != "" {
		mentioning := e.facts.Mentioning(req.Focus)
		if len(mentioning) == 0 {
			return nil, ErrNotFound
		}
		x.sg.Meta.Focus = req.Focus
		x.addAtomNode(req.Focus)
		for _, f := range mentioning {
			queue = append(queue, item{f.ID, 1})
		}
	} else {
		return nil, fmt.Errorf("focus is required")
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		it := queue[0]
		queue = queue[1:]
		if it.dist > req.Radius {
			continue
		}
		if _, ok := x.visited[it.id]; ok {
			continue
		}
		x.visited[it.id] = struct{}{}

		f, ok := e.facts.Get(it.id)
		if !ok || f.Retracted {
			continue
		}
		label := f.Term.Functor
		if !edgeAllowed(label, req.IncludeEdges, req.ExcludeEdges) {
			continue
		}
		factNodeID := "f" + strconv.FormatUint(uint64(f.ID), 10)
		if !x.addFactNode(f) {
			continue
		}
		if req.Radius == 0 {
			// Radius zero is the focus node alone, whatever its kind.
			continue
		}

		for _, atom := range mentionedAtoms(f.Term) {
			if atom == f.Term.Functor {
				continue
			}
			if !x.addAtomNode(atom) {
				// Node cap reached: the edge leads out of the extracted
				// region, so it is emitted collapsed.
				x.addEdge(factNodeID, "a:"+atom, label, f.Asserted, true)
				continue
			}
			x.addEdge(factNodeID, "a:"+atom, label, f.Asserted, false)

			if it.dist < req.Radius {
				neighbors := e.facts.Mentioning(atom)
				sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].ID < neighbors[j].ID })
				for _, nf := range neighbors {
					if _, seen := x.visited[nf.ID]; !seen {
						queue = append(queue, item{nf.ID, it.dist + 1})
					}
				}
			}
		}
	}

	// Capped expansion leaves at least one collapsed edge so renderers
	// can show the cut.
	if x.capped && len(x.sg.Edges) > 0 {
		hasCollapsed := false
		for _, ed := range x.sg.Edges {
			if ed.Collapsed {
				hasCollapsed = true
				break
			}
		}
		if !hasCollapsed {
			x.sg.Edges[len(x.sg.Edges)-1].Collapsed = true
		}
	}

	x.sg.Meta.Radius = req.Radius
	x.sg.Meta.Timestamp = time.Now().UTC()
	x.sg.Meta.NodeCount = len(x.sg.Nodes)
	x.sg.Meta.EdgeCount = len(x.sg.Edges)
	return x.sg, nil
}

func (x *extraction) addFactNode(f *Fact) bool {
	id := "f" + strconv.FormatUint(uint64(f.ID), 10)
	if _, ok := x.nodeSeen[id]; ok {
		return true
	}
	if x.nodeCap > 0 && len(x.sg.Nodes) >= x.nodeCap {
		x.capped = true
		return false
	}
	x.nodeSeen[id] = struct{}{}
	x.sg.Nodes = append(x.sg.Nodes, SubgraphNode{
		ID:         id,
		Label:      f.Term.String(),
		Kind:       x.e.factKind(f),
		Asserted:   f.Asserted,
		Confidence: f.Confidence,
	})
	return true
}

func (x *extraction) addAtomNode(name string) bool {
	id := "a:" + name
	if _, ok := x.nodeSeen[id]; ok {
		return true
	}
	if x.nodeCap > 0 && len(x.sg.Nodes) >= x.nodeCap {
		x.capped = true
		return false
	}
	x.nodeSeen[id] = struct{}{}
	x.sg.Nodes = append(x.sg.Nodes, SubgraphNode{
		ID:         id,
		Label:      name,
		Kind:       x.e.atomKind(name),
		Asserted:   true,
		Confidence: 1.0,
	})
	return true
}

func (x *extraction) addEdge(src, dst, label string, asserted, collapsed bool) {
	key := src + ">" + dst
	if !x.req.Collapse {
		key += ">" + label
	}
	if _, ok := x.edgeSeen[key]; ok {
		return
	}
	x.edgeSeen[key] = struct{}{}
	x.sg.Edges = append(x.sg.Edges, SubgraphEdge{
		ID:        "e" + strconv.Itoa(len(x.sg.Edges)+1),
		Source:    src,
		Target:    dst,
		Label:     label,
		Asserted:  asserted,
		Collapsed: collapsed,
	})
}

// factKind classifies fact nodes: rule/frame namespaces by functor
// prefix, everything else is a proposition.
func (e *Engine) factKind(f *Fact) string {
	functor := f.Term.Functor
	switch {
	case strings.HasPrefix(functor, "rule_") || strings.HasPrefix(functor, "rule:"):
		return "rule"
	case strings.HasPrefix(functor, "frame_") || strings.HasPrefix(functor, "ctx_"):
		return "frame"
	default:
		return "proposition"
	}
}

// atomKind classifies bare identifiers: individuals appear as the first
// argument of an isa-shaped predicate, concepts do not.
func (e *Engine) atomKind(name string) string {
	probe := term.Atom(name)
	if len(e.facts.LookupByArg("isa", 2, 0, probe)) > 0 {
		return "individual"
	}
	return "concept"
}

func edgeAllowed(label string, include, exclude []string) bool {
	for _, x := range exclude {
		if x == label {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, x := range include {
		if x == label {
			return true
		}
	}
	return false
}
