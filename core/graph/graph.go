// Package graph compiles and evaluates JSON decision models.
//
// A decision is a directed graph of typed nodes. Evaluation walks the graph
// from its single input node in topological order, merging the outputs of
// every predecessor into each node's input, until an output node is reached.
package graph

import (
	"encoding/json"
	"fmt"

	"github.com/wippyai/zen-runtime/errors"
)

// Node is a compiled decision node.
type Node struct {
	ID   string
	Name string
	Kind string

	index      int
	expression *ExpressionContent
	table      *DecisionTableContent
	switcher   *SwitchContent
	decision   *DecisionContent
	custom     *CustomContent
}

// Edge is a compiled edge.
type Edge struct {
	ID           string
	Source       *Node
	Target       *Node
	SourceHandle string
}

// Graph is an immutable compiled decision. It is safe for concurrent use.
type Graph struct {
	nodes    []*Node
	byID     map[string]*Node
	incoming map[*Node][]*Edge
	outgoing map[*Node][]*Edge
	source   []byte
}

// Parse compiles JSON decision content.
//
// Malformed JSON fails with JsonDeserializationFailed. Unknown node types,
// duplicate node IDs and edges referencing missing nodes fail with
// InvalidArgument.
func Parse(data []byte) (*Graph, error) {
	var content Content
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, errors.New(errors.JsonDeserializationFailed).
			Phase(errors.PhaseNative).
			Op("decision.parse").
			Cause(err).
			Build()
	}

	g := &Graph{
		byID:     make(map[string]*Node, len(content.Nodes)),
		incoming: make(map[*Node][]*Edge),
		outgoing: make(map[*Node][]*Edge),
		source:   append([]byte(nil), data...),
	}

	for i, nc := range content.Nodes {
		n, err := compileNode(nc)
		if err != nil {
			return nil, err
		}
		if _, dup := g.byID[n.ID]; dup {
			return nil, invalidModel("duplicateNode", n.ID)
		}
		n.index = i
		g.nodes = append(g.nodes, n)
		g.byID[n.ID] = n
	}

	for _, ec := range content.Edges {
		src, ok := g.byID[ec.SourceID]
		if !ok {
			return nil, invalidModel("missingNode", ec.SourceID)
		}
		dst, ok := g.byID[ec.TargetID]
		if !ok {
			return nil, invalidModel("missingNode", ec.TargetID)
		}
		e := &Edge{ID: ec.ID, Source: src, Target: dst, SourceHandle: ec.SourceHandle}
		g.outgoing[src] = append(g.outgoing[src], e)
		g.incoming[dst] = append(g.incoming[dst], e)
	}

	return g, nil
}

func compileNode(nc NodeContent) (*Node, error) {
	n := &Node{ID: nc.ID, Name: nc.Name, Kind: nc.Type}

	var target any
	switch nc.Type {
	case KindInput, KindOutput:
	case KindExpression:
		n.expression = &ExpressionContent{}
		target = n.expression
	case KindDecisionTable:
		n.table = &DecisionTableContent{}
		target = n.table
	case KindSwitch:
		n.switcher = &SwitchContent{}
		target = n.switcher
	case KindDecision:
		n.decision = &DecisionContent{}
		target = n.decision
	case KindCustom:
		n.custom = &CustomContent{}
		target = n.custom
	default:
		return nil, errors.New(errors.InvalidArgument).
			Phase(errors.PhaseNative).
			Op("decision.parse").
			Details(jsonDetails(map[string]any{"type": "unknownNodeType", "nodeId": nc.ID, "nodeType": nc.Type})).
			Build()
	}

	if target != nil && len(nc.Content) > 0 && string(nc.Content) != "null" {
		if err := json.Unmarshal(nc.Content, target); err != nil {
			return nil, errors.New(errors.InvalidArgument).
				Phase(errors.PhaseNative).
				Op("decision.parse").
				Details(jsonDetails(map[string]any{"type": "invalidNodeContent", "nodeId": nc.ID})).
				Cause(err).
				Build()
		}
	}
	return n, nil
}

func invalidModel(kind, nodeID string) *errors.Error {
	return errors.New(errors.InvalidArgument).
		Phase(errors.PhaseNative).
		Op("decision.parse").
		Details(jsonDetails(map[string]any{"type": kind, "nodeId": nodeID})).
		Build()
}

// Nodes returns the nodes in declaration order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Source returns the JSON the graph was compiled from.
func (g *Graph) Source() []byte { return g.source }

// Validate checks the structure required for evaluation: exactly one input
// node, at least one output node and no cycles.
func (g *Graph) Validate() error {
	inputs, outputs := 0, 0
	for _, n := range g.nodes {
		switch n.Kind {
		case KindInput:
			inputs++
		case KindOutput:
			outputs++
		}
	}
	if inputs != 1 {
		return invalidGraph(map[string]any{"type": "invalidInputCount", "nodeCount": inputs})
	}
	if outputs < 1 {
		return invalidGraph(map[string]any{"type": "invalidOutputCount", "nodeCount": outputs})
	}
	if g.cyclic() {
		return invalidGraph(map[string]any{"type": "cyclicGraph"})
	}
	return nil
}

func invalidGraph(source map[string]any) *errors.Error {
	return evaluationError(map[string]any{"type": "InvalidGraph", "source": source})
}

// cyclic reports whether the graph has a directed cycle.
func (g *Graph) cyclic() bool {
	const (
		white = iota
		grey
		black
	)
	color := make(map[*Node]int, len(g.nodes))

	var visit func(n *Node) bool
	visit = func(n *Node) bool {
		color[n] = grey
		for _, e := range g.outgoing[n] {
			switch color[e.Target] {
			case grey:
				return true
			case white:
				if visit(e.Target) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, n := range g.nodes {
		if color[n] == white && visit(n) {
			return true
		}
	}
	return false
}

// order returns every node in a deterministic topological order, breaking
// ties by declaration order. Caller must have validated the graph.
func (g *Graph) order() []*Node {
	indegree := make(map[*Node]int, len(g.nodes))
	for _, n := range g.nodes {
		indegree[n] = len(g.incoming[n])
	}

	var ready []*Node
	for _, n := range g.nodes {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	out := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		// pick the earliest declared ready node
		best := 0
		for i := range ready {
			if ready[i].index < ready[best].index {
				best = i
			}
		}
		n := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		out = append(out, n)

		for _, e := range g.outgoing[n] {
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				ready = append(ready, e.Target)
			}
		}
	}
	return out
}

func evaluationError(details map[string]any) *errors.Error {
	return errors.New(errors.EvaluationError).
		Phase(errors.PhaseNative).
		Op("decision.evaluate").
		Details(jsonDetails(details)).
		Build()
}

func jsonDetails(v map[string]any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"type":"%v"}`, v["type"])
	}
	return string(raw)
}
