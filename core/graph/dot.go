package graph

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

var dotShapes = map[string]string{
	KindInput:         "invhouse",
	KindOutput:        "house",
	KindExpression:    "box",
	KindDecisionTable: "tab",
	KindSwitch:        "diamond",
	KindDecision:      "component",
	KindCustom:        "hexagon",
}

// DOT renders the decision as a Graphviz digraph. Switch branches are
// labelled with their statement condition.
func (g *Graph) DOT(name string) (string, error) {
	if name == "" {
		name = "decision"
	}

	out := gographviz.NewGraph()
	if err := out.SetName(strconv.Quote(name)); err != nil {
		return "", fmt.Errorf("set graph name: %w", err)
	}
	if err := out.SetDir(true); err != nil {
		return "", fmt.Errorf("set directed: %w", err)
	}
	graphName := out.Name

	for _, n := range g.nodes {
		label := n.Name
		if label == "" {
			label = n.ID
		}
		attrs := map[string]string{
			"label": strconv.Quote(label),
			"shape": dotShapes[n.Kind],
		}
		if err := out.AddNode(graphName, strconv.Quote(n.ID), attrs); err != nil {
			return "", fmt.Errorf("add node %s: %w", n.ID, err)
		}
	}

	for _, n := range g.nodes {
		for _, e := range g.outgoing[n] {
			attrs := map[string]string{}
			if label := branchLabel(n, e.SourceHandle); label != "" {
				attrs["label"] = strconv.Quote(label)
			}
			if err := out.AddEdge(strconv.Quote(e.Source.ID), strconv.Quote(e.Target.ID), true, attrs); err != nil {
				return "", fmt.Errorf("add edge %s: %w", e.ID, err)
			}
		}
	}

	return out.String(), nil
}

func branchLabel(n *Node, handle string) string {
	if handle == "" || n.switcher == nil {
		return handle
	}
	for _, s := range n.switcher.Statements {
		if s.ID == handle {
			if s.Condition == "" {
				return "default"
			}
			return s.Condition
		}
	}
	return handle
}
