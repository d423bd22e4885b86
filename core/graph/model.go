package graph

import "encoding/json"

// Node kinds understood by the engine.
const (
	KindInput         = "inputNode"
	KindOutput        = "outputNode"
	KindExpression    = "expressionNode"
	KindDecisionTable = "decisionTableNode"
	KindSwitch        = "switchNode"
	KindDecision      = "decisionNode"
	KindCustom        = "customNode"
)

// Content is the JSON decision model.
type Content struct {
	Nodes []NodeContent `json:"nodes"`
	Edges []EdgeContent `json:"edges"`
}

// NodeContent is one node of the decision model as written.
type NodeContent struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// EdgeContent connects two nodes. SourceHandle selects a switch branch.
type EdgeContent struct {
	ID           string `json:"id"`
	SourceID     string `json:"sourceId"`
	TargetID     string `json:"targetId"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// ExpressionContent is the content of an expression node.
type ExpressionContent struct {
	Expressions []struct {
		ID    string `json:"id"`
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"expressions"`
}

// Hit policies shared by decision tables and switches.
const (
	HitFirst   = "first"
	HitCollect = "collect"
)

// TableColumn is an input or output column of a decision table.
type TableColumn struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Field string `json:"field,omitempty"`
}

// DecisionTableContent is the content of a decision table node.
type DecisionTableContent struct {
	HitPolicy string              `json:"hitPolicy"`
	Inputs    []TableColumn       `json:"inputs"`
	Outputs   []TableColumn       `json:"outputs"`
	Rules     []map[string]string `json:"rules"`
}

// SwitchStatement is one branch of a switch node.
type SwitchStatement struct {
	ID        string `json:"id"`
	Condition string `json:"condition"`
}

// SwitchContent is the content of a switch node.
type SwitchContent struct {
	HitPolicy  string            `json:"hitPolicy"`
	Statements []SwitchStatement `json:"statements"`
}

// DecisionContent is the content of a sub-decision node.
type DecisionContent struct {
	Key string `json:"key"`
}

// CustomContent is the content of a custom node.
type CustomContent struct {
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config,omitempty"`
}

// CustomNodeInfo describes a custom node to the host.
type CustomNodeInfo struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// CustomNodeRequest is handed to the custom node handler.
type CustomNodeRequest struct {
	Input     any            `json:"input"`
	Node      CustomNodeInfo `json:"node"`
	Iteration int            `json:"iteration"`
}

// CustomNodeResponse is returned by the custom node handler.
type CustomNodeResponse struct {
	Output    any `json:"output"`
	TraceData any `json:"traceData,omitempty"`
}

// Response is the result of evaluating a decision.
type Response struct {
	Performance string                 `json:"performance"`
	Result      any                    `json:"result"`
	Trace       map[string]*TraceEntry `json:"trace,omitempty"`
}

// TraceEntry records one executed node.
type TraceEntry struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Input       any     `json:"input"`
	Output      any     `json:"output"`
	Performance *string `json:"performance"`
	TraceData   any     `json:"traceData"`
	Order       int     `json:"order"`
}
