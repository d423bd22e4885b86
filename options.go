package zen

import (
	"encoding/json"

	"github.com/wippyai/zen-runtime/abi"
)

// DefaultMaxDepth bounds nested decision nodes when no depth is given.
const DefaultMaxDepth uint8 = 5

// EvaluationOptions control one evaluation. The zero value evaluates
// without trace at the default depth.
type EvaluationOptions struct {
	Trace    bool  `json:"trace" mapstructure:"trace" yaml:"trace" toml:"trace"`
	MaxDepth uint8 `json:"maxDepth" mapstructure:"max_depth" yaml:"max_depth" toml:"max_depth"`
}

func (o EvaluationOptions) native() abi.Options {
	depth := o.MaxDepth
	if depth == 0 {
		depth = DefaultMaxDepth
	}
	return abi.Options{Trace: o.Trace, MaxDepth: depth}
}

// EvaluationResult is the decoded engine response.
// Trace is non-nil only when tracing was requested.
type EvaluationResult struct {
	Performance string                `json:"performance"`
	Result      json.RawMessage       `json:"result"`
	Trace       map[string]TraceEntry `json:"trace,omitempty"`
}

// TraceEntry records one executed node.
type TraceEntry struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Input       json.RawMessage `json:"input"`
	Output      json.RawMessage `json:"output"`
	Performance string          `json:"performance,omitempty"`
	TraceData   json.RawMessage `json:"traceData,omitempty"`
	Order       int             `json:"order"`
}

// Decode unmarshals the result into v.
func (r *EvaluationResult) Decode(v any) error {
	return json.Unmarshal(r.Result, v)
}
