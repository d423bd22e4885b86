package zen

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
)

// CustomNodeHandler executes a custom node. It is called from inside
// native code while the decision is being evaluated.
//
// Errors and panics fail the current evaluation with EvaluationError.
// Returning (nil, nil) fails it with "response not provided".
type CustomNodeHandler func(ctx context.Context, req *NodeRequest) (*NodeResponse, error)

// DecisionNode describes the custom node being executed.
type DecisionNode struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Kind   string          `json:"kind"`
	Config json.RawMessage `json:"config"`
}

// NodeRequest is the input of a custom node. It is only valid during the
// handler call; later use fails with InvalidArgument.
type NodeRequest struct {
	Input     json.RawMessage `json:"input"`
	Node      DecisionNode    `json:"node"`
	Iteration int             `json:"iteration"`

	ctx   context.Context
	scope abi.Scope
	done  atomic.Bool
}

// NodeResponse is the output of a custom node.
type NodeResponse struct {
	Output    any `json:"output"`
	TraceData any `json:"traceData,omitempty"`
}

// GetFieldRaw returns the config value at a dot path verbatim.
func (r *NodeRequest) GetFieldRaw(path string) (json.RawMessage, error) {
	if r.done.Load() {
		return nil, errors.InvalidInput(errors.PhaseCustomNode, "node.get_field_raw", "request used after its callback returned")
	}
	return lookupField(r.Node.Config, path)
}

// GetField returns the config value at a dot path. String values are
// rendered as templates against the node input by the engine itself, so
// "{{ a + 10 }}" with input {"a": 5} yields 15.
func (r *NodeRequest) GetField(path string) (json.RawMessage, error) {
	const op = "node.get_field"
	if r.done.Load() {
		return nil, errors.InvalidInput(errors.PhaseCustomNode, op, "request used after its callback returned")
	}

	raw, err := lookupField(r.Node.Config, path)
	if err != nil {
		return nil, err
	}
	var tmpl string
	if json.Unmarshal(raw, &tmpl) != nil {
		return raw, nil
	}

	input := r.Input
	if len(input) == 0 {
		input = json.RawMessage("null")
	}

	al := marshal.NewAllocations()
	defer al.FreeAndRelease(r.ctx, r.scope)

	tp, err := al.CString(r.ctx, r.scope, []byte(tmpl))
	if err != nil {
		return nil, err
	}
	ip, err := al.CString(r.ctx, r.scope, input)
	if err != nil {
		return nil, err
	}

	pkt, err := r.scope.EvaluateTemplate(r.ctx, tp, ip)
	if err != nil {
		return nil, err
	}
	out, err := marshal.ExtractString(r.ctx, r.scope, op, pkt)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// GetFieldInto decodes the evaluated config value at path into v.
func (r *NodeRequest) GetFieldInto(path string, v any) error {
	raw, err := r.GetField(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Marshal(errors.JsonDeserializationFailed, "node.get_field", err)
	}
	return nil
}

// lookupField walks a dot path through objects and arrays.
func lookupField(config json.RawMessage, path string) (json.RawMessage, error) {
	const op = "node.get_field"
	current := config
	if path == "" {
		return current, nil
	}

	for _, part := range strings.Split(path, ".") {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(current, &obj); err == nil {
			next, ok := obj[part]
			if !ok {
				return nil, errors.InvalidInput(errors.PhaseCustomNode, op, "field "+strconv.Quote(path)+" not found")
			}
			current = next
			continue
		}

		var arr []json.RawMessage
		if err := json.Unmarshal(current, &arr); err == nil {
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(arr) {
				return nil, errors.InvalidInput(errors.PhaseCustomNode, op, "field "+strconv.Quote(path)+" not found")
			}
			current = arr[i]
			continue
		}

		return nil, errors.InvalidInput(errors.PhaseCustomNode, op, "field "+strconv.Quote(path)+" not found")
	}
	return current, nil
}
