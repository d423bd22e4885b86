package graph

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/wippyai/zen-runtime/core/expression"
)

// evaluateExpressions runs an expression node. Each expression sees the
// node input plus `$`, the output built so far.
func evaluateExpressions(c *ExpressionContent, in any, trace bool) (any, any, error) {
	result := map[string]any{}
	env := expression.NewEnv(in).WithRef(result)

	var traceMap map[string]any
	if trace {
		traceMap = map[string]any{}
	}

	for _, e := range c.Expressions {
		if e.Key == "" || strings.TrimSpace(e.Value) == "" {
			continue
		}
		v, err := expression.Run(e.Value, env)
		if err != nil {
			return nil, traceMap, fmt.Errorf("failed to evaluate expression %q: %s", e.Value, expression.Message(err))
		}
		if traceMap != nil {
			encoded, jerr := json.Marshal(v)
			if jerr != nil {
				encoded = []byte("Error")
			}
			traceMap[e.Key] = map[string]string{"result": string(encoded)}
		}
		dotInsert(result, e.Key, v)
	}

	if traceMap == nil {
		return result, nil, nil
	}
	return result, traceMap, nil
}

type rowResult struct {
	Index int               `json:"index"`
	Rule  map[string]string `json:"rule,omitempty"`
	Refs  map[string]any    `json:"reference_map,omitempty"`
	out   map[string]any
}

// evaluateTable runs a decision table node.
func evaluateTable(c *DecisionTableContent, in any, trace bool) (any, any, error) {
	env := expression.NewEnv(in)

	if c.HitPolicy == HitCollect {
		outputs := make([]any, 0)
		var rows []*rowResult
		for i := range c.Rules {
			if row := evaluateRow(c, env, i, trace); row != nil {
				outputs = append(outputs, row.out)
				rows = append(rows, row)
			}
		}
		if !trace {
			return outputs, nil, nil
		}
		return outputs, rows, nil
	}

	for i := range c.Rules {
		if row := evaluateRow(c, env, i, trace); row != nil {
			if !trace {
				return row.out, nil, nil
			}
			return row.out, row, nil
		}
	}
	return nil, nil, nil
}

// evaluateRow returns the row result when every input cell matches. Cells
// that fail to evaluate count as a mismatch.
func evaluateRow(c *DecisionTableContent, env expression.Env, index int, trace bool) *rowResult {
	rule := c.Rules[index]

	for _, col := range c.Inputs {
		cell, ok := rule[col.ID]
		if !ok {
			return nil
		}
		if strings.TrimSpace(cell) == "" {
			continue
		}
		if col.Field == "" {
			v, err := expression.Run(cell, env)
			if b, isBool := v.(bool); err != nil || !isBool || !b {
				return nil
			}
			continue
		}
		ref, err := expression.Run(col.Field, env)
		if err != nil {
			return nil
		}
		matched, err := expression.RunUnary(cell, env, ref)
		if err != nil || !matched {
			return nil
		}
	}

	out := map[string]any{}
	for _, col := range c.Outputs {
		cell, ok := rule[col.ID]
		if !ok {
			return nil
		}
		if strings.TrimSpace(cell) == "" {
			continue
		}
		v, err := expression.Run(cell, env)
		if err != nil {
			return nil
		}
		dotInsert(out, col.Field, v)
	}

	row := &rowResult{Index: index, out: out}
	if !trace {
		return row
	}

	row.Rule = map[string]string{"_id": rule["_id"]}
	if d, ok := rule["_description"]; ok {
		row.Rule["_description"] = d
	}
	row.Refs = map[string]any{}
	for _, col := range c.Inputs {
		if col.Field == "" {
			continue
		}
		if ref, err := expression.Run(col.Field, env); err == nil {
			row.Refs[col.Field] = ref
		}
		row.Rule[fmt.Sprintf("%s[%s]", col.Field, col.ID)] = rule[col.ID]
	}
	return row
}

// evaluateSwitch returns the IDs of the statements that hold.
func evaluateSwitch(c *SwitchContent, in any) (map[string]bool, error) {
	env := expression.NewEnv(in).WithRef(in)
	matched := map[string]bool{}

	for _, s := range c.Statements {
		ok := true
		if strings.TrimSpace(s.Condition) != "" {
			v, err := expression.Run(s.Condition, env)
			if err != nil {
				return nil, err
			}
			ok, _ = v.(bool)
		}
		if !ok {
			continue
		}
		matched[s.ID] = true
		if c.HitPolicy != HitCollect {
			break
		}
	}
	return matched, nil
}

// sortedStatements lists matched statements in declaration order.
func sortedStatements(c *SwitchContent, matched map[string]bool) []map[string]string {
	out := make([]map[string]string, 0, len(matched))
	for _, s := range c.Statements {
		if matched[s.ID] {
			out = append(out, map[string]string{"id": s.ID})
		}
	}
	return out
}

// dotInsert sets a dot-separated path in m, creating intermediate objects.
func dotInsert(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}
