package graph

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/wippyai/zen-runtime/errors"
)

const linear = `{
  "nodes": [
    {"id": "in", "name": "Request", "type": "inputNode"},
    {"id": "calc", "name": "Calc", "type": "expressionNode", "content": {"expressions": [
      {"id": "e1", "key": "sum", "value": "a + b"},
      {"id": "e2", "key": "double", "value": "$.sum * 2"},
      {"id": "e3", "key": "nested.flag", "value": "a > 5"}
    ]}},
    {"id": "out", "name": "Response", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "calc"},
    {"id": "2", "sourceId": "calc", "targetId": "out"}
  ]
}`

func mustParse(t *testing.T, src string) *Graph {
	t.Helper()
	g, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return g
}

func evaluate(t *testing.T, ev *Evaluator, g *Graph, input string, opts Options) *Response {
	t.Helper()
	var in any
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		t.Fatalf("bad input: %v", err)
	}
	resp, err := ev.Evaluate(context.Background(), g, in, opts)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return resp
}

func resultJSON(t *testing.T, resp *Response) string {
	t.Helper()
	out, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	return string(out)
}

func detailsType(t *testing.T, err error) string {
	t.Helper()
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("expected *errors.Error, got %T: %v", err, err)
	}
	var d struct {
		Type string `json:"type"`
	}
	if derr := e.DecodeDetails(&d); derr != nil {
		t.Fatalf("decode details %q: %v", e.Details, derr)
	}
	return d.Type
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		code errors.Code
		typ  string
	}{
		{"malformed", `{"nodes": [`, errors.JsonDeserializationFailed, ""},
		{"unknown type", `{"nodes":[{"id":"x","type":"mysteryNode"}]}`, errors.InvalidArgument, "unknownNodeType"},
		{"duplicate", `{"nodes":[{"id":"x","type":"inputNode"},{"id":"x","type":"outputNode"}]}`, errors.InvalidArgument, "duplicateNode"},
		{"dangling edge", `{"nodes":[{"id":"x","type":"inputNode"}],"edges":[{"id":"e","sourceId":"x","targetId":"y"}]}`, errors.InvalidArgument, "missingNode"},
		{"bad content", `{"nodes":[{"id":"x","type":"expressionNode","content":{"expressions":5}}]}`, errors.InvalidArgument, "invalidNodeContent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.CodeOf(err); got != tt.code {
				t.Fatalf("code = %v, want %v", got, tt.code)
			}
			if tt.typ != "" {
				if got := detailsType(t, err); got != tt.typ {
					t.Errorf("details type = %q, want %q", got, tt.typ)
				}
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		src    string
		source string
	}{
		{"no input", `{"nodes":[{"id":"o","type":"outputNode"}]}`, "invalidInputCount"},
		{"two inputs", `{"nodes":[{"id":"a","type":"inputNode"},{"id":"b","type":"inputNode"},{"id":"o","type":"outputNode"}]}`, "invalidInputCount"},
		{"no output", `{"nodes":[{"id":"a","type":"inputNode"}]}`, "invalidOutputCount"},
		{"cycle", `{
			"nodes":[{"id":"i","type":"inputNode"},{"id":"x","type":"expressionNode"},{"id":"y","type":"expressionNode"},{"id":"o","type":"outputNode"}],
			"edges":[{"id":"1","sourceId":"i","targetId":"x"},{"id":"2","sourceId":"x","targetId":"y"},{"id":"3","sourceId":"y","targetId":"x"},{"id":"4","sourceId":"y","targetId":"o"}]
		}`, "cyclicGraph"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mustParse(t, tt.src).Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, errors.ErrEvaluation) {
				t.Fatalf("expected EvaluationError, got %v", err)
			}
			var d struct {
				Type   string `json:"type"`
				Source struct {
					Type string `json:"type"`
				} `json:"source"`
			}
			var e *errors.Error
			stderrors.As(err, &e)
			if err := e.DecodeDetails(&d); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if d.Type != "InvalidGraph" || d.Source.Type != tt.source {
				t.Errorf("details = %s", e.Details)
			}
		})
	}

	if err := mustParse(t, linear).Validate(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
}

func TestExpressionNode(t *testing.T) {
	g := mustParse(t, linear)
	resp := evaluate(t, &Evaluator{}, g, `{"a": 10, "b": 20}`, Options{MaxDepth: 5})

	got := resultJSON(t, resp)
	want := `{"double":60,"nested":{"flag":true},"sum":30}`
	if got != want {
		t.Errorf("result = %s, want %s", got, want)
	}
	if resp.Trace != nil {
		t.Error("trace must be absent when not requested")
	}
	if resp.Performance == "" {
		t.Error("performance must be set")
	}

	raw, _ := json.Marshal(resp)
	if strings.Contains(string(raw), `"trace"`) {
		t.Errorf("response JSON carries trace: %s", raw)
	}
}

func TestTrace(t *testing.T) {
	g := mustParse(t, linear)
	resp := evaluate(t, &Evaluator{}, g, `{"a": 1, "b": 2}`, Options{Trace: true, MaxDepth: 5})

	if len(resp.Trace) != 3 {
		t.Fatalf("trace entries = %d, want 3", len(resp.Trace))
	}
	for id, order := range map[string]int{"in": 0, "calc": 1, "out": 2} {
		entry, ok := resp.Trace[id]
		if !ok {
			t.Fatalf("missing trace entry %q", id)
		}
		if entry.Order != order {
			t.Errorf("%s order = %d, want %d", id, entry.Order, order)
		}
	}
	calc := resp.Trace["calc"]
	if calc.Performance == nil || *calc.Performance == "" {
		t.Error("calc trace missing performance")
	}
	td, ok := calc.TraceData.(map[string]any)
	if !ok {
		t.Fatalf("trace data = %T", calc.TraceData)
	}
	if sum, _ := td["sum"].(map[string]string); sum["result"] != "3" {
		t.Errorf("sum trace = %v", td["sum"])
	}
}

func TestExpressionNodeError(t *testing.T) {
	g := mustParse(t, `{
		"nodes":[{"id":"i","type":"inputNode"},{"id":"x","type":"expressionNode","content":{"expressions":[{"id":"e","key":"k","value":"a +"}]}},{"id":"o","type":"outputNode"}],
		"edges":[{"id":"1","sourceId":"i","targetId":"x"},{"id":"2","sourceId":"x","targetId":"o"}]
	}`)
	_, err := (&Evaluator{}).Evaluate(context.Background(), g, map[string]any{"a": 1}, Options{MaxDepth: 5})
	if !errors.Is(err, errors.ErrEvaluation) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if typ := detailsType(t, err); typ != "NodeError" {
		t.Errorf("details type = %q", typ)
	}
	if e := err.(*errors.Error); !strings.Contains(e.Details, `"nodeId":"x"`) {
		t.Errorf("details = %s", e.Details)
	}
}

const table = `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "t", "type": "decisionTableNode", "content": {
      "hitPolicy": "%s",
      "inputs": [{"id": "c1", "field": "score"}, {"id": "c2", "field": "country"}],
      "outputs": [{"id": "o1", "field": "tier"}],
      "rules": [
        {"_id": "r1", "c1": ">= 90", "c2": "\"US\", \"CA\"", "o1": "\"gold\""},
        {"_id": "r2", "c1": "[50..90)", "c2": "", "o1": "\"silver\""},
        {"_id": "r3", "c1": "", "c2": "", "o1": "\"bronze\""}
      ]
    }},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "t"},
    {"id": "2", "sourceId": "t", "targetId": "out"}
  ]
}`

func TestDecisionTable(t *testing.T) {
	first := mustParse(t, strings.Replace(table, "%s", HitFirst, 1))
	collect := mustParse(t, strings.Replace(table, "%s", HitCollect, 1))

	tests := []struct {
		name  string
		g     *Graph
		input string
		want  string
	}{
		{"first gold", first, `{"score": 95, "country": "US"}`, `{"tier":"gold"}`},
		{"first country mismatch", first, `{"score": 95, "country": "DE"}`, `{"tier":"bronze"}`},
		{"first interval", first, `{"score": 60, "country": "DE"}`, `{"tier":"silver"}`},
		{"first fallback", first, `{"score": 10}`, `{"tier":"bronze"}`},
		{"collect", collect, `{"score": 95, "country": "CA"}`, `[{"tier":"gold"},{"tier":"bronze"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := evaluate(t, &Evaluator{}, tt.g, tt.input, Options{MaxDepth: 5})
			if got := resultJSON(t, resp); got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecisionTableTrace(t *testing.T) {
	g := mustParse(t, strings.Replace(table, "%s", HitFirst, 1))
	resp := evaluate(t, &Evaluator{}, g, `{"score": 95, "country": "US"}`, Options{Trace: true, MaxDepth: 5})

	row, ok := resp.Trace["t"].TraceData.(*rowResult)
	if !ok {
		t.Fatalf("trace data = %T", resp.Trace["t"].TraceData)
	}
	if row.Index != 0 || row.Rule["_id"] != "r1" {
		t.Errorf("row = %+v", row)
	}
	if row.Refs["score"] != 95.0 {
		t.Errorf("reference map = %v", row.Refs)
	}
}

const switched = `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "sw", "type": "switchNode", "content": {"hitPolicy": "%s", "statements": [
      {"id": "big", "condition": "amount > 100"},
      {"id": "any", "condition": ""}
    ]}},
    {"id": "hi", "type": "expressionNode", "content": {"expressions": [{"id": "e", "key": "path", "value": "'big'"}]}},
    {"id": "lo", "type": "expressionNode", "content": {"expressions": [{"id": "e", "key": "other", "value": "'any'"}]}},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "sw"},
    {"id": "2", "sourceId": "sw", "targetId": "hi", "sourceHandle": "big"},
    {"id": "3", "sourceId": "sw", "targetId": "lo", "sourceHandle": "any"},
    {"id": "4", "sourceId": "hi", "targetId": "out"},
    {"id": "5", "sourceId": "lo", "targetId": "out"}
  ]
}`

func TestSwitch(t *testing.T) {
	first := mustParse(t, strings.Replace(switched, "%s", HitFirst, 1))
	collect := mustParse(t, strings.Replace(switched, "%s", HitCollect, 1))

	tests := []struct {
		name  string
		g     *Graph
		input string
		want  string
	}{
		{"first takes big", first, `{"amount": 500}`, `{"path":"big"}`},
		{"first falls through", first, `{"amount": 5}`, `{"other":"any"}`},
		{"collect merges", collect, `{"amount": 500}`, `{"other":"any","path":"big"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := evaluate(t, &Evaluator{}, tt.g, tt.input, Options{MaxDepth: 5})
			if got := resultJSON(t, resp); got != tt.want {
				t.Errorf("result = %s, want %s", got, tt.want)
			}
		})
	}
}

type mapLoader map[string]*Graph

func (m mapLoader) Load(_ context.Context, key string) (*Graph, error) {
	g, ok := m[key]
	if !ok {
		return nil, errors.New(errors.LoaderKeyNotFound).Details(`{"key":%q}`, key).Build()
	}
	return g, nil
}

func nestedCaller(key string) string {
	return `{
		"nodes":[{"id":"i","type":"inputNode"},{"id":"d","type":"decisionNode","content":{"key":"` + key + `"}},{"id":"o","type":"outputNode"}],
		"edges":[{"id":"1","sourceId":"i","targetId":"d"},{"id":"2","sourceId":"d","targetId":"o"}]
	}`
}

func TestDecisionNode(t *testing.T) {
	loader := mapLoader{"calc": mustParse(t, linear)}
	g := mustParse(t, nestedCaller("calc"))

	resp := evaluate(t, &Evaluator{Loader: loader}, g, `{"a": 2, "b": 3}`, Options{Trace: true, MaxDepth: 5})
	if got := resultJSON(t, resp); got != `{"double":10,"nested":{"flag":false},"sum":5}` {
		t.Errorf("result = %s", got)
	}
	sub, ok := resp.Trace["d"].TraceData.(map[string]*TraceEntry)
	if !ok || len(sub) != 3 {
		t.Errorf("sub trace = %#v", resp.Trace["d"].TraceData)
	}

	_, err := (&Evaluator{Loader: loader}).Evaluate(context.Background(), mustParse(t, nestedCaller("missing")), map[string]any{}, Options{MaxDepth: 5})
	if typ := detailsType(t, err); typ != "NodeError" {
		t.Fatalf("details type = %q", typ)
	}
	if e := err.(*errors.Error); !strings.Contains(e.Details, "missing") {
		t.Errorf("details = %s", e.Details)
	}
}

func TestDepthLimit(t *testing.T) {
	loader := mapLoader{}
	self := mustParse(t, nestedCaller("self"))
	loader["self"] = self

	_, err := (&Evaluator{Loader: loader}).Evaluate(context.Background(), self, map[string]any{}, Options{MaxDepth: 3})
	if !IsDepthLimit(err) {
		t.Fatalf("expected depth limit, got %v", err)
	}
	if !errors.Is(err, errors.ErrEvaluation) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}

	loader["calc"] = mustParse(t, linear)
	_, err = (&Evaluator{Loader: loader}).Evaluate(context.Background(), mustParse(t, nestedCaller("calc")), map[string]any{"a": 1, "b": 1}, Options{MaxDepth: 1})
	if !IsDepthLimit(err) {
		t.Fatalf("one level must not fit in MaxDepth 1, got %v", err)
	}
}

type handlerFunc func(ctx context.Context, req *CustomNodeRequest) (*CustomNodeResponse, error)

func (f handlerFunc) HandleCustomNode(ctx context.Context, req *CustomNodeRequest) (*CustomNodeResponse, error) {
	return f(ctx, req)
}

const custom = `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "c", "name": "Adder", "type": "customNode", "content": {"kind": "add", "config": {"amount": 10}}},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "c"},
    {"id": "2", "sourceId": "c", "targetId": "out"}
  ]
}`

func TestCustomNode(t *testing.T) {
	g := mustParse(t, custom)

	var seen *CustomNodeRequest
	handler := handlerFunc(func(_ context.Context, req *CustomNodeRequest) (*CustomNodeResponse, error) {
		seen = req
		return &CustomNodeResponse{Output: map[string]any{"ok": true}, TraceData: "traced"}, nil
	})

	resp := evaluate(t, &Evaluator{CustomNode: handler}, g, `{"a": 1}`, Options{Trace: true, MaxDepth: 5})
	if got := resultJSON(t, resp); got != `{"ok":true}` {
		t.Errorf("result = %s", got)
	}
	if seen == nil || seen.Node.Kind != "add" || seen.Node.Name != "Adder" || string(seen.Node.Config) != `{"amount": 10}` {
		t.Errorf("request = %+v", seen)
	}
	if resp.Trace["c"].TraceData != "traced" {
		t.Errorf("trace data = %v", resp.Trace["c"].TraceData)
	}

	failing := handlerFunc(func(context.Context, *CustomNodeRequest) (*CustomNodeResponse, error) {
		return nil, stderrors.New("boom")
	})
	_, err := (&Evaluator{CustomNode: failing}).Evaluate(context.Background(), g, map[string]any{}, Options{MaxDepth: 5})
	if e, ok := err.(*errors.Error); !ok || !strings.Contains(e.Details, "boom") {
		t.Errorf("err = %v", err)
	}

	_, err = (&Evaluator{}).Evaluate(context.Background(), g, map[string]any{}, Options{MaxDepth: 5})
	if e, ok := err.(*errors.Error); !ok || !strings.Contains(e.Details, "handler not provided") {
		t.Errorf("err = %v", err)
	}
}

func TestMerge(t *testing.T) {
	dst := map[string]any{"a": 1, "obj": map[string]any{"x": 1}}
	src := map[string]any{"b": 2, "obj": map[string]any{"y": 2}}

	got, _ := json.Marshal(merge(dst, src))
	if string(got) != `{"a":1,"b":2,"obj":{"x":1,"y":2}}` {
		t.Errorf("merge = %s", got)
	}
	if _, touched := dst["b"]; touched {
		t.Error("merge mutated its input")
	}
	if merge(dst, 5) != 5 {
		t.Error("scalar must replace")
	}
}

func TestDOT(t *testing.T) {
	g := mustParse(t, strings.Replace(switched, "%s", HitFirst, 1))
	out, err := g.DOT("routing")
	if err != nil {
		t.Fatalf("DOT: %v", err)
	}
	for _, want := range []string{"digraph", `"sw"`, `"amount > 100"`, `"default"`, "diamond"} {
		if !strings.Contains(out, want) {
			t.Errorf("DOT output missing %s:\n%s", want, out)
		}
	}
}
