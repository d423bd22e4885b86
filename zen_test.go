package zen_test

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/core"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
)

const sumDecision = `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "x", "type": "expressionNode", "content": {"expressions": [
      {"id": "e1", "key": "sum", "value": "a + b"},
      {"id": "e2", "key": "product", "value": "a * b"}
    ]}},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "x"},
    {"id": "2", "sourceId": "x", "targetId": "out"}
  ]
}`

const customDecision = `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "c", "name": "Adder", "type": "customNode", "content": {"kind": "adder", "config": {"prop": "{{ a + 10 }}", "nested": {"list": [1, 2]}}}},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "c"},
    {"id": "2", "sourceId": "c", "targetId": "out"}
  ]
}`

func nested(key string) string {
	return `{
  "nodes": [
    {"id": "in", "type": "inputNode"},
    {"id": "d", "type": "decisionNode", "content": {"key": "` + key + `"}},
    {"id": "out", "type": "outputNode"}
  ],
  "edges": [
    {"id": "1", "sourceId": "in", "targetId": "d"},
    {"id": "2", "sourceId": "d", "targetId": "out"}
  ]
}`
}

// countingNative counts calls that reach native code.
type countingNative struct {
	*core.Core
	calls atomic.Int32
}

func (n *countingNative) EngineFree(ctx context.Context, e abi.Ptr) error {
	n.calls.Add(1)
	return n.Core.EngineFree(ctx, e)
}

func (n *countingNative) EngineEvaluate(ctx context.Context, e, k, i abi.Ptr, o abi.Options) (abi.Packet, error) {
	n.calls.Add(1)
	return n.Core.EngineEvaluate(ctx, e, k, i, o)
}

func (n *countingNative) EngineCreateDecision(ctx context.Context, e, c abi.Ptr) (abi.Packet, error) {
	n.calls.Add(1)
	return n.Core.EngineCreateDecision(ctx, e, c)
}

func (n *countingNative) DecisionEvaluate(ctx context.Context, d, i abi.Ptr, o abi.Options) (abi.Packet, error) {
	n.calls.Add(1)
	return n.Core.DecisionEvaluate(ctx, d, i, o)
}

func (n *countingNative) DecisionFree(ctx context.Context, d abi.Ptr) error {
	n.calls.Add(1)
	return n.Core.DecisionFree(ctx, d)
}

func newRuntime(t *testing.T, opts ...zen.Option) (*zen.Runtime, *countingNative) {
	t.Helper()
	ctx := context.Background()
	var native *countingNative
	opts = append([]zen.Option{zen.WithBackend(func(_ context.Context, host abi.Host) (abi.Native, error) {
		native = &countingNative{Core: core.New(host)}
		return native, nil
	})}, opts...)

	rt, err := zen.NewRuntime(ctx, opts...)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt, native
}

func assertClean(t *testing.T, n *countingNative) {
	t.Helper()
	if s := n.Heap().Stats(); s.Leaked() || s.DoubleFrees > 0 || s.InvalidFrees > 0 {
		t.Fatalf("native heap not clean: %+v", s)
	}
}

func TestEvaluate_Arithmetic(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)

	engine, err := rt.NewEngine(ctx)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	d, err := engine.CreateDecision(ctx, []byte(sumDecision))
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}

	res, err := d.Evaluate(ctx, []byte(`{"a": 10, "b": 20}`))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	var out struct {
		Sum     float64 `json:"sum"`
		Product float64 `json:"product"`
	}
	if err := res.Decode(&out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Sum != 30 {
		t.Errorf("a + b = %v, want 30", out.Sum)
	}
	if out.Product != 200 {
		t.Errorf("a * b = %v, want 200", out.Product)
	}
	if res.Trace != nil {
		t.Error("trace must be absent when not requested")
	}

	_ = d.Dispose()
	_ = engine.Dispose()
	assertClean(t, native)
}

func TestEvaluateInto(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	engine, _ := rt.NewEngine(ctx)
	defer engine.Dispose()
	d, err := engine.CreateDecision(ctx, []byte(sumDecision))
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
	defer d.Dispose()

	type result struct {
		Sum     int `json:"sum"`
		Product int `json:"product"`
	}
	got, err := zen.EvaluateInto[result](ctx, d, map[string]int{"a": 4, "b": 5}, zen.EvaluationOptions{})
	if err != nil {
		t.Fatalf("EvaluateInto: %v", err)
	}
	if got != (result{Sum: 9, Product: 20}) {
		t.Errorf("got %+v", got)
	}
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)

	engine, _ := rt.NewEngine(ctx)
	d, err := engine.CreateDecision(ctx, []byte(sumDecision))
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}

	if err := engine.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := engine.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}

	before := native.calls.Load()
	_, err = engine.Evaluate(ctx, "any", nil)
	if !errors.Is(err, errors.ErrDisposed) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if _, err := engine.CreateDecision(ctx, []byte(sumDecision)); !errors.Is(err, errors.ErrDisposed) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if native.calls.Load() != before {
		t.Fatal("disposed engine reached native code")
	}

	// decisions outlive their engine
	if _, err := d.Evaluate(ctx, []byte(`{"a": 1, "b": 1}`)); err != nil {
		t.Fatalf("decision after engine dispose: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Dispose()
		}()
	}
	wg.Wait()

	before = native.calls.Load()
	if _, err := d.Evaluate(ctx, nil); !errors.Is(err, errors.ErrDisposed) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if err := d.Validate(ctx); !errors.Is(err, errors.ErrDisposed) {
		t.Fatalf("expected DisposedError, got %v", err)
	}
	if native.calls.Load() != before {
		t.Fatal("disposed decision reached native code")
	}
	assertClean(t, native)
}

func TestLoader_InvokedOncePerKey(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)

	var loads atomic.Int32
	engine, err := rt.NewEngine(ctx, zen.WithLoader(func(_ context.Context, key string) ([]byte, error) {
		loads.Add(1)
		if key != "sum" {
			return nil, zen.ErrDecisionNotFound
		}
		return []byte(sumDecision), nil
	}))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	for i := 0; i < 5; i++ {
		res, err := engine.Evaluate(ctx, "sum", []byte(`{"a": 1, "b": 2}`))
		if err != nil {
			t.Fatalf("Evaluate: %v", err)
		}
		if !strings.Contains(string(res.Result), `"sum":3`) {
			t.Errorf("result = %s", res.Result)
		}
	}
	d, err := engine.GetDecision(ctx, "sum")
	if err != nil {
		t.Fatalf("GetDecision: %v", err)
	}
	if n := loads.Load(); n != 1 {
		t.Errorf("loader invoked %d times, want 1", n)
	}

	_, err = engine.GetDecision(ctx, "missing")
	if !errors.Is(err, errors.ErrLoaderKeyNotFound) {
		t.Fatalf("expected LoaderKeyNotFound, got %v", err)
	}
	var details struct {
		Key string `json:"key"`
	}
	var zerr *errors.Error
	if !errors.As(err, &zerr) || zerr.DecodeDetails(&details) != nil || details.Key != "missing" {
		t.Errorf("details = %v", err)
	}

	_ = d.Dispose()
	_ = engine.Dispose()
	assertClean(t, native)
}

func TestLoader_Failures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		loader  zen.Loader
		code    errors.Code
		message string
	}{
		{
			name:   "nil content",
			loader: func(context.Context, string) ([]byte, error) { return nil, nil },
			code:   errors.LoaderKeyNotFound,
		},
		{
			name:    "error",
			loader:  func(context.Context, string) ([]byte, error) { return nil, stderrors.New("backend down") },
			code:    errors.LoaderInternalError,
			message: "backend down",
		},
		{
			name:    "panic",
			loader:  func(context.Context, string) ([]byte, error) { panic("boom") },
			code:    errors.LoaderInternalError,
			message: "loader panic: boom",
		},
		{
			name: "timeout",
			loader: func(ctx context.Context, _ string) ([]byte, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			code:    errors.LoaderInternalError,
			message: "context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, native := newRuntime(t, zen.WithCallbackTimeout(20*time.Millisecond))
			engine, _ := rt.NewEngine(ctx, zen.WithLoader(tt.loader))

			_, err := engine.GetDecision(ctx, "k")
			if got := errors.CodeOf(err); got != tt.code {
				t.Fatalf("code = %v, want %v (%v)", got, tt.code, err)
			}
			if tt.message != "" {
				var details struct {
					Key     string `json:"key"`
					Message string `json:"message"`
				}
				var zerr *errors.Error
				if !errors.As(err, &zerr) {
					t.Fatalf("not a boundary error: %v", err)
				}
				if err := zerr.DecodeDetails(&details); err != nil {
					t.Fatalf("details: %v", err)
				}
				if details.Key != "k" || details.Message != tt.message {
					t.Errorf("details = %+v", details)
				}
			}

			_ = engine.Dispose()
			assertClean(t, native)
		})
	}
}

func TestAsyncLoader(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	engine, _ := rt.NewEngine(ctx, zen.WithAsyncLoader(func(_ context.Context, key string) <-chan zen.LoaderResponse {
		ch := make(chan zen.LoaderResponse, 1)
		go func() {
			defer close(ch)
			if key == "sum" {
				ch <- zen.LoaderResponse{Content: []byte(sumDecision)}
			}
		}()
		return ch
	}))
	defer engine.Dispose()

	if _, err := engine.Evaluate(ctx, "sum", []byte(`{"a": 1, "b": 1}`)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if _, err := engine.Evaluate(ctx, "other", nil); !errors.Is(err, errors.ErrLoaderKeyNotFound) {
		t.Fatalf("expected LoaderKeyNotFound, got %v", err)
	}
}

func TestCustomNode_GetField(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)

	var evaluated, raw, list json.RawMessage
	var kept *zen.NodeRequest
	engine, _ := rt.NewEngine(ctx, zen.WithCustomNode(func(_ context.Context, req *zen.NodeRequest) (*zen.NodeResponse, error) {
		var err error
		if evaluated, err = req.GetField("prop"); err != nil {
			return nil, err
		}
		if raw, err = req.GetFieldRaw("prop"); err != nil {
			return nil, err
		}
		if list, err = req.GetField("nested.list.1"); err != nil {
			return nil, err
		}
		kept = req
		return &zen.NodeResponse{Output: map[string]any{"prop": evaluated, "kind": req.Node.Kind}}, nil
	}))

	d, err := engine.CreateDecision(ctx, []byte(customDecision))
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
	res, err := d.EvaluateWithOptions(ctx, []byte(`{"a": 5}`), zen.EvaluationOptions{Trace: true})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if string(evaluated) != "15" {
		t.Errorf("GetField = %s, want 15", evaluated)
	}
	if string(raw) != `"{{ a + 10 }}"` {
		t.Errorf("GetFieldRaw = %s", raw)
	}
	if string(list) != "2" {
		t.Errorf("GetField(nested.list.1) = %s", list)
	}
	if !strings.Contains(string(res.Result), `"prop":15`) {
		t.Errorf("result = %s", res.Result)
	}
	if _, err := kept.GetField("prop"); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("request used after callback: %v", err)
	}

	_ = d.Dispose()
	_ = engine.Dispose()
	assertClean(t, native)
}

func TestCustomNode_Errors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		handler zen.CustomNodeHandler
		want    string
	}{
		{"error", func(context.Context, *zen.NodeRequest) (*zen.NodeResponse, error) {
			return nil, stderrors.New("rejected")
		}, "rejected"},
		{"panic", func(context.Context, *zen.NodeRequest) (*zen.NodeResponse, error) {
			panic("kaput")
		}, "custom node panic: kaput"},
		{"nil response", func(context.Context, *zen.NodeRequest) (*zen.NodeResponse, error) {
			return nil, nil
		}, "Custom node response not provided"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt, native := newRuntime(t)
			engine, _ := rt.NewEngine(ctx, zen.WithCustomNode(tt.handler))
			d, _ := engine.CreateDecision(ctx, []byte(customDecision))

			_, err := d.Evaluate(ctx, []byte(`{}`))
			if !errors.Is(err, errors.ErrEvaluation) {
				t.Fatalf("expected EvaluationError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}

			// the failure is local to that evaluation
			other, err := engine.CreateDecision(ctx, []byte(sumDecision))
			if err != nil {
				t.Fatalf("engine unusable after node failure: %v", err)
			}
			_ = other.Dispose()
			_ = d.Dispose()
			_ = engine.Dispose()
			assertClean(t, native)
		})
	}
}

func TestReentrancy(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	other, _ := rt.NewEngine(ctx)
	defer other.Dispose()

	var self *zen.Engine
	var selfErr, otherErr error
	self, _ = rt.NewEngine(ctx, zen.WithCustomNode(func(ctx context.Context, req *zen.NodeRequest) (*zen.NodeResponse, error) {
		_, selfErr = self.CreateDecision(ctx, []byte(sumDecision))
		d, err := other.CreateDecision(ctx, []byte(sumDecision))
		otherErr = err
		if d != nil {
			_ = d.Dispose()
		}
		return &zen.NodeResponse{Output: map[string]any{}}, nil
	}))
	defer self.Dispose()

	d, err := self.CreateDecision(ctx, []byte(customDecision))
	if err != nil {
		t.Fatalf("CreateDecision: %v", err)
	}
	defer d.Dispose()

	if _, err := d.Evaluate(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if selfErr != nil {
		t.Errorf("decision evaluation must not hold the engine: %v", selfErr)
	}
	if otherErr != nil {
		t.Errorf("other engine from callback: %v", otherErr)
	}

	// Engine.Evaluate holds the engine while callbacks run.
	var innerErr error
	var held *zen.Engine
	held, _ = rt.NewEngine(ctx,
		zen.WithLoader(zen.MapLoader(map[string][]byte{"custom": []byte(customDecision)})),
		zen.WithCustomNode(func(ctx context.Context, _ *zen.NodeRequest) (*zen.NodeResponse, error) {
			_, innerErr = held.Evaluate(ctx, "custom", nil)
			return &zen.NodeResponse{Output: 1}, nil
		}))
	defer held.Dispose()

	if _, err := held.Evaluate(ctx, "custom", []byte(`{}`)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !errors.Is(innerErr, errors.ErrInvalidArgument) {
		t.Errorf("re-entering the evaluating engine: %v", innerErr)
	}
}

func TestTrace(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)
	engine, _ := rt.NewEngine(ctx)
	defer engine.Dispose()
	d, _ := engine.CreateDecision(ctx, []byte(sumDecision))
	defer d.Dispose()

	res, err := d.EvaluateWithOptions(ctx, []byte(`{"a": 2, "b": 3}`), zen.EvaluationOptions{Trace: true})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.Trace) != 3 {
		t.Fatalf("trace entries = %d", len(res.Trace))
	}
	x := res.Trace["x"]
	if x.Performance == "" || x.Order != 1 || x.ID != "x" {
		t.Errorf("trace entry = %+v", x)
	}
	if res.Performance == "" {
		t.Error("missing performance")
	}
}

func TestDepthLimit(t *testing.T) {
	ctx := context.Background()
	rt, _ := newRuntime(t)

	engine, _ := rt.NewEngine(ctx, zen.WithLoader(zen.MapLoader(map[string][]byte{
		"loop": []byte(nested("loop")),
		"sum":  []byte(sumDecision),
		"one":  []byte(nested("sum")),
		"two":  []byte(nested("one")),
	})))
	defer engine.Dispose()

	_, err := engine.Evaluate(ctx, "loop", nil)
	if !errors.Is(err, errors.ErrEvaluation) || !strings.Contains(err.Error(), "DepthLimitExceeded") {
		t.Fatalf("expected depth limit, got %v", err)
	}

	if _, err := engine.Evaluate(ctx, "two", []byte(`{"a": 1, "b": 1}`)); err != nil {
		t.Fatalf("two levels within default depth: %v", err)
	}
	_, err = engine.EvaluateWithOptions(ctx, "two", []byte(`{"a": 1, "b": 1}`), zen.EvaluationOptions{MaxDepth: 2})
	if !errors.Is(err, errors.ErrEvaluation) {
		t.Fatalf("expected depth limit with MaxDepth 2, got %v", err)
	}
}

func TestCreateDecision_Errors(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)
	engine, _ := rt.NewEngine(ctx)

	if _, err := engine.CreateDecision(ctx, []byte(`{"nodes": [`)); !errors.Is(err, errors.ErrJsonDeserializationFailed) {
		t.Errorf("malformed: %v", err)
	}
	if _, err := engine.CreateDecision(ctx, []byte(`{"nodes":[{"id":"a","type":"nope"}]}`)); !errors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("unknown node: %v", err)
	}
	if _, err := engine.CreateDecision(ctx, []byte("a\x00b")); !errors.Is(err, errors.ErrStringNull) {
		t.Errorf("interior NUL: %v", err)
	}

	d, err := engine.CreateDecision(ctx, []byte(`{"nodes":[{"id":"o","type":"outputNode"}],"edges":[]}`))
	if err != nil {
		t.Fatalf("structurally parseable decision rejected: %v", err)
	}
	if err := d.Validate(ctx); !errors.Is(err, errors.ErrEvaluation) {
		t.Errorf("Validate: %v", err)
	}

	_ = d.Dispose()
	_ = engine.Dispose()
	assertClean(t, native)
}

func TestStandalone(t *testing.T) {
	ctx := context.Background()
	rt, native := newRuntime(t)

	out, err := rt.EvaluateExpression(ctx, "1 + 1", nil)
	if err != nil || string(out) != "2" {
		t.Errorf("1 + 1 = %s, %v", out, err)
	}
	out, err = rt.EvaluateExpression(ctx, "a + b", []byte(`{"a": 10, "b": 20}`))
	if err != nil || string(out) != "30" {
		t.Errorf("a + b = %s, %v", out, err)
	}

	ok, err := rt.EvaluateUnaryExpression(ctx, "> 10", []byte(`{"$": 15}`))
	if err != nil || !ok {
		t.Errorf("unary = %v, %v", ok, err)
	}

	out, err = rt.RenderTemplate(ctx, "total: {{ a + 10 }}", []byte(`{"a": 5}`))
	if err != nil || string(out) != `"total: 15"` {
		t.Errorf("template = %s, %v", out, err)
	}

	if _, err := rt.EvaluateExpression(ctx, "a +", nil); !errors.Is(err, errors.ErrIsolate) {
		t.Errorf("expected IsolateError, got %v", err)
	}
	if _, err := rt.RenderTemplate(ctx, "{{ broken", nil); !errors.Is(err, errors.ErrTemplateEngine) {
		t.Errorf("expected TemplateEngineError, got %v", err)
	}
	if _, err := rt.EvaluateExpression(ctx, "1", []byte("{nope")); !errors.Is(err, errors.ErrJsonDeserializationFailed) {
		t.Errorf("expected JsonDeserializationFailed, got %v", err)
	}
	assertClean(t, native)
}

func TestRuntimeClose(t *testing.T) {
	ctx := context.Background()
	rt, err := zen.NewRuntime(ctx)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	engine, _ := rt.NewEngine(ctx)

	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := rt.NewEngine(ctx); !errors.Is(err, errors.ErrDisposed) {
		t.Errorf("NewEngine after close: %v", err)
	}
	if _, err := engine.Evaluate(ctx, "k", nil); !errors.Is(err, errors.ErrDisposed) {
		t.Errorf("Evaluate after close: %v", err)
	}
	if err := engine.Dispose(); err != nil {
		t.Errorf("Dispose after close: %v", err)
	}
}

// nullEngineNative returns a null engine handle from both constructors and
// remembers the loader callback ID it was handed.
type nullEngineNative struct {
	*core.Core
	loaderID abi.CallbackID
}

func (n *nullEngineNative) EngineNew(context.Context) (abi.Ptr, error) { return 0, nil }

func (n *nullEngineNative) EngineNewWithCallbacks(_ context.Context, loader, _ abi.CallbackID) (abi.Ptr, error) {
	n.loaderID = loader
	return 0, nil
}

func TestNewEngine_NullHandle(t *testing.T) {
	ctx := context.Background()

	var native *nullEngineNative
	var host abi.Host
	rt, err := zen.NewRuntime(ctx, zen.WithBackend(func(_ context.Context, h abi.Host) (abi.Native, error) {
		host = h
		native = &nullEngineNative{Core: core.New(h)}
		return native, nil
	}))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(ctx)

	if _, err := rt.NewEngine(ctx); !errors.Is(err, errors.ErrInitialization) {
		t.Fatalf("plain engine: expected InitializationError, got %v", err)
	}

	var loads atomic.Int32
	loader := zen.Loader(func(context.Context, string) ([]byte, error) {
		loads.Add(1)
		return []byte(sumDecision), nil
	})
	if _, err := rt.NewEngine(ctx, zen.WithLoader(loader)); !errors.Is(err, errors.ErrInitialization) {
		t.Fatalf("engine with loader: expected InitializationError, got %v", err)
	}
	if native.loaderID == 0 {
		t.Fatal("loader ID was not passed to native code")
	}

	// A callback arriving with the ID of the failed engine finds no record.
	key, err := marshal.NewCString(ctx, native, []byte("sum"))
	if err != nil {
		t.Fatalf("alloc key: %v", err)
	}
	res := host.LoadDecision(ctx, native, native.loaderID, key.Ptr())
	if res.Error.IsNull() || !res.Content.IsNull() {
		t.Fatalf("expected an error result for a released registration, got %+v", res)
	}
	msg, err := marshal.TakeCString(ctx, native, res.Error)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	if !strings.Contains(msg, "no loader registered") {
		t.Errorf("error = %q", msg)
	}
	if n := loads.Load(); n != 0 {
		t.Errorf("loader called %d times", n)
	}
	if err := key.Release(ctx); err != nil {
		t.Fatalf("release key: %v", err)
	}
	if s := native.Heap().Stats(); s.Leaked() || s.DoubleFrees > 0 || s.InvalidFrees > 0 {
		t.Fatalf("native heap not clean: %+v", s)
	}
}
