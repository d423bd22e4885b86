package metrics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	zen "github.com/wippyai/zen-runtime"
	"github.com/wippyai/zen-runtime/errors"
)

func TestObserver_Events(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew(reg, "test")

	o.EngineCreated("a")
	o.EngineCreated("b")
	o.EngineDisposed("a")
	if got := testutil.ToFloat64(o.engines); got != 1 {
		t.Errorf("engines_live = %v, want 1", got)
	}

	o.Evaluated("decision.evaluate", time.Millisecond, nil)
	o.Evaluated("decision.evaluate", time.Millisecond, errors.New(errors.EvaluationError).Build())
	o.Evaluated("expression", time.Millisecond, fmt.Errorf("wrapped: %w", errors.ErrIsolate))

	tests := []struct {
		op, code string
		want     float64
	}{
		{"decision.evaluate", "success", 1},
		{"decision.evaluate", "evaluation_error", 1},
		{"expression", "isolate_error", 1},
		{"expression", "success", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(o.evaluations.WithLabelValues(tt.op, tt.code)); got != tt.want {
			t.Errorf("evaluations_total{op=%q,code=%q} = %v, want %v", tt.op, tt.code, got, tt.want)
		}
	}

	o.LoaderCalled("k", time.Millisecond, nil)
	o.LoaderCalled("k", time.Millisecond, fmt.Errorf("x: %w", zen.ErrDecisionNotFound))
	o.LoaderCalled("k", time.Millisecond, fmt.Errorf("boom"))
	for _, result := range []string{"ok", "not_found", "error"} {
		if got := testutil.ToFloat64(o.loads.WithLabelValues(result)); got != 1 {
			t.Errorf("loader_calls_total{result=%q} = %v, want 1", result, got)
		}
	}

	o.CustomNodeCalled("adder", time.Millisecond, nil)
	if got := testutil.ToFloat64(o.nodes.WithLabelValues("adder", "ok")); got != 1 {
		t.Errorf("custom_node_calls_total = %v", got)
	}

	if n := testutil.CollectAndCount(o.evalLatency); n != 2 {
		t.Errorf("evaluation latency series = %d, want 2", n)
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg, ""); err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := New(reg, ""); err == nil {
		t.Fatal("expected duplicate registration error")
	}
}

func TestObserver_WithRuntime(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	o := MustNew(reg, "")

	rt, err := zen.NewRuntime(ctx, zen.WithObserver(o))
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	defer rt.Close(ctx)

	engine, err := rt.NewEngine(ctx, zen.WithLoader(zen.MapLoader(nil)))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if _, err := engine.Evaluate(ctx, "missing", nil); err == nil {
		t.Fatal("expected loader failure")
	}
	if _, err := rt.EvaluateExpression(ctx, "1 + 1", nil); err != nil {
		t.Fatalf("EvaluateExpression: %v", err)
	}
	_ = engine.Dispose()

	if got := testutil.ToFloat64(o.loads.WithLabelValues("not_found")); got != 1 {
		t.Errorf("not_found loads = %v", got)
	}
	if got := testutil.ToFloat64(o.evaluations.WithLabelValues("engine.evaluate", "loader_key_not_found")); got != 1 {
		t.Errorf("failed engine evaluations = %v", got)
	}
	if got := testutil.ToFloat64(o.evaluations.WithLabelValues("expression", "success")); got != 1 {
		t.Errorf("expression evaluations = %v", got)
	}
	if got := testutil.ToFloat64(o.engines); got != 0 {
		t.Errorf("engines_live = %v", got)
	}
}
