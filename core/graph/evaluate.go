package graph

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/wippyai/zen-runtime/errors"
)

// Loader resolves sub-decisions referenced by decision nodes.
type Loader interface {
	Load(ctx context.Context, key string) (*Graph, error)
}

// CustomNodeHandler executes custom nodes.
type CustomNodeHandler interface {
	HandleCustomNode(ctx context.Context, req *CustomNodeRequest) (*CustomNodeResponse, error)
}

// Options control one evaluation.
type Options struct {
	Trace    bool
	MaxDepth uint8
}

// Evaluator carries what evaluation needs beyond the graph itself.
type Evaluator struct {
	Loader     Loader
	CustomNode CustomNodeHandler
}

const depthLimitDetails = `{"type":"DepthLimitExceeded"}`

// depthLimitError is carried unchanged through nested decisions.
func depthLimitError() *errors.Error {
	return errors.New(errors.EvaluationError).
		Phase(errors.PhaseNative).
		Op("decision.evaluate").
		Details(depthLimitDetails).
		Build()
}

// IsDepthLimit reports whether err is the nested depth limit failure.
func IsDepthLimit(err error) bool {
	var e *errors.Error
	return stderrors.As(err, &e) && e.Code == errors.EvaluationError && e.Details == depthLimitDetails
}

// Evaluate runs g against input.
func (ev *Evaluator) Evaluate(ctx context.Context, g *Graph, input any, opts Options) (*Response, error) {
	return ev.evaluate(ctx, g, input, opts, 0)
}

func (ev *Evaluator) evaluate(ctx context.Context, g *Graph, input any, opts Options, iteration uint8) (*Response, error) {
	start := time.Now()

	if err := g.Validate(); err != nil {
		return nil, err
	}
	if iteration >= opts.MaxDepth {
		return nil, depthLimitError()
	}

	w := &walker{
		ev:        ev,
		g:         g,
		opts:      opts,
		iteration: iteration,
		data:      make(map[*Node]any, len(g.nodes)),
		active:    make(map[*Edge]bool),
	}
	if opts.Trace {
		w.trace = make(map[string]*TraceEntry)
	}

	result, err := w.run(ctx, input)
	if err != nil {
		return nil, err
	}
	return &Response{
		Performance: formatDuration(time.Since(start)),
		Result:      result,
		Trace:       w.trace,
	}, nil
}

// walker holds the state of one graph traversal.
type walker struct {
	ev        *Evaluator
	g         *Graph
	opts      Options
	iteration uint8

	data   map[*Node]any
	active map[*Edge]bool
	trace  map[string]*TraceEntry
	order  int
}

func (w *walker) run(ctx context.Context, input any) (any, error) {
	for _, n := range w.g.order() {
		if n.Kind != KindInput && !w.reachable(n) {
			continue
		}

		switch n.Kind {
		case KindInput:
			w.data[n] = input
			w.record(n, nil, nil, nil, nil)
			w.activateAll(n)

		case KindOutput:
			w.record(n, nil, nil, nil, nil)
			return w.incoming(n), nil

		case KindSwitch:
			started := time.Now()
			in := w.incoming(n)
			matched, err := evaluateSwitch(n.switcher, in)
			if err != nil {
				return nil, nodeError(n, err)
			}
			w.data[n] = in

			perf := formatDuration(time.Since(started))
			w.record(n, in, in, &perf, map[string]any{"statements": sortedStatements(n.switcher, matched)})

			for _, e := range w.g.outgoing[n] {
				w.active[e] = e.SourceHandle != "" && matched[e.SourceHandle]
			}

		default:
			started := time.Now()
			in := w.incoming(n)
			out, traceData, err := w.execute(ctx, n, in)
			if err != nil {
				if IsDepthLimit(err) {
					return nil, err
				}
				return nil, nodeError(n, err)
			}
			w.data[n] = out
			perf := formatDuration(time.Since(started))
			w.record(n, in, out, &perf, traceData)
			w.activateAll(n)
		}
	}

	return nil, evaluationError(map[string]any{
		"type":   "NodeError",
		"nodeId": "",
		"source": "Graph did not halt. Missing output node.",
	})
}

func (w *walker) execute(ctx context.Context, n *Node, in any) (any, any, error) {
	switch n.Kind {
	case KindExpression:
		return evaluateExpressions(n.expression, in, w.opts.Trace)
	case KindDecisionTable:
		return evaluateTable(n.table, in, w.opts.Trace)
	case KindDecision:
		return w.evaluateDecision(ctx, n, in)
	case KindCustom:
		return w.evaluateCustom(ctx, n, in)
	}
	return nil, nil, stderrors.New("unexpected node type")
}

// reachable reports whether any incoming edge of n is active.
func (w *walker) reachable(n *Node) bool {
	for _, e := range w.g.incoming[n] {
		if w.active[e] {
			return true
		}
	}
	return false
}

func (w *walker) activateAll(n *Node) {
	for _, e := range w.g.outgoing[n] {
		w.active[e] = true
	}
}

// incoming merges the data of every active predecessor of n.
func (w *walker) incoming(n *Node) any {
	var merged any = map[string]any{}
	for _, e := range w.g.incoming[n] {
		if !w.active[e] {
			continue
		}
		merged = merge(merged, w.data[e.Source])
	}
	return merged
}

func (w *walker) record(n *Node, in, out any, perf *string, traceData any) {
	if w.trace == nil {
		return
	}
	w.trace[n.ID] = &TraceEntry{
		ID:          n.ID,
		Name:        n.Name,
		Input:       in,
		Output:      out,
		Performance: perf,
		TraceData:   traceData,
		Order:       w.order,
	}
	w.order++
}

func (w *walker) evaluateDecision(ctx context.Context, n *Node, in any) (any, any, error) {
	if w.ev.Loader == nil {
		return nil, nil, stderrors.New("loader not provided")
	}
	sub, err := w.ev.Loader.Load(ctx, n.decision.Key)
	if err != nil {
		return nil, nil, err
	}
	resp, err := w.ev.evaluate(ctx, sub, in, w.opts, w.iteration+1)
	if err != nil {
		return nil, nil, err
	}
	var traceData any
	if w.opts.Trace {
		traceData = resp.Trace
	}
	return resp.Result, traceData, nil
}

func (w *walker) evaluateCustom(ctx context.Context, n *Node, in any) (any, any, error) {
	if w.ev.CustomNode == nil {
		return nil, nil, stderrors.New("Custom node handler not provided")
	}
	resp, err := w.ev.CustomNode.HandleCustomNode(ctx, &CustomNodeRequest{
		Input: in,
		Node: CustomNodeInfo{
			ID:     n.ID,
			Name:   n.Name,
			Kind:   n.custom.Kind,
			Config: n.custom.Config,
		},
		Iteration: int(w.iteration),
	})
	if err != nil {
		return nil, nil, err
	}
	if resp == nil {
		return nil, nil, stderrors.New("Custom node response not provided")
	}
	return resp.Output, resp.TraceData, nil
}

// nodeError wraps a node failure. The source is the cause's message, or the
// details of a boundary error raised by a nested decision or the loader.
func nodeError(n *Node, err error) *errors.Error {
	source := err.Error()
	if e, ok := err.(*errors.Error); ok && e.Details != "" {
		source = e.Details
	}
	return evaluationError(map[string]any{
		"type":   "NodeError",
		"nodeId": n.ID,
		"source": source,
	})
}

func formatDuration(d time.Duration) string {
	return d.Round(100 * time.Nanosecond).String()
}

// merge combines predecessor outputs. Objects merge recursively; anything
// else replaces what came before.
func merge(dst, src any) any {
	dm, dok := dst.(map[string]any)
	sm, sok := src.(map[string]any)
	if !dok || !sok {
		return src
	}
	out := make(map[string]any, len(dm)+len(sm))
	for k, v := range dm {
		out[k] = v
	}
	for k, v := range sm {
		if existing, ok := out[k]; ok {
			out[k] = merge(existing, v)
		} else {
			out[k] = v
		}
	}
	return out
}
