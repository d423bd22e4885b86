// Package core is the in-process reference decision engine.
//
// It implements the native symbol table over a simulated native heap so
// that every boundary property (handle lifecycle, callback re-entrancy and
// memory ownership) can be exercised without a compiled engine artifact.
// Handles are real heap blocks, results travel as heap-allocated C strings
// and callbacks reach the host through the same Host contract a native
// build uses.
package core

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/core/expression"
	"github.com/wippyai/zen-runtime/core/graph"
	"github.com/wippyai/zen-runtime/core/heap"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
)

// handleSize is the size of the heap block backing an engine or decision handle.
const handleSize = 8

// Core is the reference engine. It is safe for concurrent use.
type Core struct {
	heap  *heap.Heap
	alloc abi.Allocator
	host  abi.Host

	mu        sync.RWMutex
	engines   map[abi.Ptr]*engine
	decisions map[abi.Ptr]*decision
	closed    bool
}

var _ abi.Native = (*Core)(nil)
var _ abi.Scope = (*Core)(nil)

// Opener returns an abi.Opener producing a fresh Core per runtime.
func Opener() abi.Opener {
	return func(_ context.Context, host abi.Host) (abi.Native, error) {
		return New(host), nil
	}
}

// New creates a reference engine whose callbacks are delivered to host.
// A nil host behaves as if every callback registration were unknown.
func New(host abi.Host) *Core {
	h := heap.New()
	return &Core{
		heap:      h,
		alloc:     h.Allocator(),
		host:      host,
		engines:   make(map[abi.Ptr]*engine),
		decisions: make(map[abi.Ptr]*decision),
	}
}

// Heap exposes the simulated native heap, mainly for leak accounting.
func (c *Core) Heap() *heap.Heap { return c.heap }

func (c *Core) Memory() abi.Memory { return c.heap }

func (c *Core) Alloc(ctx context.Context, size uint32) (abi.Ptr, error) {
	return c.alloc.Alloc(ctx, size)
}

func (c *Core) Free(ctx context.Context, p abi.Ptr) error {
	return c.alloc.Free(ctx, p)
}

// Close releases every handle still open. Later calls fail.
func (c *Core) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for p := range c.engines {
		_ = c.heap.Free(p)
	}
	for p := range c.decisions {
		_ = c.heap.Free(p)
	}
	if n := len(c.engines) + len(c.decisions); n > 0 {
		Logger().Debug("closed with open handles", zap.Int("count", n))
	}
	c.engines = nil
	c.decisions = nil
	return nil
}

func (c *Core) EngineNew(ctx context.Context) (abi.Ptr, error) {
	return c.EngineNewWithCallbacks(ctx, 0, 0)
}

func (c *Core) EngineNewWithCallbacks(_ context.Context, loader, customNode abi.CallbackID) (abi.Ptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed("engine.new")
	}
	p, err := c.heap.Alloc(handleSize)
	if err != nil {
		return 0, errors.Trap("engine.new", err)
	}
	e := newEngine(c, loader, customNode)
	c.engines[p] = e
	Logger().Debug("engine created",
		zap.Uint32("handle", uint32(p)),
		zap.Uint32("loader", uint32(loader)),
		zap.Uint32("custom_node", uint32(customNode)))
	return p, nil
}

func (c *Core) EngineFree(_ context.Context, p abi.Ptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed("engine.free")
	}
	if _, ok := c.engines[p]; !ok {
		return errors.Trap("engine.free", fmt.Errorf("unknown engine handle %#x", uint32(p)))
	}
	delete(c.engines, p)
	Logger().Debug("engine freed", zap.Uint32("handle", uint32(p)))
	return c.heap.Free(p)
}

func (c *Core) DecisionFree(_ context.Context, p abi.Ptr) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClosed("decision.free")
	}
	if _, ok := c.decisions[p]; !ok {
		return errors.Trap("decision.free", fmt.Errorf("unknown decision handle %#x", uint32(p)))
	}
	delete(c.decisions, p)
	return c.heap.Free(p)
}

func (c *Core) engine(op string, p abi.Ptr) (*engine, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errClosed(op)
	}
	e, ok := c.engines[p]
	if !ok {
		return nil, errors.Trap(op, fmt.Errorf("unknown engine handle %#x", uint32(p)))
	}
	return e, nil
}

func (c *Core) decision(op string, p abi.Ptr) (*decision, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, errClosed(op)
	}
	d, ok := c.decisions[p]
	if !ok {
		return nil, errors.Trap(op, fmt.Errorf("unknown decision handle %#x", uint32(p)))
	}
	return d, nil
}

// newDecision wraps a compiled graph in a fresh handle.
func (c *Core) newDecision(op string, e *engine, g *graph.Graph) (abi.Ptr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errClosed(op)
	}
	p, err := c.heap.Alloc(handleSize)
	if err != nil {
		return 0, errors.Trap(op, err)
	}
	c.decisions[p] = &decision{graph: g, evaluator: e.evaluator()}
	return p, nil
}

func (c *Core) EngineCreateDecision(ctx context.Context, ep, content abi.Ptr) (abi.Packet, error) {
	const op = "engine.create_decision"
	e, err := c.engine(op, ep)
	if err != nil {
		return abi.Packet{}, err
	}
	raw, err := c.argument(op, content)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	g, err := graph.Parse([]byte(raw))
	if err != nil {
		return c.fail(ctx, op, err)
	}
	p, err := c.newDecision(op, e, g)
	if err != nil {
		return abi.Packet{}, err
	}
	return abi.Packet{Result: p}, nil
}

func (c *Core) EngineGetDecision(ctx context.Context, ep, key abi.Ptr) (abi.Packet, error) {
	const op = "engine.get_decision"
	e, err := c.engine(op, ep)
	if err != nil {
		return abi.Packet{}, err
	}
	k, err := c.argument(op, key)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	g, err := e.Load(ctx, k)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	p, err := c.newDecision(op, e, g)
	if err != nil {
		return abi.Packet{}, err
	}
	return abi.Packet{Result: p}, nil
}

func (c *Core) EngineEvaluate(ctx context.Context, ep, key, input abi.Ptr, opts abi.Options) (abi.Packet, error) {
	const op = "engine.evaluate"
	e, err := c.engine(op, ep)
	if err != nil {
		return abi.Packet{}, err
	}
	k, err := c.argument(op, key)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	in, err := c.decodeInput(op, input)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	g, err := e.Load(ctx, k)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	return c.evaluate(ctx, op, e.evaluator(), g, in, opts)
}

func (c *Core) DecisionEvaluate(ctx context.Context, dp, input abi.Ptr, opts abi.Options) (abi.Packet, error) {
	const op = "decision.evaluate"
	d, err := c.decision(op, dp)
	if err != nil {
		return abi.Packet{}, err
	}
	in, err := c.decodeInput(op, input)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	return c.evaluate(ctx, op, d.evaluator, d.graph, in, opts)
}

func (c *Core) DecisionValidate(ctx context.Context, dp abi.Ptr) (abi.Packet, error) {
	const op = "decision.validate"
	d, err := c.decision(op, dp)
	if err != nil {
		return abi.Packet{}, err
	}
	if err := d.graph.Validate(); err != nil {
		return c.fail(ctx, op, err)
	}
	return abi.Packet{}, nil
}

func (c *Core) evaluate(ctx context.Context, op string, ev *graph.Evaluator, g *graph.Graph, in any, opts abi.Options) (abi.Packet, error) {
	resp, err := ev.Evaluate(ctx, g, in, graph.Options{Trace: opts.Trace, MaxDepth: opts.MaxDepth})
	if err != nil {
		return c.fail(ctx, op, err)
	}
	out, err := json.Marshal(resp)
	if err != nil {
		return c.fail(ctx, op, errors.Marshal(errors.JsonSerializationFailed, op, err))
	}
	return c.ok(ctx, op, out)
}

func (c *Core) EvaluateExpression(ctx context.Context, expr, input abi.Ptr) (abi.Packet, error) {
	const op = "expression.evaluate"
	code, err := c.argument(op, expr)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	raw, err := c.argument(op, input)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	v, err := expression.Evaluate(code, []byte(raw))
	if err != nil {
		return c.fail(ctx, op, err)
	}
	out, err := expression.Marshal(v)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	return c.ok(ctx, op, out)
}

// EvaluateUnaryExpression returns a pointer to a native int: 1 for true, 0 for false.
func (c *Core) EvaluateUnaryExpression(ctx context.Context, expr, input abi.Ptr) (abi.Packet, error) {
	const op = "expression.evaluate_unary"
	code, err := c.argument(op, expr)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	raw, err := c.argument(op, input)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	matched, err := expression.EvaluateUnary(code, []byte(raw))
	if err != nil {
		return c.fail(ctx, op, err)
	}

	p, err := c.heap.Alloc(4)
	if err != nil {
		return abi.Packet{}, errors.Trap(op, err)
	}
	var v uint32
	if matched {
		v = 1
	}
	if err := c.heap.WriteU32(uint32(p), v); err != nil {
		_ = c.heap.Free(p)
		return abi.Packet{}, errors.Trap(op, err)
	}
	return abi.Packet{Result: p}, nil
}

func (c *Core) EvaluateTemplate(ctx context.Context, tmpl, input abi.Ptr) (abi.Packet, error) {
	const op = "template.render"
	t, err := c.argument(op, tmpl)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	raw, err := c.argument(op, input)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	v, err := expression.RenderTemplate(t, []byte(raw))
	if err != nil {
		return c.fail(ctx, op, err)
	}
	out, err := expression.Marshal(v)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	return c.ok(ctx, op, out)
}

// argument reads a required string argument. Null pointers and invalid
// UTF-8 are rejected with InvalidArgument.
func (c *Core) argument(op string, p abi.Ptr) (string, error) {
	s, err := abi.CString(c.heap, p)
	if err != nil {
		return "", errors.New(errors.InvalidArgument).
			Phase(errors.PhaseNative).
			Op(op).
			Cause(err).
			Build()
	}
	return s, nil
}

func (c *Core) decodeInput(op string, p abi.Ptr) (any, error) {
	raw, err := c.argument(op, p)
	if err != nil {
		return nil, err
	}
	return expression.DecodeContext([]byte(raw))
}

// ok hands data to the host as a C string owned by the host.
func (c *Core) ok(ctx context.Context, op string, data []byte) (abi.Packet, error) {
	p, err := marshal.WriteCString(ctx, c.alloc, data)
	if err != nil {
		return c.fail(ctx, op, err)
	}
	return abi.Packet{Result: p}, nil
}

// fail turns err into an error packet. Details are always JSON.
func (c *Core) fail(ctx context.Context, op string, err error) (abi.Packet, error) {
	code := errors.CodeOf(err)
	if !code.Native() || code == errors.Success {
		code = errors.InvalidArgument
	}

	details := detailsOf(code, err)
	p, werr := marshal.WriteCString(ctx, c.alloc, []byte(details))
	if werr != nil {
		return abi.Packet{}, errors.Trap(op, werr)
	}

	Logger().Debug("native call failed",
		zap.String("op", op),
		zap.Stringer("code", code),
		zap.String("details", details))
	return abi.Packet{Error: code, Details: p}, nil
}

func detailsOf(code errors.Code, err error) string {
	var e *errors.Error
	if stderrors.As(err, &e) && e.Details != "" && json.Valid([]byte(e.Details)) {
		return e.Details
	}
	source := err.Error()
	if e != nil && e.Cause != nil {
		source = e.Cause.Error()
	}
	out, _ := json.Marshal(map[string]string{"type": code.String(), "source": source})
	return string(out)
}

func errClosed(op string) error {
	return errors.Trap(op, fmt.Errorf("engine core closed"))
}

type decision struct {
	graph     *graph.Graph
	evaluator *graph.Evaluator
}
