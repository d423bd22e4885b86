package zen

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
	"github.com/wippyai/zen-runtime/registry"
)

// Engine is an exclusively owned native engine handle. It caches decisions
// resolved through its loader. Calls on one engine are serialised; distinct
// engines run concurrently.
type Engine struct {
	rt     *Runtime
	id     string
	handle abi.Ptr
	record registry.ID

	mu       sync.Mutex
	disposed bool
}

type engineOptions struct {
	loader     Loader
	customNode CustomNodeHandler
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

// WithLoader resolves decision keys for GetDecision, Evaluate and decision
// nodes.
func WithLoader(l Loader) EngineOption {
	return func(o *engineOptions) { o.loader = l }
}

// WithAsyncLoader resolves decision keys through an asynchronous source.
// Native code waits for the response.
func WithAsyncLoader(l AsyncLoader) EngineOption {
	return func(o *engineOptions) { o.loader = BlockingLoader(l) }
}

// WithCustomNode handles custom nodes.
func WithCustomNode(h CustomNodeHandler) EngineOption {
	return func(o *engineOptions) { o.customNode = h }
}

// NewEngine creates an engine. Callbacks are registered before the native
// constructor runs and stay registered until the engine and every decision
// created from it are disposed.
func (r *Runtime) NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	const op = "engine.new"
	if err := r.checkOpen(op); err != nil {
		return nil, err
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{rt: r, id: uuid.NewString()}

	var handle abi.Ptr
	var err error
	if o.loader == nil && o.customNode == nil {
		handle, err = r.native.EngineNew(ctx)
	} else {
		rec := &callbacks{engineID: e.id, loader: o.loader, customNode: o.customNode, refs: 1}
		e.record, err = r.records.Insert(rec)
		if err != nil {
			return nil, errors.Initialization("engine", err)
		}
		var loaderID, nodeID abi.CallbackID
		if o.loader != nil {
			loaderID = abi.CallbackID(e.record)
		}
		if o.customNode != nil {
			nodeID = abi.CallbackID(e.record)
		}
		handle, err = r.native.EngineNewWithCallbacks(ctx, loaderID, nodeID)
	}
	if err == nil && handle.IsNull() {
		err = errors.Initialization("engine", nil)
	}
	if err != nil {
		r.release(e.record)
		return nil, err
	}

	e.handle = handle
	r.log.Debug("engine created",
		zap.String("engine", e.id),
		zap.Uint32("handle", uint32(handle)),
		zap.Bool("loader", o.loader != nil),
		zap.Bool("custom_node", o.customNode != nil))
	r.obs.EngineCreated(e.id)
	return e, nil
}

// ID returns the engine's log identifier.
func (e *Engine) ID() string { return e.id }

// call runs fn under the engine lock. Re-entering the engine from one of
// its own callbacks fails instead of deadlocking.
func (e *Engine) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if reentered(ctx, e) {
		return errors.InvalidInput(errors.PhaseHost, op, "engine re-entered from its own callback")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return errors.Disposed(op, "engine")
	}
	if err := e.rt.checkOpen(op); err != nil {
		return err
	}
	return fn(withInflight(ctx, e))
}

// CreateDecision compiles JSON decision content. Malformed JSON fails with
// JsonDeserializationFailed, an invalid model with InvalidArgument.
func (e *Engine) CreateDecision(ctx context.Context, content []byte) (*Decision, error) {
	const op = "engine.create_decision"
	var d *Decision
	err := e.call(ctx, op, func(ctx context.Context) error {
		n := e.rt.native
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, n)

		cp, err := al.CString(ctx, n, content)
		if err != nil {
			return err
		}
		pkt, err := n.EngineCreateDecision(ctx, e.handle, cp)
		if err != nil {
			return err
		}
		h, err := marshal.ExtractHandle(ctx, n, op, pkt)
		if err != nil {
			return err
		}
		d = e.adopt(h)
		return nil
	})
	return d, err
}

// GetDecision returns the decision for key, calling the loader the first
// time the key is seen. Unknown keys fail with LoaderKeyNotFound, loader
// failures with LoaderInternalError.
func (e *Engine) GetDecision(ctx context.Context, key string) (*Decision, error) {
	const op = "engine.get_decision"
	var d *Decision
	err := e.call(ctx, op, func(ctx context.Context) error {
		n := e.rt.native
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, n)

		kp, err := al.CString(ctx, n, []byte(key))
		if err != nil {
			return err
		}
		pkt, err := n.EngineGetDecision(ctx, e.handle, kp)
		if err != nil {
			return err
		}
		h, err := marshal.ExtractHandle(ctx, n, op, pkt)
		if err != nil {
			return err
		}
		d = e.adopt(h)
		return nil
	})
	return d, err
}

func (e *Engine) adopt(h abi.Ptr) *Decision {
	e.rt.retain(e.record)
	return &Decision{rt: e.rt, handle: h, record: e.record, engineID: e.id}
}

// Evaluate resolves key and evaluates it against the JSON input in a
// single native call.
func (e *Engine) Evaluate(ctx context.Context, key string, input []byte) (*EvaluationResult, error) {
	return e.EvaluateWithOptions(ctx, key, input, EvaluationOptions{})
}

// EvaluateWithOptions is Evaluate with explicit options.
func (e *Engine) EvaluateWithOptions(ctx context.Context, key string, input []byte, opts EvaluationOptions) (*EvaluationResult, error) {
	const op = "engine.evaluate"
	start := time.Now()
	var res *EvaluationResult
	err := e.call(ctx, op, func(ctx context.Context) error {
		n := e.rt.native
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, n)

		if len(input) == 0 {
			input = defaultInput
		}
		kp, err := al.CString(ctx, n, []byte(key))
		if err != nil {
			return err
		}
		ip, err := al.CString(ctx, n, input)
		if err != nil {
			return err
		}
		pkt, err := n.EngineEvaluate(ctx, e.handle, kp, ip, opts.native())
		if err != nil {
			return err
		}
		res, err = decodeResponse(ctx, n, op, pkt)
		return err
	})
	e.rt.obs.Evaluated(op, time.Since(start), err)
	if err != nil {
		e.rt.log.Debug("evaluation failed", zap.String("engine", e.id), zap.String("key", key), zap.Error(err))
	}
	return res, err
}

// Dispose frees the native engine. It is idempotent and safe to call from
// any goroutine; it waits for an in-flight call on the engine to finish.
// Decisions created from the engine stay valid.
func (e *Engine) Dispose() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil
	}
	e.disposed = true

	var err error
	if e.rt.checkOpen("engine.dispose") == nil {
		err = e.rt.native.EngineFree(context.Background(), e.handle)
	}
	e.rt.release(e.record)
	e.rt.log.Debug("engine disposed", zap.String("engine", e.id), zap.Uint32("handle", uint32(e.handle)))
	e.rt.obs.EngineDisposed(e.id)
	return err
}
