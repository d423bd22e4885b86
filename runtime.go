package zen

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/core"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
	"github.com/wippyai/zen-runtime/registry"
)

// Runtime owns one native engine library and the callback registrations of
// every engine created from it.
type Runtime struct {
	native abi.Native
	log    *zap.Logger
	obs    Observer

	callbackTimeout time.Duration
	records         *registry.Table[*callbacks]

	mu     sync.RWMutex
	closed bool
}

type runtimeOptions struct {
	opener          abi.Opener
	logger          *zap.Logger
	observer        Observer
	callbackTimeout time.Duration
}

// Option configures a Runtime.
type Option func(*runtimeOptions)

// WithBackend selects the native library. The default is the in-process
// reference core.
func WithBackend(open abi.Opener) Option {
	return func(o *runtimeOptions) { o.opener = open }
}

// WithLogger sets the runtime logger. The default is Logger().
func WithLogger(l *zap.Logger) Option {
	return func(o *runtimeOptions) { o.logger = l }
}

// WithObserver receives lifecycle and timing events.
func WithObserver(obs Observer) Option {
	return func(o *runtimeOptions) { o.observer = obs }
}

// WithCallbackTimeout bounds every loader and custom node callback with a
// context deadline. Native code itself is never interrupted.
func WithCallbackTimeout(d time.Duration) Option {
	return func(o *runtimeOptions) { o.callbackTimeout = d }
}

// NewRuntime opens the native library.
func NewRuntime(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := runtimeOptions{opener: core.Opener()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}

	r := &Runtime{
		log:             o.logger,
		obs:             o.observer,
		callbackTimeout: o.callbackTimeout,
		records:         registry.New[*callbacks](),
	}

	native, err := o.opener(ctx, &bridge{rt: r})
	if err != nil {
		if _, ok := err.(*errors.Error); ok {
			return nil, err
		}
		return nil, errors.Initialization("native library", err)
	}
	if native == nil {
		return nil, errors.Initialization("native library", nil)
	}
	r.native = native
	return r, nil
}

// Close closes the native library. Engines and decisions that were not
// disposed become unusable.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	if n := r.records.Len(); n > 0 {
		r.log.Debug("closing runtime with live callback registrations", zap.Int("count", n))
	}
	r.records.Close()
	return r.native.Close(ctx)
}

func (r *Runtime) checkOpen(op string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errors.Disposed(op, "runtime")
	}
	return nil
}

// callbacks is the registration record keeping an engine's closures alive
// while native code holds its ID. The engine and each decision created
// from it hold one reference.
type callbacks struct {
	engineID   string
	loader     Loader
	customNode CustomNodeHandler

	mu   sync.Mutex
	refs int
}

func (r *Runtime) retain(id registry.ID) {
	rec, ok := r.records.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.refs++
	rec.mu.Unlock()
}

func (r *Runtime) release(id registry.ID) {
	rec, ok := r.records.Get(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.refs--
	last := rec.refs <= 0
	rec.mu.Unlock()
	if last {
		r.records.Remove(id)
	}
}

// defaultInput is the context used when a caller passes none.
var defaultInput = []byte("{}")

// EvaluateExpression evaluates a standalone expression against a JSON
// context and returns the JSON result.
func (r *Runtime) EvaluateExpression(ctx context.Context, expr string, input []byte) (json.RawMessage, error) {
	out, err := r.standalone(ctx, "expression", expr, input, r.native.EvaluateExpression)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

// EvaluateUnaryExpression evaluates a unary test such as "> 5" or
// "'a', 'b'" against the `$` field of the JSON context.
func (r *Runtime) EvaluateUnaryExpression(ctx context.Context, expr string, input []byte) (bool, error) {
	const op = "unary"
	start := time.Now()
	matched, err := func() (bool, error) {
		if err := r.checkOpen(op); err != nil {
			return false, err
		}
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, r.native)

		ep, ip, err := r.arguments(ctx, al, expr, input)
		if err != nil {
			return false, err
		}
		pkt, err := r.native.EvaluateUnaryExpression(ctx, ep, ip)
		if err != nil {
			return false, err
		}
		return marshal.ExtractBool(ctx, r.native, op, pkt)
	}()
	r.obs.Evaluated(op, time.Since(start), err)
	return matched, err
}

// RenderTemplate renders a "{{ expression }}" template against a JSON
// context. A template made of a single expression keeps its type.
func (r *Runtime) RenderTemplate(ctx context.Context, template string, input []byte) (json.RawMessage, error) {
	out, err := r.standalone(ctx, "template", template, input, r.native.EvaluateTemplate)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

type stringCall func(ctx context.Context, code, input abi.Ptr) (abi.Packet, error)

func (r *Runtime) standalone(ctx context.Context, op, code string, input []byte, call stringCall) (string, error) {
	start := time.Now()
	out, err := func() (string, error) {
		if err := r.checkOpen(op); err != nil {
			return "", err
		}
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, r.native)

		cp, ip, err := r.arguments(ctx, al, code, input)
		if err != nil {
			return "", err
		}
		pkt, err := call(ctx, cp, ip)
		if err != nil {
			return "", err
		}
		return marshal.ExtractString(ctx, r.native, op, pkt)
	}()
	r.obs.Evaluated(op, time.Since(start), err)
	return out, err
}

func (r *Runtime) arguments(ctx context.Context, al *marshal.Allocations, code string, input []byte) (abi.Ptr, abi.Ptr, error) {
	if len(input) == 0 {
		input = defaultInput
	}
	cp, err := al.CString(ctx, r.native, []byte(code))
	if err != nil {
		return 0, 0, err
	}
	ip, err := al.CString(ctx, r.native, input)
	if err != nil {
		return 0, 0, err
	}
	return cp, ip, nil
}

type inflightKey struct{}

// inflight lists the handles whose native call is on the current stack.
type inflight struct {
	owner  any
	parent *inflight
}

func withInflight(ctx context.Context, owner any) context.Context {
	parent, _ := ctx.Value(inflightKey{}).(*inflight)
	return context.WithValue(ctx, inflightKey{}, &inflight{owner: owner, parent: parent})
}

// reentered reports whether owner already has a native call in flight on
// this context, i.e. it is being called back from its own callback.
func reentered(ctx context.Context, owner any) bool {
	for f, _ := ctx.Value(inflightKey{}).(*inflight); f != nil; f = f.parent {
		if f.owner == owner {
			return true
		}
	}
	return false
}
