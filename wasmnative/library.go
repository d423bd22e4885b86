// Package wasmnative hosts a WebAssembly build of the decision engine with
// wazero.
//
// Guest linear memory is the native heap, guest exports are the native
// symbols and the zen_host import module carries the loader and custom node
// callbacks back into the host. One Library owns one guest instance; top
// level calls are serialised, while callbacks re-enter the guest through an
// unlocked Scope bound to the in-flight call.
package wasmnative

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
)

// HostModule is the import module name the guest uses for callbacks.
const HostModule = "zen_host"

// Guest export names.
const (
	exportMemory                  = "memory"
	exportAlloc                   = "zen_alloc"
	exportFree                    = "zen_free"
	exportEngineNew               = "zen_engine_new"
	exportEngineNewWithCallbacks  = "zen_engine_new_with_callbacks"
	exportEngineFree              = "zen_engine_free"
	exportEngineCreateDecision    = "zen_engine_create_decision"
	exportEngineGetDecision       = "zen_engine_get_decision"
	exportEngineEvaluate          = "zen_engine_evaluate"
	exportDecisionEvaluate        = "zen_decision_evaluate"
	exportDecisionValidate        = "zen_decision_validate"
	exportDecisionFree            = "zen_decision_free"
	exportEvaluateExpression      = "zen_evaluate_expression"
	exportEvaluateUnaryExpression = "zen_evaluate_unary_expression"
	exportEvaluateTemplate        = "zen_evaluate_template"
)

// Config describes how to load and run the guest.
type Config struct {
	// Path of the engine .wasm file. Ignored when Binary is set.
	Path string
	// Binary is the engine module itself.
	Binary []byte

	// MemoryLimitPages sets the maximum guest memory in pages (64KB each).
	// 0 means the wazero default.
	MemoryLimitPages uint32

	// WASI instantiates wasi_snapshot_preview1 for guests built against
	// wasm32-wasi.
	WASI bool

	// CacheDir enables wazero's on-disk compilation cache.
	CacheDir string
}

func (c Config) binary() ([]byte, error) {
	if len(c.Binary) > 0 {
		return c.Binary, nil
	}
	if c.Path == "" {
		return nil, fmt.Errorf("no engine module configured")
	}
	return os.ReadFile(c.Path)
}

// Opener returns an abi.Opener that instantiates the guest described by cfg.
func Opener(cfg Config) abi.Opener {
	return func(ctx context.Context, host abi.Host) (abi.Native, error) {
		return Open(ctx, cfg, host)
	}
}

// Library is one instantiated engine guest.
type Library struct {
	runtime wazero.Runtime
	module  api.Module
	mem     abi.Memory
	host    abi.Host

	fn exports

	mu     sync.Mutex
	closed bool
}

var _ abi.Native = (*Library)(nil)

type exports struct {
	alloc                   api.Function
	free                    api.Function
	engineNew               api.Function
	engineNewWithCallbacks  api.Function
	engineFree              api.Function
	engineCreateDecision    api.Function
	engineGetDecision       api.Function
	engineEvaluate          api.Function
	decisionEvaluate        api.Function
	decisionValidate        api.Function
	decisionFree            api.Function
	evaluateExpression      api.Function
	evaluateUnaryExpression api.Function
	evaluateTemplate        api.Function
}

// Open compiles and instantiates the guest. Missing exports fail with
// InitializationError naming every absent symbol.
func Open(ctx context.Context, cfg Config, host abi.Host) (*Library, error) {
	bin, err := cfg.binary()
	if err != nil {
		return nil, errors.Initialization("engine module", err)
	}

	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.CacheDir != "" {
		cache, err := wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, errors.Initialization("compilation cache", err)
		}
		runtimeCfg = runtimeCfg.WithCompilationCache(cache)
	}
	runtime := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	l := &Library{runtime: runtime, host: host}
	if err := l.instantiate(ctx, cfg, bin); err != nil {
		_ = runtime.Close(ctx)
		return nil, err
	}

	Logger().Debug("engine guest instantiated",
		zap.Uint32("memory", l.mem.Size()),
		zap.Bool("wasi", cfg.WASI))
	return l, nil
}

func (l *Library) instantiate(ctx context.Context, cfg Config, bin []byte) error {
	if cfg.WASI {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, l.runtime); err != nil {
			return errors.Initialization("wasi", err)
		}
	}

	if err := l.registerHost(ctx); err != nil {
		return errors.Initialization("host module", err)
	}

	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return errors.Initialization("engine module", fmt.Errorf("compile failed: %w", err))
	}

	// Anonymous name: the guest is addressed only through this Library.
	modCfg := wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize")
	if cfg.WASI {
		modCfg = modCfg.WithStderr(os.Stderr)
	}
	mod, err := l.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		return errors.Initialization("engine module", fmt.Errorf("instantiate failed: %w", err))
	}
	l.module = mod

	if mem := mod.Memory(); mem != nil {
		l.mem = wrapMemory(mem)
	}
	if l.mem == nil {
		return errors.Initialization("engine module", fmt.Errorf("guest does not export %q", exportMemory))
	}
	return l.bind(mod)
}

// bind resolves every export up front so a call never fails on lookup.
func (l *Library) bind(mod api.Module) error {
	targets := map[string]*api.Function{
		exportAlloc:                   &l.fn.alloc,
		exportFree:                    &l.fn.free,
		exportEngineNew:               &l.fn.engineNew,
		exportEngineNewWithCallbacks:  &l.fn.engineNewWithCallbacks,
		exportEngineFree:              &l.fn.engineFree,
		exportEngineCreateDecision:    &l.fn.engineCreateDecision,
		exportEngineGetDecision:       &l.fn.engineGetDecision,
		exportEngineEvaluate:          &l.fn.engineEvaluate,
		exportDecisionEvaluate:        &l.fn.decisionEvaluate,
		exportDecisionValidate:        &l.fn.decisionValidate,
		exportDecisionFree:            &l.fn.decisionFree,
		exportEvaluateExpression:      &l.fn.evaluateExpression,
		exportEvaluateUnaryExpression: &l.fn.evaluateUnaryExpression,
		exportEvaluateTemplate:        &l.fn.evaluateTemplate,
	}

	var missing []string
	for name, target := range targets {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			missing = append(missing, name)
			continue
		}
		*target = fn
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errors.Initialization("engine module",
			fmt.Errorf("missing exports: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// registerHost instantiates the zen_host module. Each callback receives a
// return pointer for the CallbackResult, the registration ID and a pointer
// to the NUL-terminated argument.
func (l *Library) registerHost(ctx context.Context) error {
	params := []api.ValueType{api.ValueTypeI32, api.ValueTypeI32, api.ValueTypeI32}

	_, err := l.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			l.callback(ctx, mod, stack, "loader_callback", func(s abi.Scope, id abi.CallbackID, arg abi.Ptr) abi.CallbackResult {
				return l.host.LoadDecision(ctx, s, id, arg)
			})
		}), params, nil).
		Export("loader_callback").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			l.callback(ctx, mod, stack, "custom_node_callback", func(s abi.Scope, id abi.CallbackID, arg abi.Ptr) abi.CallbackResult {
				return l.host.HandleCustomNode(ctx, s, id, arg)
			})
		}), params, nil).
		Export("custom_node_callback").
		Instantiate(ctx)
	return err
}

func (l *Library) callback(ctx context.Context, mod api.Module, stack []uint64, name string, fn func(abi.Scope, abi.CallbackID, abi.Ptr) abi.CallbackResult) {
	ret := abi.Ptr(api.DecodeU32(stack[0]))
	id := abi.CallbackID(api.DecodeU32(stack[1]))
	arg := abi.Ptr(api.DecodeU32(stack[2]))

	var res abi.CallbackResult
	if l.host != nil {
		res = fn(&scope{l: l}, id, arg)
	}
	debugf("%s id=%d content=%#x error=%#x", name, id, res.Content, res.Error)

	if err := abi.WriteCallbackResult(l.mem, ret, res); err != nil {
		// Trap the guest rather than let it read a half-written result.
		panic(fmt.Errorf("%s: write result: %w", name, err))
	}
}

type callKey struct{}

// enter serialises top-level calls. A context already carrying this
// library's marker belongs to a callback of the in-flight call and
// proceeds without locking. Calling into the library from a callback with
// an unrelated context deadlocks.
func (l *Library) enter(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(callKey{}) == l {
		return ctx, func() {}, nil
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, nil, errors.Trap("call", fmt.Errorf("engine library closed"))
	}
	return context.WithValue(ctx, callKey{}, l), l.mu.Unlock, nil
}

// Memory returns guest linear memory.
func (l *Library) Memory() abi.Memory { return l.mem }

func (l *Library) Alloc(ctx context.Context, size uint32) (abi.Ptr, error) {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()
	return l.alloc(ctx, size)
}

func (l *Library) Free(ctx context.Context, p abi.Ptr) error {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return l.free(ctx, p)
}

func (l *Library) alloc(ctx context.Context, size uint32) (abi.Ptr, error) {
	res, err := l.fn.alloc.Call(ctx, api.EncodeU32(size))
	if err != nil {
		return 0, errors.Trap(exportAlloc, err)
	}
	p := abi.Ptr(api.DecodeU32(res[0]))
	if p.IsNull() {
		return 0, errors.New(errors.TrapError).
			Phase(errors.PhaseNative).
			Op(exportAlloc).
			Details("allocation of %d bytes failed", size).
			Build()
	}
	return p, nil
}

func (l *Library) free(ctx context.Context, p abi.Ptr) error {
	if p.IsNull() {
		return nil
	}
	if _, err := l.fn.free.Call(ctx, api.EncodeU32(uint32(p))); err != nil {
		return errors.Trap(exportFree, err)
	}
	return nil
}

// handleCall runs an export returning a handle or nothing.
func (l *Library) handleCall(ctx context.Context, name string, fn api.Function, args ...uint64) (abi.Ptr, error) {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return 0, err
	}
	defer leave()

	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, errors.Trap(name, err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return abi.Ptr(api.DecodeU32(res[0])), nil
}

// packetCall runs an export that writes a result packet through a return
// pointer allocated for the call.
func (l *Library) packetCall(ctx context.Context, name string, fn api.Function, args ...uint64) (abi.Packet, error) {
	ctx, leave, err := l.enter(ctx)
	if err != nil {
		return abi.Packet{}, err
	}
	defer leave()
	return l.packet(ctx, name, fn, args...)
}

func (l *Library) packet(ctx context.Context, name string, fn api.Function, args ...uint64) (abi.Packet, error) {
	ret, err := l.alloc(ctx, abi.PacketSize)
	if err != nil {
		return abi.Packet{}, err
	}
	defer func() { _ = l.free(ctx, ret) }()

	stack := make([]uint64, 0, len(args)+1)
	stack = append(stack, api.EncodeU32(uint32(ret)))
	stack = append(stack, args...)
	if _, err := fn.Call(ctx, stack...); err != nil {
		return abi.Packet{}, errors.Trap(name, err)
	}

	p, err := abi.ReadPacket(l.mem, ret)
	if err != nil {
		return abi.Packet{}, errors.Trap(name, err)
	}
	return p, nil
}

func ptr(p abi.Ptr) uint64 { return api.EncodeU32(uint32(p)) }

func options(o abi.Options) (uint64, uint64) {
	var trace uint32
	if o.Trace {
		trace = 1
	}
	return api.EncodeU32(trace), api.EncodeU32(uint32(o.MaxDepth))
}

func (l *Library) EngineNew(ctx context.Context) (abi.Ptr, error) {
	return l.handleCall(ctx, exportEngineNew, l.fn.engineNew)
}

func (l *Library) EngineNewWithCallbacks(ctx context.Context, loader, customNode abi.CallbackID) (abi.Ptr, error) {
	return l.handleCall(ctx, exportEngineNewWithCallbacks, l.fn.engineNewWithCallbacks,
		api.EncodeU32(uint32(loader)), api.EncodeU32(uint32(customNode)))
}

func (l *Library) EngineFree(ctx context.Context, engine abi.Ptr) error {
	_, err := l.handleCall(ctx, exportEngineFree, l.fn.engineFree, ptr(engine))
	return err
}

func (l *Library) EngineCreateDecision(ctx context.Context, engine, content abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportEngineCreateDecision, l.fn.engineCreateDecision, ptr(engine), ptr(content))
}

func (l *Library) EngineGetDecision(ctx context.Context, engine, key abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportEngineGetDecision, l.fn.engineGetDecision, ptr(engine), ptr(key))
}

func (l *Library) EngineEvaluate(ctx context.Context, engine, key, input abi.Ptr, opts abi.Options) (abi.Packet, error) {
	trace, depth := options(opts)
	return l.packetCall(ctx, exportEngineEvaluate, l.fn.engineEvaluate, ptr(engine), ptr(key), ptr(input), trace, depth)
}

func (l *Library) DecisionEvaluate(ctx context.Context, decision, input abi.Ptr, opts abi.Options) (abi.Packet, error) {
	trace, depth := options(opts)
	return l.packetCall(ctx, exportDecisionEvaluate, l.fn.decisionEvaluate, ptr(decision), ptr(input), trace, depth)
}

func (l *Library) DecisionValidate(ctx context.Context, decision abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportDecisionValidate, l.fn.decisionValidate, ptr(decision))
}

func (l *Library) DecisionFree(ctx context.Context, decision abi.Ptr) error {
	_, err := l.handleCall(ctx, exportDecisionFree, l.fn.decisionFree, ptr(decision))
	return err
}

func (l *Library) EvaluateExpression(ctx context.Context, expr, input abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportEvaluateExpression, l.fn.evaluateExpression, ptr(expr), ptr(input))
}

func (l *Library) EvaluateUnaryExpression(ctx context.Context, expr, input abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportEvaluateUnaryExpression, l.fn.evaluateUnaryExpression, ptr(expr), ptr(input))
}

func (l *Library) EvaluateTemplate(ctx context.Context, template, input abi.Ptr) (abi.Packet, error) {
	return l.packetCall(ctx, exportEvaluateTemplate, l.fn.evaluateTemplate, ptr(template), ptr(input))
}

// Close tears down the guest and the wazero runtime.
func (l *Library) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.runtime.Close(ctx)
}

// scope is the unlocked view handed to callbacks. It is only valid while
// the guest is suspended in the host import that created it.
type scope struct {
	l *Library
}

var _ abi.Scope = (*scope)(nil)

func (s *scope) Memory() abi.Memory { return s.l.mem }

func (s *scope) Alloc(ctx context.Context, size uint32) (abi.Ptr, error) {
	return s.l.alloc(ctx, size)
}

func (s *scope) Free(ctx context.Context, p abi.Ptr) error {
	return s.l.free(ctx, p)
}

func (s *scope) EvaluateTemplate(ctx context.Context, template, input abi.Ptr) (abi.Packet, error) {
	return s.l.packet(ctx, exportEvaluateTemplate, s.l.fn.evaluateTemplate, ptr(template), ptr(input))
}
