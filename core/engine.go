package core

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/core/graph"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
)

// engine caches compiled decisions resolved through its loader callback.
// A resolved key is never loaded twice by the same engine.
type engine struct {
	core       *Core
	loader     abi.CallbackID
	customNode abi.CallbackID

	mu    sync.RWMutex
	cache map[string]*graph.Graph
	group singleflight.Group
	ev    *graph.Evaluator
}

func newEngine(c *Core, loader, customNode abi.CallbackID) *engine {
	e := &engine{
		core:       c,
		loader:     loader,
		customNode: customNode,
		cache:      make(map[string]*graph.Graph),
	}
	e.ev = &graph.Evaluator{Loader: e}
	if customNode != 0 {
		e.ev.CustomNode = &customNodeBridge{core: c, id: customNode}
	}
	return e
}

func (e *engine) evaluator() *graph.Evaluator { return e.ev }

// Load returns the compiled decision for key. Concurrent first requests
// for one key share a single loader callback.
func (e *engine) Load(ctx context.Context, key string) (*graph.Graph, error) {
	e.mu.RLock()
	g, ok := e.cache[key]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		e.mu.RLock()
		g, ok := e.cache[key]
		e.mu.RUnlock()
		if ok {
			return g, nil
		}

		g, err := e.fetch(ctx, key)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.cache[key] = g
		e.mu.Unlock()
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*graph.Graph), nil
}

// fetch runs the loader callback: the key is copied into native memory,
// the host answers with native buffers, and both sides are freed here.
func (e *engine) fetch(ctx context.Context, key string) (*graph.Graph, error) {
	if e.loader == 0 || e.core.host == nil {
		return nil, keyNotFound(key)
	}

	a := e.core.alloc
	keyPtr, err := marshal.NewCString(ctx, a, []byte(key))
	if err != nil {
		return nil, loaderInternal(key, err.Error())
	}
	defer func() { _ = keyPtr.Release(ctx) }()

	Logger().Debug("loader callback", zap.String("key", key), zap.Uint32("loader", uint32(e.loader)))
	res := e.core.host.LoadDecision(ctx, e.core, e.loader, keyPtr.Ptr())

	content, cerr := marshal.TakeCString(ctx, a, res.Content)
	message, merr := marshal.TakeCString(ctx, a, res.Error)

	switch {
	case !res.Error.IsNull():
		if merr != nil {
			message = merr.Error()
		}
		return nil, loaderInternal(key, message)
	case res.Content.IsNull():
		return nil, keyNotFound(key)
	case cerr != nil:
		return nil, loaderInternal(key, cerr.Error())
	}

	return graph.Parse([]byte(content))
}

func keyNotFound(key string) error {
	details, _ := json.Marshal(map[string]string{"key": key})
	return errors.New(errors.LoaderKeyNotFound).
		Phase(errors.PhaseNative).
		Op("loader").
		Details(string(details)).
		Build()
}

func loaderInternal(key, message string) error {
	details, _ := json.Marshal(map[string]string{"key": key, "message": message})
	return errors.New(errors.LoaderInternalError).
		Phase(errors.PhaseNative).
		Op("loader").
		Details(string(details)).
		Build()
}

// customNodeBridge delivers custom node requests to the host as JSON.
type customNodeBridge struct {
	core *Core
	id   abi.CallbackID
}

type customNodeError string

func (e customNodeError) Error() string { return string(e) }

func (b *customNodeBridge) HandleCustomNode(ctx context.Context, req *graph.CustomNodeRequest) (*graph.CustomNodeResponse, error) {
	if b.core.host == nil {
		return nil, customNodeError("Custom node handler not provided")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	a := b.core.alloc
	reqPtr, err := marshal.NewCString(ctx, a, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = reqPtr.Release(ctx) }()

	Logger().Debug("custom node callback",
		zap.String("node", req.Node.ID),
		zap.String("kind", req.Node.Kind),
		zap.Uint32("handler", uint32(b.id)))
	res := b.core.host.HandleCustomNode(ctx, b.core, b.id, reqPtr.Ptr())

	content, cerr := marshal.TakeCString(ctx, a, res.Content)
	message, merr := marshal.TakeCString(ctx, a, res.Error)

	switch {
	case !res.Error.IsNull():
		if merr != nil {
			return nil, merr
		}
		return nil, customNodeError(message)
	case res.Content.IsNull():
		return nil, nil
	case cerr != nil:
		return nil, cerr
	}

	var resp graph.CustomNodeResponse
	if err := json.Unmarshal([]byte(content), &resp); err != nil {
		return nil, customNodeError("Failed to deserialize custom node response: " + err.Error())
	}
	return &resp, nil
}
