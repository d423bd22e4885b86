package zen

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/marshal"
	"github.com/wippyai/zen-runtime/registry"
)

// bridge receives callbacks from native code and dispatches them to the
// closures registered for the calling engine. It never lets a panic or an
// error unwind into native code.
type bridge struct {
	rt *Runtime
}

var _ abi.Host = (*bridge)(nil)

func (b *bridge) LoadDecision(ctx context.Context, scope abi.Scope, id abi.CallbackID, keyPtr abi.Ptr) abi.CallbackResult {
	key, err := marshal.ReadCString(scope, keyPtr)
	if err != nil {
		return b.fail(ctx, scope, "loader", err)
	}

	rec, ok := b.rt.records.Get(registry.ID(id))
	if !ok || rec.loader == nil {
		return b.fail(ctx, scope, "loader", fmt.Errorf("no loader registered for callback %d", id))
	}

	ctx, cancel := b.bound(ctx)
	defer cancel()

	start := time.Now()
	content, err := safeLoad(ctx, rec.loader, key)
	b.rt.obs.LoaderCalled(key, time.Since(start), err)

	switch {
	case stderrors.Is(err, ErrDecisionNotFound), err == nil && content == nil:
		b.rt.log.Debug("decision not found", zap.String("engine", rec.engineID), zap.String("key", key))
		return abi.CallbackResult{}
	case err != nil:
		b.rt.log.Debug("loader failed", zap.String("engine", rec.engineID), zap.String("key", key), zap.Error(err))
		return b.fail(ctx, scope, "loader", err)
	}

	p, err := marshal.WriteCString(ctx, scope, content)
	if err != nil {
		return b.fail(ctx, scope, "loader", err)
	}
	return abi.CallbackResult{Content: p}
}

func (b *bridge) HandleCustomNode(ctx context.Context, scope abi.Scope, id abi.CallbackID, reqPtr abi.Ptr) abi.CallbackResult {
	body, err := marshal.ReadCString(scope, reqPtr)
	if err != nil {
		return b.fail(ctx, scope, "custom node", err)
	}

	rec, ok := b.rt.records.Get(registry.ID(id))
	if !ok || rec.customNode == nil {
		return b.fail(ctx, scope, "custom node", fmt.Errorf("no custom node handler registered for callback %d", id))
	}

	req := &NodeRequest{scope: scope}
	if err := json.Unmarshal([]byte(body), req); err != nil {
		return b.fail(ctx, scope, "custom node", fmt.Errorf("decode request: %w", err))
	}

	ctx, cancel := b.bound(ctx)
	defer cancel()
	req.ctx = ctx

	start := time.Now()
	resp, err := safeHandle(ctx, rec.customNode, req)
	req.done.Store(true)
	b.rt.obs.CustomNodeCalled(req.Node.Kind, time.Since(start), err)

	if err != nil {
		b.rt.log.Debug("custom node failed",
			zap.String("engine", rec.engineID),
			zap.String("node", req.Node.ID),
			zap.String("kind", req.Node.Kind),
			zap.Error(err))
		return b.fail(ctx, scope, "custom node", err)
	}
	if resp == nil {
		return abi.CallbackResult{}
	}

	out, err := json.Marshal(resp)
	if err != nil {
		return b.fail(ctx, scope, "custom node", fmt.Errorf("encode response: %w", err))
	}
	p, err := marshal.WriteCString(ctx, scope, out)
	if err != nil {
		return b.fail(ctx, scope, "custom node", err)
	}
	return abi.CallbackResult{Content: p}
}

func (b *bridge) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.rt.callbackTimeout > 0 {
		return context.WithTimeout(ctx, b.rt.callbackTimeout)
	}
	return ctx, func() {}
}

// fail hands an error message to native code. If even that allocation
// fails, native code sees "not provided".
func (b *bridge) fail(ctx context.Context, scope abi.Scope, what string, err error) abi.CallbackResult {
	msg := strings.ReplaceAll(err.Error(), "\x00", "")
	if msg == "" {
		msg = what + " failed"
	}
	p, werr := marshal.WriteCString(ctx, scope, []byte(msg))
	if werr != nil {
		b.rt.log.Warn("cannot report callback failure", zap.String("callback", what), zap.Error(werr))
		return abi.CallbackResult{}
	}
	return abi.CallbackResult{Error: p}
}

func safeLoad(ctx context.Context, load Loader, key string) (content []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			content, err = nil, fmt.Errorf("loader panic: %v", r)
		}
	}()
	return load(ctx, key)
}

func safeHandle(ctx context.Context, h CustomNodeHandler, req *NodeRequest) (resp *NodeResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp, err = nil, fmt.Errorf("custom node panic: %v", r)
		}
	}()
	return h(ctx, req)
}
