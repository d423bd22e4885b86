package zen

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
	"github.com/wippyai/zen-runtime/marshal"
	"github.com/wippyai/zen-runtime/registry"
)

// Decision is an independently owned compiled decision. It stays valid
// after the engine that produced it is disposed.
type Decision struct {
	rt       *Runtime
	handle   abi.Ptr
	record   registry.ID
	engineID string

	mu       sync.Mutex
	disposed bool
}

func (d *Decision) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if reentered(ctx, d) {
		return errors.InvalidInput(errors.PhaseHost, op, "decision re-entered from its own callback")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return errors.Disposed(op, "decision")
	}
	if err := d.rt.checkOpen(op); err != nil {
		return err
	}
	return fn(withInflight(ctx, d))
}

// Evaluate runs the decision against the JSON input.
func (d *Decision) Evaluate(ctx context.Context, input []byte) (*EvaluationResult, error) {
	return d.EvaluateWithOptions(ctx, input, EvaluationOptions{})
}

// EvaluateWithOptions is Evaluate with explicit options.
func (d *Decision) EvaluateWithOptions(ctx context.Context, input []byte, opts EvaluationOptions) (*EvaluationResult, error) {
	const op = "decision.evaluate"
	start := time.Now()
	var res *EvaluationResult
	err := d.call(ctx, op, func(ctx context.Context) error {
		n := d.rt.native
		al := marshal.NewAllocations()
		defer al.FreeAndRelease(ctx, n)

		if len(input) == 0 {
			input = defaultInput
		}
		ip, err := al.CString(ctx, n, input)
		if err != nil {
			return err
		}
		pkt, err := n.DecisionEvaluate(ctx, d.handle, ip, opts.native())
		if err != nil {
			return err
		}
		res, err = decodeResponse(ctx, n, op, pkt)
		return err
	})
	d.rt.obs.Evaluated(op, time.Since(start), err)
	return res, err
}

// Validate checks the decision graph: exactly one input node, at least one
// output node and no cycles. Violations fail with EvaluationError.
func (d *Decision) Validate(ctx context.Context) error {
	const op = "decision.validate"
	return d.call(ctx, op, func(ctx context.Context) error {
		pkt, err := d.rt.native.DecisionValidate(ctx, d.handle)
		if err != nil {
			return err
		}
		return marshal.ExtractNone(ctx, d.rt.native, op, pkt)
	})
}

// Dispose frees the native decision. It is idempotent.
func (d *Decision) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.disposed {
		return nil
	}
	d.disposed = true

	var err error
	if d.rt.checkOpen("decision.dispose") == nil {
		err = d.rt.native.DecisionFree(context.Background(), d.handle)
	}
	d.rt.release(d.record)
	return err
}

// EvaluateInto evaluates d against input, which may be JSON bytes or any
// value encoding/json accepts, and decodes the result into T.
func EvaluateInto[T any](ctx context.Context, d *Decision, input any, opts EvaluationOptions) (T, error) {
	var out T

	var raw []byte
	switch v := input.(type) {
	case nil:
	case []byte:
		raw = v
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, errors.Marshal(errors.JsonSerializationFailed, "decision.evaluate", err)
		}
		raw = b
	}

	res, err := d.EvaluateWithOptions(ctx, raw, opts)
	if err != nil {
		return out, err
	}
	if err := res.Decode(&out); err != nil {
		return out, errors.Marshal(errors.JsonDeserializationFailed, "decision.evaluate", err)
	}
	return out, nil
}

func decodeResponse(ctx context.Context, n abi.Allocator, op string, pkt abi.Packet) (*EvaluationResult, error) {
	out, err := marshal.ExtractString(ctx, n, op, pkt)
	if err != nil {
		return nil, err
	}
	var res EvaluationResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil, errors.Marshal(errors.JsonDeserializationFailed, op, err)
	}
	return &res, nil
}
