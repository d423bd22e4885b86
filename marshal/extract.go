// Package marshal moves data across the native boundary.
//
// It decodes result packets into Go values or *errors.Error, releases every
// native pointer exactly once, and tracks the buffers the host hands to
// native code for the duration of a call.
package marshal

import (
	"context"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
)

// decodeError builds the error for a packet with a non-zero code and frees
// both result and details.
func decodeError(ctx context.Context, a abi.Allocator, op string, p abi.Packet) error {
	details, detailsErr := TakeCString(ctx, a, p.Details)
	if !p.Result.IsNull() {
		_ = a.Free(ctx, p.Result)
	}

	err := errors.FromPacket(op, p.Error, details)
	if detailsErr != nil {
		err.Cause = detailsErr
	}
	return err
}

// freeDetails releases the details pointer of a success packet if present.
func freeDetails(ctx context.Context, a abi.Allocator, p abi.Packet) {
	if !p.Details.IsNull() {
		_ = a.Free(ctx, p.Details)
	}
}

// ExtractString decodes a packet whose payload is a NUL-terminated string.
// Result and details are freed on every path.
func ExtractString(ctx context.Context, a abi.Allocator, op string, p abi.Packet) (string, error) {
	if !p.OK() {
		return "", decodeError(ctx, a, op, p)
	}
	freeDetails(ctx, a, p)

	if p.Result.IsNull() {
		return "", errors.New(errors.StringNullError).
			Phase(errors.PhaseMarshal).
			Op(op).
			Details("success packet carried a null payload").
			Build()
	}
	s, err := TakeCString(ctx, a, p.Result)
	if err != nil {
		if e, ok := err.(*errors.Error); ok {
			e.Op = op
		}
		return "", err
	}
	return s, nil
}

// ExtractHandle decodes a packet whose payload is an opaque handle.
// The handle is not freed: ownership transfers to the caller.
func ExtractHandle(ctx context.Context, a abi.Allocator, op string, p abi.Packet) (abi.Ptr, error) {
	if !p.OK() {
		return 0, decodeError(ctx, a, op, p)
	}
	freeDetails(ctx, a, p)

	if p.Result.IsNull() {
		return 0, errors.New(errors.InvalidArgument).
			Phase(errors.PhaseMarshal).
			Op(op).
			Details("success packet carried a null handle").
			Build()
	}
	return p.Result, nil
}

// ExtractBool decodes a packet whose payload points at a 32-bit integer,
// non-zero meaning true. The payload is freed.
func ExtractBool(ctx context.Context, a abi.Allocator, op string, p abi.Packet) (bool, error) {
	if !p.OK() {
		return false, decodeError(ctx, a, op, p)
	}
	freeDetails(ctx, a, p)

	if p.Result.IsNull() {
		return false, errors.New(errors.InvalidArgument).
			Phase(errors.PhaseMarshal).
			Op(op).
			Details("success packet carried a null payload").
			Build()
	}
	defer a.Free(ctx, p.Result)

	v, err := a.Memory().ReadU32(uint32(p.Result))
	if err != nil {
		return false, errors.Marshal(errors.InvalidArgument, op, err)
	}
	return v != 0, nil
}

// ExtractNone decodes a packet that carries no payload, such as validation.
// Any stray result or details pointer is freed.
func ExtractNone(ctx context.Context, a abi.Allocator, op string, p abi.Packet) error {
	if !p.OK() {
		return decodeError(ctx, a, op, p)
	}
	freeDetails(ctx, a, p)
	if !p.Result.IsNull() {
		_ = a.Free(ctx, p.Result)
	}
	return nil
}
