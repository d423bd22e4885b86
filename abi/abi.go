// Package abi defines the pointer-level contract between the host and the
// native decision engine.
//
// Every pointer addresses native-owned memory that was produced by the native
// allocator. The host reaches native code only through Native, and native code
// reaches the host only through Host. Two backends implement Native: the
// in-process reference core and a WebAssembly build hosted by wazero.
package abi

import (
	"context"

	"github.com/wippyai/zen-runtime/errors"
)

// Ptr is an address in native memory. Zero is the null pointer.
type Ptr uint32

// IsNull reports whether p is the null pointer.
func (p Ptr) IsNull() bool { return p == 0 }

// CallbackID identifies a host callback registration. Zero means none.
type CallbackID uint32

// Memory is the byte-addressed view of native memory.
type Memory interface {
	// Read returns a copy of length bytes starting at offset.
	Read(offset, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU32(offset uint32) (uint32, error)
	WriteU8(offset uint32, value uint8) error
	WriteU32(offset uint32, value uint32) error
	// Size returns the current size of the addressable region in bytes.
	Size() uint32
}

// Allocator is the native allocator together with the memory it serves.
// Buffers handed to native code must come from Alloc, and every buffer
// returned by native code must be released with Free.
type Allocator interface {
	Memory() Memory
	Alloc(ctx context.Context, size uint32) (Ptr, error)
	Free(ctx context.Context, p Ptr) error
}

// Options mirrors the native evaluation options, passed by value.
type Options struct {
	Trace    bool
	MaxDepth uint8
}

// Packet is the result packet returned by every fallible native operation.
//
// When Error is Success, Result is authoritative and Details is ignored.
// Otherwise Result is not authoritative and Details, when non-null, is JSON
// text. Any non-null pointer must be freed exactly once by the receiver.
type Packet struct {
	Result  Ptr
	Details Ptr
	Error   errors.Code
}

// OK reports whether the packet carries a success code.
func (p Packet) OK() bool { return p.Error == errors.Success }

// CallbackResult is what a host callback hands back to native code.
// Content and Error are mutually exclusive; both null means "not provided".
type CallbackResult struct {
	Content Ptr
	Error   Ptr
}

// Native is the native symbol table.
//
// A returned error means the call aborted without producing a packet (a
// trap in the WebAssembly backend); boundary failures are reported through
// the packet.
type Native interface {
	Allocator

	EngineNew(ctx context.Context) (Ptr, error)
	EngineNewWithCallbacks(ctx context.Context, loader, customNode CallbackID) (Ptr, error)
	EngineFree(ctx context.Context, engine Ptr) error
	EngineCreateDecision(ctx context.Context, engine, content Ptr) (Packet, error)
	EngineGetDecision(ctx context.Context, engine, key Ptr) (Packet, error)
	EngineEvaluate(ctx context.Context, engine, key, input Ptr, opts Options) (Packet, error)

	DecisionEvaluate(ctx context.Context, decision, input Ptr, opts Options) (Packet, error)
	DecisionValidate(ctx context.Context, decision Ptr) (Packet, error)
	DecisionFree(ctx context.Context, decision Ptr) error

	EvaluateExpression(ctx context.Context, expr, input Ptr) (Packet, error)
	EvaluateUnaryExpression(ctx context.Context, expr, input Ptr) (Packet, error)
	EvaluateTemplate(ctx context.Context, template, input Ptr) (Packet, error)

	Close(ctx context.Context) error
}

// Scope is the native view available to a host callback while native code
// is suspended inside it. It performs no locking and is valid only until
// the callback returns.
type Scope interface {
	Allocator
	EvaluateTemplate(ctx context.Context, template, input Ptr) (Packet, error)
}

// Host receives callbacks from native code.
//
// Implementations must not panic and must allocate every returned buffer
// through scope.
type Host interface {
	LoadDecision(ctx context.Context, scope Scope, id CallbackID, key Ptr) CallbackResult
	HandleCustomNode(ctx context.Context, scope Scope, id CallbackID, request Ptr) CallbackResult
}

// Opener creates a backend bound to host.
type Opener func(ctx context.Context, host Host) (Native, error)
