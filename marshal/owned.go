package marshal

import (
	"bytes"
	"context"
	"sync"

	"github.com/wippyai/zen-runtime/abi"
	"github.com/wippyai/zen-runtime/errors"
)

// Owned is a native buffer owned by the host. Release frees it through the
// native allocator exactly once, however many times it is called.
type Owned struct {
	alloc abi.Allocator
	ptr   abi.Ptr
	once  sync.Once
	err   error
}

// Adopt takes ownership of a pointer produced by native code.
func Adopt(a abi.Allocator, p abi.Ptr) *Owned {
	return &Owned{alloc: a, ptr: p}
}

// NewCString copies data into a new NUL-terminated native buffer.
func NewCString(ctx context.Context, a abi.Allocator, data []byte) (*Owned, error) {
	p, err := WriteCString(ctx, a, data)
	if err != nil {
		return nil, err
	}
	return Adopt(a, p), nil
}

// Ptr returns the owned address.
func (o *Owned) Ptr() abi.Ptr {
	return o.ptr
}

// Release frees the buffer. Subsequent calls return the first result.
func (o *Owned) Release(ctx context.Context) error {
	o.once.Do(func() {
		if !o.ptr.IsNull() {
			o.err = o.alloc.Free(ctx, o.ptr)
		}
	})
	return o.err
}

// WriteCString allocates len(data)+1 bytes natively and copies data followed
// by a NUL terminator. Data containing NUL cannot cross the boundary.
func WriteCString(ctx context.Context, a abi.Allocator, data []byte) (abi.Ptr, error) {
	if bytes.IndexByte(data, 0) >= 0 {
		return 0, errors.New(errors.StringNullError).
			Phase(errors.PhaseMarshal).
			Op("cstring").
			Details("string contains an interior NUL byte").
			Build()
	}

	p, err := a.Alloc(ctx, uint32(len(data))+1)
	if err != nil {
		return 0, errors.Marshal(errors.InvalidArgument, "alloc", err)
	}
	if p.IsNull() {
		return 0, errors.New(errors.InvalidArgument).
			Phase(errors.PhaseMarshal).
			Op("alloc").
			Details("native allocator returned null for %d bytes", len(data)+1).
			Build()
	}
	if err := a.Memory().Write(uint32(p), abi.CStringBytes(data)); err != nil {
		_ = a.Free(ctx, p)
		return 0, errors.Marshal(errors.InvalidArgument, "write", err)
	}
	return p, nil
}

// ReadCString reads the NUL-terminated string at p without freeing it.
func ReadCString(a abi.Allocator, p abi.Ptr) (string, error) {
	return abi.CString(a.Memory(), p)
}

// TakeCString reads the string at p and frees it, even when the read fails.
// A null pointer yields an empty string and no error.
func TakeCString(ctx context.Context, a abi.Allocator, p abi.Ptr) (string, error) {
	if p.IsNull() {
		return "", nil
	}
	defer a.Free(ctx, p)
	return abi.CString(a.Memory(), p)
}
