package abi

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"github.com/wippyai/zen-runtime/errors"
)

// Packet layout in 32-bit native memory.
const (
	PacketResultOffset  = 0
	PacketErrorOffset   = 4
	PacketDetailsOffset = 8
	PacketSize          = 12
	PacketAlign         = 4
)

// CallbackResult layout in 32-bit native memory.
const (
	CallbackContentOffset = 0
	CallbackErrorOffset   = 4
	CallbackResultSize    = 8
)

// ReadPacket decodes a packet stored at ptr.
func ReadPacket(mem Memory, ptr Ptr) (Packet, error) {
	result, err := mem.ReadU32(uint32(ptr) + PacketResultOffset)
	if err != nil {
		return Packet{}, fmt.Errorf("read packet result: %w", err)
	}
	code, err := mem.ReadU8(uint32(ptr) + PacketErrorOffset)
	if err != nil {
		return Packet{}, fmt.Errorf("read packet error: %w", err)
	}
	details, err := mem.ReadU32(uint32(ptr) + PacketDetailsOffset)
	if err != nil {
		return Packet{}, fmt.Errorf("read packet details: %w", err)
	}
	return Packet{Result: Ptr(result), Error: errors.Code(code), Details: Ptr(details)}, nil
}

// WritePacket encodes p at ptr.
func WritePacket(mem Memory, ptr Ptr, p Packet) error {
	if err := mem.WriteU32(uint32(ptr)+PacketResultOffset, uint32(p.Result)); err != nil {
		return err
	}
	if err := mem.WriteU8(uint32(ptr)+PacketErrorOffset, uint8(p.Error)); err != nil {
		return err
	}
	return mem.WriteU32(uint32(ptr)+PacketDetailsOffset, uint32(p.Details))
}

// ReadCallbackResult decodes a callback result stored at ptr.
func ReadCallbackResult(mem Memory, ptr Ptr) (CallbackResult, error) {
	content, err := mem.ReadU32(uint32(ptr) + CallbackContentOffset)
	if err != nil {
		return CallbackResult{}, err
	}
	errPtr, err := mem.ReadU32(uint32(ptr) + CallbackErrorOffset)
	if err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{Content: Ptr(content), Error: Ptr(errPtr)}, nil
}

// WriteCallbackResult encodes r at ptr.
func WriteCallbackResult(mem Memory, ptr Ptr, r CallbackResult) error {
	if err := mem.WriteU32(uint32(ptr)+CallbackContentOffset, uint32(r.Content)); err != nil {
		return err
	}
	return mem.WriteU32(uint32(ptr)+CallbackErrorOffset, uint32(r.Error))
}

const cstringChunk = 256

// CString reads the NUL-terminated UTF-8 string at ptr.
// A null pointer yields StringNullError and invalid UTF-8 yields StringUtf8Error.
func CString(mem Memory, ptr Ptr) (string, error) {
	if ptr.IsNull() {
		return "", errors.New(errors.StringNullError).Phase(errors.PhaseMarshal).Op("cstring").Build()
	}

	var buf []byte
	offset := uint32(ptr)
	limit := mem.Size()
	for offset < limit {
		n := uint32(cstringChunk)
		if limit-offset < n {
			n = limit - offset
		}
		chunk, err := mem.Read(offset, n)
		if err != nil {
			// Region ended before the chunk did; fall back to single bytes.
			chunk, err = readUntilFault(mem, offset, n)
			if len(chunk) == 0 && err != nil {
				return "", errors.Marshal(errors.StringNullError, "cstring", err)
			}
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			buf = append(buf, chunk[:i]...)
			return toUTF8(buf)
		}
		buf = append(buf, chunk...)
		offset += uint32(len(chunk))
		if uint32(len(chunk)) < n {
			break
		}
	}
	return "", errors.New(errors.StringNullError).
		Phase(errors.PhaseMarshal).
		Op("cstring").
		Details("unterminated string at %#x", uint32(ptr)).
		Build()
}

func readUntilFault(mem Memory, offset, n uint32) ([]byte, error) {
	var out []byte
	for i := uint32(0); i < n; i++ {
		b, err := mem.ReadU8(offset + i)
		if err != nil {
			return out, err
		}
		out = append(out, b)
		if b == 0 {
			break
		}
	}
	return out, nil
}

func toUTF8(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errors.New(errors.StringUtf8Error).Phase(errors.PhaseMarshal).Op("cstring").Build()
	}
	return string(b), nil
}

// CStringBytes returns s as a NUL-terminated byte slice.
func CStringBytes(s []byte) []byte {
	out := make([]byte, len(s)+1)
	copy(out, s)
	return out
}
