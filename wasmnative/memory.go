package wasmnative

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/zen-runtime/abi"
)

// wrapMemory adapts guest linear memory to abi.Memory.
func wrapMemory(mem api.Memory) abi.Memory {
	if mem == nil {
		return nil
	}
	return &memory{mem: mem}
}

type memory struct {
	mem api.Memory
}

// Read copies bytes out of guest memory. The guest may grow (and move) its
// memory on the next call, so views are never handed out.
func (m *memory) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *memory) Write(offset uint32, data []byte) error {
	if !m.mem.Write(offset, data) {
		return fmt.Errorf("memory write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (m *memory) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.mem.ReadByte(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (m *memory) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (m *memory) WriteU8(offset uint32, value uint8) error {
	if !m.mem.WriteByte(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (m *memory) WriteU32(offset uint32, value uint32) error {
	if !m.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (m *memory) Size() uint32 {
	return m.mem.Size()
}
