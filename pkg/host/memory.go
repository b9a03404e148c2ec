package host

import (
	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Memory gives word and half-word access to host memory (little-endian)
type Memory interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, value uint32) error
	Read16(addr uint32) (uint16, error)
	Write16(addr uint32, value uint16) error
}

// ReadWords copies count words starting at addr
func ReadWords(mem Memory, addr uint32, count uint32) ([]uint32, error) {
	words := make([]uint32, count)
	for i := range words {
		word, err := mem.Read32(addr + 4*uint32(i))
		if err != nil {
			return nil, err
		}
		words[i] = word
	}
	return words, nil
}

// WriteWords writes consecutive words starting at addr
func WriteWords(mem Memory, addr uint32, words []uint32) error {
	for i, word := range words {
		if err := mem.Write32(addr+4*uint32(i), word); err != nil {
			return err
		}
	}
	return nil
}

// ReadBytecode copies the whole word array of a proc
func ReadBytecode(mem Memory, bytecode Bytecode) ([]uint32, error) {
	return ReadWords(mem, bytecode.Base, bytecode.Len)
}

// FlatMemory is a byte slice addressed from zero. It backs the simulated host and tests.
type FlatMemory struct {
	bytes []byte
}

// NewFlatMemory allocates size bytes of zeroed memory
func NewFlatMemory(size uint32) *FlatMemory {
	return &FlatMemory{bytes: make([]byte, size)}
}

// Size returns the memory size in bytes
func (m *FlatMemory) Size() uint32 {
	return uint32(len(m.bytes))
}

// Bytes exposes the backing storage
func (m *FlatMemory) Bytes() []byte {
	return m.bytes
}

func (m *FlatMemory) check(addr uint32, size uint32) error {
	if uint64(addr)+uint64(size) > uint64(len(m.bytes)) {
		return utils.MakeError(ErrOutOfBounds, "0x%08X + %d", addr, size)
	}
	return nil
}

func (m *FlatMemory) Read32(addr uint32) (uint32, error) {
	if err := m.check(addr, 4); err != nil {
		return 0, err
	}
	return uint32(m.bytes[addr]) |
		uint32(m.bytes[addr+1])<<8 |
		uint32(m.bytes[addr+2])<<16 |
		uint32(m.bytes[addr+3])<<24, nil
}

func (m *FlatMemory) Write32(addr uint32, value uint32) error {
	if err := m.check(addr, 4); err != nil {
		return err
	}
	m.bytes[addr] = byte(value)
	m.bytes[addr+1] = byte(value >> 8)
	m.bytes[addr+2] = byte(value >> 16)
	m.bytes[addr+3] = byte(value >> 24)
	return nil
}

func (m *FlatMemory) Read16(addr uint32) (uint16, error) {
	if err := m.check(addr, 2); err != nil {
		return 0, err
	}
	return uint16(m.bytes[addr]) | uint16(m.bytes[addr+1])<<8, nil
}

func (m *FlatMemory) Write16(addr uint32, value uint16) error {
	if err := m.check(addr, 2); err != nil {
		return err
	}
	m.bytes[addr] = byte(value)
	m.bytes[addr+1] = byte(value >> 8)
	return nil
}
