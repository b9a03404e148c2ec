// Package host describes the parts of the instrumented interpreter that dmtrap consumes.
//
// The host owns everything described here: the proc table, the bytecode arrays,
// the activation records (execution contexts) and the ring buffer of cooperatively
// suspended call stacks. dmtrap only reads them, except for two deliberate writes:
// bytecode words (breakpoint traps) and the instance tag scratch field of an
// activation record.
package host

import (
	"errors"
	"fmt"
)

var (
	ErrNullContext      = errors.New("null execution context")
	ErrUnknownProc      = errors.New("unknown proc")
	ErrOutOfBounds      = errors.New("memory access out of bounds")
	ErrUnsupportedBuild = errors.New("unsupported host build")
)

// ProcID is the index of a proc in the host's fixed proc table
type ProcID uint32

// Context is the address of an activation record in host memory. Zero is the null context.
type Context uint32

// NullContext marks the end of a caller chain
const NullContext Context = 0

// IsNull returns true for the null context
func (c Context) IsNull() bool {
	return c == NullContext
}

func (c Context) String() string {
	return fmt.Sprintf("ctx@0x%08X", uint32(c))
}

// Bytecode locates the word array of a proc in host memory
type Bytecode struct {
	// Base is the address of the first word
	Base uint32
	// Len is the number of 32-bit words
	Len uint32
}

// Addr returns the address of the word at the given offset
func (b Bytecode) Addr(offset uint32) uint32 {
	return b.Base + 4*offset
}

// Contains returns true if offset indexes a word of the array
func (b Bytecode) Contains(offset uint32) bool {
	return offset < b.Len
}

// Proc describes an entry of the host proc table
type Proc struct {
	ID         ProcID
	Path       string
	OverrideID uint32
	Bytecode   Bytecode
}

func (p Proc) String() string {
	if p.OverrideID == 0 {
		return p.Path
	}
	return fmt.Sprintf("%s#%d", p.Path, p.OverrideID)
}

// Runtime is the interface dmtrap needs from the host process
type Runtime interface {
	// Build returns the host build number, used to select the activation record layout
	Build() uint32
	// Memory gives raw access to host memory
	Memory() Memory
	// ProcCount returns the size of the proc table
	ProcCount() int
	// Proc returns a proc table entry
	Proc(id ProcID) (Proc, error)
	// FindProc looks a proc up by path and override index
	FindProc(path string, override uint32) (Proc, error)
	// String resolves an entry of the host string table
	String(id uint32) (string, error)
	// ActiveContext returns the innermost context of the running stack (null if idle)
	ActiveContext() Context
	// Suspended returns a snapshot of the cooperative suspension ring buffer
	Suspended() Ring
}
