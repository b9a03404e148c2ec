// Package bytecode decodes and encodes the host interpreter's instruction stream.
//
// A proc's bytecode is a flat array of 32-bit words. Every instruction is one opcode
// word followed by a fixed number of operand words given by its descriptor. Two opcodes
// are reserved by dmtrap and never emitted by the host compiler: TRAP replaces the
// opcode word of an instruction carrying a breakpoint, and TRAP_OPERAND replaces the
// operand words that followed it.
package bytecode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrUnknownOpcode   = errors.New("unknown opcode")
	ErrTruncated       = errors.New("truncated instruction")
	ErrUnknownMnemonic = errors.New("unknown mnemonic")
)

// Represents an instruction opcode
type Opcode uint32

const (
	// No-Operation
	NOP Opcode = iota
	// Set the current source file of the context (operand: string id)
	DBGFILE
	// Set the current source line of the context (operand: line number)
	DBGLINE
	// Push an immediate value
	PUSH
	// Discard the top of the value stack
	POP
	// Pop two values, push their sum
	ADD
	// Pop two values, push their difference
	SUB
	// Jump to an offset
	JMP
	// Pop a value, jump to an offset if it is zero
	JZ
	// Call a proc (operands: proc id, argument count)
	CALL
	// Return to the caller, the top of the value stack is the return value
	RET
	// Suspend the current stack, letting other stacks run
	SLEEP
	// Raise a runtime error (operand: message string id)
	CRASH
	// Finish the proc returning null
	END
	// Push a copy of the top of the value stack
	DUP

	// Total opcodes the host implements
	TOTAL_OPCODES
)

const (
	// Breakpoint trap planted over the opcode word of an instruction
	TRAP Opcode = 0x1337
	// Filler planted over the operand words of a trapped instruction
	TRAP_OPERAND Opcode = 0x1338
)

// OperandKind describes how an operand word is interpreted
type OperandKind int

const (
	OperandImmediate OperandKind = iota
	OperandString
	OperandOffset
	OperandProc
)

func (k OperandKind) String() string {
	switch k {
	case OperandImmediate:
		return "imm"
	case OperandString:
		return "string"
	case OperandOffset:
		return "offset"
	case OperandProc:
		return "proc"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Contains information describing an instruction
type Descriptor struct {
	// Instruction opcode
	Opcode Opcode
	// Assembly mnemonic
	Mnemonic string
	// Operand words following the opcode word
	Operands []OperandKind
	// Instruction description (for documentation and debugging)
	Description string
}

// Size returns the number of words used by the instruction
func (d *Descriptor) Size() uint32 {
	return 1 + uint32(len(d.Operands))
}

func (d *Descriptor) String() string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", d.Mnemonic, utils.FormatSlice(d.Operands, " ")))
}

var descriptors = []*Descriptor{
	{Opcode: NOP, Mnemonic: "NOP", Description: "No-Operation"},
	{Opcode: DBGFILE, Mnemonic: "DBGFILE", Operands: []OperandKind{OperandString}, Description: "Set the current source file"},
	{Opcode: DBGLINE, Mnemonic: "DBGLINE", Operands: []OperandKind{OperandImmediate}, Description: "Set the current source line"},
	{Opcode: PUSH, Mnemonic: "PUSH", Operands: []OperandKind{OperandImmediate}, Description: "Push an immediate value"},
	{Opcode: POP, Mnemonic: "POP", Description: "Discard the top of the value stack"},
	{Opcode: ADD, Mnemonic: "ADD", Description: "Add the two topmost values"},
	{Opcode: SUB, Mnemonic: "SUB", Description: "Subtract the topmost value from the one below"},
	{Opcode: JMP, Mnemonic: "JMP", Operands: []OperandKind{OperandOffset}, Description: "Jump to an offset"},
	{Opcode: JZ, Mnemonic: "JZ", Operands: []OperandKind{OperandOffset}, Description: "Jump to an offset if the popped value is zero"},
	{Opcode: CALL, Mnemonic: "CALL", Operands: []OperandKind{OperandProc, OperandImmediate}, Description: "Call a proc with arguments"},
	{Opcode: RET, Mnemonic: "RET", Description: "Return the topmost value to the caller"},
	{Opcode: SLEEP, Mnemonic: "SLEEP", Description: "Suspend the current stack"},
	{Opcode: CRASH, Mnemonic: "CRASH", Operands: []OperandKind{OperandString}, Description: "Raise a runtime error"},
	{Opcode: END, Mnemonic: "END", Description: "Finish the proc"},
	{Opcode: DUP, Mnemonic: "DUP", Description: "Duplicate the topmost value"},
	{Opcode: TRAP, Mnemonic: "TRAP", Description: "Breakpoint trap"},
	{Opcode: TRAP_OPERAND, Mnemonic: "TRAP_OPERAND", Description: "Operand filler of a trapped instruction"},
}

var (
	byOpcode   = make(map[Opcode]*Descriptor, len(descriptors))
	byMnemonic = make(map[string]*Descriptor, len(descriptors))
)

func init() {
	for _, d := range descriptors {
		byOpcode[d.Opcode] = d
		byMnemonic[d.Mnemonic] = d
	}
}

// Describe returns the descriptor of an opcode
func Describe(op Opcode) (*Descriptor, error) {
	if d, ok := byOpcode[op]; ok {
		return d, nil
	}
	return nil, utils.MakeError(ErrUnknownOpcode, "0x%X", uint32(op))
}

// Lookup returns the descriptor of a mnemonic (case insensitive)
func Lookup(mnemonic string) (*Descriptor, error) {
	if d, ok := byMnemonic[strings.ToUpper(mnemonic)]; ok {
		return d, nil
	}
	return nil, utils.MakeError(ErrUnknownMnemonic, "'%s'", mnemonic)
}

// Descriptors returns every known descriptor
func Descriptors() []*Descriptor {
	return descriptors
}

// Returns the mnemonic of the instruction opcode
func (op Opcode) String() string {
	if d, ok := byOpcode[op]; ok {
		return d.Mnemonic
	}
	return fmt.Sprintf("OP_0x%X", uint32(op))
}
