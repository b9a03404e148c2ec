package bytecode

import (
	"fmt"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Instruction is one decoded instruction and the span of words it occupies
type Instruction struct {
	// Start is the word offset of the opcode word
	Start uint32
	// End is the word offset right after the last operand (exclusive)
	End uint32
	// Op is the decoded opcode
	Op Opcode
	// Operands are the operand words, in order
	Operands []uint32
}

// Len returns the number of words of the instruction
func (i Instruction) Len() uint32 {
	return i.End - i.Start
}

// Operand returns the n-th operand, or 0 if the instruction has fewer operands
func (i Instruction) Operand(n int) uint32 {
	if n < len(i.Operands) {
		return i.Operands[n]
	}
	return 0
}

func (i Instruction) String() string {
	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("%04d: %v", i.Start, i.Op))
	for _, operand := range i.Operands {
		builder.WriteString(fmt.Sprintf(" %d", operand))
	}
	return builder.String()
}

// Decode splits a word array into instructions.
//
// Decoding stops at the first unknown opcode or truncated instruction. In that case the
// instructions decoded so far are returned together with the error, and callers are
// expected to keep working with the partial list.
func Decode(words []uint32) ([]Instruction, error) {
	instructions := make([]Instruction, 0, len(words))

	for offset := uint32(0); offset < uint32(len(words)); {
		desc, err := Describe(Opcode(words[offset]))
		if err != nil {
			return instructions, utils.MakeError(ErrUnknownOpcode, "0x%X at offset %d", words[offset], offset)
		}

		end := offset + desc.Size()
		if end > uint32(len(words)) {
			return instructions, utils.MakeError(ErrTruncated, "%v at offset %d needs %d words, %d left", desc.Opcode, offset, desc.Size(), uint32(len(words))-offset)
		}

		operands := make([]uint32, len(desc.Operands))
		copy(operands, words[offset+1:end])

		instructions = append(instructions, Instruction{
			Start:    offset,
			End:      end,
			Op:       desc.Opcode,
			Operands: operands,
		})
		offset = end
	}

	return instructions, nil
}

// Encode re-encodes instructions back into words. Instruction offsets are ignored,
// the instructions are laid out contiguously.
func Encode(instructions []Instruction) []uint32 {
	var words []uint32
	for _, instruction := range instructions {
		words = append(words, uint32(instruction.Op))
		words = append(words, instruction.Operands...)
	}
	return words
}

// Find returns the instruction starting exactly at offset
func Find(instructions []Instruction, offset uint32) (Instruction, bool) {
	// Instructions are sorted by offset
	lo, hi := 0, len(instructions)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case instructions[mid].Start == offset:
			return instructions[mid], true
		case instructions[mid].Start < offset:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return Instruction{}, false
}
