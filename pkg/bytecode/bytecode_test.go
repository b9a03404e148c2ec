package bytecode

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSymbols struct {
	strings []string
	procs   map[string]uint32
}

func (s *testSymbols) Intern(value string) uint32 {
	for i, existing := range s.strings {
		if existing == value {
			return uint32(i + 1)
		}
	}
	s.strings = append(s.strings, value)
	return uint32(len(s.strings))
}

func (s *testSymbols) ProcID(path string) (uint32, error) {
	if id, ok := s.procs[path]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("no proc %s", path)
}

func TestDescriptors(t *testing.T) {
	for _, d := range Descriptors() {
		found, err := Describe(d.Opcode)
		require.NoError(t, err)
		assert.Same(t, d, found)

		byName, err := Lookup(d.Mnemonic)
		require.NoError(t, err)
		assert.Same(t, d, byName)
	}

	_, err := Describe(Opcode(0xFFFF))
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	_, err = Lookup("frobnicate")
	assert.ErrorIs(t, err, ErrUnknownMnemonic)

	call, err := Describe(CALL)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), call.Size())
	assert.Equal(t, "CALL proc imm", call.String())
}

func TestDecode(t *testing.T) {
	t.Run("instruction spans", func(t *testing.T) {
		words := []uint32{uint32(DBGLINE), 10, uint32(CALL), 4, 0, uint32(POP), uint32(END)}

		instructions, err := Decode(words)
		require.NoError(t, err)
		require.Len(t, instructions, 4)

		assert.Equal(t, Instruction{Start: 0, End: 2, Op: DBGLINE, Operands: []uint32{10}}, instructions[0])
		assert.Equal(t, Instruction{Start: 2, End: 5, Op: CALL, Operands: []uint32{4, 0}}, instructions[1])
		assert.Equal(t, uint32(3), instructions[1].Len())
		assert.Equal(t, uint32(5), instructions[2].Start)
		assert.Equal(t, uint32(6), instructions[3].Start)

		assert.Equal(t, words, Encode(instructions))
	})

	t.Run("unknown opcode keeps partial list", func(t *testing.T) {
		instructions, err := Decode([]uint32{uint32(PUSH), 1, 0xBEEF, uint32(END)})
		assert.ErrorIs(t, err, ErrUnknownOpcode)
		require.Len(t, instructions, 1)
		assert.Equal(t, PUSH, instructions[0].Op)
	})

	t.Run("truncated instruction keeps partial list", func(t *testing.T) {
		instructions, err := Decode([]uint32{uint32(NOP), uint32(CALL), 1})
		assert.ErrorIs(t, err, ErrTruncated)
		require.Len(t, instructions, 1)
	})

	t.Run("traps decode as single words", func(t *testing.T) {
		instructions, err := Decode([]uint32{uint32(TRAP), uint32(TRAP_OPERAND), uint32(TRAP_OPERAND), uint32(END)})
		require.NoError(t, err)
		require.Len(t, instructions, 4)
		assert.Equal(t, TRAP, instructions[0].Op)
		assert.Equal(t, TRAP_OPERAND, instructions[2].Op)
	})
}

func TestFind(t *testing.T) {
	instructions, err := Decode([]uint32{uint32(PUSH), 1, uint32(PUSH), 2, uint32(ADD), uint32(RET)})
	require.NoError(t, err)

	instruction, ok := Find(instructions, 4)
	require.True(t, ok)
	assert.Equal(t, ADD, instruction.Op)

	// Offset 1 is an operand word, not an instruction boundary
	_, ok = Find(instructions, 1)
	assert.False(t, ok)

	_, ok = Find(instructions, 42)
	assert.False(t, ok)
}

func TestAssemble(t *testing.T) {
	symbols := &testSymbols{procs: map[string]uint32{"/proc/bar": 7}}

	words, err := Assemble(`
		DBGFILE "code/foo.dm"  ; file marker
		DBGLINE 10
	loop:
		CALL "/proc/bar" 0
		POP
		PUSH 0
		JZ @loop
		CRASH "bad; thing"
		END
	`, symbols)
	require.NoError(t, err)

	assert.Equal(t, []uint32{
		uint32(DBGFILE), 1,
		uint32(DBGLINE), 10,
		uint32(CALL), 7, 0,
		uint32(POP),
		uint32(PUSH), 0,
		uint32(JZ), 4,
		uint32(CRASH), 2,
		uint32(END),
	}, words)
	assert.Equal(t, []string{"code/foo.dm", "bad; thing"}, symbols.strings)

	t.Run("errors", func(t *testing.T) {
		_, err := Assemble("PUSH", symbols)
		assert.ErrorIs(t, err, ErrSyntax)

		_, err = Assemble("JMP @nowhere", symbols)
		assert.ErrorIs(t, err, ErrSyntax)

		_, err = Assemble("WIBBLE 1", symbols)
		assert.ErrorIs(t, err, ErrUnknownMnemonic)

		_, err = Assemble(`CALL "/proc/missing" 0`, symbols)
		assert.Error(t, err)

		_, err = Assemble(`DBGFILE "unterminated`, symbols)
		assert.ErrorIs(t, err, ErrSyntax)
	})
}

func TestLineTable(t *testing.T) {
	instructions, err := Decode([]uint32{
		uint32(DBGFILE), 1, // 0
		uint32(DBGLINE), 10, // 2
		uint32(PUSH), 1, // 4
		uint32(DBGLINE), 11, // 6
		uint32(POP),         // 8
		uint32(DBGLINE), 11, // 9
		uint32(END), // 11
	})
	require.NoError(t, err)

	table := NewLineTable(instructions)

	line, ok := table.Line(4)
	require.True(t, ok)
	assert.Equal(t, uint32(10), line)

	line, ok = table.Line(11)
	require.True(t, ok)
	assert.Equal(t, uint32(11), line)

	_, ok = table.Line(0)
	assert.False(t, ok, "no line is known before the first DBGLINE")

	offset, ok := table.Offset(11)
	require.True(t, ok)
	assert.Equal(t, uint32(8), offset, "first instruction after the first DBGLINE 11")

	_, ok = table.Offset(99)
	assert.False(t, ok)

	annotations := CollectAnnotations(instructions)
	assert.Equal(t, []uint32{1}, annotations.Files)
	assert.Equal(t, []uint32{10, 11}, annotations.Lines)
}
