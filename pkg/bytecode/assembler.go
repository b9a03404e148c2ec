package bytecode

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

var ErrSyntax = errors.New("syntax error")

// Symbols resolves the symbolic operands of an assembly listing
type Symbols interface {
	// Intern returns the string table id of a string, adding it if needed
	Intern(s string) uint32
	// ProcID resolves a proc path
	ProcID(path string) (uint32, error)
}

type pendingLabel struct {
	word  int
	label string
	line  int
}

// Assemble translates a textual listing into bytecode words.
//
// Each non-empty line holds one instruction: a mnemonic followed by its operands.
// Text after ';' is a comment. "name:" defines a label, and "@name" refers to the
// offset of a label. String and proc operands are double quoted.
//
//	DBGFILE "code/foo.dm"
//	DBGLINE 10
//	loop:
//	  CALL "/proc/bar" 0
//	  JMP @loop
func Assemble(source string, symbols Symbols) ([]uint32, error) {
	var words []uint32
	labels := map[string]uint32{}
	var pending []pendingLabel

	scanner := bufio.NewScanner(strings.NewReader(source))
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		text := scanner.Text()
		if comment := strings.IndexByte(text, ';'); comment >= 0 && !insideQuotes(text, comment) {
			text = text[:comment]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		if strings.HasSuffix(text, ":") && !strings.ContainsAny(text, " \t\"") {
			labels[strings.TrimSuffix(text, ":")] = uint32(len(words))
			continue
		}

		fields, err := splitOperands(text)
		if err != nil {
			return nil, utils.MakeError(ErrSyntax, "line %d: %v", lineNumber, err)
		}

		desc, err := Lookup(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNumber, err)
		}
		if len(fields)-1 != len(desc.Operands) {
			return nil, utils.MakeError(ErrSyntax, "line %d: %s expects %d operands, got %d", lineNumber, desc.Mnemonic, len(desc.Operands), len(fields)-1)
		}

		words = append(words, uint32(desc.Opcode))
		for i, kind := range desc.Operands {
			operand := fields[i+1]

			switch kind {
			case OperandString:
				value, err := strconv.Unquote(operand)
				if err != nil {
					return nil, utils.MakeError(ErrSyntax, "line %d: expected quoted string, got %s", lineNumber, operand)
				}
				words = append(words, symbols.Intern(value))

			case OperandProc:
				path, err := strconv.Unquote(operand)
				if err != nil {
					return nil, utils.MakeError(ErrSyntax, "line %d: expected quoted proc path, got %s", lineNumber, operand)
				}
				id, err := symbols.ProcID(path)
				if err != nil {
					return nil, fmt.Errorf("line %d: %w", lineNumber, err)
				}
				words = append(words, id)

			case OperandOffset:
				if strings.HasPrefix(operand, "@") {
					pending = append(pending, pendingLabel{word: len(words), label: operand[1:], line: lineNumber})
					words = append(words, 0)
					continue
				}
				fallthrough

			default:
				value, err := strconv.ParseInt(operand, 0, 64)
				if err != nil {
					return nil, utils.MakeError(ErrSyntax, "line %d: invalid number %s", lineNumber, operand)
				}
				words = append(words, uint32(value))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, ref := range pending {
		offset, ok := labels[ref.label]
		if !ok {
			return nil, utils.MakeError(ErrSyntax, "line %d: undefined label '%s'", ref.line, ref.label)
		}
		words[ref.word] = offset
	}

	return words, nil
}

// Disassemble renders decoded instructions one per line
func Disassemble(instructions []Instruction) string {
	var builder strings.Builder
	for _, instruction := range instructions {
		builder.WriteString(instruction.String())
		builder.WriteByte('\n')
	}
	return builder.String()
}

func insideQuotes(text string, index int) bool {
	return strings.Count(text[:index], `"`)%2 == 1
}

// splitOperands splits on whitespace, keeping quoted strings together
func splitOperands(text string) ([]string, error) {
	var fields []string
	var current strings.Builder
	quoted := false

	flush := func() {
		if current.Len() > 0 {
			fields = append(fields, current.String())
			current.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '"':
			current.WriteByte(c)
			quoted = !quoted
		case c == '\\' && quoted && i+1 < len(text):
			current.WriteByte(c)
			current.WriteByte(text[i+1])
			i++
		case (c == ' ' || c == '\t') && !quoted:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	if quoted {
		return nil, errors.New("unterminated string")
	}
	flush()
	return fields, nil
}
