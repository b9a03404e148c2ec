package tools

import (
	"fmt"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/spf13/cobra"
)

var disasmProcs []string

var disasmCmd = &cobra.Command{
	Use:   "disasm [program.yaml]",
	Short: "Disassemble the procs of a program",
	Long: `Assembles a YAML program the way the simulated host loads it and prints the
resulting bytecode of every proc, with source lines and resolved operands.

Example:
  dmtrap tools disasm program.yaml --proc /proc/main
  dmtrap tools disasm --example`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDisasm,
}

func init() {
	ToolsCmd.AddCommand(disasmCmd)
	disasmCmd.Flags().StringSliceVarP(&disasmProcs, "proc", "p", nil, "Only disassemble these procs")
}

func runDisasm(cmd *cobra.Command, args []string) error {
	program, err := loadProgram(args)
	if err != nil {
		return err
	}
	interpreter, err := program.Load(nil)
	if err != nil {
		return err
	}
	h := interpreter.Host()

	for _, proc := range h.Procs() {
		if len(disasmProcs) > 0 && !contains(disasmProcs, proc.Path) {
			continue
		}

		words, err := host.ReadBytecode(h.Memory(), proc.Bytecode)
		if err != nil {
			return err
		}
		fmt.Println(disassemble(h, proc, words))
	}
	return nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

// disassemble renders a proc listing. Undecodable tails are reported after the
// instructions that could be decoded.
func disassemble(h *hostsim.Host, proc host.Proc, words []uint32) string {
	var builder strings.Builder
	colorHeader.Fprintf(&builder, "%v", proc)
	fmt.Fprintf(&builder, " (%d words)\n", len(words))

	instructions, err := bytecode.Decode(words)
	lines := bytecode.NewLineTable(instructions)

	for _, instruction := range instructions {
		fmt.Fprintf(&builder, "  %s  %s", colorAddr.Sprintf("%04d", instruction.Start), colorOpcode.Sprintf("%-8v", instruction.Op))

		desc, _ := bytecode.Describe(instruction.Op)
		var notes []string
		for i, operand := range instruction.Operands {
			fmt.Fprintf(&builder, " %s", colorOperand.Sprint(operand))
			if desc != nil && i < len(desc.Operands) {
				if note := annotate(h, desc.Operands[i], operand); note != "" {
					notes = append(notes, note)
				}
			}
		}

		if line, ok := lines.Line(instruction.Start); ok {
			notes = append(notes, fmt.Sprintf("line %d", line))
		}
		if len(notes) > 0 {
			fmt.Fprintf(&builder, "  %s", colorComment.Sprint("; "+strings.Join(notes, ", ")))
		}
		builder.WriteByte('\n')
	}

	if err != nil {
		fmt.Fprintf(&builder, "  %s\n", colorError.Sprint(err))
	}
	return builder.String()
}

func annotate(h *hostsim.Host, kind bytecode.OperandKind, operand uint32) string {
	switch kind {
	case bytecode.OperandString:
		if s, err := h.String(operand); err == nil {
			return colorFile.Sprintf("%q", s)
		}
	case bytecode.OperandProc:
		if proc, err := h.Proc(host.ProcID(operand)); err == nil {
			return proc.String()
		}
	}
	return ""
}
