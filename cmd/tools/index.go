package tools

import (
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/coverage"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/utils"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "coverage-index [program.yaml]",
	Short: "List the hittable source lines of a program",
	Long: `Prints every source file referenced by the debug markers of a program and the lines
a coverage session would report for it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		program, err := loadProgram(args)
		if err != nil {
			return err
		}
		interpreter, err := program.Load(nil)
		if err != nil {
			return err
		}
		h := interpreter.Host()

		index := coverage.BuildIndex(h, func(id host.ProcID) ([]uint32, error) {
			proc, err := h.Proc(id)
			if err != nil {
				return nil, err
			}
			return host.ReadBytecode(h.Memory(), proc.Bytecode)
		}, nil)

		for _, file := range index.Files() {
			lines := index.Lines(file)
			fmt.Printf("%s (%d lines): %s\n", colorFile.Sprint(file), len(lines), utils.FormatSlice(lines, ", "))
		}
		return nil
	},
}

func init() {
	ToolsCmd.AddCommand(indexCmd)
}
