package tools

import (
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	colorHeader  = color.New(color.FgWhite, color.Bold, color.Underline)
	colorAddr    = color.New(color.FgCyan)
	colorOpcode  = color.New(color.FgYellow, color.Bold)
	colorOperand = color.New(color.FgCyan)
	colorComment = color.New(color.FgHiBlack)
	colorFile    = color.New(color.FgHiBlue)
	colorError   = color.New(color.FgRed, color.Bold)
	colorSuccess = color.New(color.FgGreen)
)

// ToolsCmd groups the inspection tools
var ToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "dmtrap miscellaneous tools",
}

var useExample bool

func init() {
	ToolsCmd.PersistentFlags().BoolVar(&useExample, "example", false, "Use the built-in example program instead of a file")
}

// loadProgram loads the program named by the first argument, or the example program
func loadProgram(args []string) (*hostsim.Program, error) {
	if useExample {
		return hostsim.ExampleProgram(), nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("missing program file (or --example)")
	}
	return hostsim.LoadFile(args[0])
}
