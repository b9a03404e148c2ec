package tools

import (
	"fmt"
	"os"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/utils"
	"github.com/spf13/cobra"
)

var supportedModules = map[string]func() string{
	"bytecode.opcodes":   opcodesDoc,
	"host.layouts":       layoutsDoc,
	"sigscan.signatures": signaturesDoc,
}

func opcodesDoc() string {
	var builder strings.Builder
	builder.WriteString("Opcode  Mnemonic      Operands          Description\n")
	for _, d := range bytecode.Descriptors() {
		fmt.Fprintf(&builder, "0x%04X  %-12s  %-16s  %s\n", uint32(d.Opcode), d.Mnemonic, utils.FormatSlice(d.Operands, " "), d.Description)
	}
	return builder.String()
}

func layoutsDoc() string {
	var builder strings.Builder
	for _, layout := range host.Layouts {
		fmt.Fprintf(&builder, "%s: builds %d+ (%d byte records)\n", layout.Name, layout.MinBuild, layout.Size)
		fmt.Fprintf(&builder, "  proc     +%d\n  parent   +%d\n  bytecode +%d\n  offset   +%d\n  tag      +%d\n  line     +%d\n  file     +%d\n",
			layout.Proc, layout.Parent, layout.Bytecode, layout.Offset, layout.Tag, layout.Line, layout.File)
	}
	return builder.String()
}

func signaturesDoc() string {
	var builder strings.Builder
	for _, sig := range append(append([]sigscan.Signature(nil), sigscan.Dispatch...), sigscan.RuntimeError...) {
		fmt.Fprintf(&builder, "%-16s %v (adjust %+d)\n", sig.Name, sig.Pattern, sig.Adjust)
	}
	return builder.String()
}

var docsCmd = &cobra.Command{
	Use:   "docs module",
	Short: "Show dmtrap reference documentation",
	Long: `Dumps the reference documentation of the specified dmtrap module.
By default the tool dumps the documentation to stdout, but it can be redirected to a file using the --output flag.

Supported modules:
` + strings.Join(utils.Map(utils.SortedKeys(supportedModules), func(module string) string { return "  " + module }), "\n"),
	Args:      cobra.MatchAll(cobra.OnlyValidArgs, cobra.ExactArgs(1)),
	ValidArgs: utils.SortedKeys(supportedModules),
	RunE: func(cmd *cobra.Command, args []string) error {
		module := args[0]
		outputFile, _ := cmd.Flags().GetString("output")
		if outputFile == "" {
			fmt.Print(supportedModules[module]())
			return nil
		}

		file, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("creating file: %w", err)
		}
		defer file.Close()
		_, err = fmt.Fprint(file, supportedModules[module]())
		return err
	},
}

func init() {
	ToolsCmd.AddCommand(docsCmd)
	docsCmd.Flags().StringP("output", "o", "", "Output file. If not specified, the documentation is dumped to stdout.")
}
