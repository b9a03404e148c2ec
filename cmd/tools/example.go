package tools

import (
	"fmt"
	"os"

	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/spf13/cobra"
)

var exampleCmd = &cobra.Command{
	Use:   "example",
	Short: "Print the built-in example program",
	Long: `Writes the YAML source of the example program used by --example, as a starting
point for new programs.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := hostsim.ExampleProgram().Marshal()
		if err != nil {
			return err
		}

		outputFile, _ := cmd.Flags().GetString("output")
		if outputFile == "" {
			fmt.Print(string(data))
			return nil
		}
		return os.WriteFile(outputFile, data, 0o644)
	},
}

func init() {
	ToolsCmd.AddCommand(exampleCmd)
	exampleCmd.Flags().StringP("output", "o", "", "Output file. If not specified, the program is dumped to stdout.")
}
