package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/Manu343726/dmtrap/cmd/client"
	"github.com/Manu343726/dmtrap/cmd/run"
	"github.com/Manu343726/dmtrap/cmd/tools"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "dmtrap",
	Short: "Runtime instrumentation for bytecode interpreters",
	Long: `dmtrap hooks the instruction dispatcher of a bytecode interpreter host to provide
breakpoints, stepping, line coverage and a remote debugging protocol.

This CLI runs programs on a simulated host with the instrumentation installed, talks to
a running debug server and ships a few tools to inspect host images and bytecode.

Settings are read from ~/.dmtrap.yaml (or --config) and DMTRAP_* environment variables,
for example DMTRAP_DEBUG_ADDR or DMTRAP_LOG_LEVEL.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	RootCmd.AddCommand(run.RunCmd, client.ClientCmd, tools.ToolsCmd)
	cobra.OnInitialize(initConfig)

	flags := RootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dmtrap.yaml)")
	flags.String("log-level", "warn", "Console log level (debug, info, warn, error)")
	flags.String("log-file", "", "Write JSON debug logs to this file")

	cobra.CheckErr(viper.BindPFlag(logging.LevelKey, flags.Lookup("log-level")))
	cobra.CheckErr(viper.BindPFlag(logging.FileKey, flags.Lookup("log-file")))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".dmtrap" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dmtrap")
	}

	viper.SetEnvPrefix("dmtrap")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
