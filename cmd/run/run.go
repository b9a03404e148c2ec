package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Manu343726/dmtrap/pkg/debugserver"
	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/Manu343726/dmtrap/pkg/instrument"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Configuration keys bound to the run flags
const (
	debugAddrKey      = "debug.addr"
	coverageOutputKey = "coverage.output"
)

// runChunk is the number of instructions executed between interrupt checks
const runChunk = 4096

var (
	colorHeader  = color.New(color.FgWhite, color.Bold, color.Underline)
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed, color.Bold)
	colorWarning = color.New(color.FgYellow)
	colorProc    = color.New(color.FgHiMagenta, color.Bold)
	colorValue   = color.New(color.FgCyan)
)

var (
	runExample  bool
	runDebug    bool
	runWait     time.Duration
	runSeed     bool
	runMaxSteps int
)

// RunCmd runs a program on the simulated host with the instrumentation installed
var RunCmd = &cobra.Command{
	Use:   "run [program.yaml]",
	Short: "Run a program on the simulated host with dmtrap installed",
	Long: `Loads a YAML program into the simulated host, instruments it and runs every spawned
stack to completion.

With --debug the debug server listens on --debug-addr, and --wait holds the program
until a client connects (see 'dmtrap client'). With --coverage a Cobertura report of
the run is written to the given path.

Example:
  dmtrap tools example > program.yaml
  dmtrap run program.yaml --debug --wait 30s
  dmtrap run --example --coverage coverage/run.xml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProgram,
}

func init() {
	flags := RunCmd.Flags()
	flags.BoolVar(&runExample, "example", false, "Run the built-in example program")
	flags.BoolVar(&runDebug, "debug", false, "Start the debug server")
	flags.String("debug-addr", debugserver.DefaultAddr, "Address the debug server listens on")
	flags.DurationVar(&runWait, "wait", 0, "Wait this long for a debugger client before running")
	flags.String("coverage", "", "Write a Cobertura coverage report of the run to this path")
	flags.BoolVar(&runSeed, "seed-coverage", true, "Report hittable lines that never ran")
	flags.IntVarP(&runMaxSteps, "max-steps", "n", 0, "Maximum number of instructions to execute (0 = host default)")

	cobra.CheckErr(viper.BindPFlag(debugAddrKey, flags.Lookup("debug-addr")))
	cobra.CheckErr(viper.BindPFlag(coverageOutputKey, flags.Lookup("coverage")))
}

func loadProgram(args []string) (*hostsim.Program, error) {
	switch {
	case runExample && len(args) > 0:
		return nil, fmt.Errorf("--example cannot be used with a program file")
	case runExample:
		return hostsim.ExampleProgram(), nil
	case len(args) == 0:
		return nil, fmt.Errorf("missing program file (or --example)")
	default:
		return hostsim.LoadFile(args[0])
	}
}

func runProgram(cmd *cobra.Command, args []string) error {
	log, closeLog, err := logging.FromViper(viper.GetViper())
	if err != nil {
		return err
	}
	defer closeLog()

	program, err := loadProgram(args)
	if err != nil {
		return err
	}
	if runMaxSteps > 0 {
		program.MaxSteps = runMaxSteps
	}

	interpreter, err := program.Load(log)
	if err != nil {
		return fmt.Errorf("loading program: %w", err)
	}
	h := interpreter.Host()

	options := instrument.Options{
		Image:         h.Image(),
		Detourer:      interpreter,
		ErrorDetourer: interpreter,
		SeedCoverage:  runSeed,
	}
	if runDebug {
		options.DebugAddr = viper.GetString(debugAddrKey)
	}

	session, err := instrument.Start(h, options, log)
	if err != nil {
		return fmt.Errorf("instrumenting host: %w", err)
	}
	defer session.Shutdown()

	if server := session.Server(); server != nil {
		fmt.Printf("Debug server listening on %s\n", colorValue.Sprint(server.Addr()))
		if runWait > 0 && !waitForClient(server, runWait) {
			colorWarning.Println("No debugger client connected, running anyway.")
		}
	}

	coveragePath := viper.GetString(coverageOutputKey)
	if coveragePath != "" {
		if err := session.StartCoverage(coveragePath); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	runErr := execute(ctx, interpreter)
	elapsed := time.Since(started)

	if coveragePath != "" {
		report, err := session.StopCoverage(coveragePath)
		if err != nil {
			colorError.Printf("Writing coverage: %v\n", err)
		} else {
			covered, valid := report.Totals()
			colorSuccess.Printf("Coverage written to %s: %d/%d lines\n", coveragePath, covered, valid)
		}
	}

	summarize(interpreter, session, elapsed)
	if err := session.Shutdown(); err != nil {
		return fmt.Errorf("removing instrumentation: %w", err)
	}
	return runErr
}

func waitForClient(server *debugserver.Server, timeout time.Duration) bool {
	fmt.Printf("Waiting up to %v for a debugger client...\n", timeout)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if server.Connected() {
			colorSuccess.Println("Debugger client connected.")
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return false
}

// execute runs the program until every stack finishes or ctx is cancelled
func execute(ctx context.Context, interpreter *hostsim.Interpreter) error {
	h := interpreter.Host()
	for {
		if err := interpreter.RunN(runChunk); err != nil {
			return err
		}
		if h.ActiveContext().IsNull() && h.Suspended().Len() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			colorWarning.Println("\nInterrupted.")
			return ctx.Err()
		default:
		}
	}
}

func summarize(interpreter *hostsim.Interpreter, session *instrument.Session, elapsed time.Duration) {
	h := interpreter.Host()
	stats := session.Stats()

	fmt.Println()
	colorHeader.Println("Run summary")
	fmt.Printf("  Instructions: %s (%v)\n", colorValue.Sprint(interpreter.Steps()), elapsed.Round(time.Microsecond))
	fmt.Printf("  Dispatched:   %s\n", colorValue.Sprint(stats.Dispatched))
	if stats.Faults > 0 {
		fmt.Printf("  Faults:       %s\n", colorError.Sprint(stats.Faults))
	}
	fmt.Printf("  Breakpoints:  %s\n", colorValue.Sprint(session.Breakpoints().Count()))

	errors := h.RuntimeErrors()
	if len(errors) == 0 {
		colorSuccess.Println("  No runtime errors")
		return
	}

	colorError.Printf("  %d runtime error(s):\n", len(errors))
	for _, e := range errors {
		fmt.Printf("    %s+%d: %s\n", colorProc.Sprint(e.Proc), e.Offset, e.Message)
	}
}
