package client

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Manu343726/dmtrap/pkg/debugserver"
	"github.com/Manu343726/dmtrap/pkg/stepping"
	"github.com/cosiner/argv"
	"github.com/fatih/color"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	colorError      = color.New(color.FgRed, color.Bold)
	colorSuccess    = color.New(color.FgGreen)
	colorWarning    = color.New(color.FgYellow)
	colorHeader     = color.New(color.FgWhite, color.Bold, color.Underline)
	colorBreakpoint = color.New(color.FgRed, color.Bold)
	colorProc       = color.New(color.FgHiMagenta, color.Bold)
	colorOffset     = color.New(color.FgCyan)
	colorSourceLine = color.New(color.FgHiCyan)
	colorHiBlack    = color.New(color.FgHiBlack)
)

var clientTimeout time.Duration

// ClientCmd is an interactive client for the debug server
var ClientCmd = &cobra.Command{
	Use:   "client [address]",
	Short: "Connect to a dmtrap debug server",
	Long: `Opens an interactive session with a debug server started by 'dmtrap run --debug'.

The address defaults to the debug.addr setting. Type 'help' once connected for the list
of commands.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runClient,
}

func init() {
	ClientCmd.Flags().DurationVar(&clientTimeout, "timeout", 5*time.Second, "Connection timeout")
}

// command is a REPL command: it builds the request to send, if any
type command struct {
	names []string
	usage string
	help  string
	build func(args []string) (debugserver.Request, error)
}

var commands = []command{
	{names: []string{"break", "b"}, usage: "break <proc> <offset>", help: "Set a breakpoint on the instruction at offset", build: instructionRequest(func(ref debugserver.InstructionRef) debugserver.Request {
		return debugserver.BreakpointSetRequest{Instruction: ref}
	})},
	{names: []string{"clear", "d"}, usage: "clear <proc> <offset>", help: "Remove a breakpoint", build: instructionRequest(func(ref debugserver.InstructionRef) debugserver.Request {
		return debugserver.BreakpointUnsetRequest{Instruction: ref}
	})},
	{names: []string{"line"}, usage: "line <proc> <offset>", help: "Show the source line of an instruction", build: buildLineNumber},
	{names: []string{"offset"}, usage: "offset <proc> <line>", help: "Show the first instruction of a source line", build: buildOffset},
	{names: []string{"bt", "frames"}, usage: "bt [start] [count]", help: "Show the frames of the active stack", build: buildStackFrames},
	{names: []string{"continue", "c"}, usage: "continue", help: "Resume the host", build: continueRequest(debugserver.ModeContinue)},
	{names: []string{"next", "n"}, usage: "next [stack]", help: "Step over calls to the next line", build: continueRequest(debugserver.ModeStepOver)},
	{names: []string{"step", "s"}, usage: "step [stack]", help: "Step into calls", build: continueRequest(debugserver.ModeStepInto)},
	{names: []string{"out", "o"}, usage: "out [stack]", help: "Run until the current proc returns", build: continueRequest(debugserver.ModeStepOut)},
	{names: []string{"pause", "p"}, usage: "pause", help: "Stop the host on its next instruction", build: func([]string) (debugserver.Request, error) {
		return debugserver.PauseRequest{}, nil
	}},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		for _, n := range c.names {
			if n == name {
				return c, true
			}
		}
	}
	return command{}, false
}

// --- Request builders ---

// parseProc parses "path" or "path#override"
func parseProc(text string) (debugserver.ProcRef, error) {
	path, override, found := strings.Cut(text, "#")
	ref := debugserver.ProcRef{Path: path}
	if found {
		id, err := strconv.ParseUint(override, 0, 32)
		if err != nil {
			return ref, fmt.Errorf("invalid override id '%s'", override)
		}
		ref.OverrideID = uint32(id)
	}
	if ref.Path == "" {
		return ref, fmt.Errorf("missing proc path")
	}
	return ref, nil
}

func parseUint(text string, what string) (uint32, error) {
	value, err := strconv.ParseUint(text, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s'", what, text)
	}
	return uint32(value), nil
}

func procAndNumber(args []string, what string) (debugserver.ProcRef, uint32, error) {
	if len(args) != 2 {
		return debugserver.ProcRef{}, 0, fmt.Errorf("expected a proc and %s", what)
	}
	proc, err := parseProc(args[0])
	if err != nil {
		return proc, 0, err
	}
	number, err := parseUint(args[1], what)
	return proc, number, err
}

func instructionRequest(request func(debugserver.InstructionRef) debugserver.Request) func([]string) (debugserver.Request, error) {
	return func(args []string) (debugserver.Request, error) {
		proc, offset, err := procAndNumber(args, "an offset")
		if err != nil {
			return nil, err
		}
		return request(debugserver.InstructionRef{Proc: proc, Offset: offset}), nil
	}
}

func buildLineNumber(args []string) (debugserver.Request, error) {
	proc, offset, err := procAndNumber(args, "an offset")
	if err != nil {
		return nil, err
	}
	return debugserver.LineNumberRequest{Proc: proc, Offset: offset}, nil
}

func buildOffset(args []string) (debugserver.Request, error) {
	proc, line, err := procAndNumber(args, "a line")
	if err != nil {
		return nil, err
	}
	return debugserver.OffsetRequest{Proc: proc, Line: line}, nil
}

func buildStackFrames(args []string) (debugserver.Request, error) {
	request := debugserver.StackFramesRequest{}
	if len(args) > 2 {
		return nil, fmt.Errorf("too many arguments")
	}
	if len(args) > 0 {
		start, err := parseUint(args[0], "start frame")
		if err != nil {
			return nil, err
		}
		request.StartFrame = &start
	}
	if len(args) > 1 {
		count, err := parseUint(args[1], "frame count")
		if err != nil {
			return nil, err
		}
		request.Count = &count
	}
	return request, nil
}

func continueRequest(mode debugserver.ContinueMode) func([]string) (debugserver.Request, error) {
	return func(args []string) (debugserver.Request, error) {
		kind := debugserver.ContinueKind{Mode: mode}
		switch {
		case len(args) > 1:
			return nil, fmt.Errorf("too many arguments")
		case len(args) == 1 && mode == debugserver.ModeContinue:
			return nil, fmt.Errorf("continue takes no arguments")
		case len(args) == 1:
			id, err := parseUint(args[0], "stack id")
			if err != nil {
				return nil, err
			}
			kind.StackID = id
		}
		return debugserver.ContinueRequest{Kind: kind}, nil
	}
}

// splitCommand splits a command line with shell quoting rules
func splitCommand(input string) ([]string, error) {
	pipeline, err := argv.Argv(input,
		func(s string) (string, error) {
			return "", fmt.Errorf("backticks not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(pipeline) != 1 {
		return nil, fmt.Errorf("pipes not supported in '%s'", input)
	}
	return pipeline[0], nil
}

// parse turns a command line into the request it sends
func parse(input string) (debugserver.Request, error) {
	words, err := splitCommand(input)
	if err != nil || len(words) == 0 {
		return nil, err
	}

	c, ok := lookup(strings.ToLower(words[0]))
	if !ok {
		return nil, fmt.Errorf("unknown command '%s' (try 'help')", words[0])
	}
	request, err := c.build(words[1:])
	if err != nil {
		return nil, fmt.Errorf("%w\nusage: %s", err, c.usage)
	}
	return request, nil
}

// --- Responses ---

func optional(value *uint32) string {
	if value == nil {
		return colorHiBlack.Sprint("none")
	}
	return fmt.Sprint(*value)
}

func instruction(ref debugserver.InstructionRef) string {
	proc := colorProc.Sprint(ref.Proc.Path)
	if ref.Proc.OverrideID != 0 {
		proc += fmt.Sprintf("#%d", ref.Proc.OverrideID)
	}
	return fmt.Sprintf("%s+%s", proc, colorOffset.Sprint(ref.Offset))
}

// format renders a response for the terminal
func format(response debugserver.Response) string {
	switch response := response.(type) {
	case debugserver.BreakpointSetResponse:
		if !response.Result.Success {
			return colorError.Sprint("Breakpoint not set")
		}
		return colorSuccess.Sprintf("Breakpoint set") + fmt.Sprintf(" (line %s)", optional(response.Result.Line))

	case debugserver.BreakpointUnsetResponse:
		if !response.Success {
			return colorWarning.Sprint("No breakpoint there")
		}
		return colorSuccess.Sprint("Breakpoint removed")

	case debugserver.LineNumberResponse:
		return fmt.Sprintf("Line %s", optional(response.Line))

	case debugserver.OffsetResponse:
		return fmt.Sprintf("Offset %s", optional(response.Offset))

	case debugserver.StackFramesResponse:
		var builder strings.Builder
		builder.WriteString(colorHeader.Sprintf("%d frame(s)", response.TotalCount))
		for i, frame := range response.Frames {
			fmt.Fprintf(&builder, "\n  #%d %s line %s", i, instruction(frame.Instruction), colorSourceLine.Sprint(optional(frame.Line)))
		}
		return builder.String()

	case debugserver.BreakpointHitResponse:
		switch reason := response.Reason.Reason.(type) {
		case stepping.Runtime:
			return colorBreakpoint.Sprintf("Runtime error: %s", reason.Message)
		default:
			return colorBreakpoint.Sprintf("Stopped (%s)", reason)
		}

	default:
		return fmt.Sprintf("%#v", response)
	}
}

func printHelp() {
	colorHeader.Println("Commands")
	for _, c := range commands {
		fmt.Printf("  %-24s %s %s\n", c.usage, c.help, colorHiBlack.Sprint(strings.Join(c.names[1:], ", ")))
	}
	fmt.Printf("  %-24s %s\n", "help", "Show this help")
	fmt.Printf("  %-24s %s\n", "quit", "Disconnect")
}

// --- REPL ---

func historyFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".dmtrap_history"
	}
	return filepath.Join(homeDir, ".dmtrap_history")
}

func runClient(cmd *cobra.Command, args []string) error {
	addr := viper.GetString("debug.addr")
	if len(args) > 0 {
		addr = args[0]
	}
	if addr == "" {
		addr = debugserver.DefaultAddr
	}

	conn, err := net.DialTimeout("tcp", addr, clientTimeout)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	colorSuccess.Printf("Connected to %s. Type 'help' for available commands.\n", addr)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(input string) []string {
		var completions []string
		for _, c := range commands {
			for _, name := range c.names {
				if strings.HasPrefix(name, strings.ToLower(input)) {
					completions = append(completions, name)
				}
			}
		}
		return completions
	})

	historyFile := historyFilePath()
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyFile); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		decoder := debugserver.NewDecoder(conn)
		for {
			response, err := decoder.Response()
			if err != nil {
				if err != io.EOF {
					colorError.Printf("\nConnection lost: %v\n", err)
				} else {
					colorWarning.Println("\nServer closed the connection.")
				}
				return
			}
			fmt.Println(format(response))
		}
	}()

	encoder := debugserver.NewEncoder(conn)
	for {
		select {
		case <-gone:
			return nil
		default:
		}

		input, err := line.Prompt("(dmtrap) ")
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch strings.ToLower(input) {
		case "help", "h", "?":
			printHelp()
			continue
		case "quit", "q", "exit":
			return nil
		}

		request, err := parse(input)
		if err != nil {
			colorError.Println(err)
			continue
		}
		if request == nil {
			continue
		}
		if err := encoder.Request(request); err != nil {
			return fmt.Errorf("sending request: %w", err)
		}
	}
}
