package hostsim

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
)

// Program describes a host to simulate: its build, its procs and the stacks it starts with.
//
//	build: 1584
//	procs:
//	  - path: /proc/main
//	    code: |
//	      DBGFILE "code/main.dm"
//	      DBGLINE 1
//	      CALL "/proc/helper" 0
//	      END
//	spawn:
//	  - proc: /proc/main
type Program struct {
	Build      uint32       `yaml:"build"`
	MemorySize uint32       `yaml:"memory_size,omitempty"`
	MaxSteps   int          `yaml:"max_steps,omitempty"`
	Procs      []ProcSource `yaml:"procs"`
	Spawn      []SpawnEntry `yaml:"spawn"`
}

// ProcSource is a proc written in assembly
type ProcSource struct {
	Path     string `yaml:"path"`
	Override uint32 `yaml:"override,omitempty"`
	Code     string `yaml:"code"`
}

// SpawnEntry is a stack queued when the program is loaded
type SpawnEntry struct {
	Proc string   `yaml:"proc"`
	Args []uint32 `yaml:"args,omitempty"`
}

// ParseProgram reads a YAML program
func ParseProgram(r io.Reader) (*Program, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	program := &Program{}
	if err := decoder.Decode(program); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty program")
		}
		return nil, fmt.Errorf("parsing program: %w", err)
	}

	if program.Build == 0 {
		program.Build = DefaultBuild
	}
	return program, nil
}

// LoadFile reads a YAML program file
func LoadFile(path string) (*Program, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	program, err := ParseProgram(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return program, nil
}

// Options returns the host options of the program
func (p *Program) Options() Options {
	return Options{Build: p.Build, MemorySize: p.MemorySize, MaxSteps: p.MaxSteps}
}

// Load creates the host of the program and an interpreter with the spawned stacks queued
func (p *Program) Load(log *slog.Logger) (*Interpreter, error) {
	h := New(p.Options(), log)

	// Declare everything first so procs can call procs defined after them
	for _, source := range p.Procs {
		if _, err := h.Declare(source.Path, source.Override); err != nil {
			return nil, err
		}
	}

	for _, source := range p.Procs {
		proc, err := h.FindProc(source.Path, source.Override)
		if err != nil {
			return nil, err
		}

		words, err := bytecode.Assemble(source.Code, h)
		if err != nil {
			return nil, fmt.Errorf("assembling %s: %w", source.Path, err)
		}
		if err := h.Define(proc.ID, words); err != nil {
			return nil, fmt.Errorf("loading %s: %w", source.Path, err)
		}
	}

	interpreter := NewInterpreter(h)
	for _, entry := range p.Spawn {
		if _, err := interpreter.Spawn(entry.Proc, entry.Args...); err != nil {
			return nil, fmt.Errorf("spawning %s: %w", entry.Proc, err)
		}
	}
	return interpreter, nil
}

// Marshal encodes the program back to YAML
func (p *Program) Marshal() ([]byte, error) {
	var buffer bytes.Buffer
	encoder := yaml.NewEncoder(&buffer)
	encoder.SetIndent(2)
	if err := encoder.Encode(p); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// ExampleProgram returns a small program exercising calls, loops, sleeping stacks and
// runtime errors
func ExampleProgram() *Program {
	return &Program{
		Build: DefaultBuild,
		Procs: []ProcSource{
			{
				Path: "/proc/main",
				Code: `DBGFILE "code/main.dm"
DBGLINE 1
PUSH 3
CALL "/proc/countdown" 1
POP
DBGLINE 2
PUSH 2
PUSH 40
CALL "/proc/add" 2
DBGLINE 3
RET
`,
			},
			{
				Path: "/proc/countdown",
				Code: `DBGFILE "code/countdown.dm"
DBGLINE 1
loop:
  DBGLINE 2
  PUSH 1
  SUB
  SLEEP
  DBGLINE 3
  DUP
  JZ @done
  JMP @loop
done:
DBGLINE 4
RET
`,
			},
			{
				Path: "/proc/add",
				Code: `DBGFILE "code/math.dm"
DBGLINE 10
ADD
RET
`,
			},
			{
				Path: "/proc/worker",
				Code: `DBGFILE "code/worker.dm"
DBGLINE 20
SLEEP
DBGLINE 21
CRASH "worker gave up"
`,
			},
		},
		Spawn: []SpawnEntry{{Proc: "/proc/main"}, {Proc: "/proc/worker"}},
	}
}
