// Package stepping decides, instruction by instruction, when the host must stop for the debugger.
//
// The machine holds a single process-wide Action advanced once per intercepted
// instruction. When it decides to stop, it calls the Handler, which blocks the host
// thread until the user picks a Directive; the directive becomes the next Action.
package stepping

import (
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/host"
)

// Instance identifies one activation of a proc. Two activations of the same proc
// (recursion, re-entrant calls, reused records) differ by their tag.
type Instance struct {
	Proc host.ProcID
	Tag  uint16
}

func (i Instance) String() string {
	return fmt.Sprintf("proc %d #%d", i.Proc, i.Tag)
}

// Action is the stepping state
type Action interface {
	isAction()
	String() string
}

// None lets the host run freely
type None struct{}

// Pause stops on the very next instruction, wherever it is
type Pause struct{}

// BreakOnNext stops on the next instruction, reporting a completed step
type BreakOnNext struct{}

// StepOver stops on the next line of Target, without stopping in its callees
type StepOver struct {
	Target Instance
}

// StepInto stops on the next line, in Parent or in anything it calls
type StepInto struct {
	Parent Instance
}

// StepOut stops when execution is back in Target, the caller of the frame being left
type StepOut struct {
	Target Instance
}

func (None) isAction()        {}
func (Pause) isAction()       {}
func (BreakOnNext) isAction() {}
func (StepOver) isAction()    {}
func (StepInto) isAction()    {}
func (StepOut) isAction()     {}

func (None) String() string        { return "none" }
func (Pause) String() string       { return "pause" }
func (BreakOnNext) String() string { return "break_on_next" }
func (a StepOver) String() string  { return fmt.Sprintf("step_over(%v)", a.Target) }
func (a StepInto) String() string  { return fmt.Sprintf("step_into(%v)", a.Parent) }
func (a StepOut) String() string   { return fmt.Sprintf("step_out(%v)", a.Target) }

// Reason tells the handler why the host stopped
type Reason interface {
	isReason()
	String() string
}

// Runtime is a host runtime error or an instrumentation fault
type Runtime struct {
	Message string
}

// PauseReason is a stop asked for by the user
type PauseReason struct{}

// StepReason is the end of a step
type StepReason struct{}

// BreakpointReason is a trap firing
type BreakpointReason struct{}

func (Runtime) isReason()          {}
func (PauseReason) isReason()      {}
func (StepReason) isReason()       {}
func (BreakpointReason) isReason() {}

func (r Runtime) String() string        { return fmt.Sprintf("runtime(%s)", r.Message) }
func (PauseReason) String() string      { return "pause" }
func (StepReason) String() string       { return "step" }
func (BreakpointReason) String() string { return "breakpoint" }

// Directive is what the user decided while the host was stopped.
// Stack ids are 0 for the active stack and n for the n-th suspended stack.
type Directive interface {
	isDirective()
}

// Continue resumes free execution
type Continue struct{}

// StepOverDirective steps over the current line of a stack's innermost frame
type StepOverDirective struct {
	StackID uint32
}

// StepIntoDirective steps into the next line executed by a stack's innermost frame or its callees
type StepIntoDirective struct {
	StackID uint32
}

// StepOutDirective runs until a stack's innermost frame returns to its caller
type StepOutDirective struct {
	StackID uint32
}

func (Continue) isDirective()          {}
func (StepOverDirective) isDirective() {}
func (StepIntoDirective) isDirective() {}
func (StepOutDirective) isDirective()  {}

// Handler is called when the host must stop. It blocks the host thread until a
// decision is made and returns it.
type Handler interface {
	HandleBreakpoint(ctx host.Context, reason Reason) Directive
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx host.Context, reason Reason) Directive

func (f HandlerFunc) HandleBreakpoint(ctx host.Context, reason Reason) Directive {
	return f(ctx, reason)
}
