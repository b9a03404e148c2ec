package hostsim

import (
	"fmt"
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/hook"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Stack is a call stack started by Spawn or Call
type Stack struct {
	Proc string
	// Done is set when the outermost proc returns
	Done bool
	// Result is the value returned by the outermost proc
	Result uint32
}

// StepResult describes an executed instruction
type StepResult struct {
	Context     host.Context
	Proc        host.ProcID
	Instruction bytecode.Instruction
}

// Interpreter executes the procs of a host. It implements hook.Detourer and
// hook.ErrorDetourer for the host's dispatch and runtime error routines.
type Interpreter struct {
	host *Host
	log  *slog.Logger

	dispatch     hook.Replacement
	runtimeError hook.ErrorReplacement

	steps uint64
}

// NewInterpreter creates an interpreter for a host
func NewInterpreter(h *Host) *Interpreter {
	return &Interpreter{host: h, log: h.log}
}

// Host returns the interpreted host
func (i *Interpreter) Host() *Host {
	return i.host
}

// Steps returns the number of instructions executed so far
func (i *Interpreter) Steps() uint64 {
	return i.steps
}

// --- Detours ---

type detour struct {
	remove func()
}

func (d detour) Remove() error {
	d.remove()
	return nil
}

// Detour redirects the dispatch routine
func (i *Interpreter) Detour(target uint32, replacement hook.Replacement) (hook.Detour, error) {
	if target != i.host.dispatchAddr || i.host.dispatchAddr == 0 {
		return nil, utils.MakeError(ErrNotRoutine, "0x%08X", target)
	}
	if i.dispatch != nil {
		return nil, utils.MakeError(ErrAlreadyHooked, "0x%08X", target)
	}

	i.dispatch = replacement
	return detour{remove: func() { i.dispatch = nil }}, nil
}

// DetourError redirects the runtime error routine
func (i *Interpreter) DetourError(target uint32, replacement hook.ErrorReplacement) (hook.Detour, error) {
	if target != i.host.runtimeErrAddr {
		return nil, utils.MakeError(ErrNotRoutine, "0x%08X", target)
	}
	if i.runtimeError != nil {
		return nil, utils.MakeError(ErrAlreadyHooked, "0x%08X", target)
	}

	i.runtimeError = replacement
	return detour{remove: func() { i.runtimeError = nil }}, nil
}

// --- Stacks ---

// Spawn creates a new call stack running a proc and queues it in the suspension ring
func (i *Interpreter) Spawn(path string, args ...uint32) (*Stack, error) {
	ctx, stack, err := i.start(path, args)
	if err != nil {
		return nil, err
	}
	if err := i.host.suspend(ctx); err != nil {
		i.host.releaseContext(ctx)
		return nil, err
	}
	return stack, nil
}

func (i *Interpreter) start(path string, args []uint32) (host.Context, *Stack, error) {
	proc, err := i.host.FindProc(path, 0)
	if err != nil {
		return host.NullContext, nil, err
	}

	stack := &Stack{Proc: path}
	ctx, err := i.enter(proc, host.NullContext, args)
	if err != nil {
		return host.NullContext, nil, err
	}
	i.host.frames[ctx].stack = stack
	return ctx, stack, nil
}

// enter creates the activation of a call
func (i *Interpreter) enter(proc host.Proc, parent host.Context, args []uint32) (host.Context, error) {
	if proc.Bytecode.Len == 0 {
		return host.NullContext, utils.MakeError(ErrUndefined, "%v", proc)
	}

	ctx, err := i.host.newContext()
	if err != nil {
		return host.NullContext, err
	}

	err = i.host.acc.Write(host.Frame{
		Context:  ctx,
		Proc:     proc.ID,
		Parent:   parent,
		Bytecode: proc.Bytecode.Base,
	})
	if err != nil {
		return host.NullContext, err
	}

	i.host.frames[ctx] = &frameState{values: append([]uint32(nil), args...)}
	return ctx, nil
}

// leave ends the active activation, handing value to its caller
func (i *Interpreter) leave(ctx host.Context, value uint32) error {
	parent, err := i.host.acc.Parent(ctx)
	if err != nil {
		return err
	}

	state := i.host.frames[ctx]
	i.host.releaseContext(ctx)

	if parent.IsNull() {
		if state != nil && state.stack != nil {
			state.stack.Done = true
			state.stack.Result = value
			i.log.Debug("stack finished", slog.String("proc", state.stack.Proc), slog.Uint64("result", uint64(value)))
		}
		i.host.active = host.NullContext
		return nil
	}

	if callerState := i.host.frames[parent]; callerState != nil {
		callerState.values = append(callerState.values, value)
	}
	i.host.active = parent
	return nil
}

// --- Execution ---

// Run executes the queued stacks until all of them finish
func (i *Interpreter) Run() error {
	return i.run(func() bool { return false })
}

// RunN executes at most n instructions
func (i *Interpreter) RunN(n int) error {
	executed := 0
	return i.run(func() bool {
		executed++
		return executed > n
	})
}

func (i *Interpreter) run(stop func() bool) error {
	limit := i.steps + uint64(i.host.options.MaxSteps)
	for {
		if i.host.active.IsNull() {
			next, ok := i.host.resume()
			if !ok {
				return nil
			}
			i.host.active = next
		}

		if stop() {
			return nil
		}
		if i.steps >= limit {
			return utils.MakeError(ErrStepLimit, "%d instructions", i.host.options.MaxSteps)
		}

		if _, err := i.Step(); err != nil {
			return err
		}
	}
}

// Call runs a proc to completion on a new stack, right now, and returns its result.
// The stack that was running is restored afterwards. Procs that sleep during a call
// raise a runtime error.
func (i *Interpreter) Call(path string, args ...uint32) (uint32, error) {
	ctx, stack, err := i.start(path, args)
	if err != nil {
		return 0, err
	}

	saved := i.host.active
	i.host.active = ctx
	defer func() { i.host.active = saved }()

	limit := i.steps + uint64(i.host.options.MaxSteps)
	for !stack.Done {
		if i.steps >= limit {
			return 0, utils.MakeError(ErrStepLimit, "calling %s", path)
		}
		if _, err := i.step(true); err != nil {
			return 0, err
		}
	}
	return stack.Result, nil
}

// Step executes one instruction of the active stack
func (i *Interpreter) Step() (*StepResult, error) {
	return i.step(false)
}

func (i *Interpreter) step(synchronous bool) (*StepResult, error) {
	ctx := i.host.active
	if ctx.IsNull() {
		return nil, fmt.Errorf("no active stack")
	}

	if i.dispatch != nil {
		ctx = i.dispatch(ctx)
		i.host.active = ctx
	}
	i.steps++

	frame, err := i.host.acc.Read(ctx)
	if err != nil {
		return nil, err
	}
	proc, err := i.host.Proc(frame.Proc)
	if err != nil {
		return nil, err
	}

	instruction, err := i.fetch(proc, frame.Offset)
	if err != nil {
		// Corrupted or unknown bytecode is a runtime error of the proc, not of the host
		return i.abort(ctx, frame, proc, err.Error())
	}

	result := &StepResult{Context: ctx, Proc: proc.ID, Instruction: instruction}
	return result, i.execute(ctx, frame, proc, instruction, synchronous)
}

func (i *Interpreter) fetch(proc host.Proc, offset uint32) (bytecode.Instruction, error) {
	if !proc.Bytecode.Contains(offset) {
		return bytecode.Instruction{}, fmt.Errorf("offset %d past the end of %v", offset, proc)
	}

	word, err := i.host.mem.Read32(proc.Bytecode.Addr(offset))
	if err != nil {
		return bytecode.Instruction{}, err
	}
	desc, err := bytecode.Describe(bytecode.Opcode(word))
	if err != nil {
		return bytecode.Instruction{}, err
	}

	words, err := host.ReadWords(i.host.mem, proc.Bytecode.Addr(offset), uint32(desc.Size()))
	if err != nil {
		return bytecode.Instruction{}, err
	}
	instructions, err := bytecode.Decode(words)
	if err != nil {
		return bytecode.Instruction{}, err
	}

	instruction := instructions[0]
	instruction.Start += offset
	instruction.End += offset
	return instruction, nil
}

func (i *Interpreter) pop(ctx host.Context) (uint32, bool) {
	state := i.host.frames[ctx]
	if state == nil || len(state.values) == 0 {
		return 0, false
	}
	value := state.values[len(state.values)-1]
	state.values = state.values[:len(state.values)-1]
	return value, true
}

func (i *Interpreter) push(ctx host.Context, value uint32) {
	if state := i.host.frames[ctx]; state != nil {
		state.values = append(state.values, value)
	}
}

func (i *Interpreter) execute(ctx host.Context, frame host.Frame, proc host.Proc, instruction bytecode.Instruction, synchronous bool) error {
	acc := i.host.acc
	next := instruction.End

	switch instruction.Op {
	case bytecode.NOP:

	case bytecode.DBGFILE:
		if err := acc.SetFile(ctx, instruction.Operand(0)); err != nil {
			return err
		}

	case bytecode.DBGLINE:
		if err := acc.SetLine(ctx, instruction.Operand(0)); err != nil {
			return err
		}

	case bytecode.PUSH:
		i.push(ctx, instruction.Operand(0))

	case bytecode.DUP:
		value, ok := i.pop(ctx)
		if !ok {
			_, err := i.abort(ctx, frame, proc, "stack underflow")
			return err
		}
		i.push(ctx, value)
		i.push(ctx, value)

	case bytecode.POP:
		if _, ok := i.pop(ctx); !ok {
			_, err := i.abort(ctx, frame, proc, "stack underflow")
			return err
		}

	case bytecode.ADD, bytecode.SUB:
		b, okB := i.pop(ctx)
		a, okA := i.pop(ctx)
		if !okA || !okB {
			_, err := i.abort(ctx, frame, proc, "stack underflow")
			return err
		}
		if instruction.Op == bytecode.ADD {
			i.push(ctx, a+b)
		} else {
			i.push(ctx, a-b)
		}

	case bytecode.JMP:
		next = instruction.Operand(0)

	case bytecode.JZ:
		value, ok := i.pop(ctx)
		if !ok {
			_, err := i.abort(ctx, frame, proc, "stack underflow")
			return err
		}
		if value == 0 {
			next = instruction.Operand(0)
		}

	case bytecode.CALL:
		callee, err := i.host.Proc(host.ProcID(instruction.Operand(0)))
		if err != nil {
			_, err := i.abort(ctx, frame, proc, err.Error())
			return err
		}

		argc := int(instruction.Operand(1))
		args := make([]uint32, argc)
		for n := argc - 1; n >= 0; n-- {
			value, ok := i.pop(ctx)
			if !ok {
				_, err := i.abort(ctx, frame, proc, "stack underflow")
				return err
			}
			args[n] = value
		}

		if err := acc.SetOffset(ctx, next); err != nil {
			return err
		}
		calleeCtx, err := i.enter(callee, ctx, args)
		if err != nil {
			_, err := i.abort(ctx, frame, proc, err.Error())
			return err
		}
		i.host.active = calleeCtx
		return nil

	case bytecode.RET:
		value, _ := i.pop(ctx)
		return i.leave(ctx, value)

	case bytecode.END:
		return i.leave(ctx, 0)

	case bytecode.SLEEP:
		if synchronous {
			_, err := i.abort(ctx, frame, proc, "cannot sleep during a synchronous call")
			return err
		}
		if err := acc.SetOffset(ctx, next); err != nil {
			return err
		}
		// The whole stack sleeps, from its innermost context
		if err := i.host.suspend(ctx); err != nil {
			return err
		}
		i.host.active = host.NullContext
		return nil

	case bytecode.CRASH:
		message, err := i.host.String(instruction.Operand(0))
		if err != nil {
			message = fmt.Sprintf("crash (message %d)", instruction.Operand(0))
		}
		_, err = i.abort(ctx, frame, proc, message)
		return err

	default:
		_, err := i.abort(ctx, frame, proc, fmt.Sprintf("invalid opcode %v", instruction.Op))
		return err
	}

	return acc.SetOffset(ctx, next)
}

// abort raises a runtime error in ctx and ends the proc, returning 0 to its caller
func (i *Interpreter) abort(ctx host.Context, frame host.Frame, proc host.Proc, message string) (*StepResult, error) {
	i.host.errors = append(i.host.errors, RuntimeError{Proc: proc.Path, Offset: frame.Offset, Message: message})
	i.log.Warn("runtime error", slog.String("proc", proc.Path), slog.Uint64("offset", uint64(frame.Offset)), slog.String("message", message))

	if i.runtimeError != nil {
		i.runtimeError(ctx, i.host.Intern(message))
	}

	return nil, i.leave(ctx, 0)
}

var (
	_ hook.Detourer      = (*Interpreter)(nil)
	_ hook.ErrorDetourer = (*Interpreter)(nil)
)
