package stepping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/host/hosttest"
)

type stop struct {
	ctx    host.Context
	reason Reason
}

// recorder records every stop and answers with scripted directives, then Continue
type recorder struct {
	stops      []stop
	directives []Directive
}

func (r *recorder) HandleBreakpoint(ctx host.Context, reason Reason) Directive {
	r.stops = append(r.stops, stop{ctx: ctx, reason: reason})
	if len(r.directives) == 0 {
		return Continue{}
	}
	directive := r.directives[0]
	r.directives = r.directives[1:]
	return directive
}

type fixture struct {
	rt      *hosttest.Runtime
	machine *Machine
	handler *recorder

	main, a, b, init host.Proc
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	rt := hosttest.New(hosttest.DefaultBuild)
	f := &fixture{rt: rt, handler: &recorder{}}
	f.main = rt.AddProcAsm("/proc/main", "DBGLINE 1\nEND")
	f.a = rt.AddProcAsm("/proc/a", "DBGLINE 10\nEND")
	f.b = rt.AddProcAsm("/proc/b", "DBGLINE 20\nEND")
	f.init = rt.AddProcAsm("/datum/(init)", "DBGLINE 30\nEND")
	f.machine = NewMachine(rt, rt.Accessor(), f.handler, nil)
	return f
}

// call pushes a new activation of proc on top of the active stack
func (f *fixture) call(proc host.Proc) host.Context {
	ctx := f.rt.NewContext(proc.ID, f.rt.Active, 0)
	f.rt.Active = ctx
	return ctx
}

// ret pops the active stack
func (f *fixture) ret() {
	parent, err := f.rt.Accessor().Parent(f.rt.Active)
	if err != nil {
		panic(err)
	}
	f.rt.Active = parent
}

// exec feeds one instruction of the active context to the machine
func (f *fixture) exec(op bytecode.Opcode) {
	f.machine.OnInstruction(f.rt.Active, op)
}

func (f *fixture) instance(t *testing.T, ctx host.Context) Instance {
	t.Helper()
	instance, err := f.machine.tagger.Peek(ctx)
	require.NoError(t, err)
	return instance
}

func TestMachineFreeRun(t *testing.T) {
	f := newFixture(t)
	f.call(f.main)

	for i := 0; i < 10; i++ {
		f.exec(bytecode.DBGLINE)
	}

	assert.Empty(t, f.handler.stops)
	assert.Equal(t, None{}, f.machine.Action())
}

func TestMachinePause(t *testing.T) {
	f := newFixture(t)
	ctx := f.call(f.main)

	f.machine.Pause()
	assert.Equal(t, Pause{}, f.machine.Action())

	f.exec(bytecode.PUSH)
	require.Len(t, f.handler.stops, 1)
	assert.Equal(t, ctx, f.handler.stops[0].ctx)
	assert.Equal(t, PauseReason{}, f.handler.stops[0].reason)
	assert.Equal(t, None{}, f.machine.Action())

	f.exec(bytecode.PUSH)
	assert.Len(t, f.handler.stops, 1)
}

func TestMachineBreakpointThenContinue(t *testing.T) {
	f := newFixture(t)
	ctx := f.call(f.main)

	f.machine.OnBreakpoint(ctx)
	require.Len(t, f.handler.stops, 1)
	assert.Equal(t, BreakpointReason{}, f.handler.stops[0].reason)
	assert.Equal(t, None{}, f.machine.Action())
}

func TestMachineStepOver(t *testing.T) {
	t.Run("does not stop in callees", func(t *testing.T) {
		f := newFixture(t)
		f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOverDirective{StackID: 0}}

		f.machine.OnBreakpoint(a)
		require.IsType(t, StepOver{}, f.machine.Action())
		assert.Equal(t, f.instance(t, a), f.machine.Action().(StepOver).Target)

		f.exec(bytecode.PUSH)
		f.exec(bytecode.CALL)

		// b runs a whole line while a is still alive below it
		f.call(f.b)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.RET)
		f.ret()
		assert.Len(t, f.handler.stops, 1)

		// back in a, next line
		f.exec(bytecode.POP)
		assert.Len(t, f.handler.stops, 1)
		f.exec(bytecode.DBGLINE)
		assert.Equal(t, BreakOnNext{}, f.machine.Action())
		f.exec(bytecode.PUSH)

		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, a, f.handler.stops[1].ctx)
		assert.Equal(t, StepReason{}, f.handler.stops[1].reason)
	})

	t.Run("does not stop in recursive activations", func(t *testing.T) {
		f := newFixture(t)
		outer := f.call(f.a)
		f.handler.directives = []Directive{StepOverDirective{StackID: 0}}
		f.machine.OnBreakpoint(outer)

		inner := f.call(f.a)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		assert.Len(t, f.handler.stops, 1)
		assert.NotEqual(t, f.instance(t, outer), f.instance(t, inner))

		f.ret()
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, outer, f.handler.stops[1].ctx)
	})

	t.Run("stops in the caller when the target returns", func(t *testing.T) {
		f := newFixture(t)
		main := f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOverDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.exec(bytecode.RET)
		f.ret()
		f.exec(bytecode.POP)

		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, main, f.handler.stops[1].ctx)
		assert.Equal(t, StepReason{}, f.handler.stops[1].reason)
	})

	t.Run("a suspended target is still alive", func(t *testing.T) {
		f := newFixture(t)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOverDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		// a sleeps, another stack runs
		f.rt.Suspend(a)
		f.rt.Active = host.NullContext
		f.call(f.b)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		assert.Len(t, f.handler.stops, 1)
	})
}

func TestMachineStepInto(t *testing.T) {
	t.Run("stops on the first line of a callee", func(t *testing.T) {
		f := newFixture(t)
		f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepIntoDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)
		assert.Equal(t, StepInto{Parent: f.instance(t, a)}, f.machine.Action())

		f.exec(bytecode.CALL)
		b := f.call(f.b)
		f.exec(bytecode.DBGLINE)
		assert.Equal(t, BreakOnNext{}, f.machine.Action())
		f.exec(bytecode.PUSH)

		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, b, f.handler.stops[1].ctx)
		assert.Equal(t, StepReason{}, f.handler.stops[1].reason)
	})

	t.Run("stops on the next line when nothing is called", func(t *testing.T) {
		f := newFixture(t)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepIntoDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.exec(bytecode.PUSH)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, a, f.handler.stops[1].ctx)
	})

	t.Run("skips synthetic procs", func(t *testing.T) {
		f := newFixture(t)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepIntoDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.call(f.init)
		f.exec(bytecode.DBGLINE)
		f.exec(bytecode.PUSH)
		f.ret()
		assert.Len(t, f.handler.stops, 1)
		assert.IsType(t, StepInto{}, f.machine.Action())
	})

	t.Run("stops when the parent is gone", func(t *testing.T) {
		f := newFixture(t)
		main := f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepIntoDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.ret()
		f.exec(bytecode.POP)
		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, main, f.handler.stops[1].ctx)
	})
}

func TestMachineStepOut(t *testing.T) {
	t.Run("stops back in the caller", func(t *testing.T) {
		f := newFixture(t)
		main := f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOutDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)
		assert.Equal(t, StepOut{Target: f.instance(t, main)}, f.machine.Action())

		f.exec(bytecode.DBGLINE)
		f.call(f.b)
		f.exec(bytecode.DBGLINE)
		f.ret()
		f.exec(bytecode.RET)
		assert.Len(t, f.handler.stops, 1)

		f.ret()
		f.exec(bytecode.POP)
		require.Len(t, f.handler.stops, 2)
		assert.Equal(t, main, f.handler.stops[1].ctx)
		assert.Equal(t, StepReason{}, f.handler.stops[1].reason)
	})

	t.Run("outermost frame runs to completion", func(t *testing.T) {
		f := newFixture(t)
		main := f.call(f.main)
		f.handler.directives = []Directive{StepOutDirective{StackID: 0}}
		f.machine.OnBreakpoint(main)
		assert.Equal(t, None{}, f.machine.Action())
	})

	t.Run("gives up when the caller is gone", func(t *testing.T) {
		f := newFixture(t)
		f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOutDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.rt.Active = host.NullContext
		f.call(f.b)
		f.exec(bytecode.PUSH)
		assert.Equal(t, None{}, f.machine.Action())
		assert.Len(t, f.handler.stops, 1)
	})

	t.Run("skips synthetic procs", func(t *testing.T) {
		f := newFixture(t)
		f.call(f.main)
		a := f.call(f.a)
		f.handler.directives = []Directive{StepOutDirective{StackID: 0}}
		f.machine.OnBreakpoint(a)

		f.rt.Active = host.NullContext
		f.call(f.init)
		f.exec(bytecode.PUSH)
		assert.IsType(t, StepOut{}, f.machine.Action())
	})
}

func TestMachineResolveStacks(t *testing.T) {
	f := newFixture(t)
	sleeping := f.call(f.a)
	f.rt.Suspend(sleeping)
	f.rt.Active = host.NullContext
	running := f.call(f.b)

	action, err := f.machine.Resolve(StepOverDirective{StackID: 1})
	require.NoError(t, err)
	assert.Equal(t, StepOver{Target: f.instance(t, sleeping)}, action)

	action, err = f.machine.Resolve(StepIntoDirective{StackID: 0})
	require.NoError(t, err)
	assert.Equal(t, StepInto{Parent: f.instance(t, running)}, action)

	_, err = f.machine.Resolve(StepOverDirective{StackID: 2})
	assert.ErrorIs(t, err, ErrUnknownStack)

	t.Run("unresolvable directives continue", func(t *testing.T) {
		f.handler.directives = []Directive{StepOverDirective{StackID: 7}}
		f.machine.OnBreakpoint(running)
		assert.Equal(t, None{}, f.machine.Action())
	})
}

func TestMachineRuntimeErrors(t *testing.T) {
	f := newFixture(t)
	ctx := f.call(f.a)

	f.machine.OnRuntimeError(ctx, "division by zero")
	require.Len(t, f.handler.stops, 1)
	assert.Equal(t, Runtime{Message: "division by zero"}, f.handler.stops[0].reason)

	t.Run("captured during evaluation", func(t *testing.T) {
		err := f.machine.Evaluate(func() {
			assert.True(t, f.machine.Evaluating())
			f.machine.OnRuntimeError(ctx, "bad index")
			f.machine.OnBreakpoint(ctx)
			f.machine.Pause()
			f.exec(bytecode.PUSH)
		})
		assert.ErrorIs(t, err, ErrEvaluation)
		assert.ErrorContains(t, err, "bad index")
		assert.Len(t, f.handler.stops, 1)
		assert.False(t, f.machine.Evaluating())
	})

	t.Run("clean evaluation", func(t *testing.T) {
		assert.NoError(t, f.machine.Evaluate(func() {}))
	})
}

func TestMachineReset(t *testing.T) {
	f := newFixture(t)
	f.machine.Pause()
	f.machine.Reset()
	assert.Equal(t, None{}, f.machine.Action())
}

func TestTagger(t *testing.T) {
	rt := hosttest.New(hosttest.DefaultBuild)
	proc := rt.AddProcAsm("/proc/a", "END")
	first := rt.NewContext(proc.ID, host.NullContext, 0)
	second := rt.NewContext(proc.ID, first, 0)
	tagger := NewTagger(rt.Accessor())

	peeked, err := tagger.Peek(first)
	require.NoError(t, err)
	assert.Equal(t, Instance{Proc: proc.ID}, peeked)

	one, err := tagger.Stamp(first)
	require.NoError(t, err)
	assert.Equal(t, Instance{Proc: proc.ID, Tag: 1}, one)

	again, err := tagger.Stamp(first)
	require.NoError(t, err)
	assert.Equal(t, one, again, "stamping is idempotent")

	two, err := tagger.Stamp(second)
	require.NoError(t, err)
	assert.NotEqual(t, one, two)

	t.Run("wraps skipping zero", func(t *testing.T) {
		tagger.next = 0xFFFF
		third := rt.NewContext(proc.ID, host.NullContext, 0)
		instance, err := tagger.Stamp(third)
		require.NoError(t, err)
		assert.Equal(t, uint16(1), instance.Tag)
	})

	t.Run("null context", func(t *testing.T) {
		_, err := tagger.Stamp(host.NullContext)
		assert.ErrorIs(t, err, host.ErrNullContext)
	})
}
