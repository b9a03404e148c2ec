package stepping

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrUnknownStack = errors.New("unknown stack")
	ErrEvaluation   = errors.New("evaluation failed")
)

// syntheticSuffix marks compiler generated procs (global and object initializers)
// that stepping never stops in
const syntheticSuffix = "(init)"

// Machine is the stepping state machine. It is only used from the host thread.
type Machine struct {
	rt      host.Runtime
	acc     *host.Accessor
	tagger  *Tagger
	handler Handler
	log     *slog.Logger

	action Action

	evaluating int
	evalErrors []string
}

// NewMachine creates a machine that stops through handler. A nil handler always continues.
func NewMachine(rt host.Runtime, acc *host.Accessor, handler Handler, log *slog.Logger) *Machine {
	return &Machine{
		rt:      rt,
		acc:     acc,
		tagger:  NewTagger(acc),
		handler: handler,
		log:     logging.Component(logging.OrDiscard(log), "stepping"),
		action:  None{},
	}
}

// SetHandler replaces the breakpoint handler
func (m *Machine) SetHandler(handler Handler) {
	m.handler = handler
}

// Action returns the current stepping action
func (m *Machine) Action() Action {
	return m.action
}

// Pause makes the host stop on the next instruction it executes
func (m *Machine) Pause() {
	m.action = Pause{}
}

// Reset drops any stepping in progress
func (m *Machine) Reset() {
	m.action = None{}
	m.tagger.Reset()
	m.evaluating = 0
	m.evalErrors = nil
}

// Evaluating reports whether an evaluation is running
func (m *Machine) Evaluating() bool {
	return m.evaluating > 0
}

// OnInstruction advances the machine before the host executes op in ctx
func (m *Machine) OnInstruction(ctx host.Context, op bytecode.Opcode) {
	if m.evaluating > 0 {
		return
	}

	switch action := m.action.(type) {
	case None:
		return

	case Pause:
		m.stop(ctx, PauseReason{})

	case BreakOnNext:
		m.stop(ctx, StepReason{})

	case StepOver:
		if op == bytecode.DBGLINE && m.inside(ctx, action.Target) {
			m.action = BreakOnNext{}
		} else if !m.alive(action.Target) {
			m.stop(ctx, StepReason{})
		}

	case StepInto:
		if m.synthetic(ctx) {
			return
		}

		if m.inside(ctx, action.Parent) {
			if op == bytecode.DBGLINE {
				m.action = BreakOnNext{}
			}
		} else if !m.alive(action.Parent) {
			m.stop(ctx, StepReason{})
		} else if op == bytecode.DBGLINE {
			m.action = BreakOnNext{}
		}

	case StepOut:
		if m.synthetic(ctx) {
			return
		}

		if m.inside(ctx, action.Target) {
			m.stop(ctx, StepReason{})
		} else if !m.alive(action.Target) {
			m.action = None{}
		}
	}
}

// OnBreakpoint stops the host because a trap fired in ctx
func (m *Machine) OnBreakpoint(ctx host.Context) {
	if m.evaluating > 0 {
		m.log.Debug("breakpoint ignored during evaluation", slog.Any("context", ctx))
		return
	}
	m.stop(ctx, BreakpointReason{})
}

// OnRuntimeError stops the host on a runtime error. During an evaluation the error is
// captured and reported by Evaluate instead.
func (m *Machine) OnRuntimeError(ctx host.Context, message string) {
	if m.evaluating > 0 {
		m.evalErrors = append(m.evalErrors, message)
		return
	}
	m.stop(ctx, Runtime{Message: message})
}

// Evaluate runs fn in evaluation mode: it never stops for stepping, breakpoints or
// runtime errors, and the runtime errors raised while it runs are returned.
func (m *Machine) Evaluate(fn func()) error {
	saved := m.evalErrors
	m.evalErrors = nil
	m.evaluating++

	defer func() {
		m.evaluating--
		m.evalErrors = saved
	}()

	fn()

	if len(m.evalErrors) > 0 {
		return utils.MakeError(ErrEvaluation, "%s", strings.Join(m.evalErrors, "; "))
	}
	return nil
}

func (m *Machine) stop(ctx host.Context, reason Reason) {
	// Whatever happens next is decided by the handler
	m.action = None{}
	if m.handler == nil {
		return
	}

	m.log.Debug("stopping", slog.Any("context", ctx), slog.String("reason", reason.String()))
	directive := m.handler.HandleBreakpoint(ctx, reason)

	action, err := m.Resolve(directive)
	if err != nil {
		m.log.Warn("cannot resolve directive, continuing", slog.Any("error", err))
		action = None{}
	}
	m.action = action
	m.log.Debug("resumed", slog.String("action", action.String()))
}

// Resolve turns a directive into the action that will carry it out
func (m *Machine) Resolve(directive Directive) (Action, error) {
	switch directive := directive.(type) {
	case nil, Continue:
		return None{}, nil

	case StepOverDirective:
		instance, err := m.stackInstance(directive.StackID)
		if err != nil {
			return None{}, err
		}
		return StepOver{Target: instance}, nil

	case StepIntoDirective:
		instance, err := m.stackInstance(directive.StackID)
		if err != nil {
			return None{}, err
		}
		return StepInto{Parent: instance}, nil

	case StepOutDirective:
		top, err := m.StackTop(directive.StackID)
		if err != nil {
			return None{}, err
		}
		parent, err := m.acc.Parent(top)
		if err != nil {
			return None{}, err
		}
		if parent.IsNull() {
			// Stepping out of the outermost frame is running to completion
			return None{}, nil
		}
		instance, err := m.tagger.Stamp(parent)
		if err != nil {
			return None{}, err
		}
		return StepOut{Target: instance}, nil
	}

	return None{}, fmt.Errorf("unknown directive %T", directive)
}

// StackTop returns the innermost context of a stack: 0 is the active stack and n the
// n-th suspended one
func (m *Machine) StackTop(id uint32) (host.Context, error) {
	if id == 0 {
		ctx := m.rt.ActiveContext()
		if ctx.IsNull() {
			return ctx, utils.MakeError(ErrUnknownStack, "no active stack")
		}
		return ctx, nil
	}

	ctx, ok := m.rt.Suspended().At(int(id) - 1)
	if !ok || ctx.IsNull() {
		return host.NullContext, utils.MakeError(ErrUnknownStack, "stack %d", id)
	}
	return ctx, nil
}

func (m *Machine) stackInstance(id uint32) (Instance, error) {
	top, err := m.StackTop(id)
	if err != nil {
		return Instance{}, err
	}
	return m.tagger.Stamp(top)
}

func (m *Machine) inside(ctx host.Context, instance Instance) bool {
	current, err := m.tagger.Peek(ctx)
	if err != nil {
		return false
	}
	return current == instance
}

// alive reports whether instance is in the active call chain or in a suspended one
func (m *Machine) alive(instance Instance) bool {
	if m.chainContains(m.rt.ActiveContext(), instance) {
		return true
	}

	found := false
	m.rt.Suspended().Each(func(_ int, top host.Context) bool {
		found = m.chainContains(top, instance)
		return !found
	})
	return found
}

func (m *Machine) chainContains(top host.Context, instance Instance) bool {
	if top.IsNull() {
		return false
	}

	chain, err := m.acc.Chain(top)
	if err != nil {
		m.log.Debug("walking call chain", slog.Any("error", err))
	}
	for _, ctx := range chain {
		if m.inside(ctx, instance) {
			return true
		}
	}
	return false
}

func (m *Machine) synthetic(ctx host.Context) bool {
	id, err := m.acc.Proc(ctx)
	if err != nil {
		return false
	}
	proc, err := m.rt.Proc(id)
	if err != nil {
		return false
	}
	return strings.HasSuffix(proc.Path, syntheticSuffix)
}
