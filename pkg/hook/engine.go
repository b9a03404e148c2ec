// Package hook intercepts every bytecode instruction the host executes.
//
// The engine locates the host's private per-instruction dispatch routine by signature
// and asks a Detourer to redirect it. From then on, right before every instruction fetch
// of every call stack, the detour hands the current execution context to the engine,
// which runs the registered handlers in registration order and gives the context back
// to the host.
package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/atomic"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrSignatureNotFound = errors.New("dispatch routine not found")
	ErrDetourFailed      = errors.New("failed to install dispatch detour")
	ErrAlreadyInstalled  = errors.New("dispatch hook already installed")
)

// Replacement is the function a detour jumps to. It receives the execution context the
// host is about to fetch an instruction for, and returns the context the host must
// continue with (left in the host's return register by the trampoline).
type Replacement func(ctx host.Context) host.Context

// Detour is an installed inline detour
type Detour interface {
	Remove() error
}

// Detourer installs inline detours on host code. The trampoline preserving the host's
// register calling convention lives on the other side of this interface.
type Detourer interface {
	Detour(target uint32, replacement Replacement) (Detour, error)
}

// Handler is called before every instruction fetch
type Handler func(ctx host.Context)

// FaultHandler receives handler panics, so they can be reported like host runtime errors
type FaultHandler func(ctx host.Context, message string)

// Stats are counters of the engine activity
type Stats struct {
	Dispatched uint64
	Faults     uint64
}

// Registration is a registered handler
type Registration struct {
	name    string
	handler Handler
	engine  *Engine
	active  bool
}

// Name returns the name the handler was registered with
func (r *Registration) Name() string {
	return r.name
}

// Unregister stops the handler from being called. Safe to call more than once,
// including from inside a handler.
func (r *Registration) Unregister() {
	r.engine.unregister(r)
}

// Only one dispatch detour may exist per process
var installed atomic.Bool

// Engine is the installed dispatch interception
type Engine struct {
	log     *slog.Logger
	address uint32
	detour  Detour

	mu       sync.Mutex
	handlers []*Registration
	prologue func()
	onFault  FaultHandler
	inFault  bool

	dispatched atomic.Uint64
	faults     atomic.Uint64
}

// Install locates the dispatch routine in the host image and detours it.
// It fails without installing anything if the routine cannot be found, which means the
// host build is not supported.
func Install(image sigscan.Image, detourer Detourer, log *slog.Logger) (*Engine, error) {
	if !installed.CAS(false, true) {
		return nil, ErrAlreadyInstalled
	}

	engine := &Engine{log: logging.Component(log, "hook")}

	address, err := image.LocateAny("dispatch", sigscan.Dispatch)
	if err != nil {
		installed.Store(false)
		return nil, utils.MakeError(ErrSignatureNotFound, "unsupported host build: %v", err)
	}

	detour, err := detourer.Detour(address, engine.dispatch)
	if err != nil {
		installed.Store(false)
		return nil, utils.MakeError(ErrDetourFailed, "at 0x%08X: %v", address, err)
	}

	engine.address = address
	engine.detour = detour
	engine.log.Info("dispatch hook installed", "address", utils.FormatUintHex(uint64(address), 8))
	return engine, nil
}

// Address returns the address of the detoured dispatch routine
func (e *Engine) Address() uint32 {
	return e.address
}

// Register adds a handler called before every instruction, after all handlers registered before it
func (e *Engine) Register(name string, handler Handler) *Registration {
	registration := &Registration{name: name, handler: handler, engine: e, active: true}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Copy on write: a dispatch in progress keeps iterating its own snapshot
	handlers := make([]*Registration, 0, len(e.handlers)+1)
	handlers = append(handlers, e.handlers...)
	e.handlers = append(handlers, registration)

	e.log.Debug("handler registered", "handler", name)
	return registration
}

func (e *Engine) unregister(registration *Registration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !registration.active {
		return
	}
	registration.active = false
	e.handlers = utils.Filter(e.handlers, func(r *Registration) bool { return r != registration })
	e.log.Debug("handler unregistered", "handler", registration.name)
}

// Handlers returns the names of the registered handlers, in call order
func (e *Engine) Handlers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return utils.Map(e.handlers, (*Registration).Name)
}

// SetPrologue sets a function run at the start of every dispatch, before any handler
func (e *Engine) SetPrologue(prologue func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prologue = prologue
}

// OnFault sets the function receiving handler panics
func (e *Engine) OnFault(handler FaultHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFault = handler
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats {
	return Stats{
		Dispatched: e.dispatched.Load(),
		Faults:     e.faults.Load(),
	}
}

// Uninstall removes the detour. The engine cannot be used afterwards.
func (e *Engine) Uninstall() error {
	e.mu.Lock()
	for _, registration := range e.handlers {
		registration.active = false
	}
	e.handlers = nil
	e.prologue = nil
	e.onFault = nil
	detour := e.detour
	e.detour = nil
	e.mu.Unlock()

	if detour == nil {
		return nil
	}

	defer installed.Store(false)
	if err := detour.Remove(); err != nil {
		return fmt.Errorf("removing dispatch detour: %w", err)
	}
	e.log.Info("dispatch hook removed")
	return nil
}

// dispatch is the detour replacement
func (e *Engine) dispatch(ctx host.Context) host.Context {
	e.dispatched.Inc()

	e.mu.Lock()
	prologue := e.prologue
	handlers := e.handlers
	e.mu.Unlock()

	if prologue != nil {
		e.guard("prologue", ctx, func(host.Context) { prologue() })
	}

	for _, registration := range handlers {
		if !registration.active {
			continue
		}
		e.guard(registration.name, ctx, registration.handler)
	}

	return ctx
}

// guard runs a handler behind a fault boundary. A panic escaping into the host
// would take the whole process down, so it is logged, reported and swallowed,
// and the remaining handlers still run.
func (e *Engine) guard(name string, ctx host.Context, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			e.faults.Inc()
			message := fmt.Sprint(r)
			e.log.Error("instruction handler panicked", "handler", name, "ctx", ctx, "panic", message)
			e.reportFault(ctx, name, message)
		}
	}()

	handler(ctx)
}

func (e *Engine) reportFault(ctx host.Context, name string, message string) {
	e.mu.Lock()
	onFault := e.onFault
	nested := e.inFault
	e.mu.Unlock()

	if onFault == nil || nested {
		return
	}

	e.setInFault(true)
	defer func() {
		e.setInFault(false)
		if r := recover(); r != nil {
			e.log.Error("fault handler panicked", "handler", name, "panic", fmt.Sprint(r))
		}
	}()

	onFault(ctx, fmt.Sprintf("%s: %s", name, message))
}

func (e *Engine) setInFault(value bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFault = value
}
