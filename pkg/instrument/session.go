// Package instrument owns everything dmtrap installs in a host process.
//
// A Session wires the dispatch hook to its consumers: the coverage recorder and the
// debugger, which drives the breakpoint manager, the stepping machine and the debug
// server. All of it is torn down together by Shutdown.
package instrument

import (
	"errors"
	"fmt"
	"log/slog"

	"go.uber.org/atomic"

	"github.com/Manu343726/dmtrap/pkg/breakpoint"
	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/coverage"
	"github.com/Manu343726/dmtrap/pkg/debugserver"
	"github.com/Manu343726/dmtrap/pkg/hook"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/stepping"
)

var ErrShutdown = errors.New("session already shut down")

// Consumer names, in the order they run on every instruction
const (
	CoverageConsumer = "coverage"
	DebuggerConsumer = "debugger"
)

// Options configures a session
type Options struct {
	// Image is the host module the hooked routines are located in
	Image sigscan.Image
	// Detourer redirects the dispatch routine
	Detourer hook.Detourer
	// ErrorDetourer redirects the runtime error reporter. Runtime errors are not
	// reported to the stepping machine without it.
	ErrorDetourer hook.ErrorDetourer
	// DebugAddr is the address the debug server listens on. Empty disables the server.
	DebugAddr string
	// SeedCoverage seeds new coverage sessions with every hittable line of the host,
	// so that lines never executed show up in the reports
	SeedCoverage bool
}

// Session is the instrumentation of one host
type Session struct {
	rt  host.Runtime
	acc *host.Accessor
	log *slog.Logger

	engine      *hook.Engine
	errorHook   *hook.ErrorHook
	breakpoints *breakpoint.Manager
	stepper     *stepping.Machine
	server      *debugserver.Server
	coverage    *coverage.Registry

	consumers []*hook.Registration
	shutdown  atomic.Bool
}

// Start instruments a host. Nothing is left installed if it fails.
func Start(rt host.Runtime, options Options, log *slog.Logger) (*Session, error) {
	log = logging.Component(logging.OrDiscard(log), "instrument")

	acc, err := host.AccessorFor(rt)
	if err != nil {
		return nil, err
	}

	engine, err := hook.Install(options.Image, options.Detourer, log)
	if err != nil {
		return nil, err
	}

	s := &Session{
		rt:          rt,
		acc:         acc,
		log:         log,
		engine:      engine,
		breakpoints: breakpoint.NewManager(rt, acc, log),
	}
	s.stepper = stepping.NewMachine(rt, acc, nil, log)
	engine.SetPrologue(s.breakpoints.ApplyDeferred)
	engine.OnFault(s.stepper.OnRuntimeError)

	if options.ErrorDetourer != nil {
		s.errorHook, err = hook.InstallErrorHook(options.Image, options.ErrorDetourer, rt, s.stepper.OnRuntimeError, log)
		if err != nil {
			s.teardown()
			return nil, err
		}
	}

	var index *coverage.Index
	if options.SeedCoverage {
		index = coverage.BuildIndex(rt, s.breakpoints.Original, log)
	}
	s.coverage = coverage.NewRegistry(rt, index, log)

	if options.DebugAddr != "" {
		s.server = debugserver.NewServer(rt, acc, s.breakpoints, s.stepper, log)
		if err := s.server.Listen(options.DebugAddr); err != nil {
			s.server = nil
			s.teardown()
			return nil, err
		}
		s.stepper.SetHandler(s.server)
	}

	s.consumers = []*hook.Registration{
		engine.Register(CoverageConsumer, s.recordCoverage),
		engine.Register(DebuggerConsumer, s.debug),
	}

	log.Info("host instrumented", slog.Uint64("build", uint64(rt.Build())), slog.Bool("debug server", s.server != nil))
	return s, nil
}

// --- Consumers ---

// opcode returns the instruction ctx is about to execute, looking through traps
func (s *Session) opcode(ctx host.Context) (host.Frame, bytecode.Opcode, error) {
	frame, err := s.acc.Read(ctx)
	if err != nil {
		return frame, 0, err
	}
	word, err := s.breakpoints.Peek(frame.Bytecode + 4*frame.Offset)
	return frame, bytecode.Opcode(word), err
}

func (s *Session) recordCoverage(ctx host.Context) {
	if !s.coverage.Active() {
		return
	}

	frame, op, err := s.opcode(ctx)
	if err != nil || op != bytecode.DBGLINE {
		return
	}
	line, err := s.breakpoints.Peek(frame.Bytecode + 4*(frame.Offset+1))
	if err != nil {
		return
	}
	s.coverage.Record(frame.Proc, frame.File, line)
}

func (s *Session) debug(ctx host.Context) {
	if s.server != nil {
		s.server.ProcessPending()
	}

	hit, err := s.breakpoints.Intercept(ctx)
	if err != nil {
		s.log.Error("breakpoint interception failed", slog.Any("context", ctx), slog.Any("error", err))
	}
	if hit {
		s.stepper.OnBreakpoint(ctx)
	} else {
		_, op, err := s.opcode(ctx)
		if err != nil {
			s.log.Debug("cannot read instruction", slog.Any("context", ctx), slog.Any("error", err))
			return
		}
		s.stepper.OnInstruction(ctx, op)
	}

	// The handler may have planted a trap on the instruction about to run
	if _, err := s.breakpoints.Settle(ctx); err != nil {
		s.log.Error("settling current instruction failed", slog.Any("context", ctx), slog.Any("error", err))
	}
}

// --- Control ---

// StartCoverage opens a coverage session writing its report to path
func (s *Session) StartCoverage(path string) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}
	return s.coverage.Start(path)
}

// StopCoverage closes a coverage session and writes its report
func (s *Session) StopCoverage(path string) (*coverage.Report, error) {
	if s.shutdown.Load() {
		return nil, ErrShutdown
	}
	return s.coverage.Stop(path)
}

// Evaluate runs fn on the host thread without stopping for breakpoints or stepping.
// Runtime errors raised while it runs are returned.
func (s *Session) Evaluate(fn func()) error {
	if s.shutdown.Load() {
		return ErrShutdown
	}
	return s.stepper.Evaluate(fn)
}

// Breakpoints returns the breakpoint manager
func (s *Session) Breakpoints() *breakpoint.Manager {
	return s.breakpoints
}

// Stepper returns the stepping machine
func (s *Session) Stepper() *stepping.Machine {
	return s.stepper
}

// Server returns the debug server, nil if disabled
func (s *Session) Server() *debugserver.Server {
	return s.server
}

// Stats returns the dispatch hook counters
func (s *Session) Stats() hook.Stats {
	return s.engine.Stats()
}

// Shutdown writes the open coverage reports, restores the host bytecode and removes
// every hook. Calling it again does nothing.
func (s *Session) Shutdown() error {
	if !s.shutdown.CAS(false, true) {
		return nil
	}

	var errs []error
	if err := s.coverage.StopAll(); err != nil {
		errs = append(errs, fmt.Errorf("finalizing coverage: %w", err))
	}
	if err := s.teardown(); err != nil {
		errs = append(errs, err)
	}

	s.log.Info("host instrumentation removed")
	return errors.Join(errs...)
}

// teardown removes everything Start may have installed, in reverse order
func (s *Session) teardown() error {
	var errs []error

	if err := s.breakpoints.RevertAll(); err != nil {
		errs = append(errs, fmt.Errorf("reverting breakpoints: %w", err))
	}
	s.stepper.Reset()

	for _, consumer := range s.consumers {
		consumer.Unregister()
	}
	s.consumers = nil

	if err := s.engine.Uninstall(); err != nil {
		errs = append(errs, fmt.Errorf("removing dispatch hook: %w", err))
	}
	if s.errorHook != nil {
		if err := s.errorHook.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("removing runtime error hook: %w", err))
		}
	}
	if s.server != nil {
		if err := s.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing debug server: %w", err))
		}
	}

	return errors.Join(errs...)
}
