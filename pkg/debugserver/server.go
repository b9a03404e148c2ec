package debugserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"

	"github.com/Manu343726/dmtrap/pkg/breakpoint"
	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/stepping"
)

// DefaultAddr is where the server listens unless told otherwise
const DefaultAddr = "127.0.0.1:2448"

const (
	// requestQueueSize bounds the requests read ahead of the host thread
	requestQueueSize = 64
	// lineTableCacheSize is the number of proc line tables kept around
	lineTableCacheSize = 256
)

// Pauser is the part of the stepping machine driven by Pause requests
type Pauser interface {
	Pause()
}

// Server serves a single debugger client.
//
// A network goroutine accepts one connection and queues its requests. Everything else,
// including request handling, runs on the host thread: between instructions through
// ProcessPending, and while the host is stopped through HandleBreakpoint.
type Server struct {
	rt          host.Runtime
	acc         *host.Accessor
	breakpoints *breakpoint.Manager
	stepper     Pauser
	log         *slog.Logger

	lines *lru.Cache

	listener net.Listener
	requests chan Request
	stop     chan struct{}
	done     chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	encoder *Encoder

	connected atomic.Bool
	paused    atomic.Bool
	closed    atomic.Bool
}

// NewServer creates a server. It does not accept clients until Listen or Serve is called.
func NewServer(rt host.Runtime, acc *host.Accessor, breakpoints *breakpoint.Manager, stepper Pauser, log *slog.Logger) *Server {
	lines, err := lru.New(lineTableCacheSize)
	if err != nil {
		panic(err)
	}

	return &Server{
		rt:          rt,
		acc:         acc,
		breakpoints: breakpoints,
		stepper:     stepper,
		log:         logging.Component(logging.OrDiscard(log), "debugserver"),
		lines:       lines,
		requests:    make(chan Request, requestQueueSize),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Listen binds addr and starts waiting for a client in the background
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.Serve(listener)
	return nil
}

// Serve takes ownership of a listener and starts waiting for a client in the background.
// The server accepts a single connection in its lifetime.
func (s *Server) Serve(listener net.Listener) {
	s.listener = listener
	s.log.Info("waiting for debugger client", slog.String("address", listener.Addr().String()))

	go func() {
		defer close(s.done)
		// Nothing will ever send another request: unblock the host thread
		defer close(s.requests)

		conn, err := listener.Accept()
		if err != nil {
			if !s.closed.Load() {
				s.log.Error("accepting debugger client", slog.Any("error", err))
			}
			return
		}

		s.mu.Lock()
		s.conn = conn
		s.encoder = NewEncoder(conn)
		s.mu.Unlock()
		s.connected.Store(true)
		s.log.Info("debugger client connected", slog.String("remote", conn.RemoteAddr().String()))

		s.serve(conn)
	}()
}

// Addr returns the listening address, nil before Listen
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Connected reports whether a client is connected
func (s *Server) Connected() bool {
	return s.connected.Load()
}

// Paused reports whether the host is stopped waiting for the client
func (s *Server) Paused() bool {
	return s.paused.Load()
}

func (s *Server) serve(conn net.Conn) {
	defer s.disconnect()

	decoder := NewDecoder(conn)
	for {
		request, err := decoder.Request()
		if err != nil {
			if errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnknownMessage) {
				s.log.Warn("ignoring request", slog.Any("error", err))
				continue
			}
			if err != io.EOF && !s.closed.Load() {
				s.log.Error("reading from debugger client", slog.Any("error", err))
			}
			return
		}

		s.log.Debug("<- request", slog.String("request", request.Tag()))
		select {
		case s.requests <- request:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) disconnect() {
	s.connected.Store(false)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
		s.encoder = nil
		s.log.Info("debugger client disconnected")
	}
}

// send writes a response. Sends without a client are dropped.
func (s *Server) send(response Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.encoder == nil {
		return
	}

	if err := s.encoder.Response(response); err != nil {
		s.log.Warn("sending response", slog.String("response", response.Tag()), slog.Any("error", err))
		return
	}
	s.log.Debug("-> response", slog.String("response", response.Tag()))
}

// Close stops accepting clients and drops the current one
func (s *Server) Close() error {
	if !s.closed.CAS(false, true) {
		return nil
	}
	close(s.stop)

	var errs []error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	if s.listener != nil {
		<-s.done
	}
	return errors.Join(errs...)
}

// --- Host thread ---

// ProcessPending handles the queued requests without blocking
func (s *Server) ProcessPending() {
	for {
		select {
		case request, ok := <-s.requests:
			if !ok {
				return
			}
			s.handle(request)
		default:
			return
		}
	}
}

// HandleBreakpoint notifies the client and blocks the host thread until it sends a
// Continue. Without a client the host continues right away.
func (s *Server) HandleBreakpoint(ctx host.Context, reason stepping.Reason) stepping.Directive {
	if !s.connected.Load() {
		s.log.Warn("no debugger client, continuing", slog.Any("context", ctx), slog.String("reason", reason.String()))
		return stepping.Continue{}
	}

	s.paused.Store(true)
	defer s.paused.Store(false)

	s.log.Info("host stopped", slog.Any("context", ctx), slog.String("reason", reason.String()))
	s.send(BreakpointHitResponse{Reason: HitReason{Reason: reason}})

	for request := range s.requests {
		if request, ok := request.(ContinueRequest); ok {
			s.log.Info("host resumed", slog.String("mode", request.Kind.Mode.String()), slog.Uint64("stack", uint64(request.Kind.StackID)))
			return request.Kind.Directive()
		}
		s.handle(request)
	}

	s.log.Warn("debugger client gone while stopped, continuing")
	return stepping.Continue{}
}

func (s *Server) handle(request Request) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("handling request", slog.String("request", request.Tag()), slog.Any("panic", r))
		}
	}()

	switch request := request.(type) {
	case BreakpointSetRequest:
		s.send(s.onBreakpointSet(request))
	case BreakpointUnsetRequest:
		s.send(s.onBreakpointUnset(request))
	case LineNumberRequest:
		s.send(s.onLineNumber(request))
	case OffsetRequest:
		s.send(s.onOffset(request))
	case StackFramesRequest:
		s.send(s.onStackFrames(request))
	case ContinueRequest:
		// HandleBreakpoint consumes continues while stopped
		s.log.Warn("continue received while not paused, ignoring")
	case PauseRequest:
		if !s.paused.Load() && s.stepper != nil {
			s.stepper.Pause()
		}
	default:
		s.log.Warn("unhandled request", slog.String("request", request.Tag()))
	}
}

func (s *Server) onBreakpointSet(request BreakpointSetRequest) BreakpointSetResponse {
	proc, err := s.rt.FindProc(request.Instruction.Proc.Path, request.Instruction.Proc.OverrideID)
	if err != nil {
		s.log.Warn("cannot set breakpoint", slog.String("at", request.Instruction.String()), slog.Any("error", err))
		return BreakpointSetResponse{}
	}

	if err := s.breakpoints.Plant(proc.ID, request.Instruction.Offset); err != nil {
		s.log.Warn("cannot set breakpoint", slog.String("at", request.Instruction.String()), slog.Any("error", err))
		return BreakpointSetResponse{}
	}

	result := BreakpointSetResult{Success: true}
	if table, err := s.lineTable(proc.ID); err == nil {
		if line, ok := table.Line(request.Instruction.Offset); ok {
			result.Line = &line
		}
	}
	return BreakpointSetResponse{Result: result}
}

func (s *Server) onBreakpointUnset(request BreakpointUnsetRequest) BreakpointUnsetResponse {
	proc, err := s.rt.FindProc(request.Instruction.Proc.Path, request.Instruction.Proc.OverrideID)
	if err != nil {
		return BreakpointUnsetResponse{}
	}

	if err := s.breakpoints.Remove(proc.ID, request.Instruction.Offset); err != nil {
		s.log.Warn("cannot unset breakpoint", slog.String("at", request.Instruction.String()), slog.Any("error", err))
		return BreakpointUnsetResponse{}
	}
	return BreakpointUnsetResponse{Success: true}
}

func (s *Server) onLineNumber(request LineNumberRequest) LineNumberResponse {
	table, err := s.procLineTable(request.Proc)
	if err != nil {
		return LineNumberResponse{}
	}
	if line, ok := table.Line(request.Offset); ok {
		return LineNumberResponse{Line: &line}
	}
	return LineNumberResponse{}
}

func (s *Server) onOffset(request OffsetRequest) OffsetResponse {
	table, err := s.procLineTable(request.Proc)
	if err != nil {
		return OffsetResponse{}
	}
	if offset, ok := table.Offset(request.Line); ok {
		return OffsetResponse{Offset: &offset}
	}
	return OffsetResponse{}
}

func (s *Server) onStackFrames(request StackFramesRequest) StackFramesResponse {
	response := StackFramesResponse{Frames: []StackFrame{}}
	if request.ThreadID != 0 {
		return response
	}

	top := s.rt.ActiveContext()
	if top.IsNull() {
		return response
	}

	chain, err := s.acc.Chain(top)
	if err != nil {
		s.log.Warn("walking active stack", slog.Any("error", err))
	}
	response.TotalCount = uint32(len(chain))

	start := 0
	if request.StartFrame != nil {
		start = min(int(*request.StartFrame), len(chain))
	}
	end := len(chain)
	if request.Count != nil && *request.Count > 0 {
		end = min(start+int(*request.Count), len(chain))
	}

	for _, ctx := range chain[start:end] {
		frame, err := s.stackFrame(ctx)
		if err != nil {
			s.log.Warn("reading stack frame", slog.Any("context", ctx), slog.Any("error", err))
			continue
		}
		response.Frames = append(response.Frames, frame)
	}
	return response
}

func (s *Server) stackFrame(ctx host.Context) (StackFrame, error) {
	record, err := s.acc.Read(ctx)
	if err != nil {
		return StackFrame{}, err
	}
	proc, err := s.rt.Proc(record.Proc)
	if err != nil {
		return StackFrame{}, err
	}

	frame := StackFrame{
		Instruction: InstructionRef{
			Proc:   ProcRef{Path: proc.Path, OverrideID: proc.OverrideID},
			Offset: record.Offset,
		},
	}
	if record.Line != 0 {
		line := record.Line
		frame.Line = &line
	}
	return frame, nil
}

func (s *Server) procLineTable(ref ProcRef) (*bytecode.LineTable, error) {
	proc, err := s.rt.FindProc(ref.Path, ref.OverrideID)
	if err != nil {
		return nil, err
	}
	return s.lineTable(proc.ID)
}

// lineTable returns the line table of a proc, built from its unpatched bytecode
func (s *Server) lineTable(id host.ProcID) (*bytecode.LineTable, error) {
	if cached, ok := s.lines.Get(id); ok {
		return cached.(*bytecode.LineTable), nil
	}

	words, err := s.breakpoints.Original(id)
	if err != nil {
		return nil, err
	}
	instructions, err := bytecode.Decode(words)
	if err != nil {
		// Lines before the undecodable word are still usable
		s.log.Debug("partial decode", slog.Uint64("proc", uint64(id)), slog.Any("error", err))
	}

	table := bytecode.NewLineTable(instructions)
	s.lines.Add(id, table)
	return table, nil
}

var _ stepping.Handler = (*Server)(nil)
