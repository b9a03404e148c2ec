package instrument

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/dmtrap/pkg/coverage"
	"github.com/Manu343726/dmtrap/pkg/debugserver"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/hostsim"
	"github.com/Manu343726/dmtrap/pkg/stepping"
)

const waitFor = 2 * time.Second

var procs = []hostsim.ProcSource{
	{Path: "/proc/main", Code: `
		DBGFILE "code/main.dm" ; 0
		DBGLINE 1              ; 2
		CALL "/proc/foo" 0     ; 4
		POP                    ; 7
		DBGLINE 2              ; 8
		PUSH 0                 ; 10
		RET                    ; 12
	`},
	{Path: "/proc/foo", Code: `
		DBGFILE "code/foo.dm" ; 0
		DBGLINE 10            ; 2
		PUSH 1                ; 4
		POP                   ; 6
		DBGLINE 11            ; 7
		END                   ; 9
	`},
	{Path: "/proc/twice", Code: `
		CALL "/proc/foo" 0 ; 0
		POP                ; 3
		CALL "/proc/foo" 0 ; 4
		RET                ; 7
	`},
	{Path: "/proc/crash", Code: `
		DBGFILE "code/crash.dm" ; 0
		DBGLINE 1               ; 2
		CRASH "boom"            ; 4
	`},
}

type stop struct {
	proc   string
	offset uint32
	reason stepping.Reason
}

// recorder is a breakpoint handler answering with queued directives
type recorder struct {
	host       *hostsim.Host
	stops      []stop
	directives []stepping.Directive
	// onStop runs on every stop, before the directive is returned
	onStop func(frame host.Frame)
}

func (r *recorder) HandleBreakpoint(ctx host.Context, reason stepping.Reason) stepping.Directive {
	frame, err := r.host.Accessor().Read(ctx)
	if err != nil {
		panic(err)
	}
	proc, err := r.host.Proc(frame.Proc)
	if err != nil {
		panic(err)
	}
	r.stops = append(r.stops, stop{proc: proc.Path, offset: frame.Offset, reason: reason})
	if r.onStop != nil {
		r.onStop(frame)
	}

	if len(r.directives) == 0 {
		return stepping.Continue{}
	}
	directive := r.directives[0]
	r.directives = r.directives[1:]
	return directive
}

type fixture struct {
	interpreter *hostsim.Interpreter
	host        *hostsim.Host
	session     *Session
	recorder    *recorder
}

func newFixture(t *testing.T, build uint32, options Options) *fixture {
	t.Helper()

	program := &hostsim.Program{Build: build, Procs: procs}
	interpreter, err := program.Load(nil)
	require.NoError(t, err)

	f := &fixture{interpreter: interpreter, host: interpreter.Host()}
	options.Image = f.host.Image()
	options.Detourer = interpreter
	options.ErrorDetourer = interpreter

	f.session, err = Start(f.host, options, nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.session.Shutdown() })

	f.recorder = &recorder{host: f.host}
	if options.DebugAddr == "" {
		f.session.Stepper().SetHandler(f.recorder)
	}
	return f
}

func (f *fixture) proc(t *testing.T, path string) host.Proc {
	t.Helper()
	proc, err := f.host.FindProc(path, 0)
	require.NoError(t, err)
	return proc
}

func (f *fixture) call(t *testing.T, path string) {
	t.Helper()
	_, err := f.interpreter.Call(path)
	require.NoError(t, err)
}

func fileReport(t *testing.T, report *coverage.Report, path string) coverage.FileReport {
	t.Helper()
	for _, file := range report.Files {
		if file.Path == path {
			return file
		}
	}
	t.Fatalf("no coverage for %s", path)
	return coverage.FileReport{}
}

func TestStartUnsupportedBuild(t *testing.T) {
	h := hostsim.New(hostsim.Options{Build: 1400}, nil)
	interpreter := hostsim.NewInterpreter(h)

	_, err := Start(h, Options{Image: h.Image(), Detourer: interpreter}, nil)
	assert.ErrorIs(t, err, host.ErrUnsupportedBuild)
}

func TestSessionCoverage(t *testing.T) {
	for _, build := range []uint32{hostsim.DefaultBuild, 1510} {
		t.Run(fmt.Sprintf("build %d", build), func(t *testing.T) {
			f := newFixture(t, build, Options{SeedCoverage: true})
			path := filepath.Join(t.TempDir(), "reports", "main.xml")

			require.NoError(t, f.session.StartCoverage(path))
			f.call(t, "/proc/main")

			report, err := f.session.StopCoverage(path)
			require.NoError(t, err)
			assert.FileExists(t, path)

			foo := fileReport(t, report, "code/foo.dm")
			assert.Equal(t, map[uint32]uint32{10: 1, 11: 1}, foo.Hits())
			mainFile := fileReport(t, report, "code/main.dm")
			assert.Equal(t, map[uint32]uint32{1: 1, 2: 1}, mainFile.Hits())

			crash := fileReport(t, report, "code/crash.dm")
			assert.Empty(t, crash.Lines)
			assert.Equal(t, 1, crash.Valid)
		})
	}

	t.Run("counts every execution", func(t *testing.T) {
		f := newFixture(t, hostsim.DefaultBuild, Options{})
		path := filepath.Join(t.TempDir(), "twice.xml")

		require.NoError(t, f.session.StartCoverage(path))
		f.call(t, "/proc/twice")
		report, err := f.session.StopCoverage(path)
		require.NoError(t, err)

		require.Len(t, report.Files, 1)
		assert.Equal(t, map[uint32]uint32{10: 2, 11: 2}, report.Files[0].Hits())
	})

	t.Run("name collision", func(t *testing.T) {
		f := newFixture(t, hostsim.DefaultBuild, Options{})
		path := filepath.Join(t.TempDir(), "collision.xml")

		require.NoError(t, f.session.StartCoverage(path))
		f.call(t, "/proc/foo")
		assert.ErrorIs(t, f.session.StartCoverage(path), coverage.ErrContextExists)

		report, err := f.session.StopCoverage(path)
		require.NoError(t, err)
		assert.Equal(t, map[uint32]uint32{10: 1, 11: 1}, report.Files[0].Hits())

		_, err = f.session.StopCoverage(path)
		assert.ErrorIs(t, err, coverage.ErrUnknownContext)
	})
}

func TestSessionBreakpoints(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{})
	foo := f.proc(t, "/proc/foo")

	require.NoError(t, f.session.Breakpoints().Plant(foo.ID, 9))
	f.call(t, "/proc/twice")

	assert.Equal(t, []stop{
		{proc: "/proc/foo", offset: 9, reason: stepping.BreakpointReason{}},
		{proc: "/proc/foo", offset: 9, reason: stepping.BreakpointReason{}},
	}, f.recorder.stops, "the trap is re-armed after firing")

	trapped, err := f.session.Breakpoints().ListTrapped(foo.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, trapped)
	assert.Empty(t, f.host.RuntimeErrors())
}

func TestSessionStepOver(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{})
	mainProc := f.proc(t, "/proc/main")

	require.NoError(t, f.session.Breakpoints().Plant(mainProc.ID, 4))
	f.recorder.directives = []stepping.Directive{stepping.StepOverDirective{StackID: 0}}
	f.call(t, "/proc/main")

	assert.Equal(t, []stop{
		{proc: "/proc/main", offset: 4, reason: stepping.BreakpointReason{}},
		{proc: "/proc/main", offset: 10, reason: stepping.StepReason{}},
	}, f.recorder.stops)
	assert.Equal(t, stepping.None{}, f.session.Stepper().Action())
}

func TestSessionPlantOnStoppedInstruction(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{})
	foo := f.proc(t, "/proc/foo")

	require.NoError(t, f.session.Breakpoints().Plant(foo.ID, 2))
	f.recorder.directives = []stepping.Directive{stepping.StepOverDirective{StackID: 0}}
	f.recorder.onStop = func(frame host.Frame) {
		if len(f.recorder.stops) == 2 {
			require.NoError(t, f.session.Breakpoints().Plant(frame.Proc, frame.Offset))
		}
	}

	f.call(t, "/proc/main")
	assert.Equal(t, []stop{
		{proc: "/proc/foo", offset: 2, reason: stepping.BreakpointReason{}},
		{proc: "/proc/foo", offset: 9, reason: stepping.StepReason{}},
	}, f.recorder.stops)
	assert.Empty(t, f.host.RuntimeErrors(), "the stopped instruction runs unpatched")

	trapped, err := f.session.Breakpoints().ListTrapped(foo.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2, 9}, trapped)

	// The new breakpoint fires on the next run
	f.recorder.stops = nil
	f.call(t, "/proc/foo")
	assert.Equal(t, []stop{
		{proc: "/proc/foo", offset: 2, reason: stepping.BreakpointReason{}},
		{proc: "/proc/foo", offset: 9, reason: stepping.BreakpointReason{}},
	}, f.recorder.stops)
	assert.Empty(t, f.host.RuntimeErrors())
}

func TestSessionRuntimeErrors(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{})

	f.call(t, "/proc/crash")
	assert.Equal(t, []stop{
		{proc: "/proc/crash", offset: 4, reason: stepping.Runtime{Message: "boom"}},
	}, f.recorder.stops)

	t.Run("captured while evaluating", func(t *testing.T) {
		err := f.session.Evaluate(func() { f.call(t, "/proc/crash") })
		assert.ErrorIs(t, err, stepping.ErrEvaluation)
		assert.ErrorContains(t, err, "boom")
		assert.Len(t, f.recorder.stops, 1)
	})

	t.Run("breakpoints ignored while evaluating", func(t *testing.T) {
		require.NoError(t, f.session.Breakpoints().Plant(f.proc(t, "/proc/foo").ID, 4))
		assert.NoError(t, f.session.Evaluate(func() { f.call(t, "/proc/foo") }))
		assert.Len(t, f.recorder.stops, 1)
	})
}

func TestSessionShutdown(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{})
	foo := f.proc(t, "/proc/foo")

	original, err := host.ReadBytecode(f.host.Memory(), foo.Bytecode)
	require.NoError(t, err)

	require.NoError(t, f.session.Breakpoints().Plant(foo.ID, 2))
	require.NoError(t, f.session.Breakpoints().Plant(foo.ID, 9))
	path := filepath.Join(t.TempDir(), "pending.xml")
	require.NoError(t, f.session.StartCoverage(path))

	require.NoError(t, f.session.Shutdown())
	assert.NoError(t, f.session.Shutdown())

	current, err := host.ReadBytecode(f.host.Memory(), foo.Bytecode)
	require.NoError(t, err)
	assert.Equal(t, original, current)
	assert.FileExists(t, path, "open coverage sessions are finalized")

	assert.ErrorIs(t, f.session.StartCoverage(path), ErrShutdown)
	assert.ErrorIs(t, f.session.Evaluate(func() {}), ErrShutdown)

	f.call(t, "/proc/foo")
	assert.Empty(t, f.recorder.stops)

	t.Run("can instrument again", func(t *testing.T) {
		again, err := Start(f.host, Options{Image: f.host.Image(), Detourer: f.interpreter}, nil)
		require.NoError(t, err)
		defer again.Shutdown()

		f.call(t, "/proc/foo")
		assert.NotZero(t, again.Stats().Dispatched)
	})
}

// --- Debug server ---

type client struct {
	conn      net.Conn
	encoder   *debugserver.Encoder
	responses chan debugserver.Response
}

func connect(t *testing.T, session *Session) *client {
	t.Helper()

	conn, err := net.Dial("tcp", session.Server().Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &client{conn: conn, encoder: debugserver.NewEncoder(conn), responses: make(chan debugserver.Response, 16)}
	go func() {
		defer close(c.responses)
		decoder := debugserver.NewDecoder(conn)
		for {
			response, err := decoder.Response()
			if err != nil {
				return
			}
			c.responses <- response
		}
	}()

	require.Eventually(t, session.Server().Connected, waitFor, 5*time.Millisecond)
	return c
}

func (c *client) receive(t *testing.T) debugserver.Response {
	t.Helper()
	select {
	case response := <-c.responses:
		return response
	case <-time.After(waitFor):
		t.Fatal("no response from server")
		return nil
	}
}

func TestSessionDebugServer(t *testing.T) {
	f := newFixture(t, hostsim.DefaultBuild, Options{DebugAddr: "127.0.0.1:0"})
	c := connect(t, f.session)
	foo := f.proc(t, "/proc/foo")

	require.NoError(t, f.session.Breakpoints().Plant(foo.ID, 9))

	done := make(chan error, 1)
	go func() {
		_, err := f.interpreter.Call("/proc/foo")
		done <- err
	}()

	assert.Equal(t, debugserver.BreakpointHitResponse{
		Reason: debugserver.HitReason{Reason: stepping.BreakpointReason{}},
	}, c.receive(t))

	require.NoError(t, c.encoder.Request(debugserver.StackFramesRequest{}))
	frames, ok := c.receive(t).(debugserver.StackFramesResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(1), frames.TotalCount)
	require.Len(t, frames.Frames, 1)
	assert.Equal(t, debugserver.InstructionRef{Proc: debugserver.ProcRef{Path: "/proc/foo"}, Offset: 9}, frames.Frames[0].Instruction)
	require.NotNil(t, frames.Frames[0].Line)
	assert.Equal(t, uint32(11), *frames.Frames[0].Line)

	require.NoError(t, c.encoder.Request(debugserver.ContinueRequest{Kind: debugserver.ContinueKind{Mode: debugserver.ModeContinue}}))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("host did not resume")
	}

	select {
	case response := <-c.responses:
		t.Fatalf("unexpected response after continuing: %v", response)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, f.session.Shutdown())
	assert.False(t, f.session.Server().Connected())
}
