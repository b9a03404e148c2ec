// Package hostsim is a small bytecode host with the same memory model as the real one.
//
// Procs, activation records and the suspension ring live in a flat little-endian memory
// laid out like the real host's, the module image carries the routines dmtrap hooks, and
// the interpreter calls its dispatch routine before every instruction fetch. It backs the
// command line tools and the end to end tests.
package hostsim

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/sigscan"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrOutOfMemory   = errors.New("out of memory")
	ErrDuplicate     = errors.New("proc already declared")
	ErrUndefined     = errors.New("proc has no bytecode")
	ErrRingFull      = errors.New("suspension ring full")
	ErrStepLimit     = errors.New("step limit reached")
	ErrNotRoutine    = errors.New("no hookable routine at address")
	ErrAlreadyHooked = errors.New("routine already detoured")
)

const (
	// DefaultMemorySize is the default size of the host memory (1MB)
	DefaultMemorySize uint32 = 0x100000
	// DefaultBuild is the default host build number
	DefaultBuild uint32 = 1584
	// DefaultMaxSteps bounds a single run
	DefaultMaxSteps = 10_000_000
	// RingCapacity is the number of slots of the suspension ring. One slot is always free.
	RingCapacity = 256
	// ImageBase is the address the host module image is mapped at
	ImageBase uint32 = 0x00400000

	// heapBase keeps address 0 free so it can mean null
	heapBase uint32 = 0x1000
)

// Options configures a host
type Options struct {
	// Build is the host build number, it selects the activation record layout
	Build uint32
	// MemorySize is the size of the flat memory in bytes
	MemorySize uint32
	// MaxSteps bounds the instructions executed by a single Run or Call, 0 means DefaultMaxSteps
	MaxSteps int
}

// DefaultOptions returns the options of a current host build
func DefaultOptions() Options {
	return Options{Build: DefaultBuild, MemorySize: DefaultMemorySize, MaxSteps: DefaultMaxSteps}
}

// RuntimeError is a runtime error raised by a proc
type RuntimeError struct {
	Proc    string
	Offset  uint32
	Message string
}

func (e RuntimeError) String() string {
	return fmt.Sprintf("%s+%d: %s", e.Proc, e.Offset, e.Message)
}

// Host is the state of a simulated host: memory, procs, strings and call stacks
type Host struct {
	options Options
	log     *slog.Logger

	mem      *host.FlatMemory
	acc      *host.Accessor
	next     uint32
	free     []host.Context
	procs    []host.Proc
	strings  []string
	interned map[string]uint32

	image          sigscan.Image
	dispatchAddr   uint32
	runtimeErrAddr uint32

	// execution state
	active host.Context
	ring   []host.Context
	front  uint32
	back   uint32
	frames map[host.Context]*frameState
	errors []RuntimeError
}

// frameState is the interpreter state of an activation that does not live in the record
type frameState struct {
	values []uint32
	stack  *Stack
}

// New creates an empty host. Builds too old for any known layout use the legacy one.
func New(options Options, log *slog.Logger) *Host {
	if options.MemorySize == 0 {
		options.MemorySize = DefaultMemorySize
	}
	if options.MaxSteps <= 0 {
		options.MaxSteps = DefaultMaxSteps
	}

	layout, err := host.LayoutFor(options.Build)
	if err != nil {
		layout = host.LegacyLayout
	}

	mem := host.NewFlatMemory(options.MemorySize)
	h := &Host{
		options:  options,
		log:      logging.Component(log, "hostsim"),
		mem:      mem,
		acc:      host.NewAccessor(mem, layout),
		next:     heapBase,
		strings:  []string{""},
		interned: map[string]uint32{"": 0},
		ring:     make([]host.Context, RingCapacity),
		frames:   make(map[host.Context]*frameState),
	}
	h.buildImage()
	return h
}

// --- Module image ---

func patternBytes(pattern sigscan.Pattern) []byte {
	return utils.Map(pattern, func(b int) byte {
		if b == sigscan.Wildcard {
			return 0x90
		}
		return byte(b)
	})
}

// buildImage lays out the host module: some padding, the dispatch routine matching the
// build's record layout, more padding and the runtime error reporter.
func (h *Host) buildImage() {
	bytes := make([]byte, 0x40)

	var dispatch *sigscan.Signature
	switch {
	case h.options.Build >= 1543:
		dispatch = &sigscan.Dispatch[0]
	case h.options.Build >= 1500:
		dispatch = &sigscan.Dispatch[1]
	}
	if dispatch != nil {
		h.dispatchAddr = ImageBase + uint32(len(bytes)+dispatch.Adjust)
		bytes = append(bytes, patternBytes(dispatch.Pattern)...)
		bytes = append(bytes, make([]byte, 0x40)...)
	}

	runtimeError := sigscan.RuntimeError[0]
	h.runtimeErrAddr = ImageBase + uint32(len(bytes)+runtimeError.Adjust)
	bytes = append(bytes, patternBytes(runtimeError.Pattern)...)
	bytes = append(bytes, make([]byte, 0x40)...)

	h.image = sigscan.Image{Base: ImageBase, Bytes: bytes}
}

// Image returns the host module image
func (h *Host) Image() sigscan.Image {
	return h.image
}

// --- Memory ---

func (h *Host) alloc(size uint32) (uint32, error) {
	size = (size + 3) &^ 3
	if h.next+size > h.mem.Size() {
		return 0, utils.MakeError(ErrOutOfMemory, "allocating %d bytes", size)
	}
	addr := h.next
	h.next += size
	return addr, nil
}

// Accessor returns the activation record accessor of the host's layout
func (h *Host) Accessor() *host.Accessor {
	return h.acc
}

// newContext returns a zeroed activation record, reusing released ones first
func (h *Host) newContext() (host.Context, error) {
	if n := len(h.free); n > 0 {
		ctx := h.free[n-1]
		h.free = h.free[:n-1]
		record := h.mem.Bytes()[uint32(ctx) : uint32(ctx)+h.acc.Layout().Size]
		clear(record)
		return ctx, nil
	}

	addr, err := h.alloc(h.acc.Layout().Size)
	return host.Context(addr), err
}

func (h *Host) releaseContext(ctx host.Context) {
	delete(h.frames, ctx)
	h.free = append(h.free, ctx)
}

// --- Procs and strings ---

// Declare adds a proc without bytecode, so other procs can call it before it is defined
func (h *Host) Declare(path string, override uint32) (host.ProcID, error) {
	if _, err := h.FindProc(path, override); err == nil {
		return 0, utils.MakeError(ErrDuplicate, "%s#%d", path, override)
	}

	id := host.ProcID(len(h.procs))
	h.procs = append(h.procs, host.Proc{ID: id, Path: path, OverrideID: override})
	return id, nil
}

// Define stores the bytecode of a declared proc
func (h *Host) Define(id host.ProcID, words []uint32) error {
	if int(id) >= len(h.procs) {
		return utils.MakeError(host.ErrUnknownProc, "id %d", id)
	}

	base, err := h.alloc(4 * uint32(len(words)))
	if err != nil {
		return err
	}
	if err := host.WriteWords(h.mem, base, words); err != nil {
		return err
	}

	h.procs[id].Bytecode = host.Bytecode{Base: base, Len: uint32(len(words))}
	return nil
}

// AddProc declares and defines a proc
func (h *Host) AddProc(path string, override uint32, words []uint32) (host.Proc, error) {
	id, err := h.Declare(path, override)
	if err != nil {
		return host.Proc{}, err
	}
	if err := h.Define(id, words); err != nil {
		return host.Proc{}, err
	}
	return h.procs[id], nil
}

// Intern returns the id of a string in the string table, adding it if needed
func (h *Host) Intern(s string) uint32 {
	if id, ok := h.interned[s]; ok {
		return id
	}
	id := uint32(len(h.strings))
	h.strings = append(h.strings, s)
	h.interned[s] = id
	return id
}

// ProcID resolves the path of a proc without override
func (h *Host) ProcID(path string) (uint32, error) {
	proc, err := h.FindProc(path, 0)
	return uint32(proc.ID), err
}

// Procs returns every proc of the host
func (h *Host) Procs() []host.Proc {
	return append([]host.Proc(nil), h.procs...)
}

// RuntimeErrors returns the runtime errors raised so far
func (h *Host) RuntimeErrors() []RuntimeError {
	return append([]RuntimeError(nil), h.errors...)
}

// --- host.Runtime ---

func (h *Host) Build() uint32 {
	return h.options.Build
}

func (h *Host) Memory() host.Memory {
	return h.mem
}

func (h *Host) ProcCount() int {
	return len(h.procs)
}

func (h *Host) Proc(id host.ProcID) (host.Proc, error) {
	if int(id) >= len(h.procs) {
		return host.Proc{}, utils.MakeError(host.ErrUnknownProc, "id %d", id)
	}
	return h.procs[id], nil
}

func (h *Host) FindProc(path string, override uint32) (host.Proc, error) {
	for _, proc := range h.procs {
		if proc.Path == path && proc.OverrideID == override {
			return proc, nil
		}
	}
	return host.Proc{}, utils.MakeError(host.ErrUnknownProc, "%s#%d", path, override)
}

func (h *Host) String(id uint32) (string, error) {
	if int(id) >= len(h.strings) {
		return "", fmt.Errorf("string id %d out of range", id)
	}
	return h.strings[id], nil
}

func (h *Host) ActiveContext() host.Context {
	return h.active
}

func (h *Host) Suspended() host.Ring {
	return host.Ring{Entries: h.ring, Front: h.front, Back: h.back}
}

// --- Suspension ring ---

func (h *Host) suspend(top host.Context) error {
	next := (h.back + 1) % RingCapacity
	if next == h.front {
		return ErrRingFull
	}
	h.ring[h.back] = top
	h.back = next
	return nil
}

func (h *Host) resume() (host.Context, bool) {
	if h.front == h.back {
		return host.NullContext, false
	}
	top := h.ring[h.front]
	h.ring[h.front] = host.NullContext
	h.front = (h.front + 1) % RingCapacity
	return top, true
}

var _ host.Runtime = (*Host)(nil)
