// Package hosttest provides an in-memory host.Runtime for tests.
//
// Procs and activation records are laid out in a flat memory exactly like the real
// host lays them out, but nothing executes: tests move contexts around by hand.
package hosttest

import (
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

// DefaultBuild uses the shifted activation record layout
const DefaultBuild = 1584

// Runtime is a static host.Runtime
type Runtime struct {
	build   uint32
	mem     *host.FlatMemory
	acc     *host.Accessor
	procs   []host.Proc
	strings []string
	next    uint32

	// Active is the innermost context of the running stack
	Active host.Context
	// Ring lists the suspended stacks
	Ring host.Ring
}

// New creates an empty runtime for a host build
func New(build uint32) *Runtime {
	mem := host.NewFlatMemory(1 << 16)
	layout, err := host.LayoutFor(build)
	if err != nil {
		panic(err)
	}

	return &Runtime{
		build:   build,
		mem:     mem,
		acc:     host.NewAccessor(mem, layout),
		strings: []string{""},
		next:    0x100,
	}
}

func (r *Runtime) alloc(size uint32) uint32 {
	addr := r.next
	r.next += (size + 3) &^ 3
	if r.next > r.mem.Size() {
		panic("hosttest: out of memory")
	}
	return addr
}

// Accessor returns the activation record accessor matching the build
func (r *Runtime) Accessor() *host.Accessor {
	return r.acc
}

// AddProc adds a proc with the given bytecode
func (r *Runtime) AddProc(path string, words []uint32) host.Proc {
	proc := host.Proc{
		ID:   host.ProcID(len(r.procs)),
		Path: path,
		Bytecode: host.Bytecode{
			Base: r.alloc(4 * uint32(len(words))),
			Len:  uint32(len(words)),
		},
	}
	if err := host.WriteWords(r.mem, proc.Bytecode.Base, words); err != nil {
		panic(err)
	}
	r.procs = append(r.procs, proc)
	return proc
}

// AddProcAsm assembles a listing and adds it as a proc
func (r *Runtime) AddProcAsm(path string, source string) host.Proc {
	words, err := bytecode.Assemble(source, r)
	if err != nil {
		panic(fmt.Sprintf("hosttest: assembling %s: %v", path, err))
	}
	return r.AddProc(path, words)
}

// Words returns the current bytecode of a proc
func (r *Runtime) Words(id host.ProcID) []uint32 {
	words, err := host.ReadBytecode(r.mem, r.procs[id].Bytecode)
	if err != nil {
		panic(err)
	}
	return words
}

// NewContext allocates an activation record running proc at offset
func (r *Runtime) NewContext(id host.ProcID, parent host.Context, offset uint32) host.Context {
	ctx := host.Context(r.alloc(r.acc.Layout().Size))
	err := r.acc.Write(host.Frame{
		Context:  ctx,
		Proc:     id,
		Parent:   parent,
		Bytecode: r.procs[id].Bytecode.Base,
		Offset:   offset,
	})
	if err != nil {
		panic(err)
	}
	return ctx
}

// Move sets the offset, line and file of a context
func (r *Runtime) Move(ctx host.Context, offset uint32, line uint32, file string) {
	must(r.acc.SetOffset(ctx, offset))
	must(r.acc.SetLine(ctx, line))
	if file != "" {
		must(r.acc.SetFile(ctx, r.Intern(file)))
	}
}

// Suspend appends a stack to the suspension ring
func (r *Runtime) Suspend(top host.Context) {
	entries := append([]host.Context{}, r.Ring.Entries[:r.Ring.Len()]...)
	entries = append(entries, top)
	r.Ring = host.Ring{Entries: append(entries, host.NullContext), Front: 0, Back: uint32(len(entries))}
}

// Intern adds a string to the string table
func (r *Runtime) Intern(s string) uint32 {
	for i, existing := range r.strings {
		if i > 0 && existing == s {
			return uint32(i)
		}
	}
	r.strings = append(r.strings, s)
	return uint32(len(r.strings) - 1)
}

// ProcID resolves a proc path for the assembler
func (r *Runtime) ProcID(path string) (uint32, error) {
	proc, err := r.FindProc(path, 0)
	return uint32(proc.ID), err
}

func (r *Runtime) Build() uint32 {
	return r.build
}

func (r *Runtime) Memory() host.Memory {
	return r.mem
}

func (r *Runtime) ProcCount() int {
	return len(r.procs)
}

func (r *Runtime) Proc(id host.ProcID) (host.Proc, error) {
	if int(id) >= len(r.procs) {
		return host.Proc{}, utils.MakeError(host.ErrUnknownProc, "id %d", id)
	}
	return r.procs[id], nil
}

func (r *Runtime) FindProc(path string, override uint32) (host.Proc, error) {
	for _, proc := range r.procs {
		if proc.Path == path && proc.OverrideID == override {
			return proc, nil
		}
	}
	return host.Proc{}, utils.MakeError(host.ErrUnknownProc, "%s#%d", path, override)
}

func (r *Runtime) String(id uint32) (string, error) {
	if int(id) >= len(r.strings) {
		return "", fmt.Errorf("string id %d out of range", id)
	}
	return r.strings[id], nil
}

func (r *Runtime) ActiveContext() host.Context {
	return r.Active
}

func (r *Runtime) Suspended() host.Ring {
	return r.Ring
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

var _ host.Runtime = (*Runtime)(nil)
var _ bytecode.Symbols = (*Runtime)(nil)
