package host

import (
	"fmt"

	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Layout holds the byte offsets of the activation record fields for one family of host builds.
//
// Host builds moved fields around without notice, so the layout is picked once from the
// build number and every access goes through an Accessor. Business logic never checks
// build numbers itself.
type Layout struct {
	// Name identifies the layout in logs
	Name string
	// MinBuild is the first host build using this layout
	MinBuild uint32

	Proc     uint32 // u32 proc table index
	Parent   uint32 // u32 caller context address
	Bytecode uint32 // u32 address of the word array being executed
	Offset   uint32 // u16 program counter (word offset into Bytecode)
	Tag      uint32 // u16 scratch field, unused by the host, reused for instance tags
	Line     uint32 // u32 current source line (0 if unknown)
	File     uint32 // u32 string table index of the current source file (0 if unknown)
	Cached   uint32 // u32 slot for the locally cached intermediate value

	// Size is the total record size in bytes
	Size uint32
}

var (
	// LegacyLayout covers builds before the field shift
	LegacyLayout = &Layout{
		Name:     "legacy",
		MinBuild: 1500,
		Proc:     0,
		Parent:   4,
		Bytecode: 8,
		Offset:   12,
		Tag:      14,
		Line:     16,
		File:     20,
		Cached:   24,
		Size:     28,
	}

	// ShiftedLayout covers builds where a new field after the bytecode pointer
	// pushed every following field 4 bytes further
	ShiftedLayout = &Layout{
		Name:     "shifted",
		MinBuild: 1543,
		Proc:     0,
		Parent:   4,
		Bytecode: 8,
		Offset:   16,
		Tag:      18,
		Line:     20,
		File:     24,
		Cached:   28,
		Size:     32,
	}

	// Known layouts, newest first
	Layouts = []*Layout{ShiftedLayout, LegacyLayout}
)

// LayoutFor selects the activation record layout of a host build
func LayoutFor(build uint32) (*Layout, error) {
	for _, layout := range Layouts {
		if build >= layout.MinBuild {
			return layout, nil
		}
	}
	return nil, utils.MakeError(ErrUnsupportedBuild, "build %d is older than any known layout", build)
}

// Frame is a snapshot of the fields of one activation record
type Frame struct {
	Context  Context
	Proc     ProcID
	Parent   Context
	Bytecode uint32
	Offset   uint32
	Tag      uint16
	Line     uint32
	File     uint32
}

// Accessor reads and writes activation records through a selected layout
type Accessor struct {
	mem    Memory
	layout *Layout
}

// NewAccessor builds an accessor for a given memory and layout
func NewAccessor(mem Memory, layout *Layout) *Accessor {
	return &Accessor{mem: mem, layout: layout}
}

// AccessorFor selects the layout matching the runtime build
func AccessorFor(rt Runtime) (*Accessor, error) {
	layout, err := LayoutFor(rt.Build())
	if err != nil {
		return nil, err
	}
	return NewAccessor(rt.Memory(), layout), nil
}

// Layout returns the selected layout
func (a *Accessor) Layout() *Layout {
	return a.layout
}

func (a *Accessor) field32(ctx Context, offset uint32) (uint32, error) {
	if ctx.IsNull() {
		return 0, ErrNullContext
	}
	return a.mem.Read32(uint32(ctx) + offset)
}

func (a *Accessor) field16(ctx Context, offset uint32) (uint16, error) {
	if ctx.IsNull() {
		return 0, ErrNullContext
	}
	return a.mem.Read16(uint32(ctx) + offset)
}

func (a *Accessor) setField32(ctx Context, offset uint32, value uint32) error {
	if ctx.IsNull() {
		return ErrNullContext
	}
	return a.mem.Write32(uint32(ctx)+offset, value)
}

func (a *Accessor) setField16(ctx Context, offset uint32, value uint16) error {
	if ctx.IsNull() {
		return ErrNullContext
	}
	return a.mem.Write16(uint32(ctx)+offset, value)
}

// Proc returns the proc executed by a context
func (a *Accessor) Proc(ctx Context) (ProcID, error) {
	id, err := a.field32(ctx, a.layout.Proc)
	return ProcID(id), err
}

// Parent returns the caller context
func (a *Accessor) Parent(ctx Context) (Context, error) {
	parent, err := a.field32(ctx, a.layout.Parent)
	return Context(parent), err
}

// Offset returns the program counter of a context
func (a *Accessor) Offset(ctx Context) (uint32, error) {
	offset, err := a.field16(ctx, a.layout.Offset)
	return uint32(offset), err
}

// Tag returns the instance tag stamped on a context (0 if never stamped)
func (a *Accessor) Tag(ctx Context) (uint16, error) {
	return a.field16(ctx, a.layout.Tag)
}

// SetTag stamps an instance tag on a context
func (a *Accessor) SetTag(ctx Context, tag uint16) error {
	return a.setField16(ctx, a.layout.Tag, tag)
}

// SetOffset moves the program counter of a context
func (a *Accessor) SetOffset(ctx Context, offset uint32) error {
	return a.setField16(ctx, a.layout.Offset, uint16(offset))
}

// SetLine updates the current source line of a context
func (a *Accessor) SetLine(ctx Context, line uint32) error {
	return a.setField32(ctx, a.layout.Line, line)
}

// SetFile updates the current source file of a context
func (a *Accessor) SetFile(ctx Context, file uint32) error {
	return a.setField32(ctx, a.layout.File, file)
}

// Read takes a snapshot of every field of a context
func (a *Accessor) Read(ctx Context) (Frame, error) {
	frame := Frame{Context: ctx}
	if ctx.IsNull() {
		return frame, ErrNullContext
	}

	var err error
	read32 := func(offset uint32) uint32 {
		if err != nil {
			return 0
		}
		var value uint32
		value, err = a.mem.Read32(uint32(ctx) + offset)
		return value
	}
	read16 := func(offset uint32) uint16 {
		if err != nil {
			return 0
		}
		var value uint16
		value, err = a.mem.Read16(uint32(ctx) + offset)
		return value
	}

	frame.Proc = ProcID(read32(a.layout.Proc))
	frame.Parent = Context(read32(a.layout.Parent))
	frame.Bytecode = read32(a.layout.Bytecode)
	frame.Offset = uint32(read16(a.layout.Offset))
	frame.Tag = read16(a.layout.Tag)
	frame.Line = read32(a.layout.Line)
	frame.File = read32(a.layout.File)

	if err != nil {
		return Frame{Context: ctx}, fmt.Errorf("reading %v: %w", ctx, err)
	}
	return frame, nil
}

// Write stores every field of a frame except the instance tag, which belongs to dmtrap.
// Only the simulated host writes whole records.
func (a *Accessor) Write(frame Frame) error {
	ctx := frame.Context
	for _, field := range []struct {
		offset uint32
		value  uint32
	}{
		{a.layout.Proc, uint32(frame.Proc)},
		{a.layout.Parent, uint32(frame.Parent)},
		{a.layout.Bytecode, frame.Bytecode},
		{a.layout.Line, frame.Line},
		{a.layout.File, frame.File},
	} {
		if err := a.setField32(ctx, field.offset, field.value); err != nil {
			return err
		}
	}
	return a.setField16(ctx, a.layout.Offset, uint16(frame.Offset))
}

// maxChainDepth bounds chain walks so a corrupted record cannot loop forever
const maxChainDepth = 4096

// Chain returns ctx followed by all its callers, innermost first
func (a *Accessor) Chain(ctx Context) ([]Context, error) {
	var chain []Context
	for current := ctx; !current.IsNull(); {
		if len(chain) >= maxChainDepth {
			return chain, fmt.Errorf("call chain from %v deeper than %d frames", ctx, maxChainDepth)
		}
		chain = append(chain, current)

		parent, err := a.Parent(current)
		if err != nil {
			return chain, err
		}
		current = parent
	}
	return chain, nil
}
