// Package breakpoint plants and removes breakpoint traps in host bytecode.
//
// Planting a breakpoint overwrites an instruction in place: its opcode word becomes
// TRAP and its operand words become TRAP_OPERAND, after the original words are saved
// in a patch record. When the host is about to execute a trap, Intercept writes the
// original words back so the real instruction runs, and schedules a deferred re-arm.
// The re-arm is applied at the very start of the next interception callback, one full
// instruction boundary later, so that a loop coming back to the same instruction hits
// the trap again.
//
// All of this happens on the host's single execution thread, so the manager holds no
// locks. Every patch must be reverted before the host runs without dmtrap, otherwise
// the host executes a TRAP it does not know and crashes.
package breakpoint

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var ErrInvalidOffset = errors.New("offset is not an instruction boundary")

// rearm is the deferred restore slot: words to write back at an address on the next callback
type rearm struct {
	address uint32
	words   []uint32
}

// Manager owns the patch records of every planted breakpoint
type Manager struct {
	rt  host.Runtime
	mem host.Memory
	acc *host.Accessor
	log *slog.Logger

	// bytecode address of the trapped instruction -> original words of the whole instruction
	patches  map[uint32][]uint32
	deferred *rearm
}

// NewManager creates a manager for a host runtime
func NewManager(rt host.Runtime, acc *host.Accessor, log *slog.Logger) *Manager {
	return &Manager{
		rt:      rt,
		mem:     rt.Memory(),
		acc:     acc,
		log:     logging.Component(log, "breakpoint"),
		patches: make(map[uint32][]uint32),
	}
}

func trapWords(count int) []uint32 {
	words := make([]uint32, count)
	for i := range words {
		words[i] = uint32(bytecode.TRAP_OPERAND)
	}
	words[0] = uint32(bytecode.TRAP)
	return words
}

// overlay writes the saved original words of every patch inside a proc onto a copy of its bytecode
func (m *Manager) overlay(proc host.Proc, words []uint32) {
	end := proc.Bytecode.Addr(proc.Bytecode.Len)
	for address, original := range m.patches {
		if address < proc.Bytecode.Base || address >= end {
			continue
		}
		copy(words[(address-proc.Bytecode.Base)/4:], original)
	}
}

// Original returns the bytecode of a proc as it was before any trap was planted.
// Host memory is left untouched.
func (m *Manager) Original(id host.ProcID) ([]uint32, error) {
	proc, err := m.rt.Proc(id)
	if err != nil {
		return nil, err
	}

	words, err := host.ReadBytecode(m.mem, proc.Bytecode)
	if err != nil {
		return nil, fmt.Errorf("reading bytecode of %v: %w", proc, err)
	}
	m.overlay(proc, words)
	return words, nil
}

// locate decodes a proc and finds the instruction starting at offset. Boundaries are
// recomputed every time since the bytecode may have changed since the last operation.
func (m *Manager) locate(id host.ProcID, offset uint32) (host.Proc, []uint32, bytecode.Instruction, error) {
	proc, err := m.rt.Proc(id)
	if err != nil {
		return proc, nil, bytecode.Instruction{}, err
	}

	words, err := m.Original(id)
	if err != nil {
		return proc, nil, bytecode.Instruction{}, err
	}

	instructions, err := bytecode.Decode(words)
	if err != nil {
		// Keep going with whatever could be decoded
		m.log.Debug("partial decode", "proc", proc.Path, "error", err)
	}

	instruction, ok := bytecode.Find(instructions, offset)
	if !ok {
		return proc, nil, bytecode.Instruction{}, utils.MakeError(ErrInvalidOffset, "%v offset %d", proc, offset)
	}
	return proc, words, instruction, nil
}

// Plant puts a trap on the instruction starting at offset. Planting an already trapped
// instruction succeeds without touching the saved original words.
func (m *Manager) Plant(id host.ProcID, offset uint32) error {
	proc, words, instruction, err := m.locate(id, offset)
	if err != nil {
		return err
	}

	address := proc.Bytecode.Addr(instruction.Start)
	if _, trapped := m.patches[address]; trapped {
		return nil
	}

	original := append([]uint32(nil), words[instruction.Start:instruction.End]...)
	if err := host.WriteWords(m.mem, address, trapWords(len(original))); err != nil {
		return fmt.Errorf("planting trap on %v offset %d: %w", proc, offset, err)
	}

	m.patches[address] = original
	m.log.Debug("trap planted", "proc", proc.Path, "offset", offset, "op", instruction.Op, "words", len(original))
	return nil
}

// Remove restores the instruction starting at offset. Removing an instruction that is
// not trapped does nothing.
func (m *Manager) Remove(id host.ProcID, offset uint32) error {
	proc, _, instruction, err := m.locate(id, offset)
	if err != nil {
		return err
	}

	address := proc.Bytecode.Addr(instruction.Start)
	original, trapped := m.patches[address]
	if !trapped {
		return nil
	}

	if err := host.WriteWords(m.mem, address, original); err != nil {
		return fmt.Errorf("removing trap from %v offset %d: %w", proc, offset, err)
	}
	delete(m.patches, address)

	// A pending re-arm would plant the trap again
	if m.deferred != nil && m.deferred.address == address {
		m.deferred = nil
	}

	m.log.Debug("trap removed", "proc", proc.Path, "offset", offset)
	return nil
}

// ListTrapped disassembles the live bytecode of a proc and returns the offsets carrying a trap
func (m *Manager) ListTrapped(id host.ProcID) ([]uint32, error) {
	proc, err := m.rt.Proc(id)
	if err != nil {
		return nil, err
	}

	words, err := host.ReadBytecode(m.mem, proc.Bytecode)
	if err != nil {
		return nil, err
	}

	instructions, _ := bytecode.Decode(words)

	var offsets []uint32
	for _, instruction := range instructions {
		if instruction.Op == bytecode.TRAP {
			offsets = append(offsets, instruction.Start)
		}
	}
	return offsets, nil
}

// Count returns the number of planted breakpoints
func (m *Manager) Count() int {
	return len(m.patches)
}

// Intercept checks whether the instruction the context is about to execute is a trap.
// If it is, the original instruction is put back for this one execution and the trap
// is re-armed at the start of the next callback.
func (m *Manager) Intercept(ctx host.Context) (bool, error) {
	address, original, err := m.trapped(ctx)
	if err != nil || original == nil {
		return false, err
	}

	if err := host.WriteWords(m.mem, address, original); err != nil {
		return false, err
	}
	m.schedule(address, trapWords(len(original)))
	return true, nil
}

// Settle disarms a trap planted over the instruction the context is about to execute
// after Intercept already ran for it, as when a stopped client sets a breakpoint on the
// current line. The original instruction runs and the trap is re-armed on the next
// callback without firing. Returns whether a trap was disarmed.
func (m *Manager) Settle(ctx host.Context) (bool, error) {
	address, original, err := m.trapped(ctx)
	if err != nil || original == nil {
		return false, err
	}

	if pending := m.deferred; pending != nil {
		if pending.address == address {
			m.deferred = nil
		} else {
			// Not the current instruction, so it is safe to re-arm right away
			m.ApplyDeferred()
		}
	}

	if err := host.WriteWords(m.mem, address, original); err != nil {
		return false, err
	}
	m.schedule(address, trapWords(len(original)))
	m.log.Debug("disarmed trap on the current instruction", "address", utils.FormatUintHex(uint64(address), 8))
	return true, nil
}

// trapped returns the address and saved words of the trap the context is about to
// fetch, or nil words when the current word is not a trap
func (m *Manager) trapped(ctx host.Context) (uint32, []uint32, error) {
	frame, err := m.acc.Read(ctx)
	if err != nil {
		return 0, nil, err
	}

	address := frame.Bytecode + 4*frame.Offset
	word, err := m.mem.Read32(address)
	if err != nil {
		return 0, nil, err
	}
	if bytecode.Opcode(word) != bytecode.TRAP {
		return address, nil, nil
	}

	original, known := m.patches[address]
	if !known {
		return 0, nil, fmt.Errorf("trap at 0x%08X (proc %d offset %d) has no patch record", address, frame.Proc, frame.Offset)
	}
	return address, original, nil
}

// schedule fills the deferred slot. Only one re-arm may be pending; a second one means
// a callback was skipped and the first trap would be lost.
func (m *Manager) schedule(address uint32, words []uint32) {
	if m.deferred != nil {
		panic(fmt.Sprintf("deferred re-arm at 0x%08X scheduled while 0x%08X is still pending", address, m.deferred.address))
	}
	m.deferred = &rearm{address: address, words: words}
}

// ApplyDeferred re-arms the trap that fired on the previous callback. It must run at the
// start of every interception callback, before any opcode is read.
func (m *Manager) ApplyDeferred() {
	pending := m.deferred
	if pending == nil {
		return
	}
	m.deferred = nil

	if _, planted := m.patches[pending.address]; !planted {
		return
	}
	if err := host.WriteWords(m.mem, pending.address, pending.words); err != nil {
		m.log.Error("failed to re-arm trap", "address", utils.FormatUintHex(uint64(pending.address), 8), "error", err)
	}
}

// Pending returns the address of the pending deferred re-arm, if any
func (m *Manager) Pending() (uint32, bool) {
	if m.deferred == nil {
		return 0, false
	}
	return m.deferred.address, true
}

// Peek returns the word at an address as the host compiler emitted it, looking
// through any trap planted over it
func (m *Manager) Peek(address uint32) (uint32, error) {
	for start, original := range m.patches {
		if address >= start && address < start+4*uint32(len(original)) {
			return original[(address-start)/4], nil
		}
	}
	return m.mem.Read32(address)
}

// RevertAll restores every patched instruction and forgets all patch records
func (m *Manager) RevertAll() error {
	var errs []error
	for address, original := range m.patches {
		if err := host.WriteWords(m.mem, address, original); err != nil {
			errs = append(errs, fmt.Errorf("reverting 0x%08X: %w", address, err))
			continue
		}
	}

	m.log.Debug("all traps reverted", "count", len(m.patches))
	m.patches = make(map[uint32][]uint32)
	m.deferred = nil
	return errors.Join(errs...)
}
