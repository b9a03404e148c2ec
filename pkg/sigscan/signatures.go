package sigscan

import (
	"fmt"
	"strings"
)

// Signature names a pattern and how to turn a match into the address of interest
type Signature struct {
	// Name is a human readable identifier, used in errors
	Name string
	// Pattern is the byte pattern
	Pattern Pattern
	// Adjust is added to the match offset (the pattern may start before the target)
	Adjust int
}

// Image is a loaded module: its bytes and the address they are mapped at
type Image struct {
	Base  uint32
	Bytes []byte
}

// Locate finds a signature and returns the absolute address it designates
func (img Image) Locate(sig Signature) (uint32, error) {
	offset, err := Find(img.Bytes, sig.Pattern)
	if err != nil {
		return 0, fmt.Errorf("locating %s: %w", sig.Name, err)
	}
	return img.Base + uint32(offset+sig.Adjust), nil
}

// LocateAny tries a list of alternative signatures (one per host build family) and
// returns the first one matching exactly once
func (img Image) LocateAny(name string, candidates []Signature) (uint32, error) {
	var failures []string
	for _, sig := range candidates {
		addr, err := img.Locate(sig)
		if err == nil {
			return addr, nil
		}
		failures = append(failures, err.Error())
	}

	if len(candidates) == 0 {
		return 0, fmt.Errorf("locating %s: %w (no candidate signatures)", name, ErrNotFound)
	}
	return 0, fmt.Errorf("locating %s: %w (%s)", name, ErrNotFound, strings.Join(failures, "; "))
}

// Known signatures of the host internals dmtrap hooks, newest build family first
var (
	// The per-instruction dispatch routine: loads the context's bytecode pointer and
	// offset, then indexes the opcode jump table
	Dispatch = []Signature{
		{Name: "dispatch/1543+", Pattern: MustParsePattern("55 8B EC 83 EC ?? 53 56 57 8B 7D 08 0F B7 47 10"), Adjust: 0},
		{Name: "dispatch/1500+", Pattern: MustParsePattern("55 8B EC 83 EC ?? 53 56 57 8B 7D 08 0F B7 47 0C"), Adjust: 0},
	}

	// The runtime error reporter: called with the faulting context and a message
	RuntimeError = []Signature{
		{Name: "runtime_error", Pattern: MustParsePattern("E8 ?? ?? ?? ?? 83 C4 08 8B 4D ?? 51 68 ?? ?? ?? ?? E8"), Adjust: 0},
	}
)
