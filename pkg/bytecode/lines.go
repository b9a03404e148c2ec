package bytecode

// LineTable maps bytecode offsets to source lines using the DBGLINE annotations of a proc
type LineTable struct {
	// offsets of every instruction and the line in effect when it runs
	lines map[uint32]uint32
	// first offset after a DBGLINE marker for each line
	offsets map[uint32]uint32
}

// NewLineTable builds the line table of a decoded proc
func NewLineTable(instructions []Instruction) *LineTable {
	table := &LineTable{
		lines:   make(map[uint32]uint32, len(instructions)),
		offsets: make(map[uint32]uint32),
	}

	var current uint32
	pendingLine := false

	for _, instruction := range instructions {
		if instruction.Op == DBGLINE {
			current = instruction.Operand(0)
			pendingLine = true
			table.lines[instruction.Start] = current
			continue
		}

		if pendingLine {
			if _, seen := table.offsets[current]; !seen && current != 0 {
				table.offsets[current] = instruction.Start
			}
			pendingLine = false
		}

		if current != 0 {
			table.lines[instruction.Start] = current
		}
	}

	return table
}

// Line returns the source line in effect at an instruction offset
func (t *LineTable) Line(offset uint32) (uint32, bool) {
	line, ok := t.lines[offset]
	return line, ok
}

// Offset returns the offset of the first instruction following the first DBGLINE of a line.
// This is where a breakpoint for that line is planted.
func (t *LineTable) Offset(line uint32) (uint32, bool) {
	offset, ok := t.offsets[line]
	return offset, ok
}

// Annotations are the debug markers found in a proc
type Annotations struct {
	// Files are the DBGFILE string ids, in order of appearance
	Files []uint32
	// Lines are the distinct DBGLINE values, in order of appearance
	Lines []uint32
}

// CollectAnnotations extracts the debug markers of a decoded proc
func CollectAnnotations(instructions []Instruction) Annotations {
	var annotations Annotations
	seenFiles := map[uint32]bool{}
	seenLines := map[uint32]bool{}

	for _, instruction := range instructions {
		switch instruction.Op {
		case DBGFILE:
			if file := instruction.Operand(0); !seenFiles[file] {
				seenFiles[file] = true
				annotations.Files = append(annotations.Files, file)
			}
		case DBGLINE:
			if line := instruction.Operand(0); line != 0 && !seenLines[line] {
				seenLines[line] = true
				annotations.Lines = append(annotations.Lines, line)
			}
		}
	}

	return annotations
}
