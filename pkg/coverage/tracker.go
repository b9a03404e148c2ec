// Package coverage counts executed source lines per file and writes Cobertura reports.
package coverage

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

var (
	ErrFinalized      = errors.New("coverage already finalized")
	ErrContextExists  = errors.New("coverage context already exists")
	ErrUnknownContext = errors.New("unknown coverage context")
)

// MaxLine is the highest line number counted. Larger DBGLINE operands are corrupt
// bytecode and are ignored.
const MaxLine = 1 << 20

// SourceExtensions are the file extensions of source files worth covering
var SourceExtensions = []string{".dm", ".dme", ".dmm"}

// IsSourceFile reports whether a file name has a source file extension
func IsSourceFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, candidate := range SourceExtensions {
		if ext == candidate {
			return true
		}
	}
	return false
}

// Strings resolves host string ids
type Strings interface {
	String(id uint32) (string, error)
}

// counters holds the line counters of a file. A counter is 0 for a line never seen,
// and the line's hit count plus one otherwise.
type counters struct {
	path  string
	lines []uint32
}

func (c *counters) slot(line uint32) *uint32 {
	if need := int(line); need > len(c.lines) {
		c.lines = append(c.lines, make([]uint32, need-len(c.lines))...)
	}
	return &c.lines[line-1]
}

func (c *counters) hit(line uint32) {
	counter := c.slot(line)
	if *counter == 0 {
		*counter = 1
	}
	*counter++
}

func (c *counters) seed(line uint32) {
	if counter := c.slot(line); *counter == 0 {
		*counter = 1
	}
}

type procFile struct {
	proc host.ProcID
	file uint32
}

// Tracker accumulates the line counters of one coverage session.
// It is only used from the host thread.
type Tracker struct {
	strings Strings
	log     *slog.Logger

	// handles caches the counters of each (proc, file) pair, nil for rejected files
	handles   map[procFile]*counters
	files     map[string]*counters
	finalized bool
}

// NewTracker creates an empty tracker resolving file names through strings
func NewTracker(strings Strings, log *slog.Logger) *Tracker {
	return &Tracker{
		strings: strings,
		log:     logging.OrDiscard(log),
		handles: make(map[procFile]*counters),
		files:   make(map[string]*counters),
	}
}

// Seed marks every line of the index as hittable, so reports can tell unhit lines from
// lines without code
func (t *Tracker) Seed(index *Index) {
	for path, lines := range index.files {
		file := t.file(path)
		for line := range lines {
			file.seed(line)
		}
	}

	for key, path := range index.procs {
		t.handles[key] = t.files[path]
	}
}

func (t *Tracker) file(path string) *counters {
	file, ok := t.files[path]
	if !ok {
		file = &counters{path: path}
		t.files[path] = file
	}
	return file
}

// Record counts one execution of a source line. file is the host string id of the
// proc's current source file.
func (t *Tracker) Record(proc host.ProcID, file uint32, line uint32) {
	if line == 0 || t.finalized {
		return
	}
	if line > MaxLine {
		t.log.Debug("ignoring line out of range", slog.Uint64("proc", uint64(proc)), slog.Uint64("line", uint64(line)))
		return
	}

	key := procFile{proc: proc, file: file}
	handle, cached := t.handles[key]
	if !cached {
		handle = t.resolve(file)
		t.handles[key] = handle
	}

	if handle != nil {
		handle.hit(line)
	}
}

func (t *Tracker) resolve(file uint32) *counters {
	name, err := t.strings.String(file)
	if err != nil {
		t.log.Debug("cannot resolve source file", slog.Uint64("string", uint64(file)), slog.Any("error", err))
		return nil
	}

	path := utils.Unquote(name)
	if !IsSourceFile(path) {
		return nil
	}
	return t.file(path)
}

// Finalize ends the session and returns its report. A tracker can only be finalized once.
func (t *Tracker) Finalize() (*Report, error) {
	if t.finalized {
		return nil, ErrFinalized
	}
	t.finalized = true

	report := &Report{Timestamp: time.Now()}
	for _, path := range utils.SortedKeys(t.files) {
		file := FileReport{Path: path}
		for i, counter := range t.files[path].lines {
			if counter == 0 {
				continue
			}
			file.Valid++
			if counter > 1 {
				file.Lines = append(file.Lines, LineHits{Line: uint32(i + 1), Hits: counter - 1})
			}
		}
		report.Files = append(report.Files, file)
	}

	return report, nil
}
