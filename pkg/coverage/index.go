package coverage

import (
	"log/slog"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/logging"
	"github.com/Manu343726/dmtrap/pkg/utils"
)

// Index lists the hittable lines of every source file, taken from the debug markers of
// all procs
type Index struct {
	files map[string]map[uint32]struct{}
	procs map[procFile]string
}

// Code returns the original bytecode of a proc, without any instrumentation patches
type Code func(id host.ProcID) ([]uint32, error)

// BuildIndex scans every proc of the runtime. Procs that cannot be decoded are skipped.
func BuildIndex(rt host.Runtime, code Code, log *slog.Logger) *Index {
	log = logging.OrDiscard(log)
	index := &Index{
		files: make(map[string]map[uint32]struct{}),
		procs: make(map[procFile]string),
	}
	names := make(map[uint32]string)

	for id := 0; id < rt.ProcCount(); id++ {
		proc := host.ProcID(id)
		words, err := code(proc)
		if err != nil {
			log.Debug("skipping proc", slog.Int("proc", id), slog.Any("error", err))
			continue
		}

		instructions, err := bytecode.Decode(words)
		if err != nil {
			// Index whatever could be decoded
			log.Debug("partial decode", slog.Int("proc", id), slog.Any("error", err))
		}

		var path string
		for _, instruction := range instructions {
			switch instruction.Op {
			case bytecode.DBGFILE:
				file := instruction.Operand(0)
				name, ok := names[file]
				if !ok {
					name = index.fileName(rt, file)
					names[file] = name
				}
				path = name
				if path != "" {
					index.procs[procFile{proc: proc, file: file}] = path
				}

			case bytecode.DBGLINE:
				if line := instruction.Operand(0); line != 0 && line <= MaxLine && path != "" {
					index.files[path][line] = struct{}{}
				}
			}
		}
	}

	return index
}

func (i *Index) fileName(strings Strings, file uint32) string {
	name, err := strings.String(file)
	if err != nil {
		return ""
	}
	path := utils.Unquote(name)
	if !IsSourceFile(path) {
		return ""
	}
	if _, ok := i.files[path]; !ok {
		i.files[path] = make(map[uint32]struct{})
	}
	return path
}

// Files returns the indexed file paths, sorted
func (i *Index) Files() []string {
	return utils.SortedKeys(i.files)
}

// Lines returns the hittable lines of a file, sorted
func (i *Index) Lines(path string) []uint32 {
	return utils.SortedKeys(i.files[path])
}
