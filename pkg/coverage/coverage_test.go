package coverage

import (
	"bytes"
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Manu343726/dmtrap/pkg/bytecode"
	"github.com/Manu343726/dmtrap/pkg/host"
	"github.com/Manu343726/dmtrap/pkg/host/hosttest"
)

type fixture struct {
	rt *hosttest.Runtime

	a, b, generated host.Proc
	fileA, fileB    uint32
	fileGenerated   uint32
}

func newFixture() *fixture {
	rt := hosttest.New(hosttest.DefaultBuild)
	f := &fixture{rt: rt}

	f.a = rt.AddProcAsm("/proc/a", `
		DBGFILE "'code/a.dm'"
		DBGLINE 1
		PUSH 1
		DBGLINE 2
		POP
		DBGLINE 4
		END`)
	f.b = rt.AddProcAsm("/proc/b", `
		DBGFILE "code/b.dm"
		DBGLINE 10
		END`)
	f.generated = rt.AddProcAsm("/proc/generated", `
		DBGFILE "generated.txt"
		DBGLINE 3
		END`)

	f.fileA = rt.Intern("'code/a.dm'")
	f.fileB = rt.Intern("code/b.dm")
	f.fileGenerated = rt.Intern("generated.txt")
	return f
}

func (f *fixture) index() *Index {
	return BuildIndex(f.rt, func(id host.ProcID) ([]uint32, error) {
		return f.rt.Words(id), nil
	}, nil)
}

func TestIsSourceFile(t *testing.T) {
	assert.True(t, IsSourceFile("code/a.dm"))
	assert.True(t, IsSourceFile("maps/station.DMM"))
	assert.True(t, IsSourceFile("project.dme"))
	assert.False(t, IsSourceFile("generated.txt"))
	assert.False(t, IsSourceFile("code/a.dm.bak"))
	assert.False(t, IsSourceFile(""))
}

func TestTrackerRecord(t *testing.T) {
	f := newFixture()
	tracker := NewTracker(f.rt, nil)

	tracker.Record(f.a.ID, f.fileA, 1)
	tracker.Record(f.a.ID, f.fileA, 1)
	tracker.Record(f.a.ID, f.fileA, 1)
	tracker.Record(f.a.ID, f.fileA, 2)
	tracker.Record(f.a.ID, f.fileA, 0)
	tracker.Record(f.b.ID, f.fileB, 100)
	tracker.Record(f.generated.ID, f.fileGenerated, 3)

	report, err := tracker.Finalize()
	require.NoError(t, err)

	expected := []FileReport{
		{Path: "code/a.dm", Lines: []LineHits{{Line: 1, Hits: 3}, {Line: 2, Hits: 1}}, Valid: 2},
		{Path: "code/b.dm", Lines: []LineHits{{Line: 100, Hits: 1}}, Valid: 1},
	}
	if diff := cmp.Diff(expected, report.Files); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	t.Run("rejected files are cached", func(t *testing.T) {
		assert.Contains(t, tracker.handles, procFile{proc: f.generated.ID, file: f.fileGenerated})
		assert.Nil(t, tracker.handles[procFile{proc: f.generated.ID, file: f.fileGenerated}])
	})

	t.Run("finalizes once", func(t *testing.T) {
		_, err := tracker.Finalize()
		assert.ErrorIs(t, err, ErrFinalized)
	})
}

func TestTrackerSeeded(t *testing.T) {
	f := newFixture()
	index := f.index()

	assert.Equal(t, []string{"code/a.dm", "code/b.dm"}, index.Files())
	assert.Equal(t, []uint32{1, 2, 4}, index.Lines("code/a.dm"))

	tracker := NewTracker(f.rt, nil)
	tracker.Seed(index)
	assert.Len(t, tracker.handles, 2, "indexed procs skip the slow path")

	tracker.Record(f.a.ID, f.fileA, 1)
	tracker.Record(f.a.ID, f.fileA, 1)
	tracker.Record(f.a.ID, f.fileA, 7)

	report, err := tracker.Finalize()
	require.NoError(t, err)

	expected := []FileReport{
		{Path: "code/a.dm", Lines: []LineHits{{Line: 1, Hits: 2}, {Line: 7, Hits: 1}}, Valid: 4},
		{Path: "code/b.dm", Valid: 1},
	}
	if diff := cmp.Diff(expected, report.Files); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}

	covered, valid := report.Totals()
	assert.Equal(t, 2, covered)
	assert.Equal(t, 5, valid)
	assert.Equal(t, map[uint32]uint32{1: 2, 7: 1}, report.Files[0].Hits())
}

func TestIndexPartialDecode(t *testing.T) {
	f := newFixture()
	words, err := bytecode.Assemble(`
		DBGFILE "code/partial.dm"
		DBGLINE 5
		PUSH 1`, f.rt)
	require.NoError(t, err)
	f.rt.AddProc("/proc/partial", append(words, 0xDEAD, uint32(bytecode.DBGLINE), 6))

	index := f.index()
	assert.Equal(t, []string{"code/a.dm", "code/b.dm", "code/partial.dm"}, index.Files())
	assert.Equal(t, []uint32{5}, index.Lines("code/partial.dm"), "lines before the unknown opcode are kept")
}

func TestTrackerLineOutOfRange(t *testing.T) {
	f := newFixture()
	tracker := NewTracker(f.rt, nil)

	tracker.Record(f.b.ID, f.fileB, 0xFFFFFFFF)
	tracker.Record(f.b.ID, f.fileB, MaxLine+1)
	tracker.Record(f.b.ID, f.fileB, MaxLine)

	report, err := tracker.Finalize()
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, map[uint32]uint32{MaxLine: 1}, report.Files[0].Hits())
}

func TestReportCobertura(t *testing.T) {
	report := &Report{
		Files: []FileReport{
			{Path: "code/a.dm", Lines: []LineHits{{Line: 1, Hits: 3}, {Line: 2, Hits: 1}}, Valid: 4},
		},
	}

	var buffer bytes.Buffer
	require.NoError(t, report.WriteCobertura(&buffer))
	assert.Contains(t, buffer.String(), xml.Header)

	var doc coberturaCoverage
	require.NoError(t, xml.Unmarshal(buffer.Bytes(), &doc))

	expected := coberturaCoverage{
		XMLName:      xml.Name{Local: "coverage"},
		LineRate:     "0.5000",
		BranchRate:   "0",
		LinesCovered: 2,
		LinesValid:   4,
		Version:      "dmtrap",
		Sources:      []string{"."},
		Packages: []coberturaPackage{{
			Name:       ".",
			LineRate:   "0.5000",
			BranchRate: "0",
			Classes: []coberturaClass{{
				Name:       "code/a.dm",
				Filename:   "code/a.dm",
				LineRate:   "0.5000",
				BranchRate: "0",
				Lines:      []coberturaLine{{Number: 1, Hits: 3}, {Number: 2, Hits: 1}},
			}},
		}},
	}
	if diff := cmp.Diff(expected, doc, cmpopts.IgnoreFields(coberturaCoverage{}, "Timestamp")); diff != "" {
		t.Errorf("cobertura mismatch (-want +got):\n%s", diff)
	}

	t.Run("empty report", func(t *testing.T) {
		tracker := NewTracker(newFixture().rt, nil)
		empty, err := tracker.Finalize()
		require.NoError(t, err)
		assert.Empty(t, empty.Files)

		buffer.Reset()
		require.NoError(t, empty.WriteCobertura(&buffer))
		assert.Contains(t, buffer.String(), `lines-valid="0"`)
	})
}

func TestReportWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "coverage.xml")
	report := &Report{Files: []FileReport{{Path: "code/a.dm", Lines: []LineHits{{Line: 1, Hits: 1}}, Valid: 1}}}

	require.NoError(t, report.WriteFile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `filename="code/a.dm"`)
	assert.Contains(t, string(content), `<line number="1" hits="1"></line>`)
}

func TestRegistry(t *testing.T) {
	f := newFixture()
	dir := t.TempDir()
	first := filepath.Join(dir, "first.xml")
	second := filepath.Join(dir, "out", "second.xml")

	registry := NewRegistry(f.rt, f.index(), nil)
	assert.False(t, registry.Active())

	require.NoError(t, registry.Start(first))
	assert.ErrorIs(t, registry.Start(first), ErrContextExists)

	registry.Record(f.a.ID, f.fileA, 1)
	require.NoError(t, registry.Start(second))
	registry.Record(f.a.ID, f.fileA, 1)
	assert.Equal(t, []string{first, second}, registry.Open())

	report, err := registry.Stop(first)
	require.NoError(t, err)
	assert.Equal(t, []LineHits{{Line: 1, Hits: 2}}, report.Files[0].Lines)
	assert.FileExists(t, first)

	_, err = registry.Stop(first)
	assert.ErrorIs(t, err, ErrUnknownContext)

	registry.Record(f.a.ID, f.fileA, 2)
	require.NoError(t, registry.StopAll())
	assert.FileExists(t, second)
	assert.False(t, registry.Active())

	t.Run("sessions are independent", func(t *testing.T) {
		content, err := os.ReadFile(second)
		require.NoError(t, err)
		assert.Contains(t, string(content), `<line number="1" hits="1"></line>`)
		assert.Contains(t, string(content), `<line number="2" hits="1"></line>`)
	})
}
