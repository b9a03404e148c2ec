package coverage

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// LineHits is the hit count of a source line
type LineHits struct {
	Line uint32
	Hits uint32
}

// FileReport is the coverage of one source file. Lines only lists lines that ran, sorted.
type FileReport struct {
	Path  string
	Lines []LineHits
	// Valid counts the hittable lines of the file, run or not
	Valid int
}

// Covered returns the number of lines that ran at least once
func (f FileReport) Covered() int {
	return len(f.Lines)
}

// Hits returns the line to hit count mapping
func (f FileReport) Hits() map[uint32]uint32 {
	hits := make(map[uint32]uint32, len(f.Lines))
	for _, line := range f.Lines {
		hits[line.Line] = line.Hits
	}
	return hits
}

// Report is the result of a coverage session, with files sorted by path
type Report struct {
	Timestamp time.Time
	Files     []FileReport
}

// Totals returns the number of covered and hittable lines across all files
func (r *Report) Totals() (covered int, valid int) {
	for _, file := range r.Files {
		covered += file.Covered()
		valid += file.Valid
	}
	return covered, valid
}

// --- Cobertura ---

type coberturaCoverage struct {
	XMLName         xml.Name           `xml:"coverage"`
	LineRate        string             `xml:"line-rate,attr"`
	BranchRate      string             `xml:"branch-rate,attr"`
	LinesCovered    int                `xml:"lines-covered,attr"`
	LinesValid      int                `xml:"lines-valid,attr"`
	BranchesCovered int                `xml:"branches-covered,attr"`
	BranchesValid   int                `xml:"branches-valid,attr"`
	Complexity      int                `xml:"complexity,attr"`
	Version         string             `xml:"version,attr"`
	Timestamp       int64              `xml:"timestamp,attr"`
	Sources         []string           `xml:"sources>source"`
	Packages        []coberturaPackage `xml:"packages>package"`
}

type coberturaPackage struct {
	Name       string           `xml:"name,attr"`
	LineRate   string           `xml:"line-rate,attr"`
	BranchRate string           `xml:"branch-rate,attr"`
	Complexity int              `xml:"complexity,attr"`
	Classes    []coberturaClass `xml:"classes>class"`
}

type coberturaClass struct {
	Name       string          `xml:"name,attr"`
	Filename   string          `xml:"filename,attr"`
	LineRate   string          `xml:"line-rate,attr"`
	BranchRate string          `xml:"branch-rate,attr"`
	Complexity int             `xml:"complexity,attr"`
	Methods    struct{}        `xml:"methods"`
	Lines      []coberturaLine `xml:"lines>line"`
}

type coberturaLine struct {
	Number int    `xml:"number,attr"`
	Hits   uint32 `xml:"hits,attr"`
}

func rate(covered int, valid int) string {
	if valid == 0 {
		return "1"
	}
	return strconv.FormatFloat(float64(covered)/float64(valid), 'f', 4, 64)
}

func (r *Report) cobertura() coberturaCoverage {
	covered, valid := r.Totals()
	doc := coberturaCoverage{
		LineRate:     rate(covered, valid),
		BranchRate:   "0",
		LinesCovered: covered,
		LinesValid:   valid,
		Version:      "dmtrap",
		Timestamp:    r.Timestamp.Unix(),
		Sources:      []string{"."},
	}

	pkg := coberturaPackage{
		Name:       ".",
		LineRate:   doc.LineRate,
		BranchRate: "0",
	}
	for _, file := range r.Files {
		class := coberturaClass{
			Name:       file.Path,
			Filename:   file.Path,
			LineRate:   rate(file.Covered(), file.Valid),
			BranchRate: "0",
		}
		for _, line := range file.Lines {
			class.Lines = append(class.Lines, coberturaLine{Number: int(line.Line), Hits: line.Hits})
		}
		pkg.Classes = append(pkg.Classes, class)
	}
	doc.Packages = []coberturaPackage{pkg}

	return doc
}

// WriteCobertura writes the report as a Cobertura XML document
func (r *Report) WriteCobertura(w io.Writer) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(r.cobertura()); err != nil {
		return fmt.Errorf("encoding cobertura report: %w", err)
	}
	return encoder.Close()
}

// WriteFile writes the Cobertura report to path, creating missing directories
func (r *Report) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating report directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating report: %w", err)
	}

	if err := r.WriteCobertura(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
