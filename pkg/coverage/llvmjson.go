/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: llvmjson.go
Description: Parser for llvm-cov export JSON. Line segments become visited lines
("file:line"), branch regions become a true and a false edge ("file:line:col:T|F") with their
execution counts, and executed functions become library calls. Only files accepted by the
filter contribute, so the seed's own translation unit never counts as target coverage.
*/

package coverage

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kleascm/akaylee-seedbank/pkg/core"
)

// LLVMExportType is the "type" of an llvm-cov export document
const LLVMExportType = "llvm.coverage.json.export"

type llvmExport struct {
	Type    string     `json:"type"`
	Version string     `json:"version"`
	Data    []llvmData `json:"data"`
}

type llvmData struct {
	Files     []llvmFile     `json:"files"`
	Functions []llvmFunction `json:"functions"`
}

type llvmFile struct {
	Filename string  `json:"filename"`
	Segments [][]any `json:"segments"`
	Branches [][]any `json:"branches"`
}

type llvmFunction struct {
	Name      string   `json:"name"`
	Count     any      `json:"count"`
	Filenames []string `json:"filenames"`
}

type segment struct {
	line, col, count uint64
	hasCount, gap    bool
}

// FileFilter selects which source files count as target coverage
type FileFilter func(filename string) bool

// ParseLLVMJSON reads an llvm-cov export document
func ParseLLVMJSON(r io.Reader, include FileFilter) (*core.CoverageReport, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var doc llvmExport
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCoverageParse, err)
	}
	if doc.Type != LLVMExportType {
		return nil, fmt.Errorf("%w: unexpected export type %q", core.ErrCoverageParse, doc.Type)
	}
	if len(doc.Data) == 0 {
		return nil, fmt.Errorf("%w: export has no data", core.ErrCoverageParse)
	}
	if include == nil {
		include = func(string) bool { return true }
	}

	report := core.NewCoverageReport()
	for _, d := range doc.Data {
		for _, f := range d.Files {
			if !include(f.Filename) {
				continue
			}
			if err := addSegments(report, f); err != nil {
				return nil, err
			}
			if err := addBranches(report, f); err != nil {
				return nil, err
			}
		}
		for _, fn := range d.Functions {
			if len(fn.Filenames) == 0 || !include(fn.Filenames[0]) {
				continue
			}
			count, ok := toUint(fn.Count)
			if !ok {
				return nil, fmt.Errorf("%w: function %s has a bad count", core.ErrCoverageParse, fn.Name)
			}
			if count > 0 {
				report.LibraryCalls[functionName(fn.Name)] += int(count)
			}
		}
	}
	return report, nil
}

func addSegments(report *core.CoverageReport, f llvmFile) error {
	segs := make([]segment, 0, len(f.Segments))
	for _, raw := range f.Segments {
		if len(raw) < 5 {
			return fmt.Errorf("%w: %s: short segment", core.ErrCoverageParse, f.Filename)
		}
		var s segment
		var ok1, ok2, ok3 bool
		s.line, ok1 = toUint(raw[0])
		s.col, ok2 = toUint(raw[1])
		s.count, ok3 = toUint(raw[2])
		if !ok1 || !ok2 || !ok3 {
			return fmt.Errorf("%w: %s: malformed segment", core.ErrCoverageParse, f.Filename)
		}
		s.hasCount = toBool(raw[3])
		if len(raw) > 5 {
			s.gap = toBool(raw[5])
		}
		segs = append(segs, s)
	}

	// A segment's count holds until the next segment starts
	for i, s := range segs {
		if !s.hasCount || s.gap || s.count == 0 {
			continue
		}
		last := s.line
		if i+1 < len(segs) {
			next := segs[i+1]
			if next.line > s.line {
				last = next.line - 1
				if next.col > 1 {
					last = next.line
				}
			}
		}
		for l := s.line; l <= last; l++ {
			report.VisitedLines[f.Filename+":"+strconv.FormatUint(l, 10)] = struct{}{}
		}
	}
	return nil
}

func addBranches(report *core.CoverageReport, f llvmFile) error {
	for _, raw := range f.Branches {
		if len(raw) < 6 {
			return fmt.Errorf("%w: %s: short branch", core.ErrCoverageParse, f.Filename)
		}
		line, ok1 := toUint(raw[0])
		col, ok2 := toUint(raw[1])
		trueCount, ok3 := toUint(raw[4])
		falseCount, ok4 := toUint(raw[5])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return fmt.Errorf("%w: %s: malformed branch", core.ErrCoverageParse, f.Filename)
		}
		id := fmt.Sprintf("%s:%d:%d", f.Filename, line, col)
		report.BranchHits[id+":T"] += trueCount
		report.BranchHits[id+":F"] += falseCount
	}
	return nil
}

// functionName drops the "file.c:" prefix llvm-cov puts on internal-linkage functions
func functionName(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 && strings.Contains(name[:i], ".") {
		return name[i+1:]
	}
	return name
}

func toUint(v any) (uint64, bool) {
	switch x := v.(type) {
	case json.Number:
		if n, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return n, true
		}
		f, err := x.Float64()
		if err != nil || f < 0 {
			return 0, false
		}
		return uint64(f), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

func toBool(v any) bool {
	n, ok := toUint(v)
	return ok && n != 0
}
